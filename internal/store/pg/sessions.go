package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"authgate.io/internal/auth"
)

const sessionColumns = `id, user_id, token_hash, ip_address, user_agent, is_active, expires_at, created_at, last_activity`

type sessions Store

func scanSession(row rowScanner) (*auth.Session, error) {
	var s auth.Session
	err := row.Scan(&s.ID, &s.UserID, &s.TokenHash, &s.IPAddress, &s.UserAgent, &s.Active,
		&s.ExpiresAt, &s.CreatedAt, &s.LastActivity)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (st *sessions) Create(ctx context.Context, s *auth.Session) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := st.db.ExecContext(ctx, `
		insert into sessions (id, user_id, token_hash, ip_address, user_agent, is_active,
			expires_at, created_at, last_activity)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.ID, s.UserID, s.TokenHash, s.IPAddress, s.UserAgent, s.Active,
		s.ExpiresAt, s.CreatedAt, s.LastActivity)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.ErrConflict
			case pgErrForeignKeyViolation:
				return auth.ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (st *sessions) Find(ctx context.Context, id string) (*auth.Session, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := st.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (st *sessions) FindByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := st.db.QueryRowContext(ctx, `
		select `+sessionColumns+` from sessions where token_hash = $1 and is_active
	`, tokenHash)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (st *sessions) ListActive(ctx context.Context, userID string, now time.Time) ([]*auth.Session, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := st.db.QueryContext(ctx, `
		select `+sessionColumns+` from sessions
		where user_id = $1 and is_active and expires_at > $2
		order by last_activity desc
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (st *sessions) TouchActivity(ctx context.Context, id string, now time.Time) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := st.db.ExecContext(ctx, `update sessions set last_activity = $1 where id = $2`, now, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (st *sessions) Deactivate(ctx context.Context, id string) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := st.db.ExecContext(ctx, `update sessions set is_active = false where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (st *sessions) DeactivateByUser(ctx context.Context, userID string) (int, error) {
	if st.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	res, err := st.db.ExecContext(ctx, `
		update sessions set is_active = false where user_id = $1 and is_active
	`, userID)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

func (st *sessions) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	if st.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	res, err := st.db.ExecContext(ctx, `
		delete from sessions where expires_at <= $1 or not is_active
	`, before)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}
