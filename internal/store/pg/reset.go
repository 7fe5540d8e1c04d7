package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"authgate.io/internal/auth"
)

type resets Store

func (st *resets) Create(ctx context.Context, t *auth.ResetToken) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := st.db.ExecContext(ctx, `
		insert into reset_tokens (id, user_id, token_hash, expires_at, used_at, created_at, request_ip)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt, nullTime(t.UsedAt), t.CreatedAt, t.RequestIP)
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

// Redeem runs the whole validate-and-apply sequence in one transaction with
// both rows locked, so a token can never be spent twice.
func (st *resets) Redeem(ctx context.Context, tokenHash string, now time.Time, newPasswordHash string) (*auth.ResetToken, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		t      auth.ResetToken
		usedAt sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, used_at, created_at, request_ip
		from reset_tokens
		where token_hash = $1
		for update
	`, tokenHash).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &usedAt, &t.CreatedAt, &t.RequestIP)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrResetTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	if usedAt.Valid || !t.ExpiresAt.After(now) {
		return nil, auth.ErrResetTokenInvalid
	}

	var active bool
	err = tx.QueryRowContext(ctx, `select is_active from users where id = $1 for update`, t.UserID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUserDisabled
	}
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, auth.ErrUserDisabled
	}

	if _, err := tx.ExecContext(ctx, `
		update users set password_hash = $1, must_change_password = false,
			password_changed_at = $2, updated_at = $2
		where id = $3
	`, newPasswordHash, now, t.UserID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `update reset_tokens set used_at = $1 where id = $2`, now, t.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	used := now
	t.UsedAt = &used
	return &t, nil
}

func (st *resets) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	if st.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	res, err := st.db.ExecContext(ctx, `
		delete from reset_tokens where used_at is not null or expires_at <= $1
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
