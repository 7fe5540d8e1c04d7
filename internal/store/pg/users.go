package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"authgate.io/internal/auth"
)

const userColumns = `id, username, email, password_hash, first_name, last_name, phone,
	is_active, is_superuser, last_login, failed_login_attempts, locked_until,
	password_changed_at, must_change_password, created_at, updated_at`

type users Store

func scanUser(row rowScanner) (*auth.User, error) {
	var (
		u          auth.User
		lastLogin  sql.NullTime
		lockedTill sql.NullTime
		pwChanged  sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName,
		&u.Phone, &u.Active, &u.Superuser, &lastLogin, &u.FailedLoginAttempts, &lockedTill,
		&pwChanged, &u.MustChangePassword, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.LastLogin = tsPtr(lastLogin)
	u.LockedUntil = tsPtr(lockedTill)
	u.PasswordChangedAt = tsPtr(pwChanged)
	return &u, nil
}

func (st *users) Create(ctx context.Context, u *auth.User) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := st.db.ExecContext(ctx, `
		insert into users (id, username, email, password_hash, first_name, last_name, phone,
			is_active, is_superuser, last_login, failed_login_attempts, locked_until,
			password_changed_at, must_change_password, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Phone,
		u.Active, u.Superuser, nullTime(u.LastLogin), u.FailedLoginAttempts, nullTime(u.LockedUntil),
		nullTime(u.PasswordChangedAt), u.MustChangePassword, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (st *users) Find(ctx context.Context, id string) (*auth.User, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return st.findWhere(ctx, `id = $1`, id)
}

func (st *users) FindByIdentifier(ctx context.Context, identifier string) (*auth.User, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return st.findWhere(ctx, `username = $1 or email = $1`, identifier)
}

func (st *users) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return st.findWhere(ctx, `email = $1`, email)
}

func (st *users) findWhere(ctx context.Context, cond string, arg any) (*auth.User, error) {
	row := st.db.QueryRowContext(ctx, `select `+userColumns+` from users where `+cond, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := attachUserRoles(ctx, st.db, []*auth.User{u}); err != nil {
		return nil, err
	}
	return u, nil
}

func (st *users) List(ctx context.Context, f auth.UserFilter) ([]*auth.User, int, error) {
	if st.db == nil {
		return nil, 0, errors.New("database connection unavailable")
	}

	var (
		where []string
		args  []any
	)
	idx := 1
	if f.Active != nil {
		where = append(where, fmt.Sprintf("is_active = $%d", idx))
		args = append(args, *f.Active)
		idx++
	}
	if f.RoleID != "" {
		where = append(where, fmt.Sprintf("exists (select 1 from user_roles ur where ur.user_id = users.id and ur.role_id = $%d)", idx))
		args = append(args, f.RoleID)
		idx++
	}
	if f.Search != "" {
		where = append(where, fmt.Sprintf("(username ilike $%d or email ilike $%d or first_name ilike $%d or last_name ilike $%d)", idx, idx, idx, idx))
		args = append(args, "%"+f.Search+"%")
		idx++
	}
	clause := ""
	if len(where) > 0 {
		clause = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := st.db.QueryRowContext(ctx, `select count(*) from users`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `select ` + userColumns + ` from users` + clause + ` order by username`
	if f.Limit > 0 {
		query += fmt.Sprintf(" limit $%d", idx)
		args = append(args, f.Limit)
		idx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" offset $%d", idx)
		args = append(args, f.Offset)
	}

	rows, err := st.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := attachUserRoles(ctx, st.db, out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (st *users) Update(ctx context.Context, id string, upd auth.UserUpdate) (*auth.User, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}

	sets := []string{"updated_at = now()"}
	var args []any
	idx := 1
	if upd.Email != nil {
		sets = append(sets, fmt.Sprintf("email = $%d", idx))
		args = append(args, *upd.Email)
		idx++
	}
	if upd.FirstName != nil {
		sets = append(sets, fmt.Sprintf("first_name = $%d", idx))
		args = append(args, *upd.FirstName)
		idx++
	}
	if upd.LastName != nil {
		sets = append(sets, fmt.Sprintf("last_name = $%d", idx))
		args = append(args, *upd.LastName)
		idx++
	}
	if upd.Phone != nil {
		sets = append(sets, fmt.Sprintf("phone = $%d", idx))
		args = append(args, *upd.Phone)
		idx++
	}
	if upd.Active != nil {
		sets = append(sets, fmt.Sprintf("is_active = $%d", idx))
		args = append(args, *upd.Active)
		idx++
	}
	if upd.Superuser != nil {
		sets = append(sets, fmt.Sprintf("is_superuser = $%d", idx))
		args = append(args, *upd.Superuser)
		idx++
	}
	if upd.MustChangePassword != nil {
		sets = append(sets, fmt.Sprintf("must_change_password = $%d", idx))
		args = append(args, *upd.MustChangePassword)
		idx++
	}
	args = append(args, id)

	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`update users set %s where id = $%d`, strings.Join(sets, ", "), idx), args...)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return nil, auth.ErrConflict
		}
		return nil, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if aff == 0 {
		return nil, auth.ErrNotFound
	}

	if upd.RoleIDs != nil {
		if err := replaceUserRoles(ctx, tx, id, *upd.RoleIDs); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return st.Find(ctx, id)
}

func (st *users) Delete(ctx context.Context, id string) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	// sessions, reset tokens and role assignments go with the row via
	// on delete cascade
	res, err := st.db.ExecContext(ctx, `delete from users where id = $1`, id)
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

func (st *users) SetRoles(ctx context.Context, userID string, roleIDs []string) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists (select 1 from users where id = $1)`, userID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return auth.ErrNotFound
	}
	if err := replaceUserRoles(ctx, tx, userID, roleIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// replaceUserRoles swaps the assignment set inside the caller's transaction.
// Unknown role ids are dropped by the select; on conflict covers duplicates
// in the input.
func replaceUserRoles(ctx context.Context, tx *sql.Tx, userID string, roleIDs []string) error {
	if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
		return err
	}
	if len(roleIDs) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		select $1, id from roles where id = any($2)
		on conflict do nothing
	`, userID, roleIDs)
	return err
}

func (st *users) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := st.db.ExecContext(ctx, `update users set password_hash = $1 where id = $2`, passwordHash, userID)
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

func (st *users) SetPassword(ctx context.Context, userID, passwordHash string, mustChange bool, now time.Time) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := st.db.ExecContext(ctx, `
		update users set password_hash = $1, must_change_password = $2,
			password_changed_at = $3, updated_at = $3
		where id = $4
	`, passwordHash, mustChange, now, userID)
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

func (st *users) RecordLoginFailure(ctx context.Context, userID string, now time.Time, policy auth.LockoutPolicy) (int, *time.Time, error) {
	if st.db == nil {
		return 0, nil, errors.New("database connection unavailable")
	}
	// The increment and the threshold check run in one statement so
	// concurrent failures cannot race past the lock.
	var attempts int
	err := st.db.QueryRowContext(ctx, `
		update users set
			failed_login_attempts = failed_login_attempts + 1,
			locked_until = case
				when $2 > 0 and failed_login_attempts + 1 >= $2 then $3
				else locked_until
			end,
			updated_at = now()
		where id = $1
		returning failed_login_attempts
	`, userID, policy.Threshold, now.Add(policy.Cooldown)).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, auth.ErrNotFound
	}
	if err != nil {
		return 0, nil, err
	}
	_, lockedUntil := policy.NextFailure(attempts-1, now)
	return attempts, lockedUntil, nil
}

func (st *users) RecordLoginSuccess(ctx context.Context, userID string, now time.Time) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := st.db.ExecContext(ctx, `
		update users set failed_login_attempts = 0, locked_until = null,
			last_login = $1, updated_at = now()
		where id = $2
	`, now, userID)
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

// attachUserRoles loads the role sets, permissions included, for every user
// in one round trip per relation.
func attachUserRoles(ctx context.Context, db *sql.DB, list []*auth.User) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, 0, len(list))
	byID := make(map[string]*auth.User, len(list))
	for _, u := range list {
		u.Roles = nil
		ids = append(ids, u.ID)
		byID[u.ID] = u
	}

	rows, err := db.QueryContext(ctx, `
		select ur.user_id, r.id, r.name, r.description, r.is_system, r.is_active, r.created_at, r.updated_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = any($1)
		order by r.name
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			userID string
			r      auth.Role
		)
		if err := rows.Scan(&userID, &r.ID, &r.Name, &r.Description, &r.System, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return err
		}
		if u, ok := byID[userID]; ok {
			u.Roles = append(u.Roles, r)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var rolePtrs []*auth.Role
	for _, u := range list {
		for i := range u.Roles {
			rolePtrs = append(rolePtrs, &u.Roles[i])
		}
	}
	return attachRolePermissions(ctx, db, rolePtrs)
}
