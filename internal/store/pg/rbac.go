package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"authgate.io/internal/auth"
	"authgate.io/internal/ids"
)

const roleColumns = `id, name, description, is_system, is_active, created_at, updated_at`

const permColumns = `id, name, code, module, description, created_at`

type roles Store

func scanRole(row rowScanner) (*auth.Role, error) {
	var r auth.Role
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.System, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (st *roles) Create(ctx context.Context, role *auth.Role) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := st.db.ExecContext(ctx, `
		insert into roles (id, name, description, is_system, is_active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, role.ID, role.Name, role.Description, role.System, role.Active, role.CreatedAt, role.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (st *roles) Find(ctx context.Context, id string) (*auth.Role, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return st.findWhere(ctx, `id = $1`, id)
}

func (st *roles) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return st.findWhere(ctx, `name = $1`, name)
}

func (st *roles) findWhere(ctx context.Context, cond string, arg any) (*auth.Role, error) {
	row := st.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where `+cond, arg)
	r, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := attachRolePermissions(ctx, st.db, []*auth.Role{r}); err != nil {
		return nil, err
	}
	return r, nil
}

func (st *roles) List(ctx context.Context, f auth.RoleFilter) ([]*auth.Role, int, error) {
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
	if f.Search != "" {
		where = append(where, fmt.Sprintf("name ilike $%d", idx))
		args = append(args, "%"+f.Search+"%")
		idx++
	}
	clause := ""
	if len(where) > 0 {
		clause = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := st.db.QueryRowContext(ctx, `select count(*) from roles`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `select ` + roleColumns + ` from roles` + clause + ` order by name`
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

	var out []*auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := attachRolePermissions(ctx, st.db, out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (st *roles) Update(ctx context.Context, id string, upd auth.RoleUpdate) (*auth.Role, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}

	sets := []string{"updated_at = now()"}
	var args []any
	idx := 1
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		sets = append(sets, fmt.Sprintf("description = $%d", idx))
		args = append(args, *upd.Description)
		idx++
	}
	if upd.Active != nil {
		sets = append(sets, fmt.Sprintf("is_active = $%d", idx))
		args = append(args, *upd.Active)
		idx++
	}
	args = append(args, id)

	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(sets, ", "), idx), args...)
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

	if upd.PermissionIDs != nil {
		if err := replaceRolePermissions(ctx, tx, id, *upd.PermissionIDs); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return st.Find(ctx, id)
}

func (st *roles) Delete(ctx context.Context, id string) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	// grants and user assignments go with the row via on delete cascade
	res, err := st.db.ExecContext(ctx, `delete from roles where id = $1`, id)
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

func (st *roles) SetPermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists (select 1 from roles where id = $1)`, roleID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return auth.ErrNotFound
	}
	if err := replaceRolePermissions(ctx, tx, roleID, permissionIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// replaceRolePermissions swaps the grant set inside the caller's transaction.
// Unknown permission ids are dropped by the select.
func replaceRolePermissions(ctx context.Context, tx *sql.Tx, roleID string, permissionIDs []string) error {
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	if len(permissionIDs) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id)
		select $1, id from permissions where id = any($2)
		on conflict do nothing
	`, roleID, permissionIDs)
	return err
}

// attachRolePermissions loads the grant sets for every role in one query,
// ordered by module then name.
func attachRolePermissions(ctx context.Context, db *sql.DB, list []*auth.Role) error {
	if len(list) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(list))
	roleIDs := make([]string, 0, len(list))
	for _, r := range list {
		r.Permissions = nil
		if _, ok := seen[r.ID]; !ok {
			seen[r.ID] = struct{}{}
			roleIDs = append(roleIDs, r.ID)
		}
	}

	rows, err := db.QueryContext(ctx, `
		select rp.role_id, p.id, p.name, p.code, p.module, p.description, p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = any($1)
		order by p.module, p.name
	`, roleIDs)
	if err != nil {
		return err
	}
	defer rows.Close()

	perRole := make(map[string][]auth.Permission)
	for rows.Next() {
		var (
			roleID string
			p      auth.Permission
		)
		if err := rows.Scan(&roleID, &p.ID, &p.Name, &p.Code, &p.Module, &p.Description, &p.CreatedAt); err != nil {
			return err
		}
		perRole[roleID] = append(perRole[roleID], p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range list {
		r.Permissions = slices.Clone(perRole[r.ID])
	}
	return nil
}

type permissions Store

func scanPermission(row rowScanner) (*auth.Permission, error) {
	var p auth.Permission
	err := row.Scan(&p.ID, &p.Name, &p.Code, &p.Module, &p.Description, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (st *permissions) Create(ctx context.Context, p *auth.Permission) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := st.db.ExecContext(ctx, `
		insert into permissions (id, name, code, module, description, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Name, p.Code, p.Module, p.Description, p.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (st *permissions) Ensure(ctx context.Context, perms []auth.Permission) (int, error) {
	if st.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	if len(perms) == 0 {
		return 0, nil
	}

	vals := make([]string, 0, len(perms))
	args := make([]any, 0, len(perms)*6)
	idx := 1
	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		created := p.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		vals = append(vals, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)", idx, idx+1, idx+2, idx+3, idx+4, idx+5))
		args = append(args, id, p.Name, p.Code, p.Module, p.Description, created)
		idx += 6
	}

	res, err := st.db.ExecContext(ctx, `
		insert into permissions (id, name, code, module, description, created_at)
		values `+strings.Join(vals, ", ")+`
		on conflict (code) do nothing
	`, args...)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

func (st *permissions) Find(ctx context.Context, id string) (*auth.Permission, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return st.findWhere(ctx, `id = $1`, id)
}

func (st *permissions) FindByCode(ctx context.Context, code string) (*auth.Permission, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return st.findWhere(ctx, `code = $1`, code)
}

func (st *permissions) findWhere(ctx context.Context, cond string, arg any) (*auth.Permission, error) {
	row := st.db.QueryRowContext(ctx, `select `+permColumns+` from permissions where `+cond, arg)
	p, err := scanPermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (st *permissions) List(ctx context.Context, f auth.PermissionFilter) ([]*auth.Permission, int, error) {
	if st.db == nil {
		return nil, 0, errors.New("database connection unavailable")
	}

	var (
		where []string
		args  []any
	)
	idx := 1
	if f.Module != "" {
		where = append(where, fmt.Sprintf("module = $%d", idx))
		args = append(args, f.Module)
		idx++
	}
	if f.Search != "" {
		where = append(where, fmt.Sprintf("(name ilike $%d or code ilike $%d)", idx, idx))
		args = append(args, "%"+f.Search+"%")
		idx++
	}
	clause := ""
	if len(where) > 0 {
		clause = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := st.db.QueryRowContext(ctx, `select count(*) from permissions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `select ` + permColumns + ` from permissions` + clause + ` order by module, name`
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

	var out []*auth.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (st *permissions) Delete(ctx context.Context, id string) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	// grants referencing the permission go via on delete cascade
	res, err := st.db.ExecContext(ctx, `delete from permissions where id = $1`, id)
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

func (st *permissions) AllCodes(ctx context.Context) ([]string, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := st.db.QueryContext(ctx, `select code from permissions order by code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (st *permissions) CodesForUser(ctx context.Context, userID string) ([]string, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := st.db.QueryContext(ctx, `
		select distinct p.code
		from user_roles ur
		join roles r on r.id = ur.role_id and r.is_active
		join role_permissions rp on rp.role_id = ur.role_id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
		order by p.code
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (st *permissions) UserHasPermission(ctx context.Context, userID, code string) (bool, error) {
	if st.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var ok bool
	err := st.db.QueryRowContext(ctx, `
		select exists (
			select 1
			from user_roles ur
			join roles r on r.id = ur.role_id and r.is_active
			join role_permissions rp on rp.role_id = ur.role_id
			join permissions p on p.id = rp.permission_id
			where ur.user_id = $1 and p.code = $2
		)
	`, userID, code).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}
