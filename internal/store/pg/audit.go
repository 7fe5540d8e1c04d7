package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"authgate.io/internal/audit"
	"authgate.io/internal/auth"
)

const auditColumns = `id, user_id, action, module, entity_type, entity_id, entity_name,
	old_values, new_values, ip_address, user_agent, status, error_message, request_id, created_at`

type auditLogs Store

func marshalValues(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func scanEntry(row rowScanner) (*audit.Entry, error) {
	var (
		e      audit.Entry
		rawOld []byte
		rawNew []byte
	)
	err := row.Scan(&e.ID, &e.UserID, &e.Action, &e.Module, &e.EntityType, &e.EntityID,
		&e.EntityName, &rawOld, &rawNew, &e.IPAddress, &e.UserAgent, &e.Status,
		&e.Error, &e.RequestID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(rawOld) > 0 {
		if err := json.Unmarshal(rawOld, &e.OldValues); err != nil {
			return nil, fmt.Errorf("decode old_values: %w", err)
		}
	}
	if len(rawNew) > 0 {
		if err := json.Unmarshal(rawNew, &e.NewValues); err != nil {
			return nil, fmt.Errorf("decode new_values: %w", err)
		}
	}
	return &e, nil
}

func (st *auditLogs) Append(ctx context.Context, e *audit.Entry) error {
	if st.db == nil {
		return errors.New("database connection unavailable")
	}
	oldJSON, err := marshalValues(e.OldValues)
	if err != nil {
		return fmt.Errorf("marshal old_values: %w", err)
	}
	newJSON, err := marshalValues(e.NewValues)
	if err != nil {
		return fmt.Errorf("marshal new_values: %w", err)
	}
	_, err = st.db.ExecContext(ctx, `
		insert into audit_logs (id, user_id, action, module, entity_type, entity_id, entity_name,
			old_values, new_values, ip_address, user_agent, status, error_message, request_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, e.ID, e.UserID, e.Action, e.Module, e.EntityType, e.EntityID, e.EntityName,
		oldJSON, newJSON, e.IPAddress, e.UserAgent, e.Status, e.Error, e.RequestID, e.CreatedAt)
	return err
}

func (st *auditLogs) Find(ctx context.Context, id string) (*audit.Entry, error) {
	if st.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := st.db.QueryRowContext(ctx, `select `+auditColumns+` from audit_logs where id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (st *auditLogs) Search(ctx context.Context, f audit.Filter) ([]*audit.Entry, int, error) {
	if st.db == nil {
		return nil, 0, errors.New("database connection unavailable")
	}

	var (
		where []string
		args  []any
	)
	idx := 1
	add := func(cond string, arg any) {
		where = append(where, fmt.Sprintf(cond, idx))
		args = append(args, arg)
		idx++
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Module != "" {
		add("module = $%d", f.Module)
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}
	clause := ""
	if len(where) > 0 {
		clause = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := st.db.QueryRowContext(ctx, `select count(*) from audit_logs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `select ` + auditColumns + ` from audit_logs` + clause + ` order by created_at desc`
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

	var out []*audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (st *auditLogs) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	if st.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	res, err := st.db.ExecContext(ctx, `delete from audit_logs where created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}
