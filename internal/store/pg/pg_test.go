package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"authgate.io/internal/audit"
	"authgate.io/internal/auth"
)

// sliceConverter lets []string arguments through to the mock; the pgx driver
// handles them as text[] in production.
type sliceConverter struct{}

func (sliceConverter) ConvertValue(v any) (driver.Value, error) {
	if _, ok := v.([]string); ok {
		return v, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func TestRecordLoginFailureBelowThreshold(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("update users set.*failed_login_attempts").
		WithArgs("u1", 5, now.Add(15*time.Minute)).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts"}).AddRow(3))

	ctx := context.Background()
	attempts, lockedUntil, err := New(db).Users(ctx).RecordLoginFailure(ctx, "u1", now, auth.DefaultLockoutPolicy())
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if lockedUntil != nil {
		t.Fatalf("unexpected lock at %d attempts: %v", attempts, lockedUntil)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordLoginFailureAtThreshold(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("update users set.*failed_login_attempts").
		WithArgs("u1", 5, now.Add(15*time.Minute)).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts"}).AddRow(5))

	ctx := context.Background()
	attempts, lockedUntil, err := New(db).Users(ctx).RecordLoginFailure(ctx, "u1", now, auth.DefaultLockoutPolicy())
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if attempts != 5 {
		t.Fatalf("attempts = %d, want 5", attempts)
	}
	if lockedUntil == nil || !lockedUntil.Equal(now.Add(15*time.Minute)) {
		t.Fatalf("lockedUntil = %v, want %v", lockedUntil, now.Add(15*time.Minute))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordLoginFailureUnknownUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("update users set.*failed_login_attempts").WillReturnError(sql.ErrNoRows)

	ctx := context.Background()
	_, _, err = New(db).Users(ctx).RecordLoginFailure(ctx, "ghost", time.Now().UTC(), auth.DefaultLockoutPolicy())
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("insert into users").WillReturnError(&pgconn.PgError{Code: "23505"})

	ctx := context.Background()
	now := time.Now().UTC()
	err = New(db).Users(ctx).Create(ctx, &auth.User{
		ID:        "u1",
		Username:  "jdoe",
		Email:     "jdoe@example.com",
		CreatedAt: now,
		UpdatedAt: now,
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestFindUserAttachesRoles(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(sliceConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	userCols := []string{"id", "username", "email", "password_hash", "first_name", "last_name", "phone",
		"is_active", "is_superuser", "last_login", "failed_login_attempts", "locked_until",
		"password_changed_at", "must_change_password", "created_at", "updated_at"}
	mock.ExpectQuery("from users where id = ").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u1", "jdoe", "jdoe@example.com", "hash", "Jane", "Doe", "",
				true, false, nil, 0, nil, nil, false, now, now))
	mock.ExpectQuery("from user_roles ur.*join roles r").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "id", "name", "description", "is_system", "is_active", "created_at", "updated_at"}).
			AddRow("u1", "r1", "Sales", "", false, true, now, now))
	mock.ExpectQuery("from role_permissions rp.*join permissions p").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"role_id", "id", "name", "code", "module", "description", "created_at"}).
			AddRow("r1", "p1", "View Products", "products.view", "products", "", now))

	ctx := context.Background()
	u, err := New(db).Users(ctx).Find(ctx, "u1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if u.Username != "jdoe" || u.LastLogin != nil {
		t.Fatalf("unexpected user: %+v", u)
	}
	if len(u.Roles) != 1 || u.Roles[0].Name != "Sales" {
		t.Fatalf("unexpected roles: %+v", u.Roles)
	}
	if len(u.Roles[0].Permissions) != 1 || u.Roles[0].Permissions[0].Code != "products.view" {
		t.Fatalf("unexpected permissions: %+v", u.Roles[0].Permissions)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindUserNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("from users where id = ").WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	ctx := context.Background()
	if _, err := New(db).Users(ctx).Find(ctx, "ghost"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUserListBuildsFilters(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(sliceConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`select count\(\*\) from users where is_active = .+ and \(username ilike`).
		WithArgs(true, "%sm%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery("from users where is_active = .+ order by username limit .+ offset").
		WithArgs(true, "%sm%", 10, 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "first_name", "last_name", "phone",
			"is_active", "is_superuser", "last_login", "failed_login_attempts", "locked_until",
			"password_changed_at", "must_change_password", "created_at", "updated_at"}).
			AddRow("u7", "smith", "smith@example.com", "hash", "Sam", "Smith", "",
				true, false, nil, 0, nil, nil, false, now, now))
	mock.ExpectQuery("from user_roles ur.*join roles r").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "id", "name", "description", "is_system", "is_active", "created_at", "updated_at"}))

	ctx := context.Background()
	active := true
	got, total, err := New(db).Users(ctx).List(ctx, auth.UserFilter{Active: &active, Search: "sm", Limit: 10, Offset: 5})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 12 {
		t.Fatalf("total = %d, want 12", total)
	}
	if len(got) != 1 || got[0].Username != "smith" {
		t.Fatalf("unexpected page: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetRolePermissionsReplacesGrants(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(sliceConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("select exists").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("delete from role_permissions").
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("insert into role_permissions").
		WithArgs("r1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	ctx := context.Background()
	if err := New(db).Roles(ctx).SetPermissions(ctx, "r1", []string{"p1", "p2"}); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetRolePermissionsUnknownRole(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("select exists").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	ctx := context.Background()
	if err := New(db).Roles(ctx).SetPermissions(ctx, "ghost", nil); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnsurePermissionsCountsCreated(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`insert into permissions.*on conflict \(code\) do nothing`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	ctx := context.Background()
	created, err := New(db).Permissions(ctx).Ensure(ctx, []auth.Permission{
		{Name: "View Products", Code: "products.view", Module: "products"},
		{Name: "Create Products", Code: "products.create", Module: "products"},
		{Name: "Update Products", Code: "products.update", Module: "products"},
	})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2", created)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRedeemAppliesPassword(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery("from reset_tokens where token_hash = .+ for update").
		WithArgs("tokhash").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token_hash", "expires_at", "used_at", "created_at", "request_ip"}).
			AddRow("t1", "u1", "tokhash", now.Add(time.Hour), nil, now.Add(-time.Minute), "10.0.0.1"))
	mock.ExpectQuery("select is_active from users where id = .+ for update").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))
	mock.ExpectExec("update users set password_hash").
		WithArgs("newhash", now, "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update reset_tokens set used_at").
		WithArgs(now, "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tok, err := New(db).ResetTokens(ctx).Redeem(ctx, "tokhash", now, "newhash")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if tok.UsedAt == nil || !tok.UsedAt.Equal(now) {
		t.Fatalf("UsedAt = %v, want %v", tok.UsedAt, now)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRedeemUsedToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery("from reset_tokens where token_hash = .+ for update").
		WithArgs("tokhash").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token_hash", "expires_at", "used_at", "created_at", "request_ip"}).
			AddRow("t1", "u1", "tokhash", now.Add(time.Hour), now.Add(-time.Minute), now.Add(-2*time.Minute), ""))
	mock.ExpectRollback()

	ctx := context.Background()
	if _, err := New(db).ResetTokens(ctx).Redeem(ctx, "tokhash", now, "newhash"); !errors.Is(err, auth.ErrResetTokenInvalid) {
		t.Fatalf("err = %v, want ErrResetTokenInvalid", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRedeemDisabledUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery("from reset_tokens where token_hash = .+ for update").
		WithArgs("tokhash").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token_hash", "expires_at", "used_at", "created_at", "request_ip"}).
			AddRow("t1", "u1", "tokhash", now.Add(time.Hour), nil, now.Add(-time.Minute), ""))
	mock.ExpectQuery("select is_active from users where id = .+ for update").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(false))
	mock.ExpectRollback()

	ctx := context.Background()
	if _, err := New(db).ResetTokens(ctx).Redeem(ctx, "tokhash", now, "newhash"); !errors.Is(err, auth.ErrUserDisabled) {
		t.Fatalf("err = %v, want ErrUserDisabled", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionPurgeCounts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("delete from sessions").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	ctx := context.Background()
	n, err := New(db).Sessions(ctx).PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 3 {
		t.Fatalf("purged = %d, want 3", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditSearchAppliesFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	auditCols := []string{"id", "user_id", "action", "module", "entity_type", "entity_id", "entity_name",
		"old_values", "new_values", "ip_address", "user_agent", "status", "error_message", "request_id", "created_at"}
	mock.ExpectQuery(`select count\(\*\) from audit_logs where action = .+ and status = `).
		WithArgs("login", "failed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("from audit_logs where action = .+ and status = .+ order by created_at desc limit .+ offset").
		WithArgs("login", "failed", 2, 1).
		WillReturnRows(sqlmock.NewRows(auditCols).
			AddRow("a2", "u1", "login", "", "", "", "", nil, []byte(`{"username":"jdoe"}`), "10.0.0.1", "UA", "failed", "Invalid password", "req-2", now).
			AddRow("a1", "", "login", "", "", "", "", nil, nil, "10.0.0.1", "UA", "failed", "User not found", "req-1", now.Add(-time.Minute)))

	ctx := context.Background()
	got, total, err := New(db).Audit(ctx).Search(ctx, audit.Filter{Action: "login", Status: audit.StatusFailed, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 7 {
		t.Fatalf("total = %d, want 7", total)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].NewValues["username"] != "jdoe" {
		t.Fatalf("new_values not decoded: %+v", got[0].NewValues)
	}
	if got[1].NewValues != nil {
		t.Fatalf("expected nil new_values, got %+v", got[1].NewValues)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("insert into audit_logs").WillReturnResult(sqlmock.NewResult(1, 1))

	ctx := context.Background()
	err = New(db).Audit(ctx).Append(ctx, &audit.Entry{
		ID:        "a1",
		UserID:    "u1",
		Action:    "login",
		Module:    "auth",
		NewValues: map[string]string{"username": "jdoe"},
		Status:    audit.StatusSuccess,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
