// Package pg implements the auth store contracts on Postgres through
// database/sql and the pgx stdlib driver. Uniqueness and referential
// integrity live in the schema; this package translates the relevant
// constraint violations onto the auth error set so callers never see
// driver-specific errors.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"authgate.io/internal/audit"
	"authgate.io/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// New wraps an existing handle; tests inject sqlmock through it.
func New(db *sql.DB) *Store { return &Store{db: db} }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Users(context.Context) auth.UserStore             { return (*users)(s) }
func (s *Store) Roles(context.Context) auth.RoleStore             { return (*roles)(s) }
func (s *Store) Permissions(context.Context) auth.PermissionStore { return (*permissions)(s) }
func (s *Store) Sessions(context.Context) auth.SessionStore       { return (*sessions)(s) }
func (s *Store) ResetTokens(context.Context) auth.ResetTokenStore { return (*resets)(s) }
func (s *Store) Audit(context.Context) audit.Store                { return (*auditLogs)(s) }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func tsPtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
