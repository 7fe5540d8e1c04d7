package auth

import (
	"context"
	"time"

	"authgate.io/internal/audit"
)

// Store describes persistence operations required by the auth subsystem.
// Production runs on Postgres (internal/store/pg); tests and DSN-less dev
// runs use the in-memory implementation in this package.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	Sessions(ctx context.Context) SessionStore
	ResetTokens(ctx context.Context) ResetTokenStore
	Audit(ctx context.Context) audit.Store
}

// UserFilter narrows List results. Zero values mean "any".
type UserFilter struct {
	Active *bool
	RoleID string
	Search string
	Limit  int
	Offset int
}

// UserUpdate is a partial update; nil fields stay untouched. A non-nil
// RoleIDs replaces the whole role set.
type UserUpdate struct {
	Email              *string
	FirstName          *string
	LastName           *string
	Phone              *string
	Active             *bool
	Superuser          *bool
	MustChangePassword *bool
	RoleIDs            *[]string
}

// UserStore manages accounts. Find and List attach the user's roles.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	// FindByIdentifier matches the username or the email, which the login
	// form presents in a single field.
	FindByIdentifier(ctx context.Context, identifier string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context, f UserFilter) ([]*User, int, error)
	Update(ctx context.Context, id string, upd UserUpdate) (*User, error)
	Delete(ctx context.Context, id string) error
	SetRoles(ctx context.Context, userID string, roleIDs []string) error

	// UpdatePasswordHash rewrites only the stored hash (legacy upgrade path).
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error
	// SetPassword rewrites the hash, stamps password_changed_at and sets the
	// must_change_password flag.
	SetPassword(ctx context.Context, userID, passwordHash string, mustChange bool, now time.Time) error

	// RecordLoginFailure performs the atomic increment-and-check for the
	// lockout policy and returns the new counter with the lock expiry, if
	// the threshold was reached by this failure.
	RecordLoginFailure(ctx context.Context, userID string, now time.Time, policy LockoutPolicy) (int, *time.Time, error)
	// RecordLoginSuccess clears the failure counter and lock and stamps
	// last_login.
	RecordLoginSuccess(ctx context.Context, userID string, now time.Time) error
}

// RoleFilter narrows List results.
type RoleFilter struct {
	Active *bool
	Search string
	Limit  int
	Offset int
}

// RoleUpdate is a partial update; nil fields stay untouched.
type RoleUpdate struct {
	Name          *string
	Description   *string
	Active        *bool
	PermissionIDs *[]string
}

// RoleStore manages roles. Find and List attach the role's permissions.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context, f RoleFilter) ([]*Role, int, error)
	Update(ctx context.Context, id string, upd RoleUpdate) (*Role, error)
	Delete(ctx context.Context, id string) error
	// SetPermissions replaces the role's permission set transactionally.
	SetPermissions(ctx context.Context, roleID string, permissionIDs []string) error
}

// PermissionFilter narrows List results. Limit <= 0 returns everything.
type PermissionFilter struct {
	Module string
	Search string
	Limit  int
	Offset int
}

// PermissionStore manages the permission catalog and answers grant queries.
type PermissionStore interface {
	Create(ctx context.Context, p *Permission) error
	// Ensure creates the missing entries of the given set, keyed by code,
	// and reports how many were created.
	Ensure(ctx context.Context, perms []Permission) (int, error)
	Find(ctx context.Context, id string) (*Permission, error)
	FindByCode(ctx context.Context, code string) (*Permission, error)
	List(ctx context.Context, f PermissionFilter) ([]*Permission, int, error)
	Delete(ctx context.Context, id string) error

	// AllCodes returns every catalog code, sorted.
	AllCodes(ctx context.Context) ([]string, error)
	// CodesForUser returns the distinct codes granted through the user's
	// active roles, sorted. Inactive roles contribute nothing.
	CodesForUser(ctx context.Context, userID string) ([]string, error)
	// UserHasPermission answers a single grant check without materializing
	// the full set.
	UserHasPermission(ctx context.Context, userID, code string) (bool, error)
}

// SessionStore manages login sessions. FindByTokenHash only returns active
// sessions; expiry is checked by the caller against its own clock snapshot.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	// ListActive returns the user's active, unexpired sessions ordered by
	// last_activity descending.
	ListActive(ctx context.Context, userID string, now time.Time) ([]*Session, error)
	// TouchActivity stamps last_activity; last write wins.
	TouchActivity(ctx context.Context, id string, now time.Time) error
	Deactivate(ctx context.Context, id string) error
	DeactivateByUser(ctx context.Context, userID string) (int, error)
	PurgeExpired(ctx context.Context, before time.Time) (int, error)
}

// ResetTokenStore manages single-use password reset grants.
type ResetTokenStore interface {
	Create(ctx context.Context, t *ResetToken) error
	// Redeem atomically validates the token (present, unused, unexpired at
	// now, active user) and applies the new password hash: user password,
	// must_change_password cleared, password_changed_at and used_at stamped
	// together or not at all. Returns ErrResetTokenInvalid or
	// ErrUserDisabled on validation failure.
	Redeem(ctx context.Context, tokenHash string, now time.Time, newPasswordHash string) (*ResetToken, error)
	PurgeExpired(ctx context.Context, before time.Time) (int, error)
}
