package auth

import "time"

// User is a human account. PasswordHash is either bcrypt or the legacy
// "salt$sha256hex" form left behind by the previous system; see password.go.
type User struct {
	ID                  string     `json:"id"`
	Username            string     `json:"username"`
	Email               string     `json:"email"`
	PasswordHash        string     `json:"-"`
	FirstName           string     `json:"first_name,omitempty"`
	LastName            string     `json:"last_name,omitempty"`
	Phone               string     `json:"phone,omitempty"`
	Active              bool       `json:"is_active"`
	Superuser           bool       `json:"is_superuser"`
	LastLogin           *time.Time `json:"last_login,omitempty"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	PasswordChangedAt   *time.Time `json:"password_changed_at,omitempty"`
	MustChangePassword  bool       `json:"must_change_password"`
	Roles               []Role     `json:"roles,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Role groups permissions. System roles are seeded at bootstrap and cannot be
// modified or deleted through the admin API.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	System      bool         `json:"is_system"`
	Active      bool         `json:"is_active"`
	Permissions []Permission `json:"permissions,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Permission is a fine-grained capability identified by a "module.action" code.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Code        string    `json:"code"`
	Module      string    `json:"module"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is a server-side login record. Only the sha256 hex of the opaque
// bearer token is stored; the raw token leaves the service exactly once, in
// the login response.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	TokenHash    string    `json:"-"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Active       bool      `json:"is_active"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	// Current marks the session presented by the caller in listings.
	Current bool `json:"current"`
}

// ResetToken is a single-use password reset grant, stored hashed.
type ResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
	RequestIP string
}

// ClientMeta carries per-request client attribution into sessions and audit
// rows.
type ClientMeta struct {
	IPAddress string
	UserAgent string
}
