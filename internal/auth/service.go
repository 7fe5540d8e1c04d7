package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"authgate.io/internal/audit"
	"authgate.io/internal/ids"
	"authgate.io/internal/obs"
)

const (
	defaultSessionTTL  = 24 * time.Hour
	defaultRememberTTL = 7 * 24 * time.Hour
	defaultResetTTL    = 60 * time.Minute

	maxUserAgentLen = 500
)

// Mailer delivers password reset links. Delivery failures are logged by the
// caller, never surfaced to the requester.
type Mailer interface {
	SendPasswordReset(ctx context.Context, to, link string) error
}

// Service implements authentication, session management and permission
// resolution on top of a Store.
type Service struct {
	store  Store
	trail  *audit.Trail
	mailer Mailer
	policy LockoutPolicy

	sessionTTL  time.Duration
	rememberTTL time.Duration
	resetTTL    time.Duration

	resetBaseURL string

	now func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTrail attaches the audit trail. A nil trail disables recording.
func WithTrail(trail *audit.Trail) ServiceOption {
	return func(s *Service) error {
		s.trail = trail
		return nil
	}
}

// WithMailer sets the password reset mail transport.
func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) error {
		s.mailer = m
		return nil
	}
}

// WithLockoutPolicy overrides the failed-login lockout policy.
func WithLockoutPolicy(p LockoutPolicy) ServiceOption {
	return func(s *Service) error {
		s.policy = p
		return nil
	}
}

// WithSessionTTL configures the default session lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
		return nil
	}
}

// WithRememberTTL configures the extended "remember me" session lifetime.
func WithRememberTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.rememberTTL = ttl
		}
		return nil
	}
}

// WithResetTTL configures password reset token lifetime.
func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.resetTTL = ttl
		}
		return nil
	}
}

// WithResetBaseURL sets the public base URL embedded into reset links.
func WithResetBaseURL(base string) ServiceOption {
	return func(s *Service) error {
		s.resetBaseURL = strings.TrimRight(strings.TrimSpace(base), "/")
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:       store,
		policy:      DefaultLockoutPolicy(),
		sessionTTL:  defaultSessionTTL,
		rememberTTL: defaultRememberTTL,
		resetTTL:    defaultResetTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Trail exposes the audit trail for read paths.
func (s *Service) Trail() *audit.Trail { return s.trail }

// generateSecret returns a fresh opaque token secret. The same shape backs
// session bearer tokens and password reset tokens.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// hashToken derives the stored lookup key for a bearer secret. Only the hash
// ever reaches the store.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// LoginInput carries credentials plus client metadata for one login attempt.
type LoginInput struct {
	Username   string
	Password   string
	RememberMe bool
	Meta       ClientMeta
}

// LoginResult is returned once per successful login. Token is the raw bearer
// secret and is not recoverable afterwards.
type LoginResult struct {
	Token   string
	Session *Session
	User    *User
}

// Login authenticates credentials and mints a session. Checks run in a fixed
// order: lookup, lockout, active flag, password. A locked account rejects
// even the correct password without advancing the failure counter.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}

	users := s.store.Users(ctx)
	user, err := users.FindByIdentifier(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.trail.Record(ctx, audit.Entry{
				Action:    "login",
				Module:    "auth",
				Status:    audit.StatusFailed,
				Error:     "User not found",
				IPAddress: in.Meta.IPAddress,
				UserAgent: in.Meta.UserAgent,
			})
			obs.ObserveLogin("failed")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	now := s.now()

	if s.policy.Locked(user, now) {
		obs.ObserveLogin("locked")
		return nil, ErrAccountLocked
	}
	if !user.Active {
		obs.ObserveLogin("disabled")
		return nil, ErrAccountDisabled
	}

	needsRehash, err := VerifyPassword(user.PasswordHash, in.Password)
	if err != nil {
		attempts, lockedUntil, ferr := users.RecordLoginFailure(ctx, user.ID, now, s.policy)
		if ferr != nil {
			obs.Logger().WithError(ferr).WithField("user_id", user.ID).Warn("record login failure")
		} else if lockedUntil != nil {
			obs.ObserveLockout()
			obs.Logger().WithFields(map[string]any{
				"user_id":      user.ID,
				"attempts":     attempts,
				"locked_until": lockedUntil.Format(time.RFC3339),
			}).Warn("account locked after repeated failures")
		}
		s.trail.Record(ctx, audit.Entry{
			UserID:    user.ID,
			Action:    "login",
			Module:    "auth",
			Status:    audit.StatusFailed,
			Error:     "Invalid password",
			IPAddress: in.Meta.IPAddress,
			UserAgent: in.Meta.UserAgent,
		})
		obs.ObserveLogin("failed")
		return nil, ErrInvalidCredentials
	}

	// Legacy hashes are upgraded opportunistically; a failed upgrade must not
	// block the login.
	if needsRehash {
		if hash, herr := HashPassword(in.Password); herr == nil {
			if uerr := users.UpdatePasswordHash(ctx, user.ID, hash); uerr != nil {
				obs.Logger().WithError(uerr).WithField("user_id", user.ID).Warn("password rehash not persisted")
			}
		}
	}

	if err := users.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		return nil, err
	}

	token, err := generateSecret()
	if err != nil {
		return nil, err
	}
	ttl := s.sessionTTL
	if in.RememberMe {
		ttl = s.rememberTTL
	}
	sess := &Session{
		ID:           ids.New(),
		UserID:       user.ID,
		TokenHash:    hashToken(token),
		IPAddress:    in.Meta.IPAddress,
		UserAgent:    truncate(in.Meta.UserAgent, maxUserAgentLen),
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
		Active:       true,
	}
	if err := s.store.Sessions(ctx).Create(ctx, sess); err != nil {
		return nil, err
	}

	// Reflect the committed login state on the returned snapshot.
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLogin = &now

	s.trail.Record(ctx, audit.Entry{
		UserID:    user.ID,
		Action:    "login",
		Module:    "auth",
		Status:    audit.StatusSuccess,
		IPAddress: in.Meta.IPAddress,
		UserAgent: in.Meta.UserAgent,
	})
	obs.ObserveLogin("success")

	return &LoginResult{Token: token, Session: sess, User: user}, nil
}

// Authenticate resolves a bearer token to its principal. It returns
// ErrInvalidToken when the session is unknown, inactive or expired, and
// ErrUserDisabled when the session's owner is missing or deactivated.
func (s *Service) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	sessions := s.store.Sessions(ctx)
	sess, err := sessions.FindByTokenHash(ctx, hashToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	now := s.now()
	if !sess.ExpiresAt.After(now) {
		return nil, ErrInvalidToken
	}
	if err := sessions.TouchActivity(ctx, sess.ID, now); err != nil {
		obs.Logger().WithError(err).WithField("session_id", sess.ID).Debug("touch session activity")
	}
	user, err := s.store.Users(ctx).Find(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUserDisabled
		}
		return nil, err
	}
	if !user.Active {
		return nil, ErrUserDisabled
	}
	return &Principal{User: user, Session: sess}, nil
}

// Verify reports token validity and expiry without updating activity. It
// never returns an error: any failure reads as invalid.
func (s *Service) Verify(ctx context.Context, token string) (bool, time.Time) {
	if token == "" {
		return false, time.Time{}
	}
	sess, err := s.store.Sessions(ctx).FindByTokenHash(ctx, hashToken(token))
	if err != nil {
		return false, time.Time{}
	}
	if !sess.ExpiresAt.After(s.now()) {
		return false, time.Time{}
	}
	return true, sess.ExpiresAt
}

// Logout deactivates the session owning token. Unknown tokens are a no-op so
// the endpoint stays idempotent.
func (s *Service) Logout(ctx context.Context, token string, meta ClientMeta) error {
	sessions := s.store.Sessions(ctx)
	sess, err := sessions.FindByTokenHash(ctx, hashToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if err := sessions.Deactivate(ctx, sess.ID); err != nil {
		return err
	}
	obs.ObserveSessionsRevoked(1)
	s.trail.Record(ctx, audit.Entry{
		UserID:    sess.UserID,
		Action:    "logout",
		Module:    "auth",
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return nil
}

// LogoutAll deactivates every active session of the principal's user,
// including the current one, and returns how many were revoked.
func (s *Service) LogoutAll(ctx context.Context, p *Principal, meta ClientMeta) (int, error) {
	n, err := s.store.Sessions(ctx).DeactivateByUser(ctx, p.User.ID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		obs.ObserveSessionsRevoked(n)
	}
	s.trail.Record(ctx, audit.Entry{
		UserID:    p.User.ID,
		Action:    "logout_all",
		Module:    "auth",
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return n, nil
}

// Sessions lists the user's active sessions, marking the one backing the
// current request.
func (s *Service) Sessions(ctx context.Context, p *Principal) ([]*Session, error) {
	list, err := s.store.Sessions(ctx).ListActive(ctx, p.User.ID, s.now())
	if err != nil {
		return nil, err
	}
	if p.Session != nil {
		for _, sess := range list {
			if sess.TokenHash == p.Session.TokenHash {
				sess.Current = true
			}
		}
	}
	return list, nil
}

// RevokeSession deactivates one of the principal's own sessions by id.
// Sessions of other users read as ErrNotFound; revoking an already inactive
// session succeeds.
func (s *Service) RevokeSession(ctx context.Context, p *Principal, sessionID string) error {
	sessions := s.store.Sessions(ctx)
	sess, err := sessions.Find(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != p.User.ID {
		return ErrNotFound
	}
	if err := sessions.Deactivate(ctx, sess.ID); err != nil {
		return err
	}
	obs.ObserveSessionsRevoked(1)
	return nil
}

// ChangePassword verifies the current password and installs the new one,
// clearing any pending must-change flag.
func (s *Service) ChangePassword(ctx context.Context, p *Principal, current, next string, meta ClientMeta) error {
	if _, err := VerifyPassword(p.User.PasswordHash, current); err != nil {
		return ErrPasswordMismatch
	}
	if len(next) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).SetPassword(ctx, p.User.ID, hash, false, s.now()); err != nil {
		return err
	}
	s.trail.Record(ctx, audit.Entry{
		UserID:    p.User.ID,
		Action:    "change_password",
		Module:    "auth",
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return nil
}

// EffectivePermissions resolves the permission code set for a user. A
// superuser receives the entire catalog; everyone else gets the union of
// their active roles' codes, sorted and deduplicated. Zero roles is an empty
// set, not an error.
func (s *Service) EffectivePermissions(ctx context.Context, user *User) ([]string, error) {
	perms := s.store.Permissions(ctx)
	var codes []string
	var err error
	if user.Superuser {
		codes, err = perms.AllCodes(ctx)
	} else {
		codes, err = perms.CodesForUser(ctx, user.ID)
	}
	if err != nil {
		return nil, err
	}
	return dedupSorted(codes), nil
}

// HasPermission reports whether the user holds code. Superusers always pass.
func (s *Service) HasPermission(ctx context.Context, user *User, code string) (bool, error) {
	if user.Superuser {
		return true, nil
	}
	return s.store.Permissions(ctx).UserHasPermission(ctx, user.ID, code)
}

func dedupSorted(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, c := range in {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
