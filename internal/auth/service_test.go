package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"authgate.io/internal/audit"
	"authgate.io/internal/ids"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *Memory, *testClock) {
	t.Helper()
	mem := NewMemory()
	clk := &testClock{now: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)}
	trail := audit.NewTrail(mem.Audit(context.Background()), nil)
	all := append([]ServiceOption{WithTrail(trail), WithClock(clk.Now)}, opts...)
	svc, err := NewService(mem, all...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, mem, clk
}

func seedUser(t *testing.T, mem *Memory, username, password string, active bool) *User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u := &User{
		ID:           ids.New(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		Active:       active,
		CreatedAt:    time.Now().UTC(),
	}
	if err := mem.Users(context.Background()).Create(context.Background(), u); err != nil {
		t.Fatalf("Create user: %v", err)
	}
	return u
}

func lastAudit(t *testing.T, mem *Memory, action string) *audit.Entry {
	t.Helper()
	entries, _, err := mem.Audit(context.Background()).Search(context.Background(), audit.Filter{Action: action, Limit: 1})
	if err != nil {
		t.Fatalf("Search audit: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("no %q audit entry recorded", action)
	}
	return entries[0]
}

func TestLoginSuccess(t *testing.T) {
	svc, mem, clk := newTestService(t)
	ctx := context.Background()
	u := seedUser(t, mem, "alice", "correct horse", true)

	res, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse", Meta: ClientMeta{IPAddress: "10.0.0.7"}})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token == "" {
		t.Fatal("expected a raw token")
	}
	if res.Session.TokenHash != hashToken(res.Token) {
		t.Fatal("stored hash does not match the issued token")
	}
	if !res.Session.Active || res.Session.UserID != u.ID {
		t.Fatalf("unexpected session: %+v", res.Session)
	}
	want := clk.Now().Add(24 * time.Hour)
	if !res.Session.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", res.Session.ExpiresAt, want)
	}
	if res.User.LastLogin == nil || !res.User.LastLogin.Equal(clk.Now()) {
		t.Fatalf("last login not stamped: %+v", res.User.LastLogin)
	}

	p, err := svc.Authenticate(ctx, res.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.User.ID != u.ID || p.Session.ID != res.Session.ID {
		t.Fatalf("principal mismatch: user=%s session=%s", p.User.ID, p.Session.ID)
	}

	entry := lastAudit(t, mem, "login")
	if entry.Status != audit.StatusSuccess || entry.UserID != u.ID || entry.IPAddress != "10.0.0.7" {
		t.Fatalf("unexpected login audit: %+v", entry)
	}
}

func TestLoginRememberMeExtendsExpiry(t *testing.T) {
	svc, mem, clk := newTestService(t)
	ctx := context.Background()
	seedUser(t, mem, "alice", "correct horse", true)

	res, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse", RememberMe: true})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	want := clk.Now().Add(7 * 24 * time.Hour)
	if !res.Session.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", res.Session.ExpiresAt, want)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	u := seedUser(t, mem, "alice", "correct horse", true)

	if _, err := svc.Login(ctx, LoginInput{Username: "ghost", Password: "whatever"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: got %v, want ErrInvalidCredentials", err)
	}
	entry := lastAudit(t, mem, "login")
	if entry.Status != audit.StatusFailed || entry.Error != "User not found" || entry.UserID != "" {
		t.Fatalf("unexpected audit for unknown user: %+v", entry)
	}

	if _, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad password: got %v, want ErrInvalidCredentials", err)
	}
	entry = lastAudit(t, mem, "login")
	if entry.Status != audit.StatusFailed || entry.Error != "Invalid password" || entry.UserID != u.ID {
		t.Fatalf("unexpected audit for bad password: %+v", entry)
	}

	if _, err := svc.Login(ctx, LoginInput{Username: "  ", Password: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank username: got %v, want ErrInvalidInput", err)
	}
}

func TestLoginDisabledAccount(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, mem, "alice", "correct horse", false)

	if _, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse"}); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("got %v, want ErrAccountDisabled", err)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	svc, mem, clk := newTestService(t)
	ctx := context.Background()
	u := seedUser(t, mem, "alice", "correct horse", true)

	for i := 0; i < 5; i++ {
		if _, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i+1, err)
		}
	}
	stored, err := mem.Users(ctx).Find(ctx, u.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if stored.FailedLoginAttempts != 5 || stored.LockedUntil == nil {
		t.Fatalf("expected lock after 5 failures, got attempts=%d locked=%v", stored.FailedLoginAttempts, stored.LockedUntil)
	}

	// The correct password is rejected while locked and does not advance
	// the counter.
	if _, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse"}); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("locked login: got %v, want ErrAccountLocked", err)
	}
	stored, _ = mem.Users(ctx).Find(ctx, u.ID)
	if stored.FailedLoginAttempts != 5 {
		t.Fatalf("counter advanced while locked: %d", stored.FailedLoginAttempts)
	}

	clk.Advance(15*time.Minute + time.Second)
	res, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse"})
	if err != nil {
		t.Fatalf("login after cooldown: %v", err)
	}
	if res.User.FailedLoginAttempts != 0 || res.User.LockedUntil != nil {
		t.Fatalf("counters not reset: %+v", res.User)
	}
	stored, _ = mem.Users(ctx).Find(ctx, u.ID)
	if stored.FailedLoginAttempts != 0 || stored.LockedUntil != nil {
		t.Fatalf("stored counters not reset: attempts=%d locked=%v", stored.FailedLoginAttempts, stored.LockedUntil)
	}
}

func TestLegacyHashUpgradedOnLogin(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	u := &User{
		ID:           ids.New(),
		Username:     "mira",
		Email:        "mira@example.com",
		PasswordHash: legacyHash("pepper", "old secret"),
		Active:       true,
	}
	if err := mem.Users(ctx).Create(ctx, u); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.Login(ctx, LoginInput{Username: "mira", Password: "old secret"}); err != nil {
		t.Fatalf("legacy login: %v", err)
	}
	stored, _ := mem.Users(ctx).Find(ctx, u.ID)
	if !strings.HasPrefix(stored.PasswordHash, "$2") {
		t.Fatalf("hash not upgraded to bcrypt: %q", stored.PasswordHash)
	}
	// The same password keeps working against the upgraded hash.
	if _, err := svc.Login(ctx, LoginInput{Username: "mira", Password: "old secret"}); err != nil {
		t.Fatalf("login after upgrade: %v", err)
	}
}

func TestAuthenticateExpiredSession(t *testing.T) {
	svc, mem, clk := newTestService(t)
	ctx := context.Background()
	seedUser(t, mem, "alice", "correct horse", true)

	res, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	clk.Advance(24*time.Hour + time.Minute)
	if _, err := svc.Authenticate(ctx, res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired session: got %v, want ErrInvalidToken", err)
	}
	if ok, _ := svc.Verify(ctx, res.Token); ok {
		t.Fatal("Verify reported an expired token as valid")
	}
}

func TestAuthenticateRejectsDisabledUser(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	u := seedUser(t, mem, "alice", "correct horse", true)

	res, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	off := false
	if _, err := mem.Users(ctx).Update(ctx, u.ID, UserUpdate{Active: &off}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := svc.Authenticate(ctx, res.Token); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("got %v, want ErrUserDisabled", err)
	}
	// Verify only checks the session, so the token still reads as valid.
	if ok, _ := svc.Verify(ctx, res.Token); !ok {
		t.Fatal("Verify should not consult the user record")
	}
}

func TestVerify(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, mem, "alice", "correct horse", true)

	res, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	ok, exp := svc.Verify(ctx, res.Token)
	if !ok || !exp.Equal(res.Session.ExpiresAt) {
		t.Fatalf("Verify = (%v, %v), want (true, %v)", ok, exp, res.Session.ExpiresAt)
	}
	if ok, _ := svc.Verify(ctx, "garbage"); ok {
		t.Fatal("garbage token verified")
	}
	if ok, _ := svc.Verify(ctx, ""); ok {
		t.Fatal("empty token verified")
	}
	if err := svc.Logout(ctx, res.Token, ClientMeta{}); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if ok, _ := svc.Verify(ctx, res.Token); ok {
		t.Fatal("revoked token verified")
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	u := seedUser(t, mem, "alice", "correct horse", true)

	res, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.Logout(ctx, res.Token, ClientMeta{}); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := svc.Logout(ctx, res.Token, ClientMeta{}); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
	if err := svc.Logout(ctx, "never-issued", ClientMeta{}); err != nil {
		t.Fatalf("unknown token Logout: %v", err)
	}
	if _, err := svc.Authenticate(ctx, res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken after logout", err)
	}
	entry := lastAudit(t, mem, "logout")
	if entry.UserID != u.ID || entry.Status != audit.StatusSuccess {
		t.Fatalf("unexpected logout audit: %+v", entry)
	}
}

func TestLogoutAll(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, mem, "alice", "correct horse", true)
	seedUser(t, mem, "bob", "hunter22222", true)

	a1, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	a2, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	b1, err := svc.Login(ctx, LoginInput{Username: "bob", Password: "hunter22222"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	p, err := svc.Authenticate(ctx, a1.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	n, err := svc.LogoutAll(ctx, p, ClientMeta{})
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("revoked %d sessions, want 2", n)
	}
	for _, token := range []string{a1.Token, a2.Token} {
		if _, err := svc.Authenticate(ctx, token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("alice session survived logout-all: %v", err)
		}
	}
	if _, err := svc.Authenticate(ctx, b1.Token); err != nil {
		t.Fatalf("bob's session was revoked too: %v", err)
	}
	if entry := lastAudit(t, mem, "logout_all"); entry.UserID != p.User.ID {
		t.Fatalf("unexpected logout_all audit: %+v", entry)
	}
}

func TestSessionsMarksCurrent(t *testing.T) {
	svc, mem, clk := newTestService(t)
	ctx := context.Background()
	seedUser(t, mem, "alice", "correct horse", true)

	first, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	clk.Advance(time.Minute)
	second, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	p, err := svc.Authenticate(ctx, second.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	list, err := svc.Sessions(ctx, p)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("listed %d sessions, want 2", len(list))
	}
	// Newest activity first.
	if list[0].ID != second.Session.ID || list[1].ID != first.Session.ID {
		t.Fatalf("unexpected order: %s, %s", list[0].ID, list[1].ID)
	}
	if !list[0].Current || list[1].Current {
		t.Fatalf("current flags wrong: %v, %v", list[0].Current, list[1].Current)
	}
}

func TestRevokeSession(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	seedUser(t, mem, "alice", "correct horse", true)
	seedUser(t, mem, "bob", "hunter22222", true)

	a1, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	a2, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	b1, err := svc.Login(ctx, LoginInput{Username: "bob", Password: "hunter22222"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	alice, err := svc.Authenticate(ctx, a1.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	bob, err := svc.Authenticate(ctx, b1.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	// Someone else's session reads as not found.
	if err := svc.RevokeSession(ctx, bob, a2.Session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign revoke: got %v, want ErrNotFound", err)
	}
	if err := svc.RevokeSession(ctx, alice, a2.Session.ID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, err := svc.Authenticate(ctx, a2.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("revoked session still authenticates: %v", err)
	}
	// Revoking an already inactive session of your own succeeds.
	if err := svc.RevokeSession(ctx, alice, a2.Session.ID); err != nil {
		t.Fatalf("repeat revoke: %v", err)
	}
	if err := svc.RevokeSession(ctx, alice, "no-such-session"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: got %v, want ErrNotFound", err)
	}
}

func TestChangePassword(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	u := seedUser(t, mem, "alice", "correct horse", true)
	must := true
	if _, err := mem.Users(ctx).Update(ctx, u.ID, UserUpdate{MustChangePassword: &must}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	res, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	p, err := svc.Authenticate(ctx, res.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if err := svc.ChangePassword(ctx, p, "wrong", "brand new pass", ClientMeta{}); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("wrong current: got %v, want ErrPasswordMismatch", err)
	}
	if err := svc.ChangePassword(ctx, p, "correct horse", "short", ClientMeta{}); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("short new: got %v, want ErrPasswordTooShort", err)
	}
	// The current password is checked before the new one is validated.
	if err := svc.ChangePassword(ctx, p, "wrong", "short", ClientMeta{}); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("both wrong: got %v, want ErrPasswordMismatch", err)
	}

	if err := svc.ChangePassword(ctx, p, "correct horse", "brand new pass", ClientMeta{}); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	stored, _ := mem.Users(ctx).Find(ctx, u.ID)
	if stored.MustChangePassword {
		t.Fatal("must-change flag not cleared")
	}
	if stored.PasswordChangedAt == nil {
		t.Fatal("password change not timestamped")
	}
	if _, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "correct horse"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still works: %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{Username: "alice", Password: "brand new pass"}); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
	if entry := lastAudit(t, mem, "change_password"); entry.UserID != u.ID {
		t.Fatalf("unexpected change_password audit: %+v", entry)
	}
}

func TestEffectivePermissions(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	perms := mem.Permissions(ctx)
	idsByCode := map[string]string{}
	for _, code := range []string{"products.view", "products.update", "inventory.view"} {
		p := &Permission{ID: ids.New(), Code: code, Module: strings.SplitN(code, ".", 2)[0], Name: code}
		if err := perms.Create(ctx, p); err != nil {
			t.Fatalf("Create permission: %v", err)
		}
		idsByCode[code] = p.ID
	}

	roles := mem.Roles(ctx)
	sales := &Role{ID: ids.New(), Name: "Sales", Active: true}
	if err := roles.Create(ctx, sales); err != nil {
		t.Fatalf("Create role: %v", err)
	}
	if err := roles.SetPermissions(ctx, sales.ID, []string{idsByCode["products.view"], idsByCode["products.update"]}); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
	dormant := &Role{ID: ids.New(), Name: "Dormant", Active: false}
	if err := roles.Create(ctx, dormant); err != nil {
		t.Fatalf("Create role: %v", err)
	}
	if err := roles.SetPermissions(ctx, dormant.ID, []string{idsByCode["inventory.view"]}); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}

	u := seedUser(t, mem, "carol", "password123", true)
	if err := mem.Users(ctx).SetRoles(ctx, u.ID, []string{sales.ID, dormant.ID}); err != nil {
		t.Fatalf("SetRoles: %v", err)
	}
	carol, _ := mem.Users(ctx).Find(ctx, u.ID)

	codes, err := svc.EffectivePermissions(ctx, carol)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if len(codes) != 2 || codes[0] != "products.update" || codes[1] != "products.view" {
		t.Fatalf("unexpected codes: %v", codes)
	}
	if ok, _ := svc.HasPermission(ctx, carol, "products.view"); !ok {
		t.Fatal("expected products.view")
	}
	// Inactive roles contribute nothing.
	if ok, _ := svc.HasPermission(ctx, carol, "inventory.view"); ok {
		t.Fatal("inactive role granted a permission")
	}

	root := seedUser(t, mem, "root", "password123", true)
	super := true
	if _, err := mem.Users(ctx).Update(ctx, root.ID, UserUpdate{Superuser: &super}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	rootUser, _ := mem.Users(ctx).Find(ctx, root.ID)
	codes, err = svc.EffectivePermissions(ctx, rootUser)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if len(codes) != 3 {
		t.Fatalf("superuser should see the full catalog, got %v", codes)
	}
	if ok, _ := svc.HasPermission(ctx, rootUser, "anything.at_all"); !ok {
		t.Fatal("superuser denied")
	}

	nobody := seedUser(t, mem, "nobody", "password123", true)
	codes, err = svc.EffectivePermissions(ctx, nobody)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if len(codes) != 0 {
		t.Fatalf("user without roles got codes: %v", codes)
	}
}
