package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"authgate.io/internal/audit"
	"authgate.io/internal/ids"
)

// Memory is an in-process Store used by tests and DSN-less evaluation runs.
// All methods are safe for concurrent use; reads return copies.
type Memory struct {
	mu sync.RWMutex

	users     map[string]*User
	roles     map[string]*Role
	perms     map[string]*Permission
	userRoles map[string]map[string]struct{}
	rolePerms map[string]map[string]struct{}
	sessions  map[string]*Session
	resets    map[string]*ResetToken
	entries   []*audit.Entry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]*User),
		roles:     make(map[string]*Role),
		perms:     make(map[string]*Permission),
		userRoles: make(map[string]map[string]struct{}),
		rolePerms: make(map[string]map[string]struct{}),
		sessions:  make(map[string]*Session),
		resets:    make(map[string]*ResetToken),
	}
}

func (m *Memory) Users(context.Context) UserStore              { return (*memUsers)(m) }
func (m *Memory) Roles(context.Context) RoleStore              { return (*memRoles)(m) }
func (m *Memory) Permissions(context.Context) PermissionStore  { return (*memPerms)(m) }
func (m *Memory) Sessions(context.Context) SessionStore        { return (*memSessions)(m) }
func (m *Memory) ResetTokens(context.Context) ResetTokenStore  { return (*memResets)(m) }
func (m *Memory) Audit(context.Context) audit.Store            { return (*memAudit)(m) }

func foldContains(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// hydrateRole copies the role and attaches its permissions sorted by module
// then name. Callers hold at least a read lock.
func (m *Memory) hydrateRole(r *Role) *Role {
	out := *r
	out.Permissions = nil
	for permID := range m.rolePerms[r.ID] {
		if p, ok := m.perms[permID]; ok {
			out.Permissions = append(out.Permissions, *p)
		}
	}
	sort.Slice(out.Permissions, func(i, j int) bool {
		a, b := out.Permissions[i], out.Permissions[j]
		if a.Module != b.Module {
			return a.Module < b.Module
		}
		return a.Name < b.Name
	})
	return &out
}

// hydrateUser copies the user and attaches roles with their permissions.
func (m *Memory) hydrateUser(u *User) *User {
	out := *u
	out.Roles = nil
	for roleID := range m.userRoles[u.ID] {
		if r, ok := m.roles[roleID]; ok {
			out.Roles = append(out.Roles, *m.hydrateRole(r))
		}
	}
	sort.Slice(out.Roles, func(i, j int) bool { return out.Roles[i].Name < out.Roles[j].Name })
	return &out
}

type memUsers Memory

func (m *memUsers) mem() *Memory { return (*Memory)(m) }

func (m *memUsers) Create(_ context.Context, u *User) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, existing := range mm.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return ErrConflict
		}
	}
	cp := *u
	cp.Roles = nil
	mm.users[u.ID] = &cp
	return nil
}

func (m *memUsers) Find(_ context.Context, id string) (*User, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	u, ok := mm.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return mm.hydrateUser(u), nil
}

func (m *memUsers) FindByIdentifier(_ context.Context, identifier string) (*User, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	for _, u := range mm.users {
		if u.Username == identifier || u.Email == identifier {
			return mm.hydrateUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	for _, u := range mm.users {
		if u.Email == email {
			return mm.hydrateUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) List(_ context.Context, f UserFilter) ([]*User, int, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	var matched []*User
	for _, u := range mm.users {
		if f.Active != nil && u.Active != *f.Active {
			continue
		}
		if f.RoleID != "" {
			if _, ok := mm.userRoles[u.ID][f.RoleID]; !ok {
				continue
			}
		}
		if f.Search != "" &&
			!foldContains(u.Username, f.Search) &&
			!foldContains(u.Email, f.Search) &&
			!foldContains(u.FirstName, f.Search) &&
			!foldContains(u.LastName, f.Search) {
			continue
		}
		matched = append(matched, u)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Username < matched[j].Username })

	total := len(matched)
	matched = page(matched, f.Offset, f.Limit)
	out := make([]*User, 0, len(matched))
	for _, u := range matched {
		out = append(out, mm.hydrateUser(u))
	}
	return out, total, nil
}

func (m *memUsers) Update(_ context.Context, id string, upd UserUpdate) (*User, error) {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	u, ok := mm.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Email != nil {
		for _, other := range mm.users {
			if other.ID != id && other.Email == *upd.Email {
				return nil, ErrConflict
			}
		}
		u.Email = *upd.Email
	}
	if upd.FirstName != nil {
		u.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		u.LastName = *upd.LastName
	}
	if upd.Phone != nil {
		u.Phone = *upd.Phone
	}
	if upd.Active != nil {
		u.Active = *upd.Active
	}
	if upd.Superuser != nil {
		u.Superuser = *upd.Superuser
	}
	if upd.MustChangePassword != nil {
		u.MustChangePassword = *upd.MustChangePassword
	}
	if upd.RoleIDs != nil {
		mm.setUserRoles(id, *upd.RoleIDs)
	}
	u.UpdatedAt = time.Now().UTC()
	return mm.hydrateUser(u), nil
}

func (m *memUsers) Delete(_ context.Context, id string) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.users[id]; !ok {
		return ErrNotFound
	}
	delete(mm.users, id)
	delete(mm.userRoles, id)
	for sid, sess := range mm.sessions {
		if sess.UserID == id {
			delete(mm.sessions, sid)
		}
	}
	for tid, t := range mm.resets {
		if t.UserID == id {
			delete(mm.resets, tid)
		}
	}
	return nil
}

func (m *memUsers) SetRoles(_ context.Context, userID string, roleIDs []string) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.users[userID]; !ok {
		return ErrNotFound
	}
	mm.setUserRoles(userID, roleIDs)
	return nil
}

// setUserRoles replaces the assignment set, dropping unknown role ids.
// Callers hold the write lock.
func (m *Memory) setUserRoles(userID string, roleIDs []string) {
	set := make(map[string]struct{}, len(roleIDs))
	for _, rid := range roleIDs {
		if _, ok := m.roles[rid]; ok {
			set[rid] = struct{}{}
		}
	}
	m.userRoles[userID] = set
}

func (m *memUsers) UpdatePasswordHash(_ context.Context, userID, passwordHash string) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	u, ok := mm.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m *memUsers) SetPassword(_ context.Context, userID, passwordHash string, mustChange bool, now time.Time) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	u, ok := mm.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.MustChangePassword = mustChange
	changed := now
	u.PasswordChangedAt = &changed
	u.UpdatedAt = now
	return nil
}

func (m *memUsers) RecordLoginFailure(_ context.Context, userID string, now time.Time, policy LockoutPolicy) (int, *time.Time, error) {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	u, ok := mm.users[userID]
	if !ok {
		return 0, nil, ErrNotFound
	}
	attempts, lockedUntil := policy.NextFailure(u.FailedLoginAttempts, now)
	u.FailedLoginAttempts = attempts
	if lockedUntil != nil {
		u.LockedUntil = lockedUntil
	}
	return attempts, lockedUntil, nil
}

func (m *memUsers) RecordLoginSuccess(_ context.Context, userID string, now time.Time) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	u, ok := mm.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	last := now
	u.LastLogin = &last
	return nil
}

type memRoles Memory

func (m *memRoles) mem() *Memory { return (*Memory)(m) }

func (m *memRoles) Create(_ context.Context, role *Role) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, existing := range mm.roles {
		if existing.Name == role.Name {
			return ErrConflict
		}
	}
	cp := *role
	cp.Permissions = nil
	mm.roles[role.ID] = &cp
	return nil
}

func (m *memRoles) Find(_ context.Context, id string) (*Role, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	r, ok := mm.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return mm.hydrateRole(r), nil
}

func (m *memRoles) FindByName(_ context.Context, name string) (*Role, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	for _, r := range mm.roles {
		if r.Name == name {
			return mm.hydrateRole(r), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRoles) List(_ context.Context, f RoleFilter) ([]*Role, int, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	var matched []*Role
	for _, r := range mm.roles {
		if f.Active != nil && r.Active != *f.Active {
			continue
		}
		if f.Search != "" && !foldContains(r.Name, f.Search) {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })

	total := len(matched)
	matched = page(matched, f.Offset, f.Limit)
	out := make([]*Role, 0, len(matched))
	for _, r := range matched {
		out = append(out, mm.hydrateRole(r))
	}
	return out, total, nil
}

func (m *memRoles) Update(_ context.Context, id string, upd RoleUpdate) (*Role, error) {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	r, ok := mm.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Name != nil {
		for _, other := range mm.roles {
			if other.ID != id && other.Name == *upd.Name {
				return nil, ErrConflict
			}
		}
		r.Name = *upd.Name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	if upd.Active != nil {
		r.Active = *upd.Active
	}
	if upd.PermissionIDs != nil {
		mm.setRolePermissions(id, *upd.PermissionIDs)
	}
	r.UpdatedAt = time.Now().UTC()
	return mm.hydrateRole(r), nil
}

func (m *memRoles) Delete(_ context.Context, id string) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.roles[id]; !ok {
		return ErrNotFound
	}
	delete(mm.roles, id)
	delete(mm.rolePerms, id)
	for _, set := range mm.userRoles {
		delete(set, id)
	}
	return nil
}

func (m *memRoles) SetPermissions(_ context.Context, roleID string, permissionIDs []string) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.roles[roleID]; !ok {
		return ErrNotFound
	}
	mm.setRolePermissions(roleID, permissionIDs)
	return nil
}

// setRolePermissions replaces the grant set, dropping unknown permission ids.
// Callers hold the write lock.
func (m *Memory) setRolePermissions(roleID string, permissionIDs []string) {
	set := make(map[string]struct{}, len(permissionIDs))
	for _, pid := range permissionIDs {
		if _, ok := m.perms[pid]; ok {
			set[pid] = struct{}{}
		}
	}
	m.rolePerms[roleID] = set
}

type memPerms Memory

func (m *memPerms) mem() *Memory { return (*Memory)(m) }

func (m *memPerms) Create(_ context.Context, p *Permission) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, existing := range mm.perms {
		if existing.Code == p.Code || existing.Name == p.Name {
			return ErrConflict
		}
	}
	cp := *p
	mm.perms[p.ID] = &cp
	return nil
}

func (m *memPerms) Ensure(_ context.Context, perms []Permission) (int, error) {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	have := make(map[string]struct{}, len(mm.perms))
	for _, p := range mm.perms {
		have[p.Code] = struct{}{}
	}
	created := 0
	for _, p := range perms {
		if _, ok := have[p.Code]; ok {
			continue
		}
		cp := p
		if cp.ID == "" {
			cp.ID = ids.New()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		mm.perms[cp.ID] = &cp
		have[cp.Code] = struct{}{}
		created++
	}
	return created, nil
}

func (m *memPerms) Find(_ context.Context, id string) (*Permission, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	p, ok := mm.perms[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPerms) FindByCode(_ context.Context, code string) (*Permission, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	for _, p := range mm.perms {
		if p.Code == code {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memPerms) List(_ context.Context, f PermissionFilter) ([]*Permission, int, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	var matched []*Permission
	for _, p := range mm.perms {
		if f.Module != "" && p.Module != f.Module {
			continue
		}
		if f.Search != "" && !foldContains(p.Name, f.Search) && !foldContains(p.Code, f.Search) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Module != b.Module {
			return a.Module < b.Module
		}
		return a.Name < b.Name
	})

	total := len(matched)
	matched = page(matched, f.Offset, f.Limit)
	out := make([]*Permission, 0, len(matched))
	for _, p := range matched {
		cp := *p
		out = append(out, &cp)
	}
	return out, total, nil
}

func (m *memPerms) Delete(_ context.Context, id string) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.perms[id]; !ok {
		return ErrNotFound
	}
	delete(mm.perms, id)
	for _, set := range mm.rolePerms {
		delete(set, id)
	}
	return nil
}

func (m *memPerms) AllCodes(_ context.Context) ([]string, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	out := make([]string, 0, len(mm.perms))
	for _, p := range mm.perms {
		out = append(out, p.Code)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memPerms) CodesForUser(_ context.Context, userID string) ([]string, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	seen := make(map[string]struct{})
	for roleID := range mm.userRoles[userID] {
		role, ok := mm.roles[roleID]
		if !ok || !role.Active {
			continue
		}
		for permID := range mm.rolePerms[roleID] {
			if p, ok := mm.perms[permID]; ok {
				seen[p.Code] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for code := range seen {
		out = append(out, code)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memPerms) UserHasPermission(_ context.Context, userID, code string) (bool, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	for roleID := range mm.userRoles[userID] {
		role, ok := mm.roles[roleID]
		if !ok || !role.Active {
			continue
		}
		for permID := range mm.rolePerms[roleID] {
			if p, ok := mm.perms[permID]; ok && p.Code == code {
				return true, nil
			}
		}
	}
	return false, nil
}

type memSessions Memory

func (m *memSessions) mem() *Memory { return (*Memory)(m) }

func (m *memSessions) Create(_ context.Context, s *Session) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	cp := *s
	mm.sessions[s.ID] = &cp
	return nil
}

func (m *memSessions) Find(_ context.Context, id string) (*Session, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	s, ok := mm.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) FindByTokenHash(_ context.Context, tokenHash string) (*Session, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	for _, s := range mm.sessions {
		if s.TokenHash == tokenHash && s.Active {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memSessions) ListActive(_ context.Context, userID string, now time.Time) ([]*Session, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	var out []*Session
	for _, s := range mm.sessions {
		if s.UserID == userID && s.Active && s.ExpiresAt.After(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (m *memSessions) TouchActivity(_ context.Context, id string, now time.Time) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	s, ok := mm.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivity = now
	return nil
}

func (m *memSessions) Deactivate(_ context.Context, id string) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	s, ok := mm.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Active = false
	return nil
}

func (m *memSessions) DeactivateByUser(_ context.Context, userID string) (int, error) {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	n := 0
	for _, s := range mm.sessions {
		if s.UserID == userID && s.Active {
			s.Active = false
			n++
		}
	}
	return n, nil
}

func (m *memSessions) PurgeExpired(_ context.Context, before time.Time) (int, error) {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	n := 0
	for id, s := range mm.sessions {
		if !s.ExpiresAt.After(before) || !s.Active {
			delete(mm.sessions, id)
			n++
		}
	}
	return n, nil
}

type memResets Memory

func (m *memResets) mem() *Memory { return (*Memory)(m) }

func (m *memResets) Create(_ context.Context, t *ResetToken) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	cp := *t
	mm.resets[t.ID] = &cp
	return nil
}

func (m *memResets) Redeem(_ context.Context, tokenHash string, now time.Time, newPasswordHash string) (*ResetToken, error) {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()

	var token *ResetToken
	for _, t := range mm.resets {
		if t.TokenHash == tokenHash {
			token = t
			break
		}
	}
	if token == nil || token.UsedAt != nil || !token.ExpiresAt.After(now) {
		return nil, ErrResetTokenInvalid
	}
	user, ok := mm.users[token.UserID]
	if !ok || !user.Active {
		return nil, ErrUserDisabled
	}

	user.PasswordHash = newPasswordHash
	user.MustChangePassword = false
	changed := now
	user.PasswordChangedAt = &changed
	used := now
	token.UsedAt = &used

	cp := *token
	return &cp, nil
}

func (m *memResets) PurgeExpired(_ context.Context, before time.Time) (int, error) {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	n := 0
	for id, t := range mm.resets {
		if t.UsedAt != nil || !t.ExpiresAt.After(before) {
			delete(mm.resets, id)
			n++
		}
	}
	return n, nil
}

type memAudit Memory

func (m *memAudit) mem() *Memory { return (*Memory)(m) }

func (m *memAudit) Append(_ context.Context, entry *audit.Entry) error {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	cp := *entry
	mm.entries = append(mm.entries, &cp)
	return nil
}

func (m *memAudit) Find(_ context.Context, id string) (*audit.Entry, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	for _, e := range mm.entries {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memAudit) Search(_ context.Context, f audit.Filter) ([]*audit.Entry, int, error) {
	mm := m.mem()
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	var matched []*audit.Entry
	for i := len(mm.entries) - 1; i >= 0; i-- {
		e := mm.entries[i]
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Module != "" && e.Module != f.Module {
			continue
		}
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	matched = page(matched, f.Offset, f.Limit)
	out := make([]*audit.Entry, 0, len(matched))
	for _, e := range matched {
		cp := *e
		out = append(out, &cp)
	}
	return out, total, nil
}

func (m *memAudit) Purge(_ context.Context, olderThan time.Time) (int, error) {
	mm := m.mem()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	kept := mm.entries[:0]
	n := 0
	for _, e := range mm.entries {
		if e.CreatedAt.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	mm.entries = kept
	return n, nil
}

// page applies offset/limit to a sorted slice. limit <= 0 returns everything
// past the offset.
func page[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
