package auth

import (
	"context"
	"fmt"
	"strings"

	"authgate.io/internal/audit"
	"authgate.io/internal/ids"
)

// UserCreate is the admin payload for provisioning an account.
type UserCreate struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
	Active    bool
	Superuser bool
	RoleIDs   []string
}

// RoleCreate is the admin payload for a new role.
type RoleCreate struct {
	Name          string
	Description   string
	Active        bool
	PermissionIDs []string
}

// PermissionCreate is the admin payload for a new catalog entry.
type PermissionCreate struct {
	Name        string
	Code        string
	Module      string
	Description string
}

func actorID(p *Principal) string {
	if p == nil || p.User == nil {
		return ""
	}
	return p.User.ID
}

func actorFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return actorID(p)
}

// CreateUser provisions an account with an optional initial role set.
// Username and email collisions surface as ErrConflict.
func (s *Service) CreateUser(ctx context.Context, p *Principal, in UserCreate) (*User, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if username == "" || email == "" {
		return nil, fmt.Errorf("%w: username and email are required", ErrInvalidInput)
	}
	if len(in.Password) < MinPasswordLength {
		return nil, ErrPasswordTooShort
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	user := &User{
		ID:           ids.New(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Phone:        in.Phone,
		Active:       in.Active,
		Superuser:    in.Superuser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	users := s.store.Users(ctx)
	if err := users.Create(ctx, user); err != nil {
		return nil, err
	}
	if len(in.RoleIDs) > 0 {
		if err := users.SetRoles(ctx, user.ID, in.RoleIDs); err != nil {
			return nil, err
		}
	}

	s.trail.Record(ctx, audit.Entry{
		UserID:     actorID(p),
		Action:     "create",
		Module:     "admin",
		EntityType: "user",
		EntityID:   user.ID,
		EntityName: user.Username,
		NewValues:  map[string]string{"username": user.Username, "email": user.Email},
	})
	return users.Find(ctx, user.ID)
}

// GetUser returns one user with roles and their permissions attached.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.store.Users(ctx).Find(ctx, id)
}

// ListUsers pages through accounts.
func (s *Service) ListUsers(ctx context.Context, f UserFilter) ([]*User, int, error) {
	return s.store.Users(ctx).List(ctx, f)
}

// UpdateUser applies a partial update. A non-nil role set replaces the
// existing assignments; unknown role ids are ignored.
func (s *Service) UpdateUser(ctx context.Context, p *Principal, id string, upd UserUpdate) (*User, error) {
	users := s.store.Users(ctx)
	if _, err := users.Find(ctx, id); err != nil {
		return nil, err
	}
	if upd.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*upd.Email))
		upd.Email = &email
	}
	if _, err := users.Update(ctx, id, upd); err != nil {
		return nil, err
	}

	s.trail.Record(ctx, audit.Entry{
		UserID:     actorID(p),
		Action:     "update",
		Module:     "admin",
		EntityType: "user",
		EntityID:   id,
	})
	return users.Find(ctx, id)
}

// AdminResetPassword forces a new password on the account and flags it for
// change at next login.
func (s *Service) AdminResetPassword(ctx context.Context, p *Principal, id, newPassword string) error {
	users := s.store.Users(ctx)
	user, err := users.Find(ctx, id)
	if err != nil {
		return err
	}
	if len(newPassword) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := users.SetPassword(ctx, user.ID, hash, true, s.now()); err != nil {
		return err
	}

	s.trail.Record(ctx, audit.Entry{
		UserID:     actorID(p),
		Action:     "reset_password",
		Module:     "admin",
		EntityType: "user",
		EntityID:   user.ID,
		EntityName: user.Username,
	})
	return nil
}

// DeleteUser removes an account. Superusers are protected.
func (s *Service) DeleteUser(ctx context.Context, p *Principal, id string) error {
	users := s.store.Users(ctx)
	user, err := users.Find(ctx, id)
	if err != nil {
		return err
	}
	if user.Superuser {
		return ErrSystemProtected
	}
	if err := users.Delete(ctx, id); err != nil {
		return err
	}

	s.trail.Record(ctx, audit.Entry{
		UserID:     actorID(p),
		Action:     "delete",
		Module:     "admin",
		EntityType: "user",
		EntityID:   user.ID,
		EntityName: user.Username,
		OldValues:  map[string]string{"username": user.Username, "email": user.Email},
	})
	return nil
}

// CreateRole adds a role with an optional initial permission grant.
func (s *Service) CreateRole(ctx context.Context, p *Principal, in RoleCreate) (*Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}

	now := s.now()
	role := &Role{
		ID:          ids.New(),
		Name:        name,
		Description: in.Description,
		Active:      in.Active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	roles := s.store.Roles(ctx)
	if err := roles.Create(ctx, role); err != nil {
		return nil, err
	}
	if len(in.PermissionIDs) > 0 {
		if err := roles.SetPermissions(ctx, role.ID, in.PermissionIDs); err != nil {
			return nil, err
		}
	}

	s.trail.Record(ctx, audit.Entry{
		UserID:     actorID(p),
		Action:     "create",
		Module:     "admin",
		EntityType: "role",
		EntityID:   role.ID,
		EntityName: role.Name,
		NewValues:  map[string]string{"name": role.Name},
	})
	return roles.Find(ctx, role.ID)
}

// GetRole returns one role with its permissions attached.
func (s *Service) GetRole(ctx context.Context, id string) (*Role, error) {
	return s.store.Roles(ctx).Find(ctx, id)
}

// ListRoles pages through roles.
func (s *Service) ListRoles(ctx context.Context, f RoleFilter) ([]*Role, int, error) {
	return s.store.Roles(ctx).List(ctx, f)
}

// UpdateRole applies a partial update. System roles reject every change.
func (s *Service) UpdateRole(ctx context.Context, p *Principal, id string, upd RoleUpdate) (*Role, error) {
	roles := s.store.Roles(ctx)
	role, err := roles.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if role.System {
		return nil, ErrSystemProtected
	}
	if _, err := roles.Update(ctx, id, upd); err != nil {
		return nil, err
	}

	s.trail.Record(ctx, audit.Entry{
		UserID:     actorID(p),
		Action:     "update",
		Module:     "admin",
		EntityType: "role",
		EntityID:   role.ID,
		EntityName: role.Name,
	})
	return roles.Find(ctx, id)
}

// DeleteRole removes a role. System roles are protected.
func (s *Service) DeleteRole(ctx context.Context, p *Principal, id string) error {
	roles := s.store.Roles(ctx)
	role, err := roles.Find(ctx, id)
	if err != nil {
		return err
	}
	if role.System {
		return ErrSystemProtected
	}
	if err := roles.Delete(ctx, id); err != nil {
		return err
	}

	s.trail.Record(ctx, audit.Entry{
		UserID:     actorID(p),
		Action:     "delete",
		Module:     "admin",
		EntityType: "role",
		EntityID:   role.ID,
		EntityName: role.Name,
		OldValues:  map[string]string{"name": role.Name},
	})
	return nil
}

// SetRolePermissions replaces a role's whole permission set in one step.
// System roles are protected.
func (s *Service) SetRolePermissions(ctx context.Context, p *Principal, id string, permissionIDs []string) (*Role, error) {
	roles := s.store.Roles(ctx)
	role, err := roles.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if role.System {
		return nil, ErrSystemProtected
	}
	if err := roles.SetPermissions(ctx, id, permissionIDs); err != nil {
		return nil, err
	}

	s.trail.Record(ctx, audit.Entry{
		UserID:     actorID(p),
		Action:     "update",
		Module:     "admin",
		EntityType: "role",
		EntityID:   role.ID,
		EntityName: role.Name,
		NewValues:  map[string]string{"permissions": fmt.Sprintf("%d", len(permissionIDs))},
	})
	return roles.Find(ctx, id)
}

// CreatePermission adds a catalog entry. Codes must keep the module.action
// shape the route map derives.
func (s *Service) CreatePermission(ctx context.Context, p *Principal, in PermissionCreate) (*Permission, error) {
	code := strings.TrimSpace(in.Code)
	if code == "" || !strings.Contains(code, ".") {
		return nil, fmt.Errorf("%w: permission code must look like module.action", ErrInvalidInput)
	}
	module := strings.TrimSpace(in.Module)
	if module == "" {
		module, _, _ = strings.Cut(code, ".")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = code
	}

	perm := &Permission{
		ID:          ids.New(),
		Name:        name,
		Code:        code,
		Module:      module,
		Description: in.Description,
		CreatedAt:   s.now(),
	}
	if err := s.store.Permissions(ctx).Create(ctx, perm); err != nil {
		return nil, err
	}

	s.trail.Record(ctx, audit.Entry{
		UserID:     actorID(p),
		Action:     "create",
		Module:     "admin",
		EntityType: "permission",
		EntityID:   perm.ID,
		EntityName: perm.Code,
		NewValues:  map[string]string{"code": perm.Code},
	})
	return perm, nil
}

// ListPermissions pages through the catalog.
func (s *Service) ListPermissions(ctx context.Context, f PermissionFilter) ([]*Permission, int, error) {
	return s.store.Permissions(ctx).List(ctx, f)
}

// DeletePermission removes a catalog entry and its role grants.
func (s *Service) DeletePermission(ctx context.Context, p *Principal, id string) error {
	perms := s.store.Permissions(ctx)
	perm, err := perms.Find(ctx, id)
	if err != nil {
		return err
	}
	if err := perms.Delete(ctx, id); err != nil {
		return err
	}

	s.trail.Record(ctx, audit.Entry{
		UserID:     actorID(p),
		Action:     "delete",
		Module:     "admin",
		EntityType: "permission",
		EntityID:   perm.ID,
		EntityName: perm.Code,
		OldValues:  map[string]string{"code": perm.Code},
	})
	return nil
}
