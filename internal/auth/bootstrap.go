package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"authgate.io/internal/audit"
	"authgate.io/internal/ids"
)

// Owner account coordinates, fixed for initial setup and recovery.
const (
	OwnerUsername = "owner"
	OwnerEmail    = "owner@localhost"
)

const adminRoleName = "Administrator"

// roleSeed describes one system role. Exactly one of allPermissions,
// viewOnly or modules decides its grant.
type roleSeed struct {
	name           string
	description    string
	allPermissions bool
	viewOnly       bool
	modules        []string
}

var systemRoles = []roleSeed{
	{
		name:           adminRoleName,
		description:    "Full system access - all permissions",
		allPermissions: true,
	},
	{
		name:        "Manager",
		description: "View all, manage most operations",
		modules: []string{
			"products", "inventory", "sales_orders", "customers", "quotes",
			"invoicing", "payments", "suppliers", "purchasing", "work_orders",
			"projects", "reporting",
		},
	},
	{
		name:        "Sales",
		description: "Sales and customer management",
		modules:     []string{"customers", "quotes", "sales_orders", "invoicing", "leads"},
	},
	{
		name:        "Warehouse",
		description: "Inventory and warehouse operations",
		modules:     []string{"inventory", "warehousing", "shipping", "returns"},
	},
	{
		name:        "Production",
		description: "Manufacturing and work orders",
		modules:     []string{"work_orders", "manufacturing", "production", "quality", "tooling"},
	},
	{
		name:        "Accounting",
		description: "Financial operations",
		modules:     []string{"accounting", "invoicing", "payments", "expenses", "payroll"},
	},
	{
		name:        "HR",
		description: "Human resources management",
		modules:     []string{"hr", "time_attendance", "payroll"},
	},
	{
		name:        "Viewer",
		description: "Read-only access to most modules",
		viewOnly:    true,
	},
}

// EnsureCatalog seeds the permission catalog idempotently and reports how
// many entries were created.
func (s *Service) EnsureCatalog(ctx context.Context) (int, error) {
	created, err := s.store.Permissions(ctx).Ensure(ctx, Catalog())
	if err != nil {
		return 0, err
	}
	if created > 0 {
		s.trail.Record(ctx, audit.Entry{
			UserID:    actorFromContext(ctx),
			Action:    "init_permissions",
			Module:    "admin",
			NewValues: map[string]string{"permissions_created": fmt.Sprintf("%d", created)},
		})
	}
	return created, nil
}

// EnsureRoles seeds the system roles idempotently. Roles that already exist
// are left untouched, whatever their current permission set.
func (s *Service) EnsureRoles(ctx context.Context) (int, error) {
	roles := s.store.Roles(ctx)
	created := 0
	for _, seed := range systemRoles {
		_, err := roles.FindByName(ctx, seed.name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return created, err
		}

		now := s.now()
		role := &Role{
			ID:          ids.New(),
			Name:        seed.name,
			Description: seed.description,
			System:      true,
			Active:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := roles.Create(ctx, role); err != nil {
			// A concurrent instance seeded it first.
			if errors.Is(err, ErrConflict) {
				continue
			}
			return created, err
		}
		grant, err := s.seedPermissionIDs(ctx, seed)
		if err != nil {
			return created, err
		}
		if len(grant) > 0 {
			if err := roles.SetPermissions(ctx, role.ID, grant); err != nil {
				return created, err
			}
		}
		created++
	}

	if created > 0 {
		s.trail.Record(ctx, audit.Entry{
			UserID:    actorFromContext(ctx),
			Action:    "init_roles",
			Module:    "admin",
			NewValues: map[string]string{"roles_created": fmt.Sprintf("%d", created)},
		})
	}
	return created, nil
}

func (s *Service) seedPermissionIDs(ctx context.Context, seed roleSeed) ([]string, error) {
	all, _, err := s.store.Permissions(ctx).List(ctx, PermissionFilter{})
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(seed.modules))
	for _, m := range seed.modules {
		wanted[m] = struct{}{}
	}
	var out []string
	for _, p := range all {
		switch {
		case seed.allPermissions:
			out = append(out, p.ID)
		case seed.viewOnly:
			if strings.HasSuffix(p.Code, ".view") {
				out = append(out, p.ID)
			}
		default:
			if _, ok := wanted[p.Module]; ok {
				out = append(out, p.ID)
			}
		}
	}
	return out, nil
}

// ensureAdminRole finds or creates the Administrator role and re-attaches the
// full catalog to it. Re-attachment runs on every call so the role keeps up
// with catalog growth.
func (s *Service) ensureAdminRole(ctx context.Context) (*Role, error) {
	roles := s.store.Roles(ctx)
	role, err := roles.FindByName(ctx, adminRoleName)
	if errors.Is(err, ErrNotFound) {
		now := s.now()
		role = &Role{
			ID:          ids.New(),
			Name:        adminRoleName,
			Description: "Full system access - all permissions",
			System:      true,
			Active:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if cerr := roles.Create(ctx, role); cerr != nil {
			if !errors.Is(cerr, ErrConflict) {
				return nil, cerr
			}
			if role, err = roles.FindByName(ctx, adminRoleName); err != nil {
				return nil, err
			}
		}
	} else if err != nil {
		return nil, err
	}

	all, _, err := s.store.Permissions(ctx).List(ctx, PermissionFilter{})
	if err != nil {
		return nil, err
	}
	grant := make([]string, 0, len(all))
	for _, p := range all {
		grant = append(grant, p.ID)
	}
	if err := roles.SetPermissions(ctx, role.ID, grant); err != nil {
		return nil, err
	}
	return role, nil
}

// OwnerResult reports what EnsureOwner did. Password is set only when the
// account was created or explicitly reset; it is not recoverable afterwards.
type OwnerResult struct {
	Created  bool
	Reset    bool
	Username string
	Password string
}

// EnsureOwner provisions the recovery owner account idempotently. An existing
// owner is left untouched unless reset is true, in which case the password is
// replaced, the account re-activated and the Administrator role re-attached.
// When password is empty a random one is generated.
func (s *Service) EnsureOwner(ctx context.Context, password string, reset bool) (*OwnerResult, error) {
	users := s.store.Users(ctx)

	existing, err := users.FindByIdentifier(ctx, OwnerUsername)
	switch {
	case err == nil:
		if !reset {
			return &OwnerResult{Username: OwnerUsername}, nil
		}
		return s.resetOwner(ctx, existing, password)
	case errors.Is(err, ErrNotFound):
		// fall through to create
	default:
		return nil, err
	}

	// A fresh install may call bootstrap before any seeding ran.
	if _, err := s.EnsureCatalog(ctx); err != nil {
		return nil, err
	}
	adminRole, err := s.ensureAdminRole(ctx)
	if err != nil {
		return nil, err
	}

	if password == "" {
		if password, err = generateSecret(); err != nil {
			return nil, err
		}
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	owner := &User{
		ID:                 ids.New(),
		Username:           OwnerUsername,
		Email:              OwnerEmail,
		PasswordHash:       hash,
		FirstName:          "Owner",
		LastName:           "Admin",
		Active:             true,
		Superuser:          true,
		MustChangePassword: true,
		PasswordChangedAt:  &now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := users.Create(ctx, owner); err != nil {
		// Lost the create race: treat as already provisioned.
		if errors.Is(err, ErrConflict) {
			return &OwnerResult{Username: OwnerUsername}, nil
		}
		return nil, err
	}
	if err := users.SetRoles(ctx, owner.ID, []string{adminRole.ID}); err != nil {
		return nil, err
	}

	s.trail.Record(ctx, audit.Entry{
		UserID:     owner.ID,
		Action:     "bootstrap",
		Module:     "admin",
		EntityType: "user",
		EntityID:   owner.ID,
		EntityName: OwnerUsername,
		NewValues:  map[string]string{"username": OwnerUsername, "created": "true"},
	})
	return &OwnerResult{Created: true, Username: OwnerUsername, Password: password}, nil
}

func (s *Service) resetOwner(ctx context.Context, owner *User, password string) (*OwnerResult, error) {
	users := s.store.Users(ctx)

	var err error
	if password == "" {
		if password, err = generateSecret(); err != nil {
			return nil, err
		}
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	active, super := true, true
	if _, err := users.Update(ctx, owner.ID, UserUpdate{Active: &active, Superuser: &super}); err != nil {
		return nil, err
	}
	if err := users.SetPassword(ctx, owner.ID, hash, true, s.now()); err != nil {
		return nil, err
	}
	adminRole, err := s.ensureAdminRole(ctx)
	if err != nil {
		return nil, err
	}
	if err := users.SetRoles(ctx, owner.ID, []string{adminRole.ID}); err != nil {
		return nil, err
	}

	s.trail.Record(ctx, audit.Entry{
		UserID:     owner.ID,
		Action:     "bootstrap",
		Module:     "admin",
		EntityType: "user",
		EntityID:   owner.ID,
		EntityName: OwnerUsername,
		NewValues:  map[string]string{"username": OwnerUsername, "password_reset": "true"},
	})
	return &OwnerResult{Reset: true, Username: OwnerUsername, Password: password}, nil
}

// BootstrapResult aggregates one idempotent startup provisioning run.
type BootstrapResult struct {
	PermissionsCreated int
	RolesCreated       int
	Owner              *OwnerResult
}

// Bootstrap runs the full provisioning sequence used at startup: catalog,
// system roles, owner account. Safe to run on every boot.
func (s *Service) Bootstrap(ctx context.Context, ownerPassword string) (*BootstrapResult, error) {
	res := &BootstrapResult{}
	var err error
	if res.PermissionsCreated, err = s.EnsureCatalog(ctx); err != nil {
		return nil, err
	}
	if res.RolesCreated, err = s.EnsureRoles(ctx); err != nil {
		return nil, err
	}
	if res.Owner, err = s.EnsureOwner(ctx, ownerPassword, false); err != nil {
		return nil, err
	}
	return res, nil
}
