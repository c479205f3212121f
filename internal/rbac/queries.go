package rbac

import (
	"context"
	"strings"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

func (e *Engine) ListRoles(ctx context.Context) ([]Role, error) {
	return e.store.Roles().List(ctx)
}

func (e *Engine) ListPermissions(ctx context.Context) ([]Permission, error) {
	return e.store.Permissions().List(ctx)
}

func (e *Engine) ListModules(ctx context.Context) ([]FeatureModule, error) {
	return e.store.Features().ListModules(ctx)
}

// RolePermissions returns the permissions actively granted to the role.
func (e *Engine) RolePermissions(ctx context.Context, roleID int64) (Role, []Permission, error) {
	role, err := e.store.Roles().Find(ctx, roleID)
	if err != nil {
		return Role{}, nil, err
	}
	perms, err := e.store.Permissions().ForRole(ctx, roleID)
	if err != nil {
		return Role{}, nil, err
	}
	return role, perms, nil
}

// RoleFeatureAccess returns the role's active feature access edges.
func (e *Engine) RoleFeatureAccess(ctx context.Context, roleID int64) (Role, []RoleFeatureAccess, error) {
	role, err := e.store.Roles().Find(ctx, roleID)
	if err != nil {
		return Role{}, nil, err
	}
	access, err := e.store.Features().ForRole(ctx, roleID)
	if err != nil {
		return Role{}, nil, err
	}
	return role, access, nil
}

// AuditLog lists audit entries newest first.
func (e *Engine) AuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	f.EntityType = strings.TrimSpace(f.EntityType)
	switch {
	case f.Limit <= 0:
		f.Limit = defaultAuditLimit
	case f.Limit > maxAuditLimit:
		f.Limit = maxAuditLimit
	}
	return e.store.Audit().List(ctx, f)
}

// EnsurePermissions seeds the permission catalogue. Existing names are left untouched.
func (e *Engine) EnsurePermissions(ctx context.Context, perms []Permission) error {
	normalized := make([]Permission, 0, len(perms))
	for _, p := range perms {
		p.Name = normalizeName(p.Name)
		if p.Name == "" {
			return errInvalid("permission name is required")
		}
		normalized = append(normalized, p)
	}
	return e.store.Permissions().Ensure(ctx, normalized)
}
