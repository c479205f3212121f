package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"medgate.org/internal/audit"
	"medgate.org/internal/obs"
)

const maxRoleNameLen = 64

// NewRole describes a role to create.
type NewRole struct {
	Name        string
	DisplayName string
	Description string
	IsSystem    bool
}

// AssignOptions qualifies a role assignment.
type AssignOptions struct {
	Context   string
	ExpiresAt *time.Time
}

// mutate runs fn and appends the audit entry it returns in one transaction.
func (e *Engine) mutate(ctx context.Context, actor int64, fn func(tx Store, now time.Time) (AuditEntry, error)) error {
	if actor <= 0 {
		return errInvalid("performed_by is required")
	}
	return e.store.WithinTx(ctx, func(tx Store) error {
		now := e.now().UTC()
		entry, err := fn(tx, now)
		if err != nil {
			return err
		}
		entry.PerformedBy = actor
		entry.RequestID = audit.RequestIDFromContext(ctx)
		entry.CreatedAt = now
		if _, err := tx.Audit().Append(ctx, entry); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
}

// invalidateUser and invalidateRole run after commit and must not be skipped
// because the request context ended.
func (e *Engine) invalidateUser(ctx context.Context, userID int64) {
	e.cache.InvalidateUser(context.WithoutCancel(ctx), userID)
}

func (e *Engine) invalidateRole(ctx context.Context, roleID int64) {
	e.cache.InvalidateRole(context.WithoutCancel(ctx), roleID)
}

func (e *Engine) CreateRole(ctx context.Context, actor int64, in NewRole) (Role, error) {
	name := normalizeName(in.Name)
	if name == "" {
		return Role{}, errInvalid("role name is required")
	}
	if len(name) > maxRoleNameLen || strings.ContainsAny(name, " /:@") {
		return Role{}, errInvalid("role name must be a short identifier")
	}
	var created Role
	err := e.mutate(ctx, actor, func(tx Store, now time.Time) (AuditEntry, error) {
		var err error
		created, err = tx.Roles().Create(ctx, Role{
			Name:        name,
			DisplayName: strings.TrimSpace(in.DisplayName),
			Description: strings.TrimSpace(in.Description),
			IsSystem:    in.IsSystem,
			IsActive:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return AuditEntry{}, err
		}
		return newAuditEntry(ActionCreate, EntityRole, created.ID, nil, created)
	})
	if err != nil {
		return Role{}, err
	}
	e.logMutation(ctx, actor, ActionCreate, EntityRole, created.ID)
	return created, nil
}

// DeactivateRole soft-deactivates a role. Its holders lose every permission
// and feature access it carried. System roles cannot be deactivated.
func (e *Engine) DeactivateRole(ctx context.Context, actor, roleID int64) (Role, error) {
	var updated Role
	err := e.mutate(ctx, actor, func(tx Store, now time.Time) (AuditEntry, error) {
		role, err := tx.Roles().Find(ctx, roleID)
		if err != nil {
			return AuditEntry{}, err
		}
		if role.IsSystem {
			return AuditEntry{}, errInvalid("system roles cannot be deactivated")
		}
		if !role.IsActive {
			return AuditEntry{}, fmt.Errorf("%w: role %d is already inactive", ErrConflict, roleID)
		}
		updated, err = tx.Roles().SetActive(ctx, roleID, false, now)
		if err != nil {
			return AuditEntry{}, err
		}
		return newAuditEntry(ActionDeactivate, EntityRole, roleID, role, updated)
	})
	if err != nil {
		return Role{}, err
	}
	e.invalidateRole(ctx, roleID)
	e.logMutation(ctx, actor, ActionDeactivate, EntityRole, roleID)
	return updated, nil
}

// AssignRoleToUser creates an active assignment. An existing live assignment
// for the pair is a conflict; one that has lapsed is closed first so the new
// row does not collide with it.
func (e *Engine) AssignRoleToUser(ctx context.Context, actor, userID, roleID int64, opts AssignOptions) (UserRoleAssignment, error) {
	if userID <= 0 || roleID <= 0 {
		return UserRoleAssignment{}, errInvalid("user_id and role_id are required")
	}
	var created UserRoleAssignment
	err := e.mutate(ctx, actor, func(tx Store, now time.Time) (AuditEntry, error) {
		if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
			return AuditEntry{}, errInvalid("expires_at must be in the future")
		}
		user, err := tx.Users().Find(ctx, userID)
		if err != nil {
			return AuditEntry{}, err
		}
		if !user.IsActive {
			return AuditEntry{}, notFound("active user", userID)
		}
		role, err := tx.Roles().Find(ctx, roleID)
		if err != nil {
			return AuditEntry{}, err
		}
		if !role.IsActive {
			return AuditEntry{}, errInvalid("role is inactive")
		}
		current, err := tx.Assignments().Current(ctx, userID, roleID)
		switch {
		case err == nil && current.LiveAt(now):
			return AuditEntry{}, conflict(EntityAssignment, "user %d role %d", userID, roleID)
		case err == nil:
			if _, err := tx.Assignments().Revoke(ctx, current.ID, now); err != nil {
				return AuditEntry{}, err
			}
		case !errors.Is(err, ErrNotFound):
			return AuditEntry{}, err
		}
		created, err = tx.Assignments().Assign(ctx, UserRoleAssignment{
			UserID:     userID,
			RoleID:     roleID,
			Context:    strings.TrimSpace(opts.Context),
			AssignedBy: actor,
			AssignedAt: now,
			ExpiresAt:  utcPtr(opts.ExpiresAt),
			IsActive:   true,
		})
		if err != nil {
			return AuditEntry{}, err
		}
		return newAuditEntry(ActionAssign, EntityAssignment, created.ID, nil, created)
	})
	if err != nil {
		return UserRoleAssignment{}, err
	}
	e.invalidateUser(ctx, userID)
	e.logMutation(ctx, actor, ActionAssign, EntityAssignment, created.ID)
	return created, nil
}

// RevokeRoleFromUser ends the user's live assignment to the role.
func (e *Engine) RevokeRoleFromUser(ctx context.Context, actor, userID, roleID int64) (UserRoleAssignment, error) {
	if userID <= 0 || roleID <= 0 {
		return UserRoleAssignment{}, errInvalid("user_id and role_id are required")
	}
	var revoked UserRoleAssignment
	err := e.mutate(ctx, actor, func(tx Store, now time.Time) (AuditEntry, error) {
		current, err := tx.Assignments().Current(ctx, userID, roleID)
		if err != nil {
			return AuditEntry{}, err
		}
		if !current.LiveAt(now) {
			return AuditEntry{}, fmt.Errorf("%w: assignment for user %d role %d has expired", ErrNotFound, userID, roleID)
		}
		revoked, err = tx.Assignments().Revoke(ctx, current.ID, now)
		if err != nil {
			return AuditEntry{}, err
		}
		return newAuditEntry(ActionRevoke, EntityAssignment, revoked.ID, current, revoked)
	})
	if err != nil {
		return UserRoleAssignment{}, err
	}
	e.invalidateUser(ctx, userID)
	e.logMutation(ctx, actor, ActionRevoke, EntityAssignment, revoked.ID)
	return revoked, nil
}

// AssignPermissionToRole grants permission to role. Re-granting an active pair is a conflict.
func (e *Engine) AssignPermissionToRole(ctx context.Context, actor, roleID, permissionID int64) (RolePermissionGrant, error) {
	if roleID <= 0 || permissionID <= 0 {
		return RolePermissionGrant{}, errInvalid("role_id and permission_id are required")
	}
	var created RolePermissionGrant
	err := e.mutate(ctx, actor, func(tx Store, now time.Time) (AuditEntry, error) {
		if _, err := tx.Roles().Find(ctx, roleID); err != nil {
			return AuditEntry{}, err
		}
		if _, err := tx.Permissions().Find(ctx, permissionID); err != nil {
			return AuditEntry{}, err
		}
		var err error
		created, err = tx.Permissions().Grant(ctx, RolePermissionGrant{
			RoleID:       roleID,
			PermissionID: permissionID,
			GrantedBy:    actor,
			GrantedAt:    now,
			IsActive:     true,
		})
		if err != nil {
			return AuditEntry{}, err
		}
		return newAuditEntry(ActionGrant, EntityGrant, created.ID, nil, created)
	})
	if err != nil {
		return RolePermissionGrant{}, err
	}
	e.invalidateRole(ctx, roleID)
	e.logMutation(ctx, actor, ActionGrant, EntityGrant, created.ID)
	return created, nil
}

// RemovePermissionFromRole revokes the active grant. The row is kept.
func (e *Engine) RemovePermissionFromRole(ctx context.Context, actor, roleID, permissionID int64) (RolePermissionGrant, error) {
	if roleID <= 0 || permissionID <= 0 {
		return RolePermissionGrant{}, errInvalid("role_id and permission_id are required")
	}
	var revoked RolePermissionGrant
	err := e.mutate(ctx, actor, func(tx Store, now time.Time) (AuditEntry, error) {
		current, err := tx.Permissions().ActiveGrant(ctx, roleID, permissionID)
		if err != nil {
			return AuditEntry{}, err
		}
		revoked, err = tx.Permissions().RevokeGrant(ctx, current.ID, now)
		if err != nil {
			return AuditEntry{}, err
		}
		return newAuditEntry(ActionRevoke, EntityGrant, revoked.ID, current, revoked)
	})
	if err != nil {
		return RolePermissionGrant{}, err
	}
	e.invalidateRole(ctx, roleID)
	e.logMutation(ctx, actor, ActionRevoke, EntityGrant, revoked.ID)
	return revoked, nil
}

// SetFeatureAccess moves the role's access to a module to level. Changing
// the level revokes the active edge and inserts a fresh one. Setting the
// current level again is a conflict. AccessNone only revokes, and fails
// with a conflict when nothing is active.
func (e *Engine) SetFeatureAccess(ctx context.Context, actor, roleID, moduleID int64, level AccessLevel) (RoleFeatureAccess, error) {
	if roleID <= 0 || moduleID <= 0 {
		return RoleFeatureAccess{}, errInvalid("role_id and module_id are required")
	}
	level, ok := ParseAccessLevel(string(level))
	if !ok {
		return RoleFeatureAccess{}, errInvalid("access_level must be one of none, read, write, admin")
	}
	var result RoleFeatureAccess
	err := e.mutate(ctx, actor, func(tx Store, now time.Time) (AuditEntry, error) {
		if _, err := tx.Roles().Find(ctx, roleID); err != nil {
			return AuditEntry{}, err
		}
		module, err := tx.Features().FindModule(ctx, moduleID)
		if err != nil {
			return AuditEntry{}, err
		}
		current, err := tx.Features().ActiveAccess(ctx, roleID, moduleID)
		hasCurrent := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return AuditEntry{}, err
		}
		if hasCurrent && current.AccessLevel == level {
			return AuditEntry{}, conflict(EntityFeatureAccess, "role %d module %d level %s", roleID, moduleID, level)
		}
		if !hasCurrent && level == AccessNone {
			return AuditEntry{}, conflict(EntityFeatureAccess, "role %d module %d level %s", roleID, moduleID, level)
		}

		var before any
		if hasCurrent {
			before = current
			result, err = tx.Features().RevokeAccess(ctx, current.ID, now)
			if err != nil {
				return AuditEntry{}, err
			}
		}
		if level != AccessNone {
			result, err = tx.Features().GrantAccess(ctx, RoleFeatureAccess{
				RoleID:      roleID,
				ModuleID:    moduleID,
				ModuleName:  module.Name,
				AccessLevel: level,
				GrantedBy:   actor,
				GrantedAt:   now,
				IsActive:    true,
			})
			if err != nil {
				return AuditEntry{}, err
			}
		}
		result.ModuleName = module.Name
		return newAuditEntry(ActionSetAccess, EntityFeatureAccess, result.ID, before, result)
	})
	if err != nil {
		return RoleFeatureAccess{}, err
	}
	e.invalidateRole(ctx, roleID)
	e.logMutation(ctx, actor, ActionSetAccess, EntityFeatureAccess, result.ID)
	return result, nil
}

func (e *Engine) logMutation(ctx context.Context, actor int64, action, entity string, id int64) {
	fields := map[string]any{"performed_by": actor, "action": action, "entity_type": entity, "entity_id": id}
	if rid := audit.RequestIDFromContext(ctx); rid != "" {
		fields["request_id"] = rid
	}
	obs.Info("rbac_mutation", fields)
}

func newAuditEntry(action, entity string, id int64, before, after any) (AuditEntry, error) {
	entry := AuditEntry{Action: action, EntityType: entity, EntityID: id}
	var err error
	if before != nil {
		if entry.Before, err = json.Marshal(before); err != nil {
			return AuditEntry{}, fmt.Errorf("encode audit before: %w", err)
		}
	}
	if after != nil {
		if entry.After, err = json.Marshal(after); err != nil {
			return AuditEntry{}, fmt.Errorf("encode audit after: %w", err)
		}
	}
	return entry, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
