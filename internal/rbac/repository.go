package rbac

import (
	"context"
	"time"
)

// Store groups the repositories the engine depends on. WithinTx runs fn
// against a transactional view; fn's error rolls everything back.
type Store interface {
	Roles() RoleRepository
	Permissions() PermissionRepository
	Features() FeatureRepository
	Assignments() AssignmentRepository
	Users() UserRepository
	Care() CareRepository
	Audit() AuditRepository
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

// RoleRepository manages roles. Create returns a *ConflictError on a duplicate name.
type RoleRepository interface {
	Create(ctx context.Context, role Role) (Role, error)
	Find(ctx context.Context, id int64) (Role, error)
	List(ctx context.Context) ([]Role, error)
	SetActive(ctx context.Context, id int64, active bool, at time.Time) (Role, error)
}

// PermissionRepository manages the permission catalogue and role grants.
// Grant must rely on a storage constraint to reject a second active grant
// for the same pair and report it as a *ConflictError.
type PermissionRepository interface {
	Ensure(ctx context.Context, perms []Permission) error
	Find(ctx context.Context, id int64) (Permission, error)
	List(ctx context.Context) ([]Permission, error)
	ForRole(ctx context.Context, roleID int64) ([]Permission, error)
	// ForRoles returns active grants keyed by role id.
	ForRoles(ctx context.Context, roleIDs []int64) (map[int64][]Permission, error)

	ActiveGrant(ctx context.Context, roleID, permissionID int64) (RolePermissionGrant, error)
	Grant(ctx context.Context, g RolePermissionGrant) (RolePermissionGrant, error)
	RevokeGrant(ctx context.Context, grantID int64, at time.Time) (RolePermissionGrant, error)
}

// FeatureRepository manages feature modules and role access levels.
type FeatureRepository interface {
	ListModules(ctx context.Context) ([]FeatureModule, error)
	FindModule(ctx context.Context, id int64) (FeatureModule, error)
	ForRole(ctx context.Context, roleID int64) ([]RoleFeatureAccess, error)
	ForRoles(ctx context.Context, roleIDs []int64) ([]RoleFeatureAccess, error)

	ActiveAccess(ctx context.Context, roleID, moduleID int64) (RoleFeatureAccess, error)
	GrantAccess(ctx context.Context, a RoleFeatureAccess) (RoleFeatureAccess, error)
	RevokeAccess(ctx context.Context, accessID int64, at time.Time) (RoleFeatureAccess, error)
}

// AssignmentRepository manages user role assignments. Reads that take now
// apply lazy expiry: assignments with ExpiresAt <= now are ignored.
type AssignmentRepository interface {
	// ActiveRoles returns active roles held through live assignments.
	ActiveRoles(ctx context.Context, userID int64, now time.Time) ([]HeldRole, error)
	// Current returns the assignment row still flagged active for the pair,
	// expired or not.
	Current(ctx context.Context, userID, roleID int64) (UserRoleAssignment, error)
	Assign(ctx context.Context, a UserRoleAssignment) (UserRoleAssignment, error)
	Revoke(ctx context.Context, assignmentID int64, at time.Time) (UserRoleAssignment, error)
	// UserIDsForRole returns users holding the role through live assignments,
	// whether or not the role itself is active.
	UserIDsForRole(ctx context.Context, roleID int64, now time.Time) ([]int64, error)
}

type UserRepository interface {
	Find(ctx context.Context, id int64) (User, error)
}

// CareRepository answers clinical ownership questions.
type CareRepository interface {
	HasActiveRelationship(ctx context.Context, clinicianID, patientID int64, now time.Time) (bool, error)
}

type AuditRepository interface {
	Append(ctx context.Context, e AuditEntry) (AuditEntry, error)
	List(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}
