package rbac

import (
	"encoding/json"
	"strings"
	"time"
)

// User is an externally owned identity. It is read-only here.
type User struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name,omitempty"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is a member of the closed vocabulary seeded at deploy time.
// An empty Resource matches any resource.
type Permission struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Module      string `json:"module"`
	Feature     string `json:"feature"`
	Action      string `json:"action"`
	Resource    string `json:"resource,omitempty"`
	Description string `json:"description,omitempty"`
	IsSystem    bool   `json:"is_system"`
}

// Matches reports whether the permission applies to resource.
func (p Permission) Matches(resource string) bool {
	return p.Resource == "" || p.Resource == resource
}

type FeatureModule struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	IsCore      bool   `json:"is_core"`
}

// RolePermissionGrant is an edge between a role and a permission.
// Rows are never deleted; revocation sets RevokedAt and clears IsActive.
type RolePermissionGrant struct {
	ID           int64      `json:"id"`
	RoleID       int64      `json:"role_id"`
	PermissionID int64      `json:"permission_id"`
	GrantedBy    int64      `json:"granted_by"`
	GrantedAt    time.Time  `json:"granted_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	IsActive     bool       `json:"is_active"`
}

type RoleFeatureAccess struct {
	ID          int64       `json:"id"`
	RoleID      int64       `json:"role_id"`
	ModuleID    int64       `json:"module_id"`
	ModuleName  string      `json:"module_name,omitempty"`
	AccessLevel AccessLevel `json:"access_level"`
	GrantedBy   int64       `json:"granted_by"`
	GrantedAt   time.Time   `json:"granted_at"`
	RevokedAt   *time.Time  `json:"revoked_at,omitempty"`
	IsActive    bool        `json:"is_active"`
}

// UserRoleAssignment binds a user to a role, optionally until ExpiresAt.
type UserRoleAssignment struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	RoleID     int64      `json:"role_id"`
	Context    string     `json:"context,omitempty"`
	AssignedBy int64      `json:"assigned_by"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	IsActive   bool       `json:"is_active"`
}

// LiveAt reports whether the assignment is in force at t. Expired
// assignments are inactive regardless of IsActive.
func (a UserRoleAssignment) LiveAt(t time.Time) bool {
	if !a.IsActive {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(t)
}

// AuditEntry is an immutable record of a grant graph mutation.
type AuditEntry struct {
	ID          int64           `json:"id"`
	PerformedBy int64           `json:"performed_by"`
	Action      string          `json:"action"`
	EntityType  string          `json:"entity_type"`
	EntityID    int64           `json:"entity_id"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

const (
	ActionCreate     = "create"
	ActionDeactivate = "deactivate"
	ActionAssign     = "assign"
	ActionGrant      = "grant"
	ActionRevoke     = "revoke"
	ActionSetAccess  = "set_access"
)

const (
	EntityRole          = "role"
	EntityGrant         = "role_permission_grant"
	EntityFeatureAccess = "role_feature_access"
	EntityAssignment    = "user_role_assignment"
)

// AuditFilter narrows audit listings. Zero values mean no constraint.
type AuditFilter struct {
	EntityType string
	EntityID   int64
	Limit      int
}

// CareRelationship links a clinician to a patient they are treating.
type CareRelationship struct {
	ID          int64      `json:"id"`
	ClinicianID int64      `json:"clinician_id"`
	PatientID   int64      `json:"patient_id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	IsActive    bool       `json:"is_active"`
}

// HeldRole is an active role held through a live assignment.
type HeldRole struct {
	Role
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RoleWithPermissions is a role the user currently holds plus its granted permission names.
type RoleWithPermissions struct {
	HeldRole
	Permissions []string `json:"permissions"`
}

// AccessLevel grades access to a feature module.
type AccessLevel string

const (
	AccessNone  AccessLevel = "none"
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
	AccessAdmin AccessLevel = "admin"
)

// ParseAccessLevel normalizes s into a known level.
func ParseAccessLevel(s string) (AccessLevel, bool) {
	switch lvl := AccessLevel(strings.ToLower(strings.TrimSpace(s))); lvl {
	case AccessNone, AccessRead, AccessWrite, AccessAdmin:
		return lvl, true
	}
	return "", false
}

func (l AccessLevel) rank() int {
	switch l {
	case AccessRead:
		return 1
	case AccessWrite:
		return 2
	case AccessAdmin:
		return 3
	}
	return 0
}

// AccessType is the kind of access requested on a patient record.
type AccessType string

const (
	AccessTypeRead  AccessType = "read"
	AccessTypeWrite AccessType = "write"
)

// ParseAccessType normalizes s into a known access type.
func ParseAccessType(s string) (AccessType, bool) {
	switch t := AccessType(strings.ToLower(strings.TrimSpace(s))); t {
	case AccessTypeRead, AccessTypeWrite:
		return t, true
	}
	return "", false
}
