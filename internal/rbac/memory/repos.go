package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"medgate.org/internal/rbac"
)

type roleRepo struct{ v view }

func (r roleRepo) Create(_ context.Context, role rbac.Role) (rbac.Role, error) {
	err := r.v.write(func(st *state) error {
		for _, existing := range st.roles {
			if existing.Name == role.Name {
				return &rbac.ConflictError{Entity: rbac.EntityRole, Key: role.Name}
			}
		}
		role.ID = st.next("roles")
		st.roles[role.ID] = role
		return nil
	})
	return role, err
}

func (r roleRepo) Find(_ context.Context, id int64) (rbac.Role, error) {
	var out rbac.Role
	err := r.v.read(func(st *state) error {
		role, ok := st.roles[id]
		if !ok {
			return notFound("role", id)
		}
		out = role
		return nil
	})
	return out, err
}

func (r roleRepo) List(_ context.Context) ([]rbac.Role, error) {
	var out []rbac.Role
	err := r.v.read(func(st *state) error {
		for _, id := range sortedIDs(st.roles) {
			out = append(out, st.roles[id])
		}
		return nil
	})
	return out, err
}

func (r roleRepo) SetActive(_ context.Context, id int64, active bool, at time.Time) (rbac.Role, error) {
	var out rbac.Role
	err := r.v.write(func(st *state) error {
		role, ok := st.roles[id]
		if !ok {
			return notFound("role", id)
		}
		role.IsActive = active
		role.UpdatedAt = at
		st.roles[id] = role
		out = role
		return nil
	})
	return out, err
}

type permRepo struct{ v view }

func (r permRepo) Ensure(_ context.Context, perms []rbac.Permission) error {
	return r.v.write(func(st *state) error {
		byName := make(map[string]struct{}, len(st.perms))
		for _, p := range st.perms {
			byName[p.Name] = struct{}{}
		}
		for _, p := range perms {
			if _, ok := byName[p.Name]; ok {
				continue
			}
			if p.ID == 0 {
				p.ID = st.next("permissions")
			} else {
				st.bump("permissions", p.ID)
			}
			st.perms[p.ID] = p
			byName[p.Name] = struct{}{}
		}
		return nil
	})
}

func (r permRepo) Find(_ context.Context, id int64) (rbac.Permission, error) {
	var out rbac.Permission
	err := r.v.read(func(st *state) error {
		p, ok := st.perms[id]
		if !ok {
			return notFound("permission", id)
		}
		out = p
		return nil
	})
	return out, err
}

func (r permRepo) List(_ context.Context) ([]rbac.Permission, error) {
	var out []rbac.Permission
	err := r.v.read(func(st *state) error {
		for _, id := range sortedIDs(st.perms) {
			out = append(out, st.perms[id])
		}
		return nil
	})
	return out, err
}

func (r permRepo) ForRole(ctx context.Context, roleID int64) ([]rbac.Permission, error) {
	byRole, err := r.ForRoles(ctx, []int64{roleID})
	if err != nil {
		return nil, err
	}
	return byRole[roleID], nil
}

func (r permRepo) ForRoles(_ context.Context, roleIDs []int64) (map[int64][]rbac.Permission, error) {
	want := make(map[int64]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		want[id] = struct{}{}
	}
	out := map[int64][]rbac.Permission{}
	err := r.v.read(func(st *state) error {
		for _, g := range st.grants {
			if _, ok := want[g.RoleID]; !ok || !g.IsActive {
				continue
			}
			if p, ok := st.perms[g.PermissionID]; ok {
				out[g.RoleID] = append(out[g.RoleID], p)
			}
		}
		return nil
	})
	for _, perms := range out {
		sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	}
	return out, err
}

func (r permRepo) ActiveGrant(_ context.Context, roleID, permissionID int64) (rbac.RolePermissionGrant, error) {
	var out rbac.RolePermissionGrant
	err := r.v.read(func(st *state) error {
		for _, g := range st.grants {
			if g.RoleID == roleID && g.PermissionID == permissionID && g.IsActive {
				out = g
				return nil
			}
		}
		return notFound("grant for role", roleID)
	})
	return out, err
}

func (r permRepo) Grant(_ context.Context, g rbac.RolePermissionGrant) (rbac.RolePermissionGrant, error) {
	err := r.v.write(func(st *state) error {
		for _, existing := range st.grants {
			if existing.RoleID == g.RoleID && existing.PermissionID == g.PermissionID && existing.IsActive {
				return &rbac.ConflictError{Entity: rbac.EntityGrant, Key: grantKey(g.RoleID, g.PermissionID)}
			}
		}
		g.ID = st.next("grants")
		g.IsActive = true
		g.RevokedAt = nil
		st.grants = append(st.grants, g)
		return nil
	})
	return g, err
}

func (r permRepo) RevokeGrant(_ context.Context, grantID int64, at time.Time) (rbac.RolePermissionGrant, error) {
	var out rbac.RolePermissionGrant
	err := r.v.write(func(st *state) error {
		for i, g := range st.grants {
			if g.ID != grantID || !g.IsActive {
				continue
			}
			g.IsActive = false
			g.RevokedAt = timePtr(at)
			st.grants[i] = g
			out = g
			return nil
		}
		return notFound("active grant", grantID)
	})
	return out, err
}

type featureRepo struct{ v view }

func (r featureRepo) ListModules(_ context.Context) ([]rbac.FeatureModule, error) {
	var out []rbac.FeatureModule
	err := r.v.read(func(st *state) error {
		for _, id := range sortedIDs(st.modules) {
			out = append(out, st.modules[id])
		}
		return nil
	})
	return out, err
}

func (r featureRepo) FindModule(_ context.Context, id int64) (rbac.FeatureModule, error) {
	var out rbac.FeatureModule
	err := r.v.read(func(st *state) error {
		m, ok := st.modules[id]
		if !ok {
			return notFound("module", id)
		}
		out = m
		return nil
	})
	return out, err
}

func (r featureRepo) ForRole(ctx context.Context, roleID int64) ([]rbac.RoleFeatureAccess, error) {
	return r.ForRoles(ctx, []int64{roleID})
}

func (r featureRepo) ForRoles(_ context.Context, roleIDs []int64) ([]rbac.RoleFeatureAccess, error) {
	want := make(map[int64]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		want[id] = struct{}{}
	}
	var out []rbac.RoleFeatureAccess
	err := r.v.read(func(st *state) error {
		for _, a := range st.access {
			if _, ok := want[a.RoleID]; !ok || !a.IsActive {
				continue
			}
			a.ModuleName = st.modules[a.ModuleID].Name
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

func (r featureRepo) ActiveAccess(_ context.Context, roleID, moduleID int64) (rbac.RoleFeatureAccess, error) {
	var out rbac.RoleFeatureAccess
	err := r.v.read(func(st *state) error {
		for _, a := range st.access {
			if a.RoleID == roleID && a.ModuleID == moduleID && a.IsActive {
				a.ModuleName = st.modules[a.ModuleID].Name
				out = a
				return nil
			}
		}
		return notFound("feature access for role", roleID)
	})
	return out, err
}

func (r featureRepo) GrantAccess(_ context.Context, a rbac.RoleFeatureAccess) (rbac.RoleFeatureAccess, error) {
	err := r.v.write(func(st *state) error {
		for _, existing := range st.access {
			if existing.RoleID == a.RoleID && existing.ModuleID == a.ModuleID && existing.IsActive {
				return &rbac.ConflictError{Entity: rbac.EntityFeatureAccess, Key: grantKey(a.RoleID, a.ModuleID)}
			}
		}
		a.ID = st.next("feature_access")
		a.IsActive = true
		a.RevokedAt = nil
		st.access = append(st.access, a)
		return nil
	})
	return a, err
}

func (r featureRepo) RevokeAccess(_ context.Context, accessID int64, at time.Time) (rbac.RoleFeatureAccess, error) {
	var out rbac.RoleFeatureAccess
	err := r.v.write(func(st *state) error {
		for i, a := range st.access {
			if a.ID != accessID || !a.IsActive {
				continue
			}
			a.IsActive = false
			a.RevokedAt = timePtr(at)
			st.access[i] = a
			out = a
			return nil
		}
		return notFound("active feature access", accessID)
	})
	return out, err
}

type assignmentRepo struct{ v view }

func (r assignmentRepo) ActiveRoles(_ context.Context, userID int64, now time.Time) ([]rbac.HeldRole, error) {
	var out []rbac.HeldRole
	err := r.v.read(func(st *state) error {
		seen := map[int64]struct{}{}
		for _, a := range st.assignments {
			if a.UserID != userID || !a.LiveAt(now) {
				continue
			}
			role, ok := st.roles[a.RoleID]
			if !ok || !role.IsActive {
				continue
			}
			if _, dup := seen[role.ID]; dup {
				continue
			}
			seen[role.ID] = struct{}{}
			out = append(out, rbac.HeldRole{Role: role, ExpiresAt: a.ExpiresAt})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r assignmentRepo) Current(_ context.Context, userID, roleID int64) (rbac.UserRoleAssignment, error) {
	var out rbac.UserRoleAssignment
	err := r.v.read(func(st *state) error {
		for _, a := range st.assignments {
			if a.UserID == userID && a.RoleID == roleID && a.IsActive {
				out = a
				return nil
			}
		}
		return notFound("assignment for user", userID)
	})
	return out, err
}

func (r assignmentRepo) Assign(_ context.Context, a rbac.UserRoleAssignment) (rbac.UserRoleAssignment, error) {
	err := r.v.write(func(st *state) error {
		for _, existing := range st.assignments {
			if existing.UserID == a.UserID && existing.RoleID == a.RoleID && existing.IsActive {
				return &rbac.ConflictError{Entity: rbac.EntityAssignment, Key: grantKey(a.UserID, a.RoleID)}
			}
		}
		a.ID = st.next("assignments")
		a.IsActive = true
		a.RevokedAt = nil
		st.assignments = append(st.assignments, a)
		return nil
	})
	return a, err
}

func (r assignmentRepo) Revoke(_ context.Context, assignmentID int64, at time.Time) (rbac.UserRoleAssignment, error) {
	var out rbac.UserRoleAssignment
	err := r.v.write(func(st *state) error {
		for i, a := range st.assignments {
			if a.ID != assignmentID || !a.IsActive {
				continue
			}
			a.IsActive = false
			a.RevokedAt = timePtr(at)
			st.assignments[i] = a
			out = a
			return nil
		}
		return notFound("active assignment", assignmentID)
	})
	return out, err
}

func (r assignmentRepo) UserIDsForRole(_ context.Context, roleID int64, now time.Time) ([]int64, error) {
	var out []int64
	err := r.v.read(func(st *state) error {
		seen := map[int64]struct{}{}
		for _, a := range st.assignments {
			if a.RoleID != roleID || !a.LiveAt(now) {
				continue
			}
			if _, dup := seen[a.UserID]; dup {
				continue
			}
			seen[a.UserID] = struct{}{}
			out = append(out, a.UserID)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, err
}

type userRepo struct{ v view }

func (r userRepo) Find(_ context.Context, id int64) (rbac.User, error) {
	var out rbac.User
	err := r.v.read(func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return notFound("user", id)
		}
		out = u
		return nil
	})
	return out, err
}

type careRepo struct{ v view }

func (r careRepo) HasActiveRelationship(_ context.Context, clinicianID, patientID int64, now time.Time) (bool, error) {
	found := false
	err := r.v.read(func(st *state) error {
		for _, c := range st.care {
			if c.ClinicianID != clinicianID || c.PatientID != patientID || !c.IsActive {
				continue
			}
			if c.EndedAt != nil && !c.EndedAt.After(now) {
				continue
			}
			found = true
			return nil
		}
		return nil
	})
	return found, err
}

type auditRepo struct{ v view }

func (r auditRepo) Append(_ context.Context, e rbac.AuditEntry) (rbac.AuditEntry, error) {
	err := r.v.write(func(st *state) error {
		e.ID = st.next("audit")
		st.audit = append(st.audit, e)
		return nil
	})
	return e, err
}

func (r auditRepo) List(_ context.Context, f rbac.AuditFilter) ([]rbac.AuditEntry, error) {
	var out []rbac.AuditEntry
	err := r.v.read(func(st *state) error {
		for i := len(st.audit) - 1; i >= 0; i-- {
			e := st.audit[i]
			if f.EntityType != "" && e.EntityType != f.EntityType {
				continue
			}
			if f.EntityID != 0 && e.EntityID != f.EntityID {
				continue
			}
			out = append(out, e)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func grantKey(a, b int64) string {
	return fmt.Sprintf("%d/%d", a, b)
}
