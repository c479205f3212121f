package memory

import (
	"time"

	"medgate.org/internal/rbac"
)

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u rbac.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.users[u.ID] = u
}

// PutRole inserts or replaces a role with a caller-chosen id.
func (s *Store) PutRole(r rbac.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.roles[r.ID] = r
	s.state.bump("roles", r.ID)
}

func (s *Store) PutPermission(p rbac.Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.perms[p.ID] = p
	s.state.bump("permissions", p.ID)
}

func (s *Store) PutModule(m rbac.FeatureModule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.modules[m.ID] = m
	s.state.bump("modules", m.ID)
}

// AddCareRelationship records an active relationship between a clinician and a patient.
func (s *Store) AddCareRelationship(clinicianID, patientID int64, endedAt *time.Time) rbac.CareRelationship {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := rbac.CareRelationship{
		ID:          s.state.next("care"),
		ClinicianID: clinicianID,
		PatientID:   patientID,
		StartedAt:   time.Now().UTC(),
		EndedAt:     endedAt,
		IsActive:    true,
	}
	s.state.care = append(s.state.care, c)
	return c
}

// Grants returns every grant row, revoked ones included.
func (s *Store) Grants() []rbac.RolePermissionGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]rbac.RolePermissionGrant(nil), s.state.grants...)
}

// AssignmentRows returns every assignment row, revoked ones included.
func (s *Store) AssignmentRows() []rbac.UserRoleAssignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]rbac.UserRoleAssignment(nil), s.state.assignments...)
}

// AccessRows returns every feature access row, revoked ones included.
func (s *Store) AccessRows() []rbac.RoleFeatureAccess {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]rbac.RoleFeatureAccess(nil), s.state.access...)
}

// AuditEntries returns the audit log oldest first.
func (s *Store) AuditEntries() []rbac.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]rbac.AuditEntry(nil), s.state.audit...)
}

// Clinic role ids used by SeedClinic and the SQL seed.
const (
	RoleSuperAdmin   int64 = 1
	RoleAdmin        int64 = 2
	RoleReceptionist int64 = 3
	RoleDoctor       int64 = 4
	RoleNurse        int64 = 5
	RolePatient      int64 = 6
)

// SeedClinic loads the same roles, modules, permissions, feature access and bootstrap
// administrator (user 1) as the SQL seed so a store-less process is usable.
func SeedClinic(s *Store) {
	now := time.Now().UTC()
	roles := []rbac.Role{
		{ID: RoleSuperAdmin, Name: "super_admin", DisplayName: "Super administrator", IsSystem: true},
		{ID: RoleAdmin, Name: "admin", DisplayName: "Clinic administrator", IsSystem: true},
		{ID: RoleReceptionist, Name: "receptionist", DisplayName: "Receptionist", IsSystem: true},
		{ID: RoleDoctor, Name: "doctor", DisplayName: "Doctor", IsSystem: true},
		{ID: RoleNurse, Name: "nurse", DisplayName: "Nurse", IsSystem: true},
		{ID: RolePatient, Name: "patient", DisplayName: "Patient", IsSystem: true},
	}
	for _, r := range roles {
		r.IsActive = true
		r.CreatedAt, r.UpdatedAt = now, now
		s.PutRole(r)
	}
	for i, name := range []string{"dashboard", "patients", "appointments", "billing", "documents", "administration"} {
		s.PutModule(rbac.FeatureModule{ID: int64(i + 1), Name: name, IsCore: name == "dashboard"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	byName := map[string]int64{}
	for _, p := range rbac.BuiltinPermissions {
		p.ID = st.next("permissions")
		st.perms[p.ID] = p
		byName[p.Name] = p.ID
	}
	grant := func(roleID int64, names ...string) {
		for _, n := range names {
			st.grants = append(st.grants, rbac.RolePermissionGrant{
				ID: st.next("grants"), RoleID: roleID, PermissionID: byName[n], GrantedBy: 1, GrantedAt: now, IsActive: true,
			})
		}
	}
	all := make([]string, 0, len(rbac.BuiltinPermissions))
	for _, p := range rbac.BuiltinPermissions {
		all = append(all, p.Name)
	}
	grant(RoleSuperAdmin, all...)
	grant(RoleAdmin, rbac.PermRBACRead, rbac.PermRBACManage, rbac.PermPatientsRead, rbac.PermAppointmentsRead, rbac.PermBillingRead)
	grant(RoleReceptionist, rbac.PermPatientsRead, rbac.PermAppointmentsRead, rbac.PermAppointmentsWrite)
	grant(RoleDoctor, rbac.PermPatientsRead, rbac.PermPatientsClinicalRead, rbac.PermPatientsClinicalWrite, rbac.PermAppointmentsRead, rbac.PermDocumentsRead)
	grant(RoleNurse, rbac.PermPatientsRead, rbac.PermPatientsClinicalRead, rbac.PermAppointmentsRead)

	modules := map[string]int64{}
	for id, m := range st.modules {
		modules[m.Name] = id
	}
	access := func(roleID int64, module string, level rbac.AccessLevel) {
		st.access = append(st.access, rbac.RoleFeatureAccess{
			ID: st.next("feature_access"), RoleID: roleID, ModuleID: modules[module], ModuleName: module,
			AccessLevel: level, GrantedBy: 1, GrantedAt: now, IsActive: true,
		})
	}
	access(RoleAdmin, "administration", rbac.AccessAdmin)
	access(RoleAdmin, "patients", rbac.AccessRead)
	access(RoleReceptionist, "appointments", rbac.AccessWrite)
	access(RoleReceptionist, "patients", rbac.AccessRead)
	access(RoleDoctor, "patients", rbac.AccessWrite)
	access(RoleDoctor, "appointments", rbac.AccessRead)
	access(RoleDoctor, "documents", rbac.AccessRead)
	access(RoleNurse, "patients", rbac.AccessRead)
	access(RoleNurse, "appointments", rbac.AccessRead)

	st.users[1] = rbac.User{ID: 1, Email: "admin@medgate.local", Name: "Administrator", IsActive: true}
	st.assignments = append(st.assignments, rbac.UserRoleAssignment{
		ID: st.next("assignments"), UserID: 1, RoleID: RoleSuperAdmin, Context: "bootstrap", AssignedBy: 1, AssignedAt: now, IsActive: true,
	})
}
