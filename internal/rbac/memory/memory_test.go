package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"medgate.org/internal/rbac"
)

func TestGrantActiveUniquenessUnderConcurrency(t *testing.T) {
	s := New()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Permissions().Grant(ctx, rbac.RolePermissionGrant{RoleID: 4, PermissionID: 101, GrantedBy: 1, GrantedAt: time.Now()})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, rbac.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || conflicts != workers-1 {
		t.Fatalf("expected exactly one grant, got %d ok and %d conflicts", succeeded, conflicts)
	}
}

func TestRevokedGrantAllowsFreshRow(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.Permissions().Grant(ctx, rbac.RolePermissionGrant{RoleID: 4, PermissionID: 101})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if _, err := s.Permissions().RevokeGrant(ctx, first.ID, time.Now()); err != nil {
		t.Fatalf("RevokeGrant: %v", err)
	}
	second, err := s.Permissions().Grant(ctx, rbac.RolePermissionGrant{RoleID: 4, PermissionID: 101})
	if err != nil {
		t.Fatalf("re-Grant: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a fresh row, got id %d twice", first.ID)
	}
	rows := s.Grants()
	if len(rows) != 2 || rows[0].IsActive || rows[0].RevokedAt == nil || !rows[1].IsActive {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx rbac.Store) error {
		if _, err := tx.Permissions().Grant(ctx, rbac.RolePermissionGrant{RoleID: 4, PermissionID: 101}); err != nil {
			return err
		}
		if _, err := tx.Audit().Append(ctx, rbac.AuditEntry{Action: rbac.ActionGrant}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(s.Grants()) != 0 || len(s.AuditEntries()) != 0 {
		t.Fatalf("transaction leaked writes: grants=%v audit=%v", s.Grants(), s.AuditEntries())
	}
}

func TestActiveRolesAppliesLazyExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.PutRole(rbac.Role{ID: 4, Name: "doctor", IsActive: true})
	s.PutRole(rbac.Role{ID: 5, Name: "nurse", IsActive: true})
	s.PutRole(rbac.Role{ID: 6, Name: "retired", IsActive: false})

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	for _, a := range []rbac.UserRoleAssignment{
		{UserID: 7, RoleID: 4, ExpiresAt: &future},
		{UserID: 7, RoleID: 5, ExpiresAt: &past},
		{UserID: 7, RoleID: 6},
	} {
		if _, err := s.Assignments().Assign(ctx, a); err != nil {
			t.Fatalf("Assign: %v", err)
		}
	}

	roles, err := s.Assignments().ActiveRoles(ctx, 7, now)
	if err != nil {
		t.Fatalf("ActiveRoles: %v", err)
	}
	if len(roles) != 1 || roles[0].ID != 4 {
		t.Fatalf("expected only the doctor role, got %+v", roles)
	}

	holders, err := s.Assignments().UserIDsForRole(ctx, 6, now)
	if err != nil {
		t.Fatalf("UserIDsForRole: %v", err)
	}
	if len(holders) != 1 || holders[0] != 7 {
		t.Fatalf("inactive role holders must still be listed, got %v", holders)
	}
	expired, _ := s.Assignments().UserIDsForRole(ctx, 5, now)
	if len(expired) != 0 {
		t.Fatalf("expired holders must not be listed, got %v", expired)
	}
}

func TestRoleNameUnique(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Roles().Create(ctx, rbac.Role{Name: "auditor", IsActive: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := s.Roles().Create(ctx, rbac.Role{Name: "auditor", IsActive: true})
	var ce *rbac.ConflictError
	if !errors.As(err, &ce) || ce.Entity != rbac.EntityRole {
		t.Fatalf("expected role ConflictError, got %v", err)
	}
}

func TestSeedClinic(t *testing.T) {
	s := New()
	SeedClinic(s)
	ctx := context.Background()

	roles, err := s.Assignments().ActiveRoles(ctx, 1, time.Now())
	if err != nil || len(roles) != 1 || roles[0].Name != "super_admin" {
		t.Fatalf("expected bootstrap admin, got %+v err=%v", roles, err)
	}
	perms, err := s.Permissions().ForRole(ctx, RoleSuperAdmin)
	if err != nil || len(perms) != len(rbac.BuiltinPermissions) {
		t.Fatalf("expected every builtin permission on super_admin, got %d err=%v", len(perms), err)
	}
	created, err := s.Roles().Create(ctx, rbac.Role{Name: "auditor"})
	if err != nil || created.ID <= RolePatient {
		t.Fatalf("new role must not reuse seeded ids, got %+v err=%v", created, err)
	}
}
