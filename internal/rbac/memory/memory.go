// Package memory is an in-process rbac.Store. It enforces the same
// uniqueness rules as the Postgres schema and runs transactions against a
// copy of the state that replaces the original on success.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"medgate.org/internal/rbac"
)

type Store struct {
	mu    sync.RWMutex
	state *state
}

var _ rbac.Store = (*Store)(nil)

func New() *Store {
	return &Store{state: newState()}
}

type state struct {
	seq         map[string]int64
	users       map[int64]rbac.User
	roles       map[int64]rbac.Role
	perms       map[int64]rbac.Permission
	modules     map[int64]rbac.FeatureModule
	grants      []rbac.RolePermissionGrant
	access      []rbac.RoleFeatureAccess
	assignments []rbac.UserRoleAssignment
	care        []rbac.CareRelationship
	audit       []rbac.AuditEntry
}

func newState() *state {
	return &state{
		seq:     map[string]int64{},
		users:   map[int64]rbac.User{},
		roles:   map[int64]rbac.Role{},
		perms:   map[int64]rbac.Permission{},
		modules: map[int64]rbac.FeatureModule{},
	}
}

func (st *state) clone() *state {
	c := &state{
		seq:         make(map[string]int64, len(st.seq)),
		users:       make(map[int64]rbac.User, len(st.users)),
		roles:       make(map[int64]rbac.Role, len(st.roles)),
		perms:       make(map[int64]rbac.Permission, len(st.perms)),
		modules:     make(map[int64]rbac.FeatureModule, len(st.modules)),
		grants:      append([]rbac.RolePermissionGrant(nil), st.grants...),
		access:      append([]rbac.RoleFeatureAccess(nil), st.access...),
		assignments: append([]rbac.UserRoleAssignment(nil), st.assignments...),
		care:        append([]rbac.CareRelationship(nil), st.care...),
		audit:       append([]rbac.AuditEntry(nil), st.audit...),
	}
	for k, v := range st.seq {
		c.seq[k] = v
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.roles {
		c.roles[k] = v
	}
	for k, v := range st.perms {
		c.perms[k] = v
	}
	for k, v := range st.modules {
		c.modules[k] = v
	}
	return c
}

// next returns the next id for table, never reusing one handed out or seeded.
func (st *state) next(table string) int64 {
	st.seq[table]++
	return st.seq[table]
}

func (st *state) bump(table string, id int64) {
	if id > st.seq[table] {
		st.seq[table] = id
	}
}

// view is the Store seen either directly or from inside a transaction.
// Inside a transaction tx holds the working copy and the write lock is held.
type view struct {
	s  *Store
	tx *state
}

func (s *Store) root() view { return view{s: s} }

func (v view) read(fn func(st *state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return fn(v.s.state)
}

func (v view) write(fn func(st *state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	work := v.s.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	v.s.state = work
	return nil
}

func (v view) withinTx(ctx context.Context, fn func(tx rbac.Store) error) error {
	if v.tx != nil {
		return fn(v)
	}
	return v.write(func(st *state) error {
		return fn(view{s: v.s, tx: st})
	})
}

func (s *Store) Roles() rbac.RoleRepository             { return roleRepo{s.root()} }
func (s *Store) Permissions() rbac.PermissionRepository { return permRepo{s.root()} }
func (s *Store) Features() rbac.FeatureRepository       { return featureRepo{s.root()} }
func (s *Store) Assignments() rbac.AssignmentRepository { return assignmentRepo{s.root()} }
func (s *Store) Users() rbac.UserRepository             { return userRepo{s.root()} }
func (s *Store) Care() rbac.CareRepository              { return careRepo{s.root()} }
func (s *Store) Audit() rbac.AuditRepository            { return auditRepo{s.root()} }

func (s *Store) WithinTx(ctx context.Context, fn func(tx rbac.Store) error) error {
	return s.root().withinTx(ctx, fn)
}

func (v view) Roles() rbac.RoleRepository             { return roleRepo{v} }
func (v view) Permissions() rbac.PermissionRepository { return permRepo{v} }
func (v view) Features() rbac.FeatureRepository       { return featureRepo{v} }
func (v view) Assignments() rbac.AssignmentRepository { return assignmentRepo{v} }
func (v view) Users() rbac.UserRepository             { return userRepo{v} }
func (v view) Care() rbac.CareRepository              { return careRepo{v} }
func (v view) Audit() rbac.AuditRepository            { return auditRepo{v} }

func (v view) WithinTx(ctx context.Context, fn func(tx rbac.Store) error) error {
	return v.withinTx(ctx, fn)
}

func notFound(what string, id int64) error {
	return fmt.Errorf("%w: %s %d", rbac.ErrNotFound, what, id)
}

func sortedIDs[T any](m map[int64]T) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}
