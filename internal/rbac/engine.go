// Package rbac evaluates and mutates the role/permission/feature grant graph.
package rbac

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"medgate.org/internal/obs"
)

// Engine answers authorization questions against current grant state and
// applies audited mutations to it. Evaluation methods never return errors:
// any failure denies.
type Engine struct {
	store  Store
	cache  Cache
	policy Policy
	now    func() time.Time
	loads  singleflight.Group
}

type Option func(*Engine)

// WithCache memoizes decisions in c. Without it every check hits the store.
func WithCache(c Cache) Option {
	return func(e *Engine) {
		if c != nil {
			e.cache = c
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p.normalized() }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	e := &Engine{
		store:  store,
		cache:  nopCache{},
		policy: DefaultPolicy().normalized(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// snapshot is a user's effective grant state at one instant. until is the
// earliest assignment expiry among the held roles; decisions derived from the
// snapshot are not valid from then on.
type snapshot struct {
	roles []HeldRole
	perms map[int64][]Permission
	until time.Time
}

func (s snapshot) allows(permission, resource string) bool {
	for _, r := range s.roles {
		for _, p := range s.perms[r.ID] {
			if p.Name == permission && p.Matches(resource) {
				return true
			}
		}
	}
	return false
}

func (s snapshot) holds(role string) bool {
	for _, r := range s.roles {
		if r.Name == role {
			return true
		}
	}
	return false
}

// load reads the user's snapshot. Concurrent loads for the same user and
// cache generation share one store round trip; an invalidation moves the
// generation so later callers never join a load that predates it.
func (e *Engine) load(ctx context.Context, userID int64, ticket uint64) (snapshot, error) {
	key := strconv.FormatInt(userID, 10) + "/" + strconv.FormatUint(ticket, 10)
	v, err, _ := e.loads.Do(key, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		roles, err := e.store.Assignments().ActiveRoles(ctx, userID, e.now())
		if err != nil {
			return snapshot{}, err
		}
		snap := snapshot{roles: roles}
		for _, r := range roles {
			if r.ExpiresAt != nil && (snap.until.IsZero() || r.ExpiresAt.Before(snap.until)) {
				snap.until = *r.ExpiresAt
			}
		}
		if len(roles) == 0 {
			return snap, nil
		}
		snap.perms, err = e.store.Permissions().ForRoles(ctx, roleIDs(roles))
		if err != nil {
			return snapshot{}, err
		}
		return snap, nil
	})
	if err != nil {
		return snapshot{}, err
	}
	return v.(snapshot), nil
}

// HasPermission reports whether the user's live roles carry an active grant
// for permission. A grant without a resource qualifier matches any resource.
// Unknown users and permissions are denied.
func (e *Engine) HasPermission(ctx context.Context, userID int64, permission, resource string) bool {
	permission = normalizeName(permission)
	resource = strings.TrimSpace(resource)
	if userID <= 0 || permission == "" {
		return false
	}
	if allowed, ok := e.cache.Get(userID, permission, resource, e.now()); ok {
		return allowed
	}
	ticket := e.cache.Ticket(userID)
	snap, err := e.load(ctx, userID, ticket)
	if err != nil {
		obs.Warn("permission check failed", map[string]any{"user_id": userID, "permission": permission, "error": err})
		return false
	}
	allowed := snap.allows(permission, resource)
	e.cache.Put(ticket, userID, permission, resource, allowed, snap.until)
	return allowed
}

// HasAnyRole reports whether the user holds any of roles through a live assignment.
func (e *Engine) HasAnyRole(ctx context.Context, userID int64, roles ...string) bool {
	names := normalizeNames(roles)
	if userID <= 0 || len(names) == 0 {
		return false
	}
	var pending []string
	for _, name := range names {
		held, ok := e.cache.Get(userID, roleKey(name), "", e.now())
		if !ok {
			pending = append(pending, name)
			continue
		}
		if held {
			return true
		}
	}
	if len(pending) == 0 {
		return false
	}
	ticket := e.cache.Ticket(userID)
	snap, err := e.load(ctx, userID, ticket)
	if err != nil {
		obs.Warn("role check failed", map[string]any{"user_id": userID, "error": err})
		return false
	}
	found := false
	for _, name := range pending {
		held := snap.holds(name)
		e.cache.Put(ticket, userID, roleKey(name), "", held, snap.until)
		found = found || held
	}
	return found
}

// GetUserRoles returns the user's live roles with their granted permission names.
// It reads the store directly and is meant for login and refresh, not per-request checks.
func (e *Engine) GetUserRoles(ctx context.Context, userID int64) ([]RoleWithPermissions, error) {
	if userID <= 0 {
		return nil, errInvalid("user_id is required")
	}
	snap, err := e.load(ctx, userID, e.cache.Ticket(userID))
	if err != nil {
		return nil, err
	}
	out := make([]RoleWithPermissions, 0, len(snap.roles))
	for _, r := range snap.roles {
		names := make([]string, 0, len(snap.perms[r.ID]))
		for _, p := range snap.perms[r.ID] {
			names = append(names, p.Name)
		}
		sort.Strings(names)
		out = append(out, RoleWithPermissions{HeldRole: r, Permissions: names})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UserPermissions returns the user's effective permission set as sorted names.
func (e *Engine) UserPermissions(ctx context.Context, userID int64) ([]string, error) {
	roles, err := e.GetUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	out := []string{}
	for _, r := range roles {
		for _, p := range r.Permissions {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// UserFeatureAccess returns the highest access level per module across the user's live roles.
func (e *Engine) UserFeatureAccess(ctx context.Context, userID int64) (map[string]AccessLevel, error) {
	if userID <= 0 {
		return nil, errInvalid("user_id is required")
	}
	roles, err := e.store.Assignments().ActiveRoles(ctx, userID, e.now())
	if err != nil {
		return nil, err
	}
	out := map[string]AccessLevel{}
	if len(roles) == 0 {
		return out, nil
	}
	grants, err := e.store.Features().ForRoles(ctx, roleIDs(roles))
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		if g.AccessLevel.rank() > out[g.ModuleName].rank() {
			out[g.ModuleName] = g.AccessLevel
		}
	}
	return out, nil
}

// LookupUser returns the user if it exists and is active.
func (e *Engine) LookupUser(ctx context.Context, userID int64) (User, bool, error) {
	if userID <= 0 {
		return User{}, false, nil
	}
	u, err := e.store.Users().Find(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	if !u.IsActive {
		return User{}, false, nil
	}
	return u, true, nil
}

func roleKey(name string) string {
	return "@role/" + name
}

func roleIDs(roles []HeldRole) []int64 {
	ids := make([]int64, len(roles))
	for i, r := range roles {
		ids[i] = r.ID
	}
	return ids
}
