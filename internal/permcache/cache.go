// Package permcache memoizes permission decisions.
//
// Entries are stamped with the invalidation sequence current when their
// lookup started. Invalidating a user records a newer sequence for that user,
// which makes every older entry for the user unreadable at once and rejects
// any in-flight Put that started before it. A bounded TTL caps how long a
// missed cross-process invalidation can be observed. Per-user records are
// folded into a global floor once they are older than the TTL, so memory
// follows the recent invalidation rate rather than the number of users.
package permcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"medgate.org/internal/obs"
)

const (
	DefaultSize = 10000
	DefaultTTL  = 30 * time.Second
)

// RoleHolders lists the users currently holding a role.
type RoleHolders func(ctx context.Context, roleID int64) ([]int64, error)

// Publisher fans invalidations out to other processes.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Options struct {
	Size    int
	TTL     time.Duration
	Holders RoleHolders
	Bus     Publisher
}

type key struct {
	user       int64
	permission string
	resource   string
}

type entry struct {
	allowed bool
	gen     uint64
	until   time.Time
}

type stamp struct {
	gen uint64
	at  time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	entries *expirable.LRU[key, entry]
	holders RoleHolders
	bus     Publisher

	mu      sync.Mutex
	gens    map[int64]stamp
	counter uint64
	floor   uint64
	ttl     time.Duration
	swept   time.Time
	now     func() time.Time
}

func New(opts Options) (*Cache, error) {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.TTL <= 0 {
		return nil, errors.New("permcache: ttl must be positive")
	}
	if opts.Holders == nil {
		return nil, errors.New("permcache: role holders resolver is required")
	}
	return &Cache{
		entries: expirable.NewLRU[key, entry](opts.Size, nil, opts.TTL),
		holders: opts.Holders,
		bus:     opts.Bus,
		gens:    map[int64]stamp{},
		ttl:     opts.TTL,
		now:     time.Now,
	}, nil
}

// generation is the oldest sequence whose entries are still valid for the user.
func (c *Cache) generation(userID int64) uint64 {
	if s, ok := c.gens[userID]; ok && s.gen > c.floor {
		return s.gen
	}
	return c.floor
}

// Get returns a stored decision still valid at now.
func (c *Cache) Get(userID int64, permission, resource string, now time.Time) (bool, bool) {
	k := key{userID, permission, resource}
	e, ok := c.entries.Get(k)
	if ok && !e.until.IsZero() && !now.Before(e.until) {
		c.entries.Remove(k)
		ok = false
	}
	if ok {
		c.mu.Lock()
		ok = e.gen >= c.generation(userID)
		c.mu.Unlock()
	}
	if !ok {
		obs.PermissionCache.WithLabelValues("miss").Inc()
		return false, false
	}
	obs.PermissionCache.WithLabelValues("hit").Inc()
	return e.allowed, true
}

// Ticket returns the current invalidation sequence. Take it before reading
// the store and hand it back to Put.
func (c *Cache) Ticket(int64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// Put stores a decision unless the user was invalidated after ticket was
// taken. A non-zero until is the instant the decision stops being valid.
func (c *Cache) Put(ticket uint64, userID int64, permission, resource string, allowed bool, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ticket < c.generation(userID) {
		obs.PermissionCache.WithLabelValues("stale_put").Inc()
		return
	}
	c.entries.Add(key{userID, permission, resource}, entry{allowed: allowed, gen: ticket, until: until})
}

// InvalidateUser drops every decision for the user here and, with a bus, everywhere.
func (c *Cache) InvalidateUser(ctx context.Context, userID int64) {
	c.invalidate(userID)
	obs.CacheInvalidations.WithLabelValues("user").Inc()
	c.publish(ctx, Event{Users: []int64{userID}})
}

// InvalidateRole drops decisions for every holder of the role. If the holders
// cannot be resolved the whole cache is purged instead.
func (c *Cache) InvalidateRole(ctx context.Context, roleID int64) {
	users, err := c.holders(ctx, roleID)
	if err != nil {
		obs.Warn("role holders lookup failed, purging permission cache", map[string]any{"role_id": roleID, "error": err})
		c.Purge(ctx)
		return
	}
	for _, u := range users {
		c.invalidate(u)
	}
	obs.CacheInvalidations.WithLabelValues("role").Inc()
	if len(users) > 0 {
		c.publish(ctx, Event{RoleID: roleID, Users: users})
	}
}

// Purge drops every decision.
func (c *Cache) Purge(ctx context.Context) {
	c.purge()
	obs.CacheInvalidations.WithLabelValues("purge").Inc()
	c.publish(ctx, Event{Purge: true})
}

// Apply handles an invalidation received from another process. It is never republished.
func (c *Cache) Apply(ev Event) {
	if ev.Purge {
		c.purge()
	} else {
		for _, u := range ev.Users {
			c.invalidate(u)
		}
	}
	obs.CacheInvalidations.WithLabelValues("remote").Inc()
}

// Len reports the number of stored entries, including unreadable ones not yet evicted.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) invalidate(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.counter++
	c.gens[userID] = stamp{gen: c.counter, at: now}
	if now.Sub(c.swept) >= c.ttl {
		c.sweep(now)
	}
}

// sweep drops user records older than the TTL. Every entry written before
// such a record has expired, and the floor keeps tickets taken before it
// from being accepted.
func (c *Cache) sweep(now time.Time) {
	for u, s := range c.gens {
		if now.Sub(s.at) < c.ttl {
			continue
		}
		if s.gen > c.floor {
			c.floor = s.gen
		}
		delete(c.gens, u)
	}
	c.swept = now
}

func (c *Cache) purge() {
	c.mu.Lock()
	c.counter++
	c.floor = c.counter
	c.gens = map[int64]stamp{}
	c.swept = c.now()
	c.mu.Unlock()
	c.entries.Purge()
}

func (c *Cache) publish(ctx context.Context, ev Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, ev); err != nil {
		obs.Warn("permission cache invalidation publish failed", map[string]any{"error": err, "purge": ev.Purge, "users": len(ev.Users)})
	}
}
