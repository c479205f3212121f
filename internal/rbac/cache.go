package rbac

import (
	"context"
	"time"
)

// Cache memoizes permission decisions keyed by (user, permission, resource).
//
// Ticket returns the user's current generation. Put must discard a value
// whose ticket is older than the latest invalidation of that user, so a load
// that raced an invalidation is never stored. A non-zero until bounds the
// entry: Get at or after it is a miss.
type Cache interface {
	Get(userID int64, permission, resource string, now time.Time) (allowed bool, ok bool)
	Ticket(userID int64) uint64
	Put(ticket uint64, userID int64, permission, resource string, allowed bool, until time.Time)
	InvalidateUser(ctx context.Context, userID int64)
	InvalidateRole(ctx context.Context, roleID int64)
}

type nopCache struct{}

func (nopCache) Get(int64, string, string, time.Time) (bool, bool) { return false, false }
func (nopCache) Ticket(int64) uint64 { return 0 }
func (nopCache) Put(uint64, int64, string, string, bool, time.Time) {}
func (nopCache) InvalidateUser(context.Context, int64) {}
func (nopCache) InvalidateRole(context.Context, int64) {}
