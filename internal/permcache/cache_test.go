package permcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type holderMap map[int64][]int64

func (h holderMap) resolve(_ context.Context, roleID int64) ([]int64, error) {
	return h[roleID], nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []Event
}

func (b *recordingBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func newTestCache(t *testing.T, holders RoleHolders, bus Publisher) *Cache {
	t.Helper()
	c, err := New(Options{Size: 128, TTL: time.Minute, Holders: holders, Bus: bus})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestPutGet(t *testing.T) {
	c := newTestCache(t, holderMap{}.resolve, nil)
	if _, ok := c.Get(7, "patients.read", "", time.Now()); ok {
		t.Fatalf("expected miss on empty cache")
	}
	c.Put(c.Ticket(7), 7, "patients.read", "", true, time.Time{})
	allowed, ok := c.Get(7, "patients.read", "", time.Now())
	if !ok || !allowed {
		t.Fatalf("expected cached allow, got allowed=%v ok=%v", allowed, ok)
	}
	if _, ok := c.Get(7, "patients.read", "clinic-2", time.Now()); ok {
		t.Fatalf("resource is part of the key")
	}
}

func TestInvalidateUserHidesEntriesAndRejectsStalePut(t *testing.T) {
	bus := &recordingBus{}
	c := newTestCache(t, holderMap{}.resolve, bus)

	c.Put(c.Ticket(7), 7, "patients.read", "", true, time.Time{})
	c.Put(c.Ticket(8), 8, "patients.read", "", true, time.Time{})
	stale := c.Ticket(7)

	c.InvalidateUser(context.Background(), 7)

	if _, ok := c.Get(7, "patients.read", "", time.Now()); ok {
		t.Fatalf("expected invalidated entry to be unreadable")
	}
	if _, ok := c.Get(8, "patients.read", "", time.Now()); !ok {
		t.Fatalf("other users must be unaffected")
	}
	c.Put(stale, 7, "patients.read", "", true, time.Time{})
	if _, ok := c.Get(7, "patients.read", "", time.Now()); ok {
		t.Fatalf("put with a pre-invalidation ticket must be discarded")
	}
	c.Put(c.Ticket(7), 7, "patients.read", "", false, time.Time{})
	if allowed, ok := c.Get(7, "patients.read", "", time.Now()); !ok || allowed {
		t.Fatalf("fresh put must be stored, got allowed=%v ok=%v", allowed, ok)
	}
	if len(bus.events) != 1 || len(bus.events[0].Users) != 1 || bus.events[0].Users[0] != 7 {
		t.Fatalf("expected one published user event, got %+v", bus.events)
	}
}

func TestInvalidateRoleFansOutToHolders(t *testing.T) {
	bus := &recordingBus{}
	c := newTestCache(t, holderMap{4: {7, 9}}.resolve, bus)
	for _, u := range []int64{7, 8, 9} {
		c.Put(c.Ticket(u), u, "patients.clinical_read", "", true, time.Time{})
	}

	c.InvalidateRole(context.Background(), 4)

	if _, ok := c.Get(7, "patients.clinical_read", "", time.Now()); ok {
		t.Fatalf("holder 7 must be invalidated")
	}
	if _, ok := c.Get(9, "patients.clinical_read", "", time.Now()); ok {
		t.Fatalf("holder 9 must be invalidated")
	}
	if _, ok := c.Get(8, "patients.clinical_read", "", time.Now()); !ok {
		t.Fatalf("non-holder 8 must be kept")
	}
	if len(bus.events) != 1 || bus.events[0].RoleID != 4 || len(bus.events[0].Users) != 2 {
		t.Fatalf("unexpected published events %+v", bus.events)
	}
}

func TestInvalidateRolePurgesWhenHoldersUnknown(t *testing.T) {
	bus := &recordingBus{}
	failing := func(context.Context, int64) ([]int64, error) { return nil, errors.New("db down") }
	c := newTestCache(t, failing, bus)
	stale := c.Ticket(8)
	c.Put(stale, 8, "billing.read", "", true, time.Time{})

	c.InvalidateRole(context.Background(), 4)

	if _, ok := c.Get(8, "billing.read", "", time.Now()); ok {
		t.Fatalf("purge must drop every entry")
	}
	c.Put(stale, 8, "billing.read", "", true, time.Time{})
	if _, ok := c.Get(8, "billing.read", "", time.Now()); ok {
		t.Fatalf("put with a pre-purge ticket must be discarded")
	}
	if len(bus.events) != 1 || !bus.events[0].Purge {
		t.Fatalf("expected a published purge, got %+v", bus.events)
	}
}

func TestApplyDoesNotRepublish(t *testing.T) {
	bus := &recordingBus{}
	c := newTestCache(t, holderMap{}.resolve, bus)
	c.Put(c.Ticket(7), 7, "patients.read", "", true, time.Time{})

	c.Apply(Event{Users: []int64{7}})

	if _, ok := c.Get(7, "patients.read", "", time.Now()); ok {
		t.Fatalf("remote invalidation must apply locally")
	}
	if len(bus.events) != 0 {
		t.Fatalf("remote events must not be republished, got %+v", bus.events)
	}
}

func TestTTLBackstop(t *testing.T) {
	c, err := New(Options{Size: 8, TTL: 20 * time.Millisecond, Holders: holderMap{}.resolve})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Put(c.Ticket(7), 7, "patients.read", "", true, time.Time{})
	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get(7, "patients.read", "", time.Now()); ok {
		t.Fatalf("entry must expire after ttl")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{TTL: 0, Holders: holderMap{}.resolve}); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
	if _, err := New(Options{TTL: time.Second}); err == nil {
		t.Fatalf("expected error without holders resolver")
	}
}

func TestEntryBoundedByUntil(t *testing.T) {
	c := newTestCache(t, holderMap{}.resolve, nil)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.Put(c.Ticket(7), 7, "patients.read", "", true, now.Add(time.Minute))

	if _, ok := c.Get(7, "patients.read", "", now.Add(30*time.Second)); !ok {
		t.Fatalf("entry must be readable before its bound")
	}
	if _, ok := c.Get(7, "patients.read", "", now.Add(time.Minute)); ok {
		t.Fatalf("entry must not be readable at its bound")
	}
}

func TestInvalidationRecordsAreBoundedByTTL(t *testing.T) {
	c := newTestCache(t, holderMap{}.resolve, nil)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	stale := c.Ticket(7)
	for u := int64(1); u <= 100; u++ {
		c.InvalidateUser(ctx, u)
	}
	if len(c.gens) != 100 {
		t.Fatalf("expected 100 records, got %d", len(c.gens))
	}
	c.Put(c.Ticket(500), 500, "patients.read", "", true, time.Time{})

	clock = clock.Add(2 * time.Minute)
	c.InvalidateUser(ctx, 1000)
	if len(c.gens) != 1 {
		t.Fatalf("expected old records to be dropped, %d left", len(c.gens))
	}

	c.Put(stale, 7, "patients.read", "", true, time.Time{})
	if _, ok := c.Get(7, "patients.read", "", time.Now()); ok {
		t.Fatalf("put with a ticket older than a dropped record must be discarded")
	}
	if _, ok := c.Get(500, "patients.read", "", time.Now()); !ok {
		t.Fatalf("entry written after the dropped records must stay readable")
	}
	c.Put(c.Ticket(7), 7, "patients.read", "", false, time.Time{})
	if allowed, ok := c.Get(7, "patients.read", "", time.Now()); !ok || allowed {
		t.Fatalf("fresh put must be stored, got allowed=%v ok=%v", allowed, ok)
	}
}
