package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"medgate.org/internal/ids"
	"medgate.org/internal/obs"
)

// DefaultChannel is the Redis channel invalidations travel on.
const DefaultChannel = "medgate:permcache:invalidate"

// Event is one invalidation. Users are already resolved by the publisher so
// receivers never need store access.
type Event struct {
	Origin string  `json:"origin"`
	RoleID int64   `json:"role_id,omitempty"`
	Users  []int64 `json:"users,omitempty"`
	Purge  bool    `json:"purge,omitempty"`
}

// RedisBus shares invalidations between processes over Redis pub/sub.
type RedisBus struct {
	client  *redis.Client
	channel string
	origin  string
}

// NewRedisBus wraps client. Each bus gets a unique origin so a process
// ignores its own messages.
func NewRedisBus(client *redis.Client, channel string) (*RedisBus, error) {
	if client == nil {
		return nil, errors.New("permcache: redis client is required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel, origin: ids.New()}, nil
}

// Connect parses a redis:// URL and checks the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	ev.Origin = b.origin
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscription is a confirmed subscription to the invalidation channel.
type Subscription struct {
	bus    *RedisBus
	pubsub *redis.PubSub
}

// Subscribe returns once Redis has confirmed the subscription, so no event
// published afterwards is missed.
func (b *RedisBus) Subscribe(ctx context.Context) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	return &Subscription{bus: b, pubsub: ps}, nil
}

// Run delivers foreign events to apply until ctx is done.
func (s *Subscription) Run(ctx context.Context, apply func(Event)) error {
	defer s.pubsub.Close()
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("permcache: subscription closed")
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				obs.Warn("permission cache event decode failed", map[string]any{"error": err})
				continue
			}
			if ev.Origin == s.bus.origin {
				continue
			}
			apply(ev)
		}
	}
}
