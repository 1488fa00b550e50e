// Package redis implements the cluster bus on Redis pub/sub and sets.
//
// Group membership is a Redis set per tenant holding process ids, with a
// TTL refreshed by every member; a crashed process's facts age out on
// their own. Calls and replies travel over pub/sub channels keyed by
// tenant and correlation id respectively.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/imagewire/pacsbridge/cluster"
)

// Key and channel prefixes.
const (
	groupKeyPrefix     = "pacsbridge:group:"
	callChannelPrefix  = "pacsbridge:calls:"
	replyChannelPrefix = "pacsbridge:replies:"
)

// DefaultMembershipTTL bounds how long a crashed process's membership
// facts survive.
const DefaultMembershipTTL = 30 * time.Second

// Config configures the Redis bus.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// ProcessID identifies this gateway process in membership sets (required).
	ProcessID string
	// MembershipTTL is the expiry for membership facts (default 30s).
	MembershipTTL time.Duration
}

// Bus is a Redis-backed cluster bus.
type Bus struct {
	config Config
	client *goredis.Client

	mu     sync.Mutex
	joined map[string]struct{}

	refreshDone chan struct{}
	closeOnce   sync.Once
}

// New creates a Redis bus from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Bus, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis bus requires a URL")
	}
	if cfg.ProcessID == "" {
		return nil, errors.New("redis bus requires a process id")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis bus: invalid URL: %w", err)
	}

	if cfg.MembershipTTL <= 0 {
		cfg.MembershipTTL = DefaultMembershipTTL
	}

	b := &Bus{
		config:      cfg,
		client:      goredis.NewClient(opts),
		joined:      make(map[string]struct{}),
		refreshDone: make(chan struct{}),
	}
	go b.refreshLoop()
	return b, nil
}

// Join adds this process to the tenant's group set and arms the TTL.
func (b *Bus) Join(ctx context.Context, tenant string) error {
	key := groupKeyPrefix + tenant
	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, key, b.config.ProcessID)
	pipe.Expire(ctx, key, b.config.MembershipTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis bus: join %s: %w", tenant, err)
	}

	b.mu.Lock()
	b.joined[tenant] = struct{}{}
	b.mu.Unlock()
	return nil
}

// Leave removes this process from the tenant's group set. Redis deletes
// the set once its last member is removed, clearing the cluster-wide fact.
func (b *Bus) Leave(ctx context.Context, tenant string) error {
	b.mu.Lock()
	delete(b.joined, tenant)
	b.mu.Unlock()

	if err := b.client.SRem(ctx, groupKeyPrefix+tenant, b.config.ProcessID).Err(); err != nil {
		return fmt.Errorf("redis bus: leave %s: %w", tenant, err)
	}
	return nil
}

// IsLiveAnywhere reports whether the tenant's group set has any member.
func (b *Bus) IsLiveAnywhere(ctx context.Context, tenant string) (bool, error) {
	n, err := b.client.Exists(ctx, groupKeyPrefix+tenant).Result()
	if err != nil {
		return false, fmt.Errorf("redis bus: membership query %s: %w", tenant, err)
	}
	return n > 0, nil
}

// SubscribeCalls subscribes to the tenant's call channel and delivers
// payloads to the handler until cancel is called.
func (b *Bus) SubscribeCalls(ctx context.Context, tenant string, handler cluster.CallHandler) (func(), error) {
	sub := b.client.Subscribe(ctx, callChannelPrefix+tenant)
	// Force the subscription to be established before returning, so a
	// broadcast immediately after Register is not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis bus: subscribe calls %s: %w", tenant, err)
	}

	go func() {
		for msg := range sub.Channel() {
			handler(tenant, []byte(msg.Payload))
		}
	}()

	return func() { _ = sub.Close() }, nil
}

// BroadcastCall publishes the payload to the tenant's call channel.
func (b *Bus) BroadcastCall(ctx context.Context, tenant string, payload []byte) error {
	if err := b.client.Publish(ctx, callChannelPrefix+tenant, payload).Err(); err != nil {
		return fmt.Errorf("redis bus: broadcast %s: %w", tenant, err)
	}
	return nil
}

// SubscribeReplies subscribes to the correlation id's reply channel.
func (b *Bus) SubscribeReplies(ctx context.Context, correlationID string) (<-chan []byte, func(), error) {
	sub := b.client.Subscribe(ctx, replyChannelPrefix+correlationID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis bus: subscribe replies %s: %w", correlationID, err)
	}

	// Buffered so duplicate replies never block the forwarder.
	ch := make(chan []byte, 4)
	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			select {
			case ch <- []byte(msg.Payload):
			default:
			}
		}
	}()

	return ch, func() { _ = sub.Close() }, nil
}

// PublishReply publishes the payload to the correlation id's reply channel.
func (b *Bus) PublishReply(ctx context.Context, correlationID string, payload []byte) error {
	if err := b.client.Publish(ctx, replyChannelPrefix+correlationID, payload).Err(); err != nil {
		return fmt.Errorf("redis bus: publish reply %s: %w", correlationID, err)
	}
	return nil
}

// refreshLoop re-arms membership TTLs for every joined tenant. Runs at a
// third of the TTL so a single missed tick never expires a live fact.
func (b *Bus) refreshLoop() {
	ticker := time.NewTicker(b.config.MembershipTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-b.refreshDone:
			return
		case <-ticker.C:
			b.mu.Lock()
			tenants := make([]string, 0, len(b.joined))
			for tenant := range b.joined {
				tenants = append(tenants, tenant)
			}
			b.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), b.config.MembershipTTL/3)
			for _, tenant := range tenants {
				key := groupKeyPrefix + tenant
				pipe := b.client.TxPipeline()
				// Re-add as well as re-expire: heals a fact that aged
				// out during a Redis hiccup.
				pipe.SAdd(ctx, key, b.config.ProcessID)
				pipe.Expire(ctx, key, b.config.MembershipTTL)
				_, _ = pipe.Exec(ctx)
			}
			cancel()
		}
	}
}

// Close stops the refresh loop and releases the client.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.refreshDone) })
	return b.client.Close()
}

// Verify Bus implements the cluster bus contract.
var _ cluster.Bus = (*Bus)(nil)
