package cluster

import (
	"context"
	"sync"
)

// LocalBus is an in-process Bus for single-node deployments and tests.
// Membership, broadcasts and replies never leave the process.
type LocalBus struct {
	mu        sync.Mutex
	closed    bool
	members   map[string]int
	callSubs  map[string]map[int]CallHandler
	replySubs map[string]map[int]chan []byte
	nextID    int
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		members:   make(map[string]int),
		callSubs:  make(map[string]map[int]CallHandler),
		replySubs: make(map[string]map[int]chan []byte),
	}
}

// Join records a membership fact for the tenant.
func (b *LocalBus) Join(_ context.Context, tenant string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[tenant]++
	return nil
}

// Leave clears one membership fact for the tenant.
func (b *LocalBus) Leave(_ context.Context, tenant string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.members[tenant] > 1 {
		b.members[tenant]--
	} else {
		delete(b.members, tenant)
	}
	return nil
}

// IsLiveAnywhere reports whether the tenant has a recorded membership.
func (b *LocalBus) IsLiveAnywhere(_ context.Context, tenant string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.members[tenant] > 0, nil
}

// SubscribeCalls registers a call handler for the tenant.
func (b *LocalBus) SubscribeCalls(_ context.Context, tenant string, handler CallHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.callSubs[tenant] == nil {
		b.callSubs[tenant] = make(map[int]CallHandler)
	}
	id := b.nextID
	b.nextID++
	b.callSubs[tenant][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.callSubs[tenant], id)
	}, nil
}

// BroadcastCall delivers the payload to all call subscribers for the tenant.
func (b *LocalBus) BroadcastCall(_ context.Context, tenant string, payload []byte) error {
	b.mu.Lock()
	handlers := make([]CallHandler, 0, len(b.callSubs[tenant]))
	for _, h := range b.callSubs[tenant] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		go h(tenant, payload)
	}
	return nil
}

// SubscribeReplies returns a channel receiving replies for the correlation id.
func (b *LocalBus) SubscribeReplies(_ context.Context, correlationID string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replySubs[correlationID] == nil {
		b.replySubs[correlationID] = make(map[int]chan []byte)
	}
	id := b.nextID
	b.nextID++
	// Buffered so duplicate replies never block the publisher.
	ch := make(chan []byte, 4)
	b.replySubs[correlationID][id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.replySubs[correlationID], id)
		if len(b.replySubs[correlationID]) == 0 {
			delete(b.replySubs, correlationID)
		}
	}, nil
}

// PublishReply delivers the payload to reply subscribers for the
// correlation id. Replies beyond a subscriber's buffer are dropped;
// the first reply is the only one consumed anyway.
func (b *LocalBus) PublishReply(_ context.Context, correlationID string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.replySubs[correlationID] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Close marks the bus closed.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Verify LocalBus implements the bus contract.
var _ Bus = (*LocalBus)(nil)
