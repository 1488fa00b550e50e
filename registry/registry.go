package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/imagewire/pacsbridge/cluster"
	"github.com/imagewire/pacsbridge/log"
)

// Registry tracks which tenant tokens have a live connection attached to
// this process, and mirrors those facts into the cluster bus so any
// process can answer "is token X live somewhere". Connection handles
// never leave this process.
//
// State is owned by one Registry instance per gateway process; there are
// no package-level singletons.
type Registry struct {
	bus    cluster.Bus
	logger *log.Logger

	mu      sync.Mutex
	conns   map[string]Conn
	cancels map[string]func()

	// onCall receives fan-out calls for tenants this process holds.
	// Set once by the bridge before any worker connects.
	onCall cluster.CallHandler
}

// New creates a registry backed by the given cluster bus.
func New(bus cluster.Bus, logger *log.Logger) *Registry {
	return &Registry{
		bus:     bus,
		logger:  logger,
		conns:   make(map[string]Conn),
		cancels: make(map[string]func()),
	}
}

// SetCallHandler installs the handler for fan-out calls targeting
// tenants held by this process. Must be set before the first Register.
func (r *Registry) SetCallHandler(h cluster.CallHandler) {
	r.mu.Lock()
	r.onCall = h
	r.mu.Unlock()
}

// Register records a live connection for the token. Idempotent per
// token: a reconnect replaces and closes the prior handle.
func (r *Registry) Register(ctx context.Context, token, origin string, conn Conn) error {
	r.mu.Lock()
	prior := r.conns[token]
	priorCancel := r.cancels[token]
	r.conns[token] = conn
	handler := r.onCall
	r.mu.Unlock()

	if prior != nil {
		r.logger.Info("replacing connection for reconnecting tenant",
			zap.String("tenant", token))
		if priorCancel != nil {
			priorCancel()
		}
		_ = prior.Close()
	}

	if err := r.bus.Join(ctx, token); err != nil {
		r.dropConn(token, conn)
		return err
	}

	cancel, err := r.bus.SubscribeCalls(ctx, token, func(tenant string, payload []byte) {
		if handler != nil {
			handler(tenant, payload)
		}
	})
	if err != nil {
		_ = r.bus.Leave(ctx, token)
		r.dropConn(token, conn)
		return err
	}

	r.mu.Lock()
	r.cancels[token] = cancel
	r.mu.Unlock()

	r.logger.Info("websocket client connected",
		zap.String("tenant", token),
		zap.String("origin", origin))
	return nil
}

// Unregister removes the record for the token, but only if the stored
// handle is the given conn: a replaced connection racing its own
// disconnect must not clear its successor.
func (r *Registry) Unregister(ctx context.Context, token string, conn Conn, reason string) {
	r.mu.Lock()
	current, ok := r.conns[token]
	if !ok || current != conn {
		r.mu.Unlock()
		return
	}
	delete(r.conns, token)
	cancel := r.cancels[token]
	delete(r.cancels, token)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := r.bus.Leave(ctx, token); err != nil {
		r.logger.Warn("failed to clear membership fact",
			zap.String("tenant", token),
			zap.Error(err))
	}

	r.logger.Info("websocket client disconnected",
		zap.String("tenant", token),
		zap.String("reason", reason))
}

// dropConn removes the stored record if it still points at conn. A
// half-registered connection must not stay visible to Lookup.
func (r *Registry) dropConn(token string, conn Conn) {
	r.mu.Lock()
	if current, ok := r.conns[token]; ok && current == conn {
		delete(r.conns, token)
	}
	r.mu.Unlock()
}

// Lookup returns the local connection for the token, if this process
// holds one.
func (r *Registry) Lookup(token string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[token]
	return conn, ok
}

// IsLiveAnywhere reports whether some process in the cluster holds a
// connection for the token. The local map is checked first to avoid a
// bus round trip for locally held tenants.
func (r *Registry) IsLiveAnywhere(ctx context.Context, token string) (bool, error) {
	if _, ok := r.Lookup(token); ok {
		return true, nil
	}
	return r.bus.IsLiveAnywhere(ctx, token)
}

// CloseAll tears down every local connection and clears membership
// facts. Called on shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	conns := make(map[string]Conn, len(r.conns))
	for token, conn := range r.conns {
		conns[token] = conn
	}
	r.mu.Unlock()

	for token, conn := range conns {
		r.Unregister(ctx, token, conn, "shutdown")
		_ = conn.Close()
	}
}
