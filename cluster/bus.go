// Package cluster defines the fan-out bus contract between gateway
// processes.
//
// A tenant's live connection is pinned to exactly one process. Every
// process can ask the bus whether a tenant is live anywhere, broadcast a
// call toward whichever process holds the connection, and publish the
// reply back to the originating process. Only membership facts and
// encoded wire messages cross process boundaries, never connection
// handles.
package cluster

import "context"

// CallHandler receives a broadcast call payload for a tenant this
// process has joined.
type CallHandler func(tenant string, payload []byte)

// Bus is the cluster coordination contract.
//
// Implementations are expected to be eventually consistent: a tenant may
// briefly appear live on two processes around a reconnect, or not live
// just after connecting. Callers treat "no response" the same as "not
// live" and rely on the retry path.
type Bus interface {
	// Join records that this process holds a live connection for the
	// tenant. Idempotent.
	Join(ctx context.Context, tenant string) error

	// Leave clears this process's membership fact for the tenant. The
	// cluster-wide fact disappears when no process reports holding it.
	Leave(ctx context.Context, tenant string) error

	// IsLiveAnywhere reports whether any process currently holds a
	// connection for the tenant.
	IsLiveAnywhere(ctx context.Context, tenant string) (bool, error)

	// SubscribeCalls delivers broadcast calls for the tenant to the
	// handler until the returned cancel function is called.
	SubscribeCalls(ctx context.Context, tenant string, handler CallHandler) (func(), error)

	// BroadcastCall sends an encoded call envelope to the tenant's
	// group. Any process holding the connection dispatches it.
	BroadcastCall(ctx context.Context, tenant string, payload []byte) error

	// SubscribeReplies returns a channel receiving encoded reply
	// envelopes for the correlation id. More than one reply may arrive
	// if membership temporarily double-counts a reconnecting tenant;
	// the caller uses the first and discards the rest.
	SubscribeReplies(ctx context.Context, correlationID string) (<-chan []byte, func(), error)

	// PublishReply sends an encoded reply envelope to the originator of
	// the correlation id.
	PublishReply(ctx context.Context, correlationID string, payload []byte) error

	// Close releases bus resources.
	Close() error
}
