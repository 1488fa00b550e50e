// Package bridge correlates outbound calls with inbound replies over
// worker connections, dispatching locally when this process holds the
// tenant's connection and over the cluster bus when another process
// does. Each attempt gets a fresh correlation id; the first reply wins
// and duplicates are dropped.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imagewire/pacsbridge/cluster"
	"github.com/imagewire/pacsbridge/log"
	"github.com/imagewire/pacsbridge/registry"
	"github.com/imagewire/pacsbridge/stream"
	"github.com/imagewire/pacsbridge/types"
	"github.com/imagewire/pacsbridge/wire"
)

// fanoutForwardTimeout bounds forwarding one fan-out payload to the
// local connection.
const fanoutForwardTimeout = 10 * time.Second

// Timeouts holds the per-kind reply deadlines.
type Timeouts struct {
	Query    time.Duration
	Retrieve time.Duration
	Store    time.Duration
}

// For returns the deadline for a call kind.
func (t Timeouts) For(kind types.CallKind) time.Duration {
	switch kind {
	case types.KindStow:
		return t.Store
	case types.KindWado, types.KindWadoURI:
		return t.Retrieve
	default:
		return t.Query
	}
}

// Bridge routes calls to worker connections and correlates replies.
// It implements the queue's Dispatcher contract.
type Bridge struct {
	registry *registry.Registry
	bus      cluster.Bus
	acc      *stream.Accumulator
	logger   *log.Logger
	timeouts Timeouts

	mu      sync.Mutex
	pending map[string]chan *wire.ReplyFrame
}

// New creates a bridge and installs its fan-out handler on the registry.
func New(reg *registry.Registry, bus cluster.Bus, logger *log.Logger, timeouts Timeouts) *Bridge {
	b := &Bridge{
		registry: reg,
		bus:      bus,
		acc:      stream.NewAccumulator(),
		logger:   logger,
		timeouts: timeouts,
		pending:  make(map[string]chan *wire.ReplyFrame),
	}
	reg.SetCallHandler(b.forwardFanout)
	return b
}

// Dispatch runs one attempt of a call: assign a correlation id, route
// the envelope to whichever process holds the tenant's connection, and
// wait for the reply within the kind's deadline.
func (b *Bridge) Dispatch(ctx context.Context, tenant string, spec types.CallSpec, attempt int) (*types.Reply, error) {
	correlationID := uuid.NewString()

	callCtx, cancel := context.WithTimeout(ctx, b.timeouts.For(spec.Kind))
	defer cancel()

	replyCh := b.addPending(correlationID)
	defer b.removePending(correlationID)
	defer b.acc.Discard(correlationID)

	frame := &wire.CallFrame{
		CorrelationID: correlationID,
		Kind:          spec.Kind,
		Level:         spec.Level,
		Query:         spec.Query,
		ContentType:   spec.ContentType,
		Attempt:       attempt,
	}
	payload, err := wire.EncodeCall(frame)
	if err != nil {
		return nil, err
	}

	b.logger.Debug("dispatching call",
		zap.String("tenant", tenant),
		zap.String("call", string(spec.Kind)),
		zap.String("correlation_id", correlationID),
		zap.Int("attempt", attempt))

	if conn, ok := b.registry.Lookup(tenant); ok {
		if err := b.sendLocal(callCtx, conn, correlationID, spec, payload); err != nil {
			return nil, err
		}
	} else {
		cancelSub, err := b.sendRemote(callCtx, tenant, correlationID, spec, payload)
		if err != nil {
			return nil, err
		}
		defer cancelSub()
	}

	select {
	case reply := <-replyCh:
		return b.finalize(callCtx, correlationID, spec, reply)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewCallError(types.FailNoResponse, spec.Kind, correlationID,
			"no reply within deadline", nil)
	}
}

// sendLocal writes the call envelope, and for storage calls the chunked
// body, to a connection held by this process.
func (b *Bridge) sendLocal(ctx context.Context, conn registry.Conn, correlationID string, spec types.CallSpec, payload []byte) error {
	if err := conn.Send(ctx, payload); err != nil {
		return types.NewCallError(types.FailNoResponse, spec.Kind, correlationID,
			"connection write failed", err)
	}
	if spec.Kind == types.KindStow {
		_, err := stream.Upload(ctx, conn, spec.Body, wire.UploadChunkSize, chunkEncoder(correlationID))
		if err != nil {
			return types.NewCallError(types.FailNoResponse, spec.Kind, correlationID,
				"body upload failed", err)
		}
	}
	return nil
}

// sendRemote fans the call out over the cluster bus. The reply
// subscription is opened before broadcasting so the reply cannot slip
// past it; a goroutine forwards bus traffic into the local correlation
// table until the attempt ends.
func (b *Bridge) sendRemote(ctx context.Context, tenant, correlationID string, spec types.CallSpec, payload []byte) (func(), error) {
	live, err := b.bus.IsLiveAnywhere(ctx, tenant)
	if err != nil || !live {
		return nil, types.NewCallError(types.FailNoConnection, spec.Kind, correlationID,
			"no connection for token", err)
	}

	replies, cancelSub, err := b.bus.SubscribeReplies(ctx, correlationID)
	if err != nil {
		return nil, types.NewCallError(types.FailNoResponse, spec.Kind, correlationID,
			"reply subscription failed", err)
	}
	go b.consumeBusReplies(ctx, correlationID, replies)

	if err := b.bus.BroadcastCall(ctx, tenant, payload); err != nil {
		cancelSub()
		return nil, types.NewCallError(types.FailNoResponse, spec.Kind, correlationID,
			"call broadcast failed", err)
	}

	if spec.Kind == types.KindStow {
		sender := &busSender{ctx: ctx, bus: b.bus, tenant: tenant}
		_, uploadErr := stream.Upload(ctx, sender, spec.Body, wire.UploadChunkSize, chunkEncoder(correlationID))
		if uploadErr == nil {
			uploadErr = sender.err
		}
		if uploadErr != nil {
			cancelSub()
			return nil, types.NewCallError(types.FailNoResponse, spec.Kind, correlationID,
				"body broadcast failed", uploadErr)
		}
	}
	return cancelSub, nil
}

// consumeBusReplies decodes bus payloads for one attempt, routing reply
// envelopes through the correlation table and chunks into the
// accumulator, exactly as locally received messages are routed.
func (b *Bridge) consumeBusReplies(ctx context.Context, correlationID string, replies <-chan []byte) {
	for {
		select {
		case payload, ok := <-replies:
			if !ok {
				return
			}
			decoded, err := wire.Decode(payload)
			if err != nil {
				b.logger.Warn("dropping undecodable bus reply",
					zap.String("correlation_id", correlationID),
					zap.Error(err))
				continue
			}
			switch m := decoded.(type) {
			case *wire.ReplyFrame:
				b.deliverReply(m)
			case *wire.ChunkFrame:
				b.acc.AddChunk(m)
			}
		case <-ctx.Done():
			return
		}
	}
}

// finalize turns a reply envelope into the call's result.
func (b *Bridge) finalize(ctx context.Context, correlationID string, spec types.CallSpec, frame *wire.ReplyFrame) (*types.Reply, error) {
	if !frame.Success {
		return nil, types.NewCallError(types.FailRemote, spec.Kind, correlationID,
			"worker reported failure: "+frame.Error, nil)
	}

	if frame.Stream {
		b.acc.Open(correlationID, frame.ContentType)
		data, contentType, err := b.acc.Await(ctx, correlationID)
		if err != nil {
			return nil, types.NewCallError(types.FailNoResponse, spec.Kind, correlationID,
				"stream did not complete within deadline", err)
		}
		if len(data) == 0 {
			return nil, types.NewCallError(types.FailEmptyPayload, spec.Kind, correlationID,
				"binary reply carried no bytes", nil)
		}
		return &types.Reply{Bytes: data, ContentType: contentType}, nil
	}

	if spec.Kind.IsBinary() {
		// Inline binary payloads decode as raw bytes, but a worker may
		// also encode them as a msgpack string.
		var data []byte
		switch v := frame.Data.(type) {
		case []byte:
			data = v
		case string:
			data = []byte(v)
		}
		if len(data) == 0 {
			return nil, types.NewCallError(types.FailEmptyPayload, spec.Kind, correlationID,
				"binary reply carried no bytes", nil)
		}
		return &types.Reply{Bytes: data, ContentType: frame.ContentType}, nil
	}

	return &types.Reply{Data: frame.Data}, nil
}

// HandleIncoming routes one message read from a local worker connection.
// Replies and chunks for calls originated by this process complete
// locally; anything else is published back over the bus toward the
// originating process. A fatal wire error is returned to the caller so
// it can tear the connection down.
func (b *Bridge) HandleIncoming(ctx context.Context, tenant string, payload []byte) error {
	decoded, err := wire.Decode(payload)
	if err != nil {
		if wire.IsFatalWireError(err) {
			return err
		}
		b.logger.Warn("dropping undecodable message",
			zap.String("tenant", tenant),
			zap.Error(err))
		return nil
	}

	switch m := decoded.(type) {
	case *wire.ReplyFrame:
		if b.deliverReply(m) {
			return nil
		}
		if err := b.bus.PublishReply(ctx, m.CorrelationID, payload); err != nil {
			b.logger.Warn("failed to publish reply toward originator",
				zap.String("correlation_id", m.CorrelationID),
				zap.Error(err))
		}
	case *wire.ChunkFrame:
		if b.hasPending(m.CorrelationID) {
			b.acc.AddChunk(m)
			return nil
		}
		if err := b.bus.PublishReply(ctx, m.CorrelationID, payload); err != nil {
			b.logger.Warn("failed to publish chunk toward originator",
				zap.String("correlation_id", m.CorrelationID),
				zap.Error(err))
		}
	case *wire.CallFrame:
		b.logger.Warn("ignoring call envelope from worker",
			zap.String("tenant", tenant),
			zap.String("correlation_id", m.CorrelationID))
	}
	return nil
}

// forwardFanout hands a broadcast payload to the local connection for
// the tenant. Payloads for tenants this process no longer holds are
// dropped; the originator's deadline covers the loss.
func (b *Bridge) forwardFanout(tenant string, payload []byte) {
	conn, ok := b.registry.Lookup(tenant)
	if !ok {
		b.logger.Debug("dropping fan-out payload for unheld tenant",
			zap.String("tenant", tenant))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fanoutForwardTimeout)
	defer cancel()
	if err := conn.Send(ctx, payload); err != nil {
		b.logger.Warn("failed to forward fan-out payload",
			zap.String("tenant", tenant),
			zap.Error(err))
	}
}

// deliverReply completes a pending attempt. The reply channel holds one
// slot; a duplicate reply finds it occupied or the entry gone and is
// dropped either way. Returns true if this process owns the correlation
// id.
func (b *Bridge) deliverReply(frame *wire.ReplyFrame) bool {
	b.mu.Lock()
	ch, ok := b.pending[frame.CorrelationID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- frame:
	default:
	}
	return true
}

func (b *Bridge) addPending(correlationID string) chan *wire.ReplyFrame {
	ch := make(chan *wire.ReplyFrame, 1)
	b.mu.Lock()
	b.pending[correlationID] = ch
	b.mu.Unlock()
	return ch
}

func (b *Bridge) removePending(correlationID string) {
	b.mu.Lock()
	delete(b.pending, correlationID)
	b.mu.Unlock()
}

func (b *Bridge) hasPending(correlationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[correlationID]
	return ok
}

// chunkEncoder builds the chunk encoder for one correlation id.
func chunkEncoder(correlationID string) stream.Encoder {
	return func(seq int64, isLast bool, data []byte) ([]byte, error) {
		return wire.EncodeChunk(&wire.ChunkFrame{
			CorrelationID: correlationID,
			Seq:           seq,
			IsLast:        isLast,
			Data:          data,
		})
	}
}

// busSender adapts the bus to the upload flow-control contract. Bus
// publishes are not flow controlled, so every chunk is accepted; the
// first publish failure is recorded and later chunks become no-ops.
type busSender struct {
	ctx    context.Context
	bus    cluster.Bus
	tenant string
	err    error
}

func (s *busSender) TrySend(payload []byte) bool {
	if s.err == nil {
		s.err = s.bus.BroadcastCall(s.ctx, s.tenant, payload)
	}
	return true
}

func (s *busSender) Drain() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
