// Package stream implements chunked binary transfer on top of a tenant
// connection: a download accumulator for retrieval results and an upload
// chunker with drain-based flow control for storage bodies.
package stream

import (
	"bytes"
	"context"
	"sync"

	"github.com/imagewire/pacsbridge/wire"
)

// transfer is one in-progress download keyed by correlation id.
type transfer struct {
	contentType string
	buf         bytes.Buffer
	complete    bool
	done        chan struct{}
}

// Accumulator collects download chunks per correlation id and releases
// the full byte sequence only on completion. No partial bytes are
// released early: the HTTP response path needs the content type and the
// complete payload before it starts writing.
type Accumulator struct {
	mu        sync.Mutex
	transfers map[string]*transfer
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{transfers: make(map[string]*transfer)}
}

func (a *Accumulator) get(correlationID string) *transfer {
	if t, ok := a.transfers[correlationID]; ok {
		return t
	}
	t := &transfer{done: make(chan struct{})}
	a.transfers[correlationID] = t
	return t
}

// Open declares the content type for a transfer. Chunks may arrive
// before or after the announcement; both orders are accepted.
func (a *Accumulator) Open(correlationID, contentType string) {
	a.mu.Lock()
	a.get(correlationID).contentType = contentType
	a.mu.Unlock()
}

// AddChunk appends one chunk. The final chunk (IsLast) completes the
// transfer and wakes the waiter. Chunks arriving after completion are
// dropped.
func (a *Accumulator) AddChunk(frame *wire.ChunkFrame) {
	a.mu.Lock()
	t := a.get(frame.CorrelationID)
	if t.complete {
		a.mu.Unlock()
		return
	}
	t.buf.Write(frame.Data)
	finished := frame.IsLast
	if finished {
		t.complete = true
	}
	a.mu.Unlock()

	if finished {
		close(t.done)
	}
}

// Await blocks until the transfer completes or the context expires, then
// returns the concatenated bytes and declared content type. The transfer
// is removed either way; a timed-out transfer's late chunks are dropped
// by correlation id mismatch upstream.
func (a *Accumulator) Await(ctx context.Context, correlationID string) ([]byte, string, error) {
	a.mu.Lock()
	t := a.get(correlationID)
	a.mu.Unlock()

	defer a.Discard(correlationID)

	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return t.buf.Bytes(), t.contentType, nil
}

// Discard drops a transfer and any accumulated bytes.
func (a *Accumulator) Discard(correlationID string) {
	a.mu.Lock()
	delete(a.transfers, correlationID)
	a.mu.Unlock()
}

// Pending returns the number of in-progress transfers. For tests and
// leak checks.
func (a *Accumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.transfers)
}
