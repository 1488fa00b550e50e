// Package registry tracks the live worker connections held by this
// gateway process and their cluster-wide membership facts.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/imagewire/pacsbridge/wire"
)

// Write pump tuning.
const (
	// sendBufferMessages bounds the per-connection write queue. A full
	// buffer is the write-rejection signal for flow control.
	sendBufferMessages = 16
	// writeWait is the deadline for a single websocket write.
	writeWait = 10 * time.Second
	// pongWait is how long to wait for a pong before declaring the
	// worker gone.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// ErrConnClosed is returned by sends on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is one live bidirectional channel to a worker. All writes are
// funneled through a single pump goroutine; TrySend and Drain expose the
// write-acceptance and drain signals the upload path needs for flow
// control.
type Conn interface {
	// TrySend queues a message without blocking. Returns false when the
	// write buffer rejects it.
	TrySend(payload []byte) bool
	// Send queues a message, blocking until accepted, the context
	// expires, or the connection closes.
	Send(ctx context.Context, payload []byte) error
	// Drain returns a channel closed once the write buffer has drained.
	// If the buffer is already empty the channel is closed on arrival.
	Drain() <-chan struct{}
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// closedChan is returned by Drain when there is nothing to wait for.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// WSConn wraps a gorilla websocket connection with a write pump,
// keepalive pings, and drain signaling.
type WSConn struct {
	ws     *websocket.Conn
	origin string

	send chan []byte

	mu    sync.Mutex
	drain chan struct{}

	closed    chan struct{}
	closeOnce sync.Once

	connectedAt time.Time
}

// NewWSConn wraps an upgraded websocket connection and starts its write
// pump. origin is the remote address, kept for connect/disconnect logs.
func NewWSConn(ws *websocket.Conn, origin string) *WSConn {
	c := &WSConn{
		ws:          ws,
		origin:      origin,
		send:        make(chan []byte, sendBufferMessages),
		drain:       make(chan struct{}),
		closed:      make(chan struct{}),
		connectedAt: time.Now(),
	}
	ws.SetReadLimit(wire.MaxMessageSize)
	go c.writePump()
	return c
}

// Origin returns the remote address the worker connected from.
func (c *WSConn) Origin() string { return c.origin }

// ConnectedAt returns the connection timestamp.
func (c *WSConn) ConnectedAt() time.Time { return c.connectedAt }

// TrySend queues a message without blocking.
func (c *WSConn) TrySend(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Send queues a message, blocking until accepted.
func (c *WSConn) Send(ctx context.Context, payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain returns a channel closed once the write buffer has drained.
func (c *WSConn) Drain() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.send) == 0 {
		return closedChan
	}
	return c.drain
}

// signalDrain wakes Drain waiters when the buffer empties.
func (c *WSConn) signalDrain() {
	if len(c.send) != 0 {
		return
	}
	c.mu.Lock()
	close(c.drain)
	c.drain = make(chan struct{})
	c.mu.Unlock()
}

// writePump owns all writes to the underlying websocket. Gorilla conns
// permit at most one concurrent writer. Closing the socket here also
// unblocks any pending ReadLoop.
func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() { _ = c.ws.Close() }()

	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				_ = c.Close()
				return
			}
			c.signalDrain()
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.closed:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// ReadLoop reads binary messages and hands them to the handler until the
// connection closes or the context is canceled. Runs on the caller's
// goroutine; the returned error is the read error that ended the loop.
func (c *WSConn) ReadLoop(ctx context.Context, handler func(payload []byte)) error {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgType, payload, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		handler(payload)
	}
}

// Closed returns a channel closed when the connection is torn down.
func (c *WSConn) Closed() <-chan struct{} { return c.closed }

// Close tears the connection down.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Verify WSConn implements the connection contract.
var _ Conn = (*WSConn)(nil)
