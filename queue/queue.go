// Package queue serializes calls per tenant: at most a fixed number of
// calls are in flight against any one tenant connection, the rest wait
// in arrival order. The queue also owns the retry loop, so admission is
// consumed once per call regardless of how many attempts it takes.
package queue

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/imagewire/pacsbridge/log"
	"github.com/imagewire/pacsbridge/types"
)

// Dispatcher executes a single attempt of a call. The bridge implements
// this; attempt is 1-based and each attempt gets a fresh correlation id
// on the dispatcher's side.
type Dispatcher interface {
	Dispatch(ctx context.Context, tenant string, spec types.CallSpec, attempt int) (*types.Reply, error)
}

// job is one admitted-or-waiting call.
type job struct {
	ready chan struct{}
}

// tenantState tracks admission for one tenant token.
type tenantState struct {
	active  int
	waiting []*job
}

// Queue bounds per-tenant concurrency and retries recoverable failures.
type Queue struct {
	dispatcher  Dispatcher
	logger      *log.Logger
	maxCalls    int
	maxAttempts int

	mu      sync.Mutex
	tenants map[string]*tenantState
}

// New creates a queue. maxCalls is the per-tenant in-flight bound,
// maxAttempts the total attempts per call including the first.
func New(dispatcher Dispatcher, logger *log.Logger, maxCalls, maxAttempts int) *Queue {
	return &Queue{
		dispatcher:  dispatcher,
		logger:      logger,
		maxCalls:    maxCalls,
		maxAttempts: maxAttempts,
		tenants:     make(map[string]*tenantState),
	}
}

// Do runs one call against the tenant, waiting for admission if the
// tenant already has the maximum number of calls in flight. Waiters are
// admitted in arrival order. The returned error is a classified
// *types.CallError or the caller's context error.
func (q *Queue) Do(ctx context.Context, tenant string, spec types.CallSpec) (*types.Reply, error) {
	if err := q.admit(ctx, tenant); err != nil {
		return nil, err
	}
	defer q.release(tenant)
	return q.attempts(ctx, tenant, spec)
}

// admit blocks until the call holds one of the tenant's slots.
func (q *Queue) admit(ctx context.Context, tenant string) error {
	q.mu.Lock()
	st := q.tenants[tenant]
	if st == nil {
		st = &tenantState{}
		q.tenants[tenant] = st
	}
	if st.active < q.maxCalls {
		st.active++
		q.mu.Unlock()
		return nil
	}
	j := &job{ready: make(chan struct{})}
	st.waiting = append(st.waiting, j)
	q.mu.Unlock()

	select {
	case <-j.ready:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		removed := false
		for i, w := range st.waiting {
			if w == j {
				st.waiting = append(st.waiting[:i], st.waiting[i+1:]...)
				removed = true
				break
			}
		}
		q.mu.Unlock()
		if !removed {
			// Admitted concurrently with cancellation; hand the
			// slot to the next waiter.
			q.release(tenant)
		}
		return ctx.Err()
	}
}

// release passes the slot to the next waiter, or frees it.
func (q *Queue) release(tenant string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.tenants[tenant]
	if st == nil {
		return
	}
	if len(st.waiting) > 0 {
		next := st.waiting[0]
		st.waiting = st.waiting[1:]
		close(next.ready)
		return
	}
	st.active--
	if st.active == 0 {
		delete(q.tenants, tenant)
	}
}

// attempts runs the retry loop: recoverable failures are retried up to
// the attempt budget, anything else surfaces immediately. The terminal
// error carries the last attempt's correlation id for traceability.
func (q *Queue) attempts(ctx context.Context, tenant string, spec types.CallSpec) (*types.Reply, error) {
	var lastErr *types.CallError
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		reply, err := q.dispatcher.Dispatch(ctx, tenant, spec, attempt)
		if err == nil {
			return reply, nil
		}
		if !types.IsRecoverable(err) {
			return nil, err
		}
		errors.As(err, &lastErr)
		if attempt < q.maxAttempts {
			q.logger.Warn("retrying call after recoverable failure",
				zap.String("tenant", tenant),
				zap.String("call", string(spec.Kind)),
				zap.String("failure", lastErr.Kind.String()),
				zap.String("correlation_id", lastErr.CorrelationID),
				zap.Int("attempt", attempt))
		}
	}
	return nil, types.NewCallError(types.FailRetriesExhausted, spec.Kind, lastErr.CorrelationID,
		"all attempts exhausted", lastErr)
}

// Depth reports the number of waiting (not yet admitted) calls for a
// tenant. For tests and diagnostics.
func (q *Queue) Depth(tenant string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st := q.tenants[tenant]; st != nil {
		return len(st.waiting)
	}
	return 0
}
