package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petal-labs/mcpfleet/tool"
)

type delivery struct {
	resp *Response
	err  error
}

// correlator matches replies to outstanding request ids. Each id gets a
// one-slot channel, so a delivery never blocks the read loop that made it.
type correlator struct {
	log    *slog.Logger
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan delivery
	failed  error

	dropped atomic.Int64
}

func newCorrelator(log *slog.Logger) *correlator {
	return &correlator{
		log:     log,
		pending: make(map[int64]chan delivery),
	}
}

func (c *correlator) next() int64 {
	return c.nextID.Add(1)
}

func (c *correlator) register(id int64) (chan delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed != nil {
		return nil, c.failed
	}
	if _, exists := c.pending[id]; exists {
		return nil, tool.Errorf(tool.KindProtocol, "request id %d is already outstanding", id)
	}
	ch := make(chan delivery, 1)
	c.pending[id] = ch
	return ch, nil
}

// deliver hands d to the caller waiting on id. Replies for ids that are not
// outstanding (never issued, already answered, or abandoned) are dropped.
func (c *correlator) deliver(id int64, d delivery) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.dropped.Add(1)
		c.log.Warn("dropping reply for unknown or completed request id", "id", id)
		return false
	}
	ch <- d
	return true
}

func (c *correlator) abandon(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// fail rejects every outstanding and future request with err.
func (c *correlator) fail(err error) {
	c.mu.Lock()
	if c.failed == nil {
		c.failed = err
	}
	pending := c.pending
	c.pending = make(map[int64]chan delivery)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- delivery{err: err}
	}
}

func (c *correlator) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *correlator) await(ctx context.Context, env *Envelope, ch chan delivery) (*Response, error) {
	select {
	case d := <-ch:
		if d.err != nil {
			return nil, d.err
		}
		return d.resp, nil
	case <-ctx.Done():
		c.abandon(env.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, tool.NewError(
				tool.KindRequestTimeout,
				fmt.Sprintf("request %q (id %d) timed out after %s", env.Method, env.ID, time.Since(env.Submitted).Round(time.Millisecond)),
				false,
				ctx.Err(),
			).WithDetails(map[string]any{"id": env.ID, "trace_id": env.TraceID})
		}
		return nil, ctx.Err()
	}
}

func withEnvelopeDeadline(ctx context.Context, env *Envelope) (context.Context, context.CancelFunc) {
	if env.Deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, env.Deadline)
}
