package session

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/petal-labs/mcpfleet/tool"
)

// gate bounds the requests in flight on one tool's instance across all of
// its sessions. Waiters are admitted in arrival order.
type gate struct {
	limit int
	sem   *semaphore.Weighted
}

// Gate waits for one of toolName's limit call slots and returns the function
// that gives it back. Calls on a tool that is not concurrency-safe (limit 1)
// therefore run one at a time, in the order they arrived.
func (m *Manager) Gate(ctx context.Context, toolName string, limit int) (func(), error) {
	sem := m.gateFor(toolName, limit)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, tool.NewError(tool.KindRequestTimeout,
			fmt.Sprintf("timed out waiting for a call slot on tool %q", toolName), false, err)
	}
	return func() { sem.Release(1) }, nil
}

// TryGate takes a call slot only when one is free right now.
func (m *Manager) TryGate(toolName string, limit int) (func(), bool) {
	sem := m.gateFor(toolName, limit)
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return func() { sem.Release(1) }, true
}

// gateFor returns the tool's gate, replacing it when the limit changed.
// Holders of a replaced gate release into the old one.
func (m *Manager) gateFor(toolName string, limit int) *semaphore.Weighted {
	if limit < 1 {
		limit = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[toolName]
	if !ok || g.limit != limit {
		g = &gate{limit: limit, sem: semaphore.NewWeighted(int64(limit))}
		m.gates[toolName] = g
	}
	return g.sem
}
