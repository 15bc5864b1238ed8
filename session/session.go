package session

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/petal-labs/mcpfleet/process"
)

// Session binds a caller to one tool. Calls through a session run in FIFO
// order, at most Limit at a time.
type Session struct {
	ID        string
	Tool      string
	Named     bool
	Limit     int
	CreatedAt time.Time

	sem *semaphore.Weighted

	mu           sync.Mutex
	state        State
	inst         *process.Instance
	lastActivity time.Time
	pending      int
	terminatedAt time.Time
	pooled       bool
}

// Info is a snapshot of a session for listings.
type Info struct {
	ID           string    `json:"id"`
	Tool         string    `json:"tool"`
	State        State     `json:"state"`
	Named        bool      `json:"named,omitempty"`
	Pooled       bool      `json:"pooled,omitempty"`
	PID          int       `json:"pid,omitempty"`
	Pending      int       `json:"pending"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func newSession(id, tool string, named bool, limit int, now time.Time) *Session {
	if limit <= 0 {
		limit = 1
	}
	return &Session{
		ID:           id,
		Tool:         tool,
		Named:        named,
		Limit:        limit,
		CreatedAt:    now,
		sem:          semaphore.NewWeighted(int64(limit)),
		state:        StateActive,
		lastActivity: now,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Instance returns the bound instance, nil while hibernating or unbound.
func (s *Session) Instance() *process.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inst
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Pending returns the number of calls holding a lease.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:           s.ID,
		Tool:         s.Tool,
		State:        s.state,
		Named:        s.Named,
		Pooled:       s.pooled,
		Pending:      s.pending,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
	if s.inst != nil {
		info.PID = s.inst.PID()
	}
	return info
}

// setState applies a validated transition. Callers hold s.mu.
func (s *Session) setState(to State) (State, error) {
	from := s.state
	if err := checkTransition(from, to); err != nil {
		return from, err
	}
	s.state = to
	if to == StateHibernating || to == StateTerminated {
		s.inst = nil
	}
	return from, nil
}

// Lease is the right to send one call through a session. Release it exactly
// once when the call completes.
type Lease struct {
	m       *Manager
	session *Session
	inst    *process.Instance
	once    sync.Once
}

func (l *Lease) Session() *Session { return l.session }

// Instance is the RUNNING instance the call should use.
func (l *Lease) Instance() *process.Instance { return l.inst }

// Rebind points the lease and its session at a replacement instance.
func (l *Lease) Rebind(inst *process.Instance) {
	l.inst = inst
	l.session.mu.Lock()
	if l.session.state != StateTerminated && l.session.state != StateHibernating {
		l.session.inst = inst
	}
	l.session.mu.Unlock()
}

// Release records activity and frees the session's concurrency slot.
func (l *Lease) Release() {
	l.once.Do(func() {
		s := l.session
		s.mu.Lock()
		s.pending--
		s.lastActivity = l.m.clock.Now()
		s.mu.Unlock()
		s.sem.Release(1)
	})
}
