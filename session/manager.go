package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/petal-labs/mcpfleet/bus"
	"github.com/petal-labs/mcpfleet/process"
	"github.com/petal-labs/mcpfleet/tool"
)

const (
	DefaultIdleTimeout        = 5 * time.Minute
	DefaultHibernationTimeout = 15 * time.Minute
	DefaultMaxLifetime        = 24 * time.Hour
	DefaultPoolSize           = 4
	DefaultMaxSessions        = 64
	DefaultAcquireTimeout     = 10 * time.Second
	DefaultRetention          = time.Minute
)

// Binder supplies a RUNNING instance for a tool, starting it if needed.
type Binder interface {
	Bind(ctx context.Context, tool string) (*process.Instance, error)
}

// BinderFunc adapts a function to Binder.
type BinderFunc func(ctx context.Context, tool string) (*process.Instance, error)

func (f BinderFunc) Bind(ctx context.Context, tool string) (*process.Instance, error) {
	return f(ctx, tool)
}

// Config configures a Manager. Zero values fall back to defaults.
type Config struct {
	// IdleTimeout moves an ACTIVE session without calls to IDLE.
	IdleTimeout time.Duration
	// HibernationTimeout, measured from the last activity, moves an IDLE
	// session to HIBERNATING and releases its instance.
	HibernationTimeout time.Duration
	MaxLifetime        time.Duration
	// PoolSize bounds the reusable sessions kept per tool.
	PoolSize int
	// MaxSessions caps live sessions across all tools.
	MaxSessions int
	// AcquireTimeout is how long Create waits for a session slot.
	AcquireTimeout time.Duration
	// Retention keeps terminated sessions visible before they are purged.
	Retention time.Duration

	Binder Binder
	Clock  Clock
	Logger *slog.Logger
	Events bus.Publisher
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.HibernationTimeout <= 0 {
		c.HibernationTimeout = DefaultHibernationTimeout
	}
	if c.HibernationTimeout < c.IdleTimeout {
		c.HibernationTimeout = c.IdleTimeout
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = DefaultMaxLifetime
	}
	if c.PoolSize < 0 {
		c.PoolSize = 0
	} else if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Options configures a new session.
type Options struct {
	// ConcurrencyLimit is the number of calls the session may run at once.
	// Values below 1 mean 1.
	ConcurrencyLimit int
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Idled      int
	Hibernated int
	Terminated int
	Purged     int
}

// Manager owns the session table.
type Manager struct {
	cfg    Config
	clock  Clock
	binder Binder
	log    *slog.Logger
	events bus.Publisher
	slots  *semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]*Session
	pools    map[string][]*Session
	gates    map[string]*gate
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		clock:    cfg.Clock,
		binder:   cfg.Binder,
		log:      cfg.Logger.With("component", "session"),
		events:   bus.OrDiscard(cfg.Events),
		slots:    semaphore.NewWeighted(int64(cfg.MaxSessions)),
		sessions: make(map[string]*Session),
		pools:    make(map[string][]*Session),
		gates:    make(map[string]*gate),
	}
}

// Create returns a pooled session for toolName when one is available, else a
// fresh ACTIVE session. When MaxSessions are live the caller waits up to
// AcquireTimeout and then gets a ToolUnavailableError.
func (m *Manager) Create(ctx context.Context, toolName string, opts Options) (*Session, error) {
	if s := m.takePooled(toolName); s != nil {
		return s, nil
	}
	if err := m.admit(ctx); err != nil {
		return nil, err
	}
	s := newSession(uuid.NewString(), toolName, false, opts.ConcurrencyLimit, m.clock.Now())
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.log.Debug("session created", "session_id", s.ID, "tool", toolName)
	m.publish(s, "", StateActive)
	return s, nil
}

// Open returns the named session id, creating it for toolName on first use.
// Named sessions are never pooled.
func (m *Manager) Open(ctx context.Context, id, toolName string, opts Options) (*Session, error) {
	if s, ok := m.Get(id); ok {
		return m.checkNamed(s, toolName)
	}
	if err := m.admit(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		m.slots.Release(1)
		return m.checkNamed(existing, toolName)
	}
	s := newSession(id, toolName, true, opts.ConcurrencyLimit, m.clock.Now())
	m.sessions[id] = s
	m.mu.Unlock()

	m.log.Debug("named session created", "session_id", id, "tool", toolName)
	m.publish(s, "", StateActive)
	return s, nil
}

func (m *Manager) checkNamed(s *Session, toolName string) (*Session, error) {
	if s.Tool != toolName {
		return nil, tool.Errorf(tool.KindConfig, "session %q is bound to tool %q, not %q", s.ID, s.Tool, toolName)
	}
	if s.State() == StateTerminated {
		return nil, expired(s.ID)
	}
	return s, nil
}

func (m *Manager) takePooled(toolName string) *Session {
	now := m.clock.Now()
	for {
		m.mu.Lock()
		pool := m.pools[toolName]
		if len(pool) == 0 {
			m.mu.Unlock()
			return nil
		}
		s := pool[len(pool)-1]
		m.pools[toolName] = pool[:len(pool)-1]
		m.mu.Unlock()

		s.mu.Lock()
		s.pooled = false
		usable := s.state != StateTerminated && now.Sub(s.CreatedAt) < m.cfg.MaxLifetime
		s.mu.Unlock()
		if usable {
			return s
		}
		m.terminate(s, "expired in pool")
	}
}

// admit takes a global session slot, evicting the least recently used pooled
// session when the table is full.
func (m *Manager) admit(ctx context.Context) error {
	if m.slots.TryAcquire(1) {
		return nil
	}
	if m.evictPooled() && m.slots.TryAcquire(1) {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()
	if err := m.slots.Acquire(waitCtx, 1); err != nil {
		return tool.NewError(tool.KindToolUnavailable,
			fmt.Sprintf("max_concurrent_sessions (%d) reached; waited %s", m.cfg.MaxSessions, m.cfg.AcquireTimeout),
			true, err)
	}
	return nil
}

func (m *Manager) evictPooled() bool {
	var (
		victim     *Session
		victimTool string
		victimIdx  int
	)
	m.mu.Lock()
	for toolName, pool := range m.pools {
		for idx, s := range pool {
			if victim == nil || s.LastActivity().Before(victim.LastActivity()) {
				victim, victimTool, victimIdx = s, toolName, idx
			}
		}
	}
	if victim != nil {
		pool := m.pools[victimTool]
		m.pools[victimTool] = append(pool[:victimIdx:victimIdx], pool[victimIdx+1:]...)
	}
	m.mu.Unlock()

	if victim == nil {
		return false
	}
	m.terminate(victim, "evicted from pool")
	return true
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Acquire waits for a concurrency slot on s (FIFO) and returns a lease bound
// to a RUNNING instance. Hibernating sessions wake up; sessions whose
// instance is no longer RUNNING are rebound.
func (m *Manager) Acquire(ctx context.Context, s *Session) (*Lease, error) {
	if err := m.checkAlive(s); err != nil {
		return nil, err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, tool.NewError(tool.KindRequestTimeout,
			fmt.Sprintf("timed out waiting for session %s", s.ID), false, err)
	}

	now := m.clock.Now()
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		s.sem.Release(1)
		return nil, expired(s.ID)
	}
	s.pending++
	s.lastActivity = now
	from := s.state
	woke := from == StateIdle || from == StateHibernating
	if woke {
		_, _ = s.setState(StateActive)
	}
	inst := s.inst
	s.mu.Unlock()

	if woke {
		m.log.Debug("session woke", "session_id", s.ID, "tool", s.Tool, "from", from)
		m.publish(s, from, StateActive)
	}

	lease := &Lease{m: m, session: s, inst: inst}
	if inst.Running() {
		return lease, nil
	}

	bound, err := m.bind(ctx, s)
	if err != nil {
		lease.Release()
		return nil, err
	}
	lease.inst = bound
	return lease, nil
}

func (m *Manager) bind(ctx context.Context, s *Session) (*process.Instance, error) {
	if m.binder == nil {
		return nil, tool.Errorf(tool.KindToolUnavailable, "tool %q is not running", s.Tool)
	}
	inst, err := m.binder.Bind(ctx, s.Tool)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inst.Running() {
		return s.inst, nil
	}
	if s.state != StateTerminated {
		s.inst = inst
	}
	return inst, nil
}

// checkAlive terminates over-lifetime sessions and reports terminated ones.
func (m *Manager) checkAlive(s *Session) error {
	s.mu.Lock()
	state := s.state
	over := m.clock.Now().Sub(s.CreatedAt) >= m.cfg.MaxLifetime
	s.mu.Unlock()

	if state == StateTerminated {
		return expired(s.ID)
	}
	if over {
		m.terminate(s, "max session lifetime exceeded")
		return expired(s.ID)
	}
	return nil
}

func expired(id string) error {
	return tool.Errorf(tool.KindSessionExpired, "session %s has expired", id)
}

// Return hands an ephemeral session back after a call: into the tool's pool
// when there is room, terminated otherwise. Named sessions are left alone.
func (m *Manager) Return(s *Session) {
	if s == nil || s.Named {
		return
	}
	s.mu.Lock()
	reusable := s.state != StateTerminated && s.pending == 0 && !s.pooled
	s.mu.Unlock()
	if !reusable {
		return
	}

	m.mu.Lock()
	pool := m.pools[s.Tool]
	if len(pool) < m.cfg.PoolSize {
		s.mu.Lock()
		s.pooled = true
		s.mu.Unlock()
		m.pools[s.Tool] = append(pool, s)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.terminate(s, "pool full")
}

// Terminate destroys the session with id.
func (m *Manager) Terminate(id string) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	return m.terminate(s, "terminated by caller")
}

// TerminateTool destroys every session bound to toolName.
func (m *Manager) TerminateTool(toolName string) int {
	var n int
	for _, s := range m.snapshot() {
		if s.Tool == toolName && m.terminate(s, "tool removed") {
			n++
		}
	}
	return n
}

func (m *Manager) terminate(s *Session, reason string) bool {
	s.mu.Lock()
	from, err := s.setState(StateTerminated)
	if err != nil {
		s.mu.Unlock()
		return false
	}
	s.terminatedAt = m.clock.Now()
	wasPooled := s.pooled
	s.pooled = false
	s.mu.Unlock()

	if wasPooled {
		m.mu.Lock()
		pool := m.pools[s.Tool]
		for idx, pooled := range pool {
			if pooled == s {
				m.pools[s.Tool] = append(pool[:idx:idx], pool[idx+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}
	m.slots.Release(1)

	m.log.Debug("session terminated", "session_id", s.ID, "tool", s.Tool, "reason", reason)
	m.publish(s, from, StateTerminated)
	return true
}

// Sweep advances every session's lifecycle against the clock: ACTIVE ->
// IDLE after IdleTimeout without calls, IDLE -> HIBERNATING after
// HibernationTimeout, termination past MaxLifetime, and purging of sessions
// terminated longer than Retention ago. Sessions with calls in flight are
// never idled.
func (m *Manager) Sweep() SweepResult {
	var result SweepResult
	now := m.clock.Now()

	type change struct {
		s        *Session
		from, to State
	}
	var (
		changes []change
		expire  []*Session
		purge   []string
	)

	for _, s := range m.snapshot() {
		s.mu.Lock()
		switch {
		case s.state == StateTerminated:
			if now.Sub(s.terminatedAt) >= m.cfg.Retention {
				purge = append(purge, s.ID)
			}
		case now.Sub(s.CreatedAt) >= m.cfg.MaxLifetime:
			expire = append(expire, s)
		case s.pending > 0:
		default:
			elapsed := now.Sub(s.lastActivity)
			if s.state == StateActive && elapsed >= m.cfg.IdleTimeout {
				if from, err := s.setState(StateIdle); err == nil {
					changes = append(changes, change{s, from, StateIdle})
					result.Idled++
				}
			}
			if s.state == StateIdle && elapsed >= m.cfg.HibernationTimeout {
				if from, err := s.setState(StateHibernating); err == nil {
					changes = append(changes, change{s, from, StateHibernating})
					result.Hibernated++
				}
			}
		}
		s.mu.Unlock()
	}

	for _, c := range changes {
		m.publish(c.s, c.from, c.to)
	}
	for _, s := range expire {
		if m.terminate(s, "max session lifetime exceeded") {
			result.Terminated++
		}
	}
	if len(purge) > 0 {
		m.mu.Lock()
		for _, id := range purge {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		result.Purged = len(purge)
	}

	if result != (SweepResult{}) {
		m.log.Debug("session sweep",
			"idled", result.Idled,
			"hibernated", result.Hibernated,
			"terminated", result.Terminated,
			"purged", result.Purged,
		)
	}
	return result
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// List returns a snapshot of every session, oldest first.
func (m *Manager) List() []Info {
	sessions := m.snapshot()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of sessions per state.
func (m *Manager) Counts() map[State]int {
	counts := make(map[State]int)
	for _, s := range m.snapshot() {
		counts[s.State()]++
	}
	return counts
}

// Close terminates every session.
func (m *Manager) Close() {
	for _, s := range m.snapshot() {
		m.terminate(s, "shutdown")
	}
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) publish(s *Session, from, to State) {
	event := bus.Transition(bus.EventSessionState, s.Tool, string(from), string(to))
	event.SessionID = s.ID
	m.events.Publish(event)
}
