package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/petal-labs/mcpfleet/bus"
	"github.com/petal-labs/mcpfleet/tool"
)

const (
	DefaultGracePeriod  = 5 * time.Second
	DefaultStableWindow = 5 * time.Minute
)

// Config configures a Manager. Zero values fall back to defaults.
type Config struct {
	// MaxProcesses caps live instances across all tools. Zero means no cap.
	MaxProcesses     int
	GracePeriod      time.Duration
	RestartBaseDelay time.Duration
	RestartMaxDelay  time.Duration
	// StableWindow is the uptime after which an instance's earlier restarts
	// no longer count against its budget.
	StableWindow time.Duration
	// LogLines is the per-instance output ring size.
	LogLines   int
	ClientInfo mcp.Implementation
	HTTPClient *http.Client
	Logger     *slog.Logger
	Events     bus.Publisher
	Observer   tool.Observer
}

// Status is a point-in-time view of one tool's lifecycle.
type Status struct {
	Tool           string              `json:"tool"`
	State          State               `json:"state"`
	PID            int                 `json:"pid,omitempty"`
	StartedAt      time.Time           `json:"started_at,omitzero"`
	Uptime         time.Duration       `json:"uptime"`
	RestartCount   int                 `json:"restart_count"`
	LastError      string              `json:"last_error,omitempty"`
	LastErrorKind  tool.ErrorKind      `json:"last_error_kind,omitempty"`
	ConnectionType tool.ConnectionType `json:"connection_type,omitempty"`
}

// slot is the per-tool lifecycle record. op serializes transitions for the
// tool; mu guards the fields so status reads never wait on a slow start.
type slot struct {
	name string
	op   sync.Mutex

	mu         sync.RWMutex
	def        tool.Definition
	state      State
	inst       *Instance
	last       *Instance
	restarts   int
	lastErr    error
	generation uint64
}

func (s *slot) current() (State, *Instance) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.inst
}

func (s *slot) definition() tool.Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def
}

func (s *slot) restartCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

func (s *slot) gen() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// cancelRecovery invalidates any pending backoff restart.
func (s *slot) cancelRecovery() {
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
}

// Manager owns the tool processes of a fleet: exactly one instance per tool
// name, transitions validated against the state table, crash recovery with
// exponential backoff.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	events   bus.Publisher
	observer tool.Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	slots  map[string]*slot
	live   int
	closed bool
}

// NewManager creates a process manager.
func NewManager(cfg Config) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = DefaultLogLines
	}
	if cfg.StableWindow <= 0 {
		cfg.StableWindow = DefaultStableWindow
	}
	if cfg.ClientInfo.Name == "" {
		cfg.ClientInfo = mcp.Implementation{Name: "mcpfleet", Version: "dev"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "process"),
		events:   bus.OrDiscard(cfg.Events),
		observer: tool.ObserverOrNop(cfg.Observer),
		ctx:      ctx,
		cancel:   cancel,
		slots:    make(map[string]*slot),
	}
}

// Backoff returns the restart schedule applied to def.
func (m *Manager) Backoff(def tool.Definition) Backoff {
	return Backoff{
		Base:        m.cfg.RestartBaseDelay,
		Max:         m.cfg.RestartMaxDelay,
		MaxAttempts: def.MaxRestartAttempts,
	}
}

func (m *Manager) slotFor(name string) (*slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, tool.Errorf(tool.KindToolUnavailable, "process manager is closed")
	}
	s, ok := m.slots[name]
	if !ok {
		s = &slot{name: name, state: StateStopped}
		m.slots[name] = s
	}
	return s, nil
}

func (m *Manager) lookup(name string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[name]
}

func (m *Manager) reserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxProcesses > 0 && m.live >= m.cfg.MaxProcesses {
		return false
	}
	m.live++
	return true
}

func (m *Manager) release() {
	m.mu.Lock()
	if m.live > 0 {
		m.live--
	}
	m.mu.Unlock()
}

// Live returns the number of instances currently holding a process slot.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// move applies a validated transition. next, when non-nil, becomes the
// slot's bound instance. Callers hold s.op.
func (m *Manager) move(s *slot, to State, next *Instance) error {
	s.mu.Lock()
	from := s.state
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("tool %q: %w", s.name, err)
	}
	if next != nil {
		s.inst = next
		s.last = next
	}
	inst := s.inst
	s.state = to
	if to == StateStopped || to == StateFailed {
		s.inst = nil
	}
	s.mu.Unlock()

	if inst != nil {
		inst.setState(to)
	}
	m.log.Info("tool state changed", "tool", s.name, "from", from, "to", to)
	m.events.Publish(bus.Transition(bus.EventInstanceState, s.name, string(from), string(to)))
	return nil
}

// fail records cause and moves the slot to ERROR.
func (m *Manager) fail(s *slot, inst *Instance, cause error) error {
	if inst != nil {
		inst.setErr(cause)
	}
	s.mu.Lock()
	s.lastErr = cause
	s.mu.Unlock()
	if err := m.move(s, StateError, nil); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Start launches def and waits for it to become ready. It is idempotent for
// a RUNNING tool and refuses FAILED tools until Reset.
func (m *Manager) Start(ctx context.Context, def tool.Definition) (*Instance, error) {
	def = def.Normalize()
	if err := tool.Validate(def); err != nil {
		return nil, err
	}
	s, err := m.slotFor(def.Name)
	if err != nil {
		return nil, err
	}

	s.op.Lock()
	defer s.op.Unlock()

	switch state, inst := s.current(); state {
	case StateRunning:
		return inst, nil
	case StateFailed:
		return nil, tool.Errorf(tool.KindToolUnavailable, "tool %q has failed; reset it before starting", def.Name)
	}

	s.mu.Lock()
	s.def = def.Clone()
	s.generation++
	s.mu.Unlock()

	inst, err := m.launch(ctx, s)
	if err != nil {
		m.recover(s, err)
		return nil, err
	}
	return inst, nil
}

// launch spawns the slot's definition and waits for readiness. Callers hold
// s.op. A max_processes refusal leaves the state untouched.
func (m *Manager) launch(ctx context.Context, s *slot) (*Instance, error) {
	def := s.definition()
	if !m.reserve() {
		return nil, tool.Errorf(tool.KindToolUnavailable,
			"tool %q not started: max_processes (%d) reached", def.Name, m.cfg.MaxProcesses)
	}

	inst := newInstance(def, s.restartCount(), m.cfg.LogLines)
	if err := m.move(s, StateStarting, inst); err != nil {
		m.release()
		return nil, err
	}

	if err := m.spawn(inst); err != nil {
		m.finish(inst, err)
		startErr := tool.NewError(tool.KindProcessStart,
			fmt.Sprintf("tool %q failed to spawn: %v", def.Name, err), false, err)
		return nil, m.fail(s, inst, startErr)
	}

	if err := m.awaitReady(ctx, inst); err != nil {
		if termErr := m.terminate(context.Background(), inst, false); termErr != nil {
			m.log.Warn("terminate unready tool", "tool", def.Name, "error", termErr)
		}
		return nil, m.fail(s, inst, err)
	}

	if err := m.move(s, StateRunning, nil); err != nil {
		return nil, err
	}
	m.log.Info("tool started",
		"tool", def.Name,
		"pid", inst.PID(),
		"transport", def.ConnectionType,
		"restarts", inst.RestartCount(),
	)
	return inst, nil
}

// recover applies the restart policy to a slot in ERROR: a backoff restart
// while budget remains and auto-restart is on, FAILED otherwise. Callers hold
// s.op.
func (m *Manager) recover(s *slot, cause error) {
	if state, _ := s.current(); state != StateError {
		return
	}
	if m.ctx.Err() != nil {
		return
	}

	def := s.definition()
	restarts := s.restartCount()
	backoff := m.Backoff(def)
	if !def.AutoRestart || backoff.Exhausted(restarts) {
		reason := "restart budget exhausted"
		if !def.AutoRestart {
			reason = "auto restart disabled"
		}
		if err := m.move(s, StateFailed, nil); err != nil {
			m.log.Error("mark tool failed", "tool", s.name, "error", err)
			return
		}
		m.log.Error("tool failed",
			"tool", s.name,
			"reason", reason,
			"restarts", restarts,
			"error", cause,
		)
		return
	}

	delay := backoff.Delay(restarts)
	gen := s.gen()
	m.events.Publish(bus.NewEvent(bus.EventRestartScheduled, s.name).
		WithDetail("attempt", restarts+1).
		WithDetail("delay_ms", delay.Milliseconds()).
		WithDetail("cause", tool.KindOf(cause)))
	m.log.Warn("tool restart scheduled",
		"tool", s.name,
		"attempt", restarts+1,
		"max_attempts", backoff.MaxAttempts,
		"delay", delay,
		"error", cause,
	)

	m.wg.Add(1)
	go m.restartAfter(s, gen, delay, cause)
}

func (m *Manager) restartAfter(s *slot, gen uint64, delay time.Duration, cause error) {
	defer m.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-m.ctx.Done():
		return
	case <-timer.C:
	}

	s.op.Lock()
	defer s.op.Unlock()
	if state, _ := s.current(); state != StateError || s.gen() != gen || m.ctx.Err() != nil {
		return
	}

	attempt := m.countRestart(s)
	inst, err := m.launch(m.ctx, s)
	m.observer.ObserveRestart(tool.RestartObservation{
		ToolName:  s.name,
		Attempt:   attempt,
		Delay:     delay,
		Reason:    string(tool.KindOf(cause)),
		Succeeded: err == nil,
		ErrorKind: tool.KindOf(err),
	})
	if err != nil {
		m.recover(s, err)
		return
	}
	m.log.Info("tool recovered", "tool", s.name, "attempt", attempt, "pid", inst.PID())
}

// settle clears the restart count once inst has stayed up for the stable
// window, so crashes spread over a long healthy uptime never add up to FAILED.
func (m *Manager) settle(s *slot, inst *Instance) {
	if inst == nil || inst.Uptime(time.Now()) < m.cfg.StableWindow {
		return
	}
	s.mu.Lock()
	cleared := s.restarts
	s.restarts = 0
	s.mu.Unlock()
	if cleared > 0 {
		m.log.Info("restart count cleared", "tool", s.name, "restarts", cleared, "uptime", inst.Uptime(time.Now()))
	}
}

func (m *Manager) countRestart(s *slot) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	return s.restarts
}

// onExit handles a process exit observed by the wait goroutine. Exits of
// instances that are no longer RUNNING (stopping, replaced, failed startup)
// were intended and are ignored.
func (m *Manager) onExit(inst *Instance) {
	s := m.lookup(inst.ToolName())
	if s == nil {
		return
	}
	s.op.Lock()
	defer s.op.Unlock()

	state, cur := s.current()
	if cur != inst || state != StateRunning {
		return
	}
	m.settle(s, inst)
	crash := m.crashError(inst)
	m.log.Error("tool crashed", "tool", s.name, "pid", inst.PID(), "error", crash)
	_ = m.fail(s, inst, crash)
	m.recover(s, crash)
}

// Stop terminates the tool's instance: STOPPING, stdin closed, SIGTERM, then
// a kill after the grace period. Stopping a stopped tool is a no-op.
func (m *Manager) Stop(ctx context.Context, name string) error {
	s := m.lookup(name)
	if s == nil {
		return nil
	}
	s.op.Lock()
	defer s.op.Unlock()
	s.cancelRecovery()

	switch state, inst := s.current(); state {
	case StateRunning:
		if err := m.move(s, StateStopping, nil); err != nil {
			return err
		}
		termErr := m.terminate(ctx, inst, true)
		if err := m.move(s, StateStopped, nil); err != nil {
			return err
		}
		if termErr != nil {
			return termErr
		}
		m.log.Info("tool stopped", "tool", name, "pid", inst.PID())
		return nil
	case StateError:
		if inst != nil {
			_ = m.terminate(ctx, inst, false)
		}
		return m.move(s, StateStopped, nil)
	default:
		return nil
	}
}

// Restart stops the tool, counts a restart, waits the backoff delay and
// starts it again. It is the operator's restart and is not bounded by
// max_restart_attempts.
func (m *Manager) Restart(ctx context.Context, name string) (*Instance, error) {
	s := m.lookup(name)
	if s == nil {
		return nil, tool.Errorf(tool.KindToolUnavailable, "tool %q has never been started", name)
	}
	s.op.Lock()
	defer s.op.Unlock()
	return m.restart(ctx, s, "requested", false)
}

// Recover restarts an unhealthy tool under its restart budget. An exhausted
// budget marks the tool FAILED.
func (m *Manager) Recover(ctx context.Context, name string) (*Instance, error) {
	s := m.lookup(name)
	if s == nil {
		return nil, tool.Errorf(tool.KindToolUnavailable, "tool %q has never been started", name)
	}
	s.op.Lock()
	defer s.op.Unlock()
	return m.restart(ctx, s, "unhealthy", true)
}

// Renew returns a RUNNING instance other than stale, restarting the tool
// when stale is still the bound instance.
func (m *Manager) Renew(ctx context.Context, name string, stale *Instance) (*Instance, error) {
	s := m.lookup(name)
	if s == nil {
		return nil, tool.Errorf(tool.KindToolUnavailable, "tool %q is not running", name)
	}
	s.op.Lock()
	defer s.op.Unlock()

	state, inst := s.current()
	switch {
	case state == StateRunning && inst != stale:
		return inst, nil
	case state == StateStopped:
		inst, err := m.launch(ctx, s)
		if err != nil {
			m.recover(s, err)
			return nil, err
		}
		return inst, nil
	}
	return m.restart(ctx, s, "renew", true)
}

func (m *Manager) restart(ctx context.Context, s *slot, reason string, budgeted bool) (*Instance, error) {
	state, inst := s.current()
	if state == StateFailed {
		return nil, tool.Errorf(tool.KindToolUnavailable, "tool %q has failed; reset it before restarting", s.name)
	}
	if state == StateRunning {
		m.settle(s, inst)
	}

	def := s.definition()
	backoff := m.Backoff(def)
	if restarts := s.restartCount(); budgeted && backoff.Exhausted(restarts) && state != StateStopped {
		exhausted := tool.Errorf(tool.KindToolUnavailable,
			"tool %q exhausted its restart budget (%d attempts)", s.name, backoff.MaxAttempts)
		s.cancelRecovery()
		if state == StateRunning {
			_ = m.fail(s, inst, exhausted)
			_ = m.terminate(ctx, inst, false)
		}
		if err := m.move(s, StateFailed, nil); err != nil {
			return nil, errors.Join(exhausted, err)
		}
		m.log.Error("tool failed", "tool", s.name, "reason", "restart budget exhausted", "restarts", restarts)
		return nil, exhausted
	}

	s.cancelRecovery()
	switch state {
	case StateRunning:
		if err := m.move(s, StateStopping, nil); err != nil {
			return nil, err
		}
		_ = m.terminate(ctx, inst, true)
		if err := m.move(s, StateStopped, nil); err != nil {
			return nil, err
		}
	case StateError:
		if inst != nil {
			_ = m.terminate(ctx, inst, false)
		}
	}

	attempt := m.countRestart(s)
	delay := backoff.Delay(attempt - 1)
	m.log.Info("restarting tool", "tool", s.name, "attempt", attempt, "delay", delay, "reason", reason)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		err := tool.NewError(tool.KindRequestTimeout, fmt.Sprintf("restart of tool %q cancelled", s.name), false, ctx.Err())
		m.recover(s, err)
		return nil, err
	case <-timer.C:
	}

	next, err := m.launch(ctx, s)
	m.observer.ObserveRestart(tool.RestartObservation{
		ToolName:  s.name,
		Attempt:   attempt,
		Delay:     delay,
		Reason:    reason,
		Succeeded: err == nil,
		ErrorKind: tool.KindOf(err),
	})
	if err != nil {
		m.recover(s, err)
		return nil, err
	}
	return next, nil
}

// Reset clears a FAILED tool back to STOPPED and refills its restart budget.
func (m *Manager) Reset(name string) error {
	s := m.lookup(name)
	if s == nil {
		return nil
	}
	s.op.Lock()
	defer s.op.Unlock()

	state, _ := s.current()
	switch state {
	case StateFailed:
		if err := m.move(s, StateStopped, nil); err != nil {
			return err
		}
	case StateStopped:
	default:
		return fmt.Errorf("tool %q is %s: %w", name, state, ErrInvalidTransition)
	}

	s.mu.Lock()
	s.restarts = 0
	s.lastErr = nil
	s.mu.Unlock()
	m.log.Info("tool reset", "tool", name)
	return nil
}

// Instance returns the tool's RUNNING instance.
func (m *Manager) Instance(name string) (*Instance, bool) {
	s := m.lookup(name)
	if s == nil {
		return nil, false
	}
	state, inst := s.current()
	if state != StateRunning || inst == nil {
		return nil, false
	}
	return inst, true
}

// Running returns every RUNNING instance, ordered by tool name.
func (m *Manager) Running() []*Instance {
	out := make([]*Instance, 0)
	for _, s := range m.sortedSlots() {
		if state, inst := s.current(); state == StateRunning && inst != nil {
			out = append(out, inst)
		}
	}
	return out
}

// Status reports the tool's lifecycle. Unknown tools are STOPPED.
func (m *Manager) Status(name string) Status {
	s := m.lookup(name)
	if s == nil {
		return Status{Tool: name, State: StateStopped}
	}
	return s.status(time.Now())
}

// Statuses reports every tool the manager has seen, ordered by name.
func (m *Manager) Statuses() []Status {
	now := time.Now()
	slots := m.sortedSlots()
	out := make([]Status, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.status(now))
	}
	return out
}

func (s *slot) status(now time.Time) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Tool:           s.name,
		State:          s.state,
		RestartCount:   s.restarts,
		ConnectionType: s.def.ConnectionType,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
		st.LastErrorKind = tool.KindOf(s.lastErr)
	}
	if s.inst != nil {
		st.PID = s.inst.PID()
		st.StartedAt = s.inst.StartedAt()
		st.Uptime = s.inst.Uptime(now)
	}
	return st
}

// Logs returns up to n recent output lines of the tool's current or most
// recent instance.
func (m *Manager) Logs(name string, n int) []LogLine {
	s := m.lookup(name)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()
	if last == nil {
		return nil
	}
	return last.Logs(n)
}

func (m *Manager) sortedSlots() []*slot {
	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.Unlock()
	sort.Slice(slots, func(i, j int) bool { return slots[i].name < slots[j].name })
	return slots
}

// Close cancels pending restarts and stops every tool.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	var errs []error
	for _, s := range m.sortedSlots() {
		if err := m.Stop(ctx, s.name); err != nil {
			errs = append(errs, err)
		}
	}
	m.wg.Wait()
	return errors.Join(errs...)
}
