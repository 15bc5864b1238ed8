// Package health probes running tool instances, restarts the ones that stop
// answering, and aggregates per-tool metrics.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/petal-labs/mcpfleet/bridge"
	"github.com/petal-labs/mcpfleet/bus"
	"github.com/petal-labs/mcpfleet/process"
	"github.com/petal-labs/mcpfleet/ring"
	"github.com/petal-labs/mcpfleet/tool"
)

const (
	DefaultInterval         = 30 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultFailureThreshold = 3
	DefaultHistorySize      = 100
)

// Record is one health check outcome.
type Record struct {
	Time      time.Time      `json:"time"`
	Success   bool           `json:"success"`
	Latency   time.Duration  `json:"latency"`
	ErrorKind tool.ErrorKind `json:"error_kind,omitempty"`
	Detail    string         `json:"detail,omitempty"`
}

// Gate hands out the per-tool call slots that routed calls also take.
type Gate interface {
	TryGate(tool string, limit int) (release func(), ok bool)
}

// Config configures a Monitor.
type Config struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	HistorySize      int
	Logger           *slog.Logger
	Events           bus.Publisher
	Observer         tool.Observer
	// Gate, when set, keeps probes from overlapping calls: a tool with no
	// free call slot is busy answering and its probe is skipped.
	Gate Gate
}

// ToolHealth summarizes the checks of one tool.
type ToolHealth struct {
	Tool                string    `json:"tool"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Suspended           bool      `json:"suspended"`
	LastCheck           time.Time `json:"last_check,omitzero"`
	Checks              int64     `json:"checks"`
}

type toolState struct {
	history   *ring.Buffer[Record]
	failures  int
	suspended bool
}

// Monitor runs periodic health checks against the process manager's
// RUNNING instances.
type Monitor struct {
	processes *process.Manager
	metrics   *Metrics
	cfg       Config
	log       *slog.Logger
	events    bus.Publisher
	observer  tool.Observer

	mu    sync.Mutex
	tools map[string]*toolState
}

// NewMonitor creates a health monitor. metrics may be nil.
func NewMonitor(processes *process.Manager, metrics *Metrics, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Monitor{
		processes: processes,
		metrics:   metrics,
		cfg:       cfg,
		log:       cfg.Logger.With("component", "health"),
		events:    bus.OrDiscard(cfg.Events),
		observer:  tool.ObserverOrNop(cfg.Observer),
		tools:     make(map[string]*toolState),
	}
}

// Run checks the fleet every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce probes every RUNNING instance concurrently and records a failure
// for every instance found in ERROR. A tool reaching FailureThreshold
// consecutive failures is restarted; a FAILED tool is not probed until it is
// reset.
func (m *Monitor) RunOnce(ctx context.Context) map[string]Record {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]Record)
	)
	collect := func(name string, rec Record) {
		mu.Lock()
		results[name] = rec
		mu.Unlock()
	}

	for _, st := range m.processes.Statuses() {
		m.setSuspended(st.Tool, st.State == process.StateFailed)

		switch st.State {
		case process.StateRunning:
			inst, ok := m.processes.Instance(st.Tool)
			if !ok {
				continue
			}
			release, ok := m.acquire(inst)
			if !ok {
				m.log.Debug("tool busy; probe skipped", "tool", st.Tool)
				continue
			}
			wg.Add(1)
			go func(name string, inst *process.Instance) {
				defer wg.Done()
				defer release()
				collect(name, m.check(ctx, name, inst))
			}(st.Tool, inst)
		case process.StateError:
			rec := Record{
				Time:      time.Now(),
				ErrorKind: st.LastErrorKind,
				Detail:    st.LastError,
			}
			if rec.ErrorKind == "" {
				rec.ErrorKind = tool.KindProcessCrash
			}
			m.record(st.Tool, rec)
			collect(st.Tool, rec)
		}
	}
	wg.Wait()
	return results
}

func (m *Monitor) acquire(inst *process.Instance) (func(), bool) {
	if m.cfg.Gate == nil {
		return func() {}, true
	}
	return m.cfg.Gate.TryGate(inst.ToolName(), inst.Definition().ConcurrencyLimit())
}

func (m *Monitor) check(ctx context.Context, name string, inst *process.Instance) Record {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	latency, err := bridge.Probe(probeCtx, inst.Transport())
	cancel()

	rec := Record{Time: time.Now(), Success: err == nil, Latency: latency}
	if err != nil {
		rec.ErrorKind = tool.KindOf(err)
		rec.Detail = err.Error()
	}
	failures := m.record(name, rec)

	if failures >= m.cfg.FailureThreshold {
		m.restart(ctx, name, failures, rec)
	}
	return rec
}

// record stores rec and returns the tool's consecutive failure count.
func (m *Monitor) record(name string, rec Record) int {
	m.mu.Lock()
	ts := m.state(name)
	ts.history.Add(rec)
	if rec.Success {
		ts.failures = 0
	} else {
		ts.failures++
	}
	failures := ts.failures
	m.mu.Unlock()

	m.metrics.RecordHealth(name, rec.Success)
	m.observer.ObserveHealth(tool.HealthObservation{
		ToolName:            name,
		Healthy:             rec.Success,
		ConsecutiveFailures: failures,
		DurationMS:          rec.Latency.Milliseconds(),
		Interval:            m.cfg.Interval,
		ErrorKind:           rec.ErrorKind,
	})
	m.events.Publish(bus.NewEvent(bus.EventHealthCheck, name).
		WithDetail("healthy", rec.Success).
		WithDetail("latency_ms", rec.Latency.Milliseconds()).
		WithDetail("consecutive_failures", failures))

	if !rec.Success {
		m.log.Warn("health check failed",
			"tool", name,
			"consecutive_failures", failures,
			"threshold", m.cfg.FailureThreshold,
			"error_kind", rec.ErrorKind,
			"detail", rec.Detail,
		)
	}
	return failures
}

func (m *Monitor) restart(ctx context.Context, name string, failures int, last Record) {
	m.log.Warn("tool unhealthy; restarting", "tool", name, "consecutive_failures", failures, "error_kind", last.ErrorKind)

	m.mu.Lock()
	m.state(name).failures = 0
	m.mu.Unlock()

	if _, err := m.processes.Recover(ctx, name); err != nil {
		if m.processes.Status(name).State == process.StateFailed {
			m.setSuspended(name, true)
			m.log.Error("tool failed; health checks suspended until reset", "tool", name, "error", err)
			return
		}
		m.log.Error("health restart failed", "tool", name, "error", err)
	}
}

// state returns the tool's record, creating it. Callers hold m.mu.
func (m *Monitor) state(name string) *toolState {
	ts, ok := m.tools[name]
	if !ok {
		ts = &toolState{history: ring.New[Record](m.cfg.HistorySize)}
		m.tools[name] = ts
	}
	return ts
}

func (m *Monitor) setSuspended(name string, suspended bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.state(name)
	if ts.suspended && !suspended {
		ts.failures = 0
	}
	ts.suspended = suspended
}

// History returns up to n recent records of name, oldest first.
func (m *Monitor) History(name string, n int) []Record {
	m.mu.Lock()
	ts, ok := m.tools[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if n <= 0 {
		return ts.history.Snapshot()
	}
	return ts.history.Last(n)
}

// Status summarizes the health of name.
func (m *Monitor) Status(name string) ToolHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tools[name]
	if !ok {
		return ToolHealth{Tool: name}
	}
	return summarize(name, ts)
}

// Statuses summarizes every tool that has been checked, ordered by name.
func (m *Monitor) Statuses() []ToolHealth {
	m.mu.Lock()
	out := make([]ToolHealth, 0, len(m.tools))
	for name, ts := range m.tools {
		out = append(out, summarize(name, ts))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}

func summarize(name string, ts *toolState) ToolHealth {
	h := ToolHealth{
		Tool:                name,
		ConsecutiveFailures: ts.failures,
		Suspended:           ts.suspended,
		Checks:              ts.history.Total(),
	}
	if last, ok := ts.history.Newest(); ok {
		h.Healthy = last.Success
		h.LastCheck = last.Time
	}
	return h
}

// Forget drops the history of a removed tool.
func (m *Monitor) Forget(name string) {
	m.mu.Lock()
	delete(m.tools, name)
	m.mu.Unlock()
	m.metrics.Forget(name)
}
