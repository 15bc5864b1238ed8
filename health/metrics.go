package health

import (
	"sort"
	"sync"
	"time"

	"github.com/petal-labs/mcpfleet/process"
	"github.com/petal-labs/mcpfleet/tool"
)

// Metrics aggregates per-tool call and health counters. It is safe for
// concurrent use.
type Metrics struct {
	mu    sync.Mutex
	tools map[string]*counters
}

type counters struct {
	requests       int64
	errors         int64
	totalLatency   time.Duration
	errorsByKind   map[tool.ErrorKind]int64
	healthChecks   int64
	healthFailures int64
	lastCall       time.Time
}

// ToolMetrics is the aggregated view of one tool.
type ToolMetrics struct {
	Tool           string                   `json:"tool"`
	State          process.State            `json:"state"`
	Uptime         time.Duration            `json:"uptime"`
	Requests       int64                    `json:"requests"`
	Errors         int64                    `json:"errors"`
	ErrorRate      float64                  `json:"error_rate"`
	AvgLatencyMS   float64                  `json:"avg_latency_ms"`
	ErrorsByKind   map[tool.ErrorKind]int64 `json:"errors_by_kind,omitempty"`
	HealthChecks   int64                    `json:"health_checks"`
	HealthFailures int64                    `json:"health_failures"`
	Restarts       int                      `json:"restarts"`
	LastCall       time.Time                `json:"last_call,omitzero"`
}

// Snapshot is the fleet-wide metrics view.
type Snapshot struct {
	CollectedAt time.Time     `json:"collected_at"`
	Tools       []ToolMetrics `json:"tools"`
	Requests    int64         `json:"requests"`
	Errors      int64         `json:"errors"`
	Running     int           `json:"running"`
	Failed      int           `json:"failed"`
}

// NewMetrics creates an empty aggregator.
func NewMetrics() *Metrics {
	return &Metrics{tools: make(map[string]*counters)}
}

func (m *Metrics) entry(name string) *counters {
	c, ok := m.tools[name]
	if !ok {
		c = &counters{errorsByKind: make(map[tool.ErrorKind]int64)}
		m.tools[name] = c
	}
	return c
}

// RecordCall counts one routed call.
func (m *Metrics) RecordCall(name string, latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.entry(name)
	c.requests++
	c.totalLatency += latency
	c.lastCall = time.Now()
	if err != nil {
		c.errors++
		c.errorsByKind[tool.KindOf(err)]++
	}
}

// RecordHealth counts one health probe.
func (m *Metrics) RecordHealth(name string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.entry(name)
	c.healthChecks++
	if !healthy {
		c.healthFailures++
	}
}

// Forget drops the counters of a removed tool.
func (m *Metrics) Forget(name string) {
	m.mu.Lock()
	delete(m.tools, name)
	m.mu.Unlock()
}

// Snapshot merges the counters with process statuses. Tools that have
// counters but no status are reported as STOPPED.
func (m *Metrics) Snapshot(statuses []process.Status) Snapshot {
	byName := make(map[string]process.Status, len(statuses))
	for _, st := range statuses {
		byName[st.Tool] = st
	}

	m.mu.Lock()
	names := make(map[string]struct{}, len(m.tools)+len(byName))
	for name := range m.tools {
		names[name] = struct{}{}
	}
	for name := range byName {
		names[name] = struct{}{}
	}

	snap := Snapshot{CollectedAt: time.Now()}
	for name := range names {
		tm := ToolMetrics{Tool: name, State: process.StateStopped}
		if st, ok := byName[name]; ok {
			tm.State = st.State
			tm.Uptime = st.Uptime
			tm.Restarts = st.RestartCount
		}
		if c, ok := m.tools[name]; ok {
			tm.Requests = c.requests
			tm.Errors = c.errors
			tm.HealthChecks = c.healthChecks
			tm.HealthFailures = c.healthFailures
			tm.LastCall = c.lastCall
			if c.requests > 0 {
				tm.ErrorRate = float64(c.errors) / float64(c.requests)
				tm.AvgLatencyMS = float64(c.totalLatency.Microseconds()) / 1000 / float64(c.requests)
			}
			if len(c.errorsByKind) > 0 {
				tm.ErrorsByKind = make(map[tool.ErrorKind]int64, len(c.errorsByKind))
				for kind, n := range c.errorsByKind {
					tm.ErrorsByKind[kind] = n
				}
			}
		}
		snap.Requests += tm.Requests
		snap.Errors += tm.Errors
		switch tm.State {
		case process.StateRunning:
			snap.Running++
		case process.StateFailed:
			snap.Failed++
		}
		snap.Tools = append(snap.Tools, tm)
	}
	m.mu.Unlock()

	sort.Slice(snap.Tools, func(i, j int) bool { return snap.Tools[i].Tool < snap.Tools[j].Tool })
	return snap
}
