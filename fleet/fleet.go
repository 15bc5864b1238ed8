// Package fleet is the API facade over the tool registry, process manager,
// session manager, request router and health monitor. Every operation of the
// HTTP API and the CLI goes through a Fleet.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/petal-labs/mcpfleet/bridge"
	"github.com/petal-labs/mcpfleet/bus"
	"github.com/petal-labs/mcpfleet/health"
	"github.com/petal-labs/mcpfleet/process"
	"github.com/petal-labs/mcpfleet/router"
	"github.com/petal-labs/mcpfleet/session"
	"github.com/petal-labs/mcpfleet/tool"
)

// Options carries the collaborators a Fleet is built with. Every field is
// optional.
type Options struct {
	// Store persists registered definitions. Defaults to a MemoryStore.
	Store      tool.Store
	Logger     *slog.Logger
	Observer   tool.Observer
	ClientInfo mcp.Implementation
	HTTPClient *http.Client
	// Clock drives the session sweep.
	Clock session.Clock
	// HistorySize bounds the lifecycle events kept for replay.
	HistorySize int
}

// Fleet manages a set of MCP tool processes behind one call interface.
type Fleet struct {
	cfg   Config
	log   *slog.Logger
	store tool.Store

	registry  *tool.Registry
	events    *bus.MemBus
	history   *bus.History
	processes *process.Manager
	sessions  *session.Manager
	router    *router.Router
	metrics   *health.Metrics
	monitor   *health.Monitor
}

// New builds a fleet and seeds its registry from the store.
func New(ctx context.Context, cfg Config, opts Options) (*Fleet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = tool.NewMemoryStore()
	}

	f := &Fleet{
		cfg:      cfg,
		log:      opts.Logger.With("component", "fleet"),
		store:    opts.Store,
		registry: tool.NewRegistry(),
		events:   bus.NewMemBus(bus.MemBusConfig{}),
		history:  bus.NewHistory(opts.HistorySize),
		metrics:  health.NewMetrics(),
	}
	if err := f.registry.Load(ctx, f.store); err != nil {
		return nil, fmt.Errorf("loading tool definitions: %w", err)
	}
	go bus.Pump(f.events.SubscribeAll(), f.history.Handle)

	f.processes = process.NewManager(process.Config{
		MaxProcesses:     cfg.MaxProcesses,
		GracePeriod:      cfg.GracePeriod,
		RestartBaseDelay: cfg.RestartBaseDelay,
		RestartMaxDelay:  cfg.RestartMaxDelay,
		LogLines:         cfg.LogLines,
		ClientInfo:       opts.ClientInfo,
		HTTPClient:       opts.HTTPClient,
		Logger:           opts.Logger,
		Events:           f.events,
		Observer:         opts.Observer,
	})
	f.sessions = session.NewManager(session.Config{
		IdleTimeout:        cfg.IdleTimeout,
		HibernationTimeout: cfg.HibernationTimeout,
		MaxLifetime:        cfg.MaxSessionLifetime,
		PoolSize:           cfg.SessionPoolSize,
		MaxSessions:        cfg.MaxConcurrentSessions,
		AcquireTimeout:     cfg.SessionAcquireTimeout,
		Binder: &router.Binder{
			Registry:  f.registry,
			Processes: f.processes,
			AutoStart: *cfg.AutoStart,
		},
		Clock:  opts.Clock,
		Logger: opts.Logger,
		Events: f.events,
	})
	f.router = router.New(f.registry, f.processes, f.sessions, router.Config{
		RetryCount:  *cfg.RetryCount,
		CallTimeout: cfg.CallTimeout,
		Logger:      opts.Logger,
		Observer:    opts.Observer,
		Recorder:    f.metrics,
	})
	f.monitor = health.NewMonitor(f.processes, f.metrics, health.Config{
		Interval:         cfg.HealthCheckInterval,
		ProbeTimeout:     cfg.HealthProbeTimeout,
		FailureThreshold: cfg.FailureThreshold,
		Logger:           opts.Logger,
		Events:           f.events,
		Observer:         opts.Observer,
		Gate:             f.sessions,
	})
	return f, nil
}

// Config returns the effective configuration.
func (f *Fleet) Config() Config { return f.cfg }

// Registry exposes the tool registry.
func (f *Fleet) Registry() *tool.Registry { return f.registry }

// Events exposes the lifecycle event bus.
func (f *Fleet) Events() bus.EventBus { return f.events }

// History holds recent lifecycle events for replay.
func (f *Fleet) History() *bus.History { return f.history }

// Monitor exposes the health monitor.
func (f *Fleet) Monitor() *health.Monitor { return f.monitor }

// ToolStatus is the lifecycle view of one tool.
type ToolStatus struct {
	Name           string              `json:"name"`
	Registered     bool                `json:"registered"`
	State          process.State       `json:"state"`
	PID            int                 `json:"pid,omitempty"`
	Uptime         time.Duration       `json:"uptime"`
	RestartCount   int                 `json:"restart_count"`
	LastError      string              `json:"last_error,omitempty"`
	LastErrorKind  tool.ErrorKind      `json:"last_error_kind,omitempty"`
	ConnectionType tool.ConnectionType `json:"connection_type,omitempty"`
	Health         health.ToolHealth   `json:"health"`
}

func (f *Fleet) status(name string) ToolStatus {
	st := f.processes.Status(name)
	_, registered := f.registry.Get(name)
	out := ToolStatus{
		Name:           name,
		Registered:     registered,
		State:          st.State,
		PID:            st.PID,
		Uptime:         st.Uptime,
		RestartCount:   st.RestartCount,
		LastError:      st.LastError,
		LastErrorKind:  st.LastErrorKind,
		ConnectionType: st.ConnectionType,
		Health:         f.monitor.Status(name),
	}
	if def, ok := f.registry.Get(name); ok && out.ConnectionType == "" {
		out.ConnectionType = def.ConnectionType
	}
	return out
}

func (f *Fleet) definition(name string) (tool.Definition, error) {
	def, ok := f.registry.Get(name)
	if !ok {
		return tool.Definition{}, tool.Errorf(tool.KindToolUnavailable, "tool %q is not registered", name)
	}
	return def, nil
}

// StartTool starts a registered tool. Starting a RUNNING tool is a no-op.
func (f *Fleet) StartTool(ctx context.Context, name string) (ToolStatus, error) {
	def, err := f.definition(name)
	if err != nil {
		return ToolStatus{Name: name, State: process.StateStopped}, err
	}
	_, err = f.processes.Start(ctx, def)
	return f.status(name), err
}

// StopTool stops a tool and ends its sessions. Stopping a stopped tool
// succeeds.
func (f *Fleet) StopTool(ctx context.Context, name string) (ToolStatus, error) {
	err := f.processes.Stop(ctx, name)
	if n := f.sessions.TerminateTool(name); n > 0 {
		f.log.Info("sessions terminated", "tool", name, "count", n, "reason", "tool stopped")
	}
	return f.status(name), err
}

// RestartTool stops and starts a tool again. It counts a restart but is not
// bounded by max_restart_attempts. A STOPPED tool is simply started.
func (f *Fleet) RestartTool(ctx context.Context, name string) (ToolStatus, error) {
	def, err := f.definition(name)
	if err != nil {
		return ToolStatus{Name: name, State: process.StateStopped}, err
	}
	if f.processes.Status(name).State == process.StateStopped {
		_, err = f.processes.Start(ctx, def)
		return f.status(name), err
	}
	_, err = f.processes.Restart(ctx, name)
	return f.status(name), err
}

// ResetTool clears a FAILED tool back to STOPPED with a fresh budget.
func (f *Fleet) ResetTool(ctx context.Context, name string) (ToolStatus, error) {
	if _, err := f.definition(name); err != nil {
		return ToolStatus{Name: name, State: process.StateStopped}, err
	}
	err := f.processes.Reset(name)
	return f.status(name), err
}

// GetToolStatus reports the lifecycle of a registered or previously started
// tool.
func (f *Fleet) GetToolStatus(name string) (ToolStatus, error) {
	st := f.status(name)
	if !st.Registered && st.State == process.StateStopped && st.RestartCount == 0 && st.LastError == "" {
		return st, tool.Errorf(tool.KindToolUnavailable, "tool %q is not registered", name)
	}
	return st, nil
}

// Statuses reports every registered tool and every tool with a lifecycle,
// ordered by name.
func (f *Fleet) Statuses() []ToolStatus {
	seen := make(map[string]struct{})
	var names []string
	for _, def := range f.registry.List() {
		seen[def.Name] = struct{}{}
		names = append(names, def.Name)
	}
	for _, st := range f.processes.Statuses() {
		if _, ok := seen[st.Tool]; !ok {
			names = append(names, st.Tool)
		}
	}
	slices.Sort(names)
	out := make([]ToolStatus, 0, len(names))
	for _, name := range names {
		out = append(out, f.status(name))
	}
	return out
}

// CallError is the failure half of a CallResult.
type CallError struct {
	Kind    tool.ErrorKind `json:"kind"`
	Message string         `json:"message"`
}

// CallResult is the outcome of CallTool. Failures are reported in Error and
// never as a Go error.
type CallResult struct {
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *CallError      `json:"error,omitempty"`
	ExecutionTime time.Duration   `json:"execution_time"`
	SessionID     string          `json:"session_id,omitempty"`
	Attempts      int             `json:"attempts,omitempty"`
}

// CallTool sends method to the tool. An empty sessionID uses a pooled
// session; a non-empty one names a session that persists across calls.
func (f *Fleet) CallTool(ctx context.Context, name, method string, params any, sessionID string) CallResult {
	return f.Call(ctx, router.Request{Tool: name, Method: method, Params: params, SessionID: sessionID})
}

// Call routes req and folds the outcome into a CallResult.
func (f *Fleet) Call(ctx context.Context, req router.Request) CallResult {
	res, err := f.router.Call(ctx, req)
	out := CallResult{
		Success:       err == nil,
		ExecutionTime: res.Duration,
		SessionID:     res.SessionID,
		Attempts:      res.Attempts,
	}
	if err != nil {
		out.Error = &CallError{Kind: tool.KindOf(err), Message: err.Error()}
		return out
	}
	out.Result = res.Value
	return out
}

// AvailableTool describes one registered tool and, when it is RUNNING, the
// capabilities it advertises.
type AvailableTool struct {
	Name            string              `json:"name"`
	Description     string              `json:"description,omitempty"`
	ConnectionType  tool.ConnectionType `json:"connection_type"`
	Status          process.State       `json:"status"`
	Capabilities    []*mcp.Tool         `json:"capabilities,omitempty"`
	CapabilityError string              `json:"capability_error,omitempty"`
}

// ListAvailableTools lists registered tools, querying tools/list on each
// RUNNING instance.
func (f *Fleet) ListAvailableTools(ctx context.Context) []AvailableTool {
	defs := f.registry.List()
	out := make([]AvailableTool, len(defs))
	for i, def := range defs {
		out[i] = AvailableTool{
			Name:           def.Name,
			Description:    def.Description,
			ConnectionType: def.ConnectionType,
			Status:         f.processes.Status(def.Name).State,
		}
		inst, ok := f.processes.Instance(def.Name)
		if !ok {
			continue
		}
		listCtx, cancel := context.WithTimeout(ctx, f.cfg.HealthProbeTimeout)
		caps, err := bridge.ListTools(listCtx, inst.Transport(), bridge.OriginAPI)
		cancel()
		if err != nil {
			out[i].CapabilityError = err.Error()
			continue
		}
		out[i].Capabilities = caps
	}
	return out
}

// Register validates def, adds it to the registry and persists it. A name
// already in use is a ConfigError.
func (f *Fleet) Register(ctx context.Context, def tool.Definition) error {
	if err := f.registry.Register(def); err != nil {
		return err
	}
	stored, _ := f.registry.Get(def.Name)
	if err := f.store.Upsert(ctx, stored); err != nil {
		f.registry.Unregister(def.Name)
		return fmt.Errorf("persisting tool %q: %w", def.Name, err)
	}
	f.log.Info("tool registered", "tool", def.Name, "connection_type", stored.ConnectionType)
	return nil
}

// Declare registers or replaces every definition, as loaded from a fleet
// file. Running tools whose definition changed are stopped so the next call
// starts them with the new definition.
func (f *Fleet) Declare(ctx context.Context, defs []tool.Definition) error {
	for _, def := range defs {
		if err := tool.Validate(def); err != nil {
			return err
		}
	}
	var errs []error
	for _, def := range defs {
		if err := f.replace(ctx, def); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fleet) replace(ctx context.Context, def tool.Definition) error {
	prev, existed := f.registry.Get(def.Name)
	if err := f.registry.Replace(def); err != nil {
		return err
	}
	next, _ := f.registry.Get(def.Name)
	if err := f.store.Upsert(ctx, next); err != nil {
		return fmt.Errorf("persisting tool %q: %w", def.Name, err)
	}
	if existed && prev.Fingerprint() != next.Fingerprint() && f.processes.Status(def.Name).State.Live() {
		f.log.Info("tool definition changed; stopping running instance", "tool", def.Name)
		if _, err := f.StopTool(ctx, def.Name); err != nil {
			return err
		}
	}
	return nil
}

// Unregister stops the tool, ends its sessions and removes it from the
// registry and the store. It reports whether the tool was registered.
func (f *Fleet) Unregister(ctx context.Context, name string) (bool, error) {
	if _, ok := f.registry.Get(name); !ok {
		return false, nil
	}
	var errs []error
	if _, err := f.StopTool(ctx, name); err != nil {
		errs = append(errs, err)
	}
	f.registry.Unregister(name)
	f.monitor.Forget(name)
	if err := f.store.Delete(ctx, name); err != nil {
		errs = append(errs, fmt.Errorf("deleting tool %q: %w", name, err))
	}
	f.log.Info("tool unregistered", "tool", name)
	return true, errors.Join(errs...)
}

// DiscoverTools scans paths (the configured discovery paths when empty) and
// applies the diff: new and updated definitions are registered and
// persisted, removed ones are unregistered.
func (f *Fleet) DiscoverTools(ctx context.Context, paths []string, recursive bool) (tool.DiscoveryResult, error) {
	if len(paths) == 0 {
		paths = f.cfg.Discovery.Paths
	}
	result, err := f.registry.Discover(ctx, tool.DiscoveryOptions{Paths: paths, Recursive: recursive})
	if err != nil {
		return result, err
	}

	var errs []error
	for _, def := range append(append([]tool.Definition{}, result.New...), result.Updated...) {
		if err := f.replace(ctx, def); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range result.Removed {
		if _, err := f.Unregister(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}

	f.events.Publish(bus.NewEvent(bus.EventDiscovery, "").
		WithDetail("new", len(result.New)).
		WithDetail("updated", len(result.Updated)).
		WithDetail("removed", len(result.Removed)).
		WithDetail("scanned", result.Scanned))
	f.log.Info("discovery applied",
		"paths", paths,
		"new", len(result.New),
		"updated", len(result.Updated),
		"removed", len(result.Removed),
		"scanned", result.Scanned,
	)
	return result, errors.Join(errs...)
}

// Metrics is the fleet-wide metrics view.
type Metrics struct {
	health.Snapshot
	Live     int                   `json:"live_processes"`
	Sessions map[session.State]int `json:"sessions"`
}

// GetMetrics reports per-tool call, health and lifecycle metrics.
func (f *Fleet) GetMetrics() Metrics {
	return Metrics{
		Snapshot: f.metrics.Snapshot(f.processes.Statuses()),
		Live:     f.processes.Live(),
		Sessions: f.sessions.Counts(),
	}
}

// Logs returns up to n recent output lines of the tool's current or last
// instance.
func (f *Fleet) Logs(name string, n int) []process.LogLine {
	return f.processes.Logs(name, n)
}

// Sessions lists live and recently terminated sessions.
func (f *Fleet) Sessions() []session.Info {
	return f.sessions.List()
}

// TerminateSession ends a session. It reports whether the session existed
// and was live.
func (f *Fleet) TerminateSession(id string) bool {
	return f.sessions.Terminate(id)
}

// HealthCheck runs one health pass immediately.
func (f *Fleet) HealthCheck(ctx context.Context) map[string]health.Record {
	return f.monitor.RunOnce(ctx)
}

// Close ends every session, stops every tool and closes the event bus.
func (f *Fleet) Close(ctx context.Context) error {
	f.sessions.Close()
	err := f.processes.Close(ctx)
	_ = f.events.Close()
	return err
}
