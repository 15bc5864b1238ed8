// Package router sends calls to tools: it resolves a session, acquires a
// lease on a RUNNING instance, pushes the call through the instance's
// transport with a deadline and retries transient failures against a fresh
// instance.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/mcpfleet/bridge"
	"github.com/petal-labs/mcpfleet/process"
	"github.com/petal-labs/mcpfleet/session"
	"github.com/petal-labs/mcpfleet/tool"
)

const (
	DefaultCallTimeout = 30 * time.Second
	DefaultRetryCount  = 2
)

// Recorder aggregates per-tool call outcomes.
type Recorder interface {
	RecordCall(tool string, latency time.Duration, err error)
}

// Config configures a Router.
type Config struct {
	// RetryCount is the number of extra attempts for retryable failures.
	RetryCount  int
	CallTimeout time.Duration
	Logger      *slog.Logger
	Observer    tool.Observer
	Recorder    Recorder
}

// Request is one routed call.
type Request struct {
	Tool   string
	Method string
	Params any
	// SessionID pins the call to a named session; empty uses a pooled one.
	SessionID string
	// Timeout overrides the tool's and the router's call timeout.
	Timeout time.Duration
	Origin  string
}

// Result is the outcome of a successful call.
type Result struct {
	Value     json.RawMessage `json:"value"`
	SessionID string          `json:"session_id"`
	PID       int             `json:"pid,omitempty"`
	Attempts  int             `json:"attempts"`
	Duration  time.Duration   `json:"duration"`
}

// Router routes calls to tool instances.
type Router struct {
	registry  *tool.Registry
	processes *process.Manager
	sessions  *session.Manager
	cfg       Config
	log       *slog.Logger
	observer  tool.Observer
}

// New creates a Router.
func New(registry *tool.Registry, processes *process.Manager, sessions *session.Manager, cfg Config) *Router {
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		registry:  registry,
		processes: processes,
		sessions:  sessions,
		cfg:       cfg,
		log:       cfg.Logger.With("component", "router"),
		observer:  tool.ObserverOrNop(cfg.Observer),
	}
}

// Call routes req and returns the tool's result payload. Calls on a tool take
// one of its ConcurrencyLimit call slots first, in arrival order, so a tool
// that is not concurrency-safe sees one request at a time in submission
// order whichever session carries it. Retryable transport failures are retried up to
// RetryCount times, each against a fresh instance. JSON-RPC error replies are
// returned as ProtocolErrors without retry.
func (r *Router) Call(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	result := Result{SessionID: req.SessionID}
	var transport tool.ConnectionType

	err := func() error {
		def, ok := r.registry.Get(req.Tool)
		if !ok {
			return tool.Errorf(tool.KindToolUnavailable, "tool %q is not registered", req.Tool)
		}
		transport = def.ConnectionType
		if req.Method == "" {
			return tool.Errorf(tool.KindConfig, "method is required")
		}

		ctx, cancel := context.WithTimeout(ctx, r.timeout(req, def))
		defer cancel()

		release, err := r.sessions.Gate(ctx, req.Tool, def.ConcurrencyLimit())
		if err != nil {
			return err
		}
		defer release()

		sess, err := r.resolveSession(ctx, req, def)
		if err != nil {
			return err
		}
		result.SessionID = sess.ID
		defer r.sessions.Return(sess)

		lease, err := r.sessions.Acquire(ctx, sess)
		if err != nil {
			return err
		}
		defer lease.Release()

		value, attempts, pid, err := r.send(ctx, req, lease, transport)
		result.Attempts = attempts
		result.PID = pid
		if err != nil {
			return err
		}
		result.Value = value
		return nil
	}()

	result.Duration = time.Since(start)
	r.record(req, transport, result, err)
	if err != nil {
		return result, err
	}
	return result, nil
}

func (r *Router) timeout(req Request, def tool.Definition) time.Duration {
	switch {
	case req.Timeout > 0:
		return req.Timeout
	case def.Timeout > 0:
		return def.Timeout
	default:
		return r.cfg.CallTimeout
	}
}

func (r *Router) resolveSession(ctx context.Context, req Request, def tool.Definition) (*session.Session, error) {
	opts := session.Options{ConcurrencyLimit: def.ConcurrencyLimit()}
	if req.SessionID != "" {
		return r.sessions.Open(ctx, req.SessionID, req.Tool, opts)
	}
	return r.sessions.Create(ctx, req.Tool, opts)
}

func (r *Router) send(ctx context.Context, req Request, lease *session.Lease, transport tool.ConnectionType) (json.RawMessage, int, int, error) {
	origin := req.Origin
	if origin == "" {
		origin = bridge.OriginAPI
	}

	for attempt := 1; ; attempt++ {
		inst := lease.Instance()
		if inst == nil || inst.Transport() == nil {
			return nil, attempt, 0, tool.Errorf(tool.KindToolUnavailable, "tool %q has no running instance", req.Tool)
		}

		value, err := bridge.Call(ctx, inst.Transport(), req.Method, req.Params, origin)
		if err == nil {
			return value, attempt, inst.PID(), nil
		}
		if !tool.IsRetryable(err) || attempt > r.cfg.RetryCount || ctx.Err() != nil {
			return nil, attempt, inst.PID(), err
		}

		r.observer.ObserveRetry(tool.RetryObservation{
			ToolName:  req.Tool,
			Method:    req.Method,
			Transport: transport,
			Attempt:   attempt,
			ErrorKind: tool.KindOf(err),
		})
		r.log.Warn("retrying tool call",
			"tool", req.Tool,
			"method", req.Method,
			"attempt", attempt,
			"max_retries", r.cfg.RetryCount,
			"error", err,
		)

		fresh, renewErr := r.processes.Renew(ctx, req.Tool, inst)
		if renewErr != nil {
			return nil, attempt, inst.PID(), fmt.Errorf("%w (after %d attempts, last error: %v)", renewErr, attempt, err)
		}
		lease.Rebind(fresh)
	}
}

func (r *Router) record(req Request, transport tool.ConnectionType, result Result, err error) {
	attempts := result.Attempts
	if attempts == 0 && err != nil {
		attempts = 1
	}
	r.observer.ObserveCall(tool.CallObservation{
		ToolName:   req.Tool,
		Method:     req.Method,
		Transport:  transport,
		SessionID:  result.SessionID,
		Attempts:   attempts,
		DurationMS: result.Duration.Milliseconds(),
		Success:    err == nil,
		ErrorKind:  tool.KindOf(err),
	})
	if r.cfg.Recorder != nil {
		r.cfg.Recorder.RecordCall(req.Tool, result.Duration, err)
	}

	if err != nil {
		r.log.Warn("tool call failed",
			"tool", req.Tool,
			"method", req.Method,
			"session_id", result.SessionID,
			"attempts", attempts,
			"duration", result.Duration,
			"error_kind", tool.KindOf(err),
			"error", err,
		)
		return
	}
	r.log.Debug("tool call completed",
		"tool", req.Tool,
		"method", req.Method,
		"session_id", result.SessionID,
		"attempts", attempts,
		"duration", result.Duration,
	)
}
