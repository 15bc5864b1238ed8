// Package otel provides OpenTelemetry integration for the fleet: an observer
// for calls, retries, health checks and restarts, plus handlers that turn
// lifecycle events into spans and metrics.
package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/mcpfleet/bus"
)

// TracingHandler translates lifecycle events into spans. An instance span
// covers a tool from STARTING until it is STOPPED or FAILED, with crashes and
// restarts recorded as span events; a session span covers a session from
// creation until TERMINATED.
type TracingHandler struct {
	tracer trace.Tracer

	mu           sync.RWMutex
	toolSpans    map[string]trace.Span // tool -> span
	sessionSpans map[string]trace.Span // session id -> span
}

// NewTracingHandler creates a TracingHandler that starts spans on tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:       tracer,
		toolSpans:    make(map[string]trace.Span),
		sessionSpans: make(map[string]trace.Span),
	}
}

// Handle processes one event.
func (h *TracingHandler) Handle(e bus.Event) {
	switch e.Kind {
	case bus.EventInstanceState:
		h.handleInstance(e)
	case bus.EventRestartScheduled:
		h.addToolEvent(e, "restart.scheduled")
	case bus.EventHealthCheck:
		if healthy, _ := e.Detail["healthy"].(bool); !healthy {
			h.addToolEvent(e, "health.failed")
		}
	case bus.EventSessionState:
		h.handleSession(e)
	}
}

func (h *TracingHandler) handleInstance(e bus.Event) {
	switch e.To {
	case "STARTING":
		h.mu.Lock()
		span, ok := h.toolSpans[e.Tool]
		if !ok {
			_, span = h.tracer.Start(context.Background(), "tool:"+e.Tool,
				trace.WithAttributes(attribute.String("mcpfleet.tool", e.Tool)),
				trace.WithTimestamp(e.Time),
			)
			h.toolSpans[e.Tool] = span
		}
		h.mu.Unlock()
		if ok {
			span.AddEvent("restart", trace.WithTimestamp(e.Time))
		}
	case "RUNNING":
		h.addToolEvent(e, "running")
	case "ERROR":
		h.mu.RLock()
		span, ok := h.toolSpans[e.Tool]
		h.mu.RUnlock()
		if ok {
			span.AddEvent("error", trace.WithTimestamp(e.Time))
			span.SetStatus(codes.Error, "instance entered ERROR")
		}
	case "STOPPED", "FAILED":
		h.mu.Lock()
		span, ok := h.toolSpans[e.Tool]
		delete(h.toolSpans, e.Tool)
		h.mu.Unlock()
		if !ok {
			return
		}
		span.SetAttributes(attribute.String("mcpfleet.final_state", e.To))
		if e.To == "FAILED" {
			span.SetStatus(codes.Error, "tool failed")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End(trace.WithTimestamp(e.Time))
	}
}

func (h *TracingHandler) addToolEvent(e bus.Event, name string) {
	h.mu.RLock()
	span, ok := h.toolSpans[e.Tool]
	h.mu.RUnlock()
	if !ok {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(e.Detail))
	for key, value := range e.Detail {
		attrs = append(attrs, attribute.String(key, stringify(value)))
	}
	span.AddEvent(name, trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) handleSession(e bus.Event) {
	switch {
	case e.From == "" && e.To == "ACTIVE":
		_, span := h.tracer.Start(context.Background(), "session:"+e.Tool,
			trace.WithAttributes(
				attribute.String("mcpfleet.tool", e.Tool),
				attribute.String("mcpfleet.session_id", e.SessionID),
			),
			trace.WithTimestamp(e.Time),
		)
		h.mu.Lock()
		h.sessionSpans[e.SessionID] = span
		h.mu.Unlock()
	case e.To == "TERMINATED":
		h.mu.Lock()
		span, ok := h.sessionSpans[e.SessionID]
		delete(h.sessionSpans, e.SessionID)
		h.mu.Unlock()
		if ok {
			span.SetStatus(codes.Ok, "")
			span.End(trace.WithTimestamp(e.Time))
		}
	default:
		h.mu.RLock()
		span, ok := h.sessionSpans[e.SessionID]
		h.mu.RUnlock()
		if ok {
			span.AddEvent(e.To, trace.WithTimestamp(e.Time))
		}
	}
}

// ActiveSpanContext returns the SpanContext of the tool's open instance span,
// or an empty SpanContext.
func (h *TracingHandler) ActiveSpanContext(toolName string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.toolSpans[toolName]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveSessionSpanContext returns the SpanContext of the session's open
// span, or an empty SpanContext.
func (h *TracingHandler) ActiveSessionSpanContext(id string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.sessionSpans[id]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
