package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/mcpfleet/bus"
	fleetotel "github.com/petal-labs/mcpfleet/otel"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func transition(kind bus.EventKind, tool, from, to string, at time.Time) bus.Event {
	e := bus.Transition(kind, tool, from, to)
	e.Time = at
	return e
}

func TestTracingHandler_InstanceSpanCoversLifecycle(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fleetotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(transition(bus.EventInstanceState, "echo", "STOPPED", "STARTING", now))
	if !h.ActiveSpanContext("echo").IsValid() {
		t.Fatal("expected an active instance span after STARTING")
	}
	h.Handle(transition(bus.EventInstanceState, "echo", "STARTING", "RUNNING", now.Add(10*time.Millisecond)))
	h.Handle(transition(bus.EventInstanceState, "echo", "RUNNING", "STOPPING", now.Add(time.Second)))

	if len(exporter.GetSpans()) != 0 {
		t.Fatal("span ended before the instance stopped")
	}

	h.Handle(transition(bus.EventInstanceState, "echo", "STOPPING", "STOPPED", now.Add(2*time.Second)))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != "tool:echo" {
		t.Fatalf("span name = %q, want tool:echo", span.Name)
	}
	if span.Status.Code != otelcodes.Ok {
		t.Fatalf("status = %v, want Ok", span.Status.Code)
	}
	if got := span.EndTime.Sub(span.StartTime); got != 2*time.Second {
		t.Fatalf("span duration = %s, want 2s", got)
	}
	if len(span.Events) != 1 || span.Events[0].Name != "running" {
		t.Fatalf("span events = %+v, want [running]", span.Events)
	}
	if h.ActiveSpanContext("echo").IsValid() {
		t.Fatal("instance span still active after STOPPED")
	}
}

func TestTracingHandler_CrashLoopEndsWithError(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fleetotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(transition(bus.EventInstanceState, "flaky", "STOPPED", "STARTING", now))
	h.Handle(transition(bus.EventInstanceState, "flaky", "STARTING", "RUNNING", now))
	h.Handle(transition(bus.EventInstanceState, "flaky", "RUNNING", "ERROR", now))
	h.Handle(bus.NewEvent(bus.EventRestartScheduled, "flaky").WithDetail("delay_ms", int64(1000)))
	h.Handle(transition(bus.EventInstanceState, "flaky", "ERROR", "STARTING", now))
	h.Handle(transition(bus.EventInstanceState, "flaky", "STARTING", "ERROR", now))
	h.Handle(transition(bus.EventInstanceState, "flaky", "ERROR", "FAILED", now))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1 (restarts stay in one span)", len(spans))
	}
	span := spans[0]
	if span.Status.Code != otelcodes.Error {
		t.Fatalf("status = %v, want Error", span.Status.Code)
	}

	names := make([]string, 0, len(span.Events))
	for _, ev := range span.Events {
		names = append(names, ev.Name)
	}
	want := []string{"running", "error", "restart.scheduled", "restart", "error"}
	if len(names) != len(want) {
		t.Fatalf("span events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("span events = %v, want %v", names, want)
		}
	}
}

func TestTracingHandler_SessionSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fleetotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	start := transition(bus.EventSessionState, "echo", "", "ACTIVE", now)
	start.SessionID = "s-1"
	h.Handle(start)
	if !h.ActiveSessionSpanContext("s-1").IsValid() {
		t.Fatal("expected an active session span")
	}

	idle := transition(bus.EventSessionState, "echo", "ACTIVE", "IDLE", now.Add(time.Minute))
	idle.SessionID = "s-1"
	h.Handle(idle)

	end := transition(bus.EventSessionState, "echo", "IDLE", "TERMINATED", now.Add(2*time.Minute))
	end.SessionID = "s-1"
	h.Handle(end)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "session:echo" {
		t.Fatalf("span name = %q", spans[0].Name)
	}
	if len(spans[0].Events) != 1 || spans[0].Events[0].Name != "IDLE" {
		t.Fatalf("span events = %+v, want [IDLE]", spans[0].Events)
	}
	if h.ActiveSessionSpanContext("s-1").IsValid() {
		t.Fatal("session span still active after TERMINATED")
	}
}

func TestTracingHandler_IgnoresUnknownTool(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fleetotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(transition(bus.EventInstanceState, "ghost", "STOPPING", "STOPPED", time.Now()))
	h.Handle(bus.NewEvent(bus.EventHealthCheck, "ghost").WithDetail("healthy", false))

	if len(exporter.GetSpans()) != 0 {
		t.Fatal("expected no spans for a tool without an open span")
	}
}
