package otel_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/petal-labs/mcpfleet/bus"
	fleetotel "github.com/petal-labs/mcpfleet/otel"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

// collectMetrics reads all metrics from the reader.
func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

// findMetric searches for a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumTotal(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s type = %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestEventMetrics_InstanceAndSessionTransitions(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := fleetotel.NewEventMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewEventMetrics: %v", err)
	}

	h.Handle(bus.Transition(bus.EventInstanceState, "echo", "STOPPED", "STARTING"))
	h.Handle(bus.Transition(bus.EventInstanceState, "echo", "STARTING", "RUNNING"))
	h.Handle(bus.Transition(bus.EventSessionState, "echo", "", "ACTIVE"))

	rm := collectMetrics(t, reader)

	instance := findMetric(rm, "mcpfleet.instance.transitions")
	if instance == nil {
		t.Fatal("mcpfleet.instance.transitions metric not found")
	}
	if got := sumTotal(t, instance); got != 2 {
		t.Fatalf("instance transitions = %d, want 2", got)
	}
	if dps := instance.Data.(metricdata.Sum[int64]).DataPoints; len(dps) != 2 {
		t.Fatalf("instance transition data points = %d, want 2 (one per from/to pair)", len(dps))
	}

	sessions := findMetric(rm, "mcpfleet.session.transitions")
	if sessions == nil {
		t.Fatal("mcpfleet.session.transitions metric not found")
	}
	if got := sumTotal(t, sessions); got != 1 {
		t.Fatalf("session transitions = %d, want 1", got)
	}
}

func TestEventMetrics_RestartScheduledRecordsDelay(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := fleetotel.NewEventMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewEventMetrics: %v", err)
	}

	h.Handle(bus.NewEvent(bus.EventRestartScheduled, "echo").
		WithDetail("attempt", 1).
		WithDetail("delay_ms", int64(2000)))

	rm := collectMetrics(t, reader)
	scheduled := findMetric(rm, "mcpfleet.instance.restarts_scheduled")
	if scheduled == nil {
		t.Fatal("mcpfleet.instance.restarts_scheduled metric not found")
	}
	if got := sumTotal(t, scheduled); got != 1 {
		t.Fatalf("restarts scheduled = %d, want 1", got)
	}

	delay := findMetric(rm, "mcpfleet.instance.restart_delay")
	if delay == nil {
		t.Fatal("mcpfleet.instance.restart_delay metric not found")
	}
	hist, ok := delay.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("restart_delay type = %T, want Histogram[float64]", delay.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 2 {
		t.Fatalf("restart_delay data points = %+v, want one with sum 2s", hist.DataPoints)
	}
}

func TestEventMetrics_DiscoveryAcceptsDecodedDetails(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := fleetotel.NewEventMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewEventMetrics: %v", err)
	}

	event := bus.NewEvent(bus.EventDiscovery, "").
		WithDetail("new", 2).
		WithDetail("updated", 0).
		WithDetail("removed", 1)
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded bus.Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	h.Handle(decoded)

	rm := collectMetrics(t, reader)
	changes := findMetric(rm, "mcpfleet.discovery.changes")
	if changes == nil {
		t.Fatal("mcpfleet.discovery.changes metric not found")
	}
	if got := sumTotal(t, changes); got != 3 {
		t.Fatalf("discovery changes = %d, want 3", got)
	}
}

func TestEventMetrics_IgnoresHealthEvents(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := fleetotel.NewEventMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewEventMetrics: %v", err)
	}

	h.Handle(bus.Event{Kind: bus.EventHealthCheck, Tool: "echo", Time: time.Now()})

	rm := collectMetrics(t, reader)
	for _, name := range []string{"mcpfleet.instance.transitions", "mcpfleet.session.transitions", "mcpfleet.discovery.changes"} {
		if m := findMetric(rm, name); m != nil && sumTotal(t, m) != 0 {
			t.Fatalf("%s recorded a health event", name)
		}
	}
}
