package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/mcpfleet/bus"
)

// EventMetrics translates fleet lifecycle events into OpenTelemetry metrics:
// instance and session transitions, scheduled restarts and discovery diffs.
type EventMetrics struct {
	instanceTransitions metric.Int64Counter
	sessionTransitions  metric.Int64Counter
	restartsScheduled   metric.Int64Counter
	restartDelay        metric.Float64Histogram
	discoveryChanges    metric.Int64Counter
}

// NewEventMetrics creates the instruments on meter.
func NewEventMetrics(meter metric.Meter) (*EventMetrics, error) {
	instance, err := meter.Int64Counter("mcpfleet.instance.transitions",
		metric.WithDescription("Number of tool instance state transitions"),
	)
	if err != nil {
		return nil, err
	}

	sess, err := meter.Int64Counter("mcpfleet.session.transitions",
		metric.WithDescription("Number of session state transitions"),
	)
	if err != nil {
		return nil, err
	}

	scheduled, err := meter.Int64Counter("mcpfleet.instance.restarts_scheduled",
		metric.WithDescription("Number of crash recoveries queued with backoff"),
	)
	if err != nil {
		return nil, err
	}

	delay, err := meter.Float64Histogram("mcpfleet.instance.restart_delay",
		metric.WithDescription("Backoff delay before a crash recovery in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	discovery, err := meter.Int64Counter("mcpfleet.discovery.changes",
		metric.WithDescription("Number of registry changes applied by discovery"),
	)
	if err != nil {
		return nil, err
	}

	return &EventMetrics{
		instanceTransitions: instance,
		sessionTransitions:  sess,
		restartsScheduled:   scheduled,
		restartDelay:        delay,
		discoveryChanges:    discovery,
	}, nil
}

// Handle records one event. Health checks are left to ToolObserver.
func (h *EventMetrics) Handle(e bus.Event) {
	switch e.Kind {
	case bus.EventInstanceState:
		h.instanceTransitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("tool_name", e.Tool),
			attribute.String("from", e.From),
			attribute.String("to", e.To),
		))
	case bus.EventSessionState:
		h.sessionTransitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("tool_name", e.Tool),
			attribute.String("to", e.To),
		))
	case bus.EventRestartScheduled:
		h.handleRestartScheduled(e)
	case bus.EventDiscovery:
		h.handleDiscovery(e)
	}
}

func (h *EventMetrics) handleRestartScheduled(e bus.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("tool_name", e.Tool))
	h.restartsScheduled.Add(ctx, 1, attrs)
	if ms, ok := detailInt(e.Detail, "delay_ms"); ok {
		h.restartDelay.Record(ctx, float64(ms)/1000, attrs)
	}
}

func (h *EventMetrics) handleDiscovery(e bus.Event) {
	ctx := context.Background()
	for _, change := range []string{"new", "updated", "removed"} {
		n, ok := detailInt(e.Detail, change)
		if !ok || n == 0 {
			continue
		}
		h.discoveryChanges.Add(ctx, n, metric.WithAttributes(attribute.String("change", change)))
	}
}

// detailInt reads an integer detail. Events that crossed a JSON boundary carry
// float64 values.
func detailInt(detail map[string]any, key string) (int64, bool) {
	switch v := detail[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
