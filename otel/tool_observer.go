package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/mcpfleet/tool"
)

// ToolObserver records fleet call, retry, health and restart signals into
// OpenTelemetry.
type ToolObserver struct {
	tracer trace.Tracer

	calls    metric.Int64Counter
	retries  metric.Int64Counter
	health   metric.Int64Counter
	restarts metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewToolObserver creates a tool observer bound to the provided meter/tracer.
// tracer may be nil.
func NewToolObserver(meter metric.Meter, tracer trace.Tracer) (*ToolObserver, error) {
	calls, err := meter.Int64Counter(
		"mcpfleet.tool.calls",
		metric.WithDescription("Number of routed tool calls"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		"mcpfleet.tool.retries",
		metric.WithDescription("Number of tool call retries"),
	)
	if err != nil {
		return nil, err
	}
	health, err := meter.Int64Counter(
		"mcpfleet.tool.health.checks",
		metric.WithDescription("Number of tool health checks"),
	)
	if err != nil {
		return nil, err
	}
	restarts, err := meter.Int64Counter(
		"mcpfleet.tool.restarts",
		metric.WithDescription("Number of tool restart attempts"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"mcpfleet.tool.latency",
		metric.WithDescription("Tool call and probe latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &ToolObserver{
		tracer:   tracer,
		calls:    calls,
		retries:  retries,
		health:   health,
		restarts: restarts,
		latency:  latency,
	}, nil
}

// ObserveCall records one routed call.
func (o *ToolObserver) ObserveCall(observation tool.CallObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.ToolName),
		attribute.String("method", observation.Method),
		attribute.String("transport", string(observation.Transport)),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", string(observation.ErrorKind)))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.calls.Add(ctx, 1, options)
	o.latency.Record(ctx, seconds(observation.DurationMS), options)

	if o.tracer == nil {
		return
	}
	end := time.Now()
	_, span := o.tracer.Start(ctx, "tool.call",
		trace.WithAttributes(attrs...),
		trace.WithAttributes(
			attribute.String("session_id", observation.SessionID),
			attribute.Int("attempts", observation.Attempts),
		),
		trace.WithTimestamp(end.Add(-time.Duration(observation.DurationMS)*time.Millisecond)),
	)
	if !observation.Success {
		span.SetStatus(codes.Error, string(observation.ErrorKind))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(end))
}

// ObserveRetry records one retry attempt.
func (o *ToolObserver) ObserveRetry(observation tool.RetryObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.ToolName),
		attribute.String("method", observation.Method),
		attribute.String("transport", string(observation.Transport)),
		attribute.Int("attempt", observation.Attempt),
	}
	if observation.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", string(observation.ErrorKind)))
	}
	o.retries.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ObserveHealth records one health probe result.
func (o *ToolObserver) ObserveHealth(observation tool.HealthObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.ToolName),
		attribute.Bool("healthy", observation.Healthy),
		attribute.Int("consecutive_failures", observation.ConsecutiveFailures),
	}
	if observation.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", string(observation.ErrorKind)))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.health.Add(ctx, 1, options)
	o.latency.Record(ctx, seconds(observation.DurationMS), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "tool.health.check", trace.WithAttributes(attrs...))
	if !observation.Healthy {
		span.SetStatus(codes.Error, string(observation.ErrorKind))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ObserveRestart records one restart attempt.
func (o *ToolObserver) ObserveRestart(observation tool.RestartObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.ToolName),
		attribute.String("reason", observation.Reason),
		attribute.Bool("succeeded", observation.Succeeded),
	}
	if observation.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", string(observation.ErrorKind)))
	}
	o.restarts.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func seconds(ms int64) float64 {
	return float64(time.Duration(ms)*time.Millisecond) / float64(time.Second)
}

var _ tool.Observer = (*ToolObserver)(nil)
