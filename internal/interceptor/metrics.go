package interceptor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"jobrelay/internal/dispatch"
)

// ScopeName is the instrumentation scope of jobrelay metrics and spans.
const ScopeName = "jobrelay"

// Metrics records per-operation metrics.
//
// Instruments:
//   - jobrelay.operation.duration (Float64Histogram, seconds)
//   - jobrelay.operation.calls (Int64Counter)
//
// Both carry op, backend and result ("ok" or "error") attributes.
type Metrics struct {
	duration metric.Float64Histogram
	calls    metric.Int64Counter
}

// NewMetrics uses the global MeterProvider.
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(ScopeName))
}

// NewMetricsWithMeter uses the provided meter.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	duration, dErr := meter.Float64Histogram(
		"jobrelay.operation.duration",
		metric.WithDescription("Duration of dispatched backend operations in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // the API returns a noop instrument on error

	calls, cErr := meter.Int64Counter(
		"jobrelay.operation.calls",
		metric.WithDescription("Total number of dispatched backend operations"),
		metric.WithUnit("{call}"),
	)
	_ = cErr

	return &Metrics{duration: duration, calls: calls}
}

func (m *Metrics) Before(ctx context.Context, _ *dispatch.Invocation) context.Context {
	return ctx
}

func (m *Metrics) After(ctx context.Context, inv *dispatch.Invocation) {
	m.record(ctx, inv, "ok")
}

func (m *Metrics) OnError(ctx context.Context, inv *dispatch.Invocation, _ error) {
	m.record(ctx, inv, "error")
}

func (m *Metrics) record(ctx context.Context, inv *dispatch.Invocation, result string) {
	attrs := metric.WithAttributes(
		attribute.String("op", string(inv.Op)),
		attribute.String("backend", inv.Backend),
		attribute.String("result", result),
	)
	m.duration.Record(ctx, inv.Elapsed.Seconds(), attrs)
	m.calls.Add(ctx, 1, attrs)
}
