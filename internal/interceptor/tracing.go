package interceptor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jobrelay/internal/dispatch"
)

// Tracing wraps every dispatched call in a span. The span context is handed
// to the backend so backend-side instrumentation nests under it.
type Tracing struct {
	tracer trace.Tracer
}

// NewTracing uses the global TracerProvider.
func NewTracing() *Tracing {
	return NewTracingWithTracer(otel.Tracer(ScopeName))
}

// NewTracingWithTracer uses the provided tracer.
func NewTracingWithTracer(tracer trace.Tracer) *Tracing {
	return &Tracing{tracer: tracer}
}

func (t *Tracing) Before(ctx context.Context, inv *dispatch.Invocation) context.Context {
	ctx, span := t.tracer.Start(ctx, "jobrelay."+string(inv.Op),
		trace.WithAttributes(
			attribute.String("jobrelay.backend", inv.Backend),
			attribute.String("jobrelay.job.id", inv.JobID()),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	inv.Set(t, span)
	return ctx
}

func (t *Tracing) After(_ context.Context, inv *dispatch.Invocation) {
	span, ok := inv.Value(t).(trace.Span)
	if !ok {
		return
	}
	if id := inv.JobID(); id != "" {
		span.SetAttributes(attribute.String("jobrelay.job.id", id))
	}
	if inv.Op == dispatch.OpStatus {
		span.SetAttributes(attribute.String("jobrelay.job.status", inv.Status.String()))
	}
	span.SetStatus(codes.Ok, "")
	span.End()
}

func (t *Tracing) OnError(_ context.Context, inv *dispatch.Invocation, err error) {
	span, ok := inv.Value(t).(trace.Span)
	if !ok {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
}
