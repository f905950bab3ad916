// Package interceptor provides the built-in dispatch interceptors and builds
// the configured interceptor list.
package interceptor

import (
	"context"
	"log/slog"

	"jobrelay/internal/dispatch"
	"jobrelay/internal/logger"
)

// Logging logs every dispatched call.
type Logging struct {
	logger *slog.Logger
}

// NewLogging creates a logging interceptor.
func NewLogging(log *slog.Logger) *Logging {
	return &Logging{logger: logger.OrDefault(log)}
}

func (l *Logging) Before(ctx context.Context, inv *dispatch.Invocation) context.Context {
	if id := inv.JobID(); id != "" {
		ctx = logger.WithJobID(ctx, id)
	}
	logger.FromContext(ctx, l.logger).Debug("operation started",
		slog.String("op", string(inv.Op)),
		slog.String("backend", inv.Backend),
	)
	return ctx
}

func (l *Logging) After(ctx context.Context, inv *dispatch.Invocation) {
	attrs := []any{
		slog.String("op", string(inv.Op)),
		slog.String("backend", inv.Backend),
		slog.Duration("elapsed", inv.Elapsed),
	}
	switch inv.Op {
	case dispatch.OpStatus:
		attrs = append(attrs, slog.String("status", inv.Status.String()))
	case dispatch.OpPollBatch:
		attrs = append(attrs, slog.Int("jobs", len(inv.Jobs)))
	}
	if id := inv.JobID(); id != "" && logger.JobIDFromContext(ctx) == "" {
		// create/submit assign the id during the call
		ctx = logger.WithJobID(ctx, id)
	}
	logger.FromContext(ctx, l.logger).Info("operation completed", attrs...)
}

func (l *Logging) OnError(ctx context.Context, inv *dispatch.Invocation, err error) {
	logger.FromContext(ctx, l.logger).Error("operation failed",
		slog.String("op", string(inv.Op)),
		slog.String("backend", inv.Backend),
		slog.Duration("elapsed", inv.Elapsed),
		slog.String("error", err.Error()),
	)
}
