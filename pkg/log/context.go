package log

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey struct{}

var loggerContextKey = contextKey{}

// SetContextLogger returns a copy of ctx carrying lg.
// A nil lg stores a NoopLogger. When ctx holds a valid OpenTelemetry span,
// lg is wrapped in a SpanLogger so entries also land on that span.
func SetContextLogger(ctx context.Context, lg Logger) context.Context {
	if lg == nil {
		lg = NewNoopLogger()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		lg = NewSpanLogger(lg, NewOtelSpanEventRecorder(span))
	}

	return context.WithValue(ctx, loggerContextKey, lg)
}

// FromContext returns the logger stored by SetContextLogger, or a NoopLogger.
func FromContext(ctx context.Context) Logger {
	if lg, ok := ctx.Value(loggerContextKey).(Logger); ok {
		return lg
	}
	return NewNoopLogger()
}
