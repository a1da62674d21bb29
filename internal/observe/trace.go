package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanConnect is the span covering one voice join attempt.
const SpanConnect = "session.connect"

type runIDKey struct{}

// WithRunID tags ctx with the relay run it belongs to. Spans started by
// [StartConnect] and loggers from [Logger] pick the id up.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run id stored by [WithRunID], or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// StartSpan starts a span on the voxrelay tracer of the global provider.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(meterName).Start(ctx, name, opts...)
}

// StartConnect opens a [SpanConnect] span for attempt number attempt of
// endpoint joining chatID.
func StartConnect(ctx context.Context, endpoint, chatID string, attempt int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("chat_id", chatID),
		attribute.Int("attempt", attempt),
	}
	if id := RunID(ctx); id != "" {
		attrs = append(attrs, attribute.String("run_id", id))
	}
	return StartSpan(ctx, SpanConnect, trace.WithAttributes(attrs...))
}

// EndSpan marks span failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID returns the hex trace id of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger carrying the run id and the trace and
// span ids found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := RunID(ctx); id != "" {
		attrs = append(attrs, slog.String("run_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
