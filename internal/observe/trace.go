package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of all VoxBridge spans.
const tracerName = "github.com/voxbridge/voxbridge"

// StartSpan opens a span on the globally registered tracer provider. One span
// is emitted per conversation turn; the caller ends it when the turn settles.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// SpanLogger returns base enriched with the trace and span ids of the active
// span in ctx, so turn-scoped log lines can be joined with their trace.
// Without an active span, base is returned unchanged.
func SpanLogger(ctx context.Context, base *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
