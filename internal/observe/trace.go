package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every cadenza span.
const tracerName = "github.com/MrWong99/cadenza"

// Span attribute keys shared by the engine components.
const (
	AttrAssetPath   = attribute.Key("cadenza.asset.path")
	AttrLoadPurpose = attribute.Key("cadenza.load.purpose")
)

// Tracer returns the cadenza tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. End it with span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartLoadSpan starts a span around one asset load, tagged with the asset
// path and the load purpose ("music" or "sfx").
func StartLoadSpan(ctx context.Context, purpose, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, "load "+purpose, trace.WithAttributes(
		AttrAssetPath.String(path),
		AttrLoadPurpose.String(purpose),
	))
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger tagged with the trace and span IDs of
// ctx. Without a valid span context it is [slog.Default] unchanged.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
