// Package observe provides observability primitives for cadenza:
// OpenTelemetry metrics, tracing, trace-aware logging and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so the /metrics endpoint can
// be scraped. [DefaultMetrics] is a lazily created package-level instance;
// tests should use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all cadenza metrics.
const meterName = "github.com/MrWong99/cadenza"

// Metrics holds every metric instrument of the engine. All fields are safe
// for concurrent use.
type Metrics struct {
	// LoadDuration tracks asset load latency, including retries. Use with
	// attributes purpose and status.
	LoadDuration metric.Float64Histogram

	// Loads counts finished loads. Use with attributes:
	//   attribute.String("purpose", ...), attribute.String("status", ...)
	Loads metric.Int64Counter

	// LoadRetries counts retry attempts after transient failures.
	LoadRetries metric.Int64Counter

	// SfxAdmitted counts sound effects that passed the rate limiter.
	SfxAdmitted metric.Int64Counter

	// SfxRejected counts sound effects dropped by the rate limiter.
	SfxRejected metric.Int64Counter

	// ActiveSfx tracks the number of sound effects held by the registry.
	ActiveSfx metric.Int64UpDownCounter

	// MusicTransitions counts crossfades between the music channels.
	MusicTransitions metric.Int64Counter

	// PlaylistAdvances counts playlist track changes.
	PlaylistAdvances metric.Int64Counter

	// BackendErrors counts errors raised by the audio backend. Use with
	// attribute.String("op", ...).
	BackendErrors metric.Int64Counter

	// HTTPRequestDuration tracks operator endpoint latency by method, mux
	// route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries (in seconds) for asset loads, from
// cached hits to slow remote fetches with retries.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a [Metrics] using mp. It fails if any instrument cannot
// be created.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.LoadDuration, err = m.Float64Histogram("cadenza.load.duration",
		metric.WithDescription("Latency of asset loads including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Loads, err = m.Int64Counter("cadenza.loads",
		metric.WithDescription("Finished asset loads by purpose and status."),
	); err != nil {
		return nil, err
	}
	if met.LoadRetries, err = m.Int64Counter("cadenza.load.retries",
		metric.WithDescription("Load retries after transient failures."),
	); err != nil {
		return nil, err
	}
	if met.SfxAdmitted, err = m.Int64Counter("cadenza.sfx.admitted",
		metric.WithDescription("Sound effects admitted by the rate limiter."),
	); err != nil {
		return nil, err
	}
	if met.SfxRejected, err = m.Int64Counter("cadenza.sfx.rejected",
		metric.WithDescription("Sound effects rejected by the rate limiter."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSfx, err = m.Int64UpDownCounter("cadenza.sfx.active",
		metric.WithDescription("Sound effects currently held by the registry."),
	); err != nil {
		return nil, err
	}
	if met.MusicTransitions, err = m.Int64Counter("cadenza.music.transitions",
		metric.WithDescription("Crossfades between the two music channels."),
	); err != nil {
		return nil, err
	}
	if met.PlaylistAdvances, err = m.Int64Counter("cadenza.playlist.advances",
		metric.WithDescription("Playlist track changes."),
	); err != nil {
		return nil, err
	}
	if met.BackendErrors, err = m.Int64Counter("cadenza.backend.errors",
		metric.WithDescription("Errors raised by the audio backend by operation."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("cadenza.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first use from [otel.GetMeterProvider]. Panics if instrument creation fails,
// which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordLoad records one finished load with its latency in seconds.
func (m *Metrics) RecordLoad(ctx context.Context, purpose, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("purpose", purpose),
		attribute.String("status", status),
	)
	m.Loads.Add(ctx, 1, attrs)
	m.LoadDuration.Record(ctx, seconds, attrs)
}

// RecordSfx records a rate-limiter decision for the named clip.
func (m *Metrics) RecordSfx(ctx context.Context, clip string, admitted bool) {
	attrs := metric.WithAttributes(attribute.String("clip", clip))
	if admitted {
		m.SfxAdmitted.Add(ctx, 1, attrs)
		return
	}
	m.SfxRejected.Add(ctx, 1, attrs)
}

// RecordBackendError records a backend error for the given operation.
func (m *Metrics) RecordBackendError(ctx context.Context, op string) {
	m.BackendErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
