// Package observe provides application-wide observability primitives for
// Melodine: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Melodine metrics.
const meterName = "github.com/MrWong99/melodine"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ExtractDuration tracks source URL extraction latency.
	ExtractDuration metric.Float64Histogram

	// PlaybackStartDuration tracks the time from a play command to the first
	// audio chunk leaving the engine.
	PlaybackStartDuration metric.Float64Histogram

	// ResolveDuration tracks deferred search resolution latency.
	ResolveDuration metric.Float64Histogram

	// --- Counters ---

	// BytesStreamed counts audio payload bytes written to the transport. Use
	// with attribute: attribute.String("format", ...)
	BytesStreamed metric.Int64Counter

	// StreamRetries counts automatic restarts after premature stream ends.
	StreamRetries metric.Int64Counter

	// TransitionsCoalesced counts debounced track transitions that were
	// superseded before executing.
	TransitionsCoalesced metric.Int64Counter

	// TracksPlayed counts playback starts. Use with attribute:
	//   attribute.String("source", "url"|"search")
	TracksPlayed metric.Int64Counter

	// --- Error counters ---

	// EngineErrors counts failed playbacks by stage. Use with attribute:
	//   attribute.String("stage", "extract"|"transcode"|"stream")
	EngineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveEngineSessions tracks live engine playback sessions.
	ActiveEngineSessions metric.Int64UpDownCounter

	// ActiveConsumers tracks consumer sessions with a playing track.
	ActiveConsumers metric.Int64UpDownCounter

	// ConnectedClients tracks open gateway websocket connections.
	ConnectedClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// subprocess spawn and extraction latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ExtractDuration, err = m.Float64Histogram("melodine.extract.duration",
		metric.WithDescription("Latency of source URL extraction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackStartDuration, err = m.Float64Histogram("melodine.playback.start.duration",
		metric.WithDescription("Time from play command to first audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResolveDuration, err = m.Float64Histogram("melodine.resolve.duration",
		metric.WithDescription("Latency of deferred search resolution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.BytesStreamed, err = m.Int64Counter("melodine.stream.bytes",
		metric.WithDescription("Audio payload bytes written to the transport by format."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.StreamRetries, err = m.Int64Counter("melodine.stream.retries",
		metric.WithDescription("Automatic restarts after premature stream ends."),
	); err != nil {
		return nil, err
	}
	if met.TransitionsCoalesced, err = m.Int64Counter("melodine.transitions.coalesced",
		metric.WithDescription("Debounced track transitions superseded before executing."),
	); err != nil {
		return nil, err
	}
	if met.TracksPlayed, err = m.Int64Counter("melodine.tracks.played",
		metric.WithDescription("Playback starts by source kind."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.EngineErrors, err = m.Int64Counter("melodine.engine.errors",
		metric.WithDescription("Failed playbacks by pipeline stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveEngineSessions, err = m.Int64UpDownCounter("melodine.engine.active_sessions",
		metric.WithDescription("Live engine playback sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConsumers, err = m.Int64UpDownCounter("melodine.active_consumers",
		metric.WithDescription("Consumer sessions with a playing track."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedClients, err = m.Int64UpDownCounter("melodine.gateway.clients",
		metric.WithDescription("Open gateway websocket connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("melodine.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordBytesStreamed adds n payload bytes for the given audio format.
func (m *Metrics) RecordBytesStreamed(ctx context.Context, format string, n int64) {
	m.BytesStreamed.Add(ctx, n,
		metric.WithAttributes(attribute.String("format", format)),
	)
}

// RecordTrackPlayed records a playback start by source kind.
func (m *Metrics) RecordTrackPlayed(ctx context.Context, source string) {
	m.TracksPlayed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordEngineError records a failed playback for the given pipeline stage.
func (m *Metrics) RecordEngineError(ctx context.Context, stage string) {
	m.EngineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
