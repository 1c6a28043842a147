// Package observe provides application-wide observability primitives for
// Exastream: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Exastream metrics.
const meterName = "github.com/exalang/exastream"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// SetupDuration tracks upstream speech-session setup latency, from dial
	// to the ready handshake.
	SetupDuration metric.Float64Histogram

	// SynthesisDuration tracks text-to-speech synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// SegmentLatency tracks time from a segment's first partial to its
	// committed final.
	SegmentLatency metric.Float64Histogram

	// --- Counters ---

	// TextEvents counts transcript/translation events sent to speakers. Use
	// with attribute: attribute.String("kind", ...)
	TextEvents metric.Int64Counter

	// SegmentsCommitted counts segments handed to the synthesis queue.
	SegmentsCommitted metric.Int64Counter

	// FramesBroadcast counts binary audio frames fanned out to listeners.
	FramesBroadcast metric.Int64Counter

	// Reconnects counts upstream reconnect attempts. Use with attribute:
	//   attribute.String("provider", ...)
	Reconnects metric.Int64Counter

	// AudioDrops counts discarded inbound audio chunks. Use with attribute:
	//   attribute.String("reason", ...) — "pre_setup", "paused", "draining"
	AudioDrops metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live speaker sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveListeners tracks the number of connected audience listeners
	// across all sessions.
	ActiveListeners metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SetupDuration, err = m.Float64Histogram("exastream.session.setup.duration",
		metric.WithDescription("Latency of upstream speech-session setup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("exastream.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentLatency, err = m.Float64Histogram("exastream.segment.latency",
		metric.WithDescription("Time from first partial to committed final per segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TextEvents, err = m.Int64Counter("exastream.text.events",
		metric.WithDescription("Total transcript and translation events by kind."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsCommitted, err = m.Int64Counter("exastream.segments.committed",
		metric.WithDescription("Total segments committed to the synthesis queue."),
	); err != nil {
		return nil, err
	}
	if met.FramesBroadcast, err = m.Int64Counter("exastream.frames.broadcast",
		metric.WithDescription("Total binary audio frames fanned out to listeners."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("exastream.session.reconnects",
		metric.WithDescription("Total upstream reconnect attempts by provider."),
	); err != nil {
		return nil, err
	}
	if met.AudioDrops, err = m.Int64Counter("exastream.audio.drops",
		metric.WithDescription("Total discarded inbound audio chunks by reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("exastream.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("exastream.active_sessions",
		metric.WithDescription("Number of live speaker sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveListeners, err = m.Int64UpDownCounter("exastream.active_listeners",
		metric.WithDescription("Number of connected listeners across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("exastream.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTextEvent records one transcript or translation event.
func (m *Metrics) RecordTextEvent(ctx context.Context, kind string) {
	m.TextEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordReconnect records one upstream reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, provider string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordAudioDrop records one discarded inbound audio chunk.
func (m *Metrics) RecordAudioDrop(ctx context.Context, reason string) {
	m.AudioDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
