// Package observe provides application-wide observability primitives for
// PortVoice: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all PortVoice metrics.
const meterName = "github.com/MrWong99/portvoice"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ASRSessionDuration tracks the lifetime of upstream recognition sessions.
	ASRSessionDuration metric.Float64Histogram

	// AnalysisDuration tracks LLM analysis latency, including fallback runs.
	AnalysisDuration metric.Float64Histogram

	// --- Counters ---

	// FramesIn counts inbound client frames. Use with attribute:
	//   attribute.String("action", ...)
	FramesIn metric.Int64Counter

	// FramesOut counts outbound frames. Use with attribute:
	//   attribute.String("type", ...)
	FramesOut metric.Int64Counter

	// AudioChunks counts audio chunks fed to the session pool.
	AudioChunks metric.Int64Counter

	// Transcripts counts transcript events delivered to clients. Use with
	// attribute: attribute.Bool("partial", ...)
	Transcripts metric.Int64Counter

	// Analyses counts analyzer outcomes. Use with attributes:
	//   attribute.String("classification", ...), attribute.String("path", "model"|"fallback"|"fastpath")
	Analyses metric.Int64Counter

	// --- Error counters ---

	// SchemaErrors counts malformed or unknown inbound frames.
	SchemaErrors metric.Int64Counter

	// SessionErrors counts upstream ASR session failures.
	SessionErrors metric.Int64Counter

	// PersistenceErrors counts swallowed storage write failures.
	PersistenceErrors metric.Int64Counter

	// TransportErrors counts sends to gone connections.
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks live WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveASRSessions tracks live upstream recognition sessions.
	ActiveASRSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-gateway latencies.
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
	if met.ASRSessionDuration, err = m.Float64Histogram("portvoice.asr.session.duration",
		metric.WithDescription("Lifetime of upstream recognition sessions."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("portvoice.analysis.duration",
		metric.WithDescription("Latency of transcript analysis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesIn, err = m.Int64Counter("portvoice.frames.in",
		metric.WithDescription("Total inbound client frames by action."),
	); err != nil {
		return nil, err
	}
	if met.FramesOut, err = m.Int64Counter("portvoice.frames.out",
		metric.WithDescription("Total outbound frames by type."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("portvoice.audio.chunks",
		metric.WithDescription("Total audio chunks fed to the session pool."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("portvoice.transcripts",
		metric.WithDescription("Total transcript events delivered, partial and final."),
	); err != nil {
		return nil, err
	}
	if met.Analyses, err = m.Int64Counter("portvoice.analyses",
		metric.WithDescription("Total analyses by classification and path."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SchemaErrors, err = m.Int64Counter("portvoice.errors.schema",
		metric.WithDescription("Total malformed or unknown inbound frames."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("portvoice.errors.session",
		metric.WithDescription("Total upstream ASR session failures."),
	); err != nil {
		return nil, err
	}
	if met.PersistenceErrors, err = m.Int64Counter("portvoice.errors.persistence",
		metric.WithDescription("Total swallowed storage write failures."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("portvoice.errors.transport",
		metric.WithDescription("Total sends to gone connections."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("portvoice.active_connections",
		metric.WithDescription("Number of live operator console connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveASRSessions, err = m.Int64UpDownCounter("portvoice.active_asr_sessions",
		metric.WithDescription("Number of live upstream recognition sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("portvoice.http.request.duration",
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

// RecordFrameIn records one inbound frame with its action.
func (m *Metrics) RecordFrameIn(ctx context.Context, action string) {
	m.FramesIn.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordFrameOut records one outbound frame with its type.
func (m *Metrics) RecordFrameOut(ctx context.Context, frameType string) {
	m.FramesOut.Add(ctx, 1, metric.WithAttributes(attribute.String("type", frameType)))
}

// RecordAnalysis records one analyzer outcome.
func (m *Metrics) RecordAnalysis(ctx context.Context, classification, path string) {
	m.Analyses.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("classification", classification),
			attribute.String("path", path),
		),
	)
}

// RecordTranscript records one delivered transcript event.
func (m *Metrics) RecordTranscript(ctx context.Context, partial bool) {
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("partial", partial)))
}
