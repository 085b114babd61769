// Package observe provides application-wide observability primitives for
// listenpipe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped in
// the Prometheus format from the registry built by [Init]. [DefaultMetrics]
// binds to the global meter provider; tests use [NewMetrics] with their own
// provider.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all listenpipe metrics.
const meterName = "github.com/MrWong99/listenpipe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscriptionDuration tracks transcription gateway latency, including
	// container encoding. Attribute: status.
	TranscriptionDuration metric.Float64Histogram

	// RefinementDuration tracks batch refinement latency. Attribute: status.
	RefinementDuration metric.Float64Histogram

	// UnitAudioDuration tracks the audio length of each flushed unit.
	UnitAudioDuration metric.Float64Histogram

	// --- Counters ---

	// Chunks counts segmented chunks. Attribute: trigger.
	Chunks metric.Int64Counter

	// ChunksDropped counts chunks dropped because the control-plane queue was full.
	ChunksDropped metric.Int64Counter

	// Units counts flushed transcription units. Attribute: reason.
	Units metric.Int64Counter

	// QuestionsDetected counts questions accepted by the detector.
	QuestionsDetected metric.Int64Counter

	// QuestionsRefined counts questions that received refined text.
	QuestionsRefined metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	// provider, kind, to.
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of listening sessions.
	ActiveSessions metric.Int64UpDownCounter

	// InFlightTranscriptions tracks transcription calls currently awaiting the engine.
	InFlightTranscriptions metric.Int64UpDownCounter

	// WebSocketConnections tracks upgraded connections. Attribute: path.
	WebSocketConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request time for non-upgraded
	// requests. Attributes: method, path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// external engine calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40,
}

// audioBuckets covers unit lengths between a single short chunk and the
// accumulator's upper bounds.
var audioBuckets = []float64{0.5, 1, 2, 3, 5, 7.5, 10, 15, 20}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("listenpipe.transcription.duration",
		metric.WithDescription("Latency of transcription gateway calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RefinementDuration, err = m.Float64Histogram("listenpipe.refinement.duration",
		metric.WithDescription("Latency of batch refinement calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UnitAudioDuration, err = m.Float64Histogram("listenpipe.unit.audio_duration",
		metric.WithDescription("Audio length of flushed transcription units."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(audioBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Chunks, err = m.Int64Counter("listenpipe.chunks",
		metric.WithDescription("Total segmented audio chunks by trigger reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("listenpipe.chunks.dropped",
		metric.WithDescription("Chunks dropped because the control-plane queue was full."),
	); err != nil {
		return nil, err
	}
	if met.Units, err = m.Int64Counter("listenpipe.units",
		metric.WithDescription("Total transcription units flushed by reason."),
	); err != nil {
		return nil, err
	}
	if met.QuestionsDetected, err = m.Int64Counter("listenpipe.questions.detected",
		metric.WithDescription("Total detected questions."),
	); err != nil {
		return nil, err
	}
	if met.QuestionsRefined, err = m.Int64Counter("listenpipe.questions.refined",
		metric.WithDescription("Total questions that received refined text."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("listenpipe.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("listenpipe.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("listenpipe.provider.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by provider, kind, and target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("listenpipe.active_sessions",
		metric.WithDescription("Number of listening sessions."),
	); err != nil {
		return nil, err
	}
	if met.InFlightTranscriptions, err = m.Int64UpDownCounter("listenpipe.transcriptions.in_flight",
		metric.WithDescription("Transcription calls awaiting the engine."),
	); err != nil {
		return nil, err
	}
	if met.WebSocketConnections, err = m.Int64UpDownCounter("listenpipe.websocket.connections",
		metric.WithDescription("Open feed and event WebSocket connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("listenpipe.http.request.duration",
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

// Status returns "ok" for a nil error and "error" otherwise.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordChunk counts one segmented chunk.
func (m *Metrics) RecordChunk(ctx context.Context, trigger string) {
	m.Chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordUnit counts one flushed unit and records its audio length.
func (m *Metrics) RecordUnit(ctx context.Context, reason string, audio time.Duration) {
	m.Units.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.UnitAudioDuration.Record(ctx, audio.Seconds())
}

// RecordTranscription records the latency and outcome of a gateway call.
func (m *Metrics) RecordTranscription(ctx context.Context, d time.Duration, err error) {
	m.TranscriptionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", Status(err))))
}

// RecordRefinement records the latency and outcome of a batch call.
func (m *Metrics) RecordRefinement(ctx context.Context, d time.Duration, err error) {
	m.RefinementDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", Status(err))))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition counts one breaker moving into state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, kind, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("to", to),
		),
	)
}
