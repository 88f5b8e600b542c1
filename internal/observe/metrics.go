// Package observe provides application-wide observability primitives for
// conversify: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all conversify metrics.
const meterName = "github.com/MrWong99/conversify"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks the delay between end of speech and the final
	// transcript segment.
	STTDuration metric.Float64Histogram

	// LLMFirstChunk tracks time from request to the first streamed LLM chunk.
	LLMFirstChunk metric.Float64Histogram

	// LLMDuration tracks the full duration of one LLM stream.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks time from submitting a text chunk to its first audio.
	TTSDuration metric.Float64Histogram

	// TurnLatency tracks the round trip from end of user speech to the first
	// agent audio frame written to the transport.
	TurnLatency metric.Float64Histogram

	// MemoryFetchDuration tracks memory context retrieval latency.
	MemoryFetchDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts finished turns. Attribute: status.
	Turns metric.Int64Counter

	// BargeIns counts responses interrupted by the user.
	BargeIns metric.Int64Counter

	// ProtocolViolations counts out-of-order or duplicate input dropped by a
	// stage. Attribute: stage.
	ProtocolViolations metric.Int64Counter

	// Fallbacks counts fallback utterances spoken. Attribute: reason.
	Fallbacks metric.Int64Counter

	// ProviderRequests counts provider API calls. Attributes: provider,
	// kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// BusBlocked counts sends that found their pipe full. Attribute: pipe.
	BusBlocked metric.Int64Counter

	// VideoFramesDropped counts video frames discarded by the sampler.
	VideoFramesDropped metric.Int64Counter

	// MemoryCommits counts memory writes. Attribute: status.
	MemoryCommits metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	latency := func(dst *metric.Float64Histogram, name, desc string) error {
		h, err := m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		*dst = h
		return err
	}
	counter := func(dst *metric.Int64Counter, name, desc string) error {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		*dst = c
		return err
	}

	steps := []func() error{
		func() error {
			return latency(&met.STTDuration, "conversify.stt.duration", "Delay from end of speech to the final transcript.")
		},
		func() error {
			return latency(&met.LLMFirstChunk, "conversify.llm.first_chunk", "Time to the first streamed LLM chunk.")
		},
		func() error {
			return latency(&met.LLMDuration, "conversify.llm.duration", "Duration of a complete LLM stream.")
		},
		func() error {
			return latency(&met.TTSDuration, "conversify.tts.duration", "Time from text chunk submission to its first audio.")
		},
		func() error {
			return latency(&met.TurnLatency, "conversify.turn.latency", "End of user speech to first agent audio.")
		},
		func() error {
			return latency(&met.MemoryFetchDuration, "conversify.memory.fetch.duration", "Latency of memory context retrieval.")
		},
		func() error { return counter(&met.Turns, "conversify.turns", "Finished turns by status.") },
		func() error { return counter(&met.BargeIns, "conversify.barge_ins", "Agent responses interrupted by the user.") },
		func() error {
			return counter(&met.ProtocolViolations, "conversify.protocol_violations", "Out-of-order or duplicate input dropped, by stage.")
		},
		func() error { return counter(&met.Fallbacks, "conversify.fallbacks", "Fallback utterances spoken, by reason.") },
		func() error {
			return counter(&met.ProviderRequests, "conversify.provider.requests", "Provider API requests by provider, kind, and status.")
		},
		func() error {
			return counter(&met.ProviderErrors, "conversify.provider.errors", "Provider errors by provider and kind.")
		},
		func() error { return counter(&met.BusBlocked, "conversify.bus.blocked", "Sends that found their pipe full, by pipe.") },
		func() error {
			return counter(&met.VideoFramesDropped, "conversify.video.dropped", "Video frames discarded by the sampler.")
		},
		func() error { return counter(&met.MemoryCommits, "conversify.memory.commits", "Memory writes by status.") },
		func() (err error) {
			met.ActiveSessions, err = m.Int64UpDownCounter("conversify.active_sessions",
				metric.WithDescription("Number of live voice sessions."),
			)
			return err
		},
		func() (err error) {
			met.HTTPRequestDuration, err = m.Float64Histogram("conversify.http.request.duration",
				metric.WithDescription("HTTP request latency by method and path."),
				metric.WithUnit("s"),
			)
			return err
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
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

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records a finished turn with its final status.
func (m *Metrics) RecordTurn(ctx context.Context, status string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProtocolViolation records input dropped by stage.
func (m *Metrics) RecordProtocolViolation(ctx context.Context, stage string) {
	m.ProtocolViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordFallback records a fallback utterance.
func (m *Metrics) RecordFallback(ctx context.Context, reason string) {
	m.Fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBusBlocked records a send that had to wait on a full pipe.
func (m *Metrics) RecordBusBlocked(ctx context.Context, pipe string) {
	m.BusBlocked.Add(ctx, 1, metric.WithAttributes(attribute.String("pipe", pipe)))
}

// RecordMemoryCommit records a memory write outcome ("ok" or "error").
func (m *Metrics) RecordMemoryCommit(ctx context.Context, status string) {
	m.MemoryCommits.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
