// Package observe provides application-wide observability primitives for
// Chronicle: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Chronicle metrics.
const meterName = "github.com/chroniclehq/chronicle"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// JobDuration tracks queue job execution latency. Use with attributes:
	//   attribute.String("role", ...), attribute.String("queue", ...)
	JobDuration metric.Float64Histogram

	// TranscriptionDuration tracks batch transcription latency.
	TranscriptionDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// EmbeddingDuration tracks embedding generation latency.
	EmbeddingDuration metric.Float64Histogram

	// PluginDispatchDuration tracks plugin (MCP tool) execution latency.
	PluginDispatchDuration metric.Float64Histogram

	// --- Counters ---

	// JobsProcessed counts completed queue jobs. Use with attributes:
	//   attribute.String("role", ...), attribute.String("status", ...)
	JobsProcessed metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// PluginDispatches counts plugin invocations. Use with attributes:
	//   attribute.String("plugin", ...), attribute.String("status", ...)
	PluginDispatches metric.Int64Counter

	// AudioChunksConsumed counts stream entries read by the ASR consumer.
	// Use with attribute: attribute.String("client_id", ...)
	AudioChunksConsumed metric.Int64Counter

	// TranscriptSegments counts finalised transcript segments produced by the
	// streaming consumer.
	TranscriptSegments metric.Int64Counter

	// MemoriesExtracted counts memories stored by the extraction job.
	MemoriesExtracted metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// JobFailures counts failed queue jobs by role.
	JobFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live audio sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveWorkers tracks the number of registered queue workers.
	ActiveWorkers metric.Int64UpDownCounter

	// QueueDepth tracks pending jobs per queue. Use with attribute:
	//   attribute.String("queue", ...)
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The upper
// buckets accommodate whole-conversation batch transcription.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.JobDuration, err = m.Float64Histogram("chronicle.job.duration",
		metric.WithDescription("Latency of queue job execution by role and queue."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("chronicle.transcription.duration",
		metric.WithDescription("Latency of batch transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("chronicle.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("chronicle.embedding.duration",
		metric.WithDescription("Latency of embedding generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PluginDispatchDuration, err = m.Float64Histogram("chronicle.plugin.dispatch.duration",
		metric.WithDescription("Latency of plugin tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.JobsProcessed, err = m.Int64Counter("chronicle.jobs.processed",
		metric.WithDescription("Total completed queue jobs by role and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("chronicle.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.PluginDispatches, err = m.Int64Counter("chronicle.plugin.dispatches",
		metric.WithDescription("Total plugin invocations by plugin name and status."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksConsumed, err = m.Int64Counter("chronicle.audio.chunks_consumed",
		metric.WithDescription("Total audio stream entries consumed by the ASR consumer."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptSegments, err = m.Int64Counter("chronicle.transcript.segments",
		metric.WithDescription("Total finalised transcript segments from live transcription."),
	); err != nil {
		return nil, err
	}
	if met.MemoriesExtracted, err = m.Int64Counter("chronicle.memories.extracted",
		metric.WithDescription("Total memories stored by the extraction job."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("chronicle.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.JobFailures, err = m.Int64Counter("chronicle.jobs.failures",
		metric.WithDescription("Total failed queue jobs by role."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("chronicle.active_sessions",
		metric.WithDescription("Number of live audio sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveWorkers, err = m.Int64UpDownCounter("chronicle.active_workers",
		metric.WithDescription("Number of registered queue workers."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("chronicle.queue.depth",
		metric.WithDescription("Pending jobs per queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("chronicle.http.request.duration",
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

// RecordJob records a completed job: its duration histogram entry and the
// processed counter with the standard attribute set.
func (m *Metrics) RecordJob(ctx context.Context, role, queue, status string, seconds float64) {
	m.JobDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("queue", queue),
		),
	)
	m.JobsProcessed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("status", status),
		),
	)
	if status == "failed" {
		m.JobFailures.Add(ctx, 1,
			metric.WithAttributes(attribute.String("role", role)),
		)
	}
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

// RecordPluginDispatch is a convenience method that records a plugin
// invocation counter increment with the standard attribute set.
func (m *Metrics) RecordPluginDispatch(ctx context.Context, plugin, status string) {
	m.PluginDispatches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("plugin", plugin),
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
