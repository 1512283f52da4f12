// Package observe provides application-wide observability primitives for
// lecturerd: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all lecturerd metrics.
const meterName = "github.com/lecturerd/lecturerd"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// PipelineDuration tracks the latency of one scheduler pipeline
	// invocation (analyze + define_batch + persistence).
	PipelineDuration metric.Float64Histogram

	// LLMCallDuration tracks latency of a single analysis adapter call. Use
	// with attribute.String("operation", ...) where operation is one of
	// "analyze", "define_batch", "deep_research", "summarize".
	LLMCallDuration metric.Float64Histogram

	// --- Counters ---

	// LLMCalls counts analysis adapter calls. Use with attributes:
	//   attribute.String("operation", ...), attribute.String("status", ...)
	LLMCalls metric.Int64Counter

	// PipelineRetries counts pipeline invocations that were retried after a
	// failed analyze call.
	PipelineRetries metric.Int64Counter

	// TermCacheLookups counts term cache lookups. Use with attribute:
	//   attribute.Bool("hit", ...)
	TermCacheLookups metric.Int64Counter

	// DeepResearchSkips counts deep_research requests dropped by the
	// per-session throttle or duplicate-selection dedup. Use with
	// attribute.String("reason", ...).
	DeepResearchSkips metric.Int64Counter

	// OutboundQueueDrops counts sessions torn down because their outbound
	// queue overflowed.
	OutboundQueueDrops metric.Int64Counter

	// --- Error counters ---

	// ArtifactStoreErrors counts artifact store operation failures. Use with
	// attribute.String("operation", ...).
	ArtifactStoreErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live lecture sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for pipeline
// and LLM call latencies, which run from sub-second cache hits to
// multi-second deep-research calls.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.PipelineDuration, err = m.Float64Histogram("lecturerd.pipeline.duration",
		metric.WithDescription("Latency of one analysis pipeline invocation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMCallDuration, err = m.Float64Histogram("lecturerd.llm_call.duration",
		metric.WithDescription("Latency of a single analysis adapter call, by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.LLMCalls, err = m.Int64Counter("lecturerd.llm_calls",
		metric.WithDescription("Total analysis adapter calls by operation and status."),
	); err != nil {
		return nil, err
	}
	if met.PipelineRetries, err = m.Int64Counter("lecturerd.pipeline.retries",
		metric.WithDescription("Total pipeline invocations retried after a failed analyze call."),
	); err != nil {
		return nil, err
	}
	if met.TermCacheLookups, err = m.Int64Counter("lecturerd.term_cache.lookups",
		metric.WithDescription("Total term cache lookups by hit/miss."),
	); err != nil {
		return nil, err
	}
	if met.DeepResearchSkips, err = m.Int64Counter("lecturerd.deep_research.skips",
		metric.WithDescription("Total deep_research requests dropped by throttling or dedup."),
	); err != nil {
		return nil, err
	}
	if met.OutboundQueueDrops, err = m.Int64Counter("lecturerd.outbound_queue.drops",
		metric.WithDescription("Total sessions torn down due to outbound queue overflow."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ArtifactStoreErrors, err = m.Int64Counter("lecturerd.artifact_store.errors",
		metric.WithDescription("Total artifact store operation failures by operation."),
	); err != nil {
		return nil, err
	}
	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("lecturerd.active_sessions",
		metric.WithDescription("Number of live lecture sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lecturerd.http.request.duration",
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

// RecordLLMCall is a convenience method that records an analysis adapter
// call's duration and status.
func (m *Metrics) RecordLLMCall(ctx context.Context, operation, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)
	m.LLMCalls.Add(ctx, 1, attrs)
	m.LLMCallDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordTermCacheLookup is a convenience method that records a term cache
// lookup outcome.
func (m *Metrics) RecordTermCacheLookup(ctx context.Context, hit bool) {
	m.TermCacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("hit", hit)),
	)
}

// RecordDeepResearchSkip is a convenience method that records a skipped
// deep_research request with its reason ("throttled" or "duplicate").
func (m *Metrics) RecordDeepResearchSkip(ctx context.Context, reason string) {
	m.DeepResearchSkips.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordArtifactStoreError is a convenience method that records an artifact
// store operation failure.
func (m *Metrics) RecordArtifactStoreError(ctx context.Context, operation string) {
	m.ArtifactStoreErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("operation", operation)),
	)
}
