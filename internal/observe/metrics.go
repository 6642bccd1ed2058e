// Package observe provides application-wide observability primitives for
// voxrelay: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxrelay metrics.
const meterName = "github.com/MrWong99/voxrelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// UtteranceDuration tracks how long relayed utterances last. Use with
	// attribute.String("mode", ...).
	UtteranceDuration metric.Float64Histogram

	// ConnectDuration tracks voice connection setup time. Use with
	// attribute.String("endpoint", ...), attribute.String("status", ...).
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts pipelines built. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("class", ...)
	Utterances metric.Int64Counter

	// PipelineErrors counts contained pipeline failures. Use with attribute:
	//   attribute.String("stage", ...)
	PipelineErrors metric.Int64Counter

	// DroppedWriters counts destination writers torn down for falling behind.
	DroppedWriters metric.Int64Counter

	// RoutingChanges counts routing transitions. Use with attribute:
	//   attribute.String("kind", ...)
	RoutingChanges metric.Int64Counter

	// KilledHandles counts stream handles closed by kills. Use with attribute:
	//   attribute.String("class", ...)
	KilledHandles metric.Int64Counter

	// --- Gauges ---

	// ActivePipelines tracks running pipelines.
	ActivePipelines metric.Int64UpDownCounter

	// ActiveWriters tracks running destination writers.
	ActiveWriters metric.Int64UpDownCounter

	// ReadyEndpoints tracks voice endpoints whose link is usable.
	ReadyEndpoints metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// durationBuckets defines histogram bucket boundaries (in seconds) sized for
// spoken radio traffic.
var durationBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120,
}

// connectBuckets defines histogram bucket boundaries (in seconds) for voice
// connection setup.
var connectBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.UtteranceDuration, err = m.Float64Histogram("voxrelay.utterance.duration",
		metric.WithDescription("Duration of relayed utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("voxrelay.connect.duration",
		metric.WithDescription("Time to establish a voice connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("voxrelay.utterances",
		metric.WithDescription("Total pipelines built by mode and class."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("voxrelay.pipeline.errors",
		metric.WithDescription("Total contained pipeline failures by stage."),
	); err != nil {
		return nil, err
	}
	if met.DroppedWriters, err = m.Int64Counter("voxrelay.writers.dropped",
		metric.WithDescription("Total destination writers dropped for exceeding their backlog."),
	); err != nil {
		return nil, err
	}
	if met.RoutingChanges, err = m.Int64Counter("voxrelay.routing.changes",
		metric.WithDescription("Total routing transitions by kind."),
	); err != nil {
		return nil, err
	}
	if met.KilledHandles, err = m.Int64Counter("voxrelay.registry.killed",
		metric.WithDescription("Total stream handles closed by kills, by class."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActivePipelines, err = m.Int64UpDownCounter("voxrelay.active_pipelines",
		metric.WithDescription("Number of running pipelines."),
	); err != nil {
		return nil, err
	}
	if met.ActiveWriters, err = m.Int64UpDownCounter("voxrelay.active_writers",
		metric.WithDescription("Number of running destination writers."),
	); err != nil {
		return nil, err
	}
	if met.ReadyEndpoints, err = m.Int64UpDownCounter("voxrelay.ready_endpoints",
		metric.WithDescription("Number of voice endpoints with a usable link."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxrelay.http.request.duration",
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

// PipelineStarted records a new pipeline of the given mode and class.
func (m *Metrics) PipelineStarted(ctx context.Context, mode, class string, writers int) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(Attr("mode", mode), Attr("class", class)))
	m.ActivePipelines.Add(ctx, 1)
	m.ActiveWriters.Add(ctx, int64(writers))
}

// PipelineEnded records the end of a pipeline started with [Metrics.PipelineStarted].
func (m *Metrics) PipelineEnded(ctx context.Context, mode string, writers int, d time.Duration) {
	m.ActivePipelines.Add(ctx, -1)
	m.ActiveWriters.Add(ctx, -int64(writers))
	m.UtteranceDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("mode", mode)))
}

// RecordPipelineError records a contained failure in stage.
func (m *Metrics) RecordPipelineError(ctx context.Context, stage string) {
	m.PipelineErrors.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

// RecordDroppedWriter records a writer torn down for falling behind.
func (m *Metrics) RecordDroppedWriter(ctx context.Context) {
	m.DroppedWriters.Add(ctx, 1)
}

// RecordRoutingChange records a routing transition and the handles it killed.
func (m *Metrics) RecordRoutingChange(ctx context.Context, kind, class string, killed int) {
	m.RoutingChanges.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
	if killed > 0 {
		m.KilledHandles.Add(ctx, int64(killed), metric.WithAttributes(Attr("class", class)))
	}
}

// RecordConnect records a voice connection attempt.
func (m *Metrics) RecordConnect(ctx context.Context, endpoint, status string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("endpoint", endpoint), Attr("status", status)),
	)
}

// RecordReadiness adjusts the ready endpoint gauge.
func (m *Metrics) RecordReadiness(ctx context.Context, ready bool) {
	if ready {
		m.ReadyEndpoints.Add(ctx, 1)
		return
	}
	m.ReadyEndpoints.Add(ctx, -1)
}
