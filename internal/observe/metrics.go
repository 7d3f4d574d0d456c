// Package observe provides application-wide observability primitives for
// the gateway: OpenTelemetry metrics, distributed tracing, and the HTTP
// middleware that ties request handling to both.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so metrics can still be
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

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/veyra-ai/gateway"

// Metrics holds all OpenTelemetry metric instruments for the gateway. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// RoutingDuration tracks the classifier-and-registry decision path
	// (spec.md §4.4 "full route").
	RoutingDuration metric.Float64Histogram

	// BypassDuration tracks the bypass (cache-hit) decision path.
	BypassDuration metric.Float64Histogram

	// InferenceDuration tracks backend call latency (spec.md §4.6).
	InferenceDuration metric.Float64Histogram

	// HTTPRequestDuration tracks total request handling time, by method and
	// route.
	HTTPRequestDuration metric.Float64Histogram

	// RequestsTotal counts gateway requests. Use with attributes:
	//   attribute.String("use_case", ...), attribute.String("bypass", "true"/"false")
	RequestsTotal metric.Int64Counter

	// ErrorsTotal counts error responses by [gwerr.Kind] string.
	ErrorsTotal metric.Int64Counter

	// BackendHealthTransitions counts health-state transitions observed by
	// the prober (spec.md §4.5).
	BackendHealthTransitions metric.Int64Counter

	// ActiveSessions tracks the number of non-expired session bindings.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries in seconds, tuned for
// the gateway's sub-10ms routing budget up through multi-second inference
// calls.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RoutingDuration, err = m.Float64Histogram("gateway.routing.duration",
		metric.WithDescription("Latency of the full classify-and-route decision path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BypassDuration, err = m.Float64Histogram("gateway.bypass.duration",
		metric.WithDescription("Latency of the bypass (cache-hit) decision path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InferenceDuration, err = m.Float64Histogram("gateway.inference.duration",
		metric.WithDescription("Latency of backend inference calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("gateway.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.RequestsTotal, err = m.Int64Counter("gateway.requests.total",
		metric.WithDescription("Total routed requests by use case and bypass status."),
	); err != nil {
		return nil, err
	}
	if met.ErrorsTotal, err = m.Int64Counter("gateway.errors.total",
		metric.WithDescription("Total error responses by error kind."),
	); err != nil {
		return nil, err
	}
	if met.BackendHealthTransitions, err = m.Int64Counter("gateway.backend.health_transitions",
		metric.WithDescription("Total backend health-state transitions by backend and new state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("gateway.sessions.active",
		metric.WithDescription("Number of non-expired session bindings."),
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen against
// the global provider).
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

// RecordRequest records a completed request's use case and bypass status.
func (m *Metrics) RecordRequest(ctx context.Context, useCase string, bypass bool) {
	status := "false"
	if bypass {
		status = "true"
	}
	m.RequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("use_case", useCase),
		attribute.String("bypass", status),
	))
}

// RecordError records an error response by its [gwerr.Kind] string.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordHealthTransition records a backend moving into a new health state.
func (m *Metrics) RecordHealthTransition(ctx context.Context, backendKey, newState string) {
	m.BackendHealthTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backendKey),
		attribute.String("state", newState),
	))
}
