// Package observe provides observability primitives for the concierge:
// OpenTelemetry metrics with a Prometheus exporter bridge, tracing helpers,
// and the health/metrics HTTP endpoints.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all concierge metrics.
const meterName = "github.com/xetem/cinnabar-concierge"

// Metrics holds all OpenTelemetry metric instruments for the concierge.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// Replies counts outbound dialogue replies. Use with attribute:
	//   attribute.String("kind", ...) — "help", "occupied", "room_choice",
	//   "passphrase", "retry", "lock_stub".
	Replies metric.Int64Counter

	// Builds counts provisioning runs. Use with attribute:
	//   attribute.String("status", ...) — "success", "failure", "control_loss".
	Builds metric.Int64Counter

	// BuildDuration tracks wall-clock time of one provisioning run.
	BuildDuration metric.Float64Histogram

	// AllowanceWait tracks time spent blocked on the allowance bucket.
	AllowanceWait metric.Float64Histogram

	// PendingSessions tracks dialogue sessions awaiting a reply from the
	// requester.
	PendingSessions metric.Int64UpDownCounter
}

// buildBuckets covers the paced multi-step pipeline (tens of seconds).
var buildBuckets = []float64{
	1, 5, 10, 20, 30, 45, 60, 90, 120, 180,
}

// waitBuckets covers allowance waits, which are bounded by the 100 s ceiling.
var waitBuckets = []float64{
	0.1, 0.5, 1, 5, 10, 30, 60, 100,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Replies, err = m.Int64Counter("concierge.replies",
		metric.WithDescription("Outbound dialogue replies by kind."),
	); err != nil {
		return nil, err
	}
	if met.Builds, err = m.Int64Counter("concierge.builds",
		metric.WithDescription("Apartment provisioning runs by status."),
	); err != nil {
		return nil, err
	}
	if met.BuildDuration, err = m.Float64Histogram("concierge.build.duration",
		metric.WithDescription("Wall-clock duration of one provisioning run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buildBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AllowanceWait, err = m.Float64Histogram("concierge.allowance.wait",
		metric.WithDescription("Time spent waiting for the allowance bucket to recover."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(waitBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PendingSessions, err = m.Int64UpDownCounter("concierge.pending_sessions",
		metric.WithDescription("Dialogue sessions awaiting a requester reply."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordReply records one outbound reply of the given kind.
func (m *Metrics) RecordReply(ctx context.Context, kind string) {
	m.Replies.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordAllowanceWait records time spent blocked on the allowance bucket.
func (m *Metrics) RecordAllowanceWait(ctx context.Context, d time.Duration) {
	m.AllowanceWait.Record(ctx, d.Seconds())
}

// RecordBuild records one finished provisioning run.
func (m *Metrics) RecordBuild(ctx context.Context, status string, d time.Duration) {
	m.Builds.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.BuildDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}
