// Package observe provides application-wide observability primitives for
// voxrelay: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is built by [Setup] so that metrics can be
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

// meterName is the instrumentation scope of all voxrelay metrics and spans.
const meterName = "github.com/MrWong99/voxrelay"

// Frame drop reasons used with [Metrics.RecordFrameDropped].
const (
	DropOverflow    = "overflow"
	DropWriteFailed = "write_failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Frame flow ---

	// FramesReceived counts frames read from the source session.
	FramesReceived metric.Int64Counter

	// FramesSent counts frames written to the target session.
	FramesSent metric.Int64Counter

	// FramesDropped counts discarded frames. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// BufferSize is the number of frames queued at the last health tick.
	BufferSize metric.Int64Gauge

	// BufferIdle is the time since the last buffer activity at the last tick.
	BufferIdle metric.Float64Gauge

	// --- Connection lifecycle ---

	// ReconnectAttempts counts connect attempts after the initial one. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("status", ...)
	ReconnectAttempts metric.Int64Counter

	// ForcedReconnects counts reconnects requested by the health monitor. Use with attribute:
	//   attribute.String("endpoint", ...)
	ForcedReconnects metric.Int64Counter

	// EndpointLive is 1 while an endpoint has a live session, else 0. Use with attribute:
	//   attribute.String("endpoint", ...)
	EndpointLive metric.Int64Gauge

	// ConnectDuration tracks how long a single join attempt takes.
	ConnectDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// connectBuckets defines histogram bucket boundaries (in seconds) for voice
// joins, which range from a fast websocket handshake to a slow Discord
// voice negotiation.
var connectBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesReceived, err = m.Int64Counter("voxrelay.frames.received",
		metric.WithDescription("Frames captured from the source session."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("voxrelay.frames.sent",
		metric.WithDescription("Frames delivered to the target session."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxrelay.frames.dropped",
		metric.WithDescription("Frames discarded by reason."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("voxrelay.reconnect.attempts",
		metric.WithDescription("Reconnect attempts by endpoint and status."),
	); err != nil {
		return nil, err
	}
	if met.ForcedReconnects, err = m.Int64Counter("voxrelay.reconnect.forced",
		metric.WithDescription("Reconnects requested by the health monitor, by endpoint."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.BufferSize, err = m.Int64Gauge("voxrelay.buffer.size",
		metric.WithDescription("Frames queued between capture and playback."),
	); err != nil {
		return nil, err
	}
	if met.BufferIdle, err = m.Float64Gauge("voxrelay.buffer.idle",
		metric.WithDescription("Time since the buffer last saw a frame."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.EndpointLive, err = m.Int64Gauge("voxrelay.endpoint.live",
		metric.WithDescription("Whether an endpoint currently holds a live session."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("voxrelay.connect.duration",
		metric.WithDescription("Latency of a single voice join attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}
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

// RecordFrameDropped increments the dropped-frame counter for reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordReconnectAttempt records one reconnect attempt and its outcome
// ("ok" or "error").
func (m *Metrics) RecordReconnectAttempt(ctx context.Context, endpoint, status string) {
	m.ReconnectAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
}

// RecordConnectDuration records how long a join attempt for endpoint took.
func (m *Metrics) RecordConnectDuration(ctx context.Context, endpoint string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordForcedReconnect increments the forced-reconnect counter for endpoint.
func (m *Metrics) RecordForcedReconnect(ctx context.Context, endpoint string) {
	m.ForcedReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// SetEndpointLive records whether endpoint currently has a live session.
func (m *Metrics) SetEndpointLive(ctx context.Context, endpoint string, live bool) {
	var v int64
	if live {
		v = 1
	}
	m.EndpointLive.Record(ctx, v, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordBuffer records the buffer gauges sampled by the health monitor.
func (m *Metrics) RecordBuffer(ctx context.Context, size int, idle time.Duration) {
	m.BufferSize.Record(ctx, int64(size))
	m.BufferIdle.Record(ctx, idle.Seconds())
}
