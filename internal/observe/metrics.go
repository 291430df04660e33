// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Histograms ---

	// SegmentDuration tracks the audio length of finalized segments.
	SegmentDuration metric.Float64Histogram

	// SegmentBytes tracks the encoded payload size of finalized segments.
	SegmentBytes metric.Int64Histogram

	// SendDuration tracks how long writing one segment to the channel took.
	SendDuration metric.Float64Histogram

	// --- Counters ---

	// Segments counts finalized segments. Use with attribute:
	//   attribute.String("encoding", ...)
	Segments metric.Int64Counter

	// SegmentsDropped counts segments the dispatcher discarded. Use with
	// attribute:
	//   attribute.String("reason", ...)
	SegmentsDropped metric.Int64Counter

	// Transcriptions counts non-empty transcription results.
	Transcriptions metric.Int64Counter

	// VADEvents counts detector transitions. Use with attribute:
	//   attribute.String("type", ...)
	VADEvents metric.Int64Counter

	// Reconnects counts automatic reconnect attempts. Use with attribute:
	//   attribute.String("outcome", ...)
	Reconnects metric.Int64Counter

	// --- Error counters ---

	// Errors counts client errors. Use with attribute:
	//   attribute.String("kind", ...)
	Errors metric.Int64Counter

	// SinkErrors counts failed transcript writes. Use with attribute:
	//   attribute.String("sink", ...)
	SinkErrors metric.Int64Counter

	// --- Gauges ---

	// ConnectionState reports the current channel state as an integer
	// (0 disconnected, 1 connecting, 2 connected, 3 error).
	ConnectionState metric.Int64Gauge

	// ActiveRecordings tracks the number of running recording sessions.
	ActiveRecordings metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network writes.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// segmentBuckets defines histogram bucket boundaries (in seconds) for
// utterance lengths.
var segmentBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SegmentDuration, err = m.Float64Histogram("earshot.segment.duration",
		metric.WithDescription("Audio length of finalized segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentBytes, err = m.Int64Histogram("earshot.segment.size",
		metric.WithDescription("Encoded payload size of finalized segments."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.SendDuration, err = m.Float64Histogram("earshot.dispatch.send.duration",
		metric.WithDescription("Latency of writing a segment to the transcription channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Segments, err = m.Int64Counter("earshot.segments",
		metric.WithDescription("Total finalized segments by encoding."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("earshot.segments.dropped",
		metric.WithDescription("Total segments dropped by the dispatcher by reason."),
	); err != nil {
		return nil, err
	}
	if met.Transcriptions, err = m.Int64Counter("earshot.transcriptions",
		metric.WithDescription("Total non-empty transcription results received."),
	); err != nil {
		return nil, err
	}
	if met.VADEvents, err = m.Int64Counter("earshot.vad.events",
		metric.WithDescription("Total voice activity transitions by type."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("earshot.reconnects",
		metric.WithDescription("Total automatic reconnect attempts by outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.Errors, err = m.Int64Counter("earshot.errors",
		metric.WithDescription("Total client errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.SinkErrors, err = m.Int64Counter("earshot.sink.errors",
		metric.WithDescription("Total failed transcript sink writes by sink."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ConnectionState, err = m.Int64Gauge("earshot.connection.state",
		metric.WithDescription("Transcription channel state (0 disconnected, 1 connecting, 2 connected, 3 error)."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecordings, err = m.Int64UpDownCounter("earshot.active_recordings",
		metric.WithDescription("Number of running recording sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
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

// RecordSegment records a finalized segment of the given encoding, audio
// length in seconds and payload size.
func (m *Metrics) RecordSegment(ctx context.Context, encoding string, seconds float64, size int) {
	enc := metric.WithAttributes(attribute.String("encoding", encoding))
	m.Segments.Add(ctx, 1, enc)
	m.SegmentDuration.Record(ctx, seconds, enc)
	m.SegmentBytes.Record(ctx, int64(size), enc)
}

// RecordDrop records a dropped segment.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.SegmentsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordVADEvent records a detector transition.
func (m *Metrics) RecordVADEvent(ctx context.Context, eventType string) {
	m.VADEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordError records a client error of the given kind.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordSinkError records a failed write to the named sink.
func (m *Metrics) RecordSinkError(ctx context.Context, sink string) {
	m.SinkErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("sink", sink)),
	)
}

// RecordReconnect records a reconnect attempt and its outcome
// ("success", "failure" or "rejected").
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// SetConnectionState records the current channel state.
func (m *Metrics) SetConnectionState(ctx context.Context, state int64) {
	m.ConnectionState.Record(ctx, state)
}
