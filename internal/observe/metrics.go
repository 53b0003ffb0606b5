// Package observe provides application-wide observability primitives for
// Callyx: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Callyx metrics.
const meterName = "github.com/MrWong99/callyx"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks the full turn latency from final transcript to
	// orchestrator completion.
	TurnDuration metric.Float64Histogram

	// BargeInStopLatency tracks the time from barge-in detection to the
	// StopAudio frame hitting the socket.
	BargeInStopLatency metric.Float64Histogram

	// SynthesisDuration tracks text-to-speech synthesis latency per phrase.
	SynthesisDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attributes:
	//   attribute.String("agent", ...), attribute.String("status", ...)
	Turns metric.Int64Counter

	// BargeIns counts barge-in events.
	BargeIns metric.Int64Counter

	// Handoffs counts agent handoffs. Use with attribute:
	//   attribute.String("to", ...)
	Handoffs metric.Int64Counter

	// Escalations counts human escalations.
	Escalations metric.Int64Counter

	// DroppedFinals counts final transcripts dropped on queue overflow.
	DroppedFinals metric.Int64Counter

	// DroppedFrames counts stale egress frames discarded after barge-in.
	DroppedFrames metric.Int64Counter

	// ProtocolViolations counts malformed inbound frames.
	ProtocolViolations metric.Int64Counter

	// ProviderErrors counts speech and model provider errors. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live media sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies. The lowest buckets resolve the barge-in
// stop budget.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("callyx.turn.duration",
		metric.WithDescription("Latency of a full turn, final transcript to orchestrator completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInStopLatency, err = m.Float64Histogram("callyx.barge_in.stop_latency",
		metric.WithDescription("Time from barge-in detection to the StopAudio frame write."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("callyx.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per phrase."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("callyx.turns",
		metric.WithDescription("Total completed turns by agent and status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("callyx.barge_ins",
		metric.WithDescription("Total barge-in events."),
	); err != nil {
		return nil, err
	}
	if met.Handoffs, err = m.Int64Counter("callyx.handoffs",
		metric.WithDescription("Total agent handoffs by target."),
	); err != nil {
		return nil, err
	}
	if met.Escalations, err = m.Int64Counter("callyx.escalations",
		metric.WithDescription("Total escalations to a human agent."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFinals, err = m.Int64Counter("callyx.dropped_finals",
		metric.WithDescription("Final transcripts dropped on turn queue overflow."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("callyx.dropped_frames",
		metric.WithDescription("Stale egress frames discarded after barge-in."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolViolations, err = m.Int64Counter("callyx.protocol_violations",
		metric.WithDescription("Malformed inbound media frames, logged and dropped."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("callyx.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("callyx.active_sessions",
		metric.WithDescription("Number of live media sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callyx.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
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

// RecordTurn records one completed turn with the standard attribute set.
func (m *Metrics) RecordTurn(ctx context.Context, agent, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("status", status),
	)
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, seconds, attrs)
}

// RecordBargeIn records a barge-in event and its stop-frame latency.
func (m *Metrics) RecordBargeIn(ctx context.Context, stopSeconds float64) {
	m.BargeIns.Add(ctx, 1)
	m.BargeInStopLatency.Record(ctx, stopSeconds)
}

// RecordHandoff records one agent handoff.
func (m *Metrics) RecordHandoff(ctx context.Context, to string) {
	m.Handoffs.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}

// RecordProviderError records a provider error with the standard attribute
// set.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
