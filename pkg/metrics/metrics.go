// Package metrics provides the Metrics & Tracing surface (C10): OpenTelemetry
// instruments for the call pipeline, exported via a Prometheus bridge on the
// same HTTP server the webhook router runs on. Grounded on
// MrWong99-glyphoxa's internal/observe package (Metrics struct shape,
// NewMetrics/InitProvider split) and trimmed to the metrics-only surface this
// module's go.mod carries — no span exporter, since nothing here emits spans.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/voicebridge-ai/voicebridge"

// latencyBuckets (seconds) spans a single mu-law chunk write up to one
// minute; longer samples land in the overflow bucket.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds every OpenTelemetry instrument this module records. All
// fields are safe for concurrent use; the underlying OTel instruments handle
// their own synchronization.
type Metrics struct {
	// SttTurnDuration tracks how long waitForTranscript takes to resolve an
	// utterance, per provider.
	SttTurnDuration metric.Float64Histogram
	// TtsTurnDuration tracks synthesis+playout latency for one speak() call,
	// per provider.
	TtsTurnDuration metric.Float64Histogram
	// CallDuration tracks total call wall-clock time, recorded once per call
	// at teardown.
	CallDuration metric.Float64Histogram

	// ProviderErrors counts failures by provider name and kind (tts, stt,
	// stt_timeout).
	ProviderErrors metric.Int64Counter
	// CallsTotal counts calls by terminal outcome, labelled with the teardown
	// reason the call session passes (e.g. "agent requested end", "carrier
	// reported hangup", "hard ceiling exceeded").
	CallsTotal metric.Int64Counter

	// ActiveCalls tracks the number of calls currently in flight.
	ActiveCalls metric.Int64UpDownCounter
}

// NewMetrics builds a Metrics bound to mp. Returns an error if any
// instrument fails to register.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.SttTurnDuration, err = m.Float64Histogram("voicebridge.stt.turn.duration",
		metric.WithDescription("Latency of a single waitForTranscript call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TtsTurnDuration, err = m.Float64Histogram("voicebridge.tts.turn.duration",
		metric.WithDescription("Latency of a single speak() synthesis+playout."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voicebridge.call.duration",
		metric.WithDescription("Total wall-clock duration of one call, recorded at teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(append(latencyBuckets, 120, 300, 360)...),
	); err != nil {
		return nil, err
	}

	if met.ProviderErrors, err = m.Int64Counter("voicebridge.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CallsTotal, err = m.Int64Counter("voicebridge.calls.total",
		metric.WithDescription("Total calls by terminal outcome."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("voicebridge.active_calls",
		metric.WithDescription("Number of calls currently in flight."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the package-level Metrics instance, built on first call
// from otel.GetMeterProvider(). Panics if instrument registration fails,
// which should not happen against the global provider.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("metrics: failed to create default instruments: " + err.Error())
		}
	})
	return defaultMetrics
}

// InitProvider wires a Prometheus-backed MeterProvider and registers it as
// the global OTel meter provider. Returns a shutdown func to defer from
// main(). serviceName/serviceVersion are attached as resource attributes.
func InitProvider(serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordCallEnded records a terminal outcome and the call's total duration.
func (m *Metrics) RecordCallEnded(ctx context.Context, outcome string, durationSeconds float64) {
	m.CallsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.CallDuration.Record(ctx, durationSeconds)
}

// RecordSttTurn records one waitForTranscript latency sample.
func (m *Metrics) RecordSttTurn(ctx context.Context, provider string, seconds float64) {
	m.SttTurnDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordTtsTurn records one speak() synthesis+playout latency sample.
func (m *Metrics) RecordTtsTurn(ctx context.Context, provider string, seconds float64) {
	m.TtsTurnDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("provider", provider)))
}
