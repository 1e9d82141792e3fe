// Package observe provides the recorder's OpenTelemetry metrics and the
// Prometheus bridge they are scraped through.
//
// Components take a *Metrics and treat nil as "not instrumented". Tests build
// one with [NewMetrics] on a ManualReader-backed provider.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/derktes/signal-recorder"

// Metrics holds the metric instruments. All fields are safe for concurrent
// use.
type Metrics struct {
	// SavedSignals counts stored signals. Attribute: mode.
	SavedSignals metric.Int64Counter

	// StorageErrors counts failed storage operations. Attributes: op, kind.
	StorageErrors metric.Int64Counter

	// SaveDuration tracks the time spent saving a packet, lock wait included.
	SaveDuration metric.Float64Histogram

	// ReplayRuns counts finished replays. Attributes: mode, result.
	ReplayRuns metric.Int64Counter

	// ReplayDuration tracks how long the output was driven.
	ReplayDuration metric.Float64Histogram

	// HTTPRequestDuration tracks API latency. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram

	// CaptureFrames is an observable counter fed by ObserveCaptures.
	// Attributes: mode, outcome.
	CaptureFrames metric.Int64ObservableCounter

	meter metric.Meter
}

var saveBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.SavedSignals, err = m.Int64Counter("recorder.signals.saved",
		metric.WithDescription("Signals written to storage by mode."),
	); err != nil {
		return nil, err
	}
	if met.StorageErrors, err = m.Int64Counter("recorder.storage.errors",
		metric.WithDescription("Failed storage operations by operation and kind."),
	); err != nil {
		return nil, err
	}
	if met.SaveDuration, err = m.Float64Histogram("recorder.storage.save.duration",
		metric.WithDescription("Latency of saving one signal, lock wait included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(saveBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReplayRuns, err = m.Int64Counter("recorder.replay.runs",
		metric.WithDescription("Finished replays by mode and result."),
	); err != nil {
		return nil, err
	}
	if met.ReplayDuration, err = m.Float64Histogram("recorder.replay.duration",
		metric.WithDescription("Time the output pin was driven by a replay."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("recorder.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64ObservableCounter("recorder.capture.frames",
		metric.WithDescription("Capture outcomes by mode: sealed, lost, truncated, dropped_pulses, clock_wraps."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// CaptureSample is one mode's capture counters at collection time.
type CaptureSample struct {
	Mode          string
	Sealed        uint64
	Lost          uint64
	Truncated     uint64
	DroppedPulses uint64
	ClockWraps    uint64
}

// ObserveCaptures reports the counters returned by fn on every collection.
func (m *Metrics) ObserveCaptures(fn func() []CaptureSample) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, s := range fn() {
			for _, kv := range []struct {
				outcome string
				n       uint64
			}{
				{"sealed", s.Sealed},
				{"lost", s.Lost},
				{"truncated", s.Truncated},
				{"dropped_pulses", s.DroppedPulses},
				{"clock_wraps", s.ClockWraps},
			} {
				o.ObserveInt64(m.CaptureFrames, int64(kv.n),
					metric.WithAttributes(
						attribute.String("mode", s.Mode),
						attribute.String("outcome", kv.outcome),
					),
				)
			}
		}
		return nil
	}, m.CaptureFrames)
}

// RecordSave records one save attempt. kind is empty on success.
func (m *Metrics) RecordSave(ctx context.Context, mode string, d time.Duration, kind string) {
	if m == nil {
		return
	}
	m.SaveDuration.Record(ctx, d.Seconds())
	if kind == "" {
		m.SavedSignals.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
		return
	}
	m.RecordStorageError(ctx, "save", kind)
}

// RecordStorageError counts a failed storage operation.
func (m *Metrics) RecordStorageError(ctx context.Context, op, kind string) {
	if m == nil {
		return
	}
	m.StorageErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("kind", kind),
		),
	)
}

// RecordReplay records a finished replay.
func (m *Metrics) RecordReplay(ctx context.Context, mode, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReplayRuns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("result", result),
		),
	)
	m.ReplayDuration.Record(ctx, d.Seconds())
}
