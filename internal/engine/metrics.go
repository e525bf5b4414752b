package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/helix/internal/model"
)

const meterName = "github.com/roach88/helix/internal/engine"

// Unit outcome labels.
const (
	outcomeSkipped   = "skipped"
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
)

// metrics records unit outcomes on the global meter provider. Without an
// installed provider every instrument is a no-op.
type metrics struct {
	units    metric.Int64Counter
	retries  metric.Int64Counter
	duration metric.Float64Histogram
	pool     metric.Int64Gauge
}

func newMetrics(mp metric.MeterProvider) *metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	// Instrument constructors only fail on invalid names; the returned
	// instrument is usable (no-op) either way.
	units, _ := meter.Int64Counter("nh.units",
		metric.WithDescription("Units dispatched, by wave and outcome"))
	retries, _ := meter.Int64Counter("nh.unit.retries",
		metric.WithDescription("Retries used by tool invocations"))
	duration, _ := meter.Float64Histogram("nh.unit.duration",
		metric.WithDescription("Tool invocation wall time"),
		metric.WithUnit("s"))
	pool, _ := meter.Int64Gauge("nh.wave.pool_size",
		metric.WithDescription("Worker pool size chosen for a wave"))

	return &metrics{units: units, retries: retries, duration: duration, pool: pool}
}

func (m *metrics) recordUnit(ctx context.Context, wave model.Wave, outcome string) {
	m.units.Add(ctx, 1, metric.WithAttributes(
		attribute.String("wave", string(wave)),
		attribute.String("outcome", outcome)))
}

func (m *metrics) recordExecution(ctx context.Context, wave model.Wave, seconds float64, retries int) {
	attrs := metric.WithAttributes(attribute.String("wave", string(wave)))
	m.duration.Record(ctx, seconds, attrs)
	if retries > 0 {
		m.retries.Add(ctx, int64(retries), attrs)
	}
}

func (m *metrics) recordPool(ctx context.Context, wave model.Wave, size int) {
	m.pool.Record(ctx, int64(size), metric.WithAttributes(attribute.String("wave", string(wave))))
}
