package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/resourcepool/internal/pool"
)

// StatsSource reports the current state of a set of pools. *pool.Registry satisfies it.
type StatsSource interface {
	Stats() []pool.Stats
}

type gaugeSpec struct {
	name        string
	description string
	value       func(pool.Stats) int64
}

var poolGauges = []gaugeSpec{
	{"size", "Live objects plus constructions in flight", func(s pool.Stats) int64 { return int64(s.Size) }},
	{"max", "Configured capacity", func(s pool.Stats) int64 { return int64(s.Max) }},
	{"available", "Idle objects ready for acquisition", func(s pool.Stats) int64 { return int64(s.Free) }},
	{"peak", "Largest number of live objects observed", func(s pool.Stats) int64 { return s.Counters.Peak }},
	{"waiting", "Callers currently inside acquire", func(s pool.Stats) int64 { return s.Counters.Waiting }},
	{"reserved", "Objects currently handed out", func(s pool.Stats) int64 { return s.Counters.Reserved }},
	{"rejected", "Acquisitions that ended without an object", func(s pool.Stats) int64 { return s.Counters.Rejected }},
	{"creating", "Constructions in flight", func(s pool.Stats) int64 { return s.Counters.Creating }},
}

// ObservePools registers one observable gauge per pool counter. Every registered pool is reported
// with pool and environment attributes on each collection.
func ObservePools(meter metric.Meter, source StatsSource) error {
	if meter == nil || source == nil {
		return nil
	}
	env := Environment()
	for _, spec := range poolGauges {
		_, err := meter.Int64ObservableGauge(gaugePrefix+spec.name,
			metric.WithDescription(spec.description),
			metric.WithUnit("{object}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				for _, stats := range source.Stats() {
					observer.Observe(spec.value(stats), metric.WithAttributes(
						AttrPoolName.String(stats.Name),
						AttrEnvironment.String(env),
					))
				}
				return nil
			}),
		)
		if err != nil {
			return fmt.Errorf("register gauge %s: %w", spec.name, err)
		}
	}
	return nil
}

// AcquireRecorder records acquire wait time as a millisecond histogram. It implements
// pool.AcquireObserver.
type AcquireRecorder struct {
	histogram metric.Float64Histogram
	env       attribute.KeyValue
}

// NewAcquireRecorder creates the acquire duration histogram on meter.
func NewAcquireRecorder(meter metric.Meter) (*AcquireRecorder, error) {
	histogram, err := meter.Float64Histogram(AcquireDurationName,
		metric.WithDescription("Time spent waiting in pool acquire"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("register histogram %s: %w", AcquireDurationName, err)
	}
	return &AcquireRecorder{histogram: histogram, env: AttrEnvironment.String(Environment())}, nil
}

// ObserveAcquire records one acquire.
func (r *AcquireRecorder) ObserveAcquire(poolName string, wait time.Duration, outcome pool.Outcome) {
	if r == nil {
		return
	}
	r.histogram.Record(context.Background(), float64(wait)/float64(time.Millisecond), metric.WithAttributes(
		AttrPoolName.String(poolName),
		AttrOutcome.String(string(outcome)),
		r.env,
	))
}
