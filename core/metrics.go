package core

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "execguard"

// Decision sources, recorded on every verdict.
const (
	SourceCache      = "cache"
	SourcePolicy     = "policy"
	SourceInspection = "inspection_error"
	SourceLongPath   = "long_path"
	SourcePanic      = "panic"
)

type Metrics struct {
	decisions    metric.Int64Counter
	cacheLookups metric.Int64Counter
	duration     metric.Float64Histogram
	approvals    metric.Int64Counter
	raceDrops    metric.Int64Counter
	backfilled   metric.Int64Counter
}

// NewMetrics registers the instruments on mp, or on the global provider
// when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	var meter metric.Meter
	if mp == nil {
		meter = otel.Meter(meterName)
	} else {
		meter = mp.Meter(meterName)
	}

	m := &Metrics{}
	var err error
	if m.decisions, err = meter.Int64Counter("execguard.decisions.total",
		metric.WithDescription("Execution verdicts by decision, response and source"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, fmt.Errorf("decisions counter: %w", err)
	}
	if m.cacheLookups, err = meter.Int64Counter("execguard.cache.lookups",
		metric.WithDescription("Decision cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, fmt.Errorf("cache counter: %w", err)
	}
	if m.duration, err = meter.Float64Histogram("execguard.decision.duration",
		metric.WithDescription("Time from event receipt to kernel response"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	); err != nil {
		return nil, fmt.Errorf("duration histogram: %w", err)
	}
	if m.approvals, err = meter.Int64Counter("execguard.approvals.total",
		metric.WithDescription("Held executions by approval outcome"),
		metric.WithUnit("{approval}"),
	); err != nil {
		return nil, fmt.Errorf("approvals counter: %w", err)
	}
	if m.raceDrops, err = meter.Int64Counter("execguard.signals.dropped",
		metric.WithDescription("Signals dropped because the target process changed"),
		metric.WithUnit("{signal}"),
	); err != nil {
		return nil, fmt.Errorf("race counter: %w", err)
	}
	if m.backfilled, err = meter.Int64Counter("execguard.backfill.entries",
		metric.WithDescription("Running processes added to the decision cache by backfill"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, fmt.Errorf("backfill counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) RecordDecision(ctx context.Context, decision string, action Action, source string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("decision", decision),
		attribute.String("response", action.String()),
		attribute.String("source", source),
	)
	m.decisions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordApproval(ctx context.Context, approved bool) {
	if m == nil {
		return
	}
	m.approvals.Add(ctx, 1, metric.WithAttributes(attribute.Bool("approved", approved)))
}

func (m *Metrics) RecordSignalDropped(ctx context.Context, signal string) {
	if m == nil {
		return
	}
	m.raceDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("signal", signal)))
}

func (m *Metrics) RecordBackfill(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.backfilled.Add(ctx, int64(n))
}
