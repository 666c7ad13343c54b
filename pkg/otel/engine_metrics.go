package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	engineMetrics     *EngineMetrics
	engineMetricsOnce sync.Once
)

// EngineMetrics holds the counters of the matching pass
type EngineMetrics struct {
	// Settled matches by incoming side and order type
	matchesTotal metric.Int64Counter
	// Pairings abandoned after a saga step or reconciliation failed
	rollbacksTotal metric.Int64Counter
	// Compensating ledger calls that themselves failed
	compensationFailures metric.Int64Counter
	// Orders skipped because they were already processed
	duplicatesTotal metric.Int64Counter
}

// GetEngineMetrics returns the EngineMetrics singleton. Instruments that
// fail to register are left nil and silently skipped.
func GetEngineMetrics() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(instrumentationName)
		m := &EngineMetrics{}

		m.matchesTotal, _ = meter.Int64Counter(
			"engine.matches.total",
			metric.WithDescription("Total number of settled matches"),
			metric.WithUnit("{match}"),
		)
		m.rollbacksTotal, _ = meter.Int64Counter(
			"engine.saga.rollbacks.total",
			metric.WithDescription("Total number of pairings rolled back"),
			metric.WithUnit("{rollback}"),
		)
		m.compensationFailures, _ = meter.Int64Counter(
			"saga.compensation.failures",
			metric.WithDescription("Total number of failed compensation calls"),
			metric.WithUnit("{call}"),
		)
		m.duplicatesTotal, _ = meter.Int64Counter(
			"engine.duplicates.total",
			metric.WithDescription("Total number of redelivered orders skipped"),
			metric.WithUnit("{order}"),
		)
		engineMetrics = m
	})
	return engineMetrics
}

// RecordMatch increments the settled matches counter
func (m *EngineMetrics) RecordMatch(ctx context.Context, side, orderType string) {
	if m.matchesTotal == nil {
		return
	}
	m.matchesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttributeOrderSide, side),
		attribute.String(AttributeOrderType, orderType),
	))
}

// RecordRollback increments the rollback counter. reason is the failed saga
// step or "reconcile".
func (m *EngineMetrics) RecordRollback(ctx context.Context, reason string) {
	if m.rollbacksTotal == nil {
		return
	}
	m.rollbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttributeFailedStep, reason)))
}

// RecordCompensationFailure increments the failed compensation counter
func (m *EngineMetrics) RecordCompensationFailure(ctx context.Context, step string, _ error) {
	if m.compensationFailures == nil {
		return
	}
	m.compensationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("saga.step", step)))
}

// RecordDuplicate increments the skipped redelivery counter
func (m *EngineMetrics) RecordDuplicate(ctx context.Context) {
	if m.duplicatesTotal == nil {
		return
	}
	m.duplicatesTotal.Add(ctx, 1)
}
