package otel

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

const (
	instrumentationName = "github.com/erain9/matchsettle/pkg/otel"
)

var (
	collaboratorMetrics     *CollaboratorMetrics
	collaboratorMetricsOnce sync.Once
	collaboratorMetricsErr  error
)

// CollaboratorMetrics holds the instruments for outbound calls to the
// order-book and holdings services
type CollaboratorMetrics struct {
	// Latency metrics
	clientLatency metric.Float64Histogram

	// Traffic metrics
	requestsTotal metric.Int64Counter

	// Error metrics
	errorTotal metric.Int64Counter
}

// NewCollaboratorMetrics creates a new CollaboratorMetrics instance
func NewCollaboratorMetrics(meter metric.Meter) (*CollaboratorMetrics, error) {
	clientLatency, err := meter.Float64Histogram(
		"collaborator.client.duration",
		metric.WithDescription("Response latency (seconds) of collaborator calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	requestsTotal, err := meter.Int64Counter(
		"collaborator.client.requests.total",
		metric.WithDescription("Total number of collaborator requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	errorTotal, err := meter.Int64Counter(
		"collaborator.client.errors.total",
		metric.WithDescription("Total number of failed collaborator requests"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &CollaboratorMetrics{
		clientLatency: clientLatency,
		requestsTotal: requestsTotal,
		errorTotal:    errorTotal,
	}, nil
}

// GetCollaboratorMetrics returns a singleton instance of CollaboratorMetrics
// bound to the global meter provider
func GetCollaboratorMetrics() (*CollaboratorMetrics, error) {
	collaboratorMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(instrumentationName)
		collaboratorMetrics, collaboratorMetricsErr = NewCollaboratorMetrics(meter)
	})
	return collaboratorMetrics, collaboratorMetricsErr
}

// RecordCall records one finished HTTP exchange. status is 0 when no
// response was received.
func (m *CollaboratorMetrics) RecordCall(ctx context.Context, endpoint string, duration time.Duration, status int, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("collaborator.endpoint", endpoint),
		semconv.HTTPStatusCodeKey.Int(status),
	}
	opt := metric.WithAttributes(attrs...)

	m.clientLatency.Record(ctx, duration.Seconds(), opt)
	m.requestsTotal.Add(ctx, 1, opt)
	if err != nil {
		m.errorTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("collaborator.endpoint", endpoint),
			attribute.String("collaborator.status", strconv.Itoa(status)),
		))
	}
}
