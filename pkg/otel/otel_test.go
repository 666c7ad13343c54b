package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartOrderSpan_WithoutInit(t *testing.T) {
	ResetForTesting()

	ctx, span := StartOrderSpan(context.Background(), SpanProcessOrder, attribute.String(AttributeOrderID, "o1"))
	require.NotNil(t, span)
	assert.NotNil(t, ctx)
	AddAttributes(span, attribute.String(AttributeStatus, "completed"))
	RecordError(span, errors.New("boom"))
	span.End()
}

func TestStartOrderSpan_UsesEngineTracer(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	InitForTesting(tp.Tracer("test"))
	t.Cleanup(ResetForTesting)

	_, span := StartOrderSpan(context.Background(), SpanSettle, attribute.String(AttributeOrderID, "o1"))
	RecordError(span, errors.New("step failed"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, SpanSettle, ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.String(AttributeOrderID, "o1"))
	assert.Equal(t, "step failed", ended[0].Status().Description)
}

func TestCollaboratorMetrics_RecordCall(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewCollaboratorMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordCall(ctx, "holdings.execute", 20*time.Millisecond, 200, nil)
	m.RecordCall(ctx, "holdings.execute", 10*time.Millisecond, 500, errors.New("boom"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	totals := map[string]int64{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), totals["collaborator.client.requests.total"])
	assert.Equal(t, int64(1), totals["collaborator.client.errors.total"])
}

func TestInit_CollectorDisabled(t *testing.T) {
	cleanup, err := Init(Config{})
	require.NoError(t, err)
	cleanup()
	assert.Nil(t, GetEngineTracer())
}
