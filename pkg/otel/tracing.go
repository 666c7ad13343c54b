package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Span names
	SpanProcessOrder        = "process_order"
	SpanMatchCandidate      = "match_candidate"
	SpanSettle              = "settle"
	SpanPublishNotification = "publish_notification"

	// Attribute keys
	AttributeOrderID        = "order.id"
	AttributeOrderSide      = "order.side"
	AttributeOrderType      = "order.type"
	AttributeOrderPair      = "order.pair"
	AttributeOrderQuantity  = "order.quantity"
	AttributeOrderPrice     = "order.price"
	AttributeCounterpartyID = "counterparty.id"
	AttributeMatchPrice     = "match.price"
	AttributeMatchBaseQty   = "match.base_quantity"
	AttributeMatchQuoteQty  = "match.quote_quantity"
	AttributeCandidateCount = "match.candidate_count"
	AttributeFillCount      = "match.fill_count"
	AttributeStatus         = "notification.status"
	AttributeFailedStep     = "saga.failed_step"
)

// StartOrderSpan starts a new span for order processing. Without an
// initialised engine tracer the global provider is used, which is a no-op
// until one is installed.
func StartOrderSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := GetEngineTracer()
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddAttributes adds attributes to a span
func AddAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.SetAttributes(attrs...)
}

// RecordError marks the span as failed
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
