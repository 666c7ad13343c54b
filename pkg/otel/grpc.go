package otel

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc/stats"
)

// NewGRPCStatsHandler creates a stats handler for gRPC telemetry using OpenTelemetry.
func NewGRPCStatsHandler() stats.Handler {
	return otelgrpc.NewServerHandler(
		otelgrpc.WithMeterProvider(otel.GetMeterProvider()),
		otelgrpc.WithTracerProvider(otel.GetTracerProvider()),
	)
}
