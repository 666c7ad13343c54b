package otel

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	ServiceEngine = "matchsettle-engine"
)

var (
	engineTracer   trace.Tracer
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
)

// Config holds the OpenTelemetry configuration
type Config struct {
	ServiceName      string
	ServiceVersion   string
	Endpoint         string
	ConnectTimeout   time.Duration
	ExportInterval   time.Duration
	CollectorEnabled bool
}

// Init initializes OpenTelemetry with the given configuration. With the
// collector disabled nothing is installed and spans and metrics go to the
// global no-op providers.
func Init(cfg Config) (func(), error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = ServiceEngine
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "0.1.0"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ExportInterval == 0 {
		cfg.ExportInterval = 5 * time.Second
	}

	var cleanup []func()
	if !cfg.CollectorEnabled {
		return func() {}, nil
	}

	resource := initResource(cfg.ServiceName, cfg.ServiceVersion)

	tp, err := initTracerProvider(cfg, resource)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer provider")
	} else {
		tracerProvider = tp
		engineTracer = tp.Tracer(cfg.ServiceName)
		cleanup = append(cleanup, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("Error shutting down tracer provider")
			}
		})
	}

	mp, err := initMeterProvider(cfg, resource)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize meter provider, continuing without metrics")
	} else {
		meterProvider = mp
		cleanup = append(cleanup, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
			defer cancel()
			if err := mp.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("Error shutting down meter provider")
			}
		})
	}

	return func() {
		for _, fn := range cleanup {
			fn()
		}
	}, nil
}

func initResource(serviceName, serviceVersion string) *sdkresource.Resource {
	extraResources, err := sdkresource.New(
		context.Background(),
		sdkresource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
		sdkresource.WithOS(),
		sdkresource.WithProcess(),
		sdkresource.WithHost(),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create resource")
		return sdkresource.Default()
	}

	resource, err := sdkresource.Merge(sdkresource.Default(), extraResources)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to merge resources")
		return sdkresource.Default()
	}
	return resource
}

func initTracerProvider(cfg Config, resource *sdkresource.Resource) (*sdktrace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1))),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)
	return tp, nil
}

func initMeterProvider(cfg Config, resource *sdkresource.Resource) (*sdkmetric.MeterProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.ExportInterval))),
		sdkmetric.WithResource(resource),
	)

	otel.SetMeterProvider(mp)
	return mp, nil
}

// GetEngineTracer returns the tracer for the matching engine, nil before Init
func GetEngineTracer() trace.Tracer {
	return engineTracer
}

// ResetForTesting resets the global variables for testing
func ResetForTesting() {
	engineTracer = nil
	tracerProvider = nil
}

// InitForTesting installs tracer as the engine tracer
func InitForTesting(tracer trace.Tracer) {
	engineTracer = tracer
}
