package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/erain9/matchsettle/config"
	"github.com/erain9/matchsettle/pkg/engine"
	"github.com/erain9/matchsettle/pkg/idempotency"
	"github.com/erain9/matchsettle/pkg/ledger"
	"github.com/erain9/matchsettle/pkg/logging"
	"github.com/erain9/matchsettle/pkg/messaging/kafka"
	"github.com/erain9/matchsettle/pkg/orderbook"
	"github.com/erain9/matchsettle/pkg/otel"
	"github.com/erain9/matchsettle/pkg/pairs"
	"github.com/erain9/matchsettle/pkg/transport"
	"github.com/rs/zerolog"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const healthService = "matchsettle.Engine"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Server.LogLevel,
		Pretty: cfg.Server.LogFormat == "pretty",
	})

	ctx, stop := signal.NotifyContext(logger.WithContext(context.Background()), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanup, err := otel.Init(otel.Config{
		ServiceName:      otel.ServiceEngine,
		ServiceVersion:   cfg.Telemetry.ServiceVersion,
		Endpoint:         cfg.Telemetry.Endpoint,
		ExportInterval:   cfg.Telemetry.ExportInterval,
		CollectorEnabled: cfg.Telemetry.Enabled,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize OpenTelemetry")
	}
	defer cleanup()
	if cfg.Telemetry.Enabled {
		if err := otel.StartRuntimeMetrics(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start runtime metrics")
		}
	}

	registry, err := pairs.Load(cfg.Pairs.File)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.Pairs.File).Msg("Failed to load trading pairs")
	}
	logger.Info().Strs("pairs", registry.Keys()).Msg("Loaded trading pairs")

	var opts []transport.Option
	if recorder, err := otel.GetCollaboratorMetrics(); err != nil {
		logger.Warn().Err(err).Msg("Collaborator metrics unavailable")
	} else {
		opts = append(opts, transport.WithRecorder(recorder))
	}
	bookHTTP := transport.New(collaborator(cfg.OrderBook), opts...)
	defer bookHTTP.Close()
	ledgerHTTP := transport.New(collaborator(cfg.Ledger), opts...)
	defer ledgerHTTP.Close()

	conn := kafka.NewConnectionManager(kafka.Config{
		Brokers:         cfg.Kafka.Brokers,
		ClientID:        cfg.Kafka.Group,
		MaxRetries:      cfg.Kafka.ReconnectRetries,
		InitialInterval: cfg.Kafka.BackoffInitial,
		MaxInterval:     cfg.Kafka.BackoffMax,
	})
	defer conn.Close()
	if _, err := conn.Producer(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Kafka")
	}
	publisher := kafka.NewPublisher(conn, kafka.PublisherConfig{
		Topic:       cfg.Kafka.Topic,
		RoutingKey:  cfg.Kafka.OutboundKey,
		MaxAttempts: cfg.Kafka.PublishAttempts,
	})

	store, closeStore := processedStore(ctx, cfg)
	defer closeStore()

	eng := engine.New(
		registry,
		orderbook.NewClient(bookHTTP),
		ledger.NewClient(ledgerHTTP),
		publisher,
		engine.WithMetrics(otel.GetEngineMetrics()),
		engine.WithPairingStore(store),
	)

	writer := kafka.NewWriter(cfg.Kafka.Brokers)
	defer writer.Close()

	group, err := sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.Group, kafka.NewSaramaConfig(cfg.Kafka.Group))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create consumer group")
	}
	defer group.Close()

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Topic:           cfg.Kafka.Topic,
		DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		RoutingKey:      cfg.Kafka.InboundKey,
		MaxRedeliveries: cfg.Kafka.MaxRedeliveries,
	}, engine.NewHandler(eng, store), writer, logger)

	grpcServer, err := setupHealthServer(ctx, cfg.Server.HealthAddr, conn)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to setup health server")
	}
	defer grpcServer.GracefulStop()

	logger.Info().
		Str("topic", cfg.Kafka.Topic).
		Str("group", cfg.Kafka.Group).
		Str("routing_key", cfg.Kafka.InboundKey).
		Msg("Engine consuming orders")
	if err := consumer.Run(ctx, group); err != nil {
		logger.Error().Err(err).Msg("Consumer stopped")
	}
	logger.Info().Msg("Shutting down")
}

func collaborator(c config.Collaborator) transport.Config {
	return transport.Config{
		BaseURL:    c.URL,
		Timeout:    c.Timeout,
		MaxRetries: c.MaxRetries,
		RetryDelay: c.RetryDelay,
	}
}

// processedStore returns the Redis guard when enabled and reachable, the
// in-memory one otherwise.
func processedStore(ctx context.Context, cfg *config.Config) (idempotency.Store, func()) {
	logger := zerolog.Ctx(ctx)
	if !cfg.Redis.Enabled {
		return idempotency.NewMemoryStore(cfg.Redis.TTL), func() {}
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		zlog = zap.NewNop()
	}
	client := idempotency.NewRedisClient(idempotency.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	store := idempotency.NewRedisStore(client, cfg.Redis.Prefix, cfg.Redis.TTL, zlog)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, using in-memory processed-order guard")
		_ = store.Close()
		return idempotency.NewMemoryStore(cfg.Redis.TTL), func() {}
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis processed-order guard")
	return store, func() {
		_ = store.Close()
		_ = zlog.Sync()
	}
}

// setupHealthServer serves grpc.health.v1 reporting the broker connection
func setupHealthServer(ctx context.Context, addr string, conn *kafka.ConnectionManager) (*grpc.Server, error) {
	logger := zerolog.Ctx(ctx)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otel.NewGRPCStatsHandler()),
		grpc.ChainUnaryInterceptor(logging.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(logging.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if conn.Healthy() {
				status = healthpb.HealthCheckResponse_SERVING
			}
			healthServer.SetServingStatus("", status)
			healthServer.SetServingStatus(healthService, status)

			select {
			case <-ctx.Done():
				healthServer.Shutdown()
				return
			case <-ticker.C:
			}
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("Starting gRPC health server")
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("Health server stopped")
		}
	}()
	return grpcServer, nil
}
