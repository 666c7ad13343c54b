package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Config defines logging configuration
type Config struct {
	// Level is the logging level (debug, info, warn, error)
	Level string
	// Pretty determines if logs should be formatted for human readability
	Pretty bool
	// Output is where logs are written (defaults to os.Stdout)
	Output io.Writer
}

// DefaultConfig returns the default logging configuration
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Pretty: false,
		Output: os.Stdout,
	}
}

// Setup configures the global logger and returns it
func Setup(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	return log.Logger
}

// WithOrder returns a context whose logger carries the order identifiers.
// Falls back to the global logger when ctx has none.
func WithOrder(ctx context.Context, transactionID, userID string) context.Context {
	logger := FromContext(ctx).With().
		Str("transaction_id", transactionID).
		Str("user_id", userID).
		Logger()
	return logger.WithContext(ctx)
}

// FromContext returns the logger stored in ctx, or the global one
func FromContext(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

// UnaryServerInterceptor returns a gRPC interceptor for request logging
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		ctx, logger := requestLogger(ctx, info.FullMethod)

		logger.Debug().Msg("Request received")
		resp, err := handler(ctx, req)
		complete(logger, err, time.Since(start), "Request completed")
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC interceptor for streaming request logging
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		ctx, logger := requestLogger(stream.Context(), info.FullMethod)

		logger.Debug().Bool("grpc.stream", true).Msg("Stream started")
		err := handler(srv, &wrappedServerStream{ServerStream: stream, ctx: ctx})
		complete(logger, err, time.Since(start), "Stream completed")
		return err
	}
}

func requestLogger(ctx context.Context, method string) (context.Context, zerolog.Logger) {
	logger := FromContext(ctx).With().Str("grpc.method", method).Logger()
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			logger = logger.With().Str("request_id", ids[0]).Logger()
		}
	}
	return logger.WithContext(ctx), logger
}

func complete(logger zerolog.Logger, err error, duration time.Duration, msg string) {
	statusCode := codes.OK
	if err != nil {
		if st, ok := status.FromError(err); ok {
			statusCode = st.Code()
		} else {
			statusCode = codes.Unknown
		}
	}

	event := logger.Info()
	if statusCode != codes.OK {
		event = logger.Error().Err(err).Str("grpc.code", statusCode.String())
	}
	event.Dur("duration", duration).
		Int("grpc.status", int(statusCode)).
		Msg(msg)
}

// wrappedServerStream wraps a grpc.ServerStream with a modified context
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapper's modified context
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
