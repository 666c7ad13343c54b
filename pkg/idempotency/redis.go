package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions represents configuration options for the Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient creates a Redis client from opts
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// RedisStore keeps processed transaction ids as expiring Redis keys so the
// guard survives restarts and is shared by every engine instance.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore creates a new RedisStore. Keys are "<prefix>:processed:<id>".
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

// Seen implements Store
func (s *RedisStore) Seen(ctx context.Context, transactionID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(transactionID)).Result()
	if err != nil {
		s.logger.Error("failed to check processed order",
			zap.String("transaction_id", transactionID),
			zap.Error(err))
		return false, fmt.Errorf("check processed %s: %w", transactionID, err)
	}
	return n > 0, nil
}

// MarkDone implements Store
func (s *RedisStore) MarkDone(ctx context.Context, transactionID string) error {
	if err := s.client.Set(ctx, s.key(transactionID), time.Now().UTC().Format(time.RFC3339), s.ttl).Err(); err != nil {
		s.logger.Error("failed to mark order processed",
			zap.String("transaction_id", transactionID),
			zap.Error(err))
		return fmt.Errorf("mark processed %s: %w", transactionID, err)
	}
	return nil
}

// Ping checks the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(transactionID string) string {
	return fmt.Sprintf("%s:processed:%s", s.prefix, transactionID)
}

var _ Store = (*RedisStore)(nil)
