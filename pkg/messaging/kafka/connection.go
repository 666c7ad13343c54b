// Package kafka carries the engine's broker traffic. Orders and notifications
// share one topic; a routing key travels as the message key and in the
// routing-key header, and the consumer only handles the inbound key.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// ErrClosed is returned once the connection manager has been closed
var ErrClosed = errors.New("kafka connection closed")

// newSyncProducer can be replaced in tests
var newSyncProducer = sarama.NewSyncProducer

// Config holds the broker connection settings
type Config struct {
	Brokers  []string
	ClientID string
	// MaxRetries bounds the reconnect attempts after the first one.
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewSaramaConfig returns the producer configuration used by the engine
func NewSaramaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	return cfg
}

// ConnectionManager owns the single long-lived producer. It is shared by the
// publisher and the health endpoint.
type ConnectionManager struct {
	cfg    Config
	sarama *sarama.Config

	mu       sync.Mutex
	producer sarama.SyncProducer
	closed   bool
}

// NewConnectionManager creates a manager; nothing is dialled until the first
// call to Producer.
func NewConnectionManager(cfg Config) *ConnectionManager {
	if cfg.ClientID == "" {
		cfg.ClientID = "matchsettle"
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return &ConnectionManager{
		cfg:    cfg,
		sarama: NewSaramaConfig(cfg.ClientID),
	}
}

// Producer returns the current producer, connecting first if there is none.
func (m *ConnectionManager) Producer(ctx context.Context) (sarama.SyncProducer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.producer != nil {
		return m.producer, nil
	}
	return m.connect(ctx)
}

// Reconnect drops the current producer and dials a new one
func (m *ConnectionManager) Reconnect(ctx context.Context) (sarama.SyncProducer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.producer != nil {
		if err := m.producer.Close(); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to close stale Kafka producer")
		}
		m.producer = nil
	}
	return m.connect(ctx)
}

// Healthy reports whether a producer is connected
func (m *ConnectionManager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.producer != nil
}

// Close closes the producer. The manager cannot be reused afterwards.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.producer == nil {
		return nil
	}
	err := m.producer.Close()
	m.producer = nil
	return err
}

// connect dials with bounded exponential backoff. Callers hold m.mu.
func (m *ConnectionManager) connect(ctx context.Context) (sarama.SyncProducer, error) {
	logger := zerolog.Ctx(ctx)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.InitialInterval
	policy.MaxInterval = m.cfg.MaxInterval
	policy.MaxElapsedTime = 0

	var producer sarama.SyncProducer
	err := backoff.RetryNotify(
		func() error {
			p, err := newSyncProducer(m.cfg.Brokers, m.sarama)
			if err != nil {
				return err
			}
			producer = p
			return nil
		},
		backoff.WithContext(backoff.WithMaxRetries(policy, m.cfg.MaxRetries), ctx),
		func(err error, wait time.Duration) {
			logger.Warn().
				Err(err).
				Strs("brokers", m.cfg.Brokers).
				Dur("retry_in", wait).
				Msg("Kafka connection failed")
		},
	)
	if err != nil {
		return nil, fmt.Errorf("connect to kafka %v: %w", m.cfg.Brokers, err)
	}

	logger.Info().Strs("brokers", m.cfg.Brokers).Msg("Connected Kafka producer")
	m.producer = producer
	return producer, nil
}
