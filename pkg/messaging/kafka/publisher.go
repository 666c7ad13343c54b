package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/erain9/matchsettle/pkg/core"
	"github.com/erain9/matchsettle/pkg/messaging"
	"github.com/rs/zerolog"
)

// PublisherConfig holds the notification destination
type PublisherConfig struct {
	Topic      string
	RoutingKey string
	// MaxAttempts bounds sends per notification; every retry reconnects first.
	MaxAttempts int
}

// Publisher sends notifications through the connection manager
type Publisher struct {
	conn *ConnectionManager
	cfg  PublisherConfig
}

// NewPublisher creates a new Publisher
func NewPublisher(conn *ConnectionManager, cfg PublisherConfig) *Publisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	return &Publisher{conn: conn, cfg: cfg}
}

// Publish sends n. A failed send reconnects and tries again up to
// MaxAttempts times; the final error wraps core.ErrPublish.
func (p *Publisher) Publish(ctx context.Context, n *messaging.Notification) error {
	logger := zerolog.Ctx(ctx)

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal notification: %v", core.ErrPublish, err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		var producer sarama.SyncProducer
		if attempt == 1 {
			producer, err = p.conn.Producer(ctx)
		} else {
			producer, err = p.conn.Reconnect(ctx)
		}
		if err != nil {
			lastErr = err
			continue
		}

		_, _, err = producer.SendMessage(p.message(n, data))
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("notification_for", n.TransactionID).
			Msg("Failed to send notification")
	}
	return fmt.Errorf("%w: notification for %s: %v", core.ErrPublish, n.TransactionID, lastErr)
}

func (p *Publisher) message(n *messaging.Notification, data []byte) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic: p.cfg.Topic,
		Key:   sarama.StringEncoder(p.cfg.RoutingKey),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte(RoutingKeyHeader), Value: []byte(p.cfg.RoutingKey)},
			{Key: []byte(TransactionIDHeader), Value: []byte(n.TransactionID)},
		},
		Timestamp: time.Now(),
	}
}

var _ messaging.Publisher = (*Publisher)(nil)
