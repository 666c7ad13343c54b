package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/erain9/matchsettle/pkg/core"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

// Message headers
const (
	RoutingKeyHeader       = "routing-key"
	TransactionIDHeader    = "transaction-id"
	RedeliveryHeader       = "x-redelivery"
	DeadLetterReasonHeader = "x-dead-letter-reason"
)

const writeTimeout = 5 * time.Second

// Handler processes one message payload
type Handler interface {
	Handle(ctx context.Context, value []byte) error
}

// Writer re-produces messages for requeue and dead-lettering
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// NewWriter creates a kafka-go writer without a fixed topic; every message
// names its own.
func NewWriter(brokers []string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// ConsumerConfig holds the inbound binding
type ConsumerConfig struct {
	Topic           string
	DeadLetterTopic string
	// RoutingKey selects the messages this consumer handles. Messages without
	// a routing-key header are handled too.
	RoutingKey string
	// MaxRedeliveries bounds requeues of an unparseable message before it is
	// dead-lettered.
	MaxRedeliveries int
}

// Consumer is a sarama consumer-group handler. Messages of a claim are
// handled one at a time and an offset is marked only after its message has
// been fully handled.
type Consumer struct {
	cfg     ConsumerConfig
	handler Handler
	writer  Writer
	logger  zerolog.Logger
}

// NewConsumer creates a new Consumer
func NewConsumer(cfg ConsumerConfig, handler Handler, writer Writer, logger zerolog.Logger) *Consumer {
	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = 5
	}
	return &Consumer{
		cfg:     cfg,
		handler: handler,
		writer:  writer,
		logger:  logger,
	}
}

// Run consumes until ctx is cancelled or the group is closed
func (c *Consumer) Run(ctx context.Context, group sarama.ConsumerGroup) error {
	for {
		err := group.Consume(ctx, []string{c.cfg.Topic}, c)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Error().Err(err).Msg("Consumer group session failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// Setup implements sarama.ConsumerGroupHandler
func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	c.logger.Info().
		Str("member_id", session.MemberID()).
		Int32("generation", session.GenerationID()).
		Msg("Consumer session started")
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler. Shutdown is only
// observed between messages.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.handle(ctx, msg); err != nil {
				return err
			}
			session.MarkMessage(msg, "")
		case <-ctx.Done():
			return nil
		}
	}
}

// handle runs the handler and routes failures. It returns an error only when
// a failed message could not be requeued or dead-lettered.
func (c *Consumer) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	logger := c.logger.With().
		Str("topic", msg.Topic).
		Int32("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	if key := header(msg, RoutingKeyHeader); key != "" && key != c.cfg.RoutingKey {
		logger.Debug().Str("routing_key", key).Msg("Skipping message for another binding")
		return nil
	}

	err := c.handler.Handle(context.WithoutCancel(logger.WithContext(ctx)), msg.Value)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrParse):
		n := redeliveries(msg)
		if n >= c.cfg.MaxRedeliveries {
			logger.Error().Err(err).Int("redeliveries", n).Msg("Unparseable message exceeded redeliveries")
			return c.deadLetter(ctx, msg, err)
		}
		logger.Warn().Err(err).Int("redeliveries", n).Msg("Unparseable message, requeueing")
		return c.requeue(ctx, msg, n+1)
	case core.IsFatal(err):
		logger.Error().Err(err).Msg("Unprocessable order, dead-lettering")
		return c.deadLetter(ctx, msg, err)
	default:
		logger.Error().Err(err).Msg("Order handling failed")
		return nil
	}
}

func (c *Consumer) requeue(ctx context.Context, msg *sarama.ConsumerMessage, redelivery int) error {
	out := copyMessage(msg, c.cfg.Topic, RedeliveryHeader)
	out.Headers = append(out.Headers, kafkago.Header{Key: RedeliveryHeader, Value: []byte(strconv.Itoa(redelivery))})
	return c.write(ctx, out, "requeue")
}

func (c *Consumer) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, reason error) error {
	out := copyMessage(msg, c.cfg.DeadLetterTopic, DeadLetterReasonHeader)
	out.Headers = append(out.Headers, kafkago.Header{Key: DeadLetterReasonHeader, Value: []byte(reason.Error())})
	return c.write(ctx, out, "dead-letter")
}

func (c *Consumer) write(ctx context.Context, msg kafkago.Message, what string) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := c.writer.WriteMessages(wctx, msg); err != nil {
		return fmt.Errorf("%s message to %s: %w", what, msg.Topic, err)
	}
	return nil
}

// copyMessage copies key, value and headers, leaving out the header named
// replace.
func copyMessage(msg *sarama.ConsumerMessage, topic, replace string) kafkago.Message {
	out := kafkago.Message{
		Topic: topic,
		Key:   msg.Key,
		Value: msg.Value,
	}
	for _, h := range msg.Headers {
		if h == nil || string(h.Key) == replace {
			continue
		}
		out.Headers = append(out.Headers, kafkago.Header{Key: string(h.Key), Value: h.Value})
	}
	return out
}

func header(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func redeliveries(msg *sarama.ConsumerMessage) int {
	n, err := strconv.Atoi(header(msg, RedeliveryHeader))
	if err != nil {
		return 0
	}
	return n
}
