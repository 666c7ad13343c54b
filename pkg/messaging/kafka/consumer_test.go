package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/erain9/matchsettle/pkg/core"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) Commit()                    {}
func (s *fakeSession) Context() context.Context   { return s.ctx }

func (s *fakeSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {}

func (s *fakeSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "exchange" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

type fakeWriter struct {
	written []kafkago.Message
	err     error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

type handlerFunc func(ctx context.Context, value []byte) error

func (f handlerFunc) Handle(ctx context.Context, value []byte) error { return f(ctx, value) }

func consume(t *testing.T, c *Consumer, msgs ...*sarama.ConsumerMessage) (*fakeSession, error) {
	t.Helper()
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, len(msgs))}
	for _, m := range msgs {
		claim.messages <- m
	}
	close(claim.messages)

	session := &fakeSession{ctx: context.Background()}
	err := c.ConsumeClaim(session, claim)
	return session, err
}

func message(offset int64, value string, headers ...string) *sarama.ConsumerMessage {
	msg := &sarama.ConsumerMessage{Topic: "exchange", Offset: offset, Key: []byte("order.created"), Value: []byte(value)}
	for i := 0; i+1 < len(headers); i += 2 {
		msg.Headers = append(msg.Headers, &sarama.RecordHeader{Key: []byte(headers[i]), Value: []byte(headers[i+1])})
	}
	return msg
}

func headerValue(msg kafkago.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func newTestConsumer(h Handler, w Writer) *Consumer {
	return NewConsumer(ConsumerConfig{
		Topic:           "exchange",
		DeadLetterTopic: "exchange.dlq",
		RoutingKey:      "order.created",
		MaxRedeliveries: 2,
	}, h, w, zerolog.Nop())
}

func TestConsumer_HandlesInOrderAndMarksAfterProcessing(t *testing.T) {
	var handled []string
	h := handlerFunc(func(ctx context.Context, value []byte) error {
		handled = append(handled, string(value))
		return nil
	})

	session, err := consume(t, newTestConsumer(h, &fakeWriter{}),
		message(1, "a", RoutingKeyHeader, "order.created"),
		message(2, "b"),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, handled)
	assert.Equal(t, []int64{1, 2}, session.marked)
}

func TestConsumer_SkipsOtherRoutingKeys(t *testing.T) {
	called := false
	h := handlerFunc(func(ctx context.Context, value []byte) error {
		called = true
		return nil
	})

	session, err := consume(t, newTestConsumer(h, &fakeWriter{}), message(7, "{}", RoutingKeyHeader, "order.executed"))
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, []int64{7}, session.marked)
}

func TestConsumer_ParseErrorRequeues(t *testing.T) {
	w := &fakeWriter{}
	h := handlerFunc(func(ctx context.Context, value []byte) error {
		return fmt.Errorf("%w: unexpected end of JSON input", core.ErrParse)
	})

	session, err := consume(t, newTestConsumer(h, w), message(3, "{", RoutingKeyHeader, "order.created", RedeliveryHeader, "1"))
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, session.marked)

	require.Len(t, w.written, 1)
	out := w.written[0]
	assert.Equal(t, "exchange", out.Topic)
	assert.Equal(t, []byte("{"), out.Value)
	assert.Equal(t, "2", headerValue(out, RedeliveryHeader))
	assert.Equal(t, "order.created", headerValue(out, RoutingKeyHeader))

	redeliveryHeaders := 0
	for _, h := range out.Headers {
		if h.Key == RedeliveryHeader {
			redeliveryHeaders++
		}
	}
	assert.Equal(t, 1, redeliveryHeaders)
}

func TestConsumer_ParseErrorDeadLettersAfterMaxRedeliveries(t *testing.T) {
	w := &fakeWriter{}
	h := handlerFunc(func(ctx context.Context, value []byte) error {
		return fmt.Errorf("%w: bad json", core.ErrParse)
	})

	_, err := consume(t, newTestConsumer(h, w), message(4, "{", RedeliveryHeader, "2"))
	require.NoError(t, err)

	require.Len(t, w.written, 1)
	assert.Equal(t, "exchange.dlq", w.written[0].Topic)
	assert.Contains(t, headerValue(w.written[0], DeadLetterReasonHeader), "malformed message")
}

func TestConsumer_FatalErrorDeadLetters(t *testing.T) {
	w := &fakeWriter{}
	h := handlerFunc(func(ctx context.Context, value []byte) error {
		return fmt.Errorf("order x1: %w: DOGE/USDT", core.ErrUnsupportedPair)
	})

	session, err := consume(t, newTestConsumer(h, w), message(5, `{"transactionId":"x1"}`))
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, session.marked)

	require.Len(t, w.written, 1)
	assert.Equal(t, "exchange.dlq", w.written[0].Topic)
	assert.Contains(t, headerValue(w.written[0], DeadLetterReasonHeader), "unsupported pair")
}

func TestConsumer_OtherErrorsAreAcked(t *testing.T) {
	w := &fakeWriter{}
	h := handlerFunc(func(ctx context.Context, value []byte) error {
		return errors.New("something odd")
	})

	session, err := consume(t, newTestConsumer(h, w), message(6, "{}"))
	require.NoError(t, err)
	assert.Equal(t, []int64{6}, session.marked)
	assert.Empty(t, w.written)
}

func TestConsumer_WriterFailureLeavesMessageUnmarked(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	h := handlerFunc(func(ctx context.Context, value []byte) error {
		return fmt.Errorf("%w: bad json", core.ErrParse)
	})

	session, err := consume(t, newTestConsumer(h, w), message(8, "{"), message(9, "{"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Empty(t, session.marked)
}

func TestConsumer_HandlerContextSurvivesSessionCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- message(1, "{}")

	var handlerErr error
	h := handlerFunc(func(hctx context.Context, value []byte) error {
		cancel()
		handlerErr = hctx.Err()
		return nil
	})

	session := &fakeSession{ctx: ctx}
	require.NoError(t, newTestConsumer(h, &fakeWriter{}).ConsumeClaim(session, claim))
	assert.NoError(t, handlerErr)
	assert.Equal(t, []int64{1}, session.marked)
}
