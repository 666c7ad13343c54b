package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/erain9/matchsettle/pkg/core"
	"github.com/erain9/matchsettle/pkg/messaging"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingProducer keeps the messages handed to the mock producer
type recordingProducer struct {
	*mocks.SyncProducer
	sent []*sarama.ProducerMessage
}

func (r *recordingProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	r.sent = append(r.sent, msg)
	return r.SyncProducer.SendMessage(msg)
}

func notification() *messaging.Notification {
	return &messaging.Notification{
		TransactionID:    "b1",
		UserID:           "alice",
		Status:           messaging.StatusCompleted,
		FromAmountActual: decimal.RequireFromString("10000"),
		ToAmountActual:   decimal.RequireFromString("0.2"),
	}
}

func TestPublisher_Publish(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var n map[string]any
		if err := json.Unmarshal(val, &n); err != nil {
			return err
		}
		if n["status"] != "completed" || n["transactionId"] != "b1" {
			return errors.New("unexpected notification body")
		}
		return nil
	})
	rec := &recordingProducer{SyncProducer: mock}
	stubProducers(t, func([]string, *sarama.Config) (sarama.SyncProducer, error) { return rec, nil })

	conn := NewConnectionManager(testConfig(0))
	p := NewPublisher(conn, PublisherConfig{Topic: "exchange", RoutingKey: "order.executed"})

	require.NoError(t, p.Publish(context.Background(), notification()))

	require.Len(t, rec.sent, 1)
	msg := rec.sent[0]
	assert.Equal(t, "exchange", msg.Topic)
	assert.Equal(t, sarama.StringEncoder("order.executed"), msg.Key)
	assert.Contains(t, msg.Headers, sarama.RecordHeader{Key: []byte(RoutingKeyHeader), Value: []byte("order.executed")})
	assert.Contains(t, msg.Headers, sarama.RecordHeader{Key: []byte(TransactionIDHeader), Value: []byte("b1")})
	require.NoError(t, conn.Close())
}

func TestPublisher_ReconnectsAfterSendFailure(t *testing.T) {
	broken := mocks.NewSyncProducer(t, nil)
	broken.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	healthy := mocks.NewSyncProducer(t, nil)
	healthy.ExpectSendMessageAndSucceed()

	producers := []sarama.SyncProducer{broken, healthy}
	stubProducers(t, func([]string, *sarama.Config) (sarama.SyncProducer, error) {
		p := producers[0]
		producers = producers[1:]
		return p, nil
	})

	conn := NewConnectionManager(testConfig(0))
	p := NewPublisher(conn, PublisherConfig{Topic: "exchange", RoutingKey: "order.executed"})

	require.NoError(t, p.Publish(context.Background(), notification()))
	assert.Empty(t, producers)
	require.NoError(t, conn.Close())
}

func TestPublisher_GivesUp(t *testing.T) {
	stubProducers(t, func([]string, *sarama.Config) (sarama.SyncProducer, error) {
		return nil, errors.New("no brokers")
	})

	p := NewPublisher(NewConnectionManager(testConfig(0)), PublisherConfig{Topic: "exchange", RoutingKey: "order.executed", MaxAttempts: 3})
	err := p.Publish(context.Background(), notification())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPublish)
}
