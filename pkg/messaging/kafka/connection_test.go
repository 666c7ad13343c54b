package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubProducers(t *testing.T, fn func(addrs []string, config *sarama.Config) (sarama.SyncProducer, error)) {
	t.Helper()
	old := newSyncProducer
	newSyncProducer = fn
	t.Cleanup(func() { newSyncProducer = old })
}

func testConfig(retries uint64) Config {
	return Config{
		Brokers:         []string{"broker:9092"},
		MaxRetries:      retries,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func TestConnectionManager_RetriesUntilConnected(t *testing.T) {
	calls := 0
	stubProducers(t, func(addrs []string, config *sarama.Config) (sarama.SyncProducer, error) {
		calls++
		assert.Equal(t, []string{"broker:9092"}, addrs)
		assert.True(t, config.Producer.Return.Successes)
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return mocks.NewSyncProducer(t, nil), nil
	})

	m := NewConnectionManager(testConfig(5))
	assert.False(t, m.Healthy())

	p, err := m.Producer(context.Background())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 3, calls)
	assert.True(t, m.Healthy())

	again, err := m.Producer(context.Background())
	require.NoError(t, err)
	assert.Same(t, p, again)
	assert.Equal(t, 3, calls)

	require.NoError(t, m.Close())
	assert.False(t, m.Healthy())
	_, err = m.Producer(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnectionManager_GivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	stubProducers(t, func([]string, *sarama.Config) (sarama.SyncProducer, error) {
		calls++
		return nil, errors.New("connection refused")
	})

	m := NewConnectionManager(testConfig(2))
	_, err := m.Producer(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 3, calls)
	assert.False(t, m.Healthy())
}

func TestConnectionManager_Reconnect(t *testing.T) {
	var created []*mocks.SyncProducer
	stubProducers(t, func([]string, *sarama.Config) (sarama.SyncProducer, error) {
		p := mocks.NewSyncProducer(t, nil)
		created = append(created, p)
		return p, nil
	})

	m := NewConnectionManager(testConfig(0))
	first, err := m.Producer(context.Background())
	require.NoError(t, err)

	second, err := m.Reconnect(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Len(t, created, 2)
	require.NoError(t, m.Close())
}
