package messaging

import (
	"context"
	"sync"
)

// MockPublisher records published notifications for tests.
type MockPublisher struct {
	mu   sync.Mutex
	sent []Notification
	// Err is returned from every Publish call when set.
	Err error
}

// NewMockPublisher creates a new MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// Publish records n.
func (m *MockPublisher) Publish(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, *n)
	return nil
}

// Sent returns the recorded notifications in publish order.
func (m *MockPublisher) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.sent))
	copy(out, m.sent)
	return out
}

// For returns the notifications published for one transaction.
func (m *MockPublisher) For(transactionID string) []Notification {
	var out []Notification
	for _, n := range m.Sent() {
		if n.TransactionID == transactionID {
			out = append(out, n)
		}
	}
	return out
}

// Ensure MockPublisher implements Publisher
var _ Publisher = (*MockPublisher)(nil)
