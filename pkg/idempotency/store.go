// Package idempotency remembers which incoming orders have already been fully
// processed, so a redelivered message does not run the matching pass twice.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long a processed transaction id is remembered
const DefaultTTL = 24 * time.Hour

// Store records processed transaction ids
type Store interface {
	// Seen reports whether transactionID was marked done.
	Seen(ctx context.Context, transactionID string) (bool, error)
	// MarkDone records transactionID as processed.
	MarkDone(ctx context.Context, transactionID string) error
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	done map[string]time.Time
}

// NewMemoryStore creates a MemoryStore whose entries expire after ttl
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:  ttl,
		now:  time.Now,
		done: make(map[string]time.Time),
	}
}

// Seen implements Store
func (s *MemoryStore) Seen(_ context.Context, transactionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires, ok := s.done[transactionID]
	if !ok {
		return false, nil
	}
	if s.now().After(expires) {
		delete(s.done, transactionID)
		return false, nil
	}
	return true, nil
}

// MarkDone implements Store
func (s *MemoryStore) MarkDone(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[transactionID] = s.now().Add(s.ttl)
	return nil
}

var _ Store = (*MemoryStore)(nil)
