package memory

import (
	"context"
	"sync"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
)

// DistributionStore is an in-memory implementation of storage.DistributionStore.
type DistributionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.DistributionState // keyed by session id
}

// NewDistributionStore creates a new in-memory distribution store.
func NewDistributionStore() *DistributionStore {
	return &DistributionStore{
		data: make(map[string]*domain.DistributionState),
	}
}

// Save inserts or replaces the distribution state of a session.
func (s *DistributionStore) Save(_ context.Context, d *domain.DistributionState) error {
	if d == nil || d.SessionID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[d.SessionID] = cloneDistribution(d)
	return nil
}

// Get retrieves the distribution state of a session.
func (s *DistributionStore) Get(_ context.Context, sessionID string) (*domain.DistributionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, exists := s.data[sessionID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cloneDistribution(d), nil
}

func cloneDistribution(d *domain.DistributionState) *domain.DistributionState {
	copy := *d
	if d.CompletedAt != nil {
		at := *d.CompletedAt
		copy.CompletedAt = &at
	}
	return &copy
}

var _ storage.DistributionStore = (*DistributionStore)(nil)
