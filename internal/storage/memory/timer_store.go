package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
)

// TimerStore is an in-memory implementation of storage.TimerStore.
type TimerStore struct {
	mu   sync.RWMutex
	data map[walletKey]*domain.CollectionTimer
}

// NewTimerStore creates a new in-memory timer store.
func NewTimerStore() *TimerStore {
	return &TimerStore{
		data: make(map[walletKey]*domain.CollectionTimer),
	}
}

// InsertBulk adds the timers of a session atomically. Fails entire batch on any duplicate.
func (s *TimerStore) InsertBulk(_ context.Context, timers []*domain.CollectionTimer) error {
	if len(timers) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[walletKey]struct{}, len(timers))
	for _, t := range timers {
		if t == nil || t.SessionID == "" {
			return storage.ErrInvalidInput
		}
		k := walletKey{t.SessionID, t.WalletIndex}
		if _, exists := s.data[k]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[k]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[k] = struct{}{}
	}

	for _, t := range timers {
		s.data[walletKey{t.SessionID, t.WalletIndex}] = cloneTimer(t)
	}
	return nil
}

// GetBySession retrieves all timers of a session, ordered by wallet index ASC.
func (s *TimerStore) GetBySession(_ context.Context, sessionID string) ([]*domain.CollectionTimer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.CollectionTimer
	for k, t := range s.data {
		if k.sessionID == sessionID {
			result = append(result, cloneTimer(t))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].WalletIndex < result[j].WalletIndex
	})
	return result, nil
}

// MarkFired marks a timer completed exactly once.
func (s *TimerStore) MarkFired(_ context.Context, sessionID string, walletIndex int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.data[walletKey{sessionID, walletIndex}]
	if !exists {
		return storage.ErrNotFound
	}
	if t.Completed {
		return storage.ErrConflict
	}
	t.Completed = true
	t.CollectionTime = &at
	return nil
}

// RecordOutcome stores the result of a fired timer.
func (s *TimerStore) RecordOutcome(_ context.Context, sessionID string, walletIndex int, profit *int64, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.data[walletKey{sessionID, walletIndex}]
	if !exists {
		return storage.ErrNotFound
	}
	if profit != nil {
		p := *profit
		t.Profit = &p
	}
	t.Failed = failed
	return nil
}

func cloneTimer(t *domain.CollectionTimer) *domain.CollectionTimer {
	copy := *t
	if t.CollectionTime != nil {
		ct := *t.CollectionTime
		copy.CollectionTime = &ct
	}
	if t.Profit != nil {
		p := *t.Profit
		copy.Profit = &p
	}
	return &copy
}

var _ storage.TimerStore = (*TimerStore)(nil)
