package memory

import (
	"context"
	"sort"
	"sync"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
)

// LedgerStore is an in-memory implementation of storage.LedgerStore.
// Appends are serialized under one mutex so concurrent writers never lose entries.
type LedgerStore struct {
	mu      sync.RWMutex
	ids     map[string]struct{}
	records []*domain.TransactionRecord
}

// NewLedgerStore creates a new in-memory ledger.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		ids: make(map[string]struct{}),
	}
}

// Append adds a record. Returns ErrDuplicateKey if the id exists.
func (s *LedgerStore) Append(_ context.Context, r *domain.TransactionRecord) error {
	if r == nil || r.ID == "" || r.SessionID == "" || r.Type == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[r.ID]; exists {
		return storage.ErrDuplicateKey
	}
	s.ids[r.ID] = struct{}{}
	s.records = append(s.records, cloneRecord(r))
	return nil
}

// GetBySession retrieves all records of a session, ordered by timestamp ASC, id ASC.
func (s *LedgerStore) GetBySession(_ context.Context, sessionID string) ([]*domain.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TransactionRecord
	for _, r := range s.records {
		if r.SessionID == sessionID {
			result = append(result, cloneRecord(r))
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func cloneRecord(r *domain.TransactionRecord) *domain.TransactionRecord {
	copy := *r
	if r.WalletIndex != nil {
		idx := *r.WalletIndex
		copy.WalletIndex = &idx
	}
	return &copy
}

var _ storage.LedgerStore = (*LedgerStore)(nil)
