package memory

import (
	"context"
	"sort"
	"sync"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
)

type walletKey struct {
	sessionID string
	index     int
}

// WalletStore is an in-memory implementation of storage.WalletStore.
type WalletStore struct {
	mu   sync.RWMutex
	data map[walletKey]*domain.TradingWallet
}

// NewWalletStore creates a new in-memory wallet store.
func NewWalletStore() *WalletStore {
	return &WalletStore{
		data: make(map[walletKey]*domain.TradingWallet),
	}
}

// InsertBulk adds the wallets of a session atomically. Fails entire batch on any duplicate.
func (s *WalletStore) InsertBulk(_ context.Context, wallets []*domain.TradingWallet) error {
	if len(wallets) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[walletKey]struct{}, len(wallets))
	for _, w := range wallets {
		if w == nil || w.SessionID == "" || w.Address == "" {
			return storage.ErrInvalidInput
		}
		k := walletKey{w.SessionID, w.Index}
		if _, exists := s.data[k]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[k]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[k] = struct{}{}
	}

	for _, w := range wallets {
		copy := *w
		s.data[walletKey{w.SessionID, w.Index}] = &copy
	}
	return nil
}

// GetBySession retrieves all wallets of a session, ordered by index ASC.
func (s *WalletStore) GetBySession(_ context.Context, sessionID string) ([]*domain.TradingWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TradingWallet
	for k, w := range s.data {
		if k.sessionID == sessionID {
			copy := *w
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Index < result[j].Index
	})
	return result, nil
}

// Update overwrites the mutable fields of a wallet.
func (s *WalletStore) Update(_ context.Context, w *domain.TradingWallet) error {
	if w == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.data[walletKey{w.SessionID, w.Index}]
	if !exists {
		return storage.ErrNotFound
	}
	existing.FundedAmount = w.FundedAmount
	existing.Volume = w.Volume
	existing.Status = w.Status
	existing.FailureReason = w.FailureReason
	existing.UpdatedAt = w.UpdatedAt
	return nil
}

var _ storage.WalletStore = (*WalletStore)(nil)
