package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
)

// SessionStore is an in-memory implementation of storage.SessionStore.
type SessionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Session // keyed by session id
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		data: make(map[string]*domain.Session),
	}
}

// Insert adds a new session. Returns ErrDuplicateKey if the id exists.
func (s *SessionStore) Insert(_ context.Context, sess *domain.Session) error {
	if sess == nil || sess.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[sess.ID]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *sess
	s.data[sess.ID] = &copy
	return nil
}

// GetByID retrieves a session by its ID. Returns ErrNotFound if not exists.
func (s *SessionStore) GetByID(_ context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}

	copy := *sess
	return &copy, nil
}

// ListByStatus retrieves all sessions with the given status, ordered by created_at ASC.
func (s *SessionStore) ListByStatus(_ context.Context, status domain.SessionStatus) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Session
	for _, sess := range s.data {
		if sess.Status == status {
			copy := *sess
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// Transition moves a session between phases if the stored phase equals from.
func (s *SessionStore) Transition(_ context.Context, id string, from, to domain.Phase, status domain.SessionStatus, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	if sess.Phase != from {
		return storage.ErrConflict
	}

	sess.Phase = to
	sess.Status = status
	if reason != "" {
		sess.FailureReason = reason
	}
	sess.UpdatedAt = at
	return nil
}

// UpdateProfit sets the accumulated profit of a session.
func (s *SessionStore) UpdateProfit(_ context.Context, id string, totalProfit int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	sess.TotalProfit = totalProfit
	sess.UpdatedAt = at
	return nil
}

var _ storage.SessionStore = (*SessionStore)(nil)
