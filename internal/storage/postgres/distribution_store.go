package postgres

import (
	"context"
	"fmt"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
)

// DistributionStore implements storage.DistributionStore using PostgreSQL.
type DistributionStore struct {
	pool *Pool
}

// NewDistributionStore creates a new DistributionStore.
func NewDistributionStore(pool *Pool) *DistributionStore {
	return &DistributionStore{pool: pool}
}

var _ storage.DistributionStore = (*DistributionStore)(nil)

// Save inserts or replaces the distribution state of a session.
func (s *DistributionStore) Save(ctx context.Context, d *domain.DistributionState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO distribution_states (
			session_id, total_profit_collected, amount, status, user_wallet,
			signature, last_valid_block_height, attempts, last_error, completed_at, updated_at,
			phantom_signature, phantom_last_valid_block_height
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (session_id) DO UPDATE SET
			total_profit_collected = EXCLUDED.total_profit_collected,
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			user_wallet = EXCLUDED.user_wallet,
			signature = EXCLUDED.signature,
			last_valid_block_height = EXCLUDED.last_valid_block_height,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at,
			phantom_signature = EXCLUDED.phantom_signature,
			phantom_last_valid_block_height = EXCLUDED.phantom_last_valid_block_height
	`,
		d.SessionID, d.TotalProfitCollected, d.Amount, string(d.Status), d.UserWallet,
		d.Signature, int64(d.LastValidBlockHeight), d.Attempts, d.LastError, d.CompletedAt, d.UpdatedAt,
		d.PhantomSignature, int64(d.PhantomLastValidBlockHeight),
	)
	if err != nil {
		return fmt.Errorf("save distribution state: %w", err)
	}
	return nil
}

// Get retrieves the distribution state of a session. Returns ErrNotFound if not exists.
func (s *DistributionStore) Get(ctx context.Context, sessionID string) (*domain.DistributionState, error) {
	var (
		d                           domain.DistributionState
		status                      string
		lastValid, phantomLastValid int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, total_profit_collected, amount, status, user_wallet,
		       signature, last_valid_block_height, attempts, last_error, completed_at, updated_at,
		       phantom_signature, phantom_last_valid_block_height
		FROM distribution_states
		WHERE session_id = $1
	`, sessionID).Scan(
		&d.SessionID, &d.TotalProfitCollected, &d.Amount, &status, &d.UserWallet,
		&d.Signature, &lastValid, &d.Attempts, &d.LastError, &d.CompletedAt, &d.UpdatedAt,
		&d.PhantomSignature, &phantomLastValid,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get distribution state: %w", err)
	}
	d.Status = domain.DistributionStatus(status)
	d.LastValidBlockHeight = uint64(lastValid)
	d.PhantomLastValidBlockHeight = uint64(phantomLastValid)
	return &d, nil
}
