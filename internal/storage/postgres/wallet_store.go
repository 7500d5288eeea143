package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
)

// WalletStore implements storage.WalletStore using PostgreSQL.
type WalletStore struct {
	pool *Pool
}

// NewWalletStore creates a new WalletStore.
func NewWalletStore(pool *Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

var _ storage.WalletStore = (*WalletStore)(nil)

// InsertBulk adds the wallets of a session atomically. Fails entire batch on any duplicate.
func (s *WalletStore) InsertBulk(ctx context.Context, wallets []*domain.TradingWallet) (err error) {
	if len(wallets) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { observe("wallet_insert_bulk", start, err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO trading_wallets (
			session_id, wallet_index, address, secret_key,
			funded_amount, volume, status, failure_reason, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	for _, w := range wallets {
		_, err := tx.Exec(ctx, query,
			w.SessionID, w.Index, w.Address, w.SecretKey,
			w.FundedAmount, w.Volume, string(w.Status), w.FailureReason, w.UpdatedAt,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert wallet in bulk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetBySession retrieves all wallets of a session, ordered by index ASC.
func (s *WalletStore) GetBySession(ctx context.Context, sessionID string) ([]*domain.TradingWallet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, wallet_index, address, secret_key,
		       funded_amount, volume, status, failure_reason, updated_at
		FROM trading_wallets
		WHERE session_id = $1
		ORDER BY wallet_index ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get wallets by session: %w", err)
	}
	defer rows.Close()

	var result []*domain.TradingWallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		result = append(result, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wallets: %w", err)
	}
	return result, nil
}

// Update overwrites the mutable fields of a wallet. Returns ErrNotFound if not exists.
func (s *WalletStore) Update(ctx context.Context, w *domain.TradingWallet) (err error) {
	start := time.Now()
	defer func() { observe("wallet_update", start, err) }()

	tag, err := s.pool.Exec(ctx, `
		UPDATE trading_wallets
		SET funded_amount = $3, volume = $4, status = $5, failure_reason = $6, updated_at = $7
		WHERE session_id = $1 AND wallet_index = $2
	`, w.SessionID, w.Index, w.FundedAmount, w.Volume, string(w.Status), w.FailureReason, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanWallet(row pgx.Row) (*domain.TradingWallet, error) {
	var (
		w      domain.TradingWallet
		status string
	)
	if err := row.Scan(
		&w.SessionID, &w.Index, &w.Address, &w.SecretKey,
		&w.FundedAmount, &w.Volume, &status, &w.FailureReason, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	w.Status = domain.WalletStatus(status)
	return &w, nil
}
