package postgres

import (
	"context"
	"fmt"
	"time"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
)

// LedgerStore implements storage.LedgerStore using PostgreSQL.
// The table rejects UPDATE and DELETE through a trigger.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

var _ storage.LedgerStore = (*LedgerStore)(nil)

// Append adds a record. Returns ErrDuplicateKey if the id exists.
func (s *LedgerStore) Append(ctx context.Context, r *domain.TransactionRecord) (err error) {
	start := time.Now()
	defer func() { observe("ledger_append", start, err) }()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO transaction_records (
			id, session_id, type, amount, from_address, to_address, wallet_index, signature, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.SessionID, string(r.Type), r.Amount, r.From, r.To, r.WalletIndex, r.Signature, r.Timestamp)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("append ledger record: %w", err)
	}
	return nil
}

// GetBySession retrieves all records of a session, ordered by timestamp ASC, id ASC.
func (s *LedgerStore) GetBySession(ctx context.Context, sessionID string) ([]*domain.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, type, amount, from_address, to_address, wallet_index, signature, ts
		FROM transaction_records
		WHERE session_id = $1
		ORDER BY ts ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get ledger by session: %w", err)
	}
	defer rows.Close()

	var result []*domain.TransactionRecord
	for rows.Next() {
		var (
			r   domain.TransactionRecord
			typ string
		)
		if err := rows.Scan(
			&r.ID, &r.SessionID, &typ, &r.Amount, &r.From, &r.To, &r.WalletIndex, &r.Signature, &r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan ledger record: %w", err)
		}
		r.Type = domain.TransactionType(typ)
		result = append(result, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger records: %w", err)
	}
	return result, nil
}
