package clickhouse

import (
	"context"
	"fmt"
	"time"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/observability"
	"solana-settlement/internal/storage"
)

// LedgerStore implements storage.LedgerStore using ClickHouse.
// It serves as the analytics mirror of the primary ledger.
type LedgerStore struct {
	conn *Conn
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(conn *Conn) *LedgerStore {
	return &LedgerStore{conn: conn}
}

var _ storage.LedgerStore = (*LedgerStore)(nil)

// Append adds a record. ReplacingMergeTree does not enforce uniqueness,
// so the id is checked explicitly first.
func (s *LedgerStore) Append(ctx context.Context, r *domain.TransactionRecord) (err error) {
	start := time.Now()
	defer func() {
		if err == storage.ErrDuplicateKey {
			observability.RecordDBQuery("clickhouse", "ledger_append", time.Since(start).Seconds(), nil)
			return
		}
		observability.RecordDBQuery("clickhouse", "ledger_append", time.Since(start).Seconds(), err)
	}()

	exists, err := s.exists(ctx, r.SessionID, r.ID)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO transaction_records (
			id, session_id, type, amount, from_address, to_address, wallet_index, signature, timestamp_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	var walletIndex *int32
	if r.WalletIndex != nil {
		idx := int32(*r.WalletIndex)
		walletIndex = &idx
	}
	if err := batch.Append(
		r.ID, r.SessionID, string(r.Type), r.Amount, r.From, r.To,
		walletIndex, r.Signature, uint64(r.Timestamp.UnixMilli()),
	); err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetBySession retrieves all records of a session, ordered by timestamp ASC, id ASC.
// Timestamps are stored with millisecond precision.
func (s *LedgerStore) GetBySession(ctx context.Context, sessionID string) ([]*domain.TransactionRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, session_id, type, amount, from_address, to_address, wallet_index, signature, timestamp_ms
		FROM transaction_records FINAL
		WHERE session_id = ?
		ORDER BY timestamp_ms ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query by session id: %w", err)
	}
	defer rows.Close()

	var result []*domain.TransactionRecord
	for rows.Next() {
		var (
			r           domain.TransactionRecord
			typ         string
			walletIndex *int32
			timestampMs uint64
		)
		if err := rows.Scan(
			&r.ID, &r.SessionID, &typ, &r.Amount, &r.From, &r.To, &walletIndex, &r.Signature, &timestampMs,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Type = domain.TransactionType(typ)
		if walletIndex != nil {
			idx := int(*walletIndex)
			r.WalletIndex = &idx
		}
		r.Timestamp = time.UnixMilli(int64(timestampMs)).UTC()
		result = append(result, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return result, nil
}

// SessionFlow is the per-type total of a session from the session_flows view.
type SessionFlow struct {
	Type    domain.TransactionType
	Total   int64
	Entries uint64
}

// FlowsBySession aggregates ledger amounts per transaction type.
func (s *LedgerStore) FlowsBySession(ctx context.Context, sessionID string) ([]SessionFlow, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT type, total_amount, records
		FROM session_flows
		WHERE session_id = ?
		ORDER BY type ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session flows: %w", err)
	}
	defer rows.Close()

	var result []SessionFlow
	for rows.Next() {
		var (
			f   SessionFlow
			typ string
		)
		if err := rows.Scan(&typ, &f.Total, &f.Entries); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		f.Type = domain.TransactionType(typ)
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return result, nil
}

func (s *LedgerStore) exists(ctx context.Context, sessionID, id string) (bool, error) {
	var count uint64
	if err := s.conn.QueryRow(ctx, `
		SELECT count() FROM transaction_records WHERE session_id = ? AND id = ?
	`, sessionID, id).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
