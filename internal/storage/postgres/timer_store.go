package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
)

// TimerStore implements storage.TimerStore using PostgreSQL.
type TimerStore struct {
	pool *Pool
}

// NewTimerStore creates a new TimerStore.
func NewTimerStore(pool *Pool) *TimerStore {
	return &TimerStore{pool: pool}
}

var _ storage.TimerStore = (*TimerStore)(nil)

// InsertBulk adds the timers of a session atomically. Fails entire batch on any duplicate.
func (s *TimerStore) InsertBulk(ctx context.Context, timers []*domain.CollectionTimer) (err error) {
	if len(timers) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { observe("timer_insert_bulk", start, err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO collection_timers (
			session_id, wallet_index, wallet_address, scheduled_time,
			allocated_amount, random_delay_ms, completed, failed, collection_time, profit
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	for _, t := range timers {
		_, err := tx.Exec(ctx, query,
			t.SessionID, t.WalletIndex, t.WalletAddress, t.ScheduledTime,
			t.AllocatedAmount, t.RandomDelay.Milliseconds(), t.Completed, t.Failed, t.CollectionTime, t.Profit,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert timer in bulk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetBySession retrieves all timers of a session, ordered by wallet index ASC.
func (s *TimerStore) GetBySession(ctx context.Context, sessionID string) ([]*domain.CollectionTimer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, wallet_index, wallet_address, scheduled_time,
		       allocated_amount, random_delay_ms, completed, failed, collection_time, profit
		FROM collection_timers
		WHERE session_id = $1
		ORDER BY wallet_index ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get timers by session: %w", err)
	}
	defer rows.Close()

	var result []*domain.CollectionTimer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan timer: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timers: %w", err)
	}
	return result, nil
}

// MarkFired flips completed from false to true in a single guarded update,
// so concurrent or repeated fires across processes succeed at most once.
func (s *TimerStore) MarkFired(ctx context.Context, sessionID string, walletIndex int, at time.Time) (err error) {
	start := time.Now()
	defer func() { observe("timer_mark_fired", start, err) }()

	tag, err := s.pool.Exec(ctx, `
		UPDATE collection_timers
		SET completed = TRUE, collection_time = $3
		WHERE session_id = $1 AND wallet_index = $2 AND completed = FALSE
	`, sessionID, walletIndex, at)
	if err != nil {
		return fmt.Errorf("mark timer fired: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM collection_timers WHERE session_id = $1 AND wallet_index = $2)
	`, sessionID, walletIndex).Scan(&exists); err != nil {
		return fmt.Errorf("check timer exists: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

// RecordOutcome stores the result of a fired timer. A nil profit leaves the stored profit untouched.
func (s *TimerStore) RecordOutcome(ctx context.Context, sessionID string, walletIndex int, profit *int64, failed bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE collection_timers
		SET profit = COALESCE($3, profit), failed = $4
		WHERE session_id = $1 AND wallet_index = $2
	`, sessionID, walletIndex, profit, failed)
	if err != nil {
		return fmt.Errorf("record timer outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanTimer(row pgx.Row) (*domain.CollectionTimer, error) {
	var (
		t       domain.CollectionTimer
		delayMs int64
	)
	if err := row.Scan(
		&t.SessionID, &t.WalletIndex, &t.WalletAddress, &t.ScheduledTime,
		&t.AllocatedAmount, &delayMs, &t.Completed, &t.Failed, &t.CollectionTime, &t.Profit,
	); err != nil {
		return nil, err
	}
	t.RandomDelay = time.Duration(delayMs) * time.Millisecond
	return &t, nil
}
