package storage

import (
	"context"
	"time"

	"solana-settlement/internal/domain"
)

// SessionStore provides access to sessions storage.
type SessionStore interface {
	// Insert adds a new session. Returns ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, s *domain.Session) error

	// GetByID retrieves a session by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Session, error)

	// ListByStatus retrieves all sessions with the given status, ordered by created_at ASC.
	ListByStatus(ctx context.Context, status domain.SessionStatus) ([]*domain.Session, error)

	// Transition moves a session from phase `from` to `to` and sets its status.
	// Returns ErrConflict if the persisted phase is not `from`, ErrNotFound if the session is missing.
	Transition(ctx context.Context, id string, from, to domain.Phase, status domain.SessionStatus, reason string, at time.Time) error

	// UpdateProfit sets the accumulated profit of a session.
	UpdateProfit(ctx context.Context, id string, totalProfit int64, at time.Time) error
}

// WalletStore provides access to trading_wallets storage.
type WalletStore interface {
	// InsertBulk adds the wallets of a session atomically. Fails entire batch on any duplicate.
	InsertBulk(ctx context.Context, wallets []*domain.TradingWallet) error

	// GetBySession retrieves all wallets of a session, ordered by index ASC.
	GetBySession(ctx context.Context, sessionID string) ([]*domain.TradingWallet, error)

	// Update overwrites the mutable fields of a wallet. Returns ErrNotFound if not exists.
	Update(ctx context.Context, w *domain.TradingWallet) error
}

// TimerStore provides access to collection_timers storage.
type TimerStore interface {
	// InsertBulk adds the timers of a session atomically. Fails entire batch on any duplicate.
	InsertBulk(ctx context.Context, timers []*domain.CollectionTimer) error

	// GetBySession retrieves all timers of a session, ordered by wallet index ASC.
	GetBySession(ctx context.Context, sessionID string) ([]*domain.CollectionTimer, error)

	// MarkFired marks a timer completed. Returns ErrConflict if it was already completed,
	// ErrNotFound if it does not exist.
	MarkFired(ctx context.Context, sessionID string, walletIndex int, at time.Time) error

	// RecordOutcome stores the result of a fired timer. A nil profit means no collection was booked.
	RecordOutcome(ctx context.Context, sessionID string, walletIndex int, profit *int64, failed bool) error
}

// LedgerStore provides access to the append-only transaction ledger.
type LedgerStore interface {
	// Append adds a record. Returns ErrDuplicateKey if the id exists. Records are never updated.
	Append(ctx context.Context, r *domain.TransactionRecord) error

	// GetBySession retrieves all records of a session, ordered by timestamp ASC, id ASC.
	GetBySession(ctx context.Context, sessionID string) ([]*domain.TransactionRecord, error)
}

// DistributionStore provides access to the per-session payout state.
type DistributionStore interface {
	// Save inserts or replaces the distribution state of a session.
	Save(ctx context.Context, d *domain.DistributionState) error

	// Get retrieves the distribution state of a session. Returns ErrNotFound if not exists.
	Get(ctx context.Context, sessionID string) (*domain.DistributionState, error)
}

// Stores bundles every store the engine needs.
type Stores struct {
	Sessions      SessionStore
	Wallets       WalletStore
	Timers        TimerStore
	Ledger        LedgerStore
	Distributions DistributionStore
}
