package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
)

// SessionStore implements storage.SessionStore using PostgreSQL.
type SessionStore struct {
	pool *Pool
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(pool *Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

var _ storage.SessionStore = (*SessionStore)(nil)

const sessionColumns = `id, mode, phase, status, config, total_profit, failure_reason, created_at, updated_at`

// Insert adds a new session. Returns ErrDuplicateKey if the id exists.
func (s *SessionStore) Insert(ctx context.Context, sess *domain.Session) (err error) {
	start := time.Now()
	defer func() { observe("session_insert", start, err) }()

	config, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		sess.ID, string(sess.Mode), string(sess.Phase), string(sess.Status), config,
		sess.TotalProfit, sess.FailureReason, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by its ID. Returns ErrNotFound if not exists.
func (s *SessionStore) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if isNotFoundError(err) {
			err = storage.ErrNotFound
		} else {
			err = fmt.Errorf("get session by id: %w", err)
		}
		observe("session_get", start, err)
		return nil, err
	}
	observe("session_get", start, nil)
	return sess, nil
}

// ListByStatus retrieves all sessions with the given status, ordered by created_at ASC.
func (s *SessionStore) ListByStatus(ctx context.Context, status domain.SessionStatus) ([]*domain.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer rows.Close()

	var result []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return result, nil
}

// Transition moves a session from phase `from` to `to` with a compare-and-set on the phase.
func (s *SessionStore) Transition(ctx context.Context, id string, from, to domain.Phase, status domain.SessionStatus, reason string, at time.Time) (err error) {
	start := time.Now()
	defer func() { observe("session_transition", start, err) }()

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET phase = $3,
		    status = $4,
		    failure_reason = CASE WHEN $5::text = '' THEN failure_reason ELSE $5::text END,
		    updated_at = $6
		WHERE id = $1 AND phase = $2
	`, id, string(from), string(to), string(status), reason, at)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOrConflict(ctx, id)
}

// UpdateProfit sets the accumulated profit of a session.
func (s *SessionStore) UpdateProfit(ctx context.Context, id string, totalProfit int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET total_profit = $2, updated_at = $3 WHERE id = $1
	`, id, totalProfit, at)
	if err != nil {
		return fmt.Errorf("update session profit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *SessionStore) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check session exists: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		sess                domain.Session
		mode, phase, status string
		config              []byte
	)
	if err := row.Scan(
		&sess.ID, &mode, &phase, &status, &config,
		&sess.TotalProfit, &sess.FailureReason, &sess.CreatedAt, &sess.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(config, &sess.Config); err != nil {
		return nil, fmt.Errorf("unmarshal session config: %w", err)
	}
	sess.Mode = domain.SessionMode(mode)
	sess.Phase = domain.Phase(phase)
	sess.Status = domain.SessionStatus(status)
	return &sess, nil
}
