// Package engine is the entry point of the settlement pipeline. It creates sessions, runs
// each one on its own goroutine through the phase coordinator, and answers progress and
// ledger queries from persisted state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"solana-settlement/internal/clock"
	"solana-settlement/internal/coordinator"
	"solana-settlement/internal/domain"
	"solana-settlement/internal/gateway"
	"solana-settlement/internal/observability"
	"solana-settlement/internal/reporting"
	"solana-settlement/internal/scheduler"
	"solana-settlement/internal/solana"
	"solana-settlement/internal/storage"
)

// DefaultMinWalletBudget is the smallest per-wallet share accepted: enough to trade above
// the coordinator's fee reserve.
const DefaultMinWalletBudget = 30_000_000

var (
	// ErrNotFound is returned for unknown sessions.
	ErrNotFound = storage.ErrNotFound
	// ErrFinished is returned when stopping a session that already ended.
	ErrFinished = errors.New("session already finished")
)

// Options configures Engine.
type Options struct {
	Stores      storage.Stores
	Coordinator *coordinator.Coordinator
	Scheduler   *scheduler.Scheduler
	Chain       gateway.ChainGateway
	Hub         *Hub

	// VaultAddress receives user payments.
	VaultAddress string
	// RequirePayment rejects sessions without a confirmed payment signature.
	RequirePayment  bool
	MinWalletBudget int64

	Clock  clock.Clock
	Logger logrus.FieldLogger
}

// Engine owns running sessions. Each session is driven by exactly one goroutine.
type Engine struct {
	stores          storage.Stores
	coord           *coordinator.Coordinator
	scheduler       *scheduler.Scheduler
	chain           gateway.ChainGateway
	hub             *Hub
	validate        *validator.Validate
	statements      *reporting.Generator
	vault           string
	requirePayment  bool
	minWalletBudget int64
	clock           clock.Clock
	log             logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*runner
	wg   sync.WaitGroup
}

type runner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Engine. Sessions run until Shutdown is called.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.MinWalletBudget <= 0 {
		opts.MinWalletBudget = DefaultMinWalletBudget
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		stores:          opts.Stores,
		coord:           opts.Coordinator,
		scheduler:       opts.Scheduler,
		chain:           opts.Chain,
		hub:             opts.Hub,
		validate:        newValidator(),
		statements:      reporting.NewGenerator(opts.Stores).WithClock(func() time.Time { return opts.Clock.Now().UTC() }),
		vault:           opts.VaultAddress,
		requirePayment:  opts.RequirePayment,
		minWalletBudget: opts.MinWalletBudget,
		clock:           opts.Clock,
		log:             opts.Logger.WithField("component", "engine"),
		ctx:             ctx,
		cancel:          cancel,
		runs:            make(map[string]*runner),
	}
}

// Hub returns the change notification hub.
func (e *Engine) Hub() *Hub { return e.hub }

// StartSession validates cfg, verifies the user's payment, creates the session and its
// wallets and starts it in the background.
func (e *Engine) StartSession(ctx context.Context, cfg domain.SessionConfig) (string, error) {
	if cfg.Mode == "" {
		cfg.Mode = domain.ModeIndependent
	}
	if err := e.validateConfig(cfg); err != nil {
		return "", err
	}
	if cfg.PaymentSignature != "" {
		if err := e.verifyPayment(ctx, cfg.PaymentSignature); err != nil {
			return "", err
		}
	}

	now := e.clock.Now()
	sess := &domain.Session{
		ID:        uuid.NewString(),
		Mode:      cfg.Mode,
		Phase:     domain.PhaseFunding,
		Status:    domain.SessionStatusRunning,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}

	wallets := make([]*domain.TradingWallet, cfg.Makers)
	for i := range wallets {
		kp, err := solana.NewKeypair()
		if err != nil {
			return "", fmt.Errorf("generate wallet %d: %w", i, err)
		}
		wallets[i] = &domain.TradingWallet{
			SessionID: sess.ID,
			Index:     i,
			Address:   kp.Address(),
			SecretKey: kp.SecretBase58(),
			Status:    domain.WalletStatusPending,
			UpdatedAt: now,
		}
	}

	if err := e.stores.Sessions.Insert(ctx, sess); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := e.stores.Wallets.InsertBulk(ctx, wallets); err != nil {
		return "", fmt.Errorf("create wallets: %w", err)
	}
	if cfg.PaymentSignature != "" {
		err := e.stores.Ledger.Append(ctx, &domain.TransactionRecord{
			ID:        domain.LedgerRecordID(sess.ID, string(domain.TxTypeUserPayment)),
			SessionID: sess.ID,
			Type:      domain.TxTypeUserPayment,
			Amount:    cfg.SolBudget,
			From:      cfg.UserWallet,
			To:        e.vault,
			Signature: cfg.PaymentSignature,
			Timestamp: now,
		})
		if err != nil {
			return "", fmt.Errorf("book payment: %w", err)
		}
		observability.RecordLedgerAppend(string(domain.TxTypeUserPayment))
	}

	observability.RecordSessionStarted()
	e.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"mode":       cfg.Mode,
		"makers":     cfg.Makers,
		"budget":     domain.LamportsToSOL(cfg.SolBudget),
	}).Info("session started")

	e.launch(sess.ID)
	return sess.ID, nil
}

// verifyPayment requires the payment signature to be confirmed without error.
func (e *Engine) verifyPayment(ctx context.Context, signature string) error {
	status, err := e.chain.GetSignatureStatus(ctx, signature)
	if err != nil {
		return &domain.ChainError{Op: "get signature status", Signature: signature, Err: err}
	}
	if !status.IsConfirmed() || status.Err != nil {
		return &domain.ValidationError{Reasons: []string{
			fmt.Sprintf("payment %s is not confirmed", signature),
		}}
	}
	return nil
}

// launch runs the session on its own goroutine unless it is already running.
func (e *Engine) launch(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, running := e.runs[id]; running {
		return false
	}

	ctx, cancel := context.WithCancel(e.ctx)
	r := &runner{cancel: cancel, done: make(chan struct{})}
	e.runs[id] = r
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.runs, id)
			e.mu.Unlock()
			close(r.done)
			e.hub.Publish(id)
		}()

		log := e.log.WithField("session_id", id)
		rep, err := e.coord.Run(ctx, id)
		switch {
		case errors.Is(err, context.Canceled):
			log.Info("session run interrupted")
		case err != nil:
			log.WithError(err).Error("session run aborted")
		case rep != nil:
			log.WithFields(logrus.Fields{
				"phase":         rep.Phase,
				"succeeded":     len(rep.Succeeded),
				"failed":        len(rep.Failed),
				"manual_review": len(rep.ManualReview),
				"profit":        domain.LamportsToSOL(rep.TotalProfit),
			}).Info("session run finished")
		}
	}()
	return true
}

// StopSession cancels a running session and records it as STOPPED. In-flight swaps finish
// their rollback check before the run returns.
func (e *Engine) StopSession(ctx context.Context, id string) error {
	sess, err := e.stores.Sessions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get session %s: %w", id, err)
	}
	if sess.Phase.IsTerminal() {
		return fmt.Errorf("session %s is %s: %w", id, sess.Phase, ErrFinished)
	}

	e.mu.Lock()
	r := e.runs[id]
	e.mu.Unlock()
	if r != nil {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.scheduler.Cancel(id)

	// The run may have reached a terminal phase before it saw the cancellation.
	sess, err = e.stores.Sessions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get session %s: %w", id, err)
	}
	if sess.Phase.IsTerminal() {
		return fmt.Errorf("session %s is %s: %w", id, sess.Phase, ErrFinished)
	}

	now := e.clock.Now()
	err = e.stores.Sessions.Transition(context.WithoutCancel(ctx), id, sess.Phase, domain.PhaseStopped,
		domain.SessionStatusStopped, "stopped by user", now)
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("stop session %s: %w", id, coordinator.ErrSessionMoved)
	}
	if err != nil {
		return fmt.Errorf("stop session %s: %w", id, err)
	}
	observability.RecordPhaseTransition(string(sess.Phase), string(domain.PhaseStopped), now.Sub(sess.UpdatedAt).Seconds())
	observability.RecordSessionFinished(string(domain.SessionStatusStopped), now.Unix())
	e.log.WithFields(logrus.Fields{"session_id": id, "phase": sess.Phase}).Info("session stopped")
	e.hub.Publish(id)
	return nil
}

// GetLedger returns the session's ledger ordered by timestamp, then record id. Records written
// within the same instant are not guaranteed to come back in the order they were appended.
func (e *Engine) GetLedger(ctx context.Context, id string) ([]*domain.TransactionRecord, error) {
	if _, err := e.stores.Sessions.GetByID(ctx, id); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	records, err := e.stores.Ledger.GetBySession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get ledger %s: %w", id, err)
	}
	return records, nil
}

// GetStatement builds the settlement statement of a session from persisted state.
func (e *Engine) GetStatement(ctx context.Context, id string) (*reporting.Statement, error) {
	return e.statements.Generate(ctx, id)
}

// GetSession returns the stored session.
func (e *Engine) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := e.stores.Sessions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// Resume restarts every session persisted as running, continuing from its stored phase.
// It returns how many sessions were launched.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	sessions, err := e.stores.Sessions.ListByStatus(ctx, domain.SessionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running sessions: %w", err)
	}
	n := 0
	for _, s := range sessions {
		if e.launch(s.ID) {
			n++
			e.log.WithFields(logrus.Fields{"session_id": s.ID, "phase": s.Phase}).Info("session resumed")
		}
	}
	return n, nil
}

// RetryDistribution repeats a failed payout for a session that failed in DISTRIBUTING.
func (e *Engine) RetryDistribution(ctx context.Context, id string) error {
	e.mu.Lock()
	_, running := e.runs[id]
	e.mu.Unlock()
	if running {
		return fmt.Errorf("session %s is running: %w", id, coordinator.ErrNotRetryable)
	}
	if _, err := e.coord.RetryDistribution(ctx, id); err != nil {
		return err
	}
	return nil
}

// Running reports whether a session is being driven by this process.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[id]
	return ok
}

// Shutdown interrupts every run without changing its persisted phase, so Resume can
// continue the sessions in a later process.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
