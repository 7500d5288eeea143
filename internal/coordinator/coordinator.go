// Package coordinator drives a settlement session through its phases:
// FUNDING, TRADING, COLLECTING, TRANSFERRING, DISTRIBUTING and COMPLETED.
// Every phase is persisted before the next one starts, so a restarted process resumes
// from the stored phase instead of repeating side effects.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"solana-settlement/internal/clock"
	"solana-settlement/internal/domain"
	"solana-settlement/internal/gateway"
	"solana-settlement/internal/observability"
	"solana-settlement/internal/preflight"
	"solana-settlement/internal/scheduler"
	"solana-settlement/internal/solana"
	"solana-settlement/internal/storage"
	"solana-settlement/internal/submitter"
	"solana-settlement/internal/swap"
)

// Default configuration values.
const (
	DefaultFailureThreshold   = 0.5
	DefaultWalletTradeTimeout = 5 * time.Minute
	DefaultParallelism        = 4
	DefaultFeeReserve         = 20_000_000 // 0.02 SOL kept in each wallet for fees
	DefaultMaxRoundTrips      = 5
)

// ErrSessionMoved is returned when another actor changed the session's phase,
// typically an emergency stop.
var ErrSessionMoved = errors.New("session phase changed concurrently")

// Config holds coordinator settings.
type Config struct {
	// FailureThreshold is the fraction of wallets that may fail before the session fails.
	FailureThreshold float64
	// WalletTradeTimeout bounds one wallet's trading, independent of the swap timeout.
	WalletTradeTimeout time.Duration
	// Parallelism bounds concurrent wallets in independent mode.
	Parallelism   int
	FeeReserve    uint64
	MaxRoundTrips int
	// SubmitInterval is the per-session minimum spacing between broadcasts.
	SubmitInterval time.Duration
}

// DefaultConfig returns default settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   DefaultFailureThreshold,
		WalletTradeTimeout: DefaultWalletTradeTimeout,
		Parallelism:        DefaultParallelism,
		FeeReserve:         DefaultFeeReserve,
		MaxRoundTrips:      DefaultMaxRoundTrips,
		SubmitInterval:     submitter.DefaultInterval,
	}
}

// Options configures Coordinator.
type Options struct {
	Stores    storage.Stores
	Quotes    gateway.QuoteGateway
	Chain     gateway.ChainGateway
	Preflight *preflight.Validator
	Scheduler *scheduler.Scheduler

	// Vault funds trading wallets and receives collections.
	Vault gateway.Wallet
	// Operator receives the consolidated balance and pays the end user.
	Operator gateway.Wallet

	Swap   swap.Config
	Config Config
	Clock  clock.Clock
	Logger logrus.FieldLogger

	// OnChange is called after every persisted change of a session.
	OnChange func(sessionID string)
}

// Coordinator sequences the phase handlers. It is safe for concurrent use across sessions;
// each session must be driven by at most one Run at a time.
type Coordinator struct {
	stores    storage.Stores
	quotes    gateway.QuoteGateway
	chain     gateway.ChainGateway
	preflight *preflight.Validator
	scheduler *scheduler.Scheduler
	vault     gateway.Wallet
	operator  gateway.Wallet
	swapCfg   swap.Config
	cfg       Config
	clock     clock.Clock
	log       logrus.FieldLogger
	onChange  func(string)
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.WalletTradeTimeout <= 0 {
		cfg.WalletTradeTimeout = def.WalletTradeTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.FeeReserve == 0 {
		cfg.FeeReserve = def.FeeReserve
	}
	if cfg.MaxRoundTrips <= 0 {
		cfg.MaxRoundTrips = def.MaxRoundTrips
	}
	if cfg.SubmitInterval <= 0 {
		cfg.SubmitInterval = def.SubmitInterval
	}
	return &Coordinator{
		stores:    opts.Stores,
		quotes:    opts.Quotes,
		chain:     opts.Chain,
		preflight: opts.Preflight,
		scheduler: opts.Scheduler,
		vault:     opts.Vault,
		operator:  opts.Operator,
		swapCfg:   opts.Swap,
		cfg:       cfg,
		clock:     opts.Clock,
		log:       opts.Logger.WithField("component", "coordinator"),
		onChange:  opts.OnChange,
	}
}

// Config returns the effective settings.
func (c *Coordinator) Config() Config { return c.cfg }

// run is the in-memory state of one Run call.
type run struct {
	sess   *domain.Session
	submit *submitter.Submitter
	exec   *swap.Executor
	log    logrus.FieldLogger

	mu      sync.Mutex
	wallets []*domain.TradingWallet
	keys    map[int]*solana.Keypair
}

func (r *run) wallet(index int) *domain.TradingWallet {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.wallets {
		if w.Index == index {
			return w
		}
	}
	return nil
}

func (r *run) snapshotWallets() []domain.TradingWallet {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TradingWallet, len(r.wallets))
	for i, w := range r.wallets {
		out[i] = *w
	}
	return out
}

// Run drives the session from its persisted phase until it is terminal or ctx ends.
// Cancellation returns ctx.Err() without writing a phase; the caller records the stop.
func (c *Coordinator) Run(ctx context.Context, sessionID string) (*Report, error) {
	r, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer c.scheduler.Clear(sessionID)
	r.log.WithField("phase", r.sess.Phase).Info("session run started")

	for !r.sess.Phase.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return c.report(r, nil), err
		}

		next, stepErr := c.step(ctx, r)
		if err := ctx.Err(); err != nil {
			return c.report(r, nil), err
		}
		if stepErr != nil {
			if err := c.fail(ctx, r, stepErr); err != nil {
				return c.report(r, stepErr), err
			}
			return c.report(r, stepErr), nil
		}
		if err := c.advance(ctx, r, next, ""); err != nil {
			return c.report(r, nil), err
		}
	}

	return c.report(r, nil), nil
}

func (c *Coordinator) step(ctx context.Context, r *run) (domain.Phase, error) {
	switch r.sess.Phase {
	case domain.PhaseFunding:
		return domain.PhaseTrading, c.fund(ctx, r)
	case domain.PhaseTrading:
		return domain.PhaseCollecting, c.trade(ctx, r)
	case domain.PhaseCollecting:
		return domain.PhaseTransferring, c.collect(ctx, r)
	case domain.PhaseTransferring:
		return domain.PhaseDistributing, c.consolidate(ctx, r)
	case domain.PhaseDistributing:
		return domain.PhaseCompleted, c.distribute(ctx, r)
	default:
		return "", fmt.Errorf("no handler for phase %s", r.sess.Phase)
	}
}

// load reads the session and its wallets and builds the per-session submitter and executor.
func (c *Coordinator) load(ctx context.Context, sessionID string) (*run, error) {
	sess, err := c.stores.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	wallets, err := c.stores.Wallets.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load wallets: %w", err)
	}

	keys := make(map[int]*solana.Keypair, len(wallets))
	for _, w := range wallets {
		kp, err := solana.KeypairFromBase58(w.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("decode wallet %d key: %w", w.Index, err)
		}
		keys[w.Index] = kp
	}

	log := c.log.WithField("session_id", sessionID)
	sub := submitter.New(c.chain, c.cfg.SubmitInterval, log)
	exec := swap.New(swap.Options{
		Quotes:    c.quotes,
		Chain:     c.chain,
		Preflight: c.preflight,
		Submitter: sub,
		Config:    c.swapCfg,
		Clock:     c.clock,
		Logger:    log,
	})

	return &run{
		sess:    sess,
		submit:  sub,
		exec:    exec,
		log:     log,
		wallets: wallets,
		keys:    keys,
	}, nil
}

// advance persists a transition guarded on the current phase.
func (c *Coordinator) advance(ctx context.Context, r *run, to domain.Phase, reason string) error {
	from := r.sess.Phase
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	now := c.clock.Now()
	status := statusFor(to)
	err := c.stores.Sessions.Transition(context.WithoutCancel(ctx), r.sess.ID, from, to, status, reason, now)
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("transition %s -> %s: %w", from, to, ErrSessionMoved)
	}
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}

	observability.RecordPhaseTransition(string(from), string(to), now.Sub(r.sess.UpdatedAt).Seconds())
	if status.IsTerminal() {
		observability.RecordSessionFinished(string(status), now.Unix())
	}
	r.sess.Phase = to
	r.sess.Status = status
	r.sess.UpdatedAt = now
	if reason != "" {
		r.sess.FailureReason = reason
	}

	r.log.WithFields(logrus.Fields{"from": from, "to": to}).Info("phase transition")
	c.notify(r.sess.ID)
	return nil
}

// fail moves the session to FAILED. Reconciliation mismatches are logged at error level
// since they require a manual audit.
func (c *Coordinator) fail(ctx context.Context, r *run, cause error) error {
	var recon *domain.ReconciliationMismatchError
	if errors.As(cause, &recon) {
		observability.RecordReconciliationMismatch()
		r.log.WithError(cause).Error("ledger does not reconcile with collection timers, halting session")
	} else {
		r.log.WithError(cause).WithField("phase", r.sess.Phase).Warn("session failed")
	}
	c.scheduler.Cancel(r.sess.ID)
	return c.advance(ctx, r, domain.PhaseFailed, reason(cause))
}

func (c *Coordinator) notify(sessionID string) {
	if c.onChange != nil {
		c.onChange(sessionID)
	}
}

// saveWallet persists a wallet change. It runs on a detached context: the change already
// happened on chain.
func (c *Coordinator) saveWallet(ctx context.Context, r *run, w *domain.TradingWallet) {
	r.mu.Lock()
	w.UpdatedAt = c.clock.Now()
	cp := *w
	r.mu.Unlock()

	if err := c.stores.Wallets.Update(context.WithoutCancel(ctx), &cp); err != nil {
		r.log.WithError(err).WithField("wallet_index", cp.Index).Error("failed to persist wallet")
	}
	c.notify(r.sess.ID)
}

func statusFor(p domain.Phase) domain.SessionStatus {
	switch p {
	case domain.PhaseCompleted:
		return domain.SessionStatusCompleted
	case domain.PhaseFailed:
		return domain.SessionStatusFailed
	case domain.PhaseStopped:
		return domain.SessionStatusStopped
	default:
		return domain.SessionStatusRunning
	}
}
