// Package swap executes single swaps with a hard timeout and a balance-based rollback check.
package swap

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
	"solana-settlement/internal/jupiter"
	"solana-settlement/internal/observability"
	"solana-settlement/internal/preflight"
	"solana-settlement/internal/solana"
)

// Default configuration values.
const (
	DefaultTimeout         = 60 * time.Second
	DefaultRollbackTimeout = 30 * time.Second
	DefaultSettleGrace     = 5 * time.Second
	DefaultExpiryPoll      = 2 * time.Second
	DefaultSlippageBps     = 100
	DefaultSolTolerance    = 10_000 // lamports, covers network fees
)

// Config holds executor settings.
type Config struct {
	// Timeout is the wall-clock budget from quote to confirmation.
	Timeout time.Duration
	// RollbackTimeout bounds the rollback check, which runs even after cancellation. A
	// broadcast still able to land when it elapses goes to manual review.
	RollbackTimeout time.Duration
	// ExpiryPollInterval is how often the rollback check polls a broadcast whose status is
	// unknown until it lands or its blockhash expires.
	ExpiryPollInterval time.Duration
	// SettleGrace is how long an abandoned attempt may take to stop before balances are read.
	SettleGrace time.Duration
	// SlippageBps applies to requests that do not carry their own tolerance.
	SlippageBps int
	// SolTolerance and TokenTolerance define "unchanged" for the rollback comparison.
	SolTolerance   uint64
	TokenTolerance uint64
	// AutoReverse enables one opposite-direction swap when a partial swap is detected.
	// Disabled, a partial swap goes to manual review.
	AutoReverse bool
}

// DefaultConfig returns default settings.
func DefaultConfig() Config {
	return Config{
		Timeout:            DefaultTimeout,
		RollbackTimeout:    DefaultRollbackTimeout,
		SettleGrace:        DefaultSettleGrace,
		ExpiryPollInterval: DefaultExpiryPoll,
		SlippageBps:        DefaultSlippageBps,
		SolTolerance:       DefaultSolTolerance,
	}
}

// Submitter broadcasts signed transactions under the session's rate limit.
type Submitter interface {
	Submit(ctx context.Context, tx []byte) (string, error)
}

// Request is a direction-agnostic swap of Amount of InputMint into OutputMint.
// TokenMint names the non-SOL side. A zero SlippageBps uses the executor's default.
type Request struct {
	Wallet      gateway.Wallet
	TokenMint   string
	InputMint   string
	OutputMint  string
	Amount      uint64
	SlippageBps int
}

func (r Request) slippage(def int) int {
	if r.SlippageBps > 0 {
		return r.SlippageBps
	}
	return def
}

// Options configures Executor.
type Options struct {
	Quotes    gateway.QuoteGateway
	Chain     gateway.ChainGateway
	Preflight *preflight.Validator
	Submitter Submitter
	Config    Config
	Clock     clock.Clock
	Logger    logrus.FieldLogger
}

// Executor runs guarded swaps. It holds no per-call state and is safe for concurrent use.
type Executor struct {
	quotes    gateway.QuoteGateway
	chain     gateway.ChainGateway
	preflight *preflight.Validator
	submitter Submitter
	cfg       Config
	clock     clock.Clock
	log       logrus.FieldLogger
}

// New creates an Executor.
func New(opts Options) *Executor {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = def.RollbackTimeout
	}
	if cfg.SettleGrace <= 0 {
		cfg.SettleGrace = def.SettleGrace
	}
	if cfg.ExpiryPollInterval <= 0 {
		cfg.ExpiryPollInterval = def.ExpiryPollInterval
	}
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = def.SlippageBps
	}
	return &Executor{
		quotes:    opts.Quotes,
		chain:     opts.Chain,
		preflight: opts.Preflight,
		submitter: opts.Submitter,
		cfg:       cfg,
		clock:     opts.Clock,
		log:       opts.Logger.WithField("component", "swap"),
	}
}

// ExecuteWithSafety sells amount of tokenMint for SOL from wallet at the default slippage.
func (e *Executor) ExecuteWithSafety(ctx context.Context, tokenMint string, amount uint64, wallet gateway.Wallet) *ExecutionResult {
	return e.Execute(ctx, Request{
		Wallet:     wallet,
		TokenMint:  tokenMint,
		InputMint:  tokenMint,
		OutputMint: solana.NativeMint,
		Amount:     amount,
	})
}

// Execute runs preflight, the swap race and, on timeout or error, the rollback check.
// Capital ends either swapped and confirmed, demonstrably unchanged, or flagged for review.
func (e *Executor) Execute(ctx context.Context, req Request) *ExecutionResult {
	start := e.clock.Now()
	res := &ExecutionResult{}
	res.enter(StateInit)

	log := e.log.WithFields(logrus.Fields{
		"token":  req.TokenMint,
		"amount": req.Amount,
	})
	if req.Wallet != nil {
		log = log.WithField("wallet", req.Wallet.Address())
	}

	defer func() {
		observability.RecordSwap(string(res.Outcome), e.clock.Now().Sub(start).Seconds())
		log.WithFields(logrus.Fields{
			"outcome":   res.Outcome,
			"signature": res.Signature,
			"timed_out": res.TimedOut,
		}).Info("swap finished")
	}()

	res.enter(StatePreflight)
	safety := e.preflight.Validate(ctx, preflight.Request{
		Wallet:      req.Wallet,
		TokenMint:   req.TokenMint,
		InputMint:   req.InputMint,
		OutputMint:  req.OutputMint,
		Amount:      req.Amount,
		SlippageBps: req.slippage(e.cfg.SlippageBps),
	})
	res.Pre = safety.Snapshot
	if !safety.CanProceed {
		res.enter(StatePreflightFailed)
		res.Err = safety.Err()
		res.FundsRecovered = true
		res.Post = res.Pre
		return res
	}

	res.enter(StateExecuting)
	tr := &tracker{}
	timedOut, err := e.race(ctx, req, tr)
	res.Signature, res.InAmount, res.OutAmount = tr.get()

	switch {
	case err == nil && !timedOut:
		res.enter(StateConfirmed)
		res.Success = true
		res.FundsRecovered = true
		res.Post = e.postSnapshot(ctx, req, res.Pre)
		return res
	case errors.Is(err, domain.ErrSignerRejected):
		res.enter(StateSignerRejected)
		res.Err = err
		res.FundsRecovered = true
		res.Post = res.Pre
		return res
	case timedOut:
		res.enter(StateTimeout)
		res.TimedOut = true
		res.Err = &domain.TimeoutError{Signature: res.Signature, Budget: e.cfg.Timeout}
	default:
		res.enter(StateChainError)
		res.Err = err
	}

	// The rollback check must complete even when the session was cancelled.
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RollbackTimeout)
	defer cancel()
	e.rollbackCheck(rbCtx, req, res, tr.lastValidBlockHeight(), log)
	return res
}

// tracker records what the attempt goroutine achieved before it was abandoned.
type tracker struct {
	mu        sync.Mutex
	signature string
	lastValid uint64
	in, out   uint64
}

func (t *tracker) setQuote(q *jupiter.Quote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.in, t.out = q.InAmount, q.OutAmount
}

func (t *tracker) setSignature(sig string, lastValid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signature, t.lastValid = sig, lastValid
}

func (t *tracker) get() (string, uint64, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signature, t.in, t.out
}

func (t *tracker) lastValidBlockHeight() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastValid
}

// race runs attempt against the timeout and ctx. The losing attempt is cancelled and given
// SettleGrace to stop, so a broadcast already in flight is reflected in later balance reads.
func (e *Executor) race(ctx context.Context, req Request, tr *tracker) (bool, error) {
	timer := e.clock.NewTimer(e.cfg.Timeout)
	defer timer.Stop()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.attempt(execCtx, req, tr)
	}()

	var (
		err      error
		timedOut bool
	)
	select {
	case err = <-done:
		return false, err
	case <-timer.C():
		timedOut = true
	case <-ctx.Done():
		err = fmt.Errorf("swap abandoned: %w", ctx.Err())
	}

	cancel()
	grace := e.clock.NewTimer(e.cfg.SettleGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C():
	}
	return timedOut, err
}

// attempt quotes, builds, signs, submits and confirms one swap.
func (e *Executor) attempt(ctx context.Context, req Request, tr *tracker) error {
	quote, err := e.quotes.GetQuote(ctx, req.InputMint, req.OutputMint, req.Amount, req.slippage(e.cfg.SlippageBps))
	if err != nil {
		return fmt.Errorf("get quote: %w", err)
	}
	if quote == nil {
		return fmt.Errorf("get quote %s -> %s: %w", req.InputMint, req.OutputMint, domain.ErrNoRoute)
	}
	tr.setQuote(quote)

	utx, err := e.quotes.GetSwapTransaction(ctx, quote, req.Wallet.Address())
	if err != nil {
		return fmt.Errorf("get swap transaction: %w", err)
	}
	if utx == nil {
		return fmt.Errorf("get swap transaction: %w", domain.ErrNoRoute)
	}

	signed, err := req.Wallet.Sign(ctx, utx.Tx)
	if err != nil {
		return fmt.Errorf("sign swap: %w", err)
	}

	sig, err := e.submitter.Submit(ctx, signed)
	if err != nil {
		return err
	}
	tr.setSignature(sig, utx.LastValidBlockHeight)

	res, err := e.chain.Confirm(ctx, sig, utx.LastValidBlockHeight)
	if err != nil {
		return &domain.ChainError{Op: "confirm", Signature: sig, Err: err}
	}
	if !res.OK {
		return &domain.ChainError{Op: "confirm", Signature: sig, Err: errors.New(res.Err)}
	}
	return nil
}

// rollbackCheck decides whether funds moved after a timeout or chain error. Balances are
// only compared once a broadcast transaction can no longer land.
func (e *Executor) rollbackCheck(ctx context.Context, req Request, res *ExecutionResult, lastValid uint64, log logrus.FieldLogger) {
	res.enter(StateRollbackCheck)
	res.RollbackExecuted = true

	if res.Signature != "" {
		switch e.awaitLanding(ctx, res.Signature, lastValid, log) {
		case landingConfirmed:
			// A transaction that landed after the deadline is a success, not a rollback case.
			res.enter(StateConfirmed)
			res.Success = true
			res.FundsRecovered = true
			res.Err = nil
			res.Post = e.postSnapshot(ctx, req, res.Pre)
			log.Info("transaction landed after deadline")
			return
		case landingUnresolved:
			res.enter(StateManualReview)
			res.Err = errors.Join(res.Err, fmt.Errorf("transaction %s can still land", res.Signature))
			res.Post = e.postSnapshot(ctx, req, res.Pre)
			log.WithField("last_valid_block_height", lastValid).Error("transaction unresolved when the rollback check ended, manual review required")
			return
		}
	}

	post, err := e.preflight.Snapshot(ctx, res.Pre.Address, req.TokenMint)
	if err != nil {
		res.enter(StateManualReview)
		res.Err = errors.Join(res.Err, fmt.Errorf("rollback snapshot: %w", err))
		res.Post = res.Pre
		log.WithError(err).Error("cannot verify balances, manual review required")
		return
	}
	res.Post = post

	switch e.classify(req, res.Pre, post) {
	case movementNone:
		res.enter(StateSafeNoOp)
		res.FundsRecovered = true
	case movementSwapped:
		if !e.cfg.AutoReverse {
			res.enter(StateManualReview)
			log.Warn("partial swap detected, manual review required")
			return
		}
		e.reverse(ctx, req, res, log)
	default:
		res.enter(StateManualReview)
		log.WithFields(logrus.Fields{
			"sol_before":   res.Pre.SolBalance,
			"sol_after":    post.SolBalance,
			"token_before": res.Pre.TokenBalance,
			"token_after":  post.TokenBalance,
		}).Warn("funds changed, unverified recovery")
	}
}

type landing int

const (
	// landingNone: failed on chain or expired, the transaction will never apply.
	landingNone landing = iota
	landingConfirmed
	landingUnresolved
)

// awaitLanding polls a broadcast transaction until it confirms, fails on chain or can no
// longer land because the block height passed lastValid. It gives up when ctx ends.
func (e *Executor) awaitLanding(ctx context.Context, sig string, lastValid uint64, log logrus.FieldLogger) landing {
	for {
		status, err := e.chain.GetSignatureStatus(ctx, sig)
		switch {
		case err != nil:
			log.WithError(err).Warn("signature status unavailable during rollback check")
		case status == nil:
			if lastValid == 0 || !e.expired(ctx, lastValid, log) {
				break
			}
			// It may have landed between the two reads.
			again, err := e.chain.GetSignatureStatus(ctx, sig)
			switch {
			case err != nil:
			case again == nil || again.Err != nil:
				return landingNone
			case again.IsConfirmed():
				return landingConfirmed
			}
		case status.Err != nil:
			return landingNone
		case status.IsConfirmed():
			return landingConfirmed
		}

		timer := e.clock.NewTimer(e.cfg.ExpiryPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return landingUnresolved
		case <-timer.C():
		}
	}
}

func (e *Executor) expired(ctx context.Context, lastValid uint64, log logrus.FieldLogger) bool {
	height, err := e.chain.GetBlockHeight(ctx)
	if err != nil {
		log.WithError(err).Warn("block height unavailable during rollback check")
		return false
	}
	return height > lastValid
}

type movement int

const (
	movementNone movement = iota
	movementSwapped
	movementAnomalous
)

// classify compares balances: unchanged within tolerance, input down and output up
// (the swap landed), or anything else.
func (e *Executor) classify(req Request, pre, post domain.BalanceSnapshot) movement {
	solDelta := int64(post.SolBalance) - int64(pre.SolBalance)
	tokDelta := int64(post.TokenBalance) - int64(pre.TokenBalance)

	if abs(solDelta) <= int64(e.cfg.SolTolerance) && abs(tokDelta) <= int64(e.cfg.TokenTolerance) {
		return movementNone
	}

	inDelta, outDelta := tokDelta, solDelta
	inTol, outTol := e.cfg.TokenTolerance, e.cfg.SolTolerance
	if req.InputMint == solana.NativeMint {
		inDelta, outDelta = solDelta, tokDelta
		inTol, outTol = e.cfg.SolTolerance, e.cfg.TokenTolerance
	}
	if inDelta < -int64(inTol) && outDelta > int64(outTol) {
		return movementSwapped
	}
	return movementAnomalous
}

// reverse attempts one opposite-direction swap of the observed output.
func (e *Executor) reverse(ctx context.Context, req Request, res *ExecutionResult, log logrus.FieldLogger) {
	res.enter(StateReverseSwap)
	res.ReverseAttempted = true

	gained := sideBalance(res.Post, req.OutputMint) - sideBalance(res.Pre, req.OutputMint)
	back := Request{
		Wallet:      req.Wallet,
		TokenMint:   req.TokenMint,
		InputMint:   req.OutputMint,
		OutputMint:  req.InputMint,
		Amount:      gained,
		SlippageBps: req.SlippageBps,
	}

	quote, err := e.quotes.GetQuote(ctx, back.InputMint, back.OutputMint, back.Amount, back.slippage(e.cfg.SlippageBps))
	if err != nil || quote == nil {
		res.enter(StateManualReview)
		log.WithError(err).Warn("no quote for reverse swap, manual review required")
		return
	}

	timedOut, err := e.race(ctx, back, &tracker{})
	if err != nil || timedOut {
		res.enter(StateManualReview)
		log.WithError(err).WithField("timed_out", timedOut).Warn("reverse swap failed, manual review required")
		return
	}

	res.enter(StateRecovered)
	res.FundsRecovered = true
	res.Post = e.postSnapshot(ctx, req, res.Pre)
}

// postSnapshot reads balances after the swap, falling back to pre if the read fails.
func (e *Executor) postSnapshot(ctx context.Context, req Request, pre domain.BalanceSnapshot) domain.BalanceSnapshot {
	post, err := e.preflight.Snapshot(ctx, pre.Address, req.TokenMint)
	if err != nil {
		e.log.WithError(err).Warn("post-swap snapshot unavailable")
		return pre
	}
	return post
}

func sideBalance(s domain.BalanceSnapshot, mint string) uint64 {
	if mint == solana.NativeMint {
		return s.SolBalance
	}
	return s.TokenBalance
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
