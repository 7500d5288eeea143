// Package preflight performs read-only safety checks before any funds move.
package preflight

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"solana-settlement/internal/clock"
	"solana-settlement/internal/domain"
	"solana-settlement/internal/gateway"
	"solana-settlement/internal/observability"
	"solana-settlement/internal/solana"
)

// Check names, in evaluation order. CheckBalanceRead reports a failed balance read at the
// point the balance checks start.
const (
	CheckWallet       = "wallet"
	CheckRoute        = "route"
	CheckPriceImpact  = "price_impact"
	CheckLiquidity    = "liquidity"
	CheckBalanceRead  = "balance_read"
	CheckSolBalance   = "sol_balance"
	CheckTokenBalance = "token_balance"
)

// Config holds validator thresholds.
type Config struct {
	// MaxPriceImpact is the ceiling on the probe quote's price impact, as a fraction.
	MaxPriceImpact decimal.Decimal
	// MinLiquidityOut is the minimum probe output in lamports; smaller pools are dust.
	MinLiquidityOut uint64
	// FeeBuffer is the SOL kept aside for network fees, in lamports.
	FeeBuffer uint64
	// ProbeAmount is the token amount quoted to test the route, in base units.
	ProbeAmount uint64
	// SlippageBps used for the probe quote when the request does not set one.
	SlippageBps int
}

// DefaultConfig returns default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxPriceImpact:  decimal.NewFromFloat(0.20),
		MinLiquidityOut: 10_000,
		FeeBuffer:       10_000_000, // 0.01 SOL
		ProbeAmount:     1_000_000,
		SlippageBps:     100,
	}
}

// Request describes the swap to validate. Exactly one of InputMint/OutputMint is normally
// the native mint; TokenMint is the other side.
type Request struct {
	Wallet     gateway.Wallet
	TokenMint  string
	InputMint  string
	OutputMint string
	Amount     uint64
	// SlippageBps is the session's tolerance; zero falls back to the configured default.
	SlippageBps int
}

// SafetyResult is the validator's verdict. Snapshot is populated even when checks fail,
// as long as the wallet has a readable address.
type SafetyResult struct {
	CanProceed  bool
	Errors      []string
	FailedCheck string
	Snapshot    domain.BalanceSnapshot
}

// Err returns a *domain.ValidationError when the preflight failed.
func (r *SafetyResult) Err() error {
	if r.CanProceed {
		return nil
	}
	return &domain.ValidationError{Reasons: append([]string(nil), r.Errors...)}
}

// Options configures Validator.
type Options struct {
	Quotes gateway.QuoteGateway
	Chain  gateway.ChainGateway
	Config Config
	Clock  clock.Clock
	Logger logrus.FieldLogger
}

// Validator runs the ordered preflight checks. It never submits transactions.
type Validator struct {
	quotes gateway.QuoteGateway
	chain  gateway.ChainGateway
	cfg    Config
	clock  clock.Clock
	log    logrus.FieldLogger
}

// New creates a Validator.
func New(opts Options) *Validator {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Config.MaxPriceImpact.IsZero() && opts.Config.ProbeAmount == 0 {
		opts.Config = DefaultConfig()
	}
	return &Validator{
		quotes: opts.Quotes,
		chain:  opts.Chain,
		cfg:    opts.Config,
		clock:  opts.Clock,
		log:    opts.Logger.WithField("component", "preflight"),
	}
}

// Config returns the validator's thresholds.
func (v *Validator) Config() Config { return v.cfg }

// Validate runs checks (wallet, route, price impact, liquidity, SOL balance, token balance)
// in order and stops at the first failure.
func (v *Validator) Validate(ctx context.Context, req Request) *SafetyResult {
	res := &SafetyResult{
		Snapshot: domain.BalanceSnapshot{TokenAddress: req.TokenMint},
	}

	fail := func(check, reason string) *SafetyResult {
		res.CanProceed = false
		res.FailedCheck = check
		res.Errors = append(res.Errors, reason)
		observability.RecordPreflightFailure(check)
		v.log.WithFields(logrus.Fields{
			"check": check,
			"token": req.TokenMint,
		}).Info("preflight failed: " + reason)
		return res
	}

	// (a) wallet connected and authorized
	if req.Wallet == nil {
		return fail(CheckWallet, "wallet not connected")
	}
	address := req.Wallet.Address()
	res.Snapshot.Address = address
	if !solana.IsValidAddress(address) || !solana.IsOnCurve(address) {
		return fail(CheckWallet, fmt.Sprintf("wallet address %q cannot sign", address))
	}

	// Balances are read up front so the snapshot exists on every later exit. A failed read
	// is reported only once the route checks passed.
	readErr := v.snapshot(ctx, address, req.TokenMint, &res.Snapshot)

	// (b) route from token to the settlement asset
	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = v.cfg.SlippageBps
	}
	quote, err := v.quotes.GetQuote(ctx, req.TokenMint, solana.NativeMint, v.cfg.ProbeAmount, slippage)
	if err != nil {
		return fail(CheckRoute, fmt.Sprintf("quote unavailable: %v", err))
	}
	if quote == nil {
		return fail(CheckRoute, fmt.Sprintf("no route from %s to SOL", req.TokenMint))
	}

	// (c) price impact ceiling
	if quote.PriceImpactPct.GreaterThan(v.cfg.MaxPriceImpact) {
		return fail(CheckPriceImpact, fmt.Sprintf("price impact %s%% exceeds %s%%",
			quote.PriceImpactPct.Shift(2).StringFixed(2), v.cfg.MaxPriceImpact.Shift(2).StringFixed(2)))
	}

	// (d) liquidity floor
	if quote.OutAmount < v.cfg.MinLiquidityOut {
		return fail(CheckLiquidity, fmt.Sprintf("probe output %d lamports below liquidity floor %d",
			quote.OutAmount, v.cfg.MinLiquidityOut))
	}

	if readErr != nil {
		return fail(CheckBalanceRead, fmt.Sprintf("balance unavailable: %v", readErr))
	}

	// (e) SOL covers the fee buffer, plus the amount when SOL is spent
	requiredSol := v.cfg.FeeBuffer
	if req.InputMint == solana.NativeMint {
		requiredSol += req.Amount
	}
	if res.Snapshot.SolBalance < requiredSol {
		return fail(CheckSolBalance, fmt.Sprintf("SOL balance %s below required %s",
			domain.LamportsToSOL(int64(res.Snapshot.SolBalance)), domain.LamportsToSOL(int64(requiredSol))))
	}

	// (f) token covers the amount when the token is spent
	if req.InputMint == req.TokenMint && res.Snapshot.TokenBalance < req.Amount {
		return fail(CheckTokenBalance, fmt.Sprintf("token balance %d below required %d",
			res.Snapshot.TokenBalance, req.Amount))
	}

	res.CanProceed = true
	return res
}

// Snapshot reads current balances without running checks.
func (v *Validator) Snapshot(ctx context.Context, address, tokenMint string) (domain.BalanceSnapshot, error) {
	snap := domain.BalanceSnapshot{Address: address, TokenAddress: tokenMint}
	err := v.snapshot(ctx, address, tokenMint, &snap)
	return snap, err
}

func (v *Validator) snapshot(ctx context.Context, address, tokenMint string, snap *domain.BalanceSnapshot) error {
	sol, err := v.chain.GetBalance(ctx, address)
	if err != nil {
		return fmt.Errorf("get SOL balance: %w", err)
	}
	tok, err := v.chain.GetTokenBalance(ctx, address, tokenMint)
	if err != nil {
		return fmt.Errorf("get token balance: %w", err)
	}
	snap.SolBalance = sol
	snap.TokenBalance = tok.Amount
	snap.TokenDecimals = tok.Decimals
	snap.TakenAt = v.clock.Now()
	return nil
}
