package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/observability"
	"solana-settlement/internal/solana"
	"solana-settlement/internal/swap"
)

// trade runs every funded wallet through its round trips. Centralized sessions trade one
// wallet at a time; independent sessions use bounded parallelism. The phase ends once each
// wallet is succeeded, failed or flagged for manual review.
func (c *Coordinator) trade(ctx context.Context, r *run) error {
	tradeCtx := ctx
	if minutes := r.sess.Config.RuntimeMinutes; minutes > 0 {
		var cancel context.CancelFunc
		tradeCtx, cancel = context.WithTimeout(ctx, time.Duration(minutes)*time.Minute)
		defer cancel()
	}

	var pending []*domain.TradingWallet
	for _, w := range r.wallets {
		switch {
		case w.Status == domain.WalletStatusTrading:
			// A restart interrupted this wallet mid-swap; its balances are unverified.
			c.finish(ctx, r, w, domain.WalletStatusManualReview, "trading interrupted by restart")
		case !w.Status.IsTradeTerminal():
			pending = append(pending, w)
		}
	}

	limit := c.cfg.Parallelism
	if r.sess.Mode == domain.ModeCentralized {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, w := range pending {
		g.Go(func() error {
			c.tradeWallet(tradeCtx, r, w)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, w := range pending {
		if !w.Status.IsTradeTerminal() {
			c.finish(ctx, r, w, domain.WalletStatusFailed, "trading window elapsed before the wallet started")
		}
	}
	return c.checkThreshold(r)
}

// tradeWallet runs buy then sell round trips until the planned count is reached or a swap
// does not confirm.
func (c *Coordinator) tradeWallet(ctx context.Context, r *run, w *domain.TradingWallet) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WalletTradeTimeout)
	defer cancel()

	kp := r.keys[w.Index]
	mint := r.sess.Config.TokenMint
	slippage := r.sess.Config.SlippageBps
	log := r.log.WithField("wallet_index", w.Index)

	r.mu.Lock()
	w.Status = domain.WalletStatusTrading
	funded := w.FundedAmount
	r.mu.Unlock()
	c.saveWallet(ctx, r, w)

	sol, err := c.chain.GetBalance(ctx, kp.Address())
	if err != nil {
		c.finish(ctx, r, w, domain.WalletStatusFailed, "balance unavailable: "+err.Error())
		return
	}

	trips := c.roundTrips(r.sess.Config, funded)
	completed := 0
	for completed < trips {
		if ctx.Err() != nil {
			if completed == 0 {
				c.finish(ctx, r, w, domain.WalletStatusFailed, "trading window elapsed")
				return
			}
			break
		}
		if sol <= c.cfg.FeeReserve {
			if completed == 0 {
				c.finish(ctx, r, w, domain.WalletStatusFailed,
					fmt.Sprintf("balance %s SOL does not cover the fee reserve", domain.LamportsToSOL(int64(sol))))
				return
			}
			break
		}

		buy := r.exec.Execute(ctx, swap.Request{
			Wallet:      kp,
			TokenMint:   mint,
			InputMint:   solana.NativeMint,
			OutputMint:  mint,
			Amount:      sol - c.cfg.FeeReserve,
			SlippageBps: slippage,
		})
		if !buy.Success {
			c.settle(ctx, r, w, buy, completed)
			return
		}
		c.addVolume(ctx, r, w, buy.InAmount)

		tokens := buy.Post.TokenBalance
		if tokens == 0 {
			c.finish(ctx, r, w, domain.WalletStatusManualReview, "confirmed buy left no visible token balance")
			return
		}

		sell := r.exec.Execute(ctx, swap.Request{
			Wallet:      kp,
			TokenMint:   mint,
			InputMint:   mint,
			OutputMint:  solana.NativeMint,
			Amount:      tokens,
			SlippageBps: slippage,
		})
		if !sell.Success {
			c.settle(ctx, r, w, sell, completed)
			return
		}
		c.addVolume(ctx, r, w, sell.OutAmount)

		sol = sell.Post.SolBalance
		completed++
		log.WithFields(logrus.Fields{"trip": completed, "of": trips}).Debug("round trip confirmed")
	}

	c.finish(ctx, r, w, domain.WalletStatusSucceeded, "")
}

// settle classifies a wallet whose swap did not confirm. Funds not in a known state need
// manual review, as do tokens left behind. A wallet that already completed a round trip
// and holds only SOL still counts as succeeded.
func (c *Coordinator) settle(ctx context.Context, r *run, w *domain.TradingWallet, res *swap.ExecutionResult, completed int) {
	why := string(res.Outcome)
	if res.Err != nil {
		why = reason(res.Err)
	}

	switch {
	case !res.FundsRecovered:
		c.finish(ctx, r, w, domain.WalletStatusManualReview, why)
	case res.Post.TokenBalance > 0:
		c.finish(ctx, r, w, domain.WalletStatusManualReview, "tokens left in wallet after "+why)
	case completed > 0:
		r.log.WithField("wallet_index", w.Index).WithField("reason", why).Info("trading stopped early")
		c.finish(ctx, r, w, domain.WalletStatusSucceeded, "")
	default:
		c.finish(ctx, r, w, domain.WalletStatusFailed, why)
	}
}

func (c *Coordinator) finish(ctx context.Context, r *run, w *domain.TradingWallet, status domain.WalletStatus, why string) {
	r.mu.Lock()
	w.Status = status
	w.FailureReason = why
	r.mu.Unlock()
	c.saveWallet(ctx, r, w)
	observability.RecordWalletOutcome(string(status))

	entry := r.log.WithFields(logrus.Fields{"wallet_index": w.Index, "status": status})
	if why != "" {
		entry.WithField("reason", why).Warn("wallet finished trading")
		return
	}
	entry.Info("wallet finished trading")
}

func (c *Coordinator) addVolume(ctx context.Context, r *run, w *domain.TradingWallet, lamports uint64) {
	r.mu.Lock()
	w.Volume += int64(lamports)
	r.mu.Unlock()
	c.saveWallet(ctx, r, w)
}

// roundTrips sizes the buy/sell cycles per wallet from the volume target, between one and
// MaxRoundTrips.
func (c *Coordinator) roundTrips(cfg domain.SessionConfig, funded int64) int {
	perLeg := funded - int64(c.cfg.FeeReserve)
	if cfg.VolumeTarget <= 0 || perLeg <= 0 || cfg.Makers <= 0 {
		return 1
	}
	perTrip := int64(cfg.Makers) * 2 * perLeg
	n := int((cfg.VolumeTarget + perTrip - 1) / perTrip)
	return max(1, min(n, c.cfg.MaxRoundTrips))
}

// checkThreshold fails the session when failed and manual-review wallets together exceed
// the configured fraction.
func (c *Coordinator) checkThreshold(r *run) error {
	wallets := r.snapshotWallets()
	if len(wallets) == 0 {
		return fmt.Errorf("session has no wallets")
	}

	failed := 0
	for _, w := range wallets {
		switch {
		case w.Status == domain.WalletStatusFailed || w.Status == domain.WalletStatusManualReview:
			failed++
		case !w.Status.IsTradeTerminal():
			return fmt.Errorf("wallet %d did not finish trading (status %s)", w.Index, w.Status)
		}
	}

	if float64(failed)/float64(len(wallets)) > c.cfg.FailureThreshold {
		return &domain.FailureThresholdError{Failed: failed, Total: len(wallets), Threshold: c.cfg.FailureThreshold}
	}
	return nil
}
