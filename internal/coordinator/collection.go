package coordinator

import (
	"context"
	"errors"
	"fmt"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/scheduler"
	"solana-settlement/internal/solana"
	"solana-settlement/internal/storage"
)

// collect schedules one collection timer per succeeded wallet, waits for all of them and
// reconciles the ledger against the timers. Timers persisted by an earlier run are restored
// as they are, so completed timers never fire twice.
func (c *Coordinator) collect(ctx context.Context, r *run) error {
	id := r.sess.ID
	done := c.scheduler.Done(id)
	if done == nil {
		timers, err := c.stores.Timers.GetBySession(ctx, id)
		if err != nil {
			return fmt.Errorf("load timers: %w", err)
		}

		if len(timers) > 0 {
			if err := c.scheduler.Restore(id, timers, c.collector(r)); err != nil {
				return fmt.Errorf("restore timers: %w", err)
			}
			r.log.WithField("timers", len(timers)).Info("collection timers restored")
		} else {
			var eligible []*domain.TradingWallet
			for _, w := range r.snapshotWallets() {
				if w.Status == domain.WalletStatusSucceeded {
					eligible = append(eligible, &w)
				}
			}
			if len(eligible) == 0 {
				if err := c.scheduler.Restore(id, nil, c.collector(r)); err != nil {
					return fmt.Errorf("register empty collection: %w", err)
				}
			} else if _, err := c.scheduler.Schedule(ctx, id, c.clock.Now(), eligible, c.collector(r)); err != nil {
				return fmt.Errorf("schedule collection: %w", err)
			}
		}
		c.notify(id)
		done = c.scheduler.Done(id)
	}

	select {
	case <-done:
	case <-ctx.Done():
		c.scheduler.Cancel(id)
		return ctx.Err()
	}
	return c.reconcile(ctx, r)
}

// collector is the timer callback: it sweeps the wallet into the vault and books the profit.
func (c *Coordinator) collector(r *run) scheduler.FireFunc {
	return func(ctx context.Context, _ string, t domain.CollectionTimer) (int64, error) {
		w := r.wallet(t.WalletIndex)
		if w == nil {
			return 0, fmt.Errorf("no wallet with index %d", t.WalletIndex)
		}

		profit, err := c.sweep(ctx, r, t)
		r.mu.Lock()
		if err != nil {
			w.Status = domain.WalletStatusManualReview
			w.FailureReason = "collection failed: " + reason(err)
		} else {
			w.Status = domain.WalletStatusCollected
		}
		r.mu.Unlock()
		c.saveWallet(ctx, r, w)
		return profit, err
	}
}

// sweep moves the wallet's SOL, minus the transfer fee, to the vault. Profit is what came
// back relative to what was allocated and may be negative.
func (c *Coordinator) sweep(ctx context.Context, r *run, t domain.CollectionTimer) (int64, error) {
	kp, ok := r.keys[t.WalletIndex]
	if !ok {
		return 0, fmt.Errorf("no key for wallet %d", t.WalletIndex)
	}

	balance, err := c.chain.GetBalance(ctx, kp.Address())
	if err != nil {
		return 0, &domain.ChainError{Op: "get balance", Err: err}
	}

	var (
		swept int64
		sig   string
	)
	if balance > solana.TransferFeeLamports {
		amount := balance - solana.TransferFeeLamports
		sig, err = c.send(ctx, r, kp, c.vault.Address(), amount, nil)
		if err != nil {
			return 0, err
		}
		swept = int64(amount)
	}

	profit := swept - t.AllocatedAmount
	index := t.WalletIndex
	err = c.book(ctx, r, &domain.TransactionRecord{
		Type:        domain.TxTypeProfitCollection,
		Amount:      profit,
		From:        kp.Address(),
		To:          c.vault.Address(),
		WalletIndex: &index,
		Signature:   sig,
	}, walletKey(domain.TxTypeProfitCollection, index)...)
	if err != nil {
		return 0, err
	}
	return profit, nil
}

// reconcile checks that booked profit equals the profit recorded on completed timers, then
// stores the session total and opens the distribution.
func (c *Coordinator) reconcile(ctx context.Context, r *run) error {
	id := r.sess.ID
	records, err := c.stores.Ledger.GetBySession(ctx, id)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	timers, err := c.stores.Timers.GetBySession(ctx, id)
	if err != nil {
		return fmt.Errorf("load timers: %w", err)
	}

	ledgerTotal := domain.SumByType(records, domain.TxTypeProfitCollection)
	var timerTotal int64
	for _, t := range timers {
		if t.Completed {
			timerTotal += t.ProfitOrZero()
		}
	}
	if ledgerTotal != timerTotal {
		return &domain.ReconciliationMismatchError{SessionID: id, LedgerTotal: ledgerTotal, TimerTotal: timerTotal}
	}

	now := c.clock.Now()
	if err := c.stores.Sessions.UpdateProfit(context.WithoutCancel(ctx), id, timerTotal, now); err != nil {
		return fmt.Errorf("store profit: %w", err)
	}
	r.sess.TotalProfit = timerTotal

	_, err = c.stores.Distributions.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		err = c.stores.Distributions.Save(context.WithoutCancel(ctx), &domain.DistributionState{
			SessionID:            id,
			TotalProfitCollected: timerTotal,
			Status:               domain.DistributionPending,
			UserWallet:           r.sess.Config.UserWallet,
			UpdatedAt:            now,
		})
	}
	if err != nil {
		return fmt.Errorf("open distribution: %w", err)
	}

	r.log.WithField("total_profit", domain.LamportsToSOL(timerTotal)).Info("collection reconciled")
	return nil
}
