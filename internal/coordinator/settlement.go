package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/observability"
	"solana-settlement/internal/solana"
	"solana-settlement/internal/storage"
)

// ErrNotRetryable is returned by RetryDistribution for sessions whose payout did not fail.
var ErrNotRetryable = errors.New("distribution is not in a retryable state")

// consolidate reclaims what failed wallets still hold, books refunds owed for wallets under
// manual review and moves the collected total from the vault to the operator in one
// phantom transfer.
func (c *Coordinator) consolidate(ctx context.Context, r *run) error {
	records, err := c.stores.Ledger.GetBySession(ctx, r.sess.ID)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if domain.HasRecord(records, domain.TxTypePhantomTransfer, nil) {
		c.markConsolidated(ctx, r)
		return nil
	}

	for _, w := range r.snapshotWallets() {
		switch w.Status {
		case domain.WalletStatusFailed:
			if err := c.reclaim(ctx, r, w); err != nil {
				r.log.WithError(err).WithField("wallet_index", w.Index).Warn("reclaim from failed wallet did not complete")
			}
		case domain.WalletStatusManualReview:
			if err := c.flagRefund(ctx, r, w); err != nil {
				return err
			}
		}
	}

	records, err = c.stores.Ledger.GetBySession(ctx, r.sess.ID)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	timers, err := c.stores.Timers.GetBySession(ctx, r.sess.ID)
	if err != nil {
		return fmt.Errorf("load timers: %w", err)
	}

	var total int64
	for _, t := range timers {
		if t.Profit != nil {
			total += t.AllocatedAmount + *t.Profit
		}
	}
	for _, rec := range records {
		if rec.Type == domain.TxTypeWalletFunding && rec.Amount < 0 {
			total -= rec.Amount
		}
	}

	amount := total - solana.TransferFeeLamports
	if amount <= 0 {
		r.log.WithField("total", total).Info("nothing to consolidate")
		c.markConsolidated(ctx, r)
		return nil
	}

	state, err := c.distribution(ctx, r)
	if err != nil {
		return err
	}
	sig, err := c.phantomTransfer(ctx, r, state, amount)
	if err != nil {
		return err
	}

	err = c.book(ctx, r, &domain.TransactionRecord{
		Type:      domain.TxTypePhantomTransfer,
		Amount:    amount,
		From:      c.vault.Address(),
		To:        c.operator.Address(),
		Signature: sig,
	}, string(domain.TxTypePhantomTransfer))
	if err != nil {
		return err
	}

	c.markConsolidated(ctx, r)
	r.log.WithFields(logrus.Fields{"amount": domain.LamportsToSOL(amount), "signature": sig}).Info("balance consolidated")
	return nil
}

// phantomTransfer moves amount from the vault to the operator. A transfer signed by an
// interrupted attempt is settled first and, if it landed, stands in for a new one.
func (c *Coordinator) phantomTransfer(ctx context.Context, r *run, state *domain.DistributionState, amount int64) (string, error) {
	if prior := state.PhantomSignature; prior != "" {
		landed, err := c.priorLanded(ctx, r, prior, state.PhantomLastValidBlockHeight)
		if err != nil {
			return "", fmt.Errorf("phantom transfer: %w", err)
		}
		if landed {
			return prior, nil
		}
	}

	before, err := c.chain.GetBalance(ctx, c.operator.Address())
	if err != nil {
		return "", &domain.ChainError{Op: "get balance", Err: err}
	}
	sig, err := c.send(ctx, r, c.vault, c.operator.Address(), uint64(amount), func(sig string, lastValid uint64) error {
		state.PhantomSignature = sig
		state.PhantomLastValidBlockHeight = lastValid
		return c.saveDistribution(ctx, r, state)
	})
	if err != nil {
		return "", fmt.Errorf("phantom transfer: %w", err)
	}
	after, err := c.chain.GetBalance(context.WithoutCancel(ctx), c.operator.Address())
	if err != nil {
		return "", &domain.ChainError{Op: "get balance", Signature: sig, Err: err}
	}
	if after < before+uint64(amount) {
		return "", fmt.Errorf("operator balance %d after phantom transfer %s, expected at least %d",
			after, sig, before+uint64(amount))
	}
	return sig, nil
}

// reclaim returns the SOL left in a wallet that never completed a trade. The ledger entry
// is a negative funding record so the funding total stays net of reclaims.
func (c *Coordinator) reclaim(ctx context.Context, r *run, w domain.TradingWallet) error {
	kp := r.keys[w.Index]
	balance, err := c.chain.GetBalance(ctx, kp.Address())
	if err != nil {
		return &domain.ChainError{Op: "get balance", Err: err}
	}
	if balance <= solana.TransferFeeLamports {
		return nil
	}

	amount := balance - solana.TransferFeeLamports
	sig, err := c.send(ctx, r, kp, c.vault.Address(), amount, nil)
	if err != nil {
		return err
	}
	index := w.Index
	return c.book(ctx, r, &domain.TransactionRecord{
		Type:        domain.TxTypeWalletFunding,
		Amount:      -int64(amount),
		From:        kp.Address(),
		To:          c.vault.Address(),
		WalletIndex: &index,
		Signature:   sig,
	}, walletKey(domain.TxTypeWalletFunding, index, "reclaim")...)
}

// flagRefund books what a manual-review wallet owes the user. No funds move; an operator
// settles the entry after the audit.
func (c *Coordinator) flagRefund(ctx context.Context, r *run, w domain.TradingWallet) error {
	index := w.Index
	return c.book(ctx, r, &domain.TransactionRecord{
		Type:        domain.TxTypePendingRefund,
		Amount:      w.FundedAmount,
		From:        w.Address,
		To:          r.sess.Config.UserWallet,
		WalletIndex: &index,
	}, walletKey(domain.TxTypePendingRefund, index)...)
}

func (c *Coordinator) markConsolidated(ctx context.Context, r *run) {
	for _, w := range r.wallets {
		r.mu.Lock()
		collected := w.Status == domain.WalletStatusCollected
		if collected {
			w.Status = domain.WalletStatusConsolidated
		}
		r.mu.Unlock()
		if collected {
			c.saveWallet(ctx, r, w)
		}
	}
}

// distribute pays the consolidated balance, minus the transfer fee, from the operator to
// the user wallet. A failed payout fails the session but keeps all bookkeeping; it can be
// retried with RetryDistribution.
func (c *Coordinator) distribute(ctx context.Context, r *run) error {
	state, err := c.distribution(ctx, r)
	if err != nil {
		return err
	}
	if state.Status == domain.DistributionCompleted {
		return nil
	}
	return c.payout(ctx, r, state)
}

func (c *Coordinator) distribution(ctx context.Context, r *run) (*domain.DistributionState, error) {
	state, err := c.stores.Distributions.Get(ctx, r.sess.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return &domain.DistributionState{
			SessionID:            r.sess.ID,
			TotalProfitCollected: r.sess.TotalProfit,
			Status:               domain.DistributionPending,
			UserWallet:           r.sess.Config.UserWallet,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load distribution: %w", err)
	}
	return state, nil
}

func (c *Coordinator) payout(ctx context.Context, r *run, state *domain.DistributionState) error {
	records, err := c.stores.Ledger.GetBySession(ctx, r.sess.ID)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	state.Status = domain.DistributionInProgress
	state.Attempts++
	if err := c.saveDistribution(ctx, r, state); err != nil {
		return err
	}

	amount := domain.SumByType(records, domain.TxTypePhantomTransfer) - solana.TransferFeeLamports
	if amount <= 0 {
		r.log.Info("no balance to distribute")
		return c.completeDistribution(ctx, r, state, "", 0)
	}

	// A payout signed by an earlier attempt may still land; it must settle before paying again.
	if state.Signature != "" {
		landed, err := c.priorLanded(ctx, r, state.Signature, state.LastValidBlockHeight)
		if err != nil {
			return c.failDistribution(ctx, r, state, err)
		}
		if landed {
			return c.completeDistribution(ctx, r, state, state.Signature, amount)
		}
		state.Signature = ""
		state.LastValidBlockHeight = 0
	}

	sig, err := c.send(ctx, r, c.operator, state.UserWallet, uint64(amount), func(sig string, lastValid uint64) error {
		state.Signature = sig
		state.LastValidBlockHeight = lastValid
		return c.saveDistribution(ctx, r, state)
	})
	if err != nil {
		return c.failDistribution(ctx, r, state, err)
	}
	return c.completeDistribution(ctx, r, state, sig, amount)
}

func (c *Coordinator) failDistribution(ctx context.Context, r *run, state *domain.DistributionState, cause error) error {
	state.Status = domain.DistributionFailed
	state.LastError = reason(cause)
	if err := c.saveDistribution(ctx, r, state); err != nil {
		r.log.WithError(err).Error("failed to persist distribution failure")
	}
	observability.RecordDistribution(string(domain.DistributionFailed))
	return fmt.Errorf("distribution: %w", cause)
}

func (c *Coordinator) completeDistribution(ctx context.Context, r *run, state *domain.DistributionState, sig string, amount int64) error {
	if amount > 0 {
		err := c.book(ctx, r, &domain.TransactionRecord{
			Type:      domain.TxTypeFinalTransfer,
			Amount:    amount,
			From:      c.operator.Address(),
			To:        state.UserWallet,
			Signature: sig,
		}, string(domain.TxTypeFinalTransfer))
		if err != nil {
			return err
		}
	}

	now := c.clock.Now()
	state.Status = domain.DistributionCompleted
	state.Signature = sig
	state.Amount = amount
	state.LastError = ""
	state.CompletedAt = &now
	if err := c.saveDistribution(ctx, r, state); err != nil {
		return err
	}
	observability.RecordDistribution(string(domain.DistributionCompleted))
	r.log.WithFields(logrus.Fields{
		"amount":    domain.LamportsToSOL(amount),
		"signature": sig,
		"user":      state.UserWallet,
	}).Info("distribution completed")
	return nil
}

func (c *Coordinator) saveDistribution(ctx context.Context, r *run, state *domain.DistributionState) error {
	state.UpdatedAt = c.clock.Now()
	if err := c.stores.Distributions.Save(context.WithoutCancel(ctx), state); err != nil {
		return fmt.Errorf("save distribution: %w", err)
	}
	c.notify(r.sess.ID)
	return nil
}

// RetryDistribution repeats a failed payout. A session that failed only because its payout
// did not land moves from FAILED to COMPLETED when the retry succeeds.
func (c *Coordinator) RetryDistribution(ctx context.Context, sessionID string) (*Report, error) {
	r, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if r.sess.Phase != domain.PhaseFailed {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, r.sess.Phase, ErrNotRetryable)
	}
	state, err := c.stores.Distributions.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("session %s has no distribution: %w", sessionID, ErrNotRetryable)
	}
	if err != nil {
		return nil, fmt.Errorf("load distribution: %w", err)
	}
	if state.Status != domain.DistributionFailed {
		return nil, fmt.Errorf("distribution of %s is %s: %w", sessionID, state.Status, ErrNotRetryable)
	}

	if err := c.payout(ctx, r, state); err != nil {
		return c.report(r, err), err
	}

	now := c.clock.Now()
	err = c.stores.Sessions.Transition(context.WithoutCancel(ctx), sessionID,
		domain.PhaseFailed, domain.PhaseCompleted, domain.SessionStatusCompleted, "", now)
	if errors.Is(err, storage.ErrConflict) {
		return nil, fmt.Errorf("complete session %s: %w", sessionID, ErrSessionMoved)
	}
	if err != nil {
		return nil, fmt.Errorf("complete session %s: %w", sessionID, err)
	}
	observability.RecordPhaseTransition(string(domain.PhaseFailed), string(domain.PhaseCompleted), now.Sub(r.sess.UpdatedAt).Seconds())
	observability.RecordSessionFinished(string(domain.SessionStatusCompleted), now.Unix())
	r.sess.Phase = domain.PhaseCompleted
	r.sess.Status = domain.SessionStatusCompleted
	r.sess.UpdatedAt = now
	r.log.Info("distribution retry completed the session")
	c.notify(sessionID)
	return c.report(r, nil), nil
}
