package coordinator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"solana-settlement/internal/domain"
)

// fund transfers each wallet's share of the budget from the vault. A wallet whose balance
// already covers its share counts as funded, so an interrupted run never pays twice.
func (c *Coordinator) fund(ctx context.Context, r *run) error {
	share := r.sess.Config.PerWalletBudget()
	if share <= 0 {
		return &domain.ValidationError{Reasons: []string{"per-wallet budget is zero"}}
	}

	var unfunded int
	for _, w := range r.wallets {
		if w.FundedAmount > 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		log := r.log.WithFields(logrus.Fields{"wallet_index": w.Index, "wallet": w.Address})
		sig, err := c.fundWallet(ctx, r, w.Address, uint64(share))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Warn("wallet funding failed")
			r.mu.Lock()
			w.FailureReason = "funding: " + reason(err)
			r.mu.Unlock()
			c.saveWallet(ctx, r, w)
			unfunded++
			continue
		}

		index := w.Index
		if err := c.book(ctx, r, &domain.TransactionRecord{
			Type:        domain.TxTypeWalletFunding,
			Amount:      share,
			From:        c.vault.Address(),
			To:          w.Address,
			WalletIndex: &index,
			Signature:   sig,
		}, walletKey(domain.TxTypeWalletFunding, w.Index)...); err != nil {
			return err
		}

		r.mu.Lock()
		w.FundedAmount = share
		w.Status = domain.WalletStatusFunded
		w.FailureReason = ""
		r.mu.Unlock()
		c.saveWallet(ctx, r, w)
		log.WithField("lamports", share).Debug("wallet funded")
	}

	if unfunded > 0 {
		return fmt.Errorf("%d of %d wallets could not be funded", unfunded, len(r.wallets))
	}
	return nil
}

// fundWallet sends share to address unless the balance already covers it. A confirmation
// error is re-checked against the balance since the transfer may have landed anyway.
func (c *Coordinator) fundWallet(ctx context.Context, r *run, address string, share uint64) (string, error) {
	balance, err := c.chain.GetBalance(ctx, address)
	if err != nil {
		return "", &domain.ChainError{Op: "get balance", Err: err}
	}
	if balance >= share {
		return "", nil
	}

	sig, err := c.send(ctx, r, c.vault, address, share-balance, nil)
	if err == nil {
		return sig, nil
	}
	if balance, berr := c.chain.GetBalance(context.WithoutCancel(ctx), address); berr == nil && balance >= share {
		return sig, nil
	}
	return sig, err
}
