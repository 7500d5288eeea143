package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/gateway"
	"solana-settlement/internal/observability"
	"solana-settlement/internal/solana"
	"solana-settlement/internal/storage"
)

// book appends a ledger record identified by key. Appending the same key twice is a no-op,
// which makes every booking safe to repeat after a restart.
func (c *Coordinator) book(ctx context.Context, r *run, rec *domain.TransactionRecord, key ...string) error {
	rec.ID = domain.LedgerRecordID(r.sess.ID, key...)
	rec.SessionID = r.sess.ID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.clock.Now()
	}

	err := c.stores.Ledger.Append(context.WithoutCancel(ctx), rec)
	if errors.Is(err, storage.ErrDuplicateKey) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("append %s record: %w", rec.Type, err)
	}
	observability.RecordLedgerAppend(string(rec.Type))
	c.notify(r.sess.ID)
	return nil
}

func walletKey(typ domain.TransactionType, index int, extra ...string) []string {
	return append([]string{string(typ), strconv.Itoa(index)}, extra...)
}

// send builds, signs, submits and confirms a SOL transfer. onSigned, when set, receives the
// signature and last valid block height before the broadcast; if it fails, nothing is sent.
// The signature is returned with confirmation errors.
func (c *Coordinator) send(ctx context.Context, r *run, from gateway.Wallet, to string, lamports uint64, onSigned func(sig string, lastValidBlockHeight uint64) error) (string, error) {
	utx, err := c.chain.BuildTransfer(ctx, from.Address(), to, lamports)
	if err != nil {
		return "", &domain.ChainError{Op: "build transfer", Err: err}
	}
	signed, err := from.Sign(ctx, utx.Tx)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}
	if onSigned != nil {
		sig, err := solana.TransactionSignature(signed)
		if err != nil {
			return "", fmt.Errorf("read transfer signature: %w", err)
		}
		if err := onSigned(sig, utx.LastValidBlockHeight); err != nil {
			return "", err
		}
	}
	sig, err := r.submit.Submit(ctx, signed)
	if err != nil {
		return "", err
	}

	res, err := c.chain.Confirm(ctx, sig, utx.LastValidBlockHeight)
	if err != nil {
		return sig, &domain.ChainError{Op: "confirm", Signature: sig, Err: err}
	}
	if !res.OK {
		return sig, &domain.ChainError{Op: "confirm", Signature: sig, Err: errors.New(res.Err)}
	}
	return sig, nil
}

// priorLanded settles a transfer signed by an earlier attempt before anything is sent again.
// It waits until the transfer confirms, fails on chain or its blockhash expires; only the
// last two make a new transfer safe. Without a recorded expiry height the transfer can only
// be trusted once it is seen on chain.
func (c *Coordinator) priorLanded(ctx context.Context, r *run, sig string, lastValidBlockHeight uint64) (bool, error) {
	log := r.log.WithField("signature", sig)
	if lastValidBlockHeight == 0 {
		status, err := c.chain.GetSignatureStatus(ctx, sig)
		if err != nil {
			return false, &domain.ChainError{Op: "get signature status", Signature: sig, Err: err}
		}
		switch {
		case status.IsConfirmed() && status.Err == nil:
			return true, nil
		case status != nil && status.Err != nil:
			return false, nil
		}
		return false, &domain.ChainError{Op: "confirm", Signature: sig,
			Err: errors.New("earlier transfer has no expiry height and is not on chain")}
	}

	log.Info("waiting for earlier transfer to settle")
	res, err := c.chain.Confirm(ctx, sig, lastValidBlockHeight)
	if err != nil {
		return false, &domain.ChainError{Op: "confirm", Signature: sig, Err: err}
	}
	if !res.OK {
		log.WithField("reason", res.Err).Info("earlier transfer will not land")
		return false, nil
	}
	return true, nil
}

// reason renders an error for a persisted failure reason, prefixed with its class.
func reason(err error) string {
	return domain.ErrorClass(err) + ": " + err.Error()
}
