package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-settlement/internal/domain"
	chainstub "solana-settlement/internal/solana/stub"
)

// operatorFloat is SOL the operator holds for other sessions; a second payout would be
// covered by it and go unnoticed on chain.
const operatorFloat = 500_000_000

// interruptWhenWithheld runs the session until a transaction is held back, then cancels the
// run the way a crash would.
func (f *fixture) interruptWhenWithheld(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := f.coord.Run(ctx, id)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return f.chain.Withheld() == 1 }, 10*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

// holdFirst withholds the first transaction paid by payer.
func holdFirst(payer string) func(string) bool {
	var held atomic.Bool
	return func(p string) bool {
		return p == payer && held.CompareAndSwap(false, true)
	}
}

func (f *fixture) runAsync(id string) <-chan *Report {
	out := make(chan *Report, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		rep, _ := f.coord.Run(ctx, id)
		out <- rep
	}()
	return out
}

func waitReport(t *testing.T, ch <-chan *Report) *Report {
	t.Helper()
	select {
	case rep := <-ch:
		require.NotNil(t, rep)
		return rep
	case <-time.After(20 * time.Second):
		t.Fatal("run did not finish")
		return nil
	}
}

func TestRun_ResumedPayoutWaitsForEarlierAttempt(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.SetBalance(f.operator.Address(), operatorFloat)
	f.chain.HoldPayer = holdFirst(f.operator.Address())
	sess := f.createSession(t, domain.ModeIndependent, 2)

	f.interruptWhenWithheld(t, sess.ID)

	assert.Equal(t, domain.PhaseDistributing, f.session(t, sess.ID).Phase)
	first, err := f.stores.Distributions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, first.Signature, "signature is stored before broadcast")
	require.Positive(t, first.LastValidBlockHeight)

	done := f.runAsync(sess.ID)
	time.Sleep(50 * time.Millisecond)
	f.chain.Release()
	rep := waitReport(t, done)

	assert.Equal(t, domain.PhaseCompleted, rep.Phase)
	payout := int64(2*sweptPerWallet - 2*fee)
	assert.Equal(t, uint64(payout), f.chain.Balance(f.user), "user is paid once")
	assert.Equal(t, uint64(operatorFloat), f.chain.Balance(f.operator.Address()))

	records := f.ledger(t, sess.ID)
	require.Equal(t, 1, countType(records, domain.TxTypeFinalTransfer))
	for _, rec := range records {
		if rec.Type == domain.TxTypeFinalTransfer {
			assert.Equal(t, first.Signature, rec.Signature)
		}
	}

	dist, err := f.stores.Distributions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DistributionCompleted, dist.Status)
	assert.Equal(t, first.Signature, dist.Signature)
}

func TestRun_ExpiredPayoutIsSentAgain(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.SetBalance(f.operator.Address(), operatorFloat)
	f.chain.HoldPayer = holdFirst(f.operator.Address())
	sess := f.createSession(t, domain.ModeIndependent, 2)

	f.interruptWhenWithheld(t, sess.ID)
	first, err := f.stores.Distributions.Get(context.Background(), sess.ID)
	require.NoError(t, err)

	f.chain.AdvanceBlocks(chainstub.BlockhashValidity + 1)
	rep := f.run(t, sess.ID)
	f.chain.Release()

	assert.Equal(t, domain.PhaseCompleted, rep.Phase)
	payout := int64(2*sweptPerWallet - 2*fee)
	assert.Equal(t, uint64(payout), f.chain.Balance(f.user))
	assert.Equal(t, uint64(operatorFloat), f.chain.Balance(f.operator.Address()))
	assert.Equal(t, 1, countType(f.ledger(t, sess.ID), domain.TxTypeFinalTransfer))

	dist, err := f.stores.Distributions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DistributionCompleted, dist.Status)
	assert.Equal(t, 2, dist.Attempts)
	assert.NotEqual(t, first.Signature, dist.Signature)
}

func TestRun_ResumedConsolidationWaitsForEarlierTransfer(t *testing.T) {
	f := newFixture(t, nil)
	var vaultTxs atomic.Int32
	vault := f.vault.Address()
	// Two funding transfers, then the phantom transfer.
	f.chain.HoldPayer = func(payer string) bool {
		return payer == vault && vaultTxs.Add(1) == 3
	}
	sess := f.createSession(t, domain.ModeIndependent, 2)

	f.interruptWhenWithheld(t, sess.ID)

	assert.Equal(t, domain.PhaseTransferring, f.session(t, sess.ID).Phase)
	first, err := f.stores.Distributions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, first.PhantomSignature)
	require.Positive(t, first.PhantomLastValidBlockHeight)

	done := f.runAsync(sess.ID)
	time.Sleep(50 * time.Millisecond)
	f.chain.Release()
	rep := waitReport(t, done)

	assert.Equal(t, domain.PhaseCompleted, rep.Phase)
	records := f.ledger(t, sess.ID)
	require.Equal(t, 1, countType(records, domain.TxTypePhantomTransfer))
	for _, rec := range records {
		if rec.Type == domain.TxTypePhantomTransfer {
			assert.Equal(t, first.PhantomSignature, rec.Signature)
		}
	}

	// Funding and its fees leave the vault; every collection goes back out once.
	assert.Equal(t, uint64(vaultFunds-2*(share+fee)), f.chain.Balance(vault))
	assert.Equal(t, uint64(2*sweptPerWallet-2*fee), f.chain.Balance(f.user))
	assert.Zero(t, f.chain.Balance(f.operator.Address()))
}
