package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-settlement/internal/clock"
	"solana-settlement/internal/coordinator"
	"solana-settlement/internal/domain"
	jupiterstub "solana-settlement/internal/jupiter/stub"
	"solana-settlement/internal/preflight"
	"solana-settlement/internal/scheduler"
	"solana-settlement/internal/solana"
	chainstub "solana-settlement/internal/solana/stub"
	"solana-settlement/internal/storage"
	"solana-settlement/internal/storage/memory"
)

const (
	testMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	share    = 50_000_000
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type fixture struct {
	chain  *chainstub.Chain
	quotes *jupiterstub.Gateway
	stores storage.Stores
	clock  *clock.Fake
	sched  *scheduler.Scheduler
	coord  *coordinator.Coordinator
	hub    *Hub
	vault  *solana.Keypair
	user   *solana.Keypair
	probe  uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := quietLogger()
	chain := chainstub.NewChain()
	quotes := jupiterstub.NewGateway(chain)
	stores := memory.NewStores()
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	hub := NewHub()

	vault, err := solana.NewKeypair()
	require.NoError(t, err)
	operator, err := solana.NewKeypair()
	require.NoError(t, err)
	user, err := solana.NewKeypair()
	require.NoError(t, err)
	chain.SetBalance(vault.Address(), 1_000_000_000)
	chain.SetBalance(user.Address(), 1_000_000_000)

	pcfg := preflight.DefaultConfig()
	pcfg.ProbeAmount = 1_234_567
	validator := preflight.New(preflight.Options{
		Quotes: quotes,
		Chain:  chain,
		Config: pcfg,
		Clock:  fake,
		Logger: log,
	})

	sched := scheduler.New(scheduler.Options{
		Store:  stores.Timers,
		Config: scheduler.DefaultConfig(),
		Clock:  fake,
		Logger: log,
	})
	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sched.Stop()
	})

	coord := coordinator.New(coordinator.Options{
		Stores:    stores,
		Quotes:    quotes,
		Chain:     chain,
		Preflight: validator,
		Scheduler: sched,
		Vault:     vault,
		Operator:  operator,
		Config:    coordinator.Config{SubmitInterval: time.Millisecond},
		Clock:     fake,
		Logger:    log,
		OnChange:  hub.Publish,
	})

	return &fixture{
		chain:  chain,
		quotes: quotes,
		stores: stores,
		clock:  fake,
		sched:  sched,
		coord:  coord,
		hub:    hub,
		vault:  vault,
		user:   user,
		probe:  pcfg.ProbeAmount,
	}
}

func (f *fixture) engine(t *testing.T, requirePayment bool) *Engine {
	t.Helper()
	e := New(Options{
		Stores:         f.stores,
		Coordinator:    f.coord,
		Scheduler:      f.sched,
		Chain:          f.chain,
		Hub:            f.hub,
		VaultAddress:   f.vault.Address(),
		RequirePayment: requirePayment,
		Clock:          f.clock,
		Logger:         quietLogger(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

// pay transfers lamports from the user to the vault and returns the confirmed signature.
func (f *fixture) pay(t *testing.T, lamports uint64) string {
	t.Helper()
	ctx := context.Background()
	utx, err := f.chain.BuildTransfer(ctx, f.user.Address(), f.vault.Address(), lamports)
	require.NoError(t, err)
	signed, err := f.user.Sign(ctx, utx.Tx)
	require.NoError(t, err)
	sig, err := f.chain.SendSignedTransaction(ctx, signed)
	require.NoError(t, err)
	return sig
}

func (f *fixture) config(mode domain.SessionMode, makers int) domain.SessionConfig {
	return domain.SessionConfig{
		TokenMint:      testMint,
		Mode:           mode,
		Makers:         makers,
		SolBudget:      int64(makers) * share,
		RuntimeMinutes: 30,
		SlippageBps:    100,
		UserWallet:     f.user.Address(),
	}
}

func progress(t *testing.T, e *Engine, id string) *Progress {
	t.Helper()
	p, err := e.GetProgress(context.Background(), id)
	require.NoError(t, err)
	return p
}

func waitPhase(t *testing.T, e *Engine, id string, phase domain.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return progress(t, e, id).Phase == phase
	}, 10*time.Second, 5*time.Millisecond, "session did not reach %s", phase)
}

// collectAll advances the fake clock through the collection window until the session ends.
func (f *fixture) collectAll(t *testing.T, e *Engine, id string) *Progress {
	t.Helper()
	var p *Progress
	require.Eventually(t, func() bool {
		f.clock.Advance(30 * time.Second)
		p = progress(t, e, id)
		return p.Phase.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)
	return p
}

func TestStartSession_ThreeWalletsOneNoRoute(t *testing.T) {
	f := newFixture(t)
	var probes atomic.Int32
	f.quotes.QuoteHook = func(in, _ string, amount uint64) bool {
		if in == testMint && amount == f.probe {
			// Centralized wallets trade in order; the third probe is wallet 1's buy.
			return probes.Add(1) != 3
		}
		return true
	}
	e := f.engine(t, true)

	cfg := f.config(domain.ModeCentralized, 3)
	cfg.PaymentSignature = f.pay(t, uint64(cfg.SolBudget))
	id, err := e.StartSession(context.Background(), cfg)
	require.NoError(t, err)

	waitPhase(t, e, id, domain.PhaseCollecting)
	p := progress(t, e, id)
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, 0, p.Completed)
	assert.Equal(t, 2, p.Succeeded)
	assert.Equal(t, 1, p.Failed)
	assert.Empty(t, p.Error)

	require.Eventually(t, func() bool {
		return progress(t, e, id).NextEvent != nil
	}, 5*time.Second, 5*time.Millisecond)
	p = progress(t, e, id)
	assert.GreaterOrEqual(t, p.NextFireIn, int64(scheduler.DefaultJitterMin/time.Millisecond))
	assert.Equal(t, &AmountRange{Min: share, Max: share}, p.AmountRange)

	p = f.collectAll(t, e, id)
	assert.Equal(t, domain.PhaseCompleted, p.Phase)
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, domain.DistributionCompleted, p.Distribution)

	records, err := e.GetLedger(context.Background(), id)
	require.NoError(t, err)
	payment := findType(records, domain.TxTypeUserPayment)
	require.NotNil(t, payment)
	assert.Equal(t, cfg.SolBudget, payment.Amount)
	assert.Equal(t, cfg.PaymentSignature, payment.Signature)
	assert.Equal(t, f.vault.Address(), payment.To)
	assert.Equal(t, 2, countType(records, domain.TxTypeProfitCollection))
	assert.Equal(t, 1, countType(records, domain.TxTypeFinalTransfer))

	st, err := e.GetStatement(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, st.Wallets, 3)
	assert.True(t, st.Reconciliation.Balanced)
	require.NotNil(t, st.Distribution)
	assert.Equal(t, domain.DistributionCompleted, st.Distribution.Status)
}

func TestStartSession_RejectsInvalidConfig(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, true)

	cfg := f.config(domain.ModeIndependent, 0)
	cfg.SolBudget = share
	cfg.UserWallet = "not-an-address"
	cfg.SlippageBps = 9000

	_, err := e.StartSession(context.Background(), cfg)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reasons, "makers is required")
	assert.Contains(t, verr.Reasons, "slippage_bps must be at most 5000")
	assert.Contains(t, verr.Reasons, "payment_signature is required")
	assert.Len(t, verr.Reasons, 4)

	running, err := f.stores.Sessions.ListByStatus(context.Background(), domain.SessionStatusRunning)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestStartSession_RejectsSmallWalletBudget(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, false)

	cfg := f.config(domain.ModeIndependent, 10)
	cfg.SolBudget = 100_000_000

	_, err := e.StartSession(context.Background(), cfg)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Reasons, 1)
	assert.Contains(t, verr.Reasons[0], "per-wallet budget 0.01 SOL")
}

func TestStartSession_UnconfirmedPayment(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, true)

	cfg := f.config(domain.ModeIndependent, 2)
	cfg.PaymentSignature = "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"

	_, err := e.StartSession(context.Background(), cfg)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reasons[0], "is not confirmed")
}

func TestStopSession(t *testing.T) {
	f := newFixture(t)
	f.chain.Withhold = true
	e := f.engine(t, false)

	id, err := e.StartSession(context.Background(), f.config(domain.ModeIndependent, 2))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.chain.Sent() >= 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, e.StopSession(context.Background(), id))

	p := progress(t, e, id)
	assert.Equal(t, domain.PhaseStopped, p.Phase)
	assert.Equal(t, domain.SessionStatusStopped, p.Status)
	assert.False(t, p.Running)
	assert.Empty(t, p.Error)

	err = e.StopSession(context.Background(), id)
	assert.ErrorIs(t, err, ErrFinished)
}

// movedOnStop reports a concurrent phase change when a session is stopped.
type movedOnStop struct {
	storage.SessionStore
}

func (m movedOnStop) Transition(ctx context.Context, id string, from, to domain.Phase, status domain.SessionStatus, reason string, at time.Time) error {
	if to == domain.PhaseStopped {
		return storage.ErrConflict
	}
	return m.SessionStore.Transition(ctx, id, from, to, status, reason, at)
}

func TestStopSession_ConcurrentPhaseChange(t *testing.T) {
	f := newFixture(t)
	f.chain.Withhold = true
	stores := f.stores
	stores.Sessions = movedOnStop{SessionStore: f.stores.Sessions}
	f.stores = stores
	e := f.engine(t, false)

	id, err := e.StartSession(context.Background(), f.config(domain.ModeIndependent, 2))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.chain.Sent() >= 1 }, 5*time.Second, time.Millisecond)

	err = e.StopSession(context.Background(), id)
	require.ErrorIs(t, err, coordinator.ErrSessionMoved)
	assert.NotErrorIs(t, err, storage.ErrConflict)
}

func TestResume_ContinuesAfterShutdown(t *testing.T) {
	f := newFixture(t)
	f.chain.Withhold = true
	first := f.engine(t, false)

	id, err := first.StartSession(context.Background(), f.config(domain.ModeIndependent, 2))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.chain.Sent() >= 1 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.Shutdown(ctx))
	assert.Equal(t, domain.PhaseFunding, progress(t, first, id).Phase)
	assert.Equal(t, domain.SessionStatusRunning, progress(t, first, id).Status)

	// The broadcast from the interrupted run never lands.
	f.chain.Drop()
	f.chain.Withhold = false

	second := f.engine(t, false)
	n, err := second.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	waitPhase(t, second, id, domain.PhaseCollecting)
	p := f.collectAll(t, second, id)
	assert.Equal(t, domain.PhaseCompleted, p.Phase)

	records, err := second.GetLedger(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, countType(records, domain.TxTypeWalletFunding))
}

func TestGetProgress_UnknownSession(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, false)

	_, err := e.GetProgress(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = e.GetLedger(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestErrorClass(t *testing.T) {
	assert.Empty(t, errorClass(&domain.Session{Status: domain.SessionStatusRunning}))
	assert.Equal(t, "FailureThreshold", errorClass(&domain.Session{
		Status:        domain.SessionStatusFailed,
		FailureReason: "FailureThreshold: 2 of 3 wallets failed",
	}))
	assert.Equal(t, "InternalError", errorClass(&domain.Session{
		Status:        domain.SessionStatusFailed,
		FailureReason: "something odd",
	}))
}

func countType(records []*domain.TransactionRecord, typ domain.TransactionType) int {
	n := 0
	for _, r := range records {
		if r.Type == typ {
			n++
		}
	}
	return n
}

func findType(records []*domain.TransactionRecord, typ domain.TransactionType) *domain.TransactionRecord {
	for _, r := range records {
		if r.Type == typ {
			return r
		}
	}
	return nil
}
