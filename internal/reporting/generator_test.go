package reporting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
	"solana-settlement/internal/storage/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

func setupTestData(t *testing.T) storage.Stores {
	t.Helper()
	ctx := context.Background()
	stores := memory.NewStores()

	sess := &domain.Session{
		ID:     "s1",
		Mode:   domain.ModeIndependent,
		Phase:  domain.PhaseCompleted,
		Status: domain.SessionStatusCompleted,
		Config: domain.SessionConfig{
			TokenMint: "mint1",
			Makers:    2,
			SolBudget: 100_000_000,
		},
		TotalProfit: -30_000,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
	if err := stores.Sessions.Insert(ctx, sess); err != nil {
		t.Fatalf("Insert session failed: %v", err)
	}

	wallets := []*domain.TradingWallet{
		{SessionID: "s1", Index: 0, Address: "w0", FundedAmount: 50_000_000, Volume: 60_000_000, Status: domain.WalletStatusConsolidated},
		{SessionID: "s1", Index: 1, Address: "w1", FundedAmount: 50_000_000, Status: domain.WalletStatusFailed, FailureReason: "ValidationError: no route"},
	}
	if err := stores.Wallets.InsertBulk(ctx, wallets); err != nil {
		t.Fatalf("Insert wallets failed: %v", err)
	}

	timers := []*domain.CollectionTimer{
		{SessionID: "s1", WalletIndex: 0, WalletAddress: "w0", ScheduledTime: testNow, AllocatedAmount: 50_000_000},
	}
	if err := stores.Timers.InsertBulk(ctx, timers); err != nil {
		t.Fatalf("Insert timers failed: %v", err)
	}
	if err := stores.Timers.MarkFired(ctx, "s1", 0, testNow); err != nil {
		t.Fatalf("MarkFired failed: %v", err)
	}
	profit := int64(-15_000)
	if err := stores.Timers.RecordOutcome(ctx, "s1", 0, &profit, false); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	records := []*domain.TransactionRecord{
		{ID: "r1", SessionID: "s1", Type: domain.TxTypeUserPayment, Amount: 100_000_000, Signature: "pay", Timestamp: testNow},
		{ID: "r2", SessionID: "s1", Type: domain.TxTypeWalletFunding, Amount: 50_000_000, WalletIndex: intPtr(0), Timestamp: testNow.Add(time.Second)},
		{ID: "r3", SessionID: "s1", Type: domain.TxTypeWalletFunding, Amount: 50_000_000, WalletIndex: intPtr(1), Timestamp: testNow.Add(2 * time.Second)},
		{ID: "r4", SessionID: "s1", Type: domain.TxTypeProfitCollection, Amount: -15_000, WalletIndex: intPtr(0), Timestamp: testNow.Add(3 * time.Second)},
	}
	for _, r := range records {
		if err := stores.Ledger.Append(ctx, r); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	return stores
}

func TestGenerate(t *testing.T) {
	stores := setupTestData(t)
	gen := NewGenerator(stores).WithClock(func() time.Time { return testNow })

	st, err := gen.Generate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(st.Wallets) != 2 {
		t.Fatalf("expected 2 wallet rows, got %d", len(st.Wallets))
	}
	if !st.Wallets[0].Collected || st.Wallets[0].Profit == nil || *st.Wallets[0].Profit != -15_000 {
		t.Errorf("wallet 0 should be collected with profit -15000, got %+v", st.Wallets[0])
	}
	if st.Wallets[1].Collected {
		t.Error("failed wallet should not be collected")
	}

	if len(st.Totals) != 3 {
		t.Fatalf("expected 3 ledger types, got %d", len(st.Totals))
	}
	if st.Totals[1].Type != domain.TxTypeWalletFunding || st.Totals[1].Count != 2 || st.Totals[1].Amount != 100_000_000 {
		t.Errorf("unexpected funding total: %+v", st.Totals[1])
	}

	if !st.Reconciliation.Balanced {
		t.Errorf("expected balanced reconciliation, got %+v", st.Reconciliation)
	}
	if st.Distribution != nil {
		t.Error("distribution should be nil before payout")
	}
}

func TestGenerate_UnknownSession(t *testing.T) {
	gen := NewGenerator(memory.NewStores())
	_, err := gen.Generate(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBuild_Mismatch(t *testing.T) {
	profit := int64(10)
	timers := []*domain.CollectionTimer{{WalletIndex: 0, Completed: true, Profit: &profit}}
	records := []*domain.TransactionRecord{{Type: domain.TxTypeProfitCollection, Amount: 7}}

	st := Build(&domain.Session{ID: "s"}, nil, timers, records, nil, testNow)
	if st.Reconciliation.Balanced {
		t.Error("expected mismatch")
	}
	if !strings.Contains(RenderMarkdown(st), "MISMATCH") {
		t.Error("markdown should flag the mismatch")
	}
}

func TestRenderMarkdown(t *testing.T) {
	stores := setupTestData(t)
	ctx := context.Background()
	done := testNow.Add(time.Hour)
	if err := stores.Distributions.Save(ctx, &domain.DistributionState{
		SessionID:   "s1",
		Amount:      99_980_000,
		Status:      domain.DistributionCompleted,
		Signature:   "payout",
		Attempts:    1,
		CompletedAt: &done,
	}); err != nil {
		t.Fatalf("Save distribution failed: %v", err)
	}

	st, err := NewGenerator(stores).WithClock(func() time.Time { return testNow }).Generate(ctx, "s1")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	md := RenderMarkdown(st)

	for _, want := range []string{
		"# Settlement Statement s1",
		"Generated: 2026-03-01T12:00:00Z",
		"| Budget | 0.1 |",
		"| 1 | w1 | failed | 0.05 | 0 | - | ValidationError: no route |",
		"| wallet_funding | 2 | 0.1 |",
		"**Balanced.**",
		"Status: completed | Amount: 0.09998 | Attempts: 1",
		"Signature: payout",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q", want)
		}
	}
}

func TestRenderLedgerCSV(t *testing.T) {
	records := []*domain.TransactionRecord{
		{ID: "r1", SessionID: "s1", Type: domain.TxTypeUserPayment, Amount: 100_000_000, From: "user", To: "vault", Signature: "pay", Timestamp: testNow},
		{ID: "r2", SessionID: "s1", Type: domain.TxTypeWalletFunding, Amount: -49_995_000, WalletIndex: intPtr(1), Timestamp: testNow},
	}

	lines := strings.Split(strings.TrimSpace(RenderLedgerCSV(records)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	if lines[1] != "r1,s1,user_payment,100000000,0.1,user,vault,,pay,2026-03-01T12:00:00Z" {
		t.Errorf("unexpected row: %s", lines[1])
	}
	if lines[2] != "r2,s1,wallet_funding,-49995000,-0.049995,,,1,,2026-03-01T12:00:00Z" {
		t.Errorf("unexpected row: %s", lines[2])
	}
}
