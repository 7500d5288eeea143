package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
)

func TestLedgerStore_AppendAndGet(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(conn)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []*domain.TransactionRecord{
		{ID: "rec-2", SessionID: "sess-1", Type: domain.TxTypeWalletFunding, Amount: 480_000_000, WalletIndex: ptr(0), Signature: "sig-2", Timestamp: base.Add(time.Second)},
		{ID: "rec-1", SessionID: "sess-1", Type: domain.TxTypeUserPayment, Amount: 1_500_000_000, From: "user", To: "vault", Timestamp: base},
		{ID: "rec-3", SessionID: "sess-1", Type: domain.TxTypeProfitCollection, Amount: -4_000, WalletIndex: ptr(0), Signature: "sig-3", Timestamp: base.Add(time.Minute)},
		{ID: "rec-x", SessionID: "sess-2", Type: domain.TxTypeUserPayment, Amount: 7, Timestamp: base},
	}
	for _, r := range records {
		require.NoError(t, store.Append(ctx, r))
	}
	assert.ErrorIs(t, store.Append(ctx, records[0]), storage.ErrDuplicateKey)

	got, err := store.GetBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "rec-1", got[0].ID)
	assert.Nil(t, got[0].WalletIndex)
	assert.True(t, base.Equal(got[0].Timestamp))
	assert.Equal(t, "rec-3", got[2].ID)
	require.NotNil(t, got[2].WalletIndex)
	assert.Equal(t, 0, *got[2].WalletIndex)
	assert.Equal(t, int64(-4_000), got[2].Amount)
}

func TestLedgerStore_FlowsBySession(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(conn)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, amount := range []int64{100, 250, -50} {
		require.NoError(t, store.Append(ctx, &domain.TransactionRecord{
			ID:          string(rune('a' + i)),
			SessionID:   "sess-1",
			Type:        domain.TxTypeProfitCollection,
			Amount:      amount,
			WalletIndex: ptr(i),
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	flows, err := store.FlowsBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, domain.TxTypeProfitCollection, flows[0].Type)
	assert.Equal(t, int64(300), flows[0].Total)
	assert.Equal(t, uint64(3), flows[0].Entries)
}
