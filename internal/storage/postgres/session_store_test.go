package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
)

func TestSessionStore_InsertAndGetByID(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	want := createTestSession(t, ctx, pool, "sess-1")

	store := NewSessionStore(pool)
	got, err := store.GetByID(ctx, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Phase, got.Phase)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.Config, got.Config)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))

	err = store.Insert(ctx, want)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionStore_Transition(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	createTestSession(t, ctx, pool, "sess-1")
	store := NewSessionStore(pool)
	at := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

	err := store.Transition(ctx, "sess-1", domain.PhaseFunding, domain.PhaseTrading, domain.SessionStatusRunning, "", at)
	require.NoError(t, err)

	// Stale from phase loses the compare-and-set.
	err = store.Transition(ctx, "sess-1", domain.PhaseFunding, domain.PhaseFailed, domain.SessionStatusFailed, "late", at)
	assert.ErrorIs(t, err, storage.ErrConflict)

	err = store.Transition(ctx, "missing", domain.PhaseFunding, domain.PhaseTrading, domain.SessionStatusRunning, "", at)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = store.Transition(ctx, "sess-1", domain.PhaseTrading, domain.PhaseFailed, domain.SessionStatusFailed, "too many failed wallets", at)
	require.NoError(t, err)

	got, err := store.GetByID(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, got.Phase)
	assert.Equal(t, domain.SessionStatusFailed, got.Status)
	assert.Equal(t, "too many failed wallets", got.FailureReason)
	assert.True(t, at.Equal(got.UpdatedAt))
}

func TestSessionStore_ListByStatusAndProfit(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	createTestSession(t, ctx, pool, "sess-a")
	createTestSession(t, ctx, pool, "sess-b")
	store := NewSessionStore(pool)
	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

	require.NoError(t, store.Transition(ctx, "sess-b", domain.PhaseFunding, domain.PhaseStopped, domain.SessionStatusStopped, "", at))
	require.NoError(t, store.UpdateProfit(ctx, "sess-a", -12_500, at))

	running, err := store.ListByStatus(ctx, domain.SessionStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "sess-a", running[0].ID)
	assert.Equal(t, int64(-12_500), running[0].TotalProfit)

	assert.ErrorIs(t, store.UpdateProfit(ctx, "missing", 1, at), storage.ErrNotFound)
}
