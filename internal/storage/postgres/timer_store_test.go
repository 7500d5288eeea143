package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-settlement/internal/storage"
)

func TestTimerStore_InsertAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	createTestSession(t, ctx, pool, "sess-1")
	store := NewTimerStore(pool)
	timers := testTimers("sess-1", 3)

	require.NoError(t, store.InsertBulk(ctx, timers))
	assert.ErrorIs(t, store.InsertBulk(ctx, timers[:1]), storage.ErrDuplicateKey)

	got, err := store.GetBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, timer := range got {
		assert.Equal(t, i, timer.WalletIndex)
		assert.True(t, timers[i].ScheduledTime.Equal(timer.ScheduledTime))
		assert.Equal(t, timers[i].RandomDelay, timer.RandomDelay)
		assert.False(t, timer.Completed)
		assert.Nil(t, timer.Profit)
	}
}

func TestTimerStore_MarkFiredOnce(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	createTestSession(t, ctx, pool, "sess-1")
	store := NewTimerStore(pool)
	require.NoError(t, store.InsertBulk(ctx, testTimers("sess-1", 1)))

	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.MarkFired(ctx, "sess-1", 0, at)
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, storage.ErrConflict)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	assert.ErrorIs(t, store.MarkFired(ctx, "sess-1", 7, at), storage.ErrNotFound)

	profit := int64(42_000)
	require.NoError(t, store.RecordOutcome(ctx, "sess-1", 0, &profit, false))

	got, err := store.GetBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Completed)
	require.NotNil(t, got[0].CollectionTime)
	assert.True(t, at.Equal(*got[0].CollectionTime))
	require.NotNil(t, got[0].Profit)
	assert.Equal(t, profit, *got[0].Profit)
}

func TestTimerStore_RecordFailure(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	createTestSession(t, ctx, pool, "sess-1")
	store := NewTimerStore(pool)
	require.NoError(t, store.InsertBulk(ctx, testTimers("sess-1", 1)))

	require.NoError(t, store.RecordOutcome(ctx, "sess-1", 0, nil, true))
	assert.ErrorIs(t, store.RecordOutcome(ctx, "sess-1", 3, nil, true), storage.ErrNotFound)

	got, err := store.GetBySession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, got[0].Failed)
	assert.Nil(t, got[0].Profit)
}
