package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
)

func TestTimerStore_MarkFiredOnce(t *testing.T) {
	store := NewTimerStore()
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	err := store.InsertBulk(ctx, []*domain.CollectionTimer{
		{SessionID: "s1", WalletIndex: 1, ScheduledTime: at.Add(time.Minute)},
		{SessionID: "s1", WalletIndex: 0, ScheduledTime: at.Add(30 * time.Second)},
	})
	if err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	if err := store.MarkFired(ctx, "s1", 0, at); err != nil {
		t.Fatalf("MarkFired failed: %v", err)
	}
	if err := store.MarkFired(ctx, "s1", 0, at); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("Expected ErrConflict on second fire, got %v", err)
	}
	if err := store.MarkFired(ctx, "s1", 9, at); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	profit := int64(-250)
	if err := store.RecordOutcome(ctx, "s1", 0, &profit, false); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	timers, _ := store.GetBySession(ctx, "s1")
	if len(timers) != 2 || timers[0].WalletIndex != 0 {
		t.Fatalf("Expected 2 timers ordered by index, got %+v", timers)
	}
	if !timers[0].Completed || timers[0].CollectionTime == nil || !timers[0].CollectionTime.Equal(at) {
		t.Errorf("timer 0 not marked completed: %+v", timers[0])
	}
	if timers[0].ProfitOrZero() != -250 {
		t.Errorf("Profit mismatch: got %d, want -250", timers[0].ProfitOrZero())
	}
	if timers[1].Completed {
		t.Error("timer 1 should still be pending")
	}
}

func TestTimerStore_InsertBulkDuplicate(t *testing.T) {
	store := NewTimerStore()
	ctx := context.Background()

	batch := []*domain.CollectionTimer{
		{SessionID: "s1", WalletIndex: 0},
		{SessionID: "s1", WalletIndex: 0},
	}
	if err := store.InsertBulk(ctx, batch); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}

	timers, _ := store.GetBySession(ctx, "s1")
	if len(timers) != 0 {
		t.Errorf("Expected no timers after failed batch, got %d", len(timers))
	}
}
