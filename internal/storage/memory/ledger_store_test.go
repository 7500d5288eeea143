package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
)

func TestLedgerStore_AppendAndQuery(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	idx := 2

	records := []*domain.TransactionRecord{
		{ID: "r2", SessionID: "s1", Type: domain.TxTypeProfitCollection, Amount: 700, WalletIndex: &idx, Timestamp: base.Add(time.Second)},
		{ID: "r1", SessionID: "s1", Type: domain.TxTypeUserPayment, Amount: 1000, Timestamp: base},
		{ID: "r3", SessionID: "s2", Type: domain.TxTypeUserPayment, Amount: 5, Timestamp: base},
	}
	for _, r := range records {
		if err := store.Append(ctx, r); err != nil {
			t.Fatalf("Append %s failed: %v", r.ID, err)
		}
	}

	got, err := store.GetBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetBySession failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(got))
	}
	if got[0].ID != "r1" || got[1].ID != "r2" {
		t.Errorf("Expected timestamp order [r1 r2], got [%s %s]", got[0].ID, got[1].ID)
	}
	if got[1].WalletIndex == nil || *got[1].WalletIndex != 2 {
		t.Errorf("WalletIndex not preserved: %v", got[1].WalletIndex)
	}

	// Mutating the caller's record after append must not change the ledger.
	records[0].Amount = 1
	again, _ := store.GetBySession(ctx, "s1")
	if again[1].Amount != 700 {
		t.Error("ledger entry mutated after append")
	}
}

func TestLedgerStore_SameTimestampOrderedByID(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	for _, id := range []string{"c", "a", "b"} {
		r := &domain.TransactionRecord{ID: id, SessionID: "s1", Type: domain.TxTypeWalletFunding, Amount: 1, Timestamp: at}
		if err := store.Append(ctx, r); err != nil {
			t.Fatalf("Append %s failed: %v", id, err)
		}
	}

	got, _ := store.GetBySession(ctx, "s1")
	if len(got) != 3 || got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.ID
		}
		t.Errorf("Expected id order [a b c], got %v", ids)
	}
}

func TestLedgerStore_DuplicateID(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	r := &domain.TransactionRecord{ID: "r1", SessionID: "s1", Type: domain.TxTypeUserPayment}

	if err := store.Append(ctx, r); err != nil {
		t.Fatalf("First append failed: %v", err)
	}
	if err := store.Append(ctx, r); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestLedgerStore_InvalidInput(t *testing.T) {
	store := NewLedgerStore()

	err := store.Append(context.Background(), &domain.TransactionRecord{ID: "r1"})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestLedgerStore_ConcurrentAppends(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()

	const writers, perWriter = 16, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				store.Append(ctx, &domain.TransactionRecord{
					ID:        fmt.Sprintf("w%d-%d", w, i),
					SessionID: "s1",
					Type:      domain.TxTypeProfitCollection,
					Amount:    1,
				})
			}
		}(w)
	}
	wg.Wait()

	got, _ := store.GetBySession(ctx, "s1")
	if len(got) != writers*perWriter {
		t.Errorf("Expected %d records, got %d", writers*perWriter, len(got))
	}
	if sum := domain.SumByType(got, domain.TxTypeProfitCollection); sum != writers*perWriter {
		t.Errorf("Expected sum %d, got %d", writers*perWriter, sum)
	}
}
