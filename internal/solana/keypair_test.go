package solana

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/mr-tron/base58"
)

func TestKeypair_RoundTrip(t *testing.T) {
	kp, err := NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}

	parsed, err := KeypairFromBase58(kp.SecretBase58())
	if err != nil {
		t.Fatalf("KeypairFromBase58: %v", err)
	}
	if parsed.Address() != kp.Address() {
		t.Errorf("address mismatch: %s vs %s", parsed.Address(), kp.Address())
	}
	if !IsValidAddress(kp.Address()) {
		t.Errorf("generated address %s should be valid", kp.Address())
	}
	if !IsOnCurve(kp.Address()) {
		t.Errorf("generated address %s should be on curve", kp.Address())
	}
}

func TestKeypairFromBase58_Invalid(t *testing.T) {
	if _, err := KeypairFromBase58("not-base58-0OIl"); err == nil {
		t.Error("expected decode error")
	}
	if _, err := KeypairFromBase58(base58.Encode(make([]byte, 32))); err == nil {
		t.Error("expected length error for 32-byte secret")
	}
}

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		address string
		want    bool
	}{
		{SystemProgramID, true},
		{NativeMint, true},
		{"", false},
		{"abc", false},
		{"0OIl", false},
	}
	for _, tt := range tests {
		if got := IsValidAddress(tt.address); got != tt.want {
			t.Errorf("IsValidAddress(%q) = %v, want %v", tt.address, got, tt.want)
		}
	}
}

func TestIsOnCurve_RejectsNonPoint(t *testing.T) {
	// y = 2 has no valid x on the curve.
	raw := make([]byte, 32)
	raw[0] = 2
	if IsOnCurve(base58.Encode(raw)) {
		t.Error("expected off-curve for y=2")
	}
}

func TestKeypair_SignTransfer(t *testing.T) {
	kp, _ := NewKeypair()
	other, _ := NewKeypair()

	tx, err := NewTransferTransaction(kp.Address(), other.Address(), 1_000_000, SystemProgramID)
	if err != nil {
		t.Fatalf("NewTransferTransaction: %v", err)
	}

	signed, err := kp.Sign(context.Background(), tx)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	sig := signed[1:65]
	msg := signed[65:]
	if !ed25519.Verify(ed25519.PublicKey(kp.PublicKey()), msg, sig) {
		t.Error("signature does not verify")
	}

	// Input must stay unsigned.
	for _, b := range tx[1:65] {
		if b != 0 {
			t.Fatal("input transaction was modified")
		}
	}

	if _, err := other.Sign(context.Background(), tx); !errors.Is(err, ErrSignerNotInTransaction) {
		t.Errorf("expected ErrSignerNotInTransaction, got %v", err)
	}
}
