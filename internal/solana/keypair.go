package solana

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Keypair is an ed25519 keypair addressed by its base58 public key.
type Keypair struct {
	private ed25519.PrivateKey
	address string
}

// NewKeypair generates a fresh random keypair.
func NewKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return keypairFromPrivate(priv), nil
}

// KeypairFromBase58 parses a base58-encoded 64-byte secret key.
func KeypairFromBase58(secret string) (*Keypair, error) {
	raw, err := base58.Decode(secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return keypairFromPrivate(ed25519.PrivateKey(raw)), nil
}

func keypairFromPrivate(priv ed25519.PrivateKey) *Keypair {
	pub := priv.Public().(ed25519.PublicKey)
	return &Keypair{
		private: priv,
		address: base58.Encode(pub),
	}
}

// Address returns the base58 public key.
func (k *Keypair) Address() string { return k.address }

// SecretBase58 returns the base58-encoded 64-byte secret key.
func (k *Keypair) SecretBase58() string { return base58.Encode(k.private) }

// PublicKey returns the raw 32-byte public key.
func (k *Keypair) PublicKey() []byte {
	return []byte(k.private.Public().(ed25519.PublicKey))
}

// Sign signs every signature slot belonging to this keypair in a serialized transaction.
// The context is unused; local signing cannot be declined.
func (k *Keypair) Sign(_ context.Context, tx []byte) ([]byte, error) {
	return SignTransaction(tx, k)
}

// DecodeAddress decodes a base58 public key into its 32 raw bytes.
func DecodeAddress(address string) ([]byte, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", address, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("address %q must be 32 bytes, got %d", address, len(raw))
	}
	return raw, nil
}

// IsValidAddress reports whether address is a well-formed base58 public key.
func IsValidAddress(address string) bool {
	_, err := DecodeAddress(address)
	return err == nil
}

// IsOnCurve reports whether address is a point on the ed25519 curve, i.e. an account
// that can sign. Program-derived addresses are off-curve.
func IsOnCurve(address string) bool {
	raw, err := DecodeAddress(address)
	if err != nil {
		return false
	}
	_, err = new(edwards25519.Point).SetBytes(raw)
	return err == nil
}
