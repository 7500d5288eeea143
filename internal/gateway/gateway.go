// Package gateway defines the narrow interfaces the settlement engine consumes from the
// swap aggregator, the cluster and wallet signers.
package gateway

import (
	"context"

	"solana-settlement/internal/jupiter"
	"solana-settlement/internal/solana"
)

// QuoteGateway prices routes and builds swap transactions. Both calls report a missing
// route as (nil, nil); that is an expected outcome, not an error.
type QuoteGateway interface {
	GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*jupiter.Quote, error)
	GetSwapTransaction(ctx context.Context, quote *jupiter.Quote, payer string) (*solana.UnsignedTx, error)
}

// ChainGateway reads balances, broadcasts and confirms transactions.
type ChainGateway interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
	GetTokenBalance(ctx context.Context, address, mint string) (*solana.TokenBalance, error)
	SendSignedTransaction(ctx context.Context, tx []byte) (string, error)
	// Confirm blocks until the signature is confirmed, fails, or its blockhash expires.
	Confirm(ctx context.Context, signature string, lastValidBlockHeight uint64) (*solana.ConfirmResult, error)
	// GetSignatureStatus returns nil when the cluster does not know the signature.
	GetSignatureStatus(ctx context.Context, signature string) (*solana.SignatureStatus, error)
	// GetBlockHeight returns the current block height, compared against a transaction's
	// last valid block height to tell whether it can still land.
	GetBlockHeight(ctx context.Context) (uint64, error)
	BuildTransfer(ctx context.Context, from, to string, lamports uint64) (*solana.UnsignedTx, error)
}

// Signer signs serialized transactions. A decline returns domain.ErrSignerRejected.
type Signer interface {
	Sign(ctx context.Context, tx []byte) ([]byte, error)
}

// Wallet is a signer with a known address.
type Wallet interface {
	Signer
	Address() string
}

var (
	_ QuoteGateway = (*jupiter.Client)(nil)
	_ ChainGateway = (*solana.Chain)(nil)
	_ Wallet       = (*solana.Keypair)(nil)
)
