package solana

import "context"

// RPCClient defines the Solana RPC HTTP methods used by the settlement engine.
type RPCClient interface {
	// GetBalance returns the lamport balance of an account.
	GetBalance(ctx context.Context, address string) (uint64, error)

	// GetTokenBalance returns the summed balance of all token accounts of owner for mint.
	GetTokenBalance(ctx context.Context, owner, mint string) (*TokenBalance, error)

	// SendTransaction broadcasts a signed serialized transaction and returns its signature.
	SendTransaction(ctx context.Context, signedTx []byte) (string, error)

	// GetSignatureStatus returns the status of a signature, or nil if unknown.
	GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)

	// GetBlockHeight returns the current block height.
	GetBlockHeight(ctx context.Context) (uint64, error)

	// GetLatestBlockhash returns a recent blockhash and its expiry height.
	GetLatestBlockhash(ctx context.Context) (*Blockhash, error)
}
