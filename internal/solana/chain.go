package solana

import (
	"context"
	"fmt"
	"time"
)

// DefaultConfirmPollInterval is how often signature status is polled while confirming.
const DefaultConfirmPollInterval = 2 * time.Second

// Chain is the settlement engine's view of the cluster: balance reads, broadcast and
// confirmation. Confirmation polls getSignatureStatuses and, when a WebSocket client is
// attached, also listens for signatureNotification to return early.
type Chain struct {
	rpc          RPCClient
	ws           WSClient
	pollInterval time.Duration
}

// ChainOption configures Chain.
type ChainOption func(*Chain)

// WithWSClient attaches a WebSocket client used for signature subscriptions.
func WithWSClient(ws WSClient) ChainOption {
	return func(c *Chain) {
		c.ws = ws
	}
}

// WithPollInterval sets the status polling interval.
func WithPollInterval(d time.Duration) ChainOption {
	return func(c *Chain) {
		c.pollInterval = d
	}
}

// NewChain creates a Chain over an RPC client.
func NewChain(rpc RPCClient, opts ...ChainOption) *Chain {
	c := &Chain{
		rpc:          rpc,
		pollInterval: DefaultConfirmPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetBalance returns the lamport balance of address.
func (c *Chain) GetBalance(ctx context.Context, address string) (uint64, error) {
	return c.rpc.GetBalance(ctx, address)
}

// GetTokenBalance returns the token balance owned by address for mint.
// The native mint reports the SOL balance in lamports with 9 decimals.
func (c *Chain) GetTokenBalance(ctx context.Context, address, mint string) (*TokenBalance, error) {
	if mint == NativeMint {
		lamports, err := c.rpc.GetBalance(ctx, address)
		if err != nil {
			return nil, err
		}
		return &TokenBalance{Amount: lamports, Decimals: 9}, nil
	}
	return c.rpc.GetTokenBalance(ctx, address, mint)
}

// SendSignedTransaction broadcasts a fully signed transaction.
func (c *Chain) SendSignedTransaction(ctx context.Context, tx []byte) (string, error) {
	return c.rpc.SendTransaction(ctx, tx)
}

// GetSignatureStatus returns the status of signature, nil if unknown.
func (c *Chain) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	return c.rpc.GetSignatureStatus(ctx, signature)
}

// GetBlockHeight returns the current block height.
func (c *Chain) GetBlockHeight(ctx context.Context) (uint64, error) {
	return c.rpc.GetBlockHeight(ctx)
}

// BuildTransfer builds an unsigned system transfer on a fresh blockhash.
func (c *Chain) BuildTransfer(ctx context.Context, from, to string, lamports uint64) (*UnsignedTx, error) {
	bh, err := c.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("get latest blockhash: %w", err)
	}
	tx, err := NewTransferTransaction(from, to, lamports, bh.Blockhash)
	if err != nil {
		return nil, err
	}
	return &UnsignedTx{Tx: tx, LastValidBlockHeight: bh.LastValidBlockHeight}, nil
}

// Confirm waits until signature reaches the configured commitment, fails on chain, or its
// blockhash expires. lastValidBlockHeight of zero disables the expiry check.
// Only RPC failures and context cancellation are returned as errors.
func (c *Chain) Confirm(ctx context.Context, signature string, lastValidBlockHeight uint64) (*ConfirmResult, error) {
	var notify <-chan SignatureNotification
	if c.ws != nil {
		// Subscription failures fall back to polling.
		if ch, err := c.ws.SubscribeSignature(ctx, signature); err == nil {
			notify = ch
		}
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.rpc.GetSignatureStatus(ctx, signature)
		if err != nil {
			return nil, fmt.Errorf("get signature status: %w", err)
		}
		if status != nil && status.Err != nil {
			return &ConfirmResult{OK: false, Err: fmt.Sprintf("transaction failed: %v", status.Err)}, nil
		}
		if status.IsConfirmed() {
			return &ConfirmResult{OK: true}, nil
		}

		if status == nil && lastValidBlockHeight > 0 {
			height, err := c.rpc.GetBlockHeight(ctx)
			if err != nil {
				return nil, fmt.Errorf("get block height: %w", err)
			}
			if height > lastValidBlockHeight {
				return &ConfirmResult{OK: false, Err: "blockhash expired"}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case n, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
			if n.Err != nil {
				return &ConfirmResult{OK: false, Err: fmt.Sprintf("transaction failed: %v", n.Err)}, nil
			}
			return &ConfirmResult{OK: true}, nil
		case <-ticker.C:
		}
	}
}
