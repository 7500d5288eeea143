package solana

import "context"

// WSClient defines Solana WebSocket subscription interface.
type WSClient interface {
	// SubscribeSignature waits for a transaction signature to reach the configured commitment.
	// The returned channel yields at most one notification and is then closed.
	SubscribeSignature(ctx context.Context, signature string) (<-chan SignatureNotification, error)

	// Close closes the WebSocket connection.
	Close() error
}

// SignatureNotification reports the outcome of a subscribed signature.
type SignatureNotification struct {
	Signature string
	Slot      int64
	Err       interface{}
}
