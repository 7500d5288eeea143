package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// SubscribeTimeout bounds the wait for a subscription ID.
	SubscribeTimeout time.Duration
	// Commitment is the level a signature must reach before notifying.
	Commitment string
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SubscribeTimeout:  30 * time.Second,
		Commitment:        CommitmentConfirmed,
	}
}

// WSClientImpl implements WSClient using gorilla/websocket.
type WSClientImpl struct {
	endpoint string
	config   WSClientConfig

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	commitment string

	// subscriptions maps subscription ID to channel
	subs   map[int64]chan SignatureNotification
	subsMu sync.RWMutex

	// activeSignatures stores signatures for resubscription after reconnect
	activeSignatures   map[int64]string
	activeSignaturesMu sync.RWMutex

	// pendingSubs maps request ID to channel waiting for subscription ID
	pendingSubs   map[uint64]chan int64
	pendingSubsMu sync.Mutex

	// done signals shutdown
	done chan struct{}
	wg   sync.WaitGroup

	// reconnecting indicates reconnection in progress
	reconnecting atomic.Bool
}

// NewWSClient creates a new WebSocket client and connects to the endpoint.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig) (*WSClientImpl, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}

	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 30 * time.Second
	}
	if cfg.Commitment == "" {
		cfg.Commitment = CommitmentConfirmed
	}

	c := &WSClientImpl{
		endpoint:         endpoint,
		config:           cfg,
		commitment:       cfg.Commitment,
		subs:             make(map[int64]chan SignatureNotification),
		activeSignatures: make(map[int64]string),
		pendingSubs:      make(map[uint64]chan int64),
		done:             make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	// Start reader goroutine
	c.wg.Add(1)
	go c.readLoop()

	// Start ping goroutine
	c.wg.Add(1)
	go c.pingLoop()

	return c, nil
}

// connect establishes WebSocket connection.
func (c *WSClientImpl) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.conn = conn
	return nil
}

// SubscribeSignature subscribes to the confirmation of a single signature.
func (c *WSClientImpl) SubscribeSignature(ctx context.Context, signature string) (<-chan SignatureNotification, error) {
	subID, err := c.subscribeSignatureInternal(ctx, signature)
	if err != nil {
		return nil, err
	}

	// signatureSubscribe notifies once, so a single slot is enough
	ch := make(chan SignatureNotification, 1)
	c.subsMu.Lock()
	c.subs[subID] = ch
	c.subsMu.Unlock()

	// Store signature for resubscription after reconnect
	c.activeSignaturesMu.Lock()
	c.activeSignatures[subID] = signature
	c.activeSignaturesMu.Unlock()

	return ch, nil
}

// Close closes the WebSocket connection.
func (c *WSClientImpl) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	// Close all subscription channels
	c.subsMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()

	// Close pending subscription channels
	c.pendingSubsMu.Lock()
	for id, ch := range c.pendingSubs {
		close(ch)
		delete(c.pendingSubs, id)
	}
	c.pendingSubsMu.Unlock()

	c.wg.Wait()
	return nil
}

// readLoop reads messages from WebSocket and dispatches to subscribers.
func (c *WSClientImpl) readLoop() {
	defer c.wg.Done()

	reconnectDelay := c.config.ReconnectDelay

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}

			// Connection error - attempt reconnect with exponential backoff
			if !c.reconnecting.Swap(true) {
				go c.reconnect(reconnectDelay)
			}

			// Increase delay for next reconnect (exponential backoff)
			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > c.config.MaxReconnectDelay {
				reconnectDelay = c.config.MaxReconnectDelay
			}

			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		// Reset delay on successful read
		reconnectDelay = c.config.ReconnectDelay

		c.handleMessage(message)
	}
}

// reconnect attempts to reconnect and resubscribe.
func (c *WSClientImpl) reconnect(delay time.Duration) {
	defer c.reconnecting.Store(false)

	if c.closed.Load() {
		return
	}

	// Wait before reconnecting
	select {
	case <-c.done:
		return
	case <-time.After(delay):
	}

	// Close existing connection
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	// Attempt reconnect
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.connect(ctx); err != nil {
		// Reconnect failed, will retry on next read error
		return
	}

	// Resubscribe to all active subscriptions
	c.resubscribeAll()
}

// resubscribeAll resubscribes to all pending signatures after reconnect.
func (c *WSClientImpl) resubscribeAll() {
	c.activeSignaturesMu.RLock()
	signatures := make(map[int64]string, len(c.activeSignatures))
	for id, sig := range c.activeSignatures {
		signatures[id] = sig
	}
	c.activeSignaturesMu.RUnlock()

	c.subsMu.RLock()
	channels := make(map[int64]chan SignatureNotification, len(c.subs))
	for id, ch := range c.subs {
		channels[id] = ch
	}
	c.subsMu.RUnlock()

	for oldSubID, sig := range signatures {
		ch := channels[oldSubID]
		if ch == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		newSubID, err := c.subscribeSignatureInternal(ctx, sig)
		cancel()

		if err != nil {
			// Failed to resubscribe, keep old mapping
			continue
		}

		c.subsMu.Lock()
		delete(c.subs, oldSubID)
		c.subs[newSubID] = ch
		c.subsMu.Unlock()

		c.activeSignaturesMu.Lock()
		delete(c.activeSignatures, oldSubID)
		c.activeSignatures[newSubID] = sig
		c.activeSignaturesMu.Unlock()
	}
}

// subscribeSignatureInternal subscribes without storing channel/signature.
func (c *WSClientImpl) subscribeSignatureInternal(ctx context.Context, signature string) (int64, error) {
	if c.closed.Load() {
		return 0, fmt.Errorf("client closed")
	}

	reqID := c.requestID.Add(1)

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "signatureSubscribe",
		Params: []interface{}{
			signature,
			map[string]string{"commitment": string(c.commitment)},
		},
	}

	confirmCh := make(chan int64, 1)
	c.pendingSubsMu.Lock()
	c.pendingSubs[reqID] = confirmCh
	c.pendingSubsMu.Unlock()

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		c.dropPending(reqID)
		return 0, fmt.Errorf("not connected")
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := c.conn.WriteJSON(req)
	c.connMu.Unlock()

	if err != nil {
		c.dropPending(reqID)
		return 0, fmt.Errorf("write subscribe: %w", err)
	}

	timer := time.NewTimer(c.config.SubscribeTimeout)
	defer timer.Stop()

	select {
	case subID, ok := <-confirmCh:
		if !ok {
			return 0, fmt.Errorf("subscription rejected for %s", signature)
		}
		return subID, nil
	case <-timer.C:
		c.dropPending(reqID)
		return 0, fmt.Errorf("subscription timeout after %s", c.config.SubscribeTimeout)
	case <-c.done:
		return 0, fmt.Errorf("client closed")
	case <-ctx.Done():
		c.dropPending(reqID)
		return 0, ctx.Err()
	}
}

func (c *WSClientImpl) dropPending(reqID uint64) {
	c.pendingSubsMu.Lock()
	delete(c.pendingSubs, reqID)
	c.pendingSubsMu.Unlock()
}

// handleMessage processes incoming WebSocket message.
func (c *WSClientImpl) handleMessage(message []byte) {
	// Try to parse as subscription response first
	var resp wsSubscribeResponse
	if err := json.Unmarshal(message, &resp); err == nil && resp.Result > 0 {
		c.handleSubscribeResponse(&resp)
		return
	}

	// Try to parse as notification
	var notif wsNotification
	if err := json.Unmarshal(message, &notif); err == nil && notif.Method == "signatureNotification" {
		c.handleSignatureNotification(&notif)
		return
	}

	// Check for error response
	var errResp struct {
		JSONRPC string `json:"jsonrpc"`
		ID      uint64 `json:"id"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(message, &errResp); err == nil && errResp.Error != nil {
		c.pendingSubsMu.Lock()
		ch, ok := c.pendingSubs[errResp.ID]
		delete(c.pendingSubs, errResp.ID)
		c.pendingSubsMu.Unlock()
		if ok {
			close(ch)
		}
	}
}

// handleSubscribeResponse handles subscription confirmation.
func (c *WSClientImpl) handleSubscribeResponse(resp *wsSubscribeResponse) {
	c.pendingSubsMu.Lock()
	ch, ok := c.pendingSubs[resp.ID]
	if ok {
		delete(c.pendingSubs, resp.ID)
	}
	c.pendingSubsMu.Unlock()

	if ok {
		select {
		case ch <- resp.Result:
		default:
		}
	}
}

// handleSignatureNotification delivers the one-shot result and retires the subscription.
func (c *WSClientImpl) handleSignatureNotification(notif *wsNotification) {
	if notif.Params == nil {
		return
	}

	subID := notif.Params.Subscription

	c.activeSignaturesMu.Lock()
	sig := c.activeSignatures[subID]
	delete(c.activeSignatures, subID)
	c.activeSignaturesMu.Unlock()

	c.subsMu.Lock()
	ch, ok := c.subs[subID]
	delete(c.subs, subID)
	c.subsMu.Unlock()

	if !ok {
		return
	}

	n := SignatureNotification{
		Signature: sig,
		Err:       notif.Params.Result.Value.Err,
	}
	if notif.Params.Result.Context != nil {
		n.Slot = notif.Params.Result.Context.Slot
	}

	ch <- n
	close(ch)
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSClientImpl) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					// Connection might be dead, reader will handle reconnect
				}
			}
			c.connMu.Unlock()
		}
	}
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsSubscribeResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Result  int64  `json:"result"` // subscription ID
}

type wsNotification struct {
	JSONRPC string                `json:"jsonrpc"`
	Method  string                `json:"method"`
	Params  *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription int64                `json:"subscription"`
	Result       wsNotificationResult `json:"result"`
}

type wsNotificationResult struct {
	Context *wsContext       `json:"context"`
	Value   wsSignatureValue `json:"value"`
}

type wsContext struct {
	Slot int64 `json:"slot"`
}

type wsSignatureValue struct {
	Err interface{} `json:"err"`
}
