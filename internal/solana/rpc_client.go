package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"solana-settlement/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0
)

// HTTPClient implements RPCClient using HTTP JSON-RPC 2.0.
// Reads use confirmed commitment unless configured otherwise.
type HTTPClient struct {
	endpoint    string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	commitment  string
	requestID   atomic.Uint64
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithCommitment sets the commitment level used for reads.
func WithCommitment(commitment string) ClientOption {
	return func(c *HTTPClient) {
		c.commitment = commitment
	}
}

// NewHTTPClient creates a new Solana RPC HTTP client.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
		commitment:  CommitmentConfirmed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC 2.0 error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// call performs a JSON-RPC call with retries and exponential backoff.
func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	start := time.Now()
	defer func() {
		observability.RecordRPCLatency(method, time.Since(start).Seconds())
	}()

	reqID := c.requestID.Add(1)
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			// Exponential backoff
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		// Handle rate limiting
		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited (429)")
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("server error %d: %s", resp.StatusCode, string(respBody))
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("unmarshal response: %w", err)
			continue
		}

		if rpcResp.Error != nil {
			// RPC errors are not retried
			return rpcResp.Error
		}

		if result != nil && rpcResp.Result != nil {
			if err := json.Unmarshal(rpcResp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}

		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// GetBalance returns the lamport balance of an account.
func (c *HTTPClient) GetBalance(ctx context.Context, address string) (uint64, error) {
	params := []interface{}{
		address,
		map[string]interface{}{"commitment": c.commitment},
	}

	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// GetTokenBalance returns the summed balance of every token account owned by owner for mint.
// An owner without token accounts has a zero balance.
func (c *HTTPClient) GetTokenBalance(ctx context.Context, owner, mint string) (*TokenBalance, error) {
	params := []interface{}{
		owner,
		map[string]interface{}{"mint": mint},
		map[string]interface{}{
			"encoding":   "jsonParsed",
			"commitment": c.commitment,
		},
	}

	var result getTokenAccountsResult
	if err := c.call(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
		return nil, err
	}

	balance := &TokenBalance{}
	for _, acct := range result.Value {
		info := acct.Account.Data.Parsed.Info.TokenAmount
		amount, err := strconv.ParseUint(info.Amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse token amount %q: %w", info.Amount, err)
		}
		balance.Amount += amount
		balance.Decimals = info.Decimals
	}
	return balance, nil
}

// getTokenAccountsResult is the raw RPC response for getTokenAccountsByOwner (jsonParsed).
type getTokenAccountsResult struct {
	Value []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount struct {
							Amount   string `json:"amount"`
							Decimals uint8  `json:"decimals"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// SendTransaction broadcasts a signed transaction encoded as base64.
// Preflight simulation stays enabled so obviously invalid transactions fail fast.
func (c *HTTPClient) SendTransaction(ctx context.Context, signedTx []byte) (string, error) {
	params := []interface{}{
		base64.StdEncoding.EncodeToString(signedTx),
		map[string]interface{}{
			"encoding":            "base64",
			"preflightCommitment": c.commitment,
			"maxRetries":          0,
		},
	}

	var signature string
	if err := c.call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

// GetSignatureStatus returns the status of a signature, or nil if the node does not know it.
func (c *HTTPClient) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	params := []interface{}{
		[]string{signature},
		map[string]interface{}{"searchTransactionHistory": true},
	}

	var result struct {
		Value []*getSignatureStatusValue `json:"value"`
	}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}

	if len(result.Value) == 0 || result.Value[0] == nil {
		return nil, nil
	}

	v := result.Value[0]
	return &SignatureStatus{
		Slot:               v.Slot,
		Confirmations:      v.Confirmations,
		Err:                v.Err,
		ConfirmationStatus: v.ConfirmationStatus,
	}, nil
}

type getSignatureStatusValue struct {
	Slot               int64       `json:"slot"`
	Confirmations      *int64      `json:"confirmations"`
	Err                interface{} `json:"err"`
	ConfirmationStatus string      `json:"confirmationStatus"`
}

// GetBlockHeight returns the current block height.
func (c *HTTPClient) GetBlockHeight(ctx context.Context) (uint64, error) {
	params := []interface{}{
		map[string]interface{}{"commitment": c.commitment},
	}

	var height uint64
	if err := c.call(ctx, "getBlockHeight", params, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetLatestBlockhash returns a recent blockhash for building transactions.
func (c *HTTPClient) GetLatestBlockhash(ctx context.Context) (*Blockhash, error) {
	params := []interface{}{
		map[string]interface{}{"commitment": c.commitment},
	}

	var result struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", params, &result); err != nil {
		return nil, err
	}

	return &Blockhash{
		Blockhash:            result.Value.Blockhash,
		LastValidBlockHeight: result.Value.LastValidBlockHeight,
	}, nil
}

// GetSlot retrieves the current slot.
func (c *HTTPClient) GetSlot(ctx context.Context) (int64, error) {
	var result int64
	if err := c.call(ctx, "getSlot", nil, &result); err != nil {
		return 0, err
	}
	return result, nil
}

var _ RPCClient = (*HTTPClient)(nil)
