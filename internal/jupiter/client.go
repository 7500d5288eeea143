// Package jupiter is a client for the Jupiter v6 swap aggregator API.
package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"solana-settlement/internal/observability"
	"solana-settlement/internal/solana"
)

// Default configuration values.
const (
	DefaultEndpoint    = "https://quote-api.jup.ag/v6"
	DefaultTimeout     = 15 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	DefaultBackoffMult = 2.0
)

// Quote is a priced route. Raw keeps the aggregator's response so it can be passed back
// unchanged when requesting the swap transaction.
type Quote struct {
	InputMint      string
	OutputMint     string
	InAmount       uint64
	OutAmount      uint64
	MinOutAmount   uint64
	SlippageBps    int
	PriceImpactPct decimal.Decimal
	ContextSlot    int64
	Raw            json.RawMessage
}

// Client implements the quote gateway over HTTP.
type Client struct {
	endpoint    string
	apiKey      string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithAPIKey sets the x-api-key header for paid tiers.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// NewClient creates a new aggregator client. An empty endpoint uses DefaultEndpoint.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &Client{
		endpoint:    strings.TrimRight(endpoint, "/"),
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiError is a non-retryable error response from the aggregator.
type apiError struct {
	Status    int
	ErrorCode string `json:"errorCode"`
	Message   string `json:"error"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("jupiter error %d %s: %s", e.Status, e.ErrorCode, e.Message)
}

// noRoute reports whether the aggregator answered that no route exists.
func (e *apiError) noRoute() bool {
	switch e.ErrorCode {
	case "COULD_NOT_FIND_ANY_ROUTE", "NO_ROUTES_FOUND", "TOKEN_NOT_TRADABLE":
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "no route") ||
		strings.Contains(strings.ToLower(e.Message), "could not find any route")
}

// do performs a request with retries and exponential backoff.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, result interface{}) error {
	start := time.Now()
	defer func() {
		observability.RecordAggregatorLatency(op, time.Since(start).Seconds())
	}()

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("x-api-key", c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited (429)")
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("server error %d: %s", resp.StatusCode, string(respBody))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			apiErr := &apiError{Status: resp.StatusCode}
			if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Message == "" {
				apiErr.Message = string(respBody)
			}
			return apiErr
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// quoteResponse is the subset of the /quote response the engine reads.
type quoteResponse struct {
	InputMint            string `json:"inputMint"`
	InAmount             string `json:"inAmount"`
	OutputMint           string `json:"outputMint"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SlippageBps          int    `json:"slippageBps"`
	PriceImpactPct       string `json:"priceImpactPct"`
	ContextSlot          int64  `json:"contextSlot"`
}

// GetQuote returns the best route for amount of inputMint into outputMint.
// A missing route is reported as (nil, nil).
func (c *Client) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*Quote, error) {
	q := url.Values{}
	q.Set("inputMint", inputMint)
	q.Set("outputMint", outputMint)
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.Itoa(slippageBps))

	var raw json.RawMessage
	err := c.do(ctx, "quote", http.MethodGet, "/quote?"+q.Encode(), nil, &raw)
	if err != nil {
		if apiErr, ok := err.(*apiError); ok && apiErr.noRoute() {
			return nil, nil
		}
		return nil, err
	}

	var resp quoteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal quote: %w", err)
	}
	return parseQuote(&resp, raw)
}

func parseQuote(resp *quoteResponse, raw json.RawMessage) (*Quote, error) {
	inAmount, err := strconv.ParseUint(resp.InAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse inAmount %q: %w", resp.InAmount, err)
	}
	outAmount, err := strconv.ParseUint(resp.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse outAmount %q: %w", resp.OutAmount, err)
	}
	minOut := outAmount
	if resp.OtherAmountThreshold != "" {
		if minOut, err = strconv.ParseUint(resp.OtherAmountThreshold, 10, 64); err != nil {
			return nil, fmt.Errorf("parse otherAmountThreshold %q: %w", resp.OtherAmountThreshold, err)
		}
	}
	impact := decimal.Zero
	if resp.PriceImpactPct != "" {
		if impact, err = decimal.NewFromString(resp.PriceImpactPct); err != nil {
			return nil, fmt.Errorf("parse priceImpactPct %q: %w", resp.PriceImpactPct, err)
		}
	}

	return &Quote{
		InputMint:      resp.InputMint,
		OutputMint:     resp.OutputMint,
		InAmount:       inAmount,
		OutAmount:      outAmount,
		MinOutAmount:   minOut,
		SlippageBps:    resp.SlippageBps,
		PriceImpactPct: impact,
		ContextSlot:    resp.ContextSlot,
		Raw:            raw,
	}, nil
}

type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports string          `json:"prioritizationFeeLamports,omitempty"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// GetSwapTransaction returns the unsigned swap transaction for quote paid by payer.
// An empty transaction is reported as (nil, nil).
func (c *Client) GetSwapTransaction(ctx context.Context, quote *Quote, payer string) (*solana.UnsignedTx, error) {
	if quote == nil || len(quote.Raw) == 0 {
		return nil, fmt.Errorf("quote has no raw response")
	}

	body, err := json.Marshal(swapRequest{
		QuoteResponse:             quote.Raw,
		UserPublicKey:             payer,
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: "auto",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal swap request: %w", err)
	}

	var resp swapResponse
	if err := c.do(ctx, "swap", http.MethodPost, "/swap", body, &resp); err != nil {
		return nil, err
	}
	if resp.SwapTransaction == "" {
		return nil, nil
	}

	tx, err := base64.StdEncoding.DecodeString(resp.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("decode swap transaction: %w", err)
	}
	return &solana.UnsignedTx{Tx: tx, LastValidBlockHeight: resp.LastValidBlockHeight}, nil
}
