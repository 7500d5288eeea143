// Package stub provides a scripted quote gateway backed by the stub cluster.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"solana-settlement/internal/jupiter"
	"solana-settlement/internal/solana"
	chainstub "solana-settlement/internal/solana/stub"
)

type pair struct{ in, out string }

type rate struct{ num, den uint64 }

// Gateway quotes at fixed rates and prepares swap transactions on the stub cluster.
// Unset pairs quote 1:1.
type Gateway struct {
	mu       sync.Mutex
	chain    *chainstub.Chain
	rates    map[pair]rate
	quotes   int
	swaps    int
	slippage map[int]int

	// PriceImpact is reported on every quote.
	PriceImpact decimal.Decimal
	// NoRoute makes every quote report no route.
	NoRoute bool
	// QuoteHook, when it returns false, reports no route for that call.
	QuoteHook func(inputMint, outputMint string, amount uint64) bool
	// QuoteErr is returned by every quote when set.
	QuoteErr error
	// SwapErr is returned by every swap transaction request when set.
	SwapErr error
}

// NewGateway creates a gateway over chain.
func NewGateway(chain *chainstub.Chain) *Gateway {
	return &Gateway{
		chain:       chain,
		rates:       make(map[pair]rate),
		slippage:    make(map[int]int),
		PriceImpact: decimal.Zero,
	}
}

// SetRate sets out = in × num / den for the pair.
func (g *Gateway) SetRate(inputMint, outputMint string, num, den uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rates[pair{inputMint, outputMint}] = rate{num, den}
}

// Quotes returns the number of quote calls.
func (g *Gateway) Quotes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quotes
}

// Slippages returns how many quotes were requested at each slippage tolerance.
func (g *Gateway) Slippages() map[int]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[int]int, len(g.slippage))
	for bps, n := range g.slippage {
		out[bps] = n
	}
	return out
}

// Swaps returns the number of swap transactions prepared.
func (g *Gateway) Swaps() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.swaps
}

// GetQuote implements the quote gateway.
func (g *Gateway) GetQuote(_ context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*jupiter.Quote, error) {
	g.mu.Lock()
	g.quotes++
	g.slippage[slippageBps]++
	r, ok := g.rates[pair{inputMint, outputMint}]
	hook := g.QuoteHook
	g.mu.Unlock()

	if g.QuoteErr != nil {
		return nil, g.QuoteErr
	}
	if g.NoRoute {
		return nil, nil
	}
	if hook != nil && !hook(inputMint, outputMint, amount) {
		return nil, nil
	}
	if !ok {
		r = rate{1, 1}
	}

	out := amount * r.num / r.den
	raw, _ := json.Marshal(map[string]string{
		"inputMint":  inputMint,
		"outputMint": outputMint,
		"inAmount":   strconv.FormatUint(amount, 10),
		"outAmount":  strconv.FormatUint(out, 10),
	})
	return &jupiter.Quote{
		InputMint:      inputMint,
		OutputMint:     outputMint,
		InAmount:       amount,
		OutAmount:      out,
		MinOutAmount:   out - out*uint64(slippageBps)/10_000,
		SlippageBps:    slippageBps,
		PriceImpactPct: g.PriceImpact,
		Raw:            raw,
	}, nil
}

// GetSwapTransaction implements the quote gateway. Landing the transaction debits the
// input and credits the quoted output to payer.
func (g *Gateway) GetSwapTransaction(_ context.Context, quote *jupiter.Quote, payer string) (*solana.UnsignedTx, error) {
	if g.SwapErr != nil {
		return nil, g.SwapErr
	}
	if quote == nil {
		return nil, fmt.Errorf("nil quote")
	}

	g.mu.Lock()
	g.swaps++
	g.mu.Unlock()

	return g.chain.Prepare(payer, []chainstub.Delta{
		{Address: payer, Mint: quote.InputMint, Amount: -int64(quote.InAmount)},
		{Address: payer, Mint: quote.OutputMint, Amount: int64(quote.OutAmount)},
	})
}
