// Package stub provides an in-memory cluster for tests.
package stub

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"

	"solana-settlement/internal/solana"
)

// ErrInsufficientFunds is the on-chain error recorded when a transaction would overdraw.
var ErrInsufficientFunds = errors.New("insufficient funds")

// BlockhashValidity is how many blocks past the current height a prepared transaction
// stays valid.
const BlockhashValidity = 150

// Delta is one balance change applied when a transaction lands. Empty Mint means lamports.
type Delta struct {
	Address string
	Mint    string
	Amount  int64
}

type pendingTx struct {
	payer     string
	deltas    []Delta
	lastValid uint64
}

// Chain is an in-memory cluster. Transactions are prepared with their effects, signed by the
// caller, then land atomically on send unless withheld.
type Chain struct {
	mu       sync.Mutex
	balances map[string]uint64
	tokens   map[string]map[string]uint64
	decimals uint8

	prepared map[string]*pendingTx
	withheld map[string]*pendingTx
	statuses map[string]*solana.SignatureStatus
	changed  chan struct{}
	nonce    uint64
	slot     int64
	sent     int
	height   uint64
	maxValid uint64

	// SendHook runs before a transaction is accepted; an error rejects the broadcast.
	SendHook func(tx []byte) error
	// Withhold keeps accepted transactions from landing until Release is called.
	Withhold bool
	// HoldPayer withholds the transactions whose fee payer it returns true for. It runs
	// with the chain locked and must not call back into it.
	HoldPayer func(payer string) bool
	// StallConfirm makes Confirm block until its context ends for matching signatures,
	// even if the transaction landed.
	StallConfirm func(signature string) bool
	// HideStatus makes GetSignatureStatus report every signature as unknown.
	HideStatus bool
	// FastExpiry makes every GetBlockHeight call jump past the last valid height of all
	// transactions prepared so far, so withheld ones can no longer land.
	FastExpiry bool
}

// NewChain creates an empty cluster.
func NewChain() *Chain {
	return &Chain{
		balances: make(map[string]uint64),
		tokens:   make(map[string]map[string]uint64),
		decimals: 6,
		prepared: make(map[string]*pendingTx),
		withheld: make(map[string]*pendingTx),
		statuses: make(map[string]*solana.SignatureStatus),
		changed:  make(chan struct{}),
	}
}

// SetBalance sets the lamport balance of address.
func (c *Chain) SetBalance(address string, lamports uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[address] = lamports
}

// SetTokenBalance sets the token balance of owner for mint.
func (c *Chain) SetTokenBalance(owner, mint string, amount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens[owner] == nil {
		c.tokens[owner] = make(map[string]uint64)
	}
	c.tokens[owner][mint] = amount
}

// Balance returns the lamport balance of address without a context.
func (c *Chain) Balance(address string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[address]
}

// TokenBalance returns the token balance without a context.
func (c *Chain) TokenBalance(owner, mint string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[owner][mint]
}

// Sent returns the number of accepted broadcasts.
func (c *Chain) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// GetBalance implements the chain gateway.
func (c *Chain) GetBalance(_ context.Context, address string) (uint64, error) {
	return c.Balance(address), nil
}

// GetTokenBalance implements the chain gateway.
func (c *Chain) GetTokenBalance(_ context.Context, owner, mint string) (*solana.TokenBalance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mint == solana.NativeMint {
		return &solana.TokenBalance{Amount: c.balances[owner], Decimals: 9}, nil
	}
	return &solana.TokenBalance{Amount: c.tokens[owner][mint], Decimals: c.decimals}, nil
}

// Prepare builds an unsigned transaction paid by payer whose landing applies deltas.
func (c *Chain) Prepare(payer string, deltas []Delta) (*solana.UnsignedTx, error) {
	c.mu.Lock()
	c.nonce++
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[:8], c.nonce)
	c.mu.Unlock()

	// Any distinct account works as the carrier destination; the effects come from deltas.
	tx, err := solana.NewTransferTransaction(payer, solana.SystemProgramID, 0, base58.Encode(seed[:]))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	lastValid := c.height + BlockhashValidity
	c.maxValid = max(c.maxValid, lastValid)
	c.prepared[messageKey(tx)] = &pendingTx{payer: payer, deltas: deltas, lastValid: lastValid}
	return &solana.UnsignedTx{Tx: tx, LastValidBlockHeight: lastValid}, nil
}

// BuildTransfer implements the chain gateway.
func (c *Chain) BuildTransfer(_ context.Context, from, to string, lamports uint64) (*solana.UnsignedTx, error) {
	return c.Prepare(from, []Delta{
		{Address: from, Amount: -int64(lamports)},
		{Address: to, Amount: int64(lamports)},
	})
}

// SendSignedTransaction implements the chain gateway.
func (c *Chain) SendSignedTransaction(_ context.Context, tx []byte) (string, error) {
	if c.SendHook != nil {
		if err := c.SendHook(tx); err != nil {
			return "", err
		}
	}

	sig, err := solana.TransactionSignature(tx)
	if err != nil {
		return "", err
	}
	if sig == base58.Encode(make([]byte, 64)) {
		return "", fmt.Errorf("transaction is not signed")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.prepared[messageKey(tx)]
	if !ok {
		return "", fmt.Errorf("unknown transaction")
	}
	delete(c.prepared, messageKey(tx))
	c.sent++

	if c.Withhold || (c.HoldPayer != nil && c.HoldPayer(p.payer)) {
		c.withheld[sig] = p
		return sig, nil
	}
	c.land(sig, p)
	return sig, nil
}

// Release lands every withheld transaction that has not expired, as if they arrived late.
func (c *Chain) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sig, p := range c.withheld {
		if p.lastValid >= c.height {
			c.land(sig, p)
		}
		delete(c.withheld, sig)
	}
}

// Withheld returns the number of transactions waiting for Release.
func (c *Chain) Withheld() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.withheld)
}

// AdvanceBlocks moves the block height forward. Withheld transactions whose last valid
// height is passed are dropped.
func (c *Chain) AdvanceBlocks(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceTo(c.height + n)
}

// advanceTo sets the height and expires withheld transactions. Caller holds mu.
func (c *Chain) advanceTo(height uint64) {
	if height <= c.height {
		return
	}
	c.height = height
	for sig, p := range c.withheld {
		if p.lastValid < height {
			delete(c.withheld, sig)
		}
	}
	close(c.changed)
	c.changed = make(chan struct{})
}

// GetBlockHeight implements the chain gateway.
func (c *Chain) GetBlockHeight(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FastExpiry {
		c.advanceTo(c.maxValid + 1)
	}
	return c.height, nil
}

// Drop forgets withheld transactions; they never land.
func (c *Chain) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.withheld = make(map[string]*pendingTx)
}

// land applies a transaction. Caller holds mu.
func (c *Chain) land(sig string, p *pendingTx) {
	c.slot++
	status := &solana.SignatureStatus{Slot: c.slot, ConfirmationStatus: solana.CommitmentConfirmed}

	sol := make(map[string]int64)
	tok := make(map[string]map[string]int64)
	sol[p.payer] -= solana.TransferFeeLamports
	for _, d := range p.deltas {
		if d.Mint == "" || d.Mint == solana.NativeMint {
			sol[d.Address] += d.Amount
			continue
		}
		if tok[d.Address] == nil {
			tok[d.Address] = make(map[string]int64)
		}
		tok[d.Address][d.Mint] += d.Amount
	}

	for addr, delta := range sol {
		if int64(c.balances[addr])+delta < 0 {
			status.Err = ErrInsufficientFunds.Error()
		}
	}
	for addr, mints := range tok {
		for mint, delta := range mints {
			if int64(c.tokens[addr][mint])+delta < 0 {
				status.Err = ErrInsufficientFunds.Error()
			}
		}
	}

	if status.Err == nil {
		for addr, delta := range sol {
			c.balances[addr] = uint64(int64(c.balances[addr]) + delta)
		}
		for addr, mints := range tok {
			if c.tokens[addr] == nil {
				c.tokens[addr] = make(map[string]uint64)
			}
			for mint, delta := range mints {
				c.tokens[addr][mint] = uint64(int64(c.tokens[addr][mint]) + delta)
			}
		}
	}

	c.statuses[sig] = status
	close(c.changed)
	c.changed = make(chan struct{})
}

// GetSignatureStatus implements the chain gateway.
func (c *Chain) GetSignatureStatus(_ context.Context, signature string) (*solana.SignatureStatus, error) {
	if c.HideStatus {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[signature]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// Confirm implements the chain gateway. Withheld transactions block until released, their
// blockhash expires or ctx ends.
func (c *Chain) Confirm(ctx context.Context, signature string, lastValidBlockHeight uint64) (*solana.ConfirmResult, error) {
	if c.StallConfirm != nil && c.StallConfirm(signature) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for {
		c.mu.Lock()
		s, ok := c.statuses[signature]
		expired := lastValidBlockHeight > 0 && c.height > lastValidBlockHeight
		changed := c.changed
		c.mu.Unlock()

		if ok {
			if s.Err != nil {
				return &solana.ConfirmResult{OK: false, Err: fmt.Sprintf("transaction failed: %v", s.Err)}, nil
			}
			return &solana.ConfirmResult{OK: true}, nil
		}
		if expired {
			return &solana.ConfirmResult{OK: false, Err: "blockhash expired"}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func messageKey(tx []byte) string {
	// Single-signature transactions: 1 length byte + 64 signature bytes precede the message.
	return string(tx[65:])
}
