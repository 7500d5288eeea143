// Package reporting renders per-session settlement statements: wallet outcomes, ledger
// totals and the collection reconciliation, as Markdown or as a ledger CSV.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/storage"
)

// ledgerOrder fixes the row order of the totals table.
var ledgerOrder = []domain.TransactionType{
	domain.TxTypeUserPayment,
	domain.TxTypeWalletFunding,
	domain.TxTypeProfitCollection,
	domain.TxTypePhantomTransfer,
	domain.TxTypeFinalTransfer,
	domain.TxTypePendingRefund,
}

// Generator produces statements from stored data.
type Generator struct {
	stores storage.Stores
	now    func() time.Time // Injectable clock for deterministic output
}

// NewGenerator creates a new statement generator.
func NewGenerator(stores storage.Stores) *Generator {
	return &Generator{
		stores: stores,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate builds the statement of a session. Returns storage.ErrNotFound for unknown ids.
func (g *Generator) Generate(ctx context.Context, sessionID string) (*Statement, error) {
	sess, err := g.stores.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	wallets, err := g.stores.Wallets.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get wallets: %w", err)
	}
	timers, err := g.stores.Timers.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get timers: %w", err)
	}
	records, err := g.stores.Ledger.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get ledger: %w", err)
	}
	dist, err := g.stores.Distributions.Get(ctx, sessionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("get distribution: %w", err)
	}

	return Build(sess, wallets, timers, records, dist, g.now()), nil
}

// Build assembles a statement from already loaded state. dist may be nil.
func Build(
	sess *domain.Session,
	wallets []*domain.TradingWallet,
	timers []*domain.CollectionTimer,
	records []*domain.TransactionRecord,
	dist *domain.DistributionState,
	now time.Time,
) *Statement {
	byIndex := make(map[int]*domain.CollectionTimer, len(timers))
	var timerTotal int64
	for _, t := range timers {
		byIndex[t.WalletIndex] = t
		if t.Completed {
			timerTotal += t.ProfitOrZero()
		}
	}

	rows := make([]WalletRow, 0, len(wallets))
	for _, w := range wallets {
		row := WalletRow{
			Index:         w.Index,
			Address:       w.Address,
			Status:        w.Status,
			Funded:        w.FundedAmount,
			Volume:        w.Volume,
			FailureReason: w.FailureReason,
		}
		if t, ok := byIndex[w.Index]; ok && t.Completed && !t.Failed {
			row.Collected = true
			row.Profit = t.Profit
		}
		rows = append(rows, row)
	}

	totals := make([]TotalRow, 0, len(ledgerOrder))
	for _, typ := range ledgerOrder {
		row := TotalRow{Type: typ}
		for _, r := range records {
			if r.Type == typ {
				row.Count++
				row.Amount += r.Amount
			}
		}
		if row.Count > 0 {
			totals = append(totals, row)
		}
	}

	ledgerTotal := domain.SumByType(records, domain.TxTypeProfitCollection)
	return &Statement{
		GeneratedAt: now,
		Session:     sess,
		Wallets:     rows,
		Totals:      totals,
		Reconciliation: ReconciliationCheck{
			LedgerTotal: ledgerTotal,
			TimerTotal:  timerTotal,
			Balanced:    ledgerTotal == timerTotal,
		},
		Distribution: dist,
	}
}
