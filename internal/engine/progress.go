package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"solana-settlement/internal/domain"
)

// AmountRange is the smallest and largest amount allocated to a collection, in lamports.
type AmountRange struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// Progress is a point-in-time view of a session. Counts in Total/Completed/Remaining refer
// to the unit of work of the current phase: wallets while funding and trading, collection
// timers from COLLECTING on.
type Progress struct {
	SessionID string               `json:"session_id"`
	Phase     domain.Phase         `json:"phase"`
	Status    domain.SessionStatus `json:"status"`

	Total     int `json:"total"`
	Completed int `json:"completed"`
	Remaining int `json:"remaining"`

	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	ManualReview int `json:"manual_review"`
	Pending      int `json:"pending"`

	Volume         int64  `json:"volume"`
	TotalProfit    int64  `json:"total_profit"`
	TotalProfitSOL string `json:"total_profit_sol"`

	NextEvent   *time.Time   `json:"next_event,omitempty"`
	NextFireIn  int64        `json:"next_fire_in_ms,omitempty"`
	AmountRange *AmountRange `json:"amount_range,omitempty"`

	Distribution domain.DistributionStatus `json:"distribution,omitempty"`
	// Error is the class of the session's fatal error, never the raw message.
	Error     string    `json:"error,omitempty"`
	Running   bool      `json:"running"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetProgress assembles the session's progress from storage and the live scheduler.
// It has no side effects.
func (e *Engine) GetProgress(ctx context.Context, id string) (*Progress, error) {
	sess, err := e.stores.Sessions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	wallets, err := e.stores.Wallets.GetBySession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get wallets %s: %w", id, err)
	}

	p := &Progress{
		SessionID:      id,
		Phase:          sess.Phase,
		Status:         sess.Status,
		TotalProfit:    sess.TotalProfit,
		TotalProfitSOL: domain.LamportsToSOL(sess.TotalProfit),
		Error:          errorClass(sess),
		Running:        e.Running(id),
		UpdatedAt:      sess.UpdatedAt,
	}

	var funded, traded int
	for _, w := range wallets {
		p.Volume += w.Volume
		if w.FundedAmount > 0 {
			funded++
		}
		if w.Status.IsTradeTerminal() {
			traded++
		}
		switch w.Status {
		case domain.WalletStatusSucceeded, domain.WalletStatusCollected, domain.WalletStatusConsolidated:
			p.Succeeded++
		case domain.WalletStatusFailed:
			p.Failed++
		case domain.WalletStatusManualReview:
			p.ManualReview++
		default:
			p.Pending++
		}
	}

	switch sess.Phase {
	case domain.PhaseFunding:
		p.Total, p.Completed = len(wallets), funded
	case domain.PhaseTrading:
		p.Total, p.Completed = len(wallets), traded
	default:
		if err := e.collectionProgress(ctx, sess, p); err != nil {
			return nil, err
		}
	}
	p.Remaining = p.Total - p.Completed

	if dist, err := e.stores.Distributions.Get(ctx, id); err == nil {
		p.Distribution = dist.Status
	}
	return p, nil
}

// collectionProgress prefers the live scheduler, then persisted timers. A session that just
// entered COLLECTING has no timers yet; its total is the number of wallets awaiting one.
func (e *Engine) collectionProgress(ctx context.Context, sess *domain.Session, p *Progress) error {
	if sp, ok := e.scheduler.Progress(sess.ID); ok {
		p.Total, p.Completed = sp.Total, sp.Completed
		if sp.Total > 0 {
			p.AmountRange = &AmountRange{Min: sp.AmountRange.Min, Max: sp.AmountRange.Max}
		}
		if sp.NextFireIn > 0 {
			next := e.clock.Now().Add(sp.NextFireIn)
			p.NextEvent = &next
			p.NextFireIn = sp.NextFireIn.Milliseconds()
		}
		return nil
	}

	timers, err := e.stores.Timers.GetBySession(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("get timers %s: %w", sess.ID, err)
	}
	if len(timers) == 0 {
		if sess.Phase == domain.PhaseCollecting {
			p.Total = p.Succeeded
		}
		return nil
	}

	rng := AmountRange{Min: timers[0].AllocatedAmount, Max: timers[0].AllocatedAmount}
	for _, t := range timers {
		rng.Min = min(rng.Min, t.AllocatedAmount)
		rng.Max = max(rng.Max, t.AllocatedAmount)
		if t.Completed {
			p.Completed++
		}
	}
	p.Total = len(timers)
	p.AmountRange = &rng
	return nil
}

// errorClass extracts the class recorded in the session's failure reason.
func errorClass(sess *domain.Session) string {
	if sess.Status != domain.SessionStatusFailed || sess.FailureReason == "" {
		return ""
	}
	class, _, found := strings.Cut(sess.FailureReason, ":")
	if !found {
		return "InternalError"
	}
	return class
}
