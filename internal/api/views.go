package api

import (
	"strings"
	"time"

	"solana-settlement/internal/domain"
)

type sessionView struct {
	ID             string               `json:"id"`
	Mode           domain.SessionMode   `json:"mode"`
	Phase          domain.Phase         `json:"phase"`
	Status         domain.SessionStatus `json:"status"`
	Config         domain.SessionConfig `json:"config"`
	TotalProfit    int64                `json:"total_profit"`
	TotalProfitSOL string               `json:"total_profit_sol"`
	ErrorClass     string               `json:"error,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

func newSessionView(s *domain.Session) sessionView {
	v := sessionView{
		ID:             s.ID,
		Mode:           s.Mode,
		Phase:          s.Phase,
		Status:         s.Status,
		Config:         s.Config,
		TotalProfit:    s.TotalProfit,
		TotalProfitSOL: domain.LamportsToSOL(s.TotalProfit),
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	if s.Status == domain.SessionStatusFailed {
		v.ErrorClass = failureClass(s.FailureReason)
	}
	return v
}

// failureClass keeps the class prefix of a stored failure reason.
func failureClass(reason string) string {
	class, _, ok := strings.Cut(reason, ":")
	if !ok {
		return "InternalError"
	}
	return class
}

type recordView struct {
	ID          string                 `json:"id"`
	Type        domain.TransactionType `json:"type"`
	Amount      int64                  `json:"amount"`
	AmountSOL   string                 `json:"amount_sol"`
	From        string                 `json:"from,omitempty"`
	To          string                 `json:"to,omitempty"`
	WalletIndex *int                   `json:"wallet_index,omitempty"`
	Signature   string                 `json:"signature,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

func newRecordView(r *domain.TransactionRecord) recordView {
	return recordView{
		ID:          r.ID,
		Type:        r.Type,
		Amount:      r.Amount,
		AmountSOL:   domain.LamportsToSOL(r.Amount),
		From:        r.From,
		To:          r.To,
		WalletIndex: r.WalletIndex,
		Signature:   r.Signature,
		Timestamp:   r.Timestamp,
	}
}
