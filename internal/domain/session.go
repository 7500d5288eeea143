package domain

import "time"

// SessionMode selects how trading wallets are driven.
type SessionMode string

const (
	// ModeIndependent trades wallets concurrently with bounded parallelism.
	ModeIndependent SessionMode = "independent"
	// ModeCentralized trades wallets one at a time.
	ModeCentralized SessionMode = "centralized"
)

// SessionStatus is the coarse lifecycle status of a session.
type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusStopped   SessionStatus = "stopped"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// IsTerminal reports whether no further phase changes are allowed.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusStopped || s == SessionStatusCompleted || s == SessionStatusFailed
}

// SessionConfig is the trading intent supplied by the user when a session starts.
// Amounts are in lamports.
type SessionConfig struct {
	TokenMint        string      `json:"token_mint" validate:"required,solana_address"`
	Mode             SessionMode `json:"mode" validate:"omitempty,oneof=independent centralized"`
	Makers           int         `json:"makers" validate:"required,min=1,max=100"`
	VolumeTarget     int64       `json:"volume_target" validate:"gte=0"`
	SolBudget        int64       `json:"sol_budget" validate:"required,gt=0"`
	RuntimeMinutes   int         `json:"runtime_minutes" validate:"required,min=1,max=1440"`
	SlippageBps      int         `json:"slippage_bps" validate:"required,min=1,max=5000"`
	UserWallet       string      `json:"user_wallet" validate:"required,solana_address"`
	PaymentSignature string      `json:"payment_signature,omitempty"`
}

// PerWalletBudget splits the SOL budget evenly across makers.
func (c SessionConfig) PerWalletBudget() int64 {
	if c.Makers <= 0 {
		return 0
	}
	return c.SolBudget / int64(c.Makers)
}

// Session identifies one settlement run.
type Session struct {
	ID            string
	Mode          SessionMode
	Phase         Phase
	Status        SessionStatus
	Config        SessionConfig
	TotalProfit   int64 // lamports, signed
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
