package domain

import "time"

// WalletStatus tracks a trading wallet through the session.
type WalletStatus string

const (
	WalletStatusPending      WalletStatus = "pending"
	WalletStatusFunded       WalletStatus = "funded"
	WalletStatusTrading      WalletStatus = "trading"
	WalletStatusSucceeded    WalletStatus = "succeeded"
	WalletStatusFailed       WalletStatus = "failed"
	WalletStatusManualReview WalletStatus = "manual_review"
	WalletStatusCollected    WalletStatus = "collected"
	WalletStatusConsolidated WalletStatus = "consolidated"
)

// IsTradeTerminal reports whether the wallet finished the trading phase.
func (s WalletStatus) IsTradeTerminal() bool {
	switch s {
	case WalletStatusSucceeded, WalletStatusFailed, WalletStatusManualReview,
		WalletStatusCollected, WalletStatusConsolidated:
		return true
	}
	return false
}

// TradingWallet is an ephemeral keypair funded from the session budget.
// It is owned by exactly one session.
type TradingWallet struct {
	SessionID     string
	Index         int
	Address       string
	SecretKey     string // base58, 64-byte ed25519 private key
	FundedAmount  int64  // lamports
	Volume        int64  // lamports traded through swaps
	Status        WalletStatus
	FailureReason string
	UpdatedAt     time.Time
}
