package reporting

import (
	"time"

	"solana-settlement/internal/domain"
)

// Statement is the settlement statement of one session.
type Statement struct {
	GeneratedAt time.Time
	Session     *domain.Session

	// Wallets sorted by index.
	Wallets []WalletRow

	// Totals per ledger record type, in lamports.
	Totals []TotalRow

	Reconciliation ReconciliationCheck

	// Distribution is nil until collection finished.
	Distribution *domain.DistributionState
}

// WalletRow summarises one trading wallet.
type WalletRow struct {
	Index         int
	Address       string
	Status        domain.WalletStatus
	Funded        int64
	Volume        int64
	Collected     bool
	Profit        *int64
	FailureReason string
}

// TotalRow is the sum and count of one ledger record type.
type TotalRow struct {
	Type   domain.TransactionType
	Count  int
	Amount int64
}

// ReconciliationCheck compares booked collections with completed timer profits.
type ReconciliationCheck struct {
	LedgerTotal int64
	TimerTotal  int64
	Balanced    bool
}
