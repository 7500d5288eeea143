package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxTypeUserPayment      TransactionType = "user_payment"
	TxTypeWalletFunding    TransactionType = "wallet_funding"
	TxTypeProfitCollection TransactionType = "profit_collection"
	TxTypePhantomTransfer  TransactionType = "phantom_transfer"
	TxTypeFinalTransfer    TransactionType = "final_transfer"
	TxTypePendingRefund    TransactionType = "pending_refund"
)

// TransactionRecord is an append-only ledger entry.
// Entries are only appended after chain confirmation or for explicit bookkeeping events.
type TransactionRecord struct {
	ID          string
	SessionID   string
	Type        TransactionType
	Amount      int64 // lamports, signed
	From        string
	To          string
	WalletIndex *int
	Signature   string
	Timestamp   time.Time
}

// SumByType totals the amount of all records of the given type.
func SumByType(records []*TransactionRecord, typ TransactionType) int64 {
	var total int64
	for _, r := range records {
		if r.Type == typ {
			total += r.Amount
		}
	}
	return total
}

// HasRecord reports whether records contains an entry of typ for the wallet index.
// A nil walletIndex matches session-level entries.
func HasRecord(records []*TransactionRecord, typ TransactionType, walletIndex *int) bool {
	for _, r := range records {
		if r.Type != typ {
			continue
		}
		if walletIndex == nil && r.WalletIndex == nil {
			return true
		}
		if walletIndex != nil && r.WalletIndex != nil && *r.WalletIndex == *walletIndex {
			return true
		}
	}
	return false
}

var ledgerNamespace = uuid.MustParse("6f1c7a52-3d0e-4b8a-9f2d-2a5e8c4b7d10")

// LedgerRecordID derives a stable record id from the session and the event's identity,
// so re-appending the same event after a restart is rejected as a duplicate.
func LedgerRecordID(sessionID string, parts ...string) string {
	key := sessionID + "/" + strings.Join(parts, "/")
	return uuid.NewSHA1(ledgerNamespace, []byte(key)).String()
}
