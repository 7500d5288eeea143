package domain

import "time"

// BalanceSnapshot is an immutable balance record taken before a swap.
// It is only used for rollback comparison.
type BalanceSnapshot struct {
	Address       string
	SolBalance    uint64 // lamports
	TokenBalance  uint64 // token base units
	TokenAddress  string
	TokenDecimals uint8
	TakenAt       time.Time
}
