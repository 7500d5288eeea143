package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

var lamportsPerSOL = decimal.NewFromInt(LamportsPerSOL)

// SOLToLamports parses a decimal SOL amount such as "0.05" into lamports.
// Fractions below one lamport are rejected.
func SOLToLamports(sol string) (int64, error) {
	d, err := decimal.NewFromString(sol)
	if err != nil {
		return 0, fmt.Errorf("parse sol amount %q: %w", sol, err)
	}
	l := d.Mul(lamportsPerSOL)
	if !l.Equal(l.Truncate(0)) {
		return 0, fmt.Errorf("sol amount %q has sub-lamport precision", sol)
	}
	return l.IntPart(), nil
}

// LamportsToSOL formats lamports as a SOL string with up to 9 decimals.
func LamportsToSOL(lamports int64) string {
	return decimal.NewFromInt(lamports).Div(lamportsPerSOL).String()
}
