package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSignerRejected is returned when the wallet owner declines to sign.
	// It aborts the wallet, not the session.
	ErrSignerRejected = errors.New("signer rejected transaction")

	// ErrRateLimited means the caller must wait before submitting again. It is not a failure.
	ErrRateLimited = errors.New("submission rate limited")

	// ErrNoRoute is returned when the quote gateway has no route for a pair.
	ErrNoRoute = errors.New("no route")
)

// ValidationError reports a failed preflight. No funds moved; safe to retry immediately.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "preflight failed: " + strings.Join(e.Reasons, "; ")
}

// TimeoutError reports a swap that exceeded its confirmation budget.
// A rollback check is required before retrying.
type TimeoutError struct {
	Signature string
	Budget    time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Signature == "" {
		return fmt.Sprintf("swap timed out after %s", e.Budget)
	}
	return fmt.Sprintf("swap %s timed out after %s", e.Signature, e.Budget)
}

// ChainError reports a submission or confirmation rejected by the network.
type ChainError struct {
	Op        string
	Signature string
	Err       error
}

func (e *ChainError) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("chain %s %s: %v", e.Op, e.Signature, e.Err)
	}
	return fmt.Sprintf("chain %s: %v", e.Op, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// ReconciliationMismatchError is fatal: ledger and timer totals disagree.
// It is never retried and always halts the session.
type ReconciliationMismatchError struct {
	SessionID   string
	LedgerTotal int64
	TimerTotal  int64
}

func (e *ReconciliationMismatchError) Error() string {
	return fmt.Sprintf("reconciliation mismatch for session %s: ledger=%d timers=%d",
		e.SessionID, e.LedgerTotal, e.TimerTotal)
}

// FailureThresholdError reports that too many wallets failed for the session to continue.
type FailureThresholdError struct {
	Failed    int
	Total     int
	Threshold float64
}

func (e *FailureThresholdError) Error() string {
	return fmt.Sprintf("%d of %d wallets failed, above the %.0f%% threshold",
		e.Failed, e.Total, e.Threshold*100)
}

// ErrorClass maps an error to the user-visible taxonomy name.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	var (
		validation *ValidationError
		timeout    *TimeoutError
		chain      *ChainError
		recon      *ReconciliationMismatchError
		threshold  *FailureThresholdError
	)
	switch {
	case errors.As(err, &validation):
		return "ValidationError"
	case errors.As(err, &timeout):
		return "TimeoutError"
	case errors.As(err, &recon):
		return "ReconciliationMismatch"
	case errors.As(err, &threshold):
		return "FailureThreshold"
	case errors.Is(err, ErrSignerRejected):
		return "SignerRejected"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	case errors.As(err, &chain):
		return "ChainError"
	default:
		return "InternalError"
	}
}
