package swap

import "solana-settlement/internal/domain"

// State is a step of the execution state machine.
type State string

// Execution states. Terminal states are PREFLIGHT_FAILED, CONFIRMED, SIGNER_REJECTED,
// SAFE_NO_OP, RECOVERED and MANUAL_REVIEW.
const (
	StateInit            State = "INIT"
	StatePreflight       State = "PREFLIGHT"
	StatePreflightFailed State = "PREFLIGHT_FAILED"
	StateExecuting       State = "EXECUTING"
	StateConfirmed       State = "CONFIRMED"
	StateTimeout         State = "TIMEOUT"
	StateChainError      State = "CHAIN_ERROR"
	StateSignerRejected  State = "SIGNER_REJECTED"
	StateRollbackCheck   State = "ROLLBACK_CHECK"
	StateSafeNoOp        State = "SAFE_NO_OP"
	StateReverseSwap     State = "REVERSE_SWAP"
	StateRecovered       State = "RECOVERED"
	StateManualReview    State = "MANUAL_REVIEW"
)

// ExecutionResult is the outcome of one guarded swap.
//
// FundsRecovered reports that the wallet's capital is in a known state: swapped and
// confirmed, never moved, or restored by a reverse swap. It is false only when the
// execution ended in manual review.
type ExecutionResult struct {
	Outcome          State
	Path             []State
	Success          bool
	Signature        string
	TimedOut         bool
	RollbackExecuted bool
	ReverseAttempted bool
	FundsRecovered   bool
	Err              error

	// InAmount and OutAmount are the quoted amounts of the executed swap.
	InAmount  uint64
	OutAmount uint64

	Pre  domain.BalanceSnapshot
	Post domain.BalanceSnapshot
}

func (r *ExecutionResult) enter(s State) {
	r.Path = append(r.Path, s)
	r.Outcome = s
}
