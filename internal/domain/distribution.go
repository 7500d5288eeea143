package domain

import "time"

// DistributionStatus is the status of the final payout.
type DistributionStatus string

const (
	DistributionPending    DistributionStatus = "pending"
	DistributionInProgress DistributionStatus = "in_progress"
	DistributionCompleted  DistributionStatus = "completed"
	DistributionFailed     DistributionStatus = "failed"
)

// DistributionState tracks the consolidation and the payout to the end user. One per session.
// A failed state stays queryable and can be retried.
//
// Signatures are stored before broadcast together with the last block height at which the
// transaction can land, so a retry waits out an earlier attempt instead of paying twice.
type DistributionState struct {
	SessionID            string
	TotalProfitCollected int64 // lamports, signed
	Amount               int64 // lamports paid out
	Status               DistributionStatus
	UserWallet           string
	Signature            string
	LastValidBlockHeight uint64
	Attempts             int
	LastError            string
	CompletedAt          *time.Time
	UpdatedAt            time.Time

	// Vault to operator transfer of the consolidation phase.
	PhantomSignature            string
	PhantomLastValidBlockHeight uint64
}
