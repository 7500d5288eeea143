package domain

import "time"

// CollectionTimer is a scheduled settlement event for one wallet.
type CollectionTimer struct {
	SessionID       string
	WalletIndex     int
	WalletAddress   string
	ScheduledTime   time.Time
	AllocatedAmount int64 // lamports
	RandomDelay     time.Duration
	Completed       bool
	Failed          bool
	CollectionTime  *time.Time
	Profit          *int64 // lamports, signed
}

// ProfitOrZero returns the recorded profit, or zero if none is set.
func (t *CollectionTimer) ProfitOrZero() int64 {
	if t.Profit == nil {
		return 0
	}
	return *t.Profit
}
