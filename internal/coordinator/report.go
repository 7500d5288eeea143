package coordinator

import "solana-settlement/internal/domain"

// Report summarises a session run.
type Report struct {
	SessionID    string
	Phase        domain.Phase
	Status       domain.SessionStatus
	Succeeded    []int
	Failed       []int
	ManualReview []int
	Volume       int64 // lamports
	TotalProfit  int64 // lamports, signed
	Err          error
}

func (c *Coordinator) report(r *run, err error) *Report {
	rep := &Report{
		SessionID:   r.sess.ID,
		Phase:       r.sess.Phase,
		Status:      r.sess.Status,
		TotalProfit: r.sess.TotalProfit,
		Err:         err,
	}
	for _, w := range r.snapshotWallets() {
		rep.Volume += w.Volume
		switch w.Status {
		case domain.WalletStatusSucceeded, domain.WalletStatusCollected, domain.WalletStatusConsolidated:
			rep.Succeeded = append(rep.Succeeded, w.Index)
		case domain.WalletStatusFailed:
			rep.Failed = append(rep.Failed, w.Index)
		case domain.WalletStatusManualReview:
			rep.ManualReview = append(rep.ManualReview, w.Index)
		}
	}
	return rep
}
