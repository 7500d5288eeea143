package storage

import (
	"context"

	"github.com/sirupsen/logrus"

	"solana-settlement/internal/domain"
)

// MirroredLedger appends to a primary ledger and copies each accepted record to a mirror
// used for analytics. Reads come from the primary only; mirror failures are logged.
type MirroredLedger struct {
	primary LedgerStore
	mirror  LedgerStore
	log     logrus.FieldLogger
}

// NewMirroredLedger creates a ledger that mirrors primary into mirror.
func NewMirroredLedger(primary, mirror LedgerStore, log logrus.FieldLogger) *MirroredLedger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MirroredLedger{
		primary: primary,
		mirror:  mirror,
		log:     log.WithField("component", "ledger_mirror"),
	}
}

// Append writes r to the primary, then to the mirror.
func (l *MirroredLedger) Append(ctx context.Context, r *domain.TransactionRecord) error {
	if err := l.primary.Append(ctx, r); err != nil {
		return err
	}
	if err := l.mirror.Append(ctx, r); err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{
			"session_id": r.SessionID,
			"record_id":  r.ID,
		}).Warn("ledger mirror append failed")
	}
	return nil
}

// GetBySession reads from the primary.
func (l *MirroredLedger) GetBySession(ctx context.Context, sessionID string) ([]*domain.TransactionRecord, error) {
	return l.primary.GetBySession(ctx, sessionID)
}

var _ LedgerStore = (*MirroredLedger)(nil)
