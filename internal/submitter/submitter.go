// Package submitter throttles transaction broadcasts per session.
package submitter

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"solana-settlement/internal/domain"
	"solana-settlement/internal/observability"
)

// DefaultInterval is the minimum spacing between broadcasts of one session.
const DefaultInterval = 10 * time.Second

// Sender broadcasts a signed transaction.
type Sender interface {
	SendSignedTransaction(ctx context.Context, tx []byte) (string, error)
}

// Submitter enforces a minimum interval between broadcasts. All swap and transfer
// submissions of a session share one Submitter.
type Submitter struct {
	sender   Sender
	limiter  *rate.Limiter
	interval time.Duration
	log      logrus.FieldLogger
}

// New creates a Submitter. A non-positive interval uses DefaultInterval.
func New(sender Sender, interval time.Duration, log logrus.FieldLogger) *Submitter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Submitter{
		sender:   sender,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
		log:      log.WithField("component", "submitter"),
	}
}

// Interval returns the configured minimum spacing.
func (s *Submitter) Interval() time.Duration { return s.interval }

// Submit waits for the limiter, then broadcasts tx.
func (s *Submitter) Submit(ctx context.Context, tx []byte) (string, error) {
	start := time.Now()
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for submission slot: %w", err)
	}
	waited := time.Since(start)
	observability.RecordSubmissionWait(waited.Seconds())
	if waited > time.Second {
		s.log.WithField("waited", waited.Round(time.Millisecond)).Debug("submission throttled")
	}

	return s.send(ctx, tx)
}

// TrySubmit broadcasts tx only if a slot is free now; otherwise it returns
// domain.ErrRateLimited without touching the cluster.
func (s *Submitter) TrySubmit(ctx context.Context, tx []byte) (string, error) {
	if !s.limiter.Allow() {
		observability.RecordRateLimited()
		return "", domain.ErrRateLimited
	}
	return s.send(ctx, tx)
}

func (s *Submitter) send(ctx context.Context, tx []byte) (string, error) {
	sig, err := s.sender.SendSignedTransaction(ctx, tx)
	if err != nil {
		return "", &domain.ChainError{Op: "send", Err: err}
	}
	return sig, nil
}
