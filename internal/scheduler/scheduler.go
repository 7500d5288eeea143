// Package scheduler assigns jittered collection times to wallets and fires them from a worker pool.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"solana-settlement/internal/clock"
	"solana-settlement/internal/domain"
	"solana-settlement/internal/observability"
	"solana-settlement/internal/storage"
)

// Default configuration values.
const (
	DefaultJitterMin  = 30 * time.Second
	DefaultJitterMax  = 60 * time.Second
	DefaultWorkers    = 4
	DefaultRetryDelay = 5 * time.Second
)

var (
	// ErrAlreadyFired is returned when a timer is fired a second time.
	ErrAlreadyFired = errors.New("collection timer already fired")
	// ErrUnknownTimer is returned for a session or wallet that has no registered timer.
	ErrUnknownTimer = errors.New("unknown collection timer")
	// ErrCancelled is returned when the session's timers were cancelled.
	ErrCancelled = errors.New("collection timers cancelled")
)

// Config holds scheduler settings.
type Config struct {
	// JitterMin and JitterMax bound the uniform random delay added to each wallet.
	JitterMin time.Duration
	JitterMax time.Duration
	// Spacing is the base offset between consecutive wallets.
	Spacing time.Duration
	// Workers is the number of goroutines running callbacks.
	Workers int
	// RetryDelay reschedules a timer whose fired mark could not be persisted.
	RetryDelay time.Duration
}

// DefaultConfig returns default settings.
func DefaultConfig() Config {
	return Config{
		JitterMin:  DefaultJitterMin,
		JitterMax:  DefaultJitterMax,
		Workers:    DefaultWorkers,
		RetryDelay: DefaultRetryDelay,
	}
}

// FireFunc collects one wallet and returns the booked profit in lamports.
// An error marks the timer failed with no profit.
type FireFunc func(ctx context.Context, sessionID string, timer domain.CollectionTimer) (int64, error)

// Plan is the computed schedule of a session.
type Plan struct {
	Timers []*domain.CollectionTimer
	Start  time.Time
	// Window is the spread between the earliest and latest scheduled time.
	Window time.Duration
	// MaxWindow bounds every scheduled time to [Start, Start+MaxWindow].
	MaxWindow time.Duration
}

// AmountRange is the smallest and largest allocated amount of a session's timers.
type AmountRange struct {
	Min int64
	Max int64
}

// Progress is a point-in-time view of a session's timers.
type Progress struct {
	Total       int
	Completed   int
	Failed      int
	Remaining   int
	NextFireIn  time.Duration
	AmountRange AmountRange
	Window      time.Duration
}

// Options configures Scheduler.
type Options struct {
	Store  storage.TimerStore
	Config Config
	Clock  clock.Clock
	Logger logrus.FieldLogger
	// Rand draws jitter. Defaults to a time-seeded source.
	Rand *rand.Rand
}

type session struct {
	ctx         context.Context
	cancel      context.CancelFunc
	timers      map[int]*domain.CollectionTimer
	entries     map[int]*entry
	onFire      FireFunc
	cancelled   bool
	outstanding int
	inflight    sync.WaitGroup
	done        chan struct{}
	window      time.Duration
}

// Scheduler owns a priority queue of (fireAt, timer) and dispatches due timers to workers.
// Sessions are independent; cancelling one never affects another.
type Scheduler struct {
	cfg   Config
	store storage.TimerStore
	clock clock.Clock
	log   logrus.FieldLogger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex
	queue    entryQueue
	sessions map[string]*session
	started  bool
	stop     context.CancelFunc

	wake chan struct{}
	work chan *entry
	wg   sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin dispatching.
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.JitterMin <= 0 && cfg.JitterMax <= 0 {
		cfg.JitterMin, cfg.JitterMax = def.JitterMin, def.JitterMax
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Scheduler{
		cfg:      cfg,
		store:    opts.Store,
		clock:    opts.Clock,
		log:      opts.Logger.WithField("component", "scheduler"),
		rng:      opts.Rand,
		sessions: make(map[string]*session),
		wake:     make(chan struct{}, 1),
		work:     make(chan *entry, cfg.Workers),
	}
}

// Start launches the dispatcher and the worker pool. It is a no-op if already started.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.stop = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1 + s.cfg.Workers)
	go s.dispatch(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		go s.worker(ctx)
	}
}

// Stop halts dispatching and waits for workers to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.wg.Wait()
}

// Plan computes scheduled times without registering or persisting them.
// scheduledTime = start + position×Spacing + jitter; a collision adds 1ms × (walletIndex+1)
// until the time is unique.
func (s *Scheduler) Plan(sessionID string, start time.Time, wallets []*domain.TradingWallet) *Plan {
	plan := &Plan{Start: start}
	used := make(map[int64]struct{}, len(wallets))
	maxIndex := 0

	for pos, w := range wallets {
		if w.Index > maxIndex {
			maxIndex = w.Index
		}
		base := time.Duration(pos) * s.cfg.Spacing
		jitter := s.jitter()
		at := start.Add(base + jitter)

		bump := time.Duration(w.Index+1) * time.Millisecond
		for {
			if _, taken := used[at.UnixNano()]; !taken {
				break
			}
			at = at.Add(bump)
		}
		used[at.UnixNano()] = struct{}{}

		plan.Timers = append(plan.Timers, &domain.CollectionTimer{
			SessionID:       sessionID,
			WalletIndex:     w.Index,
			WalletAddress:   w.Address,
			ScheduledTime:   at,
			AllocatedAmount: w.FundedAmount,
			RandomDelay:     at.Sub(start) - base,
		})
	}

	plan.Window = window(plan.Timers)
	if n := len(wallets); n > 0 {
		plan.MaxWindow = time.Duration(n-1)*s.cfg.Spacing + s.cfg.JitterMax +
			time.Duration(n-1)*time.Duration(maxIndex+1)*time.Millisecond
	}
	return plan
}

// Schedule plans, persists and registers the timers of a session.
func (s *Scheduler) Schedule(ctx context.Context, sessionID string, start time.Time, wallets []*domain.TradingWallet, onFire FireFunc) (*Plan, error) {
	plan := s.Plan(sessionID, start, wallets)
	if err := s.store.InsertBulk(ctx, plan.Timers); err != nil {
		return nil, fmt.Errorf("persist timers: %w", err)
	}
	if err := s.Restore(sessionID, plan.Timers, onFire); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"timers":     len(plan.Timers),
		"window":     plan.Window,
	}).Info("collection scheduled")
	return plan, nil
}

// Restore registers previously persisted timers. Completed timers are kept for progress
// but never fire again.
func (s *Scheduler) Restore(sessionID string, timers []*domain.CollectionTimer, onFire FireFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; exists {
		return fmt.Errorf("session %s already has timers", sessionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[int]*domain.CollectionTimer, len(timers)),
		entries: make(map[int]*entry),
		onFire:  onFire,
		done:    make(chan struct{}),
		window:  window(timers),
	}
	for _, t := range timers {
		cp := *t
		sess.timers[t.WalletIndex] = &cp
		if t.Completed {
			continue
		}
		e := &entry{fireAt: t.ScheduledTime, sessionID: sessionID, walletIndex: t.WalletIndex}
		heap.Push(&s.queue, e)
		sess.entries[t.WalletIndex] = e
		sess.outstanding++
	}
	if sess.outstanding == 0 {
		close(sess.done)
	}
	s.sessions[sessionID] = sess
	observability.AddPendingTimers(sess.outstanding)

	s.signal()
	return nil
}

// Cancel stops every pending timer of the session. When it returns, no callback for the
// session is running and none will start.
func (s *Scheduler) Cancel(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !sess.cancelled {
		sess.cancelled = true
		sess.cancel()
		pending := 0
		for _, e := range sess.entries {
			if e.index >= 0 {
				heap.Remove(&s.queue, e.index)
			}
			pending++
		}
		sess.entries = make(map[int]*entry)
		observability.AddPendingTimers(-pending)
		s.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"pending":    pending,
		}).Info("collection timers cancelled")
	}
	s.mu.Unlock()

	sess.inflight.Wait()
	s.signal()
}

// Clear cancels the session's timers and forgets them.
func (s *Scheduler) Clear(sessionID string) {
	s.Cancel(sessionID)
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// Done returns a channel closed once every timer of the session has fired and its outcome
// is recorded. Unknown sessions return nil.
func (s *Scheduler) Done(sessionID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.done
	}
	return nil
}

// Progress reports the session's timers. It has no side effects.
func (s *Scheduler) Progress(sessionID string) (Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Progress{}, false
	}

	p := Progress{Total: len(sess.timers), Window: sess.window}
	var next time.Time
	first := true
	for _, t := range sess.timers {
		if first || t.AllocatedAmount < p.AmountRange.Min {
			p.AmountRange.Min = t.AllocatedAmount
		}
		if first || t.AllocatedAmount > p.AmountRange.Max {
			p.AmountRange.Max = t.AllocatedAmount
		}
		first = false

		if t.Completed {
			p.Completed++
			if t.Failed {
				p.Failed++
			}
			continue
		}
		if next.IsZero() || t.ScheduledTime.Before(next) {
			next = t.ScheduledTime
		}
	}
	p.Remaining = p.Total - p.Completed
	if !next.IsZero() && !sess.cancelled {
		if d := next.Sub(s.clock.Now()); d > 0 {
			p.NextFireIn = d
		}
	}
	return p, true
}

// Fire runs the callback for one timer. The timer is marked completed and persisted before
// the callback starts; a second call returns ErrAlreadyFired.
func (s *Scheduler) Fire(ctx context.Context, sessionID string, walletIndex int) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTimer
	}
	if sess.cancelled {
		s.mu.Unlock()
		return ErrCancelled
	}
	t, ok := sess.timers[walletIndex]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTimer
	}
	if t.Completed {
		s.mu.Unlock()
		return ErrAlreadyFired
	}

	now := s.clock.Now()
	t.Completed = true
	t.CollectionTime = &now
	if e, ok := sess.entries[walletIndex]; ok {
		if e.index >= 0 {
			heap.Remove(&s.queue, e.index)
		}
		delete(sess.entries, walletIndex)
	}
	sess.inflight.Add(1)
	snapshot := *t
	onFire := sess.onFire
	s.mu.Unlock()
	defer sess.inflight.Done()

	observability.AddPendingTimers(-1)
	log := s.log.WithFields(logrus.Fields{
		"session_id":   sessionID,
		"wallet_index": walletIndex,
	})

	if err := s.store.MarkFired(ctx, sessionID, walletIndex, now); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Fired by an earlier run; its outcome is already persisted.
			s.resolve(sess, t, nil, false)
			return ErrAlreadyFired
		}
		s.mu.Lock()
		t.Completed = false
		t.CollectionTime = nil
		if !sess.cancelled {
			e := &entry{fireAt: now.Add(s.cfg.RetryDelay), sessionID: sessionID, walletIndex: walletIndex}
			heap.Push(&s.queue, e)
			sess.entries[walletIndex] = e
		}
		s.mu.Unlock()
		observability.AddPendingTimers(1)
		s.signal()
		return fmt.Errorf("mark timer fired: %w", err)
	}

	cbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAfter := context.AfterFunc(sess.ctx, cancel)
	defer stopAfter()

	profit, err := onFire(cbCtx, sessionID, snapshot)
	var booked *int64
	if err == nil {
		booked = &profit
	}

	// The outcome describes something that already happened; persist it even if cancelled.
	if perr := s.store.RecordOutcome(context.WithoutCancel(ctx), sessionID, walletIndex, booked, err != nil); perr != nil {
		log.WithError(perr).Error("failed to persist collection outcome")
	}
	s.resolve(sess, t, booked, err != nil)

	if err != nil {
		observability.RecordCollection("failed", 0)
		return fmt.Errorf("collect wallet %d: %w", walletIndex, err)
	}
	observability.RecordCollection("collected", uint64(max(profit, 0)))
	log.WithField("profit", profit).Debug("collection timer fired")
	return nil
}

// resolve records a fired timer's outcome in memory and closes Done when it was the last.
func (s *Scheduler) resolve(sess *session, t *domain.CollectionTimer, profit *int64, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Profit = profit
	t.Failed = failed
	sess.outstanding--
	if sess.outstanding == 0 {
		close(sess.done)
	}
}

// dispatch pops due entries and hands them to workers, sleeping until the next deadline.
func (s *Scheduler) dispatch(ctx context.Context) {
	defer s.wg.Done()

	for {
		due, next, pending := s.popDue()
		for _, e := range due {
			select {
			case s.work <- e:
			case <-ctx.Done():
				return
			}
		}

		var (
			timer  clock.Timer
			timerC <-chan time.Time
		)
		if pending {
			timer = s.clock.NewTimer(next)
			timerC = timer.C()
			// The clock may have moved between popDue and arming the timer.
			if s.headDue() {
				timer.Stop()
				continue
			}
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// popDue removes every entry due at the current time and reports the wait until the next one.
func (s *Scheduler) popDue() ([]*entry, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var due []*entry
	for s.queue.Len() > 0 && !s.queue[0].fireAt.After(now) {
		due = append(due, heap.Pop(&s.queue).(*entry))
	}
	if s.queue.Len() == 0 {
		return due, 0, false
	}
	return due, s.queue[0].fireAt.Sub(now), true
}

func (s *Scheduler) headDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len() > 0 && !s.queue[0].fireAt.After(s.clock.Now())
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.work:
			err := s.Fire(ctx, e.sessionID, e.walletIndex)
			if err != nil && !errors.Is(err, ErrCancelled) && !errors.Is(err, ErrAlreadyFired) {
				s.log.WithError(err).WithFields(logrus.Fields{
					"session_id":   e.sessionID,
					"wallet_index": e.walletIndex,
				}).Warn("collection failed")
			}
		}
	}
}

// signal wakes the dispatcher without blocking.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) jitter() time.Duration {
	span := int64((s.cfg.JitterMax - s.cfg.JitterMin) / time.Millisecond)
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.cfg.JitterMin + time.Duration(s.rng.Int63n(span+1))*time.Millisecond
}

func window(timers []*domain.CollectionTimer) time.Duration {
	if len(timers) == 0 {
		return 0
	}
	lo, hi := timers[0].ScheduledTime, timers[0].ScheduledTime
	for _, t := range timers[1:] {
		if t.ScheduledTime.Before(lo) {
			lo = t.ScheduledTime
		}
		if t.ScheduledTime.After(hi) {
			hi = t.ScheduledTime
		}
	}
	return hi.Sub(lo)
}
