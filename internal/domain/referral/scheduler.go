package referral

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EscalateFunc is invoked when a referral's deadline passes.
type EscalateFunc func(ctx context.Context, referralID uuid.UUID) error

type timerEntry struct {
	timer    *time.Timer
	gen      uint64
	deadline time.Time
}

// Scheduler keeps one timer per Pending referral. A timer that fires after
// it was disarmed or re-armed does nothing.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[uuid.UUID]*timerEntry
	gen     uint64
	stopped bool
	running sync.WaitGroup

	handler    EscalateFunc
	timeout    time.Duration
	retryDelay time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

// DefaultRetryDelay is how long a referral waits before another escalation
// attempt after a transient failure.
const DefaultRetryDelay = 5 * time.Second

// NewScheduler creates a scheduler whose escalations each run under a
// context bounded by timeout.
func NewScheduler(timeout time.Duration, logger zerolog.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Scheduler{
		timers:     make(map[uuid.UUID]*timerEntry),
		timeout:    timeout,
		retryDelay: DefaultRetryDelay,
		logger:     logger.With().Str("component", "escalation_scheduler").Logger(),
		now:        time.Now,
	}
}

// SetRetryDelay changes the backoff used after a failed escalation.
func (s *Scheduler) SetRetryDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.retryDelay = d
	}
}

// SetHandler wires the escalation callback. The referral service sets
// itself here on construction.
func (s *Scheduler) SetHandler(fn EscalateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Arm schedules escalation of id at deadline, replacing any existing timer.
// A deadline in the past fires immediately.
func (s *Scheduler) Arm(id uuid.UUID, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if e, ok := s.timers[id]; ok {
		e.timer.Stop()
	}
	s.gen++
	gen := s.gen
	delay := deadline.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timers[id] = &timerEntry{
		gen:      gen,
		deadline: deadline,
		timer:    time.AfterFunc(delay, func() { s.fire(id, gen) }),
	}
}

// Disarm cancels the timer for id and reports whether one was armed.
func (s *Scheduler) Disarm(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, id)
	return true
}

func (s *Scheduler) IsArmed(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// TimeRemaining is max(0, deadline - now) for a Pending referral and zero
// otherwise.
func (s *Scheduler) TimeRemaining(r *Referral) time.Duration {
	if !r.IsPending() {
		return 0
	}
	d := r.DeadlineAt.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// Restore re-arms timers for referrals loaded at startup. Referrals whose
// deadline already passed escalate right away.
func (s *Scheduler) Restore(pending []*Referral) int {
	n := 0
	for _, r := range pending {
		if !r.IsPending() {
			continue
		}
		s.Arm(r.ID, r.DeadlineAt)
		n++
	}
	return n
}

func (s *Scheduler) fire(id uuid.UUID, gen uint64) {
	s.mu.Lock()
	e, ok := s.timers[id]
	if !ok || e.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	handler := s.handler
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	if handler == nil {
		s.logger.Warn().Str("referral_id", id.String()).Msg("deadline passed but no escalation handler is set")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := handler(ctx, id)
	switch {
	case err == nil:
		s.logger.Info().Str("referral_id", id.String()).Msg("referral escalated after timeout")
	case errors.Is(err, ErrNotPending), errors.Is(err, ErrNotFound):
		s.logger.Debug().Str("referral_id", id.String()).Msg("referral left pending before its deadline")
	case errors.Is(err, ErrNoEscalationTarget):
		s.logger.Warn().Str("referral_id", id.String()).Msg("deadline passed with no hospital to escalate to")
	default:
		s.logger.Error().Err(err).Str("referral_id", id.String()).Msg("escalation failed, retrying")
		s.retry(id)
	}
}

// retry re-arms id after a transient failure unless the scheduler stopped
// or the referral was armed again while the handler ran.
func (s *Scheduler) retry(id uuid.UUID) {
	s.mu.Lock()
	_, armed := s.timers[id]
	stopped := s.stopped
	at := s.now().Add(s.retryDelay)
	s.mu.Unlock()
	if armed || stopped {
		return
	}
	s.Arm(id, at)
}

// Stop cancels every timer and waits for escalations already running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.running.Wait()
}
