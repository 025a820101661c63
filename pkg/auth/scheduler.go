package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nextkey/keyadmin/pkg/constants"
	"github.com/nextkey/keyadmin/pkg/metrics"
)

// RefreshScheduler owns the single timer that refreshes the session shortly
// before the access token expires. It implements SessionObserver so
// TokenState mutations reschedule or cancel it.
type RefreshScheduler struct {
	mu         sync.Mutex
	timer      Timer
	fireAt     time.Time
	generation uint64 // identifies the armed timer; bumped on every cancel
	stopped    bool
	lastFired  time.Time

	state       *TokenState
	coordinator *RefreshCoordinator
	clock       Clock
	skew        time.Duration
	ctx         context.Context
	logger      zerolog.Logger
}

// SchedulerOption configures a RefreshScheduler.
type SchedulerOption func(*RefreshScheduler)

// WithSkew sets how long before expiry the refresh fires.
func WithSkew(d time.Duration) SchedulerOption {
	return func(s *RefreshScheduler) { s.skew = d }
}

// WithSchedulerClock sets the time source and timer factory.
func WithSchedulerClock(c Clock) SchedulerOption {
	return func(s *RefreshScheduler) { s.clock = c }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l zerolog.Logger) SchedulerOption {
	return func(s *RefreshScheduler) { s.logger = l.With().Str("component", "refresh_scheduler").Logger() }
}

// WithSchedulerContext sets the base context of proactive refresh calls.
func WithSchedulerContext(ctx context.Context) SchedulerOption {
	return func(s *RefreshScheduler) { s.ctx = ctx }
}

// NewRefreshScheduler creates a scheduler and registers it as the observer of state.
func NewRefreshScheduler(state *TokenState, coordinator *RefreshCoordinator, opts ...SchedulerOption) *RefreshScheduler {
	s := &RefreshScheduler{
		state:       state,
		coordinator: coordinator,
		clock:       SystemClock{},
		skew:        constants.RefreshSkew,
		ctx:         context.Background(),
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	state.SetObserver(s)
	return s
}

// SessionChanged implements SessionObserver.
func (s *RefreshScheduler) SessionChanged() { s.Reschedule() }

// SessionCleared implements SessionObserver.
func (s *RefreshScheduler) SessionCleared() { s.Cancel() }

// Reschedule cancels any armed timer and arms a new one for skew before
// the current expiry. Inside the skew window the refresh starts at once,
// unless the previous proactive refresh started less than skew ago; then
// the timer is armed at half the remaining lifetime. For an expired or
// expiry-less session nothing is scheduled.
func (s *RefreshScheduler) Reschedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	if s.stopped {
		return
	}

	expiresAt, ok := s.state.ExpiresAt()
	if !ok {
		return
	}

	now := s.clock.Now()
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		s.logger.Debug().Time("expires_at", expiresAt).Msg("token already expired, leaving refresh to the next request")
		return
	}

	gen := s.generation
	lead := remaining - s.skew
	if lead <= 0 {
		if s.lastFired.IsZero() || now.Sub(s.lastFired) >= s.skew {
			s.logger.Debug().Dur("remaining", remaining).Msg("token inside refresh window, refreshing now")
			s.fireAt = now
			go s.fire(gen)
			return
		}
		lead = remaining / 2
		s.logger.Warn().
			Dur("remaining", remaining).
			Dur("skew", s.skew).
			Msg("issued token lifetime is shorter than the refresh skew, refreshing at half its lifetime")
	}

	s.fireAt = now.Add(lead)
	s.timer = s.clock.AfterFunc(lead, func() { s.fire(gen) })
	s.logger.Debug().Time("fire_at", s.fireAt).Msg("proactive refresh scheduled")
}

// Cancel disarms the timer. Safe when nothing is armed.
func (s *RefreshScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// Stop cancels the timer and refuses further scheduling.
func (s *RefreshScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.stopped = true
}

// NextRefreshAt returns when the armed timer fires.
func (s *RefreshScheduler) NextRefreshAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fireAt.IsZero() {
		return time.Time{}, false
	}
	return s.fireAt, true
}

func (s *RefreshScheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.fireAt = time.Time{}
	s.generation++
}

func (s *RefreshScheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.fireAt = time.Time{}
	s.lastFired = s.clock.Now()
	s.mu.Unlock()

	// The coordinator clears the session on failure, under its epoch check.
	_, err := s.coordinator.refresh(s.ctx, metrics.TriggerProactive, "")
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Stopped while waiting; the call itself still commits.
		s.logger.Debug().Msg("scheduler stopped during proactive refresh")
	case errors.Is(err, ErrSessionTerminated):
		// Logged out while refreshing; a newer session may already exist.
		s.logger.Debug().Msg("proactive refresh abandoned by logout")
	default:
		s.logger.Warn().Err(err).Msg("proactive refresh failed")
	}
}
