package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/nextkey/keyadmin/pkg/constants"
	"github.com/nextkey/keyadmin/pkg/metrics"
	"github.com/nextkey/keyadmin/pkg/types"
)

// refreshResult settles one waiter.
type refreshResult struct {
	accessToken string
	err         error
}

// refreshWaiter is a caller blocked on the in-flight refresh. The channel
// has room for exactly one result, so settling never blocks even when the
// caller stopped listening.
type refreshWaiter struct {
	done chan refreshResult
}

func newRefreshWaiter() *refreshWaiter {
	return &refreshWaiter{done: make(chan refreshResult, 1)}
}

// RefreshCoordinator ensures at most one refresh call is in flight and
// fans its outcome out to every caller that asked for a refresh meanwhile.
type RefreshCoordinator struct {
	mu       sync.Mutex
	inFlight bool
	waiters  []*refreshWaiter // FIFO
	epoch    uint64           // bumped by Terminate; stale refresh results are dropped
	current  chan struct{}    // closed when the running refresh call returns
	orphan   chan struct{}    // the call Terminate abandoned; the next call waits for it

	state      *TokenState
	refresher  TokenRefresher
	timeout    time.Duration
	defaultTTL time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// CoordinatorOption configures a RefreshCoordinator.
type CoordinatorOption func(*RefreshCoordinator)

// WithRefreshTimeout bounds each refresh call.
func WithRefreshTimeout(d time.Duration) CoordinatorOption {
	return func(c *RefreshCoordinator) { c.timeout = d }
}

// WithDefaultTTL sets the lifetime assumed when the refresh response carries
// neither expires_in nor a JWT exp claim.
func WithDefaultTTL(d time.Duration) CoordinatorOption {
	return func(c *RefreshCoordinator) { c.defaultTTL = d }
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l zerolog.Logger) CoordinatorOption {
	return func(c *RefreshCoordinator) { c.logger = l.With().Str("component", "refresh_coordinator").Logger() }
}

// WithCoordinatorMetrics records refresh calls and waiters.
func WithCoordinatorMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *RefreshCoordinator) { c.metrics = m }
}

// NewRefreshCoordinator creates a coordinator that refreshes state through refresher.
func NewRefreshCoordinator(state *TokenState, refresher TokenRefresher, opts ...CoordinatorOption) *RefreshCoordinator {
	c := &RefreshCoordinator{
		state:      state,
		refresher:  refresher,
		timeout:    constants.TokenRefreshTimeout,
		defaultTTL: constants.DefaultTokenTTL,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestRefresh returns a fresh access token, starting the refresh call if
// none is in flight or waiting for the one that is.
func (c *RefreshCoordinator) RequestRefresh(ctx context.Context) (string, error) {
	return c.refresh(ctx, metrics.TriggerManual, "")
}

// RefreshIfStale is the reactive entry point. usedToken is the access token
// the rejected request carried. When no refresh is in flight and the
// session already holds a different token, that token is returned without
// another refresh call.
func (c *RefreshCoordinator) RefreshIfStale(ctx context.Context, usedToken string) (string, error) {
	return c.refresh(ctx, metrics.TriggerReactive, usedToken)
}

// InFlight reports whether a refresh call is outstanding.
func (c *RefreshCoordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Terminate rejects every waiting caller with ErrSessionTerminated and
// discards the outcome of a refresh still on the wire. The next refresh
// call is held back until the abandoned one returns. It does not clear
// TokenState; the caller does that.
func (c *RefreshCoordinator) Terminate(cause error) {
	c.mu.Lock()
	if c.inFlight {
		c.orphan = c.current
	}
	waiters := c.waiters
	c.waiters = nil
	c.inFlight = false
	c.epoch++
	c.mu.Unlock()

	if len(waiters) == 0 {
		return
	}

	err := &AuthError{Op: "terminate", Kind: ErrSessionTerminated, Err: cause}
	for _, w := range waiters {
		w.done <- refreshResult{err: err}
	}
	c.logger.Info().Int("waiters", len(waiters)).Msg("pending refresh waiters rejected")
}

// StartSession installs a pair issued by login. A refresh still in flight
// belongs to the previous session; its waiters are rejected and its result
// is discarded.
func (c *RefreshCoordinator) StartSession(ctx context.Context, pair *types.TokenPair) error {
	if pair == nil || pair.AccessToken == "" {
		return &AuthError{Op: "start_session", Kind: ErrEmptyAccessToken}
	}
	c.Terminate(errSessionReplaced)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.SetSession(ctx, pair.AccessToken, pair.RefreshToken, c.resolveTTL(pair))
}

func (c *RefreshCoordinator) refresh(ctx context.Context, trigger, usedToken string) (string, error) {
	c.mu.Lock()
	if !c.inFlight && usedToken != "" {
		if current := c.state.AccessToken(); current != "" && current != usedToken {
			c.mu.Unlock()
			c.logger.Debug().Msg("token already refreshed, skipping refresh call")
			return current, nil
		}
	}

	w := newRefreshWaiter()
	c.waiters = append(c.waiters, w)

	if c.inFlight {
		n := len(c.waiters)
		c.mu.Unlock()
		c.metrics.RecordWaiter()
		c.logger.Debug().Int("position", n).Str("trigger", trigger).Msg("joined in-flight refresh")
		return c.await(ctx, w)
	}

	c.inFlight = true
	epoch := c.epoch
	refreshToken := c.state.RefreshToken()
	done := make(chan struct{})
	c.current = done
	orphan := c.orphan
	c.orphan = nil
	c.mu.Unlock()

	// Detached from the initiating caller; only the refresh timeout ends it.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	go func() {
		defer close(done)
		defer cancel()
		if orphan != nil {
			select {
			case <-orphan:
			case <-callCtx.Done():
			}
		}
		c.run(callCtx, epoch, trigger, refreshToken)
	}()

	return c.await(ctx, w)
}

func (c *RefreshCoordinator) await(ctx context.Context, w *refreshWaiter) (string, error) {
	select {
	case r := <-w.done:
		return r.accessToken, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *RefreshCoordinator) run(ctx context.Context, epoch uint64, trigger, refreshToken string) {
	start := time.Now()
	logger := c.logger.With().Str("trigger", trigger).Logger()

	var (
		pair *types.TokenPair
		err  error
	)
	if refreshToken == "" {
		err = refreshFailure("no refresh token available", nil)
	} else {
		logger.Debug().Msg("refreshing access token")
		pair, err = c.refresher.Refresh(ctx, refreshToken)
		if err == nil && (pair == nil || pair.AccessToken == "") {
			err = errors.New("refresh response carried no access token")
		}
		if err != nil && !errors.Is(err, ErrRefreshFailed) {
			err = refreshFailure("failed to refresh token", err)
		}
		c.metrics.RecordRefresh(trigger, err, time.Since(start))
	}

	c.settle(context.WithoutCancel(ctx), epoch, refreshToken, pair, err, logger)
}

// settle commits the outcome and releases the queue. The epoch check and
// the state write happen under the coordinator lock so Terminate and a
// late refresh result are strictly ordered.
func (c *RefreshCoordinator) settle(ctx context.Context, epoch uint64, usedRefresh string, pair *types.TokenPair, err error, logger zerolog.Logger) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		logger.Info().Msg("session terminated during refresh, discarding result")
		return
	}

	var result refreshResult
	if err == nil {
		refreshToken := pair.RefreshToken
		if refreshToken == "" {
			logger.Warn().Msg("refresh response did not rotate the refresh token, keeping the current one")
			refreshToken = usedRefresh
		}
		ttl := c.resolveTTL(pair)
		if storeErr := c.state.SetSession(ctx, pair.AccessToken, refreshToken, ttl); storeErr != nil {
			logger.Warn().Err(storeErr).Msg("refreshed session not persisted")
		}
		result = refreshResult{accessToken: pair.AccessToken}
	} else {
		_ = c.state.Clear(ctx)
		result = refreshResult{err: err}
	}

	waiters := c.waiters
	c.waiters = nil
	c.inFlight = false
	c.mu.Unlock()

	for _, w := range waiters {
		w.done <- result
	}

	if err != nil {
		logger.Warn().Err(err).Int("waiters", len(waiters)).Msg("token refresh failed, session cleared")
		c.metrics.RecordSessionEnded("refresh_failed")
		return
	}
	logger.Info().Int("waiters", len(waiters)).Msg("token refreshed")
}

// resolveTTL prefers expires_in, then the exp claim of a JWT access token,
// then the configured default.
func (c *RefreshCoordinator) resolveTTL(pair *types.TokenPair) time.Duration {
	if ttl := pair.TTL(); ttl > 0 {
		return ttl
	}
	if exp, ok := jwtExpiry(pair.AccessToken); ok {
		if ttl := exp.Sub(c.state.Now()); ttl > 0 {
			return ttl
		}
	}
	return c.defaultTTL
}

// jwtExpiry reads the exp claim without verifying the signature.
func jwtExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
