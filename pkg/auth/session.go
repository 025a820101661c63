package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/nextkey/keyadmin/pkg/metrics"
	"github.com/nextkey/keyadmin/pkg/storage"
)

// TokenState is the authoritative record of the current session. It is
// mutated only through its own methods, which the coordinator and the
// client call; everything else reads.
type TokenState struct {
	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time // zero when the expiry is unknown

	store    storage.CredentialStore
	clock    Clock
	observer SessionObserver
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// StateOption configures a TokenState.
type StateOption func(*TokenState)

// WithStateClock sets the time source used to compute expiries.
func WithStateClock(c Clock) StateOption {
	return func(s *TokenState) { s.clock = c }
}

// WithStateLogger sets the logger.
func WithStateLogger(l zerolog.Logger) StateOption {
	return func(s *TokenState) { s.logger = l.With().Str("component", "token_state").Logger() }
}

// WithStateMetrics records whether a session is held.
func WithStateMetrics(m *metrics.Metrics) StateOption {
	return func(s *TokenState) { s.metrics = m }
}

// NewTokenState creates an empty state persisted to store.
func NewTokenState(store storage.CredentialStore, opts ...StateOption) *TokenState {
	s := &TokenState{
		store:  store,
		clock:  SystemClock{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetObserver registers the component to notify after each mutation.
func (s *TokenState) SetObserver(o SessionObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Restore rehydrates the session from the store. A missing session is not
// an error. A corrupt one is removed and its error returned.
func (s *TokenState) Restore(ctx context.Context) error {
	token, err := s.store.LoadToken(ctx)
	if errors.Is(err, storage.ErrStorageNotFound) {
		return nil
	}
	if err != nil {
		if errors.Is(err, storage.ErrStorageCorrupted) {
			s.logger.Warn().Err(err).Msg("discarding corrupt stored session")
			_ = s.store.ClearToken(ctx)
		}
		return err
	}

	s.mu.Lock()
	s.accessToken = token.AccessToken
	s.refreshToken = token.RefreshToken
	s.expiresAt = token.Expiry
	observer := s.observer
	s.mu.Unlock()

	s.metrics.SetAuthenticated(true)
	s.logger.Debug().Time("expires_at", token.Expiry).Msg("session restored")
	if observer != nil {
		observer.SessionChanged()
	}
	return nil
}

// SetSession stores a new credential pair expiring ttl from now; ttl <= 0
// leaves the expiry unknown. The pair is persisted before returning. A
// persistence error is returned, but the in-memory session is updated and
// the observer notified regardless, so requests keep working.
func (s *TokenState) SetSession(ctx context.Context, accessToken, refreshToken string, ttl time.Duration) error {
	if accessToken == "" {
		return &AuthError{Op: "set_session", Kind: ErrEmptyAccessToken}
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.clock.Now().Add(ttl)
	}

	s.mu.Lock()
	s.accessToken = accessToken
	s.refreshToken = refreshToken
	s.expiresAt = expiresAt
	token := s.tokenLocked()
	err := s.store.StoreToken(ctx, token)
	observer := s.observer
	s.mu.Unlock()

	s.metrics.SetAuthenticated(true)
	if err != nil {
		s.logger.Error().Err(err).Str("storage", s.store.GetStoragePath()).Msg("failed to persist session")
		err = &AuthError{Op: "store_token", Message: "failed to persist session", Err: err}
	}
	if observer != nil {
		observer.SessionChanged()
	}
	return err
}

// Clear empties the session and its persisted copy. It is idempotent.
func (s *TokenState) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.accessToken = ""
	s.refreshToken = ""
	s.expiresAt = time.Time{}
	err := s.store.ClearToken(ctx)
	observer := s.observer
	s.mu.Unlock()

	s.metrics.SetAuthenticated(false)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to clear persisted session")
		err = &AuthError{Op: "clear_token", Message: "failed to clear stored session", Err: err}
	}
	if observer != nil {
		observer.SessionCleared()
	}
	return err
}

// AccessToken returns the current access token, empty when logged out.
func (s *TokenState) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// RefreshToken returns the current refresh token.
func (s *TokenState) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshToken
}

// IsAuthenticated reports whether a session is held. An expired access
// token still counts: the next 401 refreshes it.
func (s *TokenState) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken != ""
}

// ExpiresAt returns the access token expiry and whether it is known.
func (s *TokenState) ExpiresAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.accessToken == "" || s.expiresAt.IsZero() {
		return time.Time{}, false
	}
	return s.expiresAt, true
}

// Token returns a snapshot of the session, or nil when logged out.
func (s *TokenState) Token() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.accessToken == "" {
		return nil
	}
	return s.tokenLocked()
}

// StoragePath reports where the session is persisted.
func (s *TokenState) StoragePath() string {
	return s.store.GetStoragePath()
}

func (s *TokenState) tokenLocked() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  s.accessToken,
		TokenType:    "Bearer",
		RefreshToken: s.refreshToken,
		Expiry:       s.expiresAt,
	}
}

// Now returns the current time of the state's clock.
func (s *TokenState) Now() time.Time {
	return s.clock.Now()
}
