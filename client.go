// Package keyadmin is a client for the card-key admin API that keeps its
// session alive on its own.
//
// The access token is refreshed shortly before it expires, and a request
// rejected with 401 triggers a refresh and is sent once more. However many
// requests fail at the same moment, only one refresh call is made.
//
// Example usage:
//
//	client, err := keyadmin.NewClient(keyadmin.WithBaseURL("https://keys.example.com"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	if !client.IsAuthenticated() {
//		if err := client.Login(ctx, "admin", password); err != nil {
//			log.Fatal(err)
//		}
//	}
//
//	page, err := client.Projects.List(ctx, types.ListOptions{Page: 1})
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(page.Total)
package keyadmin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/nextkey/keyadmin/pkg/auth"
	"github.com/nextkey/keyadmin/pkg/constants"
	"github.com/nextkey/keyadmin/pkg/storage"
	"github.com/nextkey/keyadmin/pkg/types"
)

var errLoggedOut = errors.New("logged out")

// Client provides the admin API on top of a self-refreshing session.
type Client struct {
	config      *Config
	state       *auth.TokenState
	coordinator *auth.RefreshCoordinator
	scheduler   *auth.RefreshScheduler
	gateway     *Gateway
	logger      zerolog.Logger
	cancel      context.CancelFunc

	Projects  *ProjectsService
	Cards     *CardsService
	CloudVars *CloudVarsService
}

// AuthStatus describes the current session.
type AuthStatus struct {
	Authenticated   bool          `json:"authenticated"`
	ExpiresAt       time.Time     `json:"expiresAt,omitempty"`
	ExpiresIn       time.Duration `json:"expiresIn,omitempty"`
	HasRefreshToken bool          `json:"hasRefreshToken"`
	NextRefreshAt   time.Time     `json:"nextRefreshAt,omitempty"`
	RefreshInFlight bool          `json:"refreshInFlight"`
	StoragePath     string        `json:"storagePath"`
}

// NewClient creates a new client with the provided configuration options.
// Unless disabled with WithRestoreSession(false), a stored session is
// loaded and its proactive refresh scheduled.
func NewClient(opts ...ConfigOption) (*Client, error) {
	config := NewConfig(opts...)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	baseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, &ConfigError{Field: "BaseURL", Message: err.Error()}
	}

	logger := config.Logger
	state := auth.NewTokenState(config.CredentialStore,
		auth.WithStateClock(config.Clock),
		auth.WithStateLogger(logger),
		auth.WithStateMetrics(config.Metrics),
	)

	httpConfig := &HTTPClientConfig{
		Timeout:            config.Timeout,
		MaxContentSize:     config.MaxContentSize,
		UserAgent:          config.UserAgent,
		BreakerMaxFailures: config.BreakerMaxFailures,
		BreakerOpenTimeout: config.BreakerOpenTimeout,
	}
	var httpClient *HTTPClient
	if config.HTTPClient != nil {
		httpClient = newHTTPClient(config.HTTPClient, httpConfig, logger)
	} else {
		httpClient = NewHTTPClient(httpConfig, logger)
	}

	gateway := &Gateway{
		baseURL:        baseURL,
		http:           httpClient,
		state:          state,
		notifier:       config.Notifier,
		onSessionEnded: config.OnSessionEnded,
		logger:         logger.With().Str("component", "gateway").Logger(),
		metrics:        config.Metrics,
	}
	if config.RateLimit > 0 {
		gateway.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst)
	}

	coordinator := auth.NewRefreshCoordinator(state, &gatewayRefresher{gateway: gateway},
		auth.WithRefreshTimeout(config.RefreshTimeout),
		auth.WithDefaultTTL(config.DefaultTokenTTL),
		auth.WithCoordinatorLogger(logger),
		auth.WithCoordinatorMetrics(config.Metrics),
	)
	gateway.coordinator = coordinator

	ctx, cancel := context.WithCancel(context.Background())
	scheduler := auth.NewRefreshScheduler(state, coordinator,
		auth.WithSkew(config.RefreshSkew),
		auth.WithSchedulerClock(config.Clock),
		auth.WithSchedulerLogger(logger),
		auth.WithSchedulerContext(ctx),
	)

	c := &Client{
		config:      config,
		state:       state,
		coordinator: coordinator,
		scheduler:   scheduler,
		gateway:     gateway,
		logger:      logger,
		cancel:      cancel,
	}
	c.Projects = &ProjectsService{gateway: gateway}
	c.Cards = &CardsService{gateway: gateway}
	c.CloudVars = &CloudVarsService{gateway: gateway}

	if config.RestoreSession {
		restoreCtx, restoreCancel := context.WithTimeout(ctx, constants.StorageTimeout)
		defer restoreCancel()
		if err := state.Restore(restoreCtx); err != nil {
			logger.Warn().Err(err).Str("storage", state.StoragePath()).Msg("stored session not restored")
		}
	}

	return c, nil
}

// Login authenticates with username and password and starts a new session.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var pair types.TokenPair
	err := c.gateway.Do(ctx, &Request{
		Method:    http.MethodPost,
		Path:      constants.LoginPath,
		Body:      types.LoginRequest{Username: username, Password: password},
		Anonymous: true,
		NoRefresh: true,
	}, &pair)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if err := c.coordinator.StartSession(ctx, &pair); err != nil {
		if errors.Is(err, auth.ErrEmptyAccessToken) {
			return fmt.Errorf("login failed: %w", err)
		}
		// Stored in memory; only persistence failed.
		c.logger.Warn().Err(err).Msg("session not persisted")
	}
	c.logger.Info().Str("user", username).Msg("logged in")
	return nil
}

// Logout tells the backend the session ends, then clears it locally. The
// server call is best effort; local state is cleared regardless. Pending
// refresh waiters are rejected and the proactive timer is cancelled.
// Calling Logout without a session is a no-op.
func (c *Client) Logout(ctx context.Context) error {
	if c.state.IsAuthenticated() {
		callCtx, cancel := context.WithTimeout(ctx, constants.LogoutTimeout)
		err := c.gateway.execute(callCtx, &Request{
			Method:    http.MethodPost,
			Path:      constants.LogoutPath,
			NoRefresh: true,
		}, nil, "", false)
		cancel()
		if err != nil {
			c.logger.Debug().Err(err).Msg("server logout failed, clearing local session anyway")
		}
		c.config.Metrics.RecordSessionEnded("logout")
	}

	c.coordinator.Terminate(errLoggedOut)
	if err := c.state.Clear(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	c.logger.Info().Msg("logged out")
	return nil
}

// Refresh forces a token refresh, sharing a refresh already in flight.
func (c *Client) Refresh(ctx context.Context) error {
	_, err := c.coordinator.RequestRefresh(ctx)
	return err
}

// Do sends a raw admin API request through the gateway.
func (c *Client) Do(ctx context.Context, req *Request, out any) error {
	return c.gateway.Do(ctx, req, out)
}

// IsAuthenticated reports whether a session is held.
func (c *Client) IsAuthenticated() bool {
	return c.state.IsAuthenticated()
}

// GetAuthStatus returns the current authentication status.
func (c *Client) GetAuthStatus() *AuthStatus {
	status := &AuthStatus{
		Authenticated:   c.state.IsAuthenticated(),
		HasRefreshToken: c.state.RefreshToken() != "",
		RefreshInFlight: c.coordinator.InFlight(),
		StoragePath:     c.state.StoragePath(),
	}
	if expiresAt, ok := c.state.ExpiresAt(); ok {
		status.ExpiresAt = expiresAt
		status.ExpiresIn = max(expiresAt.Sub(c.state.Now()), 0)
	}
	if next, ok := c.scheduler.NextRefreshAt(); ok {
		status.NextRefreshAt = next
	}
	return status
}

// TokenSource exposes the session as an oauth2.TokenSource. An expired
// token is refreshed through the coordinator before being returned.
func (c *Client) TokenSource() oauth2.TokenSource {
	return &sessionTokenSource{client: c}
}

type sessionTokenSource struct {
	client *Client
}

// Token implements oauth2.TokenSource.
func (ts *sessionTokenSource) Token() (*oauth2.Token, error) {
	state := ts.client.state
	token := state.Token()
	if token == nil {
		return nil, &auth.AuthError{Op: "token_source", Kind: auth.ErrNotAuthenticated}
	}
	if token.Expiry.IsZero() || state.Now().Before(token.Expiry) {
		return token, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ts.client.config.RefreshTimeout)
	defer cancel()
	if _, err := ts.client.coordinator.RequestRefresh(ctx); err != nil {
		return nil, err
	}
	if token = state.Token(); token == nil {
		return nil, &auth.AuthError{Op: "token_source", Kind: auth.ErrNotAuthenticated}
	}
	return token, nil
}

// GetConfig returns the client configuration.
func (c *Client) GetConfig() *Config {
	return c.config
}

// Close stops the proactive refresh. The stored session is kept for the
// next client, and a refresh already on the wire still commits.
func (c *Client) Close() error {
	c.scheduler.Stop()
	c.cancel()
	return nil
}

// CredentialStore returns the store the session is persisted to.
func (c *Client) CredentialStore() storage.CredentialStore {
	return c.config.CredentialStore
}
