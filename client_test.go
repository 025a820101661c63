package keyadmin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/nextkey/keyadmin/pkg/auth"
	"github.com/nextkey/keyadmin/pkg/constants"
	"github.com/nextkey/keyadmin/pkg/metrics"
	"github.com/nextkey/keyadmin/pkg/storage"
	"github.com/nextkey/keyadmin/pkg/types"
)

func login(t *testing.T, h *testHarness) {
	t.Helper()
	require.NoError(t, h.client.Login(context.Background(), "admin", "secret"))
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name        string
		options     []ConfigOption
		expectError bool
	}{
		{
			name:    "defaults",
			options: nil,
		},
		{
			name:    "with timeout option",
			options: []ConfigOption{WithTimeout(30 * time.Second)},
		},
		{
			name:    "with rate limit",
			options: []ConfigOption{WithRateLimit(50, 5)},
		},
		{
			name:        "relative base url",
			options:     []ConfigOption{WithBaseURL("/admin")},
			expectError: true,
		},
		{
			name:        "zero skew",
			options:     []ConfigOption{WithRefreshSkew(0)},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend(t)
			opts := append([]ConfigOption{
				WithBaseURL(b.server.URL),
				WithCredentialStore(storage.NewMemoryStore()),
			}, tt.options...)

			client, err := NewClient(opts...)
			if tt.expectError {
				var configErr *ConfigError
				require.ErrorAs(t, err, &configErr)
				return
			}
			require.NoError(t, err)
			defer func() { _ = client.Close() }()
			assert.False(t, client.IsAuthenticated())
		})
	}
}

func TestLoginStartsSession(t *testing.T) {
	h := newHarness(t, newFakeBackend(t))

	login(t, h)

	assert.True(t, h.client.IsAuthenticated())
	status := h.client.GetAuthStatus()
	assert.True(t, status.Authenticated)
	assert.True(t, status.HasRefreshToken)
	assert.Equal(t, testEpoch.Add(900*time.Second), status.ExpiresAt)
	assert.Equal(t, 900*time.Second, status.ExpiresIn)
	assert.Equal(t, testEpoch.Add(720*time.Second), status.NextRefreshAt)

	access, _ := h.store.Get(constants.AccessTokenKey)
	refresh, _ := h.store.Get(constants.RefreshTokenKey)
	assert.Equal(t, "A1", access)
	assert.Equal(t, "R1", refresh)
}

func TestLoginRejected(t *testing.T) {
	h := newHarness(t, newFakeBackend(t))

	err := h.client.Login(context.Background(), "admin", "wrong")

	require.ErrorIs(t, err, auth.ErrNotAuthenticated)
	assert.Contains(t, err.Error(), "invalid username or password")
	assert.False(t, h.client.IsAuthenticated())
	refreshCalls, _, _ := h.backend.counts()
	assert.Zero(t, refreshCalls)
	assert.Len(t, h.notifications(), 1)
}

func TestRequestCarriesBearerAndRequestID(t *testing.T) {
	h := newHarness(t, newFakeBackend(t))
	login(t, h)

	page, err := h.client.Projects.List(context.Background(), types.ListOptions{Page: 1, PageSize: 10})

	require.NoError(t, err)
	require.Len(t, page.List, 1)
	assert.Equal(t, "demo", page.List[0].Name)
	assert.Equal(t, []string{"Bearer A1"}, h.backend.authHeaders())

	h.backend.mu.Lock()
	requestID := h.backend.requestIDs[0]
	h.backend.mu.Unlock()
	_, err = uuid.Parse(requestID)
	assert.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeSuccess)))
}

func TestConcurrentUnauthorizedRequestsShareOneRefresh(t *testing.T) {
	h := newHarness(t, newFakeBackend(t))
	login(t, h)
	h.backend.expireAccess()
	gate := h.backend.blockRefresh()

	const callers = 3
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.client.Projects.List(context.Background(), types.ListOptions{})
		}(i)
	}

	<-h.backend.refreshStarted
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.RefreshWaitersTotal) == callers-1
	}, 2*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	refreshCalls, _, projectCalls := h.backend.counts()
	assert.Equal(t, 1, refreshCalls)
	assert.Equal(t, 2*callers, projectCalls)

	headers := h.backend.authHeaders()
	assert.ElementsMatch(t, []string{"Bearer A1", "Bearer A1", "Bearer A1"}, headers[:callers])
	assert.Equal(t, []string{"Bearer A2", "Bearer A2", "Bearer A2"}, headers[callers:])
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.RetriesTotal))
	assert.Empty(t, h.sessionEnded())
}

func TestUnauthorizedAfterRetryEndsSession(t *testing.T) {
	b := newFakeBackend(t)
	h := newHarness(t, b)
	login(t, h)
	b.mu.Lock()
	b.rejectAll = true
	b.mu.Unlock()

	_, err := h.client.Projects.List(context.Background(), types.ListOptions{})

	require.ErrorIs(t, err, auth.ErrRetryExhausted)
	assert.True(t, auth.IsTerminal(err))
	refreshCalls, _, projectCalls := b.counts()
	assert.Equal(t, 1, refreshCalls)
	assert.Equal(t, 2, projectCalls)
	assert.Equal(t, []string{"Bearer A1", "Bearer A2"}, b.authHeaders())
	assert.False(t, h.client.IsAuthenticated())
	require.Len(t, h.sessionEnded(), 1)
	assert.ErrorIs(t, h.sessionEnded()[0], auth.ErrRetryExhausted)
}

func TestRefreshEndpointUnauthorizedIsNotRetried(t *testing.T) {
	b := newFakeBackend(t)
	h := newHarness(t, b)
	login(t, h)
	b.expireAccess()
	b.revokeRefresh()

	_, err := h.client.Projects.List(context.Background(), types.ListOptions{})

	require.ErrorIs(t, err, auth.ErrRefreshFailed)
	refreshCalls, _, projectCalls := b.counts()
	assert.Equal(t, 1, refreshCalls, "a 401 from the refresh endpoint must not refresh again")
	assert.Equal(t, 1, projectCalls)
	assert.False(t, h.client.IsAuthenticated())
	assert.False(t, h.store.HasToken(context.Background()))
	require.Len(t, h.sessionEnded(), 1)
	assert.ErrorIs(t, h.sessionEnded()[0], auth.ErrRefreshFailed)
}

func TestUnauthenticatedRequestDoesNotRefresh(t *testing.T) {
	b := newFakeBackend(t)
	h := newHarness(t, b)

	_, err := h.client.Projects.List(context.Background(), types.ListOptions{})

	require.ErrorIs(t, err, auth.ErrNotAuthenticated)
	refreshCalls, _, _ := b.counts()
	assert.Zero(t, refreshCalls)
	assert.Equal(t, []string{""}, b.authHeaders())
}

func TestBusinessError(t *testing.T) {
	b := newFakeBackend(t)
	h := newHarness(t, b)
	login(t, h)

	_, err := h.client.Projects.Get(context.Background(), "missing")

	var businessErr *BusinessError
	require.ErrorAs(t, err, &businessErr)
	assert.Equal(t, 404, businessErr.Code)
	assert.Equal(t, "project not found", businessErr.Message)
	refreshCalls, _, _ := b.counts()
	assert.Zero(t, refreshCalls)
	require.Len(t, h.notifications(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeBusiness)))
}

func TestHTMLErrorPageBecomesBusinessError(t *testing.T) {
	h := newHarness(t, newFakeBackend(t))
	login(t, h)

	err := h.client.Do(context.Background(), &Request{Path: "/admin/proxy-error"}, nil)

	var businessErr *BusinessError
	require.ErrorAs(t, err, &businessErr)
	assert.Equal(t, 502, businessErr.HTTPStatus)
	assert.Equal(t, "502 Bad Gateway nginx", businessErr.Message)
	assert.True(t, h.client.IsAuthenticated())
}

func TestTransportErrorKeepsSession(t *testing.T) {
	b := newFakeBackend(t)
	h := newHarness(t, b)
	login(t, h)
	b.server.Close()

	_, err := h.client.Projects.List(context.Background(), types.ListOptions{})

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, constants.ProjectsPath, transportErr.Path)
	assert.True(t, h.client.IsAuthenticated())
	assert.Empty(t, h.sessionEnded())
}

func TestCircuitBreakerOpensOnTransportFailures(t *testing.T) {
	b := newFakeBackend(t)
	h := newHarness(t, b, WithCircuitBreaker(2, time.Minute))
	login(t, h)
	b.server.Close()

	ctx := context.Background()
	for range 2 {
		_, err := h.client.Projects.List(ctx, types.ListOptions{})
		require.Error(t, err)
		require.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}

	_, err := h.client.Projects.List(ctx, types.ListOptions{})
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, gobreaker.StateOpen, h.client.gateway.http.BreakerState())
}

func TestLogout(t *testing.T) {
	b := newFakeBackend(t)
	h := newHarness(t, b)
	login(t, h)
	ctx := context.Background()

	require.NoError(t, h.client.Logout(ctx))

	_, logoutCalls, _ := b.counts()
	assert.Equal(t, 1, logoutCalls)
	b.mu.Lock()
	assert.Equal(t, "Bearer A1", b.lastLogoutAuth)
	b.mu.Unlock()
	assert.False(t, h.client.IsAuthenticated())
	assert.False(t, h.store.HasToken(ctx))
	assert.True(t, h.client.GetAuthStatus().NextRefreshAt.IsZero())
	assert.Empty(t, b.clock.Pending())

	require.NoError(t, h.client.Logout(ctx))
	_, logoutCalls, _ = b.counts()
	assert.Equal(t, 1, logoutCalls, "second logout has no session to end")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionsEnded.WithLabelValues("logout")))
}

func TestLogoutWithBackendDownClearsLocally(t *testing.T) {
	b := newFakeBackend(t)
	h := newHarness(t, b)
	login(t, h)
	b.server.Close()

	require.NoError(t, h.client.Logout(context.Background()))

	assert.False(t, h.client.IsAuthenticated())
	assert.Empty(t, h.notifications())
}

func TestLogoutRejectsPendingRefresh(t *testing.T) {
	b := newFakeBackend(t)
	h := newHarness(t, b)
	login(t, h)
	b.expireAccess()
	gate := b.blockRefresh()
	defer close(gate)

	done := make(chan error, 1)
	go func() {
		_, err := h.client.Projects.List(context.Background(), types.ListOptions{})
		done <- err
	}()
	<-b.refreshStarted

	require.NoError(t, h.client.Logout(context.Background()))

	select {
	case err := <-done:
		require.ErrorIs(t, err, auth.ErrSessionTerminated)
	case <-time.After(2 * time.Second):
		t.Fatal("request still waiting after logout")
	}
	assert.False(t, h.client.IsAuthenticated())
}

func TestProactiveRefreshScenario(t *testing.T) {
	b := newFakeBackend(t)
	h := newHarness(t, b)
	login(t, h)
	require.Equal(t, testEpoch.Add(720*time.Second), h.client.GetAuthStatus().NextRefreshAt)

	b.clock.Advance(720 * time.Second)

	refreshCalls, _, _ := b.counts()
	assert.Equal(t, 1, refreshCalls)
	status := h.client.GetAuthStatus()
	assert.Equal(t, testEpoch.Add(1620*time.Second), status.ExpiresAt)
	assert.Equal(t, testEpoch.Add(1440*time.Second), status.NextRefreshAt)
	access, _ := h.store.Get(constants.AccessTokenKey)
	refresh, _ := h.store.Get(constants.RefreshTokenKey)
	assert.Equal(t, "A2", access)
	assert.Equal(t, "R2", refresh)

	_, err := h.client.Projects.List(context.Background(), types.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer A2"}, b.authHeaders())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RefreshesTotal.WithLabelValues(metrics.TriggerProactive, metrics.OutcomeSuccess)))
}

func TestExpiryFromJWTClaim(t *testing.T) {
	b := newFakeBackend(t)
	b.mu.Lock()
	b.signJWT = true
	b.expiresIn = 0
	b.mu.Unlock()
	h := newHarness(t, b)

	login(t, h)

	status := h.client.GetAuthStatus()
	assert.Equal(t, testEpoch.Add(10*time.Minute), status.ExpiresAt)
	assert.Equal(t, testEpoch.Add(7*time.Minute), status.NextRefreshAt)
}

func TestRestoreSessionOnStartup(t *testing.T) {
	b := newFakeBackend(t)
	store := storage.NewMemoryStore()
	require.NoError(t, store.StoreToken(context.Background(), &oauth2.Token{
		AccessToken:  "A9",
		RefreshToken: "R9",
		Expiry:       testEpoch.Add(1000 * time.Second),
	}))

	h := newHarness(t, b, WithCredentialStore(store))

	assert.True(t, h.client.IsAuthenticated())
	assert.Equal(t, testEpoch.Add(820*time.Second), h.client.GetAuthStatus().NextRefreshAt)
}

func TestRestoreSessionDisabled(t *testing.T) {
	b := newFakeBackend(t)
	store := storage.NewMemoryStore()
	require.NoError(t, store.StoreToken(context.Background(), &oauth2.Token{AccessToken: "A9", RefreshToken: "R9"}))

	h := newHarness(t, b, WithCredentialStore(store), WithRestoreSession(false))

	assert.False(t, h.client.IsAuthenticated())
}

func TestTokenSource(t *testing.T) {
	b := newFakeBackend(t)
	h := newHarness(t, b)
	ts := h.client.TokenSource()

	_, err := ts.Token()
	require.ErrorIs(t, err, auth.ErrNotAuthenticated)

	login(t, h)
	token, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "A1", token.AccessToken)
	assert.Equal(t, "Bearer", token.Type())

	b.clock.Advance(900 * time.Second) // proactive refresh fires at 720 s
	token, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "A2", token.AccessToken)
}

func TestManualRefresh(t *testing.T) {
	b := newFakeBackend(t)
	h := newHarness(t, b)
	login(t, h)

	require.NoError(t, h.client.Refresh(context.Background()))

	refreshCalls, _, _ := b.counts()
	assert.Equal(t, 1, refreshCalls)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RefreshesTotal.WithLabelValues(metrics.TriggerManual, metrics.OutcomeSuccess)))
}

func TestAdminServices(t *testing.T) {
	b := newFakeBackend(t)
	h := newHarness(t, b)
	login(t, h)
	ctx := context.Background()

	project, err := h.client.Projects.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, uint(1), project.ID)

	result, err := h.client.Projects.BatchDelete(ctx, []uint{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "deleted 2", result.Message)

	require.NoError(t, h.client.Cards.Freeze(ctx, 7))

	vars, err := h.client.CloudVars.List(ctx, 1, types.ListOptions{})
	require.NoError(t, err)
	require.Len(t, vars.List, 1)
	assert.Equal(t, "1", vars.List[0].Value)
	assert.False(t, vars.HasMore(20))
}

func TestProjectEncryption(t *testing.T) {
	b := newFakeBackend(t)
	h := newHarness(t, b)
	ctx := context.Background()

	schemes, err := h.client.Projects.ListEncryptionSchemes(ctx)
	require.NoError(t, err, "the scheme catalogue needs no session")
	require.Len(t, schemes, 2)
	assert.Equal(t, "aes-256-gcm", schemes[0].Scheme)
	assert.True(t, schemes[1].IsDeprecated)

	login(t, h)
	_, err = h.client.Projects.ListEncryptionSchemes(ctx)
	require.NoError(t, err)
	b.mu.Lock()
	assert.Empty(t, b.schemesAuth, "the scheme catalogue is fetched without a bearer")
	b.mu.Unlock()

	enc, err := h.client.Projects.UpdateEncryption(ctx, 4, "chacha20")
	require.NoError(t, err)
	assert.Equal(t, "chacha20", enc.EncryptionScheme)
	assert.Equal(t, "key-4", enc.EncryptionKey)

	_, err = h.client.Projects.UpdateEncryption(ctx, 4, "")
	assert.Error(t, err)
}

func TestNotifierSkipsCancelledRequests(t *testing.T) {
	h := newHarness(t, newFakeBackend(t))
	login(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.client.Projects.List(ctx, types.ListOptions{})

	require.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, h.notifications())
}
