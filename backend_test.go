package keyadmin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nextkey/keyadmin/pkg/auth/authtest"
	"github.com/nextkey/keyadmin/pkg/constants"
	"github.com/nextkey/keyadmin/pkg/metrics"
	"github.com/nextkey/keyadmin/pkg/storage"
	"github.com/nextkey/keyadmin/pkg/types"
)

var (
	testEpoch  = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	testSecret = []byte("test-signing-key")
)

// fakeBackend is an in-process admin API. Access tokens are A1, A2, ...
// and refresh tokens R1, R2, ... unless signJWT is set.
type fakeBackend struct {
	server *httptest.Server
	clock  *authtest.FakeClock

	mu             sync.Mutex
	seq            int
	access         map[string]bool
	refresh        map[string]bool
	expiresIn      int
	signJWT        bool
	refreshCalls   int
	logoutCalls    int
	projectCalls   int
	projectAuth    []string
	requestIDs     []string
	refreshGate    chan struct{}
	refreshStarted chan struct{}
	rejectAll      bool // projects answer 401 to every credential
	lastLogoutAuth string
	schemesAuth    string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		clock:          authtest.NewFakeClock(testEpoch),
		access:         make(map[string]bool),
		refresh:        make(map[string]bool),
		expiresIn:      900,
		refreshStarted: make(chan struct{}, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+constants.LoginPath, b.handleLogin)
	mux.HandleFunc("POST "+constants.RefreshPath, b.handleRefresh)
	mux.HandleFunc("POST "+constants.LogoutPath, b.handleLogout)
	mux.HandleFunc("GET "+constants.ProjectsPath, b.handleProjects)
	mux.HandleFunc("GET "+constants.ProjectsPath+"/{uuid}", b.handleProject)
	mux.HandleFunc("DELETE "+constants.ProjectsPath+"/batch", b.handleBatchDelete)
	mux.HandleFunc("POST "+constants.ProjectsPath+"/{id}/encryption", b.handleEncryption)
	mux.HandleFunc("GET "+constants.CryptoSchemesPath, b.handleSchemes)
	mux.HandleFunc("PUT "+constants.CardsPath+"/{id}/freeze", b.handleFreeze)
	mux.HandleFunc("GET "+constants.CloudVarsPath, b.handleCloudVars)
	mux.HandleFunc("GET /admin/proxy-error", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = fmt.Fprint(w, "<html><head><title>502</title><style>h1{}</style></head><body><h1>502 Bad Gateway</h1>\n<hr><center>nginx</center></body></html>")
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) issue() types.TokenPair {
	b.seq++
	pair := types.TokenPair{
		AccessToken:  fmt.Sprintf("A%d", b.seq),
		RefreshToken: fmt.Sprintf("R%d", b.seq),
		ExpiresIn:    b.expiresIn,
	}
	if b.signJWT {
		exp := b.clock.Now().Add(10 * time.Minute)
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ID:        pair.AccessToken,
			Subject:   "admin",
			ExpiresAt: jwt.NewNumericDate(exp),
		}).SignedString(testSecret)
		if err != nil {
			panic(err)
		}
		pair.AccessToken = signed
	}
	b.access[pair.AccessToken] = true
	b.refresh[pair.RefreshToken] = true
	return pair
}

func (b *fakeBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req types.LoginRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Username != "admin" || req.Password != "secret" {
		writeEnvelope(w, http.StatusOK, constants.CodeUnauthorized, "invalid username or password", nil)
		return
	}
	b.mu.Lock()
	pair := b.issue()
	b.mu.Unlock()
	writeEnvelope(w, http.StatusOK, constants.CodeSuccess, "success", pair)
}

func (b *fakeBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req types.RefreshRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	b.refreshCalls++
	gate := b.refreshGate
	b.mu.Unlock()

	b.refreshStarted <- struct{}{}
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.refresh[req.RefreshToken] {
		writeEnvelope(w, http.StatusUnauthorized, constants.CodeUnauthorized, "refresh token invalid", nil)
		return
	}
	delete(b.refresh, req.RefreshToken)
	writeEnvelope(w, http.StatusOK, constants.CodeSuccess, "success", b.issue())
}

func (b *fakeBackend) handleLogout(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.logoutCalls++
	b.lastLogoutAuth = r.Header.Get(constants.HeaderAuthorization)
	b.mu.Unlock()
	writeEnvelope(w, http.StatusOK, constants.CodeSuccess, "success", nil)
}

func (b *fakeBackend) authorize(w http.ResponseWriter, r *http.Request) bool {
	header := r.Header.Get(constants.HeaderAuthorization)
	token := strings.TrimPrefix(header, constants.BearerPrefix)

	b.mu.Lock()
	b.requestIDs = append(b.requestIDs, r.Header.Get(constants.HeaderRequestID))
	ok := !b.rejectAll && b.access[token]
	b.mu.Unlock()

	if !ok {
		writeEnvelope(w, http.StatusUnauthorized, constants.CodeUnauthorized, "token expired", nil)
	}
	return ok
}

func (b *fakeBackend) handleProjects(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.projectCalls++
	b.projectAuth = append(b.projectAuth, r.Header.Get(constants.HeaderAuthorization))
	b.mu.Unlock()

	if !b.authorize(w, r) {
		return
	}
	writeEnvelope(w, http.StatusOK, constants.CodeSuccess, "success", types.Page[types.Project]{
		List:  []types.Project{{ID: 1, UUID: "p-1", Name: "demo", Mode: "paid"}},
		Total: 1,
		Page:  1,
	})
}

func (b *fakeBackend) handleProject(w http.ResponseWriter, r *http.Request) {
	if !b.authorize(w, r) {
		return
	}
	if r.PathValue("uuid") != "p-1" {
		writeEnvelope(w, http.StatusOK, 404, "project not found", nil)
		return
	}
	writeEnvelope(w, http.StatusOK, constants.CodeSuccess, "success", types.Project{ID: 1, UUID: "p-1", Name: "demo"})
}

func (b *fakeBackend) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	if !b.authorize(w, r) {
		return
	}
	var req types.IDsRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeEnvelope(w, http.StatusOK, constants.CodeSuccess, "success", map[string]any{"message": fmt.Sprintf("deleted %d", len(req.IDs))})
}

func (b *fakeBackend) handleEncryption(w http.ResponseWriter, r *http.Request) {
	if !b.authorize(w, r) {
		return
	}
	var req types.EncryptionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeEnvelope(w, http.StatusOK, constants.CodeSuccess, "success", types.ProjectEncryption{
		EncryptionScheme: req.EncryptionScheme,
		EncryptionKey:    "key-" + r.PathValue("id"),
	})
}

func (b *fakeBackend) handleSchemes(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.schemesAuth = r.Header.Get(constants.HeaderAuthorization)
	b.mu.Unlock()
	writeEnvelope(w, http.StatusOK, constants.CodeSuccess, "success", []types.EncryptionScheme{
		{Scheme: "aes-256-gcm", Name: "AES-256-GCM", SecurityLevel: "secure"},
		{Scheme: "rc4", Name: "RC4", SecurityLevel: "insecure", IsDeprecated: true},
	})
}

func (b *fakeBackend) handleFreeze(w http.ResponseWriter, r *http.Request) {
	if !b.authorize(w, r) {
		return
	}
	writeEnvelope(w, http.StatusOK, constants.CodeSuccess, "success", map[string]string{"message": "frozen " + r.PathValue("id")})
}

func (b *fakeBackend) handleCloudVars(w http.ResponseWriter, r *http.Request) {
	if !b.authorize(w, r) {
		return
	}
	writeEnvelope(w, http.StatusOK, constants.CodeSuccess, "success", types.Page[types.CloudVar]{
		List:  []types.CloudVar{{ID: 3, ProjectID: 1, Key: "motd", Value: r.URL.Query().Get("project_id")}},
		Total: 1,
		Page:  1,
	})
}

// expireAccess makes every issued access token invalid.
func (b *fakeBackend) expireAccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.access = make(map[string]bool)
}

// revokeRefresh makes every issued refresh token invalid.
func (b *fakeBackend) revokeRefresh() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh = make(map[string]bool)
}

func (b *fakeBackend) blockRefresh() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshGate = make(chan struct{})
	return b.refreshGate
}

func (b *fakeBackend) counts() (refresh, logout, projects int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshCalls, b.logoutCalls, b.projectCalls
}

func (b *fakeBackend) authHeaders() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.projectAuth...)
}

func writeEnvelope(w http.ResponseWriter, status, code int, message string, data any) {
	w.Header().Set("Content-Type", constants.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": message, "data": data})
}

// testHarness is a client wired to a fake backend.
type testHarness struct {
	backend  *fakeBackend
	client   *Client
	store    *storage.MemoryStore
	metrics  *metrics.Metrics
	mu       sync.Mutex
	notified []error
	ended    []error
}

func newHarness(t *testing.T, b *fakeBackend, opts ...ConfigOption) *testHarness {
	t.Helper()
	h := &testHarness{
		backend: b,
		store:   storage.NewMemoryStore(),
		metrics: metrics.New(),
	}
	base := []ConfigOption{
		WithBaseURL(b.server.URL),
		WithCredentialStore(h.store),
		WithClock(b.clock),
		WithMetrics(h.metrics),
		WithHTTPClient(b.server.Client()),
		WithNotifier(NotifierFunc(func(err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.notified = append(h.notified, err)
		})),
		WithSessionEndedHandler(func(err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.ended = append(h.ended, err)
		}),
	}
	client, err := NewClient(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	h.client = client
	return h
}

func (h *testHarness) sessionEnded() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.ended...)
}

func (h *testHarness) notifications() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.notified...)
}
