package auth_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/nextkey/keyadmin/pkg/auth"
	"github.com/nextkey/keyadmin/pkg/auth/authtest"
	"github.com/nextkey/keyadmin/pkg/metrics"
	"github.com/nextkey/keyadmin/pkg/storage"
	"github.com/nextkey/keyadmin/pkg/types"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeRefresher records refresh calls. When gate is set, each call blocks
// until the gate is closed.
type fakeRefresher struct {
	mu      sync.Mutex
	calls   []string
	started chan struct{}
	gate    chan struct{}
	respond func(n int, refreshToken string) (*types.TokenPair, error)
}

func newFakeRefresher(respond func(n int, refreshToken string) (*types.TokenPair, error)) *fakeRefresher {
	return &fakeRefresher{
		started: make(chan struct{}, 16),
		respond: respond,
	}
}

// rotating answers call n with A<n+1>/R<n+1>, starting at A2/R2.
func rotating(ttl int) func(int, string) (*types.TokenPair, error) {
	return func(n int, _ string) (*types.TokenPair, error) {
		suffix := string(rune('2' + n))
		return &types.TokenPair{AccessToken: "A" + suffix, RefreshToken: "R" + suffix, ExpiresIn: ttl}, nil
	}
}

func failing(err error) func(int, string) (*types.TokenPair, error) {
	return func(int, string) (*types.TokenPair, error) { return nil, err }
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*types.TokenPair, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, refreshToken)
	gate := f.gate
	f.mu.Unlock()

	f.started <- struct{}{}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.respond(n, refreshToken)
}

func (f *fakeRefresher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRefresher) block() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

// failingStore fails every write.
type failingStore struct {
	storage.MemoryStore
}

var errDiskFull = errors.New("disk full")

func (f *failingStore) StoreToken(context.Context, *oauth2.Token) error { return errDiskFull }
func (f *failingStore) ClearToken(context.Context) error                { return errDiskFull }

type fixture struct {
	clock       *authtest.FakeClock
	store       *storage.MemoryStore
	state       *auth.TokenState
	coordinator *auth.RefreshCoordinator
	scheduler   *auth.RefreshScheduler
	refresher   *fakeRefresher
	metrics     *metrics.Metrics
}

func newFixture(refresher *fakeRefresher) *fixture {
	f := &fixture{
		clock:     authtest.NewFakeClock(epoch),
		store:     storage.NewMemoryStore(),
		refresher: refresher,
		metrics:   metrics.New(),
	}
	f.state = auth.NewTokenState(f.store, auth.WithStateClock(f.clock), auth.WithStateMetrics(f.metrics))
	f.coordinator = auth.NewRefreshCoordinator(f.state, refresher, auth.WithCoordinatorMetrics(f.metrics))
	f.scheduler = auth.NewRefreshScheduler(f.state, f.coordinator, auth.WithSchedulerClock(f.clock))
	return f
}
