// Package auth keeps the admin session valid across concurrent requests.
//
// TokenState holds the credential pair, RefreshScheduler refreshes it
// ahead of expiry, and RefreshCoordinator guarantees that at most one
// refresh call is in flight while every other caller waits for its result.
package auth

import (
	"context"

	"github.com/nextkey/keyadmin/pkg/types"
)

// TokenRefresher performs the refresh network call.
// It must not go through the 401 handling of the request gateway.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*types.TokenPair, error)
}

// TokenRefresherFunc adapts a function to TokenRefresher.
type TokenRefresherFunc func(ctx context.Context, refreshToken string) (*types.TokenPair, error)

// Refresh implements TokenRefresher.
func (f TokenRefresherFunc) Refresh(ctx context.Context, refreshToken string) (*types.TokenPair, error) {
	return f(ctx, refreshToken)
}

// SessionObserver is notified after TokenState changes, outside its lock.
type SessionObserver interface {
	// SessionChanged is called after a session was stored.
	SessionChanged()
	// SessionCleared is called after the session was cleared.
	SessionCleared()
}
