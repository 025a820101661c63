package auth

import (
	"errors"
	"fmt"
)

// Error kinds. An *AuthError carries one of these as its Kind, so callers
// can test with errors.Is.
var (
	// ErrNotAuthenticated is returned when no session is held.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrAuthorizationExpired marks a 401 observed on a business call. It is
	// handled by the refresh flow and only reaches callers wrapped in one of
	// the terminal kinds below.
	ErrAuthorizationExpired = errors.New("authorization expired")

	// ErrRefreshFailed means the refresh call failed or no refresh token was
	// held. It always ends the session.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrRetryExhausted means a request still got 401 after being retried
	// with a fresh token.
	ErrRetryExhausted = errors.New("authorization rejected after retry")

	// ErrSessionTerminated is delivered to callers waiting on a refresh when
	// the session is ended locally, e.g. by logout.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrEmptyAccessToken rejects an attempt to store a session without an access token.
	ErrEmptyAccessToken = errors.New("access token is empty")

	errSessionReplaced = errors.New("replaced by a new login")
)

// AuthError represents an authentication error.
type AuthError struct {
	Op      string // The operation that failed
	Message string // Human-readable error message
	Kind    error  // One of the Err* kinds above
	Err     error  // Underlying error
}

func (e *AuthError) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Op, msg)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *AuthError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsTerminal reports whether err ends the session: a failed refresh or a
// request rejected after its retry.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrRefreshFailed) || errors.Is(err, ErrRetryExhausted) || errors.Is(err, ErrSessionTerminated)
}

func refreshFailure(message string, err error) *AuthError {
	return &AuthError{
		Op:      "refresh_token",
		Message: message,
		Kind:    ErrRefreshFailed,
		Err:     err,
	}
}
