package keyadmin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nextkey/keyadmin/pkg/auth"
	"github.com/nextkey/keyadmin/pkg/constants"
	"github.com/nextkey/keyadmin/pkg/metrics"
	"github.com/nextkey/keyadmin/pkg/types"
)

// Request describes one admin API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any

	// Anonymous requests carry no bearer credential.
	Anonymous bool
	// NoRefresh requests report a 401 as is instead of refreshing.
	NoRefresh bool
}

// Notifier receives every error the gateway returns to a caller, except
// context cancellation. It stands in for a UI toast.
type Notifier interface {
	NotifyError(err error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(err error)

// NotifyError implements Notifier.
func (f NotifierFunc) NotifyError(err error) { f(err) }

// SessionEndedHandler is invoked when 401 handling gives up on the session,
// i.e. the user has to log in again.
type SessionEndedHandler func(err error)

// TransportError means no response was received.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BusinessError is a response the backend rejected for a reason other than
// the credential.
type BusinessError struct {
	Code       int
	HTTPStatus int
	Message    string
	Path       string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("request %s failed (code %d, http %d): %s", e.Path, e.Code, e.HTTPStatus, e.Message)
}

// Gateway attaches the session credential to outbound requests, decodes the
// response envelope, and turns 401 responses into a single-flight refresh
// followed by one redispatch.
type Gateway struct {
	baseURL        *url.URL
	http           *HTTPClient
	state          *auth.TokenState
	coordinator    *auth.RefreshCoordinator
	limiter        *rate.Limiter
	notifier       Notifier
	onSessionEnded SessionEndedHandler
	logger         zerolog.Logger
	metrics        *metrics.Metrics
}

// Do sends req and decodes the data field of a successful envelope into out,
// which may be nil.
func (g *Gateway) Do(ctx context.Context, req *Request, out any) error {
	err := g.execute(ctx, req, out, "", false)
	g.metrics.RecordRequest(outcomeOf(err))
	if err != nil && g.notifier != nil && ctx.Err() == nil {
		g.notifier.NotifyError(err)
	}
	return err
}

// execute runs one dispatch. token overrides the session credential on a
// redispatch.
func (g *Gateway) execute(ctx context.Context, req *Request, out any, token string, retried bool) error {
	if !req.Anonymous && token == "" {
		token = g.state.AccessToken()
	}

	resp, err := g.dispatch(ctx, req, token)
	if err != nil {
		return err
	}

	env, decodeErr := decodeEnvelope(resp)
	if resp.StatusCode == http.StatusUnauthorized || (decodeErr == nil && env.Code == constants.CodeUnauthorized) {
		message := ""
		if env != nil {
			message = env.Message
		}
		return g.handleUnauthorized(ctx, req, out, token, retried, message)
	}
	if decodeErr != nil {
		return &BusinessError{Code: -1, HTTPStatus: resp.StatusCode, Message: decodeErr.Error(), Path: req.Path}
	}
	if env.Code != constants.CodeSuccess || resp.StatusCode >= http.StatusBadRequest {
		return &BusinessError{Code: env.Code, HTTPStatus: resp.StatusCode, Message: env.Message, Path: req.Path}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &BusinessError{Code: env.Code, HTTPStatus: resp.StatusCode, Message: fmt.Sprintf("invalid response data: %v", err), Path: req.Path}
	}
	return nil
}

func (g *Gateway) handleUnauthorized(ctx context.Context, req *Request, out any, usedToken string, retried bool, message string) error {
	logger := g.logger.With().Str("path", req.Path).Logger()

	switch {
	case req.Path == constants.RefreshPath:
		// The coordinator owns this call and clears the session on failure.
		return &auth.AuthError{Op: "refresh_token", Message: orDefault(message, "refresh token rejected"), Kind: auth.ErrRefreshFailed, Err: auth.ErrAuthorizationExpired}

	case req.NoRefresh || req.Anonymous:
		return &auth.AuthError{Op: "request", Message: orDefault(message, "unauthorized"), Kind: auth.ErrNotAuthenticated}

	case usedToken == "":
		return &auth.AuthError{Op: "request", Message: "no session, log in first", Kind: auth.ErrNotAuthenticated}

	case retried:
		err := &auth.AuthError{Op: "request", Message: orDefault(message, "unauthorized after token refresh"), Kind: auth.ErrRetryExhausted, Err: auth.ErrAuthorizationExpired}
		logger.Warn().Msg("request rejected again after refresh, ending session")
		g.coordinator.Terminate(err)
		if clearErr := g.state.Clear(context.WithoutCancel(ctx)); clearErr != nil {
			logger.Warn().Err(clearErr).Msg("failed to clear session")
		}
		g.metrics.RecordSessionEnded("retry_exhausted")
		g.sessionEnded(err)
		return err
	}

	logger.Debug().Msg("authorization expired, refreshing")
	token, err := g.coordinator.RefreshIfStale(ctx, usedToken)
	if err != nil {
		if errors.Is(err, auth.ErrRefreshFailed) {
			g.sessionEnded(err)
		}
		return err
	}

	g.metrics.RecordRetry()
	return g.execute(ctx, req, out, token, true)
}

func (g *Gateway) dispatch(ctx context.Context, req *Request, token string) (*rawResponse, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Method: req.Method, Path: req.Path, Err: err}
		}
	}

	httpReq, err := g.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if token != "" {
		httpReq.Header.Set(constants.HeaderAuthorization, constants.BearerPrefix+token)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set(constants.HeaderRequestID, requestID)

	g.logger.Debug().
		Str("request_id", requestID).
		Str("method", req.Method).
		Str("path", req.Path).
		Bool("bearer", token != "").
		Msg("dispatching request")

	resp, err := g.http.send(httpReq)
	if err != nil {
		return nil, &TransportError{Method: req.Method, Path: req.Path, Err: err}
	}
	return resp, nil
}

func (g *Gateway) newHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	target := g.baseURL.JoinPath(req.Path)
	if len(req.Query) > 0 {
		target.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", constants.ContentTypeJSON)
	if body != nil {
		httpReq.Header.Set("Content-Type", constants.ContentTypeJSON)
	}
	return httpReq, nil
}

func (g *Gateway) sessionEnded(err error) {
	if g.onSessionEnded != nil {
		g.onSessionEnded(err)
	}
}

// decodeEnvelope parses the response body. A body that is not an envelope
// yields an error whose text is the body's visible text.
func decodeEnvelope(resp *rawResponse) (*types.Envelope, error) {
	var env types.Envelope
	if err := json.Unmarshal(resp.Body, &env); err == nil {
		return &env, nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.ContentType)
	text := strings.TrimSpace(string(resp.Body))
	if mediaType == constants.ContentTypeHTML || strings.HasPrefix(text, "<") {
		text = ExtractTextFromHTML(text)
	}
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return nil, errors.New(truncateText(text, constants.MaxErrorTextLength))
}

func outcomeOf(err error) string {
	var (
		transportErr *TransportError
		businessErr  *BusinessError
	)
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &transportErr):
		return metrics.OutcomeTransport
	case errors.As(err, &businessErr):
		return metrics.OutcomeBusiness
	default:
		return metrics.OutcomeAuth
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
