package keyadmin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/net/html"

	"github.com/nextkey/keyadmin/pkg/constants"
)

// HTTPClient sends admin API requests over a pooled transport, guarded by a
// circuit breaker that only counts transport failures.
type HTTPClient struct {
	client  *http.Client
	config  *HTTPClientConfig
	breaker *gobreaker.CircuitBreaker
}

// ClientPool manages a pool of reusable HTTP clients for different configurations.
type ClientPool struct {
	clients map[string]*http.Client
	mutex   sync.RWMutex
}

// Global client pool for efficient HTTP client reuse
var globalClientPool = &ClientPool{
	clients: make(map[string]*http.Client),
}

// HTTPClientConfig contains configuration for the HTTP client.
type HTTPClientConfig struct {
	Timeout        time.Duration
	MaxContentSize int64
	UserAgent      string

	// Circuit breaker: consecutive transport failures before opening, and
	// how long it stays open before letting a trial request through.
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

// DefaultHTTPClientConfig returns a default HTTP client configuration.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:            constants.DefaultHTTPTimeout,
		MaxContentSize:     constants.DefaultMaxContentSize,
		UserAgent:          constants.DefaultUserAgent,
		BreakerMaxFailures: constants.BreakerMaxFailures,
		BreakerOpenTimeout: constants.BreakerOpenTimeout,
	}
}

// rawResponse is a fully read HTTP response.
type rawResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// getOrCreateClient retrieves or creates an HTTP client from the pool.
func (cp *ClientPool) getOrCreateClient(config *HTTPClientConfig) *http.Client {
	key := cp.configKey(config)

	cp.mutex.RLock()
	if client, exists := cp.clients[key]; exists {
		cp.mutex.RUnlock()
		return client
	}
	cp.mutex.RUnlock()

	cp.mutex.Lock()
	defer cp.mutex.Unlock()

	// Double-check after acquiring write lock
	if client, exists := cp.clients[key]; exists {
		return client
	}

	dialer := &net.Dialer{
		Timeout:   constants.DefaultDialerTimeout,
		KeepAlive: constants.KeepAliveTimeout,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          constants.MaxIdleConns,
		MaxIdleConnsPerHost:   constants.MaxIdleConnsPerHost,
		IdleConnTimeout:       constants.IdleConnTimeout,
		TLSHandshakeTimeout:   constants.TLSHandshakeTimeout,
		ResponseHeaderTimeout: constants.ResponseHeaderTimeout,
		ExpectContinueTimeout: constants.ExpectContinueTimeout,
		ForceAttemptHTTP2:     true,
	}

	client := &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	}
	cp.clients[key] = client
	return client
}

// configKey generates a unique key for the client configuration.
func (cp *ClientPool) configKey(config *HTTPClientConfig) string {
	return fmt.Sprintf("%v_%d_%s", config.Timeout, config.MaxContentSize, config.UserAgent)
}

// NewHTTPClient creates a new HTTP client with the specified configuration using connection pooling.
func NewHTTPClient(config *HTTPClientConfig, logger zerolog.Logger) *HTTPClient {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}
	return newHTTPClient(globalClientPool.getOrCreateClient(config), config, logger)
}

func newHTTPClient(client *http.Client, config *HTTPClientConfig, logger zerolog.Logger) *HTTPClient {
	maxFailures := config.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = constants.BreakerMaxFailures
	}
	openTimeout := config.BreakerOpenTimeout
	if openTimeout <= 0 {
		openTimeout = constants.BreakerOpenTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "admin-api",
		MaxRequests: constants.BreakerHalfOpenMax,
		Interval:    constants.BreakerInterval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// A caller giving up says nothing about the backend.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state changed")
		},
	})

	return &HTTPClient{client: client, config: config, breaker: breaker}
}

// send performs req and reads the body. Any HTTP status is a successful
// round trip; only failures to obtain a response are returned as errors.
// While the breaker is open the request is not sent and the error wraps
// gobreaker.ErrOpenState.
func (hc *HTTPClient) send(req *http.Request) (*rawResponse, error) {
	out, err := hc.breaker.Execute(func() (interface{}, error) {
		return hc.roundTrip(req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*rawResponse), nil
}

// BreakerState reports the circuit breaker state.
func (hc *HTTPClient) BreakerState() gobreaker.State {
	return hc.breaker.State()
}

func (hc *HTTPClient) roundTrip(req *http.Request) (*rawResponse, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", hc.config.UserAgent)
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	maxSize := hc.config.MaxContentSize
	if maxSize <= 0 {
		maxSize = constants.DefaultMaxContentSize
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1)) // +1 to detect truncation
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > maxSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", maxSize)
	}

	return &rawResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// ExtractTextFromHTML returns the visible text of an HTML document, used to
// turn proxy error pages into readable messages.
func ExtractTextFromHTML(htmlContent string) string {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return collapseWhitespace(removeHTMLTags(htmlContent))
	}

	var result strings.Builder
	extractTextNodes(doc, &result)
	return collapseWhitespace(result.String())
}

// extractTextNodes recursively extracts text from HTML nodes, skipping
// elements that carry no visible text.
func extractTextNodes(node *html.Node, result *strings.Builder) {
	if node == nil {
		return
	}

	if node.Type == html.ElementNode && isSkippedTag(node.Data) {
		return
	}

	if node.Type == html.TextNode {
		if text := strings.TrimSpace(node.Data); text != "" {
			result.WriteString(text)
			result.WriteString(constants.HTMLTextSeparator)
		}
	}

	for child := node.FirstChild; child != nil; child = child.NextSibling {
		extractTextNodes(child, result)
	}
}

func isSkippedTag(tag string) bool {
	tag = strings.ToLower(tag)
	for _, skip := range constants.HTMLTagsToSkip {
		if tag == skip {
			return true
		}
	}
	return false
}

func collapseWhitespace(content string) string {
	content = strings.ReplaceAll(content, constants.WhitespaceNewline, " ")
	content = strings.ReplaceAll(content, constants.WhitespaceTab, " ")
	for strings.Contains(content, constants.WhitespaceDouble) {
		content = strings.ReplaceAll(content, constants.WhitespaceDouble, " ")
	}
	return strings.TrimSpace(content)
}

// removeHTMLTags removes all HTML tags from content.
func removeHTMLTags(content string) string {
	inTag := false
	var result strings.Builder

	for _, char := range content {
		if char == '<' {
			inTag = true
		} else if char == '>' {
			inTag = false
		} else if !inTag {
			result.WriteRune(char)
		}
	}

	return result.String()
}

// truncateText shortens s to at most n bytes on a rune boundary.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
