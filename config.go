package keyadmin

import (
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/nextkey/keyadmin/pkg/auth"
	"github.com/nextkey/keyadmin/pkg/constants"
	"github.com/nextkey/keyadmin/pkg/metrics"
	"github.com/nextkey/keyadmin/pkg/storage"
)

// Config holds all configuration options of the admin client.
type Config struct {
	// API Configuration
	BaseURL   string `json:"baseUrl,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`

	// HTTP Configuration
	Timeout        time.Duration `json:"timeout,omitempty"`
	MaxContentSize int64         `json:"maxContentSize,omitempty"`

	// Session lifecycle
	RefreshSkew     time.Duration `json:"refreshSkew,omitempty"`
	RefreshTimeout  time.Duration `json:"refreshTimeout,omitempty"`
	DefaultTokenTTL time.Duration `json:"defaultTokenTtl,omitempty"`
	RestoreSession  bool          `json:"restoreSession,omitempty"`

	// Outbound rate limit; zero RateLimit disables it.
	RateLimit float64 `json:"rateLimit,omitempty"`
	RateBurst int     `json:"rateBurst,omitempty"`

	// Circuit breaker
	BreakerMaxFailures uint32        `json:"breakerMaxFailures,omitempty"`
	BreakerOpenTimeout time.Duration `json:"breakerOpenTimeout,omitempty"`

	// Credential Storage
	CredentialStore storage.CredentialStore `json:"-"`

	// Collaborators
	Logger         zerolog.Logger      `json:"-"`
	Metrics        *metrics.Metrics    `json:"-"`
	Notifier       Notifier            `json:"-"`
	OnSessionEnded SessionEndedHandler `json:"-"`
	Clock          auth.Clock          `json:"-"`
	HTTPClient     *http.Client        `json:"-"`
}

// ConfigOption defines a functional option for configuring the Config.
type ConfigOption func(*Config)

// WithBaseURL sets the admin backend address.
func WithBaseURL(baseURL string) ConfigOption {
	return func(c *Config) {
		c.BaseURL = baseURL
	}
}

// WithCredentialStore sets a custom credential store.
func WithCredentialStore(store storage.CredentialStore) ConfigOption {
	return func(c *Config) {
		c.CredentialStore = store
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithMaxContentSize sets the maximum response size.
func WithMaxContentSize(size int64) ConfigOption {
	return func(c *Config) {
		c.MaxContentSize = size
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(userAgent string) ConfigOption {
	return func(c *Config) {
		c.UserAgent = userAgent
	}
}

// WithRefreshSkew sets how long before expiry the proactive refresh fires.
func WithRefreshSkew(skew time.Duration) ConfigOption {
	return func(c *Config) {
		c.RefreshSkew = skew
	}
}

// WithRefreshTimeout bounds each refresh call.
func WithRefreshTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.RefreshTimeout = timeout
	}
}

// WithDefaultTokenTTL sets the lifetime assumed for tokens issued without expiry information.
func WithDefaultTokenTTL(ttl time.Duration) ConfigOption {
	return func(c *Config) {
		c.DefaultTokenTTL = ttl
	}
}

// WithRestoreSession controls whether NewClient loads the stored session.
func WithRestoreSession(restore bool) ConfigOption {
	return func(c *Config) {
		c.RestoreSession = restore
	}
}

// WithRateLimit limits outbound requests to rps per second with the given burst.
func WithRateLimit(rps float64, burst int) ConfigOption {
	return func(c *Config) {
		c.RateLimit = rps
		c.RateBurst = burst
	}
}

// WithCircuitBreaker sets how many consecutive transport failures open the
// breaker and how long it stays open.
func WithCircuitBreaker(maxFailures uint32, openTimeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.BreakerMaxFailures = maxFailures
		c.BreakerOpenTimeout = openTimeout
	}
}

// WithLogger sets the logger used by every component.
func WithLogger(logger zerolog.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics records session and request metrics.
func WithMetrics(m *metrics.Metrics) ConfigOption {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithNotifier sets the receiver of user-facing errors.
func WithNotifier(n Notifier) ConfigOption {
	return func(c *Config) {
		c.Notifier = n
	}
}

// WithSessionEndedHandler sets the hook run when the session cannot be recovered.
func WithSessionEndedHandler(h SessionEndedHandler) ConfigOption {
	return func(c *Config) {
		c.OnSessionEnded = h
	}
}

// WithClock replaces the time source of the session components.
func WithClock(clock auth.Clock) ConfigOption {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithHTTPClient sends requests through client instead of the shared pool.
func WithHTTPClient(client *http.Client) ConfigOption {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// NewConfig creates a new configuration with the provided options.
func NewConfig(opts ...ConfigOption) *Config {
	config := &Config{
		BaseURL:   constants.DefaultBaseURL,
		UserAgent: constants.DefaultUserAgent,

		Timeout:        constants.DefaultHTTPTimeout,
		MaxContentSize: constants.DefaultMaxContentSize,

		RefreshSkew:     constants.RefreshSkew,
		RefreshTimeout:  constants.TokenRefreshTimeout,
		DefaultTokenTTL: constants.DefaultTokenTTL,
		RestoreSession:  true,

		BreakerMaxFailures: constants.BreakerMaxFailures,
		BreakerOpenTimeout: constants.BreakerOpenTimeout,

		Logger: zerolog.Nop(),
		Clock:  auth.SystemClock{},
	}

	for _, opt := range opts {
		opt(config)
	}

	// The filesystem store touches the home directory, so it is only
	// created when nothing else was supplied.
	if config.CredentialStore == nil {
		if store, err := storage.NewFileSystemStore(""); err == nil {
			config.CredentialStore = store
		}
	}

	return config
}

// Validate ensures the configuration is valid and complete.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return &ConfigError{Field: "BaseURL", Message: constants.ValidationErrorEmpty}
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return &ConfigError{Field: "BaseURL", Message: "must be an absolute URL"}
	}
	if c.Timeout <= 0 {
		return &ConfigError{Field: "Timeout", Message: constants.ValidationErrorPositive}
	}
	if c.RefreshSkew <= 0 {
		return &ConfigError{Field: "RefreshSkew", Message: constants.ValidationErrorPositive}
	}
	if c.RefreshTimeout <= 0 {
		return &ConfigError{Field: "RefreshTimeout", Message: constants.ValidationErrorPositive}
	}
	if c.DefaultTokenTTL <= 0 {
		return &ConfigError{Field: "DefaultTokenTTL", Message: constants.ValidationErrorPositive}
	}
	if c.DefaultTokenTTL <= c.RefreshSkew {
		return &ConfigError{Field: "DefaultTokenTTL", Message: "must be longer than RefreshSkew"}
	}
	if c.RateLimit < 0 {
		return &ConfigError{Field: "RateLimit", Message: "cannot be negative"}
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		return &ConfigError{Field: "RateBurst", Message: constants.ValidationErrorPositive}
	}
	if c.CredentialStore == nil {
		return &ConfigError{Field: "CredentialStore", Message: constants.ValidationErrorRequired}
	}
	if c.Clock == nil {
		return &ConfigError{Field: "Clock", Message: constants.ValidationErrorRequired}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return constants.ConfigErrorPrefix + e.Field + ": " + e.Message
}
