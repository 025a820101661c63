package constants

import "time"

const (
	LibraryVersion = "0.1.0"
	LibraryName    = "keyadmin"

	DefaultBaseURL = "http://localhost:8080"

	// Admin endpoints of the card-key backend.
	LoginPath   = "/admin/login"
	RefreshPath = "/admin/refresh"
	LogoutPath  = "/admin/logout"

	ProjectsPath  = "/admin/projects"
	CardsPath     = "/admin/cards"
	CloudVarsPath = "/admin/cloud-vars"

	// Public catalogue of the card-data encryption schemes.
	CryptoSchemesPath = "/api/crypto/schemes"

	// Application-level envelope codes.
	CodeSuccess      = 0
	CodeUnauthorized = 401

	// RefreshSkew is how long before expiry the proactive refresh fires.
	RefreshSkew = 180 * time.Second
	// DefaultTokenTTL is used when neither expires_in nor an exp claim is available.
	// Matches the backend's 15 minute access tokens.
	DefaultTokenTTL     = 900 * time.Second
	TokenRefreshTimeout = 30 * time.Second // Timeout for token refresh operations
	StorageTimeout      = 5 * time.Second  // Timeout for credential store access during startup
	LogoutTimeout       = 5 * time.Second

	DefaultHTTPTimeout    = 10 * time.Second // same as the admin web console
	DefaultDialerTimeout  = 5 * time.Second
	DefaultMaxContentSize = 10 * 1024 * 1024
	DefaultUserAgent      = "keyadmin/0.1"
	MaxErrorTextLength    = 512

	// Connection pool settings
	MaxIdleConns          = 20
	MaxIdleConnsPerHost   = 10
	IdleConnTimeout       = 90 * time.Second
	TLSHandshakeTimeout   = 10 * time.Second
	ResponseHeaderTimeout = 10 * time.Second
	ExpectContinueTimeout = 1 * time.Second
	KeepAliveTimeout      = 30 * time.Second

	// Circuit breaker
	BreakerMaxFailures = 5
	BreakerOpenTimeout = 30 * time.Second
	BreakerInterval    = 60 * time.Second
	BreakerHalfOpenMax = 1

	DefaultPageSize = 20

	ContentTypeJSON  = "application/json"
	ContentTypeHTML  = "text/html"
	ContentTypePlain = "text/plain"

	HeaderAuthorization = "Authorization"
	HeaderRequestID     = "X-Request-ID"
	BearerPrefix        = "Bearer "

	// Persisted session keys, shared by every credential store.
	AccessTokenKey  = "admin_token"
	RefreshTokenKey = "admin_refresh_token"
	ExpiresAtKey    = "admin_token_expires_at"

	DirPermissions  = 0700
	FilePermissions = 0600

	DefaultStorageDir  = ".keyadmin"
	SessionFileName    = "session.json"
	DefaultRedisPrefix = "keyadmin:"

	MetricsNamespace   = "keyadmin"
	DefaultMetricsAddr = ":9464"
	DefaultLogLevel    = "info"
	DefaultEnvironment = "production"
	EnvironmentDevelop = "development"
	BannerFont         = "cybermedium"

	HTMLTextSeparator = " "
	WhitespaceDouble  = "  "
	WhitespaceNewline = "\n"
	WhitespaceTab     = "\t"

	ValidationErrorEmpty    = "cannot be empty"
	ValidationErrorRequired = "must be provided"
	ValidationErrorPositive = "must be positive"
	ConfigErrorPrefix       = "config error in "
)

// HTMLTagsToSkip are elements whose text never belongs in an error message.
var HTMLTagsToSkip = []string{"script", "style", "head", "noscript", "iframe", "object", "embed"}

// BrowserCommands open a URL in the default browser, keyed by GOOS.
var BrowserCommands = map[string][]string{
	"darwin":  {"open"},
	"linux":   {"xdg-open"},
	"windows": {"rundll32", "url.dll,FileProtocolHandler"},
}

// ConsolePages maps console section names to their routes in the admin web UI.
var ConsolePages = map[string]string{
	"projects":   "/projects",
	"cards":      "/cards",
	"cloud-vars": "/cloudvars",
	"login":      "/login",
}
