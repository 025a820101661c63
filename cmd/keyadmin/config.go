package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"

	"github.com/nextkey/keyadmin/pkg/storage"
)

// envPrefix namespaces every variable, e.g. KEYADMIN_BASE_URL.
const envPrefix = "keyadmin"

// Config holds the command configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Backend
	BaseURL    string        `envconfig:"BASE_URL" default:"http://localhost:8080"`
	ConsoleURL string        `envconfig:"CONSOLE_URL"` // admin web UI; defaults to BaseURL
	Username   string        `envconfig:"ADMIN_USER" default:"admin"`
	Password   string        `envconfig:"ADMIN_PASSWORD"`
	Timeout    time.Duration `envconfig:"TIMEOUT" default:"10s"`
	RateLimit  float64       `envconfig:"RATE_LIMIT"`
	RateBurst  int           `envconfig:"RATE_BURST" default:"10"`

	// Session storage: Redis when an address is set, the filesystem otherwise.
	StorageDir    string `envconfig:"STORAGE_DIR"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"keyadmin:"`

	// watch
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9464"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.ConsoleURL == "" {
		cfg.ConsoleURL = cfg.BaseURL
	}
	return &cfg, nil
}

// RedisEnabled reports whether sessions are kept in Redis.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// newStore opens the credential store selected by cfg. The returned close
// function releases the Redis connection, if any.
func newStore(cfg *Config) (storage.CredentialStore, func() error, error) {
	if cfg.RedisEnabled() {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return storage.NewRedisStore(client, cfg.RedisPrefix), client.Close, nil
	}

	store, err := storage.NewFileSystemStore(cfg.StorageDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening session directory: %w", err)
	}
	return store, func() error { return nil }, nil
}
