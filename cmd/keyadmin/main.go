// Command keyadmin manages projects, license cards and cloud variables of a
// card-key backend from the terminal. The admin session is stored between
// runs and refreshed automatically.
//
// Usage:
//
//	KEYADMIN_BASE_URL=https://keys.example.com KEYADMIN_ADMIN_PASSWORD=... keyadmin login
//	keyadmin cards list -project 3
//	keyadmin watch
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nextkey/keyadmin"
	"github.com/nextkey/keyadmin/pkg/auth"
	"github.com/nextkey/keyadmin/pkg/constants"
	"github.com/nextkey/keyadmin/pkg/metrics"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Environment == constants.EnvironmentDevelop {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		logger = logger.Level(level)
	}
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// app is what every subcommand runs against.
type app struct {
	cfg     *Config
	client  *keyadmin.Client
	metrics *metrics.Metrics
	logger  zerolog.Logger
	out     io.Writer
}

func run(ctx context.Context, cfg *Config, logger zerolog.Logger, args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(out)
		return errUsage
	}
	cmd, ok := findCommand(args[0])
	if !ok {
		if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
			printUsage(out)
			return nil
		}
		printUsage(out)
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	store, closeStore, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	m := metrics.New()
	opts := []keyadmin.ConfigOption{
		keyadmin.WithBaseURL(cfg.BaseURL),
		keyadmin.WithCredentialStore(store),
		keyadmin.WithTimeout(cfg.Timeout),
		keyadmin.WithUserAgent(constants.LibraryName + "-cli/" + constants.LibraryVersion),
		keyadmin.WithLogger(logger),
		keyadmin.WithMetrics(m),
		keyadmin.WithNotifier(keyadmin.NotifierFunc(func(err error) {
			logger.Debug().Err(err).Msg("request failed")
		})),
		keyadmin.WithSessionEndedHandler(func(err error) {
			logger.Warn().Err(err).Msg("session ended, run `keyadmin login` again")
		}),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, keyadmin.WithRateLimit(cfg.RateLimit, cfg.RateBurst))
	}

	client, err := keyadmin.NewClient(opts...)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	a := &app{cfg: cfg, client: client, metrics: m, logger: logger, out: out}
	if cmd.needsSession && !client.IsAuthenticated() {
		return &auth.AuthError{Op: cmd.name, Message: "no session, run `keyadmin login` first", Kind: auth.ErrNotAuthenticated}
	}
	return cmd.run(ctx, a, args[1:])
}
