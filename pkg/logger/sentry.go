package logger

import (
	"context"
	"log/slog"
	"os"

	"github.com/getsentry/sentry-go"
	sentryslog "github.com/getsentry/sentry-go/slog"
)

// SentryConfig holds Sentry integration configuration.
type SentryConfig struct {
	DSN         string `env:"SENTRY_DSN"`
	Environment string `env:"SENTRY_ENVIRONMENT" envDefault:"production"`
	// MinLevel determines which log levels to ship to Sentry
	// (slog.LevelWarn sends warnings and errors, slog.LevelError only errors).
	MinLevel slog.Level
}

// NewWithSentry creates a logger that sends records to both stdout and Sentry.
// An empty DSN falls back to stdout only, so local runs need no Sentry account.
// Degraded upholder cycles and sink failures logged at warn/error level become
// searchable Sentry events.
func NewWithSentry(cfg SentryConfig, extractors ...ContextExtractor) *slog.Logger {
	stdoutHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	if cfg.DSN == "" {
		return slog.New(newDecorator(stdoutHandler, extractors...))
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		EnableLogs:  true,
	}); err != nil {
		slog.New(stdoutHandler).Error("failed to initialize Sentry", slog.String("error", err.Error()))
		return slog.New(newDecorator(stdoutHandler, extractors...))
	}

	eventLevel := []slog.Level{slog.LevelError}
	logLevel := []slog.Level{slog.LevelWarn, slog.LevelError}
	if cfg.MinLevel == slog.LevelError {
		logLevel = []slog.Level{slog.LevelError}
	}

	sentryHandler := sentryslog.Option{
		EventLevel: eventLevel,
		LogLevel:   logLevel,
	}.NewSentryHandler(context.Background())

	combined := newMultiHandler(stdoutHandler, sentryHandler)
	return slog.New(newDecorator(combined, extractors...))
}
