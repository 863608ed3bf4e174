package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/pgsteward"
	"github.com/dmitrymomot/pgsteward/pkg/health"
	"github.com/dmitrymomot/pgsteward/pkg/logger"
	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
	"github.com/dmitrymomot/pgsteward/pkg/redis"
	"github.com/dmitrymomot/pgsteward/pkg/sink"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the upholder with a status/metrics HTTP endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg cliConfig) error {
	log := logger.NewWithSentry(logger.SentryConfig{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		MinLevel:    slog.LevelWarn,
	}, logger.ComponentExtractor, logger.CycleIDExtractor)

	u := pgsteward.New(cfg.stewardConfig(),
		pgsteward.WithLogger(log),
		pgsteward.WithDryRun(cfg.dryRun()),
		pgsteward.WithAutoApplySafe(cfg.AutoApplySafe),
	)
	checks, err := registerSinks(ctx, u, cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := u.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := u.Stop(shutdownTimeout); err != nil {
			log.Error("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		pgpool.NewCollector(u.Pool()),
	)

	checks["database"] = health.PoolCheck(u.Pool())
	checks["upholder"] = health.StateCheck(func() (string, error) {
		st := u.Status()
		if st.State == pgsteward.StateStopped || st.State == pgsteward.StateDegraded {
			return string(st.State), errors.New("upholder " + string(st.State))
		}
		return string(st.State), nil
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", health.LivenessHandler())
	r.Get("/readyz", health.ReadinessHandler(checks, health.WithLogger(log)))
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(u.Status())
	})
	r.Get("/report", func(w http.ResponseWriter, _ *http.Request) {
		report := u.LastReport()
		if report == nil {
			http.Error(w, "no report yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})
	r.Post("/audit", func(w http.ResponseWriter, req *http.Request) {
		report, err := u.TriggerAudit(req.Context())
		if errors.Is(err, pgsteward.ErrCycleInFlight) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("serving", slog.String("addr", cfg.Server.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func registerSinks(ctx context.Context, u *pgsteward.Upholder, cfg cliConfig, log *slog.Logger) (health.Checks, error) {
	checks := make(health.Checks)

	logSink := sink.NewSlog(log)
	u.RegisterAlertSink("log", logSink)
	u.RegisterReportSink("log", logSink)

	if cfg.Sinks.File.Path != "" {
		f := sink.NewFile(cfg.Sinks.File.Path, sink.Format(cfg.Sinks.File.Format))
		u.RegisterAlertSink("file", f)
		u.RegisterReportSink("file", f)
	}
	if cfg.Sinks.HTTP.URL != "" {
		h := sink.NewHTTP(cfg.Sinks.HTTP.URL)
		u.RegisterAlertSink("http", h)
		u.RegisterReportSink("http", h)
	}
	if cfg.Sinks.Redis.URL != "" {
		client, err := redis.Open(ctx, cfg.Sinks.Redis.URL)
		if err != nil {
			return nil, err
		}
		rs := sink.NewRedis(client, cfg.Sinks.Redis.AlertChannel, cfg.Sinks.Redis.ReportChannel)
		u.RegisterAlertSink("redis", rs)
		u.RegisterReportSink("redis", rs)
		checks["redis"] = redis.Healthcheck(client)
	}
	return checks, nil
}
