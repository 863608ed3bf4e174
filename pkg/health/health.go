package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/pgsteward/pkg/logger"
	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
)

const (
	defaultTimeout = 5 * time.Second

	// StatusHealthy indicates all checks passed.
	StatusHealthy = "healthy"
	// StatusUnhealthy indicates one or more checks failed.
	StatusUnhealthy = "unhealthy"
)

// CheckFunc is the standard health check signature shared by the pool,
// redis, and upholder checks.
type CheckFunc func(ctx context.Context) error

// Checks is a map of named health check functions.
type Checks map[string]CheckFunc

// Response represents an aggregated health check response.
type Response struct {
	Checks map[string]Check `json:"checks,omitempty"`
	Status string           `json:"status"`
}

// Check represents the status of a single health check.
type Check struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// PoolCheck validates database connectivity by acquiring and pinging a
// session. Uses a non-blocking acquire so a saturated pool reads as
// busy, not broken.
func PoolCheck(pool *pgpool.Pool) CheckFunc {
	return func(ctx context.Context) error {
		s, err := pool.AcquireTimeout(ctx, 0)
		if errors.Is(err, pgpool.ErrPoolExhausted) {
			return nil
		}
		if err != nil {
			return err
		}
		pool.Release(s, true)
		return nil
	}
}

// StateCheck adapts the upholder's lifecycle state: unhealthy when the
// reported state is not acceptable (stopped, degraded).
func StateCheck(state func() (string, error)) CheckFunc {
	return func(context.Context) error {
		_, err := state()
		return err
	}
}

// config holds health check configuration.
type config struct {
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures health check behavior.
type Option func(*config)

// WithTimeout sets the timeout for all checks.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger for error logging.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func newConfig(opts ...Option) *config {
	cfg := &config{
		timeout: defaultTimeout,
		logger:  logger.NewNope(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// runChecks executes all checks in parallel and aggregates the result.
func runChecks(ctx context.Context, checks Checks, cfg *config) *Response {
	if len(checks) == 0 {
		return &Response{Status: StatusHealthy}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		results  = make(map[string]Check, len(checks))
		hasError bool
	)

	for name, check := range checks {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()

			result := Check{Status: StatusHealthy}
			if err := check(ctx); err != nil {
				result.Status = StatusUnhealthy
				result.Error = err.Error()
				cfg.logger.WarnContext(ctx, "health check failed",
					slog.String("check", name),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				hasError = true
				mu.Unlock()
			}

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, check)
	}

	wg.Wait()

	status := StatusHealthy
	if hasError {
		status = StatusUnhealthy
	}
	return &Response{Status: status, Checks: results}
}
