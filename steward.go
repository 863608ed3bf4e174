package pgsteward

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pgsteward/pkg/analyzer"
	"github.com/dmitrymomot/pgsteward/pkg/bulk"
	"github.com/dmitrymomot/pgsteward/pkg/cachemon"
	"github.com/dmitrymomot/pgsteward/pkg/indexaudit"
	"github.com/dmitrymomot/pgsteward/pkg/logger"
	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
	"github.com/dmitrymomot/pgsteward/pkg/scheduler"
)

// State is the upholder lifecycle state.
type State string

const (
	StateNew      State = "new"
	StateStarted  State = "started"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// degradeAfterCycles flips the upholder to degraded after this many
// consecutive failed audit cycles.
const degradeAfterCycles = 3

// Task names registered with the scheduler.
const (
	taskAuditCycle  = "audit-cycle"
	taskCacheSample = "cache-sample"
	taskHealthSweep = "health-sweep"
)

// Config aggregates the tunables of every component. Zero values take
// the documented defaults.
type Config struct {
	Pool       pgpool.Config
	Analyzer   analyzer.Config
	IndexAudit indexaudit.Config
	CacheMon   cachemon.Config
	Bulk       bulk.Config

	// AuditInterval is the full audit cycle cadence; defaults to the
	// analyzer interval. AuditCron, when set, overrides it with a
	// five-field cron expression.
	AuditInterval time.Duration `env:"STEWARD_AUDIT_INTERVAL"`
	AuditCron     string        `env:"STEWARD_AUDIT_CRON"`

	// AlertCooldown suppresses repeated orchestrator-level alerts of
	// the same kind and subject.
	AlertCooldown time.Duration `env:"STEWARD_ALERT_COOLDOWN" envDefault:"1h"`

	// SinkTimeout bounds each sink delivery; SinkFailureLimit disables
	// a sink after that many consecutive failures.
	SinkTimeout      time.Duration `env:"STEWARD_SINK_TIMEOUT" envDefault:"500ms"`
	SinkFailureLimit int           `env:"STEWARD_SINK_FAILURE_LIMIT" envDefault:"5"`

	// ConnectionUsageMax is the pg_stat_activity utilization fraction
	// above which a high_connection_usage alert fires.
	ConnectionUsageMax float64 `env:"STEWARD_CONNECTION_USAGE_MAX" envDefault:"0.85"`
}

func (c Config) withDefaults() Config {
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = time.Hour
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 500 * time.Millisecond
	}
	if c.SinkFailureLimit <= 0 {
		c.SinkFailureLimit = 5
	}
	if c.ConnectionUsageMax <= 0 {
		c.ConnectionUsageMax = 0.85
	}
	return c
}

// sourceFactory builds the analyzer and auditor catalog views over the
// cycle's shared session.
type sourceFactory func(s *pgpool.Session) (analyzer.Source, indexaudit.Source)

// connSummaryFunc samples the connection/activity overview.
type connSummaryFunc func(ctx context.Context, s *pgpool.Session) (ConnectionSummary, error)

// Upholder owns the lifecycle of the performance-optimization
// subsystem: it schedules the workers, assembles their findings into
// reports, and delivers alerts and reports to registered sinks.
type Upholder struct {
	cfg    Config
	pool   *pgpool.Pool
	sched  *scheduler.Scheduler
	an     *analyzer.Analyzer
	aud    *indexaudit.Auditor
	mon    *cachemon.Monitor
	loader *bulk.Loader
	clock  scheduler.Clock
	log    *slog.Logger

	dryRun    bool
	autoApply bool

	newSources  sourceFactory
	connSummary connSummaryFunc
	cacheFetch  cachemon.Fetcher

	alertSinks  *dispatcher[Alert]
	reportSinks *dispatcher[Report]

	cycleBusy atomic.Bool

	mu                  sync.Mutex
	state               State
	startedAt           time.Time
	cancel              context.CancelFunc
	consecutiveFailures int
	lastReport          *Report
	lastCycleOK         bool
	lastAlert           map[string]time.Time
}

// New composes an upholder. The pool is constructed from cfg.Pool
// unless WithPool injects one.
func New(cfg Config, opts ...Option) *Upholder {
	cfg = cfg.withDefaults()

	u := &Upholder{
		cfg:       cfg,
		clock:     scheduler.System(),
		log:       logger.NewNope(),
		dryRun:    true,
		state:     StateNew,
		lastAlert: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(u)
	}

	if u.pool == nil {
		u.pool = pgpool.New(cfg.Pool, pgpool.WithClock(u.clock), pgpool.WithLogger(u.log))
	}
	if u.cacheFetch == nil {
		u.cacheFetch = cachemon.NewPGFetcher(u.pool, u.clock)
	}
	if u.newSources == nil {
		u.newSources = func(s *pgpool.Session) (analyzer.Source, indexaudit.Source) {
			return &analyzer.SessionSource{Session: s}, &indexaudit.SessionSource{Session: s}
		}
	}
	if u.connSummary == nil {
		u.connSummary = pgConnSummary
	}

	u.alertSinks = newDispatcher[Alert](cfg.SinkTimeout, cfg.SinkFailureLimit, u.log)
	u.reportSinks = newDispatcher[Report](cfg.SinkTimeout, cfg.SinkFailureLimit, u.log)

	u.an = analyzer.New(cfg.Analyzer, analyzer.WithClock(u.clock), analyzer.WithLogger(u.log))
	u.aud = indexaudit.New(cfg.IndexAudit, indexaudit.WithClock(u.clock), indexaudit.WithLogger(u.log))
	u.mon = cachemon.New(cfg.CacheMon, u.cacheFetch,
		cachemon.WithClock(u.clock),
		cachemon.WithLogger(u.log),
		cachemon.WithAlertFunc(u.onCacheAlert),
	)
	u.loader = bulk.New(u.pool, cfg.Bulk, bulk.WithClock(u.clock), bulk.WithLogger(u.log))

	return u
}

// Pool exposes the connection pool for application repositories.
func (u *Upholder) Pool() *pgpool.Pool { return u.pool }

// Loader exposes the bulk loader.
func (u *Upholder) Loader() *bulk.Loader { return u.loader }

// RegisterAlertSink registers (or re-enables) a named alert sink.
func (u *Upholder) RegisterAlertSink(name string, sink AlertSink) {
	u.alertSinks.register(name, sink.OnAlert)
}

// RegisterReportSink registers (or re-enables) a named report sink.
func (u *Upholder) RegisterReportSink(name string, sink ReportSink) {
	u.reportSinks.register(name, sink.OnReport)
}

// Start launches the background workers. Legal from new or stopped.
func (u *Upholder) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.state != StateNew && u.state != StateStopped {
		u.mu.Unlock()
		return ErrInvalidState
	}
	restarted := u.state == StateStopped
	u.state = StateStarted
	u.startedAt = u.clock.Now()
	u.mu.Unlock()

	if restarted {
		u.pool.Reopen()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if err := u.pool.Warm(ctx); err != nil {
		u.log.Warn("pool warm-up incomplete", slog.String("error", err.Error()))
	}

	sched := scheduler.New(
		scheduler.WithClock(u.clock),
		scheduler.WithLogger(u.log),
	)

	auditTask := func(ctx context.Context) error {
		_, err := u.runCycle(logger.WithComponent(ctx, "audit"))
		if errors.Is(err, ErrCycleInFlight) {
			// A concurrent trigger got here first; coalesce.
			return nil
		}
		return err
	}

	var err error
	if u.cfg.AuditCron != "" {
		err = sched.ScheduleCron(taskAuditCycle, u.cfg.AuditCron, auditTask)
	} else {
		interval := u.cfg.AuditInterval
		if interval <= 0 {
			interval = u.an.Interval()
		}
		err = sched.Schedule(taskAuditCycle, interval, 0.1, auditTask)
	}
	if err != nil {
		cancel()
		return err
	}

	if err := sched.Schedule(taskCacheSample, u.mon.Interval(), 0.1, func(ctx context.Context) error {
		return u.mon.Sample(logger.WithComponent(ctx, "cachemon"))
	}); err != nil {
		cancel()
		return err
	}

	sweepInterval := u.cfg.Pool.HealthSweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	if err := sched.Schedule(taskHealthSweep, sweepInterval, 0.2, func(ctx context.Context) error {
		u.pool.Sweep(ctx)
		return nil
	}); err != nil {
		cancel()
		return err
	}

	if err := sched.Start(runCtx); err != nil {
		cancel()
		return err
	}

	u.mu.Lock()
	u.sched = sched
	u.cancel = cancel
	u.state = StateRunning
	u.mu.Unlock()

	u.log.Info("upholder started")
	return nil
}

// Stop cancels the in-flight cycle at the next component boundary,
// stops the workers, and drains the pool. Waits up to timeout for
// in-flight tasks to observe cancellation.
func (u *Upholder) Stop(timeout time.Duration) error {
	u.mu.Lock()
	switch u.state {
	case StateStarted, StateRunning, StateDegraded:
	default:
		u.mu.Unlock()
		return ErrInvalidState
	}
	u.state = StateStopping
	cancel := u.cancel
	sched := u.sched
	u.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var stopErr error
	if sched != nil {
		stopErr = sched.Stop(timeout)
	}
	u.pool.CloseAll()

	u.mu.Lock()
	u.state = StateStopped
	u.mu.Unlock()

	u.log.Info("upholder stopped")
	return stopErr
}

// TriggerAudit runs an audit cycle now and returns its report, which
// may be partial. While another cycle is in flight the trigger is
// coalesced and ErrCycleInFlight is returned.
func (u *Upholder) TriggerAudit(ctx context.Context) (Report, error) {
	u.mu.Lock()
	state := u.state
	u.mu.Unlock()
	switch state {
	case StateRunning, StateDegraded, StateStarted:
	case StateStopped, StateStopping:
		return Report{}, ErrStopped
	default:
		return Report{}, ErrInvalidState
	}
	return u.runCycle(ctx)
}

// onCacheAlert bridges monitor alerts into the sink dispatcher. Alerts
// are delivered immediately, ahead of the cycle's report.
func (u *Upholder) onCacheAlert(a cachemon.Alert) {
	u.alertSinks.dispatch(context.Background(), Alert{
		ID:             uuid.New(),
		Kind:           string(a.Kind),
		Observed:       a.Observed,
		Threshold:      a.Threshold,
		Recommendation: a.Recommendation,
		EmittedAt:      u.clock.Now(),
	})
}

// emitAlert fires an orchestrator-level alert, honoring the cooldown
// per kind and subject.
func (u *Upholder) emitAlert(kind, subject string, observed, threshold float64, recommendation string) {
	now := u.clock.Now()
	key := kind + "|" + subject

	u.mu.Lock()
	if until, ok := u.lastAlert[key]; ok && now.Before(until) {
		u.mu.Unlock()
		return
	}
	u.lastAlert[key] = now.Add(u.cfg.AlertCooldown)
	u.mu.Unlock()

	u.alertSinks.dispatch(context.Background(), Alert{
		ID:             uuid.New(),
		Kind:           kind,
		Subject:        subject,
		Observed:       observed,
		Threshold:      threshold,
		Recommendation: recommendation,
		EmittedAt:      now,
	})
}
