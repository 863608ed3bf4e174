package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/dmitrymomot/pgsteward/pkg/logger"
	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
	"github.com/dmitrymomot/pgsteward/pkg/scheduler"
)

// Config tunes an analyzer pass.
type Config struct {
	// Interval is the pass cadence the orchestrator schedules at.
	Interval time.Duration `env:"ANALYZER_INTERVAL" envDefault:"1h"`
	// SlowMeanMS flags statements whose mean execution time crosses it.
	SlowMeanMS float64 `env:"ANALYZER_SLOW_MEAN_MS" envDefault:"100"`
	// MinCalls filters noise from one-off statements.
	MinCalls int64 `env:"ANALYZER_MIN_CALLS" envDefault:"10"`
	// TopN caps how many statements a pass inspects.
	TopN int `env:"ANALYZER_TOP_N" envDefault:"50"`
	// ExplainSampleRate is the probability a statement gets explained.
	ExplainSampleRate float64 `env:"ANALYZER_EXPLAIN_SAMPLE_RATE" envDefault:"0.2"`
	// SeqScanThresholdRows is the table size above which a sequential
	// scan is critical.
	SeqScanThresholdRows int64 `env:"ANALYZER_SEQ_SCAN_THRESHOLD_ROWS" envDefault:"10000"`
	// ExplainTimeout bounds each EXPLAIN via statement_timeout.
	ExplainTimeout time.Duration `env:"ANALYZER_EXPLAIN_TIMEOUT" envDefault:"2s"`
	// IgnorePrefixes drops statements whose normalized text starts with
	// any of these (the upholder's own SQL, migrations, etc.).
	IgnorePrefixes []string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.SlowMeanMS <= 0 {
		c.SlowMeanMS = 100
	}
	if c.MinCalls <= 0 {
		c.MinCalls = 10
	}
	if c.TopN <= 0 {
		c.TopN = 50
	}
	if c.ExplainSampleRate < 0 || c.ExplainSampleRate > 1 {
		c.ExplainSampleRate = 0.2
	}
	if c.SeqScanThresholdRows <= 0 {
		c.SeqScanThresholdRows = 10_000
	}
	if c.ExplainTimeout <= 0 {
		c.ExplainTimeout = 2 * time.Second
	}
	return c
}

// Analyzer converts raw statement statistics into actionable issues.
type Analyzer struct {
	cfg    Config
	clock  scheduler.Clock
	log    *slog.Logger
	randFn func() float64

	// prev holds the previous pass's counters for trend deltas.
	prev map[string]QueryStat
}

// Option configures the analyzer.
type Option func(*Analyzer)

// WithClock sets the time source.
func WithClock(c scheduler.Clock) Option {
	return func(a *Analyzer) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.log = l
		}
	}
}

// WithRand overrides the explain sampling source for deterministic
// tests.
func WithRand(fn func() float64) Option {
	return func(a *Analyzer) {
		if fn != nil {
			a.randFn = fn
		}
	}
}

// New creates an analyzer.
func New(cfg Config, opts ...Option) *Analyzer {
	a := &Analyzer{
		cfg:    cfg.withDefaults(),
		clock:  scheduler.System(),
		log:    logger.NewNope(),
		randFn: rand.Float64,
		prev:   make(map[string]QueryStat),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Interval reports the configured pass cadence for scheduling.
func (a *Analyzer) Interval() time.Duration { return a.cfg.Interval }

// Run executes one pass against the given source. Per-statement EXPLAIN
// failures are swallowed; a missing extension degrades to a single info
// finding.
func (a *Analyzer) Run(ctx context.Context, src Source) (Result, error) {
	res := Result{
		StartedAt: a.clock.Now(),
		Plans:     make(map[string]Plan),
	}

	stats, err := src.TopStatements(ctx, a.cfg.MinCalls, a.cfg.TopN)
	switch {
	case errors.Is(err, ErrExtensionMissing):
		res.ExtensionMissing = true
		res.Issues = append(res.Issues, QueryIssue{
			Severity:       SeverityInfo,
			Kind:           KindExtensionMissing,
			Recommendation: "install pg_stat_statements (shared_preload_libraries) to enable query analysis",
		})
		return res, nil
	case err != nil:
		return res, err
	}

	stats = a.filterIgnored(stats)
	res.Stats = stats
	res.Deltas = a.computeDeltas(stats)

	if settings, err := src.Settings(ctx); err == nil {
		res.Settings = settings
	} else if ctx.Err() != nil {
		return res, ctx.Err()
	}

	for _, stat := range stats {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Issues = append(res.Issues, a.classify(ctx, src, stat, res.Plans)...)
	}
	return res, nil
}

// classify emits one issue per applicable kind for a single statement.
func (a *Analyzer) classify(ctx context.Context, src Source, stat QueryStat, plans map[string]Plan) []QueryIssue {
	var issues []QueryIssue

	if stat.MeanMS >= a.cfg.SlowMeanMS {
		severity := SeverityWarn
		if stat.MeanMS >= a.cfg.SlowMeanMS*10 {
			severity = SeverityCritical
		}
		issues = append(issues, QueryIssue{
			Fingerprint: stat.Fingerprint,
			Severity:    severity,
			Kind:        KindSlowMean,
			MeanMS:      stat.MeanMS,
			Calls:       stat.Calls,
			SampleText:  stat.SampleText,
			Recommendation: fmt.Sprintf(
				"mean execution time %.1fms over %d calls; review the plan and consider indexing or rewriting",
				stat.MeanMS, stat.Calls),
		})
	}

	if stat.CacheLocality() < 0.5 {
		issues = append(issues, QueryIssue{
			Fingerprint: stat.Fingerprint,
			Severity:    SeverityWarn,
			Kind:        KindPoorCacheLocality,
			MeanMS:      stat.MeanMS,
			Calls:       stat.Calls,
			Recommendation: fmt.Sprintf(
				"only %.0f%% of block reads hit shared buffers; working set may exceed cache",
				stat.CacheLocality()*100),
		})
	}

	if stat.VarianceRatio() > 5 {
		issues = append(issues, QueryIssue{
			Fingerprint: stat.Fingerprint,
			Severity:    SeverityInfo,
			Kind:        KindHighVariance,
			MeanMS:      stat.MeanMS,
			Calls:       stat.Calls,
			Recommendation: fmt.Sprintf(
				"runtime varies %.1fx around the mean; look for parameter-dependent plans or lock waits",
				stat.VarianceRatio()),
		})
	}

	if isUnparameterized(stat.SampleText) {
		issues = append(issues, QueryIssue{
			Fingerprint:    stat.Fingerprint,
			Severity:       SeverityWarn,
			Kind:           KindUnparameterized,
			SampleText:     stat.SampleText,
			Calls:          stat.Calls,
			Recommendation: "statement embeds literal values; use bind parameters so plans and statistics aggregate",
		})
	}

	if plan, ok := a.samplePlan(ctx, src, stat); ok {
		plans[stat.Fingerprint] = plan
		if plan.HasSeqScan {
			issues = append(issues, a.seqScanIssues(ctx, src, stat, plan)...)
		}
	}

	return issues
}

// samplePlan explains the statement with probability ExplainSampleRate.
// Failures are logged at debug and swallowed: a pass never dies on one
// statement.
func (a *Analyzer) samplePlan(ctx context.Context, src Source, stat QueryStat) (Plan, bool) {
	if a.randFn() >= a.cfg.ExplainSampleRate {
		return Plan{}, false
	}
	text, ok := reconstruct(ctx, src, stat.SampleText)
	if !ok {
		return Plan{}, false
	}
	raw, err := src.Explain(ctx, text)
	if err != nil {
		a.log.Debug("explain failed", slog.String("fingerprint", stat.Fingerprint), slog.String("error", err.Error()))
		return Plan{}, false
	}
	plan, err := ParsePlan(raw)
	if err != nil {
		a.log.Debug("plan parse failed", slog.String("fingerprint", stat.Fingerprint), slog.String("error", err.Error()))
		return Plan{}, false
	}
	return plan, true
}

func (a *Analyzer) seqScanIssues(ctx context.Context, src Source, stat QueryStat, plan Plan) []QueryIssue {
	var issues []QueryIssue
	for _, table := range plan.Relations {
		estimate, err := src.RowEstimate(ctx, table)
		if err != nil || estimate <= a.cfg.SeqScanThresholdRows {
			continue
		}
		issues = append(issues, QueryIssue{
			Fingerprint: stat.Fingerprint,
			Severity:    SeverityCritical,
			Kind:        KindSeqScanLargeTable,
			Table:       table,
			Columns:     plan.FilterColumns[table],
			MeanMS:      stat.MeanMS,
			Calls:       stat.Calls,
			SampleText:  stat.SampleText,
			Recommendation: fmt.Sprintf(
				"sequential scan over %s (~%d rows); an index on the filter columns would avoid it",
				table, estimate),
		})
	}
	return issues
}

func (a *Analyzer) filterIgnored(stats []QueryStat) []QueryStat {
	if len(a.cfg.IgnorePrefixes) == 0 {
		return stats
	}
	out := stats[:0]
	for _, stat := range stats {
		normalized := pgpool.Normalize(stat.SampleText)
		ignored := false
		for _, prefix := range a.cfg.IgnorePrefixes {
			if strings.HasPrefix(normalized, pgpool.Normalize(prefix)) {
				ignored = true
				break
			}
		}
		if !ignored {
			out = append(out, stat)
		}
	}
	return out
}

// computeDeltas compares this pass's counters with the previous pass.
// Counters are monotonic; a negative call delta means the server-side
// statistics were reset, which restarts the baseline for that entry.
func (a *Analyzer) computeDeltas(stats []QueryStat) []Delta {
	var deltas []Delta
	next := make(map[string]QueryStat, len(stats))
	for _, stat := range stats {
		next[stat.Fingerprint] = stat
		before, ok := a.prev[stat.Fingerprint]
		if !ok {
			continue
		}
		d := Delta{
			Fingerprint: stat.Fingerprint,
			CallsDelta:  stat.Calls - before.Calls,
			MeanBefore:  before.MeanMS,
			MeanAfter:   stat.MeanMS,
		}
		if d.CallsDelta < 0 {
			d.Reset = true
			d.CallsDelta = stat.Calls
		}
		deltas = append(deltas, d)
	}
	a.prev = next
	return deltas
}
