package indexaudit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dmitrymomot/pgsteward/pkg/analyzer"
	"github.com/dmitrymomot/pgsteward/pkg/logger"
	"github.com/dmitrymomot/pgsteward/pkg/scheduler"
)

// Config tunes an audit pass.
type Config struct {
	// Interval is the pass cadence the orchestrator schedules at.
	Interval time.Duration `env:"INDEXAUDIT_INTERVAL" envDefault:"4h"`
	// Schemas limits the audit; empty means public only.
	Schemas []string
	// MinTableBytes ignores tables below this size.
	MinTableBytes int64 `env:"INDEXAUDIT_MIN_TABLE_BYTES" envDefault:"1048576"`
	// UnusedIdxScanThreshold is the scan count at or below which a
	// sufficiently old index counts as unused.
	UnusedIdxScanThreshold int64 `env:"INDEXAUDIT_UNUSED_SCAN_THRESHOLD" envDefault:"0"`
	// MinAgeDays protects freshly created indexes from the unused check.
	MinAgeDays int `env:"INDEXAUDIT_MIN_AGE_DAYS" envDefault:"7"`
	// BloatThreshold and MinBloatBytes gate the bloat finding.
	BloatThreshold float64 `env:"INDEXAUDIT_BLOAT_THRESHOLD" envDefault:"0.3"`
	MinBloatBytes  int64   `env:"INDEXAUDIT_MIN_BLOAT_BYTES" envDefault:"8388608"`
	// SeqRatioThreshold and MinRows gate missing-index candidates.
	SeqRatioThreshold float64 `env:"INDEXAUDIT_SEQ_RATIO_THRESHOLD" envDefault:"0.5"`
	MinRows           int64   `env:"INDEXAUDIT_MIN_ROWS" envDefault:"10000"`
	// MaxTablesPerPass caps catalog work per pass.
	MaxTablesPerPass int `env:"INDEXAUDIT_MAX_TABLES_PER_PASS" envDefault:"200"`
	// StaleStatsDays flags tables whose statistics were last gathered
	// longer ago than this.
	StaleStatsDays int `env:"INDEXAUDIT_STALE_STATS_DAYS" envDefault:"7"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 4 * time.Hour
	}
	if len(c.Schemas) == 0 {
		c.Schemas = []string{"public"}
	}
	if c.MinTableBytes <= 0 {
		c.MinTableBytes = 1 << 20
	}
	if c.MinAgeDays <= 0 {
		c.MinAgeDays = 7
	}
	if c.BloatThreshold <= 0 {
		c.BloatThreshold = 0.3
	}
	if c.MinBloatBytes <= 0 {
		c.MinBloatBytes = 8 << 20
	}
	if c.SeqRatioThreshold <= 0 {
		c.SeqRatioThreshold = 0.5
	}
	if c.MinRows <= 0 {
		c.MinRows = 10_000
	}
	if c.MaxTablesPerPass <= 0 {
		c.MaxTablesPerPass = 200
	}
	if c.StaleStatsDays <= 0 {
		c.StaleStatsDays = 7
	}
	return c
}

// Source supplies catalog profiles. The production implementation reads
// through a pool session; tests substitute fakes.
type Source interface {
	Tables(ctx context.Context, schemas []string) ([]TableProfile, error)
	Indexes(ctx context.Context, schemas []string) ([]IndexProfile, error)
}

// Auditor reconciles observed query workload against existing indexes.
type Auditor struct {
	cfg   Config
	clock scheduler.Clock
	log   *slog.Logger
}

// Option configures the auditor.
type Option func(*Auditor)

// WithClock sets the time source used for index age checks.
func WithClock(c scheduler.Clock) Option {
	return func(a *Auditor) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Auditor) {
		if l != nil {
			a.log = l
		}
	}
}

// New creates an auditor.
func New(cfg Config, opts ...Option) *Auditor {
	a := &Auditor{
		cfg:   cfg.withDefaults(),
		clock: scheduler.System(),
		log:   logger.NewNope(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Interval reports the configured pass cadence for scheduling.
func (a *Auditor) Interval() time.Duration { return a.cfg.Interval }

// Run executes one audit pass. queryIssues is the analyzer's latest
// output; its seq-scan findings feed missing-index detection. Findings
// are deterministic for an unchanged catalog: two consecutive passes
// produce identical finding sets.
func (a *Auditor) Run(ctx context.Context, src Source, queryIssues []analyzer.QueryIssue) (Result, error) {
	var res Result

	tables, err := src.Tables(ctx, a.cfg.Schemas)
	if err != nil {
		return res, err
	}
	indexes, err := src.Indexes(ctx, a.cfg.Schemas)
	if err != nil {
		return res, err
	}

	// Ignore small tables, cap the pass at the largest remainder.
	kept := tables[:0]
	for _, t := range tables {
		if t.TotalBytes >= a.cfg.MinTableBytes {
			kept = append(kept, t)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].TotalBytes > kept[j].TotalBytes })
	if len(kept) > a.cfg.MaxTablesPerPass {
		res.Skipped = len(kept) - a.cfg.MaxTablesPerPass
		kept = kept[:a.cfg.MaxTablesPerPass]
		a.log.Warn("audit pass capped", slog.Int("skipped_tables", res.Skipped))
	}
	res.Tables = kept
	res.Indexes = indexes

	byTable := indexesByTable(indexes)

	res.Findings = append(res.Findings, a.missing(kept, byTable, queryIssues)...)
	res.Findings = append(res.Findings, a.unused(indexes)...)
	res.Findings = append(res.Findings, a.duplicates(byTable)...)
	res.Findings = append(res.Findings, a.redundantPrefixes(byTable)...)
	res.Findings = append(res.Findings, a.bloated(indexes)...)
	res.Findings = append(res.Findings, a.staleStatistics(kept)...)

	sortFindings(res.Findings)
	return res, ctx.Err()
}

// missing emits advisory index suggestions for tables dominated by
// sequential scans that the analyzer flagged.
func (a *Auditor) missing(tables []TableProfile, byTable map[string][]IndexProfile, issues []analyzer.QueryIssue) []Finding {
	// Bucket seq-scan issues by table.
	type bucket struct {
		columns []string
		calls   int64
	}
	buckets := make(map[string]*bucket)
	for _, issue := range issues {
		if issue.Kind != analyzer.KindSeqScanLargeTable || issue.Table == "" || len(issue.Columns) == 0 {
			continue
		}
		b, ok := buckets[issue.Table]
		if !ok {
			b = &bucket{columns: issue.Columns}
			buckets[issue.Table] = b
		}
		b.calls += issue.Calls
	}

	var findings []Finding
	for _, t := range tables {
		if t.SeqScanRatio() <= a.cfg.SeqRatioThreshold || t.RowEstimate <= a.cfg.MinRows {
			continue
		}
		b, ok := buckets[t.Name]
		if !ok {
			continue
		}
		if hasPrefixIndex(byTable[t.Name], b.columns) {
			continue
		}
		confidence := float64(b.calls) / 100
		if confidence > 1 {
			confidence = 1
		}
		findings = append(findings, Finding{
			Schema:     t.Schema,
			Table:      t.Name,
			Kind:       FindingMissing,
			Columns:    b.columns,
			Confidence: confidence,
			Evidence: fmt.Sprintf("%d seq scans vs %d index scans; %d qualifying calls flagged by the query analyzer",
				t.SeqScanCount, t.IdxScanCount, b.calls),
			Recommendation: fmt.Sprintf("CREATE INDEX ON %s (%s)", t.Name, strings.Join(b.columns, ", ")),
			Safe:           true,
		})
	}
	return findings
}

// unused flags sufficiently old, non-constraint indexes that were never
// scanned. Advisory only: drops are never executed.
func (a *Auditor) unused(indexes []IndexProfile) []Finding {
	cutoff := a.clock.Now().AddDate(0, 0, -a.cfg.MinAgeDays)

	var findings []Finding
	for _, idx := range indexes {
		if idx.IsUnique || idx.IsPrimary {
			continue
		}
		if idx.Scans > a.cfg.UnusedIdxScanThreshold {
			continue
		}
		// Unknown creation time is treated as old: statistics for a
		// fresh index would show recent scans anyway.
		if !idx.CreatedAt.IsZero() && idx.CreatedAt.After(cutoff) {
			continue
		}
		findings = append(findings, Finding{
			Schema:     idx.Schema,
			Table:      idx.Table,
			Kind:       FindingUnused,
			Index:      idx.Name,
			Columns:    idx.Columns,
			Confidence: 0.8,
			Evidence: fmt.Sprintf("%d scans recorded; index occupies %d bytes",
				idx.Scans, idx.SizeBytes),
			Recommendation: fmt.Sprintf("review and consider: DROP INDEX %s", idx.Name),
		})
	}
	return findings
}

// duplicates flags indexes with identical column lists and options.
func (a *Auditor) duplicates(byTable map[string][]IndexProfile) []Finding {
	var findings []Finding
	for _, indexes := range byTable {
		seen := make(map[string]IndexProfile)
		for _, idx := range indexes {
			if idx.IsPartial {
				continue
			}
			key := fmt.Sprintf("%v|unique=%t", idx.Columns, idx.IsUnique)
			first, ok := seen[key]
			if !ok {
				seen[key] = idx
				continue
			}
			findings = append(findings, Finding{
				Schema:     idx.Schema,
				Table:      idx.Table,
				Kind:       FindingDuplicate,
				Index:      idx.Name,
				Columns:    idx.Columns,
				Confidence: 1,
				Evidence:   fmt.Sprintf("identical to %s", first.Name),
				Recommendation: fmt.Sprintf("review and consider: DROP INDEX %s (duplicate of %s)",
					idx.Name, first.Name),
			})
		}
	}
	return findings
}

// redundantPrefixes flags a non-unique index whose columns are a strict
// prefix of another index on the same table.
func (a *Auditor) redundantPrefixes(byTable map[string][]IndexProfile) []Finding {
	var findings []Finding
	for _, indexes := range byTable {
		for _, shorter := range indexes {
			if shorter.IsUnique || shorter.IsPartial {
				continue
			}
			for _, longer := range indexes {
				if shorter.Name == longer.Name || longer.IsPartial {
					continue
				}
				if len(shorter.Columns) >= len(longer.Columns) {
					continue
				}
				if !isPrefix(shorter.Columns, longer.Columns) {
					continue
				}
				findings = append(findings, Finding{
					Schema:     shorter.Schema,
					Table:      shorter.Table,
					Kind:       FindingRedundantPrefix,
					Index:      shorter.Name,
					Columns:    shorter.Columns,
					Confidence: 0.9,
					Evidence:   fmt.Sprintf("columns are a prefix of %s", longer.Name),
					Recommendation: fmt.Sprintf("review and consider: DROP INDEX %s (covered by %s)",
						shorter.Name, longer.Name),
				})
				break
			}
		}
	}
	return findings
}

// bloated applies the statistics-driven dead-tuple estimator.
func (a *Auditor) bloated(indexes []IndexProfile) []Finding {
	var findings []Finding
	for _, idx := range indexes {
		if idx.BloatEstimate <= a.cfg.BloatThreshold || idx.SizeBytes <= a.cfg.MinBloatBytes {
			continue
		}
		findings = append(findings, Finding{
			Schema:     idx.Schema,
			Table:      idx.Table,
			Kind:       FindingBloated,
			Index:      idx.Name,
			Confidence: 0.6,
			Evidence: fmt.Sprintf("estimated dead-tuple fraction %.0f%% over %d bytes",
				idx.BloatEstimate*100, idx.SizeBytes),
			Recommendation: fmt.Sprintf("REINDEX INDEX CONCURRENTLY %s", idx.Name),
		})
	}
	return findings
}

// staleStatistics flags tables the planner is working blind on. ANALYZE
// is in the safe auto-apply set.
func (a *Auditor) staleStatistics(tables []TableProfile) []Finding {
	cutoff := a.clock.Now().AddDate(0, 0, -a.cfg.StaleStatsDays)

	var findings []Finding
	for _, t := range tables {
		if !t.LastAnalyze.IsZero() && t.LastAnalyze.After(cutoff) {
			continue
		}
		evidence := "statistics never gathered"
		if !t.LastAnalyze.IsZero() {
			evidence = fmt.Sprintf("last analyzed %s", t.LastAnalyze.Format(time.RFC3339))
		}
		findings = append(findings, Finding{
			Schema:         t.Schema,
			Table:          t.Name,
			Kind:           FindingStaleStatistics,
			Confidence:     1,
			Evidence:       evidence,
			Recommendation: fmt.Sprintf("ANALYZE %s", t.Name),
			Safe:           true,
		})
	}
	return findings
}

func indexesByTable(indexes []IndexProfile) map[string][]IndexProfile {
	byTable := make(map[string][]IndexProfile)
	for _, idx := range indexes {
		byTable[idx.Table] = append(byTable[idx.Table], idx)
	}
	return byTable
}

// hasPrefixIndex reports whether any existing index already covers the
// columns as a leading prefix.
func hasPrefixIndex(indexes []IndexProfile, columns []string) bool {
	for _, idx := range indexes {
		if len(idx.Columns) >= len(columns) && isPrefix(columns, idx.Columns) {
			return true
		}
	}
	return false
}

func isPrefix(short, long []string) bool {
	for i, col := range short {
		if long[i] != col {
			return false
		}
	}
	return true
}

// sortFindings orders deterministically: kind, table, index, columns.
func sortFindings(findings []Finding) {
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return strings.Join(a.Columns, ",") < strings.Join(b.Columns, ",")
	})
}
