package analyzer

import "time"

// Severity grades a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// IssueKind identifies the pathology a QueryIssue reports.
type IssueKind string

const (
	KindSlowMean          IssueKind = "slow_mean"
	KindSeqScanLargeTable IssueKind = "seq_scan_on_large_table"
	KindHighVariance      IssueKind = "high_variance"
	KindPoorCacheLocality IssueKind = "poor_cache_locality"
	KindUnparameterized   IssueKind = "unparameterized"
	KindExtensionMissing  IssueKind = "extension_missing"
)

// QueryStat is one row of statement statistics, normalized across the
// pg_stat_statements column renames.
type QueryStat struct {
	Fingerprint    string  `json:"fingerprint"`
	Calls          int64   `json:"calls"`
	TotalMS        float64 `json:"total_ms"`
	MeanMS         float64 `json:"mean_ms"`
	MinMS          float64 `json:"min_ms"`
	MaxMS          float64 `json:"max_ms"`
	Rows           int64   `json:"rows"`
	SharedBlksHit  int64   `json:"shared_blks_hit"`
	SharedBlksRead int64   `json:"shared_blks_read"`
	SampleText     string  `json:"sample_text"`
}

// CacheLocality is the fraction of block reads served from shared
// buffers for this statement.
func (q QueryStat) CacheLocality() float64 {
	return float64(q.SharedBlksHit) / float64(q.SharedBlksHit+q.SharedBlksRead+1)
}

// VarianceRatio measures runtime spread relative to the mean.
func (q QueryStat) VarianceRatio() float64 {
	const epsilon = 1e-9
	return (q.MaxMS - q.MinMS) / (q.MeanMS + epsilon)
}

// Plan is the classified shape of an EXPLAIN (FORMAT JSON) tree.
type Plan struct {
	TotalCost     float64             `json:"total_cost"`
	StartupCost   float64             `json:"startup_cost"`
	EstRows       int64               `json:"est_rows"`
	NodeTypes     []string            `json:"node_types"`
	HasSeqScan    bool                `json:"has_seq_scan"`
	HasSort       bool                `json:"has_sort"`
	HasHashJoin   bool                `json:"has_hash_join"`
	HasNestedLoop bool                `json:"has_nested_loop"`
	Depth         int                 `json:"depth"`
	Relations     []string            `json:"relations"`
	FilterColumns map[string][]string `json:"filter_columns"`
}

// QueryIssue is one actionable finding about one statement. When
// several kinds apply to a statement, one issue per kind is emitted so
// reports are fully enumerated.
type QueryIssue struct {
	Fingerprint    string    `json:"fingerprint"`
	Severity       Severity  `json:"severity"`
	Kind           IssueKind `json:"kind"`
	Recommendation string    `json:"recommendation"`
	SampleText     string    `json:"sample_text,omitempty"`
	Table          string    `json:"table,omitempty"`
	Columns        []string  `json:"columns,omitempty"`
	MeanMS         float64   `json:"mean_ms,omitempty"`
	Calls          int64     `json:"calls,omitempty"`
}

// Setting is one row of the pg_settings snapshot attached to reports.
type Setting struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Unit   string `json:"unit,omitempty"`
	Source string `json:"source,omitempty"`
}

// Delta tracks per-fingerprint movement between two passes. Counters
// are treated as monotonic; a negative call delta means the server
// statistics were reset and this entry restarts the baseline.
type Delta struct {
	Fingerprint string  `json:"fingerprint"`
	CallsDelta  int64   `json:"calls_delta"`
	MeanBefore  float64 `json:"mean_ms_before"`
	MeanAfter   float64 `json:"mean_ms_after"`
	Reset       bool    `json:"reset,omitempty"`
}

// Result is the output of one analyzer pass.
type Result struct {
	StartedAt        time.Time       `json:"started_at"`
	Issues           []QueryIssue    `json:"issues"`
	Stats            []QueryStat     `json:"stats"`
	Plans            map[string]Plan `json:"plans,omitempty"`
	Deltas           []Delta         `json:"deltas,omitempty"`
	Settings         []Setting       `json:"settings,omitempty"`
	ExtensionMissing bool            `json:"extension_missing,omitempty"`
}
