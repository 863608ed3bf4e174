package indexaudit

import "time"

// TableProfile summarizes one user table's size and access pattern.
type TableProfile struct {
	Schema          string    `json:"schema"`
	Name            string    `json:"name"`
	RowEstimate     int64     `json:"row_estimate"`
	TotalBytes      int64     `json:"total_bytes"`
	HeapBytes       int64     `json:"heap_bytes"`
	IndexBytes      int64     `json:"index_bytes"`
	SeqScanCount    int64     `json:"seq_scan_count"`
	IdxScanCount    int64     `json:"idx_scan_count"`
	HotUpdateRatio  float64   `json:"hot_update_ratio"`
	DeadTupFraction float64   `json:"dead_tup_fraction"`
	LastAnalyze     time.Time `json:"last_analyze,omitzero"`
}

// SeqScanRatio is the fraction of scans that bypassed indexes.
func (t TableProfile) SeqScanRatio() float64 {
	return float64(t.SeqScanCount) / float64(t.SeqScanCount+t.IdxScanCount+1)
}

// IndexProfile summarizes one index.
type IndexProfile struct {
	Schema        string    `json:"schema"`
	Table         string    `json:"table"`
	Name          string    `json:"name"`
	Columns       []string  `json:"columns"`
	IsUnique      bool      `json:"is_unique"`
	IsPrimary     bool      `json:"is_primary"`
	IsPartial     bool      `json:"is_partial"`
	Predicate     string    `json:"predicate,omitempty"`
	SizeBytes     int64     `json:"size_bytes"`
	Scans         int64     `json:"scans"`
	TuplesRead    int64     `json:"tuples_read"`
	TuplesFetched int64     `json:"tuples_fetched"`
	BloatEstimate float64   `json:"bloat_estimate"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
}

// FindingKind identifies what an index finding reports.
type FindingKind string

const (
	FindingMissing         FindingKind = "missing"
	FindingUnused          FindingKind = "unused"
	FindingDuplicate       FindingKind = "duplicate"
	FindingRedundantPrefix FindingKind = "redundant_prefix"
	FindingBloated         FindingKind = "bloated"
	FindingStaleStatistics FindingKind = "stale_statistics"
)

// Finding is one advisory result of an audit pass. The auditor never
// applies findings itself; Recommendation carries DDL text the operator
// can review. Safe marks the closed set of actions the orchestrator may
// run itself when auto-apply is enabled.
type Finding struct {
	Schema         string      `json:"schema,omitempty"`
	Table          string      `json:"table"`
	Kind           FindingKind `json:"kind"`
	Index          string      `json:"index,omitempty"`
	Columns        []string    `json:"columns,omitempty"`
	Evidence       string      `json:"evidence"`
	Confidence     float64     `json:"confidence"`
	Recommendation string      `json:"recommendation"`
	Safe           bool        `json:"safe,omitempty"`
}

// Result is the output of one audit pass.
type Result struct {
	Tables   []TableProfile `json:"tables"`
	Indexes  []IndexProfile `json:"indexes"`
	Findings []Finding      `json:"findings"`
	// Skipped counts tables dropped by the per-pass ceiling.
	Skipped int `json:"skipped,omitempty"`
}
