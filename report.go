package pgsteward

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pgsteward/pkg/analyzer"
	"github.com/dmitrymomot/pgsteward/pkg/cachemon"
	"github.com/dmitrymomot/pgsteward/pkg/indexaudit"
	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
)

// Alert is a point-in-time threshold crossing delivered to alert sinks.
// Alerts are immutable after construction.
type Alert struct {
	ID             uuid.UUID `json:"id"`
	Kind           string    `json:"kind"`
	Subject        string    `json:"subject,omitempty"`
	Observed       float64   `json:"observed"`
	Threshold      float64   `json:"threshold"`
	Recommendation string    `json:"recommendation,omitempty"`
	EmittedAt      time.Time `json:"emitted_at"`
}

// AlertHighConnectionUsage fires when pg_stat_activity approaches
// max_connections.
const AlertHighConnectionUsage = "high_connection_usage"

// ConnectionSummary is the activity overview sampled during a cycle.
type ConnectionSummary struct {
	ByState        map[string]int `json:"by_state,omitempty"`
	Total          int            `json:"total"`
	MaxConnections int            `json:"max_connections"`
	UtilizationPct float64        `json:"utilization_pct"`
}

// Report is the assembled output of one audit cycle. Reports are
// immutable after construction; distribution to sinks may happen
// concurrently.
type Report struct {
	ID         uuid.UUID `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Queries     []analyzer.QueryIssue `json:"queries"`
	QueryDeltas []analyzer.Delta      `json:"query_deltas,omitempty"`
	Settings    []analyzer.Setting    `json:"settings,omitempty"`

	Indexes []indexaudit.Finding `json:"indexes"`

	Cache        []cachemon.Sample `json:"cache"`
	CacheSummary cachemon.Summary  `json:"cache_summary"`

	Pool        pgpool.Stats      `json:"pool"`
	Connections ConnectionSummary `json:"connections"`

	// AppliedActions lists DDL the orchestrator executed itself under
	// auto-apply; empty in dry-run mode.
	AppliedActions []string `json:"applied_actions,omitempty"`

	Summary string `json:"summary"`

	Cancelled        bool     `json:"cancelled,omitempty"`
	Partial          bool     `json:"partial,omitempty"`
	FailedComponents []string `json:"failed_components,omitempty"`
}

// summarize renders the one-line human summary.
func (r *Report) summarize() {
	criticals := 0
	for _, q := range r.Queries {
		if q.Severity == analyzer.SeverityCritical {
			criticals++
		}
	}
	r.Summary = fmt.Sprintf("%d query issues (%d critical), %d index findings, %d cache samples",
		len(r.Queries), criticals, len(r.Indexes), len(r.Cache))
	switch {
	case r.Cancelled:
		r.Summary += " [cancelled]"
	case r.Partial:
		r.Summary += fmt.Sprintf(" [partial: %v]", r.FailedComponents)
	}
}
