package bulk

import (
	"time"

	"github.com/google/uuid"
)

// Method is the load mechanism chosen for a job.
type Method string

const (
	MethodSingleInsert  Method = "single_insert"
	MethodMultiValues   Method = "multi_values"
	MethodPreparedBatch Method = "prepared_batch"
	MethodCopyFrom      Method = "copy_from"
)

// ConflictPolicy maps to the server-side ON CONFLICT clause.
type ConflictPolicy string

const (
	// ConflictError surfaces unique violations to the caller.
	ConflictError ConflictPolicy = "error"
	// ConflictIgnore skips conflicting rows (DO NOTHING).
	ConflictIgnore ConflictPolicy = "ignore"
	// ConflictUpdateAll overwrites every non-key column (DO UPDATE).
	ConflictUpdateAll ConflictPolicy = "update_all"
	// ConflictUpdateSpecified overwrites only Job.UpdateColumns.
	ConflictUpdateSpecified ConflictPolicy = "update_specified"
)

// Job describes one bulk write. The loader owns method selection; a job
// never pins a session across calls.
type Job struct {
	ID      uuid.UUID
	Table   string
	Columns []string
	Rows    [][]any

	// OnConflict selects the conflict policy; ConflictTarget names the
	// key columns for the ON CONFLICT clause (required for ignore with
	// a target, update_all, and update_specified).
	OnConflict     ConflictPolicy
	ConflictTarget []string
	// UpdateColumns is the column subset for ConflictUpdateSpecified.
	UpdateColumns []string

	// ChunkSize overrides the configured copy chunk size when positive.
	ChunkSize int
}

// Result reports what one Load actually did.
type Result struct {
	JobID            uuid.UUID     `json:"job_id"`
	RowsLoaded       int64         `json:"rows_loaded"`
	ConflictsSkipped int64         `json:"conflicts_skipped"`
	Bytes            int64         `json:"bytes"`
	Elapsed          time.Duration `json:"elapsed"`
	MethodUsed       Method        `json:"method_used"`
	Retries          int           `json:"retries"`
}
