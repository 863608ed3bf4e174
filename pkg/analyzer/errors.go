package analyzer

import "errors"

// Sentinel errors for analyzer operations.
var (
	// ErrExtensionMissing is returned by a Source when
	// pg_stat_statements is not installed. The analyzer degrades to a
	// single informational finding instead of failing the pass.
	ErrExtensionMissing = errors.New("analyzer: pg_stat_statements not available")

	// ErrPermissionDenied is returned when the role cannot read the
	// statistics views. The analyzer does not disable itself on it; each
	// later pass queries the views again and returns the error again.
	ErrPermissionDenied = errors.New("analyzer: permission denied on statistics views")

	// ErrExplainSkipped marks statements whose text could not be
	// reconstructed into an explainable query.
	ErrExplainSkipped = errors.New("analyzer: explain skipped")
)
