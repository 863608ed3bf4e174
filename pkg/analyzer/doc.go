// Package analyzer reads pg_stat_statements, samples query plans with
// EXPLAIN (FORMAT JSON), and classifies statements into actionable
// issues: slow means, sequential scans over large tables, poor cache
// locality, high runtime variance, and unparameterized SQL.
//
// Plans are sampled probabilistically, never executed: placeholders are
// substituted with representative literals from the planner's
// most-common-values statistics, and statements that cannot be
// reconstructed are skipped. EXPLAIN ANALYZE is never used.
//
// When several pathologies apply to one statement, one issue per kind
// is emitted so reports enumerate everything the operator should see.
// A missing pg_stat_statements extension degrades the pass to a single
// informational finding.
package analyzer
