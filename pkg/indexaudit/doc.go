// Package indexaudit reconciles observed query workload against the
// catalog's existing indexes.
//
// An audit pass enumerates table and index profiles, then emits
// advisory findings: missing indexes (cross-referenced with the query
// analyzer's sequential-scan issues), unused indexes (never ones
// backing constraints), duplicates, redundant prefixes, bloat, and
// stale planner statistics. Every finding carries DDL text for operator
// review; nothing is executed by this package.
package indexaudit
