// Package sink provides concrete alert and report receivers for the
// upholder: structured log output, append-only files (JSON lines or
// YAML), HTTP webhooks, and Redis pub/sub channels.
//
// Every sink satisfies both pgsteward.AlertSink and
// pgsteward.ReportSink; register whichever halves you need. Sinks are
// isolated failure domains: a failing sink is disabled by the
// dispatcher after repeated consecutive failures and never affects the
// audit cycle.
package sink
