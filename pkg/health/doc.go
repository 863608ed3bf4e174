// Package health aggregates readiness checks for the upholder service:
// database pool connectivity, Redis sink reachability, and the
// orchestrator's lifecycle state. The handlers serve Kubernetes-style
// liveness/readiness probes with optional JSON bodies.
package health
