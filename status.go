package pgsteward

import (
	"time"

	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
	"github.com/dmitrymomot/pgsteward/pkg/scheduler"
)

// CycleInfo describes the most recent audit cycle.
type CycleInfo struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	OK         bool      `json:"ok"`
}

// Status is the JSON-serializable observability snapshot. It always
// reflects the most recent attempt, including degraded state.
type Status struct {
	State               State                `json:"state"`
	StartedAt           time.Time            `json:"started_at,omitzero"`
	LastCycle           *CycleInfo           `json:"last_cycle,omitempty"`
	LastReportAt        time.Time            `json:"last_report_at,omitzero"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	Pool                pgpool.Stats         `json:"pool"`
	Workers             []scheduler.TaskInfo `json:"workers,omitempty"`
}

// Status returns the current lifecycle snapshot.
func (u *Upholder) Status() Status {
	u.mu.Lock()
	st := Status{
		State:               u.state,
		StartedAt:           u.startedAt,
		ConsecutiveFailures: u.consecutiveFailures,
	}
	if u.lastReport != nil {
		st.LastCycle = &CycleInfo{
			StartedAt:  u.lastReport.StartedAt,
			FinishedAt: u.lastReport.FinishedAt,
			OK:         u.lastCycleOK,
		}
		st.LastReportAt = u.lastReport.FinishedAt
	}
	sched := u.sched
	u.mu.Unlock()

	st.Pool = u.pool.Stats()
	if sched != nil {
		st.Workers = sched.Snapshot()
	}
	return st
}

// LastReport returns the most recent report, or nil before the first
// cycle completes.
func (u *Upholder) LastReport() *Report {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastReport
}
