package pgsteward

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dmitrymomot/pgsteward/pkg/indexaudit"
	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
)

// applySafe executes the closed set of autonomous actions: ANALYZE on
// tables with stale statistics, and creation of indexes marked safe
// (non-unique, non-partial). Everything else stays advisory regardless
// of mode. Returns the DDL that was actually executed.
func (u *Upholder) applySafe(ctx context.Context, s *pgpool.Session, findings []indexaudit.Finding) []string {
	var applied []string
	for _, f := range findings {
		if ctx.Err() != nil {
			break
		}
		if !f.Safe {
			continue
		}

		var ddl string
		switch f.Kind {
		case indexaudit.FindingStaleStatistics:
			ddl = f.Recommendation // "ANALYZE <table>"
		case indexaudit.FindingMissing:
			ddl = f.Recommendation // "CREATE INDEX ON <table> (...)"
		default:
			continue
		}
		if !strings.HasPrefix(ddl, "ANALYZE ") && !strings.HasPrefix(ddl, "CREATE INDEX ") {
			continue
		}

		if _, err := s.Exec(ctx, ddl, nil, pgpool.ExecOptions{Prepared: pgpool.PrepareNever}); err != nil {
			u.log.Error("safe optimization failed",
				slog.String("ddl", ddl), slog.String("error", err.Error()))
			continue
		}
		u.log.Info("safe optimization applied", slog.String("ddl", ddl))
		applied = append(applied, ddl)
	}
	return applied
}
