package sink

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/pgsteward"
)

// Slog writes alerts and reports to a structured logger. It is the
// default sink wired by the CLI.
type Slog struct {
	log *slog.Logger
}

// NewSlog creates a logger-backed sink.
func NewSlog(log *slog.Logger) *Slog {
	return &Slog{log: log}
}

func (s *Slog) OnAlert(ctx context.Context, a pgsteward.Alert) error {
	s.log.WarnContext(ctx, "alert",
		slog.String("kind", a.Kind),
		slog.String("subject", a.Subject),
		slog.Float64("observed", a.Observed),
		slog.Float64("threshold", a.Threshold),
		slog.String("recommendation", a.Recommendation),
	)
	return nil
}

func (s *Slog) OnReport(ctx context.Context, r pgsteward.Report) error {
	s.log.InfoContext(ctx, "audit report",
		slog.String("report_id", r.ID.String()),
		slog.Time("started_at", r.StartedAt),
		slog.Time("finished_at", r.FinishedAt),
		slog.Int("query_issues", len(r.Queries)),
		slog.Int("index_findings", len(r.Indexes)),
		slog.Bool("partial", r.Partial),
		slog.Bool("cancelled", r.Cancelled),
		slog.String("summary", r.Summary),
	)
	return nil
}
