package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/dmitrymomot/pgsteward"
	"github.com/dmitrymomot/pgsteward/pkg/analyzer"
)

var (
	critical = color.New(color.FgRed, color.Bold).SprintFunc()
	warning  = color.New(color.FgYellow).SprintFunc()
	info     = color.New(color.FgCyan).SprintFunc()
)

func severityLabel(s analyzer.Severity) string {
	switch s {
	case analyzer.SeverityCritical:
		return critical(string(s))
	case analyzer.SeverityWarn:
		return warning(string(s))
	default:
		return info(string(s))
	}
}

// renderReport prints a human-readable report: summary line, query
// issue table, index finding table, cache summary.
func renderReport(w io.Writer, r pgsteward.Report) {
	fmt.Fprintf(w, "Audit %s — %s\n", r.ID, r.Summary)
	fmt.Fprintf(w, "Window: %s .. %s\n\n", r.StartedAt.Format("15:04:05"), r.FinishedAt.Format("15:04:05"))

	if len(r.Queries) > 0 {
		fmt.Fprintln(w, "Query issues:")
		table := tablewriter.NewWriter(w)
		table.Header([]string{"Severity", "Kind", "Fingerprint", "Mean ms", "Calls", "Recommendation"})
		var data [][]string
		for _, q := range r.Queries {
			data = append(data, []string{
				severityLabel(q.Severity),
				string(q.Kind),
				q.Fingerprint,
				strconv.FormatFloat(q.MeanMS, 'f', 1, 64),
				strconv.FormatInt(q.Calls, 10),
				q.Recommendation,
			})
		}
		renderTable(w, table, data)
	}

	if len(r.Indexes) > 0 {
		fmt.Fprintln(w, "Index findings:")
		table := tablewriter.NewWriter(w)
		table.Header([]string{"Kind", "Table", "Index", "Columns", "Confidence", "Recommendation"})
		var data [][]string
		for _, f := range r.Indexes {
			data = append(data, []string{
				string(f.Kind),
				f.Table,
				f.Index,
				strings.Join(f.Columns, ", "),
				strconv.FormatFloat(f.Confidence, 'f', 2, 64),
				f.Recommendation,
			})
		}
		renderTable(w, table, data)
	}

	cs := r.CacheSummary
	if cs.Samples > 0 {
		fmt.Fprintf(w, "Cache: heap hit min/mean/p95 = %.3f/%.3f/%.3f, index = %.3f/%.3f/%.3f over %d samples\n",
			cs.HeapMin, cs.HeapMean, cs.HeapP95, cs.IndexMin, cs.IndexMean, cs.IndexP95, cs.Samples)
	}

	p := r.Pool
	fmt.Fprintf(w, "Pool: %d in use, %d idle of %d max; %d queries (%d slow), %d acquire timeouts\n",
		p.InUse, p.Idle, p.MaxSize, p.TotalQueries, p.SlowQueries, p.AcquireTimeouts)

	if len(r.AppliedActions) > 0 {
		fmt.Fprintln(w, "Applied:")
		for _, a := range r.AppliedActions {
			fmt.Fprintf(w, "  %s\n", a)
		}
	}
}

func renderTable(w io.Writer, table *tablewriter.Table, data [][]string) {
	if err := table.Bulk(data); err != nil {
		fmt.Fprintln(w, "render error:", err)
		return
	}
	if err := table.Render(); err != nil {
		fmt.Fprintln(w, "render error:", err)
	}
	fmt.Fprintln(w)
}
