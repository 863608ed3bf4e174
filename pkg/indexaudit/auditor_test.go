package indexaudit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pgsteward/pkg/analyzer"
	"github.com/dmitrymomot/pgsteward/pkg/indexaudit"
	"github.com/dmitrymomot/pgsteward/pkg/scheduler"
)

type fakeCatalog struct {
	tables  []indexaudit.TableProfile
	indexes []indexaudit.IndexProfile
}

func (f *fakeCatalog) Tables(context.Context, []string) ([]indexaudit.TableProfile, error) {
	return append([]indexaudit.TableProfile(nil), f.tables...), nil
}

func (f *fakeCatalog) Indexes(context.Context, []string) ([]indexaudit.IndexProfile, error) {
	return append([]indexaudit.IndexProfile(nil), f.indexes...), nil
}

func findByKind(fs []indexaudit.Finding, kind indexaudit.FindingKind) []indexaudit.Finding {
	var out []indexaudit.Finding
	for _, f := range fs {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newAuditor(cfg indexaudit.Config) *indexaudit.Auditor {
	return indexaudit.New(cfg, indexaudit.WithClock(scheduler.NewFake(now)))
}

func freshTable(name string) indexaudit.TableProfile {
	return indexaudit.TableProfile{
		Schema: "public", Name: name,
		TotalBytes: 10 << 20, RowEstimate: 2_000_000,
		LastAnalyze: now.Add(-time.Hour),
	}
}

func TestAuditor_MissingIndex(t *testing.T) {
	t.Parallel()

	orders := freshTable("orders")
	orders.SeqScanCount = 900
	orders.IdxScanCount = 10

	cat := &fakeCatalog{tables: []indexaudit.TableProfile{orders}}
	issues := []analyzer.QueryIssue{{
		Kind:    analyzer.KindSeqScanLargeTable,
		Table:   "orders",
		Columns: []string{"status"},
		Calls:   500,
	}}

	res, err := newAuditor(indexaudit.Config{}).Run(context.Background(), cat, issues)
	require.NoError(t, err)

	missing := findByKind(res.Findings, indexaudit.FindingMissing)
	require.Len(t, missing, 1)
	require.Equal(t, "orders", missing[0].Table)
	require.Equal(t, []string{"status"}, missing[0].Columns)
	require.GreaterOrEqual(t, missing[0].Confidence, 0.5)
	require.Equal(t, "CREATE INDEX ON orders (status)", missing[0].Recommendation)
	require.True(t, missing[0].Safe)
}

func TestAuditor_MissingSuppressedByPrefix(t *testing.T) {
	t.Parallel()

	orders := freshTable("orders")
	orders.SeqScanCount = 900
	orders.IdxScanCount = 10

	cat := &fakeCatalog{
		tables: []indexaudit.TableProfile{orders},
		indexes: []indexaudit.IndexProfile{{
			Schema: "public", Table: "orders", Name: "idx_orders_status_created",
			Columns: []string{"status", "created_at"}, Scans: 5000,
		}},
	}
	issues := []analyzer.QueryIssue{{
		Kind: analyzer.KindSeqScanLargeTable, Table: "orders",
		Columns: []string{"status"}, Calls: 500,
	}}

	res, err := newAuditor(indexaudit.Config{}).Run(context.Background(), cat, issues)
	require.NoError(t, err)
	require.Empty(t, findByKind(res.Findings, indexaudit.FindingMissing),
		"existing prefix index suppresses the suggestion")
}

func TestAuditor_UnusedIndex(t *testing.T) {
	t.Parallel()

	orders := freshTable("orders")
	cat := &fakeCatalog{
		tables: []indexaudit.TableProfile{orders},
		indexes: []indexaudit.IndexProfile{
			{
				Schema: "public", Table: "orders", Name: "idx_orders_legacy",
				Columns: []string{"legacy_col"}, Scans: 0,
				SizeBytes: 50 << 20, CreatedAt: now.AddDate(0, 0, -30),
			},
			{
				Schema: "public", Table: "orders", Name: "orders_pkey",
				Columns: []string{"id"}, Scans: 0, IsPrimary: true, IsUnique: true,
				CreatedAt: now.AddDate(0, 0, -30),
			},
			{
				Schema: "public", Table: "orders", Name: "idx_orders_fresh",
				Columns: []string{"created_at"}, Scans: 0,
				CreatedAt: now.AddDate(0, 0, -2),
			},
		},
	}

	res, err := newAuditor(indexaudit.Config{MinAgeDays: 7}).Run(context.Background(), cat, nil)
	require.NoError(t, err)

	unused := findByKind(res.Findings, indexaudit.FindingUnused)
	require.Len(t, unused, 1)
	require.Equal(t, "idx_orders_legacy", unused[0].Index)
	require.False(t, unused[0].Safe, "drops stay advisory")
}

func TestAuditor_DuplicateAndRedundantPrefix(t *testing.T) {
	t.Parallel()

	orders := freshTable("orders")
	cat := &fakeCatalog{
		tables: []indexaudit.TableProfile{orders},
		indexes: []indexaudit.IndexProfile{
			{Schema: "public", Table: "orders", Name: "idx_a", Columns: []string{"user_id"}, Scans: 10},
			{Schema: "public", Table: "orders", Name: "idx_b", Columns: []string{"user_id"}, Scans: 10},
			{Schema: "public", Table: "orders", Name: "idx_c", Columns: []string{"user_id", "created_at"}, Scans: 10},
		},
	}

	res, err := newAuditor(indexaudit.Config{}).Run(context.Background(), cat, nil)
	require.NoError(t, err)

	dups := findByKind(res.Findings, indexaudit.FindingDuplicate)
	require.Len(t, dups, 1)
	require.Equal(t, "idx_b", dups[0].Index)

	// Both single-column indexes are prefixes of idx_c.
	prefixes := findByKind(res.Findings, indexaudit.FindingRedundantPrefix)
	require.Len(t, prefixes, 2)
}

func TestAuditor_Bloat(t *testing.T) {
	t.Parallel()

	orders := freshTable("orders")
	cat := &fakeCatalog{
		tables: []indexaudit.TableProfile{orders},
		indexes: []indexaudit.IndexProfile{
			{Schema: "public", Table: "orders", Name: "idx_bloated",
				Columns: []string{"user_id"}, Scans: 100,
				SizeBytes: 100 << 20, BloatEstimate: 0.45},
			{Schema: "public", Table: "orders", Name: "idx_small",
				Columns: []string{"created_at"}, Scans: 100,
				SizeBytes: 1 << 20, BloatEstimate: 0.9},
		},
	}

	res, err := newAuditor(indexaudit.Config{BloatThreshold: 0.3}).Run(context.Background(), cat, nil)
	require.NoError(t, err)

	bloated := findByKind(res.Findings, indexaudit.FindingBloated)
	require.Len(t, bloated, 1, "small indexes are below MinBloatBytes")
	require.Equal(t, "idx_bloated", bloated[0].Index)
}

func TestAuditor_StaleStatistics(t *testing.T) {
	t.Parallel()

	fresh := freshTable("fresh")
	stale := freshTable("stale")
	stale.LastAnalyze = now.AddDate(0, 0, -30)
	never := freshTable("never")
	never.LastAnalyze = time.Time{}

	cat := &fakeCatalog{tables: []indexaudit.TableProfile{fresh, stale, never}}

	res, err := newAuditor(indexaudit.Config{StaleStatsDays: 7}).Run(context.Background(), cat, nil)
	require.NoError(t, err)

	staleFindings := findByKind(res.Findings, indexaudit.FindingStaleStatistics)
	require.Len(t, staleFindings, 2)
	for _, f := range staleFindings {
		require.True(t, f.Safe, "ANALYZE is in the safe set")
		require.Contains(t, f.Recommendation, "ANALYZE ")
	}
}

func TestAuditor_EmptySchema(t *testing.T) {
	t.Parallel()

	res, err := newAuditor(indexaudit.Config{}).Run(context.Background(), &fakeCatalog{}, nil)
	require.NoError(t, err)
	require.Empty(t, res.Findings)
	require.Empty(t, res.Tables)
}

func TestAuditor_Idempotence(t *testing.T) {
	t.Parallel()

	orders := freshTable("orders")
	orders.SeqScanCount = 900
	cat := &fakeCatalog{
		tables: []indexaudit.TableProfile{orders},
		indexes: []indexaudit.IndexProfile{
			{Schema: "public", Table: "orders", Name: "idx_a", Columns: []string{"user_id"}, Scans: 10},
			{Schema: "public", Table: "orders", Name: "idx_b", Columns: []string{"user_id"}, Scans: 10},
		},
	}
	issues := []analyzer.QueryIssue{{
		Kind: analyzer.KindSeqScanLargeTable, Table: "orders",
		Columns: []string{"status"}, Calls: 70,
	}}

	a := newAuditor(indexaudit.Config{})
	first, err := a.Run(context.Background(), cat, issues)
	require.NoError(t, err)
	second, err := a.Run(context.Background(), cat, issues)
	require.NoError(t, err)
	require.Equal(t, first.Findings, second.Findings)
}

func TestAuditor_TableCap(t *testing.T) {
	t.Parallel()

	var tables []indexaudit.TableProfile
	for _, name := range []string{"a", "b", "c"} {
		tables = append(tables, freshTable(name))
	}
	cat := &fakeCatalog{tables: tables}

	res, err := newAuditor(indexaudit.Config{MaxTablesPerPass: 2}).Run(context.Background(), cat, nil)
	require.NoError(t, err)
	require.Len(t, res.Tables, 2)
	require.Equal(t, 1, res.Skipped)
}
