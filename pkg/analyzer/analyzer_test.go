package analyzer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pgsteward/pkg/analyzer"
	"github.com/dmitrymomot/pgsteward/pkg/scheduler"
)

type fakeSource struct {
	stats    []analyzer.QueryStat
	statsErr error
	plans    map[string][]byte
	mcv      map[string]string
	rowEst   map[string]int64
	settings []analyzer.Setting
}

func (f *fakeSource) TopStatements(context.Context, int64, int) ([]analyzer.QueryStat, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return f.stats, nil
}

func (f *fakeSource) Explain(_ context.Context, text string) ([]byte, error) {
	if doc, ok := f.plans[text]; ok {
		return doc, nil
	}
	return nil, analyzer.ErrExplainSkipped
}

func (f *fakeSource) MostCommonValue(_ context.Context, table, column string) (string, bool) {
	v, ok := f.mcv[table+"."+column]
	return v, ok
}

func (f *fakeSource) RowEstimate(_ context.Context, table string) (int64, error) {
	return f.rowEst[table], nil
}

func (f *fakeSource) Settings(context.Context) ([]analyzer.Setting, error) {
	return f.settings, nil
}

func hasIssue(issues []analyzer.QueryIssue, kind analyzer.IssueKind) (analyzer.QueryIssue, bool) {
	for _, i := range issues {
		if i.Kind == kind {
			return i, true
		}
	}
	return analyzer.QueryIssue{}, false
}

const seqScanPlan = `[{"Plan":{"Node Type":"Seq Scan","Relation Name":"orders","Startup Cost":0,"Total Cost":51234.5,"Plan Rows":2000000,"Filter":"(status = 'active'::text)"}}]`

func TestAnalyzer_SeqScanDetection(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		stats: []analyzer.QueryStat{{
			Fingerprint:    "fp-orders-status",
			Calls:          500,
			MeanMS:         180,
			MinMS:          150,
			MaxMS:          220,
			TotalMS:        90_000,
			SharedBlksHit:  900,
			SharedBlksRead: 100,
			SampleText:     "SELECT * FROM orders WHERE status = $1",
		}},
		plans: map[string][]byte{
			"SELECT * FROM orders WHERE status = 'active'": []byte(seqScanPlan),
		},
		mcv:    map[string]string{"orders.status": "'active'"},
		rowEst: map[string]int64{"orders": 2_000_000},
	}

	a := analyzer.New(
		analyzer.Config{SlowMeanMS: 100, ExplainSampleRate: 1, SeqScanThresholdRows: 10_000},
		analyzer.WithRand(func() float64 { return 0 }),
		analyzer.WithClock(scheduler.NewFake(time.Unix(0, 0))),
	)
	res, err := a.Run(context.Background(), src)
	require.NoError(t, err)

	slow, ok := hasIssue(res.Issues, analyzer.KindSlowMean)
	require.True(t, ok, "slow mean issue expected")
	require.Equal(t, analyzer.SeverityWarn, slow.Severity)
	require.Equal(t, "fp-orders-status", slow.Fingerprint)

	seq, ok := hasIssue(res.Issues, analyzer.KindSeqScanLargeTable)
	require.True(t, ok, "seq scan issue expected")
	require.Equal(t, analyzer.SeverityCritical, seq.Severity)
	require.Equal(t, "orders", seq.Table)
	require.Equal(t, []string{"status"}, seq.Columns)
	require.Equal(t, "fp-orders-status", seq.Fingerprint)

	// The sampled plan is retained for the index auditor.
	require.Contains(t, res.Plans, "fp-orders-status")
	require.True(t, res.Plans["fp-orders-status"].HasSeqScan)
}

func TestAnalyzer_ExtensionMissing(t *testing.T) {
	t.Parallel()

	src := &fakeSource{statsErr: analyzer.ErrExtensionMissing}
	a := analyzer.New(analyzer.Config{})

	res, err := a.Run(context.Background(), src)
	require.NoError(t, err)
	require.True(t, res.ExtensionMissing)
	require.Len(t, res.Issues, 1)
	require.Equal(t, analyzer.KindExtensionMissing, res.Issues[0].Kind)
	require.Equal(t, analyzer.SeverityInfo, res.Issues[0].Severity)
}

func TestAnalyzer_Classification(t *testing.T) {
	t.Parallel()

	t.Run("critical slow mean at 10x threshold", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{stats: []analyzer.QueryStat{{
			Fingerprint: "fp", Calls: 100, MeanMS: 1200, MinMS: 1100, MaxMS: 1300,
			SharedBlksHit: 100, SampleText: "SELECT count(*) FROM conversions",
		}}}
		a := analyzer.New(analyzer.Config{SlowMeanMS: 100, ExplainSampleRate: 0.0001},
			analyzer.WithRand(func() float64 { return 0.99 }))

		res, err := a.Run(context.Background(), src)
		require.NoError(t, err)
		slow, ok := hasIssue(res.Issues, analyzer.KindSlowMean)
		require.True(t, ok)
		require.Equal(t, analyzer.SeverityCritical, slow.Severity)
	})

	t.Run("poor cache locality", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{stats: []analyzer.QueryStat{{
			Fingerprint: "fp", Calls: 50, MeanMS: 10, MinMS: 9, MaxMS: 11,
			SharedBlksHit: 100, SharedBlksRead: 900,
			SampleText: "SELECT * FROM clicks WHERE id = $1",
		}}}
		a := analyzer.New(analyzer.Config{}, analyzer.WithRand(func() float64 { return 0.99 }))

		res, err := a.Run(context.Background(), src)
		require.NoError(t, err)
		_, ok := hasIssue(res.Issues, analyzer.KindPoorCacheLocality)
		require.True(t, ok)
	})

	t.Run("high variance", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{stats: []analyzer.QueryStat{{
			Fingerprint: "fp", Calls: 50, MeanMS: 10, MinMS: 1, MaxMS: 90,
			SharedBlksHit: 1000,
			SampleText:    "SELECT * FROM leads WHERE score > $1",
		}}}
		a := analyzer.New(analyzer.Config{}, analyzer.WithRand(func() float64 { return 0.99 }))

		res, err := a.Run(context.Background(), src)
		require.NoError(t, err)
		hv, ok := hasIssue(res.Issues, analyzer.KindHighVariance)
		require.True(t, ok)
		require.Equal(t, analyzer.SeverityInfo, hv.Severity)
	})

	t.Run("unparameterized literals", func(t *testing.T) {
		t.Parallel()

		src := &fakeSource{stats: []analyzer.QueryStat{{
			Fingerprint: "fp", Calls: 50, MeanMS: 10, MinMS: 9, MaxMS: 11,
			SharedBlksHit: 1000,
			SampleText:    "SELECT * FROM users WHERE email = 'bob@example.com'",
		}}}
		a := analyzer.New(analyzer.Config{}, analyzer.WithRand(func() float64 { return 0.99 }))

		res, err := a.Run(context.Background(), src)
		require.NoError(t, err)
		_, ok := hasIssue(res.Issues, analyzer.KindUnparameterized)
		require.True(t, ok)

		// Parameterized equivalents stay clean.
		src.stats[0].SampleText = "SELECT * FROM users WHERE email = $1"
		res, err = a.Run(context.Background(), src)
		require.NoError(t, err)
		_, ok = hasIssue(res.Issues, analyzer.KindUnparameterized)
		require.False(t, ok)
	})
}

func TestAnalyzer_IgnorePrefixes(t *testing.T) {
	t.Parallel()

	src := &fakeSource{stats: []analyzer.QueryStat{
		{Fingerprint: "own", Calls: 100, MeanMS: 500, SharedBlksHit: 10,
			SampleText: "SELECT queryid::text, calls FROM pg_stat_statements"},
		{Fingerprint: "app", Calls: 100, MeanMS: 500, MinMS: 450, MaxMS: 550, SharedBlksHit: 1000,
			SampleText: "SELECT * FROM campaigns WHERE id = $1"},
	}}
	a := analyzer.New(
		analyzer.Config{SlowMeanMS: 100, IgnorePrefixes: []string{"SELECT queryid"}},
		analyzer.WithRand(func() float64 { return 0.99 }),
	)

	res, err := a.Run(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, res.Stats, 1)
	require.Equal(t, "app", res.Stats[0].Fingerprint)
}

func TestAnalyzer_Deltas(t *testing.T) {
	t.Parallel()

	stat := analyzer.QueryStat{
		Fingerprint: "fp", Calls: 100, MeanMS: 50, MinMS: 45, MaxMS: 55, SharedBlksHit: 1000,
		SampleText: "SELECT 1",
	}
	src := &fakeSource{stats: []analyzer.QueryStat{stat}}
	a := analyzer.New(analyzer.Config{}, analyzer.WithRand(func() float64 { return 0.99 }))
	ctx := context.Background()

	res, err := a.Run(ctx, src)
	require.NoError(t, err)
	require.Empty(t, res.Deltas, "first pass has no baseline")

	src.stats[0].Calls = 160
	src.stats[0].MeanMS = 60
	res, err = a.Run(ctx, src)
	require.NoError(t, err)
	require.Len(t, res.Deltas, 1)
	require.Equal(t, int64(60), res.Deltas[0].CallsDelta)
	require.Equal(t, 50.0, res.Deltas[0].MeanBefore)
	require.Equal(t, 60.0, res.Deltas[0].MeanAfter)
	require.False(t, res.Deltas[0].Reset)

	// A counter reset restarts the baseline.
	src.stats[0].Calls = 5
	res, err = a.Run(ctx, src)
	require.NoError(t, err)
	require.Len(t, res.Deltas, 1)
	require.True(t, res.Deltas[0].Reset)
	require.Equal(t, int64(5), res.Deltas[0].CallsDelta)
}

func TestParsePlan(t *testing.T) {
	t.Parallel()

	raw := []byte(`[{"Plan":{
		"Node Type":"Hash Join","Startup Cost":10,"Total Cost":5000,"Plan Rows":1200,
		"Hash Cond":"(o.user_id = u.id)",
		"Plans":[
			{"Node Type":"Seq Scan","Relation Name":"orders","Filter":"(status = 'paid'::text)","Plan Rows":100000},
			{"Node Type":"Hash","Plans":[
				{"Node Type":"Index Scan","Relation Name":"users","Index Cond":"(id = 42)"}
			]}
		]}}]`)

	p, err := analyzer.ParsePlan(raw)
	require.NoError(t, err)
	require.True(t, p.HasSeqScan)
	require.True(t, p.HasHashJoin)
	require.False(t, p.HasNestedLoop)
	require.Equal(t, 3, p.Depth)
	require.Equal(t, int64(1200), p.EstRows)
	require.ElementsMatch(t, []string{"orders", "users"}, p.Relations)
	require.Equal(t, []string{"status"}, p.FilterColumns["orders"])
	require.Equal(t, []string{"id"}, p.FilterColumns["users"])

	_, err = analyzer.ParsePlan([]byte("[]"))
	require.ErrorIs(t, err, analyzer.ErrExplainSkipped)
}
