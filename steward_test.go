package pgsteward_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pgsteward"
	"github.com/dmitrymomot/pgsteward/pkg/analyzer"
	"github.com/dmitrymomot/pgsteward/pkg/cachemon"
	"github.com/dmitrymomot/pgsteward/pkg/indexaudit"
	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
)

// recorder captures deliveries across sinks in arrival order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type recordingSink struct {
	rec *recorder
	err error
}

func (s *recordingSink) OnAlert(_ context.Context, a pgsteward.Alert) error {
	s.rec.add("alert:" + a.Kind)
	return s.err
}

func (s *recordingSink) OnReport(context.Context, pgsteward.Report) error {
	s.rec.add("report")
	return s.err
}

// stubConn is the minimal driver fake the orchestrator tests need.
type stubConn struct {
	mu      sync.Mutex
	closed  bool
	sqls    *[]string
	pingErr func() error
}

func (c *stubConn) Ping(context.Context) error {
	if c.pingErr != nil {
		return c.pingErr()
	}
	return nil
}
func (c *stubConn) Close(context.Context) error { c.mu.Lock(); c.closed = true; c.mu.Unlock(); return nil }
func (c *stubConn) IsClosed() bool              { c.mu.Lock(); defer c.mu.Unlock(); return c.closed }
func (c *stubConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if c.sqls != nil {
		c.mu.Lock()
		*c.sqls = append(*c.sqls, sql)
		c.mu.Unlock()
	}
	return pgconn.NewCommandTag("OK"), nil
}
func (c *stubConn) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (c *stubConn) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (c *stubConn) Prepare(_ context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return &pgconn.StatementDescription{Name: name, SQL: sql}, nil
}
func (c *stubConn) Deallocate(context.Context, string) error { return nil }
func (c *stubConn) Begin(context.Context) (pgx.Tx, error)    { return nil, errors.New("not supported") }
func (c *stubConn) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	return nil
}
func (c *stubConn) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

// fixedAnalyzerSource serves canned statement stats.
type fixedAnalyzerSource struct {
	stats []analyzer.QueryStat
	block bool
}

func (f *fixedAnalyzerSource) TopStatements(ctx context.Context, _ int64, _ int) ([]analyzer.QueryStat, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.stats, nil
}
func (f *fixedAnalyzerSource) Explain(context.Context, string) ([]byte, error) {
	return nil, analyzer.ErrExplainSkipped
}
func (f *fixedAnalyzerSource) MostCommonValue(context.Context, string, string) (string, bool) {
	return "", false
}
func (f *fixedAnalyzerSource) RowEstimate(context.Context, string) (int64, error) { return 0, nil }
func (f *fixedAnalyzerSource) Settings(context.Context) ([]analyzer.Setting, error) {
	return nil, nil
}

// fixedCatalog serves canned table/index profiles.
type fixedCatalog struct {
	tables  []indexaudit.TableProfile
	indexes []indexaudit.IndexProfile
}

func (f *fixedCatalog) Tables(context.Context, []string) ([]indexaudit.TableProfile, error) {
	return f.tables, nil
}
func (f *fixedCatalog) Indexes(context.Context, []string) ([]indexaudit.IndexProfile, error) {
	return f.indexes, nil
}

type harness struct {
	upholder *pgsteward.Upholder
	rec      *recorder
	sqls     []string
}

type harnessConfig struct {
	cfg         pgsteward.Config
	analyzerSrc *fixedAnalyzerSource
	catalog     *fixedCatalog
	heapRatio   float64
	dialErr     func() error
	pingErr     func() error
	extraOpts   []pgsteward.Option
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()

	h := &harness{rec: &recorder{}}

	if hc.analyzerSrc == nil {
		hc.analyzerSrc = &fixedAnalyzerSource{}
	}
	if hc.catalog == nil {
		hc.catalog = &fixedCatalog{}
	}
	if hc.heapRatio == 0 {
		hc.heapRatio = 0.99
	}

	pool := pgpool.New(pgpool.Config{MinConns: 1, MaxConns: 4, AcquireTimeout: time.Second},
		pgpool.WithDialer(func(context.Context) (pgpool.Conn, error) {
			if hc.dialErr != nil {
				if err := hc.dialErr(); err != nil {
					return nil, err
				}
			}
			return &stubConn{sqls: &h.sqls, pingErr: hc.pingErr}, nil
		}))

	opts := []pgsteward.Option{
		pgsteward.WithPool(pool),
		pgsteward.WithSources(func(*pgpool.Session) (analyzer.Source, indexaudit.Source) {
			return hc.analyzerSrc, hc.catalog
		}),
		pgsteward.WithCacheFetcher(func(context.Context) (cachemon.Sample, error) {
			return cachemon.Sample{HeapHitRatio: hc.heapRatio, IndexHitRatio: 0.99}, nil
		}),
		pgsteward.WithConnectionSummary(func(context.Context, *pgpool.Session) (pgsteward.ConnectionSummary, error) {
			return pgsteward.ConnectionSummary{Total: 10, MaxConnections: 100, UtilizationPct: 0.1}, nil
		}),
	}
	opts = append(opts, hc.extraOpts...)

	h.upholder = pgsteward.New(hc.cfg, opts...)
	h.upholder.RegisterAlertSink("rec", &recordingSink{rec: h.rec})
	h.upholder.RegisterReportSink("rec", &recordingSink{rec: h.rec})
	return h
}

func TestUpholder_Lifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	u := h.upholder
	ctx := context.Background()

	require.Equal(t, pgsteward.StateNew, u.Status().State)

	require.NoError(t, u.Start(ctx))
	require.Equal(t, pgsteward.StateRunning, u.Status().State)

	// Double start is rejected.
	require.ErrorIs(t, u.Start(ctx), pgsteward.ErrInvalidState)

	require.NoError(t, u.Stop(time.Second))
	require.Equal(t, pgsteward.StateStopped, u.Status().State)

	// Triggering after stop is rejected.
	_, err := u.TriggerAudit(ctx)
	require.ErrorIs(t, err, pgsteward.ErrStopped)

	// Stop is not legal twice.
	require.ErrorIs(t, u.Stop(time.Second), pgsteward.ErrInvalidState)

	// A stopped upholder can be started again; the pool re-dials.
	require.NoError(t, u.Start(ctx))
	require.Equal(t, pgsteward.StateRunning, u.Status().State)
	_, err = u.TriggerAudit(ctx)
	require.NoError(t, err)
	require.NoError(t, u.Stop(time.Second))
}

func TestUpholder_AuditCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		analyzerSrc: &fixedAnalyzerSource{stats: []analyzer.QueryStat{{
			Fingerprint: "fp-slow", Calls: 200, MeanMS: 300, MinMS: 280, MaxMS: 320,
			SharedBlksHit: 1000, SampleText: "SELECT * FROM conversions WHERE campaign_id = $1",
		}}},
		catalog: &fixedCatalog{tables: []indexaudit.TableProfile{{
			Schema: "public", Name: "conversions",
			TotalBytes: 10 << 20, RowEstimate: 1_000_000,
			LastAnalyze: time.Now().Add(-time.Hour),
		}}},
		heapRatio: 0.80, // below threshold: alert fires mid-cycle
	})
	u := h.upholder
	ctx := context.Background()

	require.NoError(t, u.Start(ctx))
	defer func() { _ = u.Stop(time.Second) }()

	report, err := u.TriggerAudit(ctx)
	require.NoError(t, err)

	require.False(t, report.Partial)
	require.False(t, report.Cancelled)
	require.NotEmpty(t, report.Queries)
	require.Equal(t, "fp-slow", report.Queries[0].Fingerprint)
	require.Len(t, report.Cache, 1)
	require.NotZero(t, report.Pool.MaxSize)
	require.Equal(t, 10, report.Connections.Total)
	require.NotEmpty(t, report.Summary)

	// Window invariant: every sample inside the report window.
	require.True(t, report.StartedAt.Before(report.FinishedAt) || report.StartedAt.Equal(report.FinishedAt))
	for _, s := range report.Cache {
		require.False(t, s.Timestamp.Before(report.StartedAt))
		require.False(t, s.Timestamp.After(report.FinishedAt))
	}

	// The low_heap alert was delivered before the report.
	events := h.rec.snapshot()
	require.Contains(t, events, "alert:low_heap")
	require.Contains(t, events, "report")
	alertIdx := indexOf(events, "alert:low_heap")
	reportIdx := indexOf(events, "report")
	require.Less(t, alertIdx, reportIdx, "alerts precede the cycle's report")

	// Status reflects the completed cycle.
	st := u.Status()
	require.NotNil(t, st.LastCycle)
	require.True(t, st.LastCycle.OK)
	require.Equal(t, 0, st.ConsecutiveFailures)
}

func TestUpholder_DegradedAndRecovery(t *testing.T) {
	t.Parallel()

	var failing bool
	var mu sync.Mutex
	unhealthy := func() error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("connection refused")
		}
		return nil
	}
	h := newHarness(t, harnessConfig{dialErr: unhealthy, pingErr: unhealthy})
	u := h.upholder
	ctx := context.Background()

	require.NoError(t, u.Start(ctx))
	defer func() { _ = u.Stop(time.Second) }()

	mu.Lock()
	failing = true
	mu.Unlock()

	// Warm sessions fail validation, redial fails: the database is
	// unreachable and three cycles in a row degrade the upholder.
	for i := range 3 {
		_, err := u.TriggerAudit(ctx)
		require.Error(t, err, "cycle %d should fail", i)
	}
	require.Equal(t, pgsteward.StateDegraded, u.Status().State)
	require.Equal(t, 3, u.Status().ConsecutiveFailures)

	// The next successful cycle exits degraded.
	mu.Lock()
	failing = false
	mu.Unlock()

	_, err := u.TriggerAudit(ctx)
	require.NoError(t, err)
	require.Equal(t, pgsteward.StateRunning, u.Status().State)
	require.Equal(t, 0, u.Status().ConsecutiveFailures)
}

func TestUpholder_Cancellation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		analyzerSrc: &fixedAnalyzerSource{block: true},
	})
	u := h.upholder
	require.NoError(t, u.Start(context.Background()))

	cycleCtx, cancelCycle := context.WithCancel(context.Background())
	done := make(chan pgsteward.Report, 1)
	go func() {
		r, _ := u.TriggerAudit(cycleCtx)
		done <- r
	}()

	time.Sleep(100 * time.Millisecond)
	cancelCycle()

	var report pgsteward.Report
	select {
	case report = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not observe cancellation")
	}

	require.True(t, report.Cancelled)
	require.True(t, report.Partial)
	require.Contains(t, h.rec.snapshot(), "report", "partial report still delivered")

	require.NoError(t, u.Stop(2*time.Second))
	require.Equal(t, pgsteward.StateStopped, u.Status().State)
	require.Equal(t, int32(0), u.Pool().Stats().InUse, "no session leaked")
}

func TestUpholder_SinkDisabledAfterFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		cfg: pgsteward.Config{SinkFailureLimit: 2},
	})
	u := h.upholder

	flaky := &recordingSink{rec: h.rec, err: errors.New("broken pipe")}
	u.RegisterReportSink("flaky", flaky)

	require.NoError(t, u.Start(context.Background()))
	defer func() { _ = u.Stop(time.Second) }()

	ctx := context.Background()
	for range 3 {
		_, err := u.TriggerAudit(ctx)
		require.NoError(t, err)
	}

	var flakyCalls int
	for _, e := range h.rec.snapshot() {
		if e == "report" {
			flakyCalls++
		}
	}
	// rec sink delivered 3 times, flaky only twice before disablement:
	// 3 (healthy) + 2 (flaky) = 5 report events.
	require.Equal(t, 5, flakyCalls)
}

func TestUpholder_AutoApplySafe(t *testing.T) {
	t.Parallel()

	staleCatalog := &fixedCatalog{tables: []indexaudit.TableProfile{{
		Schema: "public", Name: "clicks",
		TotalBytes: 10 << 20, RowEstimate: 500_000,
		LastAnalyze: time.Now().AddDate(0, 0, -30),
	}}}

	t.Run("dry run never executes DDL", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessConfig{catalog: staleCatalog})
		u := h.upholder
		require.NoError(t, u.Start(context.Background()))
		defer func() { _ = u.Stop(time.Second) }()

		report, err := u.TriggerAudit(context.Background())
		require.NoError(t, err)
		require.Empty(t, report.AppliedActions)
		for _, sql := range h.sqls {
			require.False(t, strings.HasPrefix(sql, "ANALYZE"), "dry run executed %q", sql)
		}
	})

	t.Run("auto apply runs ANALYZE for stale statistics", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessConfig{
			catalog: staleCatalog,
			extraOpts: []pgsteward.Option{
				pgsteward.WithDryRun(false),
				pgsteward.WithAutoApplySafe(true),
			},
		})
		u := h.upholder
		require.NoError(t, u.Start(context.Background()))
		defer func() { _ = u.Stop(time.Second) }()

		report, err := u.TriggerAudit(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"ANALYZE clicks"}, report.AppliedActions)
		require.Contains(t, h.sqls, "ANALYZE clicks")
	})
}

func indexOf(xs []string, s string) int {
	for i, x := range xs {
		if x == s {
			return i
		}
	}
	return -1
}
