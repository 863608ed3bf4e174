package cachemon

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dmitrymomot/pgsteward/pkg/logger"
	"github.com/dmitrymomot/pgsteward/pkg/scheduler"
)

// AlertKind identifies the threshold that was crossed.
type AlertKind string

const (
	AlertLowHeap            AlertKind = "low_heap"
	AlertLowIndex           AlertKind = "low_index"
	AlertHighBufferPressure AlertKind = "high_buffer_pressure"
)

// recommendations are static per kind; operators see them verbatim on
// the alert.
var recommendations = map[AlertKind]string{
	AlertLowHeap:            "heap hit ratio below target: consider increasing shared_buffers or reviewing frequently seq-scanned tables",
	AlertLowIndex:           "index hit ratio below target: consider increasing shared_buffers or running ANALYZE on hot tables",
	AlertHighBufferPressure: "background writer is saturating: consider raising bgwriter_lru_maxpages or checkpoint tuning",
}

// Sample is one cache measurement.
type Sample struct {
	Timestamp      time.Time `json:"timestamp"`
	HeapHitRatio   float64   `json:"heap_hit_ratio"`
	IndexHitRatio  float64   `json:"index_hit_ratio"`
	BuffersUsedPct float64   `json:"buffers_used_pct"`
	BgwriterLag    float64   `json:"bgwriter_lag"`
}

// Alert is emitted when a threshold is crossed outside the cooldown
// window.
type Alert struct {
	Kind           AlertKind `json:"kind"`
	Observed       float64   `json:"observed"`
	Threshold      float64   `json:"threshold"`
	CooldownUntil  time.Time `json:"cooldown_until"`
	Recommendation string    `json:"recommendation"`
}

// Summary aggregates the retained window for reporting.
type Summary struct {
	Samples   int     `json:"samples"`
	HeapMin   float64 `json:"heap_min"`
	HeapMean  float64 `json:"heap_mean"`
	HeapP95   float64 `json:"heap_p95"`
	IndexMin  float64 `json:"index_min"`
	IndexMean float64 `json:"index_mean"`
	IndexP95  float64 `json:"index_p95"`
}

// Config tunes the monitor.
type Config struct {
	// Interval is the sampling cadence the orchestrator schedules at.
	Interval time.Duration `env:"CACHEMON_INTERVAL" envDefault:"30s"`
	// HeapHitMin and IndexHitMin are the alerting thresholds.
	HeapHitMin  float64 `env:"CACHEMON_HEAP_HIT_MIN" envDefault:"0.95"`
	IndexHitMin float64 `env:"CACHEMON_INDEX_HIT_MIN" envDefault:"0.90"`
	// BufferPressureMax bounds the bgwriter lag ratio before alerting.
	BufferPressureMax float64 `env:"CACHEMON_BUFFER_PRESSURE_MAX" envDefault:"0.9"`
	// HistoryLen is the ring buffer size.
	HistoryLen int `env:"CACHEMON_HISTORY_LEN" envDefault:"480"`
	// Cooldown suppresses repeated alerts of the same kind.
	Cooldown time.Duration `env:"CACHEMON_ALERT_COOLDOWN" envDefault:"1h"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.HeapHitMin <= 0 {
		c.HeapHitMin = 0.95
	}
	if c.IndexHitMin <= 0 {
		c.IndexHitMin = 0.90
	}
	if c.BufferPressureMax <= 0 {
		c.BufferPressureMax = 0.9
	}
	if c.HistoryLen <= 0 {
		c.HistoryLen = 480
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Hour
	}
	return c
}

// Fetcher produces one Sample from the database. NewPGFetcher builds
// the production implementation; tests inject fakes.
type Fetcher func(ctx context.Context) (Sample, error)

// AlertFunc receives alerts as they fire.
type AlertFunc func(Alert)

// Monitor samples cache hit ratios on a fixed cadence and keeps a ring
// buffer of recent samples. Safe for concurrent use: the sampling task
// and audit cycles both feed it, and the orchestrator reads snapshots.
type Monitor struct {
	cfg   Config
	clock scheduler.Clock
	log   *slog.Logger
	fetch Fetcher
	alert AlertFunc

	mu        sync.Mutex
	ring      []Sample
	next      int
	count     int
	lastAlert map[AlertKind]time.Time
}

// New creates a monitor around a fetcher.
func New(cfg Config, fetch Fetcher, opts ...Option) *Monitor {
	cfg = cfg.withDefaults()
	m := &Monitor{
		cfg:       cfg,
		clock:     scheduler.System(),
		log:       logger.NewNope(),
		fetch:     fetch,
		ring:      make([]Sample, cfg.HistoryLen),
		lastAlert: make(map[AlertKind]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option configures the monitor.
type Option func(*Monitor)

// WithClock sets the time source.
func WithClock(c scheduler.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithAlertFunc registers the alert receiver (the orchestrator's sink
// dispatcher).
func WithAlertFunc(fn AlertFunc) Option {
	return func(m *Monitor) { m.alert = fn }
}

// Interval reports the configured sampling cadence for scheduling.
func (m *Monitor) Interval() time.Duration { return m.cfg.Interval }

// Sample fetches one measurement, appends it to the history, and fires
// any threshold alerts outside their cooldown.
func (m *Monitor) Sample(ctx context.Context) error {
	sample, err := m.fetch(ctx)
	if err != nil {
		return err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = m.clock.Now()
	}
	m.ingest(sample)
	return nil
}

func (m *Monitor) ingest(s Sample) {
	m.mu.Lock()
	m.ring[m.next] = s
	m.next = (m.next + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}
	m.mu.Unlock()

	m.check(AlertLowHeap, s.HeapHitRatio, m.cfg.HeapHitMin, below)
	m.check(AlertLowIndex, s.IndexHitRatio, m.cfg.IndexHitMin, below)
	m.check(AlertHighBufferPressure, s.BgwriterLag, m.cfg.BufferPressureMax, above)
}

type direction int

const (
	below direction = iota
	above
)

func (m *Monitor) check(kind AlertKind, observed, threshold float64, dir direction) {
	crossed := observed < threshold
	if dir == above {
		crossed = observed > threshold
	}
	if !crossed {
		return
	}

	now := m.clock.Now()
	m.mu.Lock()
	if until, ok := m.lastAlert[kind]; ok && now.Before(until) {
		m.mu.Unlock()
		return
	}
	m.lastAlert[kind] = now.Add(m.cfg.Cooldown)
	m.mu.Unlock()

	a := Alert{
		Kind:           kind,
		Observed:       observed,
		Threshold:      threshold,
		CooldownUntil:  now.Add(m.cfg.Cooldown),
		Recommendation: recommendations[kind],
	}
	m.log.Warn("cache threshold crossed",
		slog.String("kind", string(kind)),
		slog.Float64("observed", observed),
		slog.Float64("threshold", threshold))
	if m.alert != nil {
		m.alert(a)
	}
}

// Window returns the retained samples in chronological order.
func (m *Monitor) Window() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, 0, m.count)
	start := m.next - m.count
	if start < 0 {
		start += len(m.ring)
	}
	for i := range m.count {
		out = append(out, m.ring[(start+i)%len(m.ring)])
	}
	return out
}

// WindowSince returns retained samples with timestamps at or after t.
func (m *Monitor) WindowSince(t time.Time) []Sample {
	var out []Sample
	for _, s := range m.Window() {
		if !s.Timestamp.Before(t) {
			out = append(out, s)
		}
	}
	return out
}

// Summarize aggregates the retained window.
func (m *Monitor) Summarize() Summary {
	window := m.Window()
	if len(window) == 0 {
		return Summary{}
	}

	heap := make([]float64, len(window))
	index := make([]float64, len(window))
	for i, s := range window {
		heap[i] = s.HeapHitRatio
		index[i] = s.IndexHitRatio
	}

	return Summary{
		Samples:   len(window),
		HeapMin:   minOf(heap),
		HeapMean:  meanOf(heap),
		HeapP95:   p95Of(heap),
		IndexMin:  minOf(index),
		IndexMean: meanOf(index),
		IndexP95:  p95Of(index),
	}
}

func minOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func meanOf(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func p95Of(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(float64(len(sorted))*0.95)) - 1
	return sorted[idx]
}
