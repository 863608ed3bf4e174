package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/pgsteward/pkg/logger"
	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
	"github.com/dmitrymomot/pgsteward/pkg/scheduler"
)

// Method selection thresholds; first matching rule wins.
const (
	singleInsertMax  = 50
	multiValuesMax   = 1000
	preparedBatchMax = 10_000
)

// Config tunes the loader.
type Config struct {
	// ValuesPerStatement caps rows per multi-VALUES statement.
	ValuesPerStatement int `env:"BULK_VALUES_PER_STATEMENT" envDefault:"500"`
	// CopyChunkRows is the streaming chunk for the copy path.
	CopyChunkRows int `env:"BULK_COPY_CHUNK_ROWS" envDefault:"10000"`
	// MaxAttempts bounds retries on transient driver errors.
	MaxAttempts int `env:"BULK_MAX_ATTEMPTS" envDefault:"3"`
	// BackoffBase seeds the exponential backoff between attempts.
	BackoffBase time.Duration `env:"BULK_BACKOFF_BASE" envDefault:"100ms"`
}

func (c Config) withDefaults() Config {
	if c.ValuesPerStatement <= 0 {
		c.ValuesPerStatement = 500
	}
	if c.CopyChunkRows <= 0 {
		c.CopyChunkRows = 10_000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	return c
}

// Loader routes bulk writes to the cheapest viable mechanism. Each
// attempt runs under a single transaction on a freshly acquired
// session; the loader never retains a session across calls.
type Loader struct {
	pool   *pgpool.Pool
	cfg    Config
	clock  scheduler.Clock
	log    *slog.Logger
	randFn func() float64
}

// Option configures the loader.
type Option func(*Loader)

// WithClock sets the time source.
func WithClock(c scheduler.Clock) Option {
	return func(l *Loader) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loader) {
		if lg != nil {
			l.log = lg
		}
	}
}

// WithRand overrides the backoff jitter source.
func WithRand(fn func() float64) Option {
	return func(l *Loader) {
		if fn != nil {
			l.randFn = fn
		}
	}
}

// New creates a loader over a pool.
func New(pool *pgpool.Pool, cfg Config, opts ...Option) *Loader {
	l := &Loader{
		pool:   pool,
		cfg:    cfg.withDefaults(),
		clock:  scheduler.System(),
		log:    logger.NewNope(),
		randFn: rand.Float64,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SelectMethod applies the routing rules to a job.
func (l *Loader) SelectMethod(job Job) Method {
	n := len(job.Rows)
	switch {
	case n < singleInsertMax:
		return MethodSingleInsert
	case n < multiValuesMax:
		return MethodMultiValues
	case n < preparedBatchMax:
		return MethodPreparedBatch
	default:
		return MethodCopyFrom
	}
}

// Load executes the job. Transient driver errors retry with exponential
// backoff and full jitter, each attempt on a fresh session. Permanent
// errors (constraint violations, bad input) fail fast.
func (l *Loader) Load(ctx context.Context, job Job) (res Result, err error) {
	if err := validate(job); err != nil {
		return Result{}, err
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}

	res = Result{JobID: job.ID, MethodUsed: l.SelectMethod(job)}
	start := l.clock.Now()
	defer func() { res.Elapsed = l.clock.Now().Sub(start) }()

	var lastErr error
	for attempt := 0; attempt < l.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			res.Retries++
			if err := l.backoff(ctx, attempt); err != nil {
				return res, err
			}
		}

		loaded, skipped, err := l.attempt(ctx, job, res.MethodUsed)
		if err == nil {
			res.RowsLoaded = loaded
			res.ConflictsSkipped = skipped
			res.Bytes = approxBytes(job)
			return res, nil
		}
		lastErr = err

		switch {
		case res.MethodUsed == MethodCopyFrom && isCopyRefused(err):
			// The stream was refused; demote to the batch path and
			// count the demotion as a retry.
			l.log.Warn("copy stream refused, falling back to prepared batch",
				slog.String("table", job.Table), slog.String("error", err.Error()))
			res.MethodUsed = MethodPreparedBatch
			res.Retries++
			attempt--
			continue
		case pgpool.IsTransient(err):
			l.log.Warn("bulk attempt failed, retrying",
				slog.String("table", job.Table),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
			continue
		default:
			return res, err
		}
	}
	return res, errors.Join(ErrAttemptsExhausted, lastErr)
}

// attempt runs one full transactional try of the job.
func (l *Loader) attempt(ctx context.Context, job Job, method Method) (loaded, skipped int64, err error) {
	s, err := l.pool.Acquire(ctx)
	if err != nil {
		return 0, 0, err
	}
	ok := false
	defer func() { l.pool.Release(s, ok) }()

	tx, err := s.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if !ok {
			_ = tx.Rollback(ctx)
		}
	}()

	switch method {
	case MethodSingleInsert:
		loaded, skipped, err = l.singleInserts(ctx, s, job)
	case MethodMultiValues:
		loaded, skipped, err = l.multiValues(ctx, s, job)
	case MethodPreparedBatch:
		loaded, skipped, err = l.preparedBatch(ctx, s, job)
	case MethodCopyFrom:
		loaded, skipped, err = l.copyFrom(ctx, s, job)
	default:
		return 0, 0, fmt.Errorf("%w: unknown method %q", ErrBadInput, method)
	}
	if err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	ok = true
	return loaded, skipped, nil
}

func (l *Loader) backoff(ctx context.Context, attempt int) error {
	// Exponential with full jitter.
	limit := float64(l.cfg.BackoffBase) * float64(int64(1)<<attempt)
	wait := time.Duration(l.randFn() * limit)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.clock.After(wait):
		return nil
	}
}

func validate(job Job) error {
	if job.Table == "" {
		return fmt.Errorf("%w: empty table name", ErrBadInput)
	}
	if len(job.Columns) == 0 {
		return fmt.Errorf("%w: no columns", ErrBadInput)
	}
	if len(job.Rows) == 0 {
		return ErrNoRows
	}
	for i, row := range job.Rows {
		if len(row) != len(job.Columns) {
			return fmt.Errorf("%w: row %d has %d values for %d columns",
				ErrBadInput, i, len(row), len(job.Columns))
		}
	}
	switch job.OnConflict {
	case "", ConflictError, ConflictIgnore:
	case ConflictUpdateAll, ConflictUpdateSpecified:
		if len(job.ConflictTarget) == 0 {
			return fmt.Errorf("%w: %s requires a conflict target", ErrBadInput, job.OnConflict)
		}
		if job.OnConflict == ConflictUpdateSpecified && len(job.UpdateColumns) == 0 {
			return fmt.Errorf("%w: update_specified requires update columns", ErrBadInput)
		}
	default:
		return fmt.Errorf("%w: unknown conflict policy %q", ErrBadInput, job.OnConflict)
	}
	return nil
}

// isCopyRefused classifies stream rejections that justify demotion:
// missing privilege or an unsupported feature.
func isCopyRefused(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "42501" || pgErr.Code == "0A000"
}

func approxBytes(job Job) int64 {
	var n int64
	for _, row := range job.Rows {
		for _, v := range row {
			switch x := v.(type) {
			case string:
				n += int64(len(x))
			case []byte:
				n += int64(len(x))
			default:
				n += 8
			}
		}
	}
	return n
}
