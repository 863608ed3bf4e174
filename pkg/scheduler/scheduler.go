package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// degradeAfter is the number of consecutive failures before a task is
// marked degraded and its interval doubles.
const degradeAfter = 3

// TaskFunc is the unit of scheduled work. A non-nil error counts as a
// failure; three in a row degrade the task.
type TaskFunc func(ctx context.Context) error

// TaskInfo is a point-in-time snapshot of one registered task.
type TaskInfo struct {
	Name                string    `json:"name"`
	LastRunAt           time.Time `json:"last_run_at"`
	LastOutcome         string    `json:"last_outcome"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Degraded            bool      `json:"degraded"`
}

// Scheduler runs registered tasks on independent cadences. Each task
// gets its own goroutine; the first fire is jittered to avoid a
// thundering herd, subsequent fires are measured from fire start with a
// catch-up cap of one interval.
type Scheduler struct {
	clock  Clock
	log    *slog.Logger
	randFn func() float64

	mu      sync.Mutex
	tasks   map[string]*task
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type task struct {
	name       string
	interval   time.Duration
	jitterFrac float64
	cronNext   cron.Schedule // nil unless registered via ScheduleCron
	fn         TaskFunc

	trigger chan struct{}

	mu          sync.Mutex
	running     bool
	lastRunAt   time.Time
	lastOutcome string
	failures    int
	degraded    bool
}

// New creates a scheduler. Options configure the clock, logger and
// jitter source.
func New(opts ...Option) *Scheduler {
	cfg := newConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Scheduler{
		clock:  cfg.clock,
		log:    cfg.log,
		randFn: cfg.randFn,
		tasks:  make(map[string]*task),
	}
}

// Schedule registers a repeating task. The first fire happens at
// now + uniform(0, interval*jitterFrac); later fires at a fixed interval
// measured from each fire's start. Must be called before Start.
func (s *Scheduler) Schedule(name string, interval time.Duration, jitterFrac float64, fn TaskFunc) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	return s.register(&task{
		name:       name,
		interval:   interval,
		jitterFrac: max(jitterFrac, 0),
		fn:         fn,
		trigger:    make(chan struct{}, 1),
	})
}

// ScheduleCron registers a task driven by a five-field cron expression
// instead of a fixed interval. Degradation does not change cron cadence;
// failures are still counted and reported.
func (s *Scheduler) ScheduleCron(name, expr string, fn TaskFunc) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return err
	}
	return s.register(&task{
		name:     name,
		cronNext: schedule,
		fn:       fn,
		trigger:  make(chan struct{}, 1),
	})
}

func (s *Scheduler) register(t *task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if _, ok := s.tasks[t.name]; ok {
		return ErrDuplicateTask
	}
	s.tasks[t.name] = t
	return nil
}

// Start launches one goroutine per registered task.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, t := range s.tasks {
		s.wg.Add(1)
		go func(t *task) {
			defer s.wg.Done()
			s.run(runCtx, t)
		}(t)
	}
	return nil
}

// Stop signals cancellation and waits up to timeout for in-flight tasks
// to observe it. Tasks running past the timeout are abandoned.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// TriggerNow forces an out-of-band run of the named task. If a run is
// already in flight the trigger is coalesced: dropped, not queued.
func (s *Scheduler) TriggerNow(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	started := s.started
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	if !started {
		return ErrNotStarted
	}

	t.mu.Lock()
	busy := t.running
	t.mu.Unlock()
	if busy {
		return nil
	}
	select {
	case t.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Snapshot returns the current state of every registered task, sorted
// by registration map iteration (callers sort if they need order).
func (s *Scheduler) Snapshot() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.mu.Lock()
		infos = append(infos, TaskInfo{
			Name:                t.name,
			LastRunAt:           t.lastRunAt,
			LastOutcome:         t.lastOutcome,
			ConsecutiveFailures: t.failures,
			Degraded:            t.degraded,
		})
		t.mu.Unlock()
	}
	return infos
}

// run owns a single task's fire loop until ctx is cancelled.
func (s *Scheduler) run(ctx context.Context, t *task) {
	delay := s.firstDelay(t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		case <-t.trigger:
		}

		fireStart := s.clock.Now()
		s.fire(ctx, t)
		if ctx.Err() != nil {
			return
		}

		delay = s.nextDelay(t, fireStart)
	}
}

func (s *Scheduler) firstDelay(t *task) time.Duration {
	now := s.clock.Now()
	if t.cronNext != nil {
		return t.cronNext.Next(now).Sub(now)
	}
	if t.jitterFrac <= 0 {
		return t.interval
	}
	return time.Duration(s.randFn() * float64(t.interval) * t.jitterFrac)
}

func (s *Scheduler) nextDelay(t *task, fireStart time.Time) time.Duration {
	now := s.clock.Now()
	if t.cronNext != nil {
		return t.cronNext.Next(now).Sub(now)
	}

	t.mu.Lock()
	interval := t.interval
	if t.degraded {
		interval *= 2
	}
	t.mu.Unlock()

	next := fireStart.Add(interval)
	if next.Before(now) {
		// Overran the interval: fire immediately, but never queue
		// more than one catch-up fire.
		return 0
	}
	return next.Sub(now)
}

func (s *Scheduler) fire(ctx context.Context, t *task) {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()

	err := t.fn(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.lastRunAt = s.clock.Now()

	switch {
	case err == nil:
		t.lastOutcome = "ok"
		t.failures = 0
		t.degraded = false
	case ctx.Err() != nil:
		// Cancellation is structured shutdown, not a failure.
		t.lastOutcome = "cancelled"
	default:
		t.lastOutcome = err.Error()
		t.failures++
		s.log.Error("scheduled task failed",
			slog.String("task", t.name),
			slog.Int("consecutive_failures", t.failures),
			slog.String("error", err.Error()))
		if t.failures >= degradeAfter && !t.degraded {
			t.degraded = true
			s.log.Warn("task degraded, doubling interval", slog.String("task", t.name))
		}
	}
}

// uniform returns a uniformly distributed float in [0,1).
func uniform() float64 { return rand.Float64() }
