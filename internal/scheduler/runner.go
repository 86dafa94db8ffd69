package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/events"
)

const (
	defaultJobTimeout = 5 * time.Minute
	backoffBase       = 30 * time.Second
	backoffCap        = 5 * time.Minute
	recordTimeout     = 10 * time.Second
)

// TaskFunc is the work a scheduled job performs. The runner supplies a
// context bounded by the job deadline.
type TaskFunc func(ctx context.Context) error

// Runner wraps tasks into Jobs. Every run gets a bounded deadline, its
// outcome lands in the jobs table, and lifecycle events go out on the bus.
// After a failure the job sits out its schedule until an exponential backoff
// window passes.
type Runner struct {
	repo    *Repository
	bus     *events.Bus
	log     zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	backoff map[string]*backoffState

	now func() time.Time
}

type backoffState struct {
	failures int
	until    time.Time
}

// NewRunner creates a runner with the default five minute job deadline.
func NewRunner(repo *Repository, bus *events.Bus, log zerolog.Logger) *Runner {
	return &Runner{
		repo:    repo,
		bus:     bus,
		log:     log.With().Str("component", "job_runner").Logger(),
		timeout: defaultJobTimeout,
		backoff: make(map[string]*backoffState),
		now:     time.Now,
	}
}

// Job wraps a task into a schedulable Job.
func (r *Runner) Job(name string, fn TaskFunc) Job {
	return &task{runner: r, name: name, fn: fn}
}

type task struct {
	runner *Runner
	name   string
	fn     TaskFunc
}

func (t *task) Name() string { return t.name }

func (t *task) Run() error { return t.runner.run(t.name, t.fn) }

func (r *Runner) run(name string, fn TaskFunc) error {
	if until, ok := r.deferredUntil(name, r.now()); ok {
		r.log.Debug().
			Str("job", name).
			Time("until", until).
			Msg("Job in backoff window, skipping run")
		return nil
	}

	r.bus.Emit(events.JobStarted, "scheduler", events.JobStatusData{
		Job:    name,
		Status: "started",
	})

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	start := r.now()
	err := fn(ctx)
	duration := r.now().Sub(start)

	// Record on a fresh context: the job's own deadline may already be spent.
	recCtx, recCancel := context.WithTimeout(context.Background(), recordTimeout)
	defer recCancel()
	if recErr := r.repo.RecordRun(recCtx, name, start, duration, err); recErr != nil {
		r.log.Warn().Err(recErr).Str("job", name).Msg("Failed to record job run")
	}

	if err != nil {
		r.noteFailure(name)
		r.bus.Emit(events.JobFailed, "scheduler", events.JobStatusData{
			Job:      name,
			Status:   "failed",
			Error:    err.Error(),
			Duration: duration.Seconds(),
		})
		return err
	}

	r.clearFailures(name)
	r.bus.Emit(events.JobCompleted, "scheduler", events.JobStatusData{
		Job:      name,
		Status:   "completed",
		Duration: duration.Seconds(),
	})
	return nil
}

func (r *Runner) deferredUntil(name string, now time.Time) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.backoff[name]
	if !ok || !st.until.After(now) {
		return time.Time{}, false
	}
	return st.until, true
}

func (r *Runner) noteFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.backoff[name]
	if st == nil {
		st = &backoffState{}
		r.backoff[name] = st
	}
	st.failures++

	delay := backoffCap
	if st.failures < 10 {
		if d := backoffBase << (st.failures - 1); d < backoffCap {
			delay = d
		}
	}
	st.until = r.now().Add(delay)
}

func (r *Runner) clearFailures(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backoff, name)
}
