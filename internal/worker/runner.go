// Package worker runs the periodic jobs of the tracker on cron schedules.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// JobFunc is one run of a periodic job. now is the scheduled firing time.
type JobFunc func(ctx context.Context, now time.Time) error

type job struct {
	name     string
	schedule cron.Schedule
	run      JobFunc
}

// JobStatus reports the outcome of a job's most recent run.
type JobStatus struct {
	Runs    int
	LastRun time.Time
	LastErr error
}

// RunnerConfig holds configuration for the runner
type RunnerConfig struct {
	// RunOnStart fires every job once right after Start.
	RunOnStart bool
	// Timeout bounds a single run (0 means no limit).
	Timeout time.Duration
}

// Runner fires each registered job on its schedule. Runs of the same job never
// overlap: a firing or Trigger that arrives while the job is running joins the
// running call instead of starting another.
type Runner struct {
	cfg    RunnerConfig
	jobs   map[string]*job
	order  []string
	flight singleflight.Group
	now    func() time.Time

	statusMu sync.Mutex
	status   map[string]JobStatus

	// Lifecycle management
	mu       sync.Mutex
	running  bool
	stopping bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		cfg:    cfg,
		jobs:   make(map[string]*job),
		status: make(map[string]JobStatus),
		now:    time.Now,
	}
}

// AddJob registers fn under name with a standard five-field cron expression.
func (r *Runner) AddJob(name, spec string, fn JobFunc) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q for job %s: %w", spec, name, err)
	}
	return r.AddSchedule(name, schedule, fn)
}

// AddSchedule registers fn under name with an arbitrary schedule.
func (r *Runner) AddSchedule(name string, schedule cron.Schedule, fn JobFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("cannot add job %s to a running runner", name)
	}
	if _, exists := r.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	r.jobs[name] = &job{name: name, schedule: schedule, run: fn}
	r.order = append(r.order, name)
	return nil
}

// Start launches one loop per job. Returns an error if already running.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runner is already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	jobs := make([]*job, 0, len(r.order))
	for _, name := range r.order {
		jobs = append(jobs, r.jobs[name])
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			r.loop(gctx, j)
			return nil
		})
	}
	go func() {
		defer close(r.doneCh)
		_ = g.Wait()
	}()

	slog.InfoContext(ctx, "Job runner started",
		"jobs", len(jobs),
		"run_on_start", r.cfg.RunOnStart)
	return nil
}

// Stop signals every loop and waits for in-flight runs to finish.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	// A Stop that timed out leaves the channel closed; later calls only wait.
	if !r.stopping {
		r.stopping = true
		close(r.stopCh)
	}
	done := r.doneCh
	r.mu.Unlock()

	select {
	case <-done:
		slog.InfoContext(ctx, "Job runner stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Job runner stop timed out")
		return ctx.Err()
	}

	r.mu.Lock()
	r.running = false
	r.stopping = false
	r.mu.Unlock()
	return nil
}

func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) loop(ctx context.Context, j *job) {
	if r.cfg.RunOnStart {
		r.execute(ctx, j, r.now())
	}

	for {
		next := j.schedule.Next(r.now())
		if next.IsZero() {
			slog.WarnContext(ctx, "Job schedule has no future firing", "job", j.name)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-r.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.execute(ctx, j, next)
		}
	}
}

// Trigger runs the named job now, outside its schedule, and returns its error.
func (r *Runner) Trigger(ctx context.Context, name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	return r.execute(ctx, j, r.now())
}

func (r *Runner) execute(ctx context.Context, j *job, at time.Time) error {
	_, err, shared := r.flight.Do(j.name, func() (any, error) {
		runCtx := ctx
		if r.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
			defer cancel()
		}

		start := time.Now()
		slog.InfoContext(runCtx, "Job started", "job", j.name, "scheduled_at", at.Format(time.RFC3339))

		err := r.safeRun(runCtx, j, at)
		r.record(j.name, at, err)

		if err != nil {
			slog.ErrorContext(runCtx, "Job failed",
				"job", j.name,
				"duration", time.Since(start),
				"error", err)
		} else {
			slog.InfoContext(runCtx, "Job finished",
				"job", j.name,
				"duration", time.Since(start))
		}
		return nil, err
	})
	if shared {
		slog.DebugContext(ctx, "Job already running, joined in-flight run", "job", j.name)
	}
	return err
}

// Counted adapts a job that reports how many items it handled. The count is
// logged as "Job processed"; the runner logs the run itself.
func Counted(name string, fn func(ctx context.Context, now time.Time) (int, error)) JobFunc {
	return func(ctx context.Context, now time.Time) error {
		n, err := fn(ctx, now)
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "Job processed", "job", name, "count", n)
		return nil
	}
}

func (r *Runner) safeRun(ctx context.Context, j *job, at time.Time) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, p)
		}
	}()
	return j.run(ctx, at)
}

func (r *Runner) record(name string, at time.Time, err error) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	s := r.status[name]
	s.Runs++
	s.LastRun = at
	s.LastErr = err
	r.status[name] = s
}

// Status returns the last run outcome of the named job.
func (r *Runner) Status(name string) (JobStatus, bool) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	s, ok := r.status[name]
	return s, ok
}
