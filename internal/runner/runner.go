package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"strata/internal/control"
	"strata/internal/logger"
)

// DefaultTick is the scheduling loop interval.
const DefaultTick = 30 * time.Second

// JobFunc is a job entry point. It must honor ctx cancellation, the runner
// imposes the registry timeout through it.
type JobFunc func(ctx context.Context) error

// Runner drives the process registry: each tick it terminates stale RUNNING
// rows, finds due jobs and executes them sequentially through process
// control. Jobs never run concurrently with each other, shared stores see a
// single writer.
type Runner struct {
	Tick time.Duration

	registry *Registry
	control  *control.Controller
	entries  map[string]JobFunc

	lastTick time.Time
	synced   int64

	nowFn func() time.Time
}

func NewRunner(registry *Registry, ctrl *control.Controller) *Runner {
	return &Runner{
		Tick:     DefaultTick,
		registry: registry,
		control:  ctrl,
		entries:  make(map[string]JobFunc),
		nowFn:    time.Now,
	}
}

// RegisterEntry binds a job entry point by name. Call before Start.
func (r *Runner) RegisterEntry(name string, fn JobFunc) {
	if name == "" || fn == nil {
		return
	}
	r.entries[name] = fn
}

// Start blocks running the scheduling loop until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	if r == nil || r.registry == nil || r.control == nil {
		logger.Warnf("Runner: missing registry or control, exit")
		return
	}
	if r.Tick <= 0 {
		r.Tick = DefaultTick
	}
	if r.nowFn == nil {
		r.nowFn = time.Now
	}

	startAt := r.nowFn().UTC()
	r.lastTick = startAt
	snap := r.registry.Snapshot()
	logger.Infof("Runner: started tick=%s jobs=%d at=%s",
		r.Tick, len(snap.Jobs), startAt.Format(time.RFC3339))
	r.syncControl(ctx, snap)
	r.sweepTimeouts(ctx, snap)

	for {
		timer := time.NewTimer(r.Tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("Runner: ctx done, exit")
			return
		case <-timer.C:
		}
		r.RunOnce(ctx)
	}
}

// RunOnce executes a single scheduling pass.
func (r *Runner) RunOnce(ctx context.Context) {
	now := r.nowFn().UTC()
	snap := r.registry.Snapshot()
	r.syncControl(ctx, snap)
	r.sweepTimeouts(ctx, snap)
	for _, job := range snap.Jobs {
		if ctx.Err() != nil {
			return
		}
		if !r.due(job, now) {
			continue
		}
		r.runJob(ctx, job)
	}
	r.lastTick = now
}

// due reports whether the job's schedule fired since the previous tick.
func (r *Runner) due(job JobSpec, now time.Time) bool {
	next := job.NextActivation(r.lastTick)
	return !next.IsZero() && !next.After(now)
}

func (r *Runner) runJob(ctx context.Context, spec JobSpec) {
	entry, ok := r.entries[spec.Entry]
	if !ok {
		logger.Errorf("Runner: no entry registered for process %s (entry=%s)", spec.Name, spec.Entry)
		return
	}
	allowed, reason, err := r.control.CanRun(ctx, spec.Name)
	if err != nil {
		logger.Errorf("Runner: can_run %s failed: %v", spec.Name, err)
		return
	}
	if !allowed {
		logger.Debugf("Runner: skip %s: %s", spec.Name, reason)
		return
	}
	if err := r.control.Start(ctx, spec.Name); err != nil {
		logger.Warnf("Runner: start %s refused: %v", spec.Name, err)
		return
	}

	began := r.nowFn()
	jobCtx, cancel := context.WithTimeout(ctx, spec.TimeoutDuration())
	runErr := r.invoke(jobCtx, spec, entry)
	cancel()
	if err := r.control.Finish(ctx, spec.Name, runErr); err != nil {
		logger.Errorf("Runner: finish %s failed: %v", spec.Name, err)
	}
	elapsed := r.nowFn().Sub(began).Truncate(time.Millisecond)
	if runErr != nil {
		logger.Errorf("Runner: process %s failed after %s: %v", spec.Name, elapsed, runErr)
		return
	}
	logger.Infof("Runner: process %s finished in %s", spec.Name, elapsed)
}

func (r *Runner) invoke(ctx context.Context, spec JobSpec, entry JobFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("Runner: process %s panicked: %v", spec.Name, rec)
			debug.PrintStack()
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return entry(ctx)
}

// syncControl registers every job with process control once per registry
// version, so hot reloads update dependencies and execution limits.
func (r *Runner) syncControl(ctx context.Context, snap Snapshot) {
	if snap.Version == r.synced {
		return
	}
	for _, job := range snap.Jobs {
		err := r.control.Register(ctx, job.Name, control.RegisterOptions{
			Dependencies:  job.Dependencies,
			MaxExecutions: job.MaxExecutions,
			Daily:         job.Daily,
		})
		if err != nil {
			logger.Errorf("Runner: register %s failed: %v", job.Name, err)
			return
		}
	}
	r.synced = snap.Version
}

// sweepTimeouts terminates RUNNING rows that exceeded their ceiling. Jobs run
// sequentially in this loop, so during a sweep any RUNNING row is stale state
// left by a crashed or killed run.
func (r *Runner) sweepTimeouts(ctx context.Context, snap Snapshot) {
	for _, job := range snap.Jobs {
		timedOut, err := r.control.IsTimeout(ctx, job.Name, job.TimeoutDuration())
		if err != nil {
			if !errors.Is(err, control.ErrNotFound) {
				logger.Errorf("Runner: timeout check %s failed: %v", job.Name, err)
			}
			continue
		}
		if !timedOut {
			continue
		}
		reason := fmt.Sprintf("watchdog: running beyond %s", job.TimeoutDuration())
		if err := r.control.Terminate(ctx, job.Name, reason); err != nil {
			logger.Errorf("Runner: terminate %s failed: %v", job.Name, err)
			continue
		}
		logger.Warnf("Runner: terminated %s: %s", job.Name, reason)
	}
}
