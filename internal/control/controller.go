package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"strata/internal/logger"
)

const (
	DefaultMaxRetries      = 3
	DefaultRetryWindow     = time.Hour
	DefaultFreshnessWindow = 24 * time.Hour

	// errorHistoryLimit bounds the stored history; the retry budget only
	// looks at a rolling window anyway.
	errorHistoryLimit = 50
)

// Config tunes the run gates.
type Config struct {
	// MaxRetries is the number of errors tolerated inside RetryWindow
	// before an errored process stops being restarted.
	MaxRetries  int
	RetryWindow time.Duration
	// FreshnessWindow bounds how old a dependency's last successful finish
	// may be.
	FreshnessWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryWindow <= 0 {
		c.RetryWindow = DefaultRetryWindow
	}
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = DefaultFreshnessWindow
	}
	return c
}

// RegisterOptions carries the per-process scheduling metadata owned by the
// job registry.
type RegisterOptions struct {
	Dependencies  []string
	MaxExecutions int
	Daily         bool
}

// Controller owns every process lifecycle decision. All mutations go through
// it so the transition table cannot be bypassed.
type Controller struct {
	store *Store
	cfg   Config
	nowFn func() time.Time
}

func NewController(store *Store, cfg Config) *Controller {
	return &Controller{
		store: store,
		cfg:   cfg.withDefaults(),
		nowFn: time.Now,
	}
}

// Register creates the control record for a process if missing and refreshes
// its scheduling metadata. Lifecycle state is never touched.
func (c *Controller) Register(ctx context.Context, name string, opts RegisterOptions) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("process name is required")
	}
	p, err := c.store.Get(ctx, name)
	if err == ErrNotFound {
		p = &ProcessState{Name: name, State: StateNoProcess}
	} else if err != nil {
		return err
	}
	p.Dependencies = append([]string(nil), opts.Dependencies...)
	p.MaxExecutions = opts.MaxExecutions
	p.Daily = opts.Daily
	return c.store.Save(ctx, p)
}

// CanRun evaluates the run gates in order and returns the first failing
// reason. A true result is advisory; Start re-checks under its own load.
func (c *Controller) CanRun(ctx context.Context, name string) (bool, string, error) {
	p, err := c.store.Get(ctx, name)
	if err != nil {
		return false, "", err
	}
	ok, reason := c.evalGates(ctx, p)
	return ok, reason, nil
}

func (c *Controller) evalGates(ctx context.Context, p *ProcessState) (bool, string) {
	now := c.nowFn().UTC()

	if p.State == StateRunning {
		return false, "already running"
	}
	if !transitionAllowed(p.State, StateRunning) {
		return false, fmt.Sprintf("cannot run from %s, reset required", p.State)
	}
	if p.State == StateError {
		if n := p.RecentErrors(now, c.cfg.RetryWindow); n >= c.cfg.MaxRetries {
			return false, fmt.Sprintf("retry budget exhausted: %d errors in %s", n, c.cfg.RetryWindow)
		}
	}
	for _, dep := range p.Dependencies {
		dp, err := c.store.Get(ctx, dep)
		if err != nil {
			return false, fmt.Sprintf("dependency %s has no recorded state", dep)
		}
		if dp.LastFinishedAt.IsZero() || now.Sub(dp.LastFinishedAt) > c.cfg.FreshnessWindow {
			return false, fmt.Sprintf("dependency %s not finished within %s", dep, c.cfg.FreshnessWindow)
		}
	}
	if p.MaxExecutions > 0 && c.executionsToday(p, now) >= p.MaxExecutions {
		return false, fmt.Sprintf("execution limit %d reached for %s", p.MaxExecutions, dateKey(now))
	}
	if p.Daily && p.FinishedOn(now) {
		return false, "already finished today"
	}
	return true, ""
}

// executionsToday reads the per-date counter, treating a stale date as zero.
func (c *Controller) executionsToday(p *ProcessState, now time.Time) int {
	if p.CountDate != dateKey(now) {
		return 0
	}
	return p.ExecutionCount
}

// Start moves the process to RUNNING, stamping the start time and bumping
// the per-date execution counter.
func (c *Controller) Start(ctx context.Context, name string) error {
	p, err := c.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if ok, reason := c.evalGates(ctx, p); !ok {
		return fmt.Errorf("process %s cannot run: %s", name, reason)
	}
	if err := p.Transition(StateRunning); err != nil {
		return err
	}
	now := c.nowFn().UTC()
	if p.CountDate != dateKey(now) {
		p.CountDate = dateKey(now)
		p.ExecutionCount = 0
	}
	p.ExecutionCount++
	p.StartedAt = now
	p.LastRunAt = now
	p.EndedAt = time.Time{}
	p.StopReason = ""
	return c.store.Save(ctx, p)
}

// Finish records the run outcome: FINISHED on success, ERROR with a history
// entry on failure.
func (c *Controller) Finish(ctx context.Context, name string, runErr error) error {
	p, err := c.store.Get(ctx, name)
	if err != nil {
		return err
	}
	now := c.nowFn().UTC()
	if runErr == nil {
		if err := p.Transition(StateFinished); err != nil {
			return err
		}
		p.LastFinishedAt = now
	} else {
		if err := p.Transition(StateError); err != nil {
			return err
		}
		p.ErrorHistory = append(p.ErrorHistory, ProcessError{
			At:             now,
			Message:        runErr.Error(),
			ExecutionCount: p.ExecutionCount,
		})
		if len(p.ErrorHistory) > errorHistoryLimit {
			p.ErrorHistory = p.ErrorHistory[len(p.ErrorHistory)-errorHistoryLimit:]
		}
	}
	p.EndedAt = now
	return c.store.Save(ctx, p)
}

// Stop halts a running process; it stays resumable on the next tick.
func (c *Controller) Stop(ctx context.Context, name, reason string) error {
	return c.halt(ctx, name, StateStopped, reason)
}

// Terminate fences a process off: nothing runs again until an operator
// resets it.
func (c *Controller) Terminate(ctx context.Context, name, reason string) error {
	return c.halt(ctx, name, StateTerminated, reason)
}

func (c *Controller) halt(ctx context.Context, name string, to State, reason string) error {
	p, err := c.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := p.Transition(to); err != nil {
		return err
	}
	p.StopReason = strings.TrimSpace(reason)
	p.EndedAt = c.nowFn().UTC()
	logger.Warnf("process %s -> %s: %s", name, to, p.StopReason)
	return c.store.Save(ctx, p)
}

// Reset is the operator escape hatch back to NO_PROCESS. It clears the error
// history so the retry budget starts fresh.
func (c *Controller) Reset(ctx context.Context, name string) error {
	p, err := c.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if p.State == StateNoProcess {
		return nil
	}
	if err := p.Transition(StateNoProcess); err != nil {
		return err
	}
	p.ErrorHistory = nil
	p.StopReason = ""
	return c.store.Save(ctx, p)
}

// IsTimeout reports whether a running process has exceeded its ceiling.
func (c *Controller) IsTimeout(ctx context.Context, name string, ceiling time.Duration) (bool, error) {
	if ceiling <= 0 {
		return false, nil
	}
	p, err := c.store.Get(ctx, name)
	if err != nil {
		return false, err
	}
	if p.State != StateRunning || p.StartedAt.IsZero() {
		return false, nil
	}
	return c.nowFn().UTC().Sub(p.StartedAt) > ceiling, nil
}

// States lists every control record.
func (c *Controller) States(ctx context.Context) ([]*ProcessState, error) {
	return c.store.List(ctx)
}

// Get returns one control record.
func (c *Controller) Get(ctx context.Context, name string) (*ProcessState, error) {
	return c.store.Get(ctx, name)
}
