package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"strata/internal/broker"
	"strata/internal/config"
	"strata/internal/logger"
	"strata/internal/report"
	"strata/internal/runner"
	"strata/internal/stack"
	"strata/internal/store"
)

// Job names as they appear in the process registry file.
const (
	JobGenerateOrders  = "generate_orders"
	JobRunStackHandler = "run_stack_handler"
	JobReconcileStacks = "reconcile_stacks"
	JobArchiveOrders   = "archive_orders"
	JobEndOfDayReport  = "end_of_day_report"
)

// defaultArchiveAfter keeps terminal orders queryable in the active tables
// for one day before the archive job stamps them.
const defaultArchiveAfter = 24 * time.Hour

type jobDeps struct {
	cfg      *config.Config
	stack    *stack.Handler
	venue    *broker.Paper
	store    store.Store
	reporter *report.Generator

	// archiveAfter overrides defaultArchiveAfter when non-zero.
	archiveAfter time.Duration
}

func registerJobEntries(run *runner.Runner, deps jobDeps) {
	run.RegisterEntry(JobGenerateOrders, deps.generateOrders)
	run.RegisterEntry(JobRunStackHandler, deps.runStackHandler)
	run.RegisterEntry(JobReconcileStacks, deps.reconcileStacks)
	run.RegisterEntry(JobArchiveOrders, deps.archiveOrders)
	run.RegisterEntry(JobEndOfDayReport, deps.endOfDayReport)
}

// generateOrders reads the dropped target positions and runs the top-down
// spawn for each (instrument, strategy) scope. A missing targets file means
// the upstream optimizer has not produced anything yet.
func (j jobDeps) generateOrders(ctx context.Context) error {
	targets, err := LoadTargets(j.cfg.Trading.TargetsFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debugf("Jobs: no targets file at %s", j.cfg.Trading.TargetsFile)
			return nil
		}
		return fmt.Errorf("load targets: %w", err)
	}

	var firstErr error
	spawned, skipped := 0, 0
	for _, t := range targets {
		res, err := j.stack.SubmitTarget(ctx, t.Instrument, t.Strategy, t.Position)
		if err != nil {
			logger.Errorf("Jobs: target %s/%s failed: %v", t.Instrument, t.Strategy, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res.Skipped {
			logger.Debugf("Jobs: target %s/%s skipped: %s", t.Instrument, t.Strategy, res.Reason)
			skipped++
			continue
		}
		spawned++
	}
	logger.Infof("Jobs: generate_orders targets=%d spawned=%d skipped=%d", len(targets), spawned, skipped)
	return firstErr
}

// runStackHandler drives the venue-facing half of the stack: resubmits broker
// orders a transient failure left pending, then collects simulated fills.
func (j jobDeps) runStackHandler(ctx context.Context) error {
	resubmitted, err := j.stack.SubmitPending(ctx)
	if err != nil {
		return fmt.Errorf("submit pending: %w", err)
	}
	if resubmitted > 0 {
		logger.Infof("Jobs: resubmitted %d broker orders", resubmitted)
	}
	if j.venue == nil {
		return nil
	}
	if err := j.venue.PollFills(ctx, j.stack); err != nil {
		return fmt.Errorf("poll fills: %w", err)
	}
	return nil
}

func (j jobDeps) reconcileStacks(ctx context.Context) error {
	_, err := j.stack.Reconcile(ctx)
	return err
}

func (j jobDeps) archiveOrders(ctx context.Context) error {
	retention := j.archiveAfter
	if retention == 0 {
		retention = defaultArchiveAfter
	}
	archived, err := j.store.ArchiveTerminal(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return fmt.Errorf("archive terminal orders: %w", err)
	}
	if archived > 0 {
		logger.Infof("Jobs: archived %d terminal orders", archived)
	}
	return nil
}

func (j jobDeps) endOfDayReport(ctx context.Context) error {
	path, err := j.reporter.Generate(ctx)
	if err != nil {
		return fmt.Errorf("generate report: %w", err)
	}
	logger.Infof("Jobs: execution report written to %s", path)
	return nil
}
