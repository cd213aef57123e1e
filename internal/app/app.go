// Package app assembles the order stack services from config and runs them
// as one process: the scheduling loop and the operational HTTP API.
package app

import (
	"context"
	"fmt"

	"strata/internal/config"
	"strata/internal/control"
	"strata/internal/logger"
	"strata/internal/runner"
	"strata/internal/store"
	apihttp "strata/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// App holds the wired services. Build one with NewApp, run it with Run.
type App struct {
	cfg    *config.Config
	runner *runner.Runner
	server *apihttp.Server

	stackStore   store.Store
	controlStore *control.Store
}

// NewApp builds the application object from config without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run starts the API server and the scheduling loop and blocks until ctx is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.runner == nil {
		return fmt.Errorf("runner not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	if a.server != nil {
		group.Go(func() error {
			if err := a.server.Start(ctx); err != nil {
				return fmt.Errorf("api server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		defer a.closeStores()
		a.runner.Start(ctx)
		return nil
	})

	return group.Wait()
}

// RunOnce executes a single scheduler pass. Exposed for operational
// one-shot invocations and replay harnesses.
func (a *App) RunOnce(ctx context.Context) {
	if a == nil || a.runner == nil {
		return
	}
	a.runner.RunOnce(ctx)
}

func (a *App) closeStores() {
	if a.stackStore != nil {
		if err := a.stackStore.Close(); err != nil {
			logger.Warnf("App: close stack store: %v", err)
		}
	}
	if a.controlStore != nil {
		if err := a.controlStore.Close(); err != nil {
			logger.Warnf("App: close control store: %v", err)
		}
	}
}
