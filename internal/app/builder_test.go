package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"strata/internal/broker"
	"strata/internal/config"
	"strata/internal/control"
	"strata/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadAppConfig writes a complete config tree into a temp dir and loads it
// through config.Load, the same path main takes.
func loadAppConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	processes := `
processes:
  generate_orders:
    schedule: "@every 1m"
  run_stack_handler:
    schedule: "@every 1m"
  reconcile_stacks:
    schedule: "@every 1m"
  archive_orders:
    schedule: "@every 1m"
  end_of_day_report:
    schedule: "@every 1m"
`
	processesPath := filepath.Join(dir, "processes.yaml")
	require.NoError(t, os.WriteFile(processesPath, []byte(processes), 0o644))

	targetsPath := filepath.Join(dir, "targets.yaml")
	require.NoError(t, os.WriteFile(targetsPath, []byte(oneTargetYAML), 0o644))

	body := fmt.Sprintf(`
app:
  log_level: error
  http_addr: "127.0.0.1:0"
  stack_db: %q
  control_db: %q
  report_dir: %q
trading:
  targets_file: %q
broker:
  kind: paper
  marks:
    EDOLLAR/202612: 100
rolls:
  EDOLLAR:
    current: "202612"
registry:
  processes_file: %q
`, filepath.Join(dir, "stack.db"), filepath.Join(dir, "control.db"),
		filepath.Join(dir, "reports"), targetsPath, processesPath)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestAppBuilderBuildsAndRunsOnce(t *testing.T) {
	ctx := context.Background()
	cfg := loadAppConfig(t)

	app, err := NewAppBuilder(cfg).Build(ctx)
	require.NoError(t, err)
	t.Cleanup(app.closeStores)

	require.NotNil(t, app.runner)
	require.NotNil(t, app.server)
	require.NotNil(t, app.stackStore)
	require.NotNil(t, app.controlStore)

	// The first pass sees every schedule as due, so one RunOnce drives the
	// whole pipeline: spawn, submit, fill, reconcile, archive, report.
	app.RunOnce(ctx)

	states, err := app.controlStore.List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 5)
	for _, p := range states {
		assert.Equal(t, control.StateFinished, p.State, "process %s", p.Name)
	}

	pos, err := app.stackStore.Positions().Get(ctx, "EDOLLAR", "macro")
	require.NoError(t, err)
	assert.InDelta(t, 10, pos, 1e-9)
}

func TestAppBuilderOverrides(t *testing.T) {
	cfg := loadAppConfig(t)

	var storesUsed, pricesUsed, venueUsed, notifierUsed bool
	app, err := NewAppBuilder(cfg,
		WithStores(func(c *config.Config) (storeSetup, error) {
			storesUsed = true
			return openStores(c)
		}),
		WithPriceSource(func(bc config.BrokerConfig) (broker.PriceSource, error) {
			pricesUsed = true
			return buildPriceSource(bc)
		}),
		WithVenue(func(bc config.BrokerConfig, prices broker.PriceSource) *broker.Paper {
			venueUsed = true
			return buildPaperVenue(bc, prices)
		}),
		WithNotifier(func(config.NotifyConfig) notify.TextNotifier {
			notifierUsed = true
			return notify.LogNotifier{}
		}),
	).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(app.closeStores)

	assert.True(t, storesUsed)
	assert.True(t, pricesUsed)
	assert.True(t, venueUsed)
	assert.True(t, notifierUsed)
}

func TestAppBuilderIgnoresNilOptions(t *testing.T) {
	b := NewAppBuilder(nil, WithStores(nil), WithPriceSource(nil), WithVenue(nil), WithNotifier(nil), nil)

	assert.NotNil(t, b.storesFn)
	assert.NotNil(t, b.pricesFn)
	assert.NotNil(t, b.venueFn)
	assert.NotNil(t, b.notifierFn)

	_, err := b.Build(context.Background())
	assert.ErrorContains(t, err, "nil config")
}

func TestNewAppRequiresConfig(t *testing.T) {
	app, err := NewApp(nil)
	require.Error(t, err)
	assert.Nil(t, app)
}

func TestBuildPriceSource(t *testing.T) {
	t.Run("Paper Uses Static Marks", func(t *testing.T) {
		src, err := buildPriceSource(config.BrokerConfig{
			Kind:  config.BrokerKindPaper,
			Marks: map[string]float64{"EDOLLAR": 99},
		})
		require.NoError(t, err)
		assert.IsType(t, &broker.StaticPrices{}, src)
	})

	t.Run("Binance Priced Builds Live Source", func(t *testing.T) {
		src, err := buildPriceSource(config.BrokerConfig{
			Kind:    config.BrokerKindBinance,
			Symbols: map[string]string{"BTC": "BTCUSDT"},
		})
		require.NoError(t, err)
		assert.IsType(t, &broker.BinancePriceSource{}, src)
	})

	t.Run("Binance Priced Requires Symbols", func(t *testing.T) {
		_, err := buildPriceSource(config.BrokerConfig{Kind: config.BrokerKindBinance})
		assert.ErrorContains(t, err, "requires symbols")
	})
}

func TestMaxPositionLimits(t *testing.T) {
	t.Run("Unlimited Without Caps", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Rolls = map[string]config.RollConfig{"EDOLLAR": {Current: "202612"}}
		assert.Nil(t, maxPositionLimits(cfg))
	})

	t.Run("Default And Override", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Trading.MaxPosition = 50
		cfg.Trading.MaxPositions = map[string]float64{"CORN": 10, "GOLD": 5}
		cfg.Rolls = map[string]config.RollConfig{
			"EDOLLAR": {Current: "202612"},
			"CORN":    {Current: "202703"},
		}

		limits := maxPositionLimits(cfg)
		assert.Equal(t, map[string]float64{"EDOLLAR": 50, "CORN": 10, "GOLD": 5}, limits)
	})
}
