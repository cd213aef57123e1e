package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", "app:\n  log_level: debug\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, ":9980", cfg.App.HTTPAddr)
	assert.Equal(t, "data/stack.db", cfg.App.StackDB)
	assert.Equal(t, "data/control.db", cfg.App.ControlDB)
	assert.Equal(t, "reports", cfg.App.ReportDir)

	assert.Equal(t, 1.0, cfg.Trading.MinTradeSize)
	assert.Equal(t, 0.10, cfg.Trading.BufferFraction)
	assert.Equal(t, "configs/targets.yaml", cfg.Trading.TargetsFile)

	assert.Equal(t, 3, cfg.Control.MaxRetries)
	assert.Equal(t, time.Hour, cfg.Control.RetryWindow())
	assert.Equal(t, 24*time.Hour, cfg.Control.FreshnessWindow())
	assert.Equal(t, 30*time.Second, cfg.Control.Tick())

	assert.Equal(t, BrokerKindPaper, cfg.Broker.Kind)
	assert.Equal(t, 1, cfg.Broker.FillSlices)
	assert.Equal(t, "configs/processes.yaml", cfg.Registry.ProcessesFile)
}

func TestLoadFullConfig(t *testing.T) {
	body := `
app:
  log_level: info
  http_addr: ":8088"
  stack_db: /tmp/stack.db
  control_db: /tmp/control.db
  report_dir: /tmp/reports
trading:
  min_trade_size: 2
  buffer_fraction: 0.2
  max_position: 50
  max_positions:
    edollar: 10
control:
  max_retries: 5
  retry_window_minutes: 30
  freshness_window_hours: 12
  tick_seconds: 10
broker:
  kind: Paper
  slippage_bps: "15"
  max_order_size: 100
  fill_slices: 4
  marks:
    edollar/202612: 99.5
accounts:
  weights:
    main: 3
    hedge: 1
rolls:
  EDOLLAR:
    current: "202612"
    next: "202703"
    fraction: 0.8
  sofr:
    current: "202612"
registry:
  processes_file: ops/processes.yaml
notify:
  telegram:
    enabled: true
    bot_token: tok
    chat_id: "42"
`
	path := writeConfig(t, t.TempDir(), "config.yaml", body)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8088", cfg.App.HTTPAddr)
	assert.Equal(t, 2.0, cfg.Trading.MinTradeSize)

	// Per-instrument override wins, everything else gets the default cap.
	assert.Equal(t, 10.0, cfg.Trading.MaxPositionFor("edollar"))
	assert.Equal(t, 50.0, cfg.Trading.MaxPositionFor("SOFR"))

	assert.Equal(t, 30*time.Minute, cfg.Control.RetryWindow())
	assert.Equal(t, 10*time.Second, cfg.Control.Tick())

	// Kind is normalized, quoted numbers decode weakly typed.
	assert.Equal(t, BrokerKindPaper, cfg.Broker.Kind)
	assert.Equal(t, 15.0, cfg.Broker.SlippageBps)
	assert.Equal(t, 4, cfg.Broker.FillSlices)
	assert.Equal(t, 99.5, cfg.Broker.Marks["edollar/202612"])

	assert.Equal(t, 3.0, cfg.Accounts.Weights["main"])
	assert.Equal(t, 1.0, cfg.Accounts.Weights["hedge"])

	// Instrument keys are normalized to uppercase regardless of how the
	// file spells them.
	require.Contains(t, cfg.Rolls, "EDOLLAR")
	require.Contains(t, cfg.Rolls, "SOFR")
	assert.Equal(t, "202612", cfg.Rolls["EDOLLAR"].Current)
	assert.Equal(t, "202703", cfg.Rolls["EDOLLAR"].Next)
	assert.Equal(t, 0.8, cfg.Rolls["EDOLLAR"].Fraction)
	// Omitted fraction keeps everything in the current expiry.
	assert.Equal(t, 1.0, cfg.Rolls["SOFR"].Fraction)

	assert.Equal(t, "ops/processes.yaml", cfg.Registry.ProcessesFile)
	assert.True(t, cfg.Notify.Telegram.Enabled)
	assert.Equal(t, "tok", cfg.Notify.Telegram.BotToken)
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", "app:\n  log_level: debug\n  http_addr: \":7000\"\n")
	path := writeConfig(t, dir, "config.yaml", "include:\n  - base.yaml\napp:\n  http_addr: \":7001\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, ":7001", cfg.App.HTTPAddr, "root file wins over its includes")
}

func TestLoadRejectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "include: [b.yaml]\n")
	path := writeConfig(t, dir, "b.yaml", "include: [a.yaml]\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"explicit zero min trade size", "trading:\n  min_trade_size: 0\n", "trading.min_trade_size"},
		{"buffer fraction out of range", "trading:\n  buffer_fraction: 1.5\n", "trading.buffer_fraction"},
		{"bad log level", "app:\n  log_level: loud\n", "app.log_level"},
		{"unknown broker kind", "broker:\n  kind: ibkr\n", "broker.kind"},
		{"negative slippage", "broker:\n  slippage_bps: -2\n", "broker.slippage_bps"},
		{"roll missing current", "rolls:\n  edollar:\n    next: \"202703\"\n", "rolls.EDOLLAR.current"},
		{"roll bad expiry", "rolls:\n  edollar:\n    current: \"2026\"\n", "must be YYYYMM"},
		{"roll fraction needs next", "rolls:\n  edollar:\n    current: \"202612\"\n    fraction: 0.5\n", "needs a next expiry"},
		{"telegram missing token", "notify:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n", "bot_token"},
		{"negative account weight", "accounts:\n  weights:\n    main: -1\n", "accounts.weights"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "config.yaml", tc.body)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
