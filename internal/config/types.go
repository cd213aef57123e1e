package config

import (
	"strings"
	"time"
)

// Config is the full strata configuration.
type Config struct {
	App      AppConfig             `toml:"app"`
	Trading  TradingConfig         `toml:"trading"`
	Control  ControlConfig         `toml:"control"`
	Broker   BrokerConfig          `toml:"broker"`
	Accounts AccountsConfig        `toml:"accounts"`
	Rolls    map[string]RollConfig `toml:"rolls"`
	Registry RegistryConfig        `toml:"registry"`
	Notify   NotifyConfig          `toml:"notify"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
	StackDB   string `toml:"stack_db"`
	ControlDB string `toml:"control_db"`
	ReportDir string `toml:"report_dir"`
}

// TradingConfig carries the sizing policy applied before any order spawns.
type TradingConfig struct {
	MinTradeSize   float64 `toml:"min_trade_size"`
	BufferFraction float64 `toml:"buffer_fraction"`
	// MaxPosition caps the absolute position of every instrument unless a
	// per-instrument override exists. Zero means unlimited.
	MaxPosition  float64            `toml:"max_position"`
	MaxPositions map[string]float64 `toml:"max_positions"`
	// TargetsFile is where the upstream position optimizer drops the desired
	// positions. Read fresh on every order-generation run.
	TargetsFile string `toml:"targets_file"`
}

// MaxPositionFor resolves the position cap for one instrument: the override
// when present, the default cap otherwise.
func (t TradingConfig) MaxPositionFor(instrument string) float64 {
	instrument = strings.ToUpper(strings.TrimSpace(instrument))
	if limit, ok := t.MaxPositions[instrument]; ok {
		return limit
	}
	return t.MaxPosition
}

// ControlConfig tunes the run gates and the runner loop. Durations are kept
// as integers in the file and exposed as time.Duration through methods.
type ControlConfig struct {
	MaxRetries           int `toml:"max_retries"`
	RetryWindowMinutes   int `toml:"retry_window_minutes"`
	FreshnessWindowHours int `toml:"freshness_window_hours"`
	TickSeconds          int `toml:"tick_seconds"`
}

func (c ControlConfig) RetryWindow() time.Duration {
	return time.Duration(c.RetryWindowMinutes) * time.Minute
}

func (c ControlConfig) FreshnessWindow() time.Duration {
	return time.Duration(c.FreshnessWindowHours) * time.Hour
}

func (c ControlConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// Broker kinds. Both run the simulated venue; they differ in where mark
// prices come from.
const (
	BrokerKindPaper   = "paper"
	BrokerKindBinance = "binance-priced"
)

type BrokerConfig struct {
	Kind              string  `toml:"kind"`
	SlippageBps       float64 `toml:"slippage_bps"`
	MaxOrderSize      float64 `toml:"max_order_size"`
	FillSlices        int     `toml:"fill_slices"`
	CommissionPerFill float64 `toml:"commission_per_fill"`
	// Marks feeds the static price source: keys are instruments or full
	// contracts ("EDOLLAR" or "EDOLLAR/202612").
	Marks map[string]float64 `toml:"marks"`
	// Symbols maps instrument codes to venue symbols ("BTC" -> "BTCUSDT")
	// when kind is binance-priced.
	Symbols map[string]string `toml:"symbols"`
}

// AccountsConfig lists broker-account weights for pro-rata splitting. Empty
// means a single implicit account.
type AccountsConfig struct {
	Weights map[string]float64 `toml:"weights"`
}

// RollConfig names the tradeable expiries for one instrument. Fraction is
// the share of new exposure kept in the current contract.
type RollConfig struct {
	Current  string  `toml:"current"`
	Next     string  `toml:"next"`
	Fraction float64 `toml:"fraction"`
}

type RegistryConfig struct {
	ProcessesFile string `toml:"processes_file"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// keySet tracks the field paths explicitly present in the config files, so
// defaults never overwrite an intentional zero.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault describes the default rule for a single field.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
