package config

import "strings"

const (
	defaultAppEnv       = "dev"
	defaultAppLogLevel  = "info"
	defaultAppHTTPAddr  = ":9980"
	defaultAppStackDB   = "data/stack.db"
	defaultAppControlDB = "data/control.db"
	defaultAppReportDir = "reports"

	defaultMinTradeSize   = 1.0
	defaultBufferFraction = 0.10
	defaultTargetsFile    = "configs/targets.yaml"

	defaultControlMaxRetries     = 3
	defaultControlRetryWindowMin = 60
	defaultControlFreshnessHrs   = 24
	defaultControlTickSeconds    = 30

	defaultBrokerKind       = BrokerKindPaper
	defaultBrokerFillSlices = 1

	defaultProcessesFile = "configs/processes.yaml"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Control.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Registry.applyDefaults(keys)
	c.normalizeRolls(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.stack_db", &a.StackDB, defaultAppStackDB),
		stringFieldDefault("app.control_db", &a.ControlDB, defaultAppControlDB),
		stringFieldDefault("app.report_dir", &a.ReportDir, defaultAppReportDir),
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "trading.min_trade_size",
			need:  func() bool { return t.MinTradeSize <= 0 },
			apply: func() { t.MinTradeSize = defaultMinTradeSize },
		},
		fieldDefault{
			key:   "trading.buffer_fraction",
			need:  func() bool { return t.BufferFraction <= 0 },
			apply: func() { t.BufferFraction = defaultBufferFraction },
		},
		stringFieldDefault("trading.targets_file", &t.TargetsFile, defaultTargetsFile),
	)
	if len(t.MaxPositions) > 0 {
		normalized := make(map[string]float64, len(t.MaxPositions))
		for instrument, limit := range t.MaxPositions {
			normalized[strings.ToUpper(strings.TrimSpace(instrument))] = limit
		}
		t.MaxPositions = normalized
	}
}

func (c *ControlConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "control.max_retries",
			need:  func() bool { return c.MaxRetries <= 0 },
			apply: func() { c.MaxRetries = defaultControlMaxRetries },
		},
		fieldDefault{
			key:   "control.retry_window_minutes",
			need:  func() bool { return c.RetryWindowMinutes <= 0 },
			apply: func() { c.RetryWindowMinutes = defaultControlRetryWindowMin },
		},
		fieldDefault{
			key:   "control.freshness_window_hours",
			need:  func() bool { return c.FreshnessWindowHours <= 0 },
			apply: func() { c.FreshnessWindowHours = defaultControlFreshnessHrs },
		},
		fieldDefault{
			key:   "control.tick_seconds",
			need:  func() bool { return c.TickSeconds <= 0 },
			apply: func() { c.TickSeconds = defaultControlTickSeconds },
		},
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("broker.kind", &b.Kind, defaultBrokerKind),
		fieldDefault{
			key:   "broker.fill_slices",
			need:  func() bool { return b.FillSlices <= 0 },
			apply: func() { b.FillSlices = defaultBrokerFillSlices },
		},
	)
	b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
}

func (r *RegistryConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("registry.processes_file", &r.ProcessesFile, defaultProcessesFile),
	)
}

// normalizeRolls uppercases instrument keys and defaults an omitted fraction
// to 1.0 (everything stays in the current expiry). An explicit fraction of
// zero is kept as written.
func (c *Config) normalizeRolls(keys keySet) {
	if len(c.Rolls) == 0 {
		return
	}
	normalized := make(map[string]RollConfig, len(c.Rolls))
	for instrument, rule := range c.Rolls {
		key := strings.ToUpper(strings.TrimSpace(instrument))
		if rule.Fraction == 0 && !keys.isSet("rolls."+strings.ToLower(key)+".fraction") {
			rule.Fraction = 1
		}
		normalized[key] = rule
	}
	c.Rolls = normalized
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
