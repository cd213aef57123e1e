package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Control.validate(); err != nil {
		return err
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Accounts.validate(); err != nil {
		return err
	}
	if err := validateRolls(c.Rolls); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("app.log_level must be debug/info/warn/error, got %q", a.LogLevel)
	}
	if strings.TrimSpace(a.HTTPAddr) == "" {
		return fmt.Errorf("app.http_addr cannot be empty")
	}
	if strings.TrimSpace(a.StackDB) == "" {
		return fmt.Errorf("app.stack_db cannot be empty")
	}
	if strings.TrimSpace(a.ControlDB) == "" {
		return fmt.Errorf("app.control_db cannot be empty")
	}
	return nil
}

func (t *TradingConfig) validate() error {
	if t.MinTradeSize <= 0 {
		return fmt.Errorf("trading.min_trade_size must be > 0")
	}
	if t.BufferFraction <= 0 || t.BufferFraction >= 1 {
		return fmt.Errorf("trading.buffer_fraction must be in (0, 1)")
	}
	if t.MaxPosition < 0 {
		return fmt.Errorf("trading.max_position must be >= 0 (0 = unlimited)")
	}
	for instrument, limit := range t.MaxPositions {
		if strings.TrimSpace(instrument) == "" {
			return fmt.Errorf("trading.max_positions contains empty instrument")
		}
		if limit < 0 {
			return fmt.Errorf("trading.max_positions.%s must be >= 0", instrument)
		}
	}
	return nil
}

func (c *ControlConfig) validate() error {
	if c.MaxRetries <= 0 {
		return fmt.Errorf("control.max_retries must be > 0")
	}
	if c.RetryWindowMinutes <= 0 {
		return fmt.Errorf("control.retry_window_minutes must be > 0")
	}
	if c.FreshnessWindowHours <= 0 {
		return fmt.Errorf("control.freshness_window_hours must be > 0")
	}
	if c.TickSeconds <= 0 {
		return fmt.Errorf("control.tick_seconds must be > 0")
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	switch b.Kind {
	case BrokerKindPaper, BrokerKindBinance:
	default:
		return fmt.Errorf("broker.kind must be %q or %q, got %q", BrokerKindPaper, BrokerKindBinance, b.Kind)
	}
	if b.SlippageBps < 0 {
		return fmt.Errorf("broker.slippage_bps must be >= 0")
	}
	if b.MaxOrderSize < 0 {
		return fmt.Errorf("broker.max_order_size must be >= 0 (0 = no cap)")
	}
	if b.FillSlices < 1 {
		return fmt.Errorf("broker.fill_slices must be >= 1")
	}
	if b.CommissionPerFill < 0 {
		return fmt.Errorf("broker.commission_per_fill must be >= 0")
	}
	for key, price := range b.Marks {
		if price <= 0 {
			return fmt.Errorf("broker.marks.%s must be > 0, got %v", key, price)
		}
	}
	return nil
}

func (a *AccountsConfig) validate() error {
	if len(a.Weights) == 0 {
		return nil
	}
	total := 0.0
	for account, w := range a.Weights {
		if strings.TrimSpace(account) == "" {
			return fmt.Errorf("accounts.weights contains empty account name")
		}
		if w < 0 {
			return fmt.Errorf("accounts.weights.%s must be >= 0", account)
		}
		total += w
	}
	if total <= 0 {
		return fmt.Errorf("accounts.weights must sum to > 0")
	}
	return nil
}

func validateRolls(rolls map[string]RollConfig) error {
	for instrument, r := range rolls {
		if strings.TrimSpace(instrument) == "" {
			return fmt.Errorf("rolls contains empty instrument")
		}
		if strings.TrimSpace(r.Current) == "" {
			return fmt.Errorf("rolls.%s.current cannot be empty", instrument)
		}
		if !isValidExpiry(r.Current) {
			return fmt.Errorf("rolls.%s.current must be YYYYMM, got %q", instrument, r.Current)
		}
		if r.Next != "" && !isValidExpiry(r.Next) {
			return fmt.Errorf("rolls.%s.next must be YYYYMM, got %q", instrument, r.Next)
		}
		if r.Fraction < 0 || r.Fraction > 1 {
			return fmt.Errorf("rolls.%s.fraction must be in [0, 1]", instrument)
		}
		if r.Fraction < 1 && r.Next == "" {
			return fmt.Errorf("rolls.%s needs a next expiry when fraction < 1", instrument)
		}
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

// isValidExpiry checks the YYYYMM delivery-month form.
func isValidExpiry(s string) bool {
	if len(s) != 6 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	month := s[4:]
	return month >= "01" && month <= "12"
}
