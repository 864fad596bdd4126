package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// validate runs the basic config checks.
func validate(c *Config) error {
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Regime.validate(); err != nil {
		return err
	}
	if err := c.Earnings.validate(); err != nil {
		return err
	}
	if err := c.Candidates.validate(); err != nil {
		return err
	}
	if err := c.Strategy.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path cannot be empty")
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	switch b.Mode {
	case "alpaca":
		if strings.TrimSpace(b.TradingURL) == "" || strings.TrimSpace(b.DataURL) == "" {
			return fmt.Errorf("broker.trading_url and broker.data_url are required in alpaca mode")
		}
		if strings.TrimSpace(b.APIKey) == "" || strings.TrimSpace(b.APISecret) == "" {
			return fmt.Errorf("broker.api_key/api_secret are required in alpaca mode (or APCA_API_KEY_ID/APCA_API_SECRET_KEY)")
		}
	case "memory":
	default:
		return fmt.Errorf("broker.mode must be alpaca or memory, got %q", b.Mode)
	}
	if b.TimeoutSeconds <= 0 {
		return fmt.Errorf("broker.timeout_seconds must be > 0")
	}
	return nil
}

func (r *RegimeConfig) validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("regime.url cannot be empty")
	}
	if r.MaxAgeHours <= 0 {
		return fmt.Errorf("regime.max_age_hours must be > 0")
	}
	if r.VIXThreshold <= 0 {
		return fmt.Errorf("regime.vix_threshold must be > 0")
	}
	return nil
}

func (e *EarningsConfig) validate() error {
	if _, err := time.LoadLocation(e.Timezone); err != nil {
		return fmt.Errorf("earnings.timezone invalid: %w", err)
	}
	if e.LookaheadDays <= 0 {
		return fmt.Errorf("earnings.lookahead_days must be > 0")
	}
	return nil
}

func (c *CandidatesConfig) validate() error {
	switch c.Source {
	case "file":
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("candidates.path cannot be empty when source=file")
		}
	case "http":
		if strings.TrimSpace(c.URL) == "" {
			return fmt.Errorf("candidates.url cannot be empty when source=http")
		}
	default:
		return fmt.Errorf("candidates.source must be file or http, got %q", c.Source)
	}
	return nil
}

func (s *StrategyConfig) validate() error {
	positives := []struct {
		key string
		val float64
	}{
		{"risk_per_trade_pct", s.RiskPerTradePct},
		{"stop_atr_mult", s.StopATRMult},
		{"risk_off_stop_atr_mult", s.RiskOffStopATRMult},
		{"trailing_min_move_atr", s.TrailingMinMoveATR},
		{"extension_limit_atr", s.ExtensionLimitATR},
		{"overextension_atr_mult", s.OverextensionATRMult},
		{"limit_price_atr_mult", s.LimitPriceATRMult},
		{"earnings_profit_atr", s.EarningsProfitATR},
		{"pyramid_r_threshold", s.PyramidRThreshold},
		{"pyramid_fraction", s.PyramidFraction},
	}
	for _, p := range positives {
		if p.val <= 0 {
			return fmt.Errorf("strategy.%s must be > 0", p.key)
		}
	}
	if s.RiskPerTradePct > 5 {
		return fmt.Errorf("strategy.risk_per_trade_pct is a percentage and must be <= 5, got %.4f", s.RiskPerTradePct)
	}
	if s.ShortMAPeriod >= s.LongMAPeriod {
		return fmt.Errorf("strategy.short_ma_period (%d) must be < long_ma_period (%d)", s.ShortMAPeriod, s.LongMAPeriod)
	}
	need := s.LongMAPeriod
	if s.ATRPeriod+1 > need {
		need = s.ATRPeriod + 1
	}
	if s.BarsLookbackDays < need {
		return fmt.Errorf("strategy.bars_lookback_days (%d) must cover at least %d bars", s.BarsLookbackDays, need)
	}
	if s.MaxPositions <= 0 {
		return fmt.Errorf("strategy.max_positions must be > 0")
	}
	if s.BreadthMinRatio <= 0 || s.BreadthMinRatio > 1 {
		return fmt.Errorf("strategy.breadth_min_ratio must be within (0,1]")
	}
	if s.MaxPyramids < 0 || s.MaxPyramids > 1 {
		return fmt.Errorf("strategy.max_pyramids must be 0 or 1")
	}
	if s.DailyEntryCaps["red"] != 0 {
		return fmt.Errorf("strategy.daily_entry_caps.red must be 0")
	}
	prev := 0
	for _, color := range RegimeColors {
		n, ok := s.DailyEntryCaps[color]
		if !ok {
			return fmt.Errorf("strategy.daily_entry_caps missing %s", color)
		}
		if n < prev {
			return fmt.Errorf("strategy.daily_entry_caps must be non-decreasing red→green (%s=%d < %d)", color, n, prev)
		}
		prev = n
	}
	for color := range s.DailyEntryCaps {
		if !knownColor(color) {
			return fmt.Errorf("strategy.daily_entry_caps has unknown color %q", color)
		}
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	tg := n.Telegram
	if tg.Enabled && (strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "") {
		return fmt.Errorf("notify.telegram.enabled requires bot_token and chat_id")
	}
	return nil
}

func knownColor(color string) bool {
	for _, c := range RegimeColors {
		if c == color {
			return true
		}
	}
	return false
}
