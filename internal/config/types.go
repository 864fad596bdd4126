package config

import "strings"

// Config is the trendpilot configuration shared by both passes.
type Config struct {
	App        AppConfig        `toml:"app"`
	Broker     BrokerConfig     `toml:"broker"`
	Regime     RegimeConfig     `toml:"regime"`
	Earnings   EarningsConfig   `toml:"earnings"`
	Candidates CandidatesConfig `toml:"candidates"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Store      StoreConfig      `toml:"store"`
	Notify     NotifyConfig     `toml:"notify"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

type AppConfig struct {
	Env            string `toml:"env"`
	LogLevel       string `toml:"log_level"`
	LogPath        string `toml:"log_path"`
	DryRun         bool   `toml:"dry_run"`
	LockTTLSeconds int    `toml:"lock_ttl_seconds"`
}

// BrokerConfig describes the broker REST access (orders, positions, daily bars).
type BrokerConfig struct {
	Mode                   string `toml:"mode"` // "alpaca" | "memory"
	TradingURL             string `toml:"trading_url"`
	DataURL                string `toml:"data_url"`
	APIKey                 string `toml:"api_key"`
	APISecret              string `toml:"api_secret"`
	Feed                   string `toml:"feed"`
	TimeoutSeconds         int    `toml:"timeout_seconds"`
	RateLimitPerMin        int    `toml:"rate_limit_per_min"`
	BreakerThreshold       int    `toml:"breaker_threshold"`
	BreakerCooldownSeconds int    `toml:"breaker_cooldown_seconds"`
	FillWaitSeconds        int    `toml:"fill_wait_seconds"`
}

type RegimeConfig struct {
	URL             string  `toml:"url"`
	TimeoutSeconds  int     `toml:"timeout_seconds"`
	MaxAgeHours     int     `toml:"max_age_hours"`
	VIXThreshold    float64 `toml:"vix_threshold"`
	BenchmarkSymbol string  `toml:"benchmark_symbol"`
}

type EarningsConfig struct {
	APIURL         string `toml:"api_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	LookaheadDays  int    `toml:"lookahead_days"`
	CacheTTLHours  int    `toml:"cache_ttl_hours"`
	Timezone       string `toml:"timezone"`
}

type CandidatesConfig struct {
	Source         string   `toml:"source"` // "file" | "http"
	Path           string   `toml:"path"`
	URL            string   `toml:"url"`
	Exclude        []string `toml:"exclude"`
	MaxAgeHours    int      `toml:"max_age_hours"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// StrategyConfig holds the fixed thresholds and multipliers. It is turned
// into an immutable strategy.Params at run time.
type StrategyConfig struct {
	ATRPeriod              int            `toml:"atr_period"`
	LongMAPeriod           int            `toml:"long_ma_period"`
	ShortMAPeriod          int            `toml:"short_ma_period"`
	BarsLookbackDays       int            `toml:"bars_lookback_days"`
	RiskPerTradePct        float64        `toml:"risk_per_trade_pct"` // percent, 0.3 means 0.3%
	StopATRMult            float64        `toml:"stop_atr_mult"`
	RiskOffStopATRMult     float64        `toml:"risk_off_stop_atr_mult"`
	TrailingMinMoveATR     float64        `toml:"trailing_min_move_atr"`
	ExtensionLimitATR      float64        `toml:"extension_limit_atr"`
	OverextensionATRMult   float64        `toml:"overextension_atr_mult"`
	LimitPriceATRMult      float64        `toml:"limit_price_atr_mult"`
	MaxPositions           int            `toml:"max_positions"`
	DailyEntryCaps         map[string]int `toml:"daily_entry_caps"`
	EarningsMinDays        int            `toml:"earnings_min_days"`
	EarningsProfitATR      float64        `toml:"earnings_profit_atr"`
	BreadthMinRatio        float64        `toml:"breadth_min_ratio"`
	PyramidRThreshold      float64        `toml:"pyramid_r_threshold"`
	PyramidFraction        float64        `toml:"pyramid_fraction"`
	MaxPyramids            int            `toml:"max_pyramids"`
	MissingStopAlertCycles int            `toml:"missing_stop_alert_cycles"`
}

// CapFor returns the daily entry cap for a regime color; unknown colors get 0.
func (s StrategyConfig) CapFor(color string) int {
	if len(s.DailyEntryCaps) == 0 {
		return 0
	}
	return s.DailyEntryCaps[strings.ToLower(strings.TrimSpace(color))]
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type MetricsConfig struct {
	PushgatewayURL string `toml:"pushgateway_url"`
	Job            string `toml:"job"`
}

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
	if _, ok := k[path]; ok {
		return true
	}
	// map-valued keys (daily_entry_caps.green) count as setting their parent.
	prefix := path + "."
	for key := range k {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
