package config

import (
	"strings"

	"trendpilot/internal/pkg/symbol"
)

// defaults
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultLockTTLSeconds     = 900
	defaultBrokerMode         = "alpaca"
	defaultBrokerTradingURL   = "https://paper-api.alpaca.markets"
	defaultBrokerDataURL      = "https://data.alpaca.markets"
	defaultBrokerFeed         = "iex"
	defaultBrokerTimeout      = 15
	defaultBrokerRatePerMin   = 180
	defaultBreakerThreshold   = 5
	defaultBreakerCooldown    = 60
	defaultFillWaitSeconds    = 10
	defaultRegimeTimeout      = 10
	defaultRegimeMaxAgeHours  = 96
	defaultVIXThreshold       = 25
	defaultBenchmarkSymbol    = "SPY"
	defaultEarningsAPIURL     = "https://finnhub.io/api/v1"
	defaultEarningsTimeout    = 10
	defaultEarningsLookahead  = 90
	defaultEarningsCacheTTL   = 12
	defaultEarningsTimezone   = "America/New_York"
	defaultCandidatesSource   = "file"
	defaultCandidatesPath     = "configs/candidates.yaml"
	defaultCandidatesMaxAge   = 36
	defaultCandidatesTimeout  = 10
	defaultATRPeriod          = 20
	defaultLongMAPeriod       = 50
	defaultShortMAPeriod      = 10
	defaultBarsLookbackDays   = 100
	defaultRiskPerTradePct    = 0.3
	defaultStopATRMult        = 4.0
	defaultRiskOffStopATRMult = 2.0
	defaultTrailingMinMoveATR = 0.5
	defaultExtensionLimitATR  = 2.5
	defaultOverextensionATR   = 14.0
	defaultLimitPriceATRMult  = 0.3
	defaultMaxPositions       = 40
	defaultEarningsMinDays    = 8
	defaultEarningsProfitATR  = 8.0
	defaultBreadthMinRatio    = 0.40
	defaultPyramidRThreshold  = 3.0
	defaultPyramidFraction    = 0.5
	defaultMaxPyramids        = 1
	defaultMissingStopCycles  = 2
	defaultStorePath          = "data/trendpilot.db"
	defaultMetricsJob         = "trendpilot"
)

// RegimeColors runs from most to least risk-off; caps must not decrease along it.
var RegimeColors = []string{"red", "orange", "yellow", "green"}

func defaultDailyEntryCaps() map[string]int {
	return map[string]int{"red": 0, "orange": 1, "yellow": 2, "green": 4}
}

// applyDefaults fills every section's unset keys.
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Regime.applyDefaults(keys)
	c.Earnings.applyDefaults(keys)
	c.Candidates.applyDefaults(keys)
	c.Strategy.applyDefaults(keys)
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &c.Store.Path, defaultStorePath),
		stringFieldDefault("metrics.job", &c.Metrics.Job, defaultMetricsJob),
	)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		intFieldDefault("app.lock_ttl_seconds", &a.LockTTLSeconds, defaultLockTTLSeconds),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("broker.mode", &b.Mode, defaultBrokerMode),
		stringFieldDefault("broker.trading_url", &b.TradingURL, defaultBrokerTradingURL),
		stringFieldDefault("broker.data_url", &b.DataURL, defaultBrokerDataURL),
		stringFieldDefault("broker.feed", &b.Feed, defaultBrokerFeed),
		intFieldDefault("broker.timeout_seconds", &b.TimeoutSeconds, defaultBrokerTimeout),
		intFieldDefault("broker.rate_limit_per_min", &b.RateLimitPerMin, defaultBrokerRatePerMin),
		intFieldDefault("broker.breaker_threshold", &b.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("broker.breaker_cooldown_seconds", &b.BreakerCooldownSeconds, defaultBreakerCooldown),
		intFieldDefault("broker.fill_wait_seconds", &b.FillWaitSeconds, defaultFillWaitSeconds),
	)
	b.Mode = strings.ToLower(strings.TrimSpace(b.Mode))
}

func (r *RegimeConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("regime.timeout_seconds", &r.TimeoutSeconds, defaultRegimeTimeout),
		intFieldDefault("regime.max_age_hours", &r.MaxAgeHours, defaultRegimeMaxAgeHours),
		floatFieldDefault("regime.vix_threshold", &r.VIXThreshold, defaultVIXThreshold),
		stringFieldDefault("regime.benchmark_symbol", &r.BenchmarkSymbol, defaultBenchmarkSymbol),
	)
	r.BenchmarkSymbol = strings.ToUpper(strings.TrimSpace(r.BenchmarkSymbol))
}

func (e *EarningsConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("earnings.api_url", &e.APIURL, defaultEarningsAPIURL),
		intFieldDefault("earnings.timeout_seconds", &e.TimeoutSeconds, defaultEarningsTimeout),
		intFieldDefault("earnings.lookahead_days", &e.LookaheadDays, defaultEarningsLookahead),
		intFieldDefault("earnings.cache_ttl_hours", &e.CacheTTLHours, defaultEarningsCacheTTL),
		stringFieldDefault("earnings.timezone", &e.Timezone, defaultEarningsTimezone),
	)
}

func (c *CandidatesConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("candidates.source", &c.Source, defaultCandidatesSource),
		stringFieldDefault("candidates.path", &c.Path, defaultCandidatesPath),
		intFieldDefault("candidates.max_age_hours", &c.MaxAgeHours, defaultCandidatesMaxAge),
		intFieldDefault("candidates.timeout_seconds", &c.TimeoutSeconds, defaultCandidatesTimeout),
	)
	c.Source = strings.ToLower(strings.TrimSpace(c.Source))
	c.Exclude = symbol.NormalizeList(c.Exclude)
}

func (s *StrategyConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("strategy.atr_period", &s.ATRPeriod, defaultATRPeriod),
		intFieldDefault("strategy.long_ma_period", &s.LongMAPeriod, defaultLongMAPeriod),
		intFieldDefault("strategy.short_ma_period", &s.ShortMAPeriod, defaultShortMAPeriod),
		intFieldDefault("strategy.bars_lookback_days", &s.BarsLookbackDays, defaultBarsLookbackDays),
		floatFieldDefault("strategy.risk_per_trade_pct", &s.RiskPerTradePct, defaultRiskPerTradePct),
		floatFieldDefault("strategy.stop_atr_mult", &s.StopATRMult, defaultStopATRMult),
		floatFieldDefault("strategy.risk_off_stop_atr_mult", &s.RiskOffStopATRMult, defaultRiskOffStopATRMult),
		floatFieldDefault("strategy.trailing_min_move_atr", &s.TrailingMinMoveATR, defaultTrailingMinMoveATR),
		floatFieldDefault("strategy.extension_limit_atr", &s.ExtensionLimitATR, defaultExtensionLimitATR),
		floatFieldDefault("strategy.overextension_atr_mult", &s.OverextensionATRMult, defaultOverextensionATR),
		floatFieldDefault("strategy.limit_price_atr_mult", &s.LimitPriceATRMult, defaultLimitPriceATRMult),
		intFieldDefault("strategy.max_positions", &s.MaxPositions, defaultMaxPositions),
		intFieldDefault("strategy.earnings_min_days", &s.EarningsMinDays, defaultEarningsMinDays),
		floatFieldDefault("strategy.earnings_profit_atr", &s.EarningsProfitATR, defaultEarningsProfitATR),
		floatFieldDefault("strategy.breadth_min_ratio", &s.BreadthMinRatio, defaultBreadthMinRatio),
		floatFieldDefault("strategy.pyramid_r_threshold", &s.PyramidRThreshold, defaultPyramidRThreshold),
		floatFieldDefault("strategy.pyramid_fraction", &s.PyramidFraction, defaultPyramidFraction),
		intFieldDefault("strategy.missing_stop_alert_cycles", &s.MissingStopAlertCycles, defaultMissingStopCycles),
		fieldDefault{
			key:   "strategy.max_pyramids",
			need:  func() bool { return s.MaxPyramids == 0 },
			apply: func() { s.MaxPyramids = defaultMaxPyramids },
		},
	)
	if !keys.isSet("strategy.daily_entry_caps") || len(s.DailyEntryCaps) == 0 {
		s.DailyEntryCaps = defaultDailyEntryCaps()
		return
	}
	caps := make(map[string]int, len(s.DailyEntryCaps))
	for color, n := range s.DailyEntryCaps {
		caps[strings.ToLower(strings.TrimSpace(color))] = n
	}
	s.DailyEntryCaps = caps
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if keys.isSet(def.key) {
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

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
