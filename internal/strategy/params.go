// Package strategy holds the position lifecycle rules: entry filter and
// sizing, the trailing stop state machine and the pyramid add. Everything
// here is pure; orders are placed by the executor.
package strategy

import (
	"time"

	"trendpilot/internal/config"
	"trendpilot/internal/gateway/regime"
	"trendpilot/internal/market"
)

// Params is the immutable threshold set for one run. Build it once with
// NewParams and pass it by value.
type Params struct {
	Periods              market.Periods
	BarsLookback         int
	RiskPerTradePct      float64 // percent of equity, 0.3 = 0.3%
	StopATRMult          float64
	RiskOffStopATRMult   float64
	TrailingMinMoveATR   float64
	ExtensionLimitATR    float64
	OverextensionATRMult float64
	LimitPriceATRMult    float64
	MaxPositions         int
	EarningsMinDays      int
	EarningsProfitATR    float64
	BreadthMinRatio      float64
	PyramidRThreshold    float64
	PyramidFraction      float64
	MaxPyramids          int
	MissingStopCycles    int
	RegimeMaxAge         time.Duration
	VIXThreshold         float64

	// caps is indexed by regime.Color.Tier().
	caps [4]int
}

func NewParams(s config.StrategyConfig, r config.RegimeConfig) Params {
	p := Params{
		Periods: market.Periods{
			ATR:   s.ATRPeriod,
			Long:  s.LongMAPeriod,
			Short: s.ShortMAPeriod,
		},
		BarsLookback:         s.BarsLookbackDays,
		RiskPerTradePct:      s.RiskPerTradePct,
		StopATRMult:          s.StopATRMult,
		RiskOffStopATRMult:   s.RiskOffStopATRMult,
		TrailingMinMoveATR:   s.TrailingMinMoveATR,
		ExtensionLimitATR:    s.ExtensionLimitATR,
		OverextensionATRMult: s.OverextensionATRMult,
		LimitPriceATRMult:    s.LimitPriceATRMult,
		MaxPositions:         s.MaxPositions,
		EarningsMinDays:      s.EarningsMinDays,
		EarningsProfitATR:    s.EarningsProfitATR,
		BreadthMinRatio:      s.BreadthMinRatio,
		PyramidRThreshold:    s.PyramidRThreshold,
		PyramidFraction:      s.PyramidFraction,
		MaxPyramids:          s.MaxPyramids,
		MissingStopCycles:    s.MissingStopAlertCycles,
		RegimeMaxAge:         time.Duration(r.MaxAgeHours) * time.Hour,
		VIXThreshold:         r.VIXThreshold,
	}
	for _, c := range []regime.Color{regime.ColorRed, regime.ColorOrange, regime.ColorYellow, regime.ColorGreen} {
		p.caps[c.Tier()] = s.CapFor(string(c))
	}
	return p
}

// DefaultParams mirrors the shipped configuration.
func DefaultParams() Params {
	p := Params{
		Periods:              market.Periods{ATR: 20, Long: 50, Short: 10},
		BarsLookback:         100,
		RiskPerTradePct:      0.3,
		StopATRMult:          4.0,
		RiskOffStopATRMult:   2.0,
		TrailingMinMoveATR:   0.5,
		ExtensionLimitATR:    2.5,
		OverextensionATRMult: 14.0,
		LimitPriceATRMult:    0.3,
		MaxPositions:         40,
		EarningsMinDays:      8,
		EarningsProfitATR:    8.0,
		BreadthMinRatio:      0.40,
		PyramidRThreshold:    3.0,
		PyramidFraction:      0.5,
		MaxPyramids:          1,
		MissingStopCycles:    2,
		RegimeMaxAge:         96 * time.Hour,
		VIXThreshold:         25,
	}
	p.caps = [4]int{0, 1, 2, 4}
	return p
}

// WithCaps returns a copy with different daily entry caps (red..green).
func (p Params) WithCaps(red, orange, yellow, green int) Params {
	p.caps = [4]int{red, orange, yellow, green}
	return p
}

// EntryCap is the daily admission cap for a regime color; unknown colors get 0.
func (p Params) EntryCap(c regime.Color) int {
	t := c.Tier()
	if t < 0 {
		return 0
	}
	return p.caps[t]
}

// TrailingMult is the stop distance in ATR for the current regime. The
// deepest risk-off tier tightens stops on existing positions too.
func (p Params) TrailingMult(c regime.Color) float64 {
	if c.RiskOff() {
		return p.RiskOffStopATRMult
	}
	return p.StopATRMult
}
