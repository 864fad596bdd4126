package strategy

import "trendpilot/internal/market"

// Filter rejection reasons.
const (
	ReasonBelowLongMA      = "below_long_ma"
	ReasonTrendUnconfirmed = "trend_unconfirmed"
	ReasonExtended         = "extended"
	ReasonNoATR            = "no_atr"
)

// TrendFilter is shared by fresh entries and pyramid adds: price above the
// long SMA, short SMA above long SMA, and not extended past
// EXTENSION_LIMIT ATRs from the long SMA.
func (p Params) TrendFilter(s market.Snapshot) (bool, string) {
	switch {
	case s.ATR <= 0:
		return false, ReasonNoATR
	case !s.AboveLongMA():
		return false, ReasonBelowLongMA
	case !s.TrendConfirmed():
		return false, ReasonTrendUnconfirmed
	case !decimalLT(s.ExtensionATR(), p.ExtensionLimitATR):
		return false, ReasonExtended
	default:
		return true, ""
	}
}
