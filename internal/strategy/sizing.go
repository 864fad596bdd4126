package strategy

// Size is the risk-based entry size. Every admitted entry carries the same
// fractional account risk; the regime only changes how many are admitted.
type Size struct {
	Quantity     int
	RiskPerShare float64 // STOP_ATR_MULT × ATR, the R unit
	DollarRisk   float64
}

// PositionSize returns floor(equity × pct / (mult × ATR)).
func (p Params) PositionSize(equity, atr float64) Size {
	if equity <= 0 || atr <= 0 || p.StopATRMult <= 0 {
		return Size{}
	}
	risk := decFromFloat(p.StopATRMult).Mul(decFromFloat(atr))
	budget := decFromFloat(equity).Mul(decFromFloat(p.RiskPerTradePct)).Div(decHundred)
	qty := budget.Div(risk).Floor()
	return Size{
		Quantity:     int(qty.IntPart()),
		RiskPerShare: decToFloat(risk),
		DollarRisk:   decToFloat(risk.Mul(qty)),
	}
}

// InitialStop is entry − STOP_ATR_MULT × ATR, rounded to the cent.
func (p Params) InitialStop(entry, atr float64) float64 {
	return priceMinusATR(entry, p.StopATRMult, atr)
}

// PyramidQuantity is floor(PYRAMID_FRACTION × original quantity).
func (p Params) PyramidQuantity(original float64) int {
	if original <= 0 {
		return 0
	}
	return int(decFromFloat(p.PyramidFraction).Mul(decFromFloat(original)).Floor().IntPart())
}
