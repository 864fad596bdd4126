package strategy

import (
	"trendpilot/internal/market"
	"trendpilot/internal/store/model"
)

// Pyramid skip reasons.
const (
	ReasonPyramidMaxed   = "max_pyramids"
	ReasonRiskUnknown    = "initial_risk_unknown"
	ReasonBelowThreshold = "below_r_threshold"
)

// PyramidDecision says whether to add to a winner, and by how much.
type PyramidDecision struct {
	Symbol    string
	Add       bool
	Reason    string
	Quantity  int
	RMultiple float64
	Price     float64
}

// EvaluatePyramid allows one add once open profit reaches
// PYRAMID_R_THRESHOLD × R and the trend filter still passes.
func (p Params) EvaluatePyramid(rec model.PositionRecord, snap market.Snapshot) PyramidDecision {
	d := PyramidDecision{Symbol: rec.Symbol, Price: snap.Close}
	if rec.PyramidCount >= p.MaxPyramids {
		d.Reason = ReasonPyramidMaxed
		return d
	}
	if !rec.HasInitialRisk() {
		d.Reason = ReasonRiskUnknown
		return d
	}
	d.RMultiple = rec.RMultiple(snap.Close)
	if decimalLT(d.RMultiple, p.PyramidRThreshold) {
		d.Reason = ReasonBelowThreshold
		return d
	}
	if ok, reason := p.TrendFilter(snap); !ok {
		d.Reason = reason
		return d
	}
	d.Quantity = p.PyramidQuantity(rec.OriginalQuantity)
	if d.Quantity < 1 {
		d.Reason = ReasonSizeZero
		return d
	}
	d.Add = true
	return d
}

// MarkPyramided records an accepted add. The count never decrements and the
// protective stop is flagged for a resize to the combined quantity.
func (p Params) MarkPyramided(rec *model.PositionRecord) {
	if rec.PyramidCount < p.MaxPyramids {
		rec.PyramidCount++
	}
	rec.StopResizePending = true
}

// BackfillRisk approximates a missing initial risk once, from the current
// ATR. Returns false when nothing changed.
func (p Params) BackfillRisk(rec *model.PositionRecord, atr float64) bool {
	if rec.HasInitialRisk() || atr <= 0 {
		return false
	}
	rec.InitialRiskPerShare = decToFloat(decFromFloat(p.StopATRMult).Mul(decFromFloat(atr)))
	rec.RiskSource = model.RiskSourceBackfilled
	if rec.EntryATR <= 0 {
		rec.EntryATR = atr
	}
	return true
}
