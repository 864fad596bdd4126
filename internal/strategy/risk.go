package strategy

import (
	"math"

	"trendpilot/internal/store/model"
)

// RiskSummary aggregates open risk across tracked positions.
type RiskSummary struct {
	Positions     int
	Unprotected   int
	OpenRisk      float64 // Σ max(0, entry − stop) × qty
	PositionValue float64
	Equity        float64
}

// RiskPct is open risk as a percent of equity.
func (r RiskSummary) RiskPct() float64 {
	if r.Equity <= 0 {
		return 0
	}
	return r.OpenRisk / r.Equity * 100
}

// SummarizeRisk uses prices when present and the entry price otherwise.
func SummarizeRisk(recs []model.PositionRecord, prices map[string]float64, equity float64) RiskSummary {
	out := RiskSummary{Equity: equity}
	for _, rec := range recs {
		out.Positions++
		price := prices[rec.Symbol]
		if price <= 0 {
			price = rec.EntryPrice
		}
		out.PositionValue += price * rec.Quantity
		if !rec.HasStop() {
			out.Unprotected++
			continue
		}
		out.OpenRisk += math.Max(0, rec.EntryPrice-rec.CurrentStop) * rec.Quantity
	}
	out.OpenRisk = RoundCents(out.OpenRisk)
	out.PositionValue = RoundCents(out.PositionValue)
	return out
}
