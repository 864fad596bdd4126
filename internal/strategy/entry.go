package strategy

import (
	"context"
	"time"

	"trendpilot/internal/gateway/earnings"
	"trendpilot/internal/gateway/regime"
	"trendpilot/internal/market"
)

// Entry rejection reasons beyond the trend filter.
const (
	ReasonNoData          = "no_data"
	ReasonHeld            = "already_held"
	ReasonPending         = "entry_pending"
	ReasonEarningsSoon    = "earnings_soon"
	ReasonEarningsUnknown = "earnings_unavailable"
	ReasonSizeZero        = "size_zero"
	ReasonNoSlots         = "no_slots"
)

// Candidate is one ranked symbol that passed the trend filter.
type Candidate struct {
	Symbol   string
	Rank     int // 1-based position in the provider list
	Snapshot market.Snapshot
}

type Rejection struct {
	Symbol string
	Rank   int
	Reason string
}

// Scan is the preliminary pass over the candidate list. It feeds both the
// breadth block and admission.
type Scan struct {
	Passed      []Candidate // rank order
	Rejected    []Rejection
	Scanned     int // candidates with a snapshot
	AboveLongMA int
}

// Breadth is the fraction of scanned candidates above their own long SMA.
func (s Scan) Breadth() float64 {
	if s.Scanned == 0 {
		return 0
	}
	return float64(s.AboveLongMA) / float64(s.Scanned)
}

// ScanCandidates applies the trend filter in rank order. skip maps symbols
// that must not be entered (held, pending) to a reason; they still count
// towards breadth.
func (p Params) ScanCandidates(symbols []string, batch market.Batch, skip map[string]string) Scan {
	var out Scan
	for i, sym := range symbols {
		rank := i + 1
		snap, ok := batch.Get(sym)
		if !ok {
			out.Rejected = append(out.Rejected, Rejection{Symbol: sym, Rank: rank, Reason: ReasonNoData})
			continue
		}
		out.Scanned++
		if snap.AboveLongMA() {
			out.AboveLongMA++
		}
		if reason, held := skip[sym]; held {
			out.Rejected = append(out.Rejected, Rejection{Symbol: sym, Rank: rank, Reason: reason})
			continue
		}
		if ok, reason := p.TrendFilter(snap); !ok {
			out.Rejected = append(out.Rejected, Rejection{Symbol: sym, Rank: rank, Reason: reason})
			continue
		}
		out.Passed = append(out.Passed, Candidate{Symbol: sym, Rank: rank, Snapshot: snap})
	}
	return out
}

// EntryIntent is a sized breakout entry ready for submission.
type EntryIntent struct {
	Symbol       string
	Rank         int
	Quantity     int
	TriggerPrice float64 // session high
	LimitPrice   float64
	PlannedStop  float64
	ATR          float64
	RiskPerShare float64
	DollarRisk   float64
	Regime       regime.Color
}

// BuildEntry sizes a stop-limit breakout: trigger at the session high, limit
// LIMIT_PRICE_ATR_MULT ATRs above it.
func (p Params) BuildEntry(c Candidate, equity float64, color regime.Color) EntryIntent {
	snap := c.Snapshot
	size := p.PositionSize(equity, snap.ATR)
	trigger := RoundCents(snap.High)
	return EntryIntent{
		Symbol:       c.Symbol,
		Rank:         c.Rank,
		Quantity:     size.Quantity,
		TriggerPrice: trigger,
		LimitPrice:   pricePlusATR(trigger, p.LimitPriceATRMult, snap.ATR),
		PlannedStop:  p.InitialStop(trigger, snap.ATR),
		ATR:          snap.ATR,
		RiskPerShare: size.RiskPerShare,
		DollarRisk:   size.DollarRisk,
		Regime:       color,
	}
}

// Selection is the outcome of admission.
type Selection struct {
	Slots    int
	Intents  []EntryIntent
	Rejected []Rejection
}

// EntryEngine admits candidates in rank order up to the daily slots.
type EntryEngine struct {
	params   Params
	earnings earnings.Provider
	now      func() time.Time
}

func NewEntryEngine(p Params, ev earnings.Provider) *EntryEngine {
	return &EntryEngine{params: p, earnings: ev, now: time.Now}
}

// SetClock overrides the clock used for earnings distance.
func (e *EntryEngine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Slots is min(maxNewToday, MAX_POSITIONS − held), never negative.
func (p Params) Slots(maxNewToday, held int) int {
	slots := p.MaxPositions - held
	if maxNewToday < slots {
		slots = maxNewToday
	}
	if slots < 0 {
		return 0
	}
	return slots
}

// Select walks scan.Passed in rank order. Earnings are looked up lazily so
// the provider is only asked about candidates that could still be admitted;
// a failed lookup skips the candidate.
func (e *EntryEngine) Select(ctx context.Context, scan Scan, equity float64, maxNewToday, held int, color regime.Color) Selection {
	sel := Selection{Slots: e.params.Slots(maxNewToday, held)}
	now := e.now()
	for _, c := range scan.Passed {
		if len(sel.Intents) >= sel.Slots {
			sel.Rejected = append(sel.Rejected, Rejection{Symbol: c.Symbol, Rank: c.Rank, Reason: ReasonNoSlots})
			continue
		}
		if e.earnings != nil {
			ev, err := e.earnings.Next(ctx, c.Symbol)
			if err != nil {
				sel.Rejected = append(sel.Rejected, Rejection{Symbol: c.Symbol, Rank: c.Rank, Reason: ReasonEarningsUnknown})
				continue
			}
			if !ev.AtLeastDaysAway(now, e.params.EarningsMinDays) {
				sel.Rejected = append(sel.Rejected, Rejection{Symbol: c.Symbol, Rank: c.Rank, Reason: ReasonEarningsSoon})
				continue
			}
		}
		intent := e.params.BuildEntry(c, equity, color)
		if intent.Quantity < 1 {
			sel.Rejected = append(sel.Rejected, Rejection{Symbol: c.Symbol, Rank: c.Rank, Reason: ReasonSizeZero})
			continue
		}
		sel.Intents = append(sel.Intents, intent)
	}
	return sel
}
