// Package reconcile compares the tracked view (local records, pending
// entries) with the observed view (broker positions and orders) and returns
// the corrective actions. It performs no I/O: the broker always wins, and
// every rule is testable without a live API.
package reconcile

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"trendpilot/internal/gateway/broker"
	"trendpilot/internal/gateway/earnings"
	"trendpilot/internal/market"
	"trendpilot/internal/store/model"
	"trendpilot/internal/strategy"
)

// Kind names a corrective action.
type Kind string

const (
	KindAdoptPending      Kind = "adopt_pending"
	KindAdoptUntracked    Kind = "adopt_untracked"
	KindDropVanished      Kind = "drop_vanished"
	KindDropPending       Kind = "drop_pending"
	KindRestoreStop       Kind = "restore_stop"
	KindResizeStop        Kind = "resize_stop"
	KindCloseBreached     Kind = "stop_breached"
	KindEarningsExit      Kind = "earnings_exit"
	KindEarningsHold      Kind = "earnings_hold"
	KindCancelOrphanStops Kind = "cancel_orphan_stops"
	KindMissingStopAlert  Kind = "missing_stop_alert"
	KindSkipShort         Kind = "skip_short"
	KindExitPending       Kind = "exit_pending"
)

// Action is one correction. Broker-facing kinds carry what the executor
// needs; the rest only change tracked state or raise an alert.
type Action struct {
	Kind      Kind
	Symbol    string
	Quantity  float64 // live quantity to protect or close
	StopPrice float64
	CancelIDs []string // resting stops to cancel first
	Price     float64
	ATR       float64
	Reason    string
}

// TouchesBroker reports whether executing the action submits or cancels orders.
func (a Action) TouchesBroker() bool {
	switch a.Kind {
	case KindRestoreStop, KindResizeStop, KindCloseBreached, KindEarningsExit, KindCancelOrphanStops:
		return true
	default:
		return false
	}
}

// ClosesPosition reports whether the action sells the whole position.
func (a Action) ClosesPosition() bool {
	return a.Kind == KindCloseBreached || a.Kind == KindEarningsExit
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s qty=%g stop=%.2f %s", a.Kind, a.Symbol, a.Quantity, a.StopPrice, a.Reason)
}

// Tracked is the local view.
type Tracked struct {
	Records []model.PositionRecord
	Pending []model.PendingEntry
}

// Observed is the broker view, read at the start of the pass.
type Observed struct {
	Positions []broker.Position
	Orders    []broker.Order
}

// Inputs bundles both views plus per-symbol market data. A symbol missing
// from Snapshots has no ATR; a symbol missing from Earnings is not reviewed
// for a forced exit.
type Inputs struct {
	Tracked   Tracked
	Observed  Observed
	Snapshots map[string]market.Snapshot
	Earnings  map[string]earnings.Event
	Now       time.Time
}

// Plan is the result: actions in symbol order and the tracked records as
// they should be stored once the actions succeed.
type Plan struct {
	Actions     []Action
	Records     []model.PositionRecord
	DropPending []string
	SyncIssues  []string
}

// Count returns how many actions of kind k the plan holds.
func (p Plan) Count(k Kind) int {
	n := 0
	for _, a := range p.Actions {
		if a.Kind == k {
			n++
		}
	}
	return n
}

// BrokerActions filters actions that submit or cancel orders.
func (p Plan) BrokerActions() []Action {
	var out []Action
	for _, a := range p.Actions {
		if a.TouchesBroker() {
			out = append(out, a)
		}
	}
	return out
}

type view struct {
	records  map[string]model.PositionRecord
	pending  map[string]model.PendingEntry
	live     map[string]broker.Position
	stops    map[string][]broker.Order
	openBuys map[string][]broker.Order
	sells    map[string][]broker.Order
	now      time.Time
}

func newView(in Inputs) view {
	v := view{
		records:  make(map[string]model.PositionRecord, len(in.Tracked.Records)),
		pending:  make(map[string]model.PendingEntry, len(in.Tracked.Pending)),
		live:     make(map[string]broker.Position, len(in.Observed.Positions)),
		stops:    broker.StopsBySymbol(in.Observed.Orders),
		openBuys: broker.OpenBuysBySymbol(in.Observed.Orders),
		sells:    broker.OpenSellsBySymbol(in.Observed.Orders),
		now:      in.Now,
	}
	if v.now.IsZero() {
		v.now = time.Now()
	}
	for _, r := range in.Tracked.Records {
		v.records[r.Symbol] = r
	}
	for _, p := range in.Tracked.Pending {
		v.pending[p.Symbol] = p
	}
	for _, p := range in.Observed.Positions {
		v.live[p.Symbol] = p
	}
	return v
}

// syncRecord returns the record for a live long position with quantity,
// high water and initial risk refreshed from the broker view. Untracked
// positions are adopted.
func (v view) syncRecord(params strategy.Params, pos broker.Position, in Inputs, plan *Plan) (model.PositionRecord, float64, market.Snapshot, bool) {
	sym := pos.Symbol
	snap, hasSnap := in.Snapshots[sym]
	price := pos.CurrentPrice
	if price <= 0 && hasSnap {
		price = snap.Close
	}
	rec, tracked := v.records[sym]
	if !tracked {
		var adopt Action
		rec, adopt = adoptRecord(params, pos, v.pending, snap, hasSnap, v.now)
		plan.Actions = append(plan.Actions, adopt)
	}
	if _, ok := v.pending[sym]; ok {
		plan.DropPending = append(plan.DropPending, sym)
	}
	if rec.Quantity != pos.Qty {
		if tracked {
			plan.SyncIssues = append(plan.SyncIssues, fmt.Sprintf("%s: tracked qty %g, live qty %g (using live)", sym, rec.Quantity, pos.Qty))
		}
		rec.Quantity = pos.Qty
	}
	if price > rec.HighestPrice {
		rec.HighestPrice = price
	}
	if hasSnap {
		params.BackfillRisk(&rec, snap.ATR)
	}
	return rec, price, snap, hasSnap
}

// exitQueued reports whether open non-stop sells already cover the live
// quantity. Such a position is being closed and needs no stop.
func (v view) exitQueued(pos broker.Position) (float64, bool) {
	queued := broker.RemainingQty(v.sells[pos.Symbol])
	return queued, queued > 0 && queued >= pos.Qty-1e-9
}

// housekeeping drops records without a live position and pending entries
// whose order died unfilled. Orphan stops are only cancelled when
// cancelOrphans is set.
func (v view) housekeeping(plan *Plan, cancelOrphans bool) {
	for _, sym := range sortedKeys(v.records) {
		if _, held := v.live[sym]; held {
			continue
		}
		plan.Actions = append(plan.Actions, Action{Kind: KindDropVanished, Symbol: sym, Reason: "no live position"})
	}
	if cancelOrphans {
		for _, sym := range sortedKeys(v.stops) {
			if pos, held := v.live[sym]; held && pos.Qty > 0 {
				continue
			}
			plan.Actions = append(plan.Actions, Action{
				Kind: KindCancelOrphanStops, Symbol: sym, CancelIDs: orderIDs(v.stops[sym]),
				Reason: "sell stop resting without a long position",
			})
		}
	}
	for _, sym := range sortedKeys(v.pending) {
		if _, held := v.live[sym]; held {
			continue
		}
		if hasOrder(v.openBuys[sym], v.pending[sym].OrderID) {
			continue
		}
		plan.DropPending = append(plan.DropPending, sym)
		plan.Actions = append(plan.Actions, Action{Kind: KindDropPending, Symbol: sym, Reason: "entry order no longer open and nothing filled"})
	}
	sort.Strings(plan.DropPending)
	sort.SliceStable(plan.Actions, func(i, j int) bool { return plan.Actions[i].Symbol < plan.Actions[j].Symbol })
	sort.Slice(plan.Records, func(i, j int) bool { return plan.Records[i].Symbol < plan.Records[j].Symbol })
}

// Sync only brings the tracked records in line with the broker: adoption,
// live quantity, high water, risk backfill and dropping vanished rows. It
// never plans an order. The strategy pass starts from it and leaves stop
// restoration to its own stop engine.
func Sync(params strategy.Params, in Inputs) Plan {
	var plan Plan
	v := newView(in)
	for _, sym := range sortedKeys(v.live) {
		pos := v.live[sym]
		if pos.Qty <= 0 {
			plan.Actions = append(plan.Actions, Action{Kind: KindSkipShort, Symbol: sym, Quantity: pos.Qty, Reason: "long-only controller"})
			continue
		}
		rec, _, _, _ := v.syncRecord(params, pos, in, &plan)
		plan.Records = append(plan.Records, rec)
	}
	v.housekeeping(&plan, false)
	return plan
}

// Build computes the full safety-net plan.
func Build(params strategy.Params, in Inputs) Plan {
	var plan Plan
	v := newView(in)
	now := v.now

	for _, sym := range sortedKeys(v.live) {
		pos := v.live[sym]
		if pos.Qty <= 0 {
			plan.Actions = append(plan.Actions, Action{Kind: KindSkipShort, Symbol: sym, Quantity: pos.Qty, Reason: "long-only controller"})
			continue
		}
		rec, price, snap, hasSnap := v.syncRecord(params, pos, in, &plan)

		if queued, ok := v.exitQueued(pos); ok {
			plan.Actions = append(plan.Actions, Action{
				Kind: KindExitPending, Symbol: sym, Quantity: pos.Qty, Price: price,
				Reason: fmt.Sprintf("sell for %g already queued at the broker", queued),
			})
			plan.Records = append(plan.Records, rec)
			continue
		}

		symStops := v.stops[sym]
		liveStop, stopQty := summarizeStops(symStops)

		if ev, ok := in.Earnings[sym]; ok && ev.Imminent(now) {
			entry := pos.AvgEntryPrice
			if entry <= 0 {
				entry = rec.EntryPrice
			}
			profit := price - entry
			atr := 0.0
			if hasSnap {
				atr = snap.ATR
			}
			if atr > 0 && profit >= params.EarningsProfitATR*atr {
				plan.Actions = append(plan.Actions, Action{
					Kind: KindEarningsHold, Symbol: sym, Quantity: pos.Qty, Price: price, ATR: atr,
					Reason: fmt.Sprintf("%s %s: profit %.2f ATR >= %.1f", ev.Date.Format("2006-01-02"), sessionName(ev.Session), profit/atr, params.EarningsProfitATR),
				})
			} else {
				plan.Actions = append(plan.Actions, Action{
					Kind: KindEarningsExit, Symbol: sym, Quantity: pos.Qty, Price: price, ATR: atr,
					CancelIDs: orderIDs(symStops),
					Reason:    fmt.Sprintf("%s %s: %s", ev.Date.Format("2006-01-02"), sessionName(ev.Session), profitText(profit, atr, params.EarningsProfitATR)),
				})
				plan.Records = append(plan.Records, rec)
				continue
			}
		}

		switch {
		case len(symStops) == 0:
			rec.MissingStopCycles++
			act := restoreAction(params, sym, pos.Qty, price, rec, snap, hasSnap)
			plan.Actions = append(plan.Actions, act)
			if act.Kind == KindRestoreStop || act.Kind == KindCloseBreached {
				rec.CurrentStop = math.Max(rec.CurrentStop, act.StopPrice)
			}
			if params.MissingStopCycles > 0 && rec.MissingStopCycles >= params.MissingStopCycles && act.Kind != KindMissingStopAlert {
				plan.Actions = append(plan.Actions, Action{
					Kind: KindMissingStopAlert, Symbol: sym, Quantity: pos.Qty, Price: price,
					Reason: fmt.Sprintf("stop missing for %d consecutive passes", rec.MissingStopCycles),
				})
			}
		case stopQty != pos.Qty:
			stopPrice := math.Max(liveStop, rec.CurrentStop)
			if stopPrice >= price && price > 0 {
				plan.Actions = append(plan.Actions, Action{
					Kind: KindCloseBreached, Symbol: sym, Quantity: pos.Qty, StopPrice: stopPrice, Price: price,
					CancelIDs: orderIDs(symStops), Reason: "stop at or above last price while resizing",
				})
			} else {
				plan.Actions = append(plan.Actions, Action{
					Kind: KindResizeStop, Symbol: sym, Quantity: pos.Qty, StopPrice: stopPrice, Price: price,
					CancelIDs: orderIDs(symStops),
					Reason:    fmt.Sprintf("stop qty %g != live qty %g", stopQty, pos.Qty),
				})
			}
			rec.CurrentStop = stopPrice
			rec.MissingStopCycles = 0
			rec.StopResizePending = false
		default:
			if rec.HasStop() && !nearlyEqual(rec.CurrentStop, liveStop) {
				plan.SyncIssues = append(plan.SyncIssues, fmt.Sprintf("%s: tracked stop %.2f, live stop %.2f", sym, rec.CurrentStop, liveStop))
			}
			rec.CurrentStop = math.Max(rec.CurrentStop, liveStop)
			rec.MissingStopCycles = 0
			rec.StopResizePending = false
		}
		plan.Records = append(plan.Records, rec)
	}

	v.housekeeping(&plan, true)
	return plan
}

func adoptRecord(params strategy.Params, pos broker.Position, pending map[string]model.PendingEntry, snap market.Snapshot, hasSnap bool, now time.Time) (model.PositionRecord, Action) {
	rec := model.PositionRecord{
		Symbol:           pos.Symbol,
		EntryPrice:       pos.AvgEntryPrice,
		Quantity:         pos.Qty,
		OriginalQuantity: pos.Qty,
		HighestPrice:     math.Max(pos.AvgEntryPrice, pos.CurrentPrice),
		EntryTimestamp:   now.Unix(),
	}
	if pe, ok := pending[pos.Symbol]; ok && pe.ATR > 0 {
		rec.EntryATR = pe.ATR
		rec.InitialRiskPerShare = params.StopATRMult * pe.ATR
		rec.RiskSource = model.RiskSourceEntry
		rec.EntryRegime = pe.Regime
		// the stop planned at entry is the floor of the first protective stop
		rec.CurrentStop = math.Max(rec.CurrentStop, pe.PlannedStop)
		if pe.SubmittedUnix > 0 {
			rec.EntryTimestamp = pe.SubmittedUnix
		}
		return rec, Action{Kind: KindAdoptPending, Symbol: pos.Symbol, Quantity: pos.Qty, Price: pos.AvgEntryPrice, ATR: pe.ATR, Reason: "entry fill observed"}
	}
	atr := 0.0
	if hasSnap {
		atr = snap.ATR
		params.BackfillRisk(&rec, atr)
	}
	return rec, Action{Kind: KindAdoptUntracked, Symbol: pos.Symbol, Quantity: pos.Qty, Price: pos.AvgEntryPrice, ATR: atr, Reason: "live position without a record"}
}

// restoreAction places a fresh stop at max(price − STOP_ATR_MULT × ATR,
// recorded stop). A stop at or above the last price would fire at once, so
// the position is closed instead.
func restoreAction(params strategy.Params, sym string, qty, price float64, rec model.PositionRecord, snap market.Snapshot, hasSnap bool) Action {
	stop := rec.CurrentStop
	atr := 0.0
	if hasSnap && snap.ATR > 0 && price > 0 {
		atr = snap.ATR
		stop = math.Max(stop, strategy.RoundCents(price-params.StopATRMult*atr))
	}
	switch {
	case stop <= 0:
		return Action{Kind: KindMissingStopAlert, Symbol: sym, Quantity: qty, Price: price, Reason: "no ATR and no recorded stop; cannot size a stop"}
	case price > 0 && stop >= price:
		return Action{Kind: KindCloseBreached, Symbol: sym, Quantity: qty, StopPrice: stop, Price: price, ATR: atr, Reason: "restored stop would be at or above last price"}
	default:
		return Action{Kind: KindRestoreStop, Symbol: sym, Quantity: qty, StopPrice: stop, Price: price, ATR: atr, Reason: "no active protective order"}
	}
}

func summarizeStops(orders []broker.Order) (maxPrice, qty float64) {
	for _, o := range orders {
		if o.StopPrice > maxPrice {
			maxPrice = o.StopPrice
		}
		qty += o.Qty - o.FilledQty
	}
	return maxPrice, qty
}

func orderIDs(orders []broker.Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}

func hasOrder(orders []broker.Order, id string) bool {
	for _, o := range orders {
		if id == "" || o.ID == id {
			return true
		}
	}
	return false
}

func nearlyEqual(a, b float64) bool { return math.Abs(a-b) < 0.005 }

func sessionName(s model.EarningsSession) string {
	switch s {
	case model.SessionBeforeOpen:
		return "before open"
	case model.SessionAfterClose:
		return "after close"
	case model.SessionDuringHours:
		return "during hours"
	default:
		return "time unknown"
	}
}

func profitText(profit, atr, threshold float64) string {
	if atr <= 0 {
		return fmt.Sprintf("profit %.2f/share, ATR unknown", profit)
	}
	return fmt.Sprintf("profit %.2f ATR < %.1f", profit/atr, threshold)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Symbols returns the union of live and tracked symbols, upper-cased.
func Symbols(in Inputs) []string {
	seen := map[string]struct{}{}
	for _, p := range in.Observed.Positions {
		seen[strings.ToUpper(p.Symbol)] = struct{}{}
	}
	for _, r := range in.Tracked.Records {
		seen[strings.ToUpper(r.Symbol)] = struct{}{}
	}
	return sortedKeys(seen)
}
