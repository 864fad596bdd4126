package app

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"trendpilot/internal/executor"
	"trendpilot/internal/gate"
	"trendpilot/internal/gateway/broker"
	"trendpilot/internal/gateway/regime"
	"trendpilot/internal/logger"
	"trendpilot/internal/market"
	"trendpilot/internal/reconcile"
	"trendpilot/internal/store/model"
	"trendpilot/internal/strategy"
)

const (
	blockCandidatesUnavailable = "candidates_unavailable"
	blockCandidateBars         = "candidate_bars_unavailable"
)

// StrategyReport summarizes one daily pass.
type StrategyReport struct {
	failures
	RunID       string
	Gate        gate.Decision
	Scanned     int
	Submitted   []strategy.EntryIntent
	Exits       []string
	StopsPlaced int
	Pyramids    int
	Risk        strategy.RiskSummary
}

func (r *StrategyReport) lines() []string {
	out := []string{
		fmt.Sprintf("gate: %s", r.Gate),
		fmt.Sprintf("scanned=%d submitted=%d exits=%d stops=%d pyramids=%d",
			r.Scanned, len(r.Submitted), len(r.Exits), r.StopsPlaced, r.Pyramids),
		fmt.Sprintf("positions=%d unprotected=%d open_risk=%.2f (%.2f%%)",
			r.Risk.Positions, r.Risk.Unprotected, r.Risk.OpenRisk, r.Risk.RiskPct()),
	}
	for _, e := range r.Exits {
		out = append(out, "exit "+e)
	}
	return append(out, r.Failures...)
}

// StrategyPass runs the daily pass: manage every held position (exits,
// pyramid adds, trailing stops), then, when the gate allows, admit new
// breakout entries. Position management runs whatever the gate says.
// ErrRegimeUnusable is returned after management when the regime signal
// could not be used.
func (a *App) StrategyPass(ctx context.Context) (*StrategyReport, error) {
	started := a.now()
	rep := &StrategyReport{RunID: uuid.NewString()}
	j := newJournal(rep.RunID, PassStrategy, a.dryRun, a.now, a.metrics)
	err := a.withRunLock(ctx, PassStrategy, func(ctx context.Context) error {
		return a.runStrategy(ctx, j, rep)
	})
	a.finishPass(ctx, PassStrategy, j, started, err, rep.lines(), nil)
	return rep, err
}

func (a *App) runStrategy(ctx context.Context, j *journal, rep *StrategyReport) error {
	p := a.params
	now := a.now()
	exec := a.newExecutor(j)

	account, err := a.broker.Account(ctx)
	if err != nil {
		return fmt.Errorf("read account: %w", err)
	}
	observed, err := a.observe(ctx)
	if err != nil {
		return err
	}
	tracked, err := a.tracked(ctx)
	if err != nil {
		return err
	}

	in := reconcile.Inputs{Tracked: tracked, Observed: observed, Now: now}
	bench := a.cfg.Regime.BenchmarkSymbol
	batch, err := a.loader.LoadAll(ctx, appendUnique(reconcile.Symbols(in), bench))
	if err != nil {
		return fmt.Errorf("load bars for held symbols: %w", err)
	}
	in.Snapshots = batch.Snapshots
	synced := reconcile.Sync(p, in)
	a.journalActions(j, synced.Actions)
	for _, issue := range synced.SyncIssues {
		logger.Warnf("strategy: %s", issue)
	}

	sig, sigErr := a.regime.Fetch(ctx)
	benchSnap, benchOK := batch.Get(bench)
	var benchErr error
	if !benchOK {
		benchErr = batch.Failed[bench]
		if benchErr == nil {
			benchErr = fmt.Errorf("no bars for benchmark %s", bench)
		}
	}
	g := gate.New(p)
	decision := g.Evaluate(gate.Inputs{Signal: sig, SignalErr: sigErr, Benchmark: benchSnap, BenchmarkErr: benchErr, Now: now})
	regimeUsable := sigErr == nil && decision.Reason != gate.BlockRegimeStale && decision.Reason != gate.BlockRegimeUnavailable
	var color regime.Color
	if regimeUsable {
		color = sig.Color
	}

	stops := broker.StopsBySymbol(observed.Orders)
	sells := broker.OpenSellsBySymbol(observed.Orders)
	records := make([]model.PositionRecord, 0, len(synced.Records))
	for _, rec := range synced.Records {
		if queued := broker.RemainingQty(sells[rec.Symbol]); queued > 0 && queued >= rec.Quantity-1e-9 {
			j.decide("exit_pending", rec.Symbol, "qty", rec.Quantity, "queued", queued)
			records = append(records, rec)
			continue
		}
		if kept, ok := a.managePosition(ctx, exec, j, rep, rec, stops[rec.Symbol], batch, color); ok {
			records = append(records, kept)
		}
	}

	var newPending []model.PendingEntry
	var entryErr error
	if decision.Allowed {
		decision, newPending, entryErr = a.runEntries(ctx, exec, j, rep, g, decision, account.Equity, observed, tracked, synced, len(records))
	}
	rep.Gate = decision
	j.decide("gate", "", "allowed", decision.Allowed, "max_new_entries", decision.MaxNewEntries,
		"color", string(decision.Color), "reason", decision.Reason, "detail", decision.Detail,
		"breadth", decision.Breadth, "breadth_n", decision.BreadthN,
		"vix", sig.VIXClose, "has_vix", sig.HasVIX, "regime_as_of", sig.AsOf)
	a.metrics.SetGate(decision.Allowed, decision.MaxNewEntries)

	if err := a.persist(ctx, records, synced.DropPending, newPending); err != nil {
		return err
	}

	prices := make(map[string]float64, len(observed.Positions))
	for _, pos := range observed.Positions {
		prices[pos.Symbol] = pos.CurrentPrice
	}
	rep.Risk = strategy.SummarizeRisk(records, prices, account.Equity)
	j.decide("risk_summary", "", "positions", rep.Risk.Positions, "unprotected", rep.Risk.Unprotected,
		"open_risk", rep.Risk.OpenRisk, "risk_pct", rep.Risk.RiskPct(),
		"position_value", rep.Risk.PositionValue, "equity", rep.Risk.Equity)
	a.metrics.SetOpenRiskPct(rep.Risk.RiskPct())
	a.metrics.SetPositions(rep.Risk.Positions, rep.Risk.Unprotected)

	if err := rep.err(); err != nil {
		return err
	}
	if entryErr != nil {
		return entryErr
	}
	if !regimeUsable {
		return fmt.Errorf("%w: %s %s", ErrRegimeUnusable, decision.Reason, decision.Detail)
	}
	return nil
}

// managePosition runs exits, the pyramid add and the trailing stop for one
// record. It returns false when the position is gone.
func (a *App) managePosition(ctx context.Context, exec *executor.Executor, j *journal, rep *StrategyReport,
	rec model.PositionRecord, symStops []broker.Order, batch market.Batch, color regime.Color) (model.PositionRecord, bool) {
	p := a.params
	sym := rec.Symbol
	snap, ok := batch.Get(sym)
	if !ok {
		j.decide("manage_skipped", sym, "reason", strategy.ReasonNoData, "error", batch.Failed[sym])
		return rec, true
	}
	liveStop, stopIDs := stopState(symStops)
	d := p.EvaluateStop(strategy.StopInput{Record: rec, LiveStop: liveStop, Snapshot: snap, Color: color})

	if d.Action.IsExit() {
		j.decide("exit_signal", sym, "action", d.Action.String(), "close", d.Close, "long_ma", d.LongMA,
			"atr", d.ATR, "stop", d.PrevStop, "candidate", d.Candidate, "overextension_mult", p.OverextensionATRMult)
		_, err := exec.ClosePosition(ctx, sym, d.Action.String(), rec.Quantity, stopIDs)
		switch {
		case err == nil:
			rep.Exits = append(rep.Exits, fmt.Sprintf("%s %s", sym, d.Action))
			return rec, false
		case errors.Is(err, executor.ErrPositionGone):
			return rec, false
		default:
			rep.fail(sym, "exit", err)
			strategy.ApplyStop(&rec, strategy.StopDecision{HighWater: d.HighWater})
			return rec, true
		}
	}

	resize := rec.StopResizePending
	addUnfilled := false
	pd := p.EvaluatePyramid(rec, snap)
	if pd.Add {
		filled, err := exec.AddToPosition(ctx, sym, pd.Quantity, pd.RMultiple)
		if err != nil {
			rep.fail(sym, "pyramid", err)
		} else {
			p.MarkPyramided(&rec)
			rep.Pyramids++
			resize = filled > 0
			if filled < float64(pd.Quantity) {
				addUnfilled = true
				j.decide("pyramid_fill_pending", sym, "filled", filled, "qty", pd.Quantity)
			}
		}
	} else if pd.Reason != strategy.ReasonPyramidMaxed {
		logger.Debugf("pyramid %s skipped: %s (r=%.2f)", sym, pd.Reason, pd.RMultiple)
	}

	stopPrice := 0.0
	reason := d.Action.String()
	switch {
	case d.Action.PlacesOrder():
		stopPrice = d.NewStop
	case resize:
		stopPrice = math.Max(d.PrevStop, rec.CurrentStop)
		reason = "pyramid_resize"
	}
	if stopPrice <= 0 {
		strategy.ApplyStop(&rec, d)
		j.decide("stop_hold", sym, "stop", d.PrevStop, "candidate", d.Candidate, "high_water", d.HighWater,
			"mult", d.Mult, "atr", d.ATR, "close", d.Close, "min_move_atr", p.TrailingMinMoveATR)
		return rec, true
	}

	j.decide("stop_update", sym, "action", reason, "prev_stop", d.PrevStop, "new_stop", stopPrice,
		"candidate", d.Candidate, "high_water", d.HighWater, "mult", d.Mult, "atr", d.ATR, "color", string(color))
	qty, err := exec.PlaceStop(ctx, sym, stopPrice, rec.Quantity, reason, stopIDs)
	switch {
	case err == nil:
		if d.Action.PlacesOrder() {
			strategy.ApplyStop(&rec, d)
		} else {
			strategy.ApplyStop(&rec, strategy.StopDecision{HighWater: d.HighWater})
			rec.CurrentStop = math.Max(rec.CurrentStop, stopPrice)
		}
		if qty > 0 {
			rec.Quantity = qty
		}
		rec.MissingStopCycles = 0
		// a stop sized before the add filled still needs the resize
		rec.StopResizePending = addUnfilled
		rep.StopsPlaced++
	case errors.Is(err, executor.ErrPositionGone):
		return rec, false
	default:
		rep.fail(sym, "stop", err)
		strategy.ApplyStop(&rec, strategy.StopDecision{HighWater: d.HighWater})
	}
	return rec, true
}

// runEntries scans the candidate universe, applies the breadth block and
// submits the admitted breakout orders.
func (a *App) runEntries(ctx context.Context, exec *executor.Executor, j *journal, rep *StrategyReport, g *gate.Gate,
	decision gate.Decision, equity float64, observed reconcile.Observed, tracked reconcile.Tracked, synced reconcile.Plan, heldRecords int) (gate.Decision, []model.PendingEntry, error) {
	p := a.params
	closed := func(reason string, err error) gate.Decision {
		decision.Allowed = false
		decision.MaxNewEntries = 0
		decision.Reason = reason
		decision.Detail = err.Error()
		return decision
	}

	list, err := a.candidates.Load(ctx)
	if err != nil {
		logger.Warnf("candidate list unavailable, entries blocked: %v", err)
		return closed(blockCandidatesUnavailable, err), nil, nil
	}

	skip := make(map[string]string, len(observed.Positions)+len(tracked.Records))
	for _, r := range tracked.Records {
		skip[r.Symbol] = strategy.ReasonHeld
	}
	for _, pos := range observed.Positions {
		skip[pos.Symbol] = strategy.ReasonHeld
	}
	dropped := make(map[string]bool, len(synced.DropPending))
	for _, sym := range synced.DropPending {
		dropped[sym] = true
	}
	pendingOpen := 0
	for _, pe := range tracked.Pending {
		if dropped[pe.Symbol] {
			continue
		}
		pendingOpen++
		if _, held := skip[pe.Symbol]; !held {
			skip[pe.Symbol] = strategy.ReasonPending
		}
	}
	for sym := range broker.OpenBuysBySymbol(observed.Orders) {
		if _, held := skip[sym]; !held {
			skip[sym] = strategy.ReasonPending
		}
	}

	batch, err := a.loader.LoadAll(ctx, list.Symbols)
	if err != nil {
		return closed(blockCandidateBars, err), nil, fmt.Errorf("load candidate bars: %w", err)
	}
	scan := p.ScanCandidates(list.Symbols, batch, skip)
	rep.Scanned = scan.Scanned
	for _, r := range scan.Rejected {
		j.Record("candidate_rejected", r.Symbol, "rank", r.Rank, "reason", r.Reason)
	}
	decision = g.ApplyBreadth(decision, scan)
	if !decision.Allowed {
		return decision, nil, nil
	}

	engine := strategy.NewEntryEngine(p, a.earnings)
	engine.SetClock(a.now)
	sel := engine.Select(ctx, scan, equity, decision.MaxNewEntries, heldRecords+pendingOpen, decision.Color)
	for _, r := range sel.Rejected {
		j.decide("candidate_rejected", r.Symbol, "rank", r.Rank, "reason", r.Reason)
	}
	j.decide("entry_slots", "", "slots", sel.Slots, "held", heldRecords, "pending", pendingOpen,
		"max_new_entries", decision.MaxNewEntries, "max_positions", p.MaxPositions, "admitted", len(sel.Intents))

	var pending []model.PendingEntry
	for _, in := range sel.Intents {
		order, err := exec.SubmitEntry(ctx, in)
		if err != nil {
			rep.fail(in.Symbol, "entry", err)
			continue
		}
		rep.Submitted = append(rep.Submitted, in)
		pending = append(pending, model.PendingEntry{
			Symbol:        in.Symbol,
			OrderID:       order.ID,
			ClientOrderID: order.ClientOrderID,
			Quantity:      float64(in.Quantity),
			TriggerPrice:  in.TriggerPrice,
			LimitPrice:    in.LimitPrice,
			ATR:           in.ATR,
			PlannedStop:   in.PlannedStop,
			Regime:        string(in.Regime),
			SubmittedUnix: a.now().Unix(),
		})
	}
	return decision, pending, nil
}

func stopState(orders []broker.Order) (float64, []string) {
	maxStop := 0.0
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		maxStop = math.Max(maxStop, o.StopPrice)
		ids = append(ids, o.ID)
	}
	return maxStop, ids
}

func appendUnique(list []string, sym string) []string {
	if sym == "" {
		return list
	}
	for _, s := range list {
		if s == sym {
			return list
		}
	}
	return append(list, sym)
}
