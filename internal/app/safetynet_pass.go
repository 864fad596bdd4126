package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"trendpilot/internal/executor"
	"trendpilot/internal/gateway/earnings"
	"trendpilot/internal/logger"
	"trendpilot/internal/reconcile"
	"trendpilot/internal/store/model"
)

// SafetyNetReport summarizes one reconciliation pass.
type SafetyNetReport struct {
	failures
	RunID    string
	Plan     reconcile.Plan
	Executed int
	Closed   []string
	Alerts   []string
}

func (r *SafetyNetReport) lines() []string {
	out := []string{
		fmt.Sprintf("actions=%d executed=%d closed=%d alerts=%d",
			len(r.Plan.Actions), r.Executed, len(r.Closed), len(r.Alerts)),
	}
	for _, c := range r.Closed {
		out = append(out, "closed "+c)
	}
	return append(out, r.Failures...)
}

// SafetyNetPass reconciles live positions with tracked records: it restores
// missing stops, resizes stops that no longer match the live quantity and
// forces exits ahead of imminent earnings. It never consults the regime gate.
func (a *App) SafetyNetPass(ctx context.Context) (*SafetyNetReport, error) {
	started := a.now()
	rep := &SafetyNetReport{RunID: uuid.NewString()}
	j := newJournal(rep.RunID, PassSafetyNet, a.dryRun, a.now, a.metrics)
	err := a.withRunLock(ctx, PassSafetyNet, func(ctx context.Context) error {
		return a.runSafetyNet(ctx, j, rep)
	})
	a.finishPass(ctx, PassSafetyNet, j, started, err, rep.lines(), rep.Alerts)
	return rep, err
}

func (a *App) runSafetyNet(ctx context.Context, j *journal, rep *SafetyNetReport) error {
	now := a.now()
	exec := a.newExecutor(j)

	observed, err := a.observe(ctx)
	if err != nil {
		return err
	}
	tracked, err := a.tracked(ctx)
	if err != nil {
		return err
	}
	var longs []string
	for _, pos := range observed.Positions {
		if pos.Qty > 0 {
			longs = append(longs, pos.Symbol)
		}
	}
	batch, err := a.loader.LoadAll(ctx, longs)
	if err != nil {
		return fmt.Errorf("load bars for held symbols: %w", err)
	}
	for _, sym := range batch.FailedSymbols() {
		logger.Warnf("safetynet: no indicator snapshot for %s: %v", sym, batch.Failed[sym])
	}

	plan := reconcile.Build(a.params, reconcile.Inputs{
		Tracked:   tracked,
		Observed:  observed,
		Snapshots: batch.Snapshots,
		Earnings:  a.lookupEarnings(ctx, j, longs),
		Now:       now,
	})
	rep.Plan = plan
	for _, issue := range plan.SyncIssues {
		logger.Warnf("safetynet: %s", issue)
		j.Record("sync_issue", "", "detail", issue)
	}
	a.journalActions(j, plan.Actions)

	gone := make(map[string]bool)
	for _, act := range plan.Actions {
		if !act.TouchesBroker() {
			if act.Kind == reconcile.KindMissingStopAlert {
				rep.Alerts = append(rep.Alerts, fmt.Sprintf("%s qty=%g: %s", act.Symbol, act.Quantity, act.Reason))
			}
			continue
		}
		if gone[act.Symbol] {
			continue
		}
		var err error
		switch {
		case act.ClosesPosition():
			_, err = exec.ClosePosition(ctx, act.Symbol, string(act.Kind), act.Quantity, act.CancelIDs)
			if err == nil {
				gone[act.Symbol] = true
				rep.Closed = append(rep.Closed, fmt.Sprintf("%s %s (%s)", act.Symbol, act.Kind, act.Reason))
				if act.Kind == reconcile.KindEarningsExit {
					rep.Alerts = append(rep.Alerts, fmt.Sprintf("forced earnings exit %s qty=%g: %s", act.Symbol, act.Quantity, act.Reason))
				}
			}
		case act.Kind == reconcile.KindCancelOrphanStops:
			err = exec.CancelOrders(ctx, act.Symbol, act.CancelIDs, act.Reason)
		default:
			_, err = exec.PlaceStop(ctx, act.Symbol, act.StopPrice, act.Quantity, string(act.Kind), act.CancelIDs)
		}
		switch {
		case err == nil:
			rep.Executed++
		case errors.Is(err, executor.ErrPositionGone):
			gone[act.Symbol] = true
		default:
			rep.fail(act.Symbol, string(act.Kind), err)
		}
	}

	records := make([]model.PositionRecord, 0, len(plan.Records))
	for _, rec := range plan.Records {
		if !gone[rec.Symbol] {
			records = append(records, rec)
		}
	}
	if err := a.persist(ctx, records, plan.DropPending, nil); err != nil {
		return err
	}
	a.metrics.SetPositions(len(records), plan.Count(reconcile.KindRestoreStop)+plan.Count(reconcile.KindMissingStopAlert))
	return rep.err()
}

// lookupEarnings fetches the next report per held symbol. A failed lookup
// leaves the symbol out, so it is not force-exited on missing data.
func (a *App) lookupEarnings(ctx context.Context, j *journal, symbols []string) map[string]earnings.Event {
	out := make(map[string]earnings.Event, len(symbols))
	for _, sym := range symbols {
		ev, err := a.earnings.Next(ctx, sym)
		if err != nil {
			j.decide("earnings_unavailable", sym, "error", err)
			continue
		}
		out[sym] = ev
	}
	return out
}
