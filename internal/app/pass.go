package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trendpilot/internal/gateway/broker"
	"trendpilot/internal/gateway/notifier"
	"trendpilot/internal/logger"
	"trendpilot/internal/reconcile"
	"trendpilot/internal/store"
	"trendpilot/internal/store/model"
)

const notifyTimeout = 15 * time.Second

// failures collects per-symbol errors that do not abort a pass. An order
// rejection is logged and left for the next scheduled run.
type failures struct {
	Failures   []string
	brokerDown error
}

func (f *failures) fail(symbol, op string, err error) {
	logger.Errorf("%s %s failed: %v", op, symbol, err)
	f.Failures = append(f.Failures, fmt.Sprintf("%s %s: %v", op, symbol, err))
	if errors.Is(err, broker.ErrUnavailable) && f.brokerDown == nil {
		f.brokerDown = err
	}
}

func (f *failures) err() error {
	if f.brokerDown != nil {
		return fmt.Errorf("broker became unavailable during the pass: %w", f.brokerDown)
	}
	return nil
}

func (a *App) observe(ctx context.Context) (reconcile.Observed, error) {
	positions, err := a.broker.Positions(ctx)
	if err != nil {
		return reconcile.Observed{}, fmt.Errorf("list positions: %w", err)
	}
	orders, err := a.broker.OpenOrders(ctx)
	if err != nil {
		return reconcile.Observed{}, fmt.Errorf("list open orders: %w", err)
	}
	return reconcile.Observed{Positions: positions, Orders: orders}, nil
}

func (a *App) tracked(ctx context.Context) (reconcile.Tracked, error) {
	records, err := a.store.Positions().List(ctx)
	if err != nil {
		return reconcile.Tracked{}, fmt.Errorf("load position records: %w", err)
	}
	pending, err := a.store.Pending().List(ctx)
	if err != nil {
		return reconcile.Tracked{}, fmt.Errorf("load pending entries: %w", err)
	}
	return reconcile.Tracked{Records: records, Pending: pending}, nil
}

// persist rewrites tracked state in one transaction. Dry runs never write.
func (a *App) persist(ctx context.Context, records []model.PositionRecord, dropPending []string, newPending []model.PendingEntry) error {
	if a.dryRun {
		logger.Infof("dry run: store not rewritten (%d records, %d pending dropped, %d pending added)",
			len(records), len(dropPending), len(newPending))
		return nil
	}
	uow, err := a.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin store transaction: %w", err)
	}
	rollback := func(err error) error {
		if rerr := uow.Rollback(); rerr != nil {
			logger.Warnf("store rollback failed: %v", rerr)
		}
		return err
	}
	now := a.now().Unix()
	for i := range records {
		if records[i].CreatedAtUnix == 0 {
			records[i].CreatedAtUnix = now
		}
		records[i].UpdatedAtUnix = now
	}
	if err := uow.Positions().ReplaceAll(ctx, records); err != nil {
		return rollback(fmt.Errorf("save position records: %w", err))
	}
	for _, sym := range dropPending {
		if err := uow.Pending().Delete(ctx, sym); err != nil {
			return rollback(fmt.Errorf("drop pending %s: %w", sym, err))
		}
	}
	for i := range newPending {
		if err := uow.Pending().Save(ctx, &newPending[i]); err != nil {
			return rollback(fmt.Errorf("save pending %s: %w", newPending[i].Symbol, err))
		}
	}
	return uow.Commit()
}

func (a *App) journalActions(j *journal, actions []reconcile.Action) {
	for _, act := range actions {
		j.decide(string(act.Kind), act.Symbol,
			"qty", act.Quantity, "stop", act.StopPrice, "price", act.Price, "atr", act.ATR,
			"cancel", strings.Join(act.CancelIDs, ","), "reason", act.Reason)
	}
}

// finishPass writes the run_status row, flushes the journal, records and
// pushes metrics, and notifies on failure or alerts.
func (a *App) finishPass(ctx context.Context, pass string, j *journal, started time.Time, runErr error, summary, alerts []string) {
	finished := a.now()
	ok := runErr == nil
	a.metrics.FinishPass(pass, started, finished, ok)
	if errors.Is(runErr, store.ErrLockHeld) {
		logger.Warnf("%s pass skipped: %v", pass, runErr)
		return
	}
	ctx = context.WithoutCancel(ctx)

	kv := []any{"ok", ok, "duration_ms", finished.Sub(started).Milliseconds(), "summary", strings.Join(summary, "; ")}
	if runErr != nil {
		kv = append(kv, "error", runErr.Error())
	}
	j.Record("run_status", "", kv...)
	if err := j.Flush(ctx, a.store.Journal()); err != nil {
		logger.Errorf("write decision journal failed: %v", err)
	}
	if url := strings.TrimSpace(a.cfg.Metrics.PushgatewayURL); url != "" {
		if err := a.metrics.Push(ctx, url, a.cfg.Metrics.Job, pass); err != nil {
			logger.Warnf("push metrics failed: %v", err)
		}
	}
	if runErr == nil && len(alerts) == 0 {
		return
	}
	msg := notifier.StructuredMessage{
		Icon:      "⚠️",
		Title:     fmt.Sprintf("trendpilot %s pass", pass),
		Sections:  []notifier.MessageSection{{Title: "Alerts", Lines: alerts}, {Title: "Summary", Lines: summary}},
		Timestamp: finished,
	}
	if runErr != nil {
		msg.Icon = "❌"
		msg.Footer = "Error: " + runErr.Error()
	}
	if a.dryRun {
		msg.Title += " (dry run)"
	}
	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := notifier.Send(nctx, a.notifier, msg); err != nil {
		logger.Warnf("send notification failed: %v", err)
	}
}
