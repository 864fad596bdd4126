// Package executor turns planned intents into broker calls. Every
// quantity-dependent order re-reads the live position first; the cached
// record is only used to detect and log a mismatch.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"trendpilot/internal/gateway/broker"
	"trendpilot/internal/logger"
	"trendpilot/internal/metrics"
	"trendpilot/internal/strategy"
)

// ErrPositionGone means the position vanished (stop filled, manual close)
// between planning and acting. Callers skip the symbol.
var ErrPositionGone = errors.New("position no longer held")

const (
	defaultFillWait     = 10 * time.Second
	defaultPollInterval = 500 * time.Millisecond
	clientIDPrefix      = "tp"
)

// Recorder receives one record per decision. The app journal implements it.
type Recorder interface {
	Record(kind, symbol string, kv ...any)
}

// LogRecorder only writes decision log lines.
type LogRecorder struct{}

func (LogRecorder) Record(kind, symbol string, kv ...any) {
	logger.Decision(kind, symbol, kv...)
}

type Options struct {
	DryRun       bool
	FillWait     time.Duration
	PollInterval time.Duration
	Recorder     Recorder
	Metrics      *metrics.Metrics
}

type Executor struct {
	broker broker.Broker
	opts   Options
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(b broker.Broker, opts Options) *Executor {
	if opts.FillWait <= 0 {
		opts.FillWait = defaultFillWait
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Recorder == nil {
		opts.Recorder = LogRecorder{}
	}
	return &Executor{broker: b, opts: opts, sleep: sleepCtx}
}

func (e *Executor) DryRun() bool { return e.opts.DryRun }

func (e *Executor) record(kind, symbol string, kv ...any) {
	e.opts.Recorder.Record(kind, symbol, kv...)
	e.opts.Metrics.ObserveDecision(kind)
}

func newClientID(kind string) string {
	return fmt.Sprintf("%s-%s-%s", clientIDPrefix, kind, uuid.NewString())
}

// SubmitEntry places the breakout stop-limit buy. The protective stop is
// placed by a later pass once the fill is observed.
func (e *Executor) SubmitEntry(ctx context.Context, in strategy.EntryIntent) (broker.Order, error) {
	req := broker.OrderRequest{
		Symbol:        in.Symbol,
		Side:          broker.SideBuy,
		Type:          broker.OrderTypeStopLimit,
		Qty:           float64(in.Quantity),
		StopPrice:     in.TriggerPrice,
		LimitPrice:    in.LimitPrice,
		TimeInForce:   "day",
		ClientOrderID: newClientID("entry"),
	}
	kv := []any{"qty", in.Quantity, "trigger", in.TriggerPrice, "limit", in.LimitPrice,
		"planned_stop", in.PlannedStop, "atr", in.ATR, "risk_per_share", in.RiskPerShare,
		"dollar_risk", in.DollarRisk, "rank", in.Rank, "regime", string(in.Regime)}
	if e.opts.DryRun {
		e.record("entry_submit", in.Symbol, kv...)
		e.opts.Metrics.ObserveDryRunOrder("entry")
		return broker.Order{ID: "dry-run-" + req.ClientOrderID, ClientOrderID: req.ClientOrderID, Symbol: in.Symbol,
			Side: req.Side, Type: req.Type, Qty: req.Qty, StopPrice: req.StopPrice, LimitPrice: req.LimitPrice, Status: broker.StatusNew}, nil
	}
	order, err := e.broker.SubmitOrder(ctx, req)
	e.opts.Metrics.ObserveOrder("entry", err)
	if err != nil {
		e.record("entry_rejected", in.Symbol, append(kv, "error", err.Error())...)
		return broker.Order{}, err
	}
	e.record("entry_submit", in.Symbol, append(kv, "order_id", order.ID)...)
	return order, nil
}

// livePosition re-reads the position and logs a mismatch with cached.
func (e *Executor) livePosition(ctx context.Context, symbol string, cached float64) (broker.Position, error) {
	pos, err := e.broker.Position(ctx, symbol)
	if errors.Is(err, broker.ErrNotFound) || (err == nil && pos.Qty <= 0) {
		return broker.Position{}, fmt.Errorf("%s: %w", symbol, ErrPositionGone)
	}
	if err != nil {
		return broker.Position{}, err
	}
	if cached > 0 && math.Abs(cached-pos.Qty) > 1e-9 {
		logger.Warnf("executor: %s qty mismatch, cached=%g live=%g, using live", symbol, cached, pos.Qty)
	}
	return pos, nil
}

// openStops re-reads resting stops for symbol, merging ids known from planning.
func (e *Executor) openStops(ctx context.Context, symbol string, known []string) ([]broker.Order, error) {
	orders, err := e.broker.OpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	var out []broker.Order
	seen := map[string]bool{}
	for _, o := range broker.StopsBySymbol(orders)[symbol] {
		out = append(out, o)
		seen[o.ID] = true
	}
	for _, id := range known {
		if id != "" && !seen[id] {
			out = append(out, broker.Order{ID: id, Symbol: symbol})
		}
	}
	return out, nil
}

// cancelAll cancels orders; an order that is already gone is not an error.
func (e *Executor) cancelAll(ctx context.Context, symbol string, orders []broker.Order) error {
	for _, o := range orders {
		err := e.broker.CancelOrder(ctx, o.ID)
		e.opts.Metrics.ObserveOrder("cancel", err)
		if err != nil && !errors.Is(err, broker.ErrNotFound) {
			return fmt.Errorf("cancel %s for %s: %w", o.ID, symbol, err)
		}
	}
	return nil
}

// PlaceStop replaces every resting stop on symbol with one stop covering the
// live quantity. Existing stops are cancelled first because the broker holds
// shares behind them. If the new stop is refused, the previous stop price is
// restored so the position is not left naked. Returns the protected quantity.
func (e *Executor) PlaceStop(ctx context.Context, symbol string, stopPrice, cachedQty float64, reason string, knownStops []string) (float64, error) {
	pos, err := e.livePosition(ctx, symbol, cachedQty)
	if err != nil {
		if errors.Is(err, ErrPositionGone) {
			e.record("stop_skipped", symbol, "reason", "position_gone", "stop", stopPrice)
		}
		return 0, err
	}
	stopPrice = strategy.RoundCents(stopPrice)
	kv := []any{"qty", pos.Qty, "stop", stopPrice, "price", pos.CurrentPrice, "reason", reason}
	if e.opts.DryRun {
		e.record("stop_replace", symbol, kv...)
		e.opts.Metrics.ObserveDryRunOrder("stop")
		return pos.Qty, nil
	}
	existing, err := e.openStops(ctx, symbol, knownStops)
	if err != nil {
		return 0, err
	}
	prev := 0.0
	for _, o := range existing {
		prev = math.Max(prev, o.StopPrice)
	}
	if err := e.cancelAll(ctx, symbol, existing); err != nil {
		e.record("stop_failed", symbol, append(kv, "error", err.Error())...)
		return 0, err
	}
	order, err := e.submitStop(ctx, symbol, pos.Qty, stopPrice)
	if err != nil {
		e.record("stop_failed", symbol, append(kv, "error", err.Error(), "previous_stop", prev)...)
		if prev > 0 && prev < stopPrice {
			if _, rerr := e.submitStop(ctx, symbol, pos.Qty, prev); rerr != nil {
				logger.Errorf("executor: %s unprotected, restoring stop %.2f failed: %v", symbol, prev, rerr)
			} else {
				e.record("stop_restored", symbol, "qty", pos.Qty, "stop", prev)
			}
		}
		return 0, err
	}
	e.record("stop_replace", symbol, append(kv, "order_id", order.ID, "previous_stop", prev)...)
	return pos.Qty, nil
}

func (e *Executor) submitStop(ctx context.Context, symbol string, qty, stopPrice float64) (broker.Order, error) {
	order, err := e.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:        symbol,
		Side:          broker.SideSell,
		Type:          broker.OrderTypeStop,
		Qty:           qty,
		StopPrice:     stopPrice,
		TimeInForce:   "gtc",
		ClientOrderID: newClientID("stop"),
	})
	e.opts.Metrics.ObserveOrder("stop", err)
	return order, err
}

// ClosePosition cancels resting stops and sells the live quantity at market.
func (e *Executor) ClosePosition(ctx context.Context, symbol, reason string, cachedQty float64, knownStops []string) (float64, error) {
	pos, err := e.livePosition(ctx, symbol, cachedQty)
	if err != nil {
		if errors.Is(err, ErrPositionGone) {
			e.record("exit_skipped", symbol, "reason", reason, "detail", "position_gone")
		}
		return 0, err
	}
	kv := []any{"qty", pos.Qty, "price", pos.CurrentPrice, "avg_entry", pos.AvgEntryPrice,
		"unrealized_pl", pos.UnrealizedPL, "reason", reason}
	if e.opts.DryRun {
		e.record("exit", symbol, kv...)
		e.opts.Metrics.ObserveDryRunOrder("exit")
		return pos.Qty, nil
	}
	existing, err := e.openStops(ctx, symbol, knownStops)
	if err != nil {
		return 0, err
	}
	if err := e.cancelAll(ctx, symbol, existing); err != nil {
		e.record("exit_failed", symbol, append(kv, "error", err.Error())...)
		return 0, err
	}
	order, err := e.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:        symbol,
		Side:          broker.SideSell,
		Type:          broker.OrderTypeMarket,
		Qty:           pos.Qty,
		TimeInForce:   "day",
		ClientOrderID: newClientID("exit"),
	})
	e.opts.Metrics.ObserveOrder("exit", err)
	if err != nil {
		e.record("exit_failed", symbol, append(kv, "error", err.Error())...)
		return 0, err
	}
	e.record("exit", symbol, append(kv, "order_id", order.ID, "cancelled_stops", len(existing))...)
	return pos.Qty, nil
}

// AddToPosition submits a market buy and waits, bounded by FillWait, for the
// fill. It returns the filled quantity. An error means nothing was added: the
// order was refused or ended without a fill. Zero with a nil error means it
// is still working at the broker.
func (e *Executor) AddToPosition(ctx context.Context, symbol string, qty int, rMultiple float64) (float64, error) {
	kv := []any{"qty", qty, "r_multiple", rMultiple}
	if e.opts.DryRun {
		e.record("pyramid_add", symbol, kv...)
		e.opts.Metrics.ObserveDryRunOrder("pyramid")
		return float64(qty), nil
	}
	order, err := e.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:        symbol,
		Side:          broker.SideBuy,
		Type:          broker.OrderTypeMarket,
		Qty:           float64(qty),
		TimeInForce:   "day",
		ClientOrderID: newClientID("add"),
	})
	e.opts.Metrics.ObserveOrder("pyramid", err)
	if err != nil {
		e.record("pyramid_rejected", symbol, append(kv, "error", err.Error())...)
		return 0, err
	}
	e.record("pyramid_add", symbol, append(kv, "order_id", order.ID)...)
	filled, err := e.waitFill(ctx, order)
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrRejected) && filled <= 0:
		e.record("pyramid_rejected", symbol, append(kv, "order_id", order.ID, "error", err.Error())...)
		return 0, err
	default:
		// still working or partly filled; the next reconciliation resizes the stop
		logger.Warnf("executor: %s add %s fill unknown: %v", symbol, order.ID, err)
	}
	return filled, nil
}

func (e *Executor) waitFill(ctx context.Context, order broker.Order) (float64, error) {
	deadline := time.Now().Add(e.opts.FillWait)
	for {
		if order.Status == broker.StatusFilled {
			return order.FilledQty, nil
		}
		if !order.Status.Open() {
			return order.FilledQty, fmt.Errorf("order %s ended %s: %w", order.ID, order.Status, broker.ErrRejected)
		}
		if time.Now().After(deadline) {
			logger.Warnf("executor: %s order %s not filled after %s (filled=%g)", order.Symbol, order.ID, e.opts.FillWait, order.FilledQty)
			return order.FilledQty, nil
		}
		if err := e.sleep(ctx, e.opts.PollInterval); err != nil {
			return order.FilledQty, err
		}
		next, err := e.broker.Order(ctx, order.ID)
		if err != nil {
			return order.FilledQty, err
		}
		order = next
	}
}

// CancelOrders cancels known ids, e.g. stops left behind by a closed position.
func (e *Executor) CancelOrders(ctx context.Context, symbol string, ids []string, reason string) error {
	kv := []any{"orders", strings.Join(ids, ","), "reason", reason}
	if e.opts.DryRun {
		e.record("cancel_orders", symbol, kv...)
		return nil
	}
	orders := make([]broker.Order, 0, len(ids))
	for _, id := range ids {
		orders = append(orders, broker.Order{ID: id, Symbol: symbol})
	}
	if err := e.cancelAll(ctx, symbol, orders); err != nil {
		e.record("cancel_failed", symbol, append(kv, "error", err.Error())...)
		return err
	}
	e.record("cancel_orders", symbol, kv...)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
