package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendpilot/internal/gateway/broker"
	"trendpilot/internal/gateway/earnings"
	"trendpilot/internal/market"
	"trendpilot/internal/store/model"
	"trendpilot/internal/strategy"
)

var (
	ny, _ = time.LoadLocation("America/New_York")
	// Thursday 2026-03-05, 11:00 New York
	now = time.Date(2026, 3, 5, 16, 0, 0, 0, time.UTC)
)

func livePos(sym string, qty, avg, price float64) broker.Position {
	return broker.Position{Symbol: sym, Qty: qty, AvgEntryPrice: avg, CurrentPrice: price, MarketValue: qty * price}
}

func stopOrder(id, sym string, qty, price float64) broker.Order {
	return broker.Order{ID: id, Symbol: sym, Side: broker.SideSell, Type: broker.OrderTypeStop, Qty: qty, StopPrice: price, Status: broker.StatusNew}
}

func record(sym string, qty, entry, stop float64) model.PositionRecord {
	return model.PositionRecord{Symbol: sym, EntryPrice: entry, Quantity: qty, OriginalQuantity: qty, HighestPrice: entry, CurrentStop: stop, InitialRiskPerShare: 8, RiskSource: model.RiskSourceEntry}
}

func snaps(atr float64, syms ...string) map[string]market.Snapshot {
	out := map[string]market.Snapshot{}
	for _, s := range syms {
		out[s] = market.Snapshot{Symbol: s, Close: 110, SMALong: 100, SMAShort: 105, ATR: atr}
	}
	return out
}

func TestMissingStopRestoredOnceSizedToLiveQty(t *testing.T) {
	p := strategy.DefaultParams()
	in := Inputs{
		Tracked:   Tracked{Records: []model.PositionRecord{record("AAPL", 30, 100, 0)}},
		Observed:  Observed{Positions: []broker.Position{livePos("AAPL", 37, 100, 110)}},
		Snapshots: snaps(2, "AAPL"),
		Now:       now,
	}
	plan := Build(p, in)

	acts := plan.BrokerActions()
	require.Len(t, acts, 1)
	assert.Equal(t, KindRestoreStop, acts[0].Kind)
	assert.Equal(t, 37.0, acts[0].Quantity)
	assert.InDelta(t, 102.0, acts[0].StopPrice, 1e-9)
	require.Len(t, plan.Records, 1)
	assert.Equal(t, 37.0, plan.Records[0].Quantity)
	assert.InDelta(t, 102.0, plan.Records[0].CurrentStop, 1e-9)
	assert.Len(t, plan.SyncIssues, 1)

	// second pass after the stop is resting: nothing to do
	in.Tracked.Records = plan.Records
	in.Observed.Orders = []broker.Order{stopOrder("s1", "AAPL", 37, 102)}
	again := Build(p, in)
	assert.Empty(t, again.BrokerActions())
	assert.Zero(t, again.Records[0].MissingStopCycles)
}

func TestRestoreKeepsHigherRecordedStop(t *testing.T) {
	p := strategy.DefaultParams()
	plan := Build(p, Inputs{
		Tracked:   Tracked{Records: []model.PositionRecord{record("AAPL", 37, 100, 105)}},
		Observed:  Observed{Positions: []broker.Position{livePos("AAPL", 37, 100, 110)}},
		Snapshots: snaps(2, "AAPL"),
		Now:       now,
	})
	require.Len(t, plan.Actions, 1)
	assert.InDelta(t, 105.0, plan.Actions[0].StopPrice, 1e-9)
}

func TestRestoreAboveMarketClosesInstead(t *testing.T) {
	p := strategy.DefaultParams()
	plan := Build(p, Inputs{
		Tracked:   Tracked{Records: []model.PositionRecord{record("AAPL", 37, 100, 101)}},
		Observed:  Observed{Positions: []broker.Position{livePos("AAPL", 37, 100, 100.5)}},
		Snapshots: snaps(2, "AAPL"),
		Now:       now,
	})
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, KindCloseBreached, plan.Actions[0].Kind)
	assert.True(t, plan.Actions[0].ClosesPosition())
}

func TestMissingStopWithoutATRAlerts(t *testing.T) {
	p := strategy.DefaultParams()
	plan := Build(p, Inputs{
		Observed: Observed{Positions: []broker.Position{livePos("AAPL", 37, 100, 110)}},
		Now:      now,
	})
	assert.Equal(t, 1, plan.Count(KindAdoptUntracked))
	assert.Equal(t, 1, plan.Count(KindMissingStopAlert))
	assert.Empty(t, plan.BrokerActions())
}

func TestPersistentMissingStopRaisesAlert(t *testing.T) {
	p := strategy.DefaultParams()
	rec := record("AAPL", 37, 100, 0)
	rec.MissingStopCycles = 1
	plan := Build(p, Inputs{
		Tracked:   Tracked{Records: []model.PositionRecord{rec}},
		Observed:  Observed{Positions: []broker.Position{livePos("AAPL", 37, 100, 110)}},
		Snapshots: snaps(2, "AAPL"),
		Now:       now,
	})
	assert.Equal(t, 1, plan.Count(KindRestoreStop))
	assert.Equal(t, 1, plan.Count(KindMissingStopAlert))
	assert.Equal(t, 2, plan.Records[0].MissingStopCycles)
}

func TestResizeOnQuantityMismatch(t *testing.T) {
	p := strategy.DefaultParams()
	rec := record("AAPL", 37, 100, 104)
	rec.StopResizePending = true
	plan := Build(p, Inputs{
		Tracked: Tracked{Records: []model.PositionRecord{rec}},
		Observed: Observed{
			Positions: []broker.Position{livePos("AAPL", 55, 104, 126)},
			Orders:    []broker.Order{stopOrder("s1", "AAPL", 37, 104)},
		},
		Snapshots: snaps(2, "AAPL"),
		Now:       now,
	})
	require.Len(t, plan.Actions, 1)
	a := plan.Actions[0]
	assert.Equal(t, KindResizeStop, a.Kind)
	assert.Equal(t, 55.0, a.Quantity)
	assert.InDelta(t, 104.0, a.StopPrice, 1e-9)
	assert.Equal(t, []string{"s1"}, a.CancelIDs)
	assert.False(t, plan.Records[0].StopResizePending)
}

func TestEarningsForcedExitBelowThreshold(t *testing.T) {
	p := strategy.DefaultParams()
	ev := earnings.Event{Symbol: "AAPL", Date: time.Date(2026, 3, 5, 0, 0, 0, 0, ny), Session: model.SessionAfterClose}
	base := Inputs{
		Tracked:   Tracked{Records: []model.PositionRecord{record("AAPL", 37, 100, 92)}},
		Snapshots: snaps(2, "AAPL"),
		Earnings:  map[string]earnings.Event{"AAPL": ev},
		Now:       now,
	}

	exit := base
	exit.Observed = Observed{
		Positions: []broker.Position{livePos("AAPL", 37, 100, 106)},
		Orders:    []broker.Order{stopOrder("s1", "AAPL", 37, 92)},
	}
	plan := Build(p, exit)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, KindEarningsExit, plan.Actions[0].Kind)
	assert.Equal(t, 37.0, plan.Actions[0].Quantity)
	assert.Equal(t, []string{"s1"}, plan.Actions[0].CancelIDs)
	assert.Contains(t, plan.Actions[0].Reason, "profit 3.00 ATR < 8.0")

	hold := base
	hold.Observed = Observed{
		Positions: []broker.Position{livePos("AAPL", 37, 100, 118)},
		Orders:    []broker.Order{stopOrder("s1", "AAPL", 37, 92)},
	}
	plan = Build(p, hold)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, KindEarningsHold, plan.Actions[0].Kind)
	assert.Empty(t, plan.BrokerActions())
}

func TestEarningsNotImminentIgnored(t *testing.T) {
	p := strategy.DefaultParams()
	ev := earnings.Event{Symbol: "AAPL", Date: time.Date(2026, 3, 5, 0, 0, 0, 0, ny), Session: model.SessionBeforeOpen}
	plan := Build(p, Inputs{
		Tracked: Tracked{Records: []model.PositionRecord{record("AAPL", 37, 100, 92)}},
		Observed: Observed{
			Positions: []broker.Position{livePos("AAPL", 37, 100, 101)},
			Orders:    []broker.Order{stopOrder("s1", "AAPL", 37, 92)},
		},
		Snapshots: snaps(2, "AAPL"),
		Earnings:  map[string]earnings.Event{"AAPL": ev},
		Now:       now,
	})
	assert.Empty(t, plan.Actions)
}

func TestAdoptPendingUsesDecisionATR(t *testing.T) {
	p := strategy.DefaultParams()
	plan := Build(p, Inputs{
		Tracked: Tracked{Pending: []model.PendingEntry{{Symbol: "NVDA", OrderID: "o1", ATR: 2.5, PlannedStop: 97, Regime: "green", SubmittedUnix: now.Add(-24 * time.Hour).Unix()}}},
		Observed: Observed{Positions: []broker.Position{livePos("NVDA", 30, 105, 106)}},
		Snapshots: snaps(3, "NVDA"),
		Now:       now,
	})
	assert.Equal(t, 1, plan.Count(KindAdoptPending))
	assert.Equal(t, []string{"NVDA"}, plan.DropPending)
	require.Len(t, plan.Records, 1)
	rec := plan.Records[0]
	assert.InDelta(t, 10.0, rec.InitialRiskPerShare, 1e-9)
	assert.Equal(t, model.RiskSourceEntry, rec.RiskSource)
	assert.Equal(t, 30.0, rec.OriginalQuantity)
	assert.Equal(t, "green", rec.EntryRegime)
	// the fresh fill has no stop yet; the planned stop beats 106 - 4*3
	acts := plan.BrokerActions()
	require.Len(t, acts, 1)
	assert.Equal(t, KindRestoreStop, acts[0].Kind)
	assert.InDelta(t, 97.0, acts[0].StopPrice, 1e-9)
	assert.InDelta(t, 97.0, rec.CurrentStop, 1e-9)
}

func TestAdoptUntrackedBackfillsRisk(t *testing.T) {
	p := strategy.DefaultParams()
	plan := Build(p, Inputs{
		Observed: Observed{
			Positions: []broker.Position{livePos("MSFT", 10, 400, 410)},
			Orders:    []broker.Order{stopOrder("s9", "MSFT", 10, 380)},
		},
		Snapshots: snaps(5, "MSFT"),
		Now:       now,
	})
	assert.Equal(t, 1, plan.Count(KindAdoptUntracked))
	rec := plan.Records[0]
	assert.Equal(t, model.RiskSourceBackfilled, rec.RiskSource)
	assert.InDelta(t, 20.0, rec.InitialRiskPerShare, 1e-9)
	assert.InDelta(t, 380.0, rec.CurrentStop, 1e-9)
	assert.InDelta(t, 410.0, rec.HighestPrice, 1e-9)
}

func TestVanishedOrphanAndStalePending(t *testing.T) {
	p := strategy.DefaultParams()
	plan := Build(p, Inputs{
		Tracked: Tracked{
			Records: []model.PositionRecord{record("GONE", 10, 50, 45)},
			Pending: []model.PendingEntry{
				{Symbol: "WAIT", OrderID: "b1", ATR: 1},
				{Symbol: "DEAD", OrderID: "b2", ATR: 1},
			},
		},
		Observed: Observed{Orders: []broker.Order{
			stopOrder("s-gone", "GONE", 10, 45),
			{ID: "b1", Symbol: "WAIT", Side: broker.SideBuy, Type: broker.OrderTypeStopLimit, Qty: 5, Status: broker.StatusNew},
		}},
		Now: now,
	})
	assert.Equal(t, 1, plan.Count(KindDropVanished))
	assert.Equal(t, 1, plan.Count(KindCancelOrphanStops))
	assert.Equal(t, 1, plan.Count(KindDropPending))
	assert.Equal(t, []string{"DEAD"}, plan.DropPending)
	assert.Empty(t, plan.Records)
	for _, a := range plan.Actions {
		if a.Kind == KindCancelOrphanStops {
			assert.Equal(t, []string{"s-gone"}, a.CancelIDs)
		}
	}
}

func TestShortPositionsSkipped(t *testing.T) {
	plan := Build(strategy.DefaultParams(), Inputs{
		Observed: Observed{Positions: []broker.Position{livePos("TSLA", -5, 200, 190)}},
		Now:      now,
	})
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, KindSkipShort, plan.Actions[0].Kind)
	assert.Empty(t, plan.Records)
}

func TestSyncNeverPlansOrders(t *testing.T) {
	p := strategy.DefaultParams()
	in := Inputs{
		Tracked: Tracked{
			Records: []model.PositionRecord{record("AAPL", 30, 100, 0), record("OLD", 5, 50, 45)},
			Pending: []model.PendingEntry{{Symbol: "NVDA", OrderID: "o-1", ATR: 3}},
		},
		Observed: Observed{
			Positions: []broker.Position{livePos("AAPL", 37, 100, 110), livePos("NVDA", 10, 200, 205)},
			Orders:    []broker.Order{stopOrder("s-old", "OLD", 5, 45)},
		},
		Snapshots: snaps(2, "AAPL", "NVDA"),
		Now:       now,
	}
	plan := Sync(p, in)

	assert.Empty(t, plan.BrokerActions())
	require.Len(t, plan.Records, 2)
	assert.Equal(t, 37.0, plan.Records[0].Quantity)
	assert.Zero(t, plan.Records[0].MissingStopCycles)
	assert.Zero(t, plan.Records[0].CurrentStop)
	assert.InDelta(t, 12.0, plan.Records[1].InitialRiskPerShare, 1e-9)
	assert.Equal(t, 1, plan.Count(KindAdoptPending))
	assert.Equal(t, 1, plan.Count(KindDropVanished))
	assert.Equal(t, []string{"NVDA"}, plan.DropPending)
	assert.NotEmpty(t, plan.SyncIssues)
}

func TestQueuedExitNeedsNoStop(t *testing.T) {
	p := strategy.DefaultParams()
	ev := earnings.Event{Symbol: "AAPL", Date: time.Date(2026, 3, 5, 0, 0, 0, 0, ny), Session: model.SessionAfterClose}
	sell := broker.Order{ID: "x1", Symbol: "AAPL", Side: broker.SideSell, Type: broker.OrderTypeMarket, Qty: 37, Status: broker.StatusAccepted}
	in := Inputs{
		Tracked: Tracked{Records: []model.PositionRecord{record("AAPL", 37, 100, 92)}},
		Observed: Observed{
			Positions: []broker.Position{livePos("AAPL", 37, 100, 106)},
			Orders:    []broker.Order{sell},
		},
		Snapshots: snaps(2, "AAPL"),
		Now:       now,
	}

	for _, evs := range []map[string]earnings.Event{nil, {"AAPL": ev}} {
		in.Earnings = evs
		for pass := 0; pass < 3; pass++ {
			plan := Build(p, in)
			require.Len(t, plan.Actions, 1)
			assert.Equal(t, KindExitPending, plan.Actions[0].Kind)
			assert.Empty(t, plan.BrokerActions())
			require.Len(t, plan.Records, 1)
			assert.Zero(t, plan.Records[0].MissingStopCycles)
			in.Tracked.Records = plan.Records
		}
	}
}

func TestPartialQueuedSellStillRestoresStop(t *testing.T) {
	p := strategy.DefaultParams()
	sell := broker.Order{ID: "x1", Symbol: "AAPL", Side: broker.SideSell, Type: broker.OrderTypeLimit, Qty: 10, LimitPrice: 130, Status: broker.StatusNew}
	plan := Build(p, Inputs{
		Tracked: Tracked{Records: []model.PositionRecord{record("AAPL", 37, 100, 0)}},
		Observed: Observed{
			Positions: []broker.Position{livePos("AAPL", 37, 100, 110)},
			Orders:    []broker.Order{sell},
		},
		Snapshots: snaps(2, "AAPL"),
		Now:       now,
	})
	acts := plan.BrokerActions()
	require.Len(t, acts, 1)
	assert.Equal(t, KindRestoreStop, acts[0].Kind)
}
