package strategy

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"trendpilot/internal/config"
	"trendpilot/internal/gateway/earnings"
	"trendpilot/internal/gateway/regime"
	"trendpilot/internal/market"
	"trendpilot/internal/store/model"
)

func snapshot(sym string, close, high, smaLong, smaShort, atr float64) market.Snapshot {
	return market.Snapshot{Symbol: sym, Close: close, High: high, SMALong: smaLong, SMAShort: smaShort, ATR: atr, Bars: 100}
}

func TestPositionSizeReferenceCase(t *testing.T) {
	p := DefaultParams()
	size := p.PositionSize(100000, 2.0)
	assert.Equal(t, 37, size.Quantity)
	assert.InDelta(t, 8.0, size.RiskPerShare, 1e-9)
	assert.InDelta(t, 296.0, size.DollarRisk, 1e-9)
	assert.InDelta(t, 92.0, p.InitialStop(100, 2.0), 1e-9)
	assert.Equal(t, 18, p.PyramidQuantity(37))
	assert.Equal(t, 0, p.PositionSize(0, 2).Quantity)
	assert.Equal(t, 0, p.PositionSize(100000, 0).Quantity)
}

func TestNewParamsFromConfig(t *testing.T) {
	s := config.StrategyConfig{
		ATRPeriod: 14, LongMAPeriod: 40, ShortMAPeriod: 8, StopATRMult: 3,
		DailyEntryCaps: map[string]int{"red": 0, "orange": 2, "yellow": 3, "green": 5},
	}
	p := NewParams(s, config.RegimeConfig{MaxAgeHours: 48, VIXThreshold: 30})
	assert.Equal(t, market.Periods{ATR: 14, Long: 40, Short: 8}, p.Periods)
	assert.Equal(t, 48*time.Hour, p.RegimeMaxAge)
	assert.Equal(t, 5, p.EntryCap(regime.ColorGreen))
	assert.Equal(t, 0, p.EntryCap(regime.ColorRed))
	assert.Equal(t, 0, p.EntryCap(regime.Color("purple")))
	assert.InDelta(t, 3.0, p.TrailingMult(regime.ColorYellow), 1e-9)
}

func TestTrendFilter(t *testing.T) {
	p := DefaultParams()
	cases := []struct {
		name   string
		snap   market.Snapshot
		ok     bool
		reason string
	}{
		{"passes", snapshot("A", 104, 105, 100, 102, 2), true, ""},
		{"below long ma", snapshot("A", 99, 100, 100, 102, 2), false, ReasonBelowLongMA},
		{"short under long", snapshot("A", 104, 105, 100, 99, 2), false, ReasonTrendUnconfirmed},
		{"extended", snapshot("A", 105, 106, 100, 102, 2), false, ReasonExtended},
		{"no atr", snapshot("A", 104, 105, 100, 102, 0), false, ReasonNoATR},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := p.TrendFilter(tc.snap)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

type mockEarnings struct{ mock.Mock }

func (m *mockEarnings) Next(ctx context.Context, symbol string) (earnings.Event, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(earnings.Event), args.Error(1)
}

func TestEntrySelectRankOrderAndSlots(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC)

	batch := market.Batch{Snapshots: map[string]market.Snapshot{
		"AAA": snapshot("AAA", 104, 105, 100, 102, 2),
		"BBB": snapshot("BBB", 110, 111, 100, 102, 2),
		"CCC": snapshot("CCC", 104, 105, 100, 102, 2),
		"DDD": snapshot("DDD", 52, 52.5, 50, 51, 1),
		"EEE": snapshot("EEE", 104, 105, 100, 102, 2),
		"HHH": snapshot("HHH", 90, 91, 100, 102, 2),
	}}
	symbols := []string{"AAA", "BBB", "CCC", "ZZZ", "HHH", "DDD", "EEE"}

	p := DefaultParams()
	scan := p.ScanCandidates(symbols, batch, map[string]string{"HHH": ReasonHeld})
	assert.Equal(t, 6, scan.Scanned)
	assert.InDelta(t, 5.0/6.0, scan.Breadth(), 1e-9)

	ev := &mockEarnings{}
	ev.On("Next", mock.Anything, "AAA").Return(earnings.Event{Symbol: "AAA"}, nil)
	ev.On("Next", mock.Anything, "CCC").Return(earnings.Event{Symbol: "CCC", Date: time.Date(2026, 3, 8, 0, 0, 0, 0, ny), Session: model.SessionAfterClose}, nil)
	ev.On("Next", mock.Anything, "DDD").Return(earnings.Event{Symbol: "DDD", Date: time.Date(2026, 3, 20, 0, 0, 0, 0, ny)}, nil)

	engine := NewEntryEngine(p, ev)
	engine.SetClock(func() time.Time { return now })
	sel := engine.Select(context.Background(), scan, 100000, 2, 0, regime.ColorYellow)

	require.Len(t, sel.Intents, 2)
	assert.Equal(t, "AAA", sel.Intents[0].Symbol)
	assert.Equal(t, "DDD", sel.Intents[1].Symbol)

	aaa := sel.Intents[0]
	assert.Equal(t, 37, aaa.Quantity)
	assert.InDelta(t, 105.0, aaa.TriggerPrice, 1e-9)
	assert.InDelta(t, 105.6, aaa.LimitPrice, 1e-9)
	assert.InDelta(t, 97.0, aaa.PlannedStop, 1e-9)
	assert.Equal(t, regime.ColorYellow, aaa.Regime)

	reasons := map[string]string{}
	for _, r := range append(scan.Rejected, sel.Rejected...) {
		reasons[r.Symbol] = r.Reason
	}
	assert.Equal(t, ReasonExtended, reasons["BBB"])
	assert.Equal(t, ReasonEarningsSoon, reasons["CCC"])
	assert.Equal(t, ReasonNoData, reasons["ZZZ"])
	assert.Equal(t, ReasonHeld, reasons["HHH"])
	assert.Equal(t, ReasonNoSlots, reasons["EEE"])
	ev.AssertNotCalled(t, "Next", mock.Anything, "EEE")
	ev.AssertExpectations(t)
}

func TestEntrySelectEarningsErrorSkips(t *testing.T) {
	p := DefaultParams()
	batch := market.Batch{Snapshots: map[string]market.Snapshot{"AAA": snapshot("AAA", 104, 105, 100, 102, 2)}}
	ev := &mockEarnings{}
	ev.On("Next", mock.Anything, "AAA").Return(earnings.Event{}, assert.AnError)

	sel := NewEntryEngine(p, ev).Select(context.Background(), p.ScanCandidates([]string{"AAA"}, batch, nil), 100000, 4, 0, regime.ColorGreen)
	assert.Empty(t, sel.Intents)
	require.Len(t, sel.Rejected, 1)
	assert.Equal(t, ReasonEarningsUnknown, sel.Rejected[0].Reason)
}

func TestRedRegimeAdmitsNothing(t *testing.T) {
	p := DefaultParams()
	batch := market.Batch{Snapshots: map[string]market.Snapshot{
		"AAA": snapshot("AAA", 104, 105, 100, 102, 2),
		"BBB": snapshot("BBB", 104, 105, 100, 102, 2),
	}}
	scan := p.ScanCandidates([]string{"AAA", "BBB"}, batch, nil)
	require.Len(t, scan.Passed, 2)

	sel := NewEntryEngine(p, nil).Select(context.Background(), scan, 1e6, p.EntryCap(regime.ColorRed), 0, regime.ColorRed)
	assert.Zero(t, sel.Slots)
	assert.Empty(t, sel.Intents)
}

func TestSlotsRespectMaxPositions(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, 4, p.Slots(4, 10))
	assert.Equal(t, 1, p.Slots(4, 39))
	assert.Equal(t, 0, p.Slots(4, 45))
}

func protectedRecord(stop float64) model.PositionRecord {
	return model.PositionRecord{
		Symbol: "AAPL", EntryPrice: 100, Quantity: 37, OriginalQuantity: 37,
		HighestPrice: 110, CurrentStop: stop, InitialRiskPerShare: 8,
	}
}

// Both replacement branches must produce an order: the unset stop and the
// set-but-improved stop.
func TestTrailingStopBothBranchesPlaceOrder(t *testing.T) {
	p := DefaultParams()
	snap := snapshot("AAPL", 110, 111, 100, 105, 2)

	unset := p.EvaluateStop(StopInput{Record: protectedRecord(0), Snapshot: snap, Color: regime.ColorGreen})
	assert.Equal(t, StopPlace, unset.Action)
	assert.True(t, unset.Action.PlacesOrder())
	assert.InDelta(t, 102.0, unset.NewStop, 1e-9)

	improved := p.EvaluateStop(StopInput{Record: protectedRecord(100), LiveStop: 100, Snapshot: snap, Color: regime.ColorGreen})
	assert.Equal(t, StopRaise, improved.Action)
	assert.True(t, improved.Action.PlacesOrder())
	assert.InDelta(t, 102.0, improved.NewStop, 1e-9)

	noise := p.EvaluateStop(StopInput{Record: protectedRecord(101.5), LiveStop: 101.5, Snapshot: snap, Color: regime.ColorGreen})
	assert.Equal(t, StopHold, noise.Action)
	assert.False(t, noise.Action.PlacesOrder())
	assert.InDelta(t, 101.5, noise.NewStop, 1e-9)
}

func TestStopExitsAndTightening(t *testing.T) {
	p := DefaultParams()
	rec := protectedRecord(100)

	d := p.EvaluateStop(StopInput{Record: rec, LiveStop: 100, Snapshot: snapshot("AAPL", 99.5, 101, 100, 105, 2), Color: regime.ColorGreen})
	assert.Equal(t, ExitTrendBreak, d.Action)

	d = p.EvaluateStop(StopInput{Record: rec, LiveStop: 100, Snapshot: snapshot("AAPL", 128, 129, 100, 110, 2), Color: regime.ColorGreen})
	assert.Equal(t, ExitOverextended, d.Action)

	d = p.EvaluateStop(StopInput{Record: rec, LiveStop: 100, Snapshot: snapshot("AAPL", 110, 111, 100, 105, 2), Color: regime.ColorRed})
	assert.Equal(t, StopRaise, d.Action)
	assert.InDelta(t, 2.0, d.Mult, 1e-9)
	assert.InDelta(t, 106.0, d.NewStop, 1e-9)

	// recorded stop above the market with nothing resting at the broker
	d = p.EvaluateStop(StopInput{Record: protectedRecord(111), Snapshot: snapshot("AAPL", 110, 111, 100, 105, 2), Color: regime.ColorGreen})
	assert.Equal(t, ExitStopBreached, d.Action)
	assert.True(t, d.Action.IsExit())
}

func TestStopRestoreNeverBelowRecord(t *testing.T) {
	p := DefaultParams()
	d := p.EvaluateStop(StopInput{Record: protectedRecord(104), Snapshot: snapshot("AAPL", 110, 111, 100, 105, 2), Color: regime.ColorGreen})
	assert.Equal(t, StopPlace, d.Action)
	assert.InDelta(t, 104.0, d.NewStop, 1e-9)
}

func TestStopNeverDecreases(t *testing.T) {
	p := DefaultParams()
	p.OverextensionATRMult = 1000
	rng := rand.New(rand.NewSource(7))

	rec := protectedRecord(0)
	rec.HighestPrice = 100
	price := 100.0
	live := 0.0
	for i := 0; i < 500; i++ {
		price += rng.Float64()*4 - 1.9
		if price < 20 {
			price = 20
		}
		atr := 1 + rng.Float64()*2
		color := regime.ColorGreen
		if i%7 == 0 {
			color = regime.ColorRed
		}
		prev := rec.CurrentStop
		d := p.EvaluateStop(StopInput{Record: rec, LiveStop: live, Snapshot: snapshot("AAPL", price, price+1, 1, 2, atr), Color: color})
		if d.Action.IsExit() {
			continue
		}
		ApplyStop(&rec, d)
		if d.Action.PlacesOrder() {
			live = d.NewStop
			assert.GreaterOrEqual(t, d.NewStop, prev, "step %d lowered the stop", i)
		}
		require.GreaterOrEqual(t, rec.CurrentStop, prev, "step %d", i)
	}
	assert.Greater(t, rec.CurrentStop, 0.0)
}

func TestPyramid(t *testing.T) {
	p := DefaultParams()
	rec := protectedRecord(104)
	trend := func(close float64) market.Snapshot { return snapshot("AAPL", close, close+1, 120, 122, 2) }

	d := p.EvaluatePyramid(rec, trend(123.9))
	assert.False(t, d.Add)
	assert.Equal(t, ReasonBelowThreshold, d.Reason)

	d = p.EvaluatePyramid(rec, trend(124))
	require.True(t, d.Add)
	assert.Equal(t, 18, d.Quantity)
	assert.InDelta(t, 3.0, d.RMultiple, 1e-9)

	// profitable but the trend filter no longer passes
	d = p.EvaluatePyramid(rec, snapshot("AAPL", 130, 131, 120, 119, 2))
	assert.False(t, d.Add)
	assert.Equal(t, ReasonTrendUnconfirmed, d.Reason)

	p.MarkPyramided(&rec)
	p.MarkPyramided(&rec)
	assert.Equal(t, 1, rec.PyramidCount)
	assert.True(t, rec.StopResizePending)
	d = p.EvaluatePyramid(rec, trend(124))
	assert.False(t, d.Add)
	assert.Equal(t, ReasonPyramidMaxed, d.Reason)

	legacy := protectedRecord(104)
	legacy.InitialRiskPerShare = 0
	d = p.EvaluatePyramid(legacy, trend(124))
	assert.Equal(t, ReasonRiskUnknown, d.Reason)
}

func TestBackfillRiskOnce(t *testing.T) {
	p := DefaultParams()
	rec := protectedRecord(0)
	rec.InitialRiskPerShare = 0

	assert.True(t, p.BackfillRisk(&rec, 2.5))
	assert.InDelta(t, 10.0, rec.InitialRiskPerShare, 1e-9)
	assert.Equal(t, model.RiskSourceBackfilled, rec.RiskSource)
	assert.False(t, p.BackfillRisk(&rec, 5))
	assert.InDelta(t, 10.0, rec.InitialRiskPerShare, 1e-9)
}

func TestSummarizeRisk(t *testing.T) {
	recs := []model.PositionRecord{
		{Symbol: "A", EntryPrice: 100, CurrentStop: 92, Quantity: 10},
		{Symbol: "B", EntryPrice: 50, CurrentStop: 55, Quantity: 10},
		{Symbol: "C", EntryPrice: 20, Quantity: 5},
	}
	sum := SummarizeRisk(recs, map[string]float64{"A": 110}, 10000)
	assert.Equal(t, 3, sum.Positions)
	assert.Equal(t, 1, sum.Unprotected)
	assert.InDelta(t, 80.0, sum.OpenRisk, 1e-9)
	assert.InDelta(t, 1700.0, sum.PositionValue, 1e-9)
	assert.InDelta(t, 0.8, sum.RiskPct(), 1e-9)
}
