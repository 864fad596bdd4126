package gate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"trendpilot/internal/gateway/regime"
	"trendpilot/internal/market"
	"trendpilot/internal/strategy"
)

var now = time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC)

func freshSignal(color regime.Color) regime.Signal {
	return regime.Signal{Color: color, AsOf: now.Add(-2 * time.Hour), VIXClose: 18, HasVIX: true}
}

var healthyBenchmark = market.Snapshot{Symbol: "SPY", Close: 510, SMALong: 500, SMAShort: 505, ATR: 5}

func TestEvaluate(t *testing.T) {
	g := New(strategy.DefaultParams())
	stale := freshSignal(regime.ColorGreen)
	stale.AsOf = now.Add(-97 * time.Hour)
	noVIX := freshSignal(regime.ColorGreen)
	noVIX.HasVIX = false
	highVIX := freshSignal(regime.ColorGreen)
	highVIX.VIXClose = 31

	cases := []struct {
		name    string
		in      Inputs
		allowed bool
		reason  string
		max     int
	}{
		{"green full risk", Inputs{Signal: freshSignal(regime.ColorGreen), Benchmark: healthyBenchmark}, true, "", 4},
		{"orange cautious", Inputs{Signal: freshSignal(regime.ColorOrange), Benchmark: healthyBenchmark}, true, "", 1},
		{"stale green", Inputs{Signal: stale, Benchmark: healthyBenchmark}, false, BlockRegimeStale, 0},
		{"fetch failed", Inputs{SignalErr: fmt.Errorf("dial: refused"), Benchmark: healthyBenchmark}, false, BlockRegimeUnavailable, 0},
		{"red", Inputs{Signal: freshSignal(regime.ColorRed), Benchmark: healthyBenchmark}, false, BlockRiskOff, 0},
		{"vix missing", Inputs{Signal: noVIX, Benchmark: healthyBenchmark}, false, BlockVIXMissing, 0},
		{"vix high", Inputs{Signal: highVIX, Benchmark: healthyBenchmark}, false, BlockVIXHigh, 0},
		{"benchmark below", Inputs{Signal: freshSignal(regime.ColorGreen), Benchmark: market.Snapshot{Symbol: "SPY", Close: 490, SMALong: 500}}, false, BlockBenchmarkBelowMA, 0},
		{"benchmark missing", Inputs{Signal: freshSignal(regime.ColorGreen), BenchmarkErr: market.ErrInsufficientBars}, false, BlockBenchmarkUnavailable, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.Now = now
			d := g.Evaluate(tc.in)
			assert.Equal(t, tc.allowed, d.Allowed)
			assert.Equal(t, tc.reason, d.Reason)
			assert.Equal(t, tc.max, d.MaxNewEntries)
		})
	}
}

func TestZeroCapBlocks(t *testing.T) {
	g := New(strategy.DefaultParams().WithCaps(0, 0, 2, 4))
	d := g.Evaluate(Inputs{Signal: freshSignal(regime.ColorOrange), Benchmark: healthyBenchmark, Now: now})
	assert.False(t, d.Allowed)
	assert.Equal(t, BlockNoCapacity, d.Reason)
}

func TestApplyBreadth(t *testing.T) {
	g := New(strategy.DefaultParams())
	open := g.Evaluate(Inputs{Signal: freshSignal(regime.ColorGreen), Benchmark: healthyBenchmark, Now: now})

	d := g.ApplyBreadth(open, strategy.Scan{Scanned: 10, AboveLongMA: 3})
	assert.False(t, d.Allowed)
	assert.Equal(t, BlockBreadth, d.Reason)
	assert.Zero(t, d.MaxNewEntries)

	d = g.ApplyBreadth(open, strategy.Scan{Scanned: 10, AboveLongMA: 4})
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.MaxNewEntries)
	assert.InDelta(t, 0.4, d.Breadth, 1e-9)

	d = g.ApplyBreadth(open, strategy.Scan{})
	assert.False(t, d.Allowed)

	closed := g.Evaluate(Inputs{Signal: freshSignal(regime.ColorRed), Benchmark: healthyBenchmark, Now: now})
	d = g.ApplyBreadth(closed, strategy.Scan{Scanned: 10, AboveLongMA: 10})
	assert.Equal(t, BlockRiskOff, d.Reason)
}
