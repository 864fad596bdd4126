// Package gate decides whether new risk may be taken this run and at what
// pace. Only new entries are gated; position management always runs.
package gate

import (
	"errors"
	"fmt"
	"time"

	"trendpilot/internal/gateway/regime"
	"trendpilot/internal/market"
	"trendpilot/internal/strategy"
)

// Block reasons, in evaluation order.
const (
	BlockRegimeUnavailable    = "regime_unavailable"
	BlockRegimeStale          = "regime_stale"
	BlockRiskOff              = "regime_risk_off"
	BlockVIXMissing           = "vix_missing"
	BlockVIXHigh              = "vix_above_threshold"
	BlockBenchmarkUnavailable = "benchmark_unavailable"
	BlockBenchmarkBelowMA     = "benchmark_below_ma"
	BlockBreadth              = "breadth_below_min"
	BlockNoCapacity           = "zero_daily_cap"
)

// Inputs for the pre-scan evaluation. SignalErr and BenchmarkErr carry fetch
// failures; both fail closed.
type Inputs struct {
	Signal       regime.Signal
	SignalErr    error
	Benchmark    market.Snapshot
	BenchmarkErr error
	Now          time.Time
}

// Decision is (entries_allowed, max_new_entries_today) plus the why.
type Decision struct {
	Allowed       bool
	MaxNewEntries int
	Color         regime.Color
	Reason        string
	Detail        string
	Breadth       float64
	BreadthN      int
}

func (d Decision) String() string {
	if d.Allowed {
		return fmt.Sprintf("allowed color=%s max_new=%d", d.Color, d.MaxNewEntries)
	}
	return fmt.Sprintf("blocked reason=%s %s", d.Reason, d.Detail)
}

// Gate evaluates the regime, VIX, benchmark trend and breadth.
type Gate struct {
	params strategy.Params
}

func New(p strategy.Params) *Gate {
	return &Gate{params: p}
}

func blocked(color regime.Color, reason, detail string) Decision {
	return Decision{Color: color, Reason: reason, Detail: detail}
}

// Evaluate runs staleness and hard blocks, then sizes the daily cap.
func (g *Gate) Evaluate(in Inputs) Decision {
	sig := in.Signal
	if in.SignalErr != nil {
		reason := BlockRegimeUnavailable
		if errors.Is(in.SignalErr, regime.ErrStale) {
			reason = BlockRegimeStale
		}
		return blocked("", reason, in.SignalErr.Error())
	}
	if err := sig.CheckFresh(in.Now, g.params.RegimeMaxAge); err != nil {
		return blocked(sig.Color, BlockRegimeStale, err.Error())
	}
	if sig.Color.Tier() < 0 {
		return blocked(sig.Color, BlockRegimeUnavailable, fmt.Sprintf("unknown color %q", sig.Color))
	}
	if sig.Color.RiskOff() {
		return blocked(sig.Color, BlockRiskOff, "deepest risk-off tier")
	}
	if !sig.HasVIX {
		return blocked(sig.Color, BlockVIXMissing, "regime document has no VIX close")
	}
	if sig.VIXClose > g.params.VIXThreshold {
		return blocked(sig.Color, BlockVIXHigh, fmt.Sprintf("vix=%.2f > %.2f", sig.VIXClose, g.params.VIXThreshold))
	}
	if in.BenchmarkErr != nil {
		return blocked(sig.Color, BlockBenchmarkUnavailable, in.BenchmarkErr.Error())
	}
	bm := in.Benchmark
	if !bm.AboveLongMA() {
		return blocked(sig.Color, BlockBenchmarkBelowMA,
			fmt.Sprintf("%s close=%.2f sma%d=%.2f", bm.Symbol, bm.Close, g.params.Periods.Long, bm.SMALong))
	}
	limit := g.params.EntryCap(sig.Color)
	if limit <= 0 {
		return blocked(sig.Color, BlockNoCapacity, fmt.Sprintf("cap for %s is 0", sig.Color))
	}
	return Decision{Allowed: true, MaxNewEntries: limit, Color: sig.Color}
}

// ApplyBreadth is the post-scan block: too few scanned candidates above
// their own long SMA closes the gate even when Evaluate allowed entries.
func (g *Gate) ApplyBreadth(d Decision, scan strategy.Scan) Decision {
	d.Breadth = scan.Breadth()
	d.BreadthN = scan.Scanned
	if !d.Allowed {
		return d
	}
	if scan.Scanned == 0 || d.Breadth < g.params.BreadthMinRatio {
		d.Allowed = false
		d.MaxNewEntries = 0
		d.Reason = BlockBreadth
		d.Detail = fmt.Sprintf("breadth=%.2f (%d/%d) < %.2f", d.Breadth, scan.AboveLongMA, scan.Scanned, g.params.BreadthMinRatio)
	}
	return d
}
