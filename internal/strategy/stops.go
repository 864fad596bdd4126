package strategy

import (
	"fmt"
	"math"

	"trendpilot/internal/gateway/regime"
	"trendpilot/internal/market"
	"trendpilot/internal/store/model"
)

// StopAction is the outcome of one stop engine step.
type StopAction int

const (
	StopHold StopAction = iota
	// StopPlace protects a position that has no live stop.
	StopPlace
	// StopRaise replaces the live stop with a higher one.
	StopRaise
	ExitTrendBreak
	ExitOverextended
	// ExitStopBreached: the stop that should be resting is at or above the
	// last price, so a sell stop would fire immediately.
	ExitStopBreached
)

func (a StopAction) String() string {
	switch a {
	case StopHold:
		return "hold"
	case StopPlace:
		return "place_stop"
	case StopRaise:
		return "raise_stop"
	case ExitTrendBreak:
		return "trend_break"
	case ExitOverextended:
		return "overextended"
	case ExitStopBreached:
		return "stop_breached"
	default:
		return fmt.Sprintf("stop_action(%d)", int(a))
	}
}

// IsExit reports whether the position must be closed at market.
func (a StopAction) IsExit() bool {
	return a == ExitTrendBreak || a == ExitOverextended || a == ExitStopBreached
}

// PlacesOrder reports whether a protective stop order must be submitted.
func (a StopAction) PlacesOrder() bool {
	return a == StopPlace || a == StopRaise
}

// StopInput is everything one step needs.
type StopInput struct {
	Record   model.PositionRecord
	LiveStop float64 // highest open stop price at the broker; 0 = none
	Snapshot market.Snapshot
	Color    regime.Color
}

// StopDecision is the result plus the inputs that produced it, for the log.
type StopDecision struct {
	Symbol    string
	Action    StopAction
	PrevStop  float64 // stop in force before this step (live first, record fallback)
	Candidate float64 // high water − mult × ATR
	NewStop   float64 // stop to place, or PrevStop when holding
	HighWater float64
	Mult      float64
	ATR       float64
	Close     float64
	LongMA    float64
}

// condition is the single branch a position falls into. Every condition maps
// to exactly one action in transition, and every one is reachable on its own.
type condition int

const (
	condTrendBreak condition = iota
	condOverextended
	condBreached
	condUnprotected
	condImproved
	condNoImprovement
)

func transition(c condition) StopAction {
	switch c {
	case condTrendBreak:
		return ExitTrendBreak
	case condOverextended:
		return ExitOverextended
	case condBreached:
		return ExitStopBreached
	case condUnprotected:
		return StopPlace
	case condImproved:
		return StopRaise
	case condNoImprovement:
		return StopHold
	default:
		panic(fmt.Sprintf("unhandled stop condition %d", c))
	}
}

// EvaluateStop runs the exit checks and then the trailing rule. Exits are
// checked first. The stop is replaced when no stop is live, or when the
// candidate beats the live stop by more than TRAILING_MIN_MOVE ATRs. A stop
// is never lowered: a missing live stop is restored at no less than the
// recorded one.
func (p Params) EvaluateStop(in StopInput) StopDecision {
	snap := in.Snapshot
	rec := in.Record
	mult := p.TrailingMult(in.Color)
	high := math.Max(rec.HighestPrice, snap.Close)
	d := StopDecision{
		Symbol:    rec.Symbol,
		HighWater: high,
		Mult:      mult,
		ATR:       snap.ATR,
		Close:     snap.Close,
		LongMA:    snap.SMALong,
		Candidate: priceMinusATR(high, mult, snap.ATR),
	}
	d.PrevStop = in.LiveStop
	if d.PrevStop <= 0 {
		d.PrevStop = rec.CurrentStop
	}

	var cond condition
	target := math.Max(d.Candidate, rec.CurrentStop)
	switch {
	case decimalLT(snap.Close, snap.SMALong):
		cond = condTrendBreak
	case decimalGTE(snap.Close, pricePlusATR(snap.SMALong, p.OverextensionATRMult, snap.ATR)):
		cond = condOverextended
	case in.LiveStop <= 0:
		cond = condUnprotected
	case decimalGT(d.Candidate, decToFloat(decFromFloat(in.LiveStop).Add(decFromFloat(p.TrailingMinMoveATR).Mul(decFromFloat(snap.ATR))))):
		cond = condImproved
	default:
		cond = condNoImprovement
	}
	if (cond == condUnprotected || cond == condImproved) && decimalGTE(target, snap.Close) {
		cond = condBreached
	}

	d.Action = transition(cond)
	switch d.Action {
	case StopPlace, StopRaise:
		d.NewStop = target
	default:
		d.NewStop = d.PrevStop
	}
	return d
}

// ApplyStop folds a placed stop into the record. The recorded stop and high
// water never decrease.
func ApplyStop(rec *model.PositionRecord, d StopDecision) {
	if d.HighWater > rec.HighestPrice {
		rec.HighestPrice = d.HighWater
	}
	if d.Action.PlacesOrder() && d.NewStop > rec.CurrentStop {
		rec.CurrentStop = d.NewStop
	}
}
