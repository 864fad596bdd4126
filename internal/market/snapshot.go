// Package market turns daily bars into the indicator snapshot every decision
// is computed from.
package market

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	talib "github.com/markcheno/go-talib"

	"trendpilot/internal/gateway/broker"
)

// ErrInsufficientBars means the history is too short for the longest window.
var ErrInsufficientBars = errors.New("insufficient bars")

// Periods are the indicator windows, in daily bars.
type Periods struct {
	ATR   int
	Long  int
	Short int
}

// MinBars is the shortest history Compute accepts. True range needs the
// previous close, so ATR consumes one extra bar.
func (p Periods) MinBars() int {
	need := p.Long
	if p.ATR+1 > need {
		need = p.ATR + 1
	}
	if p.Short > need {
		need = p.Short
	}
	return need
}

// Snapshot is the decision-time view of one symbol.
type Snapshot struct {
	Symbol   string
	AsOf     time.Time // last bar
	Close    float64
	High     float64 // last session high, the breakout trigger
	SMALong  float64
	SMAShort float64
	ATR      float64 // simple mean of true range
	Bars     int
}

// AboveLongMA reports close > long SMA.
func (s Snapshot) AboveLongMA() bool { return s.Close > s.SMALong }

// TrendConfirmed reports short SMA > long SMA.
func (s Snapshot) TrendConfirmed() bool { return s.SMAShort > s.SMALong }

// ExtensionATR is (close − long SMA) in ATR units.
func (s Snapshot) ExtensionATR() float64 {
	if s.ATR <= 0 {
		return math.Inf(1)
	}
	return (s.Close - s.SMALong) / s.ATR
}

// Compute builds a snapshot from bars ordered oldest first.
func Compute(symbol string, bars []broker.Bar, p Periods) (Snapshot, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if p.ATR <= 0 || p.Long <= 0 || p.Short <= 0 {
		return Snapshot{}, fmt.Errorf("invalid periods %+v", p)
	}
	n := len(bars)
	if n < p.MinBars() {
		return Snapshot{}, fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientBars, symbol, n, p.MinBars())
	}
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
	}

	// talib.Atr is Wilder-smoothed; the stop distances here are calibrated on
	// a plain rolling mean of true range.
	atr := lastValid(talib.Sma(talib.TRange(highs, lows, closes), p.ATR))
	snap := Snapshot{
		Symbol:   symbol,
		AsOf:     bars[n-1].Time,
		Close:    closes[n-1],
		High:     highs[n-1],
		SMALong:  lastValid(talib.Sma(closes, p.Long)),
		SMAShort: lastValid(talib.Sma(closes, p.Short)),
		ATR:      atr,
		Bars:     n,
	}
	if snap.ATR <= 0 || snap.SMALong <= 0 || snap.Close <= 0 {
		return Snapshot{}, fmt.Errorf("%s: degenerate indicators close=%.4f sma=%.4f atr=%.4f", symbol, snap.Close, snap.SMALong, snap.ATR)
	}
	return snap, nil
}

func lastValid(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
