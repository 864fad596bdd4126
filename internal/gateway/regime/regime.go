// Package regime fetches the external market regime document and exposes it
// as a timestamped value with an explicit staleness predicate.
package regime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrStale means the document is older than the allowed window.
	ErrStale = errors.New("regime signal stale")
	// ErrInvalid means the document failed schema or field validation.
	ErrInvalid = errors.New("regime signal invalid")
)

type Color string

const (
	ColorRed    Color = "red"
	ColorOrange Color = "orange"
	ColorYellow Color = "yellow"
	ColorGreen  Color = "green"
)

// Tier orders colors from deepest risk-off (0) to full risk (3); -1 if unknown.
func (c Color) Tier() int {
	switch c {
	case ColorRed:
		return 0
	case ColorOrange:
		return 1
	case ColorYellow:
		return 2
	case ColorGreen:
		return 3
	default:
		return -1
	}
}

func (c Color) RiskOff() bool { return c == ColorRed }

func ParseColor(raw string) (Color, error) {
	c := Color(strings.ToLower(strings.TrimSpace(raw)))
	if c.Tier() < 0 {
		return "", fmt.Errorf("%w: unknown color %q", ErrInvalid, raw)
	}
	return c, nil
}

// Signal is one fetched regime document.
type Signal struct {
	Color             Color
	AsOf              time.Time
	VIXClose          float64
	HasVIX            bool // false when the document omits VIX_close or sends null
	Above200MA        bool
	CombinedMMSignals int
	FetchedAt         time.Time
}

func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.AsOf)
}

// Stale reports whether the signal is older than maxAge at now.
func (s Signal) Stale(now time.Time, maxAge time.Duration) bool {
	return s.AsOf.IsZero() || s.Age(now) > maxAge
}

// CheckFresh returns ErrStale (wrapped with the age) when Stale.
func (s Signal) CheckFresh(now time.Time, maxAge time.Duration) error {
	if s.Stale(now, maxAge) {
		return fmt.Errorf("%w: as_of %s is %s old (max %s)", ErrStale,
			s.AsOf.UTC().Format(time.RFC3339), s.Age(now).Round(time.Minute), maxAge)
	}
	return nil
}

// Provider returns the current regime signal.
type Provider interface {
	Fetch(ctx context.Context) (Signal, error)
}

// Static is a fixed Provider, used by tests and dry runs against recorded documents.
type Static struct {
	Signal Signal
	Err    error
}

func (s Static) Fetch(context.Context) (Signal, error) {
	return s.Signal, s.Err
}
