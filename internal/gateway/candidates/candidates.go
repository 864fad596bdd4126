// Package candidates loads the externally screened, ranked universe.
package candidates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trendpilot/internal/config"
	"trendpilot/internal/pkg/symbol"
)

// ErrStale means the list is older than candidates.max_age_hours.
var ErrStale = errors.New("candidate list stale")

// List is a ranked universe; Symbols[0] has the highest admission priority.
type List struct {
	AsOf    time.Time
	Symbols []string
	Source  string
}

func (l List) Stale(now time.Time, maxAge time.Duration) bool {
	return l.AsOf.IsZero() || now.Sub(l.AsOf) > maxAge
}

// Provider returns the current ranked list.
type Provider interface {
	Load(ctx context.Context) (List, error)
}

// Filtered wraps a Provider, normalizing tickers, dropping duplicates and
// excluded symbols, and rejecting stale lists.
type Filtered struct {
	inner   Provider
	exclude map[string]struct{}
	maxAge  time.Duration
	now     func() time.Time
}

func NewFiltered(inner Provider, exclude []string, maxAge time.Duration) *Filtered {
	ex := make(map[string]struct{}, len(exclude))
	for _, s := range symbol.NormalizeList(exclude) {
		ex[s] = struct{}{}
	}
	return &Filtered{inner: inner, exclude: ex, maxAge: maxAge, now: time.Now}
}

func (f *Filtered) Load(ctx context.Context) (List, error) {
	list, err := f.inner.Load(ctx)
	if err != nil {
		return List{}, err
	}
	if f.maxAge > 0 && list.Stale(f.now(), f.maxAge) {
		return List{}, fmt.Errorf("%w: %s as_of %s", ErrStale, list.Source, list.AsOf.UTC().Format(time.RFC3339))
	}
	out := make([]string, 0, len(list.Symbols))
	for _, s := range symbol.NormalizeList(list.Symbols) {
		if _, skip := f.exclude[s]; skip {
			continue
		}
		if !symbol.IsValid(s) {
			continue
		}
		out = append(out, s)
	}
	list.Symbols = out
	return list, nil
}

// New builds the configured provider wrapped in Filtered.
func New(cfg config.CandidatesConfig) (Provider, error) {
	var inner Provider
	switch cfg.Source {
	case "file":
		inner = NewFileProvider(cfg.Path)
	case "http":
		inner = NewHTTPProvider(cfg.URL, time.Duration(cfg.TimeoutSeconds)*time.Second)
	default:
		return nil, fmt.Errorf("unknown candidates.source %q", cfg.Source)
	}
	return NewFiltered(inner, cfg.Exclude, time.Duration(cfg.MaxAgeHours)*time.Hour), nil
}

// Static returns a fixed list.
type Static struct {
	List List
	Err  error
}

func (s Static) Load(context.Context) (List, error) {
	return s.List, s.Err
}
