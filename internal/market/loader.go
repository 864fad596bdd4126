package market

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"trendpilot/internal/gateway/broker"
	"trendpilot/internal/logger"
)

const defaultConcurrency = 4

// BarSource is the slice of the broker the loader needs.
type BarSource interface {
	DailyBars(ctx context.Context, symbol string, limit int) ([]broker.Bar, error)
}

// Loader fetches bars and computes snapshots, several symbols at a time.
type Loader struct {
	src         BarSource
	periods     Periods
	lookback    int
	concurrency int
}

func NewLoader(src BarSource, periods Periods, lookback int) *Loader {
	if lookback < periods.MinBars() {
		lookback = periods.MinBars()
	}
	return &Loader{src: src, periods: periods, lookback: lookback, concurrency: defaultConcurrency}
}

// SetConcurrency bounds parallel bar requests; values < 1 mean sequential.
func (l *Loader) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	l.concurrency = n
}

func (l *Loader) Periods() Periods { return l.periods }

// Load computes one snapshot.
func (l *Loader) Load(ctx context.Context, symbol string) (Snapshot, error) {
	bars, err := l.src.DailyBars(ctx, symbol, l.lookback)
	if err != nil {
		return Snapshot{}, err
	}
	return Compute(symbol, bars, l.periods)
}

// Batch is the outcome of LoadAll. Failed symbols are kept apart so one bad
// ticker never hides the rest.
type Batch struct {
	Snapshots map[string]Snapshot
	Failed    map[string]error
}

// Get returns the snapshot for symbol if it loaded.
func (b Batch) Get(symbol string) (Snapshot, bool) {
	s, ok := b.Snapshots[symbol]
	return s, ok
}

// FailedSymbols lists failures in a stable order.
func (b Batch) FailedSymbols() []string {
	out := make([]string, 0, len(b.Failed))
	for s := range b.Failed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// LoadAll fetches every symbol. Per-symbol errors land in Batch.Failed; the
// returned error is non-nil only when ctx ends or the broker is unavailable
// for every symbol.
func (l *Loader) LoadAll(ctx context.Context, symbols []string) (Batch, error) {
	out := Batch{
		Snapshots: make(map[string]Snapshot, len(symbols)),
		Failed:    make(map[string]error),
	}
	if len(symbols) == 0 {
		return out, nil
	}
	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(l.concurrency)
	for _, sym := range symbols {
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			snap, err := l.Load(gctx, sym)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Failed[sym] = err
				logger.Debugf("[market] %s snapshot failed: %v", sym, err)
				return nil
			}
			out.Snapshots[sym] = snap
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return out, err
	}
	if len(out.Snapshots) == 0 && allUnavailable(out.Failed) {
		return out, broker.ErrUnavailable
	}
	return out, nil
}

func allUnavailable(failed map[string]error) bool {
	if len(failed) == 0 {
		return false
	}
	for _, err := range failed {
		if !errors.Is(err, broker.ErrUnavailable) {
			return false
		}
	}
	return true
}
