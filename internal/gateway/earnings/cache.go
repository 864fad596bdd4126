package earnings

import (
	"context"
	"time"

	"trendpilot/internal/logger"
	"trendpilot/internal/store"
	"trendpilot/internal/store/model"
)

// Cached serves lookups from the store while they are younger than ttl and
// falls back to the stale row when the upstream call fails.
type Cached struct {
	inner Provider
	repo  store.EarningsRepository
	ttl   time.Duration
	loc   *time.Location
	now   func() time.Time
}

func NewCached(inner Provider, repo store.EarningsRepository, ttl time.Duration, loc *time.Location) *Cached {
	if loc == nil {
		loc = time.UTC
	}
	return &Cached{inner: inner, repo: repo, ttl: ttl, loc: loc, now: time.Now}
}

func (c *Cached) Next(ctx context.Context, symbol string) (Event, error) {
	now := c.now()
	cached, err := c.repo.Get(ctx, symbol)
	if err != nil {
		logger.Warnf("earnings cache read failed for %s: %v", symbol, err)
		cached = nil
	}
	if cached != nil && now.Sub(time.Unix(cached.FetchedAtUnix, 0)) < c.ttl {
		if ev, ok := c.fromRow(cached); ok && !c.expired(ev, now) {
			return ev, nil
		}
	}
	ev, err := c.inner.Next(ctx, symbol)
	if err != nil {
		if cached != nil {
			if stale, ok := c.fromRow(cached); ok && !c.expired(stale, now) {
				logger.Warnf("earnings lookup for %s failed, using cached row from %s: %v",
					symbol, time.Unix(cached.FetchedAtUnix, 0).UTC().Format(time.RFC3339), err)
				return stale, nil
			}
		}
		return Event{}, err
	}
	row := &model.EarningsEvent{Symbol: symbol, Session: ev.Session, FetchedAtUnix: now.Unix()}
	if ev.Known() {
		row.Date = ev.Date.Format(dateLayout)
	}
	if err := c.repo.Save(ctx, row); err != nil {
		logger.Warnf("earnings cache write failed for %s: %v", symbol, err)
	}
	return ev, nil
}

func (c *Cached) fromRow(row *model.EarningsEvent) (Event, bool) {
	ev := Event{Symbol: row.Symbol, Session: row.Session}
	if row.Date == "" {
		return ev, true
	}
	d, err := time.ParseInLocation(dateLayout, row.Date, c.loc)
	if err != nil {
		return Event{}, false
	}
	ev.Date = d
	return ev, true
}

// expired is true for a cached report that is already in the past.
func (c *Cached) expired(ev Event, now time.Time) bool {
	return ev.Known() && ev.Date.Before(midnight(now.In(c.loc)))
}
