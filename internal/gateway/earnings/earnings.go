// Package earnings resolves the next earnings report per symbol and decides
// whether it is close enough to force an exit.
package earnings

import (
	"context"
	"time"

	"trendpilot/internal/store/model"
)

const dateLayout = "2006-01-02"

// Event is the next known report. A zero Date means none was found within the
// provider's lookahead window.
type Event struct {
	Symbol  string
	Date    time.Time // midnight, exchange local
	Session model.EarningsSession
}

func (e Event) Known() bool { return !e.Date.IsZero() }

// DaysUntil counts calendar days from now's exchange-local date to the report.
func (e Event) DaysUntil(now time.Time) int {
	if !e.Known() {
		return -1
	}
	loc := e.Date.Location()
	today := midnight(now.In(loc))
	return int(e.Date.Sub(today).Hours()+12) / 24
}

// AtLeastDaysAway is the entry filter: true when no report is known or the
// report is min or more calendar days out.
func (e Event) AtLeastDaysAway(now time.Time, min int) bool {
	if !e.Known() {
		return true
	}
	return e.DaysUntil(now) >= min
}

// Imminent reports whether a held position must be reviewed for a forced
// exit now: an after-close report today, a before-open report on the next
// weekday, or a report today with unknown or intraday timing.
func (e Event) Imminent(now time.Time) bool {
	if !e.Known() {
		return false
	}
	loc := e.Date.Location()
	today := midnight(now.In(loc))
	switch {
	case e.Date.Equal(today):
		return e.Session != model.SessionBeforeOpen
	case e.Date.Equal(nextWeekday(today)):
		return e.Session == model.SessionBeforeOpen
	default:
		return false
	}
}

// Provider returns the next earnings event for a symbol.
type Provider interface {
	Next(ctx context.Context, symbol string) (Event, error)
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func nextWeekday(day time.Time) time.Time {
	next := day.AddDate(0, 0, 1)
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// ParseSession maps provider hour codes to a session.
func ParseSession(raw string) model.EarningsSession {
	switch raw {
	case "bmo":
		return model.SessionBeforeOpen
	case "amc":
		return model.SessionAfterClose
	case "dmh":
		return model.SessionDuringHours
	default:
		return model.SessionUnknown
	}
}

// Static answers from a fixed map. A symbol missing from Events has no
// report inside the window. Used by tests and when no API key is configured.
type Static struct {
	Events map[string]Event
	Err    error
}

func (s Static) Next(_ context.Context, symbol string) (Event, error) {
	if s.Err != nil {
		return Event{}, s.Err
	}
	ev, ok := s.Events[symbol]
	if !ok {
		return Event{Symbol: symbol}, nil
	}
	return ev, nil
}
