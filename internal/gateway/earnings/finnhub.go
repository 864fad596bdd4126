package earnings

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"trendpilot/internal/config"

	"github.com/tidwall/gjson"
)

// FinnhubClient queries /calendar/earnings for one symbol at a time.
type FinnhubClient struct {
	baseURL    string
	apiKey     string
	lookahead  int
	loc        *time.Location
	httpClient *http.Client
	now        func() time.Time
}

func NewFinnhubClient(cfg config.EarningsConfig) (*FinnhubClient, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load earnings timezone failed: %w", err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("earnings.api_key is required (or FINNHUB_API_KEY)")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	lookahead := cfg.LookaheadDays
	if lookahead <= 0 {
		lookahead = 90
	}
	return &FinnhubClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		lookahead:  lookahead,
		loc:        loc,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}, nil
}

func (c *FinnhubClient) Next(ctx context.Context, symbol string) (Event, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	today := midnight(c.now().In(c.loc))
	q := url.Values{
		"from":   {today.Format(dateLayout)},
		"to":     {today.AddDate(0, 0, c.lookahead).Format(dateLayout)},
		"symbol": {symbol},
		"token":  {c.apiKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/calendar/earnings?"+q.Encode(), nil)
	if err != nil {
		return Event{}, fmt.Errorf("build earnings request failed: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Event{}, fmt.Errorf("fetch earnings for %s failed: %w", symbol, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Event{}, fmt.Errorf("read earnings body failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Event{}, fmt.Errorf("earnings provider returned %s for %s", resp.Status, symbol)
	}
	if !gjson.ValidBytes(body) {
		return Event{}, fmt.Errorf("earnings provider returned invalid JSON for %s", symbol)
	}
	return parseCalendar(body, symbol, today), nil
}

// parseCalendar picks the earliest report dated today or later.
func parseCalendar(body []byte, symbol string, today time.Time) Event {
	type row struct {
		date time.Time
		hour string
	}
	var rows []row
	gjson.GetBytes(body, "earningsCalendar").ForEach(func(_, v gjson.Result) bool {
		if s := v.Get("symbol").String(); s != "" && !strings.EqualFold(s, symbol) {
			return true
		}
		d, err := time.ParseInLocation(dateLayout, v.Get("date").String(), today.Location())
		if err != nil || d.Before(today) {
			return true
		}
		rows = append(rows, row{date: d, hour: strings.ToLower(strings.TrimSpace(v.Get("hour").String()))})
		return true
	})
	if len(rows) == 0 {
		return Event{Symbol: symbol}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].date.Before(rows[j].date) })
	return Event{Symbol: symbol, Date: rows[0].date, Session: ParseSession(rows[0].hour)}
}
