package candidates

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPProvider fetches a JSON list. Accepted shapes:
//
//	{"as_of": "...", "symbols": ["AAPL", ...]}
//	{"as_of": "...", "candidates": [{"symbol": "AAPL"}, ...]}
//	[{"ticker": "AAPL"}, ...]
//
// Order in the document is the admission priority.
type HTTPProvider struct {
	url        string
	httpClient *http.Client
	now        func() time.Time
}

func NewHTTPProvider(url string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{url: url, httpClient: &http.Client{Timeout: timeout}, now: time.Now}
}

func (p *HTTPProvider) Load(ctx context.Context) (List, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return List{}, fmt.Errorf("build candidates request failed: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return List{}, fmt.Errorf("fetch candidates failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return List{}, fmt.Errorf("read candidates failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return List{}, fmt.Errorf("candidates provider returned %s", resp.Status)
	}
	if !gjson.ValidBytes(body) {
		return List{}, fmt.Errorf("candidates provider returned invalid JSON")
	}
	list := parseDocument(gjson.ParseBytes(body))
	list.Source = p.url
	if list.AsOf.IsZero() {
		if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
			list.AsOf = lm
		}
	}
	return list, nil
}

func parseDocument(doc gjson.Result) List {
	var list List
	if ts := doc.Get("as_of"); ts.Exists() {
		if t, err := time.Parse(time.RFC3339, ts.String()); err == nil {
			list.AsOf = t
		}
	}
	items := doc
	if doc.IsObject() {
		items = doc.Get("symbols")
		if !items.Exists() {
			items = doc.Get("candidates")
		}
	}
	items.ForEach(func(_, v gjson.Result) bool {
		switch {
		case v.Type == gjson.String:
			list.Symbols = append(list.Symbols, v.String())
		case v.IsObject():
			if s := v.Get("symbol"); s.Exists() {
				list.Symbols = append(list.Symbols, s.String())
			} else if s := v.Get("ticker"); s.Exists() {
				list.Symbols = append(list.Symbols, s.String())
			}
		}
		return true
	})
	return list
}
