package regime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"trendpilot/internal/config"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

const documentSchema = `{
  "type": "object",
  "required": ["datetime", "background_color"],
  "properties": {
    "datetime": {"type": "string", "minLength": 10},
    "background_color": {"type": "string", "minLength": 3},
    "VIX_close": {"type": ["number", "null"], "minimum": 0},
    "above_200ma": {"type": ["boolean", "null"]},
    "combined_mm_signals": {"type": ["integer", "null"]}
  }
}`

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// HTTPProvider fetches the regime JSON document over HTTP.
type HTTPProvider struct {
	url        string
	httpClient *http.Client
	schema     *jsonschema.Schema
	now        func() time.Time
}

func NewHTTPProvider(cfg config.RegimeConfig) (*HTTPProvider, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("regime.url cannot be empty")
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile regime schema failed: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		schema:     schema,
		now:        time.Now,
	}, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("regime.json", strings.NewReader(documentSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("regime.json")
}

func (p *HTTPProvider) Fetch(ctx context.Context) (Signal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Signal{}, fmt.Errorf("build regime request failed: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Signal{}, fmt.Errorf("fetch regime failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Signal{}, fmt.Errorf("read regime body failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Signal{}, fmt.Errorf("regime provider returned %s", resp.Status)
	}
	sig, err := p.parse(body)
	if err != nil {
		return Signal{}, err
	}
	sig.FetchedAt = p.now()
	return sig, nil
}

func (p *HTTPProvider) parse(body []byte) (Signal, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Signal{}, fmt.Errorf("%w: not JSON: %v", ErrInvalid, err)
	}
	if err := p.schema.Validate(doc); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return ParseDocument(body)
}

// ParseDocument extracts a Signal from an already validated document.
func ParseDocument(body []byte) (Signal, error) {
	res := gjson.ParseBytes(body)
	color, err := ParseColor(res.Get("background_color").String())
	if err != nil {
		return Signal{}, err
	}
	asOf, err := parseTime(res.Get("datetime").String())
	if err != nil {
		return Signal{}, err
	}
	sig := Signal{
		Color:             color,
		AsOf:              asOf,
		Above200MA:        res.Get("above_200ma").Bool(),
		CombinedMMSignals: int(res.Get("combined_mm_signals").Int()),
	}
	if vix := res.Get("VIX_close"); vix.Exists() && vix.Type == gjson.Number {
		sig.VIXClose = vix.Float()
		sig.HasVIX = true
	}
	return sig, nil
}

// parseTime accepts ISO timestamps with or without zone; zone-less values are UTC.
func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad datetime %q", ErrInvalid, raw)
}
