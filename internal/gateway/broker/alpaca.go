package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trendpilot/internal/config"
	"trendpilot/internal/logger"
	"trendpilot/internal/pkg/circuit"
	"trendpilot/internal/pkg/convert"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const maxBarPages = 5

// AlpacaClient talks to the Alpaca trading and market-data REST APIs.
type AlpacaClient struct {
	tradingURL *url.URL
	dataURL    *url.URL
	httpClient *http.Client
	apiKey     string
	apiSecret  string
	feed       string
	limiter    *rate.Limiter
	breaker    *circuit.CircuitBreaker
	now        func() time.Time
}

// NewAlpacaClient constructs a client from configuration.
func NewAlpacaClient(cfg config.BrokerConfig) (*AlpacaClient, error) {
	trading, err := url.Parse(strings.TrimSpace(cfg.TradingURL))
	if err != nil || trading.Host == "" {
		return nil, fmt.Errorf("parse broker.trading_url failed: %q", cfg.TradingURL)
	}
	data, err := url.Parse(strings.TrimSpace(cfg.DataURL))
	if err != nil || data.Host == "" {
		return nil, fmt.Errorf("parse broker.data_url failed: %q", cfg.DataURL)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 180
	}
	burst := perMin / 20
	if burst < 1 {
		burst = 1
	}
	cooldown := time.Duration(cfg.BreakerCooldownSeconds) * time.Second
	return &AlpacaClient{
		tradingURL: trading,
		dataURL:    data,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
		apiKey:    strings.TrimSpace(cfg.APIKey),
		apiSecret: strings.TrimSpace(cfg.APISecret),
		feed:      strings.TrimSpace(cfg.Feed),
		limiter:   rate.NewLimiter(rate.Limit(float64(perMin)/60.0), burst),
		breaker:   circuit.NewCircuitBreaker("alpaca", cfg.BreakerThreshold, cooldown),
		now:       time.Now,
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *AlpacaClient) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

type alpacaAccount struct {
	Equity      string `json:"equity"`
	Cash        string `json:"cash"`
	BuyingPower string `json:"buying_power"`
}

type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

func (p alpacaPosition) toPosition() Position {
	return Position{
		Symbol:        p.Symbol,
		Qty:           convert.ToFloat64(p.Qty),
		AvgEntryPrice: convert.ToFloat64(p.AvgEntryPrice),
		CurrentPrice:  convert.ToFloat64(p.CurrentPrice),
		MarketValue:   convert.ToFloat64(p.MarketValue),
		UnrealizedPL:  convert.ToFloat64(p.UnrealizedPL),
	}
}

type alpacaOrder struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Qty           *string   `json:"qty"`
	FilledQty     *string   `json:"filled_qty"`
	StopPrice     *string   `json:"stop_price"`
	LimitPrice    *string   `json:"limit_price"`
	Status        string    `json:"status"`
	TimeInForce   string    `json:"time_in_force"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

func optFloat(s *string) float64 {
	if s == nil {
		return 0
	}
	return convert.ToFloat64(*s)
}

func (o alpacaOrder) toOrder() Order {
	return Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          Side(o.Side),
		Type:          OrderType(o.Type),
		Qty:           optFloat(o.Qty),
		FilledQty:     optFloat(o.FilledQty),
		StopPrice:     optFloat(o.StopPrice),
		LimitPrice:    optFloat(o.LimitPrice),
		Status:        OrderStatus(o.Status),
		TimeInForce:   o.TimeInForce,
		SubmittedAt:   o.SubmittedAt,
	}
}

type alpacaOrderPayload struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	StopPrice     string `json:"stop_price,omitempty"`
	LimitPrice    string `json:"limit_price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type alpacaBar struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
	V float64   `json:"v"`
}

type alpacaBarsResponse struct {
	Bars          []alpacaBar `json:"bars"`
	NextPageToken *string     `json:"next_page_token"`
}

func (c *AlpacaClient) Account(ctx context.Context) (Account, error) {
	var raw alpacaAccount
	if err := c.doRequest(ctx, c.tradingURL, http.MethodGet, "/v2/account", nil, nil, &raw); err != nil {
		return Account{}, err
	}
	return Account{
		Equity:      convert.ToFloat64(raw.Equity),
		Cash:        convert.ToFloat64(raw.Cash),
		BuyingPower: convert.ToFloat64(raw.BuyingPower),
	}, nil
}

func (c *AlpacaClient) Positions(ctx context.Context) ([]Position, error) {
	var raw []alpacaPosition
	if err := c.doRequest(ctx, c.tradingURL, http.MethodGet, "/v2/positions", nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		out = append(out, p.toPosition())
	}
	return out, nil
}

func (c *AlpacaClient) Position(ctx context.Context, symbol string) (Position, error) {
	var raw alpacaPosition
	path := "/v2/positions/" + url.PathEscape(strings.ToUpper(symbol))
	if err := c.doRequest(ctx, c.tradingURL, http.MethodGet, path, nil, nil, &raw); err != nil {
		return Position{}, err
	}
	return raw.toPosition(), nil
}

func (c *AlpacaClient) OpenOrders(ctx context.Context) ([]Order, error) {
	var raw []alpacaOrder
	q := url.Values{"status": {"open"}, "limit": {"500"}, "nested": {"false"}}
	if err := c.doRequest(ctx, c.tradingURL, http.MethodGet, "/v2/orders", q, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(raw))
	for _, o := range raw {
		out = append(out, o.toOrder())
	}
	return out, nil
}

func (c *AlpacaClient) Order(ctx context.Context, id string) (Order, error) {
	var raw alpacaOrder
	if err := c.doRequest(ctx, c.tradingURL, http.MethodGet, "/v2/orders/"+url.PathEscape(id), nil, nil, &raw); err != nil {
		return Order{}, err
	}
	return raw.toOrder(), nil
}

func (c *AlpacaClient) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	req = req.normalized()
	if req.Qty <= 0 {
		return Order{}, fmt.Errorf("%w: order qty must be positive (%s %v)", ErrRejected, req.Symbol, req.Qty)
	}
	payload := alpacaOrderPayload{
		Symbol:        req.Symbol,
		Qty:           strconv.FormatFloat(req.Qty, 'f', -1, 64),
		Side:          string(req.Side),
		Type:          string(req.Type),
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
	}
	if req.StopPrice > 0 {
		payload.StopPrice = decimal.NewFromFloat(req.StopPrice).StringFixed(2)
	}
	if req.LimitPrice > 0 {
		payload.LimitPrice = decimal.NewFromFloat(req.LimitPrice).StringFixed(2)
	}
	var raw alpacaOrder
	if err := c.doRequest(ctx, c.tradingURL, http.MethodPost, "/v2/orders", nil, payload, &raw); err != nil {
		return Order{}, err
	}
	return raw.toOrder(), nil
}

func (c *AlpacaClient) CancelOrder(ctx context.Context, id string) error {
	return c.doRequest(ctx, c.tradingURL, http.MethodDelete, "/v2/orders/"+url.PathEscape(id), nil, nil, nil)
}

// DailyBars pages through the data API; Alpaca needs an explicit start or it
// returns only the current session.
func (c *AlpacaClient) DailyBars(ctx context.Context, symbol string, limit int) ([]Bar, error) {
	if limit <= 0 {
		return nil, nil
	}
	calendarDays := limit*3/2 + 10
	start := c.now().UTC().AddDate(0, 0, -calendarDays).Format("2006-01-02")
	q := url.Values{
		"timeframe":  {"1Day"},
		"start":      {start},
		"adjustment": {"split"},
		"limit":      {"1000"},
	}
	if c.feed != "" {
		q.Set("feed", c.feed)
	}
	path := "/v2/stocks/" + url.PathEscape(strings.ToUpper(symbol)) + "/bars"
	var bars []Bar
	for page := 0; page < maxBarPages; page++ {
		var resp alpacaBarsResponse
		if err := c.doRequest(ctx, c.dataURL, http.MethodGet, path, q, nil, &resp); err != nil {
			return nil, err
		}
		for _, b := range resp.Bars {
			bars = append(bars, Bar{Time: b.T, Open: b.O, High: b.H, Low: b.L, Close: b.C, Volume: b.V})
		}
		if resp.NextPageToken == nil || *resp.NextPageToken == "" {
			break
		}
		q.Set("page_token", *resp.NextPageToken)
	}
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func (c *AlpacaClient) doRequest(ctx context.Context, base *url.URL, method, path string, query url.Values, payload any, out any) error {
	return c.breaker.Guard(func() error {
		return c.send(ctx, base, method, path, query, payload, out)
	}, func(err error) bool { return errors.Is(err, ErrUnavailable) })
}

func (c *AlpacaClient) send(ctx context.Context, base *url.URL, method, path string, query url.Values, payload any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrUnavailable, err)
	}
	endpoint := *base
	endpoint.Path = strings.TrimRight(base.Path, "/") + path
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request failed: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("build request failed: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(gjson.GetBytes(data, "message").String())
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return classifyStatus(resp.StatusCode, method, path, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", ErrUnavailable, method, path, err)
	}
	return nil
}

func classifyStatus(status int, method, path, msg string) error {
	var kind error
	switch {
	case status == http.StatusNotFound:
		kind = ErrNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		kind = ErrUnavailable
	case status == http.StatusUnauthorized:
		kind = ErrUnavailable
		logger.Errorf("alpaca rejected credentials on %s %s", method, path)
	default:
		kind = ErrRejected
	}
	if msg == "" {
		return fmt.Errorf("%w: %s %s: status %d", kind, method, path, status)
	}
	return fmt.Errorf("%w: %s %s: status %d: %s", kind, method, path, status, msg)
}
