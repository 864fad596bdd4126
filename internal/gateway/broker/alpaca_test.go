package broker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trendpilot/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAlpaca(t *testing.T, handler http.HandlerFunc) *AlpacaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewAlpacaClient(config.BrokerConfig{
		TradingURL:             srv.URL,
		DataURL:                srv.URL,
		APIKey:                 "key",
		APISecret:              "secret",
		TimeoutSeconds:         2,
		RateLimitPerMin:        6000,
		BreakerThreshold:       2,
		BreakerCooldownSeconds: 60,
	})
	require.NoError(t, err)
	return c
}

func TestAlpacaPositionsParsesStringNumbers(t *testing.T) {
	c := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		assert.Equal(t, "/v2/positions", r.URL.Path)
		_, _ = io.WriteString(w, `[{"symbol":"AAPL","qty":"37","avg_entry_price":"100.5","current_price":"110.25","market_value":"4079.25","unrealized_pl":"360.75"}]`)
	})

	positions, err := c.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.InDelta(t, 37, positions[0].Qty, 1e-9)
	assert.InDelta(t, 110.25, positions[0].CurrentPrice, 1e-9)
}

func TestAlpacaSubmitOrderFormatsPrices(t *testing.T) {
	var got map[string]any
	c := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"id":"o-1","symbol":"AAPL","side":"sell","type":"stop","qty":"37","filled_qty":"0","stop_price":"92.13","limit_price":null,"status":"accepted","time_in_force":"day","submitted_at":"2026-03-02T15:00:00Z"}`)
	})

	order, err := c.SubmitOrder(context.Background(), OrderRequest{
		Symbol: "aapl", Side: SideSell, Type: OrderTypeStop, Qty: 37, StopPrice: 92.1299999,
	})
	require.NoError(t, err)
	assert.Equal(t, "AAPL", got["symbol"])
	assert.Equal(t, "37", got["qty"])
	assert.Equal(t, "92.13", got["stop_price"])
	assert.Equal(t, "day", got["time_in_force"])
	_, hasLimit := got["limit_price"]
	assert.False(t, hasLimit)
	assert.True(t, order.IsProtectiveStop())
	assert.InDelta(t, 92.13, order.StopPrice, 1e-9)
}

func TestAlpacaErrorClassification(t *testing.T) {
	status := http.StatusNotFound
	c := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"code":40310000,"message":"insufficient qty available for order"}`)
	})
	ctx := context.Background()

	_, err := c.Position(ctx, "AAPL")
	assert.ErrorIs(t, err, ErrNotFound)

	status = http.StatusForbidden
	_, err = c.SubmitOrder(ctx, OrderRequest{Symbol: "AAPL", Side: SideSell, Type: OrderTypeMarket, Qty: 1})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "insufficient qty")

	status = http.StatusServiceUnavailable
	_, err = c.Account(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.Account(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	// breaker is now open; the request never reaches the server
	_, err = c.Account(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestAlpacaDailyBarsPagesAndTrims(t *testing.T) {
	calls := 0
	c := newTestAlpaca(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/v2/stocks/AAPL/bars", r.URL.Path)
		assert.Equal(t, "1Day", r.URL.Query().Get("timeframe"))
		assert.NotEmpty(t, r.URL.Query().Get("start"))
		if r.URL.Query().Get("page_token") == "" {
			_, _ = io.WriteString(w, `{"bars":[{"t":"2026-03-02T05:00:00Z","o":1,"h":2,"l":0.5,"c":1.5,"v":10},{"t":"2026-03-03T05:00:00Z","o":1.5,"h":2.5,"l":1,"c":2,"v":11}],"next_page_token":"p2"}`)
			return
		}
		_, _ = io.WriteString(w, `{"bars":[{"t":"2026-03-04T05:00:00Z","o":2,"h":3,"l":1.5,"c":2.5,"v":12}],"next_page_token":null}`)
	})
	c.now = func() time.Time { return time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC) }

	bars, err := c.DailyBars(context.Background(), "AAPL", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, bars, 2)
	assert.InDelta(t, 2, bars[0].Close, 1e-9)
	assert.InDelta(t, 2.5, bars[1].Close, 1e-9)
}
