package regime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trendpilot/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, body string) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	p, err := NewHTTPProvider(config.RegimeConfig{URL: srv.URL, TimeoutSeconds: 2})
	require.NoError(t, err)
	return p
}

func TestFetchParsesDocument(t *testing.T) {
	p := serve(t, `{"datetime":"2026-03-02T21:05:00","background_color":"Yellow","above_200ma":true,"combined_mm_signals":2,"VIX_close":18.4}`)
	sig, err := p.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ColorYellow, sig.Color)
	assert.Equal(t, time.Date(2026, 3, 2, 21, 5, 0, 0, time.UTC), sig.AsOf)
	assert.True(t, sig.HasVIX)
	assert.InDelta(t, 18.4, sig.VIXClose, 1e-9)
	assert.True(t, sig.Above200MA)
	assert.Equal(t, 2, sig.CombinedMMSignals)
}

func TestFetchRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown color":    `{"datetime":"2026-03-02T21:05:00Z","background_color":"purple"}`,
		"missing datetime": `{"background_color":"green"}`,
		"bad datetime":     `{"datetime":"yesterday-ish","background_color":"green"}`,
		"not json":         `<html>`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := serve(t, body).Fetch(context.Background())
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestMissingVIXIsFlagged(t *testing.T) {
	p := serve(t, `{"datetime":"2026-03-02T21:05:00Z","background_color":"green","VIX_close":null}`)
	sig, err := p.Fetch(context.Background())
	require.NoError(t, err)
	assert.False(t, sig.HasVIX)
}

func TestStaleness(t *testing.T) {
	asOf := time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)
	sig := Signal{Color: ColorGreen, AsOf: asOf}
	maxAge := 96 * time.Hour

	assert.NoError(t, sig.CheckFresh(asOf.Add(95*time.Hour), maxAge))
	assert.ErrorIs(t, sig.CheckFresh(asOf.Add(97*time.Hour), maxAge), ErrStale)
	assert.True(t, Signal{Color: ColorGreen}.Stale(asOf, maxAge))
}

func TestColorTiers(t *testing.T) {
	assert.Less(t, ColorRed.Tier(), ColorOrange.Tier())
	assert.Less(t, ColorOrange.Tier(), ColorYellow.Tier())
	assert.Less(t, ColorYellow.Tier(), ColorGreen.Tier())
	assert.True(t, ColorRed.RiskOff())
	_, err := ParseColor("blue")
	assert.ErrorIs(t, err, ErrInvalid)
}
