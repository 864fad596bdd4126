package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveOrder("stop", nil)
	m.ObserveOrder("stop", errors.New("rejected"))
	m.ObserveOrder("stop", nil)
	m.ObserveDecision("entry_deny")
	m.SetGate(true, 4)

	values := gathered(t, m)
	assert.InDelta(t, 2.0, values["trendpilot_orders_total{kind=stop,result=ok}"], 1e-9)
	assert.InDelta(t, 1.0, values["trendpilot_orders_total{kind=stop,result=error}"], 1e-9)
	assert.InDelta(t, 1.0, values["trendpilot_decisions_total{kind=entry_deny}"], 1e-9)
	assert.InDelta(t, 4.0, values["trendpilot_max_new_entries"], 1e-9)
	assert.InDelta(t, 1.0, values["trendpilot_entries_allowed"], 1e-9)
}

// gathered flattens the registry into name{label=value,...} -> value.
func gathered(t *testing.T, m *Metrics) map[string]float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	out := map[string]float64{}
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			key := fam.GetName()
			if labels := metric.GetLabel(); len(labels) > 0 {
				parts := make([]string, 0, len(labels))
				for _, l := range labels {
					parts = append(parts, l.GetName()+"="+l.GetValue())
				}
				key += "{" + strings.Join(parts, ",") + "}"
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOrder("stop", nil)
	m.SetPositions(1, 1)
	m.FinishPass("strategy", time.Now(), time.Now(), true)
	assert.NoError(t, m.Push(context.Background(), "http://unused", "job", "strategy"))
}

func TestPushGroupsByPass(t *testing.T) {
	var path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	start := time.Unix(1_700_000_000, 0)
	m.FinishPass("safetynet", start, start.Add(3*time.Second), true)
	require.NoError(t, m.Push(context.Background(), srv.URL, "trendpilot", "safetynet"))
	assert.Equal(t, "/metrics/job/trendpilot/pass/safetynet", path)
	assert.NotEmpty(t, body)
}
