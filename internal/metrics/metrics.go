// Package metrics exposes pass-level Prometheus metrics. Both passes are
// short-lived batch jobs, so the registry is pushed to a Pushgateway at the
// end of a run instead of being scraped.
package metrics

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds every collector for one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Orders         *prometheus.CounterVec
	Decisions      *prometheus.CounterVec
	LivePositions  prometheus.Gauge
	MissingStops   prometheus.Gauge
	EntriesAllowed prometheus.Gauge
	MaxNewEntries  prometheus.Gauge
	OpenRiskPct    prometheus.Gauge
	PassDuration   *prometheus.GaugeVec
	LastSuccess    *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendpilot_orders_total",
				Help: "Orders submitted or cancelled, by kind and result",
			},
			[]string{"kind", "result"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendpilot_decisions_total",
				Help: "Controller decisions by kind",
			},
			[]string{"kind"},
		),
		LivePositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trendpilot_live_positions",
			Help: "Long positions reported by the broker",
		}),
		MissingStops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trendpilot_missing_stops",
			Help: "Live positions found without a protective stop this pass",
		}),
		EntriesAllowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trendpilot_entries_allowed",
			Help: "1 when the regime gate admitted new entries",
		}),
		MaxNewEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trendpilot_max_new_entries",
			Help: "Daily entry cap granted by the regime gate",
		}),
		OpenRiskPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trendpilot_open_risk_pct",
			Help: "Open dollar risk as a percent of equity",
		}),
		PassDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trendpilot_pass_duration_seconds",
				Help: "Wall time of the last pass",
			},
			[]string{"pass"},
		),
		LastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trendpilot_last_success_timestamp_seconds",
				Help: "Unix time of the last pass that finished without error",
			},
			[]string{"pass"},
		),
	}
	m.registry.MustRegister(
		m.Orders, m.Decisions, m.LivePositions, m.MissingStops,
		m.EntriesAllowed, m.MaxNewEntries, m.OpenRiskPct, m.PassDuration, m.LastSuccess,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveOrder(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Orders.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveDryRunOrder(kind string) {
	if m == nil {
		return
	}
	m.Orders.WithLabelValues(kind, "dry_run").Inc()
}

func (m *Metrics) ObserveDecision(kind string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetGate(allowed bool, maxNew int) {
	if m == nil {
		return
	}
	v := 0.0
	if allowed {
		v = 1
	}
	m.EntriesAllowed.Set(v)
	m.MaxNewEntries.Set(float64(maxNew))
}

func (m *Metrics) SetPositions(live, missingStops int) {
	if m == nil {
		return
	}
	m.LivePositions.Set(float64(live))
	m.MissingStops.Set(float64(missingStops))
}

func (m *Metrics) SetOpenRiskPct(pct float64) {
	if m == nil {
		return
	}
	m.OpenRiskPct.Set(pct)
}

// FinishPass records duration and, when ok, the success timestamp.
func (m *Metrics) FinishPass(pass string, started, finished time.Time, ok bool) {
	if m == nil {
		return
	}
	m.PassDuration.WithLabelValues(pass).Set(finished.Sub(started).Seconds())
	if ok {
		m.LastSuccess.WithLabelValues(pass).Set(float64(finished.Unix()))
	}
}

// Push sends the registry to a Pushgateway, grouped by pass. An empty url is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job, pass string) error {
	if m == nil || strings.TrimSpace(url) == "" {
		return nil
	}
	return push.New(url, job).
		Gatherer(m.registry).
		Grouping("pass", pass).
		PushContext(ctx)
}
