// Package app wires the two batch passes: the daily strategy pass and the
// safety-net pass. Each invocation runs one pass to completion and exits.
package app

import (
	"errors"
	"fmt"
	"time"

	"trendpilot/internal/config"
	"trendpilot/internal/executor"
	"trendpilot/internal/gateway/broker"
	"trendpilot/internal/gateway/candidates"
	"trendpilot/internal/gateway/earnings"
	"trendpilot/internal/gateway/notifier"
	"trendpilot/internal/gateway/regime"
	"trendpilot/internal/market"
	"trendpilot/internal/metrics"
	"trendpilot/internal/store"
	"trendpilot/internal/strategy"
)

const (
	PassStrategy  = "strategy"
	PassSafetyNet = "safetynet"

	runLockName = "trendpilot"
)

// ErrRegimeUnusable is returned by the strategy pass when entries were
// blocked because the regime signal could not be fetched or was stale.
// Existing positions were still managed.
var ErrRegimeUnusable = errors.New("regime signal unusable")

// App holds the dependencies of one batch run.
type App struct {
	cfg        *config.Config
	params     strategy.Params
	broker     broker.Broker
	store      store.Store
	regime     regime.Provider
	candidates candidates.Provider
	earnings   earnings.Provider
	loader     *market.Loader
	notifier   notifier.TextNotifier
	metrics    *metrics.Metrics
	now        func() time.Time
	dryRun     bool
	fillWait   time.Duration
	pollEvery  time.Duration
}

func (a *App) Params() strategy.Params { return a.params }

func (a *App) Store() store.Store { return a.store }

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

func (a *App) DryRun() bool { return a.dryRun }

// Close releases the store.
func (a *App) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	return a.store.Close()
}

func (a *App) newExecutor(rec executor.Recorder) *executor.Executor {
	return executor.New(a.broker, executor.Options{
		DryRun:       a.dryRun,
		FillWait:     a.fillWait,
		PollInterval: a.pollEvery,
		Recorder:     rec,
		Metrics:      a.metrics,
	})
}

func (a *App) validate() error {
	switch {
	case a.cfg == nil:
		return fmt.Errorf("nil config")
	case a.broker == nil:
		return fmt.Errorf("broker not initialized")
	case a.store == nil:
		return fmt.Errorf("store not initialized")
	case a.regime == nil:
		return fmt.Errorf("regime provider not initialized")
	case a.candidates == nil:
		return fmt.Errorf("candidate provider not initialized")
	case a.earnings == nil:
		return fmt.Errorf("earnings provider not initialized")
	}
	return nil
}
