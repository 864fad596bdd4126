package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trendpilot/internal/config"
	"trendpilot/internal/gateway/broker"
	"trendpilot/internal/gateway/candidates"
	"trendpilot/internal/gateway/earnings"
	"trendpilot/internal/gateway/notifier"
	"trendpilot/internal/gateway/regime"
	"trendpilot/internal/logger"
	"trendpilot/internal/market"
	"trendpilot/internal/metrics"
	"trendpilot/internal/store"
	"trendpilot/internal/store/sqlite"
	"trendpilot/internal/strategy"
)

type AppBuilder struct {
	cfg *config.Config

	brokerFn     func(config.BrokerConfig) (broker.Broker, error)
	storeFn      func(config.StoreConfig) (store.Store, error)
	regimeFn     func(config.RegimeConfig) (regime.Provider, error)
	candidatesFn func(config.CandidatesConfig) (candidates.Provider, error)
	earningsFn   func(config.EarningsConfig) (earnings.Provider, error)
	notifierFn   func(config.NotifyConfig) notifier.TextNotifier

	now         func() time.Time
	pollEvery   time.Duration
	concurrency int
}

type AppBuilderOption func(*AppBuilder)

func WithBroker(b broker.Broker) AppBuilderOption {
	return func(ab *AppBuilder) {
		ab.brokerFn = func(config.BrokerConfig) (broker.Broker, error) { return b, nil }
	}
}

func WithStore(s store.Store) AppBuilderOption {
	return func(ab *AppBuilder) {
		ab.storeFn = func(config.StoreConfig) (store.Store, error) { return s, nil }
	}
}

func WithRegime(p regime.Provider) AppBuilderOption {
	return func(ab *AppBuilder) {
		ab.regimeFn = func(config.RegimeConfig) (regime.Provider, error) { return p, nil }
	}
}

func WithCandidates(p candidates.Provider) AppBuilderOption {
	return func(ab *AppBuilder) {
		ab.candidatesFn = func(config.CandidatesConfig) (candidates.Provider, error) { return p, nil }
	}
}

// WithEarnings replaces the upstream calendar. The store-backed cache still
// wraps it.
func WithEarnings(p earnings.Provider) AppBuilderOption {
	return func(ab *AppBuilder) {
		ab.earningsFn = func(config.EarningsConfig) (earnings.Provider, error) { return p, nil }
	}
}

func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(ab *AppBuilder) {
		ab.notifierFn = func(config.NotifyConfig) notifier.TextNotifier { return n }
	}
}

func WithClock(now func() time.Time) AppBuilderOption {
	return func(ab *AppBuilder) {
		if now != nil {
			ab.now = now
		}
	}
}

// WithPollInterval sets how often a pyramid add is polled for its fill.
func WithPollInterval(d time.Duration) AppBuilderOption {
	return func(ab *AppBuilder) { ab.pollEvery = d }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:          cfg,
		brokerFn:     buildBroker,
		storeFn:      buildStore,
		regimeFn:     buildRegime,
		candidatesFn: candidates.New,
		earningsFn:   buildEarnings,
		notifierFn:   buildNotifier,
		now:          time.Now,
		concurrency:  8,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// NewApp builds the app from config without running a pass.
func NewApp(cfg *config.Config) (*App, error) {
	return NewAppBuilder(cfg).Build(context.Background())
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetDryRun(cfg.App.DryRun)

	params := strategy.NewParams(cfg.Strategy, cfg.Regime)

	br, err := b.brokerFn(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("init broker: %w", err)
	}
	st, err := b.storeFn(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	rp, err := b.regimeFn(cfg.Regime)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init regime provider: %w", err)
	}
	cp, err := b.candidatesFn(cfg.Candidates)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init candidate provider: %w", err)
	}
	ep, err := b.earningsFn(cfg.Earnings)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init earnings provider: %w", err)
	}
	loc, err := time.LoadLocation(cfg.Earnings.Timezone)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("earnings timezone: %w", err)
	}
	cached := earnings.NewCached(ep, st.Earnings(), time.Duration(cfg.Earnings.CacheTTLHours)*time.Hour, loc)

	loader := market.NewLoader(br, params.Periods, params.BarsLookback)
	loader.SetConcurrency(b.concurrency)

	n := b.notifierFn(cfg.Notify)
	if n == nil {
		n = notifier.Nop{}
	}

	a := &App{
		cfg:        cfg,
		params:     params,
		broker:     br,
		store:      st,
		regime:     rp,
		candidates: cp,
		earnings:   cached,
		loader:     loader,
		notifier:   n,
		metrics:    metrics.New(),
		now:        b.now,
		dryRun:     cfg.App.DryRun,
		fillWait:   time.Duration(cfg.Broker.FillWaitSeconds) * time.Second,
		pollEvery:  b.pollEvery,
	}
	if err := a.validate(); err != nil {
		st.Close()
		return nil, err
	}
	logger.Infof("trendpilot ready (env=%s, broker=%s, dry_run=%v, store=%s)",
		cfg.App.Env, cfg.Broker.Mode, cfg.App.DryRun, cfg.Store.Path)
	return a, nil
}

func buildBroker(cfg config.BrokerConfig) (broker.Broker, error) {
	switch cfg.Mode {
	case "memory":
		logger.Warnf("broker.mode=memory: orders go to an in-process broker with no positions")
		return broker.NewMemoryBroker(0), nil
	default:
		return broker.NewAlpacaClient(cfg)
	}
}

func buildStore(cfg config.StoreConfig) (store.Store, error) {
	return sqlite.NewSqliteStore(cfg.Path)
}

func buildRegime(cfg config.RegimeConfig) (regime.Provider, error) {
	return regime.NewHTTPProvider(cfg)
}

// buildEarnings fails closed without an API key: every lookup errors, so no
// candidate is admitted and held positions are not force-exited.
func buildEarnings(cfg config.EarningsConfig) (earnings.Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		logger.Warnf("earnings.api_key not set: earnings lookups will fail and block entries")
		return earnings.Static{Err: fmt.Errorf("earnings provider not configured")}, nil
	}
	return earnings.NewFinnhubClient(cfg)
}

func buildNotifier(cfg config.NotifyConfig) notifier.TextNotifier {
	tg := cfg.Telegram
	if !tg.Enabled {
		return notifier.Nop{}
	}
	return notifier.NewTelegram(tg.BotToken, tg.ChatID)
}
