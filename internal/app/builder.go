package app

import (
	"context"
	"fmt"

	"quantcore/internal/config"
	"quantcore/internal/execution"
	"quantcore/internal/gateway/binance"
	"quantcore/internal/gateway/exchange"
	"quantcore/internal/gateway/guarded"
	"quantcore/internal/gateway/notifier"
	"quantcore/internal/gateway/predictor"
	"quantcore/internal/lifecycle"
	"quantcore/internal/logger"
	"quantcore/internal/regime"
	"quantcore/internal/risk"
	"quantcore/internal/scheduler"
	"quantcore/internal/signal"
	"quantcore/internal/sizing"
	"quantcore/internal/store"
	"quantcore/internal/trader"
	livehttp "quantcore/internal/transport/http/live"
)

// Venue is the exchange connection: the order gateway plus the kline feed.
type Venue interface {
	exchange.Gateway
	binance.CandleSource
}

type AppBuilder struct {
	cfg *config.Manager

	venueFn      func(config.ExchangeConfig) (Venue, error)
	forecasterFn func(config.PredictorConfig) (trader.Forecaster, error)
	journalFn    func(config.StoreConfig) (*store.Store, error)
	senderFn     func(config.NotifyConfig) notifier.TextNotifier
	liveHTTPFn   func(livehttp.ServerConfig) (*livehttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

// WithVenue replaces the Binance connection, mainly for tests.
func WithVenue(fn func(config.ExchangeConfig) (Venue, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.venueFn = fn }
}

func WithForecaster(fn func(config.PredictorConfig) (trader.Forecaster, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.forecasterFn = fn }
}

func WithSender(fn func(config.NotifyConfig) notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) { b.senderFn = fn }
}

func NewAppBuilder(cfg *config.Manager, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:          cfg,
		venueFn:      buildVenue,
		forecasterFn: buildForecaster,
		journalFn:    buildJournal,
		senderFn:     config.NotifyConfig.Sender,
		liveHTTPFn:   livehttp.NewServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func buildVenue(cfg config.ExchangeConfig) (Venue, error) {
	return binance.New(cfg.BinanceConfig())
}

func buildForecaster(cfg config.PredictorConfig) (trader.Forecaster, error) {
	return predictor.New(cfg.ClientConfig())
}

func buildJournal(cfg config.StoreConfig) (*store.Store, error) {
	return store.Open(cfg.Path)
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config manager")
	}
	cfg := b.cfg.Current()
	tc := cfg.Trading
	logger.SetLevel(cfg.App.LogLevel)

	venue, err := b.venueFn(cfg.Exchange)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}
	gw := guarded.New(venue, cfg.Exchange.GuardedOptions())

	forecaster, err := b.forecasterFn(cfg.Predictor)
	if err != nil {
		return nil, fmt.Errorf("predictor: %w", err)
	}

	db, err := b.journalFn(cfg.Store)
	if err != nil {
		return nil, err
	}
	var journal store.Journal = db
	if sender := b.senderFn(cfg.Notify); sender != nil {
		journal = notifier.NewJournal(db, sender, cfg.Notify.Kinds)
		logger.Infof("App: chat notifications on for %v and closed trades", cfg.Notify.Kinds)
	}

	hb := logger.NewHeartbeat()
	tr, err := trader.New(trader.Deps{
		// klines are public and unsigned; only the book goes through the guard
		Market:     binance.NewMarketData(venue, gw, tc.MarketDataOptions()),
		Forecaster: forecaster,
		Gateway:    gw,
		Classifier: regime.NewClassifier(tc.Thresholds(), tc.Table()),
		Evaluator:  signal.NewEvaluator(tc.SignalOptions()),
		Sizer:      sizing.NewSizer(tc.SizingOptions()),
		Guard:      risk.NewGuard(tc.RiskOptions()),
		Engine:     execution.NewEngine(gw, tc.ExecutionOptions()),
		Lifecycle:  lifecycle.NewManager(tc.LifecycleOptions()),
		Journal:    journal,
		Heartbeat:  hb,
	}, trader.Options{MinNotional: tc.MinNotional})
	if err != nil {
		_ = journal.Close()
		return nil, err
	}

	server, err := b.liveHTTPFn(livehttp.ServerConfig{
		Addr:     cfg.App.HTTPAddr,
		Trader:   tr,
		Config:   b.cfg,
		Journal:  db,
		Exchange: gw,
		LogPaths: map[string]string{"app": cfg.App.LogPath},
	})
	if err != nil {
		_ = journal.Close()
		return nil, err
	}

	alignTo, offset := tc.Alignment()
	logger.Infof("App: %d symbols %v every %s (stagger %s, kline %s, aligned=%v)",
		len(tc.Symbols), tc.Symbols, tc.Interval, tc.StartupDelay, tc.KlineInterval, tc.AlignTicks)

	return &App{
		cfg:      b.cfg,
		trader:   tr,
		runner:   scheduler.NewRunner(alignTo, offset),
		liveHTTP: server,
		journal:  journal,
		exchange: gw,
	}, nil
}
