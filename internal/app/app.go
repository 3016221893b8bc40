// Package app wires configuration, the exchange, the trader and the HTTP
// surface into one process and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"quantcore/internal/config"
	"quantcore/internal/gateway/guarded"
	"quantcore/internal/logger"
	"quantcore/internal/scheduler"
	"quantcore/internal/store"
	"quantcore/internal/trader"
	livehttp "quantcore/internal/transport/http/live"
)

// ShutdownTimeout bounds how long in-flight executions may take to settle
// once the process is asked to stop.
const ShutdownTimeout = 15 * time.Second

type App struct {
	cfg      *config.Manager
	trader   *trader.Trader
	runner   *scheduler.Runner
	liveHTTP *livehttp.Server
	journal  store.Journal
	exchange *guarded.Adapter
}

// NewApp builds the application without starting it.
func NewApp(ctx context.Context, cfg *config.Manager, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config manager")
	}
	return buildAppWithWire(ctx, cfg, opts)
}

// Run recovers open positions, then drives the per-symbol scheduler, the
// HTTP server and the config watcher until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.trader == nil {
		return fmt.Errorf("app not initialized")
	}
	if err := a.trader.Recover(ctx); err != nil {
		return err
	}
	a.trader.Heartbeat().Beat()

	a.cfg.OnChange(a.applyConfig)
	cfg := a.cfg.Current()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.runner.Start(gctx, cfg.Trading.Symbols, cfg.Trading.Interval, cfg.Trading.StartupDelay, a.tick)
	})
	if a.liveHTTP != nil {
		group.Go(func() error {
			if err := a.liveHTTP.Start(gctx); err != nil {
				return fmt.Errorf("live http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return a.cfg.Watch(gctx)
	})

	runErr := group.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := a.trader.Shutdown(shCtx); err != nil {
		logger.Errorf("App: shutdown did not settle in %s: %v", ShutdownTimeout, err)
		runErr = errors.Join(runErr, err)
	}
	logger.Infof("App: stopped")
	return runErr
}

func (a *App) tick(ctx context.Context, sym string) {
	out, err := a.trader.Evaluate(ctx, sym)
	if err != nil {
		logger.Warnf("App: %s tick action=%s reason=%q err=%v", sym, out.Action, out.Reason, err)
		return
	}
	logger.Debugf("App: %s tick action=%s reason=%q", sym, out.Action, out.Reason)
}

// applyConfig takes the log level live; the trading stack keeps the options
// it was built with until restart.
func (a *App) applyConfig(next config.Config) {
	logger.SetLevel(next.App.LogLevel)
	logger.Infof("App: config changed (log_level=%s); trading and exchange settings apply after restart", next.App.LogLevel)
}

// Close releases the journal. Call after Run returns.
func (a *App) Close() error {
	if a == nil || a.journal == nil {
		return nil
	}
	return a.journal.Close()
}

func (a *App) Trader() *trader.Trader {
	if a == nil {
		return nil
	}
	return a.trader
}

func (a *App) ExchangeStatus() guarded.Status {
	return a.exchange.Status()
}
