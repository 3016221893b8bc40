package config

import (
	"fmt"
	"net/url"
	"strings"

	"quantcore/internal/pkg/symbol"
	"quantcore/internal/scheduler"
	"quantcore/internal/signal"
	"quantcore/internal/store"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if err := c.Predictor.validate(); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	return c.Notify.validate()
}

var notifyKinds = map[string]bool{
	store.KindEntry:     true,
	store.KindReject:    true,
	store.KindExit:      true,
	store.KindStopMoved: true,
	store.KindFrozen:    true,
	store.KindRecovered: true,
}

func (n *NotifyConfig) validate() error {
	for _, k := range n.Kinds {
		if !notifyKinds[k] {
			return fmt.Errorf("notify.kinds: unknown kind %q", k)
		}
	}
	if n.Feishu.Enabled {
		if _, err := url.ParseRequestURI(n.Feishu.WebhookURL); err != nil {
			return fmt.Errorf("notify.feishu.webhook_url: %w", err)
		}
	}
	if !n.Telegram.Enabled {
		return nil
	}
	if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
		return fmt.Errorf("notify.telegram.bot_token and chat_id are required when enabled")
	}
	if _, err := url.ParseRequestURI(n.Telegram.BaseURL); err != nil {
		return fmt.Errorf("notify.telegram.base_url: %w", err)
	}
	return nil
}

func (a *AppConfig) validate() error {
	if !validLogLevels[a.LogLevel] {
		return fmt.Errorf("app.log_level must be one of debug, info, warn, error; got %q", a.LogLevel)
	}
	if strings.TrimSpace(a.HTTPAddr) == "" {
		return fmt.Errorf("app.http_addr is required")
	}
	if a.HeartbeatMaxAge <= 0 {
		return fmt.Errorf("app.heartbeat_max_age must be > 0")
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	if e.RESTBaseURL != "" {
		if _, err := url.ParseRequestURI(e.RESTBaseURL); err != nil {
			return fmt.Errorf("exchange.rest_base_url: %w", err)
		}
	}
	if e.Proxy.Enabled {
		if e.Proxy.URL == "" {
			return fmt.Errorf("exchange.proxy.url is required when the proxy is enabled")
		}
		if _, err := url.ParseRequestURI(e.Proxy.URL); err != nil {
			return fmt.Errorf("exchange.proxy.url: %w", err)
		}
	}
	if e.RateLimitPerSec <= 0 || e.RateBurst <= 0 {
		return fmt.Errorf("exchange rate limit must be positive: %v/s burst %d", e.RateLimitPerSec, e.RateBurst)
	}
	if e.Retry.MaxAttempts < 1 {
		return fmt.Errorf("exchange.retry.max_attempts must be >= 1")
	}
	if e.Breaker.MaxCooldown < e.Breaker.MinCooldown {
		return fmt.Errorf("exchange.breaker.max_cooldown below min_cooldown")
	}
	return nil
}

func (p *PredictorConfig) validate() error {
	if _, err := url.ParseRequestURI(p.BaseURL); err != nil {
		return fmt.Errorf("predictor.base_url: %w", err)
	}
	if len(p.Horizons) == 0 {
		return fmt.Errorf("predictor.horizons cannot be empty")
	}
	for _, h := range p.Horizons {
		if !validInterval(h) {
			return fmt.Errorf("predictor.horizons: invalid horizon %q", h)
		}
	}
	return nil
}

func (t *TradingConfig) validate() error {
	if len(t.Symbols) == 0 {
		return fmt.Errorf("trading.symbols cannot be empty")
	}
	for _, s := range t.Symbols {
		if symbol.Normalize(s) == "" {
			return fmt.Errorf("trading.symbols: %q is not a BASE/QUOTE pair", s)
		}
	}
	if t.Interval <= 0 {
		return fmt.Errorf("trading.interval must be > 0")
	}
	if t.StartupDelay < 0 || t.TickOffset < 0 {
		return fmt.Errorf("trading.startup_delay and trading.tick_offset cannot be negative")
	}
	if !validInterval(t.KlineInterval) {
		return fmt.Errorf("trading.kline_interval: invalid interval %q", t.KlineInterval)
	}
	if t.MinNotional < 0 {
		return fmt.Errorf("trading.min_notional cannot be negative")
	}
	if t.MakerTimeout <= 0 {
		return fmt.Errorf("trading.maker_timeout must be > 0")
	}
	if t.BreakoutProbability <= 0.5 || t.BreakoutProbability >= 1 {
		return fmt.Errorf("trading.breakout_probability must be in (0.5,1), got %v", t.BreakoutProbability)
	}
	switch signal.ConflictPolicy(t.ConflictPolicy) {
	case signal.ConflictTrendWins, signal.ConflictSkip:
	default:
		return fmt.Errorf("trading.conflict_policy must be %q or %q, got %q",
			signal.ConflictTrendWins, signal.ConflictSkip, t.ConflictPolicy)
	}
	if err := t.SizingOptions().Validate(); err != nil {
		return fmt.Errorf("trading: %w", err)
	}
	if err := t.RiskOptions().Validate(); err != nil {
		return fmt.Errorf("trading: %w", err)
	}
	if err := t.Thresholds().Validate(); err != nil {
		return fmt.Errorf("trading.regime: %w", err)
	}
	if t.Regime.ATRWindow < 2 {
		return fmt.Errorf("trading.regime.atr_window must be >= 2")
	}
	if err := t.Table().Validate(); err != nil {
		return fmt.Errorf("trading.profiles: %w", err)
	}
	if err := t.LifecycleOptions().Validate(); err != nil {
		return fmt.Errorf("trading.lifecycle: %w", err)
	}
	return nil
}

func validInterval(s string) bool {
	_, ok := scheduler.ParseInterval(s)
	return ok
}
