package config

import (
	"os"
	"strings"
	"time"

	"quantcore/internal/execution"
	"quantcore/internal/gateway/guarded"
	"quantcore/internal/gateway/notifier"
	"quantcore/internal/lifecycle"
	"quantcore/internal/pkg/symbol"
	"quantcore/internal/regime"
	"quantcore/internal/risk"
	"quantcore/internal/signal"
	"quantcore/internal/sizing"
)

const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppHTTPAddr     = ":9991"
	defaultAppLogPath      = "data/logs/quantcore.log"
	defaultAppLockPath     = "data/quantcore.lock"
	defaultLogMaxSizeMB    = 100
	defaultLogMaxBackups   = 5
	defaultLogMaxAgeDays   = 14
	defaultHeartbeatMaxAge = 3 * time.Minute
	defaultRecvWindow      = 5 * time.Second
	defaultHTTPTimeout     = 10 * time.Second
	defaultRulesTTL        = time.Hour
	defaultPredictorURL    = "http://127.0.0.1:8000"
	defaultPredictorWait   = 2 * time.Second
	defaultInterval        = time.Minute
	defaultStartupDelay    = 2 * time.Second
	defaultKlineInterval   = "1m"
	defaultTickOffset      = 3 * time.Second
	defaultATRWindow       = 50
	defaultStorePath       = "data/quantcore.db"

	defaultTelegramURL = "https://api.telegram.org"

	envAPIKey    = "BINANCE_API_KEY"
	envAPISecret = "BINANCE_SECRET"
)

var defaultHorizons = []string{"10m", "30m", "60m"}

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Predictor.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		intFieldDefault("app.log_max_size_mb", &a.LogMaxSizeMB, defaultLogMaxSizeMB),
		intFieldDefault("app.log_max_backups", &a.LogMaxBackups, defaultLogMaxBackups),
		intFieldDefault("app.log_max_age_days", &a.LogMaxAgeDays, defaultLogMaxAgeDays),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.lock_path", &a.LockPath, defaultAppLockPath),
		durationFieldDefault("app.heartbeat_max_age", &a.HeartbeatMaxAge, defaultHeartbeatMaxAge),
	)
	a.LogLevel = strings.ToLower(strings.TrimSpace(a.LogLevel))
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	g := guarded.DefaultOptions()
	applyFieldDefaults(keys,
		durationFieldDefault("exchange.recv_window", &e.RecvWindow, defaultRecvWindow),
		durationFieldDefault("exchange.http_timeout", &e.HTTPTimeout, defaultHTTPTimeout),
		durationFieldDefault("exchange.rules_ttl", &e.RulesTTL, defaultRulesTTL),
		floatFieldDefault("exchange.rate_limit_per_sec", &e.RateLimitPerSec, g.RatePerSec),
		intFieldDefault("exchange.rate_burst", &e.RateBurst, g.Burst),
		intFieldDefault("exchange.retry.max_attempts", &e.Retry.MaxAttempts, g.MaxAttempts),
		durationFieldDefault("exchange.retry.delay", &e.Retry.Delay, g.RetryDelay),
		intFieldDefault("exchange.breaker.threshold", &e.Breaker.Threshold, g.Breaker.Threshold),
		durationFieldDefault("exchange.breaker.min_cooldown", &e.Breaker.MinCooldown, g.Breaker.MinCooldown),
		durationFieldDefault("exchange.breaker.max_cooldown", &e.Breaker.MaxCooldown, g.Breaker.MaxCooldown),
	)
	e.APIKey = strings.TrimSpace(e.APIKey)
	e.APISecret = strings.TrimSpace(e.APISecret)
	e.RESTBaseURL = strings.TrimSpace(e.RESTBaseURL)
	if e.APIKey == "" {
		if v := strings.TrimSpace(os.Getenv(envAPIKey)); v != "" {
			e.APIKey, e.keyFromEnv = v, true
		}
	}
	if e.APISecret == "" {
		if v := strings.TrimSpace(os.Getenv(envAPISecret)); v != "" {
			e.APISecret, e.secretFromEnv = v, true
		}
	}
	e.Proxy.normalize()
	e.Proxy.Clear = false
}

func (p *PredictorConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("predictor.base_url", &p.BaseURL, defaultPredictorURL),
		durationFieldDefault("predictor.timeout", &p.Timeout, defaultPredictorWait),
		fieldDefault{
			key:   "predictor.horizons",
			need:  func() bool { return len(p.Horizons) == 0 },
			apply: func() { p.Horizons = append([]string(nil), defaultHorizons...) },
		},
	)
	p.Horizons = normalizeList(p.Horizons)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	sz := sizing.DefaultOptions()
	rk := risk.DefaultOptions()
	sg := signal.DefaultOptions()
	ex := execution.DefaultOptions()
	applyFieldDefaults(keys,
		durationFieldDefault("trading.interval", &t.Interval, defaultInterval),
		durationFieldDefault("trading.startup_delay", &t.StartupDelay, defaultStartupDelay),
		stringFieldDefault("trading.kline_interval", &t.KlineInterval, defaultKlineInterval),
		durationFieldDefault("trading.tick_offset", &t.TickOffset, defaultTickOffset),
		floatFieldDefault("trading.risk_cap", &t.RiskCap, sz.RiskCap),
		floatFieldDefault("trading.base_leverage", &t.BaseLeverage, sz.BaseLeverage),
		floatFieldDefault("trading.high_conf_leverage", &t.HighConfLeverage, sz.HighConfLeverage),
		floatFieldDefault("trading.high_conf_probability", &t.HighConfProbability, sz.HighConfProbability),
		floatFieldDefault("trading.max_leverage", &t.MaxLeverage, sz.MaxLeverage),
		floatFieldDefault("trading.portfolio_leverage_cap", &t.PortfolioLeverageCap, rk.PortfolioLeverageCap),
		floatFieldDefault("trading.correlation_threshold", &t.CorrelationThreshold, rk.CorrelationThreshold),
		intFieldDefault("trading.correlation_window", &t.CorrelationWindow, rk.CorrelationWindow),
		floatFieldDefault("trading.vol_scale_min", &t.VolScaleMin, sz.VolScaleMin),
		floatFieldDefault("trading.vol_scale_max", &t.VolScaleMax, sz.VolScaleMax),
		floatFieldDefault("trading.base_atr_pct", &t.BaseATRPct, sz.BaseATRPct),
		durationFieldDefault("trading.maker_timeout", &t.MakerTimeout, ex.MakerTimeout),
		floatFieldDefault("trading.breakout_probability", &t.BreakoutProbability, sg.BreakoutProbability),
		floatFieldDefault("trading.breakout_margin", &t.BreakoutMargin, sg.BreakoutMargin),
		stringFieldDefault("trading.scalp_horizon", &t.ScalpHorizon, sg.ScalpHorizon),
		stringFieldDefault("trading.conflict_policy", &t.ConflictPolicy, string(sg.Conflict)),
	)
	t.Symbols = normalizeSymbols(t.Symbols)
	t.ConflictPolicy = strings.ToLower(strings.TrimSpace(t.ConflictPolicy))
	t.Regime.applyDefaults(keys)
	t.Lifecycle.applyDefaults(keys)
	t.applyProfileDefaults(keys)
}

func (r *RegimeConfig) applyDefaults(keys keySet) {
	th := regime.DefaultThresholds()
	applyFieldDefaults(keys,
		floatFieldDefault("trading.regime.adx_trending", &r.ADXTrending, th.ADXTrending),
		floatFieldDefault("trading.regime.adx_ranging", &r.ADXRanging, th.ADXRanging),
		floatFieldDefault("trading.regime.atr_low_pct", &r.ATRLowPct, th.ATRLow),
		floatFieldDefault("trading.regime.atr_high_pct", &r.ATRHighPct, th.ATRHigh),
		intFieldDefault("trading.regime.atr_window", &r.ATRWindow, defaultATRWindow),
	)
}

func (l *LifecycleConfig) applyDefaults(keys keySet) {
	def := lifecycle.DefaultOptions()
	applyFieldDefaults(keys,
		floatFieldDefault("trading.lifecycle.breakeven_trigger", &l.BreakevenTrigger, def.BreakevenTrigger),
		floatFieldDefault("trading.lifecycle.breakeven_offset", &l.BreakevenOffset, def.BreakevenOffset),
		floatFieldDefault("trading.lifecycle.lock_trigger", &l.LockTrigger, def.LockTrigger),
		floatFieldDefault("trading.lifecycle.lock_offset", &l.LockOffset, def.LockOffset),
		floatFieldDefault("trading.lifecycle.trail_retrace", &l.TrailRetrace, def.TrailRetrace),
		floatFieldDefault("trading.lifecycle.partial_trigger", &l.PartialTrigger, def.PartialTrigger),
		floatFieldDefault("trading.lifecycle.partial_ratio", &l.PartialRatio, def.PartialRatio),
	)
}

// applyProfileDefaults fills each regime profile field by field, so a file
// may override a single threshold of one regime.
func (t *TradingConfig) applyProfileDefaults(keys keySet) {
	if t.Profiles == nil {
		t.Profiles = make(map[string]ProfileConfig, 3)
	}
	normalized := make(map[string]ProfileConfig, len(t.Profiles))
	for name, p := range t.Profiles {
		normalized[strings.ToLower(strings.TrimSpace(name))] = p
	}
	t.Profiles = normalized
	for r, def := range regime.DefaultTable() {
		name := strings.ToLower(string(r))
		p := t.Profiles[name]
		prefix := "trading.profiles." + name + "."
		applyFieldDefaults(keys,
			floatFieldDefault(prefix+"stop_pct", &p.StopPct, def.StopPct),
			floatFieldDefault(prefix+"target_pct", &p.TargetPct, def.TargetPct),
			floatFieldDefault(prefix+"probability_threshold", &p.ProbabilityThreshold, def.ProbabilityThreshold),
			floatFieldDefault(prefix+"rsi_ceiling", &p.RSICeiling, def.RSICeiling),
			stringFieldDefault(prefix+"trend_reference", &p.TrendReference, string(def.TrendReference)),
			floatFieldDefault(prefix+"leverage_cap", &p.LeverageCap, def.LeverageCap),
			floatFieldDefault(prefix+"size_multiplier", &p.SizeMultiplier, def.SizeMultiplier),
			boolFieldDefault(prefix+"microstructure_filter", &p.MicrostructureFilter, def.UsesMicrostructureFilter),
		)
		t.Profiles[name] = p
	}
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
	)
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	if n == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("notify.telegram.base_url", &n.Telegram.BaseURL, defaultTelegramURL),
	)
	n.Telegram.BotToken = strings.TrimSpace(n.Telegram.BotToken)
	n.Telegram.ChatID = strings.TrimSpace(n.Telegram.ChatID)
	n.Feishu.WebhookURL = strings.TrimSpace(n.Feishu.WebhookURL)
	n.Kinds = normalizeList(n.Kinds)
	if len(n.Kinds) == 0 {
		n.Kinds = append([]string(nil), notifier.DefaultKinds...)
	}
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

// normalizeList trims, drops empties and duplicates, keeping order.
func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// normalizeSymbols maps every entry to the internal BASE/QUOTE form. An
// entry that is not a pair is kept as written so validation reports it.
func normalizeSymbols(in []string) []string {
	out := normalizeList(in)
	for i, s := range out {
		if norm := symbol.Normalize(s); norm != "" {
			out[i] = norm
		}
	}
	return normalizeList(out)
}
