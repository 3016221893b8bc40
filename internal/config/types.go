package config

import (
	"strings"
	"time"
)

// Config is the full process configuration. The yaml tags serve both the
// viper decode and the yaml.v3 write-back.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Predictor PredictorConfig `yaml:"predictor"`
	Trading   TradingConfig   `yaml:"trading"`
	Store     StoreConfig     `yaml:"store"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type AppConfig struct {
	Env             string        `yaml:"env"`
	LogLevel        string        `yaml:"log_level"`
	LogPath         string        `yaml:"log_path"`
	LogMaxSizeMB    int           `yaml:"log_max_size_mb"`
	LogMaxBackups   int           `yaml:"log_max_backups"`
	LogMaxAgeDays   int           `yaml:"log_max_age_days"`
	HTTPAddr        string        `yaml:"http_addr"`
	LockPath        string        `yaml:"lock_path"`
	HeartbeatMaxAge time.Duration `yaml:"heartbeat_max_age"`
}

type ExchangeConfig struct {
	APIKey          string        `yaml:"api_key"`
	APISecret       string        `yaml:"api_secret"`
	RESTBaseURL     string        `yaml:"rest_base_url"`
	Testnet         bool          `yaml:"testnet"`
	RecvWindow      time.Duration `yaml:"recv_window"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	RulesTTL        time.Duration `yaml:"rules_ttl"`
	Proxy           ProxyConfig   `yaml:"proxy"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateBurst       int           `yaml:"rate_burst"`
	Retry           RetryConfig   `yaml:"retry"`
	Breaker         BreakerConfig `yaml:"breaker"`

	// set when the credentials came from the environment; they are never
	// written back to the file
	keyFromEnv    bool
	secretFromEnv bool
}

// ProxyConfig is the transport setting an update may not drop silently:
// a patch that omits it keeps the prior value, Clear removes it.
type ProxyConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Clear   bool   `yaml:"clear,omitempty"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.URL = strings.TrimSpace(p.URL)
}

func (p ProxyConfig) empty() bool {
	return !p.Enabled && p.URL == ""
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
}

type BreakerConfig struct {
	Threshold   int           `yaml:"threshold"`
	MinCooldown time.Duration `yaml:"min_cooldown"`
	MaxCooldown time.Duration `yaml:"max_cooldown"`
}

type PredictorConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Horizons []string      `yaml:"horizons"`
	Timeout  time.Duration `yaml:"timeout"`
}

type TradingConfig struct {
	Symbols       []string      `yaml:"symbols"`
	Interval      time.Duration `yaml:"interval"`
	StartupDelay  time.Duration `yaml:"startup_delay"`
	KlineInterval string        `yaml:"kline_interval"`
	// AlignTicks starts the first round just after a kline_interval candle
	// closes, TickOffset later.
	AlignTicks bool          `yaml:"align_ticks"`
	TickOffset time.Duration `yaml:"tick_offset"`

	RiskCap              float64 `yaml:"risk_cap"`
	BaseLeverage         float64 `yaml:"base_leverage"`
	HighConfLeverage     float64 `yaml:"high_conf_leverage"`
	HighConfProbability  float64 `yaml:"high_conf_probability"`
	MaxLeverage          float64 `yaml:"max_leverage"`
	PortfolioLeverageCap float64 `yaml:"portfolio_leverage_cap"`
	CorrelationThreshold float64 `yaml:"correlation_threshold"`
	CorrelationWindow    int     `yaml:"correlation_window"`
	VolScaleMin          float64 `yaml:"vol_scale_min"`
	VolScaleMax          float64 `yaml:"vol_scale_max"`
	BaseATRPct           float64 `yaml:"base_atr_pct"`
	MinNotional          float64 `yaml:"min_notional"`

	MakerTimeout        time.Duration `yaml:"maker_timeout"`
	BreakoutProbability float64       `yaml:"breakout_probability"`
	BreakoutMargin      float64       `yaml:"breakout_margin"`
	ScalpHorizon        string        `yaml:"scalp_horizon"`
	ConflictPolicy      string        `yaml:"conflict_policy"`

	Regime    RegimeConfig             `yaml:"regime"`
	Profiles  map[string]ProfileConfig `yaml:"profiles"`
	Lifecycle LifecycleConfig          `yaml:"lifecycle"`
}

type RegimeConfig struct {
	ADXTrending float64 `yaml:"adx_trending"`
	ADXRanging  float64 `yaml:"adx_ranging"`
	ATRLowPct   float64 `yaml:"atr_low_pct"`
	ATRHighPct  float64 `yaml:"atr_high_pct"`
	ATRWindow   int     `yaml:"atr_window"`
}

type ProfileConfig struct {
	StopPct              float64 `yaml:"stop_pct"`
	TargetPct            float64 `yaml:"target_pct"`
	ProbabilityThreshold float64 `yaml:"probability_threshold"`
	RSICeiling           float64 `yaml:"rsi_ceiling"`
	TrendReference       string  `yaml:"trend_reference"`
	LeverageCap          float64 `yaml:"leverage_cap"`
	SizeMultiplier       float64 `yaml:"size_multiplier"`
	MicrostructureFilter bool    `yaml:"microstructure_filter"`
}

type LifecycleConfig struct {
	BreakevenTrigger float64 `yaml:"breakeven_trigger"`
	BreakevenOffset  float64 `yaml:"breakeven_offset"`
	LockTrigger      float64 `yaml:"lock_trigger"`
	LockOffset       float64 `yaml:"lock_offset"`
	TrailRetrace     float64 `yaml:"trail_retrace"`
	PartialTrigger   float64 `yaml:"partial_trigger"`
	PartialRatio     float64 `yaml:"partial_ratio"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// NotifyConfig selects which journal events are pushed to chat.
type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Feishu   FeishuConfig   `yaml:"feishu"`
	// Kinds lists the audit kinds pushed besides closed trades.
	Kinds []string `yaml:"kinds"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	BaseURL  string `yaml:"base_url"`
}

type FeishuConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// Redacted returns a copy safe to serve over HTTP.
func (c Config) Redacted() Config {
	out := c.clone()
	if out.Exchange.APIKey != "" {
		out.Exchange.APIKey = mask(out.Exchange.APIKey)
	}
	if out.Exchange.APISecret != "" {
		out.Exchange.APISecret = "***"
	}
	if out.Notify.Telegram.BotToken != "" {
		out.Notify.Telegram.BotToken = mask(out.Notify.Telegram.BotToken)
	}
	if out.Notify.Feishu.WebhookURL != "" {
		out.Notify.Feishu.WebhookURL = mask(out.Notify.Feishu.WebhookURL)
	}
	return out
}

func mask(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

func (c Config) clone() Config {
	out := c
	out.Predictor.Horizons = append([]string(nil), c.Predictor.Horizons...)
	out.Trading.Symbols = append([]string(nil), c.Trading.Symbols...)
	out.Notify.Kinds = append([]string(nil), c.Notify.Kinds...)
	if c.Trading.Profiles != nil {
		out.Trading.Profiles = make(map[string]ProfileConfig, len(c.Trading.Profiles))
		for k, v := range c.Trading.Profiles {
			out.Trading.Profiles[k] = v
		}
	}
	return out
}

// keySet tracks the paths set explicitly in the config files so defaults
// only fill what was left out.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
