package config

import (
	"strings"
	"time"

	"quantcore/internal/execution"
	"quantcore/internal/gateway/binance"
	"quantcore/internal/gateway/guarded"
	"quantcore/internal/gateway/notifier"
	"quantcore/internal/gateway/predictor"
	"quantcore/internal/lifecycle"
	"quantcore/internal/pkg/circuit"
	"quantcore/internal/regime"
	"quantcore/internal/risk"
	"quantcore/internal/scheduler"
	"quantcore/internal/signal"
	"quantcore/internal/sizing"
)

func (e ExchangeConfig) BinanceConfig() binance.Config {
	return binance.Config{
		APIKey:       e.APIKey,
		APISecret:    e.APISecret,
		RESTBaseURL:  e.RESTBaseURL,
		Testnet:      e.Testnet,
		HTTPTimeout:  e.HTTPTimeout,
		RecvWindow:   e.RecvWindow,
		ProxyEnabled: e.Proxy.Enabled,
		RESTProxyURL: e.Proxy.URL,
		RulesTTL:     e.RulesTTL,
	}
}

func (e ExchangeConfig) GuardedOptions() guarded.Options {
	opts := guarded.DefaultOptions()
	opts.RatePerSec = e.RateLimitPerSec
	opts.Burst = e.RateBurst
	opts.MaxAttempts = e.Retry.MaxAttempts
	opts.RetryDelay = e.Retry.Delay
	opts.Breaker = circuit.Options{
		Threshold:   e.Breaker.Threshold,
		MinCooldown: e.Breaker.MinCooldown,
		MaxCooldown: e.Breaker.MaxCooldown,
	}
	return opts
}

func (p PredictorConfig) ClientConfig() predictor.Config {
	return predictor.Config{
		BaseURL:  p.BaseURL,
		Horizons: append([]string(nil), p.Horizons...),
		Timeout:  p.Timeout,
	}
}

func (t TradingConfig) MarketDataOptions() binance.MarketDataOptions {
	return binance.MarketDataOptions{
		Interval:      t.KlineInterval,
		ATRWindow:     t.Regime.ATRWindow,
		ReturnsWindow: t.CorrelationWindow,
	}
}

func (t TradingConfig) Thresholds() regime.Thresholds {
	return regime.Thresholds{
		ADXTrending: t.Regime.ADXTrending,
		ADXRanging:  t.Regime.ADXRanging,
		ATRLow:      t.Regime.ATRLowPct,
		ATRHigh:     t.Regime.ATRHighPct,
	}
}

// Table maps the configured profiles onto the regime table. Keys are
// matched case-insensitively.
func (t TradingConfig) Table() regime.Table {
	table := make(regime.Table, len(t.Profiles))
	for name, p := range t.Profiles {
		table[regime.Regime(strings.ToUpper(name))] = p.profile()
	}
	return table
}

func (p ProfileConfig) profile() regime.Profile {
	return regime.Profile{
		StopPct:                  p.StopPct,
		TargetPct:                p.TargetPct,
		ProbabilityThreshold:     p.ProbabilityThreshold,
		RSICeiling:               p.RSICeiling,
		TrendReference:           regime.TrendReference(strings.ToLower(p.TrendReference)),
		LeverageCap:              p.LeverageCap,
		SizeMultiplier:           p.SizeMultiplier,
		UsesMicrostructureFilter: p.MicrostructureFilter,
	}
}

func (t TradingConfig) SignalOptions() signal.Options {
	opts := signal.DefaultOptions()
	opts.BreakoutProbability = t.BreakoutProbability
	opts.BreakoutMargin = t.BreakoutMargin
	opts.ScalpHorizon = t.ScalpHorizon
	opts.Conflict = signal.ConflictPolicy(t.ConflictPolicy)
	if p, ok := t.Profiles["ranging"]; ok {
		opts.Scalp = p.profile()
	}
	return opts
}

func (t TradingConfig) SizingOptions() sizing.Options {
	return sizing.Options{
		RiskCap:             t.RiskCap,
		BaseLeverage:        t.BaseLeverage,
		HighConfLeverage:    t.HighConfLeverage,
		HighConfProbability: t.HighConfProbability,
		MaxLeverage:         t.MaxLeverage,
		VolScaleMin:         t.VolScaleMin,
		VolScaleMax:         t.VolScaleMax,
		BaseATRPct:          t.BaseATRPct,
	}
}

func (t TradingConfig) RiskOptions() risk.Options {
	opts := risk.DefaultOptions()
	opts.CorrelationThreshold = t.CorrelationThreshold
	opts.CorrelationWindow = t.CorrelationWindow
	opts.PortfolioLeverageCap = t.PortfolioLeverageCap
	opts.RiskCap = t.RiskCap
	if opts.MinSamples > opts.CorrelationWindow {
		opts.MinSamples = opts.CorrelationWindow
	}
	return opts
}

func (t TradingConfig) LifecycleOptions() lifecycle.Options {
	return lifecycle.Options{
		BreakevenTrigger: t.Lifecycle.BreakevenTrigger,
		BreakevenOffset:  t.Lifecycle.BreakevenOffset,
		LockTrigger:      t.Lifecycle.LockTrigger,
		LockOffset:       t.Lifecycle.LockOffset,
		TrailRetrace:     t.Lifecycle.TrailRetrace,
		PartialTrigger:   t.Lifecycle.PartialTrigger,
		PartialRatio:     t.Lifecycle.PartialRatio,
	}
}

func (t TradingConfig) ExecutionOptions() execution.Options {
	opts := execution.DefaultOptions()
	opts.MakerTimeout = t.MakerTimeout
	return opts
}

// Alignment is the scheduler grid the first round snaps to; zero when
// ticks are not aligned.
func (t TradingConfig) Alignment() (alignTo, offset time.Duration) {
	if !t.AlignTicks {
		return 0, 0
	}
	d, ok := scheduler.ParseInterval(t.KlineInterval)
	if !ok {
		return 0, 0
	}
	return d, t.TickOffset
}

// Sender returns the enabled chat senders, or nil when pushes are off.
func (n NotifyConfig) Sender() notifier.TextNotifier {
	var out notifier.Fanout
	if n.Telegram.Enabled {
		tg := notifier.NewTelegram(n.Telegram.BotToken, n.Telegram.ChatID)
		tg.BaseURL = n.Telegram.BaseURL
		out = append(out, tg)
	}
	if n.Feishu.Enabled {
		out = append(out, notifier.NewFeishu(n.Feishu.WebhookURL))
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}
