package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantcore/internal/gateway/notifier"
	"quantcore/internal/regime"
	"quantcore/internal/signal"
)

const minimalYAML = `
trading:
  symbols: [btcusdt, "ETH/USDT", btcusdt]
`

const proxyYAML = `
exchange:
  proxy:
    enabled: true
    url: http://10.0.0.1:7890
trading:
  symbols: [BTC/USDT]
  interval: 1m
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", minimalYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.Trading.Symbols)
	assert.Equal(t, time.Minute, cfg.Trading.Interval)
	assert.Equal(t, defaultStartupDelay, cfg.Trading.StartupDelay)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, defaultStorePath, cfg.Store.Path)
	assert.Equal(t, defaultHorizons, cfg.Predictor.Horizons)
	assert.Equal(t, string(signal.ConflictTrendWins), cfg.Trading.ConflictPolicy)
	assert.Equal(t, regime.DefaultTable(), cfg.Trading.Table())
	assert.Equal(t, regime.DefaultThresholds(), cfg.Trading.Thresholds())
	assert.InDelta(t, 0.30, cfg.Trading.SizingOptions().RiskCap, 1e-12)
	assert.Equal(t, notifier.DefaultKinds, cfg.Notify.Kinds)
	assert.Nil(t, cfg.Notify.Sender(), "pushes are off unless enabled")
}

func TestNotifySender(t *testing.T) {
	n := NotifyConfig{Feishu: FeishuConfig{Enabled: true, WebhookURL: "https://open.feishu.cn/hook/x"}}
	assert.IsType(t, &notifier.Feishu{}, n.Sender())

	n.Telegram = TelegramConfig{Enabled: true, BotToken: "t", ChatID: "1", BaseURL: defaultTelegramURL}
	fan, ok := n.Sender().(notifier.Fanout)
	require.True(t, ok)
	assert.Len(t, fan, 2)
}

func TestLoad_ExplicitValuesSurviveDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
app:
  log_level: DEBUG
trading:
  symbols: [SOL/USDT]
  startup_delay: 0s
  risk_cap: 0.2
  profiles:
    trending:
      stop_pct: 0.03
    ranging:
      microstructure_filter: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Zero(t, cfg.Trading.StartupDelay)
	assert.InDelta(t, 0.2, cfg.Trading.RiskCap, 1e-12)
	assert.InDelta(t, 0.2, cfg.Trading.RiskOptions().RiskCap, 1e-12)

	table := cfg.Trading.Table()
	def := regime.DefaultTable()
	assert.InDelta(t, 0.03, table[regime.Trending].StopPct, 1e-12)
	assert.Equal(t, def[regime.Trending].TargetPct, table[regime.Trending].TargetPct)
	assert.False(t, table[regime.Ranging].UsesMicrostructureFilter)
	assert.Equal(t, def[regime.Volatile], table[regime.Volatile])
	assert.False(t, cfg.Trading.SignalOptions().Scalp.UsesMicrostructureFilter)
}

func TestLoad_Includes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
trading:
  symbols: [BTC/USDT]
  risk_cap: 0.25
store:
  path: /var/lib/base.db
`)
	path := writeFile(t, dir, "config.yaml", `
include: [base.yaml]
trading:
  risk_cap: 0.1
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USDT"}, cfg.Trading.Symbols)
	assert.InDelta(t, 0.1, cfg.Trading.RiskCap, 1e-12)
	assert.Equal(t, "/var/lib/base.db", cfg.Store.Path)
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	path := writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"no symbols":      "trading:\n  symbols: []\n",
		"bad symbol":      "trading:\n  symbols: [FOO]\n",
		"conflict policy": "trading:\n  symbols: [BTC/USDT]\n  conflict_policy: coinflip\n",
		"risk cap":        "trading:\n  symbols: [BTC/USDT]\n  risk_cap: 1.5\n",
		"explicit zero":   "trading:\n  symbols: [BTC/USDT]\n  correlation_threshold: 0\n",
		"proxy url":       "exchange:\n  proxy:\n    enabled: true\ntrading:\n  symbols: [BTC/USDT]\n",
		"log level":       "app:\n  log_level: loud\ntrading:\n  symbols: [BTC/USDT]\n",
		"profile":         "trading:\n  symbols: [BTC/USDT]\n  profiles:\n    volatile:\n      trend_reference: sma\n",
		"telegram":        "notify:\n  telegram:\n    enabled: true\ntrading:\n  symbols: [BTC/USDT]\n",
		"feishu":          "notify:\n  feishu:\n    enabled: true\ntrading:\n  symbols: [BTC/USDT]\n",
		"notify kind":     "notify:\n  kinds: [everything]\ntrading:\n  symbols: [BTC/USDT]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, t.TempDir(), "config.yaml", body))
			assert.Error(t, err)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Config{
		Exchange: ExchangeConfig{APIKey: "abcdefghijklmnop", APISecret: "s3cr3t"},
		Notify:   NotifyConfig{Telegram: TelegramConfig{BotToken: "123456:ABCDEFGHIJ"}},
	}
	red := cfg.Redacted()
	assert.Equal(t, "1234***GHIJ", red.Notify.Telegram.BotToken)
	assert.Equal(t, "abcd***mnop", red.Exchange.APIKey)
	assert.Equal(t, "***", red.Exchange.APISecret)
	assert.Equal(t, "s3cr3t", cfg.Exchange.APISecret)
}

func TestManager_UpdatePersists(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", minimalYAML)
	m, err := NewManager(path)
	require.NoError(t, err)

	var seen atomic.Int32
	m.OnChange(func(c Config) {
		assert.InDelta(t, 0.2, c.Trading.RiskCap, 1e-12)
		seen.Add(1)
	})

	next, err := m.Update(map[string]any{
		"trading": map[string]any{"risk_cap": 0.2, "Interval": "30s"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, next.Trading.RiskCap, 1e-12)
	assert.Equal(t, 30*time.Second, m.Current().Trading.Interval)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, m.Current().Trading.Symbols)
	assert.EqualValues(t, 1, seen.Load())

	onDisk, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, onDisk.Trading.RiskCap, 1e-12)
	assert.Equal(t, 30*time.Second, onDisk.Trading.Interval)
	assert.Equal(t, m.Current().Trading.Table(), onDisk.Trading.Table())

	_, changed, err := m.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "reading back our own write is not a change")
}

func TestManager_UpdateRejectsInvalid(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", minimalYAML)
	m, err := NewManager(path)
	require.NoError(t, err)

	_, err = m.Update(map[string]any{"trading": map[string]any{"risk_cap": 2.0}})
	require.Error(t, err)
	assert.InDelta(t, 0.30, m.Current().Trading.RiskCap, 1e-12)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, minimalYAML, string(raw))
}

func TestManager_UpdateKeepsProxyUnlessCleared(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", proxyYAML)
	m, err := NewManager(path)
	require.NoError(t, err)

	_, err = m.Update(map[string]any{
		"exchange": map[string]any{"proxy": map[string]any{"url": ""}, "rate_burst": 5},
	})
	require.NoError(t, err)
	cur := m.Current().Exchange
	assert.Equal(t, 5, cur.RateBurst)
	assert.True(t, cur.Proxy.Enabled)
	assert.Equal(t, "http://10.0.0.1:7890", cur.Proxy.URL)

	_, err = m.Update(map[string]any{
		"exchange": map[string]any{"proxy": map[string]any{"clear": true}},
	})
	require.NoError(t, err)
	cur = m.Current().Exchange
	assert.False(t, cur.Proxy.Enabled)
	assert.Empty(t, cur.Proxy.URL)
	assert.False(t, cur.Proxy.Clear)

	onDisk, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, onDisk.Exchange.Proxy.URL)
}

func TestManager_ReloadKeepsOmittedProxy(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", proxyYAML)
	m, err := NewManager(path)
	require.NoError(t, err)

	writeFile(t, dir, "config.yaml", "trading:\n  symbols: [BTC/USDT]\n  interval: 2m\n")
	cfg, changed, err := m.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2*time.Minute, cfg.Trading.Interval)
	assert.True(t, cfg.Exchange.Proxy.Enabled)
	assert.Equal(t, "http://10.0.0.1:7890", cfg.Exchange.Proxy.URL)

	writeFile(t, dir, "config.yaml", "exchange:\n  proxy:\n    clear: true\ntrading:\n  symbols: [BTC/USDT]\n")
	cfg, _, err = m.Reload()
	require.NoError(t, err)
	assert.Empty(t, cfg.Exchange.Proxy.URL)
}

func TestManager_ReloadFailureKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", minimalYAML)
	m, err := NewManager(path)
	require.NoError(t, err)

	_, changed, err := m.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "untouched file")

	writeFile(t, dir, "config.yaml", "trading:\n  symbols: [BTC/USDT]\n  risk_cap: -1\n")
	_, changed, err = m.Reload()
	require.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, m.Current().Trading.Symbols)
}

func TestManager_EnvCredentialsNotWritten(t *testing.T) {
	t.Setenv(envAPIKey, "env-key-0123456789")
	t.Setenv(envAPISecret, "env-secret")
	path := writeFile(t, t.TempDir(), "config.yaml", minimalYAML)
	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key-0123456789", m.Current().Exchange.APIKey)

	_, err = m.Update(map[string]any{"app": map[string]any{"log_level": "warn"}})
	require.NoError(t, err)
	assert.Equal(t, "env-secret", m.Current().Exchange.APISecret)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "env-key-0123456789")
	assert.NotContains(t, string(raw), "env-secret")
}

func TestManager_Watch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", minimalYAML)
	m, err := NewManager(path)
	require.NoError(t, err)
	m.debounce = 20 * time.Millisecond

	changes := make(chan Config, 4)
	m.OnChange(func(c Config) { changes <- c })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "unrelated.yaml", "x: 1\n")
	writeFile(t, dir, "config.yaml", "trading:\n  symbols: [SOL/USDT]\n")

	select {
	case c := <-changes:
		assert.Equal(t, []string{"SOL/USDT"}, c.Trading.Symbols)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the config file changed")
	}
	assert.Equal(t, []string{"SOL/USDT"}, m.Current().Trading.Symbols)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}, cfg.Trading.Symbols)
	assert.True(t, cfg.Trading.AlignTicks)
	assert.Equal(t, regime.DefaultTable(), cfg.Trading.Table())
	alignTo, offset := cfg.Trading.Alignment()
	assert.Equal(t, time.Minute, alignTo)
	assert.Equal(t, 3*time.Second, offset)
}
