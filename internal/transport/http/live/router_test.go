package livehttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantcore/internal/config"
	"quantcore/internal/lifecycle"
	"quantcore/internal/logger"
	"quantcore/internal/risk"
	"quantcore/internal/store"
	"quantcore/internal/trader"
	"quantcore/internal/types"
)

const testYAML = `
exchange:
  api_key: abcd1234efgh5678
  api_secret: topsecret
trading:
  symbols: [BTC/USDT, ETH/USDT]
`

type stubTrader struct {
	mu        sync.Mutex
	hb        *logger.Heartbeat
	evaluated []string
	frozen    map[string]types.Reason
	positions map[string]lifecycle.Position
}

func newStubTrader() *stubTrader {
	return &stubTrader{
		hb:     logger.NewHeartbeat(),
		frozen: map[string]types.Reason{"SOL/USDT": types.ReasonUntracked},
		positions: map[string]lifecycle.Position{
			"BTC/USDT": {Symbol: "BTC/USDT", Side: types.SideLong, EntryPrice: 60000, Amount: 0.01, Leverage: 3},
		},
	}
}

func (s *stubTrader) Evaluate(_ context.Context, sym string) (trader.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluated = append(s.evaluated, sym)
	return trader.Outcome{Symbol: sym, Action: trader.ActionRejected, Reason: types.ReasonBelowThreshold}, nil
}

func (s *stubTrader) Positions() map[string]lifecycle.Position { return s.positions }

func (s *stubTrader) RiskState() risk.State {
	return risk.State{Equity: 1000, Exposure: 200, Open: []string{"BTC/USDT"}}
}

func (s *stubTrader) Heartbeat() *logger.Heartbeat { return s.hb }

func (s *stubTrader) Frozen() map[string]types.Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.Reason, len(s.frozen))
	for k, v := range s.frozen {
		out[k] = v
	}
	return out
}

func (s *stubTrader) Unfreeze(sym string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frozen[sym]; !ok {
		return false
	}
	delete(s.frozen, sym)
	return true
}

type fixture struct {
	handler http.Handler
	trader  *stubTrader
	cfg     *config.Manager
	journal *store.Store
	cfgPath string
	logPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testYAML), 0o644))
	mgr, err := config.NewManager(cfgPath)
	require.NoError(t, err)

	journal, err := store.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	logPath := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(logPath, []byte("one\ntwo\nthree\n"), 0o644))

	tr := newStubTrader()
	srv, err := NewServer(ServerConfig{
		Addr:     "127.0.0.1:0",
		Trader:   tr,
		Config:   mgr,
		Journal:  journal,
		LogPaths: map[string]string{"app": logPath},
	})
	require.NoError(t, err)
	return &fixture{handler: srv.Handler(), trader: tr, cfg: mgr, journal: journal, cfgPath: cfgPath, logPath: logPath}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestNewServer_RequiresDeps(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code, "never beaten")
	assert.Equal(t, "stale", body["status"])

	f.trader.hb.Beat()
	code, body = f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["open_positions"])
	assert.Contains(t, body, "heartbeat")
	assert.EqualValues(t, (3 * time.Minute).Milliseconds(), body["max_age_ms"])

	code, _ = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestPositionsAndRisk(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/positions", "")
	require.Equal(t, http.StatusOK, code)
	positions := body["positions"].(map[string]any)
	require.Contains(t, positions, "BTC/USDT")
	assert.Equal(t, "long", positions["BTC/USDT"].(map[string]any)["side"])

	code, body = f.do(t, http.MethodGet, "/api/risk", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1000, body["equity"])
	assert.EqualValues(t, 200, body["exposure"])
}

func TestEvaluate(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/evaluate/BTCUSDT", "")
	require.Equal(t, http.StatusOK, code)
	out := body["outcome"].(map[string]any)
	assert.Equal(t, "BTC/USDT", out["symbol"])
	assert.Equal(t, "rejected", out["action"])
	assert.Equal(t, string(types.ReasonBelowThreshold), out["reason"])

	code, _ = f.do(t, http.MethodPost, "/api/evaluate/eth-usdt", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodPost, "/api/evaluate/DOGE-USDT", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/api/evaluate/%20", "")
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, f.trader.evaluated)
}

func TestUnfreeze(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/frozen", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["frozen"], "SOL/USDT")

	code, _ = f.do(t, http.MethodDelete, "/api/frozen/SOL-USDT", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, f.trader.Frozen())

	code, _ = f.do(t, http.MethodDelete, "/api/frozen/SOL-USDT", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestConfig_GetIsRedacted(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, code)
	exchange := body["exchange"].(map[string]any)
	assert.Equal(t, "abcd***5678", exchange["api_key"])
	assert.Equal(t, "***", exchange["api_secret"])
	trading := body["trading"].(map[string]any)
	assert.Equal(t, []any{"BTC/USDT", "ETH/USDT"}, trading["symbols"])
}

func TestConfig_Patch(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPatch, "/api/config", `{"trading":{"risk_cap":0.01},"app":{"log_level":"debug"}}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 0.01, body["trading"].(map[string]any)["risk_cap"])
	assert.Equal(t, 0.01, f.cfg.Current().Trading.RiskCap)
	assert.Equal(t, "debug", f.cfg.Current().App.LogLevel)

	raw, err := os.ReadFile(f.cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "risk_cap: 0.01")

	code, _ = f.do(t, http.MethodPatch, "/api/config", `{"trading":{"symbols":[]}}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Len(t, f.cfg.Current().Trading.Symbols, 2)

	code, _ = f.do(t, http.MethodPatch, "/api/config", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPatch, "/api/config", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestConfig_Reload(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/config/reload", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["changed"])

	require.NoError(t, os.WriteFile(f.cfgPath, []byte(testYAML+"  interval: 5m\n"), 0o644))
	code, body = f.do(t, http.MethodPost, "/api/config/reload", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["changed"])
	assert.Equal(t, 5*time.Minute, f.cfg.Current().Trading.Interval)

	require.NoError(t, os.WriteFile(f.cfgPath, []byte("trading:\n  symbols: []\n"), 0o644))
	code, _ = f.do(t, http.MethodPost, "/api/config/reload", "")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, 5*time.Minute, f.cfg.Current().Trading.Interval)
}

func TestJournal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.journal.RecordPnL(ctx, lifecycle.PnLRecord{
		Symbol: "BTC/USDT", Side: types.SideLong, Entry: 100, Exit: 110, Amount: 1, PnL: 10, Reason: types.ReasonHardTarget, At: at,
	}))
	require.NoError(t, f.journal.RecordPnL(ctx, lifecycle.PnLRecord{
		Symbol: "ETH/USDT", Side: types.SideShort, Entry: 50, Exit: 52, Amount: 1, PnL: -2, Reason: types.ReasonHardStop, At: at.Add(time.Minute),
	}))
	require.NoError(t, f.journal.RecordAudit(ctx, store.AuditEvent{
		Symbol: "BTC/USDT", Kind: "rejected", Reason: types.ReasonCorrelated, At: at,
	}))

	code, body := f.do(t, http.MethodGet, "/api/pnl", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["records"], 2)
	assert.EqualValues(t, 8, body["total_pnl"])

	code, body = f.do(t, http.MethodGet, "/api/pnl?symbol=BTC-USDT&limit=5", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["records"], 1)
	assert.EqualValues(t, 10, body["total_pnl"])

	code, body = f.do(t, http.MethodGet, "/api/audit", "")
	require.Equal(t, http.StatusOK, code)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, string(types.ReasonCorrelated), events[0].(map[string]any)["reason"])
}

func TestLogs(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/logs?limit=2", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "app", body["name"])
	assert.Equal(t, []any{"two", "three"}, body["lines"])
}

func TestParseSymbol(t *testing.T) {
	for in, want := range map[string]string{
		"BTCUSDT":  "BTC/USDT",
		"btc-usdt": "BTC/USDT",
		"ETH_USDT": "ETH/USDT",
		"  ":       "",
	} {
		assert.Equal(t, want, parseSymbol(in), in)
	}
}
