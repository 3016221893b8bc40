package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantcore/internal/config"
	"quantcore/internal/gateway/exchange"
	"quantcore/internal/gateway/exchange/exchangetest"
	"quantcore/internal/gateway/notifier"
	"quantcore/internal/market"
	"quantcore/internal/signal"
	"quantcore/internal/trader"
	"quantcore/internal/types"
)

type noKlines struct {
	*exchangetest.Gateway
}

func (noKlines) FetchCandles(context.Context, string, string, int) ([]market.Candle, error) {
	return nil, errors.New("klines unavailable")
}

type silentForecaster struct{}

func (silentForecaster) Forecast(context.Context, string) ([]signal.Prediction, error) {
	return nil, errors.New("predictor down")
}

func newTestManager(t *testing.T) *config.Manager {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
app:
  http_addr: 127.0.0.1:0
  log_path: %s
store:
  path: %s
trading:
  symbols: [BTC/USDT, ETH/USDT]
  interval: 40ms
  startup_delay: 10ms
`, filepath.Join(dir, "app.log"), filepath.Join(dir, "journal.db"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	mgr, err := config.NewManager(path)
	require.NoError(t, err)
	return mgr
}

func testOptions() []AppBuilderOption {
	return []AppBuilderOption{
		WithVenue(func(config.ExchangeConfig) (Venue, error) {
			return noKlines{Gateway: exchangetest.New()}, nil
		}),
		WithForecaster(func(config.PredictorConfig) (trader.Forecaster, error) {
			return silentForecaster{}, nil
		}),
	}
}

func TestNewApp_RequiresConfig(t *testing.T) {
	_, err := NewApp(context.Background(), nil)
	assert.Error(t, err)
}

func TestNewApp_PropagatesVenueError(t *testing.T) {
	_, err := NewApp(context.Background(), newTestManager(t), WithVenue(func(config.ExchangeConfig) (Venue, error) {
		return nil, errors.New("bad credentials")
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestApp_RunTicksUntilCancelled(t *testing.T) {
	a, err := NewApp(context.Background(), newTestManager(t), testOptions()...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, a.Run(ctx))

	hb := a.Trader().Heartbeat()
	assert.True(t, hb.Last().After(start), "ticks keep the heartbeat fresh")
	assert.Empty(t, a.Trader().Positions())
	assert.Empty(t, a.Trader().Frozen())
	assert.Equal(t, "CLOSED", a.ExchangeStatus().Breaker)
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendText(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, text)
	return nil
}

func TestApp_UntrackedVenuePositionIsFrozenAndPushed(t *testing.T) {
	venue := exchangetest.New()
	venue.Positions = []exchange.Position{{Symbol: "ETH/USDT", Side: types.SideShort, Amount: 0.5, EntryPrice: 3000}}
	sender := &captureSender{}
	opts := append(testOptions(),
		WithVenue(func(config.ExchangeConfig) (Venue, error) { return noKlines{Gateway: venue}, nil }),
		WithSender(func(config.NotifyConfig) notifier.TextNotifier { return sender }),
	)
	a, err := NewApp(context.Background(), newTestManager(t), opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Run(ctx))
	require.NoError(t, a.Close())

	assert.Equal(t, map[string]types.Reason{"ETH/USDT": types.ReasonUntracked}, a.Trader().Frozen())
	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.msgs, 1)
	assert.Contains(t, sender.msgs[0], "ETH/USDT frozen")
}
