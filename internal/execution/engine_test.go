package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantcore/internal/gateway/exchange"
	"quantcore/internal/gateway/exchange/exchangetest"
	"quantcore/internal/types"
)

func fired() <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

// pollHook fires every poll immediately and runs fn before poll n (1-based).
func pollHook(fn func(n int)) func(time.Duration) <-chan time.Time {
	n := 0
	return func(time.Duration) <-chan time.Time {
		n++
		if fn != nil {
			fn(n)
		}
		return fired()
	}
}

func newEngine(gw exchange.Gateway, after func(time.Duration) <-chan time.Time) *Engine {
	return NewEngine(gw, DefaultOptions(), WithAfter(after))
}

func TestEnter_MakerTimeoutCancelsThenTakesResidualOnce(t *testing.T) {
	gw := exchangetest.New()
	eng := newEngine(gw, pollHook(nil))

	res, err := eng.Enter(context.Background(), Request{Symbol: "BTC/USDT", Side: types.SideLong, Amount: 1, Leverage: 5})
	require.NoError(t, err)

	assert.Equal(t, StateFilled, res.State)
	assert.InDelta(t, 1.0, res.Filled, 1e-12)
	assert.InDelta(t, 100.1, res.AvgPrice, 1e-9)
	assert.Zero(t, res.MakerFilled)

	limits := gw.CreatedOf(exchange.OrderTypeLimit)
	require.Len(t, limits, 1)
	assert.True(t, limits[0].PostOnly)
	assert.Equal(t, exchange.OrderSideBuy, limits[0].Side)
	assert.InDelta(t, 99.9, limits[0].Price, 1e-12)
	assert.NotEmpty(t, limits[0].ClientOrderID)

	assert.Len(t, gw.CanceledIDs(), 1)
	assert.Len(t, gw.CreatedOf(exchange.OrderTypeMarket), 1)
	assert.Equal(t, 5, gw.Leverages["BTC/USDT"])
	// ten polls inside the 5s window, one re-read after cancel
	assert.Equal(t, 11, gw.Fetched)
}

func TestEnter_PartialMakerFillTopsUpWithMarket(t *testing.T) {
	gw := exchangetest.New()
	eng := newEngine(gw, pollHook(func(n int) {
		if n == 2 {
			gw.Fill("1", 0.4, 99.9)
		}
	}))

	res, err := eng.Enter(context.Background(), Request{Symbol: "BTC/USDT", Side: types.SideLong, Amount: 1})
	require.NoError(t, err)

	assert.Equal(t, StateFilled, res.State)
	assert.InDelta(t, 0.4, res.MakerFilled, 1e-12)
	assert.InDelta(t, 0.6, res.TakerFilled, 1e-12)
	assert.InDelta(t, 1.0, res.Filled, 1e-12)
	assert.InDelta(t, 0.4*99.9+0.6*100.1, res.AvgPrice, 1e-9)

	markets := gw.CreatedOf(exchange.OrderTypeMarket)
	require.Len(t, markets, 1)
	assert.InDelta(t, 0.6, markets[0].Amount, 1e-12)
	assert.Len(t, gw.CanceledIDs(), 1)
	assert.Equal(t, []string{"1", "2"}, res.OrderIDs)
}

func TestEnter_FullMakerFillSendsNoMarketOrder(t *testing.T) {
	gw := exchangetest.New()
	eng := newEngine(gw, pollHook(func(n int) {
		if n == 3 {
			gw.Fill("1", 1, 99.9)
		}
	}))

	res, err := eng.Enter(context.Background(), Request{Symbol: "BTC/USDT", Side: types.SideLong, Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, StateFilled, res.State)
	assert.InDelta(t, 1.0, res.MakerFilled, 1e-12)
	assert.Empty(t, gw.CreatedOf(exchange.OrderTypeMarket))
	assert.Empty(t, gw.CanceledIDs())
}

func TestEnter_ShortRestsAtBestAsk(t *testing.T) {
	gw := exchangetest.New()
	eng := newEngine(gw, pollHook(func(n int) {
		if n == 1 {
			gw.Fill("1", 2, 100.1)
		}
	}))

	res, err := eng.Enter(context.Background(), Request{Symbol: "ETH/USDT", Side: types.SideShort, Amount: 2})
	require.NoError(t, err)
	assert.Equal(t, StateFilled, res.State)
	limits := gw.CreatedOf(exchange.OrderTypeLimit)
	require.Len(t, limits, 1)
	assert.Equal(t, exchange.OrderSideSell, limits[0].Side)
	assert.InDelta(t, 100.1, limits[0].Price, 1e-12)
}

func TestEnter_PostOnlyCrossingGoesToMarket(t *testing.T) {
	gw := exchangetest.New()
	gw.OnCreate = func(req exchange.OrderRequest) (exchange.Order, error) {
		if req.PostOnly {
			return exchange.Order{}, &exchange.Error{Kind: exchange.KindRejected, Reject: exchange.RejectPostOnlyCrossing, Code: -5022, Op: "create"}
		}
		return exchange.Order{ID: "m1", Symbol: req.Symbol, Type: req.Type, Status: exchange.OrderStatusFilled, Amount: req.Amount, Filled: req.Amount, AvgPrice: 100.2}, nil
	}
	eng := newEngine(gw, pollHook(nil))

	res, err := eng.Enter(context.Background(), Request{Symbol: "BTC/USDT", Side: types.SideLong, Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, StateFilled, res.State)
	assert.InDelta(t, 100.2, res.AvgPrice, 1e-12)
	assert.Empty(t, gw.CanceledIDs())
	assert.Len(t, gw.CreatedOf(exchange.OrderTypeMarket), 1)
}

func TestEnter_MakerRejectedFails(t *testing.T) {
	gw := exchangetest.New()
	gw.OnCreate = func(req exchange.OrderRequest) (exchange.Order, error) {
		return exchange.Order{}, &exchange.Error{Kind: exchange.KindRejected, Reject: exchange.RejectInsufficient, Code: -2019, Op: "create"}
	}
	eng := newEngine(gw, pollHook(nil))

	res, err := eng.Enter(context.Background(), Request{Symbol: "BTC/USDT", Side: types.SideLong, Amount: 1})
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, exchange.RejectInsufficient, exchange.RejectOf(err))
	assert.Len(t, gw.Created, 1)
}

func TestEnter_ShutdownStillCancelsRestingOrder(t *testing.T) {
	gw := exchangetest.New()
	ctx, cancel := context.WithCancel(context.Background())
	eng := newEngine(gw, func(time.Duration) <-chan time.Time {
		cancel()
		return make(chan time.Time)
	})

	res, err := eng.Enter(ctx, Request{Symbol: "BTC/USDT", Side: types.SideLong, Amount: 1})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, []string{"1"}, gw.CanceledIDs())
	assert.Empty(t, gw.CreatedOf(exchange.OrderTypeMarket))
}

func TestEnter_BelowMinimumPlacesNothing(t *testing.T) {
	gw := exchangetest.New()
	eng := newEngine(gw, pollHook(nil))

	_, err := eng.Enter(context.Background(), Request{Symbol: "BTC/USDT", Side: types.SideLong, Amount: 0.01})
	require.ErrorIs(t, err, ErrBelowMinimum)
	assert.Empty(t, gw.Created)
}

func TestEnter_FloorsAmountToStep(t *testing.T) {
	gw := exchangetest.New()
	eng := newEngine(gw, pollHook(nil))

	res, err := eng.Enter(context.Background(), Request{Symbol: "BTC/USDT", Side: types.SideLong, Amount: 0.12345})
	require.NoError(t, err)
	assert.InDelta(t, 0.123, res.Filled, 1e-12)
}

func TestExit_ReduceOnlyMarket(t *testing.T) {
	gw := exchangetest.New()
	eng := newEngine(gw, pollHook(nil))

	res, err := eng.Exit(context.Background(), "BTC/USDT", types.SideLong, 0.5)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, res.State)
	assert.InDelta(t, 99.9, res.AvgPrice, 1e-12)

	require.Len(t, gw.Created, 1)
	assert.True(t, gw.Created[0].ReduceOnly)
	assert.Equal(t, exchange.OrderSideSell, gw.Created[0].Side)
	assert.Equal(t, exchange.OrderTypeMarket, gw.Created[0].Type)
}

func TestProtectionLifecycle(t *testing.T) {
	gw := exchangetest.New()
	eng := newEngine(gw, pollHook(nil))
	ctx := context.Background()

	prot, err := eng.PlaceProtection(ctx, "BTC/USDT", types.SideShort, 1, 102.004, 94)
	require.NoError(t, err)
	assert.NotEmpty(t, prot.StopOrderID)
	assert.NotEmpty(t, prot.TargetOrderID)

	stops := gw.CreatedOf(exchange.OrderTypeStopMarket)
	require.Len(t, stops, 1)
	assert.Equal(t, exchange.OrderSideBuy, stops[0].Side)
	assert.True(t, stops[0].ReduceOnly)
	assert.InDelta(t, 102.0, stops[0].StopPrice, 1e-12)
	assert.Len(t, gw.CreatedOf(exchange.OrderTypeTakeProfit), 1)

	next, err := eng.ReplaceStop(ctx, "BTC/USDT", types.SideShort, 1, 99.9, prot)
	require.NoError(t, err)
	assert.NotEqual(t, prot.StopOrderID, next.StopOrderID)
	assert.Equal(t, prot.TargetOrderID, next.TargetOrderID)
	assert.Equal(t, []string{prot.StopOrderID}, gw.CanceledIDs())

	eng.CancelProtection(ctx, "BTC/USDT", next)
	assert.Len(t, gw.CanceledIDs(), 3)
}

func TestWaitReturnsWhenIdle(t *testing.T) {
	eng := newEngine(exchangetest.New(), pollHook(nil))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, eng.Wait(ctx))
}
