package market

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantcore/internal/gateway/exchange"
)

func risingCandles(n int, start, step float64) []Candle {
	out := make([]Candle, n)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < n; i++ {
		price := start + step*float64(i) + math.Sin(float64(i))*step*0.5
		out[i] = Candle{
			OpenTime:       base.Add(time.Duration(i) * time.Minute).UnixMilli(),
			CloseTime:      base.Add(time.Duration(i+1)*time.Minute).UnixMilli() - 1,
			Open:           price - step/2,
			High:           price + step,
			Low:            price - step,
			Close:          price,
			Volume:         100,
			TakerBuyVolume: 60,
		}
	}
	return out
}

func TestComputeSnapshot_Uptrend(t *testing.T) {
	candles := risingCandles(260, 100, 1)
	book := exchange.OrderBook{
		Bids: []exchange.Level{{Price: 358.9, Quantity: 6}},
		Asks: []exchange.Level{{Price: 359.1, Quantity: 4}},
	}
	snap, err := ComputeSnapshot("BTC/USDT", candles, book, SnapshotOptions{})
	require.NoError(t, err)

	assert.Equal(t, "BTC/USDT", snap.Symbol)
	assert.InDelta(t, 359.0, snap.Price, 1e-9)
	assert.Greater(t, snap.EMA20, snap.EMA50)
	assert.Greater(t, snap.EMA50, snap.EMA200)
	assert.Greater(t, snap.ATR, 0.0)
	assert.GreaterOrEqual(t, snap.ATRPercentile, 0.0)
	assert.LessOrEqual(t, snap.ATRPercentile, 1.0)
	assert.Greater(t, snap.RSI, 50.0)
	assert.Greater(t, snap.ADX, 0.0)
	assert.InDelta(t, 0.2, snap.BookImbalance, 1e-9)
	assert.InDelta(t, 1.5, snap.TakerRatio, 1e-9)
	assert.Equal(t, candles[len(candles)-2].Close, snap.PrevClose)
}

func TestComputeSnapshot_IsDeterministic(t *testing.T) {
	candles := risingCandles(260, 50, 0.3)
	opts := SnapshotOptions{Now: time.Unix(1_700_100_000, 0)}
	a, err := ComputeSnapshot("ETH/USDT", candles, exchange.OrderBook{}, opts)
	require.NoError(t, err)
	b, err := ComputeSnapshot("ETH/USDT", candles, exchange.OrderBook{}, opts)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestComputeSnapshot_ShortHistory(t *testing.T) {
	_, err := ComputeSnapshot("BTC/USDT", risingCandles(120, 100, 1), exchange.OrderBook{}, SnapshotOptions{})
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestBookImbalance(t *testing.T) {
	book := exchange.OrderBook{
		Bids: []exchange.Level{{Price: 10, Quantity: 3}, {Price: 9, Quantity: 100}},
		Asks: []exchange.Level{{Price: 11, Quantity: 1}, {Price: 12, Quantity: 100}},
	}
	assert.InDelta(t, 0.5, BookImbalance(book, 1), 1e-12)
	assert.Zero(t, BookImbalance(exchange.OrderBook{}, 5))
}

func TestPercentileRank(t *testing.T) {
	assert.InDelta(t, 1.0, percentileRank([]float64{1, 2, 3, 4}), 1e-12)
	assert.InDelta(t, 0.25, percentileRank([]float64{4, 3, 2, 1}), 1e-12)
}

func TestReturnsAndTakerRatio(t *testing.T) {
	candles := []Candle{{Close: 100, Volume: 10, TakerBuyVolume: 5}, {Close: 110, Volume: 10, TakerBuyVolume: 8}, {Close: 99, Volume: 10, TakerBuyVolume: 2}}
	ret := Returns(candles)
	require.Len(t, ret, 2)
	assert.InDelta(t, 0.10, ret[0], 1e-12)
	assert.InDelta(t, -0.10, ret[1], 1e-12)
	assert.InDelta(t, 1.0, TakerRatio(candles, 2), 1e-12)
	assert.InDelta(t, 1.0, TakerRatio([]Candle{{Volume: 5, TakerBuyVolume: 5}}, 1), 1e-12)
}

func TestDropUnclosed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	candles := []Candle{{CloseTime: now.Add(-time.Minute).UnixMilli()}, {CloseTime: now.Add(time.Minute).UnixMilli()}}
	assert.Len(t, DropUnclosed(candles, now), 1)
}
