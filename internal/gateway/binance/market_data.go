package binance

import (
	"context"
	"fmt"
	"time"

	"quantcore/internal/gateway/exchange"
	"quantcore/internal/logger"
	"quantcore/internal/market"
)

// CandleSource is satisfied by Gateway.
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
}

type BookSource interface {
	FetchOrderBook(ctx context.Context, symbol string, depth int) (exchange.OrderBook, error)
}

type MarketDataOptions struct {
	Interval      string
	Limit         int // klines requested per tick
	ATRWindow     int
	BookDepth     int
	TakerBars     int
	ReturnsWindow int
}

func (o MarketDataOptions) withDefaults() MarketDataOptions {
	if o.Interval == "" {
		o.Interval = "1m"
	}
	if o.ATRWindow <= 0 {
		o.ATRWindow = 50
	}
	if o.BookDepth <= 0 {
		o.BookDepth = 10
	}
	if o.TakerBars <= 0 {
		o.TakerBars = 5
	}
	if o.ReturnsWindow <= 0 {
		o.ReturnsWindow = 100
	}
	// one spare bar for the unclosed kline that gets dropped
	need := market.MinCandles(o.ATRWindow) + 1
	if o.ReturnsWindow+2 > need {
		need = o.ReturnsWindow + 2
	}
	if o.Limit <= 0 {
		o.Limit = 300
	}
	if o.Limit < need {
		o.Limit = need
	}
	return o
}

// MarketData implements market.Provider from klines and depth.
type MarketData struct {
	candles CandleSource
	books   BookSource
	opts    MarketDataOptions
	now     func() time.Time
}

func NewMarketData(candles CandleSource, books BookSource, opts MarketDataOptions) *MarketData {
	return &MarketData{candles: candles, books: books, opts: opts.withDefaults(), now: time.Now}
}

func (m *MarketData) Snapshot(ctx context.Context, symbol string) (market.Snapshot, []float64, error) {
	candles, err := m.candles.FetchCandles(ctx, symbol, m.opts.Interval, m.opts.Limit)
	if err != nil {
		return market.Snapshot{}, nil, fmt.Errorf("candles %s: %w", symbol, err)
	}
	book, err := m.books.FetchOrderBook(ctx, symbol, m.opts.BookDepth)
	if err != nil {
		// imbalance reads 0 and price falls back to the last close
		logger.Warnf("MarketData: order book %s unavailable: %v", symbol, err)
		book = exchange.OrderBook{Symbol: symbol}
	}
	snap, err := market.ComputeSnapshot(symbol, candles, book, market.SnapshotOptions{
		ATRWindow: m.opts.ATRWindow,
		BookDepth: m.opts.BookDepth,
		TakerBars: m.opts.TakerBars,
		Now:       m.now(),
	})
	if err != nil {
		return market.Snapshot{}, nil, err
	}
	returns := market.Returns(candles)
	if len(returns) > m.opts.ReturnsWindow {
		returns = returns[len(returns)-m.opts.ReturnsWindow:]
	}
	return snap, returns, nil
}

var _ market.Provider = (*MarketData)(nil)
