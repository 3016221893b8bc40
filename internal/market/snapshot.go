package market

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"quantcore/internal/gateway/exchange"
)

// indicator periods
const (
	atrPeriod = 14
	adxPeriod = 14
	rsiPeriod = 14
	emaFast   = 20
	emaMid    = 50
	emaSlow   = 200
)

// ErrInsufficientHistory is returned when there are not enough closed bars to
// seed the slowest indicator.
var ErrInsufficientHistory = errors.New("insufficient candle history")

// Snapshot is the per-tick indicator view of one instrument.
type Snapshot struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	ATR           float64   `json:"atr"`
	ATRPercentile float64   `json:"atr_percentile"` // rank of ATR within the trailing window, [0,1]
	ADX           float64   `json:"adx"`
	RSI           float64   `json:"rsi"`
	EMA20         float64   `json:"ema20"`
	EMA50         float64   `json:"ema50"`
	EMA200        float64   `json:"ema200"`
	PrevClose     float64   `json:"prev_close"`
	PrevEMA50     float64   `json:"prev_ema50"`
	BookImbalance float64   `json:"book_imbalance"` // [-1,1], positive = bid heavy
	TakerRatio    float64   `json:"taker_ratio"`    // taker buy / taker sell
	At            time.Time `json:"at"`
}

type SnapshotOptions struct {
	ATRWindow int // trailing ATR values ranked for the percentile
	BookDepth int // order book levels summed for imbalance
	TakerBars int // bars summed for the taker ratio
	Now       time.Time
}

func (o SnapshotOptions) withDefaults() SnapshotOptions {
	if o.ATRWindow <= 0 {
		o.ATRWindow = 50
	}
	if o.BookDepth <= 0 {
		o.BookDepth = 10
	}
	if o.TakerBars <= 0 {
		o.TakerBars = 5
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	return o
}

// MinCandles is the shortest history ComputeSnapshot accepts.
func MinCandles(atrWindow int) int {
	need := emaSlow + 1
	if w := atrPeriod + atrWindow; w > need {
		need = w
	}
	return need
}

// ComputeSnapshot derives the indicator snapshot from closed candles and the
// current order book. The last candle close is used as price unless the
// book offers a mid.
func ComputeSnapshot(symbol string, candles []Candle, book exchange.OrderBook, opts SnapshotOptions) (Snapshot, error) {
	opts = opts.withDefaults()
	if len(candles) < MinCandles(opts.ATRWindow) {
		return Snapshot{}, fmt.Errorf("%s: %w (have %d, need %d)", symbol, ErrInsufficientHistory, len(candles), MinCandles(opts.ATRWindow))
	}
	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	atr := sanitize(talib.Atr(highs, lows, closes, atrPeriod))
	ema50 := sanitize(talib.Ema(closes, emaMid))

	snap := Snapshot{
		Symbol:        symbol,
		Price:         closes[n-1],
		ATR:           atr[n-1],
		ATRPercentile: percentileRank(atr[n-opts.ATRWindow:]),
		ADX:           last(sanitize(talib.Adx(highs, lows, closes, adxPeriod))),
		RSI:           last(sanitize(talib.Rsi(closes, rsiPeriod))),
		EMA20:         last(sanitize(talib.Ema(closes, emaFast))),
		EMA50:         ema50[n-1],
		EMA200:        last(sanitize(talib.Ema(closes, emaSlow))),
		PrevClose:     closes[n-2],
		PrevEMA50:     ema50[n-2],
		BookImbalance: BookImbalance(book, opts.BookDepth),
		TakerRatio:    TakerRatio(candles, opts.TakerBars),
		At:            opts.Now,
	}
	if mid := book.Mid(); mid > 0 {
		snap.Price = mid
	}
	return snap, nil
}

// BookImbalance = (Σbid − Σask) / (Σbid + Σask) over the top depth levels.
func BookImbalance(book exchange.OrderBook, depth int) float64 {
	sum := func(levels []exchange.Level) float64 {
		total := 0.0
		for i, lvl := range levels {
			if depth > 0 && i >= depth {
				break
			}
			total += lvl.Quantity
		}
		return total
	}
	bid, ask := sum(book.Bids), sum(book.Asks)
	if bid+ask <= 0 {
		return 0
	}
	return (bid - ask) / (bid + ask)
}

// percentileRank is the share of window values that are <= the last one.
func percentileRank(window []float64) float64 {
	if len(window) == 0 {
		return 0
	}
	cur := window[len(window)-1]
	count := 0
	for _, v := range window {
		if v <= cur {
			count++
		}
	}
	return float64(count) / float64(len(window))
}

func sanitize(series []float64) []float64 {
	for i, v := range series {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			series[i] = 0
		}
	}
	return series
}

func last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}
