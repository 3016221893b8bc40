package market

import "time"

type Candle struct {
	OpenTime       int64   `json:"open_time"`
	CloseTime      int64   `json:"close_time"`
	Open           float64 `json:"open"`
	High           float64 `json:"high"`
	Low            float64 `json:"low"`
	Close          float64 `json:"close"`
	Volume         float64 `json:"volume"`
	TakerBuyVolume float64 `json:"taker_buy_volume"`
	Trades         int64   `json:"trades"`
}

// Closed reports whether the bar had already closed at now.
func (c Candle) Closed(now time.Time) bool {
	return c.CloseTime > 0 && now.UnixMilli() > c.CloseTime
}

// DropUnclosed trims a trailing bar that is still forming. Exchanges return
// the live bar as the last kline; feeding it to indicators makes them repaint.
func DropUnclosed(candles []Candle, now time.Time) []Candle {
	if n := len(candles); n > 0 && !candles[n-1].Closed(now) {
		return candles[:n-1]
	}
	return candles
}

// Returns converts closes into simple pct-change returns. Bars with a
// non-positive previous close are skipped.
func Returns(candles []Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev <= 0 {
			continue
		}
		out = append(out, (candles[i].Close-prev)/prev)
	}
	return out
}

// TakerRatio is taker-buy volume over taker-sell volume across the last n
// bars. It returns 1 (neutral) when there is no sell volume to divide by.
func TakerRatio(candles []Candle, n int) float64 {
	if n <= 0 || n > len(candles) {
		n = len(candles)
	}
	var buy, sell float64
	for _, c := range candles[len(candles)-n:] {
		buy += c.TakerBuyVolume
		sell += c.Volume - c.TakerBuyVolume
	}
	if sell <= 0 {
		return 1
	}
	return buy / sell
}
