// Package sizing converts a signal into notional, leverage and protective
// prices using a half-Kelly fraction scaled for volatility.
package sizing

import (
	"errors"
	"fmt"
	"math"

	"quantcore/internal/regime"
	"quantcore/internal/signal"
	"quantcore/internal/types"
)

var (
	// ErrNonPositiveEdge means probability and odds imply no expected gain.
	ErrNonPositiveEdge = errors.New("probability/odds imply non-positive edge")
	ErrInvalidInput    = errors.New("invalid sizing input")
)

type Options struct {
	RiskCap             float64 // max fraction of buying power (equity × leverage)
	BaseLeverage        float64
	HighConfLeverage    float64
	HighConfProbability float64
	MaxLeverage         float64 // hard ceiling, every regime
	VolScaleMin         float64
	VolScaleMax         float64
	BaseATRPct          float64 // ATR, as a fraction of price, that maps to volScale 1
}

func DefaultOptions() Options {
	return Options{
		RiskCap:             0.30,
		BaseLeverage:        5,
		HighConfLeverage:    8,
		HighConfProbability: 0.80,
		MaxLeverage:         10,
		VolScaleMin:         0.3,
		VolScaleMax:         1.5,
		BaseATRPct:          0.01,
	}
}

func (o Options) Validate() error {
	switch {
	case o.RiskCap <= 0 || o.RiskCap > 1:
		return fmt.Errorf("risk_cap must be in (0,1], got %v", o.RiskCap)
	case o.BaseLeverage < 1 || o.HighConfLeverage < o.BaseLeverage:
		return fmt.Errorf("leverage ladder invalid: base=%v high=%v", o.BaseLeverage, o.HighConfLeverage)
	case o.MaxLeverage < o.HighConfLeverage:
		return fmt.Errorf("max_leverage %v below high_conf_leverage %v", o.MaxLeverage, o.HighConfLeverage)
	case o.VolScaleMin <= 0 || o.VolScaleMax < o.VolScaleMin:
		return fmt.Errorf("vol scale bounds invalid: [%v,%v]", o.VolScaleMin, o.VolScaleMax)
	case o.BaseATRPct <= 0:
		return fmt.Errorf("base_atr_pct must be > 0")
	}
	return nil
}

// Decision is derived once per signal and consumed once by the risk guard.
type Decision struct {
	Symbol       string        `json:"symbol"`
	Side         types.Side    `json:"side"`
	Regime       regime.Regime `json:"regime"`
	Price        float64       `json:"price"`
	Notional     float64       `json:"notional"`
	Amount       float64       `json:"amount"`
	Leverage     float64       `json:"leverage"`
	StopPrice    float64       `json:"stop_price"`
	TargetPrice  float64       `json:"target_price"`
	RiskFraction float64       `json:"risk_fraction"`
	Kelly        float64       `json:"kelly"` // unclamped half-Kelly
	VolScale     float64       `json:"vol_scale"`
}

// Margin is the equity the position ties up.
func (d Decision) Margin() float64 {
	if d.Leverage <= 0 {
		return d.Notional
	}
	return d.Notional / d.Leverage
}

// HalfKelly returns 0.5 × (p(b+1) − 1) / b without clamping.
func HalfKelly(p, b float64) float64 {
	if b <= 0 {
		return math.Inf(-1)
	}
	return 0.5 * (p*(b+1) - 1) / b
}

type Sizer struct {
	opts Options
}

func NewSizer(opts Options) *Sizer {
	return &Sizer{opts: opts}
}

func (s *Sizer) Options() Options { return s.opts }

// Fraction clamps the half-Kelly fraction to [0, RiskCap].
func (s *Sizer) Fraction(p, b float64) float64 {
	return clamp(HalfKelly(p, b), 0, s.opts.RiskCap)
}

// Leverage picks the base or high-confidence step and applies the regime
// cap and the global ceiling.
func (s *Sizer) Leverage(p float64, r regime.Regime, regimeCap float64) float64 {
	lev := s.opts.BaseLeverage
	if p > s.opts.HighConfProbability && r != regime.Volatile {
		lev = s.opts.HighConfLeverage
	}
	if regimeCap > 0 {
		lev = math.Min(lev, regimeCap)
	}
	return math.Min(lev, s.opts.MaxLeverage)
}

// VolScale = base_atr / current_atr clamped to [VolScaleMin, VolScaleMax].
func (s *Sizer) VolScale(atr, price float64) float64 {
	if atr <= 0 || price <= 0 {
		return 1
	}
	return clamp(s.opts.BaseATRPct*price/atr, s.opts.VolScaleMin, s.opts.VolScaleMax)
}

// Size computes the decision for sig against the account equity. The signal
// carries the tick's price and ATR.
func (s *Sizer) Size(sig signal.Signal, equity float64) (Decision, error) {
	if equity <= 0 || sig.Price <= 0 || !sig.Side.Valid() {
		return Decision{}, fmt.Errorf("%w: equity=%v price=%v side=%q", ErrInvalidInput, equity, sig.Price, sig.Side)
	}
	prof := sig.Profile
	b := prof.Odds()
	kelly := HalfKelly(sig.Probability, b)
	if kelly <= 0 || math.IsNaN(kelly) {
		return Decision{}, fmt.Errorf("%w: p=%.3f b=%.2f f=%.4f", ErrNonPositiveEdge, sig.Probability, b, kelly)
	}
	f := math.Min(kelly, s.opts.RiskCap)
	lev := s.Leverage(sig.Probability, sig.Regime, prof.LeverageCap)
	mult := prof.SizeMultiplier
	if mult <= 0 {
		mult = 1
	}
	vol := s.VolScale(sig.ATR, sig.Price)

	// scaling can raise the fraction but never past the cap
	frac := clamp(f*mult*vol, 0, s.opts.RiskCap)
	notional := frac * equity * lev
	sign := sig.Side.Sign()
	return Decision{
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		Regime:       sig.Regime,
		Price:        sig.Price,
		Notional:     notional,
		Amount:       notional / sig.Price,
		Leverage:     lev,
		StopPrice:    sig.Price * (1 - sign*prof.StopPct),
		TargetPrice:  sig.Price * (1 + sign*prof.TargetPct),
		RiskFraction: frac,
		Kelly:        kelly,
		VolScale:     vol,
	}, nil
}

// Rescale lifts a decision below the exchange minimum notional up to it, once.
// ok is false when doing so would push the fraction of buying power past the
// risk cap; the signal is dropped in that case.
func (s *Sizer) Rescale(d Decision, minNotional, equity float64) (Decision, bool) {
	if minNotional <= 0 || d.Notional >= minNotional {
		return d, true
	}
	if equity <= 0 || d.Leverage <= 0 || d.Price <= 0 {
		return d, false
	}
	frac := minNotional / (equity * d.Leverage)
	if frac > s.opts.RiskCap {
		return d, false
	}
	d.Notional = minNotional
	d.Amount = minNotional / d.Price
	d.RiskFraction = frac
	return d, true
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
