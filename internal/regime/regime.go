// Package regime labels the market state of an instrument from its indicator
// snapshot and looks up the parameter profile that state trades with.
//
// Classification is a pure function of the snapshot: no I/O, no memory of
// previous ticks.
package regime

import (
	"fmt"

	"quantcore/internal/market"
)

type Regime string

const (
	Trending  Regime = "TRENDING"
	Ranging   Regime = "RANGING"
	Volatile  Regime = "VOLATILE"
	Uncertain Regime = "UNCERTAIN"
)

func (r Regime) String() string { return string(r) }

// TrendReference names the EMA a regime uses as its trend filter.
type TrendReference string

const (
	RefEMA50  TrendReference = "ema50"
	RefEMA200 TrendReference = "ema200"
)

// Value picks the referenced EMA from the snapshot.
func (t TrendReference) Value(s market.Snapshot) float64 {
	if t == RefEMA50 {
		return s.EMA50
	}
	return s.EMA200
}

// Profile is the immutable parameter record attached to a regime.
type Profile struct {
	StopPct                  float64        `json:"stop_pct"`
	TargetPct                float64        `json:"target_pct"`
	ProbabilityThreshold     float64        `json:"probability_threshold"`
	RSICeiling               float64        `json:"rsi_ceiling"` // longs need RSI below, shorts above 100-ceiling
	TrendReference           TrendReference `json:"trend_reference"`
	LeverageCap              float64        `json:"leverage_cap"`
	SizeMultiplier           float64        `json:"size_multiplier"`
	UsesMicrostructureFilter bool           `json:"uses_microstructure_filter"`
}

// Odds is the reward/risk ratio b = target / stop.
func (p Profile) Odds() float64 {
	if p.StopPct <= 0 {
		return 0
	}
	return p.TargetPct / p.StopPct
}

func (p Profile) Validate() error {
	switch {
	case p.StopPct <= 0 || p.StopPct >= 1:
		return fmt.Errorf("stop_pct must be in (0,1), got %v", p.StopPct)
	case p.TargetPct <= 0 || p.TargetPct >= 1:
		return fmt.Errorf("target_pct must be in (0,1), got %v", p.TargetPct)
	case p.ProbabilityThreshold <= 0 || p.ProbabilityThreshold >= 1:
		return fmt.Errorf("probability_threshold must be in (0,1), got %v", p.ProbabilityThreshold)
	case p.RSICeiling <= 50 || p.RSICeiling > 100:
		return fmt.Errorf("rsi_ceiling must be in (50,100], got %v", p.RSICeiling)
	case p.LeverageCap < 1:
		return fmt.Errorf("leverage_cap must be >= 1, got %v", p.LeverageCap)
	case p.SizeMultiplier <= 0 || p.SizeMultiplier > 1:
		return fmt.Errorf("size_multiplier must be in (0,1], got %v", p.SizeMultiplier)
	case p.TrendReference != RefEMA50 && p.TrendReference != RefEMA200:
		return fmt.Errorf("trend_reference must be ema50 or ema200, got %q", p.TrendReference)
	}
	return nil
}

// Table maps each tradable regime to its profile. Uncertain has no entry.
type Table map[Regime]Profile

func DefaultTable() Table {
	return Table{
		Trending: {
			StopPct:              0.02,
			TargetPct:            0.06,
			ProbabilityThreshold: 0.60,
			RSICeiling:           80,
			TrendReference:       RefEMA200,
			LeverageCap:          8,
			SizeMultiplier:       1,
		},
		Ranging: {
			StopPct:                  0.01,
			TargetPct:                0.015,
			ProbabilityThreshold:     0.55,
			RSICeiling:               70,
			TrendReference:           RefEMA50,
			LeverageCap:              5,
			SizeMultiplier:           1,
			UsesMicrostructureFilter: true,
		},
		Volatile: {
			StopPct:              0.02,
			TargetPct:            0.06,
			ProbabilityThreshold: 0.75,
			RSICeiling:           80,
			TrendReference:       RefEMA200,
			LeverageCap:          10,
			SizeMultiplier:       0.5,
		},
	}
}

func (t Table) Validate() error {
	for _, r := range []Regime{Trending, Ranging, Volatile} {
		p, ok := t[r]
		if !ok {
			return fmt.Errorf("profile %s missing", r)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile %s: %w", r, err)
		}
	}
	return nil
}

// Thresholds drive the classification boundaries.
type Thresholds struct {
	ADXTrending float64 `json:"adx_trending"` // ADX strictly above => trending
	ADXRanging  float64 `json:"adx_ranging"`  // ADX strictly below (with low vol) => ranging
	ATRLow      float64 `json:"atr_low"`      // ATR percentile strictly below => low vol
	ATRHigh     float64 `json:"atr_high"`     // ATR percentile strictly above => volatile
}

func DefaultThresholds() Thresholds {
	return Thresholds{ADXTrending: 25, ADXRanging: 20, ATRLow: 0.30, ATRHigh: 0.80}
}

func (t Thresholds) Validate() error {
	if t.ADXRanging <= 0 || t.ADXTrending < t.ADXRanging {
		return fmt.Errorf("adx thresholds invalid: ranging=%v trending=%v", t.ADXRanging, t.ADXTrending)
	}
	if t.ATRLow < 0 || t.ATRHigh > 1 || t.ATRLow >= t.ATRHigh {
		return fmt.Errorf("atr percentile thresholds invalid: low=%v high=%v", t.ATRLow, t.ATRHigh)
	}
	return nil
}

// Classification is the classifier output for one tick.
type Classification struct {
	Regime  Regime  `json:"regime"`
	Profile Profile `json:"profile"`
	// Tradable is false for Uncertain.
	Tradable bool `json:"tradable"`
}

type Classifier struct {
	thresholds Thresholds
	table      Table
}

func NewClassifier(th Thresholds, table Table) *Classifier {
	return &Classifier{thresholds: th, table: table}
}

// Label applies the boundaries. Volatility dominates, then trend, then range.
func (c *Classifier) Label(s market.Snapshot) Regime {
	th := c.thresholds
	trending := s.ADX > th.ADXTrending
	switch {
	case s.ATRPercentile > th.ATRHigh:
		return Volatile
	case trending:
		return Trending
	case s.ADX < th.ADXRanging && s.ATRPercentile < th.ATRLow:
		return Ranging
	default:
		return Uncertain
	}
}

func (c *Classifier) Classify(s market.Snapshot) Classification {
	r := c.Label(s)
	p, ok := c.table[r]
	return Classification{Regime: r, Profile: p, Tradable: ok && r != Uncertain}
}

// ProfileFor returns the configured profile for a tradable regime.
func (c *Classifier) ProfileFor(r Regime) (Profile, bool) {
	p, ok := c.table[r]
	return p, ok
}
