// Package signal turns the forecast probability, the indicator snapshot and
// the regime profile into at most one directional entry signal per tick.
package signal

import (
	"fmt"
	"math"
	"time"

	"quantcore/internal/market"
	"quantcore/internal/regime"
	"quantcore/internal/types"
)

// Mode is the rule set a signal fired under.
type Mode string

const (
	ModeTrend Mode = "trend"
	ModeScalp Mode = "scalp"
)

// ConflictPolicy resolves trend and scalp candidates pointing in opposite
// directions on the same tick.
type ConflictPolicy string

const (
	ConflictTrendWins ConflictPolicy = "trend"
	ConflictSkip      ConflictPolicy = "skip"
)

// Prediction is one forecast horizon expressed as the probability of an up
// move.
type Prediction struct {
	Horizon string  `json:"horizon"`
	ProbUp  float64 `json:"prob_up"`
}

// Signal is consumed once by the sizer.
type Signal struct {
	Symbol             string         `json:"symbol"`
	Side               types.Side     `json:"side"`
	Probability        float64        `json:"probability"` // probability of the signalled direction
	Regime             regime.Regime  `json:"regime"`
	Profile            regime.Profile `json:"profile"`
	Mode               Mode           `json:"mode"`
	TriggeredException bool           `json:"triggered_exception"` // breakout-reversal override waived the trend filter
	Price              float64        `json:"price"`
	ATR                float64        `json:"atr"`
	At                 time.Time      `json:"at"`
}

func (s Signal) String() string {
	return fmt.Sprintf("%s %s p=%.3f regime=%s mode=%s breakout=%v", s.Symbol, s.Side, s.Probability, s.Regime, s.Mode, s.TriggeredException)
}

type Options struct {
	BreakoutProbability float64 // probability above which the breakout override applies
	BreakoutMargin      float64 // fraction beyond EMA50 that counts as a decisive cross
	ImbalanceMin        float64 // book imbalance required by the microstructure filter
	TakerRatioMin       float64 // taker buy/sell ratio required by the microstructure filter
	Conflict            ConflictPolicy

	// ScalpHorizon is the forecast horizon scalp mode reads; the ensemble
	// is used when that horizon is missing.
	ScalpHorizon string

	// Scalp is the profile scalp mode trades with. Scalp mode is disabled
	// when it is the zero value.
	Scalp regime.Profile
}

func DefaultOptions() Options {
	return Options{
		BreakoutProbability: 0.75,
		BreakoutMargin:      0.002,
		ImbalanceMin:        0.10,
		TakerRatioMin:       1.05,
		Conflict:            ConflictTrendWins,
		ScalpHorizon:        "10m",
		Scalp:               regime.DefaultTable()[regime.Ranging],
	}
}

type Evaluator struct {
	opts Options
}

func NewEvaluator(opts Options) *Evaluator {
	if opts.Conflict == "" {
		opts.Conflict = ConflictTrendWins
	}
	return &Evaluator{opts: opts}
}

// Ensemble averages the valid horizon probabilities. ok is false when no
// horizon produced a usable value.
func Ensemble(preds []Prediction) (float64, bool) {
	sum, n := 0.0, 0
	for _, p := range preds {
		if math.IsNaN(p.ProbUp) || p.ProbUp < 0 || p.ProbUp > 1 {
			continue
		}
		sum += p.ProbUp
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Evaluate returns the signal for this tick, or the reason there is none.
func (e *Evaluator) Evaluate(snap market.Snapshot, preds []Prediction, cls regime.Classification) (Signal, types.Reason, bool) {
	if !cls.Tradable {
		return Signal{}, types.ReasonRegimeUncertain, false
	}
	probUp, ok := Ensemble(preds)
	if !ok {
		return Signal{}, types.ReasonNoProbability, false
	}

	scalpUp := probUp
	if p, ok := horizon(preds, e.opts.ScalpHorizon); ok {
		scalpUp = p
	}

	var trend, scalp candidate
	if cls.Regime == regime.Ranging {
		scalp = e.check(snap, scalpUp, cls.Profile, ModeScalp)
	} else {
		trend = e.check(snap, probUp, cls.Profile, ModeTrend)
		if e.opts.Scalp.StopPct > 0 {
			scalp = e.check(snap, scalpUp, e.scalpProfile(cls.Profile), ModeScalp)
		}
	}

	chosen, reason, ok := e.resolve(trend, scalp)
	if !ok {
		return Signal{}, reason, false
	}
	return Signal{
		Symbol:             snap.Symbol,
		Side:               chosen.side,
		Probability:        chosen.prob,
		Regime:             cls.Regime,
		Profile:            chosen.profile,
		Mode:               chosen.mode,
		TriggeredException: chosen.breakout,
		Price:              snap.Price,
		ATR:                snap.ATR,
		At:                 snap.At,
	}, types.ReasonNone, true
}

// scalpProfile keeps the scalp stop/target but never loosens the current
// regime's size multiplier or leverage cap.
func (e *Evaluator) scalpProfile(current regime.Profile) regime.Profile {
	p := e.opts.Scalp
	p.SizeMultiplier = math.Min(p.SizeMultiplier, current.SizeMultiplier)
	p.LeverageCap = math.Min(p.LeverageCap, current.LeverageCap)
	return p
}

type candidate struct {
	fired    bool
	side     types.Side
	prob     float64
	mode     Mode
	profile  regime.Profile
	breakout bool
	reason   types.Reason
}

func (e *Evaluator) resolve(trend, scalp candidate) (candidate, types.Reason, bool) {
	switch {
	case trend.fired && scalp.fired && trend.side != scalp.side:
		if e.opts.Conflict == ConflictSkip {
			return candidate{}, types.ReasonModeConflict, false
		}
		return trend, types.ReasonNone, true
	case trend.fired:
		return trend, types.ReasonNone, true
	case scalp.fired:
		return scalp, types.ReasonNone, true
	case trend.reason != types.ReasonNone:
		return candidate{}, trend.reason, false
	default:
		return candidate{}, scalp.reason, false
	}
}

// check applies the entry rules for one profile. The direction is whichever
// side the probability clears the threshold for.
func (e *Evaluator) check(snap market.Snapshot, probUp float64, p regime.Profile, mode Mode) candidate {
	c := candidate{mode: mode, profile: p}
	switch {
	case probUp > p.ProbabilityThreshold:
		c.side = types.SideLong
	case 1-probUp > p.ProbabilityThreshold:
		c.side = types.SideShort
	default:
		c.reason = types.ReasonBelowThreshold
		return c
	}
	sign := c.side.Sign()
	prob := directional(probUp, c.side)
	c.prob = prob

	// RSI ceiling for longs, mirrored floor for shorts.
	if c.side == types.SideLong && snap.RSI >= p.RSICeiling ||
		c.side == types.SideShort && snap.RSI <= 100-p.RSICeiling {
		c.reason = types.ReasonRSIExtreme
		return c
	}

	if sign*(snap.Price-p.TrendReference.Value(snap)) <= 0 {
		if prob > e.opts.BreakoutProbability && e.breakout(snap, c.side) {
			c.breakout = true
		} else {
			c.reason = types.ReasonAgainstTrend
			return c
		}
	}

	if sign*(snap.Price-snap.EMA20) <= 0 {
		c.reason = types.ReasonNoMomentum
		return c
	}

	if p.UsesMicrostructureFilter && !e.microstructureConfirms(snap, c.side) {
		c.reason = types.ReasonMicrostructure
		return c
	}
	c.fired = true
	return c
}

// breakout: the previous close sat on the other side of EMA50 and price is now
// beyond it by at least the margin, while EMA200 still points the other way.
func (e *Evaluator) breakout(snap market.Snapshot, side types.Side) bool {
	if snap.EMA50 <= 0 || snap.PrevEMA50 <= 0 {
		return false
	}
	sign := side.Sign()
	againstSlow := sign*(snap.Price-snap.EMA200) <= 0
	wasBehind := sign*(snap.PrevClose-snap.PrevEMA50) <= 0
	margin := sign * (snap.Price - snap.EMA50) / snap.EMA50
	return againstSlow && wasBehind && margin >= e.opts.BreakoutMargin
}

func (e *Evaluator) microstructureConfirms(snap market.Snapshot, side types.Side) bool {
	if side == types.SideLong {
		return snap.BookImbalance > e.opts.ImbalanceMin && snap.TakerRatio > e.opts.TakerRatioMin
	}
	if snap.TakerRatio <= 0 {
		return false
	}
	return snap.BookImbalance < -e.opts.ImbalanceMin && 1/snap.TakerRatio > e.opts.TakerRatioMin
}

func horizon(preds []Prediction, h string) (float64, bool) {
	if h == "" {
		return 0, false
	}
	for _, p := range preds {
		if p.Horizon == h && !math.IsNaN(p.ProbUp) && p.ProbUp >= 0 && p.ProbUp <= 1 {
			return p.ProbUp, true
		}
	}
	return 0, false
}

func directional(probUp float64, side types.Side) float64 {
	if side == types.SideShort {
		return 1 - probUp
	}
	return probUp
}
