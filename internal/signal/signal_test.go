package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantcore/internal/market"
	"quantcore/internal/regime"
	"quantcore/internal/types"
)

var classifier = regime.NewClassifier(regime.DefaultThresholds(), regime.DefaultTable())

func trendingLongSnapshot() market.Snapshot {
	return market.Snapshot{
		Symbol:        "BTC/USDT",
		Price:         100,
		ATR:           1.2,
		ATRPercentile: 0.5,
		ADX:           30,
		RSI:           55,
		EMA20:         99,
		EMA50:         98,
		EMA200:        95,
		PrevClose:     99.5,
		PrevEMA50:     97.9,
		TakerRatio:    1,
	}
}

func evaluate(t *testing.T, snap market.Snapshot, preds ...Prediction) (Signal, types.Reason, bool) {
	t.Helper()
	return NewEvaluator(DefaultOptions()).Evaluate(snap, preds, classifier.Classify(snap))
}

func TestTrendingLongFires(t *testing.T) {
	sig, reason, ok := evaluate(t, trendingLongSnapshot(), Prediction{Horizon: "30m", ProbUp: 0.70})
	require.True(t, ok, "reason=%s", reason)
	assert.Equal(t, types.SideLong, sig.Side)
	assert.Equal(t, regime.Trending, sig.Regime)
	assert.Equal(t, ModeTrend, sig.Mode)
	assert.InDelta(t, 0.70, sig.Probability, 1e-12)
	assert.False(t, sig.TriggeredException)
	assert.Equal(t, 0.02, sig.Profile.StopPct)
	assert.Equal(t, 0.06, sig.Profile.TargetPct)
}

func TestTrendingShortMirrors(t *testing.T) {
	snap := trendingLongSnapshot()
	snap.EMA20, snap.EMA50, snap.EMA200 = 101, 102, 105
	snap.RSI = 45
	sig, reason, ok := evaluate(t, snap, Prediction{Horizon: "30m", ProbUp: 0.30})
	require.True(t, ok, "reason=%s", reason)
	assert.Equal(t, types.SideShort, sig.Side)
	assert.InDelta(t, 0.70, sig.Probability, 1e-12)
}

func TestEnsembleAveragesHorizons(t *testing.T) {
	p, ok := Ensemble([]Prediction{{"10m", 0.6}, {"30m", 0.7}, {"60m", 0.8}, {"bad", 1.7}})
	require.True(t, ok)
	assert.InDelta(t, 0.7, p, 1e-12)

	_, ok = Ensemble(nil)
	assert.False(t, ok)
}

func TestRejectionReasons(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*market.Snapshot)
		probUp float64
		want   types.Reason
	}{
		{"uncertain regime", func(s *market.Snapshot) { s.ADX = 22 }, 0.7, types.ReasonRegimeUncertain},
		{"probability too low", func(s *market.Snapshot) {}, 0.58, types.ReasonBelowThreshold},
		{"rsi overbought", func(s *market.Snapshot) { s.RSI = 85 }, 0.7, types.ReasonRSIExtreme},
		{"below ema200", func(s *market.Snapshot) { s.EMA200 = 105 }, 0.7, types.ReasonAgainstTrend},
		{"below ema20", func(s *market.Snapshot) { s.EMA20 = 101 }, 0.7, types.ReasonNoMomentum},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := trendingLongSnapshot()
			tc.mutate(&snap)
			_, reason, ok := evaluate(t, snap, Prediction{Horizon: "30m", ProbUp: tc.probUp})
			assert.False(t, ok)
			assert.Equal(t, tc.want, reason)
		})
	}

	_, reason, ok := evaluate(t, trendingLongSnapshot())
	assert.False(t, ok)
	assert.Equal(t, types.ReasonNoProbability, reason)
}

func TestBreakoutOverrideWaivesTrendFilter(t *testing.T) {
	snap := trendingLongSnapshot()
	snap.EMA200 = 105
	snap.EMA50 = 99.5
	snap.EMA20 = 99.8
	snap.PrevClose = 99
	snap.PrevEMA50 = 99.4

	sig, reason, ok := evaluate(t, snap, Prediction{Horizon: "30m", ProbUp: 0.80})
	require.True(t, ok, "reason=%s", reason)
	assert.True(t, sig.TriggeredException)
	assert.Equal(t, ModeTrend, sig.Mode)

	// not confident enough for the override
	_, reason, ok = evaluate(t, snap, Prediction{Horizon: "30m", ProbUp: 0.74})
	assert.False(t, ok)
	assert.Equal(t, types.ReasonAgainstTrend, reason)

	// cross too shallow to count as decisive
	snap.EMA50 = 99.9
	_, reason, ok = evaluate(t, snap, Prediction{Horizon: "30m", ProbUp: 0.80})
	assert.False(t, ok)
	assert.Equal(t, types.ReasonAgainstTrend, reason)
}

func rangingSnapshot() market.Snapshot {
	return market.Snapshot{
		Symbol:        "ETH/USDT",
		Price:         100,
		ATRPercentile: 0.1,
		ADX:           15,
		RSI:           60,
		EMA20:         99.5,
		EMA50:         99,
		EMA200:        101,
		BookImbalance: 0.2,
		TakerRatio:    1.2,
	}
}

func TestRangingRequiresMicrostructure(t *testing.T) {
	sig, reason, ok := evaluate(t, rangingSnapshot(), Prediction{Horizon: "10m", ProbUp: 0.60})
	require.True(t, ok, "reason=%s", reason)
	assert.Equal(t, regime.Ranging, sig.Regime)
	assert.Equal(t, ModeScalp, sig.Mode)
	assert.Equal(t, 0.01, sig.Profile.StopPct)

	snap := rangingSnapshot()
	snap.BookImbalance = 0.05
	_, reason, ok = evaluate(t, snap, Prediction{Horizon: "10m", ProbUp: 0.60})
	assert.False(t, ok)
	assert.Equal(t, types.ReasonMicrostructure, reason)

	snap = rangingSnapshot()
	snap.TakerRatio = 1.0
	_, reason, _ = evaluate(t, snap, Prediction{Horizon: "10m", ProbUp: 0.60})
	assert.Equal(t, types.ReasonMicrostructure, reason)

	snap = rangingSnapshot()
	snap.RSI = 72
	_, reason, _ = evaluate(t, snap, Prediction{Horizon: "10m", ProbUp: 0.60})
	assert.Equal(t, types.ReasonRSIExtreme, reason)
}

func TestRangingShortMicrostructure(t *testing.T) {
	snap := rangingSnapshot()
	snap.EMA20, snap.EMA50 = 100.5, 101
	snap.RSI = 40
	snap.BookImbalance = -0.3
	snap.TakerRatio = 0.8
	sig, reason, ok := evaluate(t, snap, Prediction{Horizon: "10m", ProbUp: 0.35})
	require.True(t, ok, "reason=%s", reason)
	assert.Equal(t, types.SideShort, sig.Side)
}

func TestScalpFallbackInTrendingRegime(t *testing.T) {
	snap := trendingLongSnapshot()
	snap.BookImbalance = 0.3
	snap.TakerRatio = 1.3
	// ensemble below the trend threshold, 10m horizon clears the scalp one
	sig, reason, ok := evaluate(t, snap,
		Prediction{Horizon: "10m", ProbUp: 0.58},
		Prediction{Horizon: "30m", ProbUp: 0.55},
		Prediction{Horizon: "60m", ProbUp: 0.55},
	)
	require.True(t, ok, "reason=%s", reason)
	assert.Equal(t, ModeScalp, sig.Mode)
	assert.Equal(t, regime.Trending, sig.Regime)
	assert.InDelta(t, 0.58, sig.Probability, 1e-12)
	assert.Equal(t, 0.01, sig.Profile.StopPct)
}

func TestTrendPreemptsScalp(t *testing.T) {
	snap := trendingLongSnapshot()
	snap.BookImbalance = 0.3
	snap.TakerRatio = 1.3
	sig, _, ok := evaluate(t, snap, Prediction{Horizon: "30m", ProbUp: 0.7})
	require.True(t, ok)
	assert.Equal(t, ModeTrend, sig.Mode)
}

func TestScalpInVolatileKeepsDefensiveSizing(t *testing.T) {
	e := NewEvaluator(DefaultOptions())
	vol := regime.DefaultTable()[regime.Volatile]
	p := e.scalpProfile(vol)
	assert.Equal(t, 0.5, p.SizeMultiplier)
	assert.Equal(t, 5.0, p.LeverageCap)
	assert.Equal(t, 0.01, p.StopPct)
}

func TestConflictPolicy(t *testing.T) {
	trend := candidate{fired: true, side: types.SideLong, mode: ModeTrend}
	scalp := candidate{fired: true, side: types.SideShort, mode: ModeScalp}

	got, _, ok := NewEvaluator(Options{}).resolve(trend, scalp)
	require.True(t, ok)
	assert.Equal(t, ModeTrend, got.mode)

	_, reason, ok := NewEvaluator(Options{Conflict: ConflictSkip}).resolve(trend, scalp)
	assert.False(t, ok)
	assert.Equal(t, types.ReasonModeConflict, reason)
}
