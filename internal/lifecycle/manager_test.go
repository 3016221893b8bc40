package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantcore/internal/types"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func longPosition() Position {
	return NewPosition("BTC/USDT", types.SideLong, 100, 10, 5, 98, 106, t0)
}

func shortPosition() Position {
	return NewPosition("ETH/USDT", types.SideShort, 100, 10, 5, 102, 94, t0)
}

// drive feeds prices through OnTick, applying close actions as if they
// filled at the tick price.
func drive(t *testing.T, m *Manager, pos Position, prices ...float64) (Position, []Action, []PnLRecord) {
	t.Helper()
	var all []Action
	var records []PnLRecord
	for i, px := range prices {
		at := t0.Add(time.Duration(i+1) * time.Minute)
		next, actions := m.OnTick(pos, px, at)
		for _, a := range actions {
			switch a.Kind {
			case ActionClosePartial, ActionCloseAll:
				var rec PnLRecord
				var err error
				next, rec, err = ApplyClose(next, a.Amount, px, a.Reason, at)
				require.NoError(t, err)
				records = append(records, rec)
			}
		}
		all = append(all, actions...)
		pos = next
		if !pos.Open() {
			break
		}
	}
	return pos, all, records
}

func TestBreakevenArmsOnce(t *testing.T) {
	m := NewManager(DefaultOptions())
	pos, actions := m.OnTick(longPosition(), 101, t0)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionMoveStop, actions[0].Kind)
	assert.Equal(t, types.ReasonBreakeven, actions[0].Reason)
	assert.InDelta(t, 100.1, actions[0].Stop, 1e-9)
	assert.Equal(t, StateBreakevenArmed, pos.State)
	assert.True(t, pos.BreakevenArmed)

	pos, actions = m.OnTick(pos, 101.5, t0)
	assert.Empty(t, actions, "breakeven is not re-applied")
	assert.Equal(t, StateBreakevenArmed, pos.State)
}

func TestLockStartsTrailing(t *testing.T) {
	m := NewManager(DefaultOptions())
	pos, actions := m.OnTick(longPosition(), 102, t0)
	require.Len(t, actions, 1)
	assert.Equal(t, types.ReasonLockProfit, actions[0].Reason)
	assert.InDelta(t, 101, actions[0].Stop, 1e-9)
	assert.Equal(t, StateTrailing, pos.State)
	assert.True(t, pos.BreakevenArmed)
	assert.True(t, pos.ProfitLocked)
}

func TestPartialTakeProfitAtThreePercent(t *testing.T) {
	m := NewManager(DefaultOptions())
	pos, actions, records := drive(t, m, longPosition(), 100.5, 101.2, 102.1, 103)

	var partials []Action
	for _, a := range actions {
		if a.Kind == ActionClosePartial {
			partials = append(partials, a)
		}
	}
	require.Len(t, partials, 1)
	assert.InDelta(t, 5, partials[0].Amount, 1e-12)
	require.Len(t, records, 1)
	assert.Equal(t, types.ReasonPartialTP, records[0].Reason)
	assert.InDelta(t, 15, records[0].PnL, 1e-9)

	assert.True(t, pos.PartialTPDone)
	assert.Equal(t, StatePartiallyClosed, pos.State)
	assert.InDelta(t, 5, pos.Amount, 1e-12)
	assert.True(t, pos.Open())
	assert.True(t, pos.ProfitLocked, "remaining half keeps trailing")
}

func TestPartialHappensExactlyOnce(t *testing.T) {
	m := NewManager(DefaultOptions())
	pos, actions, _ := drive(t, m, longPosition(), 103, 103.5, 104, 103.2, 104.5)
	count := 0
	for _, a := range actions {
		if a.Kind == ActionClosePartial {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.True(t, pos.PartialTPDone)
}

func TestTrailingRetraceClosesRemainder(t *testing.T) {
	m := NewManager(DefaultOptions())
	// +3% partial, peak 104, then 104*(1-0.015)=102.44
	pos, actions, records := drive(t, m, longPosition(), 103, 104, 102.4)
	last := actions[len(actions)-1]
	assert.Equal(t, ActionCloseAll, last.Kind)
	assert.Equal(t, types.ReasonTrailing, last.Reason)
	assert.Equal(t, StateClosed, pos.State)
	assert.Zero(t, pos.Amount)
	require.Len(t, records, 2)
	assert.InDelta(t, 5, records[1].Amount, 1e-12)
}

func TestHardStopAndTarget(t *testing.T) {
	m := NewManager(DefaultOptions())
	_, actions := m.OnTick(longPosition(), 97.9, t0)
	require.Len(t, actions, 1)
	assert.Equal(t, types.ReasonHardStop, actions[0].Reason)
	assert.InDelta(t, 10, actions[0].Amount, 1e-12)

	_, actions = m.OnTick(longPosition(), 106.2, t0)
	require.Len(t, actions, 1)
	assert.Equal(t, types.ReasonHardTarget, actions[0].Reason)

	_, actions = m.OnTick(shortPosition(), 102.5, t0)
	require.Len(t, actions, 1)
	assert.Equal(t, types.ReasonHardStop, actions[0].Reason)

	_, actions = m.OnTick(shortPosition(), 93, t0)
	require.Len(t, actions, 1)
	assert.Equal(t, types.ReasonHardTarget, actions[0].Reason)
}

func TestShortMirrors(t *testing.T) {
	m := NewManager(DefaultOptions())
	pos, actions, records := drive(t, m, shortPosition(), 99, 98, 97)
	assert.True(t, pos.PartialTPDone)
	assert.Equal(t, StatePartiallyClosed, pos.State)
	assert.InDelta(t, 99, pos.StopPrice, 1e-9, "lock 1% below entry")
	assert.InDelta(t, 97, pos.HighWaterMark, 1e-9)
	require.Len(t, records, 1)
	assert.InDelta(t, 15, records[0].PnL, 1e-9)
	assert.NotEmpty(t, actions)
}

func TestHighWaterMarkNeverRetreats(t *testing.T) {
	m := NewManager(DefaultOptions())
	prices := []float64{100.4, 100.9, 100.2, 101.6, 101.1, 101.9, 101.3, 101.8, 100.7}
	for _, start := range []Position{longPosition(), shortPosition()} {
		pos := start
		for _, px := range prices {
			if start.Side == types.SideShort {
				px = 200 - px
			}
			next, _ := m.OnTick(pos, px, t0)
			assert.False(t, moreFavorable(pos.Side, pos.HighWaterMark, next.HighWaterMark),
				"hwm retreated from %v to %v", pos.HighWaterMark, next.HighWaterMark)
			pos = next
		}
	}
}

func TestHighWaterMarkTracksSubCentPrices(t *testing.T) {
	m := NewManager(DefaultOptions())
	pos := NewPosition("PEPE/USDT", types.SideLong, 1e-5, 1e8, 5, 0.98e-5, 1.06e-5, t0)

	next, _ := m.OnTick(pos, 1.00001e-5, t0) // +0.001%
	assert.InDelta(t, 1.00001e-5, next.HighWaterMark, 1e-15)

	short := NewPosition("PEPE/USDT", types.SideShort, 1e-5, 1e8, 5, 1.02e-5, 0.94e-5, t0)
	next, _ = m.OnTick(short, 0.99999e-5, t0)
	assert.InDelta(t, 0.99999e-5, next.HighWaterMark, 1e-15)

	assert.False(t, moreFavorable(types.SideLong, 100+1e-8, 100), "inside the tolerance")
	assert.True(t, moreFavorable(types.SideLong, 1.00001e-5, 1e-5))
}

func TestStopNeverLoosens(t *testing.T) {
	m := NewManager(DefaultOptions())
	pos := longPosition()
	pos.StopPrice = 101.5 // tighter than both breakeven and lock levels
	next, actions := m.OnTick(pos, 102.5, t0)
	for _, a := range actions {
		assert.NotEqual(t, ActionMoveStop, a.Kind)
	}
	assert.Equal(t, 101.5, next.StopPrice)
	assert.True(t, next.ProfitLocked)
}

func TestOnTickIgnoresClosedAndBadPrice(t *testing.T) {
	m := NewManager(DefaultOptions())
	closed := longPosition()
	closed.State = StateClosed
	_, actions := m.OnTick(closed, 110, t0)
	assert.Empty(t, actions)
	_, actions = m.OnTick(longPosition(), 0, t0)
	assert.Empty(t, actions)
}

func TestWithMark(t *testing.T) {
	pos := longPosition()
	next := pos
	next.HighWaterMark = 103
	next.PartialTPDone = true
	kept := WithMark(pos, next)
	assert.Equal(t, 103.0, kept.HighWaterMark)
	assert.False(t, kept.PartialTPDone)
}

func TestApplyCloseRejectsOverfill(t *testing.T) {
	_, _, err := ApplyClose(longPosition(), 11, 101, types.ReasonManual, t0)
	assert.ErrorIs(t, err, types.ErrInvariant)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, longPosition().Validate())
	bad := longPosition()
	bad.HighWaterMark = 90
	assert.ErrorIs(t, bad.Validate(), types.ErrInvariant)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())
	o := DefaultOptions()
	o.PartialRatio = 1
	assert.Error(t, o.Validate())
}
