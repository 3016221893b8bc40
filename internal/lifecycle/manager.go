package lifecycle

import (
	"fmt"
	"time"

	"quantcore/internal/types"
)

type Options struct {
	BreakevenTrigger float64 `json:"breakeven_trigger"` // profit that arms breakeven
	BreakevenOffset  float64 `json:"breakeven_offset"`  // stop placed this far past entry to cover fees
	LockTrigger      float64 `json:"lock_trigger"`      // profit that locks LockOffset and starts trailing
	LockOffset       float64 `json:"lock_offset"`
	TrailRetrace     float64 `json:"trail_retrace"` // retrace from the high-water mark that exits
	PartialTrigger   float64 `json:"partial_trigger"`
	PartialRatio     float64 `json:"partial_ratio"`
}

func DefaultOptions() Options {
	return Options{
		BreakevenTrigger: 0.01,
		BreakevenOffset:  0.001,
		LockTrigger:      0.02,
		LockOffset:       0.01,
		TrailRetrace:     0.015,
		PartialTrigger:   0.03,
		PartialRatio:     0.5,
	}
}

func (o Options) Validate() error {
	switch {
	case o.BreakevenTrigger <= 0 || o.LockTrigger < o.BreakevenTrigger:
		return fmt.Errorf("lifecycle triggers invalid: breakeven=%v lock=%v", o.BreakevenTrigger, o.LockTrigger)
	case o.BreakevenOffset < 0 || o.BreakevenOffset >= o.BreakevenTrigger:
		return fmt.Errorf("breakeven_offset must be in [0, breakeven_trigger)")
	case o.LockOffset <= o.BreakevenOffset || o.LockOffset >= o.LockTrigger:
		return fmt.Errorf("lock_offset must be in (breakeven_offset, lock_trigger)")
	case o.TrailRetrace <= 0 || o.TrailRetrace >= 1:
		return fmt.Errorf("trail_retrace must be in (0,1)")
	case o.PartialTrigger <= 0:
		return fmt.Errorf("partial_trigger must be > 0")
	case o.PartialRatio <= 0 || o.PartialRatio >= 1:
		return fmt.Errorf("partial_ratio must be in (0,1)")
	}
	return nil
}

type ActionKind string

const (
	ActionMoveStop     ActionKind = "move_stop"
	ActionClosePartial ActionKind = "close_partial"
	ActionCloseAll     ActionKind = "close_all"
)

// Action is an instruction for the trader to carry out against the venue.
type Action struct {
	Kind   ActionKind   `json:"kind"`
	Stop   float64      `json:"stop,omitempty"`
	Amount float64      `json:"amount,omitempty"`
	Reason types.Reason `json:"reason"`
}

type Manager struct {
	opts Options
}

func NewManager(opts Options) *Manager {
	return &Manager{opts: opts}
}

// OnTick advances pos for the observed price and returns the next state along
// with the actions it implies. It is pure: the caller persists the returned
// position only after the actions have been executed. Amounts change through
// ApplyClose once fills are known.
func (m *Manager) OnTick(pos Position, price float64, at time.Time) (Position, []Action) {
	if !pos.Open() || price <= 0 {
		return pos, nil
	}
	next := pos
	next.UpdatedAt = at
	if moreFavorable(next.Side, price, next.HighWaterMark) {
		next.HighWaterMark = price
	}

	// Hard exits win over everything else on the tick they happen.
	if stopBreached(next.Side, price, next.StopPrice) {
		return next, []Action{{Kind: ActionCloseAll, Amount: next.Amount, Reason: types.ReasonHardStop}}
	}
	if targetHit(next.Side, price, next.TargetPrice) {
		return next, []Action{{Kind: ActionCloseAll, Amount: next.Amount, Reason: types.ReasonHardTarget}}
	}
	if next.ProfitLocked && retrace(next.Side, next.HighWaterMark, price) >= m.opts.TrailRetrace {
		return next, []Action{{Kind: ActionCloseAll, Amount: next.Amount, Reason: types.ReasonTrailing}}
	}

	var actions []Action
	profit := next.Profit(price)
	stop, stopReason := next.StopPrice, types.ReasonNone

	if !next.BreakevenArmed && profit >= m.opts.BreakevenTrigger {
		next.BreakevenArmed = true
		if next.State == StateOpen {
			next.State = StateBreakevenArmed
		}
		if be := offsetPrice(next.Side, next.EntryPrice, m.opts.BreakevenOffset); stop <= 0 || moreFavorable(next.Side, be, stop) {
			stop, stopReason = be, types.ReasonBreakeven
		}
	}
	if !next.ProfitLocked && profit >= m.opts.LockTrigger {
		next.ProfitLocked = true
		if next.State != StatePartiallyClosed {
			next.State = StateTrailing
		}
		if lock := offsetPrice(next.Side, next.EntryPrice, m.opts.LockOffset); stop <= 0 || moreFavorable(next.Side, lock, stop) {
			stop, stopReason = lock, types.ReasonLockProfit
		}
	}
	if stopReason != types.ReasonNone {
		next.StopPrice = stop
		actions = append(actions, Action{Kind: ActionMoveStop, Stop: stop, Reason: stopReason})
	}

	if !next.PartialTPDone && profit >= m.opts.PartialTrigger {
		next.PartialTPDone = true
		next.State = StatePartiallyClosed
		actions = append(actions, Action{Kind: ActionClosePartial, Amount: next.Amount * m.opts.PartialRatio, Reason: types.ReasonPartialTP})
	}
	return next, actions
}

// WithMark keeps only the high-water mark progress of next. Used when the
// actions of a tick could not be executed and will be retried.
func WithMark(pos, next Position) Position {
	if moreFavorable(pos.Side, next.HighWaterMark, pos.HighWaterMark) {
		pos.HighWaterMark = next.HighWaterMark
	}
	return pos
}
