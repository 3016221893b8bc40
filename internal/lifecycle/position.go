// Package lifecycle owns the per-position state machine: breakeven arming,
// profit lock with trailing exit, one partial take-profit and hard exits.
package lifecycle

import (
	"fmt"
	"time"

	"quantcore/internal/types"
)

type State string

const (
	StateOpen            State = "OPEN"
	StateBreakevenArmed  State = "BREAKEVEN_ARMED"
	StateTrailing        State = "TRAILING"
	StatePartiallyClosed State = "PARTIALLY_CLOSED"
	StateClosed          State = "CLOSED"
)

// Position is owned by a single instrument loop. HighWaterMark is the most
// favourable price seen since entry.
type Position struct {
	Symbol         string       `json:"symbol"`
	Side           types.Side   `json:"side"`
	EntryPrice     float64      `json:"entry_price"`
	Amount         float64      `json:"amount"`
	InitialAmount  float64      `json:"initial_amount"`
	Leverage       float64      `json:"leverage"`
	StopPrice      float64      `json:"stop_price"`
	TargetPrice    float64      `json:"target_price"`
	HighWaterMark  float64      `json:"high_water_mark"`
	State          State        `json:"state"`
	BreakevenArmed bool         `json:"breakeven_armed"`
	ProfitLocked   bool         `json:"profit_locked"`
	PartialTPDone  bool         `json:"partial_tp_done"`
	RiskFraction   float64      `json:"risk_fraction"`
	RealizedPnL    float64      `json:"realized_pnl"`
	OpenedAt       time.Time    `json:"opened_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Regime         string       `json:"regime,omitempty"`
	LastReason     types.Reason `json:"last_reason,omitempty"`
}

// NewPosition registers a freshly filled entry.
func NewPosition(symbol string, side types.Side, entry, amount, leverage, stop, target float64, at time.Time) Position {
	return Position{
		Symbol:        symbol,
		Side:          side,
		EntryPrice:    entry,
		Amount:        amount,
		InitialAmount: amount,
		Leverage:      leverage,
		StopPrice:     stop,
		TargetPrice:   target,
		HighWaterMark: entry,
		State:         StateOpen,
		OpenedAt:      at,
		UpdatedAt:     at,
	}
}

func (p Position) Open() bool { return p.State != StateClosed && p.Amount > 0 }

func (p Position) Notional() float64 { return p.Amount * p.EntryPrice }

// Margin is notional over leverage.
func (p Position) Margin() float64 {
	if p.Leverage <= 0 {
		return p.Notional()
	}
	return p.Notional() / p.Leverage
}

// Profit is the unrealized move from entry in the position's favour.
func (p Position) Profit(price float64) float64 {
	return excursion(p.Side, p.EntryPrice, price)
}

func (p Position) UnrealizedPnL(price float64) float64 {
	if price <= 0 {
		return 0
	}
	return p.Side.Sign() * (price - p.EntryPrice) * p.Amount
}

// Validate checks the structural invariants of an open position.
func (p Position) Validate() error {
	switch {
	case !p.Side.Valid():
		return fmt.Errorf("%w: %s side %q", types.ErrInvariant, p.Symbol, p.Side)
	case p.EntryPrice <= 0:
		return fmt.Errorf("%w: %s entry price %v", types.ErrInvariant, p.Symbol, p.EntryPrice)
	case p.Amount < 0 || p.Amount > p.InitialAmount+1e-12:
		return fmt.Errorf("%w: %s amount %v outside [0,%v]", types.ErrInvariant, p.Symbol, p.Amount, p.InitialAmount)
	case moreFavorable(p.Side, p.EntryPrice, p.HighWaterMark):
		return fmt.Errorf("%w: %s high-water mark %v behind entry %v", types.ErrInvariant, p.Symbol, p.HighWaterMark, p.EntryPrice)
	}
	return nil
}

// PnLRecord is emitted for every realized close, partial or full.
type PnLRecord struct {
	Symbol    string       `json:"symbol"`
	Side      types.Side   `json:"side"`
	Entry     float64      `json:"entry"`
	Exit      float64      `json:"exit"`
	Amount    float64      `json:"amount"`
	PnL       float64      `json:"pnl"`
	PnLPct    float64      `json:"pnl_pct"` // price move in the position's favour, unleveraged
	Leverage  float64      `json:"leverage"`
	Reason    types.Reason `json:"reason"`
	Remaining float64      `json:"remaining"`
	At        time.Time    `json:"at"`
}

// ApplyClose books a fill of amount at exitPrice. A fill that takes the
// remaining amount to (near) zero closes the position.
func ApplyClose(p Position, amount, exitPrice float64, reason types.Reason, at time.Time) (Position, PnLRecord, error) {
	if amount <= 0 || exitPrice <= 0 {
		return p, PnLRecord{}, fmt.Errorf("close %s: invalid fill amount=%v price=%v", p.Symbol, amount, exitPrice)
	}
	if amount > p.Amount+1e-9 {
		return p, PnLRecord{}, fmt.Errorf("%w: %s close %v exceeds open amount %v", types.ErrInvariant, p.Symbol, amount, p.Amount)
	}
	if amount > p.Amount {
		amount = p.Amount
	}
	pnl := p.Side.Sign() * (exitPrice - p.EntryPrice) * amount
	p.Amount -= amount
	p.RealizedPnL += pnl
	p.UpdatedAt = at
	p.LastReason = reason
	if p.Amount <= p.InitialAmount*1e-9 {
		p.Amount = 0
		p.State = StateClosed
	}
	rec := PnLRecord{
		Symbol:    p.Symbol,
		Side:      p.Side,
		Entry:     p.EntryPrice,
		Exit:      exitPrice,
		Amount:    amount,
		PnL:       pnl,
		PnLPct:    excursion(p.Side, p.EntryPrice, exitPrice),
		Leverage:  p.Leverage,
		Reason:    reason,
		Remaining: p.Amount,
		At:        at,
	}
	return p, rec, nil
}
