// Package risk holds the portfolio state shared by every instrument loop and
// gates new entries on correlation and aggregate exposure.
package risk

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantcore/internal/lifecycle"
	"quantcore/internal/sizing"
	"quantcore/internal/types"
)

var ErrUnknownTicket = errors.New("reservation no longer held")

type Options struct {
	CorrelationThreshold float64 // reject above this
	CorrelationWindow    int     // trailing returns kept per instrument
	MinSamples           int     // fewer overlapping returns count as uncorrelated
	PortfolioLeverageCap float64 // Σ margin ≤ equity × cap
	RiskCap              float64 // per-position ceiling re-checked on admission
}

func DefaultOptions() Options {
	return Options{
		CorrelationThreshold: 0.65,
		CorrelationWindow:    100,
		MinSamples:           10,
		PortfolioLeverageCap: 1.0,
		RiskCap:              0.30,
	}
}

func (o Options) Validate() error {
	switch {
	case o.CorrelationThreshold <= 0 || o.CorrelationThreshold > 1:
		return fmt.Errorf("correlation_threshold must be in (0,1]")
	case o.CorrelationWindow < 2:
		return fmt.Errorf("correlation_window must be >= 2")
	case o.MinSamples < 2 || o.MinSamples > o.CorrelationWindow:
		return fmt.Errorf("correlation min samples must be in [2, window]")
	case o.PortfolioLeverageCap <= 0 || o.PortfolioLeverageCap > 1:
		return fmt.Errorf("portfolio_leverage_cap must be in (0,1]")
	}
	return nil
}

type reservation struct {
	id       string
	side     types.Side
	margin   float64
	notional float64
	at       time.Time
}

// Guard is the PortfolioState: open positions keyed by instrument, pending
// reservations and trailing returns. Every mutation happens under mu.
type Guard struct {
	opts Options

	mu        sync.Mutex
	positions map[string]lifecycle.Position
	pending   map[string]reservation
	returns   map[string][]float64
	equity    float64
	now       func() time.Time
}

func NewGuard(opts Options) *Guard {
	return &Guard{
		opts:      opts,
		positions: make(map[string]lifecycle.Position),
		pending:   make(map[string]reservation),
		returns:   make(map[string][]float64),
		now:       time.Now,
	}
}

// ObserveReturns replaces the trailing return window of symbol.
func (g *Guard) ObserveReturns(symbol string, returns []float64) {
	if len(returns) > g.opts.CorrelationWindow {
		returns = returns[len(returns)-g.opts.CorrelationWindow:]
	}
	buf := make([]float64, len(returns))
	copy(buf, returns)
	g.mu.Lock()
	g.returns[symbol] = buf
	g.mu.Unlock()
}

// SetEquity records the latest account equity for RiskState.
func (g *Guard) SetEquity(equity float64) {
	g.mu.Lock()
	g.equity = equity
	g.mu.Unlock()
}

// Ticket is an approved reservation. Exactly one of Commit or Release should
// follow; Release after Commit is a no-op.
type Ticket struct {
	g      *Guard
	symbol string
	id     string
}

func (t *Ticket) Symbol() string { return t.symbol }

// Admit runs the correlation and exposure checks and, on approval, reserves
// the slot in the same critical section so concurrent admissions observe it.
func (g *Guard) Admit(symbol string, d sizing.Decision, equity float64) (*Ticket, types.Reason, error) {
	if equity <= 0 {
		return nil, types.ReasonSignalDropped, fmt.Errorf("admit %s: non-positive equity %v", symbol, equity)
	}
	if d.RiskFraction < 0 || g.opts.RiskCap > 0 && d.RiskFraction > g.opts.RiskCap+1e-9 {
		return nil, types.ReasonInvariant, fmt.Errorf("%w: %s risk fraction %.4f outside [0,%.2f]", types.ErrInvariant, symbol, d.RiskFraction, g.opts.RiskCap)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.equity = equity

	if _, ok := g.positions[symbol]; ok {
		return nil, types.ReasonPositionOpen, nil
	}
	if _, ok := g.pending[symbol]; ok {
		return nil, types.ReasonPositionOpen, nil
	}

	candidate := g.returns[symbol]
	for _, other := range g.exposedSymbolsLocked() {
		r, ok := Pearson(candidate, g.returns[other], g.opts.MinSamples)
		if ok && r > g.opts.CorrelationThreshold {
			return nil, types.ReasonCorrelated, nil
		}
	}

	margin := d.Margin()
	if exposure := g.exposureLocked(); exposure+margin > equity*g.opts.PortfolioLeverageCap+1e-9 {
		return nil, types.ReasonExposureCap, nil
	}

	id := uuid.NewString()
	g.pending[symbol] = reservation{id: id, side: d.Side, margin: margin, notional: d.Notional, at: g.now()}
	return &Ticket{g: g, symbol: symbol, id: id}, types.ReasonNone, nil
}

// Commit converts the reservation into an open position.
func (t *Ticket) Commit(pos lifecycle.Position) error {
	g := t.g
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.pending[t.symbol]
	if !ok || res.id != t.id {
		return fmt.Errorf("commit %s: %w", t.symbol, ErrUnknownTicket)
	}
	delete(g.pending, t.symbol)
	if _, exists := g.positions[t.symbol]; exists {
		return fmt.Errorf("%w: %s already has an open position", types.ErrInvariant, t.symbol)
	}
	if pos.Symbol != t.symbol {
		return fmt.Errorf("%w: ticket for %s committed with %s", types.ErrInvariant, t.symbol, pos.Symbol)
	}
	g.positions[t.symbol] = pos
	return nil
}

// Release drops the reservation when the entry did not fill.
func (t *Ticket) Release() {
	g := t.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if res, ok := g.pending[t.symbol]; ok && res.id == t.id {
		delete(g.pending, t.symbol)
	}
}

// Update stores the latest state of an open position; a closed position
// frees its slot.
func (g *Guard) Update(pos lifecycle.Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.positions[pos.Symbol]; !ok {
		return fmt.Errorf("%w: update for untracked position %s", types.ErrInvariant, pos.Symbol)
	}
	if !pos.Open() {
		delete(g.positions, pos.Symbol)
		return nil
	}
	g.positions[pos.Symbol] = pos
	return nil
}

// Restore loads positions recovered at startup, replacing the current set.
func (g *Guard) Restore(positions []lifecycle.Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := make(map[string]lifecycle.Position, len(positions))
	for _, p := range positions {
		if !p.Open() {
			continue
		}
		if _, dup := next[p.Symbol]; dup {
			return fmt.Errorf("%w: duplicate recovered position %s", types.ErrInvariant, p.Symbol)
		}
		next[p.Symbol] = p
	}
	g.positions = next
	return nil
}

func (g *Guard) Position(symbol string) (lifecycle.Position, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.positions[symbol]
	return p, ok
}

// Positions returns a copy of the open positions.
func (g *Guard) Positions() map[string]lifecycle.Position {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]lifecycle.Position, len(g.positions))
	for k, v := range g.positions {
		out[k] = v
	}
	return out
}

func (g *Guard) exposedSymbolsLocked() []string {
	out := make([]string, 0, len(g.positions)+len(g.pending))
	for s := range g.positions {
		out = append(out, s)
	}
	for s := range g.pending {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (g *Guard) exposureLocked() float64 {
	total := 0.0
	for _, p := range g.positions {
		total += p.Margin()
	}
	for _, r := range g.pending {
		total += r.margin
	}
	return total
}

// State is a read-only snapshot of portfolio risk.
type State struct {
	Equity       float64                       `json:"equity"`
	Exposure     float64                       `json:"exposure"` // Σ notional/leverage, pending included
	Notional     float64                       `json:"notional"`
	Capacity     float64                       `json:"capacity"` // equity × portfolio leverage cap
	Utilisation  float64                       `json:"utilisation"`
	Open         []string                      `json:"open"`
	Pending      []string                      `json:"pending"`
	Correlations map[string]map[string]float64 `json:"correlations,omitempty"`
	At           time.Time                     `json:"at"`
}

func (g *Guard) RiskState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := State{
		Equity:   g.equity,
		Exposure: g.exposureLocked(),
		Capacity: g.equity * g.opts.PortfolioLeverageCap,
		Open:     make([]string, 0, len(g.positions)),
		Pending:  make([]string, 0, len(g.pending)),
		At:       g.now(),
	}
	for s, p := range g.positions {
		st.Open = append(st.Open, s)
		st.Notional += p.Notional()
	}
	for s, r := range g.pending {
		st.Pending = append(st.Pending, s)
		st.Notional += r.notional
	}
	sort.Strings(st.Open)
	sort.Strings(st.Pending)
	if st.Capacity > 0 {
		st.Utilisation = st.Exposure / st.Capacity
	}
	for i, a := range st.Open {
		for _, b := range st.Open[i+1:] {
			r, ok := Pearson(g.returns[a], g.returns[b], g.opts.MinSamples)
			if !ok {
				continue
			}
			if st.Correlations == nil {
				st.Correlations = make(map[string]map[string]float64)
			}
			if st.Correlations[a] == nil {
				st.Correlations[a] = make(map[string]float64)
			}
			st.Correlations[a][b] = r
		}
	}
	return st
}
