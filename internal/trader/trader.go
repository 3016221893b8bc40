// Package trader runs the per-instrument tick: regime, signal, sizing, risk
// admission, execution and position management.
package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quantcore/internal/execution"
	"quantcore/internal/gateway/exchange"
	"quantcore/internal/lifecycle"
	"quantcore/internal/logger"
	"quantcore/internal/market"
	"quantcore/internal/pkg/symbol"
	"quantcore/internal/regime"
	"quantcore/internal/risk"
	"quantcore/internal/signal"
	"quantcore/internal/sizing"
	"quantcore/internal/store"
	"quantcore/internal/types"
)

// Forecaster supplies the per-horizon probabilities for an instrument. Any
// error means no forecast for this tick.
type Forecaster interface {
	Forecast(ctx context.Context, symbol string) ([]signal.Prediction, error)
}

// Action is what a tick did.
type Action string

const (
	ActionNone      Action = "none"
	ActionSkipped   Action = "skipped"
	ActionRejected  Action = "rejected"
	ActionOpened    Action = "opened"
	ActionHeld      Action = "held"
	ActionStopMoved Action = "stop_moved"
	ActionReduced   Action = "reduced"
	ActionClosed    Action = "closed"
)

// Outcome is returned for every evaluation. Reason is set whenever the tick
// did not open or manage a position normally.
type Outcome struct {
	Symbol string         `json:"symbol"`
	Signal *signal.Signal `json:"signal,omitempty"`
	Action Action         `json:"action"`
	Reason types.Reason   `json:"reason,omitempty"`
}

type Deps struct {
	Market     market.Provider
	Forecaster Forecaster
	Gateway    exchange.Gateway
	Classifier *regime.Classifier
	Evaluator  *signal.Evaluator
	Sizer      *sizing.Sizer
	Guard      *risk.Guard
	Engine     *execution.Engine
	Lifecycle  *lifecycle.Manager
	Journal    store.Journal
	Heartbeat  *logger.Heartbeat
}

func (d Deps) validate() error {
	switch {
	case d.Market == nil:
		return errors.New("trader: market provider is required")
	case d.Forecaster == nil:
		return errors.New("trader: forecaster is required")
	case d.Gateway == nil:
		return errors.New("trader: gateway is required")
	case d.Classifier == nil || d.Evaluator == nil || d.Sizer == nil:
		return errors.New("trader: classifier, evaluator and sizer are required")
	case d.Guard == nil || d.Engine == nil || d.Lifecycle == nil:
		return errors.New("trader: guard, engine and lifecycle are required")
	case d.Journal == nil:
		return errors.New("trader: journal is required")
	}
	return nil
}

type Options struct {
	// MinNotional is the floor used when the venue reports none.
	MinNotional float64
	Now         func() time.Time
}

type Trader struct {
	deps Deps
	opts Options

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu         sync.Mutex
	frozen     map[string]types.Reason
	protection map[string]execution.Protection
}

func New(deps Deps, opts Options) (*Trader, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Heartbeat == nil {
		deps.Heartbeat = logger.NewHeartbeat()
	}
	return &Trader{
		deps:       deps,
		opts:       opts,
		locks:      make(map[string]*sync.Mutex),
		frozen:     make(map[string]types.Reason),
		protection: make(map[string]execution.Protection),
	}, nil
}

func (t *Trader) lockFor(sym string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	mu, ok := t.locks[sym]
	if !ok {
		mu = &sync.Mutex{}
		t.locks[sym] = mu
	}
	return mu
}

// Evaluate runs one tick for sym. Ticks for the same instrument never
// overlap; a concurrent call returns immediately with ReasonBusy.
func (t *Trader) Evaluate(ctx context.Context, sym string) (Outcome, error) {
	sym = symbol.Normalize(sym)
	out := Outcome{Symbol: sym, Action: ActionNone}
	if sym == "" {
		return out, fmt.Errorf("evaluate: empty symbol")
	}
	defer t.deps.Heartbeat.Beat()

	if reason, ok := t.frozenReason(sym); ok {
		logger.Debugf("Trader: %s frozen (%s), skipping", sym, reason)
		out.Action, out.Reason = ActionSkipped, types.ReasonFrozen
		return out, nil
	}
	mu := t.lockFor(sym)
	if !mu.TryLock() {
		out.Action, out.Reason = ActionSkipped, types.ReasonBusy
		return out, nil
	}
	defer mu.Unlock()

	snap, returns, err := t.deps.Market.Snapshot(ctx, sym)
	if err != nil {
		logger.Warnf("Trader: %s snapshot failed, skipping tick: %v", sym, err)
		out.Action, out.Reason = ActionSkipped, types.ReasonEvaluationSkipped
		return out, err
	}
	t.deps.Guard.ObserveReturns(sym, returns)

	if pos, ok := t.deps.Guard.Position(sym); ok {
		return t.manage(ctx, pos, snap)
	}
	return t.enter(ctx, snap)
}

func (t *Trader) Positions() map[string]lifecycle.Position {
	return t.deps.Guard.Positions()
}

func (t *Trader) RiskState() risk.State {
	return t.deps.Guard.RiskState()
}

func (t *Trader) Heartbeat() *logger.Heartbeat { return t.deps.Heartbeat }

// Shutdown waits for in-flight entries to finish their cancel path.
func (t *Trader) Shutdown(ctx context.Context) error {
	return t.deps.Engine.Wait(ctx)
}

func (t *Trader) freeze(ctx context.Context, sym string, reason types.Reason, cause error) {
	t.mu.Lock()
	t.frozen[sym] = reason
	t.mu.Unlock()
	logger.Errorf("Trader: %s frozen: %s: %v", sym, reason, cause)
	t.audit(ctx, sym, store.KindFrozen, reason, map[string]any{"error": errString(cause)})
}

func (t *Trader) frozenReason(sym string) (types.Reason, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.frozen[sym]
	return r, ok
}

// Frozen lists the frozen instruments.
func (t *Trader) Frozen() map[string]types.Reason {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]types.Reason, len(t.frozen))
	for k, v := range t.frozen {
		out[k] = v
	}
	return out
}

// Unfreeze clears an operator-acknowledged freeze. It reports whether sym
// was frozen.
func (t *Trader) Unfreeze(sym string) bool {
	sym = symbol.Normalize(sym)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.frozen[sym]; !ok {
		return false
	}
	delete(t.frozen, sym)
	logger.Infof("Trader: %s unfrozen", sym)
	return true
}

func (t *Trader) protectionFor(sym string) execution.Protection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protection[sym]
}

func (t *Trader) setProtection(sym string, prot execution.Protection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prot == (execution.Protection{}) {
		delete(t.protection, sym)
		return
	}
	t.protection[sym] = prot
}

func (t *Trader) persist(ctx context.Context, pos lifecycle.Position) {
	var err error
	if pos.Open() {
		prot := t.protectionFor(pos.Symbol)
		err = t.deps.Journal.SavePosition(ctx, store.PositionSnapshot{
			Position:      pos,
			StopOrderID:   prot.StopOrderID,
			TargetOrderID: prot.TargetOrderID,
		})
	} else {
		err = t.deps.Journal.DeletePosition(ctx, pos.Symbol)
	}
	if err != nil {
		logger.Warnf("Trader: %s persist position failed: %v", pos.Symbol, err)
	}
}

func (t *Trader) audit(ctx context.Context, sym, kind string, reason types.Reason, fields map[string]any) {
	ev := store.AuditEvent{Symbol: sym, Kind: kind, Reason: reason, Context: fields, At: t.opts.Now()}
	if err := t.deps.Journal.RecordAudit(ctx, ev); err != nil {
		logger.Warnf("Trader: %s audit %s failed: %v", sym, kind, err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
