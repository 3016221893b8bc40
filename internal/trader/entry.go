package trader

import (
	"context"
	"errors"
	"math"

	"quantcore/internal/execution"
	"quantcore/internal/gateway/exchange"
	"quantcore/internal/lifecycle"
	"quantcore/internal/logger"
	"quantcore/internal/market"
	"quantcore/internal/sizing"
	"quantcore/internal/store"
	"quantcore/internal/types"
)

// minNotionalHeadroom lifts a rescaled entry past the venue minimum since a
// long's maker quote sits below the snapshot price.
const minNotionalHeadroom = 1.01

// enter runs the flat-instrument path: classify, evaluate, size, admit,
// execute and register.
func (t *Trader) enter(ctx context.Context, snap market.Snapshot) (Outcome, error) {
	sym := snap.Symbol
	out := Outcome{Symbol: sym, Action: ActionNone}

	cls := t.deps.Classifier.Classify(snap)
	preds, err := t.deps.Forecaster.Forecast(ctx, sym)
	if err != nil {
		preds = nil
	}
	sig, reason, ok := t.deps.Evaluator.Evaluate(snap, preds, cls)
	if !ok {
		logger.Debugf("Trader: %s no signal (%s, regime %s)", sym, reason, cls.Regime)
		out.Reason = reason
		return out, nil
	}
	out.Signal = &sig
	logger.Infof("Trader: %s signal %s", sym, sig)

	bal, err := t.deps.Gateway.FetchBalance(ctx)
	if err != nil {
		return t.skip(out, "balance", err)
	}
	equity := bal.Equity
	t.deps.Guard.SetEquity(equity)

	dec, err := t.deps.Sizer.Size(sig, equity)
	if err != nil {
		if errors.Is(err, sizing.ErrNonPositiveEdge) {
			return t.reject(ctx, out, types.ReasonNonPositiveEdge, nil), nil
		}
		return t.reject(ctx, out, types.ReasonSignalDropped, map[string]any{"error": err.Error()}), nil
	}

	rules, err := t.deps.Gateway.SymbolRules(ctx, sym)
	if err != nil {
		return t.skip(out, "symbol rules", err)
	}
	minNotional := math.Max(rules.MinNotional, t.opts.MinNotional)
	if dec.Notional < minNotional {
		minNotional *= minNotionalHeadroom
	}
	if scaled, ok := t.deps.Sizer.Rescale(dec, minNotional, equity); ok {
		dec = scaled
	} else {
		return t.reject(ctx, out, types.ReasonSignalDropped, map[string]any{"notional": dec.Notional, "min_notional": minNotional}), nil
	}

	ticket, reason, err := t.deps.Guard.Admit(sym, dec, equity)
	if err != nil {
		if errors.Is(err, types.ErrInvariant) {
			t.freeze(ctx, sym, types.ReasonInvariant, err)
			out.Action, out.Reason = ActionSkipped, types.ReasonInvariant
			return out, err
		}
		return t.reject(ctx, out, reason, map[string]any{"error": err.Error()}), nil
	}
	if ticket == nil {
		return t.reject(ctx, out, reason, map[string]any{"notional": dec.Notional, "leverage": dec.Leverage}), nil
	}

	res, err := t.deps.Engine.Enter(ctx, execution.Request{
		Symbol:   sym,
		Side:     dec.Side,
		Amount:   dec.Amount,
		Leverage: int(math.Round(dec.Leverage)),
	})
	if err != nil || res.Filled <= 0 {
		ticket.Release()
		reason := types.ReasonExecutionFailed
		switch {
		case errors.Is(err, execution.ErrBelowMinimum),
			exchange.RejectOf(err) == exchange.RejectMinNotional,
			exchange.RejectOf(err) == exchange.RejectInsufficient:
			reason = types.ReasonSignalDropped
		}
		logger.Warnf("Trader: %s entry failed (%s): %v", sym, res.State, err)
		return t.reject(ctx, out, reason, map[string]any{"state": string(res.State), "error": errString(err)}), err
	}

	// The fill exists on the venue from here on; registration must not be
	// abandoned because the tick's context ended.
	ctx = context.WithoutCancel(ctx)
	now := t.opts.Now()
	sign := dec.Side.Sign()
	prof := sig.Profile
	pos := lifecycle.NewPosition(sym, dec.Side, res.AvgPrice, res.Filled, dec.Leverage,
		res.AvgPrice*(1-sign*prof.StopPct), res.AvgPrice*(1+sign*prof.TargetPct), now)
	pos.RiskFraction = dec.RiskFraction
	pos.Regime = string(sig.Regime)
	pos.LastReason = types.ReasonOpened

	if err := ticket.Commit(pos); err != nil {
		t.freeze(ctx, sym, types.ReasonInvariant, err)
		out.Action, out.Reason = ActionSkipped, types.ReasonInvariant
		return out, err
	}

	prot, err := t.deps.Engine.PlaceProtection(ctx, sym, pos.Side, pos.Amount, pos.StopPrice, pos.TargetPrice)
	if err != nil {
		logger.Warnf("Trader: %s protective orders incomplete, stop is enforced per tick: %v", sym, err)
	}
	t.setProtection(sym, prot)
	t.persist(ctx, pos)
	t.audit(ctx, sym, store.KindEntry, types.ReasonOpened, map[string]any{
		"side":          pos.Side.String(),
		"regime":        pos.Regime,
		"mode":          string(sig.Mode),
		"probability":   sig.Probability,
		"breakout":      sig.TriggeredException,
		"entry":         pos.EntryPrice,
		"amount":        pos.Amount,
		"leverage":      pos.Leverage,
		"notional":      pos.Notional(),
		"risk_fraction": pos.RiskFraction,
		"maker_filled":  res.MakerFilled,
		"taker_filled":  res.TakerFilled,
		"stop":          pos.StopPrice,
		"target":        pos.TargetPrice,
	})
	logger.Infof("Trader: %s opened %s %.8f @ %.8f lev %.0fx stop %.8f target %.8f",
		sym, pos.Side, pos.Amount, pos.EntryPrice, pos.Leverage, pos.StopPrice, pos.TargetPrice)

	out.Action, out.Reason = ActionOpened, types.ReasonOpened
	return out, nil
}

func (t *Trader) reject(ctx context.Context, out Outcome, reason types.Reason, fields map[string]any) Outcome {
	logger.Infof("Trader: %s signal rejected: %s", out.Symbol, reason)
	if fields == nil {
		fields = map[string]any{}
	}
	if out.Signal != nil {
		fields["side"] = out.Signal.Side.String()
		fields["probability"] = out.Signal.Probability
		fields["regime"] = string(out.Signal.Regime)
	}
	t.audit(ctx, out.Symbol, store.KindReject, reason, fields)
	out.Action, out.Reason = ActionRejected, reason
	return out
}

func (t *Trader) skip(out Outcome, what string, err error) (Outcome, error) {
	logger.Warnf("Trader: %s %s unavailable, skipping tick: %v", out.Symbol, what, err)
	out.Action, out.Reason = ActionSkipped, types.ReasonEvaluationSkipped
	return out, err
}
