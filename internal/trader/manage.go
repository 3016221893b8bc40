package trader

import (
	"context"
	"errors"

	"quantcore/internal/execution"
	"quantcore/internal/gateway/exchange"
	"quantcore/internal/lifecycle"
	"quantcore/internal/logger"
	"quantcore/internal/market"
	"quantcore/internal/store"
	"quantcore/internal/types"
)

// manage advances an open position by one tick and carries out the actions
// the lifecycle manager returns. When an action cannot be executed only the
// high-water mark progress is kept, so the same transition fires again on
// the next tick.
func (t *Trader) manage(ctx context.Context, pos lifecycle.Position, snap market.Snapshot) (Outcome, error) {
	sym := pos.Symbol
	out := Outcome{Symbol: sym, Action: ActionHeld}
	now := t.opts.Now()

	next, actions := t.deps.Lifecycle.OnTick(pos, snap.Price, now)
	if len(actions) == 0 {
		if err := t.deps.Guard.Update(next); err != nil {
			return t.invariant(ctx, out, err)
		}
		if next.HighWaterMark != pos.HighWaterMark {
			t.persist(ctx, next)
		}
		return out, nil
	}

	cur := next
	for _, a := range actions {
		switch a.Kind {
		case lifecycle.ActionMoveStop:
			prot, err := t.deps.Engine.ReplaceStop(ctx, sym, cur.Side, cur.Amount, a.Stop, t.protectionFor(sym))
			t.setProtection(sym, prot)
			if err != nil {
				logger.Warnf("Trader: %s stop move to %.8f not resting on venue, enforced per tick: %v", sym, a.Stop, err)
			}
			t.audit(ctx, sym, store.KindStopMoved, a.Reason, map[string]any{
				"stop":       a.Stop,
				"state":      string(cur.State),
				"high_water": cur.HighWaterMark,
				"order_id":   prot.StopOrderID,
			})
			logger.Infof("Trader: %s stop -> %.8f (%s)", sym, a.Stop, a.Reason)
			out.Action, out.Reason = ActionStopMoved, a.Reason

		case lifecycle.ActionClosePartial, lifecycle.ActionCloseAll:
			amount := a.Amount
			if a.Kind == lifecycle.ActionCloseAll || amount > cur.Amount {
				amount = cur.Amount
			}
			closed, err := t.close(ctx, cur, amount, snap.Price, a.Reason)
			if err != nil {
				if errors.Is(err, types.ErrInvariant) {
					return t.invariant(ctx, out, err)
				}
				if a.Kind == lifecycle.ActionClosePartial && errors.Is(err, execution.ErrBelowMinimum) {
					logger.Infof("Trader: %s partial take-profit below venue minimum, keeping full size", sym)
					continue
				}
				logger.Warnf("Trader: %s %s close failed, retrying next tick: %v", sym, a.Reason, err)
				keep := lifecycle.WithMark(pos, next)
				if uerr := t.deps.Guard.Update(keep); uerr != nil {
					return t.invariant(ctx, out, uerr)
				}
				t.persist(ctx, keep)
				out.Action, out.Reason = ActionSkipped, types.ReasonExecutionFailed
				return out, err
			}
			cur = closed
			out.Reason = a.Reason
			out.Action = ActionReduced
			if !cur.Open() {
				out.Action = ActionClosed
			}
		}
		if !cur.Open() {
			break
		}
	}

	if !cur.Open() {
		t.deps.Engine.CancelProtection(context.WithoutCancel(ctx), sym, t.protectionFor(sym))
		t.setProtection(sym, execution.Protection{})
	}
	if err := t.deps.Guard.Update(cur); err != nil {
		return t.invariant(ctx, out, err)
	}
	t.persist(ctx, cur)
	return out, nil
}

// close exits amount of pos at market and books the realized PnL. A full
// close the venue rejects is checked against the venue's positions: if the
// position is already gone (a resting stop or target fired) it is closed
// locally at price.
func (t *Trader) close(ctx context.Context, pos lifecycle.Position, amount, price float64, reason types.Reason) (lifecycle.Position, error) {
	sym := pos.Symbol
	res, err := t.deps.Engine.Exit(ctx, sym, pos.Side, amount)
	fillAmount, fillPrice := res.Filled, res.AvgPrice
	if err != nil {
		if exchange.KindOf(err) != exchange.KindRejected || amount < pos.Amount {
			return pos, err
		}
		held, herr := t.heldOnVenue(ctx, pos)
		if herr != nil || held {
			return pos, err
		}
		logger.Warnf("Trader: %s already flat on venue, closing locally", sym)
		fillAmount, fillPrice, reason = pos.Amount, price, types.ReasonReconciled
	}
	if fillPrice <= 0 {
		fillPrice = price
	}

	ctx = context.WithoutCancel(ctx)
	next, rec, err := lifecycle.ApplyClose(pos, fillAmount, fillPrice, reason, t.opts.Now())
	if err != nil {
		return pos, err
	}
	if err := t.deps.Journal.RecordPnL(ctx, rec); err != nil {
		logger.Warnf("Trader: %s record pnl failed: %v", sym, err)
	}
	t.audit(ctx, sym, store.KindExit, reason, map[string]any{
		"amount":    rec.Amount,
		"exit":      rec.Exit,
		"pnl":       rec.PnL,
		"pnl_pct":   rec.PnLPct,
		"remaining": rec.Remaining,
	})
	logger.Infof("Trader: %s %s closed %.8f @ %.8f pnl %.4f (remaining %.8f)",
		sym, reason, rec.Amount, rec.Exit, rec.PnL, rec.Remaining)
	return next, nil
}

func (t *Trader) heldOnVenue(ctx context.Context, pos lifecycle.Position) (bool, error) {
	live, err := t.deps.Gateway.FetchPositions(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range live {
		if p.Symbol == pos.Symbol && p.Side == pos.Side && p.Amount > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (t *Trader) invariant(ctx context.Context, out Outcome, err error) (Outcome, error) {
	t.freeze(ctx, out.Symbol, types.ReasonInvariant, err)
	out.Action, out.Reason = ActionSkipped, types.ReasonInvariant
	return out, err
}
