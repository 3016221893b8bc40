package trader

import (
	"context"
	"fmt"
	"math"

	"quantcore/internal/execution"
	"quantcore/internal/lifecycle"
	"quantcore/internal/logger"
	"quantcore/internal/store"
	"quantcore/internal/types"
)

// Recover rebuilds the open-position table after a restart.
//
// Stored snapshots are reconciled against the venue: a snapshot whose
// position the venue no longer holds is dropped and its protective orders
// cancelled; a venue amount smaller than the stored one (a partial fill of a
// resting leg) shrinks the position. A venue position with no snapshot is not
// adopted; the instrument is frozen for an operator instead.
func (t *Trader) Recover(ctx context.Context) error {
	snaps, err := t.deps.Journal.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("recover: load positions: %w", err)
	}
	live, err := t.deps.Gateway.FetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("recover: fetch positions: %w", err)
	}
	held := make(map[string]float64, len(live))
	for _, p := range live {
		if p.Amount > 0 {
			held[string(p.Side)+"|"+p.Symbol] = p.Amount
		}
	}
	known := make(map[string]bool, len(snaps))

	var keep []lifecycle.Position
	for _, snap := range snaps {
		pos := snap.Position
		prot := execution.Protection{StopOrderID: snap.StopOrderID, TargetOrderID: snap.TargetOrderID}
		key := string(pos.Side) + "|" + pos.Symbol
		known[key] = true

		amount, ok := held[key]
		if !ok || !pos.Open() {
			logger.Warnf("Trader: recover %s: no longer held on venue, dropping", pos.Symbol)
			t.deps.Engine.CancelProtection(ctx, pos.Symbol, prot)
			if err := t.deps.Journal.DeletePosition(ctx, pos.Symbol); err != nil {
				logger.Warnf("Trader: recover %s: delete snapshot: %v", pos.Symbol, err)
			}
			t.audit(ctx, pos.Symbol, store.KindRecovered, types.ReasonReconciled, map[string]any{"stored_amount": pos.Amount})
			continue
		}
		if amount < pos.Amount {
			logger.Warnf("Trader: recover %s: venue holds %.8f of %.8f", pos.Symbol, amount, pos.Amount)
			pos.Amount = amount
		}
		pos.Amount = math.Min(pos.Amount, pos.InitialAmount)
		if err := pos.Validate(); err != nil {
			t.freeze(ctx, pos.Symbol, types.ReasonInvariant, err)
			continue
		}
		t.setProtection(pos.Symbol, prot)
		keep = append(keep, pos)
	}

	for _, p := range live {
		if p.Amount <= 0 || known[string(p.Side)+"|"+p.Symbol] {
			continue
		}
		t.freeze(ctx, p.Symbol, types.ReasonUntracked, fmt.Errorf("%s %.8f @ %.8f held on venue without a local record", p.Side, p.Amount, p.EntryPrice))
	}

	if err := t.deps.Guard.Restore(keep); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	for _, pos := range keep {
		t.persist(ctx, pos)
	}
	logger.Infof("Trader: recovery complete, %d open position(s)", len(keep))
	return nil
}
