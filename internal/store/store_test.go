package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantcore/internal/lifecycle"
	"quantcore/internal/types"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "quantcore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}

func TestPnLRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.RecordPnL(ctx, lifecycle.PnLRecord{
		Symbol: "BTC/USDT", Side: types.SideLong, Entry: 100, Exit: 103, Amount: 0.5,
		PnL: 1.5, PnLPct: 0.03, Leverage: 5, Reason: types.ReasonPartialTP, Remaining: 0.5, At: t0,
	}))
	require.NoError(t, s.RecordPnL(ctx, lifecycle.PnLRecord{
		Symbol: "BTC/USDT", Side: types.SideLong, Entry: 100, Exit: 101, Amount: 0.5,
		PnL: 0.5, Reason: types.ReasonTrailing, At: t0.Add(time.Minute),
	}))
	require.NoError(t, s.RecordPnL(ctx, lifecycle.PnLRecord{Symbol: "ETH/USDT", Side: types.SideShort, At: t0}))

	recs, err := s.ListPnL(ctx, "BTC/USDT", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, types.ReasonTrailing, recs[0].Reason)
	assert.Equal(t, types.ReasonPartialTP, recs[1].Reason)
	assert.InDelta(t, 1.5, recs[1].PnL, 1e-12)
	assert.True(t, recs[1].At.Equal(t0))

	all, err := s.ListPnL(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAuditContextIsJSON(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.RecordAudit(ctx, AuditEvent{
		Symbol:  "SOL/USDT",
		Kind:    KindReject,
		Reason:  types.ReasonCorrelated,
		Context: map[string]any{"peer": "BTC/USDT", "rho": 0.82},
		At:      t0,
	}))
	require.NoError(t, s.RecordAudit(ctx, AuditEvent{Symbol: "SOL/USDT", Kind: KindEntry, Reason: types.ReasonOpened, At: t0.Add(time.Second)}))

	evs, err := s.ListAudit(ctx, "SOL/USDT", 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, KindEntry, evs[0].Kind)
	assert.Nil(t, evs[0].Context)
	assert.NotEmpty(t, evs[1].ID)
	assert.Equal(t, "BTC/USDT", evs[1].Context["peer"])
	assert.InDelta(t, 0.82, evs[1].Context["rho"], 1e-12)
}

func TestPositionSnapshotUpsertAndDelete(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	pos := lifecycle.NewPosition("BTC/USDT", types.SideLong, 100, 1, 5, 97, 106, t0)
	require.NoError(t, s.SavePosition(ctx, PositionSnapshot{Position: pos, StopOrderID: "11", TargetOrderID: "12"}))

	pos.StopPrice = 100.1
	pos.BreakevenArmed = true
	pos.State = lifecycle.StateBreakevenArmed
	pos.HighWaterMark = 101
	require.NoError(t, s.SavePosition(ctx, PositionSnapshot{Position: pos, StopOrderID: "13", TargetOrderID: "12"}))

	other := lifecycle.NewPosition("ETH/USDT", types.SideShort, 50, 2, 3, 52, 45, t0)
	require.NoError(t, s.SavePosition(ctx, PositionSnapshot{Position: other}))

	snaps, err := s.LoadPositions(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "BTC/USDT", snaps[0].Position.Symbol)
	assert.Equal(t, "13", snaps[0].StopOrderID)
	assert.Equal(t, lifecycle.StateBreakevenArmed, snaps[0].Position.State)
	assert.InDelta(t, 100.1, snaps[0].Position.StopPrice, 1e-12)
	assert.True(t, snaps[0].Position.BreakevenArmed)

	require.NoError(t, s.DeletePosition(ctx, "ETH/USDT"))
	snaps, err = s.LoadPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestSavingClosedPositionRemovesIt(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	pos := lifecycle.NewPosition("BTC/USDT", types.SideLong, 100, 1, 5, 97, 106, t0)
	require.NoError(t, s.SavePosition(ctx, PositionSnapshot{Position: pos}))

	closed, _, err := lifecycle.ApplyClose(pos, 1, 97, types.ReasonHardStop, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.SavePosition(ctx, PositionSnapshot{Position: closed}))

	snaps, err := s.LoadPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestClosedStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.RecordAudit(context.Background(), AuditEvent{Symbol: "BTC/USDT"})
	require.ErrorIs(t, err, ErrClosed)
}
