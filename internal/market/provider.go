package market

import "context"

// Provider produces the per-tick snapshot for an instrument together with
// the recent close-to-close returns fed into the correlation buffer.
type Provider interface {
	Snapshot(ctx context.Context, symbol string) (Snapshot, []float64, error)
}
