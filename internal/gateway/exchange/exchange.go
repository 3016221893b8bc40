// Package exchange defines the exchange gateway abstraction used by the
// execution and lifecycle layers. Concrete backends (Binance USDⓈ-M futures)
// live in sibling packages; the guarded adapter wraps any of them with retry,
// clock-drift correction and rate limiting.
package exchange

import (
	"context"
	"time"
)

// Gateway is the full set of exchange calls the trading core performs.
type Gateway interface {
	FetchPositions(ctx context.Context) ([]Position, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
	FetchBalance(ctx context.Context) (Balance, error)
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (Order, error)
	FetchOrder(ctx context.Context, symbol, orderID string) (Order, error)
	FetchServerTime(ctx context.Context) (time.Time, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SymbolRules(ctx context.Context, symbol string) (SymbolRules, error)
}

// ClockAdjuster is implemented by gateways that sign requests with a local
// timestamp. offset is server time minus local time: a client running ahead
// of the venue receives a negative offset.
type ClockAdjuster interface {
	ApplyTimeOffset(offset time.Duration)
}
