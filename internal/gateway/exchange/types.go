package exchange

import (
	"time"

	"quantcore/internal/types"
)

// Position represents an open exchange position as reported by the venue.
type Position struct {
	Symbol     string     // internal symbol, e.g. "BTC/USDT"
	Side       types.Side // long or short
	Amount     float64    // absolute contracts
	EntryPrice float64
	MarkPrice  float64
	Leverage   float64
	UpdatedAt  time.Time
}

// Balance represents account equity information.
type Balance struct {
	Asset     string
	Equity    float64 // wallet + unrealized PnL
	Available float64
	UpdatedAt time.Time
}

// Level is one order book price level.
type Level struct {
	Price    float64
	Quantity float64
}

// OrderBook is a depth snapshot, best levels first.
type OrderBook struct {
	Symbol string
	Bids   []Level
	Asks   []Level
	At     time.Time
}

func (b OrderBook) BestBid() (float64, bool) {
	if len(b.Bids) == 0 || b.Bids[0].Price <= 0 {
		return 0, false
	}
	return b.Bids[0].Price, true
}

func (b OrderBook) BestAsk() (float64, bool) {
	if len(b.Asks) == 0 || b.Asks[0].Price <= 0 {
		return 0, false
	}
	return b.Asks[0].Price, true
}

// Mid returns the mid price, or the single available side.
func (b OrderBook) Mid() float64 {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	switch {
	case okBid && okAsk:
		return (bid + ask) / 2
	case okBid:
		return bid
	case okAsk:
		return ask
	default:
		return 0
	}
}

type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// EntrySide maps a position side to the order side that opens it.
func EntrySide(side types.Side) OrderSide {
	if side == types.SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide maps a position side to the order side that reduces it.
func ExitSide(side types.Side) OrderSide {
	if side == types.SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether no further fills can happen.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// OrderRequest contains parameters for a single order.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Amount        float64
	Price         float64 // limit price, 0 for market
	StopPrice     float64 // trigger for stop/take-profit orders
	PostOnly      bool    // maker only (GTX)
	ReduceOnly    bool
	ClientOrderID string
}

// Order is the venue's view of an order.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Status        OrderStatus
	Price         float64
	Amount        float64
	Filled        float64
	AvgPrice      float64
	UpdatedAt     time.Time
}

// Residual is the unfilled part of the order.
func (o Order) Residual() float64 {
	r := o.Amount - o.Filled
	if r < 0 {
		return 0
	}
	return r
}

// SymbolRules carries the precision and size filters of an instrument.
type SymbolRules struct {
	Symbol      string
	TickSize    float64
	StepSize    float64
	MinQuantity float64
	MinNotional float64
}
