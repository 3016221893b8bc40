// Package exchangetest provides a scriptable in-memory exchange.Gateway.
package exchangetest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"quantcore/internal/gateway/exchange"
)

// Gateway records every call. Orders are kept in memory: limit orders rest
// as NEW until the test fills them, market orders fill at once at the touch.
// The hook fields, when set, take precedence over the default behaviour.
type Gateway struct {
	mu sync.Mutex

	Book       exchange.OrderBook
	Rules      exchange.SymbolRules
	Balance    exchange.Balance
	Positions  []exchange.Position
	ServerTime time.Time

	OnCreate    func(req exchange.OrderRequest) (exchange.Order, error)
	OnFetch     func(symbol, id string) (exchange.Order, error)
	OnCancel    func(symbol, id string) (exchange.Order, error)
	OnBook      func(symbol string) (exchange.OrderBook, error)
	OnPositions func() ([]exchange.Position, error)

	Created   []exchange.OrderRequest
	Canceled  []string
	Fetched   int
	Leverages map[string]int

	orders map[string]exchange.Order
	seq    int
}

func New() *Gateway {
	return &Gateway{
		Book: exchange.OrderBook{
			Bids: []exchange.Level{{Price: 99.9, Quantity: 10}},
			Asks: []exchange.Level{{Price: 100.1, Quantity: 10}},
		},
		Rules:      exchange.SymbolRules{TickSize: 0.01, StepSize: 0.001, MinQuantity: 0.001, MinNotional: 5},
		Balance:    exchange.Balance{Asset: "USDT", Equity: 1000, Available: 1000},
		ServerTime: time.Now(),
		Leverages:  make(map[string]int),
		orders:     make(map[string]exchange.Order),
	}
}

func (g *Gateway) FetchPositions(ctx context.Context) ([]exchange.Position, error) {
	if g.OnPositions != nil {
		return g.OnPositions()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]exchange.Position, len(g.Positions))
	copy(out, g.Positions)
	return out, nil
}

func (g *Gateway) FetchOrderBook(ctx context.Context, symbol string, depth int) (exchange.OrderBook, error) {
	if g.OnBook != nil {
		return g.OnBook(symbol)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	book := g.Book
	book.Symbol = symbol
	return book, nil
}

func (g *Gateway) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Balance, nil
}

func (g *Gateway) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	g.mu.Lock()
	g.Created = append(g.Created, req)
	hook := g.OnCreate
	g.mu.Unlock()
	if hook != nil {
		order, err := hook(req)
		if err == nil && order.ID != "" {
			g.Store(order)
		}
		return order, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	order := exchange.Order{
		ID:            strconv.Itoa(g.seq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        exchange.OrderStatusNew,
		Price:         req.Price,
		Amount:        req.Amount,
		UpdatedAt:     time.Now(),
	}
	if req.Type == exchange.OrderTypeMarket {
		order.Status = exchange.OrderStatusFilled
		order.Filled = req.Amount
		order.AvgPrice = g.touch(req.Side)
	}
	g.orders[order.ID] = order
	return order, nil
}

func (g *Gateway) touch(side exchange.OrderSide) float64 {
	if side == exchange.OrderSideBuy {
		if p, ok := g.Book.BestAsk(); ok {
			return p
		}
	}
	if p, ok := g.Book.BestBid(); ok {
		return p
	}
	return g.Book.Mid()
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) (exchange.Order, error) {
	g.mu.Lock()
	g.Canceled = append(g.Canceled, orderID)
	hook := g.OnCancel
	g.mu.Unlock()
	if hook != nil {
		return hook(symbol, orderID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[orderID]
	if !ok {
		return exchange.Order{}, &exchange.Error{Kind: exchange.KindRejected, Reject: exchange.RejectOther, Code: -2011, Op: "cancel", Err: fmt.Errorf("unknown order %s", orderID)}
	}
	if !order.Status.Terminal() {
		order.Status = exchange.OrderStatusCanceled
		g.orders[orderID] = order
	}
	return order, nil
}

func (g *Gateway) FetchOrder(ctx context.Context, symbol, orderID string) (exchange.Order, error) {
	g.mu.Lock()
	g.Fetched++
	hook := g.OnFetch
	g.mu.Unlock()
	if hook != nil {
		return hook(symbol, orderID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[orderID]
	if !ok {
		return exchange.Order{}, fmt.Errorf("unknown order %s", orderID)
	}
	return order, nil
}

func (g *Gateway) FetchServerTime(ctx context.Context) (time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ServerTime, nil
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Leverages[symbol] = leverage
	return nil
}

func (g *Gateway) SymbolRules(ctx context.Context, symbol string) (exchange.SymbolRules, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rules := g.Rules
	rules.Symbol = symbol
	return rules, nil
}

// Store replaces the venue's view of an order.
func (g *Gateway) Store(order exchange.Order) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders[order.ID] = order
}

// Fill marks amount of a resting order as filled at price.
func (g *Gateway) Fill(id string, amount, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order := g.orders[id]
	order.Filled += amount
	if order.Filled > order.Amount {
		order.Filled = order.Amount
	}
	order.AvgPrice = price
	order.Status = exchange.OrderStatusPartiallyFilled
	if order.Filled >= order.Amount {
		order.Status = exchange.OrderStatusFilled
	}
	g.orders[id] = order
}

// LastID is the id of the most recent order created without a hook.
func (g *Gateway) LastID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return strconv.Itoa(g.seq)
}

// CreatedOf returns the recorded requests of one order type.
func (g *Gateway) CreatedOf(typ exchange.OrderType) []exchange.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []exchange.OrderRequest
	for _, req := range g.Created {
		if req.Type == typ {
			out = append(out, req)
		}
	}
	return out
}

func (g *Gateway) CanceledIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.Canceled...)
}

var _ exchange.Gateway = (*Gateway)(nil)
