// Package execution turns a sized, admitted decision into exchange orders.
// Entries rest as post-only limits first and fall back to a single market
// order for whatever the maker leg did not fill.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantcore/internal/gateway/exchange"
	"quantcore/internal/logger"
	"quantcore/internal/types"
)

type State string

const (
	StatePendingMaker State = "PENDING_MAKER"
	StatePendingTaker State = "PENDING_TAKER"
	StateFilled       State = "FILLED"
	StateFailed       State = "FAILED"
)

var (
	ErrNoQuote       = errors.New("order book has no usable quote")
	ErrBelowMinimum  = errors.New("amount below exchange minimum")
	ErrInvalidAmount = errors.New("invalid order amount")
)

type Options struct {
	MakerTimeout  time.Duration
	PollInterval  time.Duration
	CancelTimeout time.Duration // budget for the cancel path, detached from the caller
	BookDepth     int
}

func DefaultOptions() Options {
	return Options{
		MakerTimeout:  5 * time.Second,
		PollInterval:  500 * time.Millisecond,
		CancelTimeout: 10 * time.Second,
		BookDepth:     5,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MakerTimeout <= 0 {
		o.MakerTimeout = def.MakerTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = def.CancelTimeout
	}
	if o.BookDepth <= 0 {
		o.BookDepth = def.BookDepth
	}
	return o
}

// Request is one entry.
type Request struct {
	Symbol   string
	Side     types.Side
	Amount   float64
	Leverage int // applied before the first order when > 0
}

type Result struct {
	State       State
	Filled      float64
	AvgPrice    float64
	MakerFilled float64
	TakerFilled float64
	OrderIDs    []string
}

func (r *Result) addFill(amount, price float64) {
	if amount <= 0 || price <= 0 {
		return
	}
	total := r.Filled + amount
	r.AvgPrice = (r.AvgPrice*r.Filled + price*amount) / total
	r.Filled = total
}

// Engine places entries and exits through a gateway. It is safe for
// concurrent use across instruments.
type Engine struct {
	gw   exchange.Gateway
	opts Options

	after    func(time.Duration) <-chan time.Time
	clientID func() string

	inflight sync.WaitGroup
}

type EngineOption func(*Engine)

// WithAfter replaces time.After, mainly for tests.
func WithAfter(after func(time.Duration) <-chan time.Time) EngineOption {
	return func(e *Engine) {
		if after != nil {
			e.after = after
		}
	}
}

func WithClientID(fn func() string) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.clientID = fn
		}
	}
}

func NewEngine(gw exchange.Gateway, opts Options, extra ...EngineOption) *Engine {
	e := &Engine{
		gw:       gw,
		opts:     opts.withDefaults(),
		after:    time.After,
		clientID: func() string { return "qc-" + uuid.NewString()[:20] },
	}
	for _, opt := range extra {
		opt(e)
	}
	return e
}

// Wait blocks until in-flight entries finish or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enter opens a position. A post-only limit is placed at the best bid (long)
// or best ask (short) and polled until MakerTimeout; the resting order is then
// cancelled, its fill re-read, and one market order sent for the residual.
// The cancel path runs on a context detached from ctx so a shutdown never
// leaves the limit order resting.
func (e *Engine) Enter(ctx context.Context, req Request) (Result, error) {
	e.inflight.Add(1)
	defer e.inflight.Done()

	res := Result{State: StateFailed}
	if !req.Side.Valid() || req.Amount <= 0 {
		return res, fmt.Errorf("enter %s: %w", req.Symbol, ErrInvalidAmount)
	}
	rules, err := e.gw.SymbolRules(ctx, req.Symbol)
	if err != nil {
		return res, fmt.Errorf("enter %s: symbol rules: %w", req.Symbol, err)
	}
	if req.Leverage > 0 {
		if err := e.gw.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return res, fmt.Errorf("enter %s: set leverage %dx: %w", req.Symbol, req.Leverage, err)
		}
	}
	book, err := e.gw.FetchOrderBook(ctx, req.Symbol, e.opts.BookDepth)
	if err != nil {
		return res, fmt.Errorf("enter %s: order book: %w", req.Symbol, err)
	}
	quote, ok := book.BestBid()
	if req.Side == types.SideShort {
		quote, ok = book.BestAsk()
	}
	if !ok {
		return res, fmt.Errorf("enter %s: %w", req.Symbol, ErrNoQuote)
	}

	limit := rules.Normalize(exchange.OrderRequest{
		Symbol:        req.Symbol,
		Side:          exchange.EntrySide(req.Side),
		Type:          exchange.OrderTypeLimit,
		Amount:        req.Amount,
		Price:         quote,
		PostOnly:      true,
		ClientOrderID: e.clientID(),
	})
	if !rules.MeetsMinimum(limit.Amount, limit.Price) {
		return res, fmt.Errorf("enter %s: %.8f @ %.8f: %w", req.Symbol, limit.Amount, limit.Price, ErrBelowMinimum)
	}
	target := limit.Amount

	res.State = StatePendingMaker
	order, err := e.gw.CreateOrder(ctx, limit)
	switch {
	case err == nil:
		res.OrderIDs = append(res.OrderIDs, order.ID)
		order = e.awaitMaker(ctx, req.Symbol, order)
		res.MakerFilled = order.Filled
		res.addFill(order.Filled, fillPrice(order, limit.Price))
	case exchange.RejectOf(err) == exchange.RejectPostOnlyCrossing:
		logger.Infof("Execution: %s post-only at %.8f would cross, going straight to market", req.Symbol, limit.Price)
	default:
		res.State = StateFailed
		return res, fmt.Errorf("enter %s: maker order: %w", req.Symbol, err)
	}

	if ctx.Err() != nil {
		// shutting down: keep whatever filled, send nothing new
		if res.Filled > 0 {
			res.State = StateFilled
			return res, nil
		}
		res.State = StateFailed
		return res, fmt.Errorf("enter %s: %w", req.Symbol, ctx.Err())
	}

	residual := exchange.FloorToStep(target-res.Filled, rules.StepSize)
	if residual <= 0 || !rules.MeetsMinimum(residual, quote) {
		if res.Filled <= 0 {
			res.State = StateFailed
			return res, fmt.Errorf("enter %s: residual %.8f: %w", req.Symbol, residual, ErrBelowMinimum)
		}
		res.State = StateFilled
		return res, nil
	}

	res.State = StatePendingTaker
	taker, err := e.market(ctx, exchange.OrderRequest{
		Symbol:        req.Symbol,
		Side:          exchange.EntrySide(req.Side),
		Type:          exchange.OrderTypeMarket,
		Amount:        residual,
		ClientOrderID: e.clientID(),
	})
	if taker.ID != "" {
		res.OrderIDs = append(res.OrderIDs, taker.ID)
	}
	if err != nil {
		if res.Filled > 0 {
			logger.Warnf("Execution: %s market residual %.8f failed, keeping maker fill %.8f: %v", req.Symbol, residual, res.Filled, err)
			res.State = StateFilled
			return res, nil
		}
		res.State = StateFailed
		return res, fmt.Errorf("enter %s: market residual: %w", req.Symbol, err)
	}
	res.TakerFilled = taker.Filled
	res.addFill(taker.Filled, fillPrice(taker, quote))
	if res.Filled <= 0 {
		res.State = StateFailed
		return res, fmt.Errorf("enter %s: nothing filled", req.Symbol)
	}
	res.State = StateFilled
	logger.Infof("Execution: %s %s filled %.8f @ %.8f (maker %.8f, taker %.8f)",
		req.Symbol, req.Side, res.Filled, res.AvgPrice, res.MakerFilled, res.TakerFilled)
	return res, nil
}

// awaitMaker polls the resting order until it fills, reaches a terminal state
// or the maker window closes, and returns its final view. Unless fully filled,
// the order has been cancelled when this returns.
func (e *Engine) awaitMaker(ctx context.Context, symbol string, order exchange.Order) exchange.Order {
	polls := int(e.opts.MakerTimeout / e.opts.PollInterval)
	if polls < 1 {
		polls = 1
	}
	for i := 0; i < polls; i++ {
		if order.Status == exchange.OrderStatusFilled {
			return order
		}
		if order.Status.Terminal() {
			// expired/cancelled by the venue; nothing left to cancel
			return order
		}
		select {
		case <-ctx.Done():
			return e.cancelAndReread(ctx, symbol, order)
		case <-e.after(e.opts.PollInterval):
		}
		latest, err := e.gw.FetchOrder(ctx, symbol, order.ID)
		if err != nil {
			logger.Debugf("Execution: poll %s order %s failed: %v", symbol, order.ID, err)
			continue
		}
		order = latest
	}
	if order.Status == exchange.OrderStatusFilled || order.Status.Terminal() {
		return order
	}
	return e.cancelAndReread(ctx, symbol, order)
}

func (e *Engine) cancelAndReread(parent context.Context, symbol string, order exchange.Order) exchange.Order {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.opts.CancelTimeout)
	defer cancel()

	canceled, err := e.gw.CancelOrder(ctx, symbol, order.ID)
	if err != nil {
		logger.Warnf("Execution: cancel %s order %s failed: %v", symbol, order.ID, err)
	} else if canceled.Filled > order.Filled {
		order = canceled
	}
	// the cancel response can lag the matching engine; the order query is authoritative
	latest, err := e.gw.FetchOrder(ctx, symbol, order.ID)
	if err != nil {
		logger.Warnf("Execution: re-read %s order %s after cancel failed: %v", symbol, order.ID, err)
		return order
	}
	return latest
}

// market sends one market order and, when the response carries no fill yet,
// reads it back once.
func (e *Engine) market(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	order, err := e.gw.CreateOrder(ctx, req)
	if err != nil {
		return order, err
	}
	if order.Filled > 0 || order.ID == "" {
		return order, nil
	}
	latest, err := e.gw.FetchOrder(ctx, req.Symbol, order.ID)
	if err != nil {
		logger.Warnf("Execution: read back %s market order %s failed: %v", req.Symbol, order.ID, err)
		return order, nil
	}
	return latest, nil
}

// Exit closes amount of a position with a reduce-only market order.
func (e *Engine) Exit(ctx context.Context, symbol string, side types.Side, amount float64) (Result, error) {
	res := Result{State: StateFailed}
	if !side.Valid() || amount <= 0 {
		return res, fmt.Errorf("exit %s: %w", symbol, ErrInvalidAmount)
	}
	rules, err := e.gw.SymbolRules(ctx, symbol)
	if err != nil {
		return res, fmt.Errorf("exit %s: symbol rules: %w", symbol, err)
	}
	req := rules.Normalize(exchange.OrderRequest{
		Symbol:        symbol,
		Side:          exchange.ExitSide(side),
		Type:          exchange.OrderTypeMarket,
		Amount:        amount,
		ReduceOnly:    true,
		ClientOrderID: e.clientID(),
	})
	if req.Amount <= 0 {
		return res, fmt.Errorf("exit %s: %.8f floors to zero: %w", symbol, amount, ErrBelowMinimum)
	}
	res.State = StatePendingTaker
	order, err := e.market(ctx, req)
	if order.ID != "" {
		res.OrderIDs = append(res.OrderIDs, order.ID)
	}
	if err != nil {
		res.State = StateFailed
		return res, fmt.Errorf("exit %s: %w", symbol, err)
	}
	res.TakerFilled = order.Filled
	res.addFill(order.Filled, order.AvgPrice)
	if res.Filled <= 0 {
		res.State = StateFailed
		return res, fmt.Errorf("exit %s: order %s reported no fill", symbol, order.ID)
	}
	res.State = StateFilled
	return res, nil
}

// Protection holds the ids of the resting reduce-only stop and target.
type Protection struct {
	StopOrderID   string `json:"stop_order_id,omitempty"`
	TargetOrderID string `json:"target_order_id,omitempty"`
}

// PlaceProtection rests a STOP_MARKET at stop and a TAKE_PROFIT_MARKET at
// target, both reduce-only for amount. A zero price skips that leg.
func (e *Engine) PlaceProtection(ctx context.Context, symbol string, side types.Side, amount, stop, target float64) (Protection, error) {
	var prot Protection
	if stop > 0 {
		id, err := e.placeTrigger(ctx, symbol, side, amount, stop, exchange.OrderTypeStopMarket)
		if err != nil {
			return prot, fmt.Errorf("protect %s: stop: %w", symbol, err)
		}
		prot.StopOrderID = id
	}
	if target > 0 {
		id, err := e.placeTrigger(ctx, symbol, side, amount, target, exchange.OrderTypeTakeProfit)
		if err != nil {
			return prot, fmt.Errorf("protect %s: target: %w", symbol, err)
		}
		prot.TargetOrderID = id
	}
	return prot, nil
}

// ReplaceStop cancels the resting stop, if any, and places a new one.
func (e *Engine) ReplaceStop(ctx context.Context, symbol string, side types.Side, amount, stop float64, prev Protection) (Protection, error) {
	if prev.StopOrderID != "" {
		if _, err := e.gw.CancelOrder(ctx, symbol, prev.StopOrderID); err != nil {
			logger.Warnf("Execution: cancel %s stop %s failed: %v", symbol, prev.StopOrderID, err)
		}
	}
	id, err := e.placeTrigger(ctx, symbol, side, amount, stop, exchange.OrderTypeStopMarket)
	if err != nil {
		prev.StopOrderID = ""
		return prev, fmt.Errorf("replace stop %s: %w", symbol, err)
	}
	prev.StopOrderID = id
	return prev, nil
}

// CancelProtection removes both resting legs. Failures are logged.
func (e *Engine) CancelProtection(ctx context.Context, symbol string, prot Protection) {
	for _, id := range []string{prot.StopOrderID, prot.TargetOrderID} {
		if id == "" {
			continue
		}
		if _, err := e.gw.CancelOrder(ctx, symbol, id); err != nil {
			logger.Debugf("Execution: cancel %s protection %s: %v", symbol, id, err)
		}
	}
}

func (e *Engine) placeTrigger(ctx context.Context, symbol string, side types.Side, amount, trigger float64, typ exchange.OrderType) (string, error) {
	rules, err := e.gw.SymbolRules(ctx, symbol)
	if err != nil {
		return "", err
	}
	req := rules.Normalize(exchange.OrderRequest{
		Symbol:        symbol,
		Side:          exchange.ExitSide(side),
		Type:          typ,
		Amount:        amount,
		StopPrice:     trigger,
		ReduceOnly:    true,
		ClientOrderID: e.clientID(),
	})
	if req.Amount <= 0 {
		return "", ErrBelowMinimum
	}
	order, err := e.gw.CreateOrder(ctx, req)
	if err != nil {
		return "", err
	}
	return order.ID, nil
}

func fillPrice(o exchange.Order, fallback float64) float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	if o.Price > 0 {
		return o.Price
	}
	return fallback
}
