// Package guarded wraps an exchange.Gateway with client-side rate limiting,
// bounded retries for transient failures, a single clock resync on timestamp
// rejections and a circuit breaker fed by rate-limit responses.
package guarded

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quantcore/internal/gateway/exchange"
	"quantcore/internal/logger"
	"quantcore/internal/pkg/circuit"
	"quantcore/internal/pkg/retry"
)

var ErrCircuitOpen = errors.New("exchange circuit open")

type Options struct {
	RatePerSec   float64
	Burst        int
	MaxAttempts  int
	RetryDelay   time.Duration
	MinRate      float64       // floor when halving on throttle responses
	RecoverAfter time.Duration // quiet period before the full rate is restored
	Breaker      circuit.Options
}

func DefaultOptions() Options {
	return Options{
		RatePerSec:   10,
		Burst:        20,
		MaxAttempts:  3,
		RetryDelay:   time.Second,
		MinRate:      1,
		RecoverAfter: time.Minute,
		Breaker: circuit.Options{
			Threshold:   5,
			MinCooldown: 5 * time.Second,
			MaxCooldown: 2 * time.Minute,
		},
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.RatePerSec <= 0 {
		o.RatePerSec = def.RatePerSec
	}
	if o.Burst <= 0 {
		o.Burst = def.Burst
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.MinRate <= 0 || o.MinRate > o.RatePerSec {
		o.MinRate = o.RatePerSec / 8
	}
	if o.RecoverAfter <= 0 {
		o.RecoverAfter = def.RecoverAfter
	}
	return o
}

// Adapter implements exchange.Gateway on top of another Gateway.
type Adapter struct {
	inner   exchange.Gateway
	opts    Options
	limiter *rate.Limiter
	breaker *circuit.CircuitBreaker
	now     func() time.Time

	mu          sync.Mutex
	throttledAt time.Time
}

type Option func(*Adapter)

// WithClock sets the time source of the adapter and its breaker.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
			a.breaker.SetClock(now)
		}
	}
}

func New(inner exchange.Gateway, opts Options, extra ...Option) *Adapter {
	opts = opts.withDefaults()
	a := &Adapter{
		inner:   inner,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		breaker: circuit.NewCircuitBreaker("exchange", opts.Breaker),
		now:     time.Now,
	}
	for _, opt := range extra {
		opt(a)
	}
	return a
}

// Status is reported on the health endpoint.
type Status struct {
	Breaker    string        `json:"breaker"`
	RetryAfter time.Duration `json:"retry_after"`
	RateLimit  float64       `json:"rate_limit"`
	Throttled  bool          `json:"throttled"`
}

func (a *Adapter) Status() Status {
	limit := float64(a.limiter.Limit())
	return Status{
		Breaker:    a.breaker.State().String(),
		RetryAfter: a.breaker.RetryAfter(),
		RateLimit:  limit,
		Throttled:  limit < a.opts.RatePerSec,
	}
}

func (a *Adapter) call(ctx context.Context, op string, idempotent bool, fn func(ctx context.Context) error) error {
	if !a.breaker.Allow() {
		return &exchange.Error{
			Kind: exchange.KindRateLimited,
			Op:   op,
			Err:  fmt.Errorf("%w, retry after %s", ErrCircuitOpen, a.breaker.RetryAfter().Round(time.Millisecond)),
		}
	}

	policy := retry.Policy{
		MaxAttempts: a.opts.MaxAttempts,
		Delay:       a.opts.RetryDelay,
		Retryable: func(err error) bool {
			return idempotent && exchange.KindOf(err) == exchange.KindTransient
		},
		OnRetry: func(attempt int, err error) {
			logger.Warnf("Gateway: %s attempt %d failed (%s), retrying: %v", op, attempt, exchange.KindOf(err), err)
		},
	}
	attempt := func(ctx context.Context) error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		return fn(ctx)
	}
	err := retry.Do(ctx, policy, attempt)
	// a timestamp rejection gets one resync and one corrected pass with a
	// fresh transient budget, however late in the first pass it arrived
	if exchange.KindOf(err) == exchange.KindClockDrift {
		if rerr := a.resync(ctx); rerr != nil {
			logger.Warnf("Gateway: %s clock resync failed: %v", op, rerr)
		} else {
			err = retry.Do(ctx, policy, attempt)
		}
	}
	a.observe(op, err)
	return err
}

func (a *Adapter) observe(op string, err error) {
	switch exchange.KindOf(err) {
	case exchange.KindRateLimited:
		a.breaker.Trip()
		a.throttle(op)
	case exchange.KindTransient:
		a.breaker.RecordFailure()
	default:
		// success and business rejections both prove the venue is answering
		if err == nil || exchange.KindOf(err) == exchange.KindRejected {
			a.breaker.RecordSuccess()
		}
		a.maybeRestore()
	}
}

func (a *Adapter) throttle(op string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := float64(a.limiter.Limit()) / 2
	if next < a.opts.MinRate {
		next = a.opts.MinRate
	}
	a.limiter.SetLimit(rate.Limit(next))
	a.throttledAt = a.now()
	logger.Warnf("Gateway: %s rate limited, request rate lowered to %.2f/s", op, next)
}

func (a *Adapter) maybeRestore() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.throttledAt.IsZero() || a.now().Sub(a.throttledAt) < a.opts.RecoverAfter {
		return
	}
	a.throttledAt = time.Time{}
	a.limiter.SetLimit(rate.Limit(a.opts.RatePerSec))
	logger.Infof("Gateway: request rate restored to %.2f/s", a.opts.RatePerSec)
}

// resync measures server minus local time and pushes it into the inner
// gateway when it signs requests itself.
func (a *Adapter) resync(ctx context.Context) error {
	before := a.now()
	server, err := a.inner.FetchServerTime(ctx)
	if err != nil {
		return err
	}
	after := a.now()
	local := before.Add(after.Sub(before) / 2)
	offset := server.Sub(local)
	if adj, ok := a.inner.(exchange.ClockAdjuster); ok {
		adj.ApplyTimeOffset(offset)
	}
	logger.Infof("Gateway: clock resynced, server offset %s", offset)
	return nil
}

func (a *Adapter) FetchPositions(ctx context.Context) ([]exchange.Position, error) {
	var out []exchange.Position
	err := a.call(ctx, "fetch_positions", true, func(ctx context.Context) error {
		var err error
		out, err = a.inner.FetchPositions(ctx)
		return err
	})
	return out, err
}

func (a *Adapter) FetchOrderBook(ctx context.Context, symbol string, depth int) (exchange.OrderBook, error) {
	var out exchange.OrderBook
	err := a.call(ctx, "fetch_order_book", true, func(ctx context.Context) error {
		var err error
		out, err = a.inner.FetchOrderBook(ctx, symbol, depth)
		return err
	})
	return out, err
}

func (a *Adapter) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	var out exchange.Balance
	err := a.call(ctx, "fetch_balance", true, func(ctx context.Context) error {
		var err error
		out, err = a.inner.FetchBalance(ctx)
		return err
	})
	return out, err
}

// CreateOrder retries transient failures only when the request carries a
// client order id, so the venue rejects a duplicate instead of filling twice.
func (a *Adapter) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	var out exchange.Order
	err := a.call(ctx, "create_order", req.ClientOrderID != "", func(ctx context.Context) error {
		var err error
		out, err = a.inner.CreateOrder(ctx, req)
		return err
	})
	return out, err
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) (exchange.Order, error) {
	var out exchange.Order
	err := a.call(ctx, "cancel_order", true, func(ctx context.Context) error {
		var err error
		out, err = a.inner.CancelOrder(ctx, symbol, orderID)
		return err
	})
	return out, err
}

func (a *Adapter) FetchOrder(ctx context.Context, symbol, orderID string) (exchange.Order, error) {
	var out exchange.Order
	err := a.call(ctx, "fetch_order", true, func(ctx context.Context) error {
		var err error
		out, err = a.inner.FetchOrder(ctx, symbol, orderID)
		return err
	})
	return out, err
}

func (a *Adapter) FetchServerTime(ctx context.Context) (time.Time, error) {
	var out time.Time
	err := a.call(ctx, "fetch_server_time", true, func(ctx context.Context) error {
		var err error
		out, err = a.inner.FetchServerTime(ctx)
		return err
	})
	return out, err
}

func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return a.call(ctx, "set_leverage", true, func(ctx context.Context) error {
		return a.inner.SetLeverage(ctx, symbol, leverage)
	})
}

func (a *Adapter) SymbolRules(ctx context.Context, symbol string) (exchange.SymbolRules, error) {
	var out exchange.SymbolRules
	err := a.call(ctx, "symbol_rules", true, func(ctx context.Context) error {
		var err error
		out, err = a.inner.SymbolRules(ctx, symbol)
		return err
	})
	return out, err
}

var _ exchange.Gateway = (*Adapter)(nil)
