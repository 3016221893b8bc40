// Package circuit provides a small circuit breaker used to pause calls to a
// venue that keeps failing or throttling us. Cooldowns back off
// exponentially while the breaker keeps re-opening.
package circuit

import (
	"sync"
	"time"

	"quantcore/internal/logger"

	"github.com/jpillora/backoff"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

type Options struct {
	Threshold   int           // consecutive failures before opening
	MinCooldown time.Duration // first open period
	MaxCooldown time.Duration // cap on the exponential cooldown
}

type CircuitBreaker struct {
	mu            sync.Mutex
	name          string
	state         State
	failures      int
	threshold     int
	cooldown      *backoff.Backoff
	openUntil     time.Time
	now           func() time.Time
	onStateChange func(name string, from, to State)
}

func NewCircuitBreaker(name string, opts Options) *CircuitBreaker {
	if opts.Threshold <= 0 {
		opts.Threshold = 5
	}
	if opts.MinCooldown <= 0 {
		opts.MinCooldown = 5 * time.Second
	}
	if opts.MaxCooldown < opts.MinCooldown {
		opts.MaxCooldown = opts.MinCooldown * 16
	}
	return &CircuitBreaker{
		name:      name,
		threshold: opts.Threshold,
		state:     StateClosed,
		now:       time.Now,
		cooldown: &backoff.Backoff{
			Min:    opts.MinCooldown,
			Max:    opts.MaxCooldown,
			Factor: 2,
		},
	}
}

func (cb *CircuitBreaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = handler
}

// SetClock replaces the time source, for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if now != nil {
		cb.now = now
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed. An open breaker whose cooldown
// elapsed lets one probe through as half-open.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if !cb.now().Before(cb.openUntil) {
			cb.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RetryAfter is the remaining cooldown when open, zero otherwise.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	if d := cb.openUntil.Sub(cb.now()); d > 0 {
		return d
	}
	return 0
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.cooldown.Reset()
		cb.transition(StateClosed)
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.threshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	}
}

// Trip opens the breaker immediately, e.g. on a rate-limit response.
func (cb *CircuitBreaker) Trip() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open()
}

func (cb *CircuitBreaker) open() {
	cb.openUntil = cb.now().Add(cb.cooldown.Duration())
	if cb.state != StateOpen {
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, from, to)
		return
	}
	logger.Warnf("CircuitBreaker %s state change: %s -> %s (failures=%d/%d, open_until=%s)",
		cb.name, from, to, cb.failures, cb.threshold, cb.openUntil.Format(time.RFC3339))
}
