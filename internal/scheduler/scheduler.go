// Package scheduler drives the per-instrument evaluation ticks.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"quantcore/internal/logger"
)

// TickFunc evaluates one instrument. It runs on the instrument's own loop
// and is never called again for that instrument before it returns.
type TickFunc func(ctx context.Context, symbol string)

// Runner starts one loop per instrument. The first ticks are staggered by
// the startup delay; each loop then ticks on a fixed grid anchored at its
// first tick. A tick that overruns skips the grid points it missed.
type Runner struct {
	// AlignTo, when positive, moves the first round to the next multiple of
	// AlignTo plus Offset, so ticks land just after a candle closes.
	AlignTo time.Duration
	Offset  time.Duration

	nowFn func() time.Time
}

func NewRunner(alignTo, offset time.Duration) *Runner {
	return &Runner{AlignTo: alignTo, Offset: offset, nowFn: time.Now}
}

// Start blocks until ctx is done and every in-flight tick has returned.
func (r *Runner) Start(ctx context.Context, symbols []string, interval, startupDelay time.Duration, tick TickFunc) error {
	if tick == nil {
		return fmt.Errorf("scheduler: tick func is nil")
	}
	if interval <= 0 {
		return fmt.Errorf("scheduler: invalid interval=%s", interval)
	}
	if len(symbols) == 0 {
		return fmt.Errorf("scheduler: no symbols")
	}
	if startupDelay < 0 {
		logger.Warnf("Scheduler: negative startup delay=%s, clamp to 0", startupDelay)
		startupDelay = 0
	}
	if r.nowFn == nil {
		r.nowFn = time.Now
	}

	start := r.firstRound(r.nowFn())
	logger.Infof("Scheduler: started symbols=%d interval=%s startup_delay=%s first_round=%s",
		len(symbols), interval, startupDelay, start.Format(time.RFC3339))

	group, gctx := errgroup.WithContext(ctx)
	for i, sym := range symbols {
		anchor := start.Add(time.Duration(i) * startupDelay)
		group.Go(func() error {
			r.loop(gctx, sym, anchor, interval, tick)
			return nil
		})
	}
	err := group.Wait()
	logger.Infof("Scheduler: all loops stopped")
	return err
}

func (r *Runner) firstRound(now time.Time) time.Time {
	if r.AlignTo <= 0 {
		return now
	}
	offset := r.Offset
	if offset < 0 {
		offset = 0
	}
	return now.Truncate(r.AlignTo).Add(r.AlignTo).Add(offset)
}

func (r *Runner) loop(ctx context.Context, sym string, anchor time.Time, interval time.Duration, tick TickFunc) {
	next := anchor
	for {
		if !waitUntil(ctx, r.nowFn, next) {
			logger.Debugf("Scheduler[%s]: ctx done, exit", sym)
			return
		}
		began := r.nowFn()
		runTick(ctx, sym, tick)
		now := r.nowFn()
		if took := now.Sub(began); took > interval {
			logger.Warnf("Scheduler[%s]: tick took %s, longer than interval %s", sym, took.Truncate(time.Millisecond), interval)
		}
		next = nextFixedTimeAfter(anchor, interval, now)
	}
}

func runTick(ctx context.Context, sym string, tick TickFunc) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("Scheduler[%s]: tick panic: %v\n%s", sym, rec, debug.Stack())
		}
	}()
	tick(ctx, sym)
}

func waitUntil(ctx context.Context, nowFn func() time.Time, target time.Time) bool {
	wait := target.Sub(nowFn())
	if wait <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// nextFixedTimeAfter returns the first grid point anchor + k*interval that
// is strictly after now.
func nextFixedTimeAfter(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return now
	}
	delta := now.Sub(anchor)
	if delta < 0 {
		return anchor
	}
	k := delta / interval
	return anchor.Add((k + 1) * interval)
}

// ParseInterval parses candle intervals such as "30s", "15m", "4h", "1d"
// and "1w".
func ParseInterval(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if len(interval) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	var unit time.Duration
	switch interval[len(interval)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, false
	}
	return time.Duration(n) * unit, true
}
