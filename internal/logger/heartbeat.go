package logger

import (
	"sync/atomic"
	"time"
)

// Heartbeat is the liveness timestamp an external watchdog polls.
// The stored value never moves backwards.
type Heartbeat struct {
	last atomic.Int64
	now  func() time.Time
}

func NewHeartbeat() *Heartbeat {
	return &Heartbeat{now: time.Now}
}

// Beat records the current time and returns the stored timestamp.
func (h *Heartbeat) Beat() time.Time {
	now := h.clock().UnixNano()
	for {
		prev := h.last.Load()
		if now <= prev {
			return time.Unix(0, prev)
		}
		if h.last.CompareAndSwap(prev, now) {
			return time.Unix(0, now)
		}
	}
}

func (h *Heartbeat) Last() time.Time {
	v := h.last.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Age reports the time since the last beat; a heartbeat that never beat is
// infinitely old.
func (h *Heartbeat) Age() time.Duration {
	last := h.Last()
	if last.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return h.clock().Sub(last)
}

func (h *Heartbeat) Stale(maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return h.Age() > maxAge
}

func (h *Heartbeat) clock() time.Time {
	if h.now == nil {
		return time.Now()
	}
	return h.now()
}
