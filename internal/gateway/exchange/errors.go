package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies gateway failures so callers can decide between retry,
// resync, backoff or giving up.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindTransient covers timeouts and connection resets.
	KindTransient
	// KindClockDrift means the signed timestamp was rejected.
	KindClockDrift
	// KindRejected is a business rejection: margin, leverage, min notional...
	KindRejected
	// KindRateLimited is a 429/418-class throttle.
	KindRateLimited
	// KindFatal is not recoverable without operator action (bad key etc).
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindClockDrift:
		return "clock_drift"
	case KindRejected:
		return "rejected"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// RejectReason refines KindRejected errors.
type RejectReason string

const (
	RejectNone             RejectReason = ""
	RejectInsufficient     RejectReason = "insufficient margin"
	RejectInvalidLeverage  RejectReason = "invalid leverage"
	RejectMinNotional      RejectReason = "minimum notional"
	RejectPositionMode     RejectReason = "position mode mismatch"
	RejectPostOnlyCrossing RejectReason = "post-only would cross"
	RejectOther            RejectReason = "rejected"
)

// Error is a classified gateway error.
type Error struct {
	Kind   ErrorKind
	Reject RejectReason
	Code   int64
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Reject != RejectNone {
		msg += " (" + string(e.Reject) + ")"
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" code=%d", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification of err. Unclassified network errors and
// deadline overruns are treated as transient; context cancellation is fatal
// for the attempt so callers stop retrying.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

// RejectOf returns the rejection reason of err, if any.
func RejectOf(err error) RejectReason {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Reject
	}
	return RejectNone
}

// IsRetryable reports whether a blind retry of the same call may succeed.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
