package types

import "strings"

// Side is the direction of a position or signal.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide accepts long/short and the buy/sell, up/down spellings used by
// exchanges and the forecast service.
func ParseSide(raw string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy", "up", "call":
		return SideLong, true
	case "short", "sell", "down", "put":
		return SideShort, true
	default:
		return "", false
	}
}

func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// Sign is +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == SideShort {
		return SideLong
	}
	return SideShort
}

func (s Side) String() string { return string(s) }

// Favorable reports whether price a is better than price b for the side.
func (s Side) Favorable(a, b float64) bool {
	if s == SideShort {
		return a < b
	}
	return a > b
}

// Excursion returns the signed return of price relative to entry, positive
// when the move is in the side's favour.
func (s Side) Excursion(entry, price float64) float64 {
	if entry <= 0 {
		return 0
	}
	return s.Sign() * (price - entry) / entry
}
