package lifecycle

import (
	"math"

	"github.com/shopspring/decimal"

	"quantcore/internal/types"
)

var (
	decOne = decimal.NewFromInt(1)
	// relative tolerance, so sub-cent prices keep the same resolution as majors
	relEps = decimal.New(1, -9)
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

// offsetPrice is entry moved pct in the side's favour (negative pct moves it
// against the side).
func offsetPrice(side types.Side, entry, pct float64) float64 {
	if entry <= 0 {
		return 0
	}
	factor := decOne.Add(decFromFloat(side.Sign() * pct))
	return decToFloat(decFromFloat(entry).Mul(factor))
}

// excursion is the signed favourable move of price from entry as a fraction.
func excursion(side types.Side, entry, price float64) float64 {
	if entry <= 0 || price <= 0 {
		return 0
	}
	e := decFromFloat(entry)
	move := decFromFloat(price).Sub(e).Div(e)
	return side.Sign() * decToFloat(move)
}

// retrace is how far price has fallen back from the favourable extreme, as a
// fraction of that extreme.
func retrace(side types.Side, extreme, price float64) float64 {
	if extreme <= 0 || price <= 0 {
		return 0
	}
	x := decFromFloat(extreme)
	back := x.Sub(decFromFloat(price)).Div(x)
	return side.Sign() * decToFloat(back)
}

// moreFavorable reports whether a is better than b for side by more than one
// part in a billion of b.
func moreFavorable(side types.Side, a, b float64) bool {
	da, db := decFromFloat(a), decFromFloat(b)
	eps := db.Abs().Mul(relEps)
	if side == types.SideShort {
		return da.Cmp(db.Sub(eps)) < 0
	}
	return da.Cmp(db.Add(eps)) > 0
}

// stopBreached: long price <= stop, short price >= stop.
func stopBreached(side types.Side, price, stop float64) bool {
	if stop <= 0 || price <= 0 {
		return false
	}
	cmp := decFromFloat(price).Cmp(decFromFloat(stop))
	if side == types.SideShort {
		return cmp >= 0
	}
	return cmp <= 0
}

// targetHit: long price >= target, short price <= target.
func targetHit(side types.Side, price, target float64) bool {
	if target <= 0 || price <= 0 {
		return false
	}
	cmp := decFromFloat(price).Cmp(decFromFloat(target))
	if side == types.SideShort {
		return cmp <= 0
	}
	return cmp >= 0
}
