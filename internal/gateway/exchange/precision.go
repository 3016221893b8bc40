package exchange

import (
	"math"

	"github.com/shopspring/decimal"
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

// FloorToStep rounds v down to a multiple of step. A non-positive step
// leaves v unchanged.
func FloorToStep(v, step float64) float64 {
	if step <= 0 || v <= 0 {
		return v
	}
	s := decFromFloat(step)
	q := decFromFloat(v).Div(s).Floor()
	return decToFloat(q.Mul(s))
}

// RoundToTick rounds a price to the nearest tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 || price <= 0 {
		return price
	}
	t := decFromFloat(tick)
	q := decFromFloat(price).Div(t).Round(0)
	return decToFloat(q.Mul(t))
}

// FormatStep renders v with exactly as many decimals as step carries, which is
// the form Binance expects for quantity and price strings.
func FormatStep(v, step float64) string {
	places := int32(8)
	if step > 0 {
		exp := decFromFloat(step).Exponent()
		if exp < 0 {
			places = -exp
		} else {
			places = 0
		}
	}
	return decFromFloat(v).StringFixed(places)
}

// Normalize applies the rules to an order request: quantity is floored to the
// step size, prices are rounded to the tick.
func (r SymbolRules) Normalize(req OrderRequest) OrderRequest {
	req.Amount = FloorToStep(req.Amount, r.StepSize)
	req.Price = RoundToTick(req.Price, r.TickSize)
	req.StopPrice = RoundToTick(req.StopPrice, r.TickSize)
	return req
}

// MeetsMinimum reports whether amount at price satisfies the venue's minimum
// quantity and notional filters.
func (r SymbolRules) MeetsMinimum(amount, price float64) bool {
	if amount <= 0 {
		return false
	}
	if r.MinQuantity > 0 && amount < r.MinQuantity {
		return false
	}
	if r.MinNotional > 0 && price > 0 {
		notional := decFromFloat(amount).Mul(decFromFloat(price))
		if notional.LessThan(decFromFloat(r.MinNotional)) {
			return false
		}
	}
	return true
}
