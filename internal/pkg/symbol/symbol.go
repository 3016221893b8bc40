// Package symbol converts between the internal "BASE/QUOTE" instrument form
// and venue-native spellings.
package symbol

import (
	"strings"
)

// Symbol is a parsed instrument pair.
type Symbol struct {
	Base  string
	Quote string
}

// Internal renders "BTC/USDT".
func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

// Binance renders "BTCUSDT".
func (s Symbol) Binance() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "FDUSD", "BTC", "ETH"}

// Parse accepts "btc/usdt", "BTC/USDT:USDT" (ccxt swap notation) and "BTCUSDT".
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	if base, quote, ok := strings.Cut(s, "/"); ok {
		base, quote = strings.TrimSpace(base), strings.TrimSpace(quote)
		if base == "" || quote == "" {
			return Symbol{}
		}
		return Symbol{Base: base, Quote: quote}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Symbol{}
}

// Normalize returns the internal form or "" when s is not a pair.
func Normalize(s string) string {
	return Parse(s).Internal()
}

// NormalizeList normalizes and de-duplicates, preserving order. Invalid
// entries are dropped.
func NormalizeList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm := Normalize(s)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

// ToBinance converts an internal or raw symbol to the Binance futures form.
func ToBinance(s string) string {
	if b := Parse(s).Binance(); b != "" {
		return b
	}
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "/", ""))
}

// FromBinance converts "BTCUSDT" back to "BTC/USDT".
func FromBinance(raw string) string {
	if n := Normalize(raw); n != "" {
		return n
	}
	return strings.ToUpper(strings.TrimSpace(raw))
}
