package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	cases := map[string]string{
		"btc/usdt":      "BTC/USDT",
		"BTC/USDT:USDT": "BTC/USDT",
		"ETHUSDT":       "ETH/USDT",
		"SOLUSDC":       "SOL/USDC",
		"USDT":          "",
		"/USDT":         "",
		"":              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestBinanceRoundTrip(t *testing.T) {
	assert.Equal(t, "BTCUSDT", ToBinance("BTC/USDT"))
	assert.Equal(t, "BTCUSDT", ToBinance("btcusdt"))
	assert.Equal(t, "BTC/USDT", FromBinance("BTCUSDT"))
}

func TestNormalizeList(t *testing.T) {
	out := NormalizeList([]string{"btcusdt", "BTC/USDT", "eth/usdt", "bogus"})
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, out)
}
