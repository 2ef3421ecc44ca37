package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"already canonical", "BTCUSDT", "BTCUSDT"},
		{"exchange form", "BTC/USDT", "BTCUSDT"},
		{"lowercase with dash", "eth-usdt", "ETHUSDT"},
		{"underscore separator", "sol_usdc", "SOLUSDC"},
		{"surrounding whitespace", "  BTCUSDT  ", "BTCUSDT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Canonical(tt.input))
		})
	}
}

func TestToExchange(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"usdt quote", "BTCUSDT", "BTC/USDT"},
		{"usdc quote", "SOLUSDC", "SOL/USDC"},
		{"usd before usdt checked longest first", "ETHUSD", "ETH/USD"},
		{"btc quote", "ETHBTC", "ETH/BTC"},
		{"unknown quote passes through", "FOOBAR", "FOOBAR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ToExchange(tt.input))
		})
	}
}

// Round trip: converting to the exchange form and back must yield the
// canonical symbol unchanged.
func TestRoundTrip(t *testing.T) {
	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDC", "ETHBTC", "DOGEUSD"} {
		assert.Equal(t, sym, Canonical(ToExchange(sym)), "round trip failed for %s", sym)
	}
}

func TestParseList(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    []string
		expectError bool
	}{
		{"two symbols", "BTCUSDT,ETHUSDT", []string{"BTCUSDT", "ETHUSDT"}, false},
		{"mixed case and spaces", " btcusdt , ETH/USDT ", []string{"BTCUSDT", "ETHUSDT"}, false},
		{"duplicates collapsed", "BTCUSDT,BTC/USDT,ETHUSDT", []string{"BTCUSDT", "ETHUSDT"}, false},
		{"trailing comma ignored", "BTCUSDT,", []string{"BTCUSDT"}, false},
		{"invalid entry", "BTCUSDT,NOTASYMBOL", nil, true},
		{"empty list", " , ", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseList(tt.input)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSet(t *testing.T) {
	set := Set([]string{"BTCUSDT", "eth/usdt"})
	_, ok := set["BTCUSDT"]
	assert.True(t, ok)
	_, ok = set["ETHUSDT"]
	assert.True(t, ok)
	_, ok = set["SOLUSDT"]
	assert.False(t, ok)
}
