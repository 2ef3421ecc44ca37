// Package symbols maintains the bidirectional mapping between canonical
// symbol identifiers (BTCUSDT) and the exchange wire form (BTC/USDT).
package symbols

import (
	"fmt"
	"strings"
)

// quoteAssets ordered longest-first so BTCUSDT splits as BTC/USDT,
// not BTCUSD/T.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "TUSD", "USD", "BTC", "ETH", "EUR"}

// Canonical normalizes a symbol to its canonical form: uppercase,
// no separators.
func Canonical(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
	return s
}

// ToExchange converts a canonical symbol to the exchange wire form
// (BASE/QUOTE). Symbols whose quote asset is not recognized are
// returned unchanged.
func ToExchange(canonical string) string {
	c := Canonical(canonical)
	for _, quote := range quoteAssets {
		if strings.HasSuffix(c, quote) && len(c) > len(quote) {
			base := c[:len(c)-len(quote)]
			return base + "/" + quote
		}
	}
	return c
}

// Valid reports whether a canonical symbol has a recognizable
// base/quote structure.
func Valid(canonical string) bool {
	c := Canonical(canonical)
	if c == "" {
		return false
	}
	for _, quote := range quoteAssets {
		if strings.HasSuffix(c, quote) && len(c) > len(quote) {
			return true
		}
	}
	return false
}

// ParseList parses a comma-separated symbol universe (the SYMBOLS
// environment variable format) into canonical symbols. Empty entries
// are skipped; invalid entries fail the whole parse.
func ParseList(raw string) ([]string, error) {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		c := Canonical(p)
		if !Valid(c) {
			return nil, fmt.Errorf("unrecognized symbol %q", p)
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no symbols in %q", raw)
	}
	return out, nil
}

// Set builds a membership set from canonical symbols
func Set(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, s := range list {
		set[Canonical(s)] = struct{}{}
	}
	return set
}
