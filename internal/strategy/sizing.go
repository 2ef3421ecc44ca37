package strategy

import "github.com/tradepulse/tradepulse/internal/features"

// Market regimes classified from the feature snapshot at decision time.
const (
	RegimeTrending = "trending"
	RegimeChoppy   = "choppy"
	RegimeHighVol  = "high_vol"
	RegimeUnknown  = "unknown"
)

// classifyRegime buckets the market so sizing can lean into trends and
// back off chop and violence. High volatility wins over trend.
func classifyRegime(p Profile, f *features.FeatureSet) string {
	if volBPS(f) >= 3*p.TargetVolBPS {
		return RegimeHighVol
	}
	if f.ADXReady() {
		if f.ADX >= 25 {
			return RegimeTrending
		}
		if f.ADX < 20 {
			return RegimeChoppy
		}
	}
	return RegimeUnknown
}

// sizeNotional scales the base notional by model confidence, regime,
// and inverse volatility, then clamps to the account bounds. The risk
// gate clamps again against the live max_trade_usd guardrail.
func sizeNotional(p Profile, confidence float64, regime string, f *features.FeatureSet, minNotional, maxNotional float64) float64 {
	conf := clamp(0.5+confidence, 0.5, 1.5)

	reg := 1.0
	switch regime {
	case RegimeTrending:
		reg = 1.2
	case RegimeChoppy:
		reg = 0.8
	case RegimeHighVol:
		reg = 0.7
	}

	vol := 1.0
	if bps := volBPS(f); bps > 0 {
		vol = clamp(p.TargetVolBPS/bps, 0.5, 1.5)
	}

	notional := p.BaseNotionalUSD * conf * reg * vol
	if maxNotional > 0 && notional > maxNotional {
		notional = maxNotional
	}
	if notional < minNotional {
		notional = minNotional
	}
	return notional
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
