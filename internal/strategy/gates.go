package strategy

import (
	"math"

	"github.com/tradepulse/tradepulse/internal/features"
	"github.com/tradepulse/tradepulse/internal/market"
)

// Entry filter outcomes. The first failing filter names the reason.
const (
	filterWarmingUp = "warming_up"
	filterStale     = "stale_features"
	filterSpread    = "spread_too_wide"
	filterLatency   = "feed_latency"
	filterQuietTape = "volatility_floor"
	filterWeakTrend = "adx_floor"
)

// entryFilters runs the microstructure gates in order: indicator
// readiness, staleness, spread, tick transit latency, the volatility
// floor, and the ADX trend filter when the profile sets one.
func entryFilters(p Profile, f *features.FeatureSet, latencyMS float64) (string, bool) {
	if !f.MAReady() || !f.RSIReady() || !f.VolReady() || !f.HasReturn(10) {
		return filterWarmingUp, false
	}
	if f.Stale {
		return filterStale, false
	}
	if f.SpreadBPS > p.MaxSpreadBPS {
		return filterSpread, false
	}
	if latencyMS > p.MaxLatencyMS {
		return filterLatency, false
	}
	if volBPS(f) < p.MinVolBPS {
		return filterQuietTape, false
	}
	if p.ADXMin > 0 {
		if !f.ADXReady() || f.ADX < p.ADXMin {
			return filterWeakTrend, false
		}
	}
	return "", true
}

// volBPS converts the per-tick return stddev into basis points.
func volBPS(f *features.FeatureSet) float64 {
	return f.Volatility * 10000
}

// momentumScore maps the feature snapshot onto a [0,1] long score and
// its short mirror. Return and trend components are squashed through
// tanh scaled by realized volatility, so a move only saturates the
// score when it is large relative to the symbol's own noise.
func momentumScore(w MomentumWeights, f *features.FeatureSet) (long, short float64) {
	vol := f.Volatility
	if vol < 1e-6 {
		vol = 1e-6
	}

	blend := 0.5*f.Return1 + 0.3*f.Return5 + 0.2*f.Return10
	retLong := 0.5 + 0.5*math.Tanh(blend/(vol*3))

	trendLong := 0.5
	if f.MA20 > 0 {
		dev := (f.LastPrice - f.MA20) / f.MA20
		trendLong = 0.5 + 0.5*math.Tanh(dev/(vol*3))
	}

	rsiLong := triangle(f.RSI14, 60, 30)
	rsiShort := triangle(f.RSI14, 40, 30)

	band := volBandScore(volBPS(f))

	long = w.Returns*retLong + w.Trend*trendLong + w.RSI*rsiLong + w.Vol*band
	short = w.Returns*(1-retLong) + w.Trend*(1-trendLong) + w.RSI*rsiShort + w.Vol*band
	return long, short
}

// triangle scores distance from a peak, linear down to zero at radius.
func triangle(x, peak, radius float64) float64 {
	d := math.Abs(x - peak)
	if d >= radius {
		return 0
	}
	return 1 - d/radius
}

// volBandScore prefers a mid volatility band. Dead tape offers no edge
// and violent tape breaks the fill assumptions.
func volBandScore(bps float64) float64 {
	switch {
	case bps < 2:
		return bps / 2 * 0.5
	case bps <= 25:
		return 1
	case bps <= 75:
		return 1 - (bps-25)/50*0.7
	default:
		return 0.3
	}
}

// directionalProb reads prob_up in the trade direction.
func directionalProb(probUp float64, side market.Side) float64 {
	if side == market.SideSell {
		return 1 - probUp
	}
	return probUp
}

// syncState tracks the most recent RSI midline crosses by bar index.
// Only the tick goroutine touches it.
type syncState struct {
	prevRSI      float64
	seeded       bool
	crossUpBar   int
	crossDownBar int
}

func newSyncState() syncState {
	return syncState{crossUpBar: -1, crossDownBar: -1}
}

// observe records midline crosses at the close of bar barIndex.
func (s *syncState) observe(barIndex int, rsi float64) {
	if !s.seeded {
		s.prevRSI = rsi
		s.seeded = true
		return
	}
	if s.prevRSI < 50 && rsi >= 50 {
		s.crossUpBar = barIndex
	}
	if s.prevRSI > 50 && rsi <= 50 {
		s.crossDownBar = barIndex
	}
	s.prevRSI = rsi
}

// aligned reports whether RSI crossed the midline in the trade
// direction within the sync window and the MACD histogram agrees.
func (s *syncState) aligned(side market.Side, f *features.FeatureSet, barIndex, window int) bool {
	if !f.MACDReady() {
		return false
	}
	switch side {
	case market.SideBuy:
		return f.MACDHistogram > 0 && s.crossUpBar >= 0 && barIndex-s.crossUpBar <= window
	case market.SideSell:
		return f.MACDHistogram < 0 && s.crossDownBar >= 0 && barIndex-s.crossDownBar <= window
	}
	return false
}
