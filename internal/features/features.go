// Package features maintains per-symbol rolling price state and the
// derived indicators strategies evaluate on every tick.
//
// Price-based features (returns, MA, RSI, volatility, z-score) update
// incrementally per tick in O(1). Bar-based features (ATR, MACD, ADX)
// recompute when a bar closes at the configured bar size. Reads return
// a point-in-time snapshot; a staleness marker tells downstream when
// the cache has not seen a tick recently enough to trust.
package features

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepulse/tradepulse/internal/bus"
	"github.com/tradepulse/tradepulse/internal/config"
	"github.com/tradepulse/tradepulse/internal/market"
	"github.com/tradepulse/tradepulse/internal/metrics"
	"github.com/tradepulse/tradepulse/internal/symbols"
)

// ErrUnknownSymbol marks reads for symbols outside the configured universe.
var ErrUnknownSymbol = errors.New("symbol not tracked by feature cache")

// FeatureSet is a point-in-time snapshot of one symbol's features.
// Fields whose window is not yet filled hold zero; the readiness
// predicates tell them apart from true zeros.
type FeatureSet struct {
	Symbol     string    `json:"symbol"`
	LastPrice  float64   `json:"last_price"`
	Bid        float64   `json:"bid,omitempty"`
	Ask        float64   `json:"ask,omitempty"`
	SpreadBPS  float64   `json:"spread_bps"`
	LastUpdate time.Time `json:"last_update"`
	Staleness  float64   `json:"staleness_s"`
	Stale      bool      `json:"stale"`
	Samples    int       `json:"samples"`
	Bars       int       `json:"bars"`

	Return1  float64 `json:"return_1"`
	Return5  float64 `json:"return_5"`
	Return10 float64 `json:"return_10"`

	MA20       float64 `json:"ma_20"`
	RSI14      float64 `json:"rsi_14"`
	Volatility float64 `json:"volatility"`
	ZScore60   float64 `json:"z_score_60"`
	ATR14      float64 `json:"atr_14"`

	MACD          float64 `json:"macd"`
	MACDSignal    float64 `json:"macd_signal"`
	MACDHistogram float64 `json:"macd_histogram"`
	ADX           float64 `json:"adx"`
}

// HasReturn reports whether returns(k) is defined, which needs k+1 samples.
func (f *FeatureSet) HasReturn(k int) bool { return f.Samples > k }

func (f *FeatureSet) MAReady() bool  { return f.Samples >= maPeriod }
func (f *FeatureSet) RSIReady() bool { return f.Samples >= rsiPeriod+1 }
func (f *FeatureSet) VolReady() bool { return f.Samples >= volWindow+1 }
func (f *FeatureSet) ZReady() bool   { return f.Samples >= zWindow }

func (f *FeatureSet) ATRReady() bool  { return f.Bars >= atrPeriod+1 }
func (f *FeatureSet) MACDReady() bool { return f.Bars >= macdSlow+macdSignal }
func (f *FeatureSet) ADXReady() bool  { return f.Bars >= adxPeriod*2 }

// Vector flattens the snapshot into the 8-dimension embedding persisted
// alongside signals for similarity search. Dimensions are scaled to
// comparable magnitudes.
func (f *FeatureSet) Vector() []float32 {
	trend := 0.0
	if f.MA20 > 0 {
		trend = (f.LastPrice - f.MA20) / f.MA20 * 100
	}
	atrPct := 0.0
	if f.LastPrice > 0 {
		atrPct = f.ATR14 / f.LastPrice * 100
	}
	return []float32{
		float32(f.Return1 * 100),
		float32(f.Return5 * 100),
		float32(f.Return10 * 100),
		float32((f.RSI14 - 50) / 50),
		float32(trend),
		float32(f.Volatility * 100),
		float32(f.ZScore60),
		float32(atrPct),
	}
}

type symbolState struct {
	mu sync.Mutex

	prices     *priceRing
	lastTick   market.Tick
	lastUpdate time.Time

	ma20    *rollingWindow // prices
	z60     *rollingWindow // prices
	rets    *rollingWindow // pct returns
	rsi     *rsiWindow     // price changes
	prev    float64
	hasPrev bool

	bars      *barRing
	curBar    *Bar
	curBucket time.Time

	atr    float64
	atrOK  bool
	macd   macdResult
	macdOK bool
	adx    float64
	adxOK  bool

	staleNotified bool
}

// Cache holds the feature state for the whole symbol universe. The
// symbol set is fixed at construction; per-symbol state takes its own
// lock so one symbol's reads never block another's updates.
type Cache struct {
	cfg     config.FeaturesConfig
	barSize time.Duration
	states  map[string]*symbolState
	order   []string
	events  *bus.Bus
	log     zerolog.Logger
}

// New builds a Cache for the given canonical symbols. The events bus
// may be nil; staleness transitions are then log-only.
func New(cfg config.FeaturesConfig, syms []string, events *bus.Bus, logger zerolog.Logger) *Cache {
	barSize := time.Duration(cfg.BarSeconds) * time.Second
	if barSize <= 0 {
		barSize = time.Minute
	}

	barCap := cfg.WarmupBars
	if barCap < minBarCapacity {
		barCap = minBarCapacity
	}

	c := &Cache{
		cfg:     cfg,
		barSize: barSize,
		states:  make(map[string]*symbolState, len(syms)),
		order:   make([]string, 0, len(syms)),
		events:  events,
		log:     logger.With().Str("component", "feature_cache").Logger(),
	}
	for _, s := range syms {
		sym := symbols.Canonical(s)
		c.states[sym] = &symbolState{
			prices: newPriceRing(cfg.RingSize),
			ma20:   newRollingWindow(maPeriod),
			z60:    newRollingWindow(zWindow),
			rets:   newRollingWindow(volWindow),
			rsi:    newRSIWindow(rsiPeriod),
			bars:   newBarRing(barCap),
		}
		c.order = append(c.order, sym)
	}
	return c
}

// Symbols returns the tracked universe in configuration order.
func (c *Cache) Symbols() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// ObserveTick folds one accepted tick into the symbol's state. Ticks
// for untracked symbols are dropped. Satisfies the feed's sink contract.
func (c *Cache) ObserveTick(tick market.Tick) {
	st, ok := c.states[tick.Symbol]
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	price := tick.LastPrice

	st.prices.Push(price)
	st.ma20.Push(price)
	st.z60.Push(price)
	if st.hasPrev {
		st.rsi.Push(price - st.prev)
		if st.prev > 0 {
			st.rets.Push(price/st.prev - 1)
		}
	}
	st.prev = price
	st.hasPrev = true

	c.updateBarLocked(st, tick)

	if tick.Bid > 0 || tick.Ask > 0 {
		st.lastTick = tick
	} else {
		// Deals carry no quote; keep the last known bid/ask.
		st.lastTick.Symbol = tick.Symbol
		st.lastTick.LastPrice = price
		st.lastTick.Timestamp = tick.Timestamp
	}
	st.lastUpdate = time.Now()
	st.staleNotified = false
}

// updateBarLocked folds the tick into the current bar, closing it when
// the tick starts a new bucket. Late ticks never reopen a closed bar.
func (c *Cache) updateBarLocked(st *symbolState, tick market.Tick) {
	bucket := tick.Timestamp.Truncate(c.barSize)

	switch {
	case st.curBar == nil:
		st.startBarLocked(bucket, tick)
	case bucket.After(st.curBucket):
		st.bars.Push(*st.curBar)
		c.recomputeBarIndicatorsLocked(st)
		st.startBarLocked(bucket, tick)
	case bucket.Equal(st.curBucket):
		b := st.curBar
		if tick.LastPrice > b.High {
			b.High = tick.LastPrice
		}
		if tick.LastPrice < b.Low {
			b.Low = tick.LastPrice
		}
		b.Close = tick.LastPrice
		b.Volume += tick.VolumeDelta
	default:
		// Tick older than the open bar; bars are append-only.
	}
}

func (st *symbolState) startBarLocked(bucket time.Time, tick market.Tick) {
	st.curBucket = bucket
	st.curBar = &Bar{
		OpenTime: bucket,
		Open:     tick.LastPrice,
		High:     tick.LastPrice,
		Low:      tick.LastPrice,
		Close:    tick.LastPrice,
		Volume:   tick.VolumeDelta,
	}
}

func (c *Cache) recomputeBarIndicatorsLocked(st *symbolState) {
	bars := st.bars.Tail(st.bars.Len())
	st.atr, st.atrOK = atrFromBars(bars)
	st.macd, st.macdOK = macdFromCloses(st.bars.Closes(st.bars.Len()))
	st.adx, st.adxOK = adxFromBars(bars)
}

// SeedBars loads historical bars for a symbol, priming the bar-based
// indicators and seeding the price windows from the closes. Bars must
// be in chronological order.
func (c *Cache) SeedBars(symbol string, bars []Bar) error {
	st, ok := c.states[symbols.Canonical(symbol)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	for _, b := range bars {
		st.bars.Push(b)

		st.prices.Push(b.Close)
		st.ma20.Push(b.Close)
		st.z60.Push(b.Close)
		if st.hasPrev {
			st.rsi.Push(b.Close - st.prev)
			if st.prev > 0 {
				st.rets.Push(b.Close/st.prev - 1)
			}
		}
		st.prev = b.Close
		st.hasPrev = true
	}
	c.recomputeBarIndicatorsLocked(st)

	return nil
}

// Features returns the symbol's snapshot. The staleness marker trips
// once now-last_update reaches the configured threshold; downstream
// must fall back or abstain while it is set.
func (c *Cache) Features(symbol string) (*FeatureSet, error) {
	return c.featuresAt(symbol, time.Now())
}

func (c *Cache) featuresAt(symbol string, now time.Time) (*FeatureSet, error) {
	st, ok := c.states[symbols.Canonical(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	f := &FeatureSet{
		Symbol:     symbols.Canonical(symbol),
		LastUpdate: st.lastUpdate,
		Samples:    st.prices.Len(),
		Bars:       st.bars.Len(),
	}

	if price, ok := st.prices.Last(); ok {
		f.LastPrice = price
	}
	if st.lastTick.Bid > 0 && st.lastTick.Ask > 0 {
		f.Bid = st.lastTick.Bid
		f.Ask = st.lastTick.Ask
		f.SpreadBPS = st.lastTick.SpreadBPS()
	}

	f.Return1 = returnK(st.prices, 1)
	f.Return5 = returnK(st.prices, 5)
	f.Return10 = returnK(st.prices, 10)

	if st.ma20.Full() {
		f.MA20 = st.ma20.Mean()
	}
	if v, ok := st.rsi.Value(); ok {
		f.RSI14 = v
	}
	if st.rets.Full() {
		f.Volatility = st.rets.SampleStdDev()
	}
	if st.z60.Full() {
		if sd := st.z60.SampleStdDev(); sd > 0 {
			f.ZScore60 = (f.LastPrice - st.z60.Mean()) / sd
		}
	}
	if st.atrOK {
		f.ATR14 = st.atr
	}
	if st.macdOK {
		f.MACD = st.macd.MACD
		f.MACDSignal = st.macd.Signal
		f.MACDHistogram = st.macd.Histogram
	}
	if st.adxOK {
		f.ADX = st.adx
	}

	if st.lastUpdate.IsZero() {
		// No live tick yet; seeded state alone is not fresh.
		f.Staleness = -1
		f.Stale = true
	} else {
		staleness := now.Sub(st.lastUpdate)
		f.Staleness = staleness.Seconds()
		f.Stale = staleness >= c.cfg.GetStaleness()
		metrics.FeatureStalenessSeconds.WithLabelValues(f.Symbol).Set(f.Staleness)
	}
	if f.Stale {
		metrics.StaleFeatureReads.WithLabelValues(f.Symbol).Inc()
		c.notifyStaleLocked(st, f)
	}

	return f, nil
}

// notifyStaleLocked emits one FeaturesStale event per staleness
// episode; the flag resets on the next tick.
func (c *Cache) notifyStaleLocked(st *symbolState, f *FeatureSet) {
	if st.staleNotified || c.events == nil {
		return
	}
	st.staleNotified = true

	ev := bus.NewEvent(bus.EventFeaturesStale, bus.SeverityWarning, f.Symbol,
		fmt.Sprintf("features stale for %.1fs", f.Staleness)).
		WithField("staleness_s", f.Staleness)
	if err := c.events.PublishEvent(context.Background(), ev); err != nil {
		c.log.Warn().Err(err).Str("symbol", f.Symbol).Msg("Failed to publish staleness event")
	}
}

func returnK(r *priceRing, k int) float64 {
	now, ok := r.Last()
	if !ok {
		return 0
	}
	past, ok := r.Lookback(k)
	if !ok || past == 0 {
		return 0
	}
	return (now - past) / past
}
