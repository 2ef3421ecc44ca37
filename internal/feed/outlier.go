package feed

import (
	"sort"
	"time"
)

const (
	// medianMinSamples is the window population below which the filter
	// passes everything.
	medianMinSamples = 5

	// medianRefreshInterval bounds how often the median is recomputed.
	medianRefreshInterval = time.Second
)

type pricePoint struct {
	ts    time.Time
	price float64
}

// medianWindow maintains a trailing window of accepted prices and
// serves their median. Rejected prices are never added; after a
// sustained repricing the window drains past its horizon and the
// filter reopens.
type medianWindow struct {
	window  time.Duration
	samples []pricePoint

	cached   float64
	cachedAt time.Time
	dirty    bool
}

func newMedianWindow(window time.Duration) *medianWindow {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &medianWindow{window: window}
}

// Add records an accepted price.
func (w *medianWindow) Add(ts time.Time, price float64) {
	w.samples = append(w.samples, pricePoint{ts: ts, price: price})
	w.dirty = true
}

// Median returns the trailing median, or ok=false while the window
// holds too few samples to be meaningful. The median is recomputed at
// most once per refresh interval; ticks in between compare against the
// cached value.
func (w *medianWindow) Median(now time.Time) (float64, bool) {
	w.prune(now)
	if len(w.samples) < medianMinSamples {
		return 0, false
	}

	if !w.cachedAt.IsZero() {
		if !w.dirty || now.Sub(w.cachedAt) < medianRefreshInterval {
			return w.cached, true
		}
	}

	prices := make([]float64, len(w.samples))
	for i, s := range w.samples {
		prices[i] = s.price
	}
	sort.Float64s(prices)

	mid := len(prices) / 2
	m := prices[mid]
	if len(prices)%2 == 0 {
		m = (prices[mid-1] + prices[mid]) / 2
	}

	w.cached = m
	w.cachedAt = now
	w.dirty = false

	return m, true
}

func (w *medianWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.samples) && w.samples[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
		w.dirty = true
	}
}

// Len returns the current window population after pruning at now.
func (w *medianWindow) Len(now time.Time) int {
	w.prune(now)
	return len(w.samples)
}
