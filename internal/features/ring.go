package features

import "time"

// priceRing is a fixed-capacity ring of the most recent prices.
type priceRing struct {
	vals  []float64
	head  int // next write slot
	count int
}

func newPriceRing(capacity int) *priceRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &priceRing{vals: make([]float64, capacity)}
}

func (r *priceRing) Push(v float64) {
	r.vals[r.head] = v
	r.head = (r.head + 1) % len(r.vals)
	if r.count < len(r.vals) {
		r.count++
	}
}

// Len returns the number of prices currently held.
func (r *priceRing) Len() int { return r.count }

// Last returns the most recent price; ok=false while empty.
func (r *priceRing) Last() (float64, bool) {
	return r.Lookback(0)
}

// Lookback returns the price k steps behind the most recent one.
// Lookback(0) is the latest price.
func (r *priceRing) Lookback(k int) (float64, bool) {
	if k < 0 || k >= r.count {
		return 0, false
	}
	idx := (r.head - 1 - k + 2*len(r.vals)) % len(r.vals)
	return r.vals[idx], true
}

// Bar is one OHLCV aggregation at the configured bar size.
type Bar struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// barRing is a fixed-capacity ring of completed bars.
type barRing struct {
	bars  []Bar
	head  int
	count int
}

func newBarRing(capacity int) *barRing {
	if capacity < minBarCapacity {
		capacity = minBarCapacity
	}
	return &barRing{bars: make([]Bar, capacity)}
}

func (r *barRing) Push(b Bar) {
	r.bars[r.head] = b
	r.head = (r.head + 1) % len(r.bars)
	if r.count < len(r.bars) {
		r.count++
	}
}

func (r *barRing) Len() int { return r.count }

// Tail returns up to n most recent bars in chronological order.
func (r *barRing) Tail(n int) []Bar {
	if n > r.count {
		n = r.count
	}
	out := make([]Bar, n)
	for i := 0; i < n; i++ {
		idx := (r.head - n + i + 2*len(r.bars)) % len(r.bars)
		out[i] = r.bars[idx]
	}
	return out
}

// Closes returns up to n most recent closes in chronological order.
func (r *barRing) Closes(n int) []float64 {
	bars := r.Tail(n)
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
