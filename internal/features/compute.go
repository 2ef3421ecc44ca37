package features

import "math"

// Fixed indicator periods. These are part of the platform's numeric
// contract; strategies and persisted feature vectors assume them.
const (
	maPeriod  = 20
	rsiPeriod = 14
	volWindow = 20
	zWindow   = 60
	atrPeriod = 14

	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9

	adxPeriod = 14

	// minBarCapacity keeps the bar ring large enough for the slowest
	// bar-based indicator (MACD needs slow+signal closes).
	minBarCapacity = macdSlow + macdSignal + 8
)

// rollingWindow maintains sum and sum of squares over the last n values
// for O(1) mean and standard deviation.
type rollingWindow struct {
	n     int
	vals  []float64
	head  int
	count int
	sum   float64
	sumSq float64
}

func newRollingWindow(n int) *rollingWindow {
	return &rollingWindow{n: n, vals: make([]float64, n)}
}

func (w *rollingWindow) Push(v float64) {
	if w.count == w.n {
		old := w.vals[w.head]
		w.sum -= old
		w.sumSq -= old * old
	} else {
		w.count++
	}
	w.vals[w.head] = v
	w.sum += v
	w.sumSq += v * v
	w.head = (w.head + 1) % w.n
}

func (w *rollingWindow) Full() bool { return w.count == w.n }

func (w *rollingWindow) Len() int { return w.count }

func (w *rollingWindow) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

// SampleStdDev returns the sample standard deviation (n-1 divisor) of
// the window contents.
func (w *rollingWindow) SampleStdDev() float64 {
	if w.count < 2 {
		return 0
	}
	n := float64(w.count)
	variance := (w.sumSq - w.sum*w.sum/n) / (n - 1)
	if variance < 0 {
		// Floating point cancellation on near-constant inputs.
		variance = 0
	}
	return math.Sqrt(variance)
}

// rsiWindow maintains gain and loss sums over the last n price changes.
// rsi = 100 - 100/(1 + avg_gain/avg_loss); avg_loss of zero pins 100.
type rsiWindow struct {
	n      int
	diffs  []float64
	head   int
	count  int
	gains  float64
	losses float64
}

func newRSIWindow(n int) *rsiWindow {
	return &rsiWindow{n: n, diffs: make([]float64, n)}
}

func (w *rsiWindow) Push(diff float64) {
	if w.count == w.n {
		old := w.diffs[w.head]
		if old > 0 {
			w.gains -= old
		} else {
			w.losses -= -old
		}
	} else {
		w.count++
	}
	w.diffs[w.head] = diff
	if diff > 0 {
		w.gains += diff
	} else {
		w.losses += -diff
	}
	w.head = (w.head + 1) % w.n
}

func (w *rsiWindow) Value() (float64, bool) {
	if w.count < w.n {
		return 0, false
	}
	if w.losses <= 0 {
		return 100, true
	}
	rs := w.gains / w.losses
	return 100 - 100/(1+rs), true
}

// trueRange computes the bar's true range against the previous close.
func trueRange(bar Bar, prevClose float64) float64 {
	tr := bar.High - bar.Low
	if hc := math.Abs(bar.High - prevClose); hc > tr {
		tr = hc
	}
	if lc := math.Abs(bar.Low - prevClose); lc > tr {
		tr = lc
	}
	return tr
}

// atrFromBars computes the mean true range over the last atrPeriod bars.
// Needs atrPeriod+1 bars for the first previous close.
func atrFromBars(bars []Bar) (float64, bool) {
	if len(bars) < atrPeriod+1 {
		return 0, false
	}
	tail := bars[len(bars)-atrPeriod-1:]
	sum := 0.0
	for i := 1; i < len(tail); i++ {
		sum += trueRange(tail[i], tail[i-1].Close)
	}
	return sum / float64(atrPeriod), true
}
