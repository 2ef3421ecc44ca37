package features

import (
	"math"

	"github.com/cinar/indicator/v2/trend"
)

type macdResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// macdFromCloses runs MACD(12,26,9) over the close series and returns
// the most recent line, signal, and histogram values.
func macdFromCloses(closes []float64) (macdResult, bool) {
	if len(closes) < macdSlow+macdSignal {
		return macdResult{}, false
	}

	in := make(chan float64, len(closes))
	for _, c := range closes {
		in <- c
	}
	close(in)

	macd := trend.NewMacdWithPeriod[float64](macdFast, macdSlow, macdSignal)
	macdCh, signalCh := macd.Compute(in)

	var line, signal float64
	var any bool
	for {
		m, mok := <-macdCh
		s, sok := <-signalCh
		if !mok || !sok {
			break
		}
		line, signal = m, s
		any = true
	}
	if !any {
		return macdResult{}, false
	}

	return macdResult{MACD: line, Signal: signal, Histogram: line - signal}, true
}

// adxFromBars computes the Average Directional Index with Wilder
// smoothing. cinar/indicator v2 does not ship ADX, so it is computed
// here from the bar ring.
func adxFromBars(bars []Bar) (float64, bool) {
	n := len(bars)
	if n < adxPeriod*2 {
		return 0, false
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	for i := 1; i < n; i++ {
		tr[i] = trueRange(bars[i], bars[i-1].Close)

		upMove := bars[i].High - bars[i-1].High
		downMove := bars[i-1].Low - bars[i].Low
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, adxPeriod)
	smoothPlusDM := smoothWilder(plusDM, adxPeriod)
	smoothMinusDM := smoothWilder(minusDM, adxPeriod)

	dx := make([]float64, n)
	for i := adxPeriod; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI := 100 * smoothMinusDM[i] / smoothTR[i]
		if sum := plusDI + minusDI; sum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
		}
	}

	adx := smoothWilder(dx, adxPeriod)
	return adx[n-1], true
}

// smoothWilder seeds with a simple average and then applies
// result[i] = (result[i-1]*(period-1) + data[i]) / period.
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return result
}
