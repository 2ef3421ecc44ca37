package model

import (
	"hash/fnv"
	"math"
	"time"
)

// StubName marks predictions served by the deterministic baseline when a
// real model was unavailable.
const StubName = "stub"

const (
	// stubBucket quantizes time so repeated calls inside one bucket
	// produce identical predictions.
	stubBucket = time.Minute

	// stubCycle is the number of buckets in one full sine period.
	stubCycle = 24

	// stubAmplitude bounds prob_up to [0.5-A, 0.5+A].
	stubAmplitude = 0.35
)

// sineAt returns the deterministic baseline probability for a symbol at a
// point in time. The symbol hash offsets the phase so symbols do not move
// in lockstep; the bucket index advances the wave.
func sineAt(symbol string, at time.Time) (probUp, confidence float64) {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	phase := 2 * math.Pi * float64(h.Sum32()) / float64(1<<32)

	bucket := at.UTC().Unix() / int64(stubBucket/time.Second)
	angle := 2*math.Pi*float64(bucket%stubCycle)/stubCycle + phase

	s := math.Sin(angle)
	probUp = 0.5 + stubAmplitude*s
	confidence = 0.4 + 0.4*math.Abs(s)
	return probUp, confidence
}

// stubPrediction builds a complete fallback Prediction. The caller stamps
// staleness and latency afterwards.
func stubPrediction(symbol string, horizon time.Duration, at time.Time, reason string) Prediction {
	probUp, confidence := sineAt(symbol, at)
	return Prediction{
		Symbol:         symbol,
		Horizon:        horizon.String(),
		ProbUp:         probUp,
		Confidence:     confidence,
		ModelName:      StubName,
		IsFallback:     true,
		FallbackReason: reason,
		ComputedAt:     at.UTC(),
	}
}
