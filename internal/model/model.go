// Package model serves directional predictions to the strategy engines.
//
// A Registry owns the set of servable models and their calibration
// metadata. The active model is held behind an atomic pointer, so Predict
// readers never contend with Select. Remote models are called over HTTP
// behind a circuit breaker with a hard per-call budget; timeouts, errors,
// open breakers, and stale feature snapshots all degrade to a
// deterministic sine baseline so downstream consumers always receive a
// usable Prediction.
package model

import (
	"context"
	"errors"
	"time"

	"github.com/tradepulse/tradepulse/internal/features"
)

// ErrUnknownModel means a model name was requested that was never
// registered.
var ErrUnknownModel = errors.New("unknown model")

// Fallback reasons stamped on stub predictions and used as metric labels.
const (
	FallbackTimeout       = "timeout"
	FallbackError         = "error"
	FallbackBreakerOpen   = "breaker_open"
	FallbackStaleFeatures = "stale_features"
	FallbackForced        = "forced"
)

// Intent is the directional read of a Prediction after calibration.
type Intent string

const (
	IntentBuy  Intent = "BUY"
	IntentSell Intent = "SELL"
	IntentHold Intent = "HOLD"
)

// Prediction is one directional forecast. Immutable once produced.
type Prediction struct {
	Symbol           string    `json:"symbol"`
	Horizon          string    `json:"horizon"`
	ProbUp           float64   `json:"prob_up"`
	Confidence       float64   `json:"confidence"`
	ModelName        string    `json:"model_name"`
	ModelVersion     string    `json:"model_version,omitempty"`
	IsFallback       bool      `json:"is_fallback"`
	FallbackReason   string    `json:"fallback_reason,omitempty"`
	StalenessSeconds float64   `json:"staleness_seconds"`
	ComputedAt       time.Time `json:"computed_at"`
	LatencyMS        float64   `json:"latency_ms"`
}

// Info identifies the currently selected model.
type Info struct {
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Calibration holds the per-model thresholds produced by the offline
// calibration sweep. The core treats these as opaque policy numbers.
type Calibration struct {
	EntryThreshold float64 `json:"entry_threshold"`
	ExitThreshold  float64 `json:"exit_threshold"`
	ECE            float64 `json:"ece"`
}

// Intent converts a calibrated probability into a directional intent.
// Both thresholds are inclusive.
func (c Calibration) Intent(probUp float64) Intent {
	switch {
	case probUp >= c.EntryThreshold:
		return IntentBuy
	case probUp <= c.ExitThreshold:
		return IntentSell
	default:
		return IntentHold
	}
}

// FeatureSource supplies the snapshot consulted for staleness policy and
// forwarded to remote models.
type FeatureSource interface {
	Features(symbol string) (*features.FeatureSet, error)
}

// Provider is the prediction capability consumed by strategy engines.
type Provider interface {
	// Predict returns within the configured budget. Failures degrade to
	// the deterministic baseline rather than erroring; the error return
	// fires only when the caller's context is already done.
	Predict(ctx context.Context, symbol string, horizon time.Duration) (Prediction, error)

	// Active reports the currently selected model.
	Active() Info

	// Select atomically swaps the active model.
	Select(name string) error

	// Intent converts a Prediction into a directional intent using the
	// calibration record of the model that produced it.
	Intent(p Prediction) Intent

	// ForceFallback routes the next n predictions to the stub baseline.
	ForceFallback(n int)
}
