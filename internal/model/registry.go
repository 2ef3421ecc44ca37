package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/tradepulse/tradepulse/internal/bus"
	"github.com/tradepulse/tradepulse/internal/config"
	"github.com/tradepulse/tradepulse/internal/metrics"
	"github.com/tradepulse/tradepulse/internal/symbols"
)

// BaselineModel is always registered. It serves the deterministic sine
// directly and is the default active model when nothing else is
// configured.
const BaselineModel = "sine-baseline"

// DefaultCalibration applies to models with no explicit metadata record.
var DefaultCalibration = Calibration{
	EntryThreshold: 0.55,
	ExitThreshold:  0.45,
	ECE:            0.05,
}

// record pairs a servable model with its calibration metadata. Records
// are immutable after registration; Select stores a copy with a fresh
// LoadedAt.
type record struct {
	info        Info
	calibration Calibration
	remote      bool
}

// Registry implements Provider over a fixed set of registered models.
type Registry struct {
	cfg      config.ModelConfig
	client   *Client
	features FeatureSource
	events   *bus.Bus
	log      zerolog.Logger

	records map[string]*record
	active  atomic.Pointer[record]
	forced  atomic.Int64
}

// NewRegistry builds the provider from config. The sine baseline is
// always registered; a config record with the same name overrides its
// calibration.
func NewRegistry(cfg config.ModelConfig, features FeatureSource, events *bus.Bus, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		cfg:      cfg,
		features: features,
		events:   events,
		log:      logger.With().Str("component", "model").Logger(),
		records:  make(map[string]*record),
	}
	if cfg.Endpoint != "" {
		r.client = NewClient(cfg.Endpoint, cfg.APIKey, cfg.GetTimeout(), logger)
	}

	now := time.Now().UTC()
	r.records[BaselineModel] = &record{
		info:        Info{Name: BaselineModel, Version: "v1", LoadedAt: now},
		calibration: DefaultCalibration,
	}

	for _, m := range cfg.Models {
		if m.Name == "" {
			return nil, errors.New("model record with empty name")
		}
		if m.Remote && r.client == nil {
			return nil, fmt.Errorf("model %q is remote but model.endpoint is not configured", m.Name)
		}
		version := m.Version
		if version == "" {
			version = "v1"
		}
		cal := Calibration{
			EntryThreshold: m.EntryThreshold,
			ExitThreshold:  m.ExitThreshold,
			ECE:            m.ECE,
		}
		// Unset thresholds would turn every probability into a BUY.
		if cal.EntryThreshold == 0 && cal.ExitThreshold == 0 {
			cal = DefaultCalibration
		}
		r.records[m.Name] = &record{
			info:        Info{Name: m.Name, Version: version, LoadedAt: now},
			calibration: cal,
			remote:      m.Remote,
		}
	}

	name := cfg.Default
	if name == "" {
		name = BaselineModel
	}
	rec, ok := r.records[name]
	if !ok {
		return nil, fmt.Errorf("default model %q: %w", name, ErrUnknownModel)
	}
	r.active.Store(rec)

	r.log.Info().
		Str("active", rec.info.Name).
		Int("registered", len(r.records)).
		Bool("remote_enabled", r.client != nil).
		Msg("Model registry ready")
	return r, nil
}

// Predict returns a usable Prediction within the configured budget.
// Remote failures, open breakers, and stale feature snapshots degrade to
// the sine baseline rather than erroring.
func (r *Registry) Predict(ctx context.Context, symbol string, horizon time.Duration) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	start := time.Now()
	symbol = symbols.Canonical(symbol)
	rec := r.active.Load()

	for {
		n := r.forced.Load()
		if n <= 0 {
			break
		}
		if r.forced.CompareAndSwap(n, n-1) {
			return r.finish(stubPrediction(symbol, horizon, start, FallbackForced), 0, start), nil
		}
	}

	staleness := 0.0
	var vector []float32
	if r.features != nil {
		fs, err := r.features.Features(symbol)
		switch {
		case err != nil:
			// No snapshot for this symbol yet. Same policy as stale input.
			return r.finish(stubPrediction(symbol, horizon, start, FallbackStaleFeatures), -1, start), nil
		case fs.Stale:
			return r.finish(stubPrediction(symbol, horizon, start, FallbackStaleFeatures), fs.Staleness, start), nil
		default:
			staleness = fs.Staleness
			vector = fs.Vector()
		}
	}

	if !rec.remote {
		probUp, confidence := sineAt(symbol, start)
		p := Prediction{
			Symbol:       symbol,
			Horizon:      horizon.String(),
			ProbUp:       probUp,
			Confidence:   confidence,
			ModelName:    rec.info.Name,
			ModelVersion: rec.info.Version,
			ComputedAt:   start.UTC(),
		}
		return r.finish(p, staleness, start), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.GetTimeout())
	defer cancel()

	resp, err := r.client.Predict(callCtx, inferenceRequest{
		Symbol:         symbol,
		HorizonSeconds: horizon.Seconds(),
		Model:          rec.info.Name,
		Features:       vector,
	})
	if err != nil {
		reason := classifyFailure(err)
		r.log.Warn().
			Err(err).
			Str("symbol", symbol).
			Str("model", rec.info.Name).
			Str("reason", reason).
			Msg("Inference call failed, serving stub")
		return r.finish(stubPrediction(symbol, horizon, start, reason), staleness, start), nil
	}

	version := resp.ModelVersion
	if version == "" {
		version = rec.info.Version
	}
	p := Prediction{
		Symbol:       symbol,
		Horizon:      horizon.String(),
		ProbUp:       resp.ProbUp,
		Confidence:   resp.Confidence,
		ModelName:    rec.info.Name,
		ModelVersion: version,
		ComputedAt:   start.UTC(),
	}
	return r.finish(p, staleness, start), nil
}

// finish stamps staleness and latency and records the call outcome.
func (r *Registry) finish(p Prediction, staleness float64, start time.Time) Prediction {
	p.StalenessSeconds = staleness
	p.LatencyMS = float64(time.Since(start).Microseconds()) / 1000.0
	metrics.RecordPrediction(p.LatencyMS, p.IsFallback, p.FallbackReason)
	return p
}

// Active reports the currently selected model.
func (r *Registry) Active() Info {
	return r.active.Load().info
}

// Select atomically swaps the active model. Selecting the already active
// name is a no-op and does not count as a switch.
func (r *Registry) Select(name string) error {
	rec, ok := r.records[name]
	if !ok {
		return fmt.Errorf("select %q: %w", name, ErrUnknownModel)
	}

	prev := r.active.Load()
	if prev.info.Name == rec.info.Name {
		return nil
	}

	sel := *rec
	sel.info.LoadedAt = time.Now().UTC()
	r.active.Store(&sel)

	metrics.ModelSwitches.Inc()
	r.log.Info().
		Str("from", prev.info.Name).
		Str("to", sel.info.Name).
		Str("version", sel.info.Version).
		Msg("Model switched")

	if r.events != nil {
		ev := bus.NewEvent(bus.EventModelSwitched, bus.SeverityInfo, "",
			fmt.Sprintf("active model switched from %s to %s", prev.info.Name, sel.info.Name)).
			WithField("from", prev.info.Name).
			WithField("to", sel.info.Name)
		if err := r.events.PublishEvent(context.Background(), ev); err != nil {
			r.log.Warn().Err(err).Msg("Failed to publish model switch event")
		}
	}
	return nil
}

// Intent converts a Prediction into a directional intent using the
// metadata record of the model that produced it. Stub predictions carry
// no record of their own and use the active model's calibration.
func (r *Registry) Intent(p Prediction) Intent {
	if rec, ok := r.records[p.ModelName]; ok {
		return rec.calibration.Intent(p.ProbUp)
	}
	return r.active.Load().calibration.Intent(p.ProbUp)
}

// ForceFallback routes the next n predictions to the stub baseline. The
// latency guardrail uses it to shed inference load after a trip; n <= 0
// clears any pending forcing.
func (r *Registry) ForceFallback(n int) {
	if n < 0 {
		n = 0
	}
	r.forced.Store(int64(n))
	if n > 0 {
		r.log.Warn().Int("predictions", n).Msg("Forcing stub fallback")
	}
}

// Calibration returns the metadata record for a registered model.
func (r *Registry) Calibration(name string) (Calibration, error) {
	rec, ok := r.records[name]
	if !ok {
		return Calibration{}, fmt.Errorf("calibration %q: %w", name, ErrUnknownModel)
	}
	return rec.calibration, nil
}

// Models lists every registered model sorted by name.
func (r *Registry) Models() []Info {
	out := make([]Info, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// classifyFailure maps an inference error onto a fallback reason label.
func classifyFailure(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return FallbackBreakerOpen
	case errors.Is(err, context.DeadlineExceeded):
		return FallbackTimeout
	default:
		return FallbackError
	}
}
