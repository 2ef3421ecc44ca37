package strategy

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/tradepulse/tradepulse/internal/bus"
	"github.com/tradepulse/tradepulse/internal/features"
	"github.com/tradepulse/tradepulse/internal/market"
	"github.com/tradepulse/tradepulse/internal/metrics"
	"github.com/tradepulse/tradepulse/internal/model"
	"github.com/tradepulse/tradepulse/internal/risk"
	"github.com/tradepulse/tradepulse/internal/symbols"
)

// Engine lifecycle states.
const (
	StateIdle       = "idle"
	StateEvaluating = "evaluating"
	StateInPosition = "in_position"
	StateExiting    = "exiting"
	StateCooldown   = "cooldown"
)

// Exit reasons logged on the close order.
const (
	exitStopLoss   = "stop_loss"
	exitTakeProfit = "take_profit"
	exitTimeout    = "timeout_bars"
	exitReversal   = "reversal"
	exitKillSwitch = "kill_switch"
	exitForced     = "forced"
)

// FeatureSource supplies point-in-time feature snapshots.
type FeatureSource interface {
	Features(symbol string) (*features.FeatureSet, error)
}

// Predictor serves directional forecasts and their calibrated read.
type Predictor interface {
	Predict(ctx context.Context, symbol string, horizon time.Duration) (model.Prediction, error)
	Intent(p model.Prediction) model.Intent
}

// RiskGate vets candidate signals before execution.
type RiskGate interface {
	Evaluate(ctx context.Context, sig *market.Signal) risk.Decision
	Snapshot() risk.Guardrails
}

// Executor fills orders and reports current holdings.
type Executor interface {
	SubmitOrder(ctx context.Context, order *market.Order) (market.Fill, error)
	Position(symbol string) (market.Position, bool)
}

// Deps wires the engine to its collaborators. Events may be nil in
// tests; the rest are required.
type Deps struct {
	Features FeatureSource
	Models   Predictor
	Risk     RiskGate
	Executor Executor
	Events   *bus.Bus
}

// Config fixes one engine's identity and account bounds.
type Config struct {
	Symbol      string
	Profile     Profile
	MinNotional float64 // sizing clamp floor in USD
	MaxNotional float64 // sizing clamp ceiling in USD, 0 means none
}

// openPosition is the engine-side view of the live trade. The paper
// book stays the accounting source of truth; this holds only what the
// exit rules need.
type openPosition struct {
	side        market.Side
	qty         float64
	entryPrice  float64
	stop        float64
	takeProfit  float64
	riskPerUnit float64 // stop distance at entry
	enteredBar  int
	signalID    string
	partialDone bool
}

// Engine is one symbol's trading state machine. The manager pumps
// OnTick from a single goroutine; the mutex protects Status and
// Heartbeat readers on other goroutines.
type Engine struct {
	symbol  string
	profile Profile
	deps    Deps
	log     zerolog.Logger

	barDur  time.Duration
	horizon time.Duration

	minNotional float64
	maxNotional float64

	mu          sync.Mutex
	state       string
	barBucket   time.Time
	barIndex    int
	lastTick    time.Time
	latencyMS   float64
	cross       syncState
	pos         *openPosition
	cooldownEnd int
	exitReason  string
	startedAt   time.Time
}

// New builds an idle engine. It does not subscribe to anything; the
// caller owns the tick pump and the heartbeat cadence.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Engine {
	barDur := cfg.Profile.BarDuration()
	if barDur <= 0 {
		barDur = time.Second
	}
	sym := symbols.Canonical(cfg.Symbol)
	return &Engine{
		symbol:      sym,
		profile:     cfg.Profile,
		deps:        deps,
		log:         logger.With().Str("component", "strategy").Str("symbol", sym).Str("mode", string(cfg.Profile.Mode)).Logger(),
		barDur:      barDur,
		horizon:     barDur,
		minNotional: cfg.MinNotional,
		maxNotional: cfg.MaxNotional,
		state:       StateIdle,
		cross:       newSyncState(),
		startedAt:   time.Now().UTC(),
	}
}

// Symbol returns the engine's canonical symbol.
func (e *Engine) Symbol() string { return e.symbol }

// Profile returns the engine's parameter set.
func (e *Engine) Profile() Profile { return e.profile }

// State returns the current lifecycle state.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OnTick advances the state machine by one tick. Protective exits run
// on every tick; entries and bar-scheduled exits run when the tick
// rolls the engine into a new bar bucket.
func (e *Engine) OnTick(ctx context.Context, tick market.Tick) {
	if symbols.Canonical(tick.Symbol) != e.symbol || tick.LastPrice <= 0 {
		return
	}
	now := time.Now().UTC()
	ts := tick.Timestamp
	if ts.IsZero() {
		ts = now
	}

	e.mu.Lock()
	e.lastTick = ts
	if transit := now.Sub(ts); transit > 0 {
		sample := float64(transit.Milliseconds())
		if e.latencyMS == 0 {
			e.latencyMS = sample
		} else {
			e.latencyMS = 0.2*sample + 0.8*e.latencyMS
		}
	}

	bucket := ts.Truncate(e.barDur)
	barClosed := false
	if e.barBucket.IsZero() {
		e.barBucket = bucket
	} else if bucket.After(e.barBucket) {
		e.barBucket = bucket
		e.barIndex++
		barClosed = true
	}
	state := e.state
	e.mu.Unlock()

	switch state {
	case StateInPosition:
		e.checkProtectiveExit(ctx, tick.LastPrice)
	case StateExiting:
		e.submitExit(ctx)
	}

	if barClosed {
		e.onBarClose(ctx)
	}
}

// onBarClose takes one feature snapshot, updates the RSI cross
// bookkeeping, and dispatches the bar-scheduled work for the current
// state.
func (e *Engine) onBarClose(ctx context.Context) {
	f, err := e.deps.Features.Features(e.symbol)
	if err != nil {
		e.log.Error().Err(err).Msg("Feature snapshot unavailable at bar close")
		metrics.RecordError("features_read", "strategy")
		return
	}

	e.mu.Lock()
	barIndex := e.barIndex
	if f.RSIReady() {
		e.cross.observe(barIndex, f.RSI14)
	}
	state := e.state
	cooldownEnd := e.cooldownEnd
	e.mu.Unlock()

	switch state {
	case StateCooldown:
		if barIndex >= cooldownEnd {
			e.setState(StateIdle)
			e.log.Debug().Int("bar", barIndex).Msg("Cooldown lifted")
		}
	case StateIdle:
		e.evaluate(ctx, f)
	case StateInPosition:
		e.checkBarExit(ctx)
	}
}

// evaluate runs one entry decision: filters, model intent, momentum
// and sync gates, sizing, then the risk gate. Any abstention returns
// the engine to idle without a signal.
func (e *Engine) evaluate(ctx context.Context, f *features.FeatureSet) {
	e.setState(StateEvaluating)
	defer func() {
		e.mu.Lock()
		if e.state == StateEvaluating {
			e.state = StateIdle
		}
		e.mu.Unlock()
	}()

	e.mu.Lock()
	latency := e.latencyMS
	barIndex := e.barIndex
	bucket := e.barBucket
	e.mu.Unlock()

	if reason, ok := entryFilters(e.profile, f, latency); !ok {
		e.log.Debug().Str("filter", reason).Msg("Entry filters failed")
		return
	}

	pred, err := e.deps.Models.Predict(ctx, e.symbol, e.horizon)
	if err != nil {
		e.log.Warn().Err(err).Msg("Prediction unavailable")
		return
	}

	intent := e.deps.Models.Intent(pred)
	if intent == model.IntentHold {
		return
	}
	side := market.SideBuy
	if intent == model.IntentSell {
		side = market.SideSell
	}

	long, short := momentumScore(e.profile.Weights, f)
	score := long
	if side == market.SideSell {
		score = short
	}
	combined := math.Max(score, directionalProb(pred.ProbUp, side))
	if combined < e.profile.EntryScore {
		e.log.Debug().
			Str("side", string(side)).
			Float64("score", combined).
			Float64("need", e.profile.EntryScore).
			Msg("Momentum gate failed")
		return
	}

	if e.profile.UseSyncGate && !e.cross.aligned(side, f, barIndex, e.profile.SyncWindowBars) {
		e.log.Debug().Str("side", string(side)).Msg("RSI/MACD sync gate failed")
		return
	}

	regime := classifyRegime(e.profile, f)
	notional := sizeNotional(e.profile, pred.Confidence, regime, f, e.minNotional, e.maxNotional)

	sig := &market.Signal{
		ID:             ulid.Make().String(),
		Symbol:         e.symbol,
		Side:           side,
		Confidence:     pred.Confidence,
		NotionalUSD:    notional,
		SourceStrategy: strings.ToLower(string(e.profile.Mode)),
		ModelName:      pred.ModelName,
		IsFallback:     pred.IsFallback,
		LatencyMS:      pred.LatencyMS,
		StalenessSec:   f.Staleness,
		BarCloseAt:     bucket,
		Features:       f.Vector(),
		CreatedAt:      time.Now().UTC(),
	}
	metrics.SignalsGenerated.WithLabelValues(e.symbol, string(side)).Inc()

	decision := e.deps.Risk.Evaluate(ctx, sig)
	if !decision.Accepted() {
		e.log.Info().
			Strs("reasons", decision.Reasons).
			Str("side", string(side)).
			Float64("notional", notional).
			Msg("Signal rejected by risk gate")
		return
	}
	e.publishSignal(ctx, sig)

	order := &market.Order{
		ClientRequestID: decision.ClientRequestID,
		SignalID:        sig.ID,
		Symbol:          e.symbol,
		Side:            side,
		NotionalUSD:     decision.NotionalUSD,
		OrderType:       market.OrderTypeMarket,
	}
	fill, err := e.deps.Executor.SubmitOrder(ctx, order)
	if err != nil {
		e.log.Warn().Err(err).Msg("Entry order failed")
		metrics.RecordError("entry_order", "strategy")
		return
	}

	e.openFromFill(f, fill, sig.ID, barIndex)
}

// openFromFill records the live trade with its protective levels. The
// stop distance comes from ATR when warm, else a 50 bps fallback.
func (e *Engine) openFromFill(f *features.FeatureSet, fill market.Fill, signalID string, barIndex int) {
	stopDist := f.ATR14 * e.profile.StopATRMultiple
	if stopDist <= 0 {
		stopDist = fill.FillPrice * 0.005
	}
	stop := fill.FillPrice - stopDist
	target := fill.FillPrice + e.profile.RiskReward*stopDist
	if fill.Side == market.SideSell {
		stop = fill.FillPrice + stopDist
		target = fill.FillPrice - e.profile.RiskReward*stopDist
	}

	e.mu.Lock()
	e.pos = &openPosition{
		side:        fill.Side,
		qty:         fill.Quantity,
		entryPrice:  fill.FillPrice,
		stop:        stop,
		takeProfit:  target,
		riskPerUnit: stopDist,
		enteredBar:  barIndex,
		signalID:    signalID,
	}
	e.state = StateInPosition
	e.mu.Unlock()

	e.log.Info().
		Str("side", string(fill.Side)).
		Float64("qty", fill.Quantity).
		Float64("entry", fill.FillPrice).
		Float64("stop", stop).
		Float64("take_profit", target).
		Msg("Position opened")
}

// checkProtectiveExit applies the per-tick exits: kill switch, stop
// loss, final take-profit, and the partial take-profit ladder.
func (e *Engine) checkProtectiveExit(ctx context.Context, price float64) {
	e.mu.Lock()
	pos := e.pos
	if e.state != StateInPosition || pos == nil {
		e.mu.Unlock()
		return
	}
	side := pos.side
	stop, target := pos.stop, pos.takeProfit
	var tp1 float64
	partial := e.profile.PartialTP && !pos.partialDone
	if partial {
		if side == market.SideBuy {
			tp1 = pos.entryPrice + pos.riskPerUnit
		} else {
			tp1 = pos.entryPrice - pos.riskPerUnit
		}
	}
	e.mu.Unlock()

	if e.deps.Risk.Snapshot().KillSwitch {
		e.beginExit(ctx, exitKillSwitch)
		return
	}

	if (side == market.SideBuy && price <= stop) || (side == market.SideSell && price >= stop) {
		e.beginExit(ctx, exitStopLoss)
		return
	}
	if (side == market.SideBuy && price >= target) || (side == market.SideSell && price <= target) {
		e.beginExit(ctx, exitTakeProfit)
		return
	}
	if partial && ((side == market.SideBuy && price >= tp1) || (side == market.SideSell && price <= tp1)) {
		e.takePartialProfit(ctx)
	}
}

// takePartialProfit closes half the position at 1R and moves the stop
// to entry. The derived client request id makes touch retries safe.
func (e *Engine) takePartialProfit(ctx context.Context) {
	e.mu.Lock()
	pos := e.pos
	if pos == nil || pos.partialDone {
		e.mu.Unlock()
		return
	}
	order := &market.Order{
		ClientRequestID: "tp1-" + pos.signalID,
		SignalID:        pos.signalID,
		Symbol:          e.symbol,
		Side:            pos.side.Opposite(),
		Quantity:        pos.qty / 2,
		OrderType:       market.OrderTypeMarket,
	}
	e.mu.Unlock()

	fill, err := e.deps.Executor.SubmitOrder(ctx, order)
	if err != nil {
		e.log.Warn().Err(err).Msg("Partial take-profit failed")
		metrics.RecordError("partial_exit_order", "strategy")
		return
	}

	e.mu.Lock()
	if e.pos != nil {
		e.pos.qty -= fill.Quantity
		e.pos.stop = e.pos.entryPrice
		e.pos.partialDone = true
	}
	e.mu.Unlock()

	e.log.Info().
		Float64("fill_price", fill.FillPrice).
		Float64("qty", fill.Quantity).
		Msg("Partial take-profit filled, stop moved to entry")
}

// checkBarExit applies the bar-scheduled exits: position age and a
// model reversal crossing the opposite threshold.
func (e *Engine) checkBarExit(ctx context.Context) {
	e.mu.Lock()
	pos := e.pos
	if e.state != StateInPosition || pos == nil {
		e.mu.Unlock()
		return
	}
	age := e.barIndex - pos.enteredBar
	side := pos.side
	e.mu.Unlock()

	if age >= e.profile.TimeoutBars {
		e.beginExit(ctx, exitTimeout)
		return
	}

	pred, err := e.deps.Models.Predict(ctx, e.symbol, e.horizon)
	if err != nil {
		return
	}
	intent := e.deps.Models.Intent(pred)
	if (side == market.SideBuy && intent == model.IntentSell) ||
		(side == market.SideSell && intent == model.IntentBuy) {
		e.beginExit(ctx, exitReversal)
	}
}

// beginExit moves to exiting and submits the close order.
func (e *Engine) beginExit(ctx context.Context, reason string) {
	e.mu.Lock()
	if e.state != StateInPosition || e.pos == nil {
		e.mu.Unlock()
		return
	}
	e.state = StateExiting
	e.exitReason = reason
	e.mu.Unlock()

	e.log.Info().Str("reason", reason).Msg("Exiting position")
	e.submitExit(ctx)
}

// submitExit flattens the remaining position. The client request id is
// derived from the entry signal, so retries after a stale-price
// failure cannot double-fill. On success the engine enters cooldown.
func (e *Engine) submitExit(ctx context.Context) {
	e.mu.Lock()
	pos := e.pos
	if e.state != StateExiting || pos == nil {
		e.mu.Unlock()
		return
	}
	reason := e.exitReason
	order := &market.Order{
		ClientRequestID: "exit-" + pos.signalID,
		SignalID:        pos.signalID,
		Symbol:          e.symbol,
		Side:            pos.side.Opposite(),
		Quantity:        pos.qty,
		OrderType:       market.OrderTypeMarket,
	}
	e.mu.Unlock()

	fill, err := e.deps.Executor.SubmitOrder(ctx, order)
	if err != nil {
		e.log.Warn().Err(err).Str("reason", reason).Msg("Exit order failed, will retry on next tick")
		metrics.RecordError("exit_order", "strategy")
		return
	}

	e.mu.Lock()
	e.pos = nil
	e.state = StateCooldown
	e.cooldownEnd = e.barIndex + e.profile.CooldownBars
	e.exitReason = ""
	e.mu.Unlock()

	e.log.Info().
		Str("reason", reason).
		Float64("fill_price", fill.FillPrice).
		Float64("qty", fill.Quantity).
		Msg("Position closed")
}

// ForceExit flattens any open position immediately, regardless of
// state. The manager calls this on a forced stop after the tick pump
// has drained.
func (e *Engine) ForceExit(ctx context.Context) {
	e.mu.Lock()
	if e.pos == nil {
		e.mu.Unlock()
		return
	}
	e.state = StateExiting
	e.exitReason = exitForced
	e.mu.Unlock()
	e.submitExit(ctx)
}

// Heartbeat publishes the engine's liveness snapshot on the events
// topic. The manager owns the cadence; the engine only reports.
func (e *Engine) Heartbeat(ctx context.Context) {
	if e.deps.Events == nil {
		return
	}

	e.mu.Lock()
	state := e.state
	lastTick := e.lastTick
	barIndex := e.barIndex
	e.mu.Unlock()

	ev := bus.NewEvent(bus.EventEngineHeartbeat, bus.SeverityInfo, e.symbol, "engine heartbeat").
		WithField("state", state).
		WithField("mode", string(e.profile.Mode)).
		WithField("bar_index", barIndex)
	if !lastTick.IsZero() {
		ev = ev.WithField("last_tick_ts", lastTick)
	}
	if p, ok := e.deps.Executor.Position(e.symbol); ok {
		ev = ev.WithField("position_qty", p.Quantity).WithField("pnl", p.UnrealizedPnL)
	} else {
		ev = ev.WithField("pnl", 0.0)
	}

	if err := e.deps.Events.PublishEvent(ctx, ev); err != nil {
		e.log.Warn().Err(err).Msg("Heartbeat publish failed")
	}
}

// Status is the operator view of one engine.
type Status struct {
	Symbol     string           `json:"symbol"`
	Mode       Mode             `json:"mode"`
	State      string           `json:"state"`
	BarIndex   int              `json:"bar_index"`
	StartedAt  time.Time        `json:"started_at"`
	LastTickAt time.Time        `json:"last_tick_ts,omitempty"`
	PnL        float64          `json:"pnl"`
	Position   *market.Position `json:"position,omitempty"`
}

// Status reports the engine state without blocking the tick path.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := Status{
		Symbol:     e.symbol,
		Mode:       e.profile.Mode,
		State:      e.state,
		BarIndex:   e.barIndex,
		StartedAt:  e.startedAt,
		LastTickAt: e.lastTick,
	}
	e.mu.Unlock()

	if p, ok := e.deps.Executor.Position(e.symbol); ok {
		s.Position = &p
		s.PnL = p.UnrealizedPnL
	}
	return s
}

func (e *Engine) setState(s string) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) publishSignal(ctx context.Context, sig *market.Signal) {
	if e.deps.Events == nil {
		return
	}
	if err := e.deps.Events.Publish(ctx, bus.TopicSignals, sig); err != nil {
		e.log.Warn().Err(err).Msg("Signal publish failed")
	}
}
