// Package engine owns the fleet of strategy engines. Each engine runs
// in its own goroutine with its own tick subscription, so a wedged or
// panicking engine never stalls its siblings. The manager is the
// single writer over the fleet map; readers take snapshots. A recovery
// sweep cancels silent loops and relaunches failed engines on an
// exponential backoff schedule until the attempt budget is spent.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/tradepulse/tradepulse/internal/backoff"
	"github.com/tradepulse/tradepulse/internal/bus"
	"github.com/tradepulse/tradepulse/internal/config"
	"github.com/tradepulse/tradepulse/internal/market"
	"github.com/tradepulse/tradepulse/internal/metrics"
	"github.com/tradepulse/tradepulse/internal/strategy"
	"github.com/tradepulse/tradepulse/internal/symbols"
)

// Runner lifecycle states. Stale is derived at read time from the
// heartbeat gap; the recovery sweep converts stale runners to failed.
const (
	RunnerRunning           = "running"
	RunnerStale             = "stale"
	RunnerFailed            = "failed"
	RunnerPermanentlyFailed = "permanently_failed"
)

// Recovery sweep outcomes, one per touched engine.
const (
	ActionRestarted         = "restarted"
	ActionWaiting           = "waiting"
	ActionPermanentlyFailed = "permanently_failed"
)

// drainTimeout bounds how long a stop waits for a cancelled loop to
// finish its current tick.
const drainTimeout = 5 * time.Second

// ErrNoEngine reports a lifecycle request for a symbol with no runner.
var ErrNoEngine = errors.New("no engine")

// restartPolicy is the restart schedule: 1s doubling to a 60s ceiling.
// No jitter, so sweep timing stays predictable.
var restartPolicy = backoff.Policy{
	Initial: 1 * time.Second,
	Factor:  2,
	Max:     60 * time.Second,
}

// Options bound the fleet's lifecycle behavior and carry the shared
// strategy knobs every profile is built from.
type Options struct {
	Heartbeat    time.Duration // engine heartbeat cadence
	HeartbeatGap time.Duration // silence beyond this marks a runner stale
	SweepEvery   time.Duration // recovery sweep cadence in Run, defaults to 1s
	MaxRestarts  int           // attempts before permanently_failed
	MinNotional  float64       // sizing clamp floor forwarded to engines
	MaxNotional  float64       // sizing clamp ceiling forwarded to engines
	Shared       config.StrategyConfig
}

// OptionsFromConfig assembles manager options from the app config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Heartbeat:    time.Duration(cfg.Engines.HeartbeatIntervalS) * time.Second,
		HeartbeatGap: time.Duration(cfg.Engines.HeartbeatGapS) * time.Second,
		MaxRestarts:  cfg.Engines.MaxRestarts,
		MinNotional:  cfg.Risk.MinNotional,
		MaxNotional:  cfg.Risk.MaxNotional,
		Shared:       cfg.Strategy,
	}
}

// Deps carries the collaborators handed to every engine plus the bus
// the tick pumps subscribe to.
type Deps struct {
	Engine strategy.Deps
	Bus    *bus.Bus
}

// EngineInfo is one row of the operator listing.
type EngineInfo struct {
	Symbol      string           `json:"symbol"`
	State       string           `json:"state"`
	Mode        strategy.Mode    `json:"mode"`
	EngineState string           `json:"engine_state"`
	UptimeS     float64          `json:"uptime_s"`
	HeartbeatAt time.Time        `json:"heartbeat_ts"`
	LastTickAt  time.Time        `json:"last_tick_ts,omitempty"`
	Restarts    int              `json:"restarts"`
	LastError   string           `json:"last_error,omitempty"`
	PnL         float64          `json:"pnl"`
	Position    *market.Position `json:"position,omitempty"`
}

// BatchResult is one symbol's outcome from a batch operation.
type BatchResult struct {
	Symbol string `json:"symbol"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// RestartResult is one engine's outcome from a recovery sweep.
type RestartResult struct {
	Symbol string `json:"symbol"`
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
}

// runner pairs an engine with the goroutine pumping it. eng, cancel
// and done are set once at launch; the remaining fields are guarded by
// Manager.mu.
type runner struct {
	eng    *strategy.Engine
	cancel context.CancelFunc
	done   chan struct{}

	mode          strategy.Mode
	params        map[string]float64
	state         string
	startedAt     time.Time
	lastHeartbeat time.Time
	failedAt      time.Time
	lastError     string
	restarts      int
}

// Manager owns the engine fleet. lifeMu serializes start, stop and
// restart transitions; mu guards the map and runner fields so List and
// Get never wait behind a drain.
type Manager struct {
	opts Options
	deps Deps
	base zerolog.Logger
	log  zerolog.Logger

	lifeMu  sync.Mutex
	mu      sync.Mutex
	runners map[string]*runner
}

// NewManager builds an empty fleet.
func NewManager(opts Options, deps Deps, logger zerolog.Logger) *Manager {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
	}
	if opts.HeartbeatGap <= 0 {
		opts.HeartbeatGap = 60 * time.Second
	}
	// The restart ladder starts at 1s; a coarser sweep would stretch
	// every rung by the sweep interval.
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = time.Second
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 5
	}
	return &Manager{
		opts:    opts,
		deps:    deps,
		base:    logger,
		log:     logger.With().Str("component", "engine_manager").Logger(),
		runners: make(map[string]*runner),
	}
}

// Start launches an engine for the symbol. Idempotent: a runner
// already running in the same mode is returned as is. A different mode
// replaces it; the outgoing engine flattens its position first so the
// new one never inherits an unmanaged book.
func (m *Manager) Start(ctx context.Context, symbol string, mode strategy.Mode, params map[string]float64) (EngineInfo, error) {
	sym := symbols.Canonical(symbol)
	if !symbols.Valid(sym) {
		return EngineInfo{}, fmt.Errorf("invalid symbol %q", symbol)
	}

	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	existing, ok := m.runners[sym]
	sameMode := ok && existing.state == RunnerRunning && existing.mode == mode
	m.mu.Unlock()

	if sameMode {
		m.log.Debug().Str("symbol", sym).Str("mode", string(mode)).Msg("Engine already running")
		return m.info(existing), nil
	}
	if ok {
		m.mu.Lock()
		delete(m.runners, sym)
		healthy := existing.state == RunnerRunning
		m.mu.Unlock()
		// a failed loop's engine is not trusted to exit cleanly; close
		// its book through the executor instead
		m.halt(ctx, existing, healthy)
		if !healthy {
			m.flattenOrphan(ctx, sym)
		}
		m.gauge()
		m.publishEvent(ctx, bus.EventEngineStopped, bus.SeverityInfo, sym, "engine replaced")
	}

	r, err := m.launch(sym, mode, params, 0)
	if err != nil {
		return EngineInfo{}, err
	}
	m.checkAllowlist(sym)
	m.publishEvent(ctx, bus.EventEngineStarted, bus.SeverityInfo, sym, fmt.Sprintf("engine started in %s mode", mode))
	m.log.Info().Str("symbol", sym).Str("mode", string(mode)).Msg("Engine started")
	return m.info(r), nil
}

// Stop cancels a runner and waits for its loop to drain. With force
// the engine flattens any open position once the pump has stopped.
func (m *Manager) Stop(ctx context.Context, symbol string, force bool) error {
	sym := symbols.Canonical(symbol)

	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	r, ok := m.runners[sym]
	if ok {
		delete(m.runners, sym)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoEngine, sym)
	}

	m.halt(ctx, r, force)
	m.gauge()
	m.publishEvent(ctx, bus.EventEngineStopped, bus.SeverityInfo, sym, "engine stopped")
	m.log.Info().Str("symbol", sym).Bool("force", force).Msg("Engine stopped")
	return nil
}

// Batch applies one action across symbols, best effort. Each symbol
// reports its own outcome.
func (m *Manager) Batch(ctx context.Context, syms []string, action string, mode strategy.Mode, params map[string]float64) ([]BatchResult, error) {
	if action != "start" && action != "stop" {
		return nil, fmt.Errorf("unknown batch action %q", action)
	}
	results := make([]BatchResult, 0, len(syms))
	for _, s := range syms {
		var err error
		switch action {
		case "start":
			_, err = m.Start(ctx, s, mode, params)
		case "stop":
			err = m.Stop(ctx, s, false)
		}
		res := BatchResult{Symbol: symbols.Canonical(s), OK: err == nil}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

// RestartFailed sweeps the fleet once: silent loops are cancelled and
// marked failed, failed engines past their backoff window relaunch,
// and engines out of attempts are abandoned with a critical alert.
func (m *Manager) RestartFailed(ctx context.Context) []RestartResult {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	now := time.Now().UTC()

	m.mu.Lock()
	var candidates []*runner
	for _, r := range m.runners {
		switch {
		case r.state == RunnerFailed:
			candidates = append(candidates, r)
		case r.state == RunnerRunning && now.Sub(r.lastHeartbeat) > m.opts.HeartbeatGap:
			candidates = append(candidates, r)
		}
	}
	m.mu.Unlock()

	results := make([]RestartResult, 0, len(candidates))
	for _, r := range candidates {
		results = append(results, m.restart(ctx, r, now))
	}
	return results
}

// restart advances one failed or silent runner through the recovery
// ladder. Caller holds lifeMu.
func (m *Manager) restart(ctx context.Context, r *runner, now time.Time) RestartResult {
	sym := r.eng.Symbol()

	m.mu.Lock()
	if r.state == RunnerRunning {
		r.state = RunnerFailed
		r.failedAt = now
		r.lastError = "heartbeat gap exceeded"
		m.mu.Unlock()
		r.cancel()
		m.gauge()
		metrics.RecordError("heartbeat_gap", "engine_manager")
		m.publishEvent(ctx, bus.EventEngineFailed, bus.SeverityWarning, sym, "engine heartbeat gap exceeded")
		m.log.Warn().Str("symbol", sym).Msg("Engine heartbeat gap exceeded, loop cancelled")
		m.mu.Lock()
	}

	if r.restarts >= m.opts.MaxRestarts {
		already := r.state == RunnerPermanentlyFailed
		r.state = RunnerPermanentlyFailed
		restarts := r.restarts
		m.mu.Unlock()
		if !already {
			metrics.EnginesPermanentlyFailed.WithLabelValues(sym).Inc()
			m.publishEvent(ctx, bus.EventEnginePermanentlyFailed, bus.SeverityCritical, sym,
				fmt.Sprintf("engine abandoned after %d restart attempts", restarts))
			m.log.Error().Str("symbol", sym).Int("restarts", restarts).Msg("Engine permanently failed")
		}
		return RestartResult{Symbol: sym, Action: ActionPermanentlyFailed}
	}

	if wait := r.failedAt.Add(restartPolicy.Base(r.restarts)); now.Before(wait) {
		m.mu.Unlock()
		return RestartResult{Symbol: sym, Action: ActionWaiting}
	}

	attempt := r.restarts + 1
	mode, params := r.mode, r.params
	m.mu.Unlock()

	m.flattenOrphan(ctx, sym)

	if _, err := m.launch(sym, mode, params, attempt); err != nil {
		m.mu.Lock()
		r.lastError = err.Error()
		m.mu.Unlock()
		return RestartResult{Symbol: sym, Action: ActionWaiting, Error: err.Error()}
	}
	metrics.EngineRestarts.WithLabelValues(sym).Inc()
	m.publishEvent(ctx, bus.EventEngineRestarted, bus.SeverityWarning, sym,
		fmt.Sprintf("engine restarted, attempt %d of %d", attempt, m.opts.MaxRestarts))
	m.log.Warn().Str("symbol", sym).Int("attempt", attempt).Msg("Engine restarted")
	return RestartResult{Symbol: sym, Action: ActionRestarted}
}

// List snapshots the fleet sorted by symbol.
func (m *Manager) List() []EngineInfo {
	m.mu.Lock()
	rs := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		rs = append(rs, r)
	}
	m.mu.Unlock()

	out := make([]EngineInfo, 0, len(rs))
	for _, r := range rs {
		out = append(out, m.info(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Get returns the listing row for one symbol.
func (m *Manager) Get(symbol string) (EngineInfo, bool) {
	sym := symbols.Canonical(symbol)
	m.mu.Lock()
	r, ok := m.runners[sym]
	m.mu.Unlock()
	if !ok {
		return EngineInfo{}, false
	}
	return m.info(r), true
}

// Run supervises the fleet until ctx ends, sweeping for failed engines
// on a fixed cadence. Every runner stops gracefully on shutdown.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.SweepEvery)
	defer ticker.Stop()

	m.log.Info().Dur("sweep_every", m.opts.SweepEvery).Msg("Engine manager running")
	for {
		select {
		case <-ctx.Done():
			m.Close(context.Background())
			return ctx.Err()
		case <-ticker.C:
			m.RestartFailed(ctx)
		}
	}
}

// Close stops every runner and waits for the drains.
func (m *Manager) Close(ctx context.Context) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	rs := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		rs = append(rs, r)
	}
	m.runners = make(map[string]*runner)
	m.mu.Unlock()

	for _, r := range rs {
		m.halt(ctx, r, false)
	}
	m.gauge()
	if len(rs) > 0 {
		m.log.Info().Int("engines", len(rs)).Msg("Engine manager closed")
	}
}

// launch builds the engine and its runner and starts the pump. Caller
// holds lifeMu.
func (m *Manager) launch(sym string, mode strategy.Mode, params map[string]float64, restarts int) (*runner, error) {
	profile, err := strategy.ProfileFor(mode, m.opts.Shared)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if profile, err = profile.WithParams(params); err != nil {
			return nil, err
		}
	}

	eng := strategy.New(strategy.Config{
		Symbol:      sym,
		Profile:     profile,
		MinNotional: m.opts.MinNotional,
		MaxNotional: m.opts.MaxNotional,
	}, m.deps.Engine, m.base)

	now := time.Now().UTC()
	loopCtx, cancel := context.WithCancel(context.Background())
	r := &runner{
		eng:           eng,
		cancel:        cancel,
		done:          make(chan struct{}),
		mode:          mode,
		params:        cloneParams(params),
		state:         RunnerRunning,
		startedAt:     now,
		lastHeartbeat: now,
		restarts:      restarts,
	}

	m.mu.Lock()
	m.runners[sym] = r
	m.mu.Unlock()

	go m.runLoop(loopCtx, r)
	m.gauge()
	return r, nil
}

// runLoop pumps ticks and heartbeats into one engine until its context
// is cancelled. Panics are contained to the runner.
func (m *Manager) runLoop(ctx context.Context, r *runner) {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error().
				Str("symbol", r.eng.Symbol()).
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("Engine loop panicked")
			m.markFailed(r, fmt.Sprintf("panic: %v", rec))
		}
	}()

	sub, err := m.deps.Bus.Subscribe(bus.TopicTicks, bus.DefaultSubscriberBuffer)
	if err != nil {
		m.markFailed(r, fmt.Sprintf("tick subscription: %v", err))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	hb := time.NewTicker(m.opts.Heartbeat)
	defer hb.Stop()

	r.eng.Heartbeat(ctx)
	m.recordHeartbeat(r)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.C:
			r.eng.Heartbeat(ctx)
			m.recordHeartbeat(r)
		case data, ok := <-sub.C():
			if !ok {
				m.markFailed(r, "tick stream closed")
				return
			}
			var tick market.Tick
			if err := json.Unmarshal(data, &tick); err != nil {
				m.log.Warn().Err(err).Str("symbol", r.eng.Symbol()).Msg("Undecodable tick dropped")
				continue
			}
			r.eng.OnTick(ctx, tick)
		}
	}
}

// halt cancels the loop and waits for the drain. ForceExit runs only
// after the pump has stopped so no tick races the flatten.
func (m *Manager) halt(ctx context.Context, r *runner, force bool) {
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(drainTimeout):
		m.log.Warn().Str("symbol", r.eng.Symbol()).Msg("Engine loop did not drain in time")
	}
	if force {
		r.eng.ForceExit(ctx)
	}
}

// markFailed records a dead loop. The runner stays in the map so the
// recovery sweep can pick it up.
func (m *Manager) markFailed(r *runner, reason string) {
	m.mu.Lock()
	r.state = RunnerFailed
	r.failedAt = time.Now().UTC()
	r.lastError = reason
	m.mu.Unlock()

	sym := r.eng.Symbol()
	metrics.RecordError("engine_failed", "engine_manager")
	m.gauge()
	m.publishEvent(context.Background(), bus.EventEngineFailed, bus.SeverityWarning, sym, "engine loop failed: "+reason)
	m.log.Error().Str("symbol", sym).Str("reason", reason).Msg("Engine loop failed")
}

// flattenOrphan closes any position left behind by a dead engine. The
// replacement boots idle and would never manage the leftover book.
func (m *Manager) flattenOrphan(ctx context.Context, sym string) {
	exec := m.deps.Engine.Executor
	if exec == nil {
		return
	}
	p, ok := exec.Position(sym)
	if !ok || p.Quantity == 0 {
		return
	}
	side := market.SideSell
	qty := p.Quantity
	if qty < 0 {
		side = market.SideBuy
		qty = -qty
	}
	order := &market.Order{
		ClientRequestID: "restart-flatten-" + ulid.Make().String(),
		Symbol:          sym,
		Side:            side,
		Quantity:        qty,
		OrderType:       market.OrderTypeMarket,
		CreatedAt:       time.Now().UTC(),
	}
	if _, err := exec.SubmitOrder(ctx, order); err != nil {
		metrics.RecordError("orphan_flatten", "engine_manager")
		m.log.Error().Err(err).Str("symbol", sym).Msg("Orphan position flatten failed")
		return
	}
	m.log.Warn().Str("symbol", sym).Float64("quantity", p.Quantity).Msg("Flattened orphaned position before restart")
}

// info renders one listing row. Engine status is read outside the
// manager lock; the engine has its own.
func (m *Manager) info(r *runner) EngineInfo {
	m.mu.Lock()
	state := r.state
	mode := r.mode
	started := r.startedAt
	hb := r.lastHeartbeat
	restarts := r.restarts
	lastErr := r.lastError
	m.mu.Unlock()

	if state == RunnerRunning && time.Since(hb) > m.opts.HeartbeatGap {
		state = RunnerStale
	}

	st := r.eng.Status()
	return EngineInfo{
		Symbol:      st.Symbol,
		State:       state,
		Mode:        mode,
		EngineState: st.State,
		UptimeS:     time.Since(started).Seconds(),
		HeartbeatAt: hb,
		LastTickAt:  st.LastTickAt,
		Restarts:    restarts,
		LastError:   lastErr,
		PnL:         st.PnL,
		Position:    st.Position,
	}
}

// checkAllowlist warns when a started symbol is outside the risk
// allowlist. The gate fails closed, so every signal would be rejected.
func (m *Manager) checkAllowlist(sym string) {
	if m.deps.Engine.Risk == nil {
		return
	}
	rails := m.deps.Engine.Risk.Snapshot()
	for _, s := range rails.SymbolAllowlist {
		if s == sym {
			return
		}
	}
	m.log.Warn().Str("symbol", sym).Msg("Symbol not in risk allowlist, signals will be rejected")
}

func (m *Manager) recordHeartbeat(r *runner) {
	m.mu.Lock()
	r.lastHeartbeat = time.Now().UTC()
	m.mu.Unlock()
}

// gauge refreshes the running-engines gauge. Never call it with mu
// held.
func (m *Manager) gauge() {
	m.mu.Lock()
	n := 0
	for _, r := range m.runners {
		if r.state == RunnerRunning {
			n++
		}
	}
	m.mu.Unlock()
	metrics.EnginesRunning.Set(float64(n))
}

func (m *Manager) publishEvent(ctx context.Context, eventType, severity, sym, msg string) {
	if m.deps.Bus == nil {
		return
	}
	if err := m.deps.Bus.PublishEvent(ctx, bus.NewEvent(eventType, severity, sym, msg)); err != nil {
		m.log.Warn().Err(err).Str("type", eventType).Msg("Lifecycle event publish failed")
	}
}

func cloneParams(params map[string]float64) map[string]float64 {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]float64, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
