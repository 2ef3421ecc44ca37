// Package risk is the pre-trade gate. Every candidate signal passes
// through an ordered guardrail pipeline where the first failing check
// rejects with a stable reason. Guardrail mutations serialize through
// a single writer and append to the audit log; readers take lock-free
// snapshots via an atomic pointer.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/tradepulse/tradepulse/internal/bus"
	"github.com/tradepulse/tradepulse/internal/market"
	"github.com/tradepulse/tradepulse/internal/metrics"
	"github.com/tradepulse/tradepulse/internal/tickstore"
)

// Decision kinds persisted to the risk audit log.
const (
	DecisionAccepted = "accepted"
	DecisionRejected = "rejected"
	DecisionClamped  = "clamped" // accepted with an adjusted notional
)

// Rejection reasons, in pipeline order.
const (
	ReasonKilled                = "killed"
	ReasonSymbolNotAllowed      = "symbol_not_allowed"
	ReasonCooldownActive        = "cooldown_active"
	ReasonLowConfidence         = "low_confidence"
	ReasonStaleFeatures         = "stale_features"
	ReasonPositionLimit         = "position_limit"
	ReasonDailyLossLimit        = "daily_loss_limit"
	ReasonCircuitBreakerLatency = "circuit_breaker_latency"

	// ReasonNotionalClamped annotates a clamped decision. The clamp
	// never rejects.
	ReasonNotionalClamped = "notional_clamped"

	// ReasonPositionClamped annotates a trade reduced to the symbol's
	// remaining position headroom.
	ReasonPositionClamped = "position_notional_clamped"
)

// Cooldown causes. The daily reset clears a cooldown only when the
// daily-loss check was its sole cause.
const (
	cooldownCauseDailyLoss = "daily_loss"
	cooldownCauseManual    = "manual"
)

// Decision is the outcome of one guardrail evaluation.
type Decision struct {
	Decision        string    `json:"decision"`
	Reasons         []string  `json:"reasons,omitempty"`
	NotionalUSD     float64   `json:"notional_usd"`                // post-clamp notional
	ClientRequestID string    `json:"client_request_id,omitempty"` // set on accept
	EvaluatedAt     time.Time `json:"evaluated_at"`
}

// Accepted reports whether the signal may route to execution.
func (d Decision) Accepted() bool {
	return d.Decision != DecisionRejected
}

// AuditStore persists decision records and mutation entries, and
// recovers the realized-loss counter after a restart.
type AuditStore interface {
	InsertRiskAudit(ctx context.Context, r *tickstore.RiskAuditRecord) error
	InsertAudit(ctx context.Context, a *tickstore.AuditRecord) error
	RealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
}

// PortfolioView exposes the mark-to-market state the daily-loss and
// position-cap checks read on every evaluation.
type PortfolioView interface {
	UnrealizedPnL() float64
	// PositionNotional is the symbol's signed open notional at the
	// latest mark, zero when flat.
	PositionNotional(symbol string) float64
}

// FallbackForcer sheds inference load after a latency trip.
type FallbackForcer interface {
	ForceFallback(n int)
}

// Options are the static policy knobs that are not runtime-mutable.
type Options struct {
	MinNotional              float64 // hard clamp floor in USD
	MaxNotional              float64 // hard clamp ceiling in USD, 0 means none
	MaxPositionNotional      float64 // per-symbol open notional cap in USD, 0 means none
	StalenessSec             int     // freshness gate threshold, defaults to 60
	LocalMidnightTZ          string  // daily reset timezone, defaults to UTC
	AllowFallbackSignals     bool    // stub-backed signals may trade while features are stale
	ForceFallbackPredictions int     // stub calls forced after a latency trip
	AuditBuffer              int     // pending decision records, defaults to 256
}

// Deps are the collaborators the gate calls out to. Nil fields skip
// the corresponding side effect.
type Deps struct {
	Store     AuditStore
	Portfolio PortfolioView
	Models    FallbackForcer
	Events    *bus.Bus
}

// Manager owns the guardrail set and the daily-loss counter. One
// instance gates every strategy engine in the process.
type Manager struct {
	opts Options
	deps Deps
	log  zerolog.Logger
	loc  *time.Location

	current atomic.Pointer[Guardrails]

	mu            sync.Mutex
	realizedToday float64
	cooldownCause string
	lastResetDay  string

	auditCh chan *tickstore.RiskAuditRecord
}

// NewManager builds the gate with its initial guardrail set.
func NewManager(initial Guardrails, opts Options, deps Deps, logger zerolog.Logger) (*Manager, error) {
	tz := opts.LocalMidnightTZ
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	if opts.StalenessSec <= 0 {
		opts.StalenessSec = 60
	}
	if opts.MaxNotional <= 0 {
		opts.MaxNotional = math.MaxFloat64
	}
	if opts.MaxPositionNotional <= 0 {
		opts.MaxPositionNotional = math.MaxFloat64
	}
	if opts.AuditBuffer <= 0 {
		opts.AuditBuffer = 256
	}

	m := &Manager{
		opts:    opts,
		deps:    deps,
		log:     logger.With().Str("component", "risk").Logger(),
		loc:     loc,
		auditCh: make(chan *tickstore.RiskAuditRecord, opts.AuditBuffer),
	}
	g := initial.clone()
	m.current.Store(&g)
	m.lastResetDay = time.Now().In(loc).Format("2006-01-02")

	metrics.SetKillSwitch(g.KillSwitch)
	metrics.SetCooldown(g.cooldownActive(time.Now()))

	m.log.Info().
		Float64("confidence_threshold", g.ConfidenceThreshold).
		Float64("max_trade_usd", g.MaxTradeUSD).
		Float64("max_daily_loss_usd", g.MaxDailyLossUSD).
		Strs("allowlist", g.SymbolAllowlist).
		Str("reset_tz", tz).
		Msg("Risk gate ready")
	return m, nil
}

// Evaluate runs the guardrail pipeline over one candidate signal. The
// notional clamp mutates the signal in place and never rejects; every
// other failing check short-circuits. Safe for concurrent use across
// symbols.
func (m *Manager) Evaluate(ctx context.Context, sig *market.Signal) Decision {
	now := time.Now().UTC()
	g := m.current.Load()

	if g.KillSwitch {
		return m.reject(ctx, sig, now, ReasonKilled)
	}
	if !g.allows(sig.Symbol) {
		return m.reject(ctx, sig, now, ReasonSymbolNotAllowed)
	}
	if g.cooldownActive(now) {
		return m.reject(ctx, sig, now, ReasonCooldownActive)
	}
	if sig.Confidence < g.ConfidenceThreshold {
		return m.reject(ctx, sig, now, ReasonLowConfidence)
	}
	if sig.StalenessSec >= float64(m.opts.StalenessSec) && !(sig.IsFallback && m.opts.AllowFallbackSignals) {
		return m.reject(ctx, sig, now, ReasonStaleFeatures)
	}

	d := Decision{Decision: DecisionAccepted, EvaluatedAt: now}

	ceiling := math.Min(m.opts.MaxNotional, g.MaxTradeUSD)
	clamped := math.Min(math.Max(sig.NotionalUSD, m.opts.MinNotional), ceiling)
	if clamped != sig.NotionalUSD {
		sig.NotionalUSD = clamped
		d.Decision = DecisionClamped
		d.Reasons = append(d.Reasons, ReasonNotionalClamped)
	}
	d.NotionalUSD = sig.NotionalUSD

	if m.deps.Portfolio != nil {
		open := m.deps.Portfolio.PositionNotional(sig.Symbol)
		signed := sig.NotionalUSD
		if sig.Side == market.SideSell {
			signed = -signed
		}
		post := math.Abs(open + signed)
		// Exposure-reducing trades always pass so an over-cap book can
		// still be closed.
		if post > m.opts.MaxPositionNotional && post > math.Abs(open) {
			headroom := m.opts.MaxPositionNotional - math.Abs(open)
			if headroom < m.opts.MinNotional {
				return m.reject(ctx, sig, now, ReasonPositionLimit)
			}
			sig.NotionalUSD = headroom
			d.Decision = DecisionClamped
			d.Reasons = append(d.Reasons, ReasonPositionClamped)
			d.NotionalUSD = headroom
		}
	}

	unrealized := 0.0
	if m.deps.Portfolio != nil {
		unrealized = m.deps.Portfolio.UnrealizedPnL()
	}
	m.mu.Lock()
	total := m.realizedToday + unrealized
	if total <= g.MaxDailyLossUSD {
		tripped := !(m.cooldownCause == cooldownCauseDailyLoss && m.current.Load().cooldownActive(now))
		var until time.Time
		if tripped {
			until = now.Add(time.Duration(g.CooldownMinutes) * time.Minute)
			m.installCooldownLocked(until, cooldownCauseDailyLoss)
		}
		m.mu.Unlock()

		if tripped {
			m.alert(ctx, bus.NewEvent(bus.EventDailyLossLimitHit, bus.SeverityCritical, sig.Symbol,
				fmt.Sprintf("daily loss %.2f breached limit %.2f, cooling down until %s",
					total, g.MaxDailyLossUSD, until.Format(time.RFC3339))).
				WithField("total_pnl", total).
				WithField("cooldown_until", until))
		}
		return m.reject(ctx, sig, now, ReasonDailyLossLimit)
	}
	m.mu.Unlock()

	if g.CircuitBreakerEnabled && sig.LatencyMS >= g.CircuitBreakerLatencyMS {
		if m.deps.Models != nil && m.opts.ForceFallbackPredictions > 0 {
			m.deps.Models.ForceFallback(m.opts.ForceFallbackPredictions)
		}
		m.alert(ctx, bus.NewEvent(bus.EventCircuitBreakerTripped, bus.SeverityWarning, sig.Symbol,
			fmt.Sprintf("prediction latency %.1fms at or above trip level %.1fms",
				sig.LatencyMS, g.CircuitBreakerLatencyMS)).
			WithField("latency_ms", sig.LatencyMS))
		return m.reject(ctx, sig, now, ReasonCircuitBreakerLatency)
	}

	d.ClientRequestID = ClientRequestID(sig.Symbol, sig.Side, sig.BarCloseAt, sig.SourceStrategy)

	metrics.RecordRiskDecision(d.Decision, d.Reasons)
	if d.Decision == DecisionClamped {
		m.enqueueAudit(sig, d)
	}
	return d
}

// reject finalizes a rejected decision: metric, audit record, and a
// SignalRejected event.
func (m *Manager) reject(ctx context.Context, sig *market.Signal, now time.Time, reason string) Decision {
	d := Decision{
		Decision:    DecisionRejected,
		Reasons:     []string{reason},
		NotionalUSD: sig.NotionalUSD,
		EvaluatedAt: now,
	}
	metrics.RecordRiskDecision(d.Decision, d.Reasons)
	m.enqueueAudit(sig, d)

	if m.deps.Events != nil {
		ev := bus.NewEvent(bus.EventSignalRejected, bus.SeverityInfo, sig.Symbol,
			"signal rejected: "+reason).
			WithField("signal_id", sig.ID).
			WithField("reason", reason)
		if err := m.deps.Events.PublishEvent(ctx, ev); err != nil {
			m.log.Warn().Err(err).Msg("Failed to publish rejection event")
		}
	}

	m.log.Debug().
		Str("symbol", sig.Symbol).
		Str("signal_id", sig.ID).
		Str("reason", reason).
		Msg("Signal rejected")
	return d
}

// enqueueAudit hands a decision record to the Run loop. Evaluation
// never blocks on persistence or fanout; when the queue is full the
// oldest pending record is dropped.
func (m *Manager) enqueueAudit(sig *market.Signal, d Decision) {
	if m.deps.Store == nil && m.deps.Events == nil {
		return
	}
	proposal, err := json.Marshal(sig)
	if err != nil {
		proposal = nil
	}
	rec := &tickstore.RiskAuditRecord{
		ID:        ulid.Make().String(),
		Timestamp: d.EvaluatedAt,
		Symbol:    sig.Symbol,
		SignalID:  sig.ID,
		Decision:  d.Decision,
		Reasons:   d.Reasons,
		Proposal:  proposal,
	}
	for {
		select {
		case m.auditCh <- rec:
			return
		default:
		}
		select {
		case stale := <-m.auditCh:
			m.log.Warn().Str("audit_id", stale.ID).Msg("Risk audit queue full, dropping oldest")
		default:
		}
	}
}

// SetGuardrails applies a partial update as one atomic swap and
// appends the mutation to the audit log.
func (m *Manager) SetGuardrails(ctx context.Context, patch Patch, actor string) (Guardrails, error) {
	if err := patch.Validate(); err != nil {
		return Guardrails{}, err
	}

	m.mu.Lock()
	before := m.current.Load()
	next := before.clone()
	patch.apply(&next)
	m.current.Store(&next)
	m.mu.Unlock()

	metrics.SetKillSwitch(next.KillSwitch)
	m.audit(ctx, actor, "risk.set_guardrails", before, &next)

	if before.KillSwitch != next.KillSwitch {
		sev, msg := bus.SeverityInfo, "kill switch disengaged"
		if next.KillSwitch {
			sev, msg = bus.SeverityCritical, "kill switch engaged"
		}
		m.alert(ctx, bus.NewEvent(bus.EventKillSwitchChanged, sev, "", msg).
			WithField("actor", actor).
			WithField("kill_switch", next.KillSwitch))
	}

	m.log.Info().Str("actor", actor).Msg("Guardrails updated")
	return next.clone(), nil
}

// TriggerCooldown manually blocks new signals for the given duration.
// Zero or negative minutes fall back to the guardrail default.
func (m *Manager) TriggerCooldown(ctx context.Context, minutes int, actor string) time.Time {
	m.mu.Lock()
	before := m.current.Load()
	if minutes <= 0 {
		minutes = before.CooldownMinutes
	}
	until := time.Now().UTC().Add(time.Duration(minutes) * time.Minute)
	m.installCooldownLocked(until, cooldownCauseManual)
	after := m.current.Load()
	m.mu.Unlock()

	m.audit(ctx, actor, "risk.trigger_cooldown", before, after)
	m.alert(ctx, bus.NewEvent(bus.EventCooldownTriggered, bus.SeverityWarning, "",
		fmt.Sprintf("cooldown active until %s", until.Format(time.RFC3339))).
		WithField("actor", actor).
		WithField("minutes", minutes))
	return until
}

// ClearCooldown lifts an active cooldown ahead of its deadline. It
// reports whether there was one to clear.
func (m *Manager) ClearCooldown(ctx context.Context, actor string) bool {
	m.mu.Lock()
	before := m.current.Load()
	if before.CooldownUntil == nil {
		m.mu.Unlock()
		return false
	}
	next := before.clone()
	next.CooldownUntil = nil
	m.cooldownCause = ""
	m.current.Store(&next)
	m.mu.Unlock()

	metrics.SetCooldown(false)
	m.audit(ctx, actor, "risk.clear_cooldown", before, &next)
	m.alert(ctx, bus.NewEvent(bus.EventCooldownCleared, bus.SeverityInfo, "", "cooldown cleared").
		WithField("actor", actor))
	return true
}

// installCooldownLocked swaps in a guardrail copy with the cooldown
// set. Callers hold mu.
func (m *Manager) installCooldownLocked(until time.Time, cause string) {
	next := m.current.Load().clone()
	next.CooldownUntil = &until
	m.cooldownCause = cause
	m.current.Store(&next)
	metrics.SetCooldown(true)
}

// RecordRealizedPnL feeds a realized P&L delta into the daily-loss
// counter. The paper engine calls this on every realizing fill.
func (m *Manager) RecordRealizedPnL(delta float64) {
	m.mu.Lock()
	m.realizedToday += delta
	m.mu.Unlock()
}

// RealizedToday returns the running daily realized P&L.
func (m *Manager) RealizedToday() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realizedToday
}

// Recover reseeds realized_pnl_today from persisted trades so the
// daily-loss limit cannot be dodged by bouncing the process.
func (m *Manager) Recover(ctx context.Context) error {
	if m.deps.Store == nil {
		return nil
	}
	since := m.localMidnight(time.Now())
	realized, err := m.deps.Store.RealizedPnLSince(ctx, since)
	if err != nil {
		return fmt.Errorf("recover daily realized pnl: %w", err)
	}
	m.mu.Lock()
	m.realizedToday = realized
	m.mu.Unlock()

	m.log.Info().
		Float64("realized_today", realized).
		Time("since", since).
		Msg("Daily loss counter recovered")
	return nil
}

// ResetDaily zeroes the realized-loss counter at the local midnight
// boundary. Repeat invocations within the same local day are no-ops.
// A cooldown is cleared only when the daily-loss check was its sole
// cause; manual cooldowns survive the boundary.
func (m *Manager) ResetDaily(now time.Time) bool {
	day := now.In(m.loc).Format("2006-01-02")

	m.mu.Lock()
	defer m.mu.Unlock()
	if day == m.lastResetDay {
		return false
	}
	m.lastResetDay = day
	m.realizedToday = 0

	if m.cooldownCause == cooldownCauseDailyLoss {
		next := m.current.Load().clone()
		next.CooldownUntil = nil
		m.cooldownCause = ""
		m.current.Store(&next)
		metrics.SetCooldown(false)
	}

	m.log.Info().Str("day", day).Msg("Daily loss counter reset")
	return true
}

// Snapshot returns a copy of the live guardrail set.
func (m *Manager) Snapshot() Guardrails {
	return m.current.Load().clone()
}

// State returns the operator view with derived cooldown status.
func (m *Manager) State() State {
	now := time.Now().UTC()
	g := m.current.Load()

	s := State{Guardrails: g.clone()}
	if g.cooldownActive(now) {
		s.CooldownActive = true
		s.CooldownSecondsLeft = g.CooldownUntil.Sub(now).Seconds()
	}
	m.mu.Lock()
	s.RealizedPnLToday = m.realizedToday
	m.mu.Unlock()
	return s
}

// Run drains the audit queue, fires the daily reset at local midnight,
// and drops elapsed cooldowns. It returns once ctx is cancelled, after
// flushing pending audit records.
func (m *Manager) Run(ctx context.Context) error {
	timer := time.NewTimer(m.untilNextMidnight(time.Now()))
	defer timer.Stop()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.flushAudits()
			return ctx.Err()
		case rec := <-m.auditCh:
			m.persistAudit(ctx, rec)
		case <-timer.C:
			m.ResetDaily(time.Now())
			timer.Reset(m.untilNextMidnight(time.Now()))
		case <-ticker.C:
			m.clearExpiredCooldown(time.Now())
		}
	}
}

func (m *Manager) persistAudit(ctx context.Context, rec *tickstore.RiskAuditRecord) {
	if m.deps.Store != nil {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.deps.Store.InsertRiskAudit(writeCtx, rec); err != nil {
			m.log.Error().Err(err).Str("audit_id", rec.ID).Msg("Failed to persist risk decision")
			metrics.RecordError("audit_write", "risk")
		}
	}
	if m.deps.Events != nil {
		if err := m.deps.Events.PublishAudit(ctx, bus.AuditKindDecision, rec); err != nil {
			m.log.Warn().Err(err).Str("audit_id", rec.ID).Msg("Audit publish failed")
		}
	}
}

// flushAudits drains whatever is queued at shutdown with a short
// deadline so rejections near the end are not lost.
func (m *Manager) flushAudits() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-m.auditCh:
			if m.deps.Store == nil {
				continue
			}
			if err := m.deps.Store.InsertRiskAudit(ctx, rec); err != nil {
				m.log.Error().Err(err).Str("audit_id", rec.ID).Msg("Failed to persist risk decision")
				return
			}
		default:
			return
		}
	}
}

// clearExpiredCooldown drops an elapsed cooldown so the snapshot and
// the cooldown gauge reflect reality without an operator action.
func (m *Manager) clearExpiredCooldown(now time.Time) {
	g := m.current.Load()
	if g.CooldownUntil == nil || now.Before(*g.CooldownUntil) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	g = m.current.Load()
	if g.CooldownUntil == nil || now.Before(*g.CooldownUntil) {
		return
	}
	next := g.clone()
	next.CooldownUntil = nil
	m.cooldownCause = ""
	m.current.Store(&next)
	metrics.SetCooldown(false)
	m.log.Info().Msg("Cooldown expired")
}

// audit appends a mutation entry and fans it out on the audit topic.
// Mutations are low-rate, so the write is synchronous and an operator
// action cannot miss the log.
func (m *Manager) audit(ctx context.Context, actor, action string, before, after *Guardrails) {
	if m.deps.Store == nil && m.deps.Events == nil {
		return
	}
	beforeJSON, _ := json.Marshal(before)
	afterJSON, _ := json.Marshal(after)
	rec := &tickstore.AuditRecord{
		ID:     ulid.Make().String(),
		Ts:     time.Now().UTC(),
		Actor:  actor,
		Action: action,
		Before: beforeJSON,
		After:  afterJSON,
	}
	if m.deps.Store != nil {
		if err := m.deps.Store.InsertAudit(ctx, rec); err != nil {
			m.log.Error().Err(err).Str("action", action).Msg("Failed to append audit entry")
			metrics.RecordError("audit_write", "risk")
		}
	}
	if m.deps.Events != nil {
		if err := m.deps.Events.PublishAudit(ctx, bus.AuditKindMutation, rec); err != nil {
			m.log.Warn().Err(err).Str("action", action).Msg("Audit publish failed")
		}
	}
}

// alert logs at the event's severity and publishes it on the bus.
func (m *Manager) alert(ctx context.Context, ev bus.Event) {
	var entry *zerolog.Event
	switch ev.Severity {
	case bus.SeverityCritical:
		entry = m.log.Error()
	case bus.SeverityWarning:
		entry = m.log.Warn()
	default:
		entry = m.log.Info()
	}
	entry.Str("event", ev.Type).Str("symbol", ev.Symbol).Msg(ev.Message)

	if m.deps.Events == nil {
		return
	}
	if err := m.deps.Events.PublishEvent(ctx, ev); err != nil {
		m.log.Warn().Err(err).Str("event", ev.Type).Msg("Failed to publish alert event")
	}
}

// localMidnight returns the start of now's day in the reset timezone.
func (m *Manager) localMidnight(now time.Time) time.Time {
	l := now.In(m.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, m.loc)
}

// untilNextMidnight returns the wait to the next reset boundary, with
// a second of slack so the timer lands inside the new day.
func (m *Manager) untilNextMidnight(now time.Time) time.Duration {
	next := m.localMidnight(now).AddDate(0, 0, 1)
	return next.Sub(now) + time.Second
}

// ClientRequestID derives the idempotency key executors dedupe on. The
// same (symbol, side, bar close, strategy) tuple always maps to the
// same key, so re-evaluating a bar cannot double-submit.
func ClientRequestID(symbol string, side market.Side, barClose time.Time, strategy string) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%d|%s", symbol, side, barClose.UTC().Unix(), strategy)
	return fmt.Sprintf("%016x", h.Sum64())
}
