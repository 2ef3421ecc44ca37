package risk

import (
	"fmt"
	"sort"
	"time"

	"github.com/tradepulse/tradepulse/internal/config"
	"github.com/tradepulse/tradepulse/internal/symbols"
)

// Guardrails is the process-wide pre-trade limit set. Published copies
// are immutable; every mutation installs a fresh value through the
// manager so readers never observe a partial update.
type Guardrails struct {
	ConfidenceThreshold     float64    `json:"confidence_threshold"`
	MaxTradeUSD             float64    `json:"max_trade_usd"`
	MaxDailyLossUSD         float64    `json:"max_daily_loss_usd"` // negative
	CooldownMinutes         int        `json:"cooldown_minutes"`
	CircuitBreakerEnabled   bool       `json:"circuit_breaker_enabled"`
	CircuitBreakerLatencyMS float64    `json:"circuit_breaker_latency_ms"`
	SymbolAllowlist         []string   `json:"symbol_allowlist"`
	KillSwitch              bool       `json:"kill_switch"`
	CooldownUntil           *time.Time `json:"cooldown_until_ts,omitempty"`
}

// FromConfig seeds the guardrail set from static configuration. The
// allowlist is the configured trading universe in canonical form.
func FromConfig(cfg config.RiskConfig, allowlist []string) Guardrails {
	return Guardrails{
		ConfidenceThreshold:     cfg.MinConfidence,
		MaxTradeUSD:             cfg.MaxTradeUSD,
		MaxDailyLossUSD:         cfg.MaxDailyLoss,
		CooldownMinutes:         cfg.CooldownMinutes,
		CircuitBreakerEnabled:   cfg.CircuitBreakerEnabled,
		CircuitBreakerLatencyMS: cfg.LatencyThresholdMS,
		SymbolAllowlist:         canonicalAllowlist(allowlist),
	}
}

// allows reports whether the symbol may trade. An empty allowlist
// admits nothing; the gate fails closed.
func (g *Guardrails) allows(symbol string) bool {
	for _, s := range g.SymbolAllowlist {
		if s == symbol {
			return true
		}
	}
	return false
}

// cooldownActive reports whether a cooldown blocks new signals at now.
func (g *Guardrails) cooldownActive(now time.Time) bool {
	return g.CooldownUntil != nil && now.Before(*g.CooldownUntil)
}

// clone returns a copy with its own allowlist backing array.
func (g *Guardrails) clone() Guardrails {
	out := *g
	out.SymbolAllowlist = append([]string(nil), g.SymbolAllowlist...)
	if g.CooldownUntil != nil {
		t := *g.CooldownUntil
		out.CooldownUntil = &t
	}
	return out
}

// canonicalAllowlist normalizes, dedupes, and sorts a symbol list.
func canonicalAllowlist(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		c := symbols.Canonical(s)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Patch is a partial guardrail update. Nil fields keep their current
// value, mirroring the body of the guardrails PATCH endpoint. The
// cooldown deadline is not patchable; it moves only through the
// trigger and clear capabilities.
type Patch struct {
	ConfidenceThreshold     *float64  `json:"confidence_threshold,omitempty"`
	MaxTradeUSD             *float64  `json:"max_trade_usd,omitempty"`
	MaxDailyLossUSD         *float64  `json:"max_daily_loss_usd,omitempty"`
	CooldownMinutes         *int      `json:"cooldown_minutes,omitempty"`
	CircuitBreakerEnabled   *bool     `json:"circuit_breaker_enabled,omitempty"`
	CircuitBreakerLatencyMS *float64  `json:"circuit_breaker_latency_ms,omitempty"`
	SymbolAllowlist         *[]string `json:"symbol_allowlist,omitempty"`
	KillSwitch              *bool     `json:"kill_switch,omitempty"`
}

// Validate rejects values that would turn a limit into a no-op.
func (p Patch) Validate() error {
	if p.ConfidenceThreshold != nil && (*p.ConfidenceThreshold < 0 || *p.ConfidenceThreshold > 1) {
		return fmt.Errorf("confidence_threshold %.3f outside [0, 1]", *p.ConfidenceThreshold)
	}
	if p.MaxTradeUSD != nil && *p.MaxTradeUSD <= 0 {
		return fmt.Errorf("max_trade_usd must be positive, got %.2f", *p.MaxTradeUSD)
	}
	if p.MaxDailyLossUSD != nil && *p.MaxDailyLossUSD >= 0 {
		return fmt.Errorf("max_daily_loss_usd must be negative, got %.2f", *p.MaxDailyLossUSD)
	}
	if p.CooldownMinutes != nil && *p.CooldownMinutes < 0 {
		return fmt.Errorf("cooldown_minutes must not be negative, got %d", *p.CooldownMinutes)
	}
	if p.CircuitBreakerLatencyMS != nil && *p.CircuitBreakerLatencyMS <= 0 {
		return fmt.Errorf("circuit_breaker_latency_ms must be positive, got %.1f", *p.CircuitBreakerLatencyMS)
	}
	return nil
}

// apply copies the set fields onto g. Callers validate first.
func (p Patch) apply(g *Guardrails) {
	if p.ConfidenceThreshold != nil {
		g.ConfidenceThreshold = *p.ConfidenceThreshold
	}
	if p.MaxTradeUSD != nil {
		g.MaxTradeUSD = *p.MaxTradeUSD
	}
	if p.MaxDailyLossUSD != nil {
		g.MaxDailyLossUSD = *p.MaxDailyLossUSD
	}
	if p.CooldownMinutes != nil {
		g.CooldownMinutes = *p.CooldownMinutes
	}
	if p.CircuitBreakerEnabled != nil {
		g.CircuitBreakerEnabled = *p.CircuitBreakerEnabled
	}
	if p.CircuitBreakerLatencyMS != nil {
		g.CircuitBreakerLatencyMS = *p.CircuitBreakerLatencyMS
	}
	if p.SymbolAllowlist != nil {
		g.SymbolAllowlist = canonicalAllowlist(*p.SymbolAllowlist)
	}
	if p.KillSwitch != nil {
		g.KillSwitch = *p.KillSwitch
	}
}

// State is the operator view of the gate: the live guardrail set plus
// derived cooldown status and the running daily loss counter.
type State struct {
	Guardrails
	CooldownActive      bool    `json:"cooldown_active"`
	CooldownSecondsLeft float64 `json:"cooldown_seconds_left,omitempty"`
	RealizedPnLToday    float64 `json:"realized_pnl_today"`
}
