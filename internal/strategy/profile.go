// Package strategy runs the per-symbol trading state machine. An
// Engine consumes ticks, evaluates entries at bar closes against the
// feature cache and the model registry, routes candidate signals
// through the risk gate, and manages the resulting position until an
// exit condition fires.
//
// The state machine is identical across profiles; a Profile only
// changes bar cadence, gate membership, and exit parameters. Engines
// are single-threaded over ticks: the manager pumps OnTick from one
// goroutine per engine, and the internal mutex exists for Status and
// Heartbeat readers.
package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/tradepulse/tradepulse/internal/config"
)

// Mode selects one of the built-in strategy profiles.
type Mode string

const (
	ModeScalp Mode = "SCALP"
	ModeDay   Mode = "DAY"
	ModeSwing Mode = "SWING"
)

// ParseMode validates a profile name. Matching is case-insensitive.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(s))
	switch m {
	case ModeScalp, ModeDay, ModeSwing:
		return m, nil
	}
	return "", fmt.Errorf("unknown strategy mode %q", s)
}

// MomentumWeights blends the momentum gate components. Weights are
// normalized before use, so only their ratios matter.
type MomentumWeights struct {
	Returns float64 `json:"returns"`
	Trend   float64 `json:"trend"`
	RSI     float64 `json:"rsi"`
	Vol     float64 `json:"vol"`
}

func (w MomentumWeights) normalized() MomentumWeights {
	sum := w.Returns + w.Trend + w.RSI + w.Vol
	if sum <= 0 {
		return MomentumWeights{Returns: 0.25, Trend: 0.25, RSI: 0.25, Vol: 0.25}
	}
	return MomentumWeights{
		Returns: w.Returns / sum,
		Trend:   w.Trend / sum,
		RSI:     w.RSI / sum,
		Vol:     w.Vol / sum,
	}
}

// Profile is the full parameter set of one engine. Built-ins fix the
// cadence and exit shape per mode; the shared gate and sizing knobs
// come from configuration, and single fields may be overridden per
// start request via WithParams.
type Profile struct {
	Mode Mode `json:"mode"`

	BarSeconds      int     `json:"bar_seconds"`
	CooldownBars    int     `json:"cooldown_bars"`
	TimeoutBars     int     `json:"timeout_bars"` // position age limit
	SyncWindowBars  int     `json:"sync_window_bars"`
	StopATRMultiple float64 `json:"stop_atr_multiple"`
	RiskReward      float64 `json:"risk_reward"`
	PartialTP       bool    `json:"partial_tp"` // half off at 1R, stop to entry
	ADXMin          float64 `json:"adx_min"`    // 0 disables the trend filter
	UseSyncGate     bool    `json:"use_sync_gate"`

	BaseNotionalUSD float64 `json:"base_notional_usd"`
	EntryScore      float64 `json:"entry_score"`
	MaxSpreadBPS    float64 `json:"max_spread_bps"`
	MaxLatencyMS    float64 `json:"max_latency_ms"`
	MinVolBPS       float64 `json:"min_vol_bps"`
	TargetVolBPS    float64 `json:"target_vol_bps"`

	Weights MomentumWeights `json:"weights"`
}

// BarDuration returns the evaluation cadence.
func (p Profile) BarDuration() time.Duration {
	return time.Duration(p.BarSeconds) * time.Second
}

// ProfileFor builds the built-in profile for mode and merges in the
// configured gate and sizing knobs.
func ProfileFor(mode Mode, cfg config.StrategyConfig) (Profile, error) {
	var p Profile
	switch mode {
	case ModeScalp:
		p = Profile{
			Mode:            ModeScalp,
			BarSeconds:      1,
			CooldownBars:    5,
			TimeoutBars:     30,
			SyncWindowBars:  5,
			StopATRMultiple: 1.0,
			RiskReward:      1.2,
			Weights:         MomentumWeights{Returns: 0.45, Trend: 0.20, RSI: 0.20, Vol: 0.15},
		}
	case ModeDay:
		p = Profile{
			Mode:            ModeDay,
			BarSeconds:      900,
			CooldownBars:    8,
			TimeoutBars:     16,
			SyncWindowBars:  4,
			StopATRMultiple: 1.5,
			RiskReward:      1.5,
			UseSyncGate:     true,
			Weights:         MomentumWeights{Returns: 0.35, Trend: 0.30, RSI: 0.20, Vol: 0.15},
		}
	case ModeSwing:
		p = Profile{
			Mode:            ModeSwing,
			BarSeconds:      14400,
			CooldownBars:    6,
			TimeoutBars:     12,
			SyncWindowBars:  3,
			StopATRMultiple: 2.0,
			RiskReward:      2.0,
			PartialTP:       true,
			ADXMin:          20,
			UseSyncGate:     true,
			Weights:         MomentumWeights{Returns: 0.25, Trend: 0.40, RSI: 0.20, Vol: 0.15},
		}
	default:
		return Profile{}, fmt.Errorf("unknown strategy mode %q", mode)
	}

	p.BaseNotionalUSD = cfg.BaseNotionalUSD
	p.EntryScore = cfg.EntryScore
	p.MaxSpreadBPS = cfg.MaxSpreadBPS
	p.MaxLatencyMS = cfg.MaxLatencyMS
	p.MinVolBPS = cfg.MinVolBPS
	p.TargetVolBPS = cfg.TargetVolBPS
	p.Weights = p.Weights.normalized()
	return p, nil
}

// WithParams returns a copy of the profile with single numeric fields
// overridden. Keys match the JSON names; unknown keys and values that
// would break the profile are rejected.
func (p Profile) WithParams(params map[string]float64) (Profile, error) {
	out := p
	for key, v := range params {
		switch key {
		case "bar_seconds":
			if v < 1 {
				return Profile{}, fmt.Errorf("bar_seconds %.0f must be at least 1", v)
			}
			out.BarSeconds = int(v)
		case "cooldown_bars":
			if v < 0 {
				return Profile{}, fmt.Errorf("cooldown_bars must not be negative")
			}
			out.CooldownBars = int(v)
		case "timeout_bars":
			if v < 1 {
				return Profile{}, fmt.Errorf("timeout_bars %.0f must be at least 1", v)
			}
			out.TimeoutBars = int(v)
		case "sync_window_bars":
			if v < 1 {
				return Profile{}, fmt.Errorf("sync_window_bars %.0f must be at least 1", v)
			}
			out.SyncWindowBars = int(v)
		case "stop_atr_multiple":
			if v <= 0 {
				return Profile{}, fmt.Errorf("stop_atr_multiple must be positive")
			}
			out.StopATRMultiple = v
		case "risk_reward":
			if v <= 0 {
				return Profile{}, fmt.Errorf("risk_reward must be positive")
			}
			out.RiskReward = v
		case "adx_min":
			if v < 0 {
				return Profile{}, fmt.Errorf("adx_min must not be negative")
			}
			out.ADXMin = v
		case "base_notional_usd":
			if v <= 0 {
				return Profile{}, fmt.Errorf("base_notional_usd must be positive")
			}
			out.BaseNotionalUSD = v
		case "entry_score":
			if v < 0 || v > 1 {
				return Profile{}, fmt.Errorf("entry_score %.2f must be between 0 and 1", v)
			}
			out.EntryScore = v
		case "max_spread_bps":
			if v <= 0 {
				return Profile{}, fmt.Errorf("max_spread_bps must be positive")
			}
			out.MaxSpreadBPS = v
		case "max_latency_ms":
			if v <= 0 {
				return Profile{}, fmt.Errorf("max_latency_ms must be positive")
			}
			out.MaxLatencyMS = v
		case "min_vol_bps":
			if v < 0 {
				return Profile{}, fmt.Errorf("min_vol_bps must not be negative")
			}
			out.MinVolBPS = v
		case "target_vol_bps":
			if v <= 0 {
				return Profile{}, fmt.Errorf("target_vol_bps must be positive")
			}
			out.TargetVolBPS = v
		default:
			return Profile{}, fmt.Errorf("unknown profile parameter %q", key)
		}
	}
	return out, nil
}
