// Package alerts routes operational events from the bus into
// notification sinks. The core ships one sink, the structured log;
// anything that leaves the process (chat, pager, push) implements the
// same Alerter interface outside this module.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepulse/tradepulse/internal/bus"
	"github.com/tradepulse/tradepulse/internal/config"
	"github.com/tradepulse/tradepulse/internal/metrics"
)

// Category groups event types by the subsystem they concern.
type Category string

const (
	CategoryFeed    Category = "feed"
	CategoryModel   Category = "model"
	CategoryEngine  Category = "engine"
	CategoryRisk    Category = "risk"
	CategoryTrading Category = "trading"
	CategoryFlags   Category = "flags"
	CategorySystem  Category = "system"
)

// CategoryOf maps a bus event type to its alert category. Unknown
// types land in system so nothing disappears unrouted.
func CategoryOf(eventType string) Category {
	switch eventType {
	case bus.EventFeedConnected, bus.EventFeedDisconnected, bus.EventOutlierRejected,
		bus.EventTickBatchDropped, bus.EventFeaturesStale:
		return CategoryFeed
	case bus.EventModelSwitched:
		return CategoryModel
	case bus.EventEngineStarted, bus.EventEngineStopped, bus.EventEngineFailed,
		bus.EventEngineRestarted, bus.EventEnginePermanentlyFailed, bus.EventEngineHeartbeat:
		return CategoryEngine
	case bus.EventKillSwitchChanged, bus.EventCooldownTriggered, bus.EventCooldownCleared,
		bus.EventCircuitBreakerTripped, bus.EventDailyLossLimitHit, bus.EventSignalRejected:
		return CategoryRisk
	case bus.EventTradeClosed:
		return CategoryTrading
	case bus.EventFlagsChanged:
		return CategoryFlags
	default:
		return CategorySystem
	}
}

// severityRank orders bus severities for threshold checks.
func severityRank(severity string) int {
	switch severity {
	case bus.SeverityCritical:
		return 2
	case bus.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Alert is one operator-facing notification derived from a bus event.
type Alert struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Category  Category               `json:"category"`
	Severity  string                 `json:"severity"`
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"ts"`
}

// FromEvent converts a bus event into an alert.
func FromEvent(ev bus.Event) Alert {
	return Alert{
		ID:        ev.ID,
		Type:      ev.Type,
		Category:  CategoryOf(ev.Type),
		Severity:  ev.Severity,
		Symbol:    ev.Symbol,
		Message:   ev.Message,
		Fields:    ev.Fields,
		Timestamp: ev.Timestamp,
	}
}

// key identifies an alert for repeat suppression.
func (a Alert) key() string {
	return a.Type + "|" + a.Symbol
}

// Alerter delivers one alert to one destination.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Rules is the routing policy between the event stream and the sinks.
type Rules struct {
	MinSeverity  string
	Mute         map[Category]bool
	RepeatWindow time.Duration
}

// RulesFrom maps the alerts config section onto a policy.
func RulesFrom(cfg config.AlertsConfig) Rules {
	mute := make(map[Category]bool, len(cfg.Mute))
	for _, c := range cfg.Mute {
		mute[Category(strings.ToLower(strings.TrimSpace(c)))] = true
	}
	return Rules{
		MinSeverity:  strings.ToLower(cfg.MinSeverity),
		Mute:         mute,
		RepeatWindow: cfg.GetRepeatWindow(),
	}
}

// Manager subscribes to the events topic and fans qualifying events
// out to its sinks. Sink failures are logged and counted, never
// propagated: alerting must not push back on the event path.
type Manager struct {
	bus   *bus.Bus
	rules Rules
	sinks []Alerter
	log   zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewManager builds an alert router. With no sinks given it routes to
// the structured log.
func NewManager(b *bus.Bus, rules Rules, logger zerolog.Logger, sinks ...Alerter) *Manager {
	if len(sinks) == 0 {
		sinks = []Alerter{NewLogAlerter(logger)}
	}
	return &Manager{
		bus:      b,
		rules:    rules,
		sinks:    sinks,
		log:      logger.With().Str("component", "alerts").Logger(),
		lastSent: make(map[string]time.Time),
	}
}

// Run consumes the events topic until the context ends.
func (m *Manager) Run(ctx context.Context) error {
	sub, err := m.bus.Subscribe(bus.TopicEvents, bus.DefaultSubscriberBuffer)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	m.log.Info().
		Str("min_severity", m.rules.MinSeverity).
		Dur("repeat_window", m.rules.RepeatWindow).
		Msg("Alert router running")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("events subscription closed")
			}
			var ev bus.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				m.log.Warn().Err(err).Msg("Dropped undecodable event")
				continue
			}
			m.Dispatch(ctx, FromEvent(ev))
		}
	}
}

// Dispatch routes one alert through the policy to every sink.
func (m *Manager) Dispatch(ctx context.Context, alert Alert) {
	if severityRank(alert.Severity) < severityRank(m.rules.MinSeverity) {
		metrics.AlertsSuppressed.WithLabelValues("below_threshold").Inc()
		return
	}
	if m.rules.Mute[alert.Category] {
		metrics.AlertsSuppressed.WithLabelValues("muted_category").Inc()
		return
	}
	if m.repeated(alert) {
		metrics.AlertsSuppressed.WithLabelValues("repeat_window").Inc()
		return
	}

	metrics.AlertsDispatched.WithLabelValues(alert.Severity, string(alert.Category)).Inc()
	for _, sink := range m.sinks {
		if err := sink.Send(ctx, alert); err != nil {
			m.log.Error().
				Err(err).
				Str("alert_type", alert.Type).
				Str("alert_id", alert.ID).
				Msg("Alert sink failed")
			metrics.RecordError("alert_send", "alerts")
		}
	}
}

// repeated reports whether the same type+symbol alert went out inside
// the repeat window, recording this one if not. Critical alerts
// always pass.
func (m *Manager) repeated(alert Alert) bool {
	if m.rules.RepeatWindow <= 0 || alert.Severity == bus.SeverityCritical {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if last, ok := m.lastSent[alert.key()]; ok && now.Sub(last) < m.rules.RepeatWindow {
		return true
	}
	m.lastSent[alert.key()] = now
	return false
}

// LogAlerter writes alerts to the structured log, level mapped from
// severity.
type LogAlerter struct {
	log zerolog.Logger
}

// NewLogAlerter creates the in-process log sink.
func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{log: logger.With().Str("component", "alerts").Logger()}
}

// Send logs the alert.
func (l *LogAlerter) Send(_ context.Context, alert Alert) error {
	var evt *zerolog.Event
	switch alert.Severity {
	case bus.SeverityCritical:
		evt = l.log.Error()
	case bus.SeverityWarning:
		evt = l.log.Warn()
	default:
		evt = l.log.Info()
	}

	for key, value := range alert.Fields {
		evt = evt.Interface(key, value)
	}
	if alert.Symbol != "" {
		evt = evt.Str("symbol", alert.Symbol)
	}

	evt.Str("alert_id", alert.ID).
		Str("alert_type", alert.Type).
		Str("category", string(alert.Category)).
		Str("severity", alert.Severity).
		Time("alert_ts", alert.Timestamp).
		Msg("ALERT: " + alert.Message)

	return nil
}
