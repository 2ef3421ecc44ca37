// Package bus provides one-to-many fanout of ticks, signals, orders,
// fills, equity snapshots, audit entries, and operational events over
// NATS, plus a Redis-backed per-symbol last-tick cache with durable
// stream replay.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradepulse/tradepulse/internal/config"
	"github.com/tradepulse/tradepulse/internal/market"
)

// Topic names. Ordering is FIFO within a topic; cross-topic ordering
// is not guaranteed.
const (
	TopicTicks   = "ticks"
	TopicSignals = "signals"
	TopicOrders  = "orders"
	TopicFills   = "fills"
	TopicEquity  = "equity"
	TopicEvents  = "events"
	TopicAudit   = "audit"
)

// DefaultSubscriberBuffer bounds the per-subscriber lag window.
const DefaultSubscriberBuffer = 10000

// Operational event types published on TopicEvents.
const (
	EventFeedConnected           = "FeedConnected"
	EventFeedDisconnected        = "FeedDisconnected"
	EventOutlierRejected         = "OutlierRejected"
	EventTickBatchDropped        = "TickBatchDropped"
	EventModelSwitched           = "ModelSwitched"
	EventEngineStarted           = "EngineStarted"
	EventEngineStopped           = "EngineStopped"
	EventEngineFailed            = "EngineFailed"
	EventEngineRestarted         = "EngineRestarted"
	EventEnginePermanentlyFailed = "EnginePermanentlyFailed"
	EventEngineHeartbeat         = "EngineHeartbeat"
	EventKillSwitchChanged       = "KillSwitchChanged"
	EventCooldownTriggered       = "CooldownTriggered"
	EventCooldownCleared         = "CooldownCleared"
	EventCircuitBreakerTripped   = "CircuitBreakerTripped"
	EventDailyLossLimitHit       = "DailyLossLimitHit"
	EventSignalRejected          = "SignalRejected"
	EventTradeClosed             = "TradeClosed"
	EventFlagsChanged            = "FlagsChanged"
	EventFeaturesStale           = "FeaturesStale"
)

// Event severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is an operational event published on the events topic:
// outlier rejections, reconnects, guardrail trips, engine failures.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"ts"`
}

// NewEvent builds an operational event with a fresh ULID.
func NewEvent(eventType, severity, symbol, message string) Event {
	return Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		Severity:  severity,
		Symbol:    symbol,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WithField attaches a structured field to the event.
func (e Event) WithField(key string, value interface{}) Event {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// Bus is the platform event bus. Publishers are never blocked;
// subscribers that cannot keep up lose the oldest entries of their
// lag window.
type Bus struct {
	nc     *nats.Conn
	prefix string
	cache  *LastTickCache
	logger zerolog.Logger
}

// Config configures the bus connection.
type Config struct {
	NATSURL          string
	Prefix           string // Subject prefix (default: "tradepulse.")
	SubscriberBuffer int    // Per-subscriber lag window (default: 10000)
}

// DefaultConfig returns default bus configuration.
func DefaultConfig() Config {
	return Config{
		NATSURL:          nats.DefaultURL,
		Prefix:           "tradepulse.",
		SubscriberBuffer: DefaultSubscriberBuffer,
	}
}

// New connects to NATS and returns a bus. The last-tick cache is
// optional; pass nil to run without Redis.
func New(cfg Config, cache *LastTickCache) (*Bus, error) {
	nc, err := nats.Connect(
		cfg.NATSURL,
		nats.Name("tradepulse-core"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "tradepulse."
	}

	log.Info().
		Str("nats_url", cfg.NATSURL).
		Str("prefix", cfg.Prefix).
		Msg("Event bus initialized")

	return &Bus{
		nc:     nc,
		prefix: cfg.Prefix,
		cache:  cache,
		logger: config.NewLogger("bus"),
	}, nil
}

// Publish marshals payload and publishes it on topic. Publish never
// blocks on slow consumers; it fails only when the connection is down
// or the payload cannot be serialized.
func (b *Bus) Publish(ctx context.Context, topic string, payload interface{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !b.nc.IsConnected() {
		return fmt.Errorf("event bus not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}

	if err := b.nc.Publish(b.subject(topic), data); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", topic, err)
	}

	// Ticks reach their stream through the write-through cache.
	if b.cache != nil && (topic == TopicSignals || topic == TopicEvents) {
		if err := b.cache.Mirror(ctx, topic, data); err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("Stream mirror write failed")
		}
	}
	return nil
}

// Audit entry kinds published on the audit topic.
const (
	AuditKindDecision = "risk_decision" // per-signal guardrail outcomes
	AuditKindMutation = "mutation"      // operator configuration changes
)

// AuditEntry is the envelope on the audit topic. Kind selects the
// shape of Record: a risk decision record or a before/after mutation
// entry.
type AuditEntry struct {
	Kind   string          `json:"kind"`
	Record json.RawMessage `json:"record"`
}

// PublishAudit fans an audit record out on the audit topic. Fanout is
// best-effort; the durable copy is the store's.
func (b *Bus) PublishAudit(ctx context.Context, kind string, record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s audit record: %w", kind, err)
	}
	return b.Publish(ctx, TopicAudit, AuditEntry{Kind: kind, Record: data})
}

// PublishEvent publishes an operational event on the events topic.
func (b *Bus) PublishEvent(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return b.Publish(ctx, TopicEvents, ev)
}

// PublishTick writes the tick through the last-tick cache (and its
// durable stream) and fans it out on the ticks topic.
func (b *Bus) PublishTick(ctx context.Context, tick market.Tick) error {
	if b.cache != nil {
		if err := b.cache.Set(ctx, tick); err != nil {
			b.logger.Warn().Err(err).Str("symbol", tick.Symbol).Msg("Last-tick cache write failed")
		}
	}
	return b.Publish(ctx, TopicTicks, tick)
}

// GetLastTick returns the most recent tick for symbol from the
// write-through cache.
func (b *Bus) GetLastTick(ctx context.Context, symbol string) (market.Tick, bool) {
	if b.cache == nil {
		return market.Tick{}, false
	}
	return b.cache.Get(ctx, symbol)
}

// Subscribe starts a best-effort broadcast subscription on topic.
// Every subscriber receives every message, subject to its own lag
// window.
func (b *Bus) Subscribe(topic string, buffer int) (*Subscription, error) {
	return b.subscribe(topic, "", buffer)
}

// SubscribeGroup starts a consumer-group subscription on topic.
// Messages are delivered to exactly one member of the group.
func (b *Bus) SubscribeGroup(topic, group string, buffer int) (*Subscription, error) {
	if group == "" {
		return nil, fmt.Errorf("consumer group must not be empty")
	}
	return b.subscribe(topic, group, buffer)
}

func (b *Bus) subscribe(topic, group string, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	s := &Subscription{
		topic: topic,
		group: group,
		ch:    make(chan []byte, buffer),
	}

	handler := func(msg *nats.Msg) {
		// Copy: NATS reuses the read buffer after the callback returns.
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		s.push(data)
	}

	var (
		sub *nats.Subscription
		err error
	)
	subject := b.subject(topic)
	if group == "" {
		sub, err = b.nc.Subscribe(subject, handler)
	} else {
		sub, err = b.nc.QueueSubscribe(subject, group, handler)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	s.sub = sub

	b.logger.Info().
		Str("topic", topic).
		Str("group", group).
		Int("buffer", buffer).
		Msg("Subscribed")

	return s, nil
}

// Stats returns bus connection statistics.
func (b *Bus) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	if b.nc != nil {
		stats["connected"] = b.nc.IsConnected()
		stats["status"] = b.nc.Status().String()
		stats["connected_url"] = b.nc.ConnectedUrl()
		stats["in_msgs"] = b.nc.Stats().InMsgs
		stats["out_msgs"] = b.nc.Stats().OutMsgs
		stats["reconnects"] = b.nc.Stats().Reconnects
	}
	return stats
}

// Healthy reports whether the NATS connection is up.
func (b *Bus) Healthy() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close drains the connection.
func (b *Bus) Close() error {
	if b.nc != nil {
		b.nc.Close()
		b.logger.Info().Msg("Event bus closed")
	}
	return nil
}

func (b *Bus) subject(topic string) string {
	return b.prefix + topic
}

// Subscription is a bounded view of a topic. When the consumer falls
// behind, the oldest buffered entries are discarded first and the
// drop counter is incremented.
type Subscription struct {
	topic   string
	group   string
	ch      chan []byte
	dropped atomic.Int64
	sub     *nats.Subscription
}

// push delivers without ever blocking the NATS callback: when the
// buffer is full the oldest entry is evicted to make room.
func (s *Subscription) push(data []byte) {
	select {
	case s.ch <- data:
		return
	default:
	}

	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}

	select {
	case s.ch <- data:
	default:
		s.dropped.Add(1)
	}
}

// C returns the delivery channel. Entries are raw JSON payloads.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Next blocks until a payload arrives, decodes it into v, or returns
// the context error.
func (s *Subscription) Next(ctx context.Context, v interface{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case data, ok := <-s.ch:
		if !ok {
			return fmt.Errorf("subscription to %s closed", s.topic)
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", s.topic, err)
		}
		return nil
	}
}

// Dropped returns how many entries this subscriber has lost to
// lag-window overflow.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe detaches from the topic.
func (s *Subscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", s.topic, err)
	}
	return nil
}

// IsValid reports whether the subscription is still active.
func (s *Subscription) IsValid() bool {
	return s.sub.IsValid()
}
