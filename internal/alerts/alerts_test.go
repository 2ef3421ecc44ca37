package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepulse/tradepulse/internal/bus"
	"github.com/tradepulse/tradepulse/internal/config"
)

// memAlerter records everything it is sent.
type memAlerter struct {
	mu       sync.Mutex
	sent     []Alert
	failWith error
}

func (m *memAlerter) Send(_ context.Context, alert Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.sent = append(m.sent, alert)
	return nil
}

func (m *memAlerter) all() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.sent))
	copy(out, m.sent)
	return out
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		eventType string
		want      Category
	}{
		{bus.EventFeedDisconnected, CategoryFeed},
		{bus.EventOutlierRejected, CategoryFeed},
		{bus.EventFeaturesStale, CategoryFeed},
		{bus.EventModelSwitched, CategoryModel},
		{bus.EventEnginePermanentlyFailed, CategoryEngine},
		{bus.EventEngineHeartbeat, CategoryEngine},
		{bus.EventKillSwitchChanged, CategoryRisk},
		{bus.EventDailyLossLimitHit, CategoryRisk},
		{bus.EventSignalRejected, CategoryRisk},
		{bus.EventTradeClosed, CategoryTrading},
		{bus.EventFlagsChanged, CategoryFlags},
		{"SomethingNew", CategorySystem},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.eventType))
		})
	}
}

func TestRulesFrom(t *testing.T) {
	rules := RulesFrom(config.AlertsConfig{
		MinSeverity: "WARNING",
		Mute:        []string{" Engine ", "trading"},
		RepeatSec:   120,
	})

	assert.Equal(t, "warning", rules.MinSeverity)
	assert.True(t, rules.Mute[CategoryEngine])
	assert.True(t, rules.Mute[CategoryTrading])
	assert.False(t, rules.Mute[CategoryRisk])
	assert.Equal(t, 2*time.Minute, rules.RepeatWindow)
}

func TestDispatchPolicy(t *testing.T) {
	newAlert := func(eventType, severity, symbol string) Alert {
		return FromEvent(bus.NewEvent(eventType, severity, symbol, "test alert"))
	}

	t.Run("below threshold", func(t *testing.T) {
		sink := &memAlerter{}
		m := NewManager(nil, Rules{MinSeverity: bus.SeverityWarning}, zerolog.Nop(), sink)

		m.Dispatch(context.Background(), newAlert(bus.EventEngineStarted, bus.SeverityInfo, "BTCUSDT"))

		assert.Empty(t, sink.all())
	})

	t.Run("muted category", func(t *testing.T) {
		sink := &memAlerter{}
		m := NewManager(nil, Rules{Mute: map[Category]bool{CategoryEngine: true}}, zerolog.Nop(), sink)

		m.Dispatch(context.Background(), newAlert(bus.EventEngineFailed, bus.SeverityWarning, "BTCUSDT"))
		m.Dispatch(context.Background(), newAlert(bus.EventCooldownTriggered, bus.SeverityWarning, ""))

		sent := sink.all()
		require.Len(t, sent, 1)
		assert.Equal(t, CategoryRisk, sent[0].Category)
	})

	t.Run("qualifying alert reaches every sink", func(t *testing.T) {
		first := &memAlerter{}
		second := &memAlerter{}
		m := NewManager(nil, Rules{MinSeverity: bus.SeverityWarning}, zerolog.Nop(), first, second)

		m.Dispatch(context.Background(), newAlert(bus.EventCircuitBreakerTripped, bus.SeverityCritical, "ETHUSDT"))

		require.Len(t, first.all(), 1)
		require.Len(t, second.all(), 1)
		got := first.all()[0]
		assert.Equal(t, CategoryRisk, got.Category)
		assert.Equal(t, "ETHUSDT", got.Symbol)
		assert.NotEmpty(t, got.ID)
	})

	t.Run("repeat window suppresses duplicates", func(t *testing.T) {
		sink := &memAlerter{}
		m := NewManager(nil, Rules{RepeatWindow: time.Minute}, zerolog.Nop(), sink)

		m.Dispatch(context.Background(), newAlert(bus.EventFeedDisconnected, bus.SeverityWarning, ""))
		m.Dispatch(context.Background(), newAlert(bus.EventFeedDisconnected, bus.SeverityWarning, ""))
		m.Dispatch(context.Background(), newAlert(bus.EventFeedConnected, bus.SeverityInfo, ""))

		sent := sink.all()
		require.Len(t, sent, 2)
		assert.Equal(t, bus.EventFeedDisconnected, sent[0].Type)
		assert.Equal(t, bus.EventFeedConnected, sent[1].Type)
	})

	t.Run("critical repeats always pass", func(t *testing.T) {
		sink := &memAlerter{}
		m := NewManager(nil, Rules{RepeatWindow: time.Minute}, zerolog.Nop(), sink)

		m.Dispatch(context.Background(), newAlert(bus.EventDailyLossLimitHit, bus.SeverityCritical, ""))
		m.Dispatch(context.Background(), newAlert(bus.EventDailyLossLimitHit, bus.SeverityCritical, ""))

		assert.Len(t, sink.all(), 2)
	})

	t.Run("same type different symbol is not a repeat", func(t *testing.T) {
		sink := &memAlerter{}
		m := NewManager(nil, Rules{RepeatWindow: time.Minute}, zerolog.Nop(), sink)

		m.Dispatch(context.Background(), newAlert(bus.EventEngineFailed, bus.SeverityWarning, "BTCUSDT"))
		m.Dispatch(context.Background(), newAlert(bus.EventEngineFailed, bus.SeverityWarning, "ETHUSDT"))

		assert.Len(t, sink.all(), 2)
	})
}

func TestDispatchSinkFailureIsIsolated(t *testing.T) {
	broken := &memAlerter{failWith: assert.AnError}
	working := &memAlerter{}
	m := NewManager(nil, Rules{}, zerolog.Nop(), broken, working)

	m.Dispatch(context.Background(), FromEvent(
		bus.NewEvent(bus.EventEngineFailed, bus.SeverityWarning, "BTCUSDT", "engine crashed")))

	assert.Len(t, working.all(), 1)
}

func TestLogAlerterLevels(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogAlerter(zerolog.New(&buf))

	for _, severity := range []string{bus.SeverityInfo, bus.SeverityWarning, bus.SeverityCritical} {
		require.NoError(t, sink.Send(context.Background(), FromEvent(
			bus.NewEvent(bus.EventEngineFailed, severity, "BTCUSDT", "engine crashed"))))
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var levels []string
	for _, line := range lines {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		levels = append(levels, entry["level"].(string))
		assert.Equal(t, "ALERT: engine crashed", entry["message"])
		assert.Equal(t, "engine", entry["category"])
		assert.Equal(t, "BTCUSDT", entry["symbol"])
	}
	assert.Equal(t, []string{"info", "warn", "error"}, levels)
}

func TestRunRoutesBusEvents(t *testing.T) {
	ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	defer ns.Shutdown()

	b, err := bus.New(bus.Config{NATSURL: ns.ClientURL(), Prefix: "test."}, nil)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	sink := &memAlerter{}
	m := NewManager(b, Rules{MinSeverity: bus.SeverityWarning}, zerolog.Nop(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Give the subscription a moment to attach before publishing.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, b.PublishEvent(ctx,
		bus.NewEvent(bus.EventEngineHeartbeat, bus.SeverityInfo, "BTCUSDT", "heartbeat")))
	require.NoError(t, b.PublishEvent(ctx,
		bus.NewEvent(bus.EventEnginePermanentlyFailed, bus.SeverityCritical, "BTCUSDT", "gave up")))

	require.Eventually(t, func() bool {
		return len(sink.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := sink.all()[0]
	assert.Equal(t, bus.EventEnginePermanentlyFailed, got.Type)
	assert.Equal(t, CategoryEngine, got.Category)
	assert.Equal(t, bus.SeverityCritical, got.Severity)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
