package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepulse/tradepulse/internal/market"
)

// startTestNATSServer starts an embedded NATS server for testing
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host: "127.0.0.1",
		Port: -1, // Random port
	}

	ns, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	return ns
}

func setupTestBus(t *testing.T) (*Bus, *natsserver.Server) {
	t.Helper()

	ns := startTestNATSServer(t)
	b, err := New(Config{NATSURL: ns.ClientURL(), Prefix: "test."}, nil)
	require.NoError(t, err)
	require.NotNil(t, b)

	return b, ns
}

func testTick(symbol string, price float64) market.Tick {
	return market.Tick{
		Symbol:    symbol,
		Timestamp: time.Now().UTC(),
		LastPrice: price,
		Bid:       price - 1,
		Ask:       price + 1,
	}
}

func TestNewDefaultPrefix(t *testing.T) {
	ns := startTestNATSServer(t)
	defer ns.Shutdown()

	b, err := New(Config{NATSURL: ns.ClientURL()}, nil)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	assert.Equal(t, "tradepulse.", b.prefix)
	assert.True(t, b.Healthy())
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b, ns := setupTestBus(t)
	defer ns.Shutdown()
	defer func() { _ = b.Close() }()

	sub, err := b.Subscribe(TopicTicks, 16)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	sent := testTick("BTCUSDT", 50000)
	require.NoError(t, b.Publish(context.Background(), TopicTicks, sent))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got market.Tick
	require.NoError(t, sub.Next(ctx, &got))
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, 50000.0, got.LastPrice)
}

func TestPublishAuditEnvelope(t *testing.T) {
	b, ns := setupTestBus(t)
	defer ns.Shutdown()
	defer func() { _ = b.Close() }()

	sub, err := b.Subscribe(TopicAudit, 16)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	record := map[string]string{"actor": "ops@desk", "action": "risk.set_guardrails"}
	require.NoError(t, b.PublishAudit(context.Background(), AuditKindMutation, record))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var entry AuditEntry
	require.NoError(t, sub.Next(ctx, &entry))
	assert.Equal(t, AuditKindMutation, entry.Kind)

	var got map[string]string
	require.NoError(t, json.Unmarshal(entry.Record, &got))
	assert.Equal(t, record, got)
}

func TestTopicIsolation(t *testing.T) {
	b, ns := setupTestBus(t)
	defer ns.Shutdown()
	defer func() { _ = b.Close() }()

	tickSub, err := b.Subscribe(TopicTicks, 16)
	require.NoError(t, err)
	defer func() { _ = tickSub.Unsubscribe() }()

	require.NoError(t, b.Publish(context.Background(), TopicSignals, map[string]string{"side": "BUY"}))
	require.NoError(t, b.Publish(context.Background(), TopicTicks, testTick("ETHUSDT", 3000)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got market.Tick
	require.NoError(t, tickSub.Next(ctx, &got))
	assert.Equal(t, "ETHUSDT", got.Symbol)

	// Nothing else should arrive on the ticks subscription.
	select {
	case data := <-tickSub.C():
		t.Fatalf("unexpected extra delivery: %s", data)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribeGroupDeliversOnce(t *testing.T) {
	b, ns := setupTestBus(t)
	defer ns.Shutdown()
	defer func() { _ = b.Close() }()

	sub1, err := b.SubscribeGroup(TopicOrders, "persisters", 64)
	require.NoError(t, err)
	defer func() { _ = sub1.Unsubscribe() }()

	sub2, err := b.SubscribeGroup(TopicOrders, "persisters", 64)
	require.NoError(t, err)
	defer func() { _ = sub2.Unsubscribe() }()

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), TopicOrders, map[string]int{"seq": i}))
	}

	deadline := time.After(3 * time.Second)
	received := 0
	for received < n {
		select {
		case <-sub1.C():
			received++
		case <-sub2.C():
			received++
		case <-deadline:
			t.Fatalf("timed out with %d of %d deliveries", received, n)
		}
	}

	// At-least-once within the group, never duplicated across members.
	select {
	case <-sub1.C():
		t.Fatal("duplicate delivery to group member 1")
	case <-sub2.C():
		t.Fatal("duplicate delivery to group member 2")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribeGroupRequiresName(t *testing.T) {
	b, ns := setupTestBus(t)
	defer ns.Shutdown()
	defer func() { _ = b.Close() }()

	_, err := b.SubscribeGroup(TopicOrders, "", 16)
	assert.Error(t, err)
}

func TestSubscriptionDropsOldestOnOverflow(t *testing.T) {
	s := &Subscription{topic: TopicTicks, ch: make(chan []byte, 2)}

	s.push([]byte("a"))
	s.push([]byte("b"))
	s.push([]byte("c")) // evicts "a"

	assert.Equal(t, int64(1), s.Dropped())
	assert.Equal(t, []byte("b"), <-s.ch)
	assert.Equal(t, []byte("c"), <-s.ch)
}

func TestPublishConcurrent(t *testing.T) {
	b, ns := setupTestBus(t)
	defer ns.Shutdown()
	defer func() { _ = b.Close() }()

	sub, err := b.Subscribe(TopicEvents, 256)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			ev := NewEvent("test", "info", "BTCUSDT", "concurrent publish").WithField("seq", seq)
			assert.NoError(t, b.PublishEvent(context.Background(), ev))
		}(i)
	}
	wg.Wait()

	deadline := time.After(3 * time.Second)
	for received := 0; received < n; received++ {
		select {
		case <-sub.C():
		case <-deadline:
			t.Fatalf("timed out after %d deliveries", received)
		}
	}
}

func TestNewEventPopulatesIdentity(t *testing.T) {
	ev := NewEvent("feed.outlier", "warn", "BTCUSDT", "price outside trailing band")
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, "feed.outlier", ev.Type)

	ev = ev.WithField("deviation_pct", 12.5)
	assert.Equal(t, 12.5, ev.Fields["deviation_pct"])
}

func TestLastTickCacheNilClient(t *testing.T) {
	cache := NewLastTickCache(nil, LastTickCacheConfig{})
	assert.Nil(t, cache)

	// Nil-safe reads: degraded Redis must not panic the pipeline.
	_, found := cache.Get(context.Background(), "BTCUSDT")
	assert.False(t, found)
	assert.Error(t, cache.Set(context.Background(), testTick("BTCUSDT", 1)))
	assert.Error(t, cache.Mirror(context.Background(), TopicSignals, []byte(`{}`)))
}

func TestLastTickCacheSetGet(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewLastTickCache(client, LastTickCacheConfig{TTL: time.Minute})
	ctx := context.Background()

	_, found := cache.Get(ctx, "BTCUSDT")
	assert.False(t, found, "expected cache miss before first write")

	sent := testTick("BTCUSDT", 50000)
	require.NoError(t, cache.Set(ctx, sent))

	got, found := cache.Get(ctx, "BTCUSDT")
	require.True(t, found)
	assert.Equal(t, sent.Symbol, got.Symbol)
	assert.Equal(t, sent.LastPrice, got.LastPrice)

	// Writes are per symbol.
	_, found = cache.Get(ctx, "ETHUSDT")
	assert.False(t, found)
}

func TestLastTickCacheReplay(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewLastTickCache(client, LastTickCacheConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, cache.Set(ctx, testTick("BTCUSDT", 50000+float64(i))))
	}

	ticks, lastID, err := cache.Replay(ctx, "0", 3)
	require.NoError(t, err)
	require.Len(t, ticks, 3)
	assert.Equal(t, 50000.0, ticks[0].LastPrice)
	assert.NotEqual(t, "0", lastID)

	// Resuming from lastID continues without re-reading.
	rest, _, err := cache.Replay(ctx, lastID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, 50003.0, rest[0].LastPrice)
}

func TestMirrorAppendsTopicStream(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewLastTickCache(client, LastTickCacheConfig{})
	ctx := context.Background()

	require.NoError(t, cache.Mirror(ctx, TopicSignals, []byte(`{"id":"s1"}`)))

	entries, err := client.XRange(ctx, "tradepulse:signals", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, `{"id":"s1"}`, entries[0].Values["data"])
}

func TestMirrorTrimsToMaxLen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewLastTickCache(client, LastTickCacheConfig{MaxLen: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, cache.Mirror(ctx, TopicEvents, []byte(`{}`)))
	}

	n, err := client.XLen(ctx, "tradepulse:events").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestPublishMirrorsSignalsAndEvents(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ns := startTestNATSServer(t)
	defer ns.Shutdown()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewLastTickCache(client, LastTickCacheConfig{})

	b, err := New(Config{NATSURL: ns.ClientURL(), Prefix: "test."}, cache)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, TopicSignals, map[string]string{"id": "sig-1"}))
	require.NoError(t, b.PublishEvent(ctx, NewEvent("test", "info", "BTCUSDT", "mirrored")))
	// Orders fan out without a durable stream.
	require.NoError(t, b.Publish(ctx, TopicOrders, map[string]string{"id": "ord-1"}))

	sigLen, err := client.XLen(ctx, "tradepulse:signals").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), sigLen)

	evLen, err := client.XLen(ctx, "tradepulse:events").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), evLen)

	ordLen, err := client.XLen(ctx, "tradepulse:orders").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), ordLen)
}

func TestPublishTickWriteThrough(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ns := startTestNATSServer(t)
	defer ns.Shutdown()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewLastTickCache(client, LastTickCacheConfig{})

	b, err := New(Config{NATSURL: ns.ClientURL(), Prefix: "test."}, cache)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	sub, err := b.Subscribe(TopicTicks, 16)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	sent := testTick("BTCUSDT", 51000)
	require.NoError(t, b.PublishTick(context.Background(), sent))

	// Fanout delivery.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got market.Tick
	require.NoError(t, sub.Next(ctx, &got))
	assert.Equal(t, 51000.0, got.LastPrice)

	// Write-through cache delivery.
	cached, found := b.GetLastTick(context.Background(), "BTCUSDT")
	require.True(t, found)
	assert.Equal(t, 51000.0, cached.LastPrice)
}

func TestStartEmbeddedServer(t *testing.T) {
	ns, err := StartEmbeddedServer("127.0.0.1", -1)
	require.NoError(t, err)
	defer ns.Shutdown()

	b, err := New(Config{NATSURL: ns.ClientURL()}, nil)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	assert.True(t, b.Healthy())
}
