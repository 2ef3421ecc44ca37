package paper

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepulse/tradepulse/internal/bus"
	"github.com/tradepulse/tradepulse/internal/config"
	"github.com/tradepulse/tradepulse/internal/market"
	"github.com/tradepulse/tradepulse/internal/tickstore"
)

type memStore struct {
	mu        sync.Mutex
	orders    []*tickstore.OrderRecord
	fills     []*tickstore.FillRecord
	trades    []*tickstore.TradeRecord
	positions map[string]*tickstore.PositionRecord
	equity    []*tickstore.EquityRecord
	audits    []*tickstore.AuditRecord
}

func newMemStore() *memStore {
	return &memStore{positions: make(map[string]*tickstore.PositionRecord)}
}

func (s *memStore) InsertOrder(_ context.Context, o *tickstore.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, o)
	return nil
}

func (s *memStore) InsertFill(_ context.Context, f *tickstore.FillRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, f)
	return nil
}

func (s *memStore) InsertTrade(_ context.Context, t *tickstore.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	return nil
}

func (s *memStore) UpsertPosition(_ context.Context, p *tickstore.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.Symbol] = p
	return nil
}

func (s *memStore) InsertEquitySnapshot(_ context.Context, e *tickstore.EquityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.equity = append(s.equity, e)
	return nil
}

func (s *memStore) InsertAudit(_ context.Context, a *tickstore.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, a)
	return nil
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memStore) tradeRecords() []*tickstore.TradeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*tickstore.TradeRecord, len(s.trades))
	copy(out, s.trades)
	return out
}

func (s *memStore) equityCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.equity)
}

func (s *memStore) lastEquity() *tickstore.EquityRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.equity) == 0 {
		return nil
	}
	return s.equity[len(s.equity)-1]
}

func (s *memStore) position(symbol string) *tickstore.PositionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[symbol]
}

type recordedSink struct {
	mu     sync.Mutex
	deltas []float64
}

func (r *recordedSink) RecordRealizedPnL(delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, delta)
}

func (r *recordedSink) total() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := 0.0
	for _, d := range r.deltas {
		sum += d
	}
	return sum
}

func testConfig() config.PaperConfig {
	return config.PaperConfig{
		StartingCash:    10000,
		SlippageBPS:     2,
		FeeTakerBPS:     5,
		FeeMakerBPS:     2,
		StalePriceSec:   60,
		EquityIntervalS: 10,
	}
}

func newTestEngine(t *testing.T) (*Engine, *memStore, *recordedSink) {
	t.Helper()
	store := newMemStore()
	sink := &recordedSink{}
	return New(testConfig(), Deps{Store: store, Realized: sink}, zerolog.Nop()), store, sink
}

func tickAt(symbol string, price float64) market.Tick {
	return market.Tick{Symbol: symbol, Timestamp: time.Now().UTC(), LastPrice: price}
}

func buyNotional(symbol string, notional float64) *market.Order {
	return &market.Order{
		ClientRequestID: ulid.Make().String(),
		Symbol:          symbol,
		Side:            market.SideBuy,
		NotionalUSD:     notional,
	}
}

func sellNotional(symbol string, notional float64) *market.Order {
	o := buyNotional(symbol, notional)
	o.Side = market.SideSell
	return o
}

func TestSubmitOrderBuyRoundTrip(t *testing.T) {
	e, store, sink := newTestEngine(t)
	ctx := context.Background()

	e.OnTick(tickAt("BTCUSDT", 50000))

	entry, err := e.SubmitOrder(ctx, buyNotional("BTCUSDT", 250))
	require.NoError(t, err)
	assert.InDelta(t, 0.005, entry.Quantity, 1e-12)
	assert.InDelta(t, 50010.0, entry.FillPrice, 1e-6)
	assert.InDelta(t, 0.125, entry.FeeUSD, 1e-9)
	assert.Equal(t, market.LiquidityTaker, entry.Liquidity)

	pos, ok := e.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 0.005, pos.Quantity, 1e-12)
	assert.InDelta(t, 50010.0, pos.AvgEntryPrice, 1e-6)

	e.OnTick(tickAt("BTCUSDT", 51000))
	assert.InDelta(t, 4.95, e.UnrealizedPnL(), 0.01)

	exit, err := e.SubmitOrder(ctx, sellNotional("BTCUSDT", 255))
	require.NoError(t, err)
	assert.InDelta(t, 50989.8, exit.FillPrice, 1e-6)
	assert.InDelta(t, 0.1275, exit.FeeUSD, 1e-9)

	_, ok = e.Position("BTCUSDT")
	assert.False(t, ok, "round trip should leave the book flat")

	snap := e.Equity()
	assert.InDelta(t, 4.7715, snap.RealizedPnLToDate, 1e-6)
	assert.InDelta(t, 4.7715, sink.total(), 1e-6)
	assert.Zero(t, snap.UnrealizedPnL)

	trades := store.tradeRecords()
	require.Len(t, trades, 1)
	assert.Equal(t, entry.OrderID, trades[0].OpenOrderID)
	assert.Equal(t, exit.OrderID, trades[0].CloseOrderID)
	assert.InDelta(t, 4.7715, trades[0].RealizedPnLUSD, 1e-6)
}

func TestSubmitOrderIdempotent(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	e.OnTick(tickAt("BTCUSDT", 50000))

	first := &market.Order{
		ClientRequestID: "X",
		Symbol:          "BTCUSDT",
		Side:            market.SideBuy,
		NotionalUSD:     100,
	}
	second := &market.Order{
		ClientRequestID: "X",
		Symbol:          "BTCUSDT",
		Side:            market.SideBuy,
		NotionalUSD:     100,
	}

	fill1, err := e.SubmitOrder(ctx, first)
	require.NoError(t, err)
	fill2, err := e.SubmitOrder(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, fill1, fill2, "resubmission must return the original fill")

	pos, ok := e.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 0.002, pos.Quantity, 1e-12, "the book must mutate exactly once")

	assert.Equal(t, 1, store.orderCount())
	assert.Equal(t, 1, store.equityCount())
}

func TestSubmitOrderStalePrice(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	order := buyNotional("BTCUSDT", 100)
	_, err := e.SubmitOrder(ctx, order)
	require.ErrorIs(t, err, ErrStalePrice, "no tick seen yet")

	e.OnTick(market.Tick{
		Symbol:    "BTCUSDT",
		Timestamp: time.Now().UTC().Add(-61 * time.Second),
		LastPrice: 50000,
	})
	_, err = e.SubmitOrder(ctx, order)
	require.ErrorIs(t, err, ErrStalePrice, "tick older than the freshness window")
	assert.Equal(t, 0, store.orderCount())

	// A fresh tick lets the same client_request_id retry and fill.
	e.OnTick(tickAt("BTCUSDT", 50000))
	fill, err := e.SubmitOrder(ctx, order)
	require.NoError(t, err)
	assert.InDelta(t, 50010.0, fill.FillPrice, 1e-6)
	assert.Equal(t, 1, store.orderCount())
}

func TestSubmitOrderValidation(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	e.OnTick(tickAt("BTCUSDT", 50000))

	tests := []struct {
		name  string
		order *market.Order
	}{
		{"nil order", nil},
		{"unknown symbol", &market.Order{Symbol: "XYZ", Side: market.SideBuy, NotionalUSD: 100}},
		{"flat side", &market.Order{Symbol: "BTCUSDT", Side: market.SideFlat, NotionalUSD: 100}},
		{"negative quantity", &market.Order{Symbol: "BTCUSDT", Side: market.SideBuy, Quantity: -1}},
		{"no size", &market.Order{Symbol: "BTCUSDT", Side: market.SideBuy}},
		{"unknown order type", &market.Order{Symbol: "BTCUSDT", Side: market.SideBuy, NotionalUSD: 100, OrderType: "stop"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.SubmitOrder(ctx, tt.order)
			assert.ErrorIs(t, err, ErrInvalidOrder)
		})
	}
	assert.Equal(t, 0, store.orderCount())
}

func TestFillReversalLaw(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	const notional = 100.0
	e.OnTick(tickAt("ETHUSDT", 20000))

	_, err := e.SubmitOrder(ctx, buyNotional("ETHUSDT", notional))
	require.NoError(t, err)
	_, err = e.SubmitOrder(ctx, sellNotional("ETHUSDT", notional))
	require.NoError(t, err)

	_, ok := e.Position("ETHUSDT")
	assert.False(t, ok)

	// Two slippage legs plus the closing fee, all adverse.
	want := -(2*notional*0.0002 + notional*0.0005)
	assert.InDelta(t, want, e.Equity().RealizedPnLToDate, 1e-9)
}

func TestAveragingAndFlip(t *testing.T) {
	e, store, sink := newTestEngine(t)
	ctx := context.Background()

	e.OnTick(tickAt("BTCUSDT", 50000))
	_, err := e.SubmitOrder(ctx, buyNotional("BTCUSDT", 250))
	require.NoError(t, err)

	e.OnTick(tickAt("BTCUSDT", 52000))
	_, err = e.SubmitOrder(ctx, buyNotional("BTCUSDT", 260))
	require.NoError(t, err)

	pos, ok := e.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 0.01, pos.Quantity, 1e-12)
	assert.InDelta(t, 51010.2, pos.AvgEntryPrice, 1e-6, "volume-weighted entry")

	// Sell more than the long: close 0.01, reopen 0.005 short.
	flip := &market.Order{
		ClientRequestID: ulid.Make().String(),
		Symbol:          "BTCUSDT",
		Side:            market.SideSell,
		Quantity:        0.015,
	}
	_, err = e.SubmitOrder(ctx, flip)
	require.NoError(t, err)

	pos, ok = e.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, -0.005, pos.Quantity, 1e-12)
	assert.InDelta(t, 51989.6, pos.AvgEntryPrice, 1e-6, "flip resets the entry to the fill")

	trades := store.tradeRecords()
	require.Len(t, trades, 1)
	assert.InDelta(t, 9.404, trades[0].RealizedPnLUSD, 1e-6)

	// Close the short.
	e.OnTick(tickAt("BTCUSDT", 51000))
	cover := &market.Order{
		ClientRequestID: ulid.Make().String(),
		Symbol:          "BTCUSDT",
		Side:            market.SideBuy,
		Quantity:        0.005,
	}
	_, err = e.SubmitOrder(ctx, cover)
	require.NoError(t, err)

	_, ok = e.Position("BTCUSDT")
	assert.False(t, ok)

	trades = store.tradeRecords()
	require.Len(t, trades, 2)
	assert.InDelta(t, 4.7695, trades[1].RealizedPnLUSD, 1e-6)
	assert.InDelta(t, 9.404+4.7695, sink.total(), 1e-6)
}

func TestShortMarkToMarket(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	e.OnTick(tickAt("ETHUSDT", 4000))
	fill, err := e.SubmitOrder(ctx, sellNotional("ETHUSDT", 200))
	require.NoError(t, err)
	assert.InDelta(t, 3999.2, fill.FillPrice, 1e-6, "sells slip downward")

	pos, ok := e.Position("ETHUSDT")
	require.True(t, ok)
	assert.InDelta(t, -0.05, pos.Quantity, 1e-12)

	e.OnTick(tickAt("ETHUSDT", 3900))
	assert.InDelta(t, 4.96, e.UnrealizedPnL(), 1e-6, "shorts profit when price falls")
}

func TestMakerFeeOnLimitOrders(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.OnTick(tickAt("BTCUSDT", 50000))
	order := buyNotional("BTCUSDT", 250)
	order.OrderType = market.OrderTypeLimit

	fill, err := e.SubmitOrder(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, market.LiquidityMaker, fill.Liquidity)
	assert.InDelta(t, 0.05, fill.FeeUSD, 1e-9, "maker bps, not taker")
}

func TestSubmitOrderNormalizesSizing(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	e.OnTick(tickAt("BTCUSDT", 50000))

	// Explicit quantity backfills notional at the reference price.
	order := &market.Order{
		Symbol:   "btc/usdt",
		Side:     market.SideBuy,
		Quantity: 0.004,
	}
	fill, err := e.SubmitOrder(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", order.Symbol)
	assert.InDelta(t, 200.0, order.NotionalUSD, 1e-9)
	assert.InDelta(t, 50000.0, order.RequestedPrice, 1e-9)
	assert.InDelta(t, 0.1, fill.FeeUSD, 1e-9)
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, order.ID, order.ClientRequestID, "missing client id defaults to the order id")
	assert.Equal(t, order.ID, fill.OrderID)
}

func TestAccountingIdentity(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	assertIdentity := func() {
		t.Helper()
		snap := e.Equity()
		total := snap.CashBalance
		for _, p := range e.Positions() {
			total += p.Quantity * p.LastMarkPrice
		}
		assert.InDelta(t, snap.Equity, total, 0.01)
	}

	e.OnTick(tickAt("BTCUSDT", 50000))
	e.OnTick(tickAt("ETHUSDT", 3000))
	assertIdentity()

	_, err := e.SubmitOrder(ctx, buyNotional("BTCUSDT", 250))
	require.NoError(t, err)
	assertIdentity()

	_, err = e.SubmitOrder(ctx, buyNotional("ETHUSDT", 300))
	require.NoError(t, err)
	assertIdentity()

	e.OnTick(tickAt("BTCUSDT", 52000))
	e.OnTick(tickAt("ETHUSDT", 2900))
	assertIdentity()

	// Partial close, then a flip to short.
	_, err = e.SubmitOrder(ctx, &market.Order{
		ClientRequestID: ulid.Make().String(),
		Symbol:          "BTCUSDT",
		Side:            market.SideSell,
		Quantity:        0.003,
	})
	require.NoError(t, err)
	assertIdentity()

	_, err = e.SubmitOrder(ctx, sellNotional("ETHUSDT", 600))
	require.NoError(t, err)
	assertIdentity()

	e.OnTick(tickAt("ETHUSDT", 3100))
	assertIdentity()
}

func TestDrawdownFromMonotonicPeak(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	e.OnTick(tickAt("BTCUSDT", 50000))
	_, err := e.SubmitOrder(ctx, buyNotional("BTCUSDT", 250))
	require.NoError(t, err)

	e.OnTick(tickAt("BTCUSDT", 51000))
	snap := e.Equity()
	assert.InDelta(t, 10004.825, snap.Equity, 1e-6)
	assert.Zero(t, snap.DrawdownPct, "at the peak")

	e.OnTick(tickAt("BTCUSDT", 49000))
	snap = e.Equity()
	assert.InDelta(t, 9994.825, snap.Equity, 1e-6)
	assert.InDelta(t, -10.0/10004.825, snap.DrawdownPct, 1e-9)

	// Recovering to the old high clears the drawdown without moving the peak.
	e.OnTick(tickAt("BTCUSDT", 51000))
	snap = e.Equity()
	assert.Zero(t, snap.DrawdownPct)
	assert.InDelta(t, 10004.825, snap.Equity, 1e-6)
}

func TestEquitySnapshotOnFill(t *testing.T) {
	e, store, _ := newTestEngine(t)

	e.OnTick(tickAt("BTCUSDT", 50000))
	_, err := e.SubmitOrder(context.Background(), buyNotional("BTCUSDT", 250))
	require.NoError(t, err)

	require.Equal(t, 1, store.equityCount())
	rec := store.lastEquity()
	assert.InDelta(t, 9749.825, rec.CashBalance, 1e-6)
	assert.InDelta(t, -0.05, rec.UnrealizedPnL, 1e-6, "entry slippage marks against the book")
	assert.InDelta(t, 9999.825, rec.Equity, 1e-6)
}

func TestRunSnapshotsPeriodically(t *testing.T) {
	store := newMemStore()
	cfg := testConfig()
	cfg.EquityIntervalS = 1
	e := New(cfg, Deps{Store: store}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return store.equityCount() >= 2 },
		5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestResetClosesBook(t *testing.T) {
	e, store, sink := newTestEngine(t)
	ctx := context.Background()

	e.OnTick(tickAt("BTCUSDT", 50000))
	entry := buyNotional("BTCUSDT", 250)
	_, err := e.SubmitOrder(ctx, entry)
	require.NoError(t, err)
	e.OnTick(tickAt("BTCUSDT", 51000))

	after := e.Reset("ops")

	assert.InDelta(t, 10000.0, after.CashBalance, 1e-9)
	assert.InDelta(t, 10000.0, after.Equity, 1e-9)
	assert.Zero(t, after.RealizedPnLToDate)
	assert.Zero(t, after.UnrealizedPnL)
	assert.Zero(t, after.DrawdownPct)
	assert.Empty(t, e.Positions())

	// The fee-free close at the 51000 mark still reported its delta.
	assert.InDelta(t, 4.95, sink.total(), 1e-6)

	trades := store.tradeRecords()
	require.Len(t, trades, 1)
	assert.True(t, strings.HasPrefix(trades[0].CloseOrderID, "reset-"))
	assert.InDelta(t, 4.95, trades[0].RealizedPnLUSD, 1e-6)

	store.mu.Lock()
	require.Len(t, store.audits, 1)
	assert.Equal(t, "paper.reset", store.audits[0].Action)
	assert.Equal(t, "ops", store.audits[0].Actor)
	store.mu.Unlock()

	rec := store.position("BTCUSDT")
	require.NotNil(t, rec)
	assert.Zero(t, rec.QuantitySigned)

	// Reset starts a fresh idempotency epoch.
	refill, err := e.SubmitOrder(ctx, &market.Order{
		ClientRequestID: entry.ClientRequestID,
		Symbol:          "BTCUSDT",
		Side:            market.SideBuy,
		NotionalUSD:     250,
	})
	require.NoError(t, err)
	assert.InDelta(t, 51010.2, refill.FillPrice, 1e-6)
	assert.Equal(t, 2, store.orderCount())
}

func TestSubmitOrderPublishesFillAndTrade(t *testing.T) {
	ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	defer ns.Shutdown()

	events, err := bus.New(bus.Config{NATSURL: ns.ClientURL(), Prefix: "test."}, nil)
	require.NoError(t, err)
	defer func() { _ = events.Close() }()

	fillSub, err := events.Subscribe(bus.TopicFills, 16)
	require.NoError(t, err)
	defer func() { _ = fillSub.Unsubscribe() }()

	evSub, err := events.Subscribe(bus.TopicEvents, 16)
	require.NoError(t, err)
	defer func() { _ = evSub.Unsubscribe() }()

	e := New(testConfig(), Deps{Events: events}, zerolog.Nop())
	ctx := context.Background()

	e.OnTick(tickAt("BTCUSDT", 50000))
	_, err = e.SubmitOrder(ctx, buyNotional("BTCUSDT", 250))
	require.NoError(t, err)
	e.OnTick(tickAt("BTCUSDT", 51000))
	_, err = e.SubmitOrder(ctx, sellNotional("BTCUSDT", 255))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var first market.Fill
	require.NoError(t, fillSub.Next(waitCtx, &first))
	assert.Equal(t, "BTCUSDT", first.Symbol)
	assert.InDelta(t, 50010.0, first.FillPrice, 1e-6)

	var second market.Fill
	require.NoError(t, fillSub.Next(waitCtx, &second))
	assert.Equal(t, market.SideSell, second.Side)

	var ev bus.Event
	require.NoError(t, evSub.Next(waitCtx, &ev))
	assert.Equal(t, bus.EventTradeClosed, ev.Type)
	assert.Equal(t, "BTCUSDT", ev.Symbol)
}

func TestFillPublishesEquitySnapshot(t *testing.T) {
	ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	defer ns.Shutdown()

	events, err := bus.New(bus.Config{NATSURL: ns.ClientURL(), Prefix: "test."}, nil)
	require.NoError(t, err)
	defer func() { _ = events.Close() }()

	sub, err := events.Subscribe(bus.TopicEquity, 16)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	e := New(testConfig(), Deps{Events: events}, zerolog.Nop())
	ctx := context.Background()

	e.OnTick(tickAt("BTCUSDT", 50000))
	_, err = e.SubmitOrder(ctx, buyNotional("BTCUSDT", 250))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var snap market.EquitySnapshot
	require.NoError(t, sub.Next(waitCtx, &snap))
	assert.InDelta(t, 10000-250, snap.CashBalance, 0.5, "cash drops by the filled notional plus fee")
	assert.Less(t, snap.Equity, 10000.0, "slippage and fee cost show at the first mark")
	assert.Greater(t, snap.Equity, 9900.0)
}
