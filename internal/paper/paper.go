// Package paper simulates order execution against live exchange prices.
//
// The engine is the single writer for positions and cash. Fills happen
// at the latest tick price moved adversely by a slippage allowance,
// with taker or maker fees debited from cash. Submissions are
// idempotent on client_request_id: a resubmission returns the original
// fill and leaves the book untouched.
package paper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/tradepulse/tradepulse/internal/bus"
	"github.com/tradepulse/tradepulse/internal/config"
	"github.com/tradepulse/tradepulse/internal/market"
	"github.com/tradepulse/tradepulse/internal/metrics"
	"github.com/tradepulse/tradepulse/internal/symbols"
	"github.com/tradepulse/tradepulse/internal/tickstore"
)

var (
	// ErrStalePrice means no tick fresh enough to price a fill.
	ErrStalePrice = errors.New("stale price")

	// ErrInvalidOrder marks order validation failures at the boundary.
	ErrInvalidOrder = errors.New("invalid order")
)

// storeTimeout bounds every store write. The in-memory book is the
// source of truth; writes never inherit the caller's cancellation.
const storeTimeout = 5 * time.Second

// closedDust is the quantity below which a position counts as flat.
const closedDust = 1e-12

// Store persists the execution trail. *tickstore.Store satisfies it.
type Store interface {
	InsertOrder(ctx context.Context, o *tickstore.OrderRecord) error
	InsertFill(ctx context.Context, f *tickstore.FillRecord) error
	InsertTrade(ctx context.Context, t *tickstore.TradeRecord) error
	UpsertPosition(ctx context.Context, p *tickstore.PositionRecord) error
	InsertEquitySnapshot(ctx context.Context, e *tickstore.EquityRecord) error
	InsertAudit(ctx context.Context, a *tickstore.AuditRecord) error
}

// RealizedSink receives realized P&L deltas as closes land. The risk
// gate feeds its daily loss counter from them.
type RealizedSink interface {
	RecordRealizedPnL(delta float64)
}

// Deps are the engine's collaborators. Nil fields disable the
// corresponding side effects.
type Deps struct {
	Store    Store
	Events   *bus.Bus
	Realized RealizedSink
}

type mark struct {
	price float64
	at    time.Time
}

// position is the working state for one symbol. The exported snapshot
// shape is market.Position.
type position struct {
	qty         float64 // signed; shorts negative
	avgEntry    float64
	openedAt    time.Time
	openOrderID string
	realized    float64 // accumulated within the current round trip
	lastMark    float64
	lastMarkAt  time.Time
}

func (p *position) snapshot(symbol string) market.Position {
	return market.Position{
		Symbol:        symbol,
		Quantity:      p.qty,
		AvgEntryPrice: p.avgEntry,
		UnrealizedPnL: p.qty * (p.lastMark - p.avgEntry),
		OpenedAt:      p.openedAt,
		LastMarkPrice: p.lastMark,
		LastMarkAt:    p.lastMarkAt,
	}
}

// Engine simulates fills and owns the paper account. All state lives
// behind one mutex; store writes happen under it so position rows land
// in mutation order.
type Engine struct {
	cfg  config.PaperConfig
	deps Deps
	log  zerolog.Logger

	mu        sync.Mutex
	cash      float64
	realized  float64 // realized P&L since start or last reset
	peak      float64 // monotonic equity high-water mark
	positions map[string]*position
	marks     map[string]mark
	fills     map[string]market.Fill // prior fills by client_request_id
	lastSnap  time.Time
}

// New builds a flat paper account holding cfg.StartingCash.
func New(cfg config.PaperConfig, deps Deps, logger zerolog.Logger) *Engine {
	if cfg.StartingCash <= 0 {
		cfg.StartingCash = 10000
	}
	if cfg.StalePriceSec <= 0 {
		cfg.StalePriceSec = 60
	}
	if cfg.EquityIntervalS <= 0 {
		cfg.EquityIntervalS = 10
	}
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		log:       logger.With().Str("component", "paper").Logger(),
		cash:      cfg.StartingCash,
		peak:      cfg.StartingCash,
		positions: make(map[string]*position),
		marks:     make(map[string]mark),
		fills:     make(map[string]market.Fill),
	}
}

// OnTick refreshes the symbol's mark and re-marks any open position.
// The equity peak only ever moves up.
func (e *Engine) OnTick(t market.Tick) {
	if t.LastPrice <= 0 {
		return
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	e.mu.Lock()
	e.marks[t.Symbol] = mark{price: t.LastPrice, at: ts}
	if p, ok := e.positions[t.Symbol]; ok {
		p.lastMark = t.LastPrice
		p.lastMarkAt = ts
	}
	e.equityLocked(ts)
	e.mu.Unlock()
}

// SubmitOrder fills the order at the latest mark plus an adverse
// slippage allowance. The order's ID, ClientRequestID, Quantity and
// NotionalUSD are normalized in place; quantity derives from
// notional_usd at the pre-slippage reference price when unset.
func (e *Engine) SubmitOrder(ctx context.Context, order *market.Order) (market.Fill, error) {
	if err := validate(order); err != nil {
		return market.Fill{}, err
	}
	now := time.Now().UTC()
	order.Symbol = symbols.Canonical(order.Symbol)
	if order.ID == "" {
		order.ID = ulid.Make().String()
	}
	if order.ClientRequestID == "" {
		order.ClientRequestID = order.ID
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.OrderType == "" {
		order.OrderType = market.OrderTypeMarket
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prev, ok := e.fills[order.ClientRequestID]; ok {
		e.log.Debug().
			Str("client_request_id", order.ClientRequestID).
			Str("symbol", order.Symbol).
			Msg("Duplicate order returned prior fill")
		return prev, nil
	}

	mk, ok := e.marks[order.Symbol]
	if !ok || now.Sub(mk.at) > time.Duration(e.cfg.StalePriceSec)*time.Second {
		metrics.RecordError("stale_price", "paper")
		return market.Fill{}, fmt.Errorf("%w: no tick for %s within %ds",
			ErrStalePrice, order.Symbol, e.cfg.StalePriceSec)
	}

	reference := mk.price
	if order.Quantity <= 0 {
		order.Quantity = order.NotionalUSD / reference
	}
	order.NotionalUSD = order.Quantity * reference
	order.RequestedPrice = reference

	feeBPS := e.cfg.FeeTakerBPS
	liquidity := market.LiquidityTaker
	if order.OrderType == market.OrderTypeLimit {
		feeBPS = e.cfg.FeeMakerBPS
		liquidity = market.LiquidityMaker
	}

	slip := e.cfg.SlippageBPS / 10000
	fillPrice := reference * (1 + slip)
	if order.Side == market.SideSell {
		fillPrice = reference * (1 - slip)
	}
	fee := order.NotionalUSD * feeBPS / 10000

	fill := market.Fill{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    order.Quantity,
		FillPrice:   fillPrice,
		SlippageBPS: e.cfg.SlippageBPS,
		FeeUSD:      fee,
		Liquidity:   liquidity,
		FilledAt:    now,
	}

	if order.Side == market.SideBuy {
		e.cash -= order.Quantity*fillPrice + fee
	} else {
		e.cash += order.Quantity*fillPrice - fee
	}

	trade := e.applyFillLocked(order, fill, reference, now)
	e.fills[order.ClientRequestID] = fill

	e.persistFillLocked(order, fill, trade, now)
	e.publishFill(ctx, order, fill, trade)
	metrics.RecordFill(string(order.Side), liquidity, e.cfg.SlippageBPS)
	e.snapshotLocked(now)

	e.log.Info().
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("quantity", fill.Quantity).
		Float64("fill_price", fill.FillPrice).
		Float64("fee_usd", fill.FeeUSD).
		Str("order_id", order.ID).
		Msg("Order filled")

	return fill, nil
}

func validate(o *market.Order) error {
	if o == nil {
		return fmt.Errorf("%w: nil order", ErrInvalidOrder)
	}
	if !symbols.Valid(o.Symbol) {
		return fmt.Errorf("%w: bad symbol %q", ErrInvalidOrder, o.Symbol)
	}
	if o.Side != market.SideBuy && o.Side != market.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL, got %q", ErrInvalidOrder, o.Side)
	}
	if o.Quantity < 0 {
		return fmt.Errorf("%w: negative quantity", ErrInvalidOrder)
	}
	if o.Quantity == 0 && o.NotionalUSD <= 0 {
		return fmt.Errorf("%w: quantity or notional_usd required", ErrInvalidOrder)
	}
	if o.OrderType != "" && o.OrderType != market.OrderTypeMarket && o.OrderType != market.OrderTypeLimit {
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, o.OrderType)
	}
	return nil
}

// applyFillLocked folds one fill into the book. It returns a completed
// round trip when the position comes back through zero, else nil.
func (e *Engine) applyFillLocked(order *market.Order, fill market.Fill, reference float64, now time.Time) *market.Trade {
	dir := 1.0
	if order.Side == market.SideSell {
		dir = -1
	}
	signed := dir * fill.Quantity

	p, ok := e.positions[order.Symbol]
	if !ok || p.qty == 0 {
		e.positions[order.Symbol] = &position{
			qty:         signed,
			avgEntry:    fill.FillPrice,
			openedAt:    now,
			openOrderID: order.ID,
			lastMark:    reference,
			lastMarkAt:  now,
		}
		return nil
	}

	p.lastMark = reference
	p.lastMarkAt = now

	if (p.qty > 0) == (signed > 0) {
		// Same direction: volume-weighted average entry.
		oldAbs := math.Abs(p.qty)
		p.avgEntry = (oldAbs*p.avgEntry + fill.Quantity*fill.FillPrice) / (oldAbs + fill.Quantity)
		p.qty += signed
		return nil
	}

	// Opposite direction: realize P&L on the closed portion.
	oldQty := p.qty
	closed := math.Min(math.Abs(oldQty), fill.Quantity)
	delta := closed*(fill.FillPrice-p.avgEntry)*sign(oldQty) - fill.FeeUSD
	e.realized += delta
	p.realized += delta
	if e.deps.Realized != nil {
		e.deps.Realized.RecordRealizedPnL(delta)
	}

	remaining := math.Abs(oldQty) - fill.Quantity
	if remaining > closedDust {
		p.qty = sign(oldQty) * remaining
		return nil
	}

	trade := &market.Trade{
		ID:             ulid.Make().String(),
		Symbol:         order.Symbol,
		OpenOrderID:    p.openOrderID,
		CloseOrderID:   order.ID,
		RealizedPnLUSD: p.realized,
		ClosedAt:       now,
	}
	if remaining < -closedDust {
		// Crossed zero: the excess reopens on the other side.
		p.qty = oldQty + signed
		p.avgEntry = fill.FillPrice
		p.openedAt = now
		p.openOrderID = order.ID
		p.realized = 0
	} else {
		p.qty = 0
		p.avgEntry = 0
		p.realized = 0
	}
	return trade
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}

func (e *Engine) persistFillLocked(order *market.Order, fill market.Fill, trade *market.Trade, now time.Time) {
	if e.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var signalID *string
	if order.SignalID != "" {
		signalID = &order.SignalID
	}
	if err := e.deps.Store.InsertOrder(ctx, &tickstore.OrderRecord{
		ID:              order.ID,
		ClientRequestID: order.ClientRequestID,
		SignalID:        signalID,
		Symbol:          order.Symbol,
		Side:            order.Side,
		OrderType:       order.OrderType,
		Status:          market.OrderStatusFilled,
		Quantity:        order.Quantity,
		NotionalUSD:     order.NotionalUSD,
		RequestedPrice:  order.RequestedPrice,
		CreatedAt:       order.CreatedAt,
	}); err != nil {
		e.log.Error().Err(err).Str("order_id", order.ID).Msg("Order write failed")
		metrics.RecordError("order_write", "paper")
	}

	if err := e.deps.Store.InsertFill(ctx, &tickstore.FillRecord{
		OrderID:     fill.OrderID,
		Symbol:      fill.Symbol,
		Side:        fill.Side,
		Quantity:    fill.Quantity,
		FillPrice:   fill.FillPrice,
		SlippageBPS: fill.SlippageBPS,
		FeeUSD:      fill.FeeUSD,
		Liquidity:   fill.Liquidity,
		FilledAt:    fill.FilledAt,
	}); err != nil {
		e.log.Error().Err(err).Str("order_id", order.ID).Msg("Fill write failed")
		metrics.RecordError("fill_write", "paper")
	}

	e.upsertPositionLocked(ctx, order.Symbol, now)

	if trade != nil {
		if err := e.deps.Store.InsertTrade(ctx, &tickstore.TradeRecord{
			ID:             trade.ID,
			Symbol:         trade.Symbol,
			OpenOrderID:    trade.OpenOrderID,
			CloseOrderID:   trade.CloseOrderID,
			RealizedPnLUSD: trade.RealizedPnLUSD,
			ClosedAt:       trade.ClosedAt,
		}); err != nil {
			e.log.Error().Err(err).Str("trade_id", trade.ID).Msg("Trade write failed")
			metrics.RecordError("trade_write", "paper")
		}
	}
}

func (e *Engine) upsertPositionLocked(ctx context.Context, symbol string, now time.Time) {
	p, ok := e.positions[symbol]
	if !ok {
		return
	}
	rec := &tickstore.PositionRecord{
		Symbol:         symbol,
		QuantitySigned: p.qty,
		AvgEntryPrice:  p.avgEntry,
		UnrealizedPnL:  p.qty * (p.lastMark - p.avgEntry),
		LastMarkPrice:  p.lastMark,
		LastMarkAt:     p.lastMarkAt,
		UpdatedAt:      now,
	}
	if p.qty != 0 {
		opened := p.openedAt
		rec.OpenedAt = &opened
	}
	if err := e.deps.Store.UpsertPosition(ctx, rec); err != nil {
		e.log.Error().Err(err).Str("symbol", symbol).Msg("Position write failed")
		metrics.RecordError("position_write", "paper")
	}
}

func (e *Engine) publishFill(ctx context.Context, order *market.Order, fill market.Fill, trade *market.Trade) {
	if e.deps.Events == nil {
		return
	}
	if err := e.deps.Events.Publish(ctx, bus.TopicOrders, order); err != nil {
		e.log.Warn().Err(err).Msg("Order publish failed")
	}
	if err := e.deps.Events.Publish(ctx, bus.TopicFills, fill); err != nil {
		e.log.Warn().Err(err).Msg("Fill publish failed")
	}
	if trade != nil {
		ev := bus.NewEvent(bus.EventTradeClosed, bus.SeverityInfo, trade.Symbol,
			fmt.Sprintf("Round trip closed, realized %.2f USD", trade.RealizedPnLUSD)).
			WithField("trade_id", trade.ID).
			WithField("realized_pnl_usd", trade.RealizedPnLUSD)
		if err := e.deps.Events.PublishEvent(ctx, ev); err != nil {
			e.log.Warn().Err(err).Msg("Trade event publish failed")
		}
	}
}

// equityLocked computes the current snapshot, advancing the peak. The
// second return is the open position count.
func (e *Engine) equityLocked(now time.Time) (market.EquitySnapshot, int) {
	equity := e.cash
	unrealized := 0.0
	open := 0
	for _, p := range e.positions {
		if p.qty == 0 {
			continue
		}
		equity += p.qty * p.lastMark
		unrealized += p.qty * (p.lastMark - p.avgEntry)
		open++
	}
	if equity > e.peak {
		e.peak = equity
	}
	drawdown := 0.0
	if e.peak > 0 {
		drawdown = (equity - e.peak) / e.peak
	}
	return market.EquitySnapshot{
		Timestamp:         now,
		CashBalance:       e.cash,
		UnrealizedPnL:     unrealized,
		RealizedPnLToDate: e.realized,
		Equity:            equity,
		DrawdownPct:       drawdown,
	}, open
}

// snapshotLocked appends an equity point, fans it out on the equity
// topic and refreshes the gauges.
func (e *Engine) snapshotLocked(now time.Time) {
	snap, open := e.equityLocked(now)
	metrics.UpdatePortfolio(snap.Equity, snap.DrawdownPct, snap.UnrealizedPnL, snap.RealizedPnLToDate, open)
	e.lastSnap = now

	if e.deps.Store == nil && e.deps.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if e.deps.Events != nil {
		if err := e.deps.Events.Publish(ctx, bus.TopicEquity, snap); err != nil {
			e.log.Warn().Err(err).Msg("Equity publish failed")
		}
	}

	if e.deps.Store == nil {
		return
	}
	if err := e.deps.Store.InsertEquitySnapshot(ctx, &tickstore.EquityRecord{
		Timestamp:         snap.Timestamp,
		CashBalance:       snap.CashBalance,
		UnrealizedPnL:     snap.UnrealizedPnL,
		RealizedPnLToDate: snap.RealizedPnLToDate,
		Equity:            snap.Equity,
		DrawdownPct:       snap.DrawdownPct,
	}); err != nil {
		e.log.Error().Err(err).Msg("Equity snapshot write failed")
		metrics.RecordError("equity_write", "paper")
	}
}

// Run appends periodic equity snapshots until ctx is done. Fills
// snapshot on their own; the ticker only fires for idle stretches.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Duration(e.cfg.EquityIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info().
		Float64("starting_cash", e.cfg.StartingCash).
		Float64("slippage_bps", e.cfg.SlippageBPS).
		Dur("equity_interval", interval).
		Msg("Paper engine ready")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now().UTC()
			e.mu.Lock()
			if now.Sub(e.lastSnap) >= interval {
				e.snapshotLocked(now)
			}
			e.mu.Unlock()
		}
	}
}

// Reset closes every open position at its last mark without fees,
// zeroes realized P&L and reseeds cash to the configured starting
// balance. Closures still report realized deltas to the sink and land
// in the trades table with a synthetic close reference.
func (e *Engine) Reset(actor string) market.EquitySnapshot {
	now := time.Now().UTC()
	resetRef := "reset-" + ulid.Make().String()

	e.mu.Lock()
	defer e.mu.Unlock()

	before, _ := e.equityLocked(now)

	var wctx context.Context
	var cancel context.CancelFunc
	if e.deps.Store != nil {
		wctx, cancel = context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
	}

	for sym, p := range e.positions {
		if p.qty == 0 {
			continue
		}
		delta := p.qty * (p.lastMark - p.avgEntry)
		e.realized += delta
		p.realized += delta
		if e.deps.Realized != nil {
			e.deps.Realized.RecordRealizedPnL(delta)
		}
		e.cash += p.qty * p.lastMark

		if e.deps.Store != nil {
			if err := e.deps.Store.InsertTrade(wctx, &tickstore.TradeRecord{
				ID:             ulid.Make().String(),
				Symbol:         sym,
				OpenOrderID:    p.openOrderID,
				CloseOrderID:   resetRef,
				RealizedPnLUSD: p.realized,
				ClosedAt:       now,
			}); err != nil {
				e.log.Error().Err(err).Str("symbol", sym).Msg("Trade write failed")
				metrics.RecordError("trade_write", "paper")
			}
		}

		p.qty = 0
		p.avgEntry = 0
		p.realized = 0
		if e.deps.Store != nil {
			e.upsertPositionLocked(wctx, sym, now)
		}
	}

	e.cash = e.cfg.StartingCash
	e.realized = 0
	e.peak = e.cfg.StartingCash
	e.positions = make(map[string]*position)
	e.fills = make(map[string]market.Fill)

	after, _ := e.equityLocked(now)

	if e.deps.Store != nil {
		beforeJSON, _ := json.Marshal(before)
		afterJSON, _ := json.Marshal(after)
		if err := e.deps.Store.InsertAudit(wctx, &tickstore.AuditRecord{
			ID:     ulid.Make().String(),
			Ts:     now,
			Actor:  actor,
			Action: "paper.reset",
			Before: beforeJSON,
			After:  afterJSON,
		}); err != nil {
			e.log.Error().Err(err).Msg("Audit write failed")
			metrics.RecordError("audit_write", "paper")
		}
	}

	e.snapshotLocked(now)
	e.log.Warn().Str("actor", actor).Float64("cash", e.cash).Msg("Paper account reset")
	return after
}

// PositionNotional returns the symbol's signed open notional at the
// latest mark, zero when the book holds no position.
func (e *Engine) PositionNotional(symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.positions[symbol]; ok {
		return p.qty * p.lastMark
	}
	return 0
}

// UnrealizedPnL sums open-position P&L at the latest marks.
func (e *Engine) UnrealizedPnL() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0.0
	for _, p := range e.positions {
		if p.qty != 0 {
			total += p.qty * (p.lastMark - p.avgEntry)
		}
	}
	return total
}

// Position returns a snapshot of one symbol's open holdings.
func (e *Engine) Position(symbol string) (market.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[symbol]
	if !ok || p.qty == 0 {
		return market.Position{}, false
	}
	return p.snapshot(symbol), true
}

// Positions returns every open position, sorted by symbol.
func (e *Engine) Positions() []market.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]market.Position, 0, len(e.positions))
	for sym, p := range e.positions {
		if p.qty == 0 {
			continue
		}
		out = append(out, p.snapshot(sym))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Equity computes the current snapshot without persisting it.
func (e *Engine) Equity() market.EquitySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap, _ := e.equityLocked(time.Now().UTC())
	return snap
}
