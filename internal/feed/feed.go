// Package feed maintains the exchange websocket connection and turns
// raw frames into clean, deduplicated ticks.
//
// The pipeline per frame: normalize -> dedup -> outlier gate -> fan out
// (feature cache, bus, batch writer). A read deadline acts as the
// heartbeat sentinel so silent server failures trigger a reconnect, and
// every reconnect re-subscribes the full symbol universe.
package feed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tradepulse/tradepulse/internal/backoff"
	"github.com/tradepulse/tradepulse/internal/bus"
	"github.com/tradepulse/tradepulse/internal/config"
	"github.com/tradepulse/tradepulse/internal/market"
	"github.com/tradepulse/tradepulse/internal/metrics"
)

// Connection states, exposed through Status for the health surface.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateSubscribing  = "subscribing"
	StateStreaming    = "streaming"
)

const (
	writeTimeout = 10 * time.Second
	// outlierEventInterval throttles OutlierRejected bus events per symbol;
	// the counter metric still sees every rejection.
	outlierEventInterval = 10 * time.Second
)

// FeatureSink consumes every accepted tick. The feature cache
// implements it; nil disables the hop.
type FeatureSink interface {
	ObserveTick(tick market.Tick)
}

// Status is a point-in-time snapshot of the feed connection.
type Status struct {
	State          string    `json:"state"`
	URL            string    `json:"url"`
	Symbols        []string  `json:"symbols"`
	ConnectedAt    time.Time `json:"connected_at,omitempty"`
	LastTickAt     time.Time `json:"last_tick_at,omitempty"`
	Reconnects     int64     `json:"reconnects"`
	PendingBatches int       `json:"pending_batches"`
}

// Feed owns the websocket connection to the exchange and the per-symbol
// dedup and outlier state. One Feed serves the whole symbol universe.
type Feed struct {
	cfg        config.FeedConfig
	symbols    []string
	normalizer *Normalizer
	batcher    *Batcher
	events     *bus.Bus
	features   FeatureSink
	log        zerolog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	// Owned by the read loop goroutine; no locking needed.
	dedup       map[string]*dedupRing
	medians     map[string]*medianWindow
	lastTick    map[string]time.Time
	lastOutlier map[string]time.Time

	stateMu     sync.RWMutex
	state       string
	connectedAt time.Time
	lastTickAt  time.Time
	reconnects  atomic.Int64
}

// New builds a Feed for the given symbol universe. The feature sink may
// be nil.
func New(cfg config.FeedConfig, syms []string, batcher *Batcher, events *bus.Bus, features FeatureSink, logger zerolog.Logger) *Feed {
	f := &Feed{
		cfg:         cfg,
		symbols:     syms,
		normalizer:  NewNormalizer(syms),
		batcher:     batcher,
		events:      events,
		features:    features,
		log:         logger.With().Str("component", "feed").Logger(),
		dedup:       make(map[string]*dedupRing, len(syms)),
		medians:     make(map[string]*medianWindow, len(syms)),
		lastTick:    make(map[string]time.Time, len(syms)),
		lastOutlier: make(map[string]time.Time, len(syms)),
		state:       StateDisconnected,
	}
	outlierWindow := time.Duration(cfg.OutlierWindow) * time.Second
	for _, sym := range syms {
		f.dedup[sym] = newDedupRing(cfg.DedupWindow)
		f.medians[sym] = newMedianWindow(outlierWindow)
	}
	return f
}

// Run connects and maintains the websocket session until ctx is done.
// Reconnects follow the platform backoff schedule; the attempt counter
// resets once a connection has delivered at least one frame.
func (f *Feed) Run(ctx context.Context) error {
	policy := backoff.Default()
	attempt := 0

	for {
		frames, err := f.connectAndStream(ctx)
		if ctx.Err() != nil {
			f.setState(StateDisconnected)
			return ctx.Err()
		}

		metrics.RecordFeedDisconnect(err)
		f.setState(StateDisconnected)
		f.publishEvent(ctx, bus.EventFeedDisconnected, bus.SeverityWarning,
			fmt.Sprintf("feed disconnected: %v", err))

		if frames > 0 {
			attempt = 0
		}
		delay := policy.Delay(attempt)
		attempt++
		f.reconnects.Add(1)
		metrics.FeedReconnects.Inc()

		f.log.Warn().Err(err).
			Dur("backoff", delay).
			Int("attempt", attempt).
			Int64("frames_last_session", frames).
			Msg("Feed disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connectAndStream runs one connection session and returns the number
// of frames it delivered along with the terminating error.
func (f *Feed) connectAndStream(ctx context.Context) (int64, error) {
	f.setState(StateConnecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.WSURL, nil)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", f.cfg.WSURL, err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		_ = conn.Close()
		f.conn = nil
		f.connMu.Unlock()
		metrics.FeedConnected.Set(0)
	}()

	f.setState(StateSubscribing)
	if err := f.subscribe(); err != nil {
		return 0, fmt.Errorf("subscribe: %w", err)
	}

	f.stateMu.Lock()
	f.state = StateStreaming
	f.connectedAt = time.Now()
	f.stateMu.Unlock()

	metrics.FeedConnected.Set(1)
	f.log.Info().
		Str("url", f.cfg.WSURL).
		Strs("symbols", f.symbols).
		Strs("channels", f.cfg.Channels).
		Msg("Feed connected")
	f.publishEvent(ctx, bus.EventFeedConnected, bus.SeverityInfo,
		fmt.Sprintf("subscribed %d symbols", len(f.symbols)))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	heartbeat := f.cfg.GetHeartbeatTimeout()
	var frames int64
	for {
		if ctx.Err() != nil {
			return frames, ctx.Err()
		}

		if err := conn.SetReadDeadline(time.Now().Add(heartbeat)); err != nil {
			return frames, fmt.Errorf("set read deadline: %w", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return frames, fmt.Errorf("read: %w", err)
		}
		frames++

		f.handleFrame(ctx, data)
	}
}

// subscribe sends one SUBSCRIPTION request covering every symbol and
// channel. Called on every (re)connect.
func (f *Feed) subscribe() error {
	msg := map[string]any{
		"method": "SUBSCRIPTION",
		"params": SubscriptionParams(f.symbols, f.cfg.Channels),
	}
	return f.writeJSON(msg)
}

func (f *Feed) pingLoop(ctx context.Context) {
	interval := time.Duration(f.cfg.PingInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(map[string]any{"method": "PING"}); err != nil {
				f.log.Warn().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errors.New("websocket not connected")
	}
	if err := f.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return f.conn.WriteJSON(v)
}

// handleFrame runs the per-frame pipeline. Errors never terminate the
// session; malformed input is counted and skipped.
func (f *Feed) handleFrame(ctx context.Context, data []byte) {
	ticks, err := f.normalizer.Normalize(data)
	if err != nil {
		if errors.Is(err, ErrUnknownSymbol) {
			metrics.UnknownSymbolFrames.Inc()
			f.log.Debug().Err(err).Msg("Frame for unsubscribed symbol")
			return
		}
		metrics.MalformedFrames.Inc()
		f.log.Debug().Err(err).Int("bytes", len(data)).Msg("Malformed frame")
		return
	}

	for _, tick := range ticks {
		f.handleTick(ctx, tick)
	}
}

func (f *Feed) handleTick(ctx context.Context, tick market.Tick) {
	sym := tick.Symbol

	ring, ok := f.dedup[sym]
	if !ok {
		metrics.UnknownSymbolFrames.Inc()
		return
	}
	if ring.Seen(tickHash(tick)) {
		metrics.TicksDeduped.WithLabelValues(sym).Inc()
		return
	}

	mw := f.medians[sym]
	if med, ok := mw.Median(tick.Timestamp); ok {
		dev := math.Abs(tick.LastPrice-med) / med
		if dev > f.cfg.OutlierPct {
			metrics.OutliersRejected.WithLabelValues(sym).Inc()
			f.rejectOutlier(ctx, tick, med, dev)
			return
		}
	}
	mw.Add(tick.Timestamp, tick.LastPrice)

	var gap float64
	if last, ok := f.lastTick[sym]; ok {
		gap = tick.Timestamp.Sub(last).Seconds()
	}
	f.lastTick[sym] = tick.Timestamp
	metrics.RecordTick(sym, gap)

	f.stateMu.Lock()
	f.lastTickAt = time.Now()
	f.stateMu.Unlock()

	if f.features != nil {
		f.features.ObserveTick(tick)
	}
	if f.events != nil {
		if err := f.events.PublishTick(ctx, tick); err != nil {
			f.log.Warn().Err(err).Str("symbol", sym).Msg("Tick publish failed")
		}
	}
	f.batcher.Add(ctx, tick)
}

func (f *Feed) rejectOutlier(ctx context.Context, tick market.Tick, median, deviation float64) {
	f.log.Warn().
		Str("symbol", tick.Symbol).
		Float64("price", tick.LastPrice).
		Float64("median", median).
		Float64("deviation_pct", deviation*100).
		Msg("Rejected outlier tick")

	// At most one event per symbol per interval.
	if last, ok := f.lastOutlier[tick.Symbol]; ok && time.Since(last) < outlierEventInterval {
		return
	}
	f.lastOutlier[tick.Symbol] = time.Now()

	ev := bus.NewEvent(bus.EventOutlierRejected, bus.SeverityWarning, tick.Symbol,
		fmt.Sprintf("price %.8g deviates %.1f%% from trailing median %.8g",
			tick.LastPrice, deviation*100, median)).
		WithField("price", tick.LastPrice).
		WithField("median", median)
	if f.events != nil {
		if err := f.events.PublishEvent(ctx, ev); err != nil {
			f.log.Warn().Err(err).Msg("Failed to publish outlier event")
		}
	}
}

func (f *Feed) publishEvent(ctx context.Context, eventType, severity, message string) {
	if f.events == nil {
		return
	}
	ev := bus.NewEvent(eventType, severity, "", message)
	if err := f.events.PublishEvent(ctx, ev); err != nil {
		f.log.Warn().Err(err).Str("event", eventType).Msg("Failed to publish feed event")
	}
}

func (f *Feed) setState(state string) {
	f.stateMu.Lock()
	f.state = state
	f.stateMu.Unlock()
}

// Status reports the current connection state for the health surface.
func (f *Feed) Status() Status {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return Status{
		State:          f.state,
		URL:            f.cfg.WSURL,
		Symbols:        f.symbols,
		ConnectedAt:    f.connectedAt,
		LastTickAt:     f.lastTickAt,
		Reconnects:     f.reconnects.Load(),
		PendingBatches: f.batcher.PendingDepth(),
	}
}

// Healthy reports whether the feed is streaming and has seen a tick
// within the heartbeat window.
func (f *Feed) Healthy() bool {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	if f.state != StateStreaming {
		return false
	}
	if f.lastTickAt.IsZero() {
		// Connected but nothing accepted yet; grace until first tick.
		return time.Since(f.connectedAt) < f.cfg.GetHeartbeatTimeout()
	}
	return time.Since(f.lastTickAt) < 2*f.cfg.GetHeartbeatTimeout()
}
