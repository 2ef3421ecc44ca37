// Package app assembles and supervises the live trading process. New
// builds every component in dependency order; Run drives their loops
// under one errgroup until the context ends. Construction errors are
// startup failures: nothing has been started yet and the caller should
// exit rather than limp.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tradepulse/tradepulse/internal/alerts"
	"github.com/tradepulse/tradepulse/internal/api"
	"github.com/tradepulse/tradepulse/internal/bus"
	"github.com/tradepulse/tradepulse/internal/config"
	"github.com/tradepulse/tradepulse/internal/engine"
	"github.com/tradepulse/tradepulse/internal/features"
	"github.com/tradepulse/tradepulse/internal/feed"
	"github.com/tradepulse/tradepulse/internal/flags"
	"github.com/tradepulse/tradepulse/internal/market"
	"github.com/tradepulse/tradepulse/internal/metrics"
	"github.com/tradepulse/tradepulse/internal/model"
	"github.com/tradepulse/tradepulse/internal/paper"
	"github.com/tradepulse/tradepulse/internal/risk"
	"github.com/tradepulse/tradepulse/internal/strategy"
	"github.com/tradepulse/tradepulse/internal/symbols"
	"github.com/tradepulse/tradepulse/internal/tickstore"
)

const (
	redisPingTimeout = 2 * time.Second
	warmupTimeout    = 30 * time.Second
	apiDrainTimeout  = 10 * time.Second
	updaterInterval  = 30 * time.Second
)

// Options are the process entry knobs that are not config-file
// concerns.
type Options struct {
	ConfigPath  string
	EmbeddedBus bool // run an in-process NATS server instead of dialing nats.url
}

// App owns every long-lived component of the trading process.
type App struct {
	cfg  *config.Config
	log  zerolog.Logger
	syms []string

	ns    *natsserver.Server // embedded bus server, nil when dialing
	rdb   *redis.Client
	store *tickstore.Store
	bus   *bus.Bus

	batcher  *feed.Batcher
	feed     *feed.Feed
	features *features.Cache
	models   *model.Registry
	risk     *risk.Manager
	paper    *paper.Engine
	engines  *engine.Manager
	flags    *flags.Store
	alerts   *alerts.Manager

	api       *api.Server
	metricsrv *metrics.Server
	updater   *metrics.Updater
	persister *signalPersister
}

// New loads configuration and assembles the full component graph.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("app")

	if err := config.LoadSecretsFromVault(ctx, cfg, config.GetVaultConfigFromEnv()); err != nil {
		return nil, fmt.Errorf("vault secrets: %w", err)
	}

	syms, err := universe(cfg.Trading.Symbols)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: logger, syms: syms}

	natsURL := cfg.NATS.URL
	if opts.EmbeddedBus || cfg.NATS.Embedded {
		ns, err := bus.StartEmbeddedServer("127.0.0.1", -1)
		if err != nil {
			return nil, fmt.Errorf("embedded bus: %w", err)
		}
		a.ns = ns
		natsURL = ns.ClientURL()
	}

	store, err := tickstore.New(ctx, &cfg.Database)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tick store: %w", err)
	}
	a.store = store

	// Redis only backs the last-tick cache and the replay stream; the
	// process runs degraded without it.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(ctx, redisPingTimeout)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		logger.Warn().Err(err).
			Str("addr", cfg.Redis.GetRedisAddr()).
			Msg("Redis unreachable, running without last-tick cache")
		_ = rdb.Close()
		rdb = nil
	}
	a.rdb = rdb
	cache := bus.NewLastTickCache(rdb, bus.LastTickCacheConfig{MaxLen: cfg.Redis.StreamMaxLen})

	b, err := bus.New(bus.Config{NATSURL: natsURL}, cache)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("event bus: %w", err)
	}
	a.bus = b

	a.features = features.New(cfg.Features, syms, b, logger)

	a.batcher = feed.NewBatcher(store, b, logger,
		feed.WithBatchSize(cfg.Database.BatchSize),
		feed.WithFlushInterval(cfg.Database.GetFlushInterval()),
		feed.WithPendingBatches(cfg.Database.PendingBatches),
	)
	a.feed = feed.New(cfg.Feed, syms, a.batcher, b, a.features, logger)

	a.models, err = model.NewRegistry(cfg.Model, a.features, b, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("model provider: %w", err)
	}

	a.flags, err = flags.Open(cfg.Flags, flags.Deps{Audit: store, Events: b}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("flags store: %w", err)
	}

	// Risk reads the paper book's marks and paper feeds the daily-loss
	// counter, so the two are born circular. The view is bound right
	// after the paper engine exists.
	pv := &portfolioView{}
	a.risk, err = risk.NewManager(
		risk.FromConfig(cfg.Risk, syms),
		risk.Options{
			MinNotional:              cfg.Risk.MinNotional,
			MaxNotional:              cfg.Risk.MaxNotional,
			MaxPositionNotional:      cfg.Risk.MaxPositionNotional,
			StalenessSec:             cfg.Features.StalenessSec,
			LocalMidnightTZ:          cfg.Risk.LocalMidnightTZ,
			AllowFallbackSignals:     cfg.Risk.AllowFallbackSignals,
			ForceFallbackPredictions: cfg.Risk.ForceFallbackPredictions,
		},
		risk.Deps{Store: store, Portfolio: pv, Models: a.models, Events: b},
		logger,
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("risk manager: %w", err)
	}
	if err := a.risk.Recover(ctx); err != nil {
		logger.Warn().Err(err).Msg("Daily loss recovery failed, counter starts at zero")
	}

	a.paper = paper.New(cfg.Paper, paper.Deps{Store: store, Events: b, Realized: a.risk}, logger)
	pv.set(a.paper)

	a.engines = engine.NewManager(
		engine.OptionsFromConfig(cfg),
		engine.Deps{
			Engine: strategy.Deps{
				Features: a.features,
				Models:   a.models,
				Risk:     a.risk,
				Executor: a.paper,
				Events:   b,
			},
			Bus: b,
		},
		logger,
	)

	a.alerts = alerts.NewManager(b, alerts.RulesFrom(cfg.Alerts), logger)
	a.persister = newSignalPersister(b, store, logger)

	a.api = api.New(api.ConfigFrom(cfg), api.Deps{
		Models:   a.models,
		Risk:     a.risk,
		Engines:  a.engines,
		Paper:    a.paper,
		Store:    store,
		Features: a.features,
		Feed:     a.feed,
		Flags:    a.flags,
	}, logger)

	if cfg.Monitoring.EnableMetrics {
		a.metricsrv = metrics.NewServer(cfg.Monitoring.PrometheusPort, logger)
		a.updater = metrics.NewUpdater(store.Pool(), updaterInterval)
	}

	logger.Info().
		Strs("symbols", syms).
		Str("environment", cfg.App.Environment).
		Bool("embedded_bus", a.ns != nil).
		Msg("Trading core assembled")

	return a, nil
}

// Run starts every component loop and blocks until the context ends
// or a loop fails. A context cancellation is a clean shutdown, not an
// error.
func (a *App) Run(ctx context.Context) error {
	a.warmup(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { a.batcher.Run(ctx); return nil })
	g.Go(func() error { return a.feed.Run(ctx) })
	g.Go(func() error { return a.paper.Run(ctx) })
	g.Go(func() error { return a.risk.Run(ctx) })
	g.Go(func() error { return a.engines.Run(ctx) })
	g.Go(func() error { return a.alerts.Run(ctx) })
	g.Go(func() error { return a.persister.Run(ctx) })
	g.Go(func() error { return a.pumpMarks(ctx) })

	if a.metricsrv != nil {
		if err := a.metricsrv.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		g.Go(func() error { a.updater.Start(ctx); return nil })
	}

	g.Go(func() error { return a.api.Start() })
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), apiDrainTimeout)
		defer cancel()
		return a.api.Stop(drainCtx)
	})

	if a.cfg.Trading.AutoStart {
		a.autoStart(ctx)
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// warmup backfills bar history so indicators are live before the first
// engine starts. Failures degrade to live-tick warmup rather than
// blocking the process.
func (a *App) warmup(ctx context.Context) {
	if a.cfg.Features.WarmupBars <= 0 {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()
	if err := a.features.Warmup(wctx, features.NewBinanceSource()); err != nil {
		a.log.Warn().Err(err).Msg("Kline warmup incomplete, indicators fill from live ticks")
	}
}

// autoStart brings up one engine per configured symbol in the default
// profile.
func (a *App) autoStart(ctx context.Context) {
	mode, err := strategy.ParseMode(a.cfg.Trading.DefaultProfile)
	if err != nil {
		a.log.Error().
			Str("profile", a.cfg.Trading.DefaultProfile).
			Msg("Unknown default profile, engines stay stopped")
		return
	}
	results, err := a.engines.Batch(ctx, a.syms, "start", mode, nil)
	if err != nil {
		a.log.Error().Err(err).Msg("Engine auto-start failed")
		return
	}
	for _, r := range results {
		if !r.OK {
			a.log.Error().
				Str("symbol", r.Symbol).
				Str("error", r.Error).
				Msg("Engine failed to start")
		}
	}
}

// pumpMarks feeds accepted ticks to the paper book so open positions
// stay marked to market between fills.
func (a *App) pumpMarks(ctx context.Context) error {
	sub, err := a.bus.Subscribe(bus.TopicTicks, bus.DefaultSubscriberBuffer)
	if err != nil {
		return fmt.Errorf("subscribe ticks: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-sub.C():
			if !ok {
				return errors.New("tick subscription closed")
			}
			var tick market.Tick
			if err := json.Unmarshal(data, &tick); err != nil {
				a.log.Warn().Err(err).Msg("Dropped undecodable tick")
				continue
			}
			a.paper.OnTick(tick)
		}
	}
}

// Close releases connections in reverse dependency order. Safe on a
// partially constructed App.
func (a *App) Close() {
	if a.metricsrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metricsrv.Shutdown(shutCtx)
		cancel()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.ns != nil {
		a.ns.Shutdown()
	}
}

// portfolioView defers the risk gate's read of the paper book until
// both sides of their circular dependency exist.
type portfolioView struct {
	eng atomic.Pointer[paper.Engine]
}

func (v *portfolioView) set(e *paper.Engine) { v.eng.Store(e) }

func (v *portfolioView) UnrealizedPnL() float64 {
	if e := v.eng.Load(); e != nil {
		return e.UnrealizedPnL()
	}
	return 0
}

func (v *portfolioView) PositionNotional(symbol string) float64 {
	if e := v.eng.Load(); e != nil {
		return e.PositionNotional(symbol)
	}
	return 0
}

// universe canonicalizes the configured symbol list, rejecting
// malformed entries and dropping duplicates while preserving order.
func universe(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	syms := make([]string, 0, len(raw))
	for _, s := range raw {
		c := symbols.Canonical(s)
		if !symbols.Valid(c) {
			return nil, fmt.Errorf("invalid symbol %q in trading.symbols", s)
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		syms = append(syms, c)
	}
	if len(syms) == 0 {
		return nil, errors.New("trading.symbols is empty")
	}
	return syms, nil
}
