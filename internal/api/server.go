// Package api is the operator-facing REST surface. Handlers stay
// thin: they parse, call one collaborator, and render. Failures
// always map to {ok:false, error, detail?} so dashboards can key on
// one shape.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradepulse/tradepulse/internal/config"
	"github.com/tradepulse/tradepulse/internal/engine"
	"github.com/tradepulse/tradepulse/internal/features"
	"github.com/tradepulse/tradepulse/internal/feed"
	"github.com/tradepulse/tradepulse/internal/flags"
	"github.com/tradepulse/tradepulse/internal/market"
	"github.com/tradepulse/tradepulse/internal/metrics"
	"github.com/tradepulse/tradepulse/internal/model"
	"github.com/tradepulse/tradepulse/internal/risk"
	"github.com/tradepulse/tradepulse/internal/strategy"
	"github.com/tradepulse/tradepulse/internal/tickstore"
)

// Predictor serves forecasts and model selection.
type Predictor interface {
	Predict(ctx context.Context, symbol string, horizon time.Duration) (model.Prediction, error)
	Select(name string) error
	Active() model.Info
	Models() []model.Info
}

// RiskControls is the guardrail surface operators read and mutate.
type RiskControls interface {
	State() risk.State
	SetGuardrails(ctx context.Context, patch risk.Patch, actor string) (risk.Guardrails, error)
	TriggerCooldown(ctx context.Context, minutes int, actor string) time.Time
	ClearCooldown(ctx context.Context, actor string) bool
}

// Engines is the fleet lifecycle surface.
type Engines interface {
	Start(ctx context.Context, symbol string, mode strategy.Mode, params map[string]float64) (engine.EngineInfo, error)
	Stop(ctx context.Context, symbol string, force bool) error
	Batch(ctx context.Context, syms []string, action string, mode strategy.Mode, params map[string]float64) ([]engine.BatchResult, error)
	List() []engine.EngineInfo
	Get(symbol string) (engine.EngineInfo, bool)
}

// Executor fills paper orders and reports the book.
type Executor interface {
	SubmitOrder(ctx context.Context, order *market.Order) (market.Fill, error)
	Positions() []market.Position
	Equity() market.EquitySnapshot
	Reset(actor string) market.EquitySnapshot
}

// History reads persisted trading records.
type History interface {
	RecentTrades(ctx context.Context, symbol string, limit int) ([]*tickstore.TradeRecord, error)
	EquitySeries(ctx context.Context, from, to time.Time) ([]*tickstore.EquityRecord, error)
	SimilarSignals(ctx context.Context, features []float32, limit int) ([]*tickstore.SimilarSignal, error)
	Health(ctx context.Context) error
}

// FeatureReader exposes live feature snapshots for similarity search.
type FeatureReader interface {
	Features(symbol string) (*features.FeatureSet, error)
}

// FeedStatus reports the upstream connection state.
type FeedStatus interface {
	Status() feed.Status
	Healthy() bool
}

// FlagStore is the runtime flag surface.
type FlagStore interface {
	GetAll() map[string]any
	Version() int
	Set(ctx context.Context, key string, value any, actor string) error
	Snapshot(ctx context.Context, reason, actor string) (string, error)
	Restore(ctx context.Context, id, actor string) error
	Snapshots() ([]flags.SnapshotInfo, error)
}

// Deps are the collaborators behind the endpoints. Nil fields render
// their endpoints as 503 rather than panicking, so a partially wired
// process still serves what it has.
type Deps struct {
	Models   Predictor
	Risk     RiskControls
	Engines  Engines
	Paper    Executor
	Store    History
	Features FeatureReader
	Feed     FeedStatus
	Flags    FlagStore
}

// Config contains server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	DefaultMode strategy.Mode
}

// ConfigFrom maps the loaded application config onto the server's
// knobs. An unparseable default profile falls back to scalp.
func ConfigFrom(cfg *config.Config) Config {
	mode, err := strategy.ParseMode(cfg.Trading.DefaultProfile)
	if err != nil {
		mode = strategy.ModeScalp
	}
	return Config{
		Host:        cfg.API.Host,
		Port:        cfg.API.Port,
		CORSOrigins: cfg.API.CORSOrigins,
		DefaultMode: mode,
	}
}

// Server is the REST API server.
type Server struct {
	router *gin.Engine
	cfg    Config
	deps   Deps
	log    zerolog.Logger
	server *http.Server
}

// New builds the router and registers all routes.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	if cfg.DefaultMode == "" {
		cfg.DefaultMode = strategy.ModeScalp
	}

	s := &Server{
		router: gin.New(),
		cfg:    cfg,
		deps:   deps,
		log:    logger.With().Str("component", "api").Logger(),
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s.router.Use(gin.Recovery())
	s.router.Use(traceMiddleware())
	s.router.Use(s.requestLogger())
	s.router.Use(metricsMiddleware())
	s.router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Actor"},
		ExposeHeaders: []string{"Content-Length", "X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}))

	s.setupRoutes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.log.Info().Msg("Stopping API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

// traceMiddleware tags every request with an id for log and audit
// correlation, honoring one supplied by the caller.
func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		evt := s.log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("request_id", c.GetString(ctxRequestID))

		if len(c.Errors) > 0 {
			evt.Str("errors", c.Errors.String())
		}

		evt.Msg("API request")
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordAPIRequest(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
			float64(time.Since(start).Milliseconds()),
		)
	}
}
