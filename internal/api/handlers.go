package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradepulse/tradepulse/internal/symbols"
)

// ctxRequestID keys the per-request trace id in the gin context.
const ctxRequestID = "request_id"

// defaultActor attributes unauthenticated mutations in the audit log.
const defaultActor = "api"

// fail renders the error envelope every failing endpoint shares.
func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"ok": false, "error": msg})
}

// failDetail is fail with the underlying cause attached.
func failDetail(c *gin.Context, status int, msg string, err error) {
	c.JSON(status, gin.H{"ok": false, "error": msg, "detail": err.Error()})
}

// actor resolves who to attribute a mutation to in the audit log.
func actor(c *gin.Context) string {
	if a := c.GetHeader("X-Actor"); a != "" {
		return a
	}
	return defaultActor
}

// canonicalSymbol normalizes and validates a symbol parameter. The
// empty string return signals the handler already responded.
func canonicalSymbol(c *gin.Context, raw string) string {
	sym := symbols.Canonical(raw)
	if !symbols.Valid(sym) {
		fail(c, http.StatusBadRequest, "invalid symbol "+strconv.Quote(raw))
		return ""
	}
	return sym
}

// handleHealth is the load balancer probe. The process is healthy
// when its store and feed (those that are wired) respond.
func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Health(c.Request.Context()); err != nil {
			failDetail(c, http.StatusServiceUnavailable, "store unavailable", err)
			return
		}
	}
	if s.deps.Feed != nil && !s.deps.Feed.Healthy() {
		fail(c, http.StatusServiceUnavailable, "feed unhealthy")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handlePredict serves GET /ai/predict?symbol=X&h=60s.
func (s *Server) handlePredict(c *gin.Context) {
	if s.deps.Models == nil {
		fail(c, http.StatusServiceUnavailable, "model provider not configured")
		return
	}

	sym := canonicalSymbol(c, c.Query("symbol"))
	if sym == "" {
		return
	}

	horizon, err := time.ParseDuration(c.DefaultQuery("h", "60s"))
	if err != nil || horizon <= 0 {
		fail(c, http.StatusBadRequest, "h must be a positive duration")
		return
	}

	p, err := s.deps.Models.Predict(c.Request.Context(), sym, horizon)
	if err != nil {
		failDetail(c, http.StatusInternalServerError, "prediction failed", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// handleSelectModel serves POST /ai/select {name}.
func (s *Server) handleSelectModel(c *gin.Context) {
	if s.deps.Models == nil {
		fail(c, http.StatusServiceUnavailable, "model provider not configured")
		return
	}

	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failDetail(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	if err := s.deps.Models.Select(req.Name); err != nil {
		failDetail(c, http.StatusNotFound, "model selection failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "active": s.deps.Models.Active()})
}

func (s *Server) handleListModels(c *gin.Context) {
	if s.deps.Models == nil {
		fail(c, http.StatusServiceUnavailable, "model provider not configured")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active": s.deps.Models.Active(),
		"models": s.deps.Models.Models(),
	})
}

// similarSignalRow is the response row for GET /signals/similar.
type similarSignalRow struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Confidence     float64   `json:"confidence"`
	NotionalUSD    float64   `json:"notional_usd"`
	SourceStrategy string    `json:"source_strategy"`
	ModelName      string    `json:"model_name,omitempty"`
	IsFallback     bool      `json:"is_fallback,omitempty"`
	Distance       float64   `json:"distance"`
	CreatedAt      time.Time `json:"created_at"`
}

// handleSimilarSignals finds past signals whose feature snapshot is
// nearest to the symbol's live one.
func (s *Server) handleSimilarSignals(c *gin.Context) {
	if s.deps.Store == nil || s.deps.Features == nil {
		fail(c, http.StatusServiceUnavailable, "signal history not configured")
		return
	}

	sym := canonicalSymbol(c, c.Query("symbol"))
	if sym == "" {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil || limit <= 0 || limit > 100 {
		fail(c, http.StatusBadRequest, "limit must be in [1, 100]")
		return
	}

	fs, err := s.deps.Features.Features(sym)
	if err != nil {
		failDetail(c, http.StatusConflict, "no live features for "+sym, err)
		return
	}

	found, err := s.deps.Store.SimilarSignals(c.Request.Context(), fs.Vector(), limit)
	if err != nil {
		failDetail(c, http.StatusInternalServerError, "similarity search failed", err)
		return
	}

	rows := make([]similarSignalRow, 0, len(found))
	for _, m := range found {
		rows = append(rows, similarSignalRow{
			ID:             m.ID,
			Symbol:         m.Symbol,
			Side:           m.Side,
			Confidence:     m.Confidence,
			NotionalUSD:    m.NotionalUSD,
			SourceStrategy: m.SourceStrategy,
			ModelName:      m.ModelName,
			IsFallback:     m.IsFallback,
			Distance:       m.Distance,
			CreatedAt:      m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"signals": rows, "total": len(rows)})
}

func (s *Server) handleFeedStatus(c *gin.Context) {
	if s.deps.Feed == nil {
		fail(c, http.StatusServiceUnavailable, "feed not configured")
		return
	}
	c.JSON(http.StatusOK, s.deps.Feed.Status())
}
