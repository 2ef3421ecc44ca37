package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradepulse/tradepulse/internal/engine"
	"github.com/tradepulse/tradepulse/internal/strategy"
)

// engineRequest is the optional body shared by start and restart.
type engineRequest struct {
	Mode   string             `json:"mode"`
	Params map[string]float64 `json:"params"`
}

// parseMode resolves the request mode, falling back to the configured
// default. The empty string return signals the handler already
// responded.
func (s *Server) parseMode(c *gin.Context, raw string) strategy.Mode {
	if raw == "" {
		return s.cfg.DefaultMode
	}
	mode, err := strategy.ParseMode(raw)
	if err != nil {
		failDetail(c, http.StatusBadRequest, "invalid mode", err)
		return ""
	}
	return mode
}

// bindOptional decodes a JSON body when one is present. A missing
// body leaves the request at its zero value.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		failDetail(c, http.StatusBadRequest, "invalid request", err)
		return false
	}
	return true
}

func (s *Server) handleListEngines(c *gin.Context) {
	if s.deps.Engines == nil {
		fail(c, http.StatusServiceUnavailable, "engine manager not configured")
		return
	}
	list := s.deps.Engines.List()
	c.JSON(http.StatusOK, gin.H{"engines": list, "total": len(list)})
}

func (s *Server) handleEngineStart(c *gin.Context) {
	if s.deps.Engines == nil {
		fail(c, http.StatusServiceUnavailable, "engine manager not configured")
		return
	}

	var req engineRequest
	if !bindOptional(c, &req) {
		return
	}
	mode := s.parseMode(c, req.Mode)
	if mode == "" {
		return
	}

	info, err := s.deps.Engines.Start(c.Request.Context(), c.Param("symbol"), mode, req.Params)
	if err != nil {
		failDetail(c, http.StatusBadRequest, "engine start failed", err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleEngineStop(c *gin.Context) {
	if s.deps.Engines == nil {
		fail(c, http.StatusServiceUnavailable, "engine manager not configured")
		return
	}

	var req struct {
		Force bool `json:"force"`
	}
	if !bindOptional(c, &req) {
		return
	}

	if err := s.deps.Engines.Stop(c.Request.Context(), c.Param("symbol"), req.Force); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrNoEngine) {
			status = http.StatusNotFound
		}
		failDetail(c, status, "engine stop failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "stopped": c.Param("symbol")})
}

// handleEngineRestart stops and relaunches one engine, keeping its
// mode unless the request names a new one.
func (s *Server) handleEngineRestart(c *gin.Context) {
	if s.deps.Engines == nil {
		fail(c, http.StatusServiceUnavailable, "engine manager not configured")
		return
	}

	var req engineRequest
	if !bindOptional(c, &req) {
		return
	}

	prev, ok := s.deps.Engines.Get(c.Param("symbol"))
	if !ok {
		fail(c, http.StatusNotFound, "no engine for "+c.Param("symbol"))
		return
	}

	if req.Mode == "" {
		req.Mode = string(prev.Mode)
	}
	mode := s.parseMode(c, req.Mode)
	if mode == "" {
		return
	}

	if err := s.deps.Engines.Stop(c.Request.Context(), prev.Symbol, false); err != nil && !errors.Is(err, engine.ErrNoEngine) {
		failDetail(c, http.StatusInternalServerError, "engine restart failed", err)
		return
	}
	info, err := s.deps.Engines.Start(c.Request.Context(), prev.Symbol, mode, req.Params)
	if err != nil {
		failDetail(c, http.StatusInternalServerError, "engine restart failed", err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleEngineBatch(c *gin.Context) {
	if s.deps.Engines == nil {
		fail(c, http.StatusServiceUnavailable, "engine manager not configured")
		return
	}

	var req struct {
		Symbols []string           `json:"symbols" binding:"required"`
		Action  string             `json:"action" binding:"required"`
		Mode    string             `json:"mode"`
		Params  map[string]float64 `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failDetail(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	mode := s.parseMode(c, req.Mode)
	if mode == "" {
		return
	}

	results, err := s.deps.Engines.Batch(c.Request.Context(), req.Symbols, req.Action, mode, req.Params)
	if err != nil {
		failDetail(c, http.StatusBadRequest, "batch rejected", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "total": len(results)})
}
