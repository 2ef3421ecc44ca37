package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradepulse/tradepulse/internal/flags"
)

func (s *Server) handleGetFlags(c *gin.Context) {
	if s.deps.Flags == nil {
		fail(c, http.StatusServiceUnavailable, "flag store not configured")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"flags":   s.deps.Flags.GetAll(),
		"version": s.deps.Flags.Version(),
	})
}

// handleSetFlag writes one flag. The value keeps whatever JSON type
// the caller sent.
func (s *Server) handleSetFlag(c *gin.Context) {
	if s.deps.Flags == nil {
		fail(c, http.StatusServiceUnavailable, "flag store not configured")
		return
	}

	var req struct {
		Value any `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failDetail(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	key := c.Param("key")
	if err := s.deps.Flags.Set(c.Request.Context(), key, req.Value, actor(c)); err != nil {
		failDetail(c, http.StatusInternalServerError, "flag write failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "key": key, "version": s.deps.Flags.Version()})
}

func (s *Server) handleFlagSnapshot(c *gin.Context) {
	if s.deps.Flags == nil {
		fail(c, http.StatusServiceUnavailable, "flag store not configured")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if !bindOptional(c, &req) {
		return
	}

	id, err := s.deps.Flags.Snapshot(c.Request.Context(), req.Reason, actor(c))
	if err != nil {
		failDetail(c, http.StatusInternalServerError, "snapshot failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "snapshot_id": id})
}

func (s *Server) handleFlagRestore(c *gin.Context) {
	if s.deps.Flags == nil {
		fail(c, http.StatusServiceUnavailable, "flag store not configured")
		return
	}

	var req struct {
		SnapshotID string `json:"snapshot_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failDetail(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	if err := s.deps.Flags.Restore(c.Request.Context(), req.SnapshotID, actor(c)); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, flags.ErrNoSnapshot) {
			status = http.StatusNotFound
		}
		failDetail(c, status, "restore failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "version": s.deps.Flags.Version()})
}

func (s *Server) handleListFlagSnapshots(c *gin.Context) {
	if s.deps.Flags == nil {
		fail(c, http.StatusServiceUnavailable, "flag store not configured")
		return
	}

	snaps, err := s.deps.Flags.Snapshots()
	if err != nil {
		failDetail(c, http.StatusInternalServerError, "snapshot listing failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps, "total": len(snaps)})
}
