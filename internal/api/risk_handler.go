package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradepulse/tradepulse/internal/risk"
)

// handleGetGuardrails serves the current guardrails plus the derived
// cooldown state.
func (s *Server) handleGetGuardrails(c *gin.Context) {
	if s.deps.Risk == nil {
		fail(c, http.StatusServiceUnavailable, "risk gate not configured")
		return
	}
	c.JSON(http.StatusOK, s.deps.Risk.State())
}

// handlePatchGuardrails applies a partial guardrail update. Absent
// fields keep their current values; the mutation is audited under the
// caller's actor.
func (s *Server) handlePatchGuardrails(c *gin.Context) {
	if s.deps.Risk == nil {
		fail(c, http.StatusServiceUnavailable, "risk gate not configured")
		return
	}

	var patch risk.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		failDetail(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	next, err := s.deps.Risk.SetGuardrails(c.Request.Context(), patch, actor(c))
	if err != nil {
		failDetail(c, http.StatusBadRequest, "guardrail update rejected", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "guardrails": next})
}

func (s *Server) handleTriggerCooldown(c *gin.Context) {
	if s.deps.Risk == nil {
		fail(c, http.StatusServiceUnavailable, "risk gate not configured")
		return
	}

	var req struct {
		Minutes int `json:"minutes"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			failDetail(c, http.StatusBadRequest, "invalid request", err)
			return
		}
	}

	until := s.deps.Risk.TriggerCooldown(c.Request.Context(), req.Minutes, actor(c))
	c.JSON(http.StatusOK, gin.H{"ok": true, "cooldown_until": until})
}

func (s *Server) handleClearCooldown(c *gin.Context) {
	if s.deps.Risk == nil {
		fail(c, http.StatusServiceUnavailable, "risk gate not configured")
		return
	}
	cleared := s.deps.Risk.ClearCooldown(c.Request.Context(), actor(c))
	c.JSON(http.StatusOK, gin.H{"ok": true, "cleared": cleared})
}

// handleKill engages the global kill switch. New signals are rejected
// from the next risk evaluation on; in-flight fills complete.
func (s *Server) handleKill(c *gin.Context) {
	s.setKillSwitch(c, true)
}

func (s *Server) handleUnkill(c *gin.Context) {
	s.setKillSwitch(c, false)
}

func (s *Server) setKillSwitch(c *gin.Context, engaged bool) {
	if s.deps.Risk == nil {
		fail(c, http.StatusServiceUnavailable, "risk gate not configured")
		return
	}

	next, err := s.deps.Risk.SetGuardrails(c.Request.Context(), risk.Patch{KillSwitch: &engaged}, actor(c))
	if err != nil {
		failDetail(c, http.StatusInternalServerError, "kill switch update failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "kill_switch": next.KillSwitch})
}
