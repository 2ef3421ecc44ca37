package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradepulse/tradepulse/internal/market"
	"github.com/tradepulse/tradepulse/internal/paper"
)

// handlePaperOrder submits a manual order to the paper book. Repeats
// of the same client_request_id return the original fill.
func (s *Server) handlePaperOrder(c *gin.Context) {
	if s.deps.Paper == nil {
		fail(c, http.StatusServiceUnavailable, "paper engine not configured")
		return
	}

	var req struct {
		Symbol          string  `json:"symbol" binding:"required"`
		Side            string  `json:"side" binding:"required"`
		NotionalUSD     float64 `json:"notional_usd"`
		Quantity        float64 `json:"quantity"`
		ClientRequestID string  `json:"client_request_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failDetail(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	order := &market.Order{
		ClientRequestID: req.ClientRequestID,
		Symbol:          req.Symbol,
		Side:            market.Side(strings.ToUpper(req.Side)),
		Quantity:        req.Quantity,
		NotionalUSD:     req.NotionalUSD,
		OrderType:       market.OrderTypeMarket,
	}

	fill, err := s.deps.Paper.SubmitOrder(c.Request.Context(), order)
	switch {
	case errors.Is(err, paper.ErrInvalidOrder):
		failDetail(c, http.StatusBadRequest, "order rejected", err)
		return
	case errors.Is(err, paper.ErrStalePrice):
		failDetail(c, http.StatusServiceUnavailable, "no fresh price", err)
		return
	case err != nil:
		failDetail(c, http.StatusInternalServerError, "order failed", err)
		return
	}
	c.JSON(http.StatusCreated, fill)
}

// handlePaperReset flattens the book at last marks and reseeds cash to
// the starting balance. Destructive, so the actor lands in the audit
// trail like every other mutation.
func (s *Server) handlePaperReset(c *gin.Context) {
	if s.deps.Paper == nil {
		fail(c, http.StatusServiceUnavailable, "paper engine not configured")
		return
	}

	who := actor(c)
	snap := s.deps.Paper.Reset(who)
	s.log.Warn().Str("actor", who).Float64("equity", snap.Equity).Msg("Paper book reset")
	c.JSON(http.StatusOK, gin.H{"ok": true, "equity": snap})
}

func (s *Server) handlePaperSummary(c *gin.Context) {
	if s.deps.Paper == nil {
		fail(c, http.StatusServiceUnavailable, "paper engine not configured")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"equity":         s.deps.Paper.Equity(),
		"open_positions": len(s.deps.Paper.Positions()),
	})
}

func (s *Server) handlePaperPositions(c *gin.Context) {
	if s.deps.Paper == nil {
		fail(c, http.StatusServiceUnavailable, "paper engine not configured")
		return
	}
	positions := s.deps.Paper.Positions()
	c.JSON(http.StatusOK, gin.H{"positions": positions, "total": len(positions)})
}

// tradeRow is the response row for GET /paper/trades.
type tradeRow struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	OpenOrderID    string    `json:"open_order_id"`
	CloseOrderID   string    `json:"close_order_id"`
	RealizedPnLUSD float64   `json:"realized_pnl_usd"`
	ClosedAt       time.Time `json:"closed_at"`
}

func (s *Server) handlePaperTrades(c *gin.Context) {
	if s.deps.Store == nil {
		fail(c, http.StatusServiceUnavailable, "trade history not configured")
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		fail(c, http.StatusBadRequest, "limit must be in [1, 500]")
		return
	}

	symbol := c.Query("symbol")
	if symbol != "" {
		if symbol = canonicalSymbol(c, symbol); symbol == "" {
			return
		}
	}

	trades, err := s.deps.Store.RecentTrades(c.Request.Context(), symbol, limit)
	if err != nil {
		failDetail(c, http.StatusInternalServerError, "trade lookup failed", err)
		return
	}

	rows := make([]tradeRow, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, tradeRow{
			ID:             t.ID,
			Symbol:         t.Symbol,
			OpenOrderID:    t.OpenOrderID,
			CloseOrderID:   t.CloseOrderID,
			RealizedPnLUSD: t.RealizedPnLUSD,
			ClosedAt:       t.ClosedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"trades": rows, "total": len(rows)})
}

// equityPoint is one sample of the persisted equity curve.
type equityPoint struct {
	Timestamp         time.Time `json:"ts"`
	CashBalance       float64   `json:"cash_balance"`
	UnrealizedPnL     float64   `json:"unrealized_pnl"`
	RealizedPnLToDate float64   `json:"realized_pnl_to_date"`
	Equity            float64   `json:"equity"`
	DrawdownPct       float64   `json:"drawdown_pct"`
}

// handlePaperPortfolio renders the live book plus the equity curve
// over the requested window (default: the last 24 hours).
func (s *Server) handlePaperPortfolio(c *gin.Context) {
	if s.deps.Paper == nil {
		fail(c, http.StatusServiceUnavailable, "paper engine not configured")
		return
	}

	window, err := time.ParseDuration(c.DefaultQuery("window", "24h"))
	if err != nil || window <= 0 {
		fail(c, http.StatusBadRequest, "window must be a positive duration")
		return
	}

	resp := gin.H{
		"equity":    s.deps.Paper.Equity(),
		"positions": s.deps.Paper.Positions(),
	}

	if s.deps.Store != nil {
		now := time.Now().UTC()
		series, err := s.deps.Store.EquitySeries(c.Request.Context(), now.Add(-window), now)
		if err != nil {
			failDetail(c, http.StatusInternalServerError, "equity curve lookup failed", err)
			return
		}
		points := make([]equityPoint, 0, len(series))
		for _, e := range series {
			points = append(points, equityPoint{
				Timestamp:         e.Timestamp,
				CashBalance:       e.CashBalance,
				UnrealizedPnL:     e.UnrealizedPnL,
				RealizedPnLToDate: e.RealizedPnLToDate,
				Equity:            e.Equity,
				DrawdownPct:       e.DrawdownPct,
			})
		}
		resp["equity_curve"] = points
	}

	c.JSON(http.StatusOK, resp)
}
