package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Querier is the subset of pgxpool.Pool the updater reads with. Tests
// substitute a pgxmock pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Updater periodically recomputes the durable performance gauges from
// the store. Live gauges belong to their components; this loop owns
// only the aggregates that must survive restarts: closed-trade stats
// and connection pool usage.
type Updater struct {
	db       Querier
	pgxPool  *pgxpool.Pool // nil when constructed from an interface (tests)
	interval time.Duration
	stopCh   chan struct{}
}

// NewUpdater creates a store-backed metrics updater.
func NewUpdater(db *pgxpool.Pool, interval time.Duration) *Updater {
	u := NewUpdaterWithQuerier(db, interval)
	u.pgxPool = db
	return u
}

// NewUpdaterWithQuerier creates an updater over any querier. Pool
// stats are skipped in this form.
func NewUpdaterWithQuerier(db Querier, interval time.Duration) *Updater {
	return &Updater{
		db:       db,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the metrics update loop
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	// Update immediately on start
	u.update(ctx)

	for {
		select {
		case <-ticker.C:
			u.update(ctx)
		case <-u.stopCh:
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Metrics updater context cancelled")
			return
		}
	}
}

// Stop stops the metrics updater
func (u *Updater) Stop() {
	close(u.stopCh)
}

// update refreshes every store-derived gauge
func (u *Updater) update(ctx context.Context) {
	u.updateTradeStats(ctx)
	u.updatePoolStats()
}

// updateTradeStats recomputes closed-trade aggregates
func (u *Updater) updateTradeStats(ctx context.Context) {
	query := `
		SELECT
			COUNT(*) AS closed,
			COUNT(*) FILTER (WHERE realized_pnl_usd > 0) AS winners
		FROM trades
	`

	var closed, winners int64
	if err := u.db.QueryRow(ctx, query).Scan(&closed, &winners); err != nil {
		log.Error().Err(err).Msg("Failed to fetch trade stats")
		RecordError("trade_stats", "metrics")
		return
	}

	TradesClosed.Set(float64(closed))
	if closed > 0 {
		WinRate.Set(float64(winners) / float64(closed))
	} else {
		WinRate.Set(0)
	}
}

// updatePoolStats refreshes connection pool gauges
func (u *Updater) updatePoolStats() {
	if u.pgxPool == nil {
		return
	}
	stat := u.pgxPool.Stat()
	UpdateDatabaseConnections(stat.AcquiredConns(), stat.IdleConns())
}
