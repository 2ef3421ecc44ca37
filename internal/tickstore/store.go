// Package tickstore provides durable, queryable storage for ticks,
// OHLC materializations, orders, fills, equity snapshots, signals,
// and risk audit entries on TimescaleDB.
package tickstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradepulse/tradepulse/internal/config"
)

var (
	// ErrWriteUnavailable signals a storage outage; callers retry with
	// the platform backoff policy.
	ErrWriteUnavailable = errors.New("tick store write unavailable")

	// ErrNotFound signals no row within the queried window.
	ErrNotFound = errors.New("not found")

	// ErrStalePrice signals that every price source is older than the
	// freshness window.
	ErrStalePrice = errors.New("stale price")
)

// Pool is the subset of pgxpool.Pool the store uses. Tests substitute
// a pgxmock pool.
type Pool interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store wraps the PostgreSQL connection pool.
type Store struct {
	pool      Pool
	pgxPool   *pgxpool.Pool // nil when constructed from an interface (tests)
	freshness time.Duration
	logger    zerolog.Logger
}

// Option tunes store construction.
type Option func(*Store)

// WithFreshnessWindow overrides the LatestPrice freshness window
// (default 60s).
func WithFreshnessWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.freshness = d
		}
	}
}

// New creates a store backed by a new connection pool.
func New(ctx context.Context, cfg *config.DatabaseConfig, opts ...Option) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	maxConns := cfg.PoolSize
	if maxConns <= 0 {
		maxConns = 10
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Msg("Tick store connection pool created")

	s := &Store{
		pool:      pool,
		pgxPool:   pool,
		freshness: 60 * time.Second,
		logger:    config.NewLogger("tickstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewWithPool creates a store over an existing pool. Used by tests
// and by callers that manage the pool themselves.
func NewWithPool(pool Pool, opts ...Option) *Store {
	s := &Store{
		pool:      pool,
		freshness: 60 * time.Second,
		logger:    config.NewLogger("tickstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool returns the underlying pgx pool, or nil when the store was
// built over a mock.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pgxPool
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	if s.pgxPool != nil {
		return s.pgxPool.Ping(ctx)
	}
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return err
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pgxPool != nil {
		s.pgxPool.Close()
		s.logger.Info().Msg("Tick store connection pool closed")
	}
}
