package tickstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tradepulse/tradepulse/internal/market"
)

const insertTickSQL = `
	INSERT INTO market_ticks (
		symbol, ts, last_price, bid, ask, bid_size, ask_size, trade_volume_delta
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8
	)
	ON CONFLICT (symbol, ts, last_price) DO NOTHING
`

// AppendBatch persists a batch of ticks in one round trip. Duplicate
// (symbol, ts, last_price) rows are silently skipped, so replays and
// at-least-once deliveries are safe. Storage outages surface as
// ErrWriteUnavailable.
func (s *Store) AppendBatch(ctx context.Context, ticks []market.Tick) (int64, error) {
	if len(ticks) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, t := range ticks {
		batch.Queue(insertTickSQL,
			t.Symbol,
			t.Timestamp,
			t.LastPrice,
			t.Bid,
			t.Ask,
			t.BidSize,
			t.AskSize,
			t.VolumeDelta,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	var inserted int64
	for range ticks {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("%w: %v", ErrWriteUnavailable, err)
		}
		inserted += tag.RowsAffected()
	}

	s.logger.Debug().
		Int("batch_size", len(ticks)).
		Int64("inserted", inserted).
		Msg("Tick batch persisted")

	return inserted, nil
}

// LatestPrice returns the most recent last_price for symbol within the
// freshness window. Returns ErrNotFound when the store holds no tick
// newer than the window.
func (s *Store) LatestPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	query := `
		SELECT last_price, ts
		FROM market_ticks
		WHERE symbol = $1
		  AND ts >= $2
		ORDER BY ts DESC
		LIMIT 1
	`

	cutoff := time.Now().UTC().Add(-s.freshness)

	var (
		price float64
		ts    time.Time
	)
	err := s.pool.QueryRow(ctx, query, symbol, cutoff).Scan(&price, &ts)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, time.Time{}, fmt.Errorf("no fresh price for %s: %w", symbol, ErrNotFound)
		}
		return 0, time.Time{}, fmt.Errorf("failed to query latest price: %w", err)
	}

	return price, ts, nil
}

// Staleness returns now minus the newest tick timestamp for symbol,
// regardless of the freshness window. ErrNotFound when the symbol has
// never ticked.
func (s *Store) Staleness(ctx context.Context, symbol string) (time.Duration, error) {
	query := `
		SELECT ts
		FROM market_ticks
		WHERE symbol = $1
		ORDER BY ts DESC
		LIMIT 1
	`

	var ts time.Time
	err := s.pool.QueryRow(ctx, query, symbol).Scan(&ts)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, fmt.Errorf("no ticks for %s: %w", symbol, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to query staleness: %w", err)
	}

	return time.Since(ts), nil
}

// TicksWindow returns raw ticks for symbol in [from, to) ascending.
func (s *Store) TicksWindow(ctx context.Context, symbol string, from, to time.Time) ([]market.Tick, error) {
	query := `
		SELECT symbol, ts, last_price, bid, ask, bid_size, ask_size, trade_volume_delta
		FROM market_ticks
		WHERE symbol = $1
		  AND ts >= $2
		  AND ts < $3
		ORDER BY ts ASC
	`

	rows, err := s.pool.Query(ctx, query, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks window: %w", err)
	}
	defer rows.Close()

	var ticks []market.Tick
	for rows.Next() {
		var t market.Tick
		if err := rows.Scan(
			&t.Symbol,
			&t.Timestamp,
			&t.LastPrice,
			&t.Bid,
			&t.Ask,
			&t.BidSize,
			&t.AskSize,
			&t.VolumeDelta,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		ticks = append(ticks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ticks: %w", err)
	}

	return ticks, nil
}

// Window returns OHLCV bars for symbol in [from, to) at the requested
// granularity. 1s and 5s are served from continuous aggregates;
// coarser granularities are re-bucketed from the 5s rollup on read.
func (s *Store) Window(ctx context.Context, symbol string, from, to time.Time, g market.Granularity) ([]market.Candle, error) {
	var query string

	switch g {
	case market.GranularityRaw:
		return nil, fmt.Errorf("raw granularity is served by TicksWindow")
	case market.Granularity1s:
		query = `
			SELECT bucket_start, symbol, open, high, low, close, volume, tick_count
			FROM candle_1s
			WHERE symbol = $1 AND bucket_start >= $2 AND bucket_start < $3
			ORDER BY bucket_start ASC
		`
	case market.Granularity5s:
		query = `
			SELECT bucket_start, symbol, open, high, low, close, volume, tick_count
			FROM candle_5s
			WHERE symbol = $1 AND bucket_start >= $2 AND bucket_start < $3
			ORDER BY bucket_start ASC
		`
	case market.Granularity1m, market.Granularity5m, market.Granularity15m:
		// Re-bucket the 5s rollup. rollup() keeps OHLC semantics across
		// the coarser bucket.
		query = fmt.Sprintf(`
			SELECT time_bucket('%s', bucket_start) AS bucket,
			       symbol,
			       first(open, bucket_start) AS open,
			       max(high) AS high,
			       min(low) AS low,
			       last(close, bucket_start) AS close,
			       sum(volume) AS volume,
			       sum(tick_count) AS tick_count
			FROM candle_5s
			WHERE symbol = $1 AND bucket_start >= $2 AND bucket_start < $3
			GROUP BY bucket, symbol
			ORDER BY bucket ASC
		`, g.Interval())
	default:
		return nil, fmt.Errorf("unsupported granularity %q", g)
	}

	rows, err := s.pool.Query(ctx, query, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s window: %w", g, err)
	}
	defer rows.Close()

	var candles []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(
			&c.BucketStart,
			&c.Symbol,
			&c.Open,
			&c.High,
			&c.Low,
			&c.Close,
			&c.Volume,
			&c.TickCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candles: %w", err)
	}

	return candles, nil
}

// TickCount returns the number of stored ticks for symbol since the
// given time. Used by feed metrics and tests.
func (s *Store) TickCount(ctx context.Context, symbol string, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM market_ticks WHERE symbol = $1 AND ts >= $2`,
		symbol, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count ticks: %w", err)
	}
	return count, nil
}
