package tickstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// EquityRecord is one point on the account equity curve.
type EquityRecord struct {
	Timestamp         time.Time
	CashBalance       float64
	UnrealizedPnL     float64
	RealizedPnLToDate float64
	Equity            float64
	DrawdownPct       float64
}

// PositionRecord is the persisted state of one symbol's position.
type PositionRecord struct {
	Symbol         string
	QuantitySigned float64
	AvgEntryPrice  float64
	UnrealizedPnL  float64
	LastMarkPrice  float64
	LastMarkAt     time.Time
	OpenedAt       *time.Time
	UpdatedAt      time.Time
}

// InsertEquitySnapshot appends a point to the equity curve.
func (s *Store) InsertEquitySnapshot(ctx context.Context, e *EquityRecord) error {
	query := `
		INSERT INTO equity_curve (
			ts, cash_balance, unrealized_pnl, realized_pnl_to_date, equity, drawdown_pct
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
	`

	_, err := s.pool.Exec(ctx, query,
		e.Timestamp,
		e.CashBalance,
		e.UnrealizedPnL,
		e.RealizedPnLToDate,
		e.Equity,
		e.DrawdownPct,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteUnavailable, err)
	}

	return nil
}

// LatestEquity returns the most recent equity snapshot.
func (s *Store) LatestEquity(ctx context.Context) (*EquityRecord, error) {
	query := `
		SELECT ts, cash_balance, unrealized_pnl, realized_pnl_to_date, equity, drawdown_pct
		FROM equity_curve
		ORDER BY ts DESC
		LIMIT 1
	`

	var e EquityRecord
	err := s.pool.QueryRow(ctx, query).Scan(
		&e.Timestamp,
		&e.CashBalance,
		&e.UnrealizedPnL,
		&e.RealizedPnLToDate,
		&e.Equity,
		&e.DrawdownPct,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("no equity snapshots: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest equity: %w", err)
	}

	return &e, nil
}

// EquitySeries returns the equity curve in [from, to) ascending.
func (s *Store) EquitySeries(ctx context.Context, from, to time.Time) ([]*EquityRecord, error) {
	query := `
		SELECT ts, cash_balance, unrealized_pnl, realized_pnl_to_date, equity, drawdown_pct
		FROM equity_curve
		WHERE ts >= $1 AND ts < $2
		ORDER BY ts ASC
	`

	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query equity series: %w", err)
	}
	defer rows.Close()

	var series []*EquityRecord
	for rows.Next() {
		var e EquityRecord
		if err := rows.Scan(
			&e.Timestamp,
			&e.CashBalance,
			&e.UnrealizedPnL,
			&e.RealizedPnLToDate,
			&e.Equity,
			&e.DrawdownPct,
		); err != nil {
			return nil, fmt.Errorf("failed to scan equity snapshot: %w", err)
		}
		series = append(series, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating equity series: %w", err)
	}

	return series, nil
}

// UpsertPosition stores a position's current state, keyed by symbol.
func (s *Store) UpsertPosition(ctx context.Context, p *PositionRecord) error {
	query := `
		INSERT INTO positions (
			symbol, quantity_signed, avg_entry_price, unrealized_pnl,
			last_mark_price, last_mark_at, opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		ON CONFLICT (symbol) DO UPDATE SET
			quantity_signed = EXCLUDED.quantity_signed,
			avg_entry_price = EXCLUDED.avg_entry_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			last_mark_price = EXCLUDED.last_mark_price,
			last_mark_at = EXCLUDED.last_mark_at,
			opened_at = EXCLUDED.opened_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query,
		p.Symbol,
		p.QuantitySigned,
		p.AvgEntryPrice,
		p.UnrealizedPnL,
		p.LastMarkPrice,
		p.LastMarkAt,
		p.OpenedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteUnavailable, err)
	}

	return nil
}

// Positions returns all persisted positions, open ones first.
func (s *Store) Positions(ctx context.Context) ([]*PositionRecord, error) {
	query := `
		SELECT symbol, quantity_signed, avg_entry_price, unrealized_pnl,
		       last_mark_price, last_mark_at, opened_at, updated_at
		FROM positions
		ORDER BY (quantity_signed = 0), symbol
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []*PositionRecord
	for rows.Next() {
		var p PositionRecord
		if err := rows.Scan(
			&p.Symbol,
			&p.QuantitySigned,
			&p.AvgEntryPrice,
			&p.UnrealizedPnL,
			&p.LastMarkPrice,
			&p.LastMarkAt,
			&p.OpenedAt,
			&p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}
