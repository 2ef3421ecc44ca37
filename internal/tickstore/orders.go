package tickstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tradepulse/tradepulse/internal/market"
)

// OrderRecord is the persisted form of an accepted order.
type OrderRecord struct {
	ID              string
	ClientRequestID string
	SignalID        *string
	Symbol          string
	Side            market.Side
	OrderType       string
	Status          string
	Quantity        float64
	NotionalUSD     float64
	RequestedPrice  float64
	RejectReason    *string
	CreatedAt       time.Time
}

// FillRecord is the persisted form of a fill. Orders own fills.
type FillRecord struct {
	OrderID     string
	Symbol      string
	Side        market.Side
	Quantity    float64
	FillPrice   float64
	SlippageBPS float64
	FeeUSD      float64
	Liquidity   string // taker or maker
	FilledAt    time.Time
}

// TradeRecord is a closed round trip: an opening fill matched with the
// closing fill that brought the position back through zero.
type TradeRecord struct {
	ID             string
	Symbol         string
	OpenOrderID    string
	CloseOrderID   string
	RealizedPnLUSD float64
	ClosedAt       time.Time
}

// InsertOrder persists an order. The client_request_id unique index
// backs idempotent submission: a conflicting insert is reported so the
// caller can return the original order's result.
func (s *Store) InsertOrder(ctx context.Context, o *OrderRecord) error {
	query := `
		INSERT INTO orders (
			id, client_request_id, signal_id, symbol, side, order_type,
			status, quantity, notional_usd, requested_price, reject_reason, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (client_request_id) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query,
		o.ID,
		o.ClientRequestID,
		o.SignalID,
		o.Symbol,
		o.Side,
		o.OrderType,
		o.Status,
		o.Quantity,
		o.NotionalUSD,
		o.RequestedPrice,
		o.RejectReason,
		o.CreatedAt,
	)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("order_id", o.ID).
			Str("symbol", o.Symbol).
			Msg("Failed to insert order")
		return fmt.Errorf("%w: %v", ErrWriteUnavailable, err)
	}

	if tag.RowsAffected() == 0 {
		s.logger.Debug().
			Str("client_request_id", o.ClientRequestID).
			Msg("Duplicate order submission suppressed")
		return nil
	}

	s.logger.Debug().
		Str("order_id", o.ID).
		Str("symbol", o.Symbol).
		Str("status", o.Status).
		Msg("Order persisted")

	return nil
}

// GetOrder retrieves an order by its ULID.
func (s *Store) GetOrder(ctx context.Context, id string) (*OrderRecord, error) {
	query := `
		SELECT id, client_request_id, signal_id, symbol, side, order_type,
		       status, quantity, notional_usd, requested_price, reject_reason, created_at
		FROM orders
		WHERE id = $1
	`

	var o OrderRecord
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&o.ID,
		&o.ClientRequestID,
		&o.SignalID,
		&o.Symbol,
		&o.Side,
		&o.OrderType,
		&o.Status,
		&o.Quantity,
		&o.NotionalUSD,
		&o.RequestedPrice,
		&o.RejectReason,
		&o.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	return &o, nil
}

// GetOrderByClientRequestID returns the order previously accepted for
// an idempotency key, if any.
func (s *Store) GetOrderByClientRequestID(ctx context.Context, clientRequestID string) (*OrderRecord, error) {
	query := `
		SELECT id, client_request_id, signal_id, symbol, side, order_type,
		       status, quantity, notional_usd, requested_price, reject_reason, created_at
		FROM orders
		WHERE client_request_id = $1
	`

	var o OrderRecord
	err := s.pool.QueryRow(ctx, query, clientRequestID).Scan(
		&o.ID,
		&o.ClientRequestID,
		&o.SignalID,
		&o.Symbol,
		&o.Side,
		&o.OrderType,
		&o.Status,
		&o.Quantity,
		&o.NotionalUSD,
		&o.RequestedPrice,
		&o.RejectReason,
		&o.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("client_request_id %s: %w", clientRequestID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order by client request id: %w", err)
	}

	return &o, nil
}

// RecentOrders returns the newest orders, optionally filtered by
// symbol (empty means all symbols).
func (s *Store) RecentOrders(ctx context.Context, symbol string, limit int) ([]*OrderRecord, error) {
	query := `
		SELECT id, client_request_id, signal_id, symbol, side, order_type,
		       status, quantity, notional_usd, requested_price, reject_reason, created_at
		FROM orders
		WHERE ($1 = '' OR symbol = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent orders: %w", err)
	}
	defer rows.Close()

	var orders []*OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(
			&o.ID,
			&o.ClientRequestID,
			&o.SignalID,
			&o.Symbol,
			&o.Side,
			&o.OrderType,
			&o.Status,
			&o.Quantity,
			&o.NotionalUSD,
			&o.RequestedPrice,
			&o.RejectReason,
			&o.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}

	return orders, nil
}

// InsertFill persists a fill under its order.
func (s *Store) InsertFill(ctx context.Context, f *FillRecord) error {
	query := `
		INSERT INTO fills (
			order_id, symbol, side, quantity, fill_price,
			slippage_bps, fee_usd, liquidity, filled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`

	_, err := s.pool.Exec(ctx, query,
		f.OrderID,
		f.Symbol,
		f.Side,
		f.Quantity,
		f.FillPrice,
		f.SlippageBPS,
		f.FeeUSD,
		f.Liquidity,
		f.FilledAt,
	)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("order_id", f.OrderID).
			Msg("Failed to insert fill")
		return fmt.Errorf("%w: %v", ErrWriteUnavailable, err)
	}

	s.logger.Debug().
		Str("order_id", f.OrderID).
		Float64("price", f.FillPrice).
		Float64("quantity", f.Quantity).
		Msg("Fill persisted")

	return nil
}

// FillsByOrderID returns all fills for an order, oldest first.
func (s *Store) FillsByOrderID(ctx context.Context, orderID string) ([]*FillRecord, error) {
	query := `
		SELECT order_id, symbol, side, quantity, fill_price,
		       slippage_bps, fee_usd, liquidity, filled_at
		FROM fills
		WHERE order_id = $1
		ORDER BY filled_at ASC
	`

	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []*FillRecord
	for rows.Next() {
		var f FillRecord
		if err := rows.Scan(
			&f.OrderID,
			&f.Symbol,
			&f.Side,
			&f.Quantity,
			&f.FillPrice,
			&f.SlippageBPS,
			&f.FeeUSD,
			&f.Liquidity,
			&f.FilledAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		fills = append(fills, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fills: %w", err)
	}

	return fills, nil
}

// InsertTrade records a closed round trip.
func (s *Store) InsertTrade(ctx context.Context, t *TradeRecord) error {
	query := `
		INSERT INTO trades (
			id, symbol, open_order_id, close_order_id, realized_pnl_usd, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
	`

	_, err := s.pool.Exec(ctx, query,
		t.ID,
		t.Symbol,
		t.OpenOrderID,
		t.CloseOrderID,
		t.RealizedPnLUSD,
		t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteUnavailable, err)
	}

	return nil
}

// RealizedPnLSince sums round-trip P&L closed at or after the cutoff.
// Backs the daily-loss guardrail recovery on restart.
func (s *Store) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	var pnl float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl_usd), 0) FROM trades WHERE closed_at >= $1`,
		since,
	).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return pnl, nil
}

// RecentTrades returns the newest round trips, optionally filtered by
// symbol (empty means all symbols).
func (s *Store) RecentTrades(ctx context.Context, symbol string, limit int) ([]*TradeRecord, error) {
	query := `
		SELECT id, symbol, open_order_id, close_order_id, realized_pnl_usd, closed_at
		FROM trades
		WHERE ($1 = '' OR symbol = $1)
		ORDER BY closed_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent trades: %w", err)
	}
	defer rows.Close()

	var trades []*TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(
			&t.ID,
			&t.Symbol,
			&t.OpenOrderID,
			&t.CloseOrderID,
			&t.RealizedPnLUSD,
			&t.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}

	return trades, nil
}
