package tickstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepulse/tradepulse/internal/market"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return NewWithPool(mock), mock
}

func tick(symbol string, ts time.Time, price float64) market.Tick {
	return market.Tick{
		Symbol:    symbol,
		Timestamp: ts,
		LastPrice: price,
		Bid:       price - 0.5,
		Ask:       price + 0.5,
	}
}

func TestAppendBatch(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	ticks := []market.Tick{
		tick("BTCUSDT", now, 50000),
		tick("BTCUSDT", now.Add(time.Second), 50001),
	}

	eb := mock.ExpectBatch()
	eb.ExpectExec("INSERT INTO market_ticks").
		WithArgs("BTCUSDT", now, 50000.0, 49999.5, 50000.5, 0.0, 0.0, 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	eb.ExpectExec("INSERT INTO market_ticks").
		WithArgs("BTCUSDT", now.Add(time.Second), 50001.0, 50000.5, 50001.5, 0.0, 0.0, 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inserted, err := store.AppendBatch(context.Background(), ticks)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendBatchSkipsDuplicates(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	ticks := []market.Tick{
		tick("BTCUSDT", now, 50000),
		tick("BTCUSDT", now, 50000), // same dedup triple
	}

	eb := mock.ExpectBatch()
	eb.ExpectExec("INSERT INTO market_ticks").
		WithArgs("BTCUSDT", now, 50000.0, 49999.5, 50000.5, 0.0, 0.0, 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	eb.ExpectExec("INSERT INTO market_ticks").
		WithArgs("BTCUSDT", now, 50000.0, 49999.5, 50000.5, 0.0, 0.0, 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := store.AppendBatch(context.Background(), ticks)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendBatchWriteUnavailable(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()

	eb := mock.ExpectBatch()
	eb.ExpectExec("INSERT INTO market_ticks").
		WithArgs("BTCUSDT", now, 50000.0, 49999.5, 50000.5, 0.0, 0.0, 0.0).
		WillReturnError(errors.New("connection refused"))

	_, err := store.AppendBatch(context.Background(), []market.Tick{tick("BTCUSDT", now, 50000)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteUnavailable)
}

func TestAppendBatchEmpty(t *testing.T) {
	store, _ := newMockStore(t)

	inserted, err := store.AppendBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted)
}

func TestLatestPrice(t *testing.T) {
	store, mock := newMockStore(t)

	ts := time.Now().UTC().Add(-5 * time.Second)
	rows := pgxmock.NewRows([]string{"last_price", "ts"}).AddRow(50123.5, ts)

	mock.ExpectQuery("SELECT last_price, ts FROM market_ticks").
		WithArgs("BTCUSDT", pgxmock.AnyArg()).
		WillReturnRows(rows)

	price, gotTS, err := store.LatestPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50123.5, price)
	assert.Equal(t, ts, gotTS)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestPriceNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT last_price, ts FROM market_ticks").
		WithArgs("BTCUSDT", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	_, _, err := store.LatestPrice(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStaleness(t *testing.T) {
	store, mock := newMockStore(t)

	ts := time.Now().UTC().Add(-42 * time.Second)
	rows := pgxmock.NewRows([]string{"ts"}).AddRow(ts)

	mock.ExpectQuery("SELECT ts FROM market_ticks").
		WithArgs("BTCUSDT").
		WillReturnRows(rows)

	staleness, err := store.Staleness(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 42.0, staleness.Seconds(), 1.0)
}

func TestWindowServesRollups(t *testing.T) {
	store, mock := newMockStore(t)

	from := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	to := from.Add(time.Minute)

	rows := pgxmock.NewRows([]string{
		"bucket_start", "symbol", "open", "high", "low", "close", "volume", "tick_count",
	}).
		AddRow(from, "BTCUSDT", 50000.0, 50010.0, 49990.0, 50005.0, 12.5, int64(37)).
		AddRow(from.Add(5*time.Second), "BTCUSDT", 50005.0, 50020.0, 50000.0, 50015.0, 8.0, int64(21))

	mock.ExpectQuery("FROM candle_5s").
		WithArgs("BTCUSDT", from, to).
		WillReturnRows(rows)

	candles, err := store.Window(context.Background(), "BTCUSDT", from, to, market.Granularity5s)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 50000.0, candles[0].Open)
	assert.Equal(t, 50015.0, candles[1].Close)
}

func TestWindowRebucketsCoarseGranularities(t *testing.T) {
	store, mock := newMockStore(t)

	from := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	to := from.Add(5 * time.Minute)

	rows := pgxmock.NewRows([]string{
		"bucket", "symbol", "open", "high", "low", "close", "volume", "tick_count",
	}).AddRow(from, "BTCUSDT", 50000.0, 50100.0, 49900.0, 50050.0, 123.0, int64(600))

	mock.ExpectQuery("time_bucket").
		WithArgs("BTCUSDT", from, to).
		WillReturnRows(rows)

	candles, err := store.Window(context.Background(), "BTCUSDT", from, to, market.Granularity1m)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 50050.0, candles[0].Close)
}

func TestWindowRejectsRaw(t *testing.T) {
	store, _ := newMockStore(t)

	_, err := store.Window(context.Background(), "BTCUSDT", time.Now(), time.Now(), market.GranularityRaw)
	assert.Error(t, err)
}

func TestInsertOrderDuplicateSuppressed(t *testing.T) {
	store, mock := newMockStore(t)

	order := &OrderRecord{
		ID:              "01J0000000000000000000TEST",
		ClientRequestID: "abc123",
		Symbol:          "BTCUSDT",
		Side:            market.SideBuy,
		OrderType:       "market",
		Status:          "filled",
		Quantity:        0.005,
		NotionalUSD:     250,
		RequestedPrice:  50000,
		CreatedAt:       time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO orders").
		WithArgs(order.ID, order.ClientRequestID, order.SignalID, order.Symbol, order.Side,
			order.OrderType, order.Status, order.Quantity, order.NotionalUSD,
			order.RequestedPrice, order.RejectReason, order.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := store.InsertOrder(context.Background(), order)
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrderByClientRequestIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM orders").
		WithArgs("missing-key").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetOrderByClientRequestID(context.Background(), "missing-key")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertSignalValidatesDimension(t *testing.T) {
	store, _ := newMockStore(t)

	err := store.InsertSignal(context.Background(), &SignalRecord{
		ID:       "01J0000000000000000000SIGN",
		Symbol:   "BTCUSDT",
		Side:     "buy",
		Features: []float32{1, 2, 3}, // wrong dimension
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "8-dimensional")
}

func TestRealizedPnLSince(t *testing.T) {
	store, mock := newMockStore(t)

	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"coalesce"}).AddRow(-42.5)

	mock.ExpectQuery("FROM trades").
		WithArgs(since).
		WillReturnRows(rows)

	pnl, err := store.RealizedPnLSince(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, -42.5, pnl)
}

func TestInsertRiskAudit(t *testing.T) {
	store, mock := newMockStore(t)

	proposal, _ := json.Marshal(map[string]interface{}{"symbol": "BTCUSDT", "notional_usd": 250.0})
	rec := &RiskAuditRecord{
		ID:        "01J000000000000000000AUDIT",
		Timestamp: time.Now().UTC(),
		Symbol:    "BTCUSDT",
		SignalID:  "01J0000000000000000000SIGN",
		Decision:  "rejected",
		Reasons:   []string{"kill_switch"},
		Proposal:  proposal,
	}

	mock.ExpectExec("INSERT INTO risk_audit").
		WithArgs(rec.ID, rec.Timestamp, rec.Symbol, rec.SignalID, rec.Decision, rec.Reasons, rec.Proposal).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.InsertRiskAudit(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}
