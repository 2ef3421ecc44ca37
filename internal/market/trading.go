package market

import "time"

// Order types. Paper execution fills market orders only; resting limit
// orders exist for maker-fee accounting in replays.
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Fill liquidity flags.
const (
	LiquidityTaker = "taker"
	LiquidityMaker = "maker"
)

// Order statuses.
const (
	OrderStatusFilled   = "filled"
	OrderStatusRejected = "rejected"
)

// Signal is a candidate trade produced by a strategy engine. Risk may
// reject it or clamp its notional before execution.
type Signal struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	Confidence     float64   `json:"confidence"`
	NotionalUSD    float64   `json:"notional_usd"`
	SourceStrategy string    `json:"source_strategy"`
	ModelName      string    `json:"model_name,omitempty"`
	IsFallback     bool      `json:"is_fallback,omitempty"`
	LatencyMS      float64   `json:"latency_ms,omitempty"`   // prediction latency
	StalenessSec   float64   `json:"staleness_s,omitempty"`  // feature staleness at decision time
	BarCloseAt     time.Time `json:"bar_close_at,omitempty"` // entry bar backing the idempotency key
	Features       []float32 `json:"features,omitempty"`     // snapshot vector for similarity search
	CreatedAt      time.Time `json:"created_at"`
}

// Order is an execution request routed to the paper engine.
type Order struct {
	ID              string    `json:"id"`
	ClientRequestID string    `json:"client_request_id"`
	SignalID        string    `json:"signal_id,omitempty"`
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	Quantity        float64   `json:"quantity,omitempty"` // derived from notional when zero
	NotionalUSD     float64   `json:"notional_usd"`
	RequestedPrice  float64   `json:"requested_price,omitempty"`
	OrderType       string    `json:"order_type"`
	CreatedAt       time.Time `json:"created_at"`
}

// Fill is the execution result of one order.
type Fill struct {
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Quantity    float64   `json:"quantity"`
	FillPrice   float64   `json:"fill_price"`
	SlippageBPS float64   `json:"slippage_bps"`
	FeeUSD      float64   `json:"fee_usd"`
	Liquidity   string    `json:"liquidity"`
	FilledAt    time.Time `json:"filled_at"`
}

// Position is the running state of one symbol's holdings. Quantity is
// signed; shorts are negative.
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity_signed"`
	AvgEntryPrice float64   `json:"average_entry_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl_usd"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	LastMarkPrice float64   `json:"last_mark_price,omitempty"`
	LastMarkAt    time.Time `json:"last_mark_at,omitempty"`
}

// Trade is a completed round trip: the fills that opened a position
// paired with the fill that brought it back through zero. Immutable.
type Trade struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	OpenOrderID    string    `json:"open_order_id"`
	CloseOrderID   string    `json:"close_order_id"`
	RealizedPnLUSD float64   `json:"realized_pnl_usd"`
	ClosedAt       time.Time `json:"closed_at"`
}

// EquitySnapshot is one point on the account equity curve.
type EquitySnapshot struct {
	Timestamp         time.Time `json:"ts"`
	CashBalance       float64   `json:"cash_balance"`
	UnrealizedPnL     float64   `json:"unrealized_pnl"`
	RealizedPnLToDate float64   `json:"realized_pnl_to_date"`
	Equity            float64   `json:"equity"`
	DrawdownPct       float64   `json:"drawdown_pct"`
}
