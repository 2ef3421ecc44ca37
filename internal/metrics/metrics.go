package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Feed disconnect causes (bounded set)
	StreamErrorTimeout   = "timeout"
	StreamErrorClosed    = "closed"
	StreamErrorDial      = "dial"
	StreamErrorSubscribe = "subscribe"
	StreamErrorNetwork   = "network"
	StreamErrorOther     = "other"
)

// NormalizeStreamError maps arbitrary feed errors to a bounded set
func NormalizeStreamError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return StreamErrorTimeout
	case strings.Contains(errStr, "close"):
		return StreamErrorClosed
	case strings.Contains(errStr, "dial"):
		return StreamErrorDial
	case strings.Contains(errStr, "subscribe"):
		return StreamErrorSubscribe
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection") || strings.Contains(errStr, "reset"):
		return StreamErrorNetwork
	default:
		return StreamErrorOther
	}
}

// Market Feed Metrics
var (
	TicksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_feed_ticks_received_total",
		Help: "Normalized ticks accepted into the pipeline by symbol",
	}, []string{"symbol"})

	TicksDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_feed_ticks_deduped_total",
		Help: "Ticks dropped by the duplicate-suppression ring by symbol",
	}, []string{"symbol"})

	OutliersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_feed_outliers_rejected_total",
		Help: "Ticks rejected by the trailing-median outlier filter by symbol",
	}, []string{"symbol"})

	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepulse_feed_malformed_frames_total",
		Help: "Inbound frames discarded because they could not be parsed",
	})

	UnknownSymbolFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepulse_feed_unknown_symbol_frames_total",
		Help: "Frames dropped because the symbol is not in the configured universe",
	})

	FeedConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepulse_feed_connected",
		Help: "Whether the exchange WebSocket is in the streaming state (1 = yes)",
	})

	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepulse_feed_reconnects_total",
		Help: "Total WebSocket reconnect attempts",
	})

	FeedDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_feed_disconnects_total",
		Help: "WebSocket disconnects by normalized cause",
	}, []string{"cause"})

	TickInterArrival = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradepulse_feed_tick_inter_arrival_seconds",
		Help:    "Per-symbol gap between consecutive accepted ticks",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"symbol"})

	TickBatchesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepulse_feed_tick_batches_flushed_total",
		Help: "Tick batches written to the tick store",
	})

	TickBatchesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepulse_feed_tick_batches_dropped_total",
		Help: "Tick batches dropped from the pending ring on overflow",
	})

	TickBatchFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradepulse_feed_tick_batch_flush_duration_ms",
		Help:    "Tick batch write duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	PendingTickBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepulse_feed_pending_tick_batches",
		Help: "Batches waiting in the retry ring after failed store writes",
	})
)

// Event Bus Metrics
var (
	BusMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_bus_messages_published_total",
		Help: "Messages published to the bus by topic",
	}, []string{"topic"})

	BusPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_bus_publish_failures_total",
		Help: "Publish attempts that failed by topic",
	}, []string{"topic"})

	BusSubscriberDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_bus_subscriber_drops_total",
		Help: "Messages evicted from a subscriber's lag window by topic",
	}, []string{"topic"})
)

// Feature Cache Metrics
var (
	FeatureStalenessSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradepulse_feature_staleness_seconds",
		Help: "Seconds since the last tick reached the feature cache by symbol",
	}, []string{"symbol"})

	StaleFeatureReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_feature_stale_reads_total",
		Help: "Feature snapshots served with the stale marker by symbol",
	}, []string{"symbol"})
)

// Model Provider Metrics
var (
	ModelPredictLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradepulse_model_predict_latency_ms",
		Help:    "Predict call latency in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000},
	})

	ModelFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_model_fallbacks_total",
		Help: "Predictions served by the deterministic stub by reason",
	}, []string{"reason"})

	ModelSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepulse_model_switches_total",
		Help: "Atomic model swaps",
	})

	CircuitBreakerStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradepulse_circuit_breaker_status",
		Help: "Circuit breaker status (1 = open/tripped, 0 = closed)",
	}, []string{"breaker_type"})

	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_circuit_breaker_trips_total",
		Help: "Total circuit breaker trips",
	}, []string{"breaker_type"})
)

// Engine Manager Metrics
var (
	EnginesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepulse_engines_running",
		Help: "Strategy engines currently in the running state",
	})

	EngineRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_engine_restarts_total",
		Help: "Engine restarts by symbol",
	}, []string{"symbol"})

	EnginesPermanentlyFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_engines_permanently_failed_total",
		Help: "Engines abandoned after exhausting restart attempts by symbol",
	}, []string{"symbol"})

	SignalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_signals_generated_total",
		Help: "Candidate signals produced by strategy engines",
	}, []string{"symbol", "side"})
)

// Risk & Guardrails Metrics
var (
	RiskDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_risk_decisions_total",
		Help: "Guardrail pipeline outcomes",
	}, []string{"decision"})

	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_risk_rejections_total",
		Help: "Guardrail rejections by first failing check",
	}, []string{"reason"})

	KillSwitchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepulse_kill_switch_active",
		Help: "Global kill switch state (1 = trading halted)",
	})

	CooldownActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepulse_cooldown_active",
		Help: "Risk cooldown state (1 = new entries blocked)",
	})

	DailyRealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepulse_daily_realized_pnl_usd",
		Help: "Realized P&L since the last daily reset in USD",
	})
)

// Paper Execution Metrics
var (
	OrdersAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepulse_orders_accepted_total",
		Help: "Orders accepted by the paper engine",
	})

	OrdersDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepulse_orders_duplicate_total",
		Help: "Order submissions answered from the idempotency cache",
	})

	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_fills_total",
		Help: "Fills by side and liquidity",
	}, []string{"side", "liquidity"})

	SlippageBps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradepulse_fill_slippage_bps",
		Help:    "Applied slippage per fill in basis points",
		Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13, 21},
	})

	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepulse_equity_usd",
		Help: "Current account equity in USD",
	})

	DrawdownPct = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepulse_drawdown_pct",
		Help: "Drawdown from the equity peak as a percentage",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepulse_open_positions",
		Help: "Number of non-flat positions",
	})

	UnrealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepulse_unrealized_pnl_usd",
		Help: "Mark-to-market unrealized P&L in USD",
	})

	RealizedPnLToDate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepulse_realized_pnl_to_date_usd",
		Help: "Cumulative realized P&L in USD",
	})

	EquitySnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepulse_equity_snapshots_total",
		Help: "Equity snapshots appended to the store",
	})
)

// HTTP API Metrics
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradepulse_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"method", "path", "status_code"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})
)

// Storage Metrics
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradepulse_database_query_duration_ms",
		Help:    "Database query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})

	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_cache_operations_total",
		Help: "Last-tick cache operations by op and outcome",
	}, []string{"op", "outcome"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepulse_database_connections_active",
		Help: "Number of active database connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepulse_database_connections_idle",
		Help: "Number of idle database connections",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_errors_total",
		Help: "Total number of errors by type",
	}, []string{"type", "component"})
)

// Flags Store Metrics
var (
	FlagMutations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepulse_flag_mutations_total",
		Help: "Flag writes that changed state",
	})

	FlagSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepulse_flag_snapshots_total",
		Help: "Flag snapshots taken",
	})
)

// Alerting Metrics
var (
	AlertsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_alerts_dispatched_total",
		Help: "Alerts forwarded to sinks by severity and category",
	}, []string{"severity", "category"})

	AlertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepulse_alerts_suppressed_total",
		Help: "Alerts dropped before any sink saw them",
	}, []string{"reason"})
)

// Performance Rollup Metrics, recomputed from the store by the updater
var (
	TradesClosed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepulse_trades_closed",
		Help: "Closed round trips recorded in the store",
	})

	WinRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepulse_win_rate",
		Help: "Fraction of closed trades with positive realized P&L",
	})
)

// Helper functions to update metrics

// RecordTick records an accepted tick and its inter-arrival gap
func RecordTick(symbol string, interArrivalSeconds float64) {
	TicksReceived.WithLabelValues(symbol).Inc()
	if interArrivalSeconds > 0 {
		TickInterArrival.WithLabelValues(symbol).Observe(interArrivalSeconds)
	}
}

// RecordFeedDisconnect records a disconnect with a normalized cause
func RecordFeedDisconnect(err error) {
	FeedConnected.Set(0)
	FeedDisconnects.WithLabelValues(NormalizeStreamError(err)).Inc()
}

// RecordBatchFlush records a successful tick batch write
func RecordBatchFlush(durationMs float64) {
	TickBatchesFlushed.Inc()
	TickBatchFlushDuration.Observe(durationMs)
}

// RecordAPIRequest records an API request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}

// RecordDatabaseQuery records a database query
func RecordDatabaseQuery(queryType string, durationMs float64) {
	DatabaseQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// RecordCacheOp records a last-tick cache operation outcome
func RecordCacheOp(op, outcome string) {
	CacheOperations.WithLabelValues(op, outcome).Inc()
}

// UpdateDatabaseConnections updates database connection metrics
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// RecordPrediction records a Predict call outcome
func RecordPrediction(latencyMs float64, isFallback bool, fallbackReason string) {
	ModelPredictLatency.Observe(latencyMs)
	if isFallback {
		ModelFallbacks.WithLabelValues(fallbackReason).Inc()
	}
}

// UpdateCircuitBreaker updates circuit breaker status
func UpdateCircuitBreaker(breakerType string, open bool) {
	status := 0.0
	if open {
		status = 1.0
		CircuitBreakerTrips.WithLabelValues(breakerType).Inc()
	}
	CircuitBreakerStatus.WithLabelValues(breakerType).Set(status)
}

// RecordRiskDecision records a guardrail outcome with its first failing reason
func RecordRiskDecision(decision string, reasons []string) {
	RiskDecisions.WithLabelValues(decision).Inc()
	if decision == "rejected" && len(reasons) > 0 {
		RiskRejections.WithLabelValues(reasons[0]).Inc()
	}
}

// SetKillSwitch updates the kill switch gauge
func SetKillSwitch(active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	KillSwitchActive.Set(v)
}

// SetCooldown updates the cooldown gauge
func SetCooldown(active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	CooldownActive.Set(v)
}

// RecordFill records a paper fill
func RecordFill(side, liquidity string, slippageBps float64) {
	FillsTotal.WithLabelValues(side, liquidity).Inc()
	SlippageBps.Observe(slippageBps)
}

// UpdatePortfolio updates the portfolio gauges from an equity snapshot
func UpdatePortfolio(equity, drawdownPct, unrealized, realized float64, openPositions int) {
	Equity.Set(equity)
	DrawdownPct.Set(drawdownPct)
	UnrealizedPnL.Set(unrealized)
	RealizedPnLToDate.Set(realized)
	OpenPositions.Set(float64(openPositions))
}
