package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Features   FeaturesConfig   `mapstructure:"features"`
	Model      ModelConfig      `mapstructure:"model"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Paper      PaperConfig      `mapstructure:"paper"`
	Engines    EnginesConfig    `mapstructure:"engines"`
	Flags      FlagsConfig      `mapstructure:"flags"`
	API        APIConfig        `mapstructure:"api"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // console or json
}

// DatabaseConfig contains PostgreSQL/TimescaleDB settings
type DatabaseConfig struct {
	Host           string  `mapstructure:"host"`
	Port           int     `mapstructure:"port"`
	User           string  `mapstructure:"user"`
	Password       string  `mapstructure:"password"`
	Database       string  `mapstructure:"database"`
	SSLMode        string  `mapstructure:"ssl_mode"`
	PoolSize       int     `mapstructure:"pool_size"`
	BatchSize      int     `mapstructure:"batch_size"`      // tick batch insert threshold
	FlushInterval  float64 `mapstructure:"flush_interval"`  // seconds, tick batch time threshold
	PendingBatches int     `mapstructure:"pending_batches"` // bounded retry queue for failed batches
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	StreamMaxLen int64  `mapstructure:"stream_maxlen"` // approximate cap per durable stream
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Embedded bool   `mapstructure:"embedded"` // run an in-process server instead of dialing
}

// FeedConfig contains exchange websocket feed settings
type FeedConfig struct {
	WSURL            string   `mapstructure:"ws_url"` // required
	Channels         []string `mapstructure:"channels"`
	HeartbeatTimeout int      `mapstructure:"heartbeat_timeout"` // seconds without traffic before reconnect
	PingInterval     int      `mapstructure:"ping_interval"`     // seconds between pings
	DedupWindow      int      `mapstructure:"dedup_window"`      // per-symbol tick hashes retained
	OutlierPct       float64  `mapstructure:"outlier_pct"`       // reject ticks this far from trailing median
	OutlierWindow    int      `mapstructure:"outlier_window"`    // seconds of trailing median history
}

// FeaturesConfig contains feature cache settings
type FeaturesConfig struct {
	RingSize     int `mapstructure:"ring_size"`     // prices retained per symbol
	StalenessSec int `mapstructure:"staleness_sec"` // features older than this are stale
	WarmupBars   int `mapstructure:"warmup_bars"`   // klines backfilled before an engine starts
	BarSeconds   int `mapstructure:"bar_seconds"`   // bar size for ATR and warmup klines
}

// ModelConfig contains inference service settings
type ModelConfig struct {
	Endpoint  string        `mapstructure:"endpoint"` // empty means stub-only
	APIKey    string        `mapstructure:"api_key"`
	TimeoutMS int           `mapstructure:"timeout_ms"` // per-call budget before stub fallback
	Default   string        `mapstructure:"default"`    // active model at startup
	Models    []ModelRecord `mapstructure:"models"`     // servable models beyond the sine baseline
}

// ModelRecord describes one servable model and the calibration metadata
// that converts its probabilities into directional intents.
type ModelRecord struct {
	Name           string  `mapstructure:"name"`
	Version        string  `mapstructure:"version"`
	Remote         bool    `mapstructure:"remote"` // served over HTTP rather than by the sine baseline
	EntryThreshold float64 `mapstructure:"entry_threshold"`
	ExitThreshold  float64 `mapstructure:"exit_threshold"`
	ECE            float64 `mapstructure:"ece"` // expected calibration error from the last sweep
}

// TradingConfig contains trading settings
type TradingConfig struct {
	Symbols        []string `mapstructure:"symbols"`
	DefaultProfile string   `mapstructure:"default_profile"` // SCALP, DAY, SWING
	AutoStart      bool     `mapstructure:"auto_start"`      // start engines for all symbols at boot
}

// StrategyConfig contains the gate and sizing knobs shared by every
// strategy profile; bar cadence and exit parameters are per-profile.
type StrategyConfig struct {
	BaseNotionalUSD float64 `mapstructure:"base_notional_usd"`
	EntryScore      float64 `mapstructure:"entry_score"` // momentum gate acceptance level
	MaxSpreadBPS    float64 `mapstructure:"max_spread_bps"`
	MaxLatencyMS    float64 `mapstructure:"max_latency_ms"` // tick transit delay ceiling
	MinVolBPS       float64 `mapstructure:"min_vol_bps"`
	TargetVolBPS    float64 `mapstructure:"target_vol_bps"` // inverse-volatility sizing anchor
}

// RiskConfig contains guardrail defaults; the live values are mutable at runtime
type RiskConfig struct {
	MinConfidence            float64 `mapstructure:"min_confidence"`
	MinNotional              float64 `mapstructure:"min_notional"`
	MaxNotional              float64 `mapstructure:"max_notional"`
	MaxTradeUSD              float64 `mapstructure:"max_trade_usd"`
	MaxDailyLoss             float64 `mapstructure:"max_daily_loss"` // negative USD
	MaxPositionNotional      float64 `mapstructure:"max_position_notional"`
	CooldownMinutes          int     `mapstructure:"cooldown_minutes"`
	CircuitBreakerEnabled    bool    `mapstructure:"circuit_breaker_enabled"`
	LatencyThresholdMS       float64 `mapstructure:"latency_threshold_ms"` // prediction latency at which the breaker trips
	LocalMidnightTZ          string  `mapstructure:"local_midnight_tz"`    // daily loss reset timezone
	AllowFallbackSignals     bool    `mapstructure:"allow_fallback_signals"`
	ForceFallbackPredictions int     `mapstructure:"force_fallback_predictions"` // stub calls forced after a latency trip
}

// PaperConfig contains simulated execution settings
type PaperConfig struct {
	StartingCash    float64 `mapstructure:"starting_cash"`
	SlippageBPS     float64 `mapstructure:"slippage_bps"`
	FeeTakerBPS     float64 `mapstructure:"fee_taker_bps"`
	FeeMakerBPS     float64 `mapstructure:"fee_maker_bps"`
	StalePriceSec   int     `mapstructure:"stale_price_sec"`   // reject fills on prices older than this
	EquityIntervalS int     `mapstructure:"equity_interval_s"` // max seconds between equity snapshots
}

// EnginesConfig contains per-symbol engine lifecycle settings
type EnginesConfig struct {
	HeartbeatIntervalS int `mapstructure:"heartbeat_interval_s"`
	HeartbeatGapS      int `mapstructure:"heartbeat_gap_s"` // silence beyond this marks the engine unhealthy
	MaxRestarts        int `mapstructure:"max_restarts"`    // consecutive failures before permanently_failed
}

// FlagsConfig contains runtime flag store settings
type FlagsConfig struct {
	Path        string `mapstructure:"path"`
	SnapshotDir string `mapstructure:"snapshot_dir"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// AlertsConfig tunes the operational alert router
type AlertsConfig struct {
	MinSeverity string   `mapstructure:"min_severity"` // lowest severity forwarded to sinks
	Mute        []string `mapstructure:"mute"`         // categories silenced entirely
	RepeatSec   int      `mapstructure:"repeat_sec"`   // identical alerts inside this window are dropped
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("TRADEPULSE")

	// Operational env vars keep their historical unprefixed names
	bindLegacyEnv(v)

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindLegacyEnv maps the deployment environment variables onto config keys.
// These predate the TRADEPULSE_ prefix and stay unprefixed for compatibility
// with existing deploy manifests.
func bindLegacyEnv(v *viper.Viper) {
	bindings := map[string]string{
		"trading.symbols":              "SYMBOLS",
		"feed.ws_url":                  "EXCHANGE_WS_URL",
		"paper.slippage_bps":           "SLIPPAGE_BPS",
		"paper.fee_taker_bps":          "FEE_TAKER_BPS",
		"paper.fee_maker_bps":          "FEE_MAKER_BPS",
		"risk.min_notional":            "RISK_MIN_NOTIONAL",
		"risk.max_notional":            "RISK_MAX_NOTIONAL",
		"risk.max_trade_usd":           "MAX_TRADE_USD",
		"risk.max_daily_loss":          "MAX_DAILY_LOSS",
		"risk.max_position_notional":   "MAX_POS_NOTIONAL",
		"risk.local_midnight_tz":       "LOCAL_MIDNIGHT_TZ",
		"model.timeout_ms":             "MODEL_TIMEOUT_MS",
		"features.staleness_sec":       "FEATURE_STALENESS_S",
		"database.batch_size":          "DB_BATCH_SIZE",
		"database.flush_interval":      "DB_FLUSH_INTERVAL_SEC",
		"redis.stream_maxlen":          "STREAM_MAXLEN",
		"engines.heartbeat_interval_s": "HEARTBEAT_INTERVAL_S",
		"engines.heartbeat_gap_s":      "HEARTBEAT_GAP_S",
		"nats.url":                     "NATS_URL",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "TradePulse")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "tradepulse")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.batch_size", 500)
	v.SetDefault("database.flush_interval", 0.25)
	v.SetDefault("database.pending_batches", 8)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream_maxlen", 10000)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.embedded", false)

	// Feed defaults
	v.SetDefault("feed.channels", []string{"bookTicker", "deals"})
	v.SetDefault("feed.heartbeat_timeout", 25)
	v.SetDefault("feed.ping_interval", 10)
	v.SetDefault("feed.dedup_window", 1000)
	v.SetDefault("feed.outlier_pct", 0.10)
	v.SetDefault("feed.outlier_window", 300)

	// Feature cache defaults
	v.SetDefault("features.ring_size", 100)
	v.SetDefault("features.staleness_sec", 60)
	v.SetDefault("features.warmup_bars", 100)
	v.SetDefault("features.bar_seconds", 60)

	// Model defaults
	v.SetDefault("model.endpoint", "")
	v.SetDefault("model.timeout_ms", 500)
	v.SetDefault("model.default", "sine-baseline")

	// Trading defaults
	v.SetDefault("trading.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("trading.default_profile", "DAY")
	v.SetDefault("trading.auto_start", true)

	v.SetDefault("strategy.base_notional_usd", 100.0)
	v.SetDefault("strategy.entry_score", 0.60)
	v.SetDefault("strategy.max_spread_bps", 8.0)
	v.SetDefault("strategy.max_latency_ms", 800.0)
	v.SetDefault("strategy.min_vol_bps", 2.0)
	v.SetDefault("strategy.target_vol_bps", 15.0)

	// Risk defaults
	v.SetDefault("risk.min_confidence", 0.55)
	v.SetDefault("risk.min_notional", 5.0)
	v.SetDefault("risk.max_notional", 250.0)
	v.SetDefault("risk.max_trade_usd", 250.0)
	v.SetDefault("risk.max_daily_loss", -200.0)
	v.SetDefault("risk.max_position_notional", 2000.0)
	v.SetDefault("risk.cooldown_minutes", 60)
	v.SetDefault("risk.circuit_breaker_enabled", true)
	v.SetDefault("risk.latency_threshold_ms", 250.0)
	v.SetDefault("risk.local_midnight_tz", "UTC")
	v.SetDefault("risk.allow_fallback_signals", true)
	v.SetDefault("risk.force_fallback_predictions", 0)

	// Paper execution defaults
	v.SetDefault("paper.starting_cash", 10000.0)
	v.SetDefault("paper.slippage_bps", 2.0)
	v.SetDefault("paper.fee_taker_bps", 5.0)
	v.SetDefault("paper.fee_maker_bps", 2.0)
	v.SetDefault("paper.stale_price_sec", 60)
	v.SetDefault("paper.equity_interval_s", 10)

	// Engine lifecycle defaults
	v.SetDefault("engines.heartbeat_interval_s", 10)
	v.SetDefault("engines.heartbeat_gap_s", 60)
	v.SetDefault("engines.max_restarts", 5)

	// Flags defaults
	v.SetDefault("flags.path", "data/flags.yaml")
	v.SetDefault("flags.snapshot_dir", "data/snapshots")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.cors_origins", []string{"*"})

	// Alerts defaults
	v.SetDefault("alerts.min_severity", "warning")
	v.SetDefault("alerts.repeat_sec", 300)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetFlushInterval returns the tick batch flush interval as a duration
func (c *DatabaseConfig) GetFlushInterval() time.Duration {
	return time.Duration(c.FlushInterval * float64(time.Second))
}

// GetTimeout returns the model call budget as a duration
func (c *ModelConfig) GetTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// GetHeartbeatTimeout returns the feed heartbeat sentinel window
func (c *FeedConfig) GetHeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Second
}

// GetStaleness returns the feature staleness threshold
func (c *FeaturesConfig) GetStaleness() time.Duration {
	return time.Duration(c.StalenessSec) * time.Second
}

// GetRepeatWindow returns the alert repeat suppression window
func (c *AlertsConfig) GetRepeatWindow() time.Duration {
	return time.Duration(c.RepeatSec) * time.Second
}
