package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateNATS()...)
	errors = append(errors, c.validateFeed()...)
	errors = append(errors, c.validateFeatures()...)
	errors = append(errors, c.validateModel()...)
	errors = append(errors, c.validateTrading()...)
	errors = append(errors, c.validateStrategy()...)
	errors = append(errors, c.validateRisk()...)
	errors = append(errors, c.validatePaper()...)
	errors = append(errors, c.validateEngines()...)
	errors = append(errors, c.validateAPI()...)
	errors = append(errors, c.validateEnvironmentRequirements()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	if c.App.Environment == "" {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: "Environment is required (development, staging, or production)",
		})
	} else {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "app.environment",
				Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
			})
		}
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required",
		})
	}

	if c.Database.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: "Database port is required",
		})
	} else if c.Database.Port < 1 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Database.Port),
		})
	}

	if c.Database.User == "" {
		errors = append(errors, ValidationError{
			Field:   "database.user",
			Message: "Database user is required",
		})
	}

	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "Database name is required",
		})
	}

	if c.Database.Password == "" && c.App.Environment != "development" {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: "Database password is required in non-development environments",
		})
	}

	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Database pool size must be at least 1",
		})
	}

	if c.Database.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.batch_size",
			Message: "Tick batch size must be at least 1",
		})
	}

	if c.Database.FlushInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "database.flush_interval",
			Message: "Tick flush interval must be greater than 0 seconds",
		})
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required",
		})
	}

	if c.Redis.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: "Redis port is required",
		})
	} else if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Redis.Port),
		})
	}

	if c.Redis.StreamMaxLen < 1 {
		errors = append(errors, ValidationError{
			Field:   "redis.stream_maxlen",
			Message: "Stream max length must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors

	if c.NATS.Embedded {
		return errors
	}

	if c.NATS.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL is required",
		})
	} else if !strings.HasPrefix(c.NATS.URL, "nats://") {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL must start with 'nats://'",
		})
	}

	return errors
}

func (c *Config) validateFeed() ValidationErrors {
	var errors ValidationErrors

	if c.Feed.WSURL == "" {
		errors = append(errors, ValidationError{
			Field:   "feed.ws_url",
			Message: "Exchange websocket URL is required (set EXCHANGE_WS_URL)",
		})
	} else if !strings.HasPrefix(c.Feed.WSURL, "ws://") && !strings.HasPrefix(c.Feed.WSURL, "wss://") {
		errors = append(errors, ValidationError{
			Field:   "feed.ws_url",
			Message: "Exchange websocket URL must start with 'ws://' or 'wss://'",
		})
	}

	if len(c.Feed.Channels) == 0 {
		errors = append(errors, ValidationError{
			Field:   "feed.channels",
			Message: "At least one feed channel is required",
		})
	}

	if c.Feed.HeartbeatTimeout < 1 {
		errors = append(errors, ValidationError{
			Field:   "feed.heartbeat_timeout",
			Message: "Heartbeat timeout must be at least 1 second",
		})
	}

	if c.Feed.OutlierPct <= 0 || c.Feed.OutlierPct >= 1 {
		errors = append(errors, ValidationError{
			Field:   "feed.outlier_pct",
			Message: fmt.Sprintf("Invalid outlier threshold %.2f. Must be between 0-1 exclusive", c.Feed.OutlierPct),
		})
	}

	if c.Feed.DedupWindow < 1 {
		errors = append(errors, ValidationError{
			Field:   "feed.dedup_window",
			Message: "Dedup window must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateFeatures() ValidationErrors {
	var errors ValidationErrors

	if c.Features.RingSize < 21 {
		errors = append(errors, ValidationError{
			Field:   "features.ring_size",
			Message: "Ring size must be at least 21 (ma_20 needs 20 prices plus the current one)",
		})
	}

	if c.Features.StalenessSec < 1 {
		errors = append(errors, ValidationError{
			Field:   "features.staleness_sec",
			Message: "Feature staleness threshold must be at least 1 second",
		})
	}

	if c.Features.BarSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "features.bar_seconds",
			Message: "Bar size must be at least 1 second",
		})
	}

	return errors
}

func (c *Config) validateModel() ValidationErrors {
	var errors ValidationErrors

	if c.Model.TimeoutMS < 1 {
		errors = append(errors, ValidationError{
			Field:   "model.timeout_ms",
			Message: "Model timeout must be at least 1ms",
		})
	}

	if c.Model.Default == "" {
		errors = append(errors, ValidationError{
			Field:   "model.default",
			Message: "A default model name is required",
		})
	}

	for i, m := range c.Model.Models {
		if m.Name == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("model.models[%d].name", i),
				Message: "Model records require a name",
			})
		}
		if m.EntryThreshold < 0 || m.EntryThreshold > 1 || m.ExitThreshold < 0 || m.ExitThreshold > 1 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("model.models[%d]", i),
				Message: "Calibration thresholds must be within [0, 1]",
			})
		}
		if m.EntryThreshold < m.ExitThreshold {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("model.models[%d]", i),
				Message: "Entry threshold must not be below the exit threshold",
			})
		}
		if m.Remote && c.Model.Endpoint == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("model.models[%d]", i),
				Message: "Remote models require model.endpoint to be set",
			})
		}
	}

	return errors
}

func (c *Config) validateTrading() ValidationErrors {
	var errors ValidationErrors

	if len(c.Trading.Symbols) == 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.symbols",
			Message: "At least one trading symbol is required",
		})
	}

	if c.Trading.DefaultProfile != "" {
		validProfiles := []string{"SCALP", "DAY", "SWING"}
		valid := false
		for _, p := range validProfiles {
			if c.Trading.DefaultProfile == p {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "trading.default_profile",
				Message: fmt.Sprintf("Invalid profile '%s'. Must be one of: %v", c.Trading.DefaultProfile, validProfiles),
			})
		}
	}

	return errors
}

func (c *Config) validateStrategy() ValidationErrors {
	var errors ValidationErrors

	if c.Strategy.BaseNotionalUSD <= 0 {
		errors = append(errors, ValidationError{
			Field:   "strategy.base_notional_usd",
			Message: fmt.Sprintf("Invalid base notional %.2f. Must be positive", c.Strategy.BaseNotionalUSD),
		})
	}

	if c.Strategy.EntryScore < 0 || c.Strategy.EntryScore > 1 {
		errors = append(errors, ValidationError{
			Field:   "strategy.entry_score",
			Message: fmt.Sprintf("Invalid entry_score %.2f. Must be between 0-1", c.Strategy.EntryScore),
		})
	}

	if c.Strategy.MaxSpreadBPS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "strategy.max_spread_bps",
			Message: fmt.Sprintf("Invalid max_spread_bps %.2f. Must be positive", c.Strategy.MaxSpreadBPS),
		})
	}

	if c.Strategy.MaxLatencyMS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "strategy.max_latency_ms",
			Message: fmt.Sprintf("Invalid max_latency_ms %.2f. Must be positive", c.Strategy.MaxLatencyMS),
		})
	}

	if c.Strategy.MinVolBPS < 0 {
		errors = append(errors, ValidationError{
			Field:   "strategy.min_vol_bps",
			Message: fmt.Sprintf("Invalid min_vol_bps %.2f. Must not be negative", c.Strategy.MinVolBPS),
		})
	}

	if c.Strategy.TargetVolBPS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "strategy.target_vol_bps",
			Message: fmt.Sprintf("Invalid target_vol_bps %.2f. Must be positive", c.Strategy.TargetVolBPS),
		})
	}

	return errors
}

func (c *Config) validateRisk() ValidationErrors {
	var errors ValidationErrors

	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.min_confidence",
			Message: fmt.Sprintf("Invalid min_confidence %.2f. Must be between 0-1", c.Risk.MinConfidence),
		})
	}

	if c.Risk.MinNotional <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.min_notional",
			Message: "Min notional must be greater than 0",
		})
	}

	if c.Risk.MaxNotional < c.Risk.MinNotional {
		errors = append(errors, ValidationError{
			Field:   "risk.max_notional",
			Message: fmt.Sprintf("Max notional %.2f must be at least min notional %.2f", c.Risk.MaxNotional, c.Risk.MinNotional),
		})
	}

	if c.Risk.MaxTradeUSD <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.max_trade_usd",
			Message: "Max trade size must be greater than 0",
		})
	}

	if c.Risk.MaxDailyLoss >= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.max_daily_loss",
			Message: "Max daily loss must be negative (a loss limit in USD)",
		})
	}

	if c.Risk.MaxPositionNotional <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.max_position_notional",
			Message: "Max position notional must be greater than 0",
		})
	}

	if c.Risk.LocalMidnightTZ != "" {
		if _, err := time.LoadLocation(c.Risk.LocalMidnightTZ); err != nil {
			errors = append(errors, ValidationError{
				Field:   "risk.local_midnight_tz",
				Message: fmt.Sprintf("Unknown timezone '%s'", c.Risk.LocalMidnightTZ),
			})
		}
	}

	return errors
}

func (c *Config) validatePaper() ValidationErrors {
	var errors ValidationErrors

	if c.Paper.StartingCash <= 0 {
		errors = append(errors, ValidationError{
			Field:   "paper.starting_cash",
			Message: "Starting cash must be greater than 0",
		})
	}

	if c.Paper.SlippageBPS < 0 {
		errors = append(errors, ValidationError{
			Field:   "paper.slippage_bps",
			Message: "Slippage must be non-negative",
		})
	}

	if c.Paper.FeeTakerBPS < 0 || c.Paper.FeeMakerBPS < 0 {
		errors = append(errors, ValidationError{
			Field:   "paper.fee_taker_bps",
			Message: "Fees must be non-negative",
		})
	}

	if c.Paper.EquityIntervalS < 1 {
		errors = append(errors, ValidationError{
			Field:   "paper.equity_interval_s",
			Message: "Equity snapshot interval must be at least 1 second",
		})
	}

	return errors
}

func (c *Config) validateEngines() ValidationErrors {
	var errors ValidationErrors

	if c.Engines.HeartbeatIntervalS < 1 {
		errors = append(errors, ValidationError{
			Field:   "engines.heartbeat_interval_s",
			Message: "Heartbeat interval must be at least 1 second",
		})
	}

	if c.Engines.HeartbeatGapS <= c.Engines.HeartbeatIntervalS {
		errors = append(errors, ValidationError{
			Field:   "engines.heartbeat_gap_s",
			Message: fmt.Sprintf("Heartbeat gap %ds must exceed the heartbeat interval %ds", c.Engines.HeartbeatGapS, c.Engines.HeartbeatIntervalS),
		})
	}

	if c.Engines.MaxRestarts < 1 {
		errors = append(errors, ValidationError{
			Field:   "engines.max_restarts",
			Message: "Max restarts must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	var errors ValidationErrors

	if c.API.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: "API port is required",
		})
	} else if c.API.Port < 1 || c.API.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.API.Port),
		})
	}

	return errors
}

func (c *Config) validateEnvironmentRequirements() ValidationErrors {
	var errors ValidationErrors

	// Production-specific validations
	if c.App.Environment == "production" {
		secretErrors := ValidateProductionSecrets(c)
		errors = append(errors, secretErrors...)

		if c.Database.SSLMode == "disable" {
			errors = append(errors, ValidationError{
				Field:   "database.ssl_mode",
				Message: "SSL must be enabled for database in production",
			})
		}

		if c.NATS.Embedded {
			errors = append(errors, ValidationError{
				Field:   "nats.embedded",
				Message: "Embedded NATS is a development convenience and must be disabled in production",
			})
		}
	}

	return errors
}

// ValidateAndLoad loads and validates configuration.
// configPath can be empty to use default config locations.
func ValidateAndLoad(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
