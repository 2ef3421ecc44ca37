package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// EXCHANGE_WS_URL is the one required knob with no default
	t.Setenv("EXCHANGE_WS_URL", "wss://stream.example.com/ws")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "TradePulse", cfg.App.Name)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Trading.Symbols)
	assert.Equal(t, 500, cfg.Database.BatchSize)
	assert.InDelta(t, 0.25, cfg.Database.FlushInterval, 1e-9)
	assert.Equal(t, int64(10000), cfg.Redis.StreamMaxLen)
	assert.Equal(t, 500, cfg.Model.TimeoutMS)
	assert.Equal(t, 60, cfg.Features.StalenessSec)
	assert.InDelta(t, 2.0, cfg.Paper.SlippageBPS, 1e-9)
	assert.InDelta(t, 5.0, cfg.Paper.FeeTakerBPS, 1e-9)
	assert.InDelta(t, -200.0, cfg.Risk.MaxDailyLoss, 1e-9)
	assert.Equal(t, "UTC", cfg.Risk.LocalMidnightTZ)
	assert.Equal(t, 10, cfg.Engines.HeartbeatIntervalS)
	assert.Equal(t, 60, cfg.Engines.HeartbeatGapS)
}

func TestLoadLegacyEnvOverrides(t *testing.T) {
	t.Setenv("EXCHANGE_WS_URL", "wss://stream.example.com/ws")
	t.Setenv("SLIPPAGE_BPS", "3.5")
	t.Setenv("RISK_MAX_NOTIONAL", "500")
	t.Setenv("MAX_DAILY_LOSS", "-50.0")
	t.Setenv("STREAM_MAXLEN", "2500")
	t.Setenv("LOCAL_MIDNIGHT_TZ", "America/New_York")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "wss://stream.example.com/ws", cfg.Feed.WSURL)
	assert.InDelta(t, 3.5, cfg.Paper.SlippageBPS, 1e-9)
	assert.InDelta(t, 500.0, cfg.Risk.MaxNotional, 1e-9)
	assert.InDelta(t, -50.0, cfg.Risk.MaxDailyLoss, 1e-9)
	assert.Equal(t, int64(2500), cfg.Redis.StreamMaxLen)
	assert.Equal(t, "America/New_York", cfg.Risk.LocalMidnightTZ)
}

func TestLoadMissingWSURLFails(t *testing.T) {
	os.Unsetenv("EXCHANGE_WS_URL")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed.ws_url")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
app:
  log_level: debug
feed:
  ws_url: wss://alt.example.com/ws
trading:
  symbols:
    - SOLUSDT
paper:
  fee_maker_bps: 1.0
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "wss://alt.example.com/ws", cfg.Feed.WSURL)
	assert.Equal(t, []string{"SOLUSDT"}, cfg.Trading.Symbols)
	assert.InDelta(t, 1.0, cfg.Paper.FeeMakerBPS, 1e-9)
	// untouched keys keep defaults
	assert.InDelta(t, 5.0, cfg.Paper.FeeTakerBPS, 1e-9)
}

func TestGetDSN(t *testing.T) {
	db := DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "trader",
		Password: "pw",
		Database: "ticks",
		SSLMode:  "require",
	}
	dsn := db.GetDSN()
	assert.Contains(t, dsn, "host=db.internal")
	assert.Contains(t, dsn, "port=5433")
	assert.Contains(t, dsn, "dbname=ticks")
	assert.Contains(t, dsn, "sslmode=require")
}

func TestDurationHelpers(t *testing.T) {
	db := DatabaseConfig{FlushInterval: 0.25}
	assert.Equal(t, 250, int(db.GetFlushInterval().Milliseconds()))

	m := ModelConfig{TimeoutMS: 500}
	assert.Equal(t, 500, int(m.GetTimeout().Milliseconds()))

	f := FeedConfig{HeartbeatTimeout: 25}
	assert.Equal(t, 25.0, f.GetHeartbeatTimeout().Seconds())
}
