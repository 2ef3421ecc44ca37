package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tradepulse/tradepulse/internal/market"
	"github.com/tradepulse/tradepulse/internal/metrics"
)

// LastTickCache keeps the hot per-symbol last tick in Redis and
// appends bus traffic to capped per-topic streams for durable replay.
type LastTickCache struct {
	client       *redis.Client
	ttl          time.Duration
	maxlen       int64
	keyPrefix    string
	streamPrefix string
}

// LastTickCacheConfig configures the cache.
type LastTickCacheConfig struct {
	TTL          time.Duration // Key expiry (default: 120s)
	MaxLen       int64         // Approximate per-stream cap (default: 10000)
	KeyPrefix    string        // Default: "tradepulse:last_tick:"
	StreamPrefix string        // Default: "tradepulse:"; the topic name completes it
}

// NewLastTickCache creates a Redis-backed last-tick cache.
// If client is nil, returns nil (the bus degrades to fanout-only).
func NewLastTickCache(client *redis.Client, cfg LastTickCacheConfig) *LastTickCache {
	if client == nil {
		return nil
	}

	if cfg.TTL == 0 {
		cfg.TTL = 120 * time.Second
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = 10000
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "tradepulse:last_tick:"
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "tradepulse:"
	}

	return &LastTickCache{
		client:       client,
		ttl:          cfg.TTL,
		maxlen:       cfg.MaxLen,
		keyPrefix:    cfg.KeyPrefix,
		streamPrefix: cfg.StreamPrefix,
	}
}

// Set stores the tick under its symbol key and appends it to the
// replay stream. Cache writes use a short timeout so a degraded Redis
// cannot stall the tick pipeline.
func (c *LastTickCache) Set(ctx context.Context, tick market.Tick) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("last-tick cache not initialized")
	}

	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("failed to marshal tick: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	pipe := c.client.Pipeline()
	pipe.Set(cacheCtx, c.key(tick.Symbol), data, c.ttl)
	pipe.XAdd(cacheCtx, &redis.XAddArgs{
		Stream: c.streamFor(TopicTicks),
		MaxLen: c.maxlen,
		Approx: true,
		Values: map[string]interface{}{
			"symbol": tick.Symbol,
			"tick":   string(data),
		},
	})
	if _, err := pipe.Exec(cacheCtx); err != nil {
		log.Warn().
			Err(err).
			Str("symbol", tick.Symbol).
			Msg("Failed to cache last tick")
		metrics.RecordCacheOp("set", "error")
		return err
	}

	metrics.RecordCacheOp("set", "ok")
	return nil
}

// Get retrieves the last tick for symbol. A miss or a Redis error is
// reported as not-found; callers fall back to the tick store.
func (c *LastTickCache) Get(ctx context.Context, symbol string) (market.Tick, bool) {
	if c == nil || c.client == nil {
		return market.Tick{}, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, c.key(symbol)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().
				Err(err).
				Str("symbol", symbol).
				Msg("Redis get error - treating as cache miss")
			metrics.RecordCacheOp("get", "error")
		} else {
			metrics.RecordCacheOp("get", "miss")
		}
		return market.Tick{}, false
	}

	var tick market.Tick
	if err := json.Unmarshal([]byte(cached), &tick); err != nil {
		log.Warn().
			Err(err).
			Str("symbol", symbol).
			Msg("Failed to unmarshal cached tick")
		metrics.RecordCacheOp("get", "error")
		return market.Tick{}, false
	}

	metrics.RecordCacheOp("get", "hit")
	return tick, true
}

// Mirror appends a published payload to the topic's durable stream,
// trimmed to the configured cap.
func (c *LastTickCache) Mirror(ctx context.Context, topic string, payload []byte) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("last-tick cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	err := c.client.XAdd(cacheCtx, &redis.XAddArgs{
		Stream: c.streamFor(topic),
		MaxLen: c.maxlen,
		Approx: true,
		Values: map[string]interface{}{"data": string(payload)},
	}).Err()
	if err != nil {
		metrics.RecordCacheOp("mirror", "error")
		return fmt.Errorf("failed to append %s stream: %w", topic, err)
	}

	metrics.RecordCacheOp("mirror", "ok")
	return nil
}

// Replay reads up to count entries from the durable tick stream
// starting at fromID ("0" for the beginning, "$" for new entries).
func (c *LastTickCache) Replay(ctx context.Context, fromID string, count int64) ([]market.Tick, string, error) {
	if c == nil || c.client == nil {
		return nil, fromID, fmt.Errorf("last-tick cache not initialized")
	}
	if fromID == "" {
		fromID = "0"
	}

	entries, err := c.client.XRangeN(ctx, c.streamFor(TopicTicks), nextStreamID(fromID), "+", count).Result()
	if err != nil {
		return nil, fromID, fmt.Errorf("failed to read tick stream: %w", err)
	}

	ticks := make([]market.Tick, 0, len(entries))
	lastID := fromID
	for _, entry := range entries {
		raw, ok := entry.Values["tick"].(string)
		if !ok {
			continue
		}
		var tick market.Tick
		if err := json.Unmarshal([]byte(raw), &tick); err != nil {
			log.Warn().Err(err).Str("stream_id", entry.ID).Msg("Skipping undecodable stream entry")
			continue
		}
		ticks = append(ticks, tick)
		lastID = entry.ID
	}

	return ticks, lastID, nil
}

// Health checks the Redis connection.
func (c *LastTickCache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("last-tick cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(cacheCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (c *LastTickCache) key(symbol string) string {
	return c.keyPrefix + symbol
}

func (c *LastTickCache) streamFor(topic string) string {
	return c.streamPrefix + topic
}

// nextStreamID returns the exclusive-start form of a stream ID, so
// Replay never re-reads the entry it was resumed from.
func nextStreamID(id string) string {
	if id == "0" || id == "-" {
		return "-"
	}
	return "(" + id
}
