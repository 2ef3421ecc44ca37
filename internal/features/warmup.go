package features

import (
	"context"
	"fmt"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	"github.com/tradepulse/tradepulse/internal/symbols"
)

// KlineSource fetches historical bars for warmup. The Binance spot
// REST API is the production source; tests substitute a fake.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Bar, error)
}

// BinanceSource fetches klines from the Binance spot REST API. Public
// kline endpoints need no credentials.
type BinanceSource struct {
	client  *binance.Client
	limiter *rate.Limiter
}

// NewBinanceSource builds a rate-limited kline source.
func NewBinanceSource() *BinanceSource {
	return &BinanceSource{
		client:  binance.NewClient("", ""),
		limiter: rate.NewLimiter(rate.Limit(5), 5), // 5 calls/sec
	}
}

// Klines fetches up to limit bars at the given interval.
func (s *BinanceSource) Klines(ctx context.Context, symbol, interval string, limit int) ([]Bar, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	klines, err := s.client.NewKlinesService().
		Symbol(symbols.Canonical(symbol)).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines for %s: %w", symbol, err)
	}

	bars := make([]Bar, 0, len(klines))
	for _, k := range klines {
		bar, err := barFromKline(k)
		if err != nil {
			return nil, fmt.Errorf("parse kline for %s: %w", symbol, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func barFromKline(k *binance.Kline) (Bar, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("open: %w", err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("high: %w", err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("low: %w", err)
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("close: %w", err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("volume: %w", err)
	}

	return Bar{
		OpenTime: time.UnixMilli(k.OpenTime).UTC(),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePrice,
		Volume:   volume,
	}, nil
}

// IntervalForSeconds maps a bar size to the exchange kline interval.
func IntervalForSeconds(sec int) (string, error) {
	switch sec {
	case 1:
		return "1s", nil
	case 60:
		return "1m", nil
	case 180:
		return "3m", nil
	case 300:
		return "5m", nil
	case 900:
		return "15m", nil
	case 1800:
		return "30m", nil
	case 3600:
		return "1h", nil
	case 14400:
		return "4h", nil
	case 86400:
		return "1d", nil
	default:
		return "", fmt.Errorf("no kline interval for %ds bars", sec)
	}
}

// Warmup backfills every tracked symbol's bar history from the source
// so bar-based indicators are usable before live ticks accumulate. The
// final kline is dropped when still in progress. Warmup failures are
// per-symbol; the first error aborts the rest.
func (c *Cache) Warmup(ctx context.Context, source KlineSource) error {
	interval, err := IntervalForSeconds(c.cfg.BarSeconds)
	if err != nil {
		return err
	}

	limit := c.cfg.WarmupBars
	if limit <= 0 {
		limit = minBarCapacity
	}

	for _, sym := range c.order {
		bars, err := source.Klines(ctx, sym, interval, limit+1)
		if err != nil {
			return fmt.Errorf("warmup %s: %w", sym, err)
		}

		// The exchange returns the open bar last.
		if n := len(bars); n > 0 {
			last := bars[n-1]
			if time.Since(last.OpenTime) < c.barSize {
				bars = bars[:n-1]
			}
		}

		if err := c.SeedBars(sym, bars); err != nil {
			return err
		}

		c.log.Info().
			Str("symbol", sym).
			Int("bars", len(bars)).
			Str("interval", interval).
			Msg("Feature cache warmed up")
	}
	return nil
}
