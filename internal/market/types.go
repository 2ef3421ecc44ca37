package market

import (
	"fmt"
	"time"
)

// Side is the direction of a signal, order, or fill
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
	SideFlat Side = "FLAT"
)

// Valid reports whether the side is a known value
func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell, SideFlat:
		return true
	}
	return false
}

// Sign returns +1 for buys, -1 for sells, 0 for flat
func (s Side) Sign() float64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	}
	return 0
}

// Opposite returns the reversing side
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	}
	return SideFlat
}

// Channels a tick can originate from.
const (
	ChannelBookTicker = "bookTicker"
	ChannelDeals      = "deals"
)

// Granularity selects the resolution served by tick store window reads
type Granularity string

const (
	GranularityRaw Granularity = "raw"
	Granularity1s  Granularity = "1s"
	Granularity5s  Granularity = "5s"
	Granularity1m  Granularity = "1m"
	Granularity5m  Granularity = "5m"
	Granularity15m Granularity = "15m"
)

// ParseGranularity validates a granularity string
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case GranularityRaw, Granularity1s, Granularity5s, Granularity1m, Granularity5m, Granularity15m:
		return Granularity(s), nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

// Duration returns the bucket width. Raw has no bucket and returns 0.
func (g Granularity) Duration() time.Duration {
	switch g {
	case Granularity1s:
		return time.Second
	case Granularity5s:
		return 5 * time.Second
	case Granularity1m:
		return time.Minute
	case Granularity5m:
		return 5 * time.Minute
	case Granularity15m:
		return 15 * time.Minute
	}
	return 0
}

// Interval returns the PostgreSQL interval literal for the bucket.
func (g Granularity) Interval() string {
	switch g {
	case Granularity1s:
		return "1 second"
	case Granularity5s:
		return "5 seconds"
	case Granularity1m:
		return "1 minute"
	case Granularity5m:
		return "5 minutes"
	case Granularity15m:
		return "15 minutes"
	}
	return ""
}

// Tick is a normalized market quote or trade event.
// Duplicates are suppressed by the (symbol, timestamp, last_price) triple.
type Tick struct {
	Symbol      string    `json:"symbol"`
	Timestamp   time.Time `json:"ts"`
	LastPrice   float64   `json:"last_price"`
	Bid         float64   `json:"bid,omitempty"`
	Ask         float64   `json:"ask,omitempty"`
	BidSize     float64   `json:"bid_size,omitempty"`
	AskSize     float64   `json:"ask_size,omitempty"`
	VolumeDelta float64   `json:"trade_volume_delta,omitempty"`
	Channel     string    `json:"channel,omitempty"` // bookTicker or deals
}

// Mid returns the midpoint of bid/ask, falling back to the last price
// when the book side is absent.
func (t Tick) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.LastPrice
}

// SpreadBPS returns the quoted spread in basis points of the mid,
// or 0 when either side is absent.
func (t Tick) SpreadBPS() float64 {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0
	}
	mid := (t.Bid + t.Ask) / 2
	if mid == 0 {
		return 0
	}
	return (t.Ask - t.Bid) / mid * 10000
}

// CheckQuote verifies bid <= last <= ask when both book sides are present
func (t Tick) CheckQuote() error {
	if t.Bid > 0 && t.Ask > 0 {
		if t.Bid > t.Ask {
			return fmt.Errorf("crossed book: bid %.8f > ask %.8f", t.Bid, t.Ask)
		}
	}
	if t.LastPrice <= 0 {
		return fmt.Errorf("non-positive last price %.8f", t.LastPrice)
	}
	return nil
}

// Candle is an OHLCV aggregation over a time bucket
type Candle struct {
	Symbol      string    `json:"symbol"`
	BucketStart time.Time `json:"bucket_start"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	TickCount   int64     `json:"tick_count,omitempty"`
}
