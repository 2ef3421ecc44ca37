package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tradepulse/tradepulse/internal/market"
	"github.com/tradepulse/tradepulse/internal/symbols"
)

// ErrUnknownSymbol marks frames for symbols outside the configured
// universe. They are counted separately from malformed frames.
var ErrUnknownSymbol = errors.New("symbol not in universe")

// wsFrame is the exchange's push envelope. Channel identifies the
// payload shape; control frames (PONG, subscription acks) carry no
// channel.
type wsFrame struct {
	Channel string          `json:"c"`
	Symbol  string          `json:"s"`
	Ts      int64           `json:"t"` // epoch milliseconds
	Data    json.RawMessage `json:"d"`
	Msg     string          `json:"msg"`
}

// bookTickerData is the best bid/ask payload. Prices arrive as strings.
type bookTickerData struct {
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// dealsData is the trade payload; one frame can carry several deals.
type dealsData struct {
	Deals []dealEntry `json:"deals"`
}

type dealEntry struct {
	Price  string `json:"p"`
	Volume string `json:"v"`
	Ts     int64  `json:"t"`
	Side   int    `json:"S"` // 1 buy, 2 sell
}

// Normalizer turns raw exchange frames into canonical ticks, dropping
// control frames and symbols outside the universe.
type Normalizer struct {
	universe map[string]struct{}
}

// NewNormalizer builds a normalizer for the given canonical symbols.
func NewNormalizer(syms []string) *Normalizer {
	u := make(map[string]struct{}, len(syms))
	for _, s := range syms {
		u[symbols.Canonical(s)] = struct{}{}
	}
	return &Normalizer{universe: u}
}

// Normalize parses one inbound frame. Control frames return (nil, nil).
// Unknown symbols return ErrUnknownSymbol; anything unparseable returns
// a malformed error.
func (n *Normalizer) Normalize(data []byte) ([]market.Tick, error) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	// PONG and subscription acks have no channel.
	if frame.Channel == "" {
		return nil, nil
	}

	sym := symbols.Canonical(frame.Symbol)
	if _, ok := n.universe[sym]; !ok {
		return nil, ErrUnknownSymbol
	}

	switch {
	case strings.Contains(frame.Channel, "bookTicker"):
		return n.normalizeBookTicker(sym, frame)
	case strings.Contains(frame.Channel, "deals"):
		return n.normalizeDeals(sym, frame)
	default:
		return nil, fmt.Errorf("malformed frame: unknown channel %q", frame.Channel)
	}
}

func (n *Normalizer) normalizeBookTicker(sym string, frame wsFrame) ([]market.Tick, error) {
	var d bookTickerData
	if err := json.Unmarshal(frame.Data, &d); err != nil {
		return nil, fmt.Errorf("malformed bookTicker payload: %w", err)
	}

	bid, err := parsePrice(d.BidPrice)
	if err != nil {
		return nil, fmt.Errorf("malformed bookTicker bid: %w", err)
	}
	ask, err := parsePrice(d.AskPrice)
	if err != nil {
		return nil, fmt.Errorf("malformed bookTicker ask: %w", err)
	}
	bidQty, err := parseQty(d.BidQty)
	if err != nil {
		return nil, fmt.Errorf("malformed bookTicker bid qty: %w", err)
	}
	askQty, err := parseQty(d.AskQty)
	if err != nil {
		return nil, fmt.Errorf("malformed bookTicker ask qty: %w", err)
	}

	// Quote updates carry no trade price; the mid keeps the
	// bid <= last <= ask invariant.
	tick := market.Tick{
		Symbol:    sym,
		Timestamp: time.UnixMilli(frame.Ts).UTC(),
		LastPrice: (bid + ask) / 2,
		Bid:       bid,
		Ask:       ask,
		BidSize:   bidQty,
		AskSize:   askQty,
		Channel:   market.ChannelBookTicker,
	}
	if err := tick.CheckQuote(); err != nil {
		return nil, fmt.Errorf("malformed bookTicker quote: %w", err)
	}

	return []market.Tick{tick}, nil
}

func (n *Normalizer) normalizeDeals(sym string, frame wsFrame) ([]market.Tick, error) {
	var d dealsData
	if err := json.Unmarshal(frame.Data, &d); err != nil {
		return nil, fmt.Errorf("malformed deals payload: %w", err)
	}
	if len(d.Deals) == 0 {
		return nil, fmt.Errorf("malformed deals payload: no deals")
	}

	ticks := make([]market.Tick, 0, len(d.Deals))
	for _, deal := range d.Deals {
		price, err := parsePrice(deal.Price)
		if err != nil {
			return nil, fmt.Errorf("malformed deal price: %w", err)
		}
		volume, err := parseQty(deal.Volume)
		if err != nil {
			return nil, fmt.Errorf("malformed deal volume: %w", err)
		}

		ts := deal.Ts
		if ts == 0 {
			ts = frame.Ts
		}

		tick := market.Tick{
			Symbol:      sym,
			Timestamp:   time.UnixMilli(ts).UTC(),
			LastPrice:   price,
			VolumeDelta: volume,
			Channel:     market.ChannelDeals,
		}
		if err := tick.CheckQuote(); err != nil {
			return nil, fmt.Errorf("malformed deal: %w", err)
		}
		ticks = append(ticks, tick)
	}

	return ticks, nil
}

func parsePrice(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("non-positive price %q", s)
	}
	return v, nil
}

func parseQty(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative quantity %q", s)
	}
	return v, nil
}

// SubscriptionParams returns the channel parameters for a SUBSCRIPTION
// request covering every symbol in the universe.
func SubscriptionParams(syms, channels []string) []string {
	params := make([]string, 0, len(syms)*len(channels))
	for _, ch := range channels {
		for _, s := range syms {
			params = append(params, fmt.Sprintf("spot@public.%s.v3.api@%s", ch, symbols.Canonical(s)))
		}
	}
	return params
}
