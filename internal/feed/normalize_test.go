package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepulse/tradepulse/internal/market"
)

func testNormalizer() *Normalizer {
	return NewNormalizer([]string{"BTCUSDT", "ETHUSDT"})
}

func TestNormalizeBookTicker(t *testing.T) {
	n := testNormalizer()

	frame := `{"c":"spot@public.bookTicker.v3.api@BTCUSDT","s":"BTCUSDT","t":1700000000123,"d":{"b":"49999.50","B":"1.25","a":"50000.50","A":"0.75"}}`

	ticks, err := n.Normalize([]byte(frame))
	require.NoError(t, err)
	require.Len(t, ticks, 1)

	tick := ticks[0]
	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.Equal(t, market.ChannelBookTicker, tick.Channel)
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), tick.Timestamp)
	assert.InDelta(t, 49999.50, tick.Bid, 1e-9)
	assert.InDelta(t, 50000.50, tick.Ask, 1e-9)
	assert.InDelta(t, 50000.00, tick.LastPrice, 1e-9, "last price is the mid")
	assert.InDelta(t, 1.25, tick.BidSize, 1e-9)
	assert.InDelta(t, 0.75, tick.AskSize, 1e-9)
	assert.Zero(t, tick.VolumeDelta)
}

func TestNormalizeDeals(t *testing.T) {
	n := testNormalizer()

	frame := `{"c":"spot@public.deals.v3.api@ETHUSDT","s":"ETHUSDT","t":1700000001000,"d":{"deals":[` +
		`{"p":"3000.10","v":"0.5","t":1700000000500,"S":1},` +
		`{"p":"3000.20","v":"0.2","S":2}]}}`

	ticks, err := n.Normalize([]byte(frame))
	require.NoError(t, err)
	require.Len(t, ticks, 2)

	assert.Equal(t, "ETHUSDT", ticks[0].Symbol)
	assert.Equal(t, market.ChannelDeals, ticks[0].Channel)
	assert.InDelta(t, 3000.10, ticks[0].LastPrice, 1e-9)
	assert.InDelta(t, 0.5, ticks[0].VolumeDelta, 1e-9)
	assert.Equal(t, time.UnixMilli(1700000000500).UTC(), ticks[0].Timestamp)

	// Second deal has no timestamp of its own; falls back to the frame's.
	assert.Equal(t, time.UnixMilli(1700000001000).UTC(), ticks[1].Timestamp)
	assert.InDelta(t, 3000.20, ticks[1].LastPrice, 1e-9)
}

func TestNormalizeControlFrames(t *testing.T) {
	n := testNormalizer()

	tests := []struct {
		name  string
		frame string
	}{
		{"pong", `{"msg":"PONG"}`},
		{"subscription ack", `{"id":0,"code":0,"msg":"spot@public.bookTicker.v3.api@BTCUSDT"}`},
		{"empty object", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ticks, err := n.Normalize([]byte(tt.frame))
			assert.NoError(t, err)
			assert.Nil(t, ticks)
		})
	}
}

func TestNormalizeUnknownSymbol(t *testing.T) {
	n := testNormalizer()

	frame := `{"c":"spot@public.bookTicker.v3.api@DOGEUSDT","s":"DOGEUSDT","t":1700000000123,"d":{"b":"0.1","B":"10","a":"0.2","A":"10"}}`

	ticks, err := n.Normalize([]byte(frame))
	assert.ErrorIs(t, err, ErrUnknownSymbol)
	assert.Nil(t, ticks)
}

func TestNormalizeSymbolCanonicalized(t *testing.T) {
	n := testNormalizer()

	frame := `{"c":"spot@public.bookTicker.v3.api@btc-usdt","s":"btc-usdt","t":1700000000123,"d":{"b":"100","B":"1","a":"101","A":"1"}}`

	ticks, err := n.Normalize([]byte(frame))
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, "BTCUSDT", ticks[0].Symbol)
}

func TestNormalizeMalformed(t *testing.T) {
	n := testNormalizer()

	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `not json at all`},
		{"unknown channel", `{"c":"spot@public.kline.v3.api@BTCUSDT","s":"BTCUSDT","t":1,"d":{}}`},
		{"bookTicker bad bid", `{"c":"spot@public.bookTicker.v3.api@BTCUSDT","s":"BTCUSDT","t":1,"d":{"b":"abc","B":"1","a":"101","A":"1"}}`},
		{"bookTicker zero ask", `{"c":"spot@public.bookTicker.v3.api@BTCUSDT","s":"BTCUSDT","t":1,"d":{"b":"100","B":"1","a":"0","A":"1"}}`},
		{"bookTicker crossed", `{"c":"spot@public.bookTicker.v3.api@BTCUSDT","s":"BTCUSDT","t":1,"d":{"b":"102","B":"1","a":"101","A":"1"}}`},
		{"bookTicker negative qty", `{"c":"spot@public.bookTicker.v3.api@BTCUSDT","s":"BTCUSDT","t":1,"d":{"b":"100","B":"-1","a":"101","A":"1"}}`},
		{"deals empty", `{"c":"spot@public.deals.v3.api@BTCUSDT","s":"BTCUSDT","t":1,"d":{"deals":[]}}`},
		{"deals bad price", `{"c":"spot@public.deals.v3.api@BTCUSDT","s":"BTCUSDT","t":1,"d":{"deals":[{"p":"-5","v":"1"}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ticks, err := n.Normalize([]byte(tt.frame))
			assert.Error(t, err)
			assert.NotErrorIs(t, err, ErrUnknownSymbol)
			assert.Nil(t, ticks)
		})
	}
}

func TestSubscriptionParams(t *testing.T) {
	params := SubscriptionParams([]string{"BTCUSDT", "ethusdt"}, []string{"bookTicker", "deals"})

	assert.Equal(t, []string{
		"spot@public.bookTicker.v3.api@BTCUSDT",
		"spot@public.bookTicker.v3.api@ETHUSDT",
		"spot@public.deals.v3.api@BTCUSDT",
		"spot@public.deals.v3.api@ETHUSDT",
	}, params)
}
