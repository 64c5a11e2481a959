package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tbot/exchange"
)

func TestParseVerdict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text string
		want Verdict
	}{
		{"After analysis I conclude STRONG_BUY here.", StrongBuy},
		{"verdict: buy", VerdictBuy},
		{"Market looks NEUTRAL for now", Neutral},
		{"I would SELL this rally", VerdictSell},
		{"STRONG_SELL, momentum is gone", StrongSell},
		{"no idea", Unknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseVerdict(tc.text), tc.text)
	}
}

func TestParseVerdictTokenPrecedence(t *testing.T) {
	t.Parallel()
	// STRONG_BUY contains BUY; the stronger token must win.
	assert.Equal(t, StrongBuy, ParseVerdict("STRONG_BUY"))
	assert.Equal(t, StrongSell, ParseVerdict("this is a STRONG_SELL setup"))
}

func TestVerdictConfirmsOpposes(t *testing.T) {
	t.Parallel()
	assert.True(t, StrongBuy.Confirms(exchange.Buy))
	assert.True(t, VerdictSell.Confirms(exchange.Sell))
	assert.False(t, Neutral.Confirms(exchange.Buy))
	assert.True(t, StrongSell.Opposes(exchange.Buy))
	assert.False(t, VerdictBuy.Opposes(exchange.Buy))
}

const scanResponse = `Some preamble text.
---SETUP---
Title: BTC breakout continuation
Direction: LONG
Entry: 42000 - 42500
StopLoss: 41500
TakeProfit1: 43000
TakeProfit2: 44000
TakeProfit3: 46000
---END_SETUP---
Commentary in between.
---SETUP---
Title: ETH fade
Direction: SHORT
Entry: 2500
StopLoss: 2580
TakeProfit1: 2400
---END_SETUP---
`

func TestParseSetups(t *testing.T) {
	t.Parallel()
	candidates := ParseSetups(scanResponse)
	require.Len(t, candidates, 4, "each take-profit spawns a candidate")

	first := candidates[0]
	assert.Equal(t, exchange.Buy, first.Side)
	assert.InDelta(t, 42000.0, first.Entry, 1e-9, "range uses the first value")
	assert.InDelta(t, 41500.0, first.StopLoss, 1e-9)
	assert.InDelta(t, 43000.0, first.TakeProfit, 1e-9)

	short := candidates[3]
	assert.Equal(t, exchange.Sell, short.Side)
	assert.InDelta(t, 2500.0, short.Entry, 1e-9)
}

func TestParseSetupsMalformedBlocksSkipped(t *testing.T) {
	t.Parallel()
	text := "---SETUP---\nDirection: LONG\nEntry: not-a-number\nStopLoss: 10\nTakeProfit1: 12\n---END_SETUP---"
	assert.Empty(t, ParseSetups(text))

	assert.Empty(t, ParseSetups("no blocks at all"))
	assert.Empty(t, ParseSetups("---SETUP---\nunterminated"))
}

func TestSetupRoundTrip(t *testing.T) {
	t.Parallel()
	original := ParseSetups(scanResponse)
	require.NotEmpty(t, original)

	reparsed := ParseSetups(FormatSetups(original))
	assert.Equal(t, original, reparsed, "format then parse reproduces the candidates")
}
