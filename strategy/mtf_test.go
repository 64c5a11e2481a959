package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tbot/exchange"
	"tbot/exchange/exchangetest"
	"tbot/market"
)

func TestConfirmerClassification(t *testing.T) {
	t.Parallel()
	fake := &exchangetest.Fake{}
	fake.SetKlines("UPUSDT", "4h", risingSeries(60, 90, 0.25))
	falling := risingSeries(60, 120, -0.25)
	fake.SetKlines("DOWNUSDT", "4h", falling)
	confirmer := NewConfirmer(market.NewService(fake), "BYBIT")

	assert.Equal(t, StrongConfirmation, confirmer.Confirm("UPUSDT", "1h", exchange.Buy))
	assert.Equal(t, Contradiction, confirmer.Confirm("UPUSDT", "1h", exchange.Sell))
	assert.Equal(t, StrongConfirmation, confirmer.Confirm("DOWNUSDT", "1h", exchange.Sell))
	assert.Equal(t, Contradiction, confirmer.Confirm("DOWNUSDT", "1h", exchange.Buy))

	// No higher timeframe above daily.
	assert.Equal(t, NotApplicable, confirmer.Confirm("UPUSDT", "1d", exchange.Buy))

	// Missing data is an error, not a block.
	assert.Equal(t, ConfirmationError, confirmer.Confirm("MISSINGUSDT", "1h", exchange.Buy))
}

func TestConfirmationScoreDeltas(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 0.75, StrongConfirmation.ScoreDelta(), 1e-9)
	assert.InDelta(t, 0.25, WeakConfirmation.ScoreDelta(), 1e-9)
	assert.InDelta(t, 0.0, NoConfirmation.ScoreDelta(), 1e-9)
	assert.InDelta(t, -1.0, Contradiction.ScoreDelta(), 1e-9)
	assert.InDelta(t, 0.0, NotApplicable.ScoreDelta(), 1e-9)
	assert.InDelta(t, 0.0, ConfirmationError.ScoreDelta(), 1e-9)
}

func TestWeightingDefaultsWithoutHistory(t *testing.T) {
	t.Parallel()
	w := NewWeightingService(nil).Current()
	assert.InDelta(t, 0.5, w.Technical, 1e-9)
	assert.InDelta(t, 0.2, w.Sentiment, 1e-9)
	assert.InDelta(t, 0.3, w.AI, 1e-9)
}
