package hedging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tbot/ai"
	"tbot/config"
	"tbot/exchange"
	"tbot/exchange/exchangetest"
	"tbot/market"
	"tbot/order"
	"tbot/position"
	"tbot/risk"
)

type neutralOracle struct{}

func (neutralOracle) Analyze(symbol, interval, exchangeName string, price float64) (ai.Verdict, error) {
	return ai.Neutral, nil
}
func (neutralOracle) NotifyEvent(string) {}

func testService(t *testing.T) (*Service, *exchangetest.Fake, *position.Cache) {
	t.Helper()
	fake := &exchangetest.Fake{}
	fake.SetPrice("BTCUSDT", 84)
	data := market.NewService(fake)
	cache := position.NewCache()
	orders := order.NewManager(cache, data, nil, fake)
	riskMgr := risk.NewManager(config.RiskConfig{MaxOpenPositions: 10, MaxRiskPerTrade: 1}, 1.0, data, cache, nil)
	cfg := config.HedgingConfig{
		LossThresholdPct: 15,
		Ratio:            0.5,
		Cooldown:         5 * time.Minute,
	}
	return NewService(cfg, cache, orders, data, neutralOracle{}, riskMgr, nil), fake, cache
}

func losingLong(cache *position.Cache, fake *exchangetest.Fake) {
	cache.ApplyPush("BYBIT", []exchange.PositionPush{{
		Symbol:        "BTCUSDT",
		Side:          exchange.Buy,
		Size:          10,
		EntryPrice:    100,
		Leverage:      10,
		UnrealizedPnL: -160, // -16% of the 1000 entry notional
	}})
	// The venue keeps reporting the primary position, so post-order
	// cache refreshes don't lose it.
	fake.OpenPositions = []exchange.PositionData{{
		Symbol: "BTCUSDT", Side: exchange.Buy, Size: 10, EntryPrice: 100,
		Leverage: 10, UnrealizedPnL: -160, Exchange: "BYBIT",
	}}
}

func TestHighLossTriggersDirectHedge(t *testing.T) {
	t.Parallel()
	svc, fake, cache := testService(t)
	losingLong(cache, fake)

	svc.EvaluateOnce()

	hedges := svc.Active()
	require.Len(t, hedges, 1)
	hedge := hedges[0]
	assert.Equal(t, "BTCUSDT", hedge.PrimarySymbol)
	assert.Equal(t, "BTCUSDT", hedge.HedgeSymbol)
	assert.Equal(t, DirectOpposite, hedge.Type)
	assert.Equal(t, HighUnrealizedLoss, hedge.Reason)
	assert.Equal(t, exchange.Sell, hedge.HedgeSide)
	assert.InDelta(t, 0.5, hedge.Ratio, 1e-9)

	reqs := fake.PlacedRequests()
	require.Len(t, reqs, 1)
	assert.InDelta(t, 5.0, reqs[0].Quantity, 1e-9, "0.5 of the base size")
	assert.Equal(t, exchange.Sell, reqs[0].Side)
}

func TestCooldownPreventsOscillation(t *testing.T) {
	t.Parallel()
	svc, fake, cache := testService(t)
	losingLong(cache, fake)

	svc.EvaluateOnce()
	require.Len(t, fake.PlacedRequests(), 1)

	// Close the hedge, then re-evaluate inside the cooldown window:
	// the still-losing position must not spawn a second hedge.
	require.NoError(t, svc.CloseHedge("BTCUSDT"))
	require.Len(t, fake.PlacedRequests(), 2, "one open plus one close")

	svc.EvaluateOnce()
	assert.Len(t, fake.PlacedRequests(), 2, "cooldown holds")
	assert.Empty(t, svc.Active())
}

func TestExistingHedgeBlocksSecond(t *testing.T) {
	t.Parallel()
	svc, fake, cache := testService(t)
	losingLong(cache, fake)

	svc.EvaluateOnce()
	svc.EvaluateOnce()
	assert.Len(t, fake.PlacedRequests(), 1, "one hedge per primary position")
}

func TestHedgeClosedWhenUnderlyingCloses(t *testing.T) {
	t.Parallel()
	svc, fake, cache := testService(t)
	losingLong(cache, fake)
	svc.EvaluateOnce()
	require.Len(t, svc.Active(), 1)

	// Underlying disappears; the sweep closes the hedge.
	cache.Remove("BTCUSDT")
	svc.EvaluateOnce()
	assert.Empty(t, svc.Active())
	reqs := fake.PlacedRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, exchange.Buy, reqs[1].Side, "hedge closed in the opposite direction")
	assert.True(t, reqs[1].ReduceOnly)
}

func TestNoTriggerNoHedge(t *testing.T) {
	t.Parallel()
	svc, fake, cache := testService(t)
	cache.ApplyPush("BYBIT", []exchange.PositionPush{{
		Symbol: "BTCUSDT", Side: exchange.Buy, Size: 10, EntryPrice: 100,
		UnrealizedPnL: -50, // -5%, under the threshold
	}})

	svc.EvaluateOnce()
	assert.Empty(t, svc.Active())
	assert.Empty(t, fake.PlacedRequests())
}
