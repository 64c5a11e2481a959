package strategy

import (
	"testing"

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

func TestEngineEntryExecution(t *testing.T) {
	t.Parallel()
	fake := &exchangetest.Fake{EquityUSDT: 10_000}
	fake.SetKlines("BTCUSDT", "1h", breakoutSeries())
	fake.SetKlines("BTCUSDT", "4h", risingSeries(60, 90, 0.25))
	fake.SetPrice("BTCUSDT", 105)
	// The venue reports the new position after the fill.
	fake.OpenPositions = []exchange.PositionData{{
		Symbol: "BTCUSDT", Side: exchange.Buy, Size: 35.71, EntryPrice: 105, Leverage: 25, Exchange: "BYBIT",
	}}

	data := market.NewService(fake)
	cache := position.NewCache()
	riskMgr := risk.NewManager(config.RiskConfig{MaxOpenPositions: 10, MaxRiskPerTrade: 1}, 1.0, data, cache, nil)
	orders := order.NewManager(cache, data, nil, fake)
	oracle := &fakeOracle{verdict: ai.VerdictBuy}
	sniper := NewSniper(sniperConfig(), "BYBIT", data, riskMgr, cache, oracle, NewConfirmer(data, "BYBIT"), orders, nil)

	registry := NewRegistry()
	registry.Register(sniper)
	engine := NewEngine(registry, cache, orders, riskMgr, data, NewWeightingService(nil), nil, fake)

	require.NoError(t, engine.EvaluateAndExecute("BTCUSDT", "BYBIT", SniperID))

	reqs := fake.PlacedRequests()
	require.Len(t, reqs, 1, "one entry order")
	req := reqs[0]
	assert.Equal(t, exchange.Buy, req.Side)
	assert.Equal(t, exchange.Market, req.Type)
	assert.Equal(t, 25, req.Leverage, "tier-1 leverage")
	assert.InDelta(t, 10_000*0.015*25/105.0, req.Quantity, 0.01, "tier-1 sizing, venue-step rounded")
	assert.Greater(t, req.StopLoss, 0.0, "SL attached to the entry order")
	assert.Less(t, req.StopLoss, 105.0)
	assert.Equal(t, 1, fake.LeverageCalls)

	pos, ok := cache.Get("BTCUSDT")
	require.True(t, ok, "cache refreshed after the fill")
	assert.Equal(t, SniperID, pos.StrategyID)
	assert.InDelta(t, req.StopLoss, pos.StrategyStopLoss, 1e-9, "initial stop annotated")
}

func TestEngineSkipsUnknownStrategy(t *testing.T) {
	t.Parallel()
	engine := NewEngine(NewRegistry(), position.NewCache(), nil, nil, nil, NewWeightingService(nil), nil)
	assert.Error(t, engine.EvaluateAndExecute("BTCUSDT", "BYBIT", "NOPE"))
}
