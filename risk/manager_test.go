package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tbot/config"
	"tbot/exchange"
	"tbot/exchange/exchangetest"
	"tbot/market"
	"tbot/position"
)

func testManager(t *testing.T) (*Manager, *exchangetest.Fake, *position.Cache) {
	t.Helper()
	fake := &exchangetest.Fake{}
	fake.SetPrice("BTCUSDT", 100)
	fake.SetPrice("ETHUSDT", 50)
	cache := position.NewCache()
	cfg := config.RiskConfig{
		MaxOpenPositions: 2,
		MaxRiskPerTrade:  0.02,
		SymbolCaps:       map[string]float64{"ETHUSDT": 500},
	}
	return NewManager(cfg, 1.0, market.NewService(fake), cache, nil), fake, cache
}

func TestValidateTradePasses(t *testing.T) {
	t.Parallel()
	m, _, _ := testManager(t)
	// Notional 1000, risk at 1% stop = 10, budget = 2% of 10000 = 200.
	assert.True(t, m.ValidateTrade("BTCUSDT", 10, "BYBIT", exchange.Buy, 10000))
}

func TestValidateTradeVetoes(t *testing.T) {
	t.Parallel()
	m, _, cache := testManager(t)

	// Per-trade risk budget: notional 100000 risks 1000 > 200.
	assert.False(t, m.ValidateTrade("BTCUSDT", 1000, "BYBIT", exchange.Buy, 10000))

	// Symbol cap: 20 * 50 = 1000 > 500.
	assert.False(t, m.ValidateTrade("ETHUSDT", 20, "BYBIT", exchange.Buy, 1_000_000))

	// Duplicate position.
	cache.ApplyPush("BYBIT", []exchange.PositionPush{{
		Symbol: "BTCUSDT", Side: exchange.Buy, Size: 1, EntryPrice: 100,
	}})
	assert.False(t, m.ValidateTrade("BTCUSDT", 1, "BYBIT", exchange.Buy, 10000))

	// Max open positions.
	cache.ApplyPush("BYBIT", []exchange.PositionPush{{
		Symbol: "ETHUSDT", Side: exchange.Sell, Size: 1, EntryPrice: 50,
	}})
	assert.False(t, m.ValidateTrade("SOLUSDT", 1, "BYBIT", exchange.Buy, 10000))
}

func TestCalculateATRWindow(t *testing.T) {
	t.Parallel()
	m, fake, _ := testManager(t)
	klines := make([]market.Kline, 15)
	for i := range klines {
		klines[i] = market.Kline{OpenTime: int64(i), Open: 100, High: 100.25, Low: 99.75, Close: 100, Volume: 1}
	}
	fake.SetKlines("BTCUSDT", "1h", klines)

	atr, err := m.CalculateATR("BTCUSDT", "BYBIT", "1h", 14)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, atr, 1e-6)

	// One candle short surfaces as an error, not a zero.
	fake.SetKlines("ETHUSDT", "1h", klines[:14])
	_, err = m.CalculateATR("ETHUSDT", "BYBIT", "1h", 14)
	assert.Error(t, err)
}

func TestStopAndTargetArithmetic(t *testing.T) {
	t.Parallel()
	m, _, _ := testManager(t)

	assert.InDelta(t, 99.0, m.CalculateStopLoss(100, exchange.Buy), 1e-9)
	assert.InDelta(t, 101.0, m.CalculateStopLoss(100, exchange.Sell), 1e-9)

	assert.InDelta(t, 104.0, m.CalculateTakeProfit(100, 98, exchange.Buy, 2), 1e-9)
	assert.InDelta(t, 96.0, m.CalculateTakeProfit(100, 102, exchange.Sell, 2), 1e-9)
}

func TestKellyWithoutHistory(t *testing.T) {
	t.Parallel()
	m, _, _ := testManager(t)
	assert.Zero(t, m.KellyFraction("BTCUSDT"), "no store means no edge estimate")
}
