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

type fakeOracle struct {
	verdict ai.Verdict
	err     error
	queries int
	events  int
}

func (f *fakeOracle) Analyze(symbol, interval, exchangeName string, price float64) (ai.Verdict, error) {
	f.queries++
	return f.verdict, f.err
}

func (f *fakeOracle) NotifyEvent(event string) { f.events++ }

func sniperConfig() config.SniperConfig {
	return config.SniperConfig{
		Interval:            "1h",
		Lookback:            50,
		GroupTolerancePct:   1.0,
		WickBodyRatio:       1.5,
		LongTermMAPeriod:    100,
		StopLossPercentMax:  1.0,
		FirstProfitTargetRR: 2.0,
		ATRMultiplier:       1.5,
	}
}

// breakoutSeries builds 110 candles: a gently drifting 98/102 chop, one
// pivot high at 103.5 (bar 55), and a final breakout bar closing at 105
// on triple volume.
func breakoutSeries() []market.Kline {
	klines := make([]market.Kline, 110)
	prevClose := 98.0
	for i := range klines {
		base := 98.0
		if i%2 == 1 {
			base = 102.0
		}
		c := base + 0.004*float64(i)
		if i == 109 {
			c = 105.0
		}
		o := prevClose
		hi, lo := o, o
		if c > hi {
			hi = c
		}
		if c < lo {
			lo = c
		}
		k := market.Kline{
			OpenTime: int64(i) * 3_600_000,
			Open:     o,
			High:     hi + 0.2,
			Low:      lo - 0.2,
			Close:    c,
			Volume:   10,
		}
		if i == 55 {
			k.High = 103.5
		}
		if i == 109 {
			k.Volume = 30
		}
		klines[i] = k
		prevClose = c
	}
	return klines
}

// risingSeries builds n candles trending up for higher-timeframe data.
func risingSeries(n int, start, step float64) []market.Kline {
	klines := make([]market.Kline, n)
	for i := range klines {
		close := start + step*float64(i)
		klines[i] = market.Kline{
			OpenTime: int64(i) * 14_400_000,
			Open:     close - 0.1,
			High:     close + 0.1,
			Low:      close - 0.2,
			Close:    close,
			Volume:   5,
		}
	}
	return klines
}

// flatATRSeries builds candles with a constant 0.5 true range.
func flatATRSeries(n int) []market.Kline {
	klines := make([]market.Kline, n)
	for i := range klines {
		klines[i] = market.Kline{
			OpenTime: int64(i) * 3_600_000,
			Open:     100, High: 100.25, Low: 99.75, Close: 100, Volume: 1,
		}
	}
	return klines
}

func newTestSniper(t *testing.T, fake *exchangetest.Fake, oracle ai.Oracle) (*Sniper, *position.Cache, *market.Service) {
	t.Helper()
	data := market.NewService(fake)
	cache := position.NewCache()
	riskMgr := risk.NewManager(config.RiskConfig{MaxOpenPositions: 10, MaxRiskPerTrade: 1}, 1.0, data, cache, nil)
	orders := order.NewManager(cache, data, nil, fake)
	confirmer := NewConfirmer(data, "BYBIT")
	return NewSniper(sniperConfig(), "BYBIT", data, riskMgr, cache, oracle, confirmer, orders, nil), cache, data
}

func TestSniperTier1BreakoutBuy(t *testing.T) {
	t.Parallel()
	fake := &exchangetest.Fake{}
	fake.SetKlines("BTCUSDT", "1h", breakoutSeries())
	fake.SetKlines("BTCUSDT", "4h", risingSeries(60, 90, 0.25))
	fake.SetPrice("BTCUSDT", 105)
	oracle := &fakeOracle{verdict: ai.VerdictBuy}
	sniper, _, _ := newTestSniper(t, fake, oracle)

	tier, err := sniper.EvaluateEntry("BTCUSDT", "1h", exchange.Buy)
	require.NoError(t, err)
	assert.Equal(t, Tier("TIER_1_BREAKOUT_BUY"), tier)

	sig, ok := sniper.LastSignal("BTCUSDT")
	require.True(t, ok)
	assert.True(t, sig.Breakout)
	assert.True(t, sig.AIConfirms)
	assert.Equal(t, 1, sig.Level)
	assert.InDelta(t, 4.75, sig.Score, 1e-9, "3 confluence + 1 AI + 0.75 MTF")
	assert.Equal(t, 1, oracle.queries)
	assert.Equal(t, 1, oracle.events, "breakout fires an event notification")

	// Sizing: equity * 1.5% * 25x / price.
	size, err := sniper.CalculatePositionSize("BTCUSDT", 10_000)
	require.NoError(t, err)
	assert.InDelta(t, 10_000*0.015*25/105.0, size, 1e-9)
}

func TestSniperNoSignalOnShortWindow(t *testing.T) {
	t.Parallel()
	fake := &exchangetest.Fake{}
	fake.SetKlines("BTCUSDT", "1h", breakoutSeries()[:60])
	oracle := &fakeOracle{verdict: ai.VerdictBuy}
	sniper, _, _ := newTestSniper(t, fake, oracle)

	tier, err := sniper.EvaluateEntry("BTCUSDT", "1h", exchange.Buy)
	require.NoError(t, err)
	assert.Equal(t, NoSignal, tier)
	assert.Zero(t, oracle.queries, "no partial computation on a short window")
}

func TestSniperPT1PartialClose(t *testing.T) {
	t.Parallel()
	fake := &exchangetest.Fake{}
	fake.SetKlines("ETHUSDT", "1h", flatATRSeries(15))
	fake.SetPrice("ETHUSDT", 102)
	fake.OpenPositions = []exchange.PositionData{{
		Symbol: "ETHUSDT", Side: exchange.Buy, Size: 5, EntryPrice: 100, Exchange: "BYBIT",
	}}
	sniper, cache, _ := newTestSniper(t, fake, &fakeOracle{verdict: ai.Neutral})

	cache.ApplyPush("BYBIT", []exchange.PositionPush{{
		Symbol: "ETHUSDT", Side: exchange.Buy, Size: 10, EntryPrice: 100, Leverage: 25,
	}})
	require.NoError(t, cache.UpdateStrategyInfo("ETHUSDT", SniperID, 99, false, false))

	// Entry 100, stop 99 => R = 1; 2R target = 102, reached.
	exit, err := sniper.EvaluateExit("ETHUSDT", "1h")
	require.NoError(t, err)
	assert.False(t, exit, "the remaining half stays open")

	reqs := fake.PlacedRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, exchange.Sell, reqs[0].Side)
	assert.InDelta(t, 5.0, reqs[0].Quantity, 1e-9, "half the position")
	assert.True(t, reqs[0].ReduceOnly)

	pos, ok := cache.Get("ETHUSDT")
	require.True(t, ok)
	assert.True(t, pos.PT1Taken)
	// New stop: max(entry, price - 1.5*ATR) = max(100, 102 - 0.75).
	assert.InDelta(t, 101.25, pos.StrategyStopLoss, 1e-6)
	assert.InDelta(t, 5.0, pos.Size, 1e-9, "reconciled to the venue's reduced size")
}

func TestSniperPT1StopNeverBelowEntry(t *testing.T) {
	t.Parallel()
	fake := &exchangetest.Fake{}
	// Huge ATR drags the candidate stop under the entry; it must clamp.
	klines := flatATRSeries(15)
	for i := range klines {
		klines[i].High = 105
		klines[i].Low = 95
	}
	fake.SetKlines("ETHUSDT", "1h", klines)
	fake.SetPrice("ETHUSDT", 102)
	fake.OpenPositions = []exchange.PositionData{{
		Symbol: "ETHUSDT", Side: exchange.Buy, Size: 5, EntryPrice: 100, Exchange: "BYBIT",
	}}
	sniper, cache, _ := newTestSniper(t, fake, &fakeOracle{verdict: ai.Neutral})

	cache.ApplyPush("BYBIT", []exchange.PositionPush{{
		Symbol: "ETHUSDT", Side: exchange.Buy, Size: 10, EntryPrice: 100, Leverage: 25,
	}})
	require.NoError(t, cache.UpdateStrategyInfo("ETHUSDT", SniperID, 99, false, false))

	_, err := sniper.EvaluateExit("ETHUSDT", "1h")
	require.NoError(t, err)

	pos, _ := cache.Get("ETHUSDT")
	assert.True(t, pos.PT1Taken)
	assert.InDelta(t, 100.0, pos.StrategyStopLoss, 1e-9, "never below entry for longs")
}

func TestSniperTrailingRatchetShort(t *testing.T) {
	t.Parallel()
	fake := &exchangetest.Fake{}
	fake.SetKlines("SOLUSDT", "1h", flatATRSeries(15))
	fake.SetPrice("SOLUSDT", 95)
	sniper, cache, data := newTestSniper(t, fake, &fakeOracle{verdict: ai.Neutral})

	cache.ApplyPush("BYBIT", []exchange.PositionPush{{
		Symbol: "SOLUSDT", Side: exchange.Sell, Size: 5, EntryPrice: 100, Leverage: 25,
	}})
	require.NoError(t, cache.UpdateStrategyInfo("SOLUSDT", SniperID, 99, true, false))

	// ATR 0.5, mult 1.5: candidate = 95 + 0.75 = 95.75 < 99 => adopt.
	exit, err := sniper.EvaluateExit("SOLUSDT", "1h")
	require.NoError(t, err)
	assert.False(t, exit)
	pos, _ := cache.Get("SOLUSDT")
	assert.InDelta(t, 95.75, pos.StrategyStopLoss, 1e-9)

	// Price backs up to 96: candidate 96.75 would loosen the stop, so
	// it holds at 95.75 -- and 96 >= 95.75 means the stop is hit.
	data.Invalidate("SOLUSDT")
	fake.SetPrice("SOLUSDT", 96)
	exit, err = sniper.EvaluateExit("SOLUSDT", "1h")
	require.NoError(t, err)
	assert.True(t, exit, "stop hit signals full exit")
	pos, _ = cache.Get("SOLUSDT")
	assert.InDelta(t, 95.75, pos.StrategyStopLoss, 1e-9, "ratchet never loosens")
}

func TestTierParams(t *testing.T) {
	t.Parallel()
	assert.Equal(t, TierParams{RiskPct: 1.5, Leverage: 25}, ParamsForLevel(1))
	assert.Equal(t, TierParams{RiskPct: 0.75, Leverage: 40}, ParamsForLevel(2))
	assert.Equal(t, TierParams{RiskPct: 0.4, Leverage: 75}, ParamsForLevel(3))
	assert.Equal(t, Tier("TIER_2_REJECTION_SELL"), MakeTier(2, KindRejection, exchange.Sell))
}
