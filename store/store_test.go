package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "tbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPositionLifecycle(t *testing.T) {
	t.Parallel()
	st := testStore(t)

	id, err := st.Positions().RecordOpen(&PositionRecord{
		Symbol: "BTCUSDT", Side: "BUY", Size: 1.5, EntryPrice: 100,
		Leverage: 25, Exchange: "BYBIT", Strategy: "SNIPER",
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	require.NoError(t, st.Positions().RecordClose("BTCUSDT", 110, 15))

	history, err := st.Positions().History("BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "CLOSED", history[0].Status)
	assert.InDelta(t, 110.0, history[0].ExitPrice, 1e-9)
	assert.InDelta(t, 15.0, history[0].RealizedPnL, 1e-9)
}

func TestSymbolStats(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	for _, pnl := range []float64{10, 20, -5} {
		_, err := st.Positions().RecordOpen(&PositionRecord{
			Symbol: "ETHUSDT", Side: "BUY", Size: 1, EntryPrice: 100,
			Leverage: 1, Exchange: "BYBIT", Strategy: "DEFAULT",
		})
		require.NoError(t, err)
		require.NoError(t, st.Positions().RecordClose("ETHUSDT", 100+pnl, pnl))
	}

	stats, err := st.Positions().Stats("ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, 15.0, stats.AvgWin, 1e-9)
	assert.InDelta(t, 5.0, stats.AvgLoss, 1e-9)
}

func TestSignalAndPerformance(t *testing.T) {
	t.Parallel()
	st := testStore(t)

	id, err := st.Signals().Insert(&SignalRecord{
		Symbol: "BTCUSDT", Side: "BUY", Tier: "TIER_1_BREAKOUT_BUY",
		Score: 4.75, Breakout: true, AIConfirms: true,
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	require.NoError(t, st.Performance().Insert(&PerformanceRecord{
		SignalID: id, Symbol: "BTCUSDT", Outcome: "WIN",
		TechnicalScore: 2.0, AIScore: 0.3,
	}))
	stats, err := st.Performance().WinStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Samples)
	assert.InDelta(t, 2.0, stats.TechnicalWin, 1e-9)
}

func TestHedgeLifecycle(t *testing.T) {
	t.Parallel()
	st := testStore(t)

	id, err := st.Hedges().Insert(&HedgeRecord{
		PrimarySymbol: "BTCUSDT", HedgeSymbol: "BTCUSDT", HedgeSide: "SELL",
		Ratio: 0.5, Reason: "HIGH_UNREALIZED_LOSS", Type: "DIRECT_OPPOSITE",
		TriggerPrice: 84,
	})
	require.NoError(t, err)

	active, err := st.Hedges().Active()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "HIGH_UNREALIZED_LOSS", active[0].Reason)

	require.NoError(t, st.Hedges().Close(id))
	active, err = st.Hedges().Active()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestOrderHistoryOrdering(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, st.Orders().Insert(&OrderRecord{
			OrderID: id, Symbol: "BTCUSDT", Side: "BUY", Type: "MARKET",
			Status: "FILLED", Quantity: 1, Exchange: "BYBIT",
		}))
	}
	history, err := st.Orders().History("", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "3", history[0].OrderID, "newest first")

	require.NoError(t, st.SaveEquitySnapshot(10_000))
}
