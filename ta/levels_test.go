package ta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tbot/market"
)

// pivotSeries builds a flat series with one spike high and one dip low.
func pivotSeries(n, highAt, lowAt int) []market.Kline {
	out := make([]market.Kline, n)
	for i := range out {
		k := market.Kline{OpenTime: int64(i), Open: 100, Close: 100, High: 100.2, Low: 99.8, Volume: 1}
		if i == highAt {
			k.High = 105
		}
		if i == lowAt {
			k.Low = 95
		}
		out[i] = k
	}
	return out
}

func TestPivotLevels(t *testing.T) {
	t.Parallel()
	klines := pivotSeries(21, 10, 12)
	levels := PivotLevels(klines, 10, 1.0)
	require.Len(t, levels, 1, "lowAt=12 has no 10-bar right window")
	assert.Equal(t, Resistance, levels[0].Kind)
	assert.InDelta(t, 105.0, levels[0].Price, 1e-9)
	assert.Equal(t, 1, levels[0].Strength)
}

func TestPivotLevelsGrouping(t *testing.T) {
	t.Parallel()
	// Two pivot highs within 1% merge into one stronger level.
	klines := pivotSeries(41, 10, -1)
	klines[30].High = 105.5
	levels := PivotLevels(klines, 10, 1.0)
	require.Len(t, levels, 1)
	assert.Equal(t, 2, levels[0].Strength)
	assert.InDelta(t, 105.25, levels[0].Price, 1e-9)
}

func TestPivotLevelsShortWindow(t *testing.T) {
	t.Parallel()
	assert.Nil(t, PivotLevels(pivotSeries(20, 10, -1), 10, 1.0), "needs 2*lookback+1 candles")
}

func TestFibRetracements(t *testing.T) {
	t.Parallel()
	levels := FibRetracements(110, 100, false)
	require.Len(t, levels, 5)
	byRatio := map[float64]float64{}
	for _, l := range levels {
		byRatio[l.Ratio] = l.Price
	}
	assert.InDelta(t, 103.82, byRatio[0.618], 0.001)
	assert.InDelta(t, 102.14, byRatio[0.786], 0.001)

	mirrored := FibRetracements(110, 100, true)
	for _, l := range mirrored {
		if l.Ratio == 0.618 {
			assert.InDelta(t, 106.18, l.Price, 0.001)
		}
	}
}

func TestFibDegenerateSwing(t *testing.T) {
	t.Parallel()
	assert.Empty(t, FibRetracements(100, 100, false), "high == low yields no levels")
	assert.Empty(t, FibRetracements(90, 100, false))
}

func TestNearLevel(t *testing.T) {
	t.Parallel()
	assert.True(t, NearLevel(100.4, 100, 0.5))
	assert.False(t, NearLevel(100.6, 100, 0.5))
	assert.False(t, NearLevel(100, 0, 0.5))
}
