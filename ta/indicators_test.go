package ta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tbot/market"
)

func flatKlines(n int, tr float64) []market.Kline {
	out := make([]market.Kline, n)
	for i := range out {
		out[i] = market.Kline{
			OpenTime: int64(i) * 3_600_000,
			Open:     100,
			High:     100 + tr/2,
			Low:      100 - tr/2,
			Close:    100,
			Volume:   10,
		}
	}
	return out
}

func TestSMA(t *testing.T) {
	t.Parallel()
	values := []float64{1, 2, 3, 4, 5}
	got, err := SMA(values, 5)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, got, 1e-9)

	got, err = SMA(values, 2)
	require.NoError(t, err)
	assert.InDelta(t, 4.5, got, 1e-9)

	_, err = SMA(values, 6)
	assert.Error(t, err)
}

func TestRSIDirection(t *testing.T) {
	t.Parallel()
	rising := make([]float64, 30)
	falling := make([]float64, 30)
	for i := range rising {
		rising[i] = 100 + float64(i)
		falling[i] = 100 - float64(i)
	}
	up, err := RSI(rising, 14)
	require.NoError(t, err)
	down, err := RSI(falling, 14)
	require.NoError(t, err)
	assert.Greater(t, up, 70.0, "monotone rise should read overbought")
	assert.Less(t, down, 30.0, "monotone fall should read oversold")

	_, err = RSI(rising[:14], 14)
	assert.Error(t, err, "period+1 closes required")
}

func TestATRExactWindow(t *testing.T) {
	t.Parallel()
	// Exactly period+1 candles computes; one fewer errors.
	klines := flatKlines(15, 0.5)
	atr, err := ATR(klines, 14)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, atr, 1e-6, "constant true range")

	_, err = ATR(klines[:14], 14)
	assert.Error(t, err)
}

func TestVolumeSpike(t *testing.T) {
	t.Parallel()
	base := make([]float64, 21)
	for i := range base {
		base[i] = 10
	}
	base[20] = 30
	assert.True(t, VolumeSpike(base, 20, 2.0), "3x average is a spike")

	base[20] = 15
	assert.False(t, VolumeSpike(base, 20, 2.0))

	// Zero average: any positive latest volume counts.
	dead := make([]float64, 21)
	dead[20] = 0.001
	assert.True(t, VolumeSpike(dead, 20, 2.0))

	assert.False(t, VolumeSpike(base[:20], 20, 2.0), "needs lookback+1 bars")
}
