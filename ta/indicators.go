// Package ta holds the pure technical-analysis functions used by the
// strategies. Moving averages, RSI and ATR delegate to go-talib; the
// structural detectors (pivots, fib, volume spikes) are implemented here.
package ta

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"tbot/market"
)

// SMA returns the simple moving average of the last value, or an error if
// the series is too short.
func SMA(values []float64, period int) (float64, error) {
	if len(values) < period || period <= 0 {
		return 0, fmt.Errorf("sma: need %d values, have %d", period, len(values))
	}
	out := talib.Sma(values, period)
	return out[len(out)-1], nil
}

// SMASeries returns the full SMA series (leading values are zero until the
// window fills, as talib emits them).
func SMASeries(values []float64, period int) ([]float64, error) {
	if len(values) < period || period <= 0 {
		return nil, fmt.Errorf("sma: need %d values, have %d", period, len(values))
	}
	return talib.Sma(values, period), nil
}

// EMA returns the exponential moving average of the last value.
func EMA(values []float64, period int) (float64, error) {
	if len(values) < period || period <= 0 {
		return 0, fmt.Errorf("ema: need %d values, have %d", period, len(values))
	}
	out := talib.Ema(values, period)
	return out[len(out)-1], nil
}

// RSI returns the Wilder-smoothed relative strength index of the last bar.
func RSI(closes []float64, period int) (float64, error) {
	if len(closes) < period+1 {
		return 0, fmt.Errorf("rsi: need %d closes, have %d", period+1, len(closes))
	}
	out := talib.Rsi(closes, period)
	return out[len(out)-1], nil
}

// ATR returns the Wilder-smoothed average true range of the last bar.
// Exactly period+1 candles is sufficient; fewer is an error.
func ATR(klines []market.Kline, period int) (float64, error) {
	if len(klines) < period+1 {
		return 0, fmt.Errorf("atr: need %d candles, have %d", period+1, len(klines))
	}
	high := make([]float64, len(klines))
	low := make([]float64, len(klines))
	closes := make([]float64, len(klines))
	for i, k := range klines {
		high[i], low[i], closes[i] = k.High, k.Low, k.Close
	}
	out := talib.Atr(high, low, closes, period)
	atr := out[len(out)-1]
	if atr <= 0 {
		return 0, fmt.Errorf("atr: non-positive result %.8f", atr)
	}
	return atr, nil
}

// VolumeSpike reports whether the latest bar's volume is at least
// spikeFactor times the average of the preceding lookback bars. A zero
// average (dead market) counts any positive latest volume as a spike.
func VolumeSpike(volumes []float64, lookback int, spikeFactor float64) bool {
	if len(volumes) < lookback+1 {
		return false
	}
	latest := volumes[len(volumes)-1]
	window := volumes[len(volumes)-1-lookback : len(volumes)-1]
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	avg := sum / float64(lookback)
	if avg == 0 {
		return latest > 0
	}
	return latest >= avg*spikeFactor
}
