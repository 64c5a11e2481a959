package market

import (
	"fmt"
	"time"
)

// Kline is one candlestick, normalized across venues.
type Kline struct {
	OpenTime int64 `json:"open_time"` // unix millis
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Validate checks the OHLC invariant. Venue payloads occasionally arrive
// mangled; a bad candle poisons every indicator downstream.
func (k Kline) Validate() error {
	body := k.Open
	if k.Close > body {
		body = k.Close
	}
	if k.High < body {
		return fmt.Errorf("kline %d: high %.8f below body", k.OpenTime, k.High)
	}
	low := k.Open
	if k.Close < low {
		low = k.Close
	}
	if k.Low > low {
		return fmt.Errorf("kline %d: low %.8f above body", k.OpenTime, k.Low)
	}
	if k.Volume < 0 {
		return fmt.Errorf("kline %d: negative volume", k.OpenTime)
	}
	return nil
}

// IntervalDuration maps an interval code to its duration. Unknown codes
// fall back to one hour.
func IntervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d", "1D":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// HigherInterval returns the next timeframe up for multi-timeframe
// confirmation, or "" when there is none worth checking.
func HigherInterval(interval string) string {
	switch interval {
	case "1m", "3m", "5m":
		return "15m"
	case "15m", "30m":
		return "1h"
	case "1h":
		return "4h"
	case "4h":
		return "1d"
	default:
		return ""
	}
}

// Closes extracts the close series.
func Closes(klines []Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

// Volumes extracts the volume series.
func Volumes(klines []Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Volume
	}
	return out
}
