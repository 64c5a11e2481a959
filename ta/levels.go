package ta

import (
	"math"
	"sort"

	"tbot/market"
)

// LevelKind distinguishes support from resistance.
type LevelKind string

const (
	Support    LevelKind = "SUPPORT"
	Resistance LevelKind = "RESISTANCE"
)

// SRLevel is one support/resistance price with the number of pivots that
// formed it.
type SRLevel struct {
	Price    float64
	Kind     LevelKind
	Strength int
}

// PivotLevels extracts swing-pivot support/resistance levels. A pivot high
// is a bar whose high exceeds every high within lookback bars on each
// side; pivot lows mirror. Pivots within groupTolerancePct of an existing
// level merge into it, bumping its strength. Needs at least 2*lookback+1
// candles.
func PivotLevels(klines []market.Kline, lookback int, groupTolerancePct float64) []SRLevel {
	if lookback < 1 || len(klines) < 2*lookback+1 {
		return nil
	}

	var levels []SRLevel
	add := func(price float64, kind LevelKind) {
		for i := range levels {
			if levels[i].Kind != kind {
				continue
			}
			if math.Abs(levels[i].Price-price)/levels[i].Price*100 <= groupTolerancePct {
				// Merge: strength-weighted average keeps the level near
				// the cluster's center.
				w := float64(levels[i].Strength)
				levels[i].Price = (levels[i].Price*w + price) / (w + 1)
				levels[i].Strength++
				return
			}
		}
		levels = append(levels, SRLevel{Price: price, Kind: kind, Strength: 1})
	}

	for i := lookback; i < len(klines)-lookback; i++ {
		isHigh, isLow := true, true
		for j := i - lookback; j <= i+lookback; j++ {
			if j == i {
				continue
			}
			if klines[j].High >= klines[i].High {
				isHigh = false
			}
			if klines[j].Low <= klines[i].Low {
				isLow = false
			}
			if !isHigh && !isLow {
				break
			}
		}
		if isHigh {
			add(klines[i].High, Resistance)
		}
		if isLow {
			add(klines[i].Low, Support)
		}
	}

	sort.Slice(levels, func(a, b int) bool { return levels[a].Price < levels[b].Price })
	return levels
}

// FibLevel is one retracement of a swing.
type FibLevel struct {
	Ratio float64
	Price float64
}

var fibRatios = []float64{0.236, 0.382, 0.5, 0.618, 0.786}

// FibRetracements computes retracement prices for the swing [low, high].
// For an up-swing (BUY context) levels are measured down from the high;
// forSell mirrors. Equal high and low yields no levels.
func FibRetracements(high, low float64, forSell bool) []FibLevel {
	if high <= low {
		return nil
	}
	span := high - low
	out := make([]FibLevel, 0, len(fibRatios))
	for _, r := range fibRatios {
		price := high - span*r
		if forSell {
			price = low + span*r
		}
		out = append(out, FibLevel{Ratio: r, Price: price})
	}
	return out
}

// SwingRange returns the highest high and lowest low of the window.
func SwingRange(klines []market.Kline) (high, low float64) {
	if len(klines) == 0 {
		return 0, 0
	}
	high, low = klines[0].High, klines[0].Low
	for _, k := range klines[1:] {
		if k.High > high {
			high = k.High
		}
		if k.Low < low {
			low = k.Low
		}
	}
	return high, low
}

// NearLevel reports whether price is within tolerancePct of level.
func NearLevel(price, level, tolerancePct float64) bool {
	if level == 0 {
		return false
	}
	return math.Abs(price-level)/level*100 <= tolerancePct
}
