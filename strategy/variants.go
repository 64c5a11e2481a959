// The remaining strategy variants share one chassis: a single entry
// condition graded as a tier-3 signal, the default strategy's fixed
// 1%-at-5x sizing, ATR stops, and no managed exit beyond the
// stop. They exist for the registry's sake and for operators who want a
// single-indicator book next to the sniper.
package strategy

import (
	"fmt"
	"sync"

	"tbot/exchange"
	"tbot/logger"
	"tbot/market"
	"tbot/risk"
	"tbot/ta"
)

// SentimentProvider is the seam to the external sentiment/news pipeline.
// Scores range -1 (bearish) to +1 (bullish).
type SentimentProvider interface {
	Score(symbol string) (float64, error)
}

// entryFunc decides whether a variant wants in.
type entryFunc func(klines []market.Kline, side exchange.Side) bool

// variant is the shared single-condition strategy chassis.
type variant struct {
	id        string
	interval  string
	exchange  string
	window    int
	data      *market.Service
	risk      *risk.Manager
	entry     entryFunc
	log       logger.Logger
	mu        sync.Mutex
	signals   map[string]*Signal
}

func (v *variant) ID() string       { return v.id }
func (v *variant) Interval() string { return v.interval }

func (v *variant) EvaluateEntry(symbol, interval string, side exchange.Side) (Tier, error) {
	klines, err := v.data.Klines(symbol, interval, v.exchange, v.window)
	if err != nil {
		return NoSignal, err
	}
	sig := &Signal{Symbol: symbol, Side: side, Tier: NoSignal}
	if len(klines) >= v.window && v.entry(klines, side) {
		sig.Level = 3
		sig.Score = tier3Score
		sig.Tier = MakeTier(3, KindConfluence, side)
	}
	v.mu.Lock()
	v.signals[symbol] = sig
	v.mu.Unlock()
	return sig.Tier, nil
}

func (v *variant) EvaluateExit(symbol, interval string) (bool, error) {
	// Variants rely on the venue-attached stop; nothing to manage.
	return false, nil
}

func (v *variant) CalculatePositionSize(symbol string, equity float64) (float64, error) {
	price, err := v.data.Price(symbol, v.exchange)
	if err != nil {
		return 0, err
	}
	size := equity * (defaultRiskPct / 100) * defaultLeverage / price
	if size <= 0 {
		return 0, fmt.Errorf("%s: computed non-positive size", symbol)
	}
	return size, nil
}

func (v *variant) InitialStopLoss(symbol, interval string, entry float64, side exchange.Side) float64 {
	atr, err := v.risk.CalculateATR(symbol, v.exchange, interval, atrPeriod)
	if err != nil {
		return v.risk.CalculateStopLoss(entry, side)
	}
	if side == exchange.Buy {
		return entry - atr*1.5
	}
	return entry + atr*1.5
}

func (v *variant) LastSignal(symbol string) (*Signal, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sig, ok := v.signals[symbol]
	return sig, ok
}

func newVariant(id, interval, exchangeName string, window int, data *market.Service, rm *risk.Manager, entry entryFunc) *variant {
	return &variant{
		id:       id,
		interval: interval,
		exchange: exchangeName,
		window:   window,
		data:     data,
		risk:     rm,
		entry:    entry,
		log:      logger.With(id),
		signals:  make(map[string]*Signal),
	}
}

// NewMACrossover enters when the 50 SMA has just crossed the 200 SMA in
// the trade direction.
func NewMACrossover(interval, exchangeName string, data *market.Service, rm *risk.Manager) Strategy {
	return newVariant(MACrossoverID, interval, exchangeName, 210, data, rm,
		func(klines []market.Kline, side exchange.Side) bool {
			closes := market.Closes(klines)
			fast, err1 := ta.SMASeries(closes, maMediumPeriod)
			slow, err2 := ta.SMASeries(closes, 200)
			if err1 != nil || err2 != nil {
				return false
			}
			n := len(closes) - 1
			crossedUp := fast[n-1] <= slow[n-1] && fast[n] > slow[n]
			crossedDown := fast[n-1] >= slow[n-1] && fast[n] < slow[n]
			if side == exchange.Buy {
				return crossedUp
			}
			return crossedDown
		})
}

// NewRSIReversal enters on an RSI extreme in the entry's favor.
func NewRSIReversal(interval, exchangeName string, data *market.Service, rm *risk.Manager) Strategy {
	return newVariant(RSIID, interval, exchangeName, 30, data, rm,
		func(klines []market.Kline, side exchange.Side) bool {
			value, err := ta.RSI(market.Closes(klines), rsiPeriod)
			if err != nil {
				return false
			}
			if side == exchange.Buy {
				return value <= rsiOversold
			}
			return value >= rsiOverbought
		})
}

// NewFibonacci enters on a bounce off the 0.618 retracement.
func NewFibonacci(interval, exchangeName string, data *market.Service, rm *risk.Manager) Strategy {
	return newVariant(FibonacciID, interval, exchangeName, 110, data, rm,
		func(klines []market.Kline, side exchange.Side) bool {
			high, low := ta.SwingRange(klines)
			price := klines[len(klines)-1].Close
			for _, fib := range ta.FibRetracements(high, low, side == exchange.Sell) {
				if fib.Ratio == 0.618 && ta.NearLevel(price, fib.Price, nearTolerancePct) {
					return true
				}
			}
			return false
		})
}

// NewNewsSentiment gates entries on the external sentiment score,
// blended by the adaptive sentiment weight.
func NewNewsSentiment(interval, exchangeName string, data *market.Service, rm *risk.Manager,
	provider SentimentProvider, weights *WeightingService) Strategy {
	return &newsSentiment{
		variant:  newVariant(NewsID, interval, exchangeName, 30, data, rm, nil),
		provider: provider,
		weights:  weights,
	}
}

// newsSentiment overrides the chassis entry so the symbol reaches the
// provider.
type newsSentiment struct {
	*variant
	provider SentimentProvider
	weights  *WeightingService
}

// sentimentEntryThreshold is the weighted score needed to trade on news.
const sentimentEntryThreshold = 0.15

func (n *newsSentiment) EvaluateEntry(symbol, interval string, side exchange.Side) (Tier, error) {
	sig := &Signal{Symbol: symbol, Side: side, Tier: NoSignal}
	defer func() {
		n.mu.Lock()
		n.signals[symbol] = sig
		n.mu.Unlock()
	}()
	if n.provider == nil {
		return NoSignal, nil
	}
	score, err := n.provider.Score(symbol)
	if err != nil {
		n.log.Warnf("%s: sentiment unavailable: %v", symbol, err)
		return NoSignal, nil
	}
	weighted := score * n.weights.Current().Sentiment
	if side == exchange.Sell {
		weighted = -weighted
	}
	if weighted >= sentimentEntryThreshold {
		sig.Level = 3
		sig.Score = weighted
		sig.Tier = MakeTier(3, KindConfluence, side)
	}
	return sig.Tier, nil
}
