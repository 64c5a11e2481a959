package strategy

import (
	"fmt"
	"strings"
	"sync"

	"tbot/config"
	"tbot/exchange"
	"tbot/logger"
	"tbot/market"
	"tbot/metrics"
	"tbot/position"
	"tbot/risk"
	"tbot/ta"
)

const (
	secureProfitTriggerPct = 30.0 // unrealized P/L that arms the lock
	secureProfitLockPct    = 30.0 // stop distance locked past entry
	defaultRiskPct         = 1.0
	defaultLeverage        = 5
)

// Default is the conservative strategy: a plain trend entry and a
// secure-profit stop that locks in a 30% move.
type Default struct {
	cfg       config.DefaultConfig
	data      *market.Service
	risk      *risk.Manager
	positions *position.Cache
	log       logger.Logger

	mu      sync.Mutex
	signals map[string]*Signal
}

// NewDefault wires the default strategy.
func NewDefault(cfg config.DefaultConfig, data *market.Service, rm *risk.Manager, positions *position.Cache) *Default {
	return &Default{
		cfg:       cfg,
		data:      data,
		risk:      rm,
		positions: positions,
		log:       logger.With("default"),
		signals:   make(map[string]*Signal),
	}
}

func (d *Default) ID() string       { return DefaultID }
func (d *Default) Interval() string { return d.cfg.Interval }

// exchangeFor resolves the per-symbol venue; BYBIT when unmapped.
func (d *Default) exchangeFor(symbol string) string {
	if venue, ok := d.cfg.ExchangeMap[strings.ToLower(symbol)]; ok {
		return strings.ToUpper(venue)
	}
	if venue, ok := d.cfg.ExchangeMap[symbol]; ok {
		return strings.ToUpper(venue)
	}
	return "BYBIT"
}

// EvaluateEntry takes the trend-following entry: price above (below)
// both the 50 and 200 SMA with RSI out of the opposing extreme.
func (d *Default) EvaluateEntry(symbol, interval string, side exchange.Side) (Tier, error) {
	venue := d.exchangeFor(symbol)
	klines, err := d.data.Klines(symbol, interval, venue, 210)
	if err != nil {
		return NoSignal, err
	}
	if len(klines) < 210 {
		return NoSignal, nil
	}
	closes := market.Closes(klines)
	price := closes[len(closes)-1]

	sig := &Signal{Symbol: symbol, Side: side, Tier: NoSignal}
	defer func() {
		d.mu.Lock()
		d.signals[symbol] = sig
		d.mu.Unlock()
		metrics.EvaluationsTotal.WithLabelValues(DefaultID, symbol, string(sig.Tier)).Inc()
	}()

	if !trendAligned(closes, price, side) {
		return NoSignal, nil
	}
	rsi, err := ta.RSI(closes, rsiPeriod)
	if err != nil {
		return NoSignal, nil
	}
	if side == exchange.Buy && rsi >= rsiOverbought {
		return NoSignal, nil
	}
	if side == exchange.Sell && rsi <= rsiOversold {
		return NoSignal, nil
	}

	sig.Level = 3
	sig.Score = tier3Score
	sig.Tier = MakeTier(3, KindConfluence, side)
	return sig.Tier, nil
}

// EvaluateExit applies the secure-profit lock, then the stop check.
func (d *Default) EvaluateExit(symbol, interval string) (bool, error) {
	pos, ok := d.positions.Get(symbol)
	if !ok {
		return false, nil
	}
	venue := pos.Exchange
	if venue == "" {
		venue = d.exchangeFor(symbol)
	}
	price, err := d.data.Price(symbol, venue)
	if err != nil {
		return false, err
	}
	long := pos.Side == exchange.Buy
	stop := pos.StrategyStopLoss

	// Secure-profit stop: once the move reaches +30%, lock the stop at
	// entry ± 30%, but only if that improves the current stop.
	if !pos.SecureProfitSLApplied && pos.EntryPrice > 0 {
		movePct := (price - pos.EntryPrice) / pos.EntryPrice * 100
		if !long {
			movePct = -movePct
		}
		if movePct >= secureProfitTriggerPct {
			locked := pos.EntryPrice * (1 + secureProfitLockPct/100)
			improves := locked > stop
			if !long {
				locked = pos.EntryPrice * (1 - secureProfitLockPct/100)
				improves = stop == 0 || locked < stop
			}
			if improves {
				if uerr := d.positions.UpdateStrategyInfo(symbol, d.ID(), locked, pos.PT1Taken, true); uerr != nil {
					return false, uerr
				}
				d.log.Infof("%s: secure-profit stop locked at %.8f", symbol, locked)
				stop = locked
			}
		}
	}

	if stop == 0 {
		return false, nil
	}
	if (long && price <= stop) || (!long && price >= stop) {
		d.log.Infof("%s: stop %.8f hit at %.8f", symbol, stop, price)
		return true, nil
	}
	return false, nil
}

// CalculatePositionSize risks a fixed slice of equity at the fixed
// defaultLeverage (5x), scaled up by the Kelly fraction when the symbol's history
// shows an edge.
func (d *Default) CalculatePositionSize(symbol string, equity float64) (float64, error) {
	venue := d.exchangeFor(symbol)
	price, err := d.data.Price(symbol, venue)
	if err != nil {
		return 0, err
	}
	riskPct := defaultRiskPct
	if kelly := d.risk.KellyFraction(symbol); kelly > 0 {
		riskPct *= 1 + kelly
	}
	size := equity * (riskPct / 100) * defaultLeverage / price
	if size <= 0 {
		return 0, fmt.Errorf("%s: computed non-positive size", symbol)
	}
	return size, nil
}

// InitialStopLoss uses the ATR distance, percent fallback.
func (d *Default) InitialStopLoss(symbol, interval string, entry float64, side exchange.Side) float64 {
	venue := d.exchangeFor(symbol)
	atr, err := d.risk.CalculateATR(symbol, venue, interval, atrPeriod)
	if err != nil {
		return d.risk.CalculateStopLoss(entry, side)
	}
	if side == exchange.Buy {
		return entry - atr*1.5
	}
	return entry + atr*1.5
}

// LastSignal returns the most recent evaluation for symbol.
func (d *Default) LastSignal(symbol string) (*Signal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sig, ok := d.signals[symbol]
	return sig, ok
}

// trendAligned checks price against the 50 and 200 SMA stack.
func trendAligned(closes []float64, price float64, side exchange.Side) bool {
	sma50, err1 := ta.SMA(closes, maMediumPeriod)
	sma200, err2 := ta.SMA(closes, 200)
	if err1 != nil || err2 != nil {
		return false
	}
	if side == exchange.Buy {
		return price > sma50 && sma50 > sma200
	}
	return price < sma50 && sma50 < sma200
}
