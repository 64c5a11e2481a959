package strategy

import (
	"fmt"
	"math"
	"sync"

	"tbot/ai"
	"tbot/config"
	"tbot/exchange"
	"tbot/logger"
	"tbot/market"
	"tbot/metrics"
	"tbot/order"
	"tbot/position"
	"tbot/risk"
	"tbot/store"
	"tbot/ta"
)

const (
	atrPeriod         = 14
	rsiPeriod         = 14
	nearTolerancePct  = 0.5
	volumeLookback    = 20
	volumeSpikeFactor = 2.0
	minCandleRangePct = 0.3
	aiQueryThreshold  = 3.0

	tier1Score = 4.5
	tier2Score = 3.5
	tier3Score = 2.5

	maShortPeriod  = 20
	maMediumPeriod = 50

	rsiOversold   = 30.0
	rsiOverbought = 70.0
)

// Sniper is the aggressive confluence strategy: structural S/R events,
// a confluence score over independent technical conditions, optional AI
// confirmation, and a multi-timeframe adjustment, graded into tiers
// that map to risk and leverage.
type Sniper struct {
	cfg       config.SniperConfig
	exchange  string
	data      *market.Service
	risk      *risk.Manager
	positions *position.Cache
	oracle    ai.Oracle
	confirmer *Confirmer
	orders    *order.Manager
	store     *store.Store
	log       logger.Logger

	mu      sync.Mutex
	signals map[string]*Signal
}

// NewSniper wires the sniper strategy against one venue.
func NewSniper(cfg config.SniperConfig, exchangeName string, data *market.Service, rm *risk.Manager,
	positions *position.Cache, oracle ai.Oracle, confirmer *Confirmer, orders *order.Manager, st *store.Store) *Sniper {
	return &Sniper{
		cfg:       cfg,
		exchange:  exchangeName,
		data:      data,
		risk:      rm,
		positions: positions,
		oracle:    oracle,
		confirmer: confirmer,
		orders:    orders,
		store:     st,
		log:       logger.With("sniper"),
		signals:   make(map[string]*Signal),
	}
}

func (s *Sniper) ID() string       { return SniperID }
func (s *Sniper) Interval() string { return s.cfg.Interval }

// windowSize is the candle count every evaluation needs up front.
func (s *Sniper) windowSize() int {
	window := s.cfg.LongTermMAPeriod + 10
	if window < 110 {
		window = 110
	}
	return window
}

// structuralEvent is the phase-1 result.
type structuralEvent struct {
	breakout  bool
	rejection bool
	level     float64
}

// EvaluateEntry runs the six evaluation phases and returns the graded
// tier. The result is cached per symbol for the sizing call that
// follows a positive evaluation.
func (s *Sniper) EvaluateEntry(symbol, interval string, side exchange.Side) (Tier, error) {
	window := s.windowSize()
	klines, err := s.data.Klines(symbol, interval, s.exchange, window)
	if err != nil {
		return NoSignal, err
	}
	// A short window produces no partial computation, just no signal.
	if len(klines) < window {
		s.log.Infof("%s: window %d below required %d, no signal", symbol, len(klines), window)
		s.cacheSignal(&Signal{Symbol: symbol, Side: side, Tier: NoSignal})
		return NoSignal, nil
	}

	closes := market.Closes(klines)
	volumes := market.Volumes(klines)
	price := closes[len(closes)-1]

	// Phase 1: structural S/R events.
	levels := ta.PivotLevels(klines, s.cfg.Lookback, s.cfg.GroupTolerancePct)
	event := s.detectStructuralEvent(klines, levels, side)
	if event.breakout || event.rejection {
		kind := "breakout"
		if event.rejection {
			kind = "rejection"
		}
		s.log.Infof("%s: %s %s at level %.8f", symbol, side, kind, event.level)
		s.oracle.NotifyEvent(fmt.Sprintf("%s %s %s at %.8f", symbol, side, kind, event.level))
	}

	// Phase 2: long-term trend filter. A violation is logged but does
	// not veto the entry.
	trendOK := false
	if longMA, maErr := ta.SMA(closes, s.cfg.LongTermMAPeriod); maErr == nil {
		trendOK = (side == exchange.Buy && price > longMA) ||
			(side == exchange.Sell && price < longMA)
		if !trendOK {
			s.log.Infof("%s: price %.8f against %d-SMA %.8f for %s", symbol, price, s.cfg.LongTermMAPeriod, longMA, side)
		}
	}

	// Phase 3: confluence score, one point per independent condition.
	score := 0.0
	if s.nearSameKindLevel(price, levels, side) {
		score++
	}
	if s.nearFibLevel(price, klines, side) {
		score++
	}
	if ta.VolumeSpike(volumes, volumeLookback, volumeSpikeFactor) {
		score++
	}
	if s.maConfluence(closes, price, side) {
		score++
	}
	if s.rsiCondition(closes, side, trendOK) {
		score++
	}

	// Phase 4: AI confirmation, only worth the round trip on a
	// promising raw score.
	aiConfirms := false
	if score >= aiQueryThreshold {
		verdict, aiErr := s.oracle.Analyze(symbol, interval, s.exchange, price)
		if aiErr != nil {
			s.log.Warnf("%s: oracle unavailable: %v", symbol, aiErr)
		} else if verdict.Confirms(side) {
			score += 1.0
			aiConfirms = true
		}
	}

	// Phase 5: multi-timeframe adjustment.
	confirmation := s.confirmer.Confirm(symbol, interval, side)
	score += confirmation.ScoreDelta()
	s.log.Debugf("%s: score %.2f after MTF %s", symbol, score, confirmation)

	// Phase 6: tier assignment. Structural events outrank pure
	// confluence; a strong score or an AI nod promotes to tier 1.
	signal := &Signal{
		Symbol:     symbol,
		Side:       side,
		Score:      score,
		Breakout:   event.breakout,
		Rejection:  event.rejection,
		AIConfirms: aiConfirms,
	}
	switch {
	case event.breakout:
		signal.Level = 2
		if score >= tier1Score-1 || aiConfirms {
			signal.Level = 1
		}
		signal.Tier = MakeTier(signal.Level, KindBreakout, side)
	case event.rejection:
		signal.Level = 2
		if score >= tier1Score-1 || aiConfirms {
			signal.Level = 1
		}
		signal.Tier = MakeTier(signal.Level, KindRejection, side)
	case score >= tier1Score:
		signal.Level = 1
		signal.Tier = MakeTier(1, KindConfluence, side)
	case score >= tier2Score:
		signal.Level = 2
		signal.Tier = MakeTier(2, KindConfluence, side)
	case score >= tier3Score:
		signal.Level = 3
		signal.Tier = MakeTier(3, KindConfluence, side)
	default:
		signal.Tier = NoSignal
	}

	if signal.Tier != NoSignal && s.store != nil {
		id, serr := s.store.Signals().Insert(&store.SignalRecord{
			Symbol:     symbol,
			Side:       string(side),
			Tier:       string(signal.Tier),
			Score:      score,
			Breakout:   event.breakout,
			Rejection:  event.rejection,
			AIConfirms: aiConfirms,
		})
		if serr != nil {
			s.log.Warnf("%s: signal persist failed: %v", symbol, serr)
		} else {
			signal.SignalID = id
		}
	}
	s.cacheSignal(signal)
	metrics.EvaluationsTotal.WithLabelValues(SniperID, symbol, string(signal.Tier)).Inc()
	if signal.Tier != NoSignal {
		s.log.Infof("%s: %s (score %.2f)", symbol, signal.Tier, score)
	}
	return signal.Tier, nil
}

func (s *Sniper) cacheSignal(sig *Signal) {
	s.mu.Lock()
	s.signals[sig.Symbol] = sig
	s.mu.Unlock()
}

// LastSignal returns the most recent evaluation result for symbol.
func (s *Sniper) LastSignal(symbol string) (*Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[symbol]
	return sig, ok
}

// detectStructuralEvent checks the last two candles against every S/R
// level for a direction-aligned breakout or rejection.
func (s *Sniper) detectStructuralEvent(klines []market.Kline, levels []ta.SRLevel, side exchange.Side) structuralEvent {
	if len(klines) < 2 {
		return structuralEvent{}
	}
	prev := klines[len(klines)-2]
	cur := klines[len(klines)-1]

	for _, level := range levels {
		// Breakout: previous close on one side, current close on the
		// other, in the trade direction.
		if side == exchange.Buy && level.Kind == ta.Resistance &&
			prev.Close <= level.Price && cur.Close > level.Price {
			return structuralEvent{breakout: true, level: level.Price}
		}
		if side == exchange.Sell && level.Kind == ta.Support &&
			prev.Close >= level.Price && cur.Close < level.Price {
			return structuralEvent{breakout: true, level: level.Price}
		}
	}

	candleRange := cur.High - cur.Low
	if cur.Close > 0 && candleRange/cur.Close*100 < minCandleRangePct {
		return structuralEvent{}
	}
	body := math.Abs(cur.Close - cur.Open)
	bodyLow := math.Min(cur.Open, cur.Close)
	bodyHigh := math.Max(cur.Open, cur.Close)

	for _, level := range levels {
		// Rejection: the wick pierces the level, the body closes back
		// on the origin side, and the wick dwarfs the body.
		if side == exchange.Buy && level.Kind == ta.Support &&
			cur.Low < level.Price && bodyLow > level.Price {
			wick := bodyLow - cur.Low
			if body == 0 || wick/body >= s.cfg.WickBodyRatio {
				return structuralEvent{rejection: true, level: level.Price}
			}
		}
		if side == exchange.Sell && level.Kind == ta.Resistance &&
			cur.High > level.Price && bodyHigh < level.Price {
			wick := cur.High - bodyHigh
			if body == 0 || wick/body >= s.cfg.WickBodyRatio {
				return structuralEvent{rejection: true, level: level.Price}
			}
		}
	}
	return structuralEvent{}
}

// nearSameKindLevel: a BUY wants price sitting on support, a SELL wants
// it pressing resistance.
func (s *Sniper) nearSameKindLevel(price float64, levels []ta.SRLevel, side exchange.Side) bool {
	want := ta.Support
	if side == exchange.Sell {
		want = ta.Resistance
	}
	for _, level := range levels {
		if level.Kind == want && ta.NearLevel(price, level.Price, nearTolerancePct) {
			return true
		}
	}
	return false
}

// nearFibLevel checks the 0.618 / 0.786 retracements of the window's
// swing, mirrored for the sell side.
func (s *Sniper) nearFibLevel(price float64, klines []market.Kline, side exchange.Side) bool {
	high, low := ta.SwingRange(klines)
	for _, fib := range ta.FibRetracements(high, low, side == exchange.Sell) {
		if fib.Ratio != 0.618 && fib.Ratio != 0.786 {
			continue
		}
		if ta.NearLevel(price, fib.Price, nearTolerancePct) {
			return true
		}
	}
	return false
}

// maConfluence requires the short/medium/long SMA stack to agree with
// the direction.
func (s *Sniper) maConfluence(closes []float64, price float64, side exchange.Side) bool {
	shortMA, err1 := ta.SMA(closes, maShortPeriod)
	mediumMA, err2 := ta.SMA(closes, maMediumPeriod)
	longMA, err3 := ta.SMA(closes, s.cfg.LongTermMAPeriod)
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	if side == exchange.Buy {
		return price > shortMA && shortMA > mediumMA && mediumMA > longMA
	}
	return price < shortMA && shortMA < mediumMA && mediumMA < longMA
}

// rsiCondition scores RSI in the neutral band while in trend, or at the
// counter-side extreme (an exhausted move in the entry's favor).
func (s *Sniper) rsiCondition(closes []float64, side exchange.Side, trendOK bool) bool {
	value, err := ta.RSI(closes, rsiPeriod)
	if err != nil {
		return false
	}
	if trendOK && value >= rsiOversold && value <= rsiOverbought {
		return true
	}
	if side == exchange.Buy && value <= rsiOversold {
		return true
	}
	if side == exchange.Sell && value >= rsiOverbought {
		return true
	}
	return false
}

// CalculatePositionSize sizes the entry from the cached tier:
// equity * risk% * leverage / price. The venue-step rounding happens in
// the order manager. The size does not depend on the stop distance, so a
// tighter ATR stop at entry leaves it unchanged.
func (s *Sniper) CalculatePositionSize(symbol string, equity float64) (float64, error) {
	sig, ok := s.LastSignal(symbol)
	if !ok || sig.Tier == NoSignal {
		return 0, fmt.Errorf("%s: no cached signal to size from", symbol)
	}
	price, err := s.data.Price(symbol, s.exchange)
	if err != nil {
		return 0, err
	}
	params := ParamsForLevel(sig.Level)
	size := equity * (params.RiskPct / 100) * float64(params.Leverage) / price
	if size <= 0 {
		return 0, fmt.Errorf("%s: computed non-positive size", symbol)
	}
	return size, nil
}

// InitialStopLoss prefers the ATR stop, falling back to the configured
// percent distance when ATR is unavailable.
func (s *Sniper) InitialStopLoss(symbol, interval string, entry float64, side exchange.Side) float64 {
	atr, err := s.risk.CalculateATR(symbol, s.exchange, interval, atrPeriod)
	if err != nil {
		s.log.Warnf("%s: ATR unavailable (%v), using percent stop", symbol, err)
		return s.risk.CalculateStopLoss(entry, side)
	}
	if side == exchange.Buy {
		return entry - atr*s.cfg.ATRMultiplier
	}
	return entry + atr*s.cfg.ATRMultiplier
}
