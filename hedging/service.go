// Package hedging watches open positions for distress signals and opens
// opposing hedge positions when one fires. A cooldown per primary symbol
// prevents open/close oscillation.
package hedging

import (
	"sync"
	"time"

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

// TriggerReason names why a hedge was opened.
type TriggerReason string

const (
	HighUnrealizedLoss TriggerReason = "HIGH_UNREALIZED_LOSS"
	MarketRegimeChange TriggerReason = "MARKET_REGIME_CHANGE"
	AISignalReversal   TriggerReason = "AI_SIGNAL_REVERSAL"
	VolatilitySpike    TriggerReason = "VOLATILITY_SPIKE"
	CorrelationRisk    TriggerReason = "CORRELATION_RISK"
)

// HedgeType distinguishes same-symbol from correlated-instrument hedges.
type HedgeType string

const (
	DirectOpposite   HedgeType = "DIRECT_OPPOSITE"
	CorrelationHedge HedgeType = "CORRELATION_HEDGE"
)

// Hedge is one live hedge position.
type Hedge struct {
	ID            int64
	PrimarySymbol string
	HedgeSymbol   string
	HedgeSide     exchange.Side
	Quantity      float64
	Ratio         float64
	Reason        TriggerReason
	Type          HedgeType
	TriggerPrice  float64
	Exchange      string
	CreatedAt     time.Time
}

const (
	atrPeriod            = 14
	volSpikeThresholdPct = 5.0 // ATR as percent of price
	regimeInterval       = "4h"
	regimeWindow         = 210
	correlationLimit     = 3 // same-direction positions in one group
)

// correlationGroups buckets symbols whose exposure compounds. The group
// hedge instrument is the most liquid member.
var correlationGroups = map[string]string{
	"BTCUSDT": "majors",
	"ETHUSDT": "majors",
	"SOLUSDT": "majors",
	"BNBUSDT": "majors",
}

var groupHedgeSymbol = map[string]string{
	"majors": "BTCUSDT",
}

// Service runs the hedging decision loop.
type Service struct {
	cfg       config.HedgingConfig
	positions *position.Cache
	orders    *order.Manager
	data      *market.Service
	oracle    ai.Oracle
	risk      *risk.Manager
	store     *store.Store
	log       logger.Logger

	mu        sync.Mutex
	active    map[string]*Hedge    // primary symbol -> hedge
	lastOpen  map[string]time.Time // cooldown per primary symbol
}

// NewService wires the hedging service.
func NewService(cfg config.HedgingConfig, positions *position.Cache, orders *order.Manager,
	data *market.Service, oracle ai.Oracle, rm *risk.Manager, st *store.Store) *Service {
	return &Service{
		cfg:       cfg,
		positions: positions,
		orders:    orders,
		data:      data,
		oracle:    oracle,
		risk:      rm,
		store:     st,
		log:       logger.With("hedging"),
		active:    make(map[string]*Hedge),
		lastOpen:  make(map[string]time.Time),
	}
}

// EvaluateOnce is one hedging tick: expire stale hedges, close hedges
// whose underlying is gone, then scan open positions for triggers.
func (s *Service) EvaluateOnce() {
	snapshot := s.positions.Snapshot()
	open := make(map[string]position.UpdateData, len(snapshot))
	for _, pos := range snapshot {
		open[pos.Symbol] = pos
	}

	s.sweep(open)

	for _, pos := range snapshot {
		if s.isHedgeInstrument(pos.Symbol) {
			continue
		}
		s.mu.Lock()
		_, hedged := s.active[pos.Symbol]
		cooling := time.Since(s.lastOpen[pos.Symbol]) < s.cfg.Cooldown
		s.mu.Unlock()
		if hedged || cooling {
			continue
		}

		reason, hedgeType, ok := s.evaluateTriggers(&pos, snapshot)
		if !ok {
			continue
		}
		if err := s.openHedge(&pos, reason, hedgeType); err != nil {
			s.log.Errorf("%s: hedge open failed: %v", pos.Symbol, err)
		}
	}
}

// sweep closes hedges whose underlying closed or whose lifetime expired.
func (s *Service) sweep(open map[string]position.UpdateData) {
	s.mu.Lock()
	var toClose []*Hedge
	for primary, hedge := range s.active {
		if _, alive := open[primary]; !alive {
			toClose = append(toClose, hedge)
			continue
		}
		if s.cfg.Expiry > 0 && time.Since(hedge.CreatedAt) > s.cfg.Expiry {
			toClose = append(toClose, hedge)
		}
	}
	s.mu.Unlock()

	for _, hedge := range toClose {
		if err := s.CloseHedge(hedge.PrimarySymbol); err != nil {
			s.log.Errorf("%s: hedge close failed: %v", hedge.PrimarySymbol, err)
		}
	}
}

func (s *Service) isHedgeInstrument(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hedge := range s.active {
		if hedge.HedgeSymbol == symbol && hedge.Type == CorrelationHedge {
			return true
		}
	}
	return false
}

// evaluateTriggers checks the trigger table in priority order.
func (s *Service) evaluateTriggers(pos *position.UpdateData, all []position.UpdateData) (TriggerReason, HedgeType, bool) {
	if pos.UnrealizedPnLPct() <= -s.cfg.LossThresholdPct {
		return HighUnrealizedLoss, DirectOpposite, true
	}
	if s.regimeAgainst(pos) {
		return MarketRegimeChange, DirectOpposite, true
	}
	if s.aiReversal(pos) {
		return AISignalReversal, DirectOpposite, true
	}
	if s.volatilitySpike(pos) {
		return VolatilitySpike, DirectOpposite, true
	}
	if s.correlationRisk(pos, all) {
		return CorrelationRisk, CorrelationHedge, true
	}
	return "", "", false
}

// regimeAgainst classifies the higher-timeframe regime and reports a
// flip against the position.
func (s *Service) regimeAgainst(pos *position.UpdateData) bool {
	klines, err := s.data.Klines(pos.Symbol, regimeInterval, pos.Exchange, regimeWindow)
	if err != nil || len(klines) < regimeWindow {
		return false
	}
	closes := market.Closes(klines)
	price := closes[len(closes)-1]
	sma50, err1 := ta.SMA(closes, 50)
	sma200, err2 := ta.SMA(closes, 200)
	if err1 != nil || err2 != nil {
		return false
	}
	bear := price < sma50 && sma50 < sma200
	bull := price > sma50 && sma50 > sma200
	if pos.Side == exchange.Buy {
		return bear
	}
	return bull
}

// aiReversal asks the oracle only for losing positions; a verdict
// opposite the position side fires the trigger.
func (s *Service) aiReversal(pos *position.UpdateData) bool {
	if pos.UnrealizedPnL >= 0 {
		return false
	}
	price, err := s.data.Price(pos.Symbol, pos.Exchange)
	if err != nil {
		return false
	}
	verdict, err := s.oracle.Analyze(pos.Symbol, regimeInterval, pos.Exchange, price)
	if err != nil {
		return false
	}
	return verdict.Opposes(pos.Side)
}

func (s *Service) volatilitySpike(pos *position.UpdateData) bool {
	atr, err := s.risk.CalculateATR(pos.Symbol, pos.Exchange, "1h", atrPeriod)
	if err != nil {
		return false
	}
	price, err := s.data.Price(pos.Symbol, pos.Exchange)
	if err != nil || price == 0 {
		return false
	}
	return atr/price*100 > volSpikeThresholdPct
}

// correlationRisk fires when too many same-direction positions pile up
// in one correlation group.
func (s *Service) correlationRisk(pos *position.UpdateData, all []position.UpdateData) bool {
	group, ok := correlationGroups[pos.Symbol]
	if !ok {
		return false
	}
	count := 0
	for _, other := range all {
		if correlationGroups[other.Symbol] == group && other.Side == pos.Side {
			count++
		}
	}
	return count >= correlationLimit
}

// openHedge submits the opposing order and records the hedge.
func (s *Service) openHedge(pos *position.UpdateData, reason TriggerReason, hedgeType HedgeType) error {
	hedgeSymbol := pos.Symbol
	if hedgeType == CorrelationHedge {
		if group, ok := correlationGroups[pos.Symbol]; ok {
			hedgeSymbol = groupHedgeSymbol[group]
		}
	}
	price, err := s.data.Price(hedgeSymbol, pos.Exchange)
	if err != nil {
		return err
	}
	qty := pos.Size * s.cfg.Ratio
	if hedgeType == CorrelationHedge && hedgeSymbol != pos.Symbol {
		// Convert notional across instruments.
		primaryPrice, perr := s.data.Price(pos.Symbol, pos.Exchange)
		if perr != nil {
			return perr
		}
		qty = pos.Size * primaryPrice * s.cfg.Ratio / price
	}
	hedgeSide := pos.Side.Opposite()

	s.log.Infof("%s: opening %s hedge %s %s %.8f (%s)", pos.Symbol, hedgeType, hedgeSide, hedgeSymbol, qty, reason)
	placed, err := s.orders.Place(&exchange.OrderRequest{
		Symbol:     hedgeSymbol,
		Side:       hedgeSide,
		Type:       exchange.Market,
		Quantity:   qty,
		Leverage:   pos.Leverage,
		MarketType: exchange.Linear,
		Strategy:   "HEDGE",
	}, pos.Exchange)
	if err != nil {
		return err
	}
	if placed.Status != exchange.StatusFilled && placed.Status != exchange.StatusPartiallyFilled {
		s.log.Warnf("%s: hedge order ended %s", pos.Symbol, placed.Status)
		return nil
	}

	hedge := &Hedge{
		PrimarySymbol: pos.Symbol,
		HedgeSymbol:   hedgeSymbol,
		HedgeSide:     hedgeSide,
		Quantity:      placed.Quantity,
		Ratio:         s.cfg.Ratio,
		Reason:        reason,
		Type:          hedgeType,
		TriggerPrice:  price,
		Exchange:      pos.Exchange,
		CreatedAt:     time.Now(),
	}
	if s.store != nil {
		id, serr := s.store.Hedges().Insert(&store.HedgeRecord{
			PrimarySymbol: hedge.PrimarySymbol,
			HedgeSymbol:   hedge.HedgeSymbol,
			HedgeSide:     string(hedge.HedgeSide),
			Ratio:         hedge.Ratio,
			Reason:        string(reason),
			Type:          string(hedgeType),
			TriggerPrice:  price,
		})
		if serr != nil {
			s.log.Warnf("%s: hedge persist failed: %v", pos.Symbol, serr)
		} else {
			hedge.ID = id
		}
	}

	s.mu.Lock()
	s.active[pos.Symbol] = hedge
	s.lastOpen[pos.Symbol] = time.Now()
	metrics.ActiveHedges.Set(float64(len(s.active)))
	s.mu.Unlock()
	return nil
}

// CloseHedge explicitly closes the hedge protecting primarySymbol.
func (s *Service) CloseHedge(primarySymbol string) error {
	s.mu.Lock()
	hedge, ok := s.active[primarySymbol]
	if ok {
		delete(s.active, primarySymbol)
		metrics.ActiveHedges.Set(float64(len(s.active)))
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	venue := hedge.Exchange
	if venue == "" {
		venue = "BYBIT"
	}
	s.log.Infof("%s: closing hedge %s %s", primarySymbol, hedge.HedgeSide, hedge.HedgeSymbol)
	_, err := s.orders.Place(&exchange.OrderRequest{
		Symbol:     hedge.HedgeSymbol,
		Side:       hedge.HedgeSide.Opposite(),
		Type:       exchange.Market,
		Quantity:   hedge.Quantity,
		MarketType: exchange.Linear,
		Strategy:   "HEDGE",
		ReduceOnly: true,
	}, venue)
	if err != nil {
		return err
	}
	if s.store != nil && hedge.ID != 0 {
		if serr := s.store.Hedges().Close(hedge.ID); serr != nil {
			s.log.Warnf("%s: hedge close persist failed: %v", primarySymbol, serr)
		}
	}
	return nil
}

// Active returns copies of the live hedges.
func (s *Service) Active() []Hedge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Hedge, 0, len(s.active))
	for _, hedge := range s.active {
		out = append(out, *hedge)
	}
	return out
}
