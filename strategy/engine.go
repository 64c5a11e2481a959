package strategy

import (
	"fmt"
	"strings"
	"time"

	"tbot/exchange"
	"tbot/logger"
	"tbot/market"
	"tbot/metrics"
	"tbot/order"
	"tbot/position"
	"tbot/risk"
	"tbot/store"
)

// Engine runs one symbol through a strategy: manage the open position if
// there is one, otherwise evaluate an entry and execute it. The
// scheduler dispatches EvaluateAndExecute per symbol; the engine never
// runs two evaluations of the same symbol concurrently (the scheduler's
// in-flight set enforces that).
type Engine struct {
	registry  *Registry
	positions *position.Cache
	orders    *order.Manager
	risk      *risk.Manager
	data      *market.Service
	weights   *WeightingService
	store     *store.Store
	exchanges map[string]exchange.Exchange
	log       logger.Logger
}

// NewEngine wires the evaluation engine.
func NewEngine(registry *Registry, positions *position.Cache, orders *order.Manager,
	rm *risk.Manager, data *market.Service, weights *WeightingService, st *store.Store,
	venues ...exchange.Exchange) *Engine {
	e := &Engine{
		registry:  registry,
		positions: positions,
		orders:    orders,
		risk:      rm,
		data:      data,
		weights:   weights,
		store:     st,
		exchanges: make(map[string]exchange.Exchange, len(venues)),
		log:       logger.With("engine"),
	}
	for _, v := range venues {
		e.exchanges[strings.ToUpper(v.Name())] = v
	}
	return e
}

// EvaluateAndExecute is the per-symbol task body. Errors abort this
// symbol's evaluation only; peers are unaffected.
func (e *Engine) EvaluateAndExecute(symbol, exchangeName, strategyID string) error {
	strat, ok := e.registry.Get(strategyID)
	if !ok {
		return fmt.Errorf("unknown strategy %q", strategyID)
	}
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.WithLabelValues(strategyID).Observe(time.Since(start).Seconds())
	}()

	if pos, open := e.positions.Get(symbol); open {
		// Another strategy's position: leave it alone.
		if pos.StrategyID != "" && pos.StrategyID != strategyID {
			return nil
		}
		return e.manageExit(strat, symbol, exchangeName, pos)
	}
	return e.tryEntry(strat, symbol, exchangeName)
}

func (e *Engine) manageExit(strat Strategy, symbol, exchangeName string, pos position.UpdateData) error {
	exit, err := strat.EvaluateExit(symbol, strat.Interval())
	if err != nil {
		return fmt.Errorf("%s exit evaluation: %w", symbol, err)
	}
	if !exit {
		return nil
	}

	outcome := "BREAKEVEN"
	if pos.UnrealizedPnL > 0 {
		outcome = "WIN"
	} else if pos.UnrealizedPnL < 0 {
		outcome = "LOSS"
	}
	venue := pos.Exchange
	if venue == "" {
		venue = exchangeName
	}
	if _, err := e.orders.ClosePosition(symbol, "stop loss hit", venue); err != nil {
		return fmt.Errorf("%s full exit: %w", symbol, err)
	}
	e.recordPerformance(strat, symbol, outcome)
	e.snapshotEquity(venue)
	return nil
}

func (e *Engine) tryEntry(strat Strategy, symbol, exchangeName string) error {
	side := exchange.Buy
	tier, err := strat.EvaluateEntry(symbol, strat.Interval(), side)
	if err != nil {
		return fmt.Errorf("%s entry evaluation: %w", symbol, err)
	}
	if tier == NoSignal {
		side = exchange.Sell
		tier, err = strat.EvaluateEntry(symbol, strat.Interval(), side)
		if err != nil {
			return fmt.Errorf("%s entry evaluation: %w", symbol, err)
		}
	}
	if tier == NoSignal {
		return nil
	}

	venue, ok := e.exchanges[strings.ToUpper(exchangeName)]
	if !ok {
		return fmt.Errorf("unknown exchange %q", exchangeName)
	}
	equity, err := venue.GetEquity()
	if err != nil {
		return fmt.Errorf("%s equity fetch: %w", symbol, err)
	}
	metrics.AccountEquity.Set(equity)

	qty, err := strat.CalculatePositionSize(symbol, equity)
	if err != nil {
		return fmt.Errorf("%s sizing: %w", symbol, err)
	}
	if !e.risk.ValidateTrade(symbol, qty, exchangeName, side, equity) {
		return nil
	}

	price, err := e.data.Price(symbol, exchangeName)
	if err != nil {
		return fmt.Errorf("%s price: %w", symbol, err)
	}
	stopLoss := strat.InitialStopLoss(symbol, strat.Interval(), price, side)

	leverage := 1
	if sig, ok := strat.LastSignal(symbol); ok && sig.Level > 0 {
		leverage = ParamsForLevel(sig.Level).Leverage
	}

	req := &exchange.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       exchange.Market,
		Quantity:   qty,
		StopLoss:   stopLoss,
		Leverage:   leverage,
		MarketType: exchange.Linear,
		Strategy:   strat.ID(),
	}
	e.log.Infof("%s: entering %s %s qty %.8f SL %.8f lev %dx", symbol, tier, side, qty, stopLoss, leverage)
	placed, err := e.orders.Place(req, exchangeName)
	if err != nil {
		return fmt.Errorf("%s entry order: %w", symbol, err)
	}
	if placed.Status != exchange.StatusFilled && placed.Status != exchange.StatusPartiallyFilled {
		e.log.Warnf("%s: entry order %s ended %s", symbol, placed.OrderID, placed.Status)
		return nil
	}

	if e.store != nil {
		if _, serr := e.store.Positions().RecordOpen(&store.PositionRecord{
			Symbol:     symbol,
			Side:       string(side),
			Size:       placed.Quantity,
			EntryPrice: price,
			Leverage:   leverage,
			Exchange:   venue.Name(),
			Strategy:   strat.ID(),
		}); serr != nil {
			e.log.Warnf("%s: open persist failed: %v", symbol, serr)
		}
	}
	// Annotate the cached position with the strategy stop so the exit
	// state machine starts from the real initial R. Place has rounded
	// req.StopLoss to the venue tick, so this is the stop the venue holds.
	if uerr := e.positions.UpdateStrategyInfo(symbol, strat.ID(), req.StopLoss, false, false); uerr != nil {
		e.log.Warnf("%s: stop annotation failed: %v", symbol, uerr)
	}
	e.snapshotEquity(exchangeName)
	return nil
}

// recordPerformance appends the closed trade's outcome with the
// component scores weighted by the current adaptive weights.
func (e *Engine) recordPerformance(strat Strategy, symbol, outcome string) {
	if e.store == nil {
		return
	}
	sig, ok := strat.LastSignal(symbol)
	if !ok {
		return
	}
	w := e.weights.Current()
	aiScore := 0.0
	if sig.AIConfirms {
		aiScore = w.AI
	}
	err := e.store.Performance().Insert(&store.PerformanceRecord{
		SignalID:       sig.SignalID,
		Symbol:         symbol,
		Outcome:        outcome,
		TechnicalScore: sig.Score * w.Technical,
		SentimentScore: 0,
		AIScore:        aiScore,
	})
	if err != nil {
		e.log.Warnf("%s: performance persist failed: %v", symbol, err)
	}
}

func (e *Engine) snapshotEquity(exchangeName string) {
	if e.store == nil {
		return
	}
	venue, ok := e.exchanges[strings.ToUpper(exchangeName)]
	if !ok {
		return
	}
	equity, err := venue.GetEquity()
	if err != nil {
		return
	}
	metrics.AccountEquity.Set(equity)
	if err := e.store.SaveEquitySnapshot(equity); err != nil {
		e.log.Warnf("equity snapshot failed: %v", err)
	}
}

// Strategies returns the registry (used by the API layer).
func (e *Engine) Strategies() *Registry { return e.registry }
