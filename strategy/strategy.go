// Package strategy contains the trading strategies behind a common
// interface, the evaluation engine that drives them, and the sniper
// confluence evaluator with its tiered grading.
package strategy

import (
	"fmt"
	"sync"

	"tbot/exchange"
)

// Tier is the graded confidence label an evaluation produces. The string
// encodes the structural event, the tier number and the side, e.g.
// TIER_1_BREAKOUT_BUY.
type Tier string

// NoSignal means the evaluation found nothing tradeable.
const NoSignal Tier = "NO_SIGNAL"

// SignalKind is the structural component of a tier.
type SignalKind string

const (
	KindBreakout   SignalKind = "BREAKOUT"
	KindRejection  SignalKind = "REJECTION"
	KindConfluence SignalKind = "CONFLUENCE"
)

// MakeTier builds the tier label for (level, kind, side).
func MakeTier(level int, kind SignalKind, side exchange.Side) Tier {
	return Tier(fmt.Sprintf("TIER_%d_%s_%s", level, kind, side))
}

// TierParams maps a tier level to its risk budget and leverage.
type TierParams struct {
	RiskPct  float64 // percent of equity at risk
	Leverage int
}

var tierTable = map[int]TierParams{
	1: {RiskPct: 1.5, Leverage: 25},
	2: {RiskPct: 0.75, Leverage: 40},
	3: {RiskPct: 0.4, Leverage: 75},
}

// ParamsForLevel returns the sizing parameters for a tier level.
func ParamsForLevel(level int) TierParams {
	if p, ok := tierTable[level]; ok {
		return p
	}
	return TierParams{RiskPct: 0.4, Leverage: 1}
}

// Signal is the cached result of the most recent evaluation of a symbol.
type Signal struct {
	Symbol     string
	Side       exchange.Side
	Tier       Tier
	Level      int // 1..3, 0 for NO_SIGNAL
	Score      float64
	Breakout   bool
	Rejection  bool
	AIConfirms bool
	SignalID   int64 // store id, 0 if not persisted
}

// Strategy is the polymorphic strategy surface. Implementations cache
// their last signal per symbol; the engine reads it for sizing and
// leverage after a positive entry evaluation.
type Strategy interface {
	ID() string
	Interval() string
	EvaluateEntry(symbol, interval string, side exchange.Side) (Tier, error)
	EvaluateExit(symbol, interval string) (bool, error)
	CalculatePositionSize(symbol string, equity float64) (float64, error)
	InitialStopLoss(symbol, interval string, entry float64, side exchange.Side) float64
	LastSignal(symbol string) (*Signal, bool)
}

// Registry maps stable strategy ids to instances.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds a strategy under its id.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.ID()] = s
}

// Get resolves a strategy id.
func (r *Registry) Get(id string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	return s, ok
}

// Stable strategy ids.
const (
	SniperID      = "SNIPER"
	DefaultID     = "DEFAULT"
	MACrossoverID = "MA_CROSSOVER"
	RSIID         = "RSI"
	FibonacciID   = "FIBONACCI"
	NewsID        = "NEWS_SENTIMENT"
)
