// Package risk validates candidate trades against account limits and
// supplies the ATR / stop arithmetic the strategies share.
package risk

import (
	"fmt"

	"tbot/config"
	"tbot/exchange"
	"tbot/logger"
	"tbot/market"
	"tbot/position"
	"tbot/store"
	"tbot/ta"
)

// Manager enforces trade limits and computes risk arithmetic.
type Manager struct {
	cfg       config.RiskConfig
	slPctMax  float64 // assumed stop distance for risk math, percent
	data      *market.Service
	positions *position.Cache
	store     *store.Store
	log       logger.Logger
}

// NewManager wires the risk manager.
func NewManager(cfg config.RiskConfig, slPctMax float64, data *market.Service, positions *position.Cache, st *store.Store) *Manager {
	return &Manager{
		cfg:       cfg,
		slPctMax:  slPctMax,
		data:      data,
		positions: positions,
		store:     st,
		log:       logger.With("risk"),
	}
}

// ValidateTrade checks a candidate entry against the open-position limit,
// the per-trade risk cap and any symbol-specific notional cap. A veto is
// logged at info level (warn when no price is available); the tick simply
// skips the symbol.
func (m *Manager) ValidateTrade(symbol string, qty float64, exchangeName string, side exchange.Side, equity float64) bool {
	open := m.positions.Snapshot()
	if len(open) >= m.cfg.MaxOpenPositions {
		m.log.Infof("veto %s: %d open positions at limit %d", symbol, len(open), m.cfg.MaxOpenPositions)
		return false
	}
	for _, pos := range open {
		if pos.Symbol == symbol {
			m.log.Infof("veto %s: position already open (%s)", symbol, pos.Side)
			return false
		}
	}

	price, err := m.data.Price(symbol, exchangeName)
	if err != nil {
		m.log.Warnf("veto %s: no price for validation: %v", symbol, err)
		return false
	}
	value := qty * price

	if maxValue, ok := m.cfg.SymbolCaps[symbol]; ok && value > maxValue {
		m.log.Infof("veto %s: notional %.2f exceeds symbol cap %.2f", symbol, value, maxValue)
		return false
	}

	// Risk at the assumed max stop distance must stay inside the
	// per-trade budget.
	riskAmount := value * m.slPctMax / 100
	if equity > 0 && riskAmount > equity*m.cfg.MaxRiskPerTrade {
		m.log.Infof("veto %s: risk %.2f exceeds budget %.2f", symbol, riskAmount, equity*m.cfg.MaxRiskPerTrade)
		return false
	}
	return true
}

// CalculateATR returns the Wilder ATR for (symbol, interval). Exactly
// period+1 candles suffice; a shorter window is an error, not a zero.
func (m *Manager) CalculateATR(symbol, exchangeName, interval string, period int) (float64, error) {
	klines, err := m.data.Klines(symbol, interval, exchangeName, period+1)
	if err != nil {
		return 0, err
	}
	atr, err := ta.ATR(klines, period)
	if err != nil {
		return 0, fmt.Errorf("atr %s %s: %w", symbol, interval, err)
	}
	return atr, nil
}

// CalculateStopLoss returns the percent-based fallback stop.
func (m *Manager) CalculateStopLoss(entry float64, side exchange.Side) float64 {
	if side == exchange.Buy {
		return entry * (1 - m.slPctMax/100)
	}
	return entry * (1 + m.slPctMax/100)
}

// CalculateTakeProfit projects the target at rr times the stop distance.
func (m *Manager) CalculateTakeProfit(entry, stopLoss float64, side exchange.Side, rr float64) float64 {
	dist := entry - stopLoss
	if dist < 0 {
		dist = -dist
	}
	if side == exchange.Buy {
		return entry + dist*rr
	}
	return entry - dist*rr
}

// KellyFraction estimates the Kelly bet fraction for symbol from its
// closed-trade history. Returns 0 when there is no edge or no history.
func (m *Manager) KellyFraction(symbol string) float64 {
	if m.store == nil {
		return 0
	}
	stats, err := m.store.Positions().Stats(symbol)
	if err != nil {
		m.log.Warnf("kelly %s: stats unavailable: %v", symbol, err)
		return 0
	}
	total := stats.Wins + stats.Losses
	if total < 10 || stats.AvgLoss == 0 {
		return 0
	}
	winRate := float64(stats.Wins) / float64(total)
	payoff := stats.AvgWin / stats.AvgLoss
	if payoff == 0 {
		return 0
	}
	kelly := winRate - (1-winRate)/payoff
	if kelly < 0 {
		return 0
	}
	// Half-Kelly; full Kelly swings too hard on small samples.
	return kelly / 2
}
