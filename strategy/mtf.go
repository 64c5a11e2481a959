package strategy

import (
	"tbot/exchange"
	"tbot/logger"
	"tbot/market"
	"tbot/ta"
)

// Confirmation is the multi-timeframe confirmer's result.
type Confirmation int

const (
	StrongConfirmation Confirmation = iota
	WeakConfirmation
	NoConfirmation
	Contradiction
	NotApplicable
	ConfirmationError
)

func (c Confirmation) String() string {
	switch c {
	case StrongConfirmation:
		return "STRONG_CONFIRMATION"
	case WeakConfirmation:
		return "WEAK"
	case NoConfirmation:
		return "NONE"
	case Contradiction:
		return "CONTRADICTION"
	case NotApplicable:
		return "NOT_APPLICABLE"
	default:
		return "ERROR"
	}
}

// ScoreDelta is the scalar applied to a confluence score.
func (c Confirmation) ScoreDelta() float64 {
	switch c {
	case StrongConfirmation:
		return 0.75
	case WeakConfirmation:
		return 0.25
	case Contradiction:
		return -1.0
	default:
		return 0
	}
}

const (
	mtfShortPeriod = 20
	mtfLongPeriod  = 50
	mtfWindow      = 60
)

// Confirmer checks whether the next timeframe up agrees with a signal.
type Confirmer struct {
	data     *market.Service
	exchange string
	log      logger.Logger
}

// NewConfirmer creates a confirmer bound to one venue's data.
func NewConfirmer(data *market.Service, exchangeName string) *Confirmer {
	return &Confirmer{data: data, exchange: exchangeName, log: logger.With("mtf")}
}

// Confirm classifies the higher timeframe's trend relative to side.
// Price above both MAs with the short above the long is a strong
// confirmation for a BUY; the fully inverted ordering is a
// contradiction. Data problems return ConfirmationError, which scores
// zero rather than blocking the evaluation.
func (c *Confirmer) Confirm(symbol, interval string, side exchange.Side) Confirmation {
	higher := market.HigherInterval(interval)
	if higher == "" {
		return NotApplicable
	}
	klines, err := c.data.Klines(symbol, higher, c.exchange, mtfWindow)
	if err != nil {
		c.log.Warnf("%s %s: higher-timeframe fetch failed: %v", symbol, higher, err)
		return ConfirmationError
	}
	closes := market.Closes(klines)
	shortMA, err := ta.SMA(closes, mtfShortPeriod)
	if err != nil {
		return ConfirmationError
	}
	longMA, err := ta.SMA(closes, mtfLongPeriod)
	if err != nil {
		return ConfirmationError
	}
	price := closes[len(closes)-1]

	bullish := price > shortMA && shortMA > longMA
	bearish := price < shortMA && shortMA < longMA
	weakBull := price > shortMA
	weakBear := price < shortMA

	if side == exchange.Buy {
		switch {
		case bullish:
			return StrongConfirmation
		case bearish:
			return Contradiction
		case weakBull:
			return WeakConfirmation
		default:
			return NoConfirmation
		}
	}
	switch {
	case bearish:
		return StrongConfirmation
	case bullish:
		return Contradiction
	case weakBear:
		return WeakConfirmation
	default:
		return NoConfirmation
	}
}
