package strategy

import (
	"math"

	"tbot/exchange"
	"tbot/position"
)

// EvaluateExit runs the position state machine for one tick:
//
//	1. PT1: at entry ± firstProfitTargetRR·R, close half, move the stop
//	   to the ATR distance from the current price (never past entry).
//	2. Trailing stop: post-PT1, ratchet the stop toward price.
//	3. Stop hit: signal a full exit of the remainder.
//
// At most one stop mutation happens per tick, and stops only ever move
// in the position's favor.
func (s *Sniper) EvaluateExit(symbol, interval string) (bool, error) {
	pos, ok := s.positions.Get(symbol)
	if !ok {
		return false, nil
	}
	venue := pos.Exchange
	if venue == "" {
		venue = s.exchange
	}
	price, err := s.data.Price(symbol, venue)
	if err != nil {
		return false, err
	}
	long := pos.Side == exchange.Buy

	stop := pos.StrategyStopLoss
	if stop == 0 {
		// Position picked up without an annotated stop (restart, manual
		// entry): seed one and let the next tick manage it.
		stop = s.InitialStopLoss(symbol, interval, pos.EntryPrice, pos.Side)
		if uerr := s.positions.UpdateStrategyInfo(symbol, s.ID(), stop, pos.PT1Taken, pos.SecureProfitSLApplied); uerr != nil {
			return false, uerr
		}
		s.log.Infof("%s: seeded stop %.8f", symbol, stop)
		return false, nil
	}

	// Step 1: first partial profit target.
	if !pos.PT1Taken {
		riskPerUnit := math.Abs(pos.EntryPrice - stop)
		if riskPerUnit > 0 {
			target := pos.EntryPrice + riskPerUnit*s.cfg.FirstProfitTargetRR
			reached := price >= target
			if !long {
				target = pos.EntryPrice - riskPerUnit*s.cfg.FirstProfitTargetRR
				reached = price <= target
			}
			if reached {
				if err := s.takeFirstProfit(&pos, symbol, interval, venue, price); err != nil {
					s.log.Errorf("%s: PT1 failed: %v", symbol, err)
				}
				// The remaining half stays open regardless.
				return false, nil
			}
		}
	}

	// Step 2: trailing stop, post-PT1 only.
	if pos.PT1Taken {
		if atr, aerr := s.risk.CalculateATR(symbol, venue, interval, atrPeriod); aerr == nil {
			candidate := price - atr*s.cfg.ATRMultiplier
			if !long {
				candidate = price + atr*s.cfg.ATRMultiplier
			}
			if (long && candidate > stop) || (!long && candidate < stop) {
				if uerr := s.positions.UpdateStrategyInfo(symbol, s.ID(), candidate, true, pos.SecureProfitSLApplied); uerr != nil {
					return false, uerr
				}
				s.log.Infof("%s: trailing stop %.8f -> %.8f", symbol, stop, candidate)
				stop = candidate
			}
		}
	}

	// Step 3: stop hit means full exit of whatever remains.
	if (long && price <= stop) || (!long && price >= stop) {
		s.log.Infof("%s: stop %.8f hit at %.8f", symbol, stop, price)
		return true, nil
	}
	return false, nil
}

// takeFirstProfit closes half the position at market, then moves the
// stop to the ATR distance from the current price, clamped so it never
// gives back the entry.
func (s *Sniper) takeFirstProfit(pos *position.UpdateData, symbol, interval, venue string, price float64) error {
	long := pos.Side == exchange.Buy
	half := pos.Size / 2
	req := &exchange.OrderRequest{
		Symbol:     symbol,
		Side:       pos.Side.Opposite(),
		Type:       exchange.Market,
		Quantity:   half,
		MarketType: exchange.Linear,
		Strategy:   s.ID(),
		ReduceOnly: true,
	}
	order, err := s.orders.Place(req, venue)
	if err != nil {
		return err
	}
	if order.Status != exchange.StatusFilled {
		s.log.Warnf("%s: PT1 order %s ended %s, keeping position state", symbol, order.OrderID, order.Status)
		return nil
	}

	newStop := pos.EntryPrice
	if atr, aerr := s.risk.CalculateATR(symbol, venue, interval, atrPeriod); aerr == nil {
		if long {
			newStop = price - atr*s.cfg.ATRMultiplier
		} else {
			newStop = price + atr*s.cfg.ATRMultiplier
		}
	} else {
		s.log.Warnf("%s: ATR unavailable after PT1 (%v), stop moves to entry", symbol, aerr)
	}
	// Never below entry for longs, never above for shorts.
	if long && newStop < pos.EntryPrice {
		newStop = pos.EntryPrice
	}
	if !long && newStop > pos.EntryPrice {
		newStop = pos.EntryPrice
	}

	if err := s.positions.UpdateStrategyInfo(symbol, s.ID(), newStop, true, pos.SecureProfitSLApplied); err != nil {
		return err
	}
	s.log.Infof("%s: PT1 taken (%.8f closed), stop -> %.8f", symbol, half, newStop)
	return nil
}
