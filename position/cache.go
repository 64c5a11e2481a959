// Package position holds the authoritative in-memory view of open
// positions. Two writers feed it: the private WebSocket stream (size,
// side, entry, leverage) and the strategies (stop loss and lifecycle
// flags, through UpdateStrategyInfo only). Writes serialize per symbol;
// readers get copies.
package position

import (
	"fmt"
	"sync"
	"time"

	"tbot/exchange"
	"tbot/logger"
)

// UpdateData is the cached state of one open position, exchange truth
// plus strategy annotations.
type UpdateData struct {
	Symbol        string
	Side          exchange.Side
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	Leverage      int
	UnrealizedPnL float64
	Exchange      string

	// Strategy annotations; only UpdateStrategyInfo writes these.
	StrategyID            string
	StrategyStopLoss      float64
	PT1Taken              bool
	SecureProfitSLApplied bool

	OpenedAt  time.Time
	UpdatedAt time.Time
}

// UnrealizedPnLPct returns unrealized P/L as a percentage of the entry
// notional. Leverage is excluded: hedge and exit triggers key off the
// price move, not the margin multiple.
func (p *UpdateData) UnrealizedPnLPct() float64 {
	if p.EntryPrice == 0 || p.Size == 0 {
		return 0
	}
	return p.UnrealizedPnL / (p.EntryPrice * p.Size) * 100
}

type entry struct {
	mu   sync.Mutex
	data UpdateData
	live bool
}

// Cache is the process-wide position map.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     logger.Logger
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		log:     logger.With("positions"),
	}
}

func (c *Cache) entryFor(symbol string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[symbol]
	if !ok {
		e = &entry{}
		c.entries[symbol] = e
	}
	return e
}

// ApplyPush applies private-stream position snapshots from one venue. A
// zero-size push removes the position; annotations survive size changes
// but not close.
func (c *Cache) ApplyPush(exchangeName string, pushes []exchange.PositionPush) {
	for _, push := range pushes {
		e := c.entryFor(push.Symbol)
		e.mu.Lock()
		if push.Size == 0 {
			if e.live {
				c.log.Infof("position closed via stream: %s", push.Symbol)
			}
			e.live = false
			e.data = UpdateData{Symbol: push.Symbol}
			e.mu.Unlock()
			continue
		}
		if !e.live {
			e.data = UpdateData{Symbol: push.Symbol, OpenedAt: time.Now()}
		}
		e.data.Exchange = exchangeName
		e.data.Side = push.Side
		e.data.Size = push.Size
		e.data.EntryPrice = push.EntryPrice
		e.data.MarkPrice = push.MarkPrice
		e.data.Leverage = push.Leverage
		e.data.UnrealizedPnL = push.UnrealizedPnL
		e.data.UpdatedAt = time.Now()
		e.live = true
		e.mu.Unlock()
	}
}

// Reconcile replaces exchange truth for one venue with a REST snapshot:
// positions missing from it are dropped, new ones added, sizes
// converged. Positions held on other venues are untouched. Strategy
// annotations on surviving positions are preserved.
func (c *Cache) Reconcile(exchangeName string, positions []exchange.PositionData) {
	seen := make(map[string]bool, len(positions))
	for _, pos := range positions {
		seen[pos.Symbol] = true
		e := c.entryFor(pos.Symbol)
		e.mu.Lock()
		if !e.live {
			e.data = UpdateData{Symbol: pos.Symbol, OpenedAt: time.Now()}
		}
		e.data.Side = pos.Side
		e.data.Size = pos.Size
		e.data.EntryPrice = pos.EntryPrice
		e.data.MarkPrice = pos.MarkPrice
		e.data.Leverage = pos.Leverage
		e.data.UnrealizedPnL = pos.UnrealizedPnL
		e.data.Exchange = pos.Exchange
		e.data.UpdatedAt = time.Now()
		e.live = true
		e.mu.Unlock()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for symbol, e := range c.entries {
		if seen[symbol] {
			continue
		}
		e.mu.Lock()
		if e.live && e.data.Exchange == exchangeName {
			c.log.Infof("position gone after reconcile: %s", symbol)
			e.live = false
			e.data = UpdateData{Symbol: symbol}
		}
		e.mu.Unlock()
	}
}

// UpdateStrategyInfo is the single write path for strategy annotations.
// It never touches size, side or entry price.
func (c *Cache) UpdateStrategyInfo(symbol, strategyID string, stopLoss float64, pt1Taken, secureProfitSL bool) error {
	e := c.entryFor(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.live {
		return fmt.Errorf("no open position for %s", symbol)
	}
	if e.data.PT1Taken && !pt1Taken {
		// PT1 is taken at most once per position; it cannot be unset.
		return fmt.Errorf("%s: pt1 flag cannot be cleared", symbol)
	}
	e.data.StrategyID = strategyID
	e.data.StrategyStopLoss = stopLoss
	e.data.PT1Taken = pt1Taken
	e.data.SecureProfitSLApplied = secureProfitSL
	e.data.UpdatedAt = time.Now()
	return nil
}

// Get returns a copy of the position for symbol, if open.
func (c *Cache) Get(symbol string) (UpdateData, bool) {
	c.mu.RLock()
	e, ok := c.entries[symbol]
	c.mu.RUnlock()
	if !ok {
		return UpdateData{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.live {
		return UpdateData{}, false
	}
	return e.data, true
}

// Snapshot returns copies of all open positions.
func (c *Cache) Snapshot() []UpdateData {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	out := make([]UpdateData, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.live {
			out = append(out, e.data)
		}
		e.mu.Unlock()
	}
	return out
}

// Remove drops a position after a confirmed full exit.
func (c *Cache) Remove(symbol string) {
	e := c.entryFor(symbol)
	e.mu.Lock()
	e.live = false
	e.data = UpdateData{Symbol: symbol}
	e.mu.Unlock()
}
