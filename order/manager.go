// Package order submits, cancels and reconciles orders across venues.
// The manager is the only writer of Order records and the only caller of
// the venues' mutating endpoints; fills trigger a position-cache refresh.
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tbot/exchange"
	"tbot/logger"
	"tbot/market"
	"tbot/metrics"
	"tbot/position"
	"tbot/store"
)

const (
	confirmAttempts = 5
	confirmInterval = time.Second
)

// Manager routes orders to venues and keeps the position cache and the
// store in sync with what actually filled.
type Manager struct {
	exchanges map[string]exchange.Exchange
	cache     *position.Cache
	data      *market.Service
	store     *store.Store
	log       logger.Logger
}

// NewManager wires the order manager over the configured venues.
func NewManager(cache *position.Cache, data *market.Service, st *store.Store, venues ...exchange.Exchange) *Manager {
	m := &Manager{
		exchanges: make(map[string]exchange.Exchange, len(venues)),
		cache:     cache,
		data:      data,
		store:     st,
		log:       logger.With("orders"),
	}
	for _, v := range venues {
		m.exchanges[strings.ToUpper(v.Name())] = v
	}
	return m
}

func (m *Manager) venue(name string) (exchange.Exchange, error) {
	v, ok := m.exchanges[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q", name)
	}
	return v, nil
}

// roundDownToStep floors value to a multiple of step. Step zero passes
// the value through.
func roundDownToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	d := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	out, _ := d.Div(s).Floor().Mul(s).Float64()
	return out
}

// Place validates, rounds, and submits an order, then polls the venue
// until the order reaches a terminal state or the attempts run out.
func (m *Manager) Place(req *exchange.OrderRequest, exchangeName string) (*exchange.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	venue, err := m.venue(exchangeName)
	if err != nil {
		return nil, err
	}

	inst, err := venue.InstrumentInfo(req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("instrument info %s: %w", req.Symbol, err)
	}
	req.Quantity = roundDownToStep(req.Quantity, inst.QtyStep)
	if req.Quantity < inst.MinQty || req.Quantity <= 0 {
		return nil, fmt.Errorf("%s: quantity %.8f below venue minimum %.8f", req.Symbol, req.Quantity, inst.MinQty)
	}
	if req.Price > 0 {
		req.Price = roundDownToStep(req.Price, inst.TickSize)
	}
	if req.StopLoss > 0 {
		req.StopLoss = roundDownToStep(req.StopLoss, inst.TickSize)
	}
	if req.LinkID == "" {
		req.LinkID = uuid.NewString()
	}

	// Aggressive path: leverage and isolated margin before the entry.
	// A failure is logged and the trade proceeds.
	if req.MarketType == exchange.Linear && req.Leverage > 1 && !req.ReduceOnly {
		if err := venue.SetLeverage(req.Symbol, req.Leverage, true); err != nil {
			m.log.Warnf("set leverage %dx on %s failed: %v, proceeding", req.Leverage, req.Symbol, err)
		}
	}

	order, err := venue.PlaceOrder(req)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(venue.Name(), "rejected").Inc()
		return nil, err
	}
	m.log.Infof("order submitted: %s %s %.8f %s (id %s)", req.Side, req.Symbol, req.Quantity, req.Type, order.OrderID)
	m.persist(order)

	final := m.confirm(venue, order)
	metrics.OrdersTotal.WithLabelValues(venue.Name(), strings.ToLower(string(final.Status))).Inc()

	if final.Status == exchange.StatusFilled || final.Status == exchange.StatusPartiallyFilled {
		m.refreshPositions(venue)
		m.data.Invalidate(req.Symbol)
	}
	return final, nil
}

// confirm polls the venue for the order's terminal state.
func (m *Manager) confirm(venue exchange.Exchange, order *exchange.Order) *exchange.Order {
	current := order
	for attempt := 0; attempt < confirmAttempts; attempt++ {
		got, err := venue.GetOrder(order.Symbol, order.OrderID)
		if err != nil {
			m.log.Warnf("confirm %s: %v", order.OrderID, err)
		} else {
			got.Strategy = order.Strategy
			got.LinkID = order.LinkID
			current = got
			if current.Status.Terminal() {
				break
			}
		}
		time.Sleep(confirmInterval)
	}
	if m.store != nil {
		if err := m.store.Orders().UpdateStatus(current.OrderID, string(current.Status), current.ExecutedQty, current.Inferred); err != nil {
			m.log.Warnf("order status persist failed: %v", err)
		}
	}
	return current
}

// Cancel cancels an order. Canceling an already-filled order is a no-op
// that returns the filled order unchanged.
func (m *Manager) Cancel(symbol, orderID, exchangeName string) (*exchange.Order, error) {
	venue, err := m.venue(exchangeName)
	if err != nil {
		return nil, err
	}
	if existing, lookupErr := venue.GetOrder(symbol, orderID); lookupErr == nil && existing.Status == exchange.StatusFilled {
		return existing, nil
	}
	order, err := venue.CancelOrder(symbol, orderID)
	if err != nil {
		return nil, err
	}
	if m.store != nil {
		if perr := m.store.Orders().UpdateStatus(order.OrderID, string(order.Status), order.ExecutedQty, order.Inferred); perr != nil {
			m.log.Warnf("order status persist failed: %v", perr)
		}
	}
	return order, nil
}

// ClosePosition market-closes the remaining size of an open position.
func (m *Manager) ClosePosition(symbol, reason, exchangeName string) (*position.UpdateData, error) {
	pos, ok := m.cache.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("no open position for %s", symbol)
	}
	venue, err := m.venue(exchangeName)
	if err != nil {
		return nil, err
	}

	m.log.Infof("closing %s %s %.8f (%s)", pos.Side, symbol, pos.Size, reason)
	req := &exchange.OrderRequest{
		Symbol:     symbol,
		Side:       pos.Side.Opposite(),
		Type:       exchange.Market,
		Quantity:   pos.Size,
		MarketType: exchange.Linear,
		Strategy:   pos.StrategyID,
		ReduceOnly: true,
	}
	order, err := m.Place(req, exchangeName)
	if err != nil {
		return nil, fmt.Errorf("close %s: %w", symbol, err)
	}
	if order.Status != exchange.StatusFilled {
		return nil, fmt.Errorf("close %s: order %s ended %s", symbol, order.OrderID, order.Status)
	}

	exitPrice := order.Price
	if exitPrice == 0 {
		exitPrice, _ = m.data.Price(symbol, exchangeName)
	}
	pnl := (exitPrice - pos.EntryPrice) * pos.Size
	if pos.Side == exchange.Sell {
		pnl = -pnl
	}
	if m.store != nil {
		if perr := m.store.Positions().RecordClose(symbol, exitPrice, pnl); perr != nil {
			m.log.Warnf("close persist failed for %s: %v", symbol, perr)
		}
	}
	m.cache.Remove(symbol)
	m.refreshPositions(venue)
	return &pos, nil
}

// OpenOrders lists open orders on a venue.
func (m *Manager) OpenOrders(symbol, exchangeName string) ([]exchange.Order, error) {
	venue, err := m.venue(exchangeName)
	if err != nil {
		return nil, err
	}
	return venue.GetOpenOrders(symbol)
}

// History lists persisted order records, newest first.
func (m *Manager) History(symbol string, limit int) ([]store.OrderRecord, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.Orders().History(symbol, limit)
}

func (m *Manager) persist(order *exchange.Order) {
	if m.store == nil {
		return
	}
	err := m.store.Orders().Insert(&store.OrderRecord{
		OrderID:     order.OrderID,
		LinkID:      order.LinkID,
		Symbol:      order.Symbol,
		Side:        string(order.Side),
		Type:        string(order.Type),
		Status:      string(order.Status),
		Price:       order.Price,
		Quantity:    order.Quantity,
		ExecutedQty: order.ExecutedQty,
		Exchange:    order.Exchange,
		Strategy:    order.Strategy,
		Inferred:    order.Inferred,
	})
	if err != nil {
		m.log.Warnf("order persist failed: %v", err)
	}
}

// refreshPositions converges the cache onto the venue's REST view.
func (m *Manager) refreshPositions(venue exchange.Exchange) {
	positions, err := venue.GetPositions()
	if err != nil {
		m.log.Warnf("position refresh failed: %v", err)
		return
	}
	m.cache.Reconcile(venue.Name(), positions)
	metrics.OpenPositions.Set(float64(len(m.cache.Snapshot())))
}
