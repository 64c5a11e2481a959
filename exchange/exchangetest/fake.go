// Package exchangetest provides an in-memory Exchange implementation for
// tests. It doubles as a market.Source.
package exchangetest

import (
	"fmt"
	"strconv"
	"sync"

	"tbot/exchange"
	"tbot/market"
)

// Fake is a scriptable venue. Zero value is usable; populate Prices and
// KlineData per test.
type Fake struct {
	ExchangeName string
	EquityUSDT   float64
	Inst         exchange.Instrument
	// FinalStatus is what GetOrder reports after a placement; defaults
	// to FILLED.
	FinalStatus exchange.OrderStatus
	FailPlace   error

	mu            sync.Mutex
	Prices        map[string]float64
	KlineData     map[string][]market.Kline // symbol + "|" + interval
	OpenPositions []exchange.PositionData
	Requests      []exchange.OrderRequest
	LeverageCalls int
	nextID        int
	orders        map[string]exchange.Order
}

func (f *Fake) Name() string {
	if f.ExchangeName == "" {
		return "BYBIT"
	}
	return f.ExchangeName
}

// SetPrice scripts the ticker.
func (f *Fake) SetPrice(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Prices == nil {
		f.Prices = make(map[string]float64)
	}
	f.Prices[symbol] = price
}

// SetKlines scripts a candle window.
func (f *Fake) SetKlines(symbol, interval string, klines []market.Kline) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.KlineData == nil {
		f.KlineData = make(map[string][]market.Kline)
	}
	f.KlineData[symbol+"|"+interval] = klines
}

func (f *Fake) GetPrice(symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.Prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no scripted price for %s", symbol)
	}
	return price, nil
}

func (f *Fake) GetKlines(symbol, interval string, limit int) ([]market.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	klines, ok := f.KlineData[symbol+"|"+interval]
	if !ok {
		return nil, fmt.Errorf("no scripted klines for %s %s", symbol, interval)
	}
	if len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	out := make([]market.Kline, len(klines))
	copy(out, klines)
	return out, nil
}

func (f *Fake) GetEquity() (float64, error) { return f.EquityUSDT, nil }

func (f *Fake) PlaceOrder(req *exchange.OrderRequest) (*exchange.Order, error) {
	if f.FailPlace != nil {
		return nil, f.FailPlace
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, *req)
	f.nextID++
	id := strconv.Itoa(f.nextID)
	status := f.FinalStatus
	if status == "" {
		status = exchange.StatusFilled
	}
	order := exchange.Order{
		OrderID:     id,
		LinkID:      req.LinkID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Status:      status,
		Price:       req.Price,
		Quantity:    req.Quantity,
		ExecutedQty: req.Quantity,
		Exchange:    f.Name(),
		Strategy:    req.Strategy,
	}
	if f.orders == nil {
		f.orders = make(map[string]exchange.Order)
	}
	f.orders[id] = order
	return &order, nil
}

func (f *Fake) CancelOrder(symbol, orderID string) (*exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	if !order.Status.Terminal() {
		order.Status = exchange.StatusCanceled
		f.orders[orderID] = order
	}
	return &order, nil
}

func (f *Fake) GetOrder(symbol, orderID string) (*exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	return &order, nil
}

func (f *Fake) GetOpenOrders(symbol string) ([]exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []exchange.Order
	for _, order := range f.orders {
		if !order.Status.Terminal() && (symbol == "" || order.Symbol == symbol) {
			out = append(out, order)
		}
	}
	return out, nil
}

func (f *Fake) GetPositions() ([]exchange.PositionData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.PositionData, len(f.OpenPositions))
	copy(out, f.OpenPositions)
	return out, nil
}

func (f *Fake) SetLeverage(symbol string, leverage int, isolated bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LeverageCalls++
	return nil
}

func (f *Fake) InstrumentInfo(symbol string) (*exchange.Instrument, error) {
	inst := f.Inst
	if inst.QtyStep == 0 {
		inst = exchange.Instrument{Symbol: symbol, QtyStep: 0.01, TickSize: 0.01, MinQty: 0.01}
	}
	return &inst, nil
}

// PlacedRequests returns a copy of everything submitted.
func (f *Fake) PlacedRequests() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.OrderRequest, len(f.Requests))
	copy(out, f.Requests)
	return out
}

var _ exchange.Exchange = (*Fake)(nil)
var _ market.Source = (*Fake)(nil)
