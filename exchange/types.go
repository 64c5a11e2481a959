// Package exchange defines the venue capability interface and the Bybit
// and MEXC adapters that implement it. Adapters normalize wire payloads
// into the shared types; nothing above this package sees venue JSON.
package exchange

import (
	"fmt"
	"time"

	"tbot/market"
)

// Side is the trade direction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the closing direction.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType is the venue order type.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// MarketType selects spot vs linear perpetual.
type MarketType string

const (
	Spot   MarketType = "spot"
	Linear MarketType = "linear"
)

// OrderStatus is the normalized order state.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// OrderRequest is a candidate order produced by a strategy.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   float64
	Price      float64 // limit orders only
	StopLoss   float64 // attached SL when the venue supports it
	TakeProfit float64
	Leverage   int
	MarketType MarketType
	Strategy   string // originating strategy id
	ReduceOnly bool
	LinkID     string // client order link id, set by the order manager
}

// Validate rejects malformed requests before they reach a venue.
func (r *OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("order request missing symbol")
	}
	if r.Side != Buy && r.Side != Sell {
		return fmt.Errorf("order request %s: invalid side %q", r.Symbol, r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("order request %s: quantity must be positive", r.Symbol)
	}
	if r.Type == Limit && r.Price <= 0 {
		return fmt.Errorf("order request %s: limit order needs a price", r.Symbol)
	}
	if r.Leverage < 1 {
		r.Leverage = 1
	}
	return nil
}

// Order is a venue order record.
type Order struct {
	OrderID     string
	LinkID      string
	Symbol      string
	Side        Side
	Type        OrderType
	Status      OrderStatus
	Price       float64
	Quantity    float64
	ExecutedQty float64
	Exchange    string
	Strategy    string
	CreatedAt   time.Time
	// Inferred marks fills deduced from absence in the open-order list
	// (MEXC path); audit consumers should not trust these.
	Inferred bool
}

// PositionData is a venue position snapshot.
type PositionData struct {
	Symbol        string
	Side          Side
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	Leverage      int
	UnrealizedPnL float64
	Exchange      string
}

// Instrument carries the tick-size metadata used for rounding.
type Instrument struct {
	Symbol   string
	QtyStep  float64
	TickSize float64
	MinQty   float64
}

// APIError is a venue-level rejection (bad quantity, insufficient funds,
// unknown interval, ...). Kept distinct from transport errors so callers
// can decide whether a retry makes sense.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Msg)
}

// codeInvalidInterval is returned when a kline interval code is not
// accepted by the venue; the adapters retry once with 1d.
const codeInvalidInterval = -1121

// Exchange is the full venue capability surface.
type Exchange interface {
	Name() string
	GetPrice(symbol string) (float64, error)
	GetKlines(symbol, interval string, limit int) ([]market.Kline, error)
	GetEquity() (float64, error)
	PlaceOrder(req *OrderRequest) (*Order, error)
	CancelOrder(symbol, orderID string) (*Order, error)
	GetOrder(symbol, orderID string) (*Order, error)
	GetOpenOrders(symbol string) ([]Order, error)
	GetPositions() ([]PositionData, error)
	SetLeverage(symbol string, leverage int, isolated bool) error
	InstrumentInfo(symbol string) (*Instrument, error)
}
