package exchange

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"tbot/logger"
	"tbot/market"
)

var _ Exchange = (*MEXC)(nil)

// MEXC is the MEXC adapter: spot REST for trading, the futures endpoint
// for kline data (which arrives in columnar form and is transposed here).
type MEXC struct {
	auth        *Auth
	spot        *resty.Client
	futures     *resty.Client
	log         logger.Logger
	instruments sync.Map
}

// NewMEXC creates the adapter. futuresURL may equal spotURL in tests.
func NewMEXC(apiKey, apiSecret, spotURL, futuresURL string) *MEXC {
	return &MEXC{
		auth:    &Auth{APIKey: apiKey, APISecret: apiSecret},
		spot:    resty.New().SetBaseURL(spotURL).SetTimeout(restTimeout),
		futures: resty.New().SetBaseURL(futuresURL).SetTimeout(restTimeout),
		log:     logger.With("mexc"),
	}
}

func (m *MEXC) Name() string { return "MEXC" }

// signedQuery appends timestamp and signature to the query string.
func (m *MEXC) signedQuery(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := params.Encode()
	return query + "&signature=" + m.auth.Sign(query)
}

func mexcError(body []byte) error {
	var e struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Code != 0 && e.Code != 200 {
		return &APIError{Code: e.Code, Msg: e.Msg}
	}
	return nil
}

// GetPrice returns the spot last price.
func (m *MEXC) GetPrice(symbol string) (float64, error) {
	resp, err := m.spot.R().
		SetQueryParam("symbol", symbol).
		Get("/api/v3/ticker/price")
	if err != nil {
		return 0, fmt.Errorf("mexc ticker: %w", err)
	}
	if apiErr := mexcError(resp.Body()); apiErr != nil {
		return 0, apiErr
	}
	var result struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return 0, fmt.Errorf("mexc ticker: malformed response: %w", err)
	}
	return strconv.ParseFloat(result.Price, 64)
}

func mexcFuturesInterval(interval string) string {
	switch interval {
	case "1m":
		return "Min1"
	case "5m":
		return "Min5"
	case "15m":
		return "Min15"
	case "30m":
		return "Min30"
	case "1h":
		return "Min60"
	case "4h":
		return "Hour4"
	case "1d", "1D":
		return "Day1"
	default:
		return interval
	}
}

// GetKlines fetches futures candles. The endpoint returns columnar arrays
// under data.{time,open,high,low,close,vol}; rows are rebuilt here. An
// invalid-interval rejection is retried once on 1d.
func (m *MEXC) GetKlines(symbol, interval string, limit int) ([]market.Kline, error) {
	klines, err := m.fetchFuturesKlines(symbol, interval, limit)
	if apiErr, ok := err.(*APIError); ok && apiErr.Code == codeInvalidInterval && interval != "1d" {
		m.log.Warnf("invalid interval %q for %s, retrying with 1d", interval, symbol)
		return m.fetchFuturesKlines(symbol, "1d", limit)
	}
	return klines, err
}

func (m *MEXC) fetchFuturesKlines(symbol, interval string, limit int) ([]market.Kline, error) {
	// Futures symbols are underscore-separated: BTCUSDT -> BTC_USDT.
	futSymbol := symbol
	if !strings.Contains(symbol, "_") && strings.HasSuffix(symbol, "USDT") {
		futSymbol = strings.TrimSuffix(symbol, "USDT") + "_USDT"
	}

	var lastErr error
	for attempt := 0; attempt <= getRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
		resp, err := m.futures.R().
			SetQueryParams(map[string]string{
				"interval": mexcFuturesInterval(interval),
				"limit":    strconv.Itoa(limit),
			}).
			Get("/api/v1/contract/kline/" + futSymbol)
		if err != nil {
			lastErr = err
			continue
		}
		return m.transposeKlines(resp.Body())
	}
	return nil, fmt.Errorf("mexc klines: %w", lastErr)
}

// transposeKlines converts the columnar payload into row-wise candles.
func (m *MEXC) transposeKlines(body []byte) ([]market.Kline, error) {
	var result struct {
		Success bool `json:"success"`
		Code    int  `json:"code"`
		Data    struct {
			Time  []int64   `json:"time"`
			Open  []float64 `json:"open"`
			High  []float64 `json:"high"`
			Low   []float64 `json:"low"`
			Close []float64 `json:"close"`
			Vol   []float64 `json:"vol"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		excerpt := string(body)
		if len(excerpt) > 200 {
			excerpt = excerpt[:200]
		}
		m.log.Warnf("malformed kline response: %s", excerpt)
		return nil, fmt.Errorf("mexc: malformed kline response: %w", err)
	}
	if !result.Success && result.Code != 0 {
		return nil, &APIError{Code: result.Code, Msg: "kline request rejected"}
	}

	d := result.Data
	n := len(d.Time)
	if len(d.Open) != n || len(d.High) != n || len(d.Low) != n || len(d.Close) != n || len(d.Vol) != n {
		return nil, fmt.Errorf("mexc: ragged kline columns (time=%d open=%d)", n, len(d.Open))
	}
	klines := make([]market.Kline, n)
	for i := 0; i < n; i++ {
		klines[i] = market.Kline{
			OpenTime: d.Time[i] * 1000, // seconds on the wire
			Open:     d.Open[i],
			High:     d.High[i],
			Low:      d.Low[i],
			Close:    d.Close[i],
			Volume:   d.Vol[i],
		}
	}
	return klines, nil
}

// GetEquity returns the free+locked USDT spot balance.
func (m *MEXC) GetEquity() (float64, error) {
	resp, err := m.spot.R().
		SetHeader("X-MEXC-APIKEY", m.auth.APIKey).
		SetQueryString(m.signedQuery(url.Values{})).
		Get("/api/v3/account")
	if err != nil {
		return 0, fmt.Errorf("mexc account: %w", err)
	}
	if apiErr := mexcError(resp.Body()); apiErr != nil {
		return 0, apiErr
	}
	var result struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return 0, fmt.Errorf("mexc account: malformed response: %w", err)
	}
	for _, bal := range result.Balances {
		if bal.Asset == "USDT" {
			free, _ := strconv.ParseFloat(bal.Free, 64)
			locked, _ := strconv.ParseFloat(bal.Locked, 64)
			return free + locked, nil
		}
	}
	return 0, nil
}

// PlaceOrder submits a spot order. MEXC has no attached stop loss; the
// order manager follows up with a conditional order when one is needed.
func (m *MEXC) PlaceOrder(req *OrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.Type == Limit {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}
	if req.LinkID != "" {
		params.Set("newClientOrderId", req.LinkID)
	}

	resp, err := m.spot.R().
		SetHeader("X-MEXC-APIKEY", m.auth.APIKey).
		SetQueryString(m.signedQuery(params)).
		Post("/api/v3/order")
	if err != nil {
		return nil, fmt.Errorf("mexc order: %w", err)
	}
	if apiErr := mexcError(resp.Body()); apiErr != nil {
		return nil, apiErr
	}
	var result struct {
		OrderID json.Number `json:"orderId"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("mexc order: malformed response: %w", err)
	}
	return &Order{
		OrderID:   result.OrderID.String(),
		LinkID:    req.LinkID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    StatusNew,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Exchange:  m.Name(),
		Strategy:  req.Strategy,
		CreatedAt: time.Now(),
	}, nil
}

// CancelOrder cancels a spot order; canceling a terminal order returns it
// unchanged.
func (m *MEXC) CancelOrder(symbol, orderID string) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	resp, err := m.spot.R().
		SetHeader("X-MEXC-APIKEY", m.auth.APIKey).
		SetQueryString(m.signedQuery(params)).
		Delete("/api/v3/order")
	if err != nil {
		return nil, fmt.Errorf("mexc cancel: %w", err)
	}
	if apiErr := mexcError(resp.Body()); apiErr != nil {
		if order, lookupErr := m.GetOrder(symbol, orderID); lookupErr == nil && order.Status.Terminal() {
			return order, nil
		}
		return nil, apiErr
	}
	return m.GetOrder(symbol, orderID)
}

// GetOrder infers status from the open-order list: an order absent from
// it is reported FILLED with Inferred set. This can mask CANCELED; audit
// paths must not rely on it.
func (m *MEXC) GetOrder(symbol, orderID string) (*Order, error) {
	open, err := m.GetOpenOrders(symbol)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if open[i].OrderID == orderID {
			return &open[i], nil
		}
	}
	return &Order{
		OrderID:  orderID,
		Symbol:   symbol,
		Status:   StatusFilled,
		Exchange: m.Name(),
		Inferred: true,
	}, nil
}

// GetOpenOrders lists open spot orders for symbol (required by MEXC).
func (m *MEXC) GetOpenOrders(symbol string) ([]Order, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	resp, err := m.spot.R().
		SetHeader("X-MEXC-APIKEY", m.auth.APIKey).
		SetQueryString(m.signedQuery(params)).
		Get("/api/v3/openOrders")
	if err != nil {
		return nil, fmt.Errorf("mexc open orders: %w", err)
	}
	if apiErr := mexcError(resp.Body()); apiErr != nil {
		return nil, apiErr
	}
	var rows []struct {
		OrderID       json.Number `json:"orderId"`
		ClientOrderID string      `json:"clientOrderId"`
		Symbol        string      `json:"symbol"`
		Side          string      `json:"side"`
		Type          string      `json:"type"`
		Status        string      `json:"status"`
		Price         string      `json:"price"`
		OrigQty       string      `json:"origQty"`
		ExecutedQty   string      `json:"executedQty"`
		Time          int64       `json:"time"`
	}
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("mexc open orders: malformed response: %w", err)
	}
	orders := make([]Order, 0, len(rows))
	for _, row := range rows {
		price, _ := strconv.ParseFloat(row.Price, 64)
		qty, _ := strconv.ParseFloat(row.OrigQty, 64)
		executed, _ := strconv.ParseFloat(row.ExecutedQty, 64)
		orderType := Market
		if strings.EqualFold(row.Type, "LIMIT") {
			orderType = Limit
		}
		status := StatusNew
		if strings.EqualFold(row.Status, "PARTIALLY_FILLED") {
			status = StatusPartiallyFilled
		}
		orders = append(orders, Order{
			OrderID:     row.OrderID.String(),
			LinkID:      row.ClientOrderID,
			Symbol:      row.Symbol,
			Side:        Side(strings.ToUpper(row.Side)),
			Type:        orderType,
			Status:      status,
			Price:       price,
			Quantity:    qty,
			ExecutedQty: executed,
			Exchange:    m.Name(),
			CreatedAt:   time.UnixMilli(row.Time),
		})
	}
	return orders, nil
}

// GetPositions returns nothing: the MEXC leg trades spot, positions are
// balances. The position cache only tracks the linear venue.
func (m *MEXC) GetPositions() ([]PositionData, error) {
	return nil, nil
}

// SetLeverage is a no-op on the spot leg.
func (m *MEXC) SetLeverage(symbol string, leverage int, isolated bool) error {
	return nil
}

// InstrumentInfo derives step sizes from spot exchangeInfo.
func (m *MEXC) InstrumentInfo(symbol string) (*Instrument, error) {
	if cached, ok := m.instruments.Load(symbol); ok {
		return cached.(*Instrument), nil
	}
	resp, err := m.spot.R().
		SetQueryParam("symbol", symbol).
		Get("/api/v3/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("mexc exchange info: %w", err)
	}
	var result struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			BaseSizePrecision string `json:"baseSizePrecision"`
			QuotePrecision    int    `json:"quotePrecision"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("mexc exchange info: malformed response: %w", err)
	}
	if len(result.Symbols) == 0 {
		return nil, fmt.Errorf("mexc: no instrument info for %s", symbol)
	}
	row := result.Symbols[0]
	qtyStep, err := strconv.ParseFloat(row.BaseSizePrecision, 64)
	if err != nil || qtyStep <= 0 {
		qtyStep = 0.000001
	}
	tickSize := 1.0
	for i := 0; i < row.QuotePrecision; i++ {
		tickSize /= 10
	}
	inst := &Instrument{Symbol: symbol, QtyStep: qtyStep, TickSize: tickSize, MinQty: qtyStep}
	m.instruments.Store(symbol, inst)
	return inst, nil
}
