package exchange

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"tbot/logger"
	"tbot/market"
)

const (
	bybitRecvWindow = "5000"
	restTimeout     = 30 * time.Second
	getRetries      = 2
)

var _ Exchange = (*Bybit)(nil)

// Bybit is the Bybit V5 linear-perpetual adapter.
type Bybit struct {
	auth        *Auth
	http        *resty.Client
	log         logger.Logger
	instruments sync.Map // symbol -> *Instrument
}

// NewBybit creates the adapter against baseURL (live or testnet).
func NewBybit(apiKey, apiSecret, baseURL string) *Bybit {
	return &Bybit{
		auth: &Auth{APIKey: apiKey, APISecret: apiSecret},
		http: resty.New().SetBaseURL(baseURL).SetTimeout(restTimeout),
		log:  logger.With("bybit"),
	}
}

func (b *Bybit) Name() string { return "BYBIT" }

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := url.Values{}
	for _, k := range keys {
		vals.Set(k, params[k])
	}
	return vals.Encode()
}

// get performs a GET with up to getRetries retries on transport failures.
// Venue rejections are never retried.
func (b *Bybit) get(path string, params map[string]string, signed bool, out interface{}) error {
	query := canonicalQuery(params)
	var lastErr error
	for attempt := 0; attempt <= getRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
		req := b.http.R()
		if signed {
			ts := time.Now().UnixMilli()
			req.SetHeaders(map[string]string{
				"X-BAPI-API-KEY":     b.auth.APIKey,
				"X-BAPI-TIMESTAMP":   strconv.FormatInt(ts, 10),
				"X-BAPI-RECV-WINDOW": bybitRecvWindow,
				"X-BAPI-SIGN":        b.auth.SignRequest(ts, "GET", path, query),
			})
		}
		resp, err := req.SetQueryString(query).Get(path)
		if err != nil {
			lastErr = err
			continue
		}
		return b.decode(resp.Body(), out)
	}
	return fmt.Errorf("bybit GET %s: %w", path, lastErr)
}

// post submits a mutating request. Never retried: order submits are not
// idempotent and the caller reconciles via exchange state.
func (b *Bybit) post(path string, body map[string]interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ts := time.Now().UnixMilli()
	resp, err := b.http.R().
		SetHeaders(map[string]string{
			"Content-Type":       "application/json",
			"X-BAPI-API-KEY":     b.auth.APIKey,
			"X-BAPI-TIMESTAMP":   strconv.FormatInt(ts, 10),
			"X-BAPI-RECV-WINDOW": bybitRecvWindow,
			"X-BAPI-SIGN":        b.auth.SignRequest(ts, "POST", path, string(payload)),
		}).
		SetBody(payload).
		Post(path)
	if err != nil {
		return fmt.Errorf("bybit POST %s: %w", path, err)
	}
	return b.decode(resp.Body(), out)
}

func (b *Bybit) decode(body []byte, out interface{}) error {
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		excerpt := string(body)
		if len(excerpt) > 200 {
			excerpt = excerpt[:200]
		}
		b.log.Warnf("malformed response: %s", excerpt)
		return fmt.Errorf("bybit: malformed response: %w", err)
	}
	if env.RetCode != 0 {
		return &APIError{Code: env.RetCode, Msg: env.RetMsg}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

// GetPrice returns the last traded price from the linear ticker.
func (b *Bybit) GetPrice(symbol string) (float64, error) {
	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	err := b.get("/v5/market/tickers", map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}, false, &result)
	if err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("bybit: no ticker for %s", symbol)
	}
	return strconv.ParseFloat(result.List[0].LastPrice, 64)
}

func bybitInterval(interval string) string {
	switch interval {
	case "1m":
		return "1"
	case "3m":
		return "3"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "30m":
		return "30"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d", "1D":
		return "D"
	default:
		return interval
	}
}

// GetKlines fetches candles, oldest first. An invalid-interval rejection
// is retried once on the 1d fallback.
func (b *Bybit) GetKlines(symbol, interval string, limit int) ([]market.Kline, error) {
	klines, err := b.fetchKlines(symbol, interval, limit)
	if apiErr, ok := err.(*APIError); ok && apiErr.Code == codeInvalidInterval && interval != "1d" {
		b.log.Warnf("invalid interval %q for %s, retrying with 1d", interval, symbol)
		return b.fetchKlines(symbol, "1d", limit)
	}
	return klines, err
}

func (b *Bybit) fetchKlines(symbol, interval string, limit int) ([]market.Kline, error) {
	// Kline rows arrive as arrays: [start, open, high, low, close, volume, turnover].
	var result struct {
		List [][]string `json:"list"`
	}
	err := b.get("/v5/market/kline", map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"interval": bybitInterval(interval),
		"limit":    strconv.Itoa(limit),
	}, false, &result)
	if err != nil {
		return nil, err
	}

	klines := make([]market.Kline, 0, len(result.List))
	for _, row := range result.List {
		if len(row) < 6 {
			return nil, fmt.Errorf("bybit: short kline row (%d fields)", len(row))
		}
		openTime, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bybit: bad kline timestamp %q", row[0])
		}
		k := market.Kline{OpenTime: openTime}
		for i, dst := range []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
			v, err := strconv.ParseFloat(row[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("bybit: bad kline field %q", row[i+1])
			}
			*dst = v
		}
		klines = append(klines, k)
	}
	// Bybit returns newest first; callers expect oldest first.
	for i, j := 0, len(klines)-1; i < j; i, j = i+1, j-1 {
		klines[i], klines[j] = klines[j], klines[i]
	}
	return klines, nil
}

// GetEquity returns total account equity in USDT.
func (b *Bybit) GetEquity() (float64, error) {
	var result struct {
		List []struct {
			TotalEquity string `json:"totalEquity"`
		} `json:"list"`
	}
	err := b.get("/v5/account/wallet-balance", map[string]string{
		"accountType": "UNIFIED",
	}, true, &result)
	if err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("bybit: empty wallet balance")
	}
	return strconv.ParseFloat(result.List[0].TotalEquity, 64)
}

func bybitOrderType(t OrderType) string {
	if t == Limit {
		return "Limit"
	}
	return "Market"
}

func bybitSide(s Side) string {
	if s == Buy {
		return "Buy"
	}
	return "Sell"
}

func fromBybitSide(s string) Side {
	if strings.EqualFold(s, "Buy") {
		return Buy
	}
	return Sell
}

func fromBybitStatus(s string) OrderStatus {
	switch s {
	case "New", "Untriggered", "Triggered":
		return StatusNew
	case "Filled":
		return StatusFilled
	case "Cancelled", "Deactivated":
		return StatusCanceled
	case "Rejected":
		return StatusRejected
	case "PartiallyFilled", "PartiallyFilledCanceled":
		return StatusPartiallyFilled
	default:
		return StatusNew
	}
}

// PlaceOrder submits an order; the stop loss rides on the entry order.
func (b *Bybit) PlaceOrder(req *OrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"category":  "linear",
		"symbol":    req.Symbol,
		"side":      bybitSide(req.Side),
		"orderType": bybitOrderType(req.Type),
		"qty":       strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}
	if req.Type == Limit {
		body["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}
	if req.StopLoss > 0 {
		body["stopLoss"] = strconv.FormatFloat(req.StopLoss, 'f', -1, 64)
	}
	if req.TakeProfit > 0 {
		body["takeProfit"] = strconv.FormatFloat(req.TakeProfit, 'f', -1, 64)
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.LinkID != "" {
		body["orderLinkId"] = req.LinkID
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := b.post("/v5/order/create", body, &result); err != nil {
		return nil, err
	}
	return &Order{
		OrderID:   result.OrderID,
		LinkID:    req.LinkID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    StatusNew,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Exchange:  b.Name(),
		Strategy:  req.Strategy,
		CreatedAt: time.Now(),
	}, nil
}

// CancelOrder cancels an open order. Canceling an order that already
// reached a terminal state returns that order unchanged.
func (b *Bybit) CancelOrder(symbol, orderID string) (*Order, error) {
	err := b.post("/v5/order/cancel", map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}, nil)
	if err != nil {
		if order, lookupErr := b.GetOrder(symbol, orderID); lookupErr == nil && order.Status.Terminal() {
			return order, nil
		}
		return nil, err
	}
	return b.GetOrder(symbol, orderID)
}

type bybitOrderRow struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	OrderStatus string `json:"orderStatus"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	CreatedTime string `json:"createdTime"`
}

func (b *Bybit) orderFromRow(row bybitOrderRow) Order {
	price, _ := strconv.ParseFloat(row.Price, 64)
	qty, _ := strconv.ParseFloat(row.Qty, 64)
	executed, _ := strconv.ParseFloat(row.CumExecQty, 64)
	createdMs, _ := strconv.ParseInt(row.CreatedTime, 10, 64)
	orderType := Market
	if strings.EqualFold(row.OrderType, "Limit") {
		orderType = Limit
	}
	return Order{
		OrderID:     row.OrderID,
		LinkID:      row.OrderLinkID,
		Symbol:      row.Symbol,
		Side:        fromBybitSide(row.Side),
		Type:        orderType,
		Status:      fromBybitStatus(row.OrderStatus),
		Price:       price,
		Quantity:    qty,
		ExecutedQty: executed,
		Exchange:    b.Name(),
		CreatedAt:   time.UnixMilli(createdMs),
	}
}

// GetOrder looks an order up in the realtime list, falling back to
// history for terminal orders.
func (b *Bybit) GetOrder(symbol, orderID string) (*Order, error) {
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var result struct {
			List []bybitOrderRow `json:"list"`
		}
		err := b.get(path, map[string]string{
			"category": "linear",
			"symbol":   symbol,
			"orderId":  orderID,
		}, true, &result)
		if err != nil {
			return nil, err
		}
		if len(result.List) > 0 {
			order := b.orderFromRow(result.List[0])
			return &order, nil
		}
	}
	return nil, fmt.Errorf("bybit: order %s not found for %s", orderID, symbol)
}

// GetOpenOrders lists open orders, optionally filtered by symbol.
func (b *Bybit) GetOpenOrders(symbol string) ([]Order, error) {
	params := map[string]string{"category": "linear", "settleCoin": "USDT"}
	if symbol != "" {
		params["symbol"] = symbol
		delete(params, "settleCoin")
	}
	var result struct {
		List []bybitOrderRow `json:"list"`
	}
	if err := b.get("/v5/order/realtime", params, true, &result); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(result.List))
	for _, row := range result.List {
		orders = append(orders, b.orderFromRow(row))
	}
	return orders, nil
}

// GetPositions returns all open linear positions.
func (b *Bybit) GetPositions() ([]PositionData, error) {
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			Leverage      string `json:"leverage"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"list"`
	}
	err := b.get("/v5/position/list", map[string]string{
		"category":   "linear",
		"settleCoin": "USDT",
	}, true, &result)
	if err != nil {
		return nil, err
	}

	positions := make([]PositionData, 0, len(result.List))
	for _, row := range result.List {
		size, _ := strconv.ParseFloat(row.Size, 64)
		if size == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(row.AvgPrice, 64)
		mark, _ := strconv.ParseFloat(row.MarkPrice, 64)
		lev, _ := strconv.ParseFloat(row.Leverage, 64)
		pnl, _ := strconv.ParseFloat(row.UnrealisedPnl, 64)
		positions = append(positions, PositionData{
			Symbol:        row.Symbol,
			Side:          fromBybitSide(row.Side),
			Size:          size,
			EntryPrice:    entry,
			MarkPrice:     mark,
			Leverage:      int(lev),
			UnrealizedPnL: pnl,
			Exchange:      b.Name(),
		})
	}
	return positions, nil
}

// SetLeverage sets leverage and, when isolated, switches margin mode.
func (b *Bybit) SetLeverage(symbol string, leverage int, isolated bool) error {
	lev := strconv.Itoa(leverage)
	err := b.post("/v5/position/set-leverage", map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}, nil)
	// 110043: leverage not modified. Not a failure.
	if apiErr, ok := err.(*APIError); ok && apiErr.Code == 110043 {
		err = nil
	}
	if err != nil {
		return err
	}
	if isolated {
		err = b.post("/v5/position/switch-isolated", map[string]interface{}{
			"category":     "linear",
			"symbol":       symbol,
			"tradeMode":    1,
			"buyLeverage":  lev,
			"sellLeverage": lev,
		}, nil)
		if apiErr, ok := err.(*APIError); ok && apiErr.Code == 110026 {
			// Already isolated.
			err = nil
		}
	}
	return err
}

// InstrumentInfo returns (and caches) the symbol's tick metadata.
func (b *Bybit) InstrumentInfo(symbol string) (*Instrument, error) {
	if cached, ok := b.instruments.Load(symbol); ok {
		return cached.(*Instrument), nil
	}
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	err := b.get("/v5/market/instruments-info", map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}, false, &result)
	if err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("bybit: no instrument info for %s", symbol)
	}
	row := result.List[0]
	qtyStep, _ := strconv.ParseFloat(row.LotSizeFilter.QtyStep, 64)
	minQty, _ := strconv.ParseFloat(row.LotSizeFilter.MinOrderQty, 64)
	tickSize, _ := strconv.ParseFloat(row.PriceFilter.TickSize, 64)
	inst := &Instrument{Symbol: symbol, QtyStep: qtyStep, TickSize: tickSize, MinQty: minQty}
	b.instruments.Store(symbol, inst)
	return inst, nil
}
