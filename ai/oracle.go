// Package ai talks to the external analysis oracle. The oracle returns
// free-form text; this package extracts the directional verdict token
// and, for scan responses, the structured ---SETUP--- blocks.
package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"tbot/config"
	"tbot/exchange"
	"tbot/logger"
)

// Verdict is the oracle's directional call.
type Verdict string

const (
	StrongBuy   Verdict = "STRONG_BUY"
	VerdictBuy  Verdict = "BUY"
	Neutral     Verdict = "NEUTRAL"
	VerdictSell Verdict = "SELL"
	StrongSell  Verdict = "STRONG_SELL"
	Unknown     Verdict = ""
)

// Confirms reports whether the verdict agrees with the trade side.
func (v Verdict) Confirms(side exchange.Side) bool {
	switch side {
	case exchange.Buy:
		return v == StrongBuy || v == VerdictBuy
	case exchange.Sell:
		return v == StrongSell || v == VerdictSell
	}
	return false
}

// Opposes reports whether the verdict contradicts the position side.
func (v Verdict) Opposes(side exchange.Side) bool {
	switch side {
	case exchange.Buy:
		return v == StrongSell || v == VerdictSell
	case exchange.Sell:
		return v == StrongBuy || v == VerdictBuy
	}
	return false
}

// Oracle is the capability surface strategies depend on.
type Oracle interface {
	Analyze(symbol, interval, exchangeName string, price float64) (Verdict, error)
	NotifyEvent(event string)
}

var _ Oracle = (*Client)(nil)

// Client is the HTTP oracle client. Verdict calls run on the short
// timeout; full custom scans get their own, much longer one.
type Client struct {
	http  *resty.Client
	scan  *resty.Client
	model string
	log   logger.Logger
}

// NewClient builds the client from config.
func NewClient(cfg config.AIConfig) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(cfg.Endpoint).
			SetTimeout(cfg.Timeout).
			SetAuthToken(cfg.APIKey),
		scan: resty.New().
			SetBaseURL(cfg.Endpoint).
			SetTimeout(cfg.ScanTimeout).
			SetAuthToken(cfg.APIKey),
		model: cfg.Model,
		log:   logger.With("ai"),
	}
}

// Scan runs the full custom analysis for one symbol and extracts the
// candidate trades from the response's setup blocks.
func (c *Client) Scan(symbol, interval, exchangeName string, price float64) ([]CandidateTrade, error) {
	prompt := fmt.Sprintf(
		"Run a full trade-setup scan for %s on %s (%s interval), current price %.8f. Emit setups as ---SETUP--- blocks.",
		symbol, exchangeName, interval, price)
	resp, err := c.scan.R().
		SetBody(map[string]interface{}{"model": c.model, "prompt": prompt}).
		Post("/scan")
	if err != nil {
		return nil, fmt.Errorf("oracle scan: %w", err)
	}
	var result struct {
		Response string `json:"response"`
		Text     string `json:"text"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("oracle scan: malformed response: %w", err)
	}
	text := result.Response
	if text == "" {
		text = result.Text
	}
	return ParseSetups(text), nil
}

// Analyze asks the oracle for a directional verdict on one symbol.
// Failures and unparseable responses surface as errors; the caller
// treats them as "no confirmation".
func (c *Client) Analyze(symbol, interval, exchangeName string, price float64) (Verdict, error) {
	prompt := fmt.Sprintf(
		"Analyze %s on %s (%s interval), current price %.8f. Conclude with exactly one of: STRONG_BUY, BUY, NEUTRAL, SELL, STRONG_SELL.",
		symbol, exchangeName, interval, price)

	resp, err := c.http.R().
		SetBody(map[string]interface{}{"model": c.model, "prompt": prompt}).
		Post("/analyze")
	if err != nil {
		return Unknown, fmt.Errorf("oracle request: %w", err)
	}
	var result struct {
		Response string `json:"response"`
		Text     string `json:"text"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		excerpt := string(resp.Body())
		if len(excerpt) > 200 {
			excerpt = excerpt[:200]
		}
		c.log.Warnf("malformed oracle response: %s", excerpt)
		return Unknown, fmt.Errorf("oracle: malformed response: %w", err)
	}
	text := result.Response
	if text == "" {
		text = result.Text
	}
	verdict := ParseVerdict(text)
	if verdict == Unknown {
		return Unknown, fmt.Errorf("oracle: no verdict token in response")
	}
	return verdict, nil
}

// NotifyEvent sends a fire-and-forget event notification (breakout or
// rejection seen). Never blocks the evaluation tick.
func (c *Client) NotifyEvent(event string) {
	go func() {
		_, err := c.http.R().
			SetBody(map[string]interface{}{"model": c.model, "event": event, "ts": time.Now().UnixMilli()}).
			Post("/events")
		if err != nil {
			c.log.Debugf("event notify failed: %v", err)
		}
	}()
}

// ParseVerdict scans free-form text for the strongest verdict token.
// STRONG_* variants are checked first so "STRONG_BUY" is not read as
// "BUY".
func ParseVerdict(text string) Verdict {
	upper := strings.ToUpper(text)
	for _, v := range []Verdict{StrongBuy, StrongSell, VerdictBuy, VerdictSell, Neutral} {
		if strings.Contains(upper, string(v)) {
			return v
		}
	}
	return Unknown
}
