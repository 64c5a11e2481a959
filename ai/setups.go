package ai

import (
	"fmt"
	"strconv"
	"strings"

	"tbot/exchange"
)

// CandidateTrade is one actionable trade extracted from a scan response.
// A setup with several take-profits expands into one candidate per TP.
type CandidateTrade struct {
	Title      string
	Side       exchange.Side
	Entry      float64
	StopLoss   float64
	TakeProfit float64
}

const (
	setupStart = "---SETUP---"
	setupEnd   = "---END_SETUP---"
)

// ParseSetups extracts candidate trades from the structured
// ---SETUP--- ... ---END_SETUP--- blocks of a scan response. Malformed
// blocks are skipped, never fatal.
func ParseSetups(text string) []CandidateTrade {
	var candidates []CandidateTrade
	rest := text
	for {
		start := strings.Index(rest, setupStart)
		if start < 0 {
			break
		}
		rest = rest[start+len(setupStart):]
		end := strings.Index(rest, setupEnd)
		if end < 0 {
			break
		}
		block := rest[:end]
		rest = rest[end+len(setupEnd):]
		candidates = append(candidates, parseBlock(block)...)
	}
	return candidates
}

func parseBlock(block string) []CandidateTrade {
	var (
		title    string
		side     exchange.Side
		entry    float64
		stopLoss float64
		tps      []float64
	)
	for _, line := range strings.Split(block, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "Title":
			title = value
		case "Direction":
			switch strings.ToUpper(value) {
			case "LONG":
				side = exchange.Buy
			case "SHORT":
				side = exchange.Sell
			}
		case "Entry":
			entry = parseScalarOrRange(value)
		case "StopLoss":
			stopLoss = parseScalarOrRange(value)
		case "TakeProfit1", "TakeProfit2", "TakeProfit3":
			if tp := parseScalarOrRange(value); tp > 0 {
				tps = append(tps, tp)
			}
		}
	}
	if side == "" || entry <= 0 || stopLoss <= 0 || len(tps) == 0 {
		return nil
	}
	out := make([]CandidateTrade, 0, len(tps))
	for _, tp := range tps {
		out = append(out, CandidateTrade{
			Title:      title,
			Side:       side,
			Entry:      entry,
			StopLoss:   stopLoss,
			TakeProfit: tp,
		})
	}
	return out
}

// parseScalarOrRange reads "42000" or "42000 - 42500" (first value wins).
func parseScalarOrRange(value string) float64 {
	if idx := strings.Index(value, "-"); idx > 0 {
		value = value[:idx]
	}
	value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "$"))
	value = strings.TrimPrefix(value, "$")
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return f
}

// FormatSetups renders candidates back into setup blocks. Parsing the
// output reproduces the same candidates (one block per candidate).
func FormatSetups(candidates []CandidateTrade) string {
	var b strings.Builder
	for _, c := range candidates {
		direction := "LONG"
		if c.Side == exchange.Sell {
			direction = "SHORT"
		}
		fmt.Fprintf(&b, "%s\nTitle: %s\nDirection: %s\nEntry: %s\nStopLoss: %s\nTakeProfit1: %s\n%s\n",
			setupStart, c.Title, direction,
			formatPrice(c.Entry), formatPrice(c.StopLoss), formatPrice(c.TakeProfit),
			setupEnd)
	}
	return b.String()
}

func formatPrice(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
