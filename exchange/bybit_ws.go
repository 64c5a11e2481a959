// Private WebSocket client for Bybit V5. Authenticates with an HMAC
// frame, subscribes to the position topic, keeps the connection alive
// with a 20-second ping task, and reconnects with exponential backoff
// (10 s initial) on any failure. Position snapshots are delivered to a
// single handler; the position cache is the only consumer.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tbot/logger"
)

const (
	wsPingInterval     = 20 * time.Second
	wsReadTimeout      = 45 * time.Second // ~2 missed pongs
	wsWriteTimeout     = 10 * time.Second
	wsReconnectInitial = 10 * time.Second
	wsReconnectMax     = 2 * time.Minute
)

// PositionPush is one position snapshot from the private stream.
type PositionPush struct {
	Symbol        string
	Side          Side
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	Leverage      int
	UnrealizedPnL float64
}

// PositionHandler receives position pushes. Called from the read loop;
// implementations must not block.
type PositionHandler func(pushes []PositionPush)

// PrivateWS maintains the authenticated Bybit position stream.
type PrivateWS struct {
	url     string
	auth    *Auth
	handler PositionHandler

	conn   *websocket.Conn
	connMu sync.Mutex

	// OnReconnect is invoked each time a new connection attempt starts
	// after a drop (metrics hook). May be nil.
	OnReconnect func()

	log logger.Logger
}

// NewPrivateWS creates the client. handler receives every position push.
func NewPrivateWS(wsURL string, auth *Auth, handler PositionHandler) *PrivateWS {
	return &PrivateWS{
		url:     wsURL,
		auth:    auth,
		handler: handler,
		log:     logger.With("bybit-ws"),
	}
}

// Run connects and maintains the stream until ctx is cancelled.
func (w *PrivateWS) Run(ctx context.Context) error {
	backoff := wsReconnectInitial
	first := true
	for {
		if !first {
			if w.OnReconnect != nil {
				w.OnReconnect()
			}
		}
		err := w.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.log.Warnf("stream dropped: %v, reconnecting in %s", err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		first = false
		backoff *= 2
		if backoff > wsReconnectMax {
			backoff = wsReconnectMax
		}
	}
}

// Close tears the connection down.
func (w *PrivateWS) Close() error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

func (w *PrivateWS) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()
	defer func() {
		w.connMu.Lock()
		conn.Close()
		w.conn = nil
		w.connMu.Unlock()
	}()

	if err := w.writeJSON(map[string]interface{}{
		"op":   "auth",
		"args": w.auth.WSAuthArgs(),
	}); err != nil {
		return fmt.Errorf("auth frame: %w", err)
	}
	if err := w.writeJSON(map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"position"},
	}); err != nil {
		return fmt.Errorf("subscribe frame: %w", err)
	}
	w.log.Info("private stream connected, authenticating")

	// One ping task per connection; pingCancel guarantees the old task is
	// gone before a reconnect schedules a new one.
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go w.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := w.dispatch(msg); err != nil {
			return err
		}
	}
}

func (w *PrivateWS) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.writeJSON(map[string]interface{}{
				"op":     "ping",
				"req_id": "pid_" + strconv.FormatInt(time.Now().UnixMilli(), 10),
			})
			if err != nil {
				w.log.Warnf("ping failed: %v", err)
				return
			}
		}
	}
}

type wsPositionRow struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	EntryPrice    string `json:"entryPrice"`
	MarkPrice     string `json:"markPrice"`
	Leverage      string `json:"leverage"`
	UnrealisedPnl string `json:"unrealisedPnl"`
}

func (w *PrivateWS) dispatch(msg []byte) error {
	var envelope struct {
		Op      string          `json:"op"`
		Topic   string          `json:"topic"`
		Success *bool           `json:"success"`
		RetMsg  string          `json:"ret_msg"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		excerpt := string(msg)
		if len(excerpt) > 200 {
			excerpt = excerpt[:200]
		}
		w.log.Warnf("ignoring malformed frame: %s", excerpt)
		return nil
	}

	switch {
	case envelope.Op == "auth":
		if envelope.Success != nil && !*envelope.Success {
			return fmt.Errorf("auth rejected: %s", envelope.RetMsg)
		}
		w.log.Info("private stream authenticated")
		return nil
	case envelope.Op == "ping":
		// Server-initiated ping; acknowledge.
		return w.writeJSON(map[string]interface{}{
			"op":           "pong",
			"timestamp_e6": time.Now().UnixMicro(),
		})
	case envelope.Op == "pong", envelope.Op == "subscribe":
		return nil
	case envelope.Topic == "position":
		var rows []wsPositionRow
		if err := json.Unmarshal(envelope.Data, &rows); err != nil {
			w.log.Warnf("bad position payload: %v", err)
			return nil
		}
		pushes := make([]PositionPush, 0, len(rows))
		for _, row := range rows {
			size, _ := strconv.ParseFloat(row.Size, 64)
			entry, _ := strconv.ParseFloat(row.EntryPrice, 64)
			mark, _ := strconv.ParseFloat(row.MarkPrice, 64)
			lev, _ := strconv.ParseFloat(row.Leverage, 64)
			pnl, _ := strconv.ParseFloat(row.UnrealisedPnl, 64)
			pushes = append(pushes, PositionPush{
				Symbol:        row.Symbol,
				Side:          fromBybitSide(row.Side),
				Size:          size,
				EntryPrice:    entry,
				MarkPrice:     mark,
				Leverage:      int(lev),
				UnrealizedPnL: pnl,
			})
		}
		if w.handler != nil && len(pushes) > 0 {
			w.handler(pushes)
		}
		return nil
	default:
		return nil
	}
}

func (w *PrivateWS) writeJSON(v interface{}) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("not connected")
	}
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}
