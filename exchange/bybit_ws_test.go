package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsScript struct {
	mu          sync.Mutex
	connections int
	authFrames  []map[string]interface{}
	subFrames   []map[string]interface{}
}

// wsTestServer drops the first connection right after the handshake and
// serves a position push on the second.
func wsTestServer(t *testing.T, script *wsScript) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		script.mu.Lock()
		script.connections++
		n := script.connections
		script.mu.Unlock()

		// Expect the auth frame, then the subscribe frame.
		for i := 0; i < 2; i++ {
			var frame map[string]interface{}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			script.mu.Lock()
			if frame["op"] == "auth" {
				script.authFrames = append(script.authFrames, frame)
			} else if frame["op"] == "subscribe" {
				script.subFrames = append(script.subFrames, frame)
			}
			script.mu.Unlock()
		}
		conn.WriteJSON(map[string]interface{}{"op": "auth", "success": true})

		if n == 1 {
			// Abrupt drop; the client must reconnect.
			return
		}
		conn.WriteJSON(map[string]interface{}{
			"topic": "position",
			"data": []map[string]interface{}{{
				"symbol": "BTCUSDT", "side": "Buy", "size": "1.5",
				"entryPrice": "100", "markPrice": "101", "leverage": "25",
				"unrealisedPnl": "1.5",
			}},
		})
		// Hold the connection open until the test finishes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestPrivateWSReconnectAndResubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("reconnect backoff makes this test slow")
	}
	script := &wsScript{}
	server := wsTestServer(t, script)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	var pushMu sync.Mutex
	var pushes []PositionPush
	var reconnects atomic.Int32
	client := NewPrivateWS(wsURL, &Auth{APIKey: "key", APISecret: "secret"}, func(p []PositionPush) {
		pushMu.Lock()
		pushes = append(pushes, p...)
		pushMu.Unlock()
	})
	client.OnReconnect = func() { reconnects.Add(1) }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	go client.Run(ctx)

	// The first connection drops after auth; the client reconnects
	// after the 10 s initial backoff and re-authenticates.
	require.Eventually(t, func() bool {
		script.mu.Lock()
		defer script.mu.Unlock()
		return script.connections >= 2
	}, 15*time.Second, 100*time.Millisecond, "client must redial within the backoff window")

	script.mu.Lock()
	require.GreaterOrEqual(t, len(script.authFrames), 2, "re-auth on reconnect")
	args, ok := script.authFrames[0]["args"].([]interface{})
	require.True(t, ok)
	assert.Len(t, args, 3, "auth frame is [api_key, expires, signature]")
	assert.Equal(t, "key", args[0])

	require.GreaterOrEqual(t, len(script.subFrames), 2, "re-subscribe on reconnect")
	topics, ok := script.subFrames[0]["args"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"position"}, topics)
	script.mu.Unlock()

	// The push from the second connection reaches the handler.
	require.Eventually(t, func() bool {
		pushMu.Lock()
		defer pushMu.Unlock()
		return len(pushes) > 0
	}, 5*time.Second, 50*time.Millisecond)
	pushMu.Lock()
	assert.Equal(t, "BTCUSDT", pushes[0].Symbol)
	assert.Equal(t, Buy, pushes[0].Side)
	assert.InDelta(t, 1.5, pushes[0].Size, 1e-9)
	assert.Equal(t, 25, pushes[0].Leverage)
	pushMu.Unlock()

	assert.GreaterOrEqual(t, reconnects.Load(), int32(1))
	cancel()
	client.Close()
}

func TestDispatchServerPing(t *testing.T) {
	t.Parallel()
	// A server ping on a dead connection surfaces the write error; the
	// read loop then reconnects. Dispatch must not treat it as fatal
	// parse failure.
	client := NewPrivateWS("ws://unused", &Auth{}, nil)
	err := client.dispatch([]byte(`{"op":"ping"}`))
	assert.Error(t, err, "pong write fails without a connection")

	assert.NoError(t, client.dispatch([]byte(`{"op":"pong"}`)))
	assert.NoError(t, client.dispatch([]byte(`not json`)), "malformed frames are logged and skipped")
	assert.Error(t, client.dispatch([]byte(`{"op":"auth","success":false,"ret_msg":"bad key"}`)))
}
