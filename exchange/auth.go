package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Auth signs REST and WebSocket requests for one venue account.
type Auth struct {
	APIKey    string
	APISecret string
}

// Sign returns the hex HMAC-SHA256 of payload.
func (a *Auth) Sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(a.APISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest signs the canonical request string
// timestamp + method + path + (query|body).
func (a *Auth) SignRequest(timestamp int64, method, path, queryOrBody string) string {
	return a.Sign(fmt.Sprintf("%d%s%s%s", timestamp, method, path, queryOrBody))
}

// WSAuthArgs builds the private-stream auth frame arguments:
// [api_key, expires_ms, HMAC("GET/realtime" + expires_ms)].
func (a *Auth) WSAuthArgs() []interface{} {
	expires := time.Now().Add(10 * time.Second).UnixMilli()
	sig := a.Sign(fmt.Sprintf("GET/realtime%d", expires))
	return []interface{}{a.APIKey, expires, sig}
}
