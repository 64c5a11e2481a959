// Package api exposes the operational HTTP endpoints: the sniper
// switch, position/order/hedge views, and prometheus metrics. Failures
// return a structured JSON envelope with a 200 status so operators
// always see a reason.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tbot/ai"
	"tbot/hedging"
	"tbot/logger"
	"tbot/market"
	"tbot/metrics"
	"tbot/order"
	"tbot/position"
	"tbot/scheduler"
)

// Scanner runs the long-form AI custom scan (the oracle client).
type Scanner interface {
	Scan(symbol, interval, exchangeName string, price float64) ([]ai.CandidateTrade, error)
}

// Server is the operational API.
type Server struct {
	engine    *gin.Engine
	http      *http.Server
	sched     *scheduler.Scheduler
	positions *position.Cache
	orders    *order.Manager
	hedger    *hedging.Service
	data      *market.Service
	scanner   Scanner
	jwtSecret string
	log       logger.Logger
}

// NewServer wires the routes.
func NewServer(listen, jwtSecret string, sched *scheduler.Scheduler, positions *position.Cache,
	orders *order.Manager, hedger *hedging.Service, data *market.Service, scanner Scanner) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:    gin.New(),
		sched:     sched,
		positions: positions,
		orders:    orders,
		hedger:    hedger,
		data:      data,
		scanner:   scanner,
		jwtSecret: jwtSecret,
		log:       logger.With("api"),
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	apiGroup := s.engine.Group("/api")
	apiGroup.GET("/bot/sniper/status", s.handleSniperStatus)
	apiGroup.GET("/positions", s.handlePositions)
	apiGroup.GET("/orders", s.handleOrders)
	apiGroup.GET("/hedges", s.handleHedges)

	protected := apiGroup.Group("", s.authRequired())
	protected.POST("/bot/sniper/start", s.handleSniperStart)
	protected.POST("/bot/sniper/stop", s.handleSniperStop)
	protected.POST("/scan", s.handleScan)

	s.http = &http.Server{Addr: listen, Handler: s.engine}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Infof("operational API listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ok writes the success envelope.
func ok(c *gin.Context, payload gin.H) {
	payload["success"] = true
	payload["timestamp"] = time.Now().UnixMilli()
	c.JSON(http.StatusOK, payload)
}

// fail writes the failure envelope. Always 200: the envelope carries the
// reason.
func fail(c *gin.Context, message string) {
	c.JSON(http.StatusOK, gin.H{
		"success":   false,
		"error":     message,
		"timestamp": time.Now().UnixMilli(),
	})
}

// authRequired validates the bearer token on mutating endpoints. An
// empty configured secret disables auth (local/dev operation).
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.jwtSecret == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			fail(c, "missing bearer token")
			c.Abort()
			return
		}
		_, err := jwt.Parse(header[len(prefix):], func(t *jwt.Token) (interface{}, error) {
			return []byte(s.jwtSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			fail(c, "invalid token: "+err.Error())
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) handleSniperStart(c *gin.Context) {
	s.sched.StartSniper()
	ok(c, gin.H{"active": true})
}

func (s *Server) handleSniperStop(c *gin.Context) {
	s.sched.StopSniper()
	ok(c, gin.H{"active": false})
}

func (s *Server) handleSniperStatus(c *gin.Context) {
	ok(c, gin.H{"active": s.sched.IsSniperActive()})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := s.positions.Snapshot()
	result := make([]gin.H, 0, len(positions))
	for _, pos := range positions {
		result = append(result, gin.H{
			"symbol":         pos.Symbol,
			"side":           pos.Side,
			"size":           pos.Size,
			"entry_price":    pos.EntryPrice,
			"mark_price":     pos.MarkPrice,
			"leverage":       pos.Leverage,
			"unrealized_pnl": pos.UnrealizedPnL,
			"exchange":       pos.Exchange,
			"strategy":       pos.StrategyID,
			"stop_loss":      pos.StrategyStopLoss,
			"pt1_taken":      pos.PT1Taken,
		})
	}
	ok(c, gin.H{"positions": result})
}

func (s *Server) handleOrders(c *gin.Context) {
	symbol := c.Query("symbol")
	records, err := s.orders.History(symbol, 100)
	if err != nil {
		fail(c, "failed to load orders: "+err.Error())
		return
	}
	ok(c, gin.H{"orders": records})
}

// handleScan runs the long-form AI scan for one symbol and returns the
// candidate trades it proposes. Nothing is executed automatically.
func (s *Server) handleScan(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		fail(c, "symbol query parameter required")
		return
	}
	interval := c.DefaultQuery("interval", "1h")
	exchangeName := c.DefaultQuery("exchange", "BYBIT")
	if s.scanner == nil {
		fail(c, "scanner not configured")
		return
	}
	price, err := s.data.Price(symbol, exchangeName)
	if err != nil {
		fail(c, "price lookup failed: "+err.Error())
		return
	}
	candidates, err := s.scanner.Scan(symbol, interval, exchangeName, price)
	if err != nil {
		fail(c, "scan failed: "+err.Error())
		return
	}
	result := make([]gin.H, 0, len(candidates))
	for _, cand := range candidates {
		result = append(result, gin.H{
			"title":       cand.Title,
			"side":        cand.Side,
			"entry":       cand.Entry,
			"stop_loss":   cand.StopLoss,
			"take_profit": cand.TakeProfit,
		})
	}
	ok(c, gin.H{"candidates": result})
}

func (s *Server) handleHedges(c *gin.Context) {
	hedges := s.hedger.Active()
	result := make([]gin.H, 0, len(hedges))
	for _, h := range hedges {
		result = append(result, gin.H{
			"primary_symbol": h.PrimarySymbol,
			"hedge_symbol":   h.HedgeSymbol,
			"hedge_side":     h.HedgeSide,
			"quantity":       h.Quantity,
			"ratio":          h.Ratio,
			"reason":         h.Reason,
			"type":           h.Type,
			"trigger_price":  h.TriggerPrice,
			"created_at":     h.CreatedAt,
		})
	}
	ok(c, gin.H{"hedges": result})
}
