package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tbot/ai"
	"tbot/api"
	"tbot/config"
	"tbot/exchange"
	"tbot/hedging"
	"tbot/logger"
	"tbot/market"
	"tbot/metrics"
	"tbot/order"
	"tbot/position"
	"tbot/risk"
	"tbot/scheduler"
	"tbot/store"
	"tbot/strategy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)
	log := logger.With("main")
	log.Info("🚀 starting trading engine")

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Errorf("store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	// Venues.
	bybit := exchange.NewBybit(cfg.Bybit.APIKey, cfg.Bybit.APISecret, cfg.Bybit.RESTURL)
	mexc := exchange.NewMEXC(cfg.MEXC.APIKey, cfg.MEXC.APISecret, cfg.MEXC.RESTURL, cfg.MEXC.WSURL)

	data := market.NewService(bybit, mexc)
	positions := position.NewCache()
	orders := order.NewManager(positions, data, st, bybit, mexc)
	riskMgr := risk.NewManager(cfg.Risk, cfg.Sniper.StopLossPercentMax, data, positions, st)

	oracle := ai.NewClient(cfg.AI)
	confirmer := strategy.NewConfirmer(data, bybit.Name())
	weights := strategy.NewWeightingService(st)

	// Strategy registry.
	registry := strategy.NewRegistry()
	registry.Register(strategy.NewSniper(cfg.Sniper, bybit.Name(), data, riskMgr, positions, oracle, confirmer, orders, st))
	registry.Register(strategy.NewDefault(cfg.Default, data, riskMgr, positions))
	registry.Register(strategy.NewMACrossover(cfg.Default.Interval, bybit.Name(), data, riskMgr))
	registry.Register(strategy.NewRSIReversal(cfg.Default.Interval, bybit.Name(), data, riskMgr))
	registry.Register(strategy.NewFibonacci(cfg.Default.Interval, bybit.Name(), data, riskMgr))
	registry.Register(strategy.NewNewsSentiment(cfg.Default.Interval, bybit.Name(), data, riskMgr, nil, weights))

	engine := strategy.NewEngine(registry, positions, orders, riskMgr, data, weights, st, bybit, mexc)
	hedger := hedging.NewService(cfg.Hedging, positions, orders, data, oracle, riskMgr, st)
	sched := scheduler.New(cfg.Sniper, cfg.Default, cfg.Hedging, engine, hedger)

	// Private position stream.
	ws := exchange.NewPrivateWS(cfg.Bybit.WSURL, &exchange.Auth{
		APIKey:    cfg.Bybit.APIKey,
		APISecret: cfg.Bybit.APISecret,
	}, func(pushes []exchange.PositionPush) {
		positions.ApplyPush(bybit.Name(), pushes)
		metrics.OpenPositions.Set(float64(len(positions.Snapshot())))
	})
	ws.OnReconnect = func() { metrics.WSReconnects.Inc() }

	wsCtx, wsCancel := context.WithCancel(context.Background())
	go func() {
		if err := ws.Run(wsCtx); err != nil && wsCtx.Err() == nil {
			log.Errorf("position stream: %v", err)
		}
	}()

	// Seed the cache from REST before the first tick.
	if snapshot, err := bybit.GetPositions(); err != nil {
		log.Warnf("initial position fetch failed: %v", err)
	} else {
		positions.Reconcile(bybit.Name(), snapshot)
		log.Infof("position cache seeded with %d open positions", len(snapshot))
	}

	if err := sched.Start(); err != nil {
		log.Errorf("scheduler: %v", err)
		os.Exit(1)
	}

	server := api.NewServer(cfg.API.Listen, cfg.API.JWTSecret, sched, positions, orders, hedger, data, oracle)
	go func() {
		if err := server.Run(); err != nil {
			log.Errorf("api server: %v", err)
		}
	}()

	// Block until shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("⏹ shutting down")

	sched.Stop()
	wsCancel()
	ws.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("api shutdown: %v", err)
	}
	log.Info("goodbye")
}
