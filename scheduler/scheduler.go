// Package scheduler drives the periodic evaluation ticks: the sniper
// tick on its session-aware cadence, the default tick on a slower one,
// and the hedging tick. Per-symbol tasks go to a bounded worker pool;
// an in-flight set guarantees at most one evaluation per symbol at a
// time.
package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tbot/config"
	"tbot/hedging"
	"tbot/logger"
	"tbot/strategy"
)

const drainTimeout = 5 * time.Second

// Scheduler owns the three periodic tasks and the sniper on/off switch.
type Scheduler struct {
	cron   *cron.Cron
	engine *strategy.Engine
	hedger *hedging.Service

	sniperCfg  config.SniperConfig
	defaultCfg config.DefaultConfig
	hedgingCfg config.HedgingConfig

	sniperActive atomic.Bool
	cycle        atomic.Uint64 // never reset; modulo bounds liveness
	pool         *Pool

	inFlightMu sync.Mutex
	inFlight   map[string]struct{}

	log logger.Logger
}

// New wires the scheduler. The sniper switch starts off.
func New(sniperCfg config.SniperConfig, defaultCfg config.DefaultConfig, hedgingCfg config.HedgingConfig,
	engine *strategy.Engine, hedger *hedging.Service) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		engine:     engine,
		hedger:     hedger,
		sniperCfg:  sniperCfg,
		defaultCfg: defaultCfg,
		hedgingCfg: hedgingCfg,
		pool:       NewPool(),
		inFlight:   make(map[string]struct{}),
		log:        logger.With("scheduler"),
	}
}

// StartSniper flips the sniper switch on. Idempotent.
func (s *Scheduler) StartSniper() {
	if s.sniperActive.CompareAndSwap(false, true) {
		s.log.Info("🚀 sniper scanning enabled")
	}
}

// StopSniper flips the sniper switch off. Idempotent.
func (s *Scheduler) StopSniper() {
	if s.sniperActive.CompareAndSwap(true, false) {
		s.log.Info("⏹ sniper scanning disabled")
	}
}

// IsSniperActive reads the switch.
func (s *Scheduler) IsSniperActive() bool { return s.sniperActive.Load() }

// Start registers the periodic jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	jobs := []struct {
		every time.Duration
		run   func()
	}{
		{s.sniperCfg.FixedRate, s.sniperTick},
		{s.defaultCfg.FixedRate, s.defaultTick},
		{s.hedgingCfg.FixedRate, s.hedgingTick},
	}
	for _, job := range jobs {
		spec := fmt.Sprintf("@every %s", job.every)
		if _, err := s.cron.AddFunc(spec, job.run); err != nil {
			return fmt.Errorf("schedule %s: %w", spec, err)
		}
	}
	s.cron.Start()
	s.log.Infof("scheduler started (sniper %s, default %s, hedging %s)",
		s.sniperCfg.FixedRate, s.defaultCfg.FixedRate, s.hedgingCfg.FixedRate)
	return nil
}

// Stop halts the ticks and drains the pool with a bounded wait.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(drainTimeout):
	}
	s.pool.Shutdown(drainTimeout)
	s.log.Info("scheduler stopped")
}

// sniperTick counts every tick while the sniper switch is on (ticks while
// it is off are not counted) and dispatches only when the session's
// scan interval divides the cycle counter.
func (s *Scheduler) sniperTick() {
	if !s.sniperActive.Load() {
		return
	}
	cycle := s.cycle.Add(1)
	session := SessionFor(time.Now().UTC().Hour())
	interval := session.ScanInterval()
	if cycle%interval != 0 {
		s.log.Debugf("cycle %d: skipping (%s scans every %d ticks)", cycle, session, interval)
		return
	}
	s.log.Debugf("cycle %d: dispatching %d symbols (%s)", cycle, len(s.sniperCfg.Symbols), session)

	for _, symbol := range s.sniperCfg.Symbols {
		symbol := symbol
		if !s.acquire(symbol) {
			s.log.Debugf("%s: evaluation already in flight, skipping", symbol)
			continue
		}
		s.pool.Submit(func() {
			defer s.release(symbol)
			defer s.recoverPanic(symbol)
			if err := s.engine.EvaluateAndExecute(symbol, "BYBIT", strategy.SniperID); err != nil {
				s.log.Errorf("%s: sniper evaluation failed: %v", symbol, err)
			}
		})
	}
}

// defaultTick iterates the default symbols serially.
func (s *Scheduler) defaultTick() {
	for _, symbol := range s.defaultCfg.Symbols {
		if !s.acquire(symbol) {
			continue
		}
		func() {
			defer s.release(symbol)
			defer s.recoverPanic(symbol)
			venue := s.defaultCfg.ExchangeMap[strings.ToLower(symbol)]
			if venue == "" {
				venue = "BYBIT"
			}
			if err := s.engine.EvaluateAndExecute(symbol, strings.ToUpper(venue), strategy.DefaultID); err != nil {
				s.log.Errorf("%s: default evaluation failed: %v", symbol, err)
			}
		}()
	}
}

// hedgingTick runs regardless of the sniper switch.
func (s *Scheduler) hedgingTick() {
	defer s.recoverPanic("hedging")
	s.hedger.EvaluateOnce()
}

func (s *Scheduler) acquire(symbol string) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if _, busy := s.inFlight[symbol]; busy {
		return false
	}
	s.inFlight[symbol] = struct{}{}
	return true
}

func (s *Scheduler) release(symbol string) {
	s.inFlightMu.Lock()
	delete(s.inFlight, symbol)
	s.inFlightMu.Unlock()
}

func (s *Scheduler) recoverPanic(context string) {
	if r := recover(); r != nil {
		s.log.Errorf("%s: evaluation panicked: %v", context, r)
	}
}
