package market

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"tbot/logger"
)

// Source is the slice of an exchange adapter the data service needs.
type Source interface {
	Name() string
	GetPrice(symbol string) (float64, error)
	GetKlines(symbol, interval string, limit int) ([]Kline, error)
}

const (
	priceTTL = 3 * time.Second
	klineTTL = 30 * time.Second
)

type priceEntry struct {
	price   float64
	fetched time.Time
}

type klineEntry struct {
	klines  []Kline
	fetched time.Time
}

// Service caches latest prices and candlestick windows per
// (symbol, interval, exchange), fetching through to the venue on miss.
type Service struct {
	mu      sync.RWMutex
	sources map[string]Source
	prices  map[string]priceEntry
	klines  map[string]klineEntry
	log     logger.Logger
}

// NewService creates a data service over the given venues.
func NewService(sources ...Source) *Service {
	s := &Service{
		sources: make(map[string]Source, len(sources)),
		prices:  make(map[string]priceEntry),
		klines:  make(map[string]klineEntry),
		log:     logger.With("market"),
	}
	for _, src := range sources {
		s.sources[strings.ToUpper(src.Name())] = src
	}
	return s
}

func (s *Service) source(exchange string) (Source, error) {
	s.mu.RLock()
	src, ok := s.sources[strings.ToUpper(exchange)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q", exchange)
	}
	return src, nil
}

// Price returns the latest price for symbol on exchange, cached briefly.
func (s *Service) Price(symbol, exchange string) (float64, error) {
	key := symbol + "|" + strings.ToUpper(exchange)

	s.mu.RLock()
	entry, ok := s.prices[key]
	s.mu.RUnlock()
	if ok && time.Since(entry.fetched) < priceTTL {
		return entry.price, nil
	}

	src, err := s.source(exchange)
	if err != nil {
		return 0, err
	}
	price, err := src.GetPrice(symbol)
	if err != nil {
		// Serve a stale price over no price; tickers hiccup.
		if ok {
			s.log.Warnf("price fetch failed for %s, serving stale: %v", symbol, err)
			return entry.price, nil
		}
		return 0, fmt.Errorf("price %s@%s: %w", symbol, exchange, err)
	}

	s.mu.Lock()
	s.prices[key] = priceEntry{price: price, fetched: time.Now()}
	s.mu.Unlock()
	return price, nil
}

// Klines returns up to limit candles for (symbol, interval, exchange),
// oldest first; a venue with a shorter history yields fewer. Cached
// windows are reused within the TTL when they are long enough.
func (s *Service) Klines(symbol, interval, exchange string, limit int) ([]Kline, error) {
	key := symbol + "|" + interval + "|" + strings.ToUpper(exchange)

	s.mu.RLock()
	entry, ok := s.klines[key]
	s.mu.RUnlock()
	if ok && time.Since(entry.fetched) < klineTTL && len(entry.klines) >= limit {
		return entry.klines[len(entry.klines)-limit:], nil
	}

	src, err := s.source(exchange)
	if err != nil {
		return nil, err
	}
	klines, err := src.GetKlines(symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("klines %s %s@%s: %w", symbol, interval, exchange, err)
	}
	for _, k := range klines {
		if verr := k.Validate(); verr != nil {
			return nil, fmt.Errorf("klines %s %s@%s: %w", symbol, interval, exchange, verr)
		}
	}

	s.mu.Lock()
	s.klines[key] = klineEntry{klines: klines, fetched: time.Now()}
	s.mu.Unlock()
	return klines, nil
}

// Invalidate drops cached data for a symbol, across intervals and venues.
// Called after fills so the next evaluation sees fresh state.
func (s *Service) Invalidate(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.prices {
		if strings.HasPrefix(key, symbol+"|") {
			delete(s.prices, key)
		}
	}
	for key := range s.klines {
		if strings.HasPrefix(key, symbol+"|") {
			delete(s.klines, key)
		}
	}
}
