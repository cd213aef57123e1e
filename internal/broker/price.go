package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"strata/internal/orders"
)

// PriceSource quotes a mark price for a contract.
type PriceSource interface {
	MarkPrice(ctx context.Context, c orders.ContractID) (float64, error)
}

// StaticPrices serves fixed marks from configuration. Keys may be either a
// full contract ("EDOLLAR/202612") or an instrument ("EDOLLAR"); the contract
// entry wins when both exist.
type StaticPrices struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func NewStaticPrices(prices map[string]float64) *StaticPrices {
	s := &StaticPrices{prices: make(map[string]float64, len(prices))}
	for key, price := range prices {
		s.prices[normalizePriceKey(key)] = price
	}
	return s
}

func (s *StaticPrices) MarkPrice(ctx context.Context, c orders.ContractID) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if price, ok := s.prices[normalizePriceKey(c.String())]; ok {
		return price, nil
	}
	if price, ok := s.prices[normalizePriceKey(c.Instrument)]; ok {
		return price, nil
	}
	return 0, fmt.Errorf("no mark price for %s", c)
}

// Set updates or adds one mark.
func (s *StaticPrices) Set(key string, price float64) {
	s.mu.Lock()
	s.prices[normalizePriceKey(key)] = price
	s.mu.Unlock()
}

func normalizePriceKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
