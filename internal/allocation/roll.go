// Package allocation splits parent orders across contract expiries and
// broker accounts.
package allocation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"strata/internal/orders"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	rollCacheSize = 256
	rollCacheTTL  = time.Hour
)

// RollRule names the tradeable expiries for one instrument and the share of
// new exposure that goes to the current contract. Fraction 1.0 keeps
// everything in the current expiry, 0.0 rolls everything forward.
type RollRule struct {
	Current  string
	Next     string
	Fraction float64
}

func (r RollRule) validate(instrument string) error {
	if strings.TrimSpace(r.Current) == "" {
		return fmt.Errorf("roll rule for %s requires current expiry", instrument)
	}
	if err := orders.NewContractID(instrument, r.Current).Validate(); err != nil {
		return fmt.Errorf("roll rule for %s: %w", instrument, err)
	}
	if r.Next != "" {
		if err := orders.NewContractID(instrument, r.Next).Validate(); err != nil {
			return fmt.Errorf("roll rule for %s: %w", instrument, err)
		}
	}
	if r.Fraction < 0 || r.Fraction > 1 {
		return fmt.Errorf("roll rule for %s: fraction %v outside [0,1]", instrument, r.Fraction)
	}
	if r.Fraction < 1 && r.Next == "" {
		return fmt.Errorf("roll rule for %s: fraction %v needs next expiry", instrument, r.Fraction)
	}
	return nil
}

type rollLeg struct {
	contract orders.ContractID
	fraction float64
}

// RollAllocator maps instrument orders onto contract expiries using
// per-instrument roll rules. Resolved legs are kept in a TTL'd LRU so rule
// lookups stay cheap on the hot path.
type RollAllocator struct {
	mu    sync.RWMutex
	rules map[string]RollRule
	cache *expirable.LRU[string, []rollLeg]
}

// NewRollAllocator validates the rules and builds the allocator. Keys are
// instrument codes, matched case-insensitively.
func NewRollAllocator(rules map[string]RollRule) (*RollAllocator, error) {
	normalized := make(map[string]RollRule, len(rules))
	for instrument, rule := range rules {
		key := strings.ToUpper(strings.TrimSpace(instrument))
		if key == "" {
			return nil, fmt.Errorf("roll rule with empty instrument")
		}
		if err := rule.validate(key); err != nil {
			return nil, err
		}
		normalized[key] = rule
	}
	return &RollAllocator{
		rules: normalized,
		cache: expirable.NewLRU[string, []rollLeg](rollCacheSize, nil, rollCacheTTL),
	}, nil
}

// AllocateToContracts splits the order quantity across the instrument's
// tradeable expiries. Fractions sum to one, so the legs sum to the parent
// quantity exactly.
func (a *RollAllocator) AllocateToContracts(ctx context.Context, o *orders.InstrumentOrder) (map[orders.ContractID]float64, error) {
	if o == nil {
		return nil, fmt.Errorf("nil instrument order")
	}
	instrument := strings.ToUpper(strings.TrimSpace(o.Instrument))
	legs, err := a.legsFor(instrument)
	if err != nil {
		return nil, err
	}
	out := make(map[orders.ContractID]float64, len(legs))
	for _, leg := range legs {
		qty := o.Quantity * leg.fraction
		if qty == 0 {
			continue
		}
		out[leg.contract] = qty
	}
	return out, nil
}

// UpdateRules replaces the rule set and drops every cached resolution.
func (a *RollAllocator) UpdateRules(rules map[string]RollRule) error {
	normalized := make(map[string]RollRule, len(rules))
	for instrument, rule := range rules {
		key := strings.ToUpper(strings.TrimSpace(instrument))
		if key == "" {
			return fmt.Errorf("roll rule with empty instrument")
		}
		if err := rule.validate(key); err != nil {
			return err
		}
		normalized[key] = rule
	}
	a.mu.Lock()
	a.rules = normalized
	a.mu.Unlock()
	a.cache.Purge()
	return nil
}

func (a *RollAllocator) legsFor(instrument string) ([]rollLeg, error) {
	if legs, ok := a.cache.Get(instrument); ok {
		return legs, nil
	}
	a.mu.RLock()
	rule, ok := a.rules[instrument]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no roll rule for instrument %s", instrument)
	}
	legs := make([]rollLeg, 0, 2)
	if rule.Fraction > 0 {
		legs = append(legs, rollLeg{contract: orders.NewContractID(instrument, rule.Current), fraction: rule.Fraction})
	}
	if rule.Fraction < 1 {
		legs = append(legs, rollLeg{contract: orders.NewContractID(instrument, rule.Next), fraction: 1 - rule.Fraction})
	}
	a.cache.Add(instrument, legs)
	return legs, nil
}
