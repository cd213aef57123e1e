package allocation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"strata/internal/orders"
)

// AccountAllocator splits contract orders across broker accounts pro rata to
// configured weights. An empty weight set means a single implicit account and
// no split.
type AccountAllocator struct {
	mu      sync.RWMutex
	weights map[string]float64
	total   float64
}

func NewAccountAllocator(weights map[string]float64) (*AccountAllocator, error) {
	a := &AccountAllocator{}
	if err := a.UpdateWeights(weights); err != nil {
		return nil, err
	}
	return a, nil
}

// AllocateToAccounts returns per-account quantities summing to the order
// quantity.
func (a *AccountAllocator) AllocateToAccounts(ctx context.Context, o *orders.ContractOrder) (map[string]float64, error) {
	if o == nil {
		return nil, fmt.Errorf("nil contract order")
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.weights) == 0 {
		return map[string]float64{"": o.Quantity}, nil
	}
	out := make(map[string]float64, len(a.weights))
	for account, w := range a.weights {
		qty := o.Quantity * w / a.total
		if qty == 0 {
			continue
		}
		out[account] = qty
	}
	return out, nil
}

// UpdateWeights replaces the account weight set.
func (a *AccountAllocator) UpdateWeights(weights map[string]float64) error {
	normalized := make(map[string]float64, len(weights))
	total := 0.0
	for account, w := range weights {
		account = strings.TrimSpace(account)
		if account == "" {
			return fmt.Errorf("account weight with empty account name")
		}
		if w < 0 {
			return fmt.Errorf("account %s has negative weight %v", account, w)
		}
		if w == 0 {
			continue
		}
		normalized[account] = w
		total += w
	}
	if len(weights) > 0 && total <= 0 {
		return fmt.Errorf("account weights sum to zero")
	}
	a.mu.Lock()
	a.weights = normalized
	a.total = total
	a.mu.Unlock()
	return nil
}
