package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"strata/internal/logger"
	"strata/internal/orders"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	// SlippageBps is applied against the order direction: buys fill above
	// the mark, sells below.
	SlippageBps float64
	// MaxOrderSize rejects orders whose absolute quantity exceeds it.
	// Zero means no cap.
	MaxOrderSize float64
	// FillSlices splits each order into this many partial fills, delivered
	// one per poll. Minimum 1.
	FillSlices int
	// CommissionPerFill is charged on every fill slice.
	CommissionPerFill float64
}

type paperOrder struct {
	contract  orders.ContractID
	remaining float64
	slice     float64
	price     float64
}

// Paper is a simulated execution venue. Orders fill at the source mark price
// adjusted for slippage, optionally across several slices so partial-fill
// paths get exercised. Fills are delivered on PollFills, not asynchronously.
type Paper struct {
	cfg    PaperConfig
	prices PriceSource

	mu   sync.Mutex
	seq  int64
	open map[string]*paperOrder
}

func NewPaper(cfg PaperConfig, prices PriceSource) *Paper {
	if cfg.FillSlices < 1 {
		cfg.FillSlices = 1
	}
	return &Paper{
		cfg:    cfg,
		prices: prices,
		open:   make(map[string]*paperOrder),
	}
}

func (p *Paper) Submit(ctx context.Context, o *orders.BrokerOrder) (string, error) {
	if o == nil || o.Quantity == 0 {
		return "", &RejectionError{Reason: "zero quantity"}
	}
	if p.cfg.MaxOrderSize > 0 && math.Abs(o.Quantity) > p.cfg.MaxOrderSize {
		return "", &RejectionError{
			Reason: fmt.Sprintf("size %v above cap %v", math.Abs(o.Quantity), p.cfg.MaxOrderSize),
		}
	}
	mark, err := p.prices.MarkPrice(ctx, o.Contract)
	if err != nil {
		return "", fmt.Errorf("mark price for %s: %w", o.Contract, err)
	}

	price := p.fillPrice(mark, o.Quantity)
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("PAPER-%06d", p.seq)
	p.open[id] = &paperOrder{
		contract:  o.Contract,
		remaining: o.Quantity,
		slice:     o.Quantity / float64(p.cfg.FillSlices),
		price:     price,
	}
	p.mu.Unlock()

	logger.Debugf("Paper: accepted %s %s qty=%v fill_price=%v", id, o.Contract, o.Quantity, price)
	return id, nil
}

func (p *Paper) Cancel(ctx context.Context, externalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.open[externalID]; !ok {
		return fmt.Errorf("unknown order %s", externalID)
	}
	delete(p.open, externalID)
	return nil
}

// PollFills delivers at most one fill slice per working order. Handler
// failures keep the order state so the next poll retries the slice.
func (p *Paper) PollFills(ctx context.Context, h FillHandler) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.open))
	for id := range p.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	p.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		p.mu.Lock()
		po, ok := p.open[id]
		if !ok {
			p.mu.Unlock()
			continue
		}
		qty := po.slice
		if math.Abs(po.remaining) <= math.Abs(qty)+orders.QtyEpsilon {
			qty = po.remaining
		}
		price := po.price
		p.mu.Unlock()

		fill := orders.Fill{
			Quantity:   qty,
			Price:      price,
			Commission: p.cfg.CommissionPerFill,
			FilledAt:   time.Now().UTC(),
		}
		if err := h.OnFill(ctx, id, fill); err != nil {
			logger.Errorf("Paper: fill delivery %s failed: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		p.mu.Lock()
		if po, ok := p.open[id]; ok {
			po.remaining -= qty
			if math.Abs(po.remaining) <= orders.QtyEpsilon {
				delete(p.open, id)
			}
		}
		p.mu.Unlock()
	}
	return firstErr
}

// OpenOrders returns the external ids still working at the venue.
func (p *Paper) OpenOrders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.open))
	for id := range p.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Paper) fillPrice(mark, qty float64) float64 {
	adj := p.cfg.SlippageBps / 10000
	if qty < 0 {
		adj = -adj
	}
	return mark * (1 + adj)
}
