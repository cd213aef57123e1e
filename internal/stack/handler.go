// Package stack implements the order stack handler: it turns strategy
// position targets into three-tier order lineages, propagates fills bottom-up
// and reconciles the tiers back into agreement.
package stack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"strata/internal/broker"
	"strata/internal/logger"
	"strata/internal/notify"
	"strata/internal/orders"
	"strata/internal/pkg/circuit"
	"strata/internal/store"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ContractAllocator resolves which delivery months receive an instrument
// order's quantity.
type ContractAllocator interface {
	AllocateToContracts(ctx context.Context, o *orders.InstrumentOrder) (map[orders.ContractID]float64, error)
}

// AccountAllocator splits a contract order across broker accounts.
type AccountAllocator interface {
	AllocateToAccounts(ctx context.Context, o *orders.ContractOrder) (map[string]float64, error)
}

// Config tunes the handler. Zero values get production defaults.
type Config struct {
	Policy orders.TradePolicy
	// MaxPositions caps the absolute position per instrument. Missing or
	// zero means unlimited.
	MaxPositions map[string]float64
	// RetryAttempts bounds persistence retries during spawn and fill
	// propagation.
	RetryAttempts int
	// RetryBackoff is the linear backoff unit between attempts.
	RetryBackoff time.Duration

	PositionCacheSize int
	PositionCacheTTL  time.Duration
}

func (c Config) withDefaults() Config {
	c.Policy = orders.NewTradePolicy(c.Policy.MinTradeSize, c.Policy.BufferFraction)
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.PositionCacheSize <= 0 {
		c.PositionCacheSize = 512
	}
	if c.PositionCacheTTL <= 0 {
		c.PositionCacheTTL = 30 * time.Second
	}
	return c
}

// Deps are the handler's collaborators. Store, Contracts, Accounts and
// Adapter are required; the rest are optional.
type Deps struct {
	Store     store.Store
	Contracts ContractAllocator
	Accounts  AccountAllocator
	Adapter   broker.Adapter
	Prices    broker.PriceSource
	Breaker   *circuit.Breaker
	Alerter   *notify.Alerter
}

// Handler owns all mutation of the three order tiers.
type Handler struct {
	store     store.Store
	contracts ContractAllocator
	accounts  AccountAllocator
	adapter   broker.Adapter
	prices    broker.PriceSource
	breaker   *circuit.Breaker
	alerter   *notify.Alerter

	cfg       Config
	locks     *lineageLocks
	positions *expirable.LRU[string, float64]
}

func NewHandler(deps Deps, cfg Config) (*Handler, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("stack handler requires store")
	}
	if deps.Contracts == nil || deps.Accounts == nil {
		return nil, fmt.Errorf("stack handler requires allocators")
	}
	if deps.Adapter == nil {
		return nil, fmt.Errorf("stack handler requires broker adapter")
	}
	cfg = cfg.withDefaults()
	return &Handler{
		store:     deps.Store,
		contracts: deps.Contracts,
		accounts:  deps.Accounts,
		adapter:   deps.Adapter,
		prices:    deps.Prices,
		breaker:   deps.Breaker,
		alerter:   deps.Alerter,
		cfg:       cfg,
		locks:     newLineageLocks(),
		positions: expirable.NewLRU[string, float64](cfg.PositionCacheSize, nil, cfg.PositionCacheTTL),
	}, nil
}

// SpawnResult reports what SubmitTarget did. Skipped results are expected,
// frequent outcomes, not errors.
type SpawnResult struct {
	Skipped bool
	Reason  string

	InstrumentOrder *orders.InstrumentOrder
	ContractOrders  []*orders.ContractOrder
	BrokerOrders    []*orders.BrokerOrder
	// RejectedIDs lists broker orders the venue refused outright.
	RejectedIDs []string
}

// SubmitTarget runs the top-down spawn for one (instrument, strategy) target
// position: buffer and limit checks, instrument order creation, contract and
// account allocation, persistence and venue submission. Unsubmitted broker
// orders left behind by transient venue failures are picked up by the
// resubmission pass.
func (h *Handler) SubmitTarget(ctx context.Context, instrument, strategy string, target float64) (*SpawnResult, error) {
	instrument = strings.ToUpper(strings.TrimSpace(instrument))
	strategy = strings.TrimSpace(strategy)
	if instrument == "" || strategy == "" {
		return nil, fmt.Errorf("submit target requires instrument and strategy")
	}
	unlock := h.locks.acquire(instrument, strategy)
	defer unlock()

	scope := store.Filter{Instrument: instrument, Strategy: strategy}
	active, err := h.store.InstrumentOrders().ListActive(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list active orders: %w", err)
	}
	if len(active) > 0 {
		return &SpawnResult{Skipped: true, Reason: fmt.Sprintf("order %s still working", active[0])}, nil
	}

	current, err := h.position(ctx, instrument, strategy)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if !h.cfg.Policy.ShouldCreateOrder(current, target) {
		return &SpawnResult{Skipped: true, Reason: "inside no-trade buffer"}, nil
	}
	proposed := target - current
	limited := h.cfg.Policy.ApplyPositionLimits(proposed, current, h.maxPosition(instrument))
	if limited == 0 {
		return &SpawnResult{Skipped: true, Reason: "position limit leaves nothing to trade"}, nil
	}
	if limited != proposed {
		logger.Infof("Stack: %s/%s clamped %v -> %v by position limit %v",
			instrument, strategy, proposed, limited, h.maxPosition(instrument))
	}

	io := orders.NewInstrumentOrder(instrument, strategy, limited, orders.TypeMarket, 0)
	io.MaxPositionSize = h.maxPosition(instrument)

	alloc, err := h.contracts.AllocateToContracts(ctx, io)
	if err != nil {
		return nil, fmt.Errorf("contract allocation: %w", err)
	}
	io.ReferencePrice = h.referencePrice(ctx, alloc)

	if err := h.withRetry(ctx, "persist instrument order", func() error {
		return h.store.InstrumentOrders().Put(ctx, io)
	}); err != nil {
		return nil, err
	}
	h.appendEvent(ctx, store.OrderEvent{
		OrderID: io.ID,
		Tier:    orders.TierInstrument,
		Kind:    store.EventSpawned,
		Details: map[string]any{"target": target, "position": current, "quantity": io.Quantity},
	})

	contractOrders, err := io.SpawnChildren(alloc, h.cfg.Policy.MinTradeSize)
	if err != nil {
		h.abortInstrumentOrder(ctx, io, err.Error())
		return nil, fmt.Errorf("spawn contract orders: %w", err)
	}
	if len(contractOrders) == 0 {
		h.abortInstrumentOrder(ctx, io, "allocation below min trade size")
		return &SpawnResult{Skipped: true, Reason: "allocation below min trade size"}, nil
	}

	result := &SpawnResult{InstrumentOrder: io, ContractOrders: contractOrders}
	for _, co := range contractOrders {
		if err := h.withRetry(ctx, "persist contract order", func() error {
			return h.store.ContractOrders().Put(ctx, co)
		}); err != nil {
			return nil, err
		}
		h.appendEvent(ctx, store.OrderEvent{
			OrderID: co.ID,
			Tier:    orders.TierContract,
			Kind:    store.EventSpawned,
			Details: map[string]any{"parent": io.ID, "contract": co.Contract.String(), "quantity": co.Quantity},
		})

		accounts, err := h.accounts.AllocateToAccounts(ctx, co)
		if err != nil {
			return nil, fmt.Errorf("account allocation for %s: %w", co.ID, err)
		}
		brokerOrders, err := co.SpawnChildren(accounts, h.markFor(ctx, co.Contract))
		if err != nil {
			return nil, fmt.Errorf("spawn broker orders for %s: %w", co.ID, err)
		}
		for _, bo := range brokerOrders {
			if err := h.withRetry(ctx, "persist broker order", func() error {
				return h.store.BrokerOrders().Put(ctx, bo)
			}); err != nil {
				return nil, err
			}
			h.appendEvent(ctx, store.OrderEvent{
				OrderID: bo.ID,
				Tier:    orders.TierBroker,
				Kind:    store.EventSpawned,
				Details: map[string]any{"parent": co.ID, "account": bo.Account, "quantity": bo.Quantity},
			})
			result.BrokerOrders = append(result.BrokerOrders, bo)
		}
		if err := h.withRetry(ctx, "update contract order children", func() error {
			return h.store.ContractOrders().Update(ctx, co)
		}); err != nil {
			return nil, err
		}
	}
	if err := h.withRetry(ctx, "update instrument order children", func() error {
		return h.store.InstrumentOrders().Update(ctx, io)
	}); err != nil {
		return nil, err
	}

	for _, bo := range result.BrokerOrders {
		rejected, err := h.submitBrokerOrder(ctx, bo, strategy)
		if err != nil {
			logger.Warnf("Stack: submit %s failed, left pending: %v", bo.ID, err)
			continue
		}
		if rejected {
			result.RejectedIDs = append(result.RejectedIDs, bo.ID)
		}
	}
	logger.Infof("Stack: spawned %s/%s target=%v qty=%v contracts=%d broker=%d rejected=%d",
		instrument, strategy, target, io.Quantity,
		len(result.ContractOrders), len(result.BrokerOrders), len(result.RejectedIDs))
	return result, nil
}

// SubmitPending retries venue submission for persisted broker orders still in
// pending status, the crash-recovery half of the spawn path.
func (h *Handler) SubmitPending(ctx context.Context) (int, error) {
	ids, err := h.store.BrokerOrders().ListActive(ctx, store.Filter{})
	if err != nil {
		return 0, err
	}
	submitted := 0
	for _, id := range ids {
		bo, err := h.store.BrokerOrders().Get(ctx, id)
		if err != nil {
			logger.Warnf("Stack: load broker order %s: %v", id, err)
			continue
		}
		if bo.Status != orders.StatusPending {
			continue
		}
		strategy, err := h.strategyFor(ctx, bo)
		if err != nil {
			logger.Warnf("Stack: resolve lineage for %s: %v", id, err)
			continue
		}
		if _, err := h.submitBrokerOrder(ctx, bo, strategy); err != nil {
			logger.Warnf("Stack: resubmit %s failed: %v", id, err)
			continue
		}
		submitted++
	}
	return submitted, nil
}

func (h *Handler) submitBrokerOrder(ctx context.Context, bo *orders.BrokerOrder, strategy string) (rejected bool, err error) {
	if h.breaker != nil && !h.breaker.Allow() {
		return false, fmt.Errorf("venue circuit open")
	}
	externalID, err := h.adapter.Submit(ctx, bo)
	if err != nil {
		var rej *broker.RejectionError
		if errors.As(err, &rej) {
			// The venue answered; a rejection is an order problem, not
			// a venue outage.
			if h.breaker != nil {
				h.breaker.RecordSuccess()
			}
			bo.MarkRejected(rej.Reason)
			if updErr := h.withRetry(ctx, "persist rejection", func() error {
				return h.store.BrokerOrders().Update(ctx, bo)
			}); updErr != nil {
				return true, updErr
			}
			h.appendEvent(ctx, store.OrderEvent{
				OrderID: bo.ID,
				Tier:    orders.TierBroker,
				Kind:    store.EventRejected,
				Details: map[string]any{"reason": rej.Reason},
			})
			h.alerter.OrderRejected(bo.Contract.String(), strategy, bo.Quantity, rej.Reason)
			logger.Warnf("Stack: venue rejected %s: %s", bo.ID, rej.Reason)
			return true, nil
		}
		if h.breaker != nil {
			h.breaker.RecordFailure()
		}
		return false, err
	}
	if h.breaker != nil {
		h.breaker.RecordSuccess()
	}
	if err := bo.MarkSubmitted(externalID); err != nil {
		return false, err
	}
	if err := h.withRetry(ctx, "persist submission", func() error {
		return h.store.BrokerOrders().Update(ctx, bo)
	}); err != nil {
		return false, err
	}
	h.appendEvent(ctx, store.OrderEvent{
		OrderID: bo.ID,
		Tier:    orders.TierBroker,
		Kind:    store.EventSubmitted,
		Details: map[string]any{"external_id": externalID},
	})
	return false, nil
}

// abortInstrumentOrder cancels a just-created instrument order whose children
// could not be spawned, so no half-built lineage stays active.
func (h *Handler) abortInstrumentOrder(ctx context.Context, io *orders.InstrumentOrder, reason string) {
	if err := io.Cancel(); err != nil {
		return
	}
	if err := h.store.InstrumentOrders().Update(ctx, io); err != nil {
		logger.Errorf("Stack: abort %s failed: %v", io.ID, err)
		return
	}
	h.appendEvent(ctx, store.OrderEvent{
		OrderID: io.ID,
		Tier:    orders.TierInstrument,
		Kind:    store.EventCancelled,
		Details: map[string]any{"reason": reason},
	})
}

// strategyFor walks broker -> contract -> instrument to recover the owning
// strategy. Parent links are immutable once written.
func (h *Handler) strategyFor(ctx context.Context, bo *orders.BrokerOrder) (string, error) {
	co, err := h.store.ContractOrders().Get(ctx, bo.ParentID)
	if err != nil {
		return "", err
	}
	io, err := h.store.InstrumentOrders().Get(ctx, co.ParentID)
	if err != nil {
		return "", err
	}
	return io.Strategy, nil
}

func (h *Handler) position(ctx context.Context, instrument, strategy string) (float64, error) {
	key := instrument + "|" + strategy
	if qty, ok := h.positions.Get(key); ok {
		return qty, nil
	}
	qty, err := h.store.Positions().Get(ctx, instrument, strategy)
	if err != nil {
		return 0, err
	}
	h.positions.Add(key, qty)
	return qty, nil
}

// InvalidatePosition drops the cached position for one scope; called after
// every booked fill.
func (h *Handler) InvalidatePosition(instrument, strategy string) {
	h.positions.Remove(instrument + "|" + strategy)
}

func (h *Handler) maxPosition(instrument string) float64 {
	if h.cfg.MaxPositions == nil {
		return 0
	}
	return h.cfg.MaxPositions[instrument]
}

func (h *Handler) markFor(ctx context.Context, c orders.ContractID) float64 {
	if h.prices == nil {
		return 0
	}
	price, err := h.prices.MarkPrice(ctx, c)
	if err != nil {
		logger.Debugf("Stack: no mark for %s: %v", c, err)
		return 0
	}
	return price
}

// referencePrice averages the leg marks weighted by allocation so the
// instrument order carries a slippage baseline.
func (h *Handler) referencePrice(ctx context.Context, alloc map[orders.ContractID]float64) float64 {
	if h.prices == nil {
		return 0
	}
	notional := 0.0
	volume := 0.0
	for contract, qty := range alloc {
		if qty == 0 {
			continue
		}
		mark := h.markFor(ctx, contract)
		if mark == 0 {
			continue
		}
		weight := qty
		if weight < 0 {
			weight = -weight
		}
		notional += mark * weight
		volume += weight
	}
	if volume == 0 {
		return 0
	}
	return notional / volume
}

// withRetry runs fn with bounded attempts and linear backoff. Validation and
// duplicate-key failures are permanent and returned immediately.
func (h *Handler) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= h.cfg.RetryAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if store.IsValidation(lastErr) || errors.Is(lastErr, store.ErrDuplicateKey) {
			return lastErr
		}
		logger.Warnf("Stack: %s attempt %d/%d failed: %v", op, attempt, h.cfg.RetryAttempts, lastErr)
		if attempt < h.cfg.RetryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * h.cfg.RetryBackoff):
			}
		}
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func (h *Handler) appendEvent(ctx context.Context, ev store.OrderEvent) {
	if err := h.store.OrderEvents().Append(ctx, ev); err != nil {
		logger.Warnf("Stack: append %s event for %s failed: %v", ev.Kind, ev.OrderID, err)
	}
}
