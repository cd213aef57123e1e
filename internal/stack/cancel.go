package stack

import (
	"context"
	"fmt"

	"strata/internal/logger"
	"strata/internal/orders"
	"strata/internal/store"
)

// CancelInstrumentOrder winds down the remaining lineage of one instrument
// order. Broker children are cancelled at the venue before any record is
// closed, so nothing can fill against a lineage the store already shows as
// done. A venue cancel failure aborts the pass; retrying is safe because
// already-terminal children are skipped.
func (h *Handler) CancelInstrumentOrder(ctx context.Context, id, reason string) error {
	probe, err := h.store.InstrumentOrders().Get(ctx, id)
	if err != nil {
		return err
	}
	unlock := h.locks.acquire(probe.Instrument, probe.Strategy)
	defer unlock()

	io, err := h.store.InstrumentOrders().Get(ctx, id)
	if err != nil {
		return err
	}
	if io.Terminal() {
		return fmt.Errorf("instrument order %s already %s", io.ID, io.Status)
	}

	contractOrders, err := h.store.ContractOrders().ListByParent(ctx, io.ID)
	if err != nil {
		return err
	}
	for _, co := range contractOrders {
		if co.Terminal() {
			continue
		}
		brokerOrders, err := h.store.BrokerOrders().ListByParent(ctx, co.ID)
		if err != nil {
			return err
		}
		for _, bo := range brokerOrders {
			if bo.Terminal() {
				continue
			}
			if err := h.cancelBrokerOrder(ctx, bo, reason); err != nil {
				return err
			}
		}
		if err := co.Cancel(); err != nil {
			return err
		}
		if err := h.withRetry(ctx, "persist contract cancel", func() error {
			return h.store.ContractOrders().Update(ctx, co)
		}); err != nil {
			return err
		}
		h.appendEvent(ctx, store.OrderEvent{
			OrderID: co.ID,
			Tier:    orders.TierContract,
			Kind:    store.EventCancelled,
			Details: map[string]any{"reason": reason},
		})
	}

	if err := io.Cancel(); err != nil {
		return err
	}
	if err := h.withRetry(ctx, "persist instrument cancel", func() error {
		return h.store.InstrumentOrders().Update(ctx, io)
	}); err != nil {
		return err
	}
	h.appendEvent(ctx, store.OrderEvent{
		OrderID: io.ID,
		Tier:    orders.TierInstrument,
		Kind:    store.EventCancelled,
		Details: map[string]any{"reason": reason},
	})
	logger.Infof("Stack: cancelled %s (%s/%s): %s", io.ID, io.Instrument, io.Strategy, reason)
	return nil
}

func (h *Handler) cancelBrokerOrder(ctx context.Context, bo *orders.BrokerOrder, reason string) error {
	// Pending orders never reached the venue and need no adapter call.
	if bo.ExternalID != "" {
		if err := h.adapter.Cancel(ctx, bo.ExternalID); err != nil {
			return fmt.Errorf("venue cancel %s (%s): %w", bo.ID, bo.ExternalID, err)
		}
	}
	if err := bo.Cancel(); err != nil {
		return err
	}
	if err := h.withRetry(ctx, "persist broker cancel", func() error {
		return h.store.BrokerOrders().Update(ctx, bo)
	}); err != nil {
		return err
	}
	h.appendEvent(ctx, store.OrderEvent{
		OrderID: bo.ID,
		Tier:    orders.TierBroker,
		Kind:    store.EventCancelled,
		Details: map[string]any{"reason": reason},
	})
	return nil
}
