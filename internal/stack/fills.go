package stack

import (
	"context"
	"errors"
	"fmt"

	"strata/internal/broker"
	"strata/internal/logger"
	"strata/internal/orders"
	"strata/internal/store"
)

var _ broker.FillHandler = (*Handler)(nil)

// OnFill books one confirmed fill against the lineage of the broker order the
// venue identifies by external id. Persistence runs bottom-up, broker order
// first, so a crash between writes leaves children ahead of parents and the
// reconciler closes the gap from below.
func (h *Handler) OnFill(ctx context.Context, externalID string, fill orders.Fill) error {
	probe, err := h.store.BrokerOrders().GetByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("fill for unknown external id %q: %w", externalID, err)
		}
		return err
	}
	// Parent links never change after spawn, so the lineage can be resolved
	// before taking the lock.
	co, err := h.store.ContractOrders().Get(ctx, probe.ParentID)
	if err != nil {
		return fmt.Errorf("resolve contract order %s: %w", probe.ParentID, err)
	}
	io, err := h.store.InstrumentOrders().Get(ctx, co.ParentID)
	if err != nil {
		return fmt.Errorf("resolve instrument order %s: %w", co.ParentID, err)
	}
	unlock := h.locks.acquire(io.Instrument, io.Strategy)
	defer unlock()

	bo, err := h.store.BrokerOrders().Get(ctx, probe.ID)
	if err != nil {
		return err
	}
	co, err = h.store.ContractOrders().Get(ctx, bo.ParentID)
	if err != nil {
		return err
	}
	io, err = h.store.InstrumentOrders().Get(ctx, co.ParentID)
	if err != nil {
		return err
	}

	if err := bo.RecordFill(fill); err != nil {
		return fmt.Errorf("record fill on %s: %w", bo.ID, err)
	}
	co.ApplyFill(fill.Quantity)
	io.ApplyFill(fill.Quantity)

	if err := h.withRetry(ctx, "persist broker fill", func() error {
		return h.store.BrokerOrders().Update(ctx, bo)
	}); err != nil {
		return err
	}
	if err := h.withRetry(ctx, "persist contract fill", func() error {
		return h.store.ContractOrders().Update(ctx, co)
	}); err != nil {
		return err
	}
	if err := h.withRetry(ctx, "persist instrument fill", func() error {
		return h.store.InstrumentOrders().Update(ctx, io)
	}); err != nil {
		return err
	}
	h.appendEvent(ctx, store.OrderEvent{
		OrderID: bo.ID,
		Tier:    orders.TierBroker,
		Kind:    store.EventFilled,
		Details: map[string]any{
			"external_id": externalID,
			"quantity":    fill.Quantity,
			"price":       fill.Price,
			"remaining":   bo.Remaining,
		},
	})

	position, err := h.store.Positions().Get(ctx, io.Instrument, io.Strategy)
	if err != nil {
		return fmt.Errorf("load booked position: %w", err)
	}
	if err := h.withRetry(ctx, "book position", func() error {
		return h.store.Positions().Set(ctx, io.Instrument, io.Strategy, position+fill.Quantity)
	}); err != nil {
		return err
	}
	h.InvalidatePosition(io.Instrument, io.Strategy)

	logger.Infof("Stack: fill %v @ %v on %s (%s/%s), broker remaining %v, instrument remaining %v",
		fill.Quantity, fill.Price, bo.ID, io.Instrument, io.Strategy, bo.Remaining, io.Remaining)
	return nil
}
