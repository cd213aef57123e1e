package stack

import (
	"context"
	"fmt"
	"math"
	"sort"

	"strata/internal/logger"
	"strata/internal/orders"
	"strata/internal/store"
)

// Correction records one parent order whose fill total was rewritten from its
// children during reconciliation.
type Correction struct {
	OrderID string      `json:"order_id"`
	Tier    orders.Tier `json:"tier"`
	Before  float64     `json:"before"`
	After   float64     `json:"after"`
	Drift   float64     `json:"drift"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Lineages           int          `json:"lineages"`
	ContractsChecked   int          `json:"contracts_checked"`
	InstrumentsChecked int          `json:"instruments_checked"`
	Corrections        []Correction `json:"corrections,omitempty"`
}

// Reconcile recomputes each parent tier from its children: contract orders
// from broker fills, instrument orders from contract fills. Parents whose
// totals drift beyond the trade-size threshold are corrected in place. The
// pass is idempotent; a lineage that fails is retried on the next pass.
func (h *Handler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	roots, err := h.lineageRoots(ctx)
	if err != nil {
		return nil, err
	}
	report := &ReconcileReport{Lineages: len(roots)}
	var firstErr error
	failed := 0
	for _, id := range roots {
		if err := h.reconcileLineage(ctx, id, report); err != nil {
			logger.Warnf("Stack: reconcile lineage %s: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
			failed++
		}
	}
	if firstErr != nil {
		return report, fmt.Errorf("reconcile: %d of %d lineages failed: %w", failed, len(roots), firstErr)
	}
	logger.Infof("Stack: reconciled %d lineages, %d contracts, %d instruments, %d corrections",
		report.Lineages, report.ContractsChecked, report.InstrumentsChecked, len(report.Corrections))
	return report, nil
}

// lineageRoots lists every instrument order whose lineage may need repair: the
// active ones, plus terminal ones that still have an active contract child.
// A crash mid-propagation always leaves the stale tier active, so these two
// sweeps find every broken lineage.
func (h *Handler) lineageRoots(ctx context.Context) ([]string, error) {
	roots, err := h.store.InstrumentOrders().ListActive(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(roots))
	for _, id := range roots {
		seen[id] = true
	}
	contractIDs, err := h.store.ContractOrders().ListActive(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}
	for _, id := range contractIDs {
		co, err := h.store.ContractOrders().Get(ctx, id)
		if err != nil {
			logger.Warnf("Stack: load contract order %s: %v", id, err)
			continue
		}
		if !seen[co.ParentID] {
			seen[co.ParentID] = true
			roots = append(roots, co.ParentID)
		}
	}
	sort.Strings(roots)
	return roots, nil
}

func (h *Handler) reconcileLineage(ctx context.Context, instrumentOrderID string, report *ReconcileReport) error {
	probe, err := h.store.InstrumentOrders().Get(ctx, instrumentOrderID)
	if err != nil {
		return err
	}
	unlock := h.locks.acquire(probe.Instrument, probe.Strategy)
	defer unlock()

	io, err := h.store.InstrumentOrders().Get(ctx, instrumentOrderID)
	if err != nil {
		return err
	}
	contractOrders, err := h.store.ContractOrders().ListByParent(ctx, io.ID)
	if err != nil {
		return err
	}

	instrumentTotal := 0.0
	for _, co := range contractOrders {
		report.ContractsChecked++
		children, err := h.store.BrokerOrders().ListByParent(ctx, co.ID)
		if err != nil {
			return err
		}
		sum := 0.0
		for _, bo := range children {
			sum += bo.Filled
		}
		if err := h.correctOrder(ctx, orders.TierContract, co.ID, co.Filled, sum, report, func() error {
			co.SetFilled(sum)
			return h.store.ContractOrders().Update(ctx, co)
		}); err != nil {
			return err
		}
		instrumentTotal += co.Filled
	}

	report.InstrumentsChecked++
	return h.correctOrder(ctx, orders.TierInstrument, io.ID, io.Filled, instrumentTotal, report, func() error {
		io.SetFilled(instrumentTotal)
		return h.store.InstrumentOrders().Update(ctx, io)
	})
}

// correctOrder rewrites a parent's fill total when it drifts from the child
// sum by more than the trade-size threshold.
func (h *Handler) correctOrder(ctx context.Context, tier orders.Tier, id string, before, after float64, report *ReconcileReport, persist func() error) error {
	drift := math.Abs(after - before)
	if drift <= h.driftThreshold() {
		return nil
	}
	if err := h.withRetry(ctx, fmt.Sprintf("persist %s correction", tier), persist); err != nil {
		return err
	}
	h.appendEvent(ctx, store.OrderEvent{
		OrderID: id,
		Tier:    tier,
		Kind:    store.EventCorrected,
		Details: map[string]any{"before": before, "after": after, "drift": drift},
	})
	h.alerter.ReconcileCorrection(string(tier), id, drift)
	report.Corrections = append(report.Corrections, Correction{
		OrderID: id, Tier: tier, Before: before, After: after, Drift: drift,
	})
	logger.Warnf("Stack: corrected %s order %s filled %v -> %v (drift %v)", tier, id, before, after, drift)
	return nil
}

// driftThreshold treats float noise below QtyEpsilon as agreement even when
// the configured min trade size is smaller.
func (h *Handler) driftThreshold() float64 {
	if h.cfg.Policy.MinTradeSize > orders.QtyEpsilon {
		return h.cfg.Policy.MinTradeSize
	}
	return orders.QtyEpsilon
}
