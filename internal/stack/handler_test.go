package stack

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"strata/internal/allocation"
	"strata/internal/broker"
	"strata/internal/orders"
	"strata/internal/pkg/circuit"
	"strata/internal/store"
	"strata/internal/store/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	h      *Handler
	store  *sqlite.Store
	paper  *broker.Paper
	prices *broker.StaticPrices
}

type fixtureConfig struct {
	paper    broker.PaperConfig
	handler  Config
	prices   map[string]float64
	accounts map[string]float64
	breaker  *circuit.Breaker
}

func newFixture(t *testing.T, fc fixtureConfig) *fixture {
	t.Helper()
	s, err := sqlite.NewStore(filepath.Join(t.TempDir(), "stack.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	if fc.prices == nil {
		fc.prices = map[string]float64{
			"EDOLLAR/202603": 99.5,
			"SOFR/202603":    96.0,
			"SOFR/202606":    95.5,
		}
	}
	prices := broker.NewStaticPrices(fc.prices)
	paper := broker.NewPaper(fc.paper, prices)

	rolls, err := allocation.NewRollAllocator(map[string]allocation.RollRule{
		"EDOLLAR": {Current: "202603", Fraction: 1},
		"SOFR":    {Current: "202603", Next: "202606", Fraction: 0.6},
	})
	require.NoError(t, err)
	accounts, err := allocation.NewAccountAllocator(fc.accounts)
	require.NoError(t, err)

	h, err := NewHandler(Deps{
		Store:     s,
		Contracts: rolls,
		Accounts:  accounts,
		Adapter:   paper,
		Prices:    prices,
		Breaker:   fc.breaker,
	}, fc.handler)
	require.NoError(t, err)
	return &fixture{h: h, store: s, paper: paper, prices: prices}
}

func eventKinds(t *testing.T, s *sqlite.Store, orderID string) map[store.EventKind]int {
	t.Helper()
	evs, err := s.OrderEvents().ListByOrder(context.Background(), orderID, 50)
	require.NoError(t, err)
	kinds := make(map[store.EventKind]int, len(evs))
	for _, ev := range evs {
		kinds[ev.Kind]++
	}
	return kinds
}

func TestSubmitTargetSpawnsLineage(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	res, err := f.h.SubmitTarget(ctx, "edollar", "macro", 10)
	require.NoError(t, err)
	require.False(t, res.Skipped, res.Reason)

	io := res.InstrumentOrder
	require.NotNil(t, io)
	assert.Equal(t, "EDOLLAR", io.Instrument)
	assert.Equal(t, "macro", io.Strategy)
	assert.InDelta(t, 10, io.Quantity, 1e-9)
	assert.InDelta(t, 99.5, io.ReferencePrice, 1e-9)

	require.Len(t, res.ContractOrders, 1)
	co := res.ContractOrders[0]
	assert.Equal(t, io.ID, co.ParentID)
	assert.Equal(t, "EDOLLAR/202603", co.Contract.String())
	assert.InDelta(t, 10, co.Quantity, 1e-9)

	require.Len(t, res.BrokerOrders, 1)
	bo := res.BrokerOrders[0]
	assert.Equal(t, co.ID, bo.ParentID)
	assert.Equal(t, "", bo.Account)
	assert.InDelta(t, 10, bo.Quantity, 1e-9)
	assert.Equal(t, orders.StatusSubmitted, bo.Status)
	assert.NotEmpty(t, bo.ExternalID)
	assert.Empty(t, res.RejectedIDs)

	t.Run("Lineage Persisted", func(t *testing.T) {
		gotIO, err := f.store.InstrumentOrders().Get(ctx, io.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{co.ID}, gotIO.ChildOrderIDs)

		gotCO, err := f.store.ContractOrders().Get(ctx, co.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{bo.ID}, gotCO.ChildOrderIDs)

		gotBO, err := f.store.BrokerOrders().Get(ctx, bo.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.StatusSubmitted, gotBO.Status)
		assert.Equal(t, bo.ExternalID, gotBO.ExternalID)
	})

	t.Run("Events Recorded", func(t *testing.T) {
		kinds := eventKinds(t, f.store, bo.ID)
		assert.Equal(t, 1, kinds[store.EventSpawned])
		assert.Equal(t, 1, kinds[store.EventSubmitted])
		assert.Equal(t, 1, eventKinds(t, f.store, io.ID)[store.EventSpawned])
	})

	t.Run("Order Working At Venue", func(t *testing.T) {
		assert.Len(t, f.paper.OpenOrders(), 1)
	})
}

func TestSubmitTargetSplitsAcrossRoll(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	res, err := f.h.SubmitTarget(ctx, "SOFR", "carry", 10)
	require.NoError(t, err)
	require.False(t, res.Skipped, res.Reason)

	require.Len(t, res.ContractOrders, 2)
	byContract := make(map[string]float64, 2)
	for _, co := range res.ContractOrders {
		byContract[co.Contract.String()] = co.Quantity
	}
	assert.InDelta(t, 6, byContract["SOFR/202603"], 1e-9)
	assert.InDelta(t, 4, byContract["SOFR/202606"], 1e-9)
	assert.Len(t, res.BrokerOrders, 2)

	// Reference price is the allocation-weighted mark: (96*6 + 95.5*4) / 10.
	assert.InDelta(t, 95.8, res.InstrumentOrder.ReferencePrice, 1e-9)
}

func TestSubmitTargetSkips(t *testing.T) {
	ctx := context.Background()

	t.Run("Requires Scope", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{})
		_, err := f.h.SubmitTarget(ctx, "", "macro", 5)
		assert.Error(t, err)
	})

	t.Run("Inside Buffer", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{})
		require.NoError(t, f.store.Positions().Set(ctx, "EDOLLAR", "macro", 100))
		res, err := f.h.SubmitTarget(ctx, "EDOLLAR", "macro", 104)
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Contains(t, res.Reason, "buffer")
	})

	t.Run("Active Lineage In Flight", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{})
		first, err := f.h.SubmitTarget(ctx, "EDOLLAR", "macro", 10)
		require.NoError(t, err)
		require.False(t, first.Skipped)

		second, err := f.h.SubmitTarget(ctx, "EDOLLAR", "macro", 20)
		require.NoError(t, err)
		assert.True(t, second.Skipped)
		assert.Contains(t, second.Reason, "still working")
	})

	t.Run("Position Limit Exhausted", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{
			handler: Config{MaxPositions: map[string]float64{"EDOLLAR": 5}},
		})
		require.NoError(t, f.store.Positions().Set(ctx, "EDOLLAR", "macro", 5))
		res, err := f.h.SubmitTarget(ctx, "EDOLLAR", "macro", 10)
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Contains(t, res.Reason, "position limit")
	})

	t.Run("Unknown Instrument", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{})
		_, err := f.h.SubmitTarget(ctx, "CORN", "macro", 5)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "contract allocation")
	})
}

func TestSubmitTargetClampsToPositionLimit(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		handler: Config{MaxPositions: map[string]float64{"EDOLLAR": 5}},
	})
	res, err := f.h.SubmitTarget(context.Background(), "EDOLLAR", "macro", 10)
	require.NoError(t, err)
	require.False(t, res.Skipped, res.Reason)
	assert.InDelta(t, 5, res.InstrumentOrder.Quantity, 1e-9)
	assert.InDelta(t, 5, res.InstrumentOrder.MaxPositionSize, 1e-9)
}

func TestVenueRejectionIsTerminal(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		paper: broker.PaperConfig{MaxOrderSize: 5},
	})
	ctx := context.Background()

	res, err := f.h.SubmitTarget(ctx, "EDOLLAR", "macro", 10)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Len(t, res.BrokerOrders, 1)
	require.Len(t, res.RejectedIDs, 1)

	bo, err := f.store.BrokerOrders().Get(ctx, res.RejectedIDs[0])
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRejected, bo.Status)
	assert.Contains(t, bo.RejectReason, "above cap")
	assert.Equal(t, 1, eventKinds(t, f.store, bo.ID)[store.EventRejected])

	// No automatic retry: the parents stay open for the operator to decide.
	io, err := f.store.InstrumentOrders().Get(ctx, res.InstrumentOrder.ID)
	require.NoError(t, err)
	assert.True(t, io.Active())
	assert.Empty(t, f.paper.OpenOrders())
}

func TestFillPropagation(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	res, err := f.h.SubmitTarget(ctx, "EDOLLAR", "macro", 10)
	require.NoError(t, err)
	require.False(t, res.Skipped)

	require.NoError(t, f.paper.PollFills(ctx, f.h))

	bo, err := f.store.BrokerOrders().Get(ctx, res.BrokerOrders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFilled, bo.Status)
	assert.InDelta(t, 10, bo.Filled, 1e-9)
	assert.InDelta(t, 99.5, bo.AvgFillPrice, 1e-6)
	assert.InDelta(t, 0, bo.Slippage, 1e-6)

	co, err := f.store.ContractOrders().Get(ctx, res.ContractOrders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFilled, co.Status)
	assert.InDelta(t, 10, co.Filled, 1e-9)

	io, err := f.store.InstrumentOrders().Get(ctx, res.InstrumentOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFilled, io.Status)
	assert.InDelta(t, 10, io.Filled, 1e-9)
	assert.InDelta(t, 0, io.Remaining, 1e-9)

	pos, err := f.store.Positions().Get(ctx, "EDOLLAR", "macro")
	require.NoError(t, err)
	assert.InDelta(t, 10, pos, 1e-9)
	assert.Equal(t, 1, eventKinds(t, f.store, bo.ID)[store.EventFilled])
	assert.Empty(t, f.paper.OpenOrders())

	t.Run("Next Target At Position Is Buffered", func(t *testing.T) {
		res, err := f.h.SubmitTarget(ctx, "EDOLLAR", "macro", 10)
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Contains(t, res.Reason, "buffer")
	})
}

func TestPartialFillsAcrossPolls(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		paper: broker.PaperConfig{FillSlices: 2},
	})
	ctx := context.Background()

	res, err := f.h.SubmitTarget(ctx, "EDOLLAR", "macro", 10)
	require.NoError(t, err)
	require.False(t, res.Skipped)

	require.NoError(t, f.paper.PollFills(ctx, f.h))
	io, err := f.store.InstrumentOrders().Get(ctx, res.InstrumentOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPartiallyFilled, io.Status)
	assert.InDelta(t, 5, io.Filled, 1e-9)
	assert.InDelta(t, 5, io.Remaining, 1e-9)

	require.NoError(t, f.paper.PollFills(ctx, f.h))
	io, err = f.store.InstrumentOrders().Get(ctx, res.InstrumentOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFilled, io.Status)
	assert.InDelta(t, 10, io.Filled, 1e-9)

	pos, err := f.store.Positions().Get(ctx, "EDOLLAR", "macro")
	require.NoError(t, err)
	assert.InDelta(t, 10, pos, 1e-9)
}

func TestSlippageTracked(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		paper: broker.PaperConfig{SlippageBps: 20},
	})
	ctx := context.Background()

	res, err := f.h.SubmitTarget(ctx, "EDOLLAR", "macro", 10)
	require.NoError(t, err)
	require.NoError(t, f.paper.PollFills(ctx, f.h))

	bo, err := f.store.BrokerOrders().Get(ctx, res.BrokerOrders[0].ID)
	require.NoError(t, err)
	// Buy filled 20bps above the 99.5 mark; slippage is signed against us.
	assert.InDelta(t, 99.699, bo.AvgFillPrice, 1e-6)
	assert.InDelta(t, 0.199, bo.Slippage, 1e-6)
}

func TestOnFillUnknownExternalID(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	err := f.h.OnFill(context.Background(), "GHOST-000001", orders.Fill{
		Quantity: 1,
		Price:    99.5,
		FilledAt: time.Now().UTC(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcileHealsDrift(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	res, err := f.h.SubmitTarget(ctx, "EDOLLAR", "macro", 10)
	require.NoError(t, err)
	require.False(t, res.Skipped)

	// Write the fill to the broker tier only, as if propagation died before
	// the parents were touched.
	bo, err := f.store.BrokerOrders().Get(ctx, res.BrokerOrders[0].ID)
	require.NoError(t, err)
	require.NoError(t, bo.RecordFill(orders.Fill{Quantity: 10, Price: 99.5, FilledAt: time.Now().UTC()}))
	require.NoError(t, f.store.BrokerOrders().Update(ctx, bo))

	report, err := f.h.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Lineages)
	assert.Equal(t, 1, report.ContractsChecked)
	assert.Equal(t, 1, report.InstrumentsChecked)
	require.Len(t, report.Corrections, 2)

	co, err := f.store.ContractOrders().Get(ctx, res.ContractOrders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFilled, co.Status)
	assert.InDelta(t, 10, co.Filled, 1e-9)

	io, err := f.store.InstrumentOrders().Get(ctx, res.InstrumentOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFilled, io.Status)
	assert.InDelta(t, 10, io.Filled, 1e-9)

	assert.Equal(t, 1, eventKinds(t, f.store, co.ID)[store.EventCorrected])
	assert.Equal(t, 1, eventKinds(t, f.store, io.ID)[store.EventCorrected])

	t.Run("Second Pass Is Idempotent", func(t *testing.T) {
		report, err := f.h.Reconcile(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Lineages)
		assert.Empty(t, report.Corrections)
	})
}

func TestReconcileLeavesAgreementAlone(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	res, err := f.h.SubmitTarget(ctx, "EDOLLAR", "macro", 10)
	require.NoError(t, err)
	require.False(t, res.Skipped)

	report, err := f.h.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Lineages)
	assert.Empty(t, report.Corrections)
}

func TestCancelLineage(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	res, err := f.h.SubmitTarget(ctx, "EDOLLAR", "macro", 10)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Len(t, f.paper.OpenOrders(), 1)

	require.NoError(t, f.h.CancelInstrumentOrder(ctx, res.InstrumentOrder.ID, "strategy flip"))

	io, err := f.store.InstrumentOrders().Get(ctx, res.InstrumentOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, io.Status)

	co, err := f.store.ContractOrders().Get(ctx, res.ContractOrders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, co.Status)

	bo, err := f.store.BrokerOrders().Get(ctx, res.BrokerOrders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, bo.Status)

	assert.Empty(t, f.paper.OpenOrders())
	assert.Equal(t, 1, eventKinds(t, f.store, io.ID)[store.EventCancelled])

	t.Run("Cancel Twice Fails", func(t *testing.T) {
		err := f.h.CancelInstrumentOrder(ctx, res.InstrumentOrder.ID, "again")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already cancelled")
	})
}

func TestSubmitPendingRetriesAfterOutage(t *testing.T) {
	// No mark price means the venue cannot accept the order yet; the broker
	// order stays pending instead of being rejected.
	f := newFixture(t, fixtureConfig{prices: map[string]float64{}})
	ctx := context.Background()

	res, err := f.h.SubmitTarget(ctx, "EDOLLAR", "macro", 10)
	require.NoError(t, err)
	require.False(t, res.Skipped)

	bo, err := f.store.BrokerOrders().Get(ctx, res.BrokerOrders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, bo.Status)
	assert.Empty(t, bo.ExternalID)

	n, err := f.h.SubmitPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.prices.Set("EDOLLAR/202603", 99.5)
	n, err = f.h.SubmitPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bo, err = f.store.BrokerOrders().Get(ctx, bo.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusSubmitted, bo.Status)
	assert.NotEmpty(t, bo.ExternalID)
}

func TestOpenCircuitLeavesOrdersPending(t *testing.T) {
	breaker := circuit.NewBreaker("venue", 1, time.Hour)
	breaker.RecordFailure()
	require.Equal(t, circuit.StateOpen, breaker.State())

	f := newFixture(t, fixtureConfig{breaker: breaker})
	ctx := context.Background()

	res, err := f.h.SubmitTarget(ctx, "EDOLLAR", "macro", 10)
	require.NoError(t, err)
	require.False(t, res.Skipped)

	bo, err := f.store.BrokerOrders().Get(ctx, res.BrokerOrders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, bo.Status)
	assert.Empty(t, f.paper.OpenOrders())
}
