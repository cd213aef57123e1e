package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"strata/internal/orders"
	"strata/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "stack.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInstrumentOrderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.InstrumentOrders()

	o := orders.NewInstrumentOrder("EDOLLAR", "macro", 10, orders.TypeMarket, 99.5)
	require.NoError(t, repo.Put(ctx, o))

	t.Run("Get After Put", func(t *testing.T) {
		got, err := repo.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.ID, got.ID)
		assert.Equal(t, "EDOLLAR", got.Instrument)
		assert.Equal(t, "macro", got.Strategy)
		assert.InDelta(t, 10, got.Quantity, 1e-9)
		assert.InDelta(t, 99.5, got.ReferencePrice, 1e-9)
		assert.Equal(t, orders.StatusPending, got.Status)
	})

	t.Run("Put Same Payload Is Idempotent", func(t *testing.T) {
		assert.NoError(t, repo.Put(ctx, o))
	})

	t.Run("Put Same ID Different Payload Fails", func(t *testing.T) {
		dup := *o
		dup.Quantity = 12
		err := repo.Put(ctx, &dup)
		assert.ErrorIs(t, err, store.ErrDuplicateKey)
	})

	t.Run("Update Persists Progress", func(t *testing.T) {
		o.ApplyFill(4)
		require.NoError(t, repo.Update(ctx, o))
		got, err := repo.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.InDelta(t, 4, got.Filled, 1e-9)
		assert.InDelta(t, 6, got.Remaining, 1e-9)
		assert.Equal(t, orders.StatusPartiallyFilled, got.Status)
	})

	t.Run("Get Missing", func(t *testing.T) {
		_, err := repo.Get(ctx, "no-such-order")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Update Missing", func(t *testing.T) {
		ghost := orders.NewInstrumentOrder("GOLD", "macro", 3, orders.TypeMarket, 0)
		err := repo.Update(ctx, ghost)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Validation Rejected", func(t *testing.T) {
		bad := orders.NewInstrumentOrder("", "macro", 10, orders.TypeMarket, 0)
		err := repo.Put(ctx, bad)
		assert.True(t, store.IsValidation(err))
	})
}

func TestInstrumentOrderListActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.InstrumentOrders()

	open := orders.NewInstrumentOrder("EDOLLAR", "macro", 10, orders.TypeMarket, 0)
	done := orders.NewInstrumentOrder("EDOLLAR", "macro", 5, orders.TypeMarket, 0)
	other := orders.NewInstrumentOrder("GOLD", "carry", -3, orders.TypeMarket, 0)
	require.NoError(t, repo.Put(ctx, open))
	require.NoError(t, repo.Put(ctx, done))
	require.NoError(t, repo.Put(ctx, other))

	done.SetFilled(5)
	require.NoError(t, repo.Update(ctx, done))

	ids, err := repo.ListActive(ctx, store.Filter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{open.ID, other.ID}, ids)

	ids, err = repo.ListActive(ctx, store.Filter{Instrument: "EDOLLAR"})
	require.NoError(t, err)
	assert.Equal(t, []string{open.ID}, ids)

	ids, err = repo.ListActive(ctx, store.Filter{Strategy: "carry"})
	require.NoError(t, err)
	assert.Equal(t, []string{other.ID}, ids)
}

func TestBrokerOrderRepo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.BrokerOrders()
	contract := orders.NewContractID("EDOLLAR", "202612")

	o := &orders.BrokerOrder{
		ID: "bo-1", ParentID: "co-1", Contract: contract,
		Quantity: 10, Type: orders.TypeMarket, ReferencePrice: 99.5,
		Status: orders.StatusPending, Remaining: 10, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Put(ctx, o))

	t.Run("Fills Survive Round Trip", func(t *testing.T) {
		require.NoError(t, o.MarkSubmitted("ext-77"))
		require.NoError(t, o.RecordFill(orders.Fill{Quantity: 3, Price: 100}))
		require.NoError(t, o.RecordFill(orders.Fill{Quantity: 2, Price: 101}))
		require.NoError(t, repo.Update(ctx, o))

		got, err := repo.Get(ctx, "bo-1")
		require.NoError(t, err)
		require.Len(t, got.Fills, 2)
		assert.InDelta(t, 5, got.Filled, 1e-9)
		assert.InDelta(t, 100.4, got.AvgFillPrice, 1e-9)
		assert.Equal(t, orders.StatusPartiallyFilled, got.Status)
	})

	t.Run("Lookup By External ID", func(t *testing.T) {
		got, err := repo.GetByExternalID(ctx, "ext-77")
		require.NoError(t, err)
		assert.Equal(t, "bo-1", got.ID)

		_, err = repo.GetByExternalID(ctx, "ext-unknown")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Rejected Is Not Active", func(t *testing.T) {
		rej := &orders.BrokerOrder{
			ID: "bo-2", ParentID: "co-1", Contract: contract,
			Quantity: 4, Type: orders.TypeMarket,
			Status: orders.StatusPending, Remaining: 4, CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, repo.Put(ctx, rej))
		rej.MarkRejected("size cap")
		require.NoError(t, repo.Update(ctx, rej))

		ids, err := repo.ListActive(ctx, store.Filter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"bo-1"}, ids)
	})

	t.Run("List By Parent", func(t *testing.T) {
		got, err := repo.ListByParent(ctx, "co-1")
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestContractOrderRepo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.ContractOrders()

	parent := orders.NewInstrumentOrder("EDOLLAR", "macro", 10, orders.TypeMarket, 0)
	children, err := parent.SpawnChildren(map[orders.ContractID]float64{
		orders.NewContractID("EDOLLAR", "202609"): 6,
		orders.NewContractID("EDOLLAR", "202612"): 4,
	}, 1)
	require.NoError(t, err)
	for _, c := range children {
		require.NoError(t, repo.Put(ctx, c))
	}

	got, err := repo.ListByParent(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, c := range got {
		assert.Equal(t, parent.ID, c.ParentID)
		assert.Equal(t, "EDOLLAR", c.Contract.Instrument)
	}

	ids, err := repo.ListActive(ctx, store.Filter{Instrument: "EDOLLAR"})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestPositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Positions()

	qty, err := repo.Get(ctx, "EDOLLAR", "macro")
	require.NoError(t, err)
	assert.Zero(t, qty)

	require.NoError(t, repo.Set(ctx, "EDOLLAR", "macro", 10))
	require.NoError(t, repo.Set(ctx, "EDOLLAR", "macro", 14))
	require.NoError(t, repo.Set(ctx, "GOLD", "carry", -3))

	qty, err = repo.Get(ctx, "edollar", "macro")
	require.NoError(t, err)
	assert.InDelta(t, 14, qty, 1e-9)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestOrderEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.OrderEvents()

	require.NoError(t, repo.Append(ctx, store.OrderEvent{
		OrderID: "io-1", Tier: orders.TierInstrument, Kind: store.EventSpawned,
		Details: map[string]any{"quantity": 10.0},
	}))
	require.NoError(t, repo.Append(ctx, store.OrderEvent{
		OrderID: "io-1", Tier: orders.TierInstrument, Kind: store.EventFilled,
	}))
	require.NoError(t, repo.Append(ctx, store.OrderEvent{
		OrderID: "bo-9", Tier: orders.TierBroker, Kind: store.EventRejected,
	}))

	evs, err := repo.ListByOrder(ctx, "io-1", 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, store.EventFilled, evs[0].Kind, "newest first")
	assert.Equal(t, 10.0, evs[1].Details["quantity"])

	evs, err = repo.ListSince(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, evs, 3)

	err = repo.Append(ctx, store.OrderEvent{Kind: store.EventFilled})
	assert.True(t, store.IsValidation(err))
}

func TestArchiveTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldDone := orders.NewInstrumentOrder("EDOLLAR", "macro", 5, orders.TypeMarket, 0)
	oldDone.CreatedAt = time.Now().Add(-48 * time.Hour)
	oldDone.SetFilled(5)
	oldOpen := orders.NewInstrumentOrder("GOLD", "macro", 5, orders.TypeMarket, 0)
	oldOpen.CreatedAt = time.Now().Add(-48 * time.Hour)
	freshDone := orders.NewInstrumentOrder("CRUDE_W", "macro", 5, orders.TypeMarket, 0)
	freshDone.SetFilled(5)

	repo := s.InstrumentOrders()
	for _, o := range []*orders.InstrumentOrder{oldDone, oldOpen, freshDone} {
		require.NoError(t, repo.Put(ctx, o))
	}

	n, err := s.ArchiveTerminal(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Archived rows disappear from listings but stay readable by id.
	ids, err := repo.ListActive(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{oldOpen.ID}, ids)

	got, err := repo.Get(ctx, oldDone.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFilled, got.Status)

	// Idempotent: nothing left to stamp.
	n, err = s.ArchiveTerminal(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}
