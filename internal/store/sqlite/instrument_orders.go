package sqlite

import (
	"context"
	"errors"

	"strata/internal/orders"
	"strata/internal/store"
	"strata/internal/store/model"

	"gorm.io/gorm"
)

type instrumentOrderRepo struct {
	db *gorm.DB
}

var _ store.InstrumentOrders = (*instrumentOrderRepo)(nil)

// Put inserts a new order. Replaying an insert with the identical creation
// payload is a no-op; reusing the id for a different order fails.
func (r *instrumentOrderRepo) Put(ctx context.Context, o *orders.InstrumentOrder) error {
	if err := o.Validate(); err != nil {
		return store.NewValidationError("instrument_order", err.Error())
	}
	m := model.NewInstrumentOrderModel(o)
	err := r.db.WithContext(ctx).Create(&m).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}
	existing, getErr := r.Get(ctx, o.ID)
	if getErr != nil {
		return err
	}
	if existing.SameCreation(o) {
		return nil
	}
	return store.ErrDuplicateKey
}

func (r *instrumentOrderRepo) Get(ctx context.Context, id string) (*orders.InstrumentOrder, error) {
	var m model.InstrumentOrderModel
	err := r.db.WithContext(ctx).Where("order_id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.InstrumentOrderFromModel(m), nil
}

// Update replaces the stored record with the given one.
func (r *instrumentOrderRepo) Update(ctx context.Context, o *orders.InstrumentOrder) error {
	if err := o.Validate(); err != nil {
		return store.NewValidationError("instrument_order", err.Error())
	}
	m := model.NewInstrumentOrderModel(o)
	res := r.db.WithContext(ctx).Model(&model.InstrumentOrderModel{}).
		Where("order_id = ?", o.ID).
		Select("*").Omit("id", "order_id", "archived_at").
		Updates(&m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *instrumentOrderRepo) ListActive(ctx context.Context, f store.Filter) ([]string, error) {
	q := r.db.WithContext(ctx).Model(&model.InstrumentOrderModel{}).
		Where("status NOT IN ?", instrumentTerminalStatuses).
		Where("archived_at = 0")
	if f.Instrument != "" {
		q = q.Where("instrument = ?", f.Instrument)
	}
	if f.Strategy != "" {
		q = q.Where("strategy = ?", f.Strategy)
	}
	var ids []string
	if err := q.Order("created_at ASC, id ASC").Pluck("order_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

var instrumentTerminalStatuses = []string{
	string(orders.StatusFilled),
	string(orders.StatusCancelled),
}
