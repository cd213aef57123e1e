package sqlite

import (
	"context"
	"errors"

	"strata/internal/orders"
	"strata/internal/store"
	"strata/internal/store/model"

	"gorm.io/gorm"
)

type contractOrderRepo struct {
	db *gorm.DB
}

var _ store.ContractOrders = (*contractOrderRepo)(nil)

func (r *contractOrderRepo) Put(ctx context.Context, o *orders.ContractOrder) error {
	if err := o.Validate(); err != nil {
		return store.NewValidationError("contract_order", err.Error())
	}
	m := model.NewContractOrderModel(o)
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

func (r *contractOrderRepo) Get(ctx context.Context, id string) (*orders.ContractOrder, error) {
	var m model.ContractOrderModel
	err := r.db.WithContext(ctx).Where("order_id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ContractOrderFromModel(m), nil
}

func (r *contractOrderRepo) Update(ctx context.Context, o *orders.ContractOrder) error {
	if err := o.Validate(); err != nil {
		return store.NewValidationError("contract_order", err.Error())
	}
	m := model.NewContractOrderModel(o)
	res := r.db.WithContext(ctx).Model(&model.ContractOrderModel{}).
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

func (r *contractOrderRepo) ListActive(ctx context.Context, f store.Filter) ([]string, error) {
	q := r.db.WithContext(ctx).Model(&model.ContractOrderModel{}).
		Where("status NOT IN ?", instrumentTerminalStatuses).
		Where("archived_at = 0")
	if f.Instrument != "" {
		q = q.Where("instrument = ?", f.Instrument)
	}
	var ids []string
	if err := q.Order("created_at ASC, id ASC").Pluck("order_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *contractOrderRepo) ListByParent(ctx context.Context, parentID string) ([]*orders.ContractOrder, error) {
	var ms []model.ContractOrderModel
	if err := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("created_at ASC, id ASC").
		Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]*orders.ContractOrder, 0, len(ms))
	for _, m := range ms {
		out = append(out, model.ContractOrderFromModel(m))
	}
	return out, nil
}
