package sqlite

import (
	"context"
	"errors"
	"strings"

	"strata/internal/orders"
	"strata/internal/store"
	"strata/internal/store/model"

	"gorm.io/gorm"
)

type brokerOrderRepo struct {
	db *gorm.DB
}

var _ store.BrokerOrders = (*brokerOrderRepo)(nil)

func (r *brokerOrderRepo) Put(ctx context.Context, o *orders.BrokerOrder) error {
	if err := o.Validate(); err != nil {
		return store.NewValidationError("broker_order", err.Error())
	}
	m := model.NewBrokerOrderModel(o)
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

func (r *brokerOrderRepo) Get(ctx context.Context, id string) (*orders.BrokerOrder, error) {
	var m model.BrokerOrderModel
	err := r.db.WithContext(ctx).Where("order_id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.BrokerOrderFromModel(m), nil
}

func (r *brokerOrderRepo) Update(ctx context.Context, o *orders.BrokerOrder) error {
	if err := o.Validate(); err != nil {
		return store.NewValidationError("broker_order", err.Error())
	}
	m := model.NewBrokerOrderModel(o)
	res := r.db.WithContext(ctx).Model(&model.BrokerOrderModel{}).
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

// ListActive excludes rejected orders as well: a venue refusal ends the
// order's life at this tier.
func (r *brokerOrderRepo) ListActive(ctx context.Context, f store.Filter) ([]string, error) {
	q := r.db.WithContext(ctx).Model(&model.BrokerOrderModel{}).
		Where("status NOT IN ?", brokerTerminalStatuses).
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

func (r *brokerOrderRepo) ListByParent(ctx context.Context, parentID string) ([]*orders.BrokerOrder, error) {
	var ms []model.BrokerOrderModel
	if err := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("created_at ASC, id ASC").
		Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]*orders.BrokerOrder, 0, len(ms))
	for _, m := range ms {
		out = append(out, model.BrokerOrderFromModel(m))
	}
	return out, nil
}

func (r *brokerOrderRepo) GetByExternalID(ctx context.Context, externalID string) (*orders.BrokerOrder, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, store.ErrNotFound
	}
	var m model.BrokerOrderModel
	err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.BrokerOrderFromModel(m), nil
}

var brokerTerminalStatuses = []string{
	string(orders.StatusFilled),
	string(orders.StatusCancelled),
	string(orders.StatusRejected),
}
