package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"strata/internal/orders"
	"strata/internal/store"
	"strata/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type orderEventRepo struct {
	db *gorm.DB
}

var _ store.OrderEvents = (*orderEventRepo)(nil)

func (r *orderEventRepo) Append(ctx context.Context, ev store.OrderEvent) error {
	if ev.OrderID == "" {
		return store.NewValidationError("order_event", "order id is required")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	var details datatypes.JSON
	if len(ev.Details) > 0 {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			return err
		}
		details = datatypes.JSON(raw)
	}
	m := model.OrderEventModel{
		OrderID:       ev.OrderID,
		Tier:          string(ev.Tier),
		Kind:          string(ev.Kind),
		Details:       details,
		CreatedAtUnix: ev.At.UnixMilli(),
	}
	return r.db.WithContext(ctx).Create(&m).Error
}

func (r *orderEventRepo) ListByOrder(ctx context.Context, orderID string, limit int) ([]store.OrderEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var ms []model.OrderEventModel
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id DESC").
		Limit(limit).
		Find(&ms).Error; err != nil {
		return nil, err
	}
	return eventsFromModels(ms), nil
}

func (r *orderEventRepo) ListSince(ctx context.Context, since time.Time, limit int) ([]store.OrderEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	var ms []model.OrderEventModel
	if err := r.db.WithContext(ctx).
		Where("created_at >= ?", since.UnixMilli()).
		Order("id DESC").
		Limit(limit).
		Find(&ms).Error; err != nil {
		return nil, err
	}
	return eventsFromModels(ms), nil
}

func eventsFromModels(ms []model.OrderEventModel) []store.OrderEvent {
	out := make([]store.OrderEvent, 0, len(ms))
	for _, m := range ms {
		ev := store.OrderEvent{
			ID:      m.ID,
			OrderID: m.OrderID,
			Tier:    orders.Tier(m.Tier),
			Kind:    store.EventKind(m.Kind),
			At:      time.UnixMilli(m.CreatedAtUnix).UTC(),
		}
		if len(m.Details) > 0 {
			_ = json.Unmarshal(m.Details, &ev.Details)
		}
		out = append(out, ev)
	}
	return out
}
