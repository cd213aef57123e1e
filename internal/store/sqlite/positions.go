package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"strata/internal/store"
	"strata/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type positionRepo struct {
	db *gorm.DB
}

var _ store.Positions = (*positionRepo)(nil)

// Get returns the booked position, zero when nothing has been booked yet.
func (r *positionRepo) Get(ctx context.Context, instrument, strategy string) (float64, error) {
	var m model.PositionModel
	err := r.db.WithContext(ctx).
		Where("instrument = ? AND strategy = ?", normalizeInstrument(instrument), strings.TrimSpace(strategy)).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return m.Quantity, nil
}

func (r *positionRepo) Set(ctx context.Context, instrument, strategy string, qty float64) error {
	instrument = normalizeInstrument(instrument)
	strategy = strings.TrimSpace(strategy)
	if instrument == "" || strategy == "" {
		return store.NewValidationError("position", "instrument and strategy are required")
	}
	m := model.PositionModel{
		Instrument:    instrument,
		Strategy:      strategy,
		Quantity:      qty,
		UpdatedAtUnix: time.Now().UnixMilli(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "instrument"}, {Name: "strategy"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"quantity":   gorm.Expr("excluded.quantity"),
				"updated_at": gorm.Expr("excluded.updated_at"),
			}),
		}).
		Create(&m).Error
}

func (r *positionRepo) List(ctx context.Context) ([]store.PositionRecord, error) {
	var ms []model.PositionModel
	if err := r.db.WithContext(ctx).
		Order("instrument ASC, strategy ASC").
		Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]store.PositionRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, store.PositionRecord{
			Instrument: m.Instrument,
			Strategy:   m.Strategy,
			Quantity:   m.Quantity,
			UpdatedAt:  time.UnixMilli(m.UpdatedAtUnix).UTC(),
		})
	}
	return out, nil
}

func normalizeInstrument(instrument string) string {
	return strings.ToUpper(strings.TrimSpace(instrument))
}
