package sqlite

import (
	"context"
	"errors"

	"trendpilot/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type earningsRepository struct {
	db *gorm.DB
}

func NewEarningsRepo(db *gorm.DB) *earningsRepository {
	return &earningsRepository{db: db}
}

func (r *earningsRepository) Get(ctx context.Context, symbol string) (*model.EarningsEvent, error) {
	var ev model.EarningsEvent
	err := r.db.WithContext(ctx).Where("symbol = ?", symbol).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *earningsRepository) Save(ctx context.Context, ev *model.EarningsEvent) error {
	if ev == nil {
		return errors.New("earnings event cannot be nil")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		UpdateAll: true,
	}).Create(ev).Error
}
