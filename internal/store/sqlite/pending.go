package sqlite

import (
	"context"
	"errors"

	"trendpilot/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type pendingRepository struct {
	db *gorm.DB
}

func NewPendingRepo(db *gorm.DB) *pendingRepository {
	return &pendingRepository{db: db}
}

func (r *pendingRepository) List(ctx context.Context) ([]model.PendingEntry, error) {
	var out []model.PendingEntry
	if err := r.db.WithContext(ctx).Order("submitted_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pendingRepository) Save(ctx context.Context, entry *model.PendingEntry) error {
	if entry == nil {
		return errors.New("pending entry cannot be nil")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		UpdateAll: true,
	}).Create(entry).Error
}

func (r *pendingRepository) Delete(ctx context.Context, symbol string) error {
	return r.db.WithContext(ctx).Where("symbol = ?", symbol).Delete(&model.PendingEntry{}).Error
}
