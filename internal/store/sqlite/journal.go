package sqlite

import (
	"context"
	"time"

	"trendpilot/internal/store/model"

	"gorm.io/gorm"
)

type journalRepository struct {
	db *gorm.DB
}

func NewJournalRepo(db *gorm.DB) *journalRepository {
	return &journalRepository{db: db}
}

func (r *journalRepository) Append(ctx context.Context, entries ...model.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().Unix()
	for i := range entries {
		if entries[i].CreatedAtUnix == 0 {
			entries[i].CreatedAtUnix = now
		}
	}
	return r.db.WithContext(ctx).CreateInBatches(entries, 100).Error
}

// ListRecent returns newest rows first; an empty kind lists every kind.
func (r *journalRepository) ListRecent(ctx context.Context, kind string, limit int) ([]model.JournalEntry, error) {
	var out []model.JournalEntry
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if err := q.Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
