package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trendpilot/internal/store"
	"trendpilot/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type lockRepository struct {
	db *gorm.DB
}

func NewLockRepo(db *gorm.DB) *lockRepository {
	return &lockRepository{db: db}
}

// Acquire takes the lease when it is free, expired, or already ours. Each
// step is a single statement so two passes cannot both win.
func (r *lockRepository) Acquire(ctx context.Context, name, holder, pass string, ttl time.Duration, now time.Time) error {
	if ttl <= 0 {
		return errors.New("lock ttl must be positive")
	}
	db := r.db.WithContext(ctx)
	res := db.Model(&model.RunLock{}).
		Where("name = ? AND (holder = ? OR expires_at < ?)", name, holder, now.Unix()).
		Updates(map[string]any{
			"holder":      holder,
			"pass":        pass,
			"acquired_at": now.Unix(),
			"expires_at":  now.Add(ttl).Unix(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.RunLock{
		Name:           name,
		Holder:         holder,
		Pass:           pass,
		AcquiredAtUnix: now.Unix(),
		ExpiresAtUnix:  now.Add(ttl).Unix(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var cur model.RunLock
	if err := db.Where("name = ?", name).First(&cur).Error; err != nil {
		return fmt.Errorf("%w: %v", store.ErrLockHeld, err)
	}
	return fmt.Errorf("%w: %s pass %s until %s", store.ErrLockHeld, cur.Pass, cur.Holder,
		time.Unix(cur.ExpiresAtUnix, 0).UTC().Format(time.RFC3339))
}

func (r *lockRepository) Release(ctx context.Context, name, holder string) error {
	return r.db.WithContext(ctx).Where("name = ? AND holder = ?", name, holder).Delete(&model.RunLock{}).Error
}
