package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"trendpilot/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// positionUpdateColumns are overwritten on conflict; current_stop and
// created_at are handled separately.
var positionUpdateColumns = []string{
	"entry_price", "quantity", "original_quantity", "highest_price",
	"initial_risk_per_share", "risk_source", "entry_atr", "entry_regime",
	"pyramid_count", "stop_resize_pending", "missing_stop_cycles",
	"entry_timestamp", "updated_at",
}

type positionRepository struct {
	db *gorm.DB
}

func NewPositionRepo(db *gorm.DB) *positionRepository {
	return &positionRepository{db: db}
}

func (r *positionRepository) List(ctx context.Context) ([]model.PositionRecord, error) {
	var recs []model.PositionRecord
	if err := r.db.WithContext(ctx).Order("symbol ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *positionRepository) Get(ctx context.Context, symbol string) (*model.PositionRecord, error) {
	var rec model.PositionRecord
	err := r.db.WithContext(ctx).Where("symbol = ?", symbol).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save upserts the record. current_stop is merged with MAX so a stale writer
// can never lower a stop that another pass already raised.
func (r *positionRepository) Save(ctx context.Context, rec *model.PositionRecord) error {
	if rec == nil {
		return errors.New("position record cannot be nil")
	}
	if strings.TrimSpace(rec.Symbol) == "" {
		return errors.New("position record requires a symbol")
	}
	now := time.Now().Unix()
	if rec.CreatedAtUnix == 0 {
		rec.CreatedAtUnix = now
	}
	rec.UpdatedAtUnix = now
	set := clause.AssignmentColumns(positionUpdateColumns)
	set = append(set, clause.Assignment{
		Column: clause.Column{Name: "current_stop"},
		Value:  gorm.Expr("MAX(COALESCE(positions.current_stop, 0), excluded.current_stop)"),
	})
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: set,
	}).Create(rec).Error
}

func (r *positionRepository) Delete(ctx context.Context, symbol string) error {
	return r.db.WithContext(ctx).Where("symbol = ?", symbol).Delete(&model.PositionRecord{}).Error
}

func (r *positionRepository) ReplaceAll(ctx context.Context, recs []model.PositionRecord) error {
	keep := make([]string, 0, len(recs))
	for _, rec := range recs {
		keep = append(keep, rec.Symbol)
	}
	q := r.db.WithContext(ctx)
	if len(keep) > 0 {
		q = q.Where("symbol NOT IN ?", keep)
	} else {
		q = q.Where("1 = 1")
	}
	if err := q.Delete(&model.PositionRecord{}).Error; err != nil {
		return err
	}
	for i := range recs {
		if err := r.Save(ctx, &recs[i]); err != nil {
			return err
		}
	}
	return nil
}
