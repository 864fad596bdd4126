package app

import (
	"context"
	"fmt"

	"trendpilot/internal/logger"
	"trendpilot/internal/store"
)

// ImportTracker loads records from the legacy JSON tracker file. Existing
// records are kept; the store's stop upsert never lowers a stop. Returns
// the number of records written.
func (a *App) ImportTracker(ctx context.Context, data []byte) (int, error) {
	recs, err := store.ParseLegacyTracker(data, a.now())
	if err != nil {
		return 0, err
	}
	repo := a.store.Positions()
	written := 0
	for i := range recs {
		rec := recs[i]
		existing, err := repo.Get(ctx, rec.Symbol)
		if err != nil {
			return written, fmt.Errorf("read %s: %w", rec.Symbol, err)
		}
		if existing != nil {
			logger.Infof("import: %s already tracked, skipped", rec.Symbol)
			continue
		}
		if a.dryRun {
			logger.Decision("import_record", rec.Symbol, "entry", rec.EntryPrice, "qty", rec.Quantity, "stop", rec.CurrentStop, "risk", rec.InitialRiskPerShare)
			continue
		}
		if err := repo.Save(ctx, &rec); err != nil {
			return written, fmt.Errorf("save %s: %w", rec.Symbol, err)
		}
		logger.Decision("import_record", rec.Symbol, "entry", rec.EntryPrice, "qty", rec.Quantity, "stop", rec.CurrentStop, "risk", rec.InitialRiskPerShare)
		written++
	}
	return written, nil
}
