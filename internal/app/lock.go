package app

import (
	"context"
	"time"

	"github.com/google/uuid"

	"trendpilot/internal/logger"
)

// withRunLock runs fn while holding the lease shared by both passes.
func (a *App) withRunLock(ctx context.Context, pass string, fn func(context.Context) error) error {
	holder := pass + "-" + uuid.NewString()
	ttl := time.Duration(a.cfg.App.LockTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	locks := a.store.Locks()
	if err := locks.Acquire(ctx, runLockName, holder, pass, ttl, a.now()); err != nil {
		return err
	}
	defer func() {
		if err := locks.Release(context.WithoutCancel(ctx), runLockName, holder); err != nil {
			logger.Warnf("release run lock %s failed: %v", holder, err)
		}
	}()
	return fn(ctx)
}
