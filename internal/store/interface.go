package store

import (
	"context"
	"errors"
	"time"

	"trendpilot/internal/store/model"
)

// ErrLockHeld is returned when another pass owns the run lock.
var ErrLockHeld = errors.New("run lock held by another pass")

// UnitOfWork defines a transaction scope.
type UnitOfWork interface {
	// Commit commits the transaction.
	Commit() error
	// Rollback rolls back the transaction.
	Rollback() error

	// Positions returns the position repository within this transaction.
	Positions() PositionRepository
	// Pending returns the pending-entry repository within this transaction.
	Pending() PendingRepository
}

// Store is the entry point for database access.
type Store interface {
	// Begin starts a new UnitOfWork (transaction).
	Begin(ctx context.Context) (UnitOfWork, error)
	Positions() PositionRepository
	Pending() PendingRepository
	Earnings() EarningsRepository
	Journal() JournalRepository
	Locks() LockRepository
	// Close closes the store connection.
	Close() error
}

// PositionRepository handles tracked position records.
type PositionRepository interface {
	List(ctx context.Context) ([]model.PositionRecord, error)
	Get(ctx context.Context, symbol string) (*model.PositionRecord, error)
	// Save upserts one record. The stored current_stop never decreases.
	Save(ctx context.Context, rec *model.PositionRecord) error
	Delete(ctx context.Context, symbol string) error
	// ReplaceAll makes the table equal to recs: upserts each record and
	// deletes rows whose symbol is absent.
	ReplaceAll(ctx context.Context, recs []model.PositionRecord) error
}

// PendingRepository handles submitted-but-unfilled entries.
type PendingRepository interface {
	List(ctx context.Context) ([]model.PendingEntry, error)
	Save(ctx context.Context, entry *model.PendingEntry) error
	Delete(ctx context.Context, symbol string) error
}

// EarningsRepository caches earnings calendar lookups.
type EarningsRepository interface {
	Get(ctx context.Context, symbol string) (*model.EarningsEvent, error)
	Save(ctx context.Context, ev *model.EarningsEvent) error
}

// JournalRepository persists decisions and run status rows.
type JournalRepository interface {
	Append(ctx context.Context, entries ...model.JournalEntry) error
	ListRecent(ctx context.Context, kind string, limit int) ([]model.JournalEntry, error)
}

// LockRepository implements the lease shared by both passes.
type LockRepository interface {
	Acquire(ctx context.Context, name, holder, pass string, ttl time.Duration, now time.Time) error
	Release(ctx context.Context, name, holder string) error
}
