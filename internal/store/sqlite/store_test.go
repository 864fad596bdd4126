package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trendpilot/internal/store"
	"trendpilot/internal/store/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	st, err := NewSqliteStore(filepath.Join(t.TempDir(), "trendpilot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestPositionSaveNeverLowersStop(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	repo := st.Positions()

	rec := model.PositionRecord{Symbol: "AAPL", EntryPrice: 100, Quantity: 37, OriginalQuantity: 37, CurrentStop: 92}
	require.NoError(t, repo.Save(ctx, &rec))

	rec.CurrentStop = 95
	require.NoError(t, repo.Save(ctx, &rec))
	got, err := repo.Get(ctx, "AAPL")
	require.NoError(t, err)
	assert.InDelta(t, 95, got.CurrentStop, 1e-9)

	rec.CurrentStop = 90
	rec.Quantity = 30
	require.NoError(t, repo.Save(ctx, &rec))
	got, err = repo.Get(ctx, "AAPL")
	require.NoError(t, err)
	assert.InDelta(t, 95, got.CurrentStop, 1e-9)
	assert.InDelta(t, 30, got.Quantity, 1e-9)
}

func TestPositionGetMissingReturnsNil(t *testing.T) {
	st := newTestStore(t)
	got, err := st.Positions().Get(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReplaceAllInTransaction(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	for _, sym := range []string{"AAPL", "MSFT", "NVDA"} {
		require.NoError(t, st.Positions().Save(ctx, &model.PositionRecord{Symbol: sym, Quantity: 1}))
	}

	uow, err := st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, uow.Positions().ReplaceAll(ctx, []model.PositionRecord{
		{Symbol: "MSFT", Quantity: 2},
		{Symbol: "TSLA", Quantity: 3},
	}))
	require.NoError(t, uow.Commit())

	recs, err := st.Positions().List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "MSFT", recs[0].Symbol)
	assert.InDelta(t, 2, recs[0].Quantity, 1e-9)
	assert.Equal(t, "TSLA", recs[1].Symbol)

	uow, err = st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, uow.Positions().ReplaceAll(ctx, nil))
	require.NoError(t, uow.Rollback())
	recs, err = st.Positions().List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestRunLockLease(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	locks := st.Locks()
	now := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)

	require.NoError(t, locks.Acquire(ctx, "trendpilot", "holder-a", "strategy", 10*time.Minute, now))
	err := locks.Acquire(ctx, "trendpilot", "holder-b", "safetynet", 10*time.Minute, now.Add(time.Minute))
	assert.ErrorIs(t, err, store.ErrLockHeld)

	// re-entrant for the same holder
	require.NoError(t, locks.Acquire(ctx, "trendpilot", "holder-a", "strategy", 10*time.Minute, now.Add(time.Minute)))

	// expired lease can be taken over
	require.NoError(t, locks.Acquire(ctx, "trendpilot", "holder-b", "safetynet", 10*time.Minute, now.Add(time.Hour)))

	require.NoError(t, locks.Release(ctx, "trendpilot", "holder-b"))
	require.NoError(t, locks.Acquire(ctx, "trendpilot", "holder-a", "strategy", 10*time.Minute, now.Add(time.Hour)))
}

func TestPendingAndEarningsRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	require.NoError(t, st.Pending().Save(ctx, &model.PendingEntry{Symbol: "NVDA", OrderID: "o-1", ATR: 2, SubmittedUnix: 10}))
	require.NoError(t, st.Pending().Save(ctx, &model.PendingEntry{Symbol: "NVDA", OrderID: "o-2", ATR: 3, SubmittedUnix: 11}))
	pend, err := st.Pending().List(ctx)
	require.NoError(t, err)
	require.Len(t, pend, 1)
	assert.Equal(t, "o-2", pend[0].OrderID)
	require.NoError(t, st.Pending().Delete(ctx, "NVDA"))
	pend, err = st.Pending().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pend)

	ev, err := st.Earnings().Get(ctx, "AAPL")
	require.NoError(t, err)
	assert.Nil(t, ev)
	require.NoError(t, st.Earnings().Save(ctx, &model.EarningsEvent{Symbol: "AAPL", Date: "2026-05-01", Session: model.SessionAfterClose, FetchedAtUnix: 5}))
	ev, err = st.Earnings().Get(ctx, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.SessionAfterClose, ev.Session)
}

func TestJournalAppendAndList(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.Journal().Append(ctx,
		model.JournalEntry{RunID: "r1", Pass: "strategy", Kind: "entry_submit", Symbol: "AAPL", Details: datatypes.JSON(`{"qty":37}`)},
		model.JournalEntry{RunID: "r1", Pass: "strategy", Kind: "run_status", DryRun: true, Details: datatypes.JSON(`{"ok":true}`)},
	))

	all, err := st.Journal().ListRecent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "run_status", all[0].Kind)

	status, err := st.Journal().ListRecent(ctx, "run_status", 10)
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.True(t, status[0].DryRun)
	assert.JSONEq(t, `{"ok":true}`, string(status[0].Details))
}
