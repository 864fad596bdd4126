package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gorm.io/datatypes"

	"trendpilot/internal/logger"
	"trendpilot/internal/metrics"
	"trendpilot/internal/store"
	"trendpilot/internal/store/model"
)

// journal buffers one pass's decisions and writes them in a single append at
// the end. It implements executor.Recorder.
type journal struct {
	mu      sync.Mutex
	runID   string
	pass    string
	dryRun  bool
	now     func() time.Time
	metrics *metrics.Metrics
	entries []model.JournalEntry
}

func newJournal(runID, pass string, dryRun bool, now func() time.Time, m *metrics.Metrics) *journal {
	return &journal{runID: runID, pass: pass, dryRun: dryRun, now: now, metrics: m}
}

// Record logs the decision and queues a journal row.
func (j *journal) Record(kind, symbol string, kv ...any) {
	logger.Decision(kind, symbol, kv...)
	j.add(kind, symbol, kv...)
}

// decide is Record for decisions the pass takes itself; the executor counts
// its own.
func (j *journal) decide(kind, symbol string, kv ...any) {
	j.Record(kind, symbol, kv...)
	j.metrics.ObserveDecision(kind)
}

func (j *journal) add(kind, symbol string, kv ...any) {
	details, err := json.Marshal(kvMap(kv))
	if err != nil {
		details = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	j.mu.Lock()
	j.entries = append(j.entries, model.JournalEntry{
		RunID:         j.runID,
		Pass:          j.pass,
		Kind:          kind,
		Symbol:        symbol,
		DryRun:        j.dryRun,
		Details:       datatypes.JSON(details),
		CreatedAtUnix: j.now().Unix(),
	})
	j.mu.Unlock()
}

// Entries returns a copy of the queued rows.
func (j *journal) Entries() []model.JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]model.JournalEntry(nil), j.entries...)
}

// Flush writes the queued rows. Dry runs are journaled too.
func (j *journal) Flush(ctx context.Context, repo store.JournalRepository) error {
	j.mu.Lock()
	rows := j.entries
	j.entries = nil
	j.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}
	return repo.Append(ctx, rows...)
}

func kvMap(kv []any) map[string]any {
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		switch v := kv[i+1].(type) {
		case error:
			out[key] = v.Error()
		case fmt.Stringer:
			out[key] = v.String()
		default:
			out[key] = v
		}
	}
	if len(kv)%2 == 1 {
		out["!extra"] = kv[len(kv)-1]
	}
	return out
}
