package model

import (
	"math"
	"time"

	"gorm.io/datatypes"
)

// RiskSource records where initial_risk_per_share came from.
type RiskSource string

const (
	RiskSourceUnknown    RiskSource = ""
	RiskSourceEntry      RiskSource = "entry"      // STOP_ATR_MULT × ATR at decision time
	RiskSourceBackfilled RiskSource = "backfilled" // approximated from current ATR, once
	RiskSourceImported   RiskSource = "imported"   // legacy tracker entry - stop
)

// PositionRecord is the locally tracked state of one held symbol. Zero values
// mean "unknown" so rows written by older builds load safely: CurrentStop == 0
// is "no stop recorded", InitialRiskPerShare == 0 excludes the position from
// pyramiding until it is backfilled.
type PositionRecord struct {
	Symbol              string     `gorm:"column:symbol;primaryKey"`
	EntryPrice          float64    `gorm:"column:entry_price"`
	Quantity            float64    `gorm:"column:quantity"`          // last observed live quantity
	OriginalQuantity    float64    `gorm:"column:original_quantity"` // quantity at first entry
	HighestPrice        float64    `gorm:"column:highest_price"`
	CurrentStop         float64    `gorm:"column:current_stop"`
	InitialRiskPerShare float64    `gorm:"column:initial_risk_per_share"`
	RiskSource          RiskSource `gorm:"column:risk_source"`
	EntryATR            float64    `gorm:"column:entry_atr"`
	EntryRegime         string     `gorm:"column:entry_regime"`
	PyramidCount        int        `gorm:"column:pyramid_count"`
	StopResizePending   bool       `gorm:"column:stop_resize_pending"`
	MissingStopCycles   int        `gorm:"column:missing_stop_cycles"`
	EntryTimestamp      int64      `gorm:"column:entry_timestamp"`
	CreatedAtUnix       int64      `gorm:"column:created_at"`
	UpdatedAtUnix       int64      `gorm:"column:updated_at"`
}

func (PositionRecord) TableName() string { return "positions" }

func (p PositionRecord) HasStop() bool { return p.CurrentStop > 0 }

func (p PositionRecord) HasInitialRisk() bool { return p.InitialRiskPerShare > 0 }

// RMultiple is open profit per share in units of initial risk.
func (p PositionRecord) RMultiple(price float64) float64 {
	if !p.HasInitialRisk() {
		return math.NaN()
	}
	return (price - p.EntryPrice) / p.InitialRiskPerShare
}

func (p PositionRecord) EntryTime() time.Time {
	if p.EntryTimestamp <= 0 {
		return time.Time{}
	}
	return time.Unix(p.EntryTimestamp, 0).UTC()
}

// PendingEntry remembers a submitted breakout entry until its fill is
// observed, so the adopted record uses the decision-time ATR.
type PendingEntry struct {
	Symbol        string  `gorm:"column:symbol;primaryKey"`
	OrderID       string  `gorm:"column:order_id"`
	ClientOrderID string  `gorm:"column:client_order_id"`
	Quantity      float64 `gorm:"column:quantity"`
	TriggerPrice  float64 `gorm:"column:trigger_price"`
	LimitPrice    float64 `gorm:"column:limit_price"`
	ATR           float64 `gorm:"column:atr"`
	PlannedStop   float64 `gorm:"column:planned_stop"`
	Regime        string  `gorm:"column:regime"`
	SubmittedUnix int64   `gorm:"column:submitted_at"`
}

func (PendingEntry) TableName() string { return "pending_entries" }

// EarningsSession is the time of day a company reports.
type EarningsSession string

const (
	SessionUnknown     EarningsSession = ""
	SessionBeforeOpen  EarningsSession = "bmo"
	SessionAfterClose  EarningsSession = "amc"
	SessionDuringHours EarningsSession = "dmh"
)

// EarningsEvent caches the next report for a symbol. An empty Date means the
// provider returned no report inside its lookahead window.
type EarningsEvent struct {
	Symbol        string          `gorm:"column:symbol;primaryKey"`
	Date          string          `gorm:"column:date"` // YYYY-MM-DD, exchange local
	Session       EarningsSession `gorm:"column:session"`
	FetchedAtUnix int64           `gorm:"column:fetched_at"`
}

func (EarningsEvent) TableName() string { return "earnings_cache" }

// JournalEntry is one decision or run-status row.
type JournalEntry struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement"`
	RunID         string         `gorm:"column:run_id;index"`
	Pass          string         `gorm:"column:pass"`
	Kind          string         `gorm:"column:kind;index"`
	Symbol        string         `gorm:"column:symbol;index"`
	DryRun        bool           `gorm:"column:dry_run"`
	Details       datatypes.JSON `gorm:"column:details;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
}

func (JournalEntry) TableName() string { return "decision_journal" }

// RunLock is a coarse lease shared by both passes.
type RunLock struct {
	Name           string `gorm:"column:name;primaryKey"`
	Holder         string `gorm:"column:holder"`
	Pass           string `gorm:"column:pass"`
	AcquiredAtUnix int64  `gorm:"column:acquired_at"`
	ExpiresAtUnix  int64  `gorm:"column:expires_at"`
}

func (RunLock) TableName() string { return "run_locks" }
