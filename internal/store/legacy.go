package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"trendpilot/internal/pkg/symbol"
	"trendpilot/internal/store/model"

	"github.com/tidwall/gjson"
)

// ParseLegacyTracker reads the JSON tracker file written by the earlier
// script-based trader: an object keyed by symbol with entry_price,
// highest_price, current_stop, initial_r_multiple (entry - stop, in
// dollars), entry_date and qty. Missing or null fields load as zero.
func ParseLegacyTracker(data []byte, now time.Time) ([]model.PositionRecord, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("legacy tracker is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("legacy tracker must be a JSON object keyed by symbol")
	}
	var out []model.PositionRecord
	var parseErr error
	root.ForEach(func(key, value gjson.Result) bool {
		sym := symbol.Normalize(key.String())
		if sym == "" || !value.IsObject() {
			parseErr = fmt.Errorf("legacy tracker entry %q is malformed", key.String())
			return false
		}
		rec := model.PositionRecord{
			Symbol:              sym,
			EntryPrice:          value.Get("entry_price").Float(),
			HighestPrice:        value.Get("highest_price").Float(),
			CurrentStop:         value.Get("current_stop").Float(),
			InitialRiskPerShare: value.Get("initial_r_multiple").Float(),
			Quantity:            value.Get("qty").Float(),
			EntryRegime:         strings.ToLower(value.Get("entry_regime").String()),
			PyramidCount:        int(value.Get("pyramid_count").Int()),
		}
		rec.OriginalQuantity = rec.Quantity
		if v := value.Get("original_qty"); v.Exists() {
			rec.OriginalQuantity = v.Float()
		}
		if rec.HighestPrice < rec.EntryPrice {
			rec.HighestPrice = rec.EntryPrice
		}
		if rec.HasInitialRisk() {
			rec.RiskSource = model.RiskSourceImported
		}
		rec.EntryTimestamp = parseLegacyTime(value.Get("entry_date").String(), now).Unix()
		out = append(out, rec)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func parseLegacyTime(raw string, fallback time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return fallback
}
