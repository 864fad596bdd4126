// Package convert provides loose numeric conversion for JSON payloads whose
// providers encode numbers as strings.
package convert

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ToFloat64 converts various numeric types to float64.
// Returns 0 for unsupported types or parse failures.
func ToFloat64(v any) float64 {
	f, _ := ToFloat64E(v)
	return f
}

// ToFloat64E is ToFloat64 with an error for unparseable input, so callers can
// tell a real zero from garbage.
func ToFloat64E(v any) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, fmt.Errorf("nil value")
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, fmt.Errorf("empty string")
		}
		return strconv.ParseFloat(s, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// ToInt truncates toward zero; broker quantities for equities are whole shares.
func ToInt(v any) int {
	return int(ToFloat64(v))
}
