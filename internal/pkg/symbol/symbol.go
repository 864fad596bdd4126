package symbol

import (
	"strings"
)

// Normalize returns the canonical ticker used throughout the store and broker
// calls: upper-case, share class separated by a dot (BRK-B, BRK/B -> BRK.B).
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	s = strings.NewReplacer("/", ".", "-", ".", " ", "").Replace(s)
	return strings.Trim(s, ".")
}

func NormalizeList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm := Normalize(s)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// IsValid reports whether s looks like a US equity ticker.
func IsValid(s string) bool {
	s = Normalize(s)
	if s == "" || len(s) > 10 {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}
