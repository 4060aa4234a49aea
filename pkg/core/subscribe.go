package core

import (
	"fmt"
	"strings"
)

// SubscribePatterns reads the "subscribe" key of a plugin config section.
// It accepts a list or a comma-separated string; the second result reports
// whether the key was present at all.
func SubscribePatterns(section map[string]any) ([]string, bool) {
	raw, ok := section["subscribe"]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return normalizePatterns(v), true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return normalizePatterns(out), true
	case string:
		return normalizePatterns(strings.Split(v, ",")), true
	default:
		return normalizePatterns([]string{fmt.Sprint(v)}), true
	}
}

func normalizePatterns(values []string) []string {
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
