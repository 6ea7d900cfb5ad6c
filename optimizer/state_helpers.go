package optimizer

import (
	"strings"
)

// cutPrefix returns the remainder of s after prefix and whether the prefix
// was present.
func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// toUint64 converts the loosely typed step counter a JSON round-trip can
// produce back into an integer.
func toUint64(raw interface{}) uint64 {
	switch v := raw.(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case float64:
		return uint64(v)
	case float32:
		return uint64(v)
	default:
		return 0
	}
}
