package util

import (
	"strconv"
)

// ToInt64 converts a Redis/Lua reply value to int64.
// Lua numbers come back as int64, some proxies hand back strings.
func ToInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float64:
		return int64(x), true
	case string:
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
