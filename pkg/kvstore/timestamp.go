package kvstore

import (
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// timestampPaths are probed in order against a serialized value to find
// an eviction-ranking timestamp. The conventional fields cover rules
// (createdAt), generic records (timestamp), and request logs
// (timing.startTime).
var timestampPaths = []jp.Expr{
	jp.MustParseString("$.timestamp"),
	jp.MustParseString("$.createdAt"),
	jp.MustParseString("$.timing.startTime"),
}

// extractTimestamp heuristically pulls a timestamp out of a serialized
// JSON value. Numbers are read as epoch milliseconds, strings as
// RFC 3339. Returns false when no conventional field is present.
func extractTimestamp(raw []byte) (time.Time, bool) {
	doc, err := oj.Parse(raw)
	if err != nil {
		return time.Time{}, false
	}
	for _, path := range timestampPaths {
		for _, v := range path.Get(doc) {
			if ts, ok := coerceTime(v); ok {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func coerceTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case int64:
		if x <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(x), true
	case float64:
		if x <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(x)), true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	default:
		return time.Time{}, false
	}
}
