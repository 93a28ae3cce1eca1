package chronicle

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// TimestampOutcome records how a record's timestamp was resolved.
type TimestampOutcome int

const (
	// TimestampNumeric means a numeric value was used as-is.
	TimestampNumeric TimestampOutcome = iota
	// TimestampParsed means an ISO-8601 string was parsed.
	TimestampParsed
	// TimestampFallback means nothing usable was found and the wall clock was used.
	TimestampFallback
)

// fallbackTimestampKeys are consulted in order when "timestamp" is absent.
var fallbackTimestampKeys = []string{"dojo_timestamp", "ts"}

// isoLayouts covers the ISO-8601 shapes seen in legacy logs. Layouts without
// an offset parse as UTC.
var isoLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-0700",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ToUnix converts t to fractional seconds since the epoch.
func ToUnix(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// FromUnix converts fractional epoch seconds to a UTC time.
func FromUnix(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// ParseISO parses an ISO-8601 instant. A trailing "Z" is read as +00:00.
func ParseISO(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if strings.HasSuffix(s, "Z") || strings.HasSuffix(s, "z") {
		s = s[:len(s)-1] + "+00:00"
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ResolveTimestamp derives a numeric timestamp from a raw record without
// consulting the wall clock. "timestamp" wins when present; otherwise the
// first truthy value among dojo_timestamp and ts is used.
func ResolveTimestamp(raw map[string]any) (float64, TimestampOutcome, bool) {
	v, ok := raw["timestamp"]
	if !ok {
		for _, key := range fallbackTimestampKeys {
			if candidate := raw[key]; truthy(candidate) {
				v, ok = candidate, true
				break
			}
		}
	}
	if !ok {
		return 0, TimestampFallback, false
	}
	return coerceTimestamp(v)
}

func coerceTimestamp(v any) (float64, TimestampOutcome, bool) {
	if f, ok := toFloat(v); ok {
		return f, TimestampNumeric, true
	}
	if s, ok := v.(string); ok {
		if t, ok := ParseISO(s); ok {
			return ToUnix(t), TimestampParsed, true
		}
	}
	return 0, TimestampFallback, false
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint64:
		f = float64(n)
	case uint32:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}
