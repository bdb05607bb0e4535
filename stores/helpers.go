package stores

import (
	"time"

	"github.com/oarkflow/date"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeOrNil keeps NULL columns NULL for unset optional timestamps.
func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// asTime converts a scanned driver value (time.Time, string or []byte,
// depending on the driver) into a time.Time.
func asTime(raw interface{}) (time.Time, bool) {
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t, true
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func asTimePtr(raw interface{}) *time.Time {
	if t, ok := asTime(raw); ok {
		return &t
	}
	return nil
}
