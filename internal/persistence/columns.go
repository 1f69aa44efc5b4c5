package persistence

import (
	"strings"
	"time"
)

// Timestamps are stored as UTC unix milliseconds; 0 means unset.
func millisColumn(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UTC().UnixMilli()
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms).UTC()
}

// nullableString stores blank strings as NULL.
func nullableString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}

	return v
}
