// Package boardlock keeps two neolink processes from driving the same board
// link at once.
package boardlock

import (
	"errors"
	"strings"
)

// ErrHeld means another process owns the lock.
var ErrHeld = errors.New("board link is in use by another process")

// ErrUnsupported means the platform has no lock backend.
var ErrUnsupported = errors.New("board lock unsupported")

type Lock interface {
	Release() error
}

// Acquire takes the lock named key for appID without blocking. It returns
// ErrHeld when another process already holds it. The lock is dropped by the
// OS if the process dies.
func Acquire(appID, key string) (Lock, error) {
	return acquire(normalizeComponent(appID, "app"), normalizeComponent(key, "board"))
}

func normalizeComponent(raw, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	normalized := strings.Trim(b.String(), "_-.")
	if normalized == "" {
		return fallback
	}

	return normalized
}
