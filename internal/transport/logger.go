package transport

import (
	"log/slog"
	"sync/atomic"
)

var baseLogger atomic.Pointer[slog.Logger]

// SetLogger routes transport logs through l instead of slog.Default.
func SetLogger(l *slog.Logger) {
	baseLogger.Store(l)
}

func transportLogger(name string, attrs ...any) *slog.Logger {
	logger := baseLogger.Load()
	if logger == nil {
		logger = slog.Default().With("component", "transport")
	}
	logger = logger.With("transport", name)
	if len(attrs) == 0 {
		return logger
	}

	return logger.With(attrs...)
}
