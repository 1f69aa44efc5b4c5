package persistence

import (
	"context"
	"log/slog"
	"time"
)

const writeAttempts = 3

type writeCmd struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue serializes registry writes on one goroutine so callers on the
// connection path never wait for the database.
type WriterQueue struct {
	logger     *slog.Logger
	queue      chan writeCmd
	retryDelay time.Duration
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &WriterQueue{
		logger:     logger,
		queue:      make(chan writeCmd, capacity),
		retryDelay: 300 * time.Millisecond,
	}
}

func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) {
	cmd := writeCmd{name: name, fn: fn}
	select {
	case w.queue <- cmd:
	default:
		w.logger.Warn("db write queue full, waiting", "cmd", name)
		go func() { w.queue <- cmd }()
	}
}

// Flush waits until every write enqueued before the call has run.
func (w *WriterQueue) Flush(ctx context.Context) error {
	done := make(chan struct{})
	w.Enqueue("flush", func(context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WriterQueue) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-w.queue:
				w.runWithRetry(ctx, cmd)
			}
		}
	}()
}

func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		err := cmd.fn(ctx)
		if err == nil {
			return
		}
		w.logger.Error("db write failed", "cmd", cmd.name, "attempt", attempt, "error", err)
		if attempt == writeAttempts {
			return
		}

		timer := time.NewTimer(time.Duration(attempt) * w.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
