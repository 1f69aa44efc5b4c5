package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/metrics"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/protocol"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/transport"
	"golang.org/x/time/rate"
)

const keyAttempts = 3

var (
	ErrThrottled  = errors.New("keypress throttled")
	ErrInvalidKey = errors.New("invalid key")
)

// KeySender forwards key presses to a running program. Presses arriving
// faster than the throttle window are dropped.
type KeySender struct {
	logger  *slog.Logger
	limiter *rate.Limiter
	settle  time.Duration
	backoff func(attempt int) time.Duration

	mu sync.Mutex
}

func NewKeySender(logger *slog.Logger, throttle, settle time.Duration) *KeySender {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if throttle > 0 {
		limit = rate.Every(throttle)
	}

	return &KeySender{
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
		settle:  settle,
		backoff: func(attempt int) time.Duration {
			// 150ms, 300ms, ...
			return time.Duration(75<<attempt) * time.Millisecond
		},
	}
}

// Send writes one keypress frame. It returns ErrThrottled, without touching
// the link, when the previous press was too recent.
func (k *KeySender) Send(ctx context.Context, link transport.Link, key string) error {
	if !k.limiter.Allow() {
		metrics.RecordKeypress("throttled")
		k.logger.Debug("keypress throttled", "key", key)
		return ErrThrottled
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidKey
	}
	raw, err := protocol.Encode(protocol.KeypressFrame(key))
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= keyAttempts; attempt++ {
		lastErr = link.Write(ctx, raw)
		if lastErr == nil {
			metrics.RecordKeypress("sent")
			sleepWithContext(ctx, k.settle)
			return nil
		}
		k.logger.Warn("keypress write failed", "key", key, "attempt", attempt, "error", lastErr)
		if !retryableKeyError(lastErr) || attempt == keyAttempts {
			break
		}
		if !sleepWithContext(ctx, k.backoff(attempt)) {
			lastErr = ctx.Err()
			break
		}
	}
	metrics.RecordKeypress("failed")

	return fmt.Errorf("send key %q: %w", key, lastErr)
}

func retryableKeyError(err error) bool {
	return !errors.Is(err, transport.ErrLinkLost) &&
		!errors.Is(err, transport.ErrNotConnected) &&
		!errors.Is(err, transport.ErrNotAllowed) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
