package notifications

import (
	"log/slog"
	"strings"

	"github.com/gen2brain/beeep"
)

// DesktopSender shows notifications through the OS notification service.
// When the backend fails, the notification goes to the fallback instead.
type DesktopSender struct {
	logger   *slog.Logger
	notify   func(title, message string, icon any) error
	fallback Sender
}

func NewDesktopSender(appName string, logger *slog.Logger) *DesktopSender {
	if logger == nil {
		logger = slog.Default()
	}
	if name := strings.TrimSpace(appName); name != "" {
		beeep.AppName = name
	}

	return &DesktopSender{
		logger:   logger,
		notify:   beeep.Notify,
		fallback: LogSender{Logger: logger},
	}
}

func (s *DesktopSender) Send(payload Payload) {
	if s == nil || s.notify == nil {
		return
	}
	title := strings.TrimSpace(payload.Title)
	content := strings.TrimSpace(payload.Content)
	if title == "" && content == "" {
		return
	}

	if err := s.notify(title, content, ""); err != nil {
		s.logger.Warn("desktop notification failed", "title", title, "error", err)
		if s.fallback != nil {
			s.fallback.Send(Payload{Title: title, Content: content})
		}
	}
}

// LogSender writes notifications to the log.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(payload Payload) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "title", payload.Title, "content", payload.Content)
}
