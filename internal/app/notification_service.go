package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/bus"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/config"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/connectors"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/notifications"
)

// NotificationService turns troubleshooting guidance and unexpected link
// drops into user-facing notifications.
type NotificationService struct {
	bus           bus.MessageBus
	currentConfig func() config.AppConfig
	sender        notifications.Sender
	logger        *slog.Logger

	connStatusMu     sync.Mutex
	lastConnState    connectors.ConnectionState
	lastConnStateSet bool
	dropNotified     bool
}

func NewNotificationService(
	messageBus bus.MessageBus,
	currentConfig func() config.AppConfig,
	sender notifications.Sender,
	logger *slog.Logger,
) *NotificationService {
	if logger == nil {
		logger = slog.Default().With("component", "app.notifications")
	}

	return &NotificationService{
		bus:           messageBus,
		currentConfig: currentConfig,
		sender:        sender,
		logger:        logger,
	}
}

func (s *NotificationService) Start(ctx context.Context) {
	if s == nil || s.bus == nil || s.sender == nil {
		return
	}

	guidanceSub := s.bus.Subscribe(connectors.TopicGuidance)
	connSub := s.bus.Subscribe(connectors.TopicConnStatus)

	go func() {
		defer s.bus.Unsubscribe(guidanceSub, connectors.TopicGuidance)
		defer s.bus.Unsubscribe(connSub, connectors.TopicConnStatus)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-guidanceSub:
				if !ok {
					return
				}
				g, ok := raw.(connectors.Guidance)
				if !ok {
					continue
				}
				s.handleGuidance(g)
			case raw, ok := <-connSub:
				if !ok {
					return
				}
				status, ok := raw.(connectors.ConnectionStatus)
				if !ok {
					continue
				}
				s.handleConnectionStatus(status)
			}
		}
	}()
}

func (s *NotificationService) handleGuidance(g connectors.Guidance) {
	if !s.enabled() {
		return
	}
	s.send(notifications.Payload{Title: g.Title, Content: g.Message})
}

// handleConnectionStatus notifies when a connected link drops with an error
// and again when it comes back. Requested disconnects stay silent.
func (s *NotificationService) handleConnectionStatus(status connectors.ConnectionStatus) {
	if status.State == "" {
		return
	}

	s.connStatusMu.Lock()
	if s.lastConnStateSet && s.lastConnState == status.State {
		s.connStatusMu.Unlock()
		return
	}
	previous := s.lastConnState
	s.lastConnState = status.State
	s.lastConnStateSet = true

	var payload *notifications.Payload
	transport := notificationTransportName(status.TransportName)
	switch {
	case status.State == connectors.ConnectionStateDisconnected &&
		previous == connectors.ConnectionStateConnected &&
		strings.TrimSpace(status.Err) != "":
		s.dropNotified = true
		details := strings.TrimSpace(status.Target)
		if details == "" {
			details = "No connection details"
		}
		payload = &notifications.Payload{
			Title:   fmt.Sprintf("%s - connection lost", transport),
			Content: fmt.Sprintf("%s (error: %s)", details, strings.TrimSpace(status.Err)),
		}
	case status.State == connectors.ConnectionStateConnected && s.dropNotified:
		s.dropNotified = false
		payload = &notifications.Payload{
			Title:   fmt.Sprintf("%s - reconnected", transport),
			Content: strings.TrimSpace(status.Target),
		}
	}
	s.connStatusMu.Unlock()

	if payload != nil && s.enabled() {
		s.send(*payload)
	}
}

func (s *NotificationService) enabled() bool {
	if s.currentConfig == nil {
		return config.Default().Notifications.Enabled
	}

	return s.currentConfig().Notifications.Enabled
}

func (s *NotificationService) send(notification notifications.Payload) {
	title := strings.TrimSpace(notification.Title)
	content := strings.TrimSpace(notification.Content)
	if title == "" && content == "" {
		return
	}
	s.logger.Debug("sending notification", "title", title)
	s.sender.Send(notifications.Payload{
		Title:   title,
		Content: content,
	})
}

func notificationTransportName(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "serial":
		return "USB"
	case "bluetooth":
		return "Bluetooth"
	case "":
		return "Unknown"
	default:
		return strings.TrimSpace(name)
	}
}
