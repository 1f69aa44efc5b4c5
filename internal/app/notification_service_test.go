package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/bus"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/config"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/connectors"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/notifications"
)

func TestNotificationServiceForwardsGuidance(t *testing.T) {
	messageBus := newTestMessageBus(t)
	cfg := config.Default()
	sender := newCollectingNotificationSender()
	service := NewNotificationService(messageBus, func() config.AppConfig { return cfg }, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	messageBus.Publish(connectors.TopicGuidance, connectors.Guidance{
		Title:   "Connection failed",
		Message: "Could not reach the board over Bluetooth. Try switching to USB.",
		Cause:   "connection retries exhausted",
	})

	got := sender.waitForCount(t, 1)
	if got[0].Title != "Connection failed" {
		t.Fatalf("unexpected title %q", got[0].Title)
	}
	if got[0].Content != "Could not reach the board over Bluetooth. Try switching to USB." {
		t.Fatalf("unexpected content %q", got[0].Content)
	}
}

func TestNotificationServiceConnectionDropAndRecovery(t *testing.T) {
	messageBus := newTestMessageBus(t)
	cfg := config.Default()
	sender := newCollectingNotificationSender()
	service := NewNotificationService(messageBus, func() config.AppConfig { return cfg }, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	publish := func(state connectors.ConnectionState, errText string) {
		messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{
			State:         state,
			TransportName: "bluetooth",
			Target:        "AA:BB:CC:DD:EE:FF",
			Err:           errText,
		})
	}

	publish(connectors.ConnectionStateConnecting, "")
	publish(connectors.ConnectionStateConnected, "")
	sender.assertCount(t, 0)

	// Duplicate consecutive state must be ignored.
	publish(connectors.ConnectionStateConnected, "")
	sender.assertCount(t, 0)

	publish(connectors.ConnectionStateDisconnected, "link lost")
	got := sender.waitForCount(t, 1)
	if got[0].Title != "Bluetooth - connection lost" {
		t.Fatalf("unexpected drop title %q", got[0].Title)
	}
	if got[0].Content != "AA:BB:CC:DD:EE:FF (error: link lost)" {
		t.Fatalf("unexpected drop content %q", got[0].Content)
	}

	publish(connectors.ConnectionStateConnecting, "")
	publish(connectors.ConnectionStateConnected, "")
	got = sender.waitForCount(t, 2)
	if got[1].Title != "Bluetooth - reconnected" {
		t.Fatalf("unexpected recovery title %q", got[1].Title)
	}
}

func TestNotificationServiceRequestedDisconnectIsSilent(t *testing.T) {
	messageBus := newTestMessageBus(t)
	cfg := config.Default()
	sender := newCollectingNotificationSender()
	service := NewNotificationService(messageBus, func() config.AppConfig { return cfg }, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	for _, state := range []connectors.ConnectionState{
		connectors.ConnectionStateConnecting,
		connectors.ConnectionStateConnected,
		connectors.ConnectionStateDisconnecting,
		connectors.ConnectionStateDisconnected,
	} {
		messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{State: state, TransportName: "serial"})
	}

	sender.assertCount(t, 0)
}

func TestNotificationServiceRespectsDisabledSetting(t *testing.T) {
	messageBus := newTestMessageBus(t)
	cfg := config.Default()
	var cfgMu sync.RWMutex
	cfg.Notifications.Enabled = false
	sender := newCollectingNotificationSender()
	service := NewNotificationService(messageBus, func() config.AppConfig {
		cfgMu.RLock()
		defer cfgMu.RUnlock()

		return cfg
	}, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	guidance := connectors.Guidance{Title: "Port busy", Message: "Close the other program."}
	messageBus.Publish(connectors.TopicGuidance, guidance)
	sender.assertCount(t, 0)

	cfgMu.Lock()
	cfg.Notifications.Enabled = true
	cfgMu.Unlock()
	messageBus.Publish(connectors.TopicGuidance, guidance)
	sender.waitForCount(t, 1)
}

func TestNotificationTransportName(t *testing.T) {
	tests := map[string]string{
		"serial":    "USB",
		"Bluetooth": "Bluetooth",
		"":          "Unknown",
		"custom":    "custom",
	}
	for in, want := range tests {
		if got := notificationTransportName(in); got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
}

func newTestMessageBus(t *testing.T) *bus.PubSubBus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	messageBus := bus.New(logger)
	t.Cleanup(func() {
		messageBus.Close()
	})

	return messageBus
}

type collectingNotificationSender struct {
	mu            sync.Mutex
	notifications []notifications.Payload
	changes       chan struct{}
}

func newCollectingNotificationSender() *collectingNotificationSender {
	return &collectingNotificationSender{
		changes: make(chan struct{}, 1),
	}
}

func (s *collectingNotificationSender) Send(notification notifications.Payload) {
	s.mu.Lock()
	s.notifications = append(s.notifications, notification)
	s.mu.Unlock()

	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *collectingNotificationSender) snapshot() []notifications.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]notifications.Payload, len(s.notifications))
	copy(out, s.notifications)

	return out
}

func (s *collectingNotificationSender) waitForCount(t *testing.T, expected int) []notifications.Payload {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		current := s.snapshot()
		if len(current) >= expected {
			return current
		}
		select {
		case <-s.changes:
		case <-time.After(10 * time.Millisecond):
		}
	}

	t.Fatalf("timed out waiting for %d notifications", expected)

	return nil
}

func (s *collectingNotificationSender) assertCount(t *testing.T, expected int) {
	t.Helper()

	time.Sleep(100 * time.Millisecond)
	current := s.snapshot()
	if len(current) != expected {
		t.Fatalf("expected %d notifications, got %d", expected, len(current))
	}
}
