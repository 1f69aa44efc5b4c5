package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/config"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/connectors"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/persistence"
)

func newTestRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()

	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "cfg"))
	t.Setenv("HOME", t.TempDir())
	if opts.Sender == nil {
		opts.Sender = newCollectingNotificationSender()
	}

	rt, err := Initialize(context.Background(), opts)
	if err != nil {
		t.Fatalf("initialize runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })

	return rt
}

func TestInitializeAppliesOverridesWithoutSaving(t *testing.T) {
	rt := newTestRuntime(t, Options{
		Override: func(cfg *config.AppConfig) {
			cfg.Connection.Connector = config.ConnectorSerial
			cfg.Connection.SerialPort = "/dev/ttyUSB3"
			cfg.Connection.SerialBaud = 0
		},
	})

	cfg := rt.CurrentConfig()
	if cfg.Connection.Connector != config.ConnectorSerial || cfg.Connection.SerialPort != "/dev/ttyUSB3" {
		t.Fatalf("expected override to apply, got %+v", cfg.Connection)
	}
	if cfg.Connection.SerialBaud != config.DefaultSerialBaud {
		t.Fatalf("expected defaults to be refilled after override, got %d", cfg.Connection.SerialBaud)
	}
	if _, err := os.Stat(rt.Paths.ConfigFile); !os.IsNotExist(err) {
		t.Fatalf("expected overrides not to be saved, stat err=%v", err)
	}
	if _, err := os.Stat(rt.Paths.DBFile); err != nil {
		t.Fatalf("expected database file: %v", err)
	}

	status := rt.Service.Status()
	if status.TransportName != "serial" || status.Target != "/dev/ttyUSB3" || status.State != connectors.ConnectionStateDisconnected {
		t.Fatalf("unexpected initial status: %+v", status)
	}
}

func TestInitializeRejectsInvalidOverride(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "cfg"))
	t.Setenv("HOME", t.TempDir())

	_, err := Initialize(context.Background(), Options{
		Sender: newCollectingNotificationSender(),
		Override: func(cfg *config.AppConfig) {
			cfg.Connection.Connector = "wifi"
		},
	})
	if err == nil {
		t.Fatalf("expected invalid connector to fail initialization")
	}
}

func TestRuntimeSaveAndApplyConfigPersists(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "board.json")
	rt := newTestRuntime(t, Options{ConfigFile: configFile})
	if rt.Paths.ConfigFile != configFile {
		t.Fatalf("expected explicit config file, got %q", rt.Paths.ConfigFile)
	}

	next := rt.CurrentConfig()
	next.Connection.Connector = config.ConnectorSerial
	next.Connection.SerialPort = "COM5"
	next.Logging.Level = "debug"
	if err := rt.SaveAndApplyConfig(next); err != nil {
		t.Fatalf("save and apply config: %v", err)
	}

	loaded, err := config.Load(configFile)
	if err != nil {
		t.Fatalf("load saved config: %v", err)
	}
	if loaded.Connection.SerialPort != "COM5" || loaded.Logging.Level != "debug" {
		t.Fatalf("unexpected saved config: %+v", loaded)
	}
	if rt.CurrentConfig().Connection.SerialPort != "COM5" {
		t.Fatalf("expected runtime config to be updated")
	}

	invalid := next
	invalid.Reconnect.MaxAttempts = config.MaxReconnectAttempts + 5
	invalid.Connection.Connector = "wifi"
	if err := rt.SaveAndApplyConfig(invalid); err == nil {
		t.Fatalf("expected invalid config to be rejected")
	}
	if rt.CurrentConfig().Connection.Connector != config.ConnectorSerial {
		t.Fatalf("expected runtime config to stay after rejected save")
	}
}

func TestRuntimeHistoryAndClear(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	ctx := context.Background()
	now := time.Now()

	history := queuedHistory{repo: rt.TransferRepo, writer: rt.WriterQueue}
	if err := history.Insert(ctx, persistence.Transfer{JobID: "job-1", Kind: "program", Connector: "serial", StartedAt: now, FinishedAt: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := rt.Registry.RememberTarget(ctx, "serial", "/dev/ttyUSB0"); err != nil {
		t.Fatalf("remember target: %v", err)
	}

	got, err := rt.Service.History(ctx, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 1 || got[0].JobID != "job-1" {
		t.Fatalf("expected queued transfer to be visible, got %+v", got)
	}
	devices, err := rt.Service.KnownDevices(ctx)
	if err != nil || len(devices) != 1 {
		t.Fatalf("expected one remembered device, got %+v err=%v", devices, err)
	}

	if err := rt.Clear(persistence.ClearHistory); err != nil {
		t.Fatalf("clear history: %v", err)
	}
	devices, err = rt.Service.KnownDevices(ctx)
	if err != nil || len(devices) != 1 {
		t.Fatalf("expected devices to survive a history clear, got %+v err=%v", devices, err)
	}
	if err := rt.Clear(persistence.ClearAll); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	got, err = rt.Service.History(ctx, 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty history after clear, got %+v err=%v", got, err)
	}
	devices, err = rt.Service.KnownDevices(ctx)
	if err != nil || len(devices) != 0 {
		t.Fatalf("expected no devices after clear, got %+v err=%v", devices, err)
	}
}

func TestRuntimeForgetDevice(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	ctx := context.Background()

	if err := rt.Registry.RememberTarget(ctx, "bluetooth", "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("remember target: %v", err)
	}
	if err := rt.WriterQueue.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := rt.Service.ForgetDevice(ctx, config.ConnectorBluetooth, "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("forget device: %v", err)
	}

	target, err := rt.Registry.LastTarget(ctx, "bluetooth")
	if err != nil || target != "" {
		t.Fatalf("expected device to be forgotten, got %q err=%v", target, err)
	}
}
