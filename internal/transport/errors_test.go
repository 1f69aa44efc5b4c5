package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/godbus/dbus/v5"
	"go.bug.st/serial"
)

func TestIsTerminalAndRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		terminal  bool
		retryable bool
	}{
		{name: "nil", err: nil},
		{name: "not found", err: fmt.Errorf("scan: %w", ErrDeviceNotFound), terminal: true},
		{name: "not allowed", err: ErrNotAllowed, terminal: true},
		{name: "no target", err: ErrNoTarget, terminal: true},
		{name: "user canceled", err: context.Canceled, terminal: true},
		{name: "busy", err: ErrBusy},
		{name: "timeout", err: context.DeadlineExceeded, retryable: true},
		{name: "gatt", err: testErr("gatt operation failed"), retryable: true},
		{name: "link lost", err: ErrLinkLost, retryable: true},
	}

	for _, tc := range tests {
		if got := IsTerminal(tc.err); got != tc.terminal {
			t.Fatalf("%s: IsTerminal=%v, want %v", tc.name, got, tc.terminal)
		}
		if got := IsRetryable(tc.err); got != tc.retryable {
			t.Fatalf("%s: IsRetryable=%v, want %v", tc.name, got, tc.retryable)
		}
	}
}

func TestClassifyBluetoothError(t *testing.T) {
	if err := classifyBluetoothError(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	denied := classifyBluetoothError(dbus.NewError("org.bluez.Error.NotAuthorized", nil))
	if !errors.Is(denied, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", denied)
	}

	plain := testErr("le-connection-abort-by-local")
	if got := classifyBluetoothError(plain); !errors.Is(got, plain) || errors.Is(got, ErrNotAllowed) {
		t.Fatalf("expected transient error to pass through, got %v", got)
	}
}

func TestClassifySerialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "port error busy zero value", err: &serial.PortError{}, want: ErrBusy},
		{name: "not exist", err: fmt.Errorf("open: %w", os.ErrNotExist), want: ErrDeviceNotFound},
		{name: "permission", err: fmt.Errorf("open: %w", os.ErrPermission), want: ErrNotAllowed},
	}

	for _, tc := range tests {
		if got := classifySerialError(tc.err); !errors.Is(got, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}

	other := testErr("framing error")
	if got := classifySerialError(other); got != other {
		t.Fatalf("expected unrelated error unchanged, got %v", got)
	}
}
