package transport

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/bluetoothutil"
	"go.bug.st/serial"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrNotAllowed     = errors.New("access to device not allowed")
	ErrBusy           = errors.New("link is busy")
	ErrLinkLost       = errors.New("link lost")
	ErrNotConnected   = errors.New("link is not connected")
	ErrNoTarget       = errors.New("no device selected")
)

// IsTerminal reports errors that retrying cannot fix without the user.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrNotAllowed) ||
		errors.Is(err, ErrNoTarget) ||
		errors.Is(err, context.Canceled)
}

// IsRetryable reports transient failures worth another connect attempt.
func IsRetryable(err error) bool {
	return err != nil && !IsTerminal(err) && !errors.Is(err, ErrBusy)
}

func classifyBluetoothError(err error) error {
	if err == nil {
		return nil
	}
	if bluetoothutil.IsPermissionError(err) {
		return fmt.Errorf("%w: %w", ErrNotAllowed, err)
	}

	return err
}

// portErrorCoder matches *serial.PortError without depending on its layout.
type portErrorCoder interface {
	error
	Code() serial.PortErrorCode
}

func classifySerialError(err error) error {
	if err == nil {
		return nil
	}

	var portErr portErrorCoder
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			return fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
		case serial.PermissionDenied:
			return fmt.Errorf("%w: %w", ErrNotAllowed, err)
		case serial.PortBusy:
			return fmt.Errorf("%w: %w", ErrBusy, err)
		}
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %w", ErrNotAllowed, err)
	}

	return err
}
