package bluetoothutil

import (
	"fmt"
	"runtime"
	"strings"

	"tinygo.org/x/bluetooth"
)

const defaultAdapterAlias = "default"

// EnableAdapter powers the adapter up. Enabling an adapter that is already
// enabled is not an error.
func EnableAdapter(adapter *bluetooth.Adapter) error {
	err := adapter.Enable()
	if err == nil || isAlreadyInitialized(err) {
		return nil
	}

	return fmt.Errorf("enable bluetooth adapter: %w", err)
}

// StopScan stops a running scan, ignoring "no scan in progress".
func StopScan(adapter *bluetooth.Adapter) error {
	return IgnoreBenignScanError(adapter.StopScan())
}

// IgnoreBenignScanError maps the errors a finished or stopped scan reports
// to nil.
func IgnoreBenignScanError(err error) error {
	if err == nil || IsBenignStopScanError(err) {
		return nil
	}

	return err
}

func isDefaultAdapterID(adapterID string) bool {
	id := strings.TrimSpace(adapterID)
	return id == "" || strings.EqualFold(id, defaultAdapterAlias)
}

// On Windows the library reports RoInitialize(S_FALSE), meaning COM is
// already set up, as "Incorrect function.".
func isAlreadyInitialized(err error) bool {
	if err == nil || runtime.GOOS != "windows" {
		return false
	}
	msg := strings.TrimSpace(strings.ToLower(err.Error()))

	return strings.TrimSuffix(msg, ".") == "incorrect function"
}
