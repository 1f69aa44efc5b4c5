//go:build linux

package bluetoothutil

import (
	"strings"

	"tinygo.org/x/bluetooth"
)

// ResolveAdapter returns the BlueZ adapter with the given id (e.g. "hci1"),
// or the default one for "" and "default".
func ResolveAdapter(adapterID string) *bluetooth.Adapter {
	if isDefaultAdapterID(adapterID) {
		return bluetooth.DefaultAdapter
	}

	return bluetooth.NewAdapter(strings.TrimSpace(adapterID))
}
