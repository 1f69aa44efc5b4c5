//go:build !linux

package bluetoothutil

import "tinygo.org/x/bluetooth"

// ResolveAdapter always returns the default adapter: only BlueZ lets a
// caller pick one by id.
func ResolveAdapter(_ string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}
