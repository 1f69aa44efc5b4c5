package bluetoothutil

import (
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"
)

// Nordic UART Service used by the board firmware.
var (
	uartServiceUUID = mustParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	uartRxUUID      = mustParseUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	uartTxUUID      = mustParseUUID("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
)

func mustParseUUID(raw string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(strings.TrimSpace(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid bluetooth UUID %q: %v", raw, err))
	}

	return uuid
}

func UARTServiceUUID() bluetooth.UUID {
	return uartServiceUUID
}

// UARTWriteUUID is the characteristic the host writes frames to (device RX).
func UARTWriteUUID() bluetooth.UUID {
	return uartRxUUID
}

// UARTNotifyUUID is the characteristic the device notifies on (device TX).
func UARTNotifyUUID() bluetooth.UUID {
	return uartTxUUID
}

// MatchesName reports whether an advertised local name passes the name filter.
// Matching is a case-sensitive prefix, the way browser name-prefix filters work.
func MatchesName(advertised, filter string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return true
	}

	return strings.HasPrefix(strings.TrimSpace(advertised), filter)
}
