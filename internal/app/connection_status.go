package app

import (
	"strings"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/config"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/connectors"
)

func TransportNameFromConnector(connector config.ConnectorType) string {
	switch connector {
	case config.ConnectorSerial:
		return "serial"
	case config.ConnectorBluetooth:
		return "bluetooth"
	default:
		if value := strings.TrimSpace(string(connector)); value != "" {
			return value
		}
		return "unknown"
	}
}

// ConnectionTarget is the configured device for cfg: a serial port, a BLE
// address, or the advertised-name filter when no address is known.
func ConnectionTarget(cfg config.ConnectionConfig) string {
	switch cfg.Connector {
	case config.ConnectorSerial:
		return strings.TrimSpace(cfg.SerialPort)
	case config.ConnectorBluetooth:
		if address := strings.TrimSpace(cfg.BluetoothAddress); address != "" {
			return address
		}
		return strings.TrimSpace(cfg.BluetoothName)
	default:
		return ""
	}
}

// ConnectionStatusFromConfig describes the link the configuration would
// open, before the lifecycle manager has seen one.
func ConnectionStatusFromConfig(cfg config.ConnectionConfig) connectors.ConnectionStatus {
	return connectors.ConnectionStatus{
		State:         connectors.ConnectionStateDisconnected,
		TransportName: TransportNameFromConnector(cfg.Connector),
		Target:        ConnectionTarget(cfg),
	}
}

// ParseConnector maps user input such as "usb" or "ble" to a connector.
func ParseConnector(raw string) (config.ConnectorType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "serial", "usb":
		return config.ConnectorSerial, true
	case "bluetooth", "ble":
		return config.ConnectorBluetooth, true
	default:
		return "", false
	}
}
