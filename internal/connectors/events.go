package connectors

import "time"

// ConnectionState describes the link lifecycle state shown to callers.
type ConnectionState string

const (
	ConnectionStateDisconnected  ConnectionState = "disconnected"
	ConnectionStateConnecting    ConnectionState = "connecting"
	ConnectionStateConnected     ConnectionState = "connected"
	ConnectionStateDisconnecting ConnectionState = "disconnecting"
)

// ConnectionStatus is a bus event snapshot of the current link status.
// One is published per state transition.
type ConnectionStatus struct {
	State         ConnectionState
	Err           string
	TransportName string
	Target        string
	Timestamp     time.Time
}

// SensorReading is one decoded value from a telemetry line.
type SensorReading struct {
	Sensor string
	Pin    string
	Value  float64
	At     time.Time
}

// DeviceAck is an acknowledgement line streamed by the firmware.
type DeviceAck struct {
	Ack     string
	Message string
	At      time.Time
}

// Guidance is a troubleshooting hint raised when connecting gives up.
type Guidance struct {
	Title   string
	Message string
	Cause   string
}

// UploadProgress reports transfer progress for either upload path.
type UploadProgress struct {
	JobID   string
	Phase   string
	Percent float64
	Status  string
}

// RawFrame carries frame diagnostics for debug/log views.
type RawFrame struct {
	Text string
	Len  int
}
