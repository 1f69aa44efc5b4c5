package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ConnectorType identifies which transport backend should be used.
type ConnectorType string

const (
	ConnectorBluetooth ConnectorType = "bluetooth"
	ConnectorSerial    ConnectorType = "serial"

	DefaultSerialBaud         = 115200
	DefaultBluetoothName      = "Neo"
	DefaultBluetoothChunkSize = 20
	MaxReconnectAttempts      = 10
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// ConnectionConfig contains connector-specific connection parameters.
type ConnectionConfig struct {
	Connector          ConnectorType `json:"connector"`
	SerialPort         string        `json:"serial_port"`
	SerialBaud         int           `json:"serial_baud"`
	BluetoothName      string        `json:"bluetooth_name"`
	BluetoothAddress   string        `json:"bluetooth_address"`
	BluetoothAdapter   string        `json:"bluetooth_adapter"`
	BluetoothChunkSize int           `json:"bluetooth_chunk_size"`
}

// TimingConfig holds the settle and pacing delays used while talking to the
// firmware. Values are milliseconds; they were tuned on hardware and are not
// guaranteed to be minimal.
type TimingConfig struct {
	StartSettleMS      int `json:"start_settle_ms"`
	EndSettleMS        int `json:"end_settle_ms"`
	LineBatchSize      int `json:"line_batch_size"`
	BatchDelayMS       int `json:"batch_delay_ms"`
	KeyThrottleMS      int `json:"key_throttle_ms"`
	KeySettleMS        int `json:"key_settle_ms"`
	ReplSettleMS       int `json:"repl_settle_ms"`
	ReplModeSettleMS   int `json:"repl_mode_settle_ms"`
	ReplLineDelayMS    int `json:"repl_line_delay_ms"`
	ProbeTimeoutMS     int `json:"probe_timeout_ms"`
	SerialBootSettleMS int `json:"serial_boot_settle_ms"`
	// PinResetPreamble prefixes uploads with lines that drive the output
	// pins low.
	PinResetPreamble bool `json:"pin_reset_preamble"`
}

// ReconnectConfig bounds connection retries.
type ReconnectConfig struct {
	MaxAttempts      int `json:"max_attempts"`
	BaseDelayMS      int `json:"base_delay_ms"`
	StepMS           int `json:"step_ms"`
	MaxDelayMS       int `json:"max_delay_ms"`
	AttemptTimeoutMS int `json:"attempt_timeout_ms"`
}

// NotificationConfig toggles desktop notifications with troubleshooting hints.
type NotificationConfig struct {
	Enabled bool `json:"enabled"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Connection    ConnectionConfig   `json:"connection"`
	Timing        TimingConfig       `json:"timing"`
	Reconnect     ReconnectConfig    `json:"reconnect"`
	Logging       LoggingConfig      `json:"logging"`
	Notifications NotificationConfig `json:"notifications"`
}

func Default() AppConfig {
	return AppConfig{
		Connection: ConnectionConfig{
			Connector:          ConnectorBluetooth,
			SerialPort:         "",
			SerialBaud:         DefaultSerialBaud,
			BluetoothName:      DefaultBluetoothName,
			BluetoothAddress:   "",
			BluetoothAdapter:   "",
			BluetoothChunkSize: DefaultBluetoothChunkSize,
		},
		Timing: defaultTiming(),
		Reconnect: ReconnectConfig{
			MaxAttempts:      5,
			BaseDelayMS:      500,
			StepMS:           300,
			MaxDelayMS:       2000,
			AttemptTimeoutMS: 15000,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		Notifications: NotificationConfig{
			Enabled: true,
		},
	}
}

func defaultTiming() TimingConfig {
	return TimingConfig{
		StartSettleMS:      50,
		EndSettleMS:        100,
		LineBatchSize:      5,
		BatchDelayMS:       30,
		KeyThrottleMS:      100,
		KeySettleMS:        250,
		ReplSettleMS:       20,
		ReplModeSettleMS:   100,
		ReplLineDelayMS:    20,
		ProbeTimeoutMS:     3000,
		SerialBootSettleMS: 1000,
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime or passed explicitly by the user.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Connection.Connector == "" {
		c.Connection.Connector = ConnectorBluetooth
	}
	if c.Connection.SerialBaud <= 0 {
		c.Connection.SerialBaud = DefaultSerialBaud
	}
	if strings.TrimSpace(c.Connection.BluetoothName) == "" {
		c.Connection.BluetoothName = DefaultBluetoothName
	}
	if c.Connection.BluetoothChunkSize <= 0 {
		c.Connection.BluetoothChunkSize = DefaultBluetoothChunkSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Timing = fillTiming(c.Timing)
	c.Reconnect = fillReconnect(c.Reconnect)
}

// fillTiming replaces negative delays with defaults. Zero is a valid delay.
func fillTiming(t TimingConfig) TimingConfig {
	def := defaultTiming()
	fix := func(v *int, d int) {
		if *v < 0 {
			*v = d
		}
	}
	fix(&t.StartSettleMS, def.StartSettleMS)
	fix(&t.EndSettleMS, def.EndSettleMS)
	fix(&t.BatchDelayMS, def.BatchDelayMS)
	fix(&t.KeyThrottleMS, def.KeyThrottleMS)
	fix(&t.KeySettleMS, def.KeySettleMS)
	fix(&t.ReplSettleMS, def.ReplSettleMS)
	fix(&t.ReplModeSettleMS, def.ReplModeSettleMS)
	fix(&t.ReplLineDelayMS, def.ReplLineDelayMS)
	fix(&t.SerialBootSettleMS, def.SerialBootSettleMS)
	if t.LineBatchSize <= 0 {
		t.LineBatchSize = def.LineBatchSize
	}
	if t.ProbeTimeoutMS <= 0 {
		t.ProbeTimeoutMS = def.ProbeTimeoutMS
	}

	return t
}

func fillReconnect(r ReconnectConfig) ReconnectConfig {
	def := Default().Reconnect
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = def.MaxAttempts
	}
	if r.MaxAttempts > MaxReconnectAttempts {
		r.MaxAttempts = MaxReconnectAttempts
	}
	if r.BaseDelayMS < 0 {
		r.BaseDelayMS = def.BaseDelayMS
	}
	if r.StepMS < 0 {
		r.StepMS = def.StepMS
	}
	if r.MaxDelayMS <= 0 {
		r.MaxDelayMS = def.MaxDelayMS
	}
	if r.AttemptTimeoutMS <= 0 {
		r.AttemptTimeoutMS = def.AttemptTimeoutMS
	}

	return r
}

func (c AppConfig) Validate() error {
	switch c.Connection.Connector {
	case ConnectorSerial:
		if c.Connection.SerialBaud <= 0 {
			return errors.New("serial baud must be positive")
		}
	case ConnectorBluetooth:
		if strings.TrimSpace(c.Connection.BluetoothName) == "" && strings.TrimSpace(c.Connection.BluetoothAddress) == "" {
			return errors.New("bluetooth name or address is required")
		}
		if c.Connection.BluetoothChunkSize <= 0 {
			return errors.New("bluetooth chunk size must be positive")
		}
	default:
		return fmt.Errorf("unknown connector: %s", c.Connection.Connector)
	}
	if c.Reconnect.MaxAttempts <= 0 || c.Reconnect.MaxAttempts > MaxReconnectAttempts {
		return fmt.Errorf("reconnect attempts must be within 1..%d", MaxReconnectAttempts)
	}

	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}

// Millis converts a millisecond config value to a duration.
func Millis(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}
