package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Mode selects how the firmware treats a frame.
type Mode string

const (
	ModeStart         Mode = "start"
	ModeUpload        Mode = "upload"
	ModeEnd           Mode = "end"
	ModeKeypress      Mode = "keypress"
	ModeGetAnalogData Mode = "get_analog_data"
)

const (
	TypeCode     = "code"
	TypeKeyboard = "keyboard"
)

var (
	ErrUnknownMode      = errors.New("unknown frame mode")
	ErrNewlineInPayload = errors.New("frame payload contains a newline")
)

// Frame is one line-protocol message. Field order matches the wire order the
// firmware was written against.
type Frame struct {
	Mode Mode   `json:"mode"`
	Type string `json:"type,omitempty"`
	Data string `json:"data,omitempty"`
}

// wireFrame keeps "data" on upload frames even for blank lines.
type wireFrame struct {
	Mode Mode    `json:"mode"`
	Type string  `json:"type,omitempty"`
	Data *string `json:"data,omitempty"`
}

func StartFrame() Frame {
	return Frame{Mode: ModeStart}
}

func UploadFrame(line string) Frame {
	return Frame{Mode: ModeUpload, Type: TypeCode, Data: line}
}

func EndFrame() Frame {
	return Frame{Mode: ModeEnd}
}

func KeypressFrame(key string) Frame {
	return Frame{Mode: ModeKeypress, Type: TypeKeyboard, Data: key}
}

func TelemetryRequestFrame() Frame {
	return Frame{Mode: ModeGetAnalogData}
}

func (m Mode) Valid() bool {
	switch m {
	case ModeStart, ModeUpload, ModeEnd, ModeKeypress, ModeGetAnalogData:
		return true
	default:
		return false
	}
}

// Encode renders f as a single JSON line terminated by exactly one '\n'.
func Encode(f Frame) ([]byte, error) {
	if !f.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, f.Mode)
	}
	if f.Mode == ModeUpload && strings.ContainsAny(f.Data, "\n") {
		return nil, ErrNewlineInPayload
	}

	wire := wireFrame{Mode: f.Mode, Type: f.Type}
	if f.Data != "" || f.Mode == ModeUpload || f.Mode == ModeKeypress {
		wire.Data = &f.Data
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoder.Encode already terminates the value with '\n'.
	if err := enc.Encode(wire); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	return buf.Bytes(), nil
}

// MustEncode is Encode for frames built by the constructors above.
func MustEncode(f Frame) []byte {
	raw, err := Encode(f)
	if err != nil {
		panic(err)
	}

	return raw
}
