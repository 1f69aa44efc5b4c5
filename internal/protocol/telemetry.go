package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const MessageTypeSensors = "sensors"

var ErrUnknownMessage = errors.New("unknown device message")

// SensorsMessage is the periodic telemetry line, e.g.
// {"type":"sensors","timestamp":1234,"analog":{"32":812},"ultrasound":17.5}
type SensorsMessage struct {
	Type       string             `json:"type"`
	Timestamp  int64              `json:"timestamp"`
	Analog     map[string]float64 `json:"analog"`
	Ultrasound *float64           `json:"ultrasound,omitempty"`
}

// AckMessage acknowledges a request, e.g. {"ack":"get_analog_data","message":"..."}.
type AckMessage struct {
	Ack     string          `json:"ack"`
	Message json.RawMessage `json:"message,omitempty"`
}

// Text returns the message payload as plain text. String payloads are
// unquoted; anything else is returned as raw JSON.
func (m AckMessage) Text() string {
	if len(m.Message) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Message, &s); err == nil {
		return s
	}

	return string(m.Message)
}

// Message is a decoded device line. Exactly one field is set. Text holds
// plain status output such as "Upload complete".
type Message struct {
	Sensors *SensorsMessage
	Ack     *AckMessage
	Text    string
}

type messageEnvelope struct {
	Type string `json:"type"`
	Ack  string `json:"ack"`
}

func DecodeMessage(line string) (Message, error) {
	raw := []byte(strings.TrimSpace(line))
	if len(raw) == 0 {
		return Message{}, fmt.Errorf("%w: empty line", ErrUnknownMessage)
	}

	if raw[0] != '{' && raw[0] != '[' {
		return Message{Text: string(raw)}, nil
	}

	var env messageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("decode device message: %w", err)
	}

	switch {
	case env.Type == MessageTypeSensors:
		var msg SensorsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return Message{}, fmt.Errorf("decode sensors message: %w", err)
		}

		return Message{Sensors: &msg}, nil
	case env.Ack != "":
		var msg AckMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return Message{}, fmt.Errorf("decode ack message: %w", err)
		}

		return Message{Ack: &msg}, nil
	default:
		return Message{}, fmt.Errorf("%w: type=%q", ErrUnknownMessage, env.Type)
	}
}

// AnalogPins returns the analog pin keys in a stable order.
func (m SensorsMessage) AnalogPins() []string {
	pins := make([]string, 0, len(m.Analog))
	for pin := range m.Analog {
		pins = append(pins, pin)
	}
	sort.Strings(pins)

	return pins
}
