// Package relay turns the board's inbound byte stream into bus events.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/bus"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/connectors"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/metrics"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/protocol"
)

const (
	SensorAnalog     = "analog"
	SensorUltrasound = "ultrasound"
)

type Relay struct {
	logger *slog.Logger
	bus    bus.MessageBus
	now    func() time.Time

	mu  sync.Mutex
	asm *protocol.LineAssembler
}

func New(logger *slog.Logger, b bus.MessageBus) *Relay {
	if logger == nil {
		logger = slog.Default()
	}

	return &Relay{
		logger: logger,
		bus:    b,
		now:    time.Now,
		asm:    protocol.NewLineAssembler(0),
	}
}

// Run drops partial lines whenever the link leaves the connected state.
// It blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	bus.Listen(ctx, r.bus, connectors.TopicConnStatus, func(raw any) {
		status, ok := raw.(connectors.ConnectionStatus)
		if !ok || status.State == connectors.ConnectionStateConnected {
			return
		}
		r.Reset()
	})
}

// Feed accepts raw inbound bytes. It is safe to call from transport
// goroutines.
func (r *Relay) Feed(p []byte) {
	r.mu.Lock()
	lines := r.asm.Feed(p)
	r.mu.Unlock()

	for _, line := range lines {
		r.handleLine(line)
	}
}

func (r *Relay) Reset() {
	r.mu.Lock()
	r.asm.Reset()
	r.mu.Unlock()
}

func (r *Relay) handleLine(line string) {
	r.bus.Publish(connectors.TopicRawFrameIn, connectors.RawFrame{Text: line, Len: len(line)})

	msg, err := protocol.DecodeMessage(line)
	if err != nil {
		metrics.RecordTelemetryLine("malformed")
		r.logger.Warn("dropping device line", "line", line, "error", err)
		return
	}

	at := r.now()
	switch {
	case msg.Sensors != nil:
		metrics.RecordTelemetryLine("sensors")
		for _, pin := range msg.Sensors.AnalogPins() {
			r.bus.Publish(connectors.TopicSensorData, connectors.SensorReading{
				Sensor: SensorAnalog,
				Pin:    pin,
				Value:  msg.Sensors.Analog[pin],
				At:     at,
			})
		}
		if msg.Sensors.Ultrasound != nil {
			r.bus.Publish(connectors.TopicSensorData, connectors.SensorReading{
				Sensor: SensorUltrasound,
				Value:  *msg.Sensors.Ultrasound,
				At:     at,
			})
		}
	case msg.Ack != nil:
		metrics.RecordTelemetryLine("ack")
		r.bus.Publish(connectors.TopicDeviceAck, connectors.DeviceAck{Ack: msg.Ack.Ack, Message: msg.Ack.Text(), At: at})
	default:
		metrics.RecordTelemetryLine("text")
		r.logger.Debug("device output", "text", msg.Text)
		r.bus.Publish(connectors.TopicDeviceAck, connectors.DeviceAck{Message: msg.Text, At: at})
	}
}
