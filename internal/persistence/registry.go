package persistence

import (
	"context"
	"strings"
	"time"
)

// Registry remembers the last device per connector. Reads go straight to the
// database; writes go through the writer queue when one is set.
type Registry struct {
	devices *DeviceRepo
	writer  *WriterQueue
	now     func() time.Time
}

func NewRegistry(devices *DeviceRepo, writer *WriterQueue) *Registry {
	return &Registry{devices: devices, writer: writer, now: time.Now}
}

func (r *Registry) LastTarget(ctx context.Context, connector string) (string, error) {
	d, ok, err := r.devices.LastByConnector(ctx, connector)
	if err != nil || !ok {
		return "", err
	}

	return d.Address, nil
}

func (r *Registry) RememberTarget(ctx context.Context, connector, target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil
	}
	d := Device{Connector: connector, Address: target, LastConnectedAt: r.now()}
	if r.writer == nil {
		return r.devices.Upsert(ctx, d)
	}
	r.writer.Enqueue("remember device", func(ctx context.Context) error {
		return r.devices.Upsert(ctx, d)
	})

	return nil
}
