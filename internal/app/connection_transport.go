package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/config"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/transport"
)

// LinkFactory builds the link for the configured connector and keeps handing
// out the same instance while the settings for that connector are unchanged,
// so the lifecycle manager recognises an already connected link.
type LinkFactory struct {
	mu    sync.Mutex
	build func(config.ConnectionConfig) (transport.Link, error)
	links map[config.ConnectorType]cachedLink
}

type cachedLink struct {
	cfg  config.ConnectionConfig
	link transport.Link
}

// NewLinkFactory builds links that wait serialBootSettle after opening a
// serial port.
func NewLinkFactory(serialBootSettle time.Duration) *LinkFactory {
	return &LinkFactory{
		build: func(cfg config.ConnectionConfig) (transport.Link, error) {
			return newLinkForConnection(cfg, serialBootSettle)
		},
		links: make(map[config.ConnectorType]cachedLink),
	}
}

// For returns the link for cfg. A changed setting replaces the cached link;
// the old one is returned in replaced so the caller can close it.
func (f *LinkFactory) For(cfg config.ConnectionConfig) (l transport.Link, replaced transport.Link, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.links[cfg.Connector]; ok {
		if sameConnection(cached.cfg, cfg) {
			return cached.link, nil, nil
		}
		replaced = cached.link
	}

	next, err := f.build(cfg)
	if err != nil {
		return nil, nil, err
	}
	f.links[cfg.Connector] = cachedLink{cfg: cfg, link: next}

	return next, replaced, nil
}

func sameConnection(a, b config.ConnectionConfig) bool {
	switch a.Connector {
	case config.ConnectorSerial:
		return a.SerialPort == b.SerialPort && a.SerialBaud == b.SerialBaud
	case config.ConnectorBluetooth:
		return a.BluetoothName == b.BluetoothName &&
			a.BluetoothAddress == b.BluetoothAddress &&
			a.BluetoothAdapter == b.BluetoothAdapter &&
			a.BluetoothChunkSize == b.BluetoothChunkSize
	default:
		return a == b
	}
}

func NewLinkForConnection(cfg config.ConnectionConfig) (transport.Link, error) {
	return newLinkForConnection(cfg, 0)
}

func newLinkForConnection(cfg config.ConnectionConfig, serialBootSettle time.Duration) (transport.Link, error) {
	switch cfg.Connector {
	case config.ConnectorSerial:
		return transport.NewSerialLink(transport.SerialConfig{
			Port:       cfg.SerialPort,
			Baud:       cfg.SerialBaud,
			BootSettle: serialBootSettle,
		}), nil
	case config.ConnectorBluetooth:
		return transport.NewBluetoothLink(transport.BluetoothConfig{
			Name:      cfg.BluetoothName,
			Address:   cfg.BluetoothAddress,
			AdapterID: cfg.BluetoothAdapter,
			ChunkSize: cfg.BluetoothChunkSize,
		}), nil
	default:
		return nil, fmt.Errorf("unknown connector: %q", cfg.Connector)
	}
}
