package transport

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/bluetoothutil"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/protocol"
	"tinygo.org/x/bluetooth"
)

const (
	defaultBluetoothChunkSize     = 20
	defaultBluetoothDiscoverWait  = 12 * time.Second
	defaultBluetoothSubscribeWait = 8 * time.Second
)

// BluetoothConfig selects the board over BLE.
type BluetoothConfig struct {
	// Name is the advertised-name prefix used when scanning.
	Name string
	// Address of a remembered device. Empty means the link must discover one.
	Address   string
	AdapterID string
	// ChunkSize bounds a single write without response.
	ChunkSize int
}

type gattWriter interface {
	WriteWithoutResponse(p []byte) (int, error)
}

type bluetoothConnState struct {
	*connState
	address  string
	writer   gattWriter
	teardown func() error
	downOnce sync.Once
	downErr  error
}

func (s *bluetoothConnState) shutdown() error {
	s.downOnce.Do(func() {
		if s.teardown != nil {
			s.downErr = s.teardown()
		}
	})

	return s.downErr
}

// BluetoothLink talks to the board through the Nordic UART GATT service.
type BluetoothLink struct {
	nameFilter string
	adapterID  string
	chunkSize  int

	mu      sync.RWMutex
	address string
	conn    *bluetoothConnState

	writeMu   sync.Mutex
	listeners listenerSet
}

func NewBluetoothLink(cfg BluetoothConfig) *BluetoothLink {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = defaultBluetoothChunkSize
	}

	return &BluetoothLink{
		nameFilter: strings.TrimSpace(cfg.Name),
		adapterID:  strings.TrimSpace(cfg.AdapterID),
		chunkSize:  chunk,
		address:    normalizeBluetoothAddress(cfg.Address),
	}
}

func (t *BluetoothLink) Name() string {
	return "bluetooth"
}

func (t *BluetoothLink) Target() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.address
}

// SetTarget replaces the remembered address used by the next Connect.
func (t *BluetoothLink) SetTarget(address string) {
	t.mu.Lock()
	t.address = normalizeBluetoothAddress(address)
	t.mu.Unlock()
}

func (t *BluetoothLink) Connect(ctx context.Context, opts ConnectOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("bluetooth", "address", t.address, "adapter", t.adapterID)

	if t.conn != nil && !t.conn.isClosed() {
		logger.Debug("connect skipped: already connected")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	adapter := bluetoothutil.ResolveAdapter(t.adapterID)
	logger.Debug("enabling adapter")
	if err := bluetoothutil.EnableAdapter(adapter); err != nil {
		logger.Warn("enable adapter failed", "error", err)
		return classifyBluetoothError(err)
	}

	address := t.address
	if address == "" {
		if !opts.AllowDiscovery {
			logger.Debug("connect refused: no remembered device and discovery not allowed")
			return ErrNoTarget
		}
		found, err := discoverBluetoothDeviceByName(ctx, adapter, t.nameFilter, defaultBluetoothDiscoverWait)
		if err != nil {
			logger.Warn("device discovery failed", "name", t.nameFilter, "error", err)
			return err
		}
		address = found.Address
		logger = logger.With("address", address)
		logger.Info("device discovered", "name", found.Name, "rssi", found.RSSI)
	}

	addr, err := parseBluetoothAddress(address)
	if err != nil {
		logger.Warn("connect failed: invalid address", "error", err)
		return err
	}

	logger.Info("connecting")
	device, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil && shouldRetryBluetoothConnectWithDiscovery(err) {
		logger.Info("direct connect failed, trying discovery fallback", "error", err)
		if discoverErr := discoverBluetoothDevice(ctx, adapter, addr); discoverErr != nil {
			logger.Warn("discovery fallback failed", "error", discoverErr)
			return fmt.Errorf("connect bluetooth device %q: %w", address, errors.Join(err, discoverErr))
		}
		device, err = adapter.Connect(addr, bluetooth.ConnectionParams{})
	}
	if err != nil {
		logger.Warn("connect device failed", "error", err)
		return fmt.Errorf("connect bluetooth device %q: %w", address, classifyBluetoothError(err))
	}
	logger.Debug("device connected")

	services, err := device.DiscoverServices([]bluetooth.UUID{bluetoothutil.UARTServiceUUID()})
	if err != nil {
		_ = device.Disconnect()
		logger.Warn("discover service failed", "error", err)
		return fmt.Errorf("discover uart service: %w", classifyBluetoothError(err))
	}
	if len(services) == 0 {
		_ = device.Disconnect()
		logger.Warn("uart service is not available")
		return fmt.Errorf("%w: %s does not expose the uart service", ErrDeviceNotFound, address)
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{
		bluetoothutil.UARTWriteUUID(),
		bluetoothutil.UARTNotifyUUID(),
	})
	if err != nil {
		_ = device.Disconnect()
		logger.Warn("discover characteristics failed", "error", err)
		return fmt.Errorf("discover uart characteristics: %w", classifyBluetoothError(err))
	}
	if len(chars) != 2 {
		_ = device.Disconnect()
		logger.Warn("unexpected characteristic count", "count", len(chars))
		return fmt.Errorf("unexpected characteristic count: %d", len(chars))
	}
	writeChar := chars[0]
	notifyChar := chars[1]

	state := &bluetoothConnState{
		connState: newConnState(),
		address:   address,
		writer:    writeChar,
	}
	state.teardown = func() error {
		var closeErr error
		if err := notifyChar.EnableNotifications(nil); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("disable notifications: %w", err))
		}
		if err := device.Disconnect(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("disconnect bluetooth device: %w", err))
		}

		return closeErr
	}

	adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if connected || !strings.EqualFold(d.Address.String(), address) {
			return
		}
		t.failState(state, ErrLinkLost)
	})

	logger.Debug("subscribing to notifications")
	if err := enableBluetoothNotificationsWithTimeout(ctx, device, notifyChar, func(p []byte) {
		if state.isClosed() {
			return
		}
		t.listeners.dispatch(p)
	}, defaultBluetoothSubscribeWait); err != nil {
		_ = device.Disconnect()
		logger.Warn("subscribe to notifications failed", "error", err)
		return fmt.Errorf("subscribe to uart notifications: %w", classifyBluetoothError(err))
	}

	if err := ctx.Err(); err != nil {
		state.markClosed()
		_ = state.shutdown()
		logger.Debug("connect canceled after setup", "error", err)
		return err
	}

	t.conn = state
	t.address = address
	logger.Info("connected")

	return nil
}

func (t *BluetoothLink) Write(ctx context.Context, p []byte) error {
	logger := transportLogger("bluetooth")
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := t.currentState()
	if err != nil {
		return err
	}

	if !t.writeMu.TryLock() {
		logger.Debug("write rejected: another write in flight", "payload_len", len(p))
		return ErrBusy
	}
	defer t.writeMu.Unlock()

	for _, chunk := range protocol.Chunk(p, t.chunkSize) {
		if state.isClosed() {
			return linkLostError(state)
		}
		written, err := state.writer.WriteWithoutResponse(chunk)
		if err != nil {
			if state.isClosed() {
				return linkLostError(state)
			}
			logger.Warn("write failed", "payload_len", len(p), "error", err)
			return fmt.Errorf("write uart characteristic: %w", classifyBluetoothError(err))
		}
		if written != len(chunk) {
			return fmt.Errorf("short write to uart characteristic: wrote %d of %d", written, len(chunk))
		}
	}
	logger.Debug("write", "payload_len", len(p))

	return nil
}

func (t *BluetoothLink) OnData(fn func([]byte)) func() {
	return t.listeners.add(fn)
}

func (t *BluetoothLink) Done() <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return closedChan
	}

	return t.conn.closed
}

func (t *BluetoothLink) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}

	return t.conn.closeErr()
}

func (t *BluetoothLink) Close() error {
	t.mu.Lock()
	logger := transportLogger("bluetooth", "address", t.address, "adapter", t.adapterID)
	state := t.conn
	t.conn = nil
	t.mu.Unlock()
	if state == nil {
		logger.Debug("close skipped: not connected")
		return nil
	}

	logger.Info("closing connection")
	state.markClosed()
	if err := state.shutdown(); err != nil {
		logger.Warn("close failed", "error", err)
		return err
	}
	logger.Info("closed")

	return nil
}

func (t *BluetoothLink) currentState() (*bluetoothConnState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	if t.conn.isClosed() {
		return nil, linkLostError(t.conn)
	}

	return t.conn, nil
}

func (t *BluetoothLink) failState(state *bluetoothConnState, err error) {
	if state.isClosed() {
		return
	}
	logger := transportLogger("bluetooth", "address", state.address)
	if !errors.Is(err, ErrLinkLost) {
		err = fmt.Errorf("%w: %w", ErrLinkLost, err)
	}
	state.setAsyncError(err)
	state.markClosed()
	logger.Warn("connection lost", "error", err)

	// Disconnect callbacks arrive on the stack's event goroutine; tear down elsewhere.
	go func() {
		_ = state.shutdown()
	}()
}

func linkLostError(state *bluetoothConnState) error {
	if err := state.closeErr(); err != nil {
		return err
	}

	return ErrLinkLost
}

func normalizeBluetoothAddress(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func parseBluetoothAddress(raw string) (bluetooth.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return bluetooth.Address{}, errors.New("bluetooth address is empty")
	}

	mac, err := bluetooth.ParseMAC(strings.ToUpper(trimmed))
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid bluetooth address %q: %w", trimmed, err)
	}

	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}

func shouldRetryBluetoothConnectWithDiscovery(err error) bool {
	if err == nil || runtime.GOOS != "linux" {
		return false
	}
	msg := strings.ToLower(err.Error())
	if bluetoothutil.IsDBusErrorName(err, "org.freedesktop.DBus.Error.UnknownMethod") {
		return strings.Contains(msg, "org.freedesktop.dbus.properties") &&
			strings.Contains(msg, "method \"get\"")
	}

	return strings.Contains(msg, "org.freedesktop.dbus.properties") &&
		strings.Contains(msg, "method \"get\"") &&
		strings.Contains(msg, "doesn't exist")
}

func enableBluetoothNotificationsWithTimeout(
	ctx context.Context,
	device bluetooth.Device,
	char bluetooth.DeviceCharacteristic,
	callback func([]byte),
	wait time.Duration,
) error {
	if wait <= 0 {
		wait = defaultBluetoothSubscribeWait
	}

	done := make(chan error, 1)
	go func() {
		done <- char.EnableNotifications(callback)
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = device.Disconnect()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		return ctx.Err()
	case <-timer.C:
		_ = device.Disconnect()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("timed out after %s (abort returned: %w)", wait, err)
			}
		case <-time.After(2 * time.Second):
		}
		return fmt.Errorf("timed out after %s", wait)
	}
}
