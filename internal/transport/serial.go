package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	DefaultSerialBaud         = 115200
	defaultSerialReadTimeout  = 100 * time.Millisecond
	defaultSerialReadBufBytes = 256
)

// serialPort is the subset of serial.Port the link relies on.
type serialPort interface {
	io.ReadWriteCloser
	Drain() error
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

type serialOpener func(name string, mode *serial.Mode) (serialPort, error)

func openSystemSerialPort(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

// SerialConfig selects the board over a USB serial port.
type SerialConfig struct {
	// Port name; empty means the first USB port found.
	Port string
	Baud int
	// BootSettle is waited after opening the port; opening toggles DTR and
	// restarts the board.
	BootSettle time.Duration
}

type serialConnState struct {
	*connState
	portName string
	port     serialPort
}

// SerialLink drives the board's REPL over a serial port. All writes go
// through one exclusively held writer.
type SerialLink struct {
	baud       int
	bootSettle time.Duration
	open       serialOpener
	list       portLister

	mu       sync.RWMutex
	portName string
	conn     *serialConnState

	writeMu   sync.Mutex
	listeners listenerSet
}

func NewSerialLink(cfg SerialConfig) *SerialLink {
	baud := cfg.Baud
	if baud <= 0 {
		baud = DefaultSerialBaud
	}

	return &SerialLink{
		baud:       baud,
		bootSettle: cfg.BootSettle,
		open:       openSystemSerialPort,
		list:       systemPortLister,
		portName:   strings.TrimSpace(cfg.Port),
	}
}

func (t *SerialLink) Name() string {
	return "serial"
}

func (t *SerialLink) Target() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.portName
}

func (t *SerialLink) SetTarget(port string) {
	t.mu.Lock()
	t.portName = strings.TrimSpace(port)
	t.mu.Unlock()
}

func (t *SerialLink) BaudRate() int {
	return t.baud
}

func (t *SerialLink) Connect(ctx context.Context, opts ConnectOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && !t.conn.isClosed() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	portName := t.portName
	if portName == "" {
		if !opts.AllowDiscovery {
			return ErrNoTarget
		}
		selected, err := firstUSBPort(t.list)
		if err != nil {
			return err
		}
		portName = selected.Name
	}

	logger := transportLogger("serial", "port", portName, "baud", t.baud)
	logger.Info("opening port")
	port, err := t.open(portName, &serial.Mode{BaudRate: t.baud})
	if err != nil {
		logger.Warn("open port failed", "error", err)
		return fmt.Errorf("open serial port %q: %w", portName, classifySerialError(err))
	}
	if err := port.SetReadTimeout(defaultSerialReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("set serial read timeout: %w", err)
	}
	if t.bootSettle > 0 {
		timer := time.NewTimer(t.bootSettle)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = port.Close()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := port.ResetInputBuffer(); err != nil {
		logger.Debug("reset input buffer failed", "error", err)
	}

	state := &serialConnState{
		connState: newConnState(),
		portName:  portName,
		port:      port,
	}
	t.conn = state
	t.portName = portName
	go t.readLoop(state)
	logger.Info("connected")

	return nil
}

// Write sends p in one exclusive step. It fails with ErrBusy while a Writer
// is open.
func (t *SerialLink) Write(ctx context.Context, p []byte) error {
	state, err := t.currentState()
	if err != nil {
		return err
	}
	if !t.writeMu.TryLock() {
		return ErrBusy
	}
	defer t.writeMu.Unlock()

	return t.writeTo(ctx, state, p)
}

// OpenWriter takes exclusive ownership of the port's write side until the
// returned Writer is closed.
func (t *SerialLink) OpenWriter() (Writer, error) {
	state, err := t.currentState()
	if err != nil {
		return nil, err
	}
	if !t.writeMu.TryLock() {
		return nil, ErrBusy
	}

	return &serialWriter{link: t, state: state}, nil
}

func (t *SerialLink) OnData(fn func([]byte)) func() {
	return t.listeners.add(fn)
}

func (t *SerialLink) Done() <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return closedChan
	}

	return t.conn.closed
}

func (t *SerialLink) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}

	return t.conn.closeErr()
}

func (t *SerialLink) Close() error {
	t.mu.Lock()
	state := t.conn
	t.conn = nil
	t.mu.Unlock()
	if state == nil {
		return nil
	}

	logger := transportLogger("serial", "port", state.portName)
	state.markClosed()
	if err := state.port.Close(); err != nil {
		logger.Warn("close port failed", "error", err)
		return fmt.Errorf("close serial port: %w", err)
	}
	logger.Info("closed")

	return nil
}

func (t *SerialLink) currentState() (*serialConnState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	if t.conn.isClosed() {
		if err := t.conn.closeErr(); err != nil {
			return nil, err
		}
		return nil, ErrLinkLost
	}

	return t.conn, nil
}

func (t *SerialLink) writeTo(ctx context.Context, state *serialConnState, p []byte) error {
	if state.isClosed() {
		if err := state.closeErr(); err != nil {
			return err
		}
		return ErrLinkLost
	}
	if err := writeFull(ctx, state.port, p); err != nil {
		if state.isClosed() || errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("%w: %w", ErrLinkLost, err)
		}
		return fmt.Errorf("write serial port: %w", classifySerialError(err))
	}

	return nil
}

func (t *SerialLink) readLoop(state *serialConnState) {
	logger := transportLogger("serial", "port", state.portName)
	buf := make([]byte, defaultSerialReadBufBytes)
	for {
		n, err := state.port.Read(buf)
		if state.isClosed() {
			logger.Debug("read loop stopped")
			return
		}
		if err != nil {
			t.failState(state, err)
			return
		}
		if n > 0 {
			t.listeners.dispatch(buf[:n])
		}
	}
}

func (t *SerialLink) failState(state *serialConnState, err error) {
	logger := transportLogger("serial", "port", state.portName)
	state.setAsyncError(fmt.Errorf("%w: %w", ErrLinkLost, err))
	state.markClosed()
	_ = state.port.Close()
	logger.Warn("connection lost", "error", err)
}

type serialWriter struct {
	link   *SerialLink
	state  *serialConnState
	mu     sync.Mutex
	closed bool
}

func (w *serialWriter) Write(ctx context.Context, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("serial writer is closed")
	}

	return w.link.writeTo(ctx, w.state, p)
}

// Close drains pending output and releases the port for other writers.
func (w *serialWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.link.writeMu.Unlock()

	if w.state.isClosed() {
		if err := w.state.closeErr(); err != nil {
			return err
		}
		return ErrLinkLost
	}
	if err := w.state.port.Drain(); err != nil {
		return fmt.Errorf("drain serial port: %w", classifySerialError(err))
	}

	return nil
}

func writeFull(ctx context.Context, w io.Writer, buf []byte) error {
	written := 0
	for written < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.Write(buf[written:])
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		written += n
	}

	return nil
}
