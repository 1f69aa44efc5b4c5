package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
)

func TestSerialLinkConnectPicksFirstUSBPort(t *testing.T) {
	port := newFakeSerialPort()
	link, opened := newTestSerialLink(port, []SerialPortInfo{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyUSB1", IsUSB: true},
		{Name: "/dev/ttyUSB0", IsUSB: true},
	})
	defer func() { _ = link.Close() }()

	if err := link.Connect(context.Background(), ConnectOptions{AllowDiscovery: true}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := *opened; got != "/dev/ttyUSB0" {
		t.Fatalf("expected first USB port by name, opened %q", got)
	}
	if link.Target() != "/dev/ttyUSB0" {
		t.Fatalf("expected target to be remembered, got %q", link.Target())
	}
}

func TestSerialLinkConnectWithoutTargetNeedsDiscovery(t *testing.T) {
	link, _ := newTestSerialLink(newFakeSerialPort(), nil)

	if err := link.Connect(context.Background(), ConnectOptions{}); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}
}

func TestSerialLinkConnectWithoutUSBPortIsNotFound(t *testing.T) {
	link, _ := newTestSerialLink(newFakeSerialPort(), []SerialPortInfo{{Name: "/dev/ttyS0"}})

	err := link.Connect(context.Background(), ConnectOptions{AllowDiscovery: true})
	if !errors.Is(err, ErrDeviceNotFound) || !IsTerminal(err) {
		t.Fatalf("expected terminal ErrDeviceNotFound, got %v", err)
	}
}

func TestSerialLinkConnectClassifiesOpenErrors(t *testing.T) {
	tests := []struct {
		name string
		code serial.PortErrorCode
		want error
	}{
		{name: "not found", code: serial.PortNotFound, want: ErrDeviceNotFound},
		{name: "permission", code: serial.PermissionDenied, want: ErrNotAllowed},
		{name: "busy", code: serial.PortBusy, want: ErrBusy},
	}

	for _, tc := range tests {
		link := NewSerialLink(SerialConfig{Port: "/dev/ttyUSB0"})
		code := tc.code
		link.open = func(string, *serial.Mode) (serialPort, error) {
			return nil, portError(code)
		}
		err := link.Connect(context.Background(), ConnectOptions{})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestSerialLinkConnectWaitsForBootSettle(t *testing.T) {
	port := newFakeSerialPort()
	link, _ := newTestSerialLink(port, nil)
	link.SetTarget("/dev/ttyUSB0")
	link.bootSettle = 20 * time.Millisecond
	defer func() { _ = link.Close() }()

	started := time.Now()
	if err := link.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if elapsed := time.Since(started); elapsed < 20*time.Millisecond {
		t.Fatalf("expected connect to wait for the board to boot, took %v", elapsed)
	}
}

func TestSerialLinkConnectCancelledDuringBootSettleClosesPort(t *testing.T) {
	port := newFakeSerialPort()
	link, _ := newTestSerialLink(port, nil)
	link.SetTarget("/dev/ttyUSB0")
	link.bootSettle = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := link.Connect(ctx, ConnectOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	select {
	case <-port.closed:
	default:
		t.Fatalf("expected port to be closed after cancelled connect")
	}
}

func TestSerialLinkWriterIsExclusiveAndDrainsOnClose(t *testing.T) {
	port := newFakeSerialPort()
	link := connectedSerialLink(t, port)

	w, err := link.OpenWriter()
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	if _, err := link.OpenWriter(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected second writer to be rejected with ErrBusy, got %v", err)
	}
	if err := link.Write(context.Background(), []byte("x")); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected direct write to be rejected with ErrBusy, got %v", err)
	}

	if err := w.Write(context.Background(), []byte("abc")); err != nil {
		t.Fatalf("writer write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("writer close: %v", err)
	}
	if port.drains() != 1 {
		t.Fatalf("expected one drain on close, got %d", port.drains())
	}
	if err := w.Write(context.Background(), []byte("late")); err == nil {
		t.Fatalf("expected write after close to fail")
	}

	if err := link.Write(context.Background(), []byte("def")); err != nil {
		t.Fatalf("write after writer released: %v", err)
	}
	if got := port.written(); got != "abcdef" {
		t.Fatalf("unexpected bytes on port: %q", got)
	}
}

func TestSerialLinkDeliversInboundBytes(t *testing.T) {
	port := newFakeSerialPort()
	link := connectedSerialLink(t, port)

	got := make(chan []byte, 1)
	remove := link.OnData(func(p []byte) { got <- p })
	defer remove()

	port.feed([]byte("hello"))
	select {
	case p := <-got:
		if string(p) != "hello" {
			t.Fatalf("unexpected inbound bytes: %q", p)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for inbound bytes")
	}
}

func TestSerialLinkReadErrorClosesDone(t *testing.T) {
	port := newFakeSerialPort()
	link := connectedSerialLink(t, port)

	port.fail(errors.New("device unplugged"))

	select {
	case <-link.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected Done to close after read error")
	}
	if !errors.Is(link.Err(), ErrLinkLost) {
		t.Fatalf("expected ErrLinkLost, got %v", link.Err())
	}
	if err := link.Write(context.Background(), []byte("x")); !errors.Is(err, ErrLinkLost) {
		t.Fatalf("expected write to report link loss, got %v", err)
	}
}

func TestSerialLinkCloseIsNotAnError(t *testing.T) {
	port := newFakeSerialPort()
	link := connectedSerialLink(t, port)

	if err := link.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if link.Err() != nil {
		t.Fatalf("expected nil Err after requested close, got %v", link.Err())
	}
	if err := link.Write(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func connectedSerialLink(t *testing.T, port *fakeSerialPort) *SerialLink {
	t.Helper()
	link, _ := newTestSerialLink(port, nil)
	link.SetTarget("/dev/ttyUSB0")
	if err := link.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = link.Close() })

	return link
}

func newTestSerialLink(port *fakeSerialPort, ports []SerialPortInfo) (*SerialLink, *string) {
	opened := new(string)
	link := NewSerialLink(SerialConfig{})
	link.open = func(name string, _ *serial.Mode) (serialPort, error) {
		*opened = name
		return port, nil
	}
	link.list = func() ([]SerialPortInfo, error) {
		return append([]SerialPortInfo(nil), ports...), nil
	}

	return link, opened
}

// serial.PortError keeps its code unexported, so tests use a lookalike.
func portError(code serial.PortErrorCode) error {
	return &fakePortError{code: code}
}

type fakePortError struct {
	code serial.PortErrorCode
}

func (e *fakePortError) Error() string              { return "port error" }
func (e *fakePortError) Code() serial.PortErrorCode { return e.code }

type fakeSerialPort struct {
	mu      sync.Mutex
	out     bytes.Buffer
	drained int
	in      chan []byte
	errs    chan error
	closed  chan struct{}
	once    sync.Once
}

func newFakeSerialPort() *fakeSerialPort {
	return &fakeSerialPort{
		in:     make(chan []byte, 8),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (p *fakeSerialPort) Read(buf []byte) (int, error) {
	select {
	case data := <-p.in:
		return copy(buf, data), nil
	case err := <-p.errs:
		return 0, err
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *fakeSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.out.Write(b)
}

func (p *fakeSerialPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakeSerialPort) Drain() error {
	p.mu.Lock()
	p.drained++
	p.mu.Unlock()

	return nil
}

func (p *fakeSerialPort) ResetInputBuffer() error              { return nil }
func (p *fakeSerialPort) SetReadTimeout(_ time.Duration) error { return nil }

func (p *fakeSerialPort) feed(b []byte)   { p.in <- b }
func (p *fakeSerialPort) fail(err error)  { p.errs <- err }
func (p *fakeSerialPort) drains() int     { p.mu.Lock(); defer p.mu.Unlock(); return p.drained }
func (p *fakeSerialPort) written() string { p.mu.Lock(); defer p.mu.Unlock(); return p.out.String() }
