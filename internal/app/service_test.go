package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/boardlock"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/bus"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/config"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/connectors"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/installer"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/link"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/persistence"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/protocol"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/transport"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/transport/transporttest"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/upload"
)

type fakeLinkSource struct {
	mu       sync.Mutex
	links    map[config.ConnectorType]*transporttest.Link
	replaced transport.Link
	requests []config.ConnectionConfig
}

func (s *fakeLinkSource) For(cfg config.ConnectionConfig) (transport.Link, transport.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, cfg)
	l, ok := s.links[cfg.Connector]
	if !ok {
		return nil, nil, errors.New("no link for connector")
	}
	replaced := s.replaced
	s.replaced = nil

	return l, replaced, nil
}

type memoryHistory struct {
	mu        sync.Mutex
	transfers []persistence.Transfer
}

func (h *memoryHistory) Insert(_ context.Context, t persistence.Transfer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transfers = append(h.transfers, t)

	return nil
}

func (h *memoryHistory) ListRecent(_ context.Context, limit int) ([]persistence.Transfer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []persistence.Transfer
	for i := len(h.transfers) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.transfers[i])
	}

	return out, nil
}

type serviceFixture struct {
	service *Service
	ble     *transporttest.Link
	serial  *transporttest.Link
	links   *fakeLinkSource
	history *memoryHistory
	bus     *recordingBus
}

type recordingBus struct {
	mu     sync.Mutex
	events map[string][]any
}

func (b *recordingBus) Publish(topic string, msg any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events == nil {
		b.events = make(map[string][]any)
	}
	b.events[topic] = append(b.events[topic], msg)
}

func (b *recordingBus) Subscribe(string) bus.Subscription { return make(bus.Subscription) }

func (b *recordingBus) Unsubscribe(bus.Subscription, ...string) {}

func (b *recordingBus) Close() {}

func (b *recordingBus) progress() []connectors.UploadProgress {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []connectors.UploadProgress
	for _, ev := range b.events[connectors.TopicUploadProgress] {
		out = append(out, ev.(connectors.UploadProgress))
	}

	return out
}

func newServiceFixture(t *testing.T, keyThrottle time.Duration) *serviceFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := &recordingBus{}
	manager := link.New(logger, b, link.Options{MaxAttempts: 1}, nil)
	t.Cleanup(func() { _ = manager.Close() })

	f := &serviceFixture{
		ble:     transporttest.New("bluetooth", "AA:BB:CC:DD:EE:FF"),
		serial:  transporttest.New("serial", "/dev/ttyUSB0"),
		history: &memoryHistory{},
		bus:     b,
	}
	f.links = &fakeLinkSource{links: map[config.ConnectorType]*transporttest.Link{
		config.ConnectorBluetooth: f.ble,
		config.ConnectorSerial:    f.serial,
	}}
	f.service = NewService(ServiceDependencies{
		Logger:       logger,
		Bus:          b,
		Manager:      manager,
		Links:        f.links,
		Config:       config.Default,
		Orchestrator: upload.New(logger, b, upload.Options{BatchSize: 5}),
		Keys:         upload.NewKeySender(logger, keyThrottle, 0),
		Installer:    installer.New(logger, installer.Options{}),
		History:      f.history,
	})

	return f
}

func (f *serviceFixture) connect(t *testing.T, connector config.ConnectorType) {
	t.Helper()
	if err := f.service.Connect(context.Background(), connector); err != nil {
		t.Fatalf("connect %s: %v", connector, err)
	}
}

func TestServiceUploadOverBluetoothStreamsFrames(t *testing.T) {
	f := newServiceFixture(t, 0)
	f.connect(t, config.ConnectorBluetooth)

	if err := f.service.Upload(context.Background(), "a\nb\nc"); err != nil {
		t.Fatalf("upload: %v", err)
	}

	writes := f.ble.Writes()
	want := []protocol.Frame{
		protocol.StartFrame(),
		protocol.UploadFrame("a"),
		protocol.UploadFrame("b"),
		protocol.UploadFrame("c"),
		protocol.EndFrame(),
	}
	if len(writes) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(writes))
	}
	for i, frame := range want {
		if string(writes[i]) != string(protocol.MustEncode(frame)) {
			t.Fatalf("frame %d: expected %q, got %q", i, protocol.MustEncode(frame), writes[i])
		}
	}

	history, err := f.service.History(context.Background(), 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one recorded transfer, got %d", len(history))
	}
	got := history[0]
	if got.Kind != "program" || got.Connector != "bluetooth" || got.Target != "AA:BB:CC:DD:EE:FF" || got.Lines != 3 || !got.Succeeded() {
		t.Fatalf("unexpected transfer: %+v", got)
	}
	if got.JobID == "" || got.Bytes == 0 {
		t.Fatalf("expected job id and byte count, got %+v", got)
	}
}

func TestServiceUploadOverSerialInstallsProgram(t *testing.T) {
	f := newServiceFixture(t, 0)
	f.connect(t, config.ConnectorSerial)

	source := "print('hi')\n#Event Handlers\ndef on_up():\n    pass"
	if err := f.service.Upload(context.Background(), source); err != nil {
		t.Fatalf("upload: %v", err)
	}

	written := f.serial.Written()
	for _, name := range []string{"main.py", "keyboardhandler.py", "reset.txt"} {
		if !strings.Contains(written, name) {
			t.Fatalf("expected %s to be written, got %q", name, written)
		}
	}
	if strings.Contains(written, `"mode"`) {
		t.Fatalf("serial upload must not send BLE frames")
	}

	progress := f.bus.progress()
	if len(progress) == 0 {
		t.Fatalf("expected upload progress events")
	}
	if final := progress[len(progress)-1]; final.Percent != 100 || final.Phase != "installing-program" {
		t.Fatalf("expected final progress 100 while installing, got %+v", final)
	}

	history, _ := f.service.History(context.Background(), 5)
	if len(history) != 1 || history[0].Connector != "serial" || history[0].Bytes != len(source) {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestServiceUploadRejectsEmptySourceAndMissingLink(t *testing.T) {
	f := newServiceFixture(t, 0)

	if err := f.service.Upload(context.Background(), "\r\n\n"); !errors.Is(err, upload.ErrEmptySource) {
		t.Fatalf("expected ErrEmptySource, got %v", err)
	}
	if err := f.service.Upload(context.Background(), "x = 1"); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestServiceUploadFailureIsRecorded(t *testing.T) {
	f := newServiceFixture(t, 0)
	f.connect(t, config.ConnectorBluetooth)
	writeErr := errors.New("gatt write failed")
	f.ble.FailWriteAt(3, writeErr)

	err := f.service.Upload(context.Background(), "a\nb\nc")
	if !errors.Is(err, writeErr) {
		t.Fatalf("expected write error, got %v", err)
	}
	var phaseErr *upload.PhaseError
	if !errors.As(err, &phaseErr) || phaseErr.Line != 2 {
		t.Fatalf("expected failure at line 2, got %v", err)
	}

	history, _ := f.service.History(context.Background(), 1)
	if len(history) != 1 || history[0].Succeeded() || !strings.Contains(history[0].Error, "gatt write failed") {
		t.Fatalf("expected failed transfer in history, got %+v", history)
	}
}

func TestServiceInstallFirmwareNeedsSerial(t *testing.T) {
	f := newServiceFixture(t, 0)
	f.connect(t, config.ConnectorBluetooth)

	err := f.service.InstallFirmware(context.Background(), nil)
	if !errors.Is(err, ErrSerialRequired) {
		t.Fatalf("expected ErrSerialRequired, got %v", err)
	}
	if len(f.ble.Writes()) != 0 {
		t.Fatalf("expected no writes over bluetooth")
	}

	err = f.service.InstallProgram(context.Background(), "x = 1", nil)
	if !errors.Is(err, ErrSerialRequired) {
		t.Fatalf("expected ErrSerialRequired for program install, got %v", err)
	}
}

func TestServiceInstallFirmwareReportsProgress(t *testing.T) {
	f := newServiceFixture(t, 0)
	f.connect(t, config.ConnectorSerial)

	var percents []float64
	err := f.service.InstallFirmware(context.Background(), func(p installer.Progress) {
		percents = append(percents, p.Percent)
	})
	if err != nil {
		t.Fatalf("install firmware: %v", err)
	}
	if len(percents) == 0 || percents[len(percents)-1] != 100 {
		t.Fatalf("expected progress to end at 100, got %v", percents)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress went backwards: %v", percents)
		}
	}
	if !strings.Contains(f.serial.Written(), "boot.py") {
		t.Fatalf("expected firmware files to be written")
	}

	history, _ := f.service.History(context.Background(), 1)
	if len(history) != 1 || history[0].Kind != "firmware" || !history[0].Succeeded() {
		t.Fatalf("unexpected firmware history: %+v", history)
	}
}

func TestServiceSendKeyIgnoresThrottledPresses(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	f.connect(t, config.ConnectorBluetooth)

	if err := f.service.SendKey(context.Background(), "up"); err != nil {
		t.Fatalf("first key: %v", err)
	}
	if err := f.service.SendKey(context.Background(), "up"); err != nil {
		t.Fatalf("throttled key should not fail, got %v", err)
	}

	writes := f.ble.Writes()
	if len(writes) != 1 {
		t.Fatalf("expected one keypress frame, got %d", len(writes))
	}
	if string(writes[0]) != string(protocol.MustEncode(protocol.KeypressFrame("up"))) {
		t.Fatalf("unexpected keypress frame %q", writes[0])
	}
}

func TestServiceRequestTelemetry(t *testing.T) {
	f := newServiceFixture(t, 0)

	if err := f.service.RequestTelemetry(context.Background()); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}

	f.connect(t, config.ConnectorBluetooth)
	if err := f.service.RequestTelemetry(context.Background()); err != nil {
		t.Fatalf("request telemetry: %v", err)
	}
	writes := f.ble.Writes()
	if len(writes) != 1 || string(writes[0]) != string(protocol.MustEncode(protocol.TelemetryRequestFrame())) {
		t.Fatalf("unexpected telemetry request writes: %q", writes)
	}
}

func TestServiceStatusFallsBackToConfig(t *testing.T) {
	f := newServiceFixture(t, 0)

	status := f.service.Status()
	if status.State != connectors.ConnectionStateDisconnected {
		t.Fatalf("expected disconnected, got %q", status.State)
	}
	if status.TransportName != "bluetooth" || status.Target != config.DefaultBluetoothName {
		t.Fatalf("expected configured bluetooth target, got %+v", status)
	}

	f.connect(t, config.ConnectorSerial)
	status = f.service.Status()
	if status.State != connectors.ConnectionStateConnected || status.TransportName != "serial" || status.Target != "/dev/ttyUSB0" {
		t.Fatalf("unexpected connected status: %+v", status)
	}

	if err := f.service.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if f.service.Status().State != connectors.ConnectionStateDisconnected {
		t.Fatalf("expected disconnected after Disconnect")
	}
}

func TestServiceConnectUsesRequestedConnectorAndClosesReplacedLink(t *testing.T) {
	f := newServiceFixture(t, 0)
	stale := transporttest.New("serial", "/dev/ttyUSB9")
	f.links.replaced = stale

	f.connect(t, config.ConnectorSerial)

	if len(f.links.requests) != 1 || f.links.requests[0].Connector != config.ConnectorSerial {
		t.Fatalf("unexpected link requests: %+v", f.links.requests)
	}
	if stale.CloseCalls() != 1 {
		t.Fatalf("expected replaced link to be closed once, got %d", stale.CloseCalls())
	}
	// The link already knows its port, so no discovery is requested.
	calls := f.serial.ConnectCalls()
	if len(calls) != 1 || calls[0].AllowDiscovery {
		t.Fatalf("expected one connect without discovery, got %+v", calls)
	}
}

type fakeLocks struct {
	mu    sync.Mutex
	busy  map[string]bool
	held  map[string]bool
	taken []string
}

type fakeLock struct {
	locks *fakeLocks
	name  string
}

func (l fakeLock) Release() error {
	l.locks.mu.Lock()
	defer l.locks.mu.Unlock()
	delete(l.locks.held, l.name)

	return nil
}

func (f *fakeLocks) acquire(name string) (boardlock.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[name] || f.held[name] {
		return nil, boardlock.ErrHeld
	}
	f.held[name] = true
	f.taken = append(f.taken, name)

	return fakeLock{locks: f, name: name}, nil
}

func (f *fakeLocks) holding() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.held))
	for name := range f.held {
		names = append(names, name)
	}

	return names
}

func TestServiceConnectRefusesLinkLockedByAnotherProcess(t *testing.T) {
	f := newServiceFixture(t, 0)
	locks := &fakeLocks{busy: map[string]bool{"serial": true}, held: map[string]bool{}}
	f.service.acquireLock = locks.acquire

	err := f.service.Connect(context.Background(), config.ConnectorSerial)
	if !errors.Is(err, boardlock.ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if len(f.serial.ConnectCalls()) != 0 {
		t.Fatalf("expected locked link not to be opened")
	}
}

func TestServiceHoldsOneLinkLockAndReleasesOnDisconnect(t *testing.T) {
	f := newServiceFixture(t, 0)
	locks := &fakeLocks{busy: map[string]bool{}, held: map[string]bool{}}
	f.service.acquireLock = locks.acquire

	f.connect(t, config.ConnectorBluetooth)
	if got := locks.holding(); len(got) != 1 || got[0] != "bluetooth" {
		t.Fatalf("expected bluetooth lock, holding %v", got)
	}

	f.connect(t, config.ConnectorSerial)
	if got := locks.holding(); len(got) != 1 || got[0] != "serial" {
		t.Fatalf("expected switching links to swap locks, holding %v", got)
	}

	// Reconnecting the same link keeps the lock it already has.
	f.connect(t, config.ConnectorSerial)
	if len(locks.taken) != 2 {
		t.Fatalf("expected no extra acquire on reconnect, took %v", locks.taken)
	}

	if err := f.service.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if got := locks.holding(); len(got) != 0 {
		t.Fatalf("expected locks released on disconnect, holding %v", got)
	}
}

func TestServiceReleasesLockWhenConnectFails(t *testing.T) {
	f := newServiceFixture(t, 0)
	locks := &fakeLocks{busy: map[string]bool{}, held: map[string]bool{}}
	f.service.acquireLock = locks.acquire
	errOpen := errors.New("port busy")
	f.serial.FailConnect(errOpen)

	if err := f.service.Connect(context.Background(), config.ConnectorSerial); !errors.Is(err, errOpen) {
		t.Fatalf("expected connect error, got %v", err)
	}
	if got := locks.holding(); len(got) != 0 {
		t.Fatalf("expected lock released after failed connect, holding %v", got)
	}

	f.connect(t, config.ConnectorSerial)
	if got := locks.holding(); len(got) != 1 || got[0] != "serial" {
		t.Fatalf("expected lock to be taken again on retry, holding %v", got)
	}
}

func TestServiceIgnoresUnsupportedLocks(t *testing.T) {
	f := newServiceFixture(t, 0)
	f.service.acquireLock = func(string) (boardlock.Lock, error) {
		return nil, boardlock.ErrUnsupported
	}

	f.connect(t, config.ConnectorSerial)
	if err := f.service.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
