package transport

import (
	"context"
	"sync"
)

// ConnectOptions controls how much a connect attempt may do on its own.
type ConnectOptions struct {
	// AllowDiscovery permits scanning for a device when no target is
	// remembered. Only user-initiated connects set it.
	AllowDiscovery bool
}

// Link is a connected byte channel to the board.
type Link interface {
	Name() string
	// Target is the remembered device: a BLE address or a serial port name.
	Target() string
	Connect(ctx context.Context, opts ConnectOptions) error
	// Write sends p as one unit. It returns ErrBusy when another write is in
	// flight.
	Write(ctx context.Context, p []byte) error
	// OnData registers fn for inbound bytes. fn runs on a transport goroutine
	// and must not block.
	OnData(fn func([]byte)) (remove func())
	// Done is closed when the current connection ends for any reason.
	Done() <-chan struct{}
	// Err reports why Done was closed; nil after a requested Close.
	Err() error
	Close() error
}

// Writer is an exclusively held write handle. Close flushes pending bytes
// and releases the link for other writers.
type Writer interface {
	Write(ctx context.Context, p []byte) error
	Close() error
}

// WriterOpener is implemented by links that hand out exclusive writers.
type WriterOpener interface {
	OpenWriter() (Writer, error)
}

type listenerSet struct {
	mu     sync.RWMutex
	nextID int
	fns    map[int]func([]byte)
}

func (s *listenerSet) add(fn func([]byte)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func([]byte))
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *listenerSet) dispatch(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.RLock()
	fns := make([]func([]byte), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		// Listeners may keep the slice; transports reuse read buffers.
		fn(append([]byte(nil), p...))
	}
}

// connState tracks one physical connection. It is replaced on every
// successful Connect.
type connState struct {
	closed    chan struct{}
	closeOnce sync.Once
	errMu     sync.RWMutex
	asyncErr  error
}

func newConnState() *connState {
	return &connState{closed: make(chan struct{})}
}

func (s *connState) markClosed() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

func (s *connState) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *connState) setAsyncError(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.asyncErr == nil {
		s.asyncErr = err
	}
	s.errMu.Unlock()
}

func (s *connState) closeErr() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()

	return s.asyncErr
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)

	return ch
}()
