// Package transporttest provides an in-memory transport.Link for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/transport"
)

// Link is a scriptable transport.Link. The zero value is not usable; call New.
type Link struct {
	mu        sync.Mutex
	name      string
	target    string
	connected bool
	done      chan struct{}
	err       error

	connectErrs  []error
	connectCalls []transport.ConnectOptions
	connectHook  func(ctx context.Context) error
	writes       [][]byte
	failAt       int
	failErr      error
	writeHook    func(p []byte)
	writerOpen   bool
	writerCloses int
	closeErr     error
	closeCalls   int

	listenerMu sync.Mutex
	nextID     int
	listeners  map[int]func([]byte)
}

func New(name, target string) *Link {
	return &Link{
		name:      name,
		target:    target,
		done:      closedChan(),
		listeners: make(map[int]func([]byte)),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)

	return ch
}

// FailConnect queues errors returned by successive Connect calls.
func (l *Link) FailConnect(errs ...error) {
	l.mu.Lock()
	l.connectErrs = append(l.connectErrs, errs...)
	l.mu.Unlock()
}

// OnConnect runs hook inside Connect before it succeeds or fails.
func (l *Link) OnConnect(hook func(ctx context.Context) error) {
	l.mu.Lock()
	l.connectHook = hook
	l.mu.Unlock()
}

// FailWriteAt makes the n-th write (1-based) and every later one fail.
func (l *Link) FailWriteAt(n int, err error) {
	l.mu.Lock()
	l.failAt = n
	l.failErr = err
	l.mu.Unlock()
}

// FailWriterClose makes every writer Close return err once it has released
// the writer.
func (l *Link) FailWriterClose(err error) {
	l.mu.Lock()
	l.closeErr = err
	l.mu.Unlock()
}

// OnWrite observes every successful write.
func (l *Link) OnWrite(hook func(p []byte)) {
	l.mu.Lock()
	l.writeHook = hook
	l.mu.Unlock()
}

func (l *Link) Name() string { return l.name }

func (l *Link) Target() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.target
}

func (l *Link) SetTarget(target string) {
	l.mu.Lock()
	l.target = target
	l.mu.Unlock()
}

func (l *Link) Connect(ctx context.Context, opts transport.ConnectOptions) error {
	l.mu.Lock()
	l.connectCalls = append(l.connectCalls, opts)
	hook := l.connectHook
	l.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.connectErrs) > 0 {
		err := l.connectErrs[0]
		l.connectErrs = l.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	if l.target == "" {
		if !opts.AllowDiscovery {
			return transport.ErrNoTarget
		}
		l.target = "discovered"
	}
	l.connected = true
	l.done = make(chan struct{})
	l.err = nil

	return nil
}

func (l *Link) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if l.writerOpen {
		l.mu.Unlock()
		return transport.ErrBusy
	}
	l.mu.Unlock()

	return l.record(p)
}

func (l *Link) record(p []byte) error {
	l.mu.Lock()
	if !l.connected {
		err := l.err
		l.mu.Unlock()
		if err != nil {
			return err
		}
		return transport.ErrNotConnected
	}
	if l.failAt > 0 && len(l.writes)+1 >= l.failAt {
		err := l.failErr
		l.mu.Unlock()
		return err
	}
	l.writes = append(l.writes, append([]byte(nil), p...))
	hook := l.writeHook
	l.mu.Unlock()

	if hook != nil {
		hook(p)
	}

	return nil
}

func (l *Link) OpenWriter() (transport.Writer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return nil, transport.ErrNotConnected
	}
	if l.writerOpen {
		return nil, transport.ErrBusy
	}
	l.writerOpen = true

	return &writer{link: l}, nil
}

func (l *Link) OnData(fn func([]byte)) func() {
	l.listenerMu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.listenerMu.Unlock()

	return func() {
		l.listenerMu.Lock()
		delete(l.listeners, id)
		l.listenerMu.Unlock()
	}
}

// Emit delivers p to every OnData listener as if the device sent it.
func (l *Link) Emit(p []byte) {
	l.listenerMu.Lock()
	fns := make([]func([]byte), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.listenerMu.Unlock()

	for _, fn := range fns {
		fn(append([]byte(nil), p...))
	}
}

func (l *Link) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.done
}

func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.err
}

// Drop simulates an unexpected disconnect.
func (l *Link) Drop(cause error) {
	if cause == nil {
		cause = transport.ErrLinkLost
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return
	}
	l.connected = false
	l.err = cause
	close(l.done)
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeCalls++
	if !l.connected {
		return nil
	}
	l.connected = false
	l.err = nil
	close(l.done)

	return nil
}

func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.connected
}

// Writes returns a copy of every successful write in order.
func (l *Link) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.writes))
	copy(out, l.writes)

	return out
}

// Written concatenates every successful write.
func (l *Link) Written() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	for _, w := range l.writes {
		n += len(w)
	}
	buf := make([]byte, 0, n)
	for _, w := range l.writes {
		buf = append(buf, w...)
	}

	return string(buf)
}

func (l *Link) ConnectCalls() []transport.ConnectOptions {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]transport.ConnectOptions(nil), l.connectCalls...)
}

func (l *Link) CloseCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.closeCalls
}

func (l *Link) WriterCloses() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.writerCloses
}

type writer struct {
	link   *Link
	closed bool
}

func (w *writer) Write(ctx context.Context, p []byte) error {
	if w.closed {
		return errors.New("writer closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return w.link.record(p)
}

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.link.mu.Lock()
	w.link.writerOpen = false
	w.link.writerCloses++
	err := w.link.closeErr
	w.link.mu.Unlock()

	return err
}

var (
	_ transport.Link         = (*Link)(nil)
	_ transport.WriterOpener = (*Link)(nil)
)
