// Package link owns the board connection: connect with bounded retries,
// notice drops, reconnect in the background and hand the link to one job at
// a time.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/bus"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/config"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/connectors"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/metrics"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/transport"
)

var (
	ErrSuperseded            = errors.New("connection attempt superseded")
	ErrRetriesExhausted      = errors.New("connection retries exhausted")
	ErrDiscoveryRequiresUser = errors.New("device discovery requires a user-initiated connect")
)

// DeviceStore remembers the last device each transport connected to.
type DeviceStore interface {
	LastTarget(ctx context.Context, transportName string) (string, error)
	RememberTarget(ctx context.Context, transportName, target string) error
}

type targetSetter interface {
	SetTarget(target string)
}

type Options struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Step           time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

func OptionsFromConfig(r config.ReconnectConfig) Options {
	return Options{
		MaxAttempts:    r.MaxAttempts,
		BaseDelay:      config.Millis(r.BaseDelayMS),
		Step:           config.Millis(r.StepMS),
		MaxDelay:       config.Millis(r.MaxDelayMS),
		AttemptTimeout: config.Millis(r.AttemptTimeoutMS),
	}
}

// backoff is the wait after the given zero-based failed attempt.
func (o Options) backoff(attempt int) time.Duration {
	d := o.BaseDelay + o.Step*time.Duration(attempt)
	if o.MaxDelay > 0 && d > o.MaxDelay {
		return o.MaxDelay
	}

	return d
}

type Manager struct {
	logger *slog.Logger
	bus    bus.MessageBus
	opts   Options
	store  DeviceStore

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu            sync.Mutex
	gen           uint64
	state         connectors.ConnectionState
	lastErr       error
	link          transport.Link
	dataRemove    func()
	stayConnected bool
	cancelLoop    context.CancelFunc
	jobCancel     context.CancelCauseFunc

	listenerMu sync.RWMutex
	nextID     int
	listeners  map[int]func([]byte)
}

func New(logger *slog.Logger, b bus.MessageBus, opts Options, store DeviceStore) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.MaxAttempts > config.MaxReconnectAttempts {
		opts.MaxAttempts = config.MaxReconnectAttempts
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &Manager{
		logger:     logger,
		bus:        b,
		opts:       opts,
		store:      store,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		state:      connectors.ConnectionStateDisconnected,
		listeners:  make(map[int]func([]byte)),
	}
}

// Connect brings l up. userInitiated allows device discovery when neither
// the link nor the device store knows a target. Connecting a different link
// disconnects the current one first.
func (m *Manager) Connect(ctx context.Context, l transport.Link, userInitiated bool) error {
	m.mu.Lock()
	if m.link == l && m.state == connectors.ConnectionStateConnected {
		m.stayConnected = true
		m.mu.Unlock()
		return nil
	}
	replacing := m.link != nil && m.link != l
	m.mu.Unlock()

	if replacing {
		_ = m.Disconnect()
	}

	m.mu.Lock()
	gen := m.bumpLocked()
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancelLoop = cancel
	m.setLinkLocked(l)
	m.stayConnected = true
	m.mu.Unlock()
	defer cancel()

	return m.connectLoop(loopCtx, gen, l, userInitiated)
}

// Disconnect closes the link on request. Any in-flight connect attempt is
// superseded and the running job is cancelled.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	gen := m.bumpLocked()
	m.stayConnected = false
	l := m.link
	state := m.state
	if m.jobCancel != nil {
		m.jobCancel(transport.ErrLinkLost)
	}
	m.mu.Unlock()

	if l == nil || state == connectors.ConnectionStateDisconnected {
		return nil
	}

	m.setState(gen, connectors.ConnectionStateDisconnecting, nil)
	err := l.Close()
	m.setState(gen, connectors.ConnectionStateDisconnected, nil)
	m.logger.Info("link disconnected", "transport", l.Name(), "target", l.Target())

	return err
}

// Close disconnects and waits for background work to stop.
func (m *Manager) Close() error {
	err := m.Disconnect()
	m.baseCancel()
	m.wg.Wait()

	m.mu.Lock()
	if m.dataRemove != nil {
		m.dataRemove()
		m.dataRemove = nil
	}
	m.mu.Unlock()

	return err
}

// RunJob gives fn exclusive use of the connected link. A second job gets
// transport.ErrBusy. fn's context is cancelled with transport.ErrLinkLost
// when the link goes away.
func (m *Manager) RunJob(ctx context.Context, fn func(ctx context.Context, l transport.Link) error) error {
	m.mu.Lock()
	if m.state != connectors.ConnectionStateConnected || m.link == nil {
		m.mu.Unlock()
		return transport.ErrNotConnected
	}
	if m.jobCancel != nil {
		m.mu.Unlock()
		return transport.ErrBusy
	}
	jobCtx, cancel := context.WithCancelCause(ctx)
	m.jobCancel = cancel
	l := m.link
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.jobCancel = nil
		m.mu.Unlock()
		cancel(nil)
	}()

	err := fn(jobCtx, l)
	if err != nil {
		if cause := context.Cause(jobCtx); errors.Is(cause, transport.ErrLinkLost) && !errors.Is(err, transport.ErrLinkLost) {
			err = fmt.Errorf("%w: %w", cause, err)
		}
	}

	return err
}

func (m *Manager) Status() connectors.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.statusLocked()
}

// Link returns the managed link, connected or not.
func (m *Manager) Link() transport.Link {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.link
}

// OnData registers fn for inbound bytes from whichever link is managed.
func (m *Manager) OnData(fn func([]byte)) (remove func()) {
	m.listenerMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenerMu.Lock()
			delete(m.listeners, id)
			m.listenerMu.Unlock()
		})
	}
}

func (m *Manager) dispatch(p []byte) {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for _, fn := range m.listeners {
		fn(p)
	}
}

func (m *Manager) connectLoop(ctx context.Context, gen uint64, l transport.Link, userInitiated bool) error {
	logger := m.logger.With("transport", l.Name())
	if err := m.resolveTarget(ctx, l, userInitiated); err != nil {
		m.fail(gen, l, err)
		return err
	}

	m.setState(gen, connectors.ConnectionStateConnecting, nil)

	var (
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt < m.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := m.opts.backoff(attempt - 1)
			logger.Info("retrying connect", "attempt", attempt+1, "delay", delay)
			if !sleepWithContext(ctx, delay) {
				break
			}
		}
		if !m.current(gen) {
			return ErrSuperseded
		}

		attempts++
		err := m.attempt(ctx, l, userInitiated)
		metrics.RecordConnectAttempt(l.Name(), err)

		if !m.current(gen) {
			if err == nil && m.shouldCloseStale(l) {
				_ = l.Close()
			}
			return ErrSuperseded
		}
		if err == nil {
			m.onConnected(gen, l)
			return nil
		}

		lastErr = err
		logger.Warn("connect attempt failed", "attempt", attempt+1, "error", err)
		if transport.IsTerminal(err) {
			m.fail(gen, l, err)
			return err
		}
	}

	if ctx.Err() != nil {
		if !m.current(gen) {
			return ErrSuperseded
		}
		err := ctx.Err()
		if lastErr != nil {
			err = fmt.Errorf("%w: %w", err, lastErr)
		}
		m.fail(gen, l, err)
		return err
	}

	err := fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
	m.fail(gen, l, err)

	return err
}

func (m *Manager) attempt(ctx context.Context, l transport.Link, userInitiated bool) error {
	attemptCtx := ctx
	if m.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, m.opts.AttemptTimeout)
		defer cancel()
	}

	opts := transport.ConnectOptions{AllowDiscovery: userInitiated && strings.TrimSpace(l.Target()) == ""}
	err := l.Connect(attemptCtx, opts)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("connect attempt timed out after %s: %w", m.opts.AttemptTimeout, err)
	}

	return err
}

// resolveTarget fills in the remembered device when the link has none.
func (m *Manager) resolveTarget(ctx context.Context, l transport.Link, userInitiated bool) error {
	if strings.TrimSpace(l.Target()) != "" {
		return nil
	}
	if m.store != nil {
		target, err := m.store.LastTarget(ctx, l.Name())
		if err != nil {
			m.logger.Warn("load remembered device failed", "transport", l.Name(), "error", err)
		}
		if setter, ok := l.(targetSetter); ok && strings.TrimSpace(target) != "" {
			setter.SetTarget(target)
			m.logger.Debug("using remembered device", "transport", l.Name(), "target", target)
			return nil
		}
	}
	if !userInitiated {
		return ErrDiscoveryRequiresUser
	}

	return nil
}

func (m *Manager) onConnected(gen uint64, l transport.Link) {
	if !m.setState(gen, connectors.ConnectionStateConnected, nil) {
		return
	}
	m.logger.Info("link connected", "transport", l.Name(), "target", l.Target())

	if m.store != nil {
		if err := m.store.RememberTarget(m.baseCtx, l.Name(), l.Target()); err != nil {
			m.logger.Warn("remember device failed", "transport", l.Name(), "error", err)
		}
	}

	m.wg.Add(1)
	go m.watch(gen, l)
}

// watch turns an unexpected end of the connection into one disconnected
// status and, if the manager should stay connected, one reconnect cycle.
func (m *Manager) watch(gen uint64, l transport.Link) {
	defer m.wg.Done()

	select {
	case <-l.Done():
	case <-m.baseCtx.Done():
		return
	}

	cause := l.Err()
	if cause == nil {
		cause = transport.ErrLinkLost
	}

	m.mu.Lock()
	if m.gen != gen || m.state != connectors.ConnectionStateConnected {
		m.mu.Unlock()
		return
	}
	if m.jobCancel != nil {
		m.jobCancel(transport.ErrLinkLost)
	}
	stay := m.stayConnected
	m.mu.Unlock()

	if !m.setState(gen, connectors.ConnectionStateDisconnected, cause) {
		return
	}
	metrics.RecordLinkDrop(l.Name())
	m.logger.Warn("link lost", "transport", l.Name(), "target", l.Target(), "error", cause)

	if stay {
		m.scheduleReconnect(gen, l)
	}
}

func (m *Manager) scheduleReconnect(gen uint64, l transport.Link) {
	m.mu.Lock()
	if m.gen != gen || m.baseCtx.Err() != nil {
		m.mu.Unlock()
		return
	}
	next := m.bumpLocked()
	loopCtx, cancel := context.WithCancel(m.baseCtx)
	m.cancelLoop = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		if err := m.connectLoop(loopCtx, next, l, false); err != nil {
			m.logger.Info("background reconnect stopped", "transport", l.Name(), "error", err)
		}
	}()
}

func (m *Manager) fail(gen uint64, l transport.Link, err error) {
	if !m.setState(gen, connectors.ConnectionStateDisconnected, err) {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	if g, ok := GuidanceFor(l.Name(), err); ok && m.bus != nil {
		m.bus.Publish(connectors.TopicGuidance, g)
	}
}

// setState records a transition for gen and publishes it once. It reports
// false when gen is stale.
func (m *Manager) setState(gen uint64, state connectors.ConnectionState, err error) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	if m.state == state && err == nil {
		m.mu.Unlock()
		return true
	}
	m.state = state
	m.lastErr = err
	status := m.statusLocked()
	m.mu.Unlock()

	metrics.RecordStateTransition(string(state))
	if m.bus != nil {
		m.bus.Publish(connectors.TopicConnStatus, status)
	}

	return true
}

func (m *Manager) statusLocked() connectors.ConnectionStatus {
	status := connectors.ConnectionStatus{
		State:     m.state,
		Timestamp: time.Now(),
	}
	if m.link != nil {
		status.TransportName = m.link.Name()
		status.Target = m.link.Target()
	}
	if m.lastErr != nil {
		status.Err = m.lastErr.Error()
	}

	return status
}

func (m *Manager) bumpLocked() uint64 {
	m.gen++
	if m.cancelLoop != nil {
		m.cancelLoop()
		m.cancelLoop = nil
	}

	return m.gen
}

func (m *Manager) setLinkLocked(l transport.Link) {
	if m.link == l {
		return
	}
	if m.dataRemove != nil {
		m.dataRemove()
	}
	m.link = l
	m.dataRemove = l.OnData(m.dispatch)
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.gen == gen
}

// shouldCloseStale reports whether a link brought up by a superseded
// attempt is no longer wanted.
func (m *Manager) shouldCloseStale(l transport.Link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.link != l || !m.stayConnected
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
