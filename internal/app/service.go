package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
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
	"github.com/MagicBitTutorial123/Neo-sub001/internal/upload"
	"github.com/google/uuid"
)

var ErrSerialRequired = errors.New("this operation needs a USB serial connection")

// LinkSource hands out the link for a connection configuration.
type LinkSource interface {
	For(cfg config.ConnectionConfig) (l transport.Link, replaced transport.Link, err error)
}

// History stores finished transfers.
type History interface {
	Insert(ctx context.Context, t persistence.Transfer) error
	ListRecent(ctx context.Context, limit int) ([]persistence.Transfer, error)
}

// DeviceDirectory lists and forgets remembered devices.
type DeviceDirectory interface {
	List(ctx context.Context) ([]persistence.Device, error)
	Forget(ctx context.Context, connector, address string) error
}

type ServiceDependencies struct {
	Logger       *slog.Logger
	Bus          bus.MessageBus
	Manager      *link.Manager
	Links        LinkSource
	Config       func() config.AppConfig
	Orchestrator *upload.Orchestrator
	Keys         *upload.KeySender
	Installer    *installer.Installer
	History      History
	Devices      DeviceDirectory
	// AcquireLock takes the cross-process lock for a link. Nil disables
	// locking.
	AcquireLock func(linkName string) (boardlock.Lock, error)
}

// Service is the caller-facing API: connect to the board, move programs
// and firmware onto it and talk to the running program.
type Service struct {
	logger       *slog.Logger
	bus          bus.MessageBus
	manager      *link.Manager
	links        LinkSource
	config       func() config.AppConfig
	orchestrator *upload.Orchestrator
	keys         *upload.KeySender
	installer    *installer.Installer
	history      History
	devices      DeviceDirectory
	acquireLock  func(linkName string) (boardlock.Lock, error)
	now          func() time.Time

	locksMu sync.Mutex
	locks   map[string]boardlock.Lock
}

func NewService(deps ServiceDependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "app.service")
	}
	cfgFn := deps.Config
	if cfgFn == nil {
		cfgFn = config.Default
	}

	return &Service{
		logger:       logger,
		bus:          deps.Bus,
		manager:      deps.Manager,
		links:        deps.Links,
		config:       cfgFn,
		orchestrator: deps.Orchestrator,
		keys:         deps.Keys,
		installer:    deps.Installer,
		history:      deps.History,
		devices:      deps.Devices,
		acquireLock:  deps.AcquireLock,
		now:          time.Now,
		locks:        make(map[string]boardlock.Lock),
	}
}

// Connect opens the link for connector, or for the configured connector when
// it is empty. It is always user-initiated, so it may discover a device.
func (s *Service) Connect(ctx context.Context, connector config.ConnectorType) error {
	cfg := s.config().Connection
	if connector != "" {
		cfg.Connector = connector
	}
	l, replaced, err := s.links.For(cfg)
	if err != nil {
		return err
	}
	if replaced != nil && replaced != s.manager.Link() {
		_ = replaced.Close()
	}
	if err := s.lockOnly(l.Name()); err != nil {
		return err
	}

	err = s.manager.Connect(ctx, l, true)
	// A superseded attempt leaves the lock to the connect that replaced it.
	if err != nil && !errors.Is(err, link.ErrSuperseded) {
		err = errors.Join(err, s.releaseLocks())
	}

	return err
}

func (s *Service) Disconnect() error {
	err := s.manager.Disconnect()

	return errors.Join(err, s.releaseLocks())
}

// Close drops the transport locks. The manager is closed by its owner.
func (s *Service) Close() error {
	return s.releaseLocks()
}

func (s *Service) Status() connectors.ConnectionStatus {
	status := s.manager.Status()
	if status.TransportName != "" {
		return status
	}
	fromConfig := ConnectionStatusFromConfig(s.config().Connection)
	fromConfig.State = status.State
	fromConfig.Err = status.Err
	fromConfig.Timestamp = status.Timestamp

	return fromConfig
}

// Upload transfers a program to the connected board. Over BLE it streams
// upload frames; over serial it installs the program through the REPL.
func (s *Service) Upload(ctx context.Context, source string) error {
	if len(protocol.SplitLines(source)) == 0 {
		return upload.ErrEmptySource
	}

	return s.manager.RunJob(ctx, func(ctx context.Context, l transport.Link) error {
		if serial, ok := serialInstallerLink(l); ok {
			return s.installProgram(ctx, l, serial, source, nil)
		}

		started := s.now()
		job, err := s.orchestrator.Upload(ctx, l, source)
		if job != nil {
			s.record(ctx, l, persistence.Transfer{
				JobID:     job.ID,
				Kind:      transferKindProgram,
				Lines:     job.Total(),
				Bytes:     job.BytesSent,
				StartedAt: started,
			}, err)
		}

		return err
	})
}

// InstallProgram writes source as the board's boot program. It needs a
// serial link.
func (s *Service) InstallProgram(ctx context.Context, source string, onProgress func(installer.Progress)) error {
	if len(protocol.SplitLines(source)) == 0 {
		return upload.ErrEmptySource
	}

	return s.manager.RunJob(ctx, func(ctx context.Context, l transport.Link) error {
		serial, ok := serialInstallerLink(l)
		if !ok {
			return fmt.Errorf("install program over %s: %w", l.Name(), ErrSerialRequired)
		}

		return s.installProgram(ctx, l, serial, source, onProgress)
	})
}

// InstallFirmware writes the bundled firmware over the serial link.
func (s *Service) InstallFirmware(ctx context.Context, onProgress func(installer.Progress)) error {
	return s.manager.RunJob(ctx, func(ctx context.Context, l transport.Link) error {
		serial, ok := serialInstallerLink(l)
		if !ok {
			return fmt.Errorf("install firmware over %s: %w", l.Name(), ErrSerialRequired)
		}

		jobID := uuid.NewString()
		started := s.now()
		err := s.installer.InstallFirmware(ctx, serial, s.progressPublisher(jobID, "installing-firmware", onProgress))
		s.record(ctx, l, persistence.Transfer{
			JobID:     jobID,
			Kind:      transferKindFirmware,
			StartedAt: started,
		}, err)

		return err
	})
}

// SendKey forwards a key press to the running program. Presses inside the
// throttle window are dropped silently.
func (s *Service) SendKey(ctx context.Context, key string) error {
	err := s.manager.RunJob(ctx, func(ctx context.Context, l transport.Link) error {
		return s.keys.Send(ctx, l, key)
	})
	if errors.Is(err, upload.ErrThrottled) {
		return nil
	}

	return err
}

// RequestTelemetry asks the firmware for a sensor snapshot. The answer
// arrives on connectors.TopicSensorData.
func (s *Service) RequestTelemetry(ctx context.Context) error {
	raw, err := protocol.Encode(protocol.TelemetryRequestFrame())
	if err != nil {
		return err
	}

	return s.manager.RunJob(ctx, func(ctx context.Context, l transport.Link) error {
		if err := l.Write(ctx, raw); err != nil {
			return fmt.Errorf("request telemetry: %w", err)
		}
		if s.bus != nil {
			s.bus.Publish(connectors.TopicRawFrameOut, connectors.RawFrame{Text: string(raw), Len: len(raw)})
		}

		return nil
	})
}

// History returns recent transfers, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]persistence.Transfer, error) {
	if s.history == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	return s.history.ListRecent(ctx, limit)
}

func (s *Service) KnownDevices(ctx context.Context) ([]persistence.Device, error) {
	if s.devices == nil {
		return nil, nil
	}

	return s.devices.List(ctx)
}

func (s *Service) ForgetDevice(ctx context.Context, connector config.ConnectorType, address string) error {
	if s.devices == nil {
		return nil
	}

	return s.devices.Forget(ctx, TransportNameFromConnector(connector), address)
}

func (s *Service) installProgram(ctx context.Context, l transport.Link, serial installer.Link, source string, onProgress func(installer.Progress)) error {
	jobID := uuid.NewString()
	started := s.now()
	err := s.installer.InstallProgram(ctx, serial, source, s.progressPublisher(jobID, "installing-program", onProgress))
	s.record(ctx, l, persistence.Transfer{
		JobID:     jobID,
		Kind:      transferKindProgram,
		Lines:     len(protocol.SplitLines(source)),
		Bytes:     len(source),
		StartedAt: started,
	}, err)

	return err
}

func (s *Service) progressPublisher(jobID, phase string, onProgress func(installer.Progress)) func(installer.Progress) {
	return func(p installer.Progress) {
		if s.bus != nil {
			s.bus.Publish(connectors.TopicUploadProgress, connectors.UploadProgress{
				JobID:   jobID,
				Phase:   phase,
				Percent: p.Percent,
				Status:  p.Status,
			})
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
}

func (s *Service) record(ctx context.Context, l transport.Link, t persistence.Transfer, err error) {
	if s.history == nil {
		return
	}
	t.Connector = l.Name()
	t.Target = l.Target()
	t.FinishedAt = s.now()
	if err != nil {
		t.Error = err.Error()
	}
	if insertErr := s.history.Insert(context.WithoutCancel(ctx), t); insertErr != nil {
		s.logger.Warn("record transfer", "job_id", t.JobID, "error", insertErr)
	}
}

// lockOnly holds the lock for linkName and lets go of any other.
func (s *Service) lockOnly(linkName string) error {
	if s.acquireLock == nil {
		return nil
	}

	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if _, ok := s.locks[linkName]; !ok {
		lock, err := s.acquireLock(linkName)
		switch {
		case errors.Is(err, boardlock.ErrUnsupported):
			s.logger.Debug("board lock unavailable", "link", linkName, "error", err)
		case err != nil:
			return fmt.Errorf("lock %s link: %w", linkName, err)
		default:
			s.locks[linkName] = lock
		}
	}

	var errs []error
	for name, lock := range s.locks {
		if name == linkName {
			continue
		}
		errs = append(errs, lock.Release())
		delete(s.locks, name)
	}

	return errors.Join(errs...)
}

func (s *Service) releaseLocks() error {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	var errs []error
	for name, lock := range s.locks {
		errs = append(errs, lock.Release())
		delete(s.locks, name)
	}

	return errors.Join(errs...)
}

func serialInstallerLink(l transport.Link) (installer.Link, bool) {
	if l.Name() != "serial" {
		return nil, false
	}
	serial, ok := l.(installer.Link)

	return serial, ok
}
