package app

import (
	"context"
	"database/sql"
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
	"github.com/MagicBitTutorial123/Neo-sub001/internal/logging"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/notifications"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/persistence"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/relay"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/transport"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/upload"
)

const shutdownFlushTimeout = 2 * time.Second

// Options adjusts runtime start-up.
type Options struct {
	// ConfigFile replaces the default config location when set.
	ConfigFile string
	// Override is applied to the loaded config before validation; CLI flags
	// use it. Overrides are not saved.
	Override func(cfg *config.AppConfig)
	// Sender replaces the desktop notification backend.
	Sender notifications.Sender
}

type Runtime struct {
	mu sync.RWMutex

	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	DB         *sql.DB

	DeviceRepo   *persistence.DeviceRepo
	TransferRepo *persistence.TransferRepo
	WriterQueue  *persistence.WriterQueue
	Registry     *persistence.Registry

	Links         *LinkFactory
	Manager       *link.Manager
	Relay         *relay.Relay
	Notifications *NotificationService
	Service       *Service

	removeRelayFeed func()

	connStatusMu    sync.RWMutex
	connStatus      connectors.ConnectionStatus
	connStatusKnown bool
}

func Initialize(parent context.Context, opts Options) (*Runtime, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}
	paths = paths.WithConfigFile(opts.ConfigFile)

	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(&cfg)
		cfg.FillMissingDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	transport.SetLogger(logMgr.Logger("transport"))
	slog.Info("starting neolink runtime", "version", BuildVersion(), "commit", BuildCommit(), "build_date", BuildDateYMD())

	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.DB = db
	rt.DeviceRepo = persistence.NewDeviceRepo(db)
	rt.TransferRepo = persistence.NewTransferRepo(db)

	writerQueue := persistence.NewWriterQueue(logMgr.Logger("persistence"), writerQueueCapacity)
	writerQueue.Start(ctx)
	rt.WriterQueue = writerQueue
	rt.Registry = persistence.NewRegistry(rt.DeviceRepo, writerQueue)

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b
	connSub := b.Subscribe(connectors.TopicConnStatus)
	go rt.captureConnStatus(ctx, connSub)

	rt.Links = NewLinkFactory(config.Millis(cfg.Timing.SerialBootSettleMS))
	rt.Manager = link.New(logMgr.Logger("link"), b, link.OptionsFromConfig(cfg.Reconnect), rt.Registry)

	rt.Relay = relay.New(logMgr.Logger("relay"), b)
	rt.removeRelayFeed = rt.Manager.OnData(rt.Relay.Feed)
	go rt.Relay.Run(ctx)

	sender := opts.Sender
	if sender == nil {
		sender = notifications.NewDesktopSender(Name, logMgr.Logger("notifications"))
	}
	rt.Notifications = NewNotificationService(b, rt.CurrentConfig, sender, logMgr.Logger("app.notifications"))
	rt.Notifications.Start(ctx)

	rt.Service = NewService(ServiceDependencies{
		Logger:       logMgr.Logger("app.service"),
		Bus:          b,
		Manager:      rt.Manager,
		Links:        rt.Links,
		Config:       rt.CurrentConfig,
		Orchestrator: upload.New(logMgr.Logger("upload"), b, upload.OptionsFromConfig(cfg.Timing)),
		Keys: upload.NewKeySender(
			logMgr.Logger("keys"),
			config.Millis(cfg.Timing.KeyThrottleMS),
			config.Millis(cfg.Timing.KeySettleMS),
		),
		Installer: installer.New(logMgr.Logger("installer"), installer.OptionsFromConfig(cfg.Timing)),
		History:   queuedHistory{repo: rt.TransferRepo, writer: writerQueue},
		Devices:   rt.DeviceRepo,
		AcquireLock: func(linkName string) (boardlock.Lock, error) {
			return boardlock.Acquire(Name, linkName)
		},
	})

	return rt, nil
}

func (r *Runtime) CurrentConfig() config.AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.Config
}

func (r *Runtime) captureConnStatus(ctx context.Context, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			status, ok := raw.(connectors.ConnectionStatus)
			if !ok {
				continue
			}
			r.setConnStatus(status)
		}
	}
}

func (r *Runtime) setConnStatus(status connectors.ConnectionStatus) {
	r.connStatusMu.Lock()
	r.connStatus = status
	r.connStatusKnown = true
	r.connStatusMu.Unlock()
}

func (r *Runtime) CurrentConnStatus() (connectors.ConnectionStatus, bool) {
	r.connStatusMu.RLock()
	status := r.connStatus
	known := r.connStatusKnown
	r.connStatusMu.RUnlock()
	return status, known
}

// SaveAndApplyConfig persists cfg and applies what can change at runtime.
// Connection settings take effect on the next Connect.
func (r *Runtime) SaveAndApplyConfig(cfg config.AppConfig) error {
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if err := config.Save(r.Paths.ConfigFile, cfg); err != nil {
		r.mu.Unlock()
		return err
	}
	r.Config = cfg
	r.mu.Unlock()

	if r.LogManager != nil {
		if err := r.LogManager.Configure(cfg.Logging, r.Paths.LogFile); err != nil {
			return err
		}
	}

	return nil
}

// Clear empties the tables in scope after flushing queued writes.
func (r *Runtime) Clear(scope persistence.ClearScope) error {
	if r.DB == nil {
		return fmt.Errorf("database is not initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if r.WriterQueue != nil {
		if err := r.WriterQueue.Flush(ctx); err != nil {
			return fmt.Errorf("flush pending writes: %w", err)
		}
	}
	if err := persistence.Clear(ctx, r.DB, scope); err != nil {
		return err
	}
	slog.Info("database cleared", "scope", scope)

	return nil
}

func (r *Runtime) Close() error {
	if r.Manager != nil {
		_ = r.Manager.Close()
	}
	if r.Service != nil {
		if err := r.Service.Close(); err != nil {
			slog.Warn("release board locks", "error", err)
		}
	}
	if r.removeRelayFeed != nil {
		r.removeRelayFeed()
	}
	if r.WriterQueue != nil && r.Ctx != nil && r.Ctx.Err() == nil {
		ctx, cancel := context.WithTimeout(r.Ctx, shutdownFlushTimeout)
		if err := r.WriterQueue.Flush(ctx); err != nil {
			slog.Warn("flush pending writes on shutdown", "error", err)
		}
		cancel()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}
	return nil
}

// queuedHistory writes transfers through the writer queue so a finished
// job never waits for the database. Reads flush pending writes first.
type queuedHistory struct {
	repo   *persistence.TransferRepo
	writer *persistence.WriterQueue
}

func (h queuedHistory) Insert(_ context.Context, t persistence.Transfer) error {
	h.writer.Enqueue("record transfer", func(ctx context.Context) error {
		return h.repo.Insert(ctx, t)
	})

	return nil
}

func (h queuedHistory) ListRecent(ctx context.Context, limit int) ([]persistence.Transfer, error) {
	if err := h.writer.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flush pending writes: %w", err)
	}

	return h.repo.ListRecent(ctx, limit)
}
