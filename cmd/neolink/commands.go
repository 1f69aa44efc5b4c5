package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/app"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/bus"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/config"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/connectors"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/installer"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/persistence"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	defaultScanDuration   = 5 * time.Second
	metricsShutdownWait   = 3 * time.Second
	metricsReadHeaderWait = 5 * time.Second
)

func runUpload(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, uploadUsage)
	fs.BoolVar(&env.opts.resetPins, "reset-pins", false, "drive the output pins low before the program runs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errUsage
	}
	source, err := readSource(fs.Arg(0), env.in)
	if err != nil {
		return err
	}

	rt, err := env.runtime(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	progress := newProgressPrinter(env.out)
	watchProgress(ctx, rt.Bus, progress.update)

	if err := rt.Service.Connect(ctx, ""); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = rt.Service.Disconnect() }()

	err = rt.Service.Upload(ctx, source)
	progress.finish()
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	fmt.Fprintln(env.out, "upload complete")

	return nil
}

func runInstall(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, installUsage)
	programFile := fs.String("program", "", "install this program as the boot program instead of the firmware")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var source string
	if *programFile != "" {
		var err error
		if source, err = readSource(*programFile, env.in); err != nil {
			return err
		}
	}

	rt, err := env.runtime(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if err := rt.Service.Connect(ctx, config.ConnectorSerial); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = rt.Service.Disconnect() }()

	progress := newProgressPrinter(env.out)
	onProgress := func(p installer.Progress) {
		progress.update(connectors.UploadProgress{Percent: p.Percent, Status: p.Status})
	}
	if source != "" {
		err = rt.Service.InstallProgram(ctx, source, onProgress)
	} else {
		err = rt.Service.InstallFirmware(ctx, onProgress)
	}
	progress.finish()
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	fmt.Fprintln(env.out, "install complete")

	return nil
}

func runMonitor(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, monitorUsage)
	listenFor := fs.Duration("for", 0, "stop after this long, e.g. 30s")
	poll := fs.Duration("poll", 0, "request a sensor snapshot this often, e.g. 1s")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9102")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *listenFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *listenFor)
		defer cancel()
	}

	rt, err := env.runtime(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()
	logger := rt.LogManager.Logger("cli")

	watchEvents(ctx, rt.Bus, env.out)

	g, gctx := errgroup.WithContext(ctx)
	if *metricsAddr != "" {
		srv := newMetricsServer(*metricsAddr)
		logger.Info("serving metrics", "addr", *metricsAddr)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownWait)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := rt.Service.Connect(ctx, ""); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("connect: %w", err)
		}
	}
	defer func() { _ = rt.Service.Disconnect() }()

	if *poll > 0 {
		g.Go(func() error {
			pollTelemetry(gctx, logger, rt.Service, *poll)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("monitoring until interrupt", "for", *listenFor)
	return g.Wait()
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderWait,
	}
}

type telemetryRequester interface {
	RequestTelemetry(ctx context.Context) error
}

func pollTelemetry(ctx context.Context, logger *slog.Logger, svc telemetryRequester, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.RequestTelemetry(ctx); err != nil && ctx.Err() == nil {
				logger.Debug("request telemetry", "error", err)
			}
		}
	}
}

func runPorts(_ context.Context, env *cliEnv, _ []string) error {
	ports, err := transport.ListSerialPorts()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Fprintln(env.out, "no serial ports found")
		return nil
	}

	tw := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tUSB\tVID:PID\tSERIAL\tPRODUCT")
	for _, p := range ports {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Name, yesNo(p.IsUSB), vidPID(p), orDash(p.Serial), orDash(p.Product))
	}

	return tw.Flush()
}

func runScan(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, scanUsage)
	scanFor := fs.Duration("for", defaultScanDuration, "scan duration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := env.loadConfig()
	if err != nil {
		return err
	}

	fmt.Fprintf(env.errOut, "scanning for %s devices named %q...\n", *scanFor, cfg.Connection.BluetoothName)
	devices, err := transport.NewBluetoothScanner(*scanFor).Scan(ctx, cfg.Connection.BluetoothAdapter, cfg.Connection.BluetoothName)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(env.out, "no devices found")
		return nil
	}

	tw := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tUART")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", orDash(d.Name), d.Address, d.RSSI, yesNo(d.HasUARTService))
	}

	return tw.Flush()
}

func runHistory(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, historyUsage)
	limit := fs.Int("limit", app.DefaultHistoryLimit, "number of transfers to show")
	clearHistory := fs.Bool("clear", false, "forget the transfer history")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := env.runtime(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if *clearHistory {
		if err := rt.Clear(persistence.ClearHistory); err != nil {
			return err
		}
		fmt.Fprintln(env.out, "history cleared")
		return nil
	}

	transfers, err := rt.Service.History(ctx, *limit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(transfers) == 0 {
		fmt.Fprintln(env.out, "no transfers yet")
		return nil
	}
	for _, t := range transfers {
		fmt.Fprintln(env.out, formatTransfer(t))
	}

	return nil
}

func runDevices(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet(env, devicesUsage)
	forget := fs.String("forget", "", "forget the device with this port or address (uses -connector)")
	forgetAll := fs.Bool("forget-all", false, "forget every remembered device")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := env.runtime(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if *forgetAll {
		if err := rt.Clear(persistence.ClearDevices); err != nil {
			return fmt.Errorf("forget devices: %w", err)
		}
		fmt.Fprintln(env.out, "forgot all devices")
		return nil
	}
	if address := strings.TrimSpace(*forget); address != "" {
		connector := rt.CurrentConfig().Connection.Connector
		if err := rt.Service.ForgetDevice(ctx, connector, address); err != nil {
			return fmt.Errorf("forget device: %w", err)
		}
		fmt.Fprintf(env.out, "forgot %s device %s\n", app.TransportNameFromConnector(connector), address)
		return nil
	}

	devices, err := rt.Service.KnownDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(env.out, "no remembered devices")
		return nil
	}

	tw := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRANSPORT\tADDRESS\tNAME\tCONNECTS\tLAST CONNECTED")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.Connector, d.Address, orDash(d.Name), d.ConnectCount, formatTime(d.LastConnectedAt))
	}

	return tw.Flush()
}

func runVersion(_ context.Context, env *cliEnv, _ []string) error {
	fmt.Fprintf(env.out, "%s %s\n", app.Name, app.BuildVersionWithDate())
	return nil
}

// readSource reads a program from path, or from in when path is "-".
func readSource(path string, in io.Reader) (string, error) {
	if path == "-" {
		if in == nil {
			return "", fmt.Errorf("read program: no standard input")
		}
		raw, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read program from stdin: %w", err)
		}
		return string(raw), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read program: %w", err)
	}

	return string(raw), nil
}

// watchProgress subscribes before returning so no early event is missed.
func watchProgress(ctx context.Context, b bus.MessageBus, fn func(connectors.UploadProgress)) {
	sub := b.Subscribe(connectors.TopicUploadProgress)
	go func() {
		for {
			select {
			case <-ctx.Done():
				go func() {
					for range sub {
					}
				}()
				b.Unsubscribe(sub, connectors.TopicUploadProgress)
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				if p, ok := raw.(connectors.UploadProgress); ok {
					fn(p)
				}
			}
		}
	}()
}

func watchEvents(ctx context.Context, b bus.MessageBus, out io.Writer) {
	connSub := b.Subscribe(connectors.TopicConnStatus)
	sensorSub := b.Subscribe(connectors.TopicSensorData)
	ackSub := b.Subscribe(connectors.TopicDeviceAck)
	guidanceSub := b.Subscribe(connectors.TopicGuidance)

	go func() {
		for {
			select {
			case <-ctx.Done():
				b.Unsubscribe(connSub, connectors.TopicConnStatus)
				b.Unsubscribe(sensorSub, connectors.TopicSensorData)
				b.Unsubscribe(ackSub, connectors.TopicDeviceAck)
				b.Unsubscribe(guidanceSub, connectors.TopicGuidance)
				return
			case raw, open := <-connSub:
				if !open {
					return
				}
				if status, ok := raw.(connectors.ConnectionStatus); ok {
					fmt.Fprintln(out, formatStatus(status))
				}
			case raw, open := <-sensorSub:
				if !open {
					return
				}
				if reading, ok := raw.(connectors.SensorReading); ok {
					fmt.Fprintln(out, formatReading(reading))
				}
			case raw, open := <-ackSub:
				if !open {
					return
				}
				if ack, ok := raw.(connectors.DeviceAck); ok {
					fmt.Fprintln(out, formatAck(ack))
				}
			case raw, open := <-guidanceSub:
				if !open {
					return
				}
				if g, ok := raw.(connectors.Guidance); ok {
					fmt.Fprintf(out, "%s: %s\n", g.Title, g.Message)
				}
			}
		}
	}()
}
