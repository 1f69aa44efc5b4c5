package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/app"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/config"
)

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		slog.Error("run neolink", "error", err)
		os.Exit(1)
	}
}

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, env *cliEnv, args []string) error
}

const (
	uploadUsage  = "upload [-reset-pins] <file|->"
	installUsage = "install [-program file]"
	monitorUsage = "monitor [-for d] [-poll d] [-metrics-addr addr]"
	scanUsage    = "scan [-for d]"
	historyUsage = "history [-limit n] [-clear]"
	devicesUsage = "devices [-forget address | -forget-all]"
)

var commands = map[string]command{
	"upload":  {usage: uploadUsage, help: "connect, upload a program and disconnect", run: runUpload},
	"install": {usage: installUsage, help: "install firmware (or a boot program) over USB", run: runInstall},
	"monitor": {usage: monitorUsage, help: "print sensor events and link status", run: runMonitor},
	"ports":   {usage: "ports", help: "list serial ports", run: runPorts},
	"scan":    {usage: scanUsage, help: "list advertising Bluetooth devices", run: runScan},
	"history": {usage: historyUsage, help: "show recent transfers", run: runHistory},
	"devices": {usage: devicesUsage, help: "list or forget remembered devices", run: runDevices},
	"shell":   {usage: "shell [command args...]", help: "interactive shell", run: runShell},
	"version": {usage: "version", help: "print version", run: runVersion},
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, rest, err := parseGlobalFlags(args, stderr)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		printUsage(stderr)
		return errUsage
	}

	cmd, ok := commands[rest[0]]
	if !ok {
		printUsage(stderr)
		return fmt.Errorf("unknown command %q: %w", rest[0], errUsage)
	}

	env := &cliEnv{opts: opts, in: stdin, out: stdout, errOut: stderr}
	return cmd.run(ctx, env, rest[1:])
}

type globalOptions struct {
	connector  string
	port       string
	baud       int
	name       string
	address    string
	configFile string
	logLevel   string
	// resetPins is set by upload's -reset-pins.
	resetPins bool
}

func parseGlobalFlags(args []string, errOut io.Writer) (globalOptions, []string, error) {
	var opts globalOptions
	fs := flag.NewFlagSet(app.Name, flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.Usage = func() { printUsage(errOut) }
	fs.StringVar(&opts.connector, "connector", "", "connector: usb or ble (default from config)")
	fs.StringVar(&opts.port, "port", "", "serial port, e.g. /dev/ttyUSB0 or COM3")
	fs.IntVar(&opts.baud, "baud", 0, "serial baud rate")
	fs.StringVar(&opts.name, "name", "", "Bluetooth advertised name filter")
	fs.StringVar(&opts.address, "address", "", "Bluetooth device address")
	fs.StringVar(&opts.configFile, "config", "", "config file path")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return globalOptions{}, nil, err
	}

	if raw := strings.TrimSpace(opts.connector); raw != "" {
		if _, ok := app.ParseConnector(raw); !ok {
			return globalOptions{}, nil, fmt.Errorf("unsupported connector %q (want usb or ble): %w", raw, errUsage)
		}
	}

	return opts, fs.Args(), nil
}

// apply copies the flags that were set onto cfg.
func (o globalOptions) apply(cfg *config.AppConfig) {
	if connector, ok := app.ParseConnector(o.connector); ok {
		cfg.Connection.Connector = connector
	}
	if port := strings.TrimSpace(o.port); port != "" {
		cfg.Connection.SerialPort = port
	}
	if o.baud > 0 {
		cfg.Connection.SerialBaud = o.baud
	}
	if name := strings.TrimSpace(o.name); name != "" {
		cfg.Connection.BluetoothName = name
	}
	if address := strings.TrimSpace(o.address); address != "" {
		cfg.Connection.BluetoothAddress = strings.ToUpper(address)
	}
	if level := strings.TrimSpace(o.logLevel); level != "" {
		cfg.Logging.Level = level
	}
	if o.resetPins {
		cfg.Timing.PinResetPreamble = true
	}
	cfg.Logging.LogToFile = false
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n\n", app.Name, app.BuildVersionWithDate())
	fmt.Fprintf(w, "usage: %s [-connector usb|ble] [-port p] [-baud n] [-name s] [-address a] [-config file] [-log-level l] <command>\n\n", app.Name)
	fmt.Fprintln(w, "commands:")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(w, "  %-48s %s\n", cmd.usage, cmd.help)
	}
}

// cliEnv carries what every command needs.
type cliEnv struct {
	opts   globalOptions
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func (e *cliEnv) runtime(ctx context.Context) (*app.Runtime, error) {
	rt, err := app.Initialize(ctx, app.Options{
		ConfigFile: e.opts.configFile,
		Override:   e.opts.apply,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	return rt, nil
}

// loadConfig is for commands that never open the database.
func (e *cliEnv) loadConfig() (config.AppConfig, error) {
	paths, err := app.ResolvePaths()
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("resolve paths: %w", err)
	}
	paths = paths.WithConfigFile(e.opts.configFile)

	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	e.opts.apply(&cfg)
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return config.AppConfig{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func newFlagSet(env *cliEnv, usage string) *flag.FlagSet {
	name, _, _ := strings.Cut(usage, " ")
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.errOut)
	fs.Usage = func() {
		fmt.Fprintf(env.errOut, "usage: %s %s\n", app.Name, usage)
		fs.PrintDefaults()
	}

	return fs
}
