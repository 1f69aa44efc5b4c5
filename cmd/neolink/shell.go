package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/app"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/bus"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/config"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/connectors"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/installer"
	"github.com/abiosoft/ishell"
)

const (
	sessionKey         = "$session"
	shellHistoryFile   = ".neolink_history"
	telemetryWait      = 2 * time.Second
	telemetryQuietTime = 200 * time.Millisecond
)

// shellSession is what shell commands act on.
type shellSession struct {
	ctx context.Context
	rt  *app.Runtime
}

var shellCommands = []*ishell.Cmd{
	&connectCmd,
	&disconnectCmd,
	&statusCmd,
	&uploadCmd,
	&keyCmd,
	&installCmd,
	&telemetryCmd,
	&historyCmd,
}

var (
	connectCmd = ishell.Cmd{
		Name: "connect",
		Help: "[usb|ble] connect to the board",
		Func: func(c *ishell.Context) {
			s := sessionFrom(c)
			var connector config.ConnectorType
			if len(c.Args) > 0 {
				parsed, ok := app.ParseConnector(c.Args[0])
				if !ok {
					c.Err(fmt.Errorf("unsupported connector %q (want usb or ble)", c.Args[0]))
					return
				}
				connector = parsed
			}
			if err := s.rt.Service.Connect(s.ctx, connector); err != nil {
				c.Err(err)
				return
			}
			c.Println(formatStatus(s.rt.Service.Status()))
		},
	}

	disconnectCmd = ishell.Cmd{
		Name: "disconnect",
		Help: "close the connection",
		Func: func(c *ishell.Context) {
			if err := sessionFrom(c).rt.Service.Disconnect(); err != nil {
				c.Err(err)
			}
		},
	}

	statusCmd = ishell.Cmd{
		Name: "status",
		Help: "show the connection status",
		Func: func(c *ishell.Context) {
			c.Println(formatStatus(sessionFrom(c).rt.Service.Status()))
		},
	}

	uploadCmd = ishell.Cmd{
		Name: "upload",
		Help: "FILE upload a program",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("usage: upload FILE"))
				return
			}
			source, err := readSource(c.Args[0], nil)
			if err != nil {
				c.Err(err)
				return
			}
			s := sessionFrom(c)
			if err := s.rt.Service.Upload(s.ctx, source); err != nil {
				c.Err(err)
				return
			}
			c.Println("upload complete")
		},
	}

	keyCmd = ishell.Cmd{
		Name: "key",
		Help: "NAME send a key press to the running program",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("usage: key NAME"))
				return
			}
			s := sessionFrom(c)
			if err := s.rt.Service.SendKey(s.ctx, c.Args[0]); err != nil {
				c.Err(err)
			}
		},
	}

	installCmd = ishell.Cmd{
		Name:     "install",
		Help:     "[program FILE] install firmware, or a boot program, over USB",
		LongHelp: "install            write the bundled firmware\ninstall program F  write F as the boot program",
		Func: func(c *ishell.Context) {
			var source string
			switch {
			case len(c.Args) == 0:
			case len(c.Args) == 2 && c.Args[0] == "program":
				var err error
				if source, err = readSource(c.Args[1], nil); err != nil {
					c.Err(err)
					return
				}
			default:
				c.Err(errors.New("usage: install [program FILE]"))
				return
			}

			s := sessionFrom(c)
			bar := c.ProgressBar()
			bar.Start()
			onProgress := func(p installer.Progress) {
				bar.Suffix(" " + p.Status)
				bar.Progress(int(p.Percent))
			}
			var err error
			if source != "" {
				err = s.rt.Service.InstallProgram(s.ctx, source, onProgress)
			} else {
				err = s.rt.Service.InstallFirmware(s.ctx, onProgress)
			}
			bar.Stop()
			if err != nil {
				c.Err(err)
				return
			}
			c.Println("install complete")
		},
	}

	telemetryCmd = ishell.Cmd{
		Name: "telemetry",
		Help: "request and print a sensor snapshot",
		Func: func(c *ishell.Context) {
			s := sessionFrom(c)
			readings, err := requestReadings(s.ctx, s.rt.Bus, s.rt.Service, telemetryWait)
			if err != nil {
				c.Err(err)
				return
			}
			if len(readings) == 0 {
				c.Println("no sensor data received")
				return
			}
			for _, r := range readings {
				c.Println(formatReading(r))
			}
		},
	}

	historyCmd = ishell.Cmd{
		Name: "history",
		Help: "show recent transfers",
		Func: func(c *ishell.Context) {
			s := sessionFrom(c)
			transfers, err := s.rt.Service.History(s.ctx, 0)
			if err != nil {
				c.Err(err)
				return
			}
			for _, t := range transfers {
				c.Println(formatTransfer(t))
			}
		},
	}
)

func sessionFrom(c *ishell.Context) *shellSession {
	return c.Get(sessionKey).(*shellSession)
}

func runShell(ctx context.Context, env *cliEnv, args []string) error {
	rt, err := env.runtime(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	sh := ishell.New()
	sh.SetOut(env.out)
	sh.Set(sessionKey, &shellSession{ctx: ctx, rt: rt})
	for _, cmd := range shellCommands {
		sh.AddCmd(cmd)
	}

	// One-shot mode: run a single command and exit.
	if len(args) > 0 {
		return sh.Process(args...)
	}

	sh.SetHomeHistoryPath(shellHistoryFile)
	sh.SetPrompt(promptFor(rt.Service.Status()))
	sh.Interrupt(func(c *ishell.Context, count int, _ string) {
		if count >= 2 {
			c.Stop()
			return
		}
		c.Println("press Ctrl-C again to exit")
	})

	shellCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go bus.Listen(shellCtx, rt.Bus, connectors.TopicConnStatus, func(raw any) {
		if status, ok := raw.(connectors.ConnectionStatus); ok {
			sh.SetPrompt(promptFor(status))
		}
	})
	go func() {
		<-shellCtx.Done()
		sh.Close()
	}()

	sh.Println(app.Name, app.BuildVersionWithDate(), "- type help for commands")
	sh.Run()

	return nil
}

func promptFor(status connectors.ConnectionStatus) string {
	transport := status.TransportName
	if transport == "" {
		transport = "none"
	}
	if status.State != connectors.ConnectionStateConnected {
		return fmt.Sprintf("[%s %s] > ", transport, status.State)
	}
	if target := strings.TrimSpace(status.Target); target != "" {
		return fmt.Sprintf("[%s %s] > ", transport, target)
	}

	return fmt.Sprintf("[%s] > ", transport)
}

// requestReadings asks for a snapshot and gathers the readings that arrive
// until the stream goes quiet or wait elapses.
func requestReadings(ctx context.Context, b bus.MessageBus, svc telemetryRequester, wait time.Duration) ([]connectors.SensorReading, error) {
	sub := b.Subscribe(connectors.TopicSensorData)
	defer func() {
		go func() {
			for range sub {
			}
		}()
		b.Unsubscribe(sub, connectors.TopicSensorData)
	}()

	if err := svc.RequestTelemetry(ctx); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	var quiet <-chan time.Time
	var readings []connectors.SensorReading
	for {
		select {
		case <-ctx.Done():
			return readings, ctx.Err()
		case <-deadline.C:
			return readings, nil
		case <-quiet:
			return readings, nil
		case raw, ok := <-sub:
			if !ok {
				return readings, nil
			}
			if r, ok := raw.(connectors.SensorReading); ok {
				readings = append(readings, r)
				quiet = time.After(telemetryQuietTime)
			}
		}
	}
}
