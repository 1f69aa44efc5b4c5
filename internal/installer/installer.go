// Package installer writes files onto the board through the MicroPython REPL
// over a serial link.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/config"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/metrics"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/protocol"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/transport"
)

const (
	// resetSentinelName is read by boot.py on the next start; a "1" inside
	// makes the board reload user code and reset.
	resetSentinelName    = "reset.txt"
	resetSentinelContent = "1"
)

var ErrInterpreterNotDetected = errors.New("micropython interpreter not detected")

// Progress is one installer status update. Percent stays below 100 until the
// final writer close succeeded.
type Progress struct {
	Percent float64
	Status  string
}

// Link is the part of a serial link the installer needs.
type Link interface {
	transport.WriterOpener
	OnData(fn func([]byte)) (remove func())
}

// File is one file to place on the device filesystem.
type File struct {
	Name    string
	Content string
}

type Options struct {
	// Settle separates the interrupt and raw-mode control bytes.
	Settle time.Duration
	// ModeSettle follows the switch back to the normal prompt.
	ModeSettle time.Duration
	// LineDelay separates consecutive statements.
	LineDelay    time.Duration
	ProbeTimeout time.Duration
	// Probe checks for a responding interpreter before a firmware install.
	Probe bool
}

func OptionsFromConfig(t config.TimingConfig) Options {
	return Options{
		Settle:       config.Millis(t.ReplSettleMS),
		ModeSettle:   config.Millis(t.ReplModeSettleMS),
		LineDelay:    config.Millis(t.ReplLineDelayMS),
		ProbeTimeout: config.Millis(t.ProbeTimeoutMS),
		Probe:        true,
	}
}

type Installer struct {
	logger *slog.Logger
	opts   Options
}

func New(logger *slog.Logger, opts Options) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}

	return &Installer{logger: logger, opts: opts}
}

// InstallProgram stores a user program as main.py and keyboardhandler.py and
// arms the reset sentinel.
func (i *Installer) InstallProgram(ctx context.Context, link Link, source string, onProgress func(Progress)) error {
	files, err := ProgramFiles(source)
	if err != nil {
		return err
	}

	return i.install(ctx, link, "program", files, newProgressTracker(0, onProgress))
}

// InstallFirmware writes the bundled firmware files. With probing enabled it
// first checks that an interpreter answers and returns
// ErrInterpreterNotDetected if none does.
func (i *Installer) InstallFirmware(ctx context.Context, link Link, onProgress func(Progress)) error {
	files, err := FirmwareFiles()
	if err != nil {
		return err
	}

	progress := newProgressTracker(0, onProgress)
	progress.report(0, "Initializing firmware installer...")
	if i.opts.Probe {
		progress.report(7, "Checking for existing MicroPython...")
		if err := i.Probe(ctx, link); err != nil {
			if errors.Is(err, ErrInterpreterNotDetected) {
				progress.report(9, "MicroPython not detected or not responding")
			}
			return err
		}
		progress.report(10, "MicroPython detected on device")
	}
	progress.base = progress.last

	return i.install(ctx, link, "firmware", files, progress)
}

// Install runs the full REPL sequence for files. The writer is always
// closed; 100% is reported only after that close succeeded.
func (i *Installer) Install(ctx context.Context, link Link, files []File, onProgress func(Progress)) error {
	return i.install(ctx, link, "files", files, newProgressTracker(0, onProgress))
}

func (i *Installer) install(ctx context.Context, link Link, kind string, files []File, progress *progressTracker) (err error) {
	logger := i.logger.With("kind", kind, "files", len(files))
	started := time.Now()
	var sent int
	defer func() {
		metrics.RecordUpload(kind, sent, time.Since(started).Seconds(), err)
		if err != nil {
			logger.Error("install failed", "error", err)
			return
		}
		logger.Info("install completed", "bytes", sent, "duration", time.Since(started))
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	plan := planStatements(files)
	progress.total = plan.lines

	w, err := link.OpenWriter()
	if err != nil {
		return fmt.Errorf("open writer: %w", err)
	}
	s := &session{ctx: ctx, w: w, delay: i.opts.LineDelay}
	defer func() {
		sent = s.sent
		if err != nil {
			_ = w.Close()
		}
	}()

	logger.Info("install started", "lines", plan.lines)
	progress.report(progress.base, "Entering REPL...")
	if err := s.control(protocol.Interrupt, i.opts.Settle); err != nil {
		return err
	}
	if err := s.control(protocol.RawMode, i.opts.Settle); err != nil {
		return err
	}
	if err := s.control(protocol.NormalMode, i.opts.ModeSettle); err != nil {
		return err
	}

	for _, f := range plan.files {
		progress.status(fmt.Sprintf("Installing %s...", f.name))
		if err := s.statement(protocol.OpenFileStatement(f.name)); err != nil {
			return fmt.Errorf("open %s: %w", f.name, err)
		}
		for n, line := range f.lines {
			if err := s.statement(protocol.WriteStatement(line)); err != nil {
				return fmt.Errorf("write %s line %d: %w", f.name, n+1, err)
			}
			progress.line(fmt.Sprintf("Installing %s...", f.name))
		}
		if err := s.statement(protocol.CloseFileStatement()); err != nil {
			return fmt.Errorf("close %s: %w", f.name, err)
		}
		logger.Debug("file written", "name", f.name, "lines", len(f.lines))
	}

	progress.status("Restarting device...")
	if err := s.control(protocol.EndOfTransmission, 0); err != nil {
		return err
	}
	if err := s.control(protocol.EndOfTransmission, 0); err != nil {
		return err
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	progress.complete("Installation complete!")

	return nil
}

type plannedFile struct {
	name  string
	lines []string
}

type statementPlan struct {
	files []plannedFile
	lines int
}

// planStatements appends the reset sentinel after the requested files.
func planStatements(files []File) statementPlan {
	var plan statementPlan
	for _, f := range files {
		lines := protocol.SplitLines(f.Content)
		plan.files = append(plan.files, plannedFile{name: f.Name, lines: lines})
		plan.lines += len(lines)
	}
	plan.files = append(plan.files, plannedFile{name: resetSentinelName, lines: []string{resetSentinelContent}})
	plan.lines++

	return plan
}

type session struct {
	ctx   context.Context
	w     transport.Writer
	delay time.Duration
	sent  int
}

func (s *session) control(b byte, settle time.Duration) error {
	if err := s.write([]byte{b}); err != nil {
		return fmt.Errorf("send control byte 0x%02x: %w", b, err)
	}

	return s.pause(settle)
}

func (s *session) statement(stmt string) error {
	if err := s.write([]byte(stmt)); err != nil {
		return err
	}

	return s.pause(s.delay)
}

func (s *session) write(p []byte) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if err := s.w.Write(context.WithoutCancel(s.ctx), p); err != nil {
		return err
	}
	s.sent += len(p)

	return nil
}

func (s *session) pause(d time.Duration) error {
	if d <= 0 {
		return s.ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-timer.C:
		return nil
	}
}
