package upload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/bus"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/config"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/connectors"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/metrics"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/protocol"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/transport"
)

// Phase is the orchestrator's position in the upload sequence.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseSendingStart   Phase = "sending-start"
	PhaseStreamingLines Phase = "streaming-lines"
	PhaseSendingEnd     Phase = "sending-end"
)

// Options holds pacing for the frame sequence. The firmware's receive buffer
// is small and there is no flow control, so these delays are the only
// protection against overruns.
type Options struct {
	StartSettle time.Duration
	EndSettle   time.Duration
	BatchSize   int
	BatchDelay  time.Duration
	Preamble    bool
}

func OptionsFromConfig(t config.TimingConfig) Options {
	return Options{
		StartSettle: config.Millis(t.StartSettleMS),
		EndSettle:   config.Millis(t.EndSettleMS),
		BatchSize:   t.LineBatchSize,
		BatchDelay:  config.Millis(t.BatchDelayMS),
		Preamble:    t.PinResetPreamble,
	}
}

// PhaseError reports where an upload stopped.
type PhaseError struct {
	Phase Phase
	// Line is the 1-based line being sent when streaming failed, else 0.
	Line int
	Err  error
}

func (e *PhaseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("upload %s: line %d: %v", e.Phase, e.Line, e.Err)
	}

	return fmt.Sprintf("upload %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Orchestrator streams a program to the board as start, upload and end
// frames. One orchestrator runs at most one job at a time.
type Orchestrator struct {
	logger *slog.Logger
	bus    bus.MessageBus
	opts   Options

	running sync.Mutex
	mu      sync.RWMutex
	phase   Phase
	onPhase func(Phase, *Job)
}

func New(logger *slog.Logger, b bus.MessageBus, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}

	return &Orchestrator{
		logger: logger,
		bus:    b,
		opts:   opts,
		phase:  PhaseIdle,
	}
}

// OnPhase registers an observer called on every phase change.
func (o *Orchestrator) OnPhase(fn func(Phase, *Job)) {
	o.mu.Lock()
	o.onPhase = fn
	o.mu.Unlock()
}

func (o *Orchestrator) Phase() Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.phase
}

// Upload splits source into lines and runs the full frame sequence on link.
func (o *Orchestrator) Upload(ctx context.Context, link transport.Link, source string) (*Job, error) {
	job, err := NewJob(source, o.opts.Preamble)
	if err != nil {
		return nil, err
	}

	return job, o.Run(ctx, link, job)
}

// Run sends job over link. The first failed write aborts the job; nothing is
// retried. ctx is checked between lines, never during a write.
func (o *Orchestrator) Run(ctx context.Context, link transport.Link, job *Job) (err error) {
	if !o.running.TryLock() {
		return transport.ErrBusy
	}
	defer o.running.Unlock()

	logger := o.logger.With("job_id", job.ID, "lines", job.Total(), "transport", link.Name())
	started := time.Now()
	defer func() {
		o.setPhase(PhaseIdle, job)
		metrics.RecordUpload("program", job.BytesSent, time.Since(started).Seconds(), err)
		if err != nil {
			logger.Error("upload failed", "sent_lines", job.Cursor, "error", err)
			return
		}
		logger.Info("upload completed", "bytes", job.BytesSent, "duration", time.Since(started))
	}()

	if err := ctx.Err(); err != nil {
		return &PhaseError{Phase: PhaseIdle, Err: err}
	}

	logger.Info("upload started")
	o.setPhase(PhaseSendingStart, job)
	if err := o.send(ctx, link, job, protocol.StartFrame()); err != nil {
		return &PhaseError{Phase: PhaseSendingStart, Err: err}
	}
	if !sleepWithContext(ctx, o.opts.StartSettle) {
		return &PhaseError{Phase: PhaseSendingStart, Err: ctx.Err()}
	}

	o.setPhase(PhaseStreamingLines, job)
	for job.Cursor < job.Total() {
		lineNo := job.Cursor + 1
		if err := ctx.Err(); err != nil {
			return &PhaseError{Phase: PhaseStreamingLines, Line: lineNo, Err: err}
		}
		if err := o.send(ctx, link, job, protocol.UploadFrame(job.Lines[job.Cursor])); err != nil {
			return &PhaseError{Phase: PhaseStreamingLines, Line: lineNo, Err: err}
		}
		job.Cursor++
		o.publishProgress(job, PhaseStreamingLines)

		if job.Cursor%o.opts.BatchSize == 0 && job.Cursor < job.Total() {
			if !sleepWithContext(ctx, o.opts.BatchDelay) {
				return &PhaseError{Phase: PhaseStreamingLines, Line: job.Cursor + 1, Err: ctx.Err()}
			}
		}
	}

	o.setPhase(PhaseSendingEnd, job)
	if err := o.send(ctx, link, job, protocol.EndFrame()); err != nil {
		return &PhaseError{Phase: PhaseSendingEnd, Err: err}
	}
	// The end frame is out; only the settle remains, so cancellation no longer matters.
	sleepWithContext(context.WithoutCancel(ctx), o.opts.EndSettle)

	return nil
}

func (o *Orchestrator) send(ctx context.Context, link transport.Link, job *Job, f protocol.Frame) error {
	raw, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	// A dispatched write always completes; cancellation only acts between frames.
	if err := link.Write(context.WithoutCancel(ctx), raw); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Mode, err)
	}
	job.BytesSent += len(raw)
	o.logger.Debug("frame sent", "mode", f.Mode, "len", len(raw))
	if o.bus != nil {
		o.bus.Publish(connectors.TopicRawFrameOut, connectors.RawFrame{Text: string(raw), Len: len(raw)})
	}

	return nil
}

func (o *Orchestrator) setPhase(p Phase, job *Job) {
	o.mu.Lock()
	o.phase = p
	fn := o.onPhase
	o.mu.Unlock()

	if fn != nil {
		fn(p, job)
	}
	if p != PhaseIdle {
		o.publishProgress(job, p)
	}
}

func (o *Orchestrator) publishProgress(job *Job, p Phase) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(connectors.TopicUploadProgress, connectors.UploadProgress{
		JobID:   job.ID,
		Phase:   string(p),
		Percent: job.Percent(),
		Status:  string(p),
	})
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
