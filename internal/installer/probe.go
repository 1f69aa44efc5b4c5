package installer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/protocol"
)

const (
	probeMarker = "micropython_check"
	probeStep   = 100 * time.Millisecond
)

// probeIndicators are substrings any responding interpreter prints.
var probeIndicators = []string{probeMarker, ">>>", "MicroPython"}

// Probe interrupts whatever runs on the board and asks the prompt to print a
// marker. It returns ErrInterpreterNotDetected when nothing recognizable
// arrives within the probe timeout.
func (i *Installer) Probe(ctx context.Context, link Link) error {
	var (
		mu       sync.Mutex
		response strings.Builder
	)
	seen := make(chan struct{}, 1)
	remove := link.OnData(func(p []byte) {
		mu.Lock()
		response.Write(p)
		hit := containsIndicator(response.String())
		mu.Unlock()
		if hit {
			select {
			case seen <- struct{}{}:
			default:
			}
		}
	})
	defer remove()

	w, err := link.OpenWriter()
	if err != nil {
		return fmt.Errorf("open writer: %w", err)
	}
	s := &session{ctx: ctx, w: w, delay: probeStep}
	steps := [][]byte{
		{protocol.Interrupt},
		{protocol.Interrupt},
		{protocol.NormalMode},
		[]byte("\r\n"),
	}
	for _, step := range steps {
		if err := s.write(step); err != nil {
			_ = w.Close()
			return fmt.Errorf("probe: %w", err)
		}
		if err := s.pause(probeStep); err != nil {
			_ = w.Close()
			return err
		}
	}
	if err := s.write([]byte(protocol.ProbeStatement(probeMarker))); err != nil {
		_ = w.Close()
		return fmt.Errorf("probe: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}

	timer := time.NewTimer(i.opts.ProbeTimeout)
	defer timer.Stop()

	select {
	case <-seen:
		i.logger.Debug("interpreter detected")
		return nil
	case <-timer.C:
		mu.Lock()
		got := response.String()
		mu.Unlock()
		i.logger.Warn("interpreter probe timed out", "response_len", len(got))
		return ErrInterpreterNotDetected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func containsIndicator(s string) bool {
	for _, ind := range probeIndicators {
		if strings.Contains(s, ind) {
			return true
		}
	}

	return false
}
