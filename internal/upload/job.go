package upload

import (
	"errors"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/protocol"
	"github.com/google/uuid"
)

var ErrEmptySource = errors.New("program source is empty")

// pinResetPreamble drives every exposed output pin low before the program runs.
var pinResetPreamble = []string{
	"from machine import Pin",
	"for i in [21,22,26,27,4,2,12,13,14,15,5,32,33,16,17,18]:",
	"    Pin(i, Pin.OUT).value(0)",
}

// Job is one program transfer. It lives for a single upload and is never
// persisted.
type Job struct {
	ID        string
	Lines     []string
	Cursor    int
	BytesSent int
	CreatedAt time.Time
}

func NewJob(source string, withPreamble bool) (*Job, error) {
	lines := protocol.SplitLines(source)
	if len(lines) == 0 {
		return nil, ErrEmptySource
	}
	if withPreamble {
		lines = append(append([]string(nil), pinResetPreamble...), lines...)
	}

	return &Job{
		ID:        uuid.NewString(),
		Lines:     lines,
		CreatedAt: time.Now(),
	}, nil
}

func (j *Job) Total() int {
	return len(j.Lines)
}

// Percent is the share of lines sent, 0..100.
func (j *Job) Percent() float64 {
	if len(j.Lines) == 0 {
		return 0
	}

	return float64(j.Cursor) * 100 / float64(len(j.Lines))
}
