package protocol

import (
	"bytes"
	"sync"
)

const DefaultMaxLineLength = 4096

// LineAssembler rebuilds newline-delimited lines from notification chunks that
// may split a line anywhere. It is safe for concurrent use.
type LineAssembler struct {
	mu        sync.Mutex
	buf       []byte
	maxLen    int
	discarded int
	// skipping drops input up to the next newline after an overflow.
	skipping bool
}

func NewLineAssembler(maxLen int) *LineAssembler {
	if maxLen <= 0 {
		maxLen = DefaultMaxLineLength
	}

	return &LineAssembler{maxLen: maxLen}
}

// Feed appends chunk and returns every line completed by it, without the
// terminator. Empty lines are skipped.
func (a *LineAssembler) Feed(chunk []byte) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.skipping {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			return nil
		}
		chunk = chunk[idx+1:]
		a.skipping = false
	}
	a.buf = append(a.buf, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(a.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(a.buf[:idx], []byte{'\r'})
		if len(line) > 0 && len(line) <= a.maxLen {
			lines = append(lines, string(line))
		} else if len(line) > a.maxLen {
			a.discarded++
		}
		a.buf = a.buf[idx+1:]
	}

	if len(a.buf) > a.maxLen {
		a.buf = nil
		a.discarded++
		a.skipping = true
	}
	if len(a.buf) == 0 {
		a.buf = nil
	}

	return lines
}

// Pending returns the size of the partial line held for the next chunk.
func (a *LineAssembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.buf)
}

// Discarded counts lines dropped for exceeding the maximum length.
func (a *LineAssembler) Discarded() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.discarded
}

func (a *LineAssembler) Reset() {
	a.mu.Lock()
	a.buf = nil
	a.skipping = false
	a.mu.Unlock()
}
