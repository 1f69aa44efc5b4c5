package protocol

import (
	"reflect"
	"strings"
	"testing"
)

func TestLineAssemblerReassemblesSplitLine(t *testing.T) {
	a := NewLineAssembler(0)
	line := `{"type":"sensors","timestamp":42,"analog":{"32":812,"33":10}}`

	if got := a.Feed([]byte(line[:7])); len(got) != 0 {
		t.Fatalf("unexpected early line: %q", got)
	}
	if got := a.Feed([]byte(line[7:30])); len(got) != 0 {
		t.Fatalf("unexpected early line: %q", got)
	}
	got := a.Feed([]byte(line[30:] + "\n"))
	if len(got) != 1 || got[0] != line {
		t.Fatalf("reassembled line mismatch: got %q", got)
	}
	if a.Pending() != 0 {
		t.Fatalf("expected empty buffer, got %d pending bytes", a.Pending())
	}
}

func TestLineAssemblerMultipleLinesInOneChunk(t *testing.T) {
	a := NewLineAssembler(0)

	got := a.Feed([]byte("one\r\ntwo\n\nthr"))
	if !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Fatalf("unexpected lines: %q", got)
	}
	if a.Pending() != 3 {
		t.Fatalf("expected partial line to be held, pending=%d", a.Pending())
	}
	if got := a.Feed([]byte("ee\n")); !reflect.DeepEqual(got, []string{"three"}) {
		t.Fatalf("unexpected lines: %q", got)
	}
}

func TestLineAssemblerDiscardsOversizedPartial(t *testing.T) {
	a := NewLineAssembler(8)

	if got := a.Feed([]byte(strings.Repeat("x", 9))); len(got) != 0 {
		t.Fatalf("unexpected lines: %q", got)
	}
	if a.Discarded() != 1 || a.Pending() != 0 {
		t.Fatalf("expected oversized partial to be dropped, discarded=%d pending=%d", a.Discarded(), a.Pending())
	}

	if got := a.Feed([]byte("yy")); len(got) != 0 {
		t.Fatalf("rest of the oversized line must be dropped, got %q", got)
	}
	if got := a.Feed([]byte("tail\nok\n")); !reflect.DeepEqual(got, []string{"ok"}) {
		t.Fatalf("assembler must resume after the oversized line ends, got %q", got)
	}
	if a.Discarded() != 1 {
		t.Fatalf("expected a single discard, got %d", a.Discarded())
	}
}

func TestLineAssemblerResetStopsSkipping(t *testing.T) {
	a := NewLineAssembler(4)
	a.Feed([]byte("toolong"))
	a.Reset()
	if got := a.Feed([]byte("ok\n")); !reflect.DeepEqual(got, []string{"ok"}) {
		t.Fatalf("expected reset to end skipping, got %q", got)
	}
}

func TestLineAssemblerReset(t *testing.T) {
	a := NewLineAssembler(0)
	a.Feed([]byte("partial"))
	a.Reset()
	if got := a.Feed([]byte("line\n")); !reflect.DeepEqual(got, []string{"line"}) {
		t.Fatalf("expected reset to drop partial, got %q", got)
	}
}
