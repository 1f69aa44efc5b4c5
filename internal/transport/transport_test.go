package transport

import (
	"sync"
	"testing"
)

func TestListenerSetDispatchAndRemove(t *testing.T) {
	var (
		set  listenerSet
		mu   sync.Mutex
		seen []string
	)
	removeA := set.add(func(p []byte) {
		mu.Lock()
		seen = append(seen, "a:"+string(p))
		mu.Unlock()
	})
	set.add(func(p []byte) {
		mu.Lock()
		seen = append(seen, "b:"+string(p))
		mu.Unlock()
	})

	set.dispatch([]byte("1"))
	removeA()
	removeA()
	set.dispatch([]byte("2"))
	set.dispatch(nil)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected 3 deliveries, got %d: %v", len(seen), seen)
	}
	for _, s := range seen {
		if s == "a:2" {
			t.Fatalf("removed listener still received data: %v", seen)
		}
	}
}

func TestListenerSetCopiesPayload(t *testing.T) {
	var (
		set listenerSet
		got []byte
	)
	set.add(func(p []byte) { got = p })

	buf := []byte("abc")
	set.dispatch(buf)
	buf[0] = 'x'

	if string(got) != "abc" {
		t.Fatalf("listener payload aliases transport buffer: %q", got)
	}
}

func TestConnStateRecordsFirstError(t *testing.T) {
	state := newConnState()
	state.setAsyncError(testErr("first"))
	state.setAsyncError(testErr("second"))
	state.markClosed()
	state.markClosed()

	if !state.isClosed() {
		t.Fatalf("expected state to be closed")
	}
	if got := state.closeErr(); got == nil || got.Error() != "first" {
		t.Fatalf("unexpected async error: %v", got)
	}
}
