package startup

import (
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/meshcore-bridge/internal/meshcore"
)

type fakeWriter struct {
	mu   sync.Mutex
	sent [][]byte
}

func (w *fakeWriter) Write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, append([]byte(nil), p...))
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

type fakeGate struct {
	mu      sync.Mutex
	calls   []bool
	done    chan struct{}
	doneSet bool
}

func (g *fakeGate) SetStartupComplete(v bool) {
	g.mu.Lock()
	g.calls = append(g.calls, v)
	if v && !g.doneSet && g.done != nil {
		close(g.done)
		g.doneSet = true
	}
	g.mu.Unlock()
}

func selfInfoPayload(name string) []byte {
	p := make([]byte, 58+len(name))
	p[0] = meshcore.RespSelfInfo
	copy(p[58:], name)
	return p
}

func TestSequencerCompletesOnSelfInfo(t *testing.T) {
	w := &fakeWriter{}
	g := &fakeGate{done: make(chan struct{})}
	s := New(w, g, "meshcore-bridge")
	s.sleepFn = func(time.Duration) {}

	s.Begin()

	deadline := time.After(time.Second)
	for w.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("AppStart was never written")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	consumed := s.HandleFrame(meshcore.Frame{Direction: meshcore.FromRadio, Payload: selfInfoPayload("bridge-node")})
	if !consumed {
		t.Fatalf("expected self-info frame to be consumed by sequencer")
	}

	select {
	case <-g.done:
	case <-time.After(time.Second):
		t.Fatal("gate was never opened")
	}

	id, ok := s.Identity()
	if !ok || id.Name != "bridge-node" {
		t.Fatalf("expected identity to be populated, got %+v ok=%v", id, ok)
	}
}

func TestSequencerTimesOutAndOpensGateAnyway(t *testing.T) {
	w := &fakeWriter{}
	g := &fakeGate{done: make(chan struct{})}
	s := New(w, g, "meshcore-bridge")
	s.sleepFn = func(time.Duration) {}
	// No self-info response is ever delivered; a shrunk timeout lets the
	// timeout path run quickly. A second Begin must not double-send AppStart.
	s.timeout = 20 * time.Millisecond
	s.Begin()
	s.Begin()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if w.count() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if w.count() != 1 {
		t.Fatalf("expected Begin to be idempotent, got %d writes", w.count())
	}

	select {
	case <-g.done:
	case <-time.After(time.Second):
		t.Fatal("gate was never opened after the handshake timed out")
	}
}

func TestHandleFrameIgnoredBeforeBegin(t *testing.T) {
	w := &fakeWriter{}
	g := &fakeGate{}
	s := New(w, g, "meshcore-bridge")
	consumed := s.HandleFrame(meshcore.Frame{Direction: meshcore.FromRadio, Payload: selfInfoPayload("x")})
	if consumed {
		t.Fatalf("expected frame not consumed before Begin")
	}
}

func TestResetAbandonsStaleRunBeforeTimeout(t *testing.T) {
	w := &fakeWriter{}
	g := &fakeGate{}
	s := New(w, g, "meshcore-bridge")
	s.sleepFn = func(time.Duration) {}
	s.timeout = 100 * time.Millisecond

	s.Begin()
	deadline := time.Now().Add(time.Second)
	for w.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if w.count() == 0 {
		t.Fatal("AppStart was never written")
	}

	// Abandon the session well before its (shrunk) timeout fires; the stale
	// run goroutine must not open the gate afterward.
	s.Reset()

	time.Sleep(200 * time.Millisecond)
	g.mu.Lock()
	calls := append([]bool(nil), g.calls...)
	g.mu.Unlock()
	if len(calls) != 0 {
		t.Fatalf("expected abandoned session not to signal the gate, got %v", calls)
	}
}

func TestResetAllowsNewHandshake(t *testing.T) {
	w := &fakeWriter{}
	g := &fakeGate{done: make(chan struct{})}
	s := New(w, g, "meshcore-bridge")
	s.sleepFn = func(time.Duration) {}

	s.Begin()
	time.Sleep(10 * time.Millisecond)
	s.HandleFrame(meshcore.Frame{Direction: meshcore.FromRadio, Payload: selfInfoPayload("node-a")})
	<-g.done

	s.Reset()
	g.done = make(chan struct{})
	s.Begin()
	time.Sleep(10 * time.Millisecond)

	if w.count() != 2 {
		t.Fatalf("expected second AppStart write after reset, got %d", w.count())
	}
}
