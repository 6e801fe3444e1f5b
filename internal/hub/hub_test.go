package hub

import (
	"errors"
	"sync"
	"testing"
)

type fakeClient struct {
	mu      sync.Mutex
	kind    string
	sent    [][]byte
	failing bool
}

func (c *fakeClient) Send(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("closed")
	}
	c.sent = append(c.sent, append([]byte(nil), raw...))
	return nil
}

func (c *fakeClient) Kind() string { return c.kind }

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestBroadcastDeliversToAll(t *testing.T) {
	h := New()
	a := &fakeClient{kind: "ws"}
	b := &fakeClient{kind: "tcp"}
	h.Add(a)
	h.Add(b)

	h.Broadcast([]byte{1, 2, 3})

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("expected both clients to receive broadcast, got a=%d b=%d", a.count(), b.count())
	}
}

func TestBroadcastEvictsFailingClient(t *testing.T) {
	h := New()
	ok := &fakeClient{kind: "ws"}
	bad := &fakeClient{kind: "ws", failing: true}
	h.Add(ok)
	h.Add(bad)

	h.Broadcast([]byte{1})

	if h.Count() != 1 {
		t.Fatalf("expected failing client evicted, count=%d", h.Count())
	}
	if ok.count() != 1 {
		t.Fatalf("expected surviving client to still receive frames")
	}
}

func TestCountKindSeparatesWSAndTCP(t *testing.T) {
	h := New()
	h.Add(&fakeClient{kind: "tcp"})
	h.Add(&fakeClient{kind: "tcp"})
	h.Add(&fakeClient{kind: "ws"})

	if got := h.CountKind("tcp"); got != 2 {
		t.Fatalf("expected 2 tcp clients, got %d", got)
	}
	if got := h.CountKind("ws"); got != 1 {
		t.Fatalf("expected 1 ws client, got %d", got)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	h := New()
	c := &fakeClient{kind: "tcp"}
	h.Add(c)
	h.Remove(c)
	h.Remove(c) // must not panic
	if h.Count() != 0 {
		t.Fatalf("expected count 0 after remove, got %d", h.Count())
	}
}
