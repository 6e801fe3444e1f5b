package server

import (
	"errors"
	"sync"
)

var errClientClosed = errors.New("server: client closed")

// outbound is the shared send-queue plumbing for both transports: a bounded
// channel drained by a per-connection writer goroutine, so a slow client
// never blocks the hub's broadcast loop. A full queue silently drops the
// newest frame rather than evicting the client — losing one push frame is
// preferable to tearing down an otherwise healthy connection.
type outbound struct {
	kind      string
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newOutbound(kind string, bufSize int) *outbound {
	return &outbound{kind: kind, out: make(chan []byte, bufSize), closed: make(chan struct{})}
}

// Send implements meshcore.ClientHandle.
func (o *outbound) Send(raw []byte) error {
	select {
	case <-o.closed:
		return errClientClosed
	default:
	}
	select {
	case o.out <- raw:
		return nil
	default:
		return nil // queue full: drop, don't evict
	}
}

// Kind implements meshcore.ClientHandle.
func (o *outbound) Kind() string { return o.kind }

func (o *outbound) Close() {
	o.closeOnce.Do(func() { close(o.closed) })
}
