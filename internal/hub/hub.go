// Package hub maintains the set of connected WebSocket and TCP clients and
// fans out broadcast frames to them.
package hub

import (
	"sync"

	"github.com/kstaniek/meshcore-bridge/internal/logging"
	"github.com/kstaniek/meshcore-bridge/internal/meshcore"
	"github.com/kstaniek/meshcore-bridge/internal/metrics"
)

// Hub is the registry of connected client handles (WebSocket and TCP alike).
// Broadcast never blocks on a slow client: a client whose Send returns an
// error is dropped from the registry, mirroring the teacher's
// backpressure-by-eviction policy rather than threading a second buffering
// layer through this package. The server's client handles report a full
// outbound queue as success (the frame is dropped), so only closed clients
// are evicted.
type Hub struct {
	mu      sync.RWMutex
	clients map[meshcore.ClientHandle]struct{}
}

// New creates an empty Hub.
func New() *Hub { return &Hub{clients: make(map[meshcore.ClientHandle]struct{})} }

// Add registers a client handle.
func (h *Hub) Add(c meshcore.ClientHandle) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if prev == 0 {
		logging.L().Info("clients_first_connected")
	}
	h.updateGauges()
}

// Remove unregisters a client handle; safe to call multiple times.
func (h *Hub) Remove(c meshcore.ClientHandle) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	cur := len(h.clients)
	h.mu.Unlock()
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
	h.updateGauges()
}

// Broadcast delivers raw to every registered client. A client whose Send
// returns an error is evicted; the caller (server reader/writer loop) is
// responsible for actually closing that client's connection.
func (h *Hub) Broadcast(raw []byte) {
	for _, c := range h.Snapshot() {
		if err := c.Send(raw); err != nil {
			h.Remove(c)
		}
	}
}

// Snapshot returns a slice copy of currently registered clients.
func (h *Hub) Snapshot() []meshcore.ClientHandle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]meshcore.ClientHandle, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Count returns the total number of registered clients, irrespective of kind.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CountKind returns the number of registered clients of the given kind
// ("ws" or "tcp").
func (h *Hub) CountKind(kind string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.Kind() == kind {
			n++
		}
	}
	return n
}

func (h *Hub) updateGauges() {
	h.mu.RLock()
	var ws, tcp int
	for c := range h.clients {
		switch c.Kind() {
		case "ws":
			ws++
		case "tcp":
			tcp++
		}
	}
	h.mu.RUnlock()
	metrics.SetHubWSClients(ws)
	metrics.SetHubTCPClients(tcp)
}
