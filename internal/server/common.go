package server

import (
	"time"

	"github.com/kstaniek/meshcore-bridge/internal/queue"
)

// Sink is the subset of *queue.CommandQueue the client-facing servers need:
// enqueue a command sourced from a specific client handle.
type Sink interface {
	Enqueue(queue.Command)
}

const (
	defaultClientBufSize = 64
	defaultReadDeadline  = 60 * time.Second
)
