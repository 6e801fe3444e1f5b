// Package dispatcher routes decoded frames arriving from the serial radio:
// startup-handshake frames are absorbed by the sequencer, push frames are
// buffered and broadcast, and response frames are delivered to the client
// that issued the in-flight command (or broadcast, if it had none),
// releasing or extending the command queue slot as appropriate.
package dispatcher

import (
	"log/slog"

	"github.com/kstaniek/meshcore-bridge/internal/frame"
	"github.com/kstaniek/meshcore-bridge/internal/logging"
	"github.com/kstaniek/meshcore-bridge/internal/meshcore"
	"github.com/kstaniek/meshcore-bridge/internal/metrics"
	"github.com/kstaniek/meshcore-bridge/internal/queue"
	"github.com/kstaniek/meshcore-bridge/internal/replay"
)

// Sequencer is the subset of *startup.Sequencer the dispatcher consults
// before treating a frame as push or response.
type Sequencer interface {
	HandleFrame(meshcore.Frame) bool
}

// Queue is the subset of *queue.CommandQueue the dispatcher drives.
type Queue interface {
	InFlight() (queue.Command, bool)
	ExtendTimeout()
	ResolveTerminal()
}

// Broadcaster is the subset of *hub.Hub the dispatcher drives.
type Broadcaster interface {
	Broadcast(raw []byte)
}

// Dispatcher wires a decoded-frame stream to the push buffer, the client
// hub, and the command queue.
type Dispatcher struct {
	sequencer Sequencer
	queue     Queue
	hub       Broadcaster
	pushBuf   *replay.Buffer
	logger    *slog.Logger
}

// New constructs a Dispatcher.
func New(sequencer Sequencer, q Queue, hub Broadcaster, pushBuf *replay.Buffer) *Dispatcher {
	return &Dispatcher{
		sequencer: sequencer,
		queue:     q,
		hub:       hub,
		pushBuf:   pushBuf,
		logger:    logging.L(),
	}
}

// Dispatch routes one frame decoded from the serial link.
func (d *Dispatcher) Dispatch(fr meshcore.Frame) {
	if d.sequencer.HandleFrame(fr) {
		return
	}

	code, ok := fr.ResponseCode()
	if !ok {
		return
	}

	raw := frame.Build(fr.Direction, fr.Payload)

	if meshcore.IsPush(code) {
		d.pushBuf.Push(raw)
		d.hub.Broadcast(raw)
		metrics.IncPushBroadcast()
		return
	}

	d.routeResponse(code, raw)
}

func (d *Dispatcher) routeResponse(code byte, raw []byte) {
	cmd, inFlight := d.queue.InFlight()
	if !inFlight {
		// A response with nothing in flight (e.g. after a timeout already
		// reclaimed the slot): broadcast so no observer is starved of it.
		d.hub.Broadcast(raw)
		metrics.IncResponseBroadcast()
		return
	}

	if cmd.Source != nil {
		if err := cmd.Source.Send(raw); err != nil {
			d.logger.Warn("response_unicast_failed", "error", err)
		}
		metrics.IncResponseUnicast()
	} else {
		d.hub.Broadcast(raw)
		metrics.IncResponseBroadcast()
	}

	if meshcore.IsStreaming(code) {
		d.queue.ExtendTimeout()
	} else {
		d.queue.ResolveTerminal()
	}
}
