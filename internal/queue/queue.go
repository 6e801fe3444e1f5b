// Package queue implements the single-slot arbiter that guarantees
// at-most-one-outstanding command on the serial radio side while many
// concurrent clients (and internal producers) submit commands.
package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/meshcore-bridge/internal/logging"
	"github.com/kstaniek/meshcore-bridge/internal/meshcore"
	"github.com/kstaniek/meshcore-bridge/internal/metrics"
)

// DefaultTimeout is the deadline applied to a newly in-flight command absent
// an explicit configuration.
const DefaultTimeout = 30 * time.Second

// Command is one outbound payload awaiting (or holding) the serial slot.
// Source is nil for internally-generated commands (startup, weather); their
// responses have no unicast target and are broadcast instead.
type Command struct {
	Payload []byte
	Source  meshcore.ClientHandle
}

// Writer is the minimal capability the queue needs from the transport: a
// single-writer-funneled byte send. *serial.Transport satisfies it.
type Writer interface {
	Write(payload []byte) error
}

type inflight struct {
	cmd   Command
	timer *time.Timer
}

// CommandQueue is the FIFO arbiter described in the spec's data model:
// at most one inFlight command; inFlight==nil implies no pending timer;
// while startupComplete is false, client commands accumulate in waiters but
// never enter inFlight; loss of serial resets inFlight, waiters and
// startupComplete together.
type CommandQueue struct {
	mu      sync.Mutex
	writer  Writer
	timeout time.Duration
	logger  *slog.Logger

	startupComplete bool
	inFlight        *inflight
	waiters         []Command
}

// Option configures a CommandQueue.
type Option func(*CommandQueue)

func WithTimeout(d time.Duration) Option {
	return func(q *CommandQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(q *CommandQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// New constructs a CommandQueue bound to writer.
func New(writer Writer, opts ...Option) *CommandQueue {
	q := &CommandQueue{
		writer:  writer,
		timeout: DefaultTimeout,
		logger:  logging.L(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// SetStartupComplete unlocks (or relocks) the queue gate and, when
// transitioning to true, attempts to drain any waiters accumulated during
// the handshake.
func (q *CommandQueue) SetStartupComplete(complete bool) {
	q.mu.Lock()
	q.startupComplete = complete
	q.mu.Unlock()
	if complete {
		q.drain()
	}
}

// Enqueue appends a command to the waiter FIFO and attempts to drain.
func (q *CommandQueue) Enqueue(cmd Command) {
	q.mu.Lock()
	q.waiters = append(q.waiters, cmd)
	q.mu.Unlock()
	metrics.IncQueueEnqueued()
	q.drain()
}

// drain moves the head waiter into flight and writes it to the transport, if
// preconditions hold: startup complete, nothing currently in flight, and at
// least one waiter. The write happens outside the lock so the critical
// section never blocks (spec §5).
func (q *CommandQueue) drain() {
	q.mu.Lock()
	if !q.startupComplete || q.inFlight != nil || len(q.waiters) == 0 {
		q.mu.Unlock()
		return
	}
	cmd := q.waiters[0]
	q.waiters = q.waiters[1:]
	timer := time.AfterFunc(q.timeout, q.onTimeout)
	q.inFlight = &inflight{cmd: cmd, timer: timer}
	q.mu.Unlock()

	if err := q.writer.Write(cmd.Payload); err != nil {
		q.logger.Error("queue_write_error", "error", err)
	}
}

func (q *CommandQueue) onTimeout() {
	q.mu.Lock()
	if q.inFlight == nil {
		q.mu.Unlock()
		return
	}
	q.inFlight = nil
	q.mu.Unlock()
	metrics.IncQueueTimeout()
	q.logger.Warn("command_timeout")
	q.drain()
}

// InFlight returns the currently in-flight command and true, or the zero
// value and false if nothing is in flight.
func (q *CommandQueue) InFlight() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight == nil {
		return Command{}, false
	}
	return q.inFlight.cmd, true
}

// ExtendTimeout resets the in-flight deadline without releasing the slot.
// Called when a streaming response code is observed.
func (q *CommandQueue) ExtendTimeout() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight == nil {
		return
	}
	q.inFlight.timer.Reset(q.timeout)
}

// ResolveTerminal clears the in-flight command and its timer, then drains
// the next waiter. Called when a non-streaming response code is observed.
func (q *CommandQueue) ResolveTerminal() {
	q.mu.Lock()
	if q.inFlight == nil {
		q.mu.Unlock()
		return
	}
	q.inFlight.timer.Stop()
	q.inFlight = nil
	q.mu.Unlock()
	q.drain()
}

// Reset abandons any in-flight command and timer, clears all waiters, and
// relocks the startup gate. Invoked when the serial transport reports loss
// of the device.
func (q *CommandQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight != nil {
		q.inFlight.timer.Stop()
		q.inFlight = nil
	}
	q.waiters = nil
	q.startupComplete = false
}
