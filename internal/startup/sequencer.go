// Package startup implements the one-shot AppStart handshake that runs
// immediately after the serial device opens, ahead of and independent from
// the command queue gate.
package startup

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/meshcore-bridge/internal/frame"
	"github.com/kstaniek/meshcore-bridge/internal/logging"
	"github.com/kstaniek/meshcore-bridge/internal/meshcore"
)

const (
	// settleDelay is how long the sequencer waits after the port opens
	// before sending AppStart, giving the radio firmware time to settle.
	settleDelay = 500 * time.Millisecond
	// timeout bounds how long the sequencer waits for the self-info
	// response before giving up and opening the queue gate anyway.
	timeout = 5 * time.Second
)

// Writer is the minimal transport capability the sequencer needs.
type Writer interface {
	Write(payload []byte) error
}

// Gate receives the startup-complete signal so the command queue can start
// draining waiters.
type Gate interface {
	SetStartupComplete(bool)
}

// Sequencer runs the AppStart handshake once per serial session: after the
// settle delay it writes the AppStart command directly (bypassing the
// queue), waits for the identity-bearing self-info response or the timeout,
// then opens the gate.
type Sequencer struct {
	writer Writer
	gate   Gate
	logger *slog.Logger

	sleepFn func(time.Duration)
	timeout time.Duration // overridable in tests; defaults to the package timeout

	appName string

	mu       sync.Mutex
	identity meshcore.DeviceIdentity
	have     bool
	started  bool
	done     chan struct{}
	cancel   chan struct{} // closed by Reset to abandon this session's run goroutine
}

// New constructs a Sequencer bound to writer and gate, advertising appName
// in the AppStart handshake.
func New(writer Writer, gate Gate, appName string) *Sequencer {
	return &Sequencer{
		writer:  writer,
		gate:    gate,
		appName: appName,
		logger:  logging.L(),
		sleepFn: time.Sleep,
		timeout: timeout,
	}
}

// Begin starts the handshake for a freshly opened serial session. Safe to
// call once per session; a second call before Reset is a no-op.
func (s *Sequencer) Begin() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.done = make(chan struct{})
	s.cancel = make(chan struct{})
	done := s.done
	cancel := s.cancel
	s.mu.Unlock()

	go s.run(done, cancel)
}

func (s *Sequencer) run(done, cancel chan struct{}) {
	s.sleepFn(settleDelay)

	select {
	case <-cancel:
		return
	default:
	}

	if err := s.writer.Write(frame.BuildOutgoing(meshcore.BuildAppStart(s.appName))); err != nil {
		s.logger.Error("startup_write_error", "error", err)
	}

	select {
	case <-done:
	case <-cancel:
		// Session was abandoned (serial loss) before the handshake
		// completed; do not open the gate for a replaced session.
		return
	case <-time.After(s.timeout):
		s.logger.Warn("startup_timeout")
	}

	s.gate.SetStartupComplete(true)
}

// HandleFrame inspects an incoming frame for the self-info response that
// completes the handshake. Returns true if the frame was consumed by the
// sequencer (and should not be forwarded to the dispatcher).
func (s *Sequencer) HandleFrame(fr meshcore.Frame) bool {
	s.mu.Lock()
	active := s.started && !s.have
	s.mu.Unlock()
	if !active {
		return false
	}

	code, ok := fr.ResponseCode()
	if !ok || code != meshcore.RespSelfInfo {
		return false
	}

	identity, ok := meshcore.DecodeSelfInfo(fr.Payload)
	if !ok {
		return false
	}

	s.mu.Lock()
	s.identity = identity
	s.have = true
	done := s.done
	s.mu.Unlock()

	s.logger.Info("device_identity", "name", identity.Name)
	close(done)
	return true
}

// Identity returns the most recently learned device identity.
func (s *Sequencer) Identity() (meshcore.DeviceIdentity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.have
}

// Reset re-arms the sequencer for a fresh serial session (called after
// serial loss). It abandons any outstanding run goroutine from the previous
// session so it cannot later open the gate on behalf of a handshake that
// never completed. The next Begin call starts a new handshake.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		close(s.cancel)
		s.cancel = nil
	}
	s.started = false
	s.have = false
	s.identity = meshcore.DeviceIdentity{}
}
