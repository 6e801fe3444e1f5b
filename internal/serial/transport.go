package serial

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/kstaniek/meshcore-bridge/internal/frame"
	"github.com/kstaniek/meshcore-bridge/internal/logging"
	"github.com/kstaniek/meshcore-bridge/internal/meshcore"
	"github.com/kstaniek/meshcore-bridge/internal/metrics"
	"github.com/kstaniek/meshcore-bridge/internal/transport"
)

const (
	reopenDelay  = 5 * time.Second
	readBufSize  = 4096
	txQueueSize  = 64
	// reclaimThreshold is the capacity above which the RX accumulator is
	// discarded and reallocated once fully drained, so a burst of line noise
	// before resync doesn't pin a large backing array for the session.
	reclaimThreshold = 16 * 1024
)

// openFunc (the openFn field) and the sleepFn field are overridable hooks
// for tests.
type openFunc func(name string, baud int, readTimeout time.Duration) (Port, error)

// Transport owns the physical serial device: opening it with fixed-delay
// retry on failure, feeding the raw byte stream through the frame codec, and
// funneling all writes through a single goroutine so there is exactly one
// writer to the device at any instant (spec §5).
type Transport struct {
	device      string
	baud        int
	readTimeout time.Duration
	logger      *slog.Logger

	onFrame func(meshcore.Frame)
	onOpen  func() // invoked once per session, right after the port opens
	onReset func() // invoked whenever the port closes, before the reopen retry

	openFn  openFunc
	sleepFn func(time.Duration)

	mu   sync.Mutex
	port Port
	tx   *transport.AsyncTx

	open atomic.Bool
}

// Option configures a Transport.
type Option func(*Transport)

func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithOnFrame(fn func(meshcore.Frame)) Option { return func(t *Transport) { t.onFrame = fn } }
func WithOnOpen(fn func()) Option                { return func(t *Transport) { t.onOpen = fn } }
func WithOnReset(fn func()) Option               { return func(t *Transport) { t.onReset = fn } }

// New constructs a Transport for the given device/baud/read-timeout.
func New(device string, baud int, readTimeout time.Duration, opts ...Option) *Transport {
	t := &Transport{
		device:      device,
		baud:        baud,
		readTimeout: readTimeout,
		logger:      logging.L(),
		openFn:      Open,
		sleepFn:     time.Sleep,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// IsOpen reports whether the serial device is currently open.
func (t *Transport) IsOpen() bool { return t.open.Load() }

// Write queues payload for the single writer goroutine. Returns an error if
// the device is not currently open.
func (t *Transport) Write(payload []byte) error {
	t.mu.Lock()
	tx := t.tx
	t.mu.Unlock()
	if tx == nil {
		return ErrNotOpen
	}
	return tx.Send(payload)
}

// Run opens the device and serves it until ctx is cancelled, retrying with a
// fixed delay (spec §4.2: "waits 5 seconds and retries indefinitely") on
// every open failure or post-open close.
func (t *Transport) Run(ctx context.Context) {
	retry := backoff.NewConstantBackOff(reopenDelay)
	for {
		if ctx.Err() != nil {
			return
		}
		port, err := t.openFn(t.device, t.baud, t.readTimeout)
		if err != nil {
			metrics.IncError(metrics.ErrSerialOpen)
			t.logger.Warn("serial_open_failed", "device", t.device, "error", err)
			t.sleepFn(retry.NextBackOff())
			continue
		}
		t.logger.Info("serial_open", "device", t.device, "baud", t.baud)
		t.serveUntilClosed(ctx, port)
		if ctx.Err() != nil {
			return
		}
		t.sleepFn(reopenDelay)
	}
}

func (t *Transport) serveUntilClosed(ctx context.Context, port Port) {
	t.mu.Lock()
	t.port = port
	t.tx = transport.NewAsyncTx(ctx, txQueueSize, func(p []byte) error {
		_, err := port.Write(p)
		return err
	}, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			t.logger.Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncSerialTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	})
	t.mu.Unlock()
	t.open.Store(true)
	if t.onOpen != nil {
		t.onOpen()
	}

	defer func() {
		t.mu.Lock()
		tx := t.tx
		t.port = nil
		t.tx = nil
		t.mu.Unlock()
		t.open.Store(false)
		if tx != nil {
			tx.Close()
		}
		_ = port.Close()
		if t.onReset != nil {
			t.onReset()
		}
	}()

	var c frame.Codec
	acc := bytes.NewBuffer(nil)
	buf := make([]byte, readBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := port.Read(buf)
		if n > 0 {
			c.Feed(acc, buf[:n], func(fr meshcore.Frame) {
				metrics.IncSerialRx()
				if t.onFrame != nil {
					t.onFrame(fr)
				}
			})
			if acc.Len() == 0 && cap(acc.Bytes()) > reclaimThreshold {
				acc = bytes.NewBuffer(nil)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.IncError(metrics.ErrSerialRead)
			t.logger.Warn("serial_read_error", "error", err)
			return // close and let Run's caller reopen after reopenDelay
		}
	}
}
