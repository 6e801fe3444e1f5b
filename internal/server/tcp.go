// Package server hosts the two client-facing acceptors (raw TCP and
// WebSocket) that let multiple simultaneous clients share the one physical
// serial link, each command tagged with its originating client so responses
// route back to the right place.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/meshcore-bridge/internal/frame"
	"github.com/kstaniek/meshcore-bridge/internal/hub"
	"github.com/kstaniek/meshcore-bridge/internal/logging"
	"github.com/kstaniek/meshcore-bridge/internal/meshcore"
	"github.com/kstaniek/meshcore-bridge/internal/metrics"
	"github.com/kstaniek/meshcore-bridge/internal/queue"
)

// tcpClient is a raw-TCP client handle: frames are written back-to-back on
// the wire with no extra delimiting, since frame.Build already prefixes
// each one with its own length header.
type tcpClient struct {
	*outbound
	conn   net.Conn
	connID uint64
}

// TCPServer accepts plain TCP connections speaking the same
// [direction][len][payload] framing used on the serial link.
type TCPServer struct {
	mu           sync.RWMutex
	addr         string
	Hub          *hub.Hub
	Sink         Sink
	readDeadline time.Duration
	maxClients   int
	clientBuf    int

	readyOnce sync.Once
	readyCh   chan struct{}
	listener  net.Listener
	logger    *slog.Logger
	nextConnID uint64

	wg sync.WaitGroup

	totalAccepted     atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
}

// TCPOption configures a TCPServer.
type TCPOption func(*TCPServer)

func WithTCPListenAddr(a string) TCPOption { return func(s *TCPServer) { s.addr = a } }
func WithTCPHub(h *hub.Hub) TCPOption      { return func(s *TCPServer) { s.Hub = h } }
func WithTCPSink(sink Sink) TCPOption      { return func(s *TCPServer) { s.Sink = sink } }
func WithTCPMaxClients(n int) TCPOption {
	return func(s *TCPServer) {
		if n > 0 {
			s.maxClients = n
		}
	}
}
func WithTCPLogger(l *slog.Logger) TCPOption {
	return func(s *TCPServer) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewTCPServer constructs a TCPServer.
func NewTCPServer(opts ...TCPOption) *TCPServer {
	s := &TCPServer{
		readDeadline: defaultReadDeadline,
		clientBuf:    defaultClientBufSize,
		readyCh:      make(chan struct{}),
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func (s *TCPServer) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *TCPServer) Ready() <-chan struct{} { return s.readyCh }

func (s *TCPServer) setAddr(a string) { s.mu.Lock(); s.addr = a; s.mu.Unlock() }

// Serve accepts connections until ctx is cancelled.
func (s *TCPServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.listener = ln
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(200 * time.Millisecond)
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			return wrap
		}
		s.totalAccepted.Add(1)
		s.handleConn(ctx, conn)
	}
}

func (s *TCPServer) handleConn(ctx context.Context, conn net.Conn) {
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())

	if s.maxClients > 0 && s.Hub != nil && s.Hub.Count() >= s.maxClients {
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	cl := &tcpClient{outbound: newOutbound("tcp", s.clientBuf), conn: conn, connID: connID}
	if s.Hub != nil {
		s.Hub.Add(cl)
		// Every TCP client's commands share the single command queue; with
		// more than one client attached, their command streams interleave
		// at command boundaries (never mid-frame). This is only logged, not
		// prevented.
		if n := s.Hub.CountKind("tcp"); n > 1 {
			connLogger.Warn("tcp_multiple_clients", "count", n)
		}
	}
	s.totalConnected.Add(1)
	connLogger.Info("client_connected")

	s.wg.Add(2)
	go s.writeLoop(ctx, cl, connLogger)
	go s.readLoop(ctx, cl, connLogger)
}

func (s *TCPServer) writeLoop(ctx context.Context, cl *tcpClient, logger *slog.Logger) {
	defer s.wg.Done()
	defer func() {
		_ = cl.conn.Close()
		if s.Hub != nil {
			s.Hub.Remove(cl)
		}
		s.totalDisconnected.Add(1)
		logger.Info("client_disconnected")
	}()
	for {
		select {
		case raw := <-cl.out:
			if _, err := cl.conn.Write(raw); err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				return
			}
		case <-cl.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *TCPServer) readLoop(ctx context.Context, cl *tcpClient, logger *slog.Logger) {
	defer s.wg.Done()
	defer cl.Close()

	acc := bytes.NewBuffer(nil)
	buf := make([]byte, 4096)
	var c frame.Codec
	for {
		_ = cl.conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		n, err := cl.conn.Read(buf)
		if n > 0 {
			c.Feed(acc, buf[:n], func(fr meshcore.Frame) {
				if fr.Direction != meshcore.ToRadio || s.Sink == nil {
					return
				}
				s.Sink.Enqueue(queue.Command{Payload: frame.Build(fr.Direction, fr.Payload), Source: cl})
			})
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Shutdown closes the listener and waits for all connection goroutines.
func (s *TCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContextDone, ctx.Err())
	case <-done:
		s.logger.Info("tcp_shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load())
		return nil
	}
}
