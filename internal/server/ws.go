package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kstaniek/meshcore-bridge/internal/frame"
	"github.com/kstaniek/meshcore-bridge/internal/hub"
	"github.com/kstaniek/meshcore-bridge/internal/logging"
	"github.com/kstaniek/meshcore-bridge/internal/meshcore"
	"github.com/kstaniek/meshcore-bridge/internal/metrics"
	"github.com/kstaniek/meshcore-bridge/internal/queue"
	"github.com/kstaniek/meshcore-bridge/internal/replay"
)

// replayDelay is how long a WS client waits after its first inbound message
// before the push-replay buffer is drained to it, once per connection.
const replayDelay = 3 * time.Second

// wsClient is a WebSocket client handle: each outbound frame is written as
// its own binary message, since the websocket transport already preserves
// message boundaries.
type wsClient struct {
	*outbound
	conn       *websocket.Conn
	connID     uint64
	replayOnce sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSServer accepts WebSocket connections on an HTTP handler, exchanging the
// same [direction][len][payload] frames as one binary message per frame.
type WSServer struct {
	mu      sync.RWMutex
	addr    string
	path    string
	Hub     *hub.Hub
	Sink    Sink
	PushBuf *replay.Buffer

	clientBuf   int
	maxClients  int
	logger      *slog.Logger
	nextConnID  uint64
	replayDelay time.Duration

	srv *http.Server
	wg  sync.WaitGroup

	totalAccepted     atomic.Uint64
	totalDisconnected atomic.Uint64
}

// WSOption configures a WSServer.
type WSOption func(*WSServer)

func WithWSListenAddr(a string) WSOption { return func(s *WSServer) { s.addr = a } }
func WithWSPath(p string) WSOption       { return func(s *WSServer) { s.path = p } }
func WithWSHub(h *hub.Hub) WSOption      { return func(s *WSServer) { s.Hub = h } }
func WithWSSink(sink Sink) WSOption      { return func(s *WSServer) { s.Sink = sink } }
func WithWSPushBuf(b *replay.Buffer) WSOption {
	return func(s *WSServer) { s.PushBuf = b }
}
func WithWSMaxClients(n int) WSOption {
	return func(s *WSServer) {
		if n > 0 {
			s.maxClients = n
		}
	}
}
func WithWSLogger(l *slog.Logger) WSOption {
	return func(s *WSServer) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewWSServer constructs a WSServer.
func NewWSServer(opts ...WSOption) *WSServer {
	s := &WSServer{
		path:        "/ws",
		clientBuf:   defaultClientBufSize,
		logger:      logging.L(),
		replayDelay: replayDelay,
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func (s *WSServer) Addr() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }

// Serve starts the HTTP server hosting the WebSocket upgrade endpoint and
// blocks until ctx is cancelled.
func (s *WSServer) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)

	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()
	s.srv = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ws_listen", "addr", addr, "path", s.path)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("%w: %v", ErrListen, err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		_ = s.srv.Close()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil {
			metrics.IncError(mapErrToMetric(err))
		}
		return err
	}
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.maxClients > 0 && s.Hub != nil && s.Hub.Count() >= s.maxClients {
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.IncError(metrics.ErrWSUpgrade)
		s.logger.Warn("ws_upgrade_failed", "error", err)
		return
	}

	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", r.RemoteAddr)
	cl := &wsClient{outbound: newOutbound("ws", s.clientBuf), conn: conn, connID: connID}
	if s.Hub != nil {
		s.Hub.Add(cl)
	}
	s.totalAccepted.Add(1)
	connLogger.Info("client_connected")

	ctx := r.Context()
	s.wg.Add(2)
	go s.writeLoop(ctx, cl, connLogger)
	go s.readLoop(cl, connLogger)
}

func (s *WSServer) writeLoop(ctx context.Context, cl *wsClient, logger *slog.Logger) {
	defer s.wg.Done()
	defer func() {
		_ = cl.conn.Close()
		if s.Hub != nil {
			s.Hub.Remove(cl)
		}
		s.totalDisconnected.Add(1)
		logger.Info("client_disconnected")
	}()
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case raw := <-cl.out:
			if err := cl.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
				metrics.IncError(metrics.ErrWSWrite)
				return
			}
		case <-ping.C:
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cl.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *WSServer) readLoop(cl *wsClient, logger *slog.Logger) {
	defer s.wg.Done()
	defer cl.Close()
	for {
		msgType, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		s.triggerReplay(cl, logger)

		fr, ok := frame.ParseOne(data)
		if !ok || fr.Direction != meshcore.ToRadio {
			logger.Debug("ws_malformed_message", "len", len(data))
			continue
		}
		if s.Sink != nil {
			s.Sink.Enqueue(queue.Command{Payload: frame.Build(fr.Direction, fr.Payload), Source: cl})
		}
	}
}

// triggerReplay arms, at most once per connection, a delayed drain of the
// push-replay buffer to cl following its first inbound message.
func (s *WSServer) triggerReplay(cl *wsClient, logger *slog.Logger) {
	if s.PushBuf == nil {
		return
	}
	cl.replayOnce.Do(func() {
		go func() {
			select {
			case <-time.After(s.replayDelay):
			case <-cl.closed:
				return
			}
			select {
			case <-cl.closed:
				return
			default:
			}
			entries := s.PushBuf.Snapshot()
			for _, e := range entries {
				if err := cl.Send(e.Frame); err != nil {
					return
				}
			}
			logger.Debug("ws_replay_sent", "count", len(entries))
		}()
	})
}

// Shutdown closes the HTTP server and waits for connection goroutines.
func (s *WSServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.srv
	s.mu.RUnlock()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContextDone, ctx.Err())
	case <-done:
		s.logger.Info("ws_shutdown_summary", "accepted", s.totalAccepted.Load(), "disconnected", s.totalDisconnected.Load())
		return nil
	}
}
