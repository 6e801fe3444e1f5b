package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kstaniek/meshcore-bridge/internal/dispatcher"
	"github.com/kstaniek/meshcore-bridge/internal/hub"
	"github.com/kstaniek/meshcore-bridge/internal/meshcore"
	"github.com/kstaniek/meshcore-bridge/internal/metrics"
	"github.com/kstaniek/meshcore-bridge/internal/queue"
	"github.com/kstaniek/meshcore-bridge/internal/replay"
	"github.com/kstaniek/meshcore-bridge/internal/serial"
	"github.com/kstaniek/meshcore-bridge/internal/server"
	"github.com/kstaniek/meshcore-bridge/internal/startup"
	"github.com/kstaniek/meshcore-bridge/internal/weather"
)

const serialReadTimeout = 50 * time.Millisecond

// readyGate wraps the command queue's startup gate to also track, for the
// weather producer and the readiness endpoint, whether the handshake has
// completed for the current serial session.
type readyGate struct {
	q     *queue.CommandQueue
	ready atomic.Bool
}

func (g *readyGate) SetStartupComplete(v bool) {
	g.q.SetStartupComplete(v)
	g.ready.Store(v)
}

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("meshcore-bridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	h := hub.New()
	pushBuf := replay.New(cfg.pushBufferSize, cfg.pushBufferFile)

	var transport *serial.Transport
	var cmdQueue *queue.CommandQueue
	var seq *startup.Sequencer
	var disp *dispatcher.Dispatcher
	gate := &readyGate{}

	transport = serial.New(cfg.serialPort, cfg.serialBaud, serialReadTimeout,
		serial.WithLogger(l),
		serial.WithOnFrame(func(fr meshcore.Frame) { disp.Dispatch(fr) }),
		serial.WithOnOpen(func() { seq.Begin() }),
		serial.WithOnReset(func() {
			cmdQueue.Reset()
			seq.Reset()
			gate.ready.Store(false)
		}),
	)

	cmdQueue = queue.New(transport, queue.WithTimeout(cfg.commandTimeout), queue.WithLogger(l))
	gate.q = cmdQueue
	seq = startup.New(transport, gate, cfg.appName)
	disp = dispatcher.New(seq, cmdQueue, h, pushBuf)

	go transport.Run(ctx)

	tcpSrv := server.NewTCPServer(
		server.WithTCPListenAddr(fmt.Sprintf(":%d", cfg.tcpPort)),
		server.WithTCPHub(h),
		server.WithTCPSink(cmdQueue),
		server.WithTCPMaxClients(cfg.maxTCPClients),
		server.WithTCPLogger(l),
	)
	wsSrv := server.NewWSServer(
		server.WithWSListenAddr(fmt.Sprintf(":%d", cfg.wsPort)),
		server.WithWSHub(h),
		server.WithWSSink(cmdQueue),
		server.WithWSMaxClients(cfg.maxWSClients),
		server.WithWSLogger(l),
		server.WithWSPushBuf(pushBuf),
	)

	go func() {
		if err := tcpSrv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()
	go func() {
		if err := wsSrv.Serve(ctx); err != nil {
			l.Error("ws_server_error", "error", err)
			cancel()
		}
	}()

	readyFn := func() bool { return transport.IsOpen() && gate.ready.Load() }
	weatherProducer := weather.New(cfg.weather, cmdQueue, readyFn, http.DefaultClient)
	go weatherProducer.Run(ctx)

	go func() {
		select {
		case <-tcpSrv.Ready():
		case <-ctx.Done():
			return
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, cfg.wsPort)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-tcpSrv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil && transport.IsOpen()
	})

	var metricsHTTP *http.Server
	if cfg.httpPort > 0 {
		metrics.InitBuildInfo(version, commit, date)
		metricsHTTP = metrics.StartHTTP(fmt.Sprintf(":%d", cfg.httpPort))
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := tcpSrv.Shutdown(shutdownCtx); err != nil {
		l.Warn("tcp_shutdown_error", "error", err)
	}
	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		l.Warn("ws_shutdown_error", "error", err)
	}
	if metricsHTTP != nil {
		_ = metricsHTTP.Shutdown(shutdownCtx)
	}
	pushBuf.Flush()
	wg.Wait()
}
