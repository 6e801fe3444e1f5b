package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType is the fixed service type advertised; instance name and
// TXT records are the only configurable pieces.
const mdnsServiceType = "_meshcore-bridge._tcp"

// startMDNS registers the service via mDNS and returns a cleanup function.
// Safe to call even if disabled (no-op). wsPort is the WebSocket listen port,
// the service's primary advertised port; the TCP port rides along as a TXT
// record since zeroconf advertises only one port per registration.
func startMDNS(ctx context.Context, cfg *appConfig, wsPort int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("meshcore-bridge-%s", host)
	}
	meta := []string{
		"ws_port=" + strconv.Itoa(wsPort),
		"tcp_port=" + strconv.Itoa(cfg.tcpPort),
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", wsPort, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
