package server

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kstaniek/meshcore-bridge/internal/frame"
	"github.com/kstaniek/meshcore-bridge/internal/hub"
	"github.com/kstaniek/meshcore-bridge/internal/meshcore"
	"github.com/kstaniek/meshcore-bridge/internal/replay"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestWSServerRoundTrip(t *testing.T) {
	h := hub.New()
	sink := &fakeSink{}
	addr := freeAddr(t)
	srv := NewWSServer(WithWSListenAddr(addr), WithWSHub(h), WithWSSink(sink))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	time.Sleep(50 * time.Millisecond)

	url := fmt.Sprintf("ws://%s/ws", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := frame.Build(meshcore.ToRadio, []byte{meshcore.CmdAppStart})
	if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sink.count() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("expected command to reach sink, got %d", sink.count())
	}
}

func TestWSServerBroadcastReachesClient(t *testing.T) {
	h := hub.New()
	addr := freeAddr(t)
	srv := NewWSServer(WithWSListenAddr(addr), WithWSHub(h))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	time.Sleep(50 * time.Millisecond)

	url := fmt.Sprintf("ws://%s/ws", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.Count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	raw := frame.Build(meshcore.FromRadio, []byte{meshcore.PushAdvert})
	h.Broadcast(raw)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected broadcast message: %v", err)
	}
	if msgType != websocket.BinaryMessage || len(data) != len(raw) {
		t.Fatalf("unexpected message: type=%d len=%d", msgType, len(data))
	}
}

func TestWSServerReplaysPushBufferOnceAfterFirstMessage(t *testing.T) {
	h := hub.New()
	sink := &fakeSink{}
	buf := replay.New(10, "")
	buffered := frame.Build(meshcore.FromRadio, []byte{meshcore.PushAdvert})
	buf.Push(buffered)

	addr := freeAddr(t)
	srv := NewWSServer(WithWSListenAddr(addr), WithWSHub(h), WithWSSink(sink), WithWSPushBuf(buf))
	srv.replayDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	time.Sleep(50 * time.Millisecond)

	url := fmt.Sprintf("ws://%s/ws", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := frame.Build(meshcore.ToRadio, []byte{meshcore.CmdAppStart})
	if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected replayed push frame: %v", err)
	}
	if string(data) != string(buffered) {
		t.Fatalf("replayed frame mismatch: got %x want %x", data, buffered)
	}
}
