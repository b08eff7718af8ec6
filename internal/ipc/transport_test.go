package ipc

import (
	"context"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

type recordingHandler struct {
	mu          sync.Mutex
	messages    []Message
	peers       []*Peer
	disconnects int
	gotMessage  chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{gotMessage: make(chan struct{}, 64)}
}

func (h *recordingHandler) HandleMessage(_ context.Context, peer *Peer, msg Message) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.peers = append(h.peers, peer)
	h.mu.Unlock()
	h.gotMessage <- struct{}{}
}

func (h *recordingHandler) HandleDisconnect(*Peer) {
	h.mu.Lock()
	h.disconnects++
	h.mu.Unlock()
}

func (h *recordingHandler) waitForMessages(t *testing.T, n int) []Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		h.mu.Lock()
		if len(h.messages) >= n {
			out := append([]Message(nil), h.messages...)
			h.mu.Unlock()
			return out
		}
		h.mu.Unlock()
		select {
		case <-h.gotMessage:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages", n)
		}
	}
}

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(os.Stderr, "[ipc-test] ", log.LstdFlags)
}

func startServer(t *testing.T, handler Handler) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer("test", path, handler, testLogger(t))
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Close(ctx)
	})
	return srv, path
}

func TestClientDeliversFramesToServer(t *testing.T) {
	handler := newRecordingHandler()
	_, path := startServer(t, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(ClientConfig{Name: "worker", Path: path}, nil, nil, testLogger(t))
	go func() { _ = client.Run(ctx) }()

	if !client.Send(&Hello{Channel: "alpha", ChannelID: "100", Topics: []string{"stream.online"}}) {
		t.Fatal("Send hello should queue")
	}
	if !client.Send(&Subscribe{ChannelID: "100", Topic: "channel.follow"}) {
		t.Fatal("Send subscribe should queue")
	}

	msgs := handler.waitForMessages(t, 2)
	if _, ok := msgs[0].(*Hello); !ok {
		t.Fatalf("first message %T, want *Hello", msgs[0])
	}
	sub, ok := msgs[1].(*Subscribe)
	if !ok {
		t.Fatalf("second message %T, want *Subscribe", msgs[1])
	}
	if sub.Topic != "channel.follow" {
		t.Fatalf("topic = %q", sub.Topic)
	}
}

func TestServerSendsEventsToPeer(t *testing.T) {
	handler := newRecordingHandler()
	_, path := startServer(t, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbound := make(chan Message, 4)
	client := NewClient(ClientConfig{Name: "worker", Path: path},
		func(_ context.Context, msg Message) { inbound <- msg },
		func(_ context.Context, c *Client) error {
			c.Send(&Hello{Channel: "alpha", ChannelID: "100", Topics: []string{"stream.online"}})
			return nil
		},
		testLogger(t))
	go func() { _ = client.Run(ctx) }()

	handler.waitForMessages(t, 1)
	handler.mu.Lock()
	peer := handler.peers[0]
	handler.mu.Unlock()

	if !peer.Send(&Event{ChannelID: "100", Topic: "stream.online", EventID: "e-1", Payload: json.RawMessage(`{"k":1}`)}) {
		t.Fatal("peer Send should queue")
	}

	select {
	case msg := <-inbound:
		ev, ok := msg.(*Event)
		if !ok {
			t.Fatalf("inbound %T, want *Event", msg)
		}
		if ev.EventID != "e-1" || ev.ChannelID != "100" {
			t.Fatalf("event mismatch: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
}

func TestClientReconnectsAfterServerRestart(t *testing.T) {
	handler := newRecordingHandler()
	path := filepath.Join(t.TempDir(), "test.sock")

	srv := NewServer("test", path, handler, testLogger(t))
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(ClientConfig{
		Name:        "worker",
		Path:        path,
		BackoffBase: 20 * time.Millisecond,
		BackoffMax:  100 * time.Millisecond,
	}, nil, func(_ context.Context, c *Client) error {
		c.Send(&Hello{Channel: "alpha", ChannelID: "100"})
		return nil
	}, testLogger(t))
	go func() { _ = client.Run(ctx) }()

	handler.waitForMessages(t, 1)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	_ = srv.Close(closeCtx)
	closeCancel()

	srv2 := NewServer("test", path, handler, testLogger(t))
	if err := srv2.Start(context.Background()); err != nil {
		t.Fatalf("restart Start: %v", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
		defer cancel2()
		_ = srv2.Close(ctx2)
	}()

	// The hello re-sent by onConnect proves the client re-dialled.
	msgs := handler.waitForMessages(t, 2)
	if _, ok := msgs[1].(*Hello); !ok {
		t.Fatalf("reconnect message %T, want *Hello", msgs[1])
	}
}

func TestPeerDropsWhenBufferFull(t *testing.T) {
	server, client := net.Pipe()
	defer func() {
		_ = server.Close()
		_ = client.Close()
	}()

	peer := newPeer(server)
	raw, err := Encode(&Ping{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// No writer goroutine is draining, so the queue fills and overflow drops.
	queued := 0
	for i := 0; i < peerQueueSize+10; i++ {
		if peer.SendRaw(raw) {
			queued++
		}
	}
	if queued != peerQueueSize {
		t.Fatalf("queued = %d, want %d", queued, peerQueueSize)
	}
	if peer.Dropped() != 10 {
		t.Fatalf("dropped = %d, want 10", peer.Dropped())
	}
}

func TestClientSendDropsWhenQueueFull(t *testing.T) {
	client := NewClient(ClientConfig{Name: "worker", Path: "/nonexistent.sock", QueueSize: 1}, nil, nil, testLogger(t))

	if !client.Send(&Ping{}) {
		t.Fatal("first send should queue")
	}
	if client.Send(&Ping{}) {
		t.Fatal("second send should drop")
	}
	if client.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", client.Dropped())
	}
}

func TestStartRemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stale.sock")

	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("pre-bind: %v", err)
	}
	// Close without unlinking to leave a stale socket file behind.
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = ln.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stale socket should remain: %v", err)
	}

	srv := NewServer("test", path, nil, testLogger(t))
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start over stale socket: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = srv.Close(ctx)
}

func TestStartRefusesNonSocketPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "occupied")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	srv := NewServer("test", path, nil, testLogger(t))
	if err := srv.Start(context.Background()); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Close(ctx)
		t.Fatal("Start should refuse a non-socket path")
	}
}

func TestDisconnectNotifiesHandler(t *testing.T) {
	handler := newRecordingHandler()
	_, path := startServer(t, handler)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	raw, _ := Encode(&Hello{Channel: "alpha", ChannelID: "100"})
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	handler.waitForMessages(t, 1)

	_ = conn.Close()

	deadline := time.After(5 * time.Second)
	for {
		handler.mu.Lock()
		n := handler.disconnects
		handler.mu.Unlock()
		if n == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("disconnects = %d, want 1", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
