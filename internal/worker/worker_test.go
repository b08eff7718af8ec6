package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/perchbot/perch/errs"
	"github.com/perchbot/perch/internal/config"
	"github.com/perchbot/perch/internal/ipc"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(os.Stderr, "[worker-test] ", log.LstdFlags)
}

func testChannel() config.ChannelConfig {
	return config.ChannelConfig{
		Login:  "alpha",
		ID:     "100",
		Role:   config.RoleBot,
		Topics: []string{"stream.online", "channel.follow"},
	}
}

// frameSink is a recording ipc.Handler standing in for the hub or monitor.
type frameSink struct {
	mu     sync.Mutex
	frames []ipc.Message
	peers  []*ipc.Peer
	got    chan struct{}
}

func newFrameSink() *frameSink { return &frameSink{got: make(chan struct{}, 64)} }

func (s *frameSink) HandleMessage(_ context.Context, peer *ipc.Peer, msg ipc.Message) {
	s.mu.Lock()
	s.frames = append(s.frames, msg)
	s.peers = append(s.peers, peer)
	s.mu.Unlock()
	select {
	case s.got <- struct{}{}:
	default:
	}
}

func (s *frameSink) HandleDisconnect(*ipc.Peer) {}

// wait blocks until a frame matching the predicate has arrived.
func (s *frameSink) wait(t *testing.T, what string, match func(ipc.Message) bool) ipc.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		for _, msg := range s.frames {
			if match(msg) {
				s.mu.Unlock()
				return msg
			}
		}
		s.mu.Unlock()
		select {
		case <-s.got:
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (s *frameSink) peer(t *testing.T) *ipc.Peer {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		if len(s.peers) > 0 {
			p := s.peers[0]
			s.mu.Unlock()
			return p
		}
		s.mu.Unlock()
		select {
		case <-s.got:
		case <-deadline:
			t.Fatal("timed out waiting for a peer")
		}
	}
}

func startSink(t *testing.T, name string) (*frameSink, string) {
	t.Helper()
	sink := newFrameSink()
	path := filepath.Join(t.TempDir(), name+".sock")
	srv := ipc.NewServer(name, path, sink, testLogger(t))
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start %s sink: %v", name, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Close(ctx)
	})
	return sink, path
}

func startWorker(t *testing.T, cfg Config) (*Worker, context.CancelFunc) {
	t.Helper()
	w, err := New(cfg, testLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return w, cancel
}

func TestWorkerAnnouncesOnHubConnect(t *testing.T) {
	hub, hubPath := startSink(t, "hub")
	_, monPath := startSink(t, "monitor")

	startWorker(t, Config{
		Channel:       testChannel(),
		HubSocket:     hubPath,
		MonitorSocket: monPath,
	})

	hello := hub.wait(t, "hello", func(m ipc.Message) bool {
		_, ok := m.(*ipc.Hello)
		return ok
	}).(*ipc.Hello)
	if hello.Channel != "alpha" || hello.ChannelID != "100" {
		t.Fatalf("hello identity = %q/%q", hello.Channel, hello.ChannelID)
	}
	if len(hello.Topics) != 2 {
		t.Fatalf("hello topics = %v", hello.Topics)
	}

	for _, topic := range testChannel().Topics {
		topic := topic
		sub := hub.wait(t, "subscribe "+topic, func(m ipc.Message) bool {
			s, ok := m.(*ipc.Subscribe)
			return ok && s.Topic == topic
		}).(*ipc.Subscribe)
		if sub.ChannelID != "100" {
			t.Fatalf("subscribe %s channel_id = %q", topic, sub.ChannelID)
		}
	}
}

func TestWorkerRegistersAndHeartbeats(t *testing.T) {
	_, hubPath := startSink(t, "hub")
	mon, monPath := startSink(t, "monitor")

	startWorker(t, Config{
		Channel:           testChannel(),
		HubSocket:         hubPath,
		MonitorSocket:     monPath,
		HeartbeatInterval: 50 * time.Millisecond,
		Features:          map[string]bool{"chat": true},
	})

	reg := mon.wait(t, "register", func(m ipc.Message) bool {
		_, ok := m.(*ipc.Register)
		return ok
	}).(*ipc.Register)
	if reg.Channel != "alpha" || reg.PID != os.Getpid() {
		t.Fatalf("register = %+v", reg)
	}
	if !reg.Features["chat"] {
		t.Fatalf("register features = %v", reg.Features)
	}

	hb := mon.wait(t, "heartbeat", func(m ipc.Message) bool {
		_, ok := m.(*ipc.Heartbeat)
		return ok
	}).(*ipc.Heartbeat)
	if hb.Channel != "alpha" || hb.PID != os.Getpid() {
		t.Fatalf("heartbeat = %+v", hb)
	}
}

func TestWorkerDispatchesEventsByTopic(t *testing.T) {
	hub, hubPath := startSink(t, "hub")
	_, monPath := startSink(t, "monitor")

	w, _ := startWorker(t, Config{
		Channel:       testChannel(),
		HubSocket:     hubPath,
		MonitorSocket: monPath,
	})

	routed := make(chan *ipc.Event, 4)
	w.HandleTopic("stream.online", func(_ context.Context, evt *ipc.Event) {
		routed <- evt
	})
	fallback := make(chan *ipc.Event, 4)
	w.HandleDefault(func(_ context.Context, evt *ipc.Event) {
		fallback <- evt
	})

	peer := hub.peer(t)
	if !peer.Send(&ipc.Event{ChannelID: "100", Topic: "stream.online", EventID: "e-1", Payload: json.RawMessage(`{"live":true}`)}) {
		t.Fatal("peer Send should queue")
	}
	if !peer.Send(&ipc.Event{ChannelID: "100", Topic: "channel.raid", EventID: "e-2", Payload: json.RawMessage(`{}`)}) {
		t.Fatal("peer Send should queue")
	}

	select {
	case evt := <-routed:
		if evt.EventID != "e-1" {
			t.Fatalf("routed event = %+v", evt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for routed event")
	}
	select {
	case evt := <-fallback:
		if evt.EventID != "e-2" {
			t.Fatalf("fallback event = %+v", evt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fallback event")
	}
}

func TestWorkerDropsEventsWhenQueueFull(t *testing.T) {
	w, err := New(Config{
		Channel:           testChannel(),
		HubSocket:         "/tmp/unused-hub.sock",
		MonitorSocket:     "/tmp/unused-monitor.sock",
		DispatchQueueSize: 1,
	}, testLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	// No dispatch loop is draining, so the second event overflows.
	w.onHubMessage(ctx, &ipc.Event{ChannelID: "100", Topic: "stream.online", Payload: json.RawMessage(`{}`)})
	w.onHubMessage(ctx, &ipc.Event{ChannelID: "100", Topic: "stream.online", Payload: json.RawMessage(`{}`)})
	if w.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", w.Dropped())
	}

	// Non-event frames are ignored, not queued or counted.
	w.onHubMessage(ctx, &ipc.Ping{})
	if w.Dropped() != 1 {
		t.Fatalf("dropped after ping = %d, want 1", w.Dropped())
	}
}

func TestReportUsageReachesMonitor(t *testing.T) {
	_, hubPath := startSink(t, "hub")
	mon, monPath := startSink(t, "monitor")

	w, _ := startWorker(t, Config{
		Channel:       testChannel(),
		HubSocket:     hubPath,
		MonitorSocket: monPath,
	})

	mon.wait(t, "register", func(m ipc.Message) bool {
		_, ok := m.(*ipc.Register)
		return ok
	})

	cost := decimal.RequireFromString("0.000125")
	if !w.ReportUsage("gpt-4o-mini", "chat_reply", 420, 96, 1450, cost) {
		t.Fatal("ReportUsage should queue")
	}

	usage := mon.wait(t, "llm_usage", func(m ipc.Message) bool {
		_, ok := m.(*ipc.LLMUsage)
		return ok
	}).(*ipc.LLMUsage)
	if usage.Channel != "alpha" || usage.Model != "gpt-4o-mini" || usage.Feature != "chat_reply" {
		t.Fatalf("usage = %+v", usage)
	}
	if usage.TokensIn != 420 || usage.TokensOut != 96 || usage.LatencyMS != 1450 {
		t.Fatalf("usage numbers = %+v", usage)
	}
	if !usage.EstimatedCost.Equal(cost) {
		t.Fatalf("cost = %s, want %s", usage.EstimatedCost, cost)
	}
}

func TestWorkerUnregistersOnShutdown(t *testing.T) {
	_, hubPath := startSink(t, "hub")
	mon, monPath := startSink(t, "monitor")

	_, cancel := startWorker(t, Config{
		Channel:       testChannel(),
		HubSocket:     hubPath,
		MonitorSocket: monPath,
	})

	mon.wait(t, "register", func(m ipc.Message) bool {
		_, ok := m.(*ipc.Register)
		return ok
	})

	cancel()

	unreg := mon.wait(t, "unregister", func(m ipc.Message) bool {
		_, ok := m.(*ipc.Unregister)
		return ok
	}).(*ipc.Unregister)
	if unreg.Channel != "alpha" || unreg.PID != os.Getpid() {
		t.Fatalf("unregister = %+v", unreg)
	}
}

func TestJitteredIntervalBounds(t *testing.T) {
	w := &Worker{cfg: Config{HeartbeatInterval: 100 * time.Millisecond}}
	lo := 90 * time.Millisecond
	hi := 110 * time.Millisecond
	for i := 0; i < 200; i++ {
		v := w.jitteredInterval()
		if v < lo || v >= hi {
			t.Fatalf("interval %v outside [%v, %v)", v, lo, hi)
		}
	}
}

// scriptedChat is a ChatTransport with programmable connect failures.
type scriptedChat struct {
	mu       sync.Mutex
	connects int
	failures int
	sent     []string
	closes   int
	lines    chan string
}

func newScriptedChat(failures int) *scriptedChat {
	return &scriptedChat{failures: failures, lines: make(chan string, 16)}
}

func (c *scriptedChat) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connects <= c.failures {
		return fmt.Errorf("connection refused")
	}
	return nil
}

func (c *scriptedChat) ReadLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-c.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *scriptedChat) SendLine(_ context.Context, line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, line)
	return nil
}

func (c *scriptedChat) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *scriptedChat) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *scriptedChat) sentLines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func TestChatRunnerReconnectsAndDeliversLines(t *testing.T) {
	transport := newScriptedChat(1)
	inbound := make(chan string, 4)
	runner := newChatRunner("alpha", transport, func(_ context.Context, line string) {
		inbound <- line
	}, newInstruments(), testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		runner.run(ctx)
	}()

	// First connect fails; the runner retries after ~1s backoff.
	transport.lines <- "PING :tmi.twitch.tv"
	select {
	case line := <-inbound:
		if line != "PING :tmi.twitch.tv" {
			t.Fatalf("line = %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for chat line")
	}
	if got := transport.connectCount(); got != 2 {
		t.Fatalf("connects = %d, want 2", got)
	}
	if !runner.Connected() {
		t.Fatal("runner should report connected")
	}

	if err := runner.send(ctx, "PONG :tmi.twitch.tv"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if lines := transport.sentLines(); len(lines) != 1 || lines[0] != "PONG :tmi.twitch.tv" {
		t.Fatalf("sent = %v", lines)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	if runner.Connected() {
		t.Fatal("runner should report disconnected after stop")
	}
}

func TestSendChatWithoutTransport(t *testing.T) {
	w, err := New(Config{
		Channel:       testChannel(),
		HubSocket:     "/tmp/unused-hub.sock",
		MonitorSocket: "/tmp/unused-monitor.sock",
	}, testLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = w.SendChat(context.Background(), "hello")
	if err == nil {
		t.Fatal("SendChat should fail without a transport")
	}
	if !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("error code = %q, want %q", errs.CodeOf(err), errs.CodeUnavailable)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing login", Config{Channel: config.ChannelConfig{ID: "100"}, HubSocket: "h", MonitorSocket: "m"}},
		{"missing id", Config{Channel: config.ChannelConfig{Login: "alpha"}, HubSocket: "h", MonitorSocket: "m"}},
		{"missing sockets", Config{Channel: testChannel()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg, testLogger(t)); err == nil {
				t.Fatal("New should reject config")
			}
		})
	}
}

func TestRunReturnsContextError(t *testing.T) {
	_, hubPath := startSink(t, "hub")
	_, monPath := startSink(t, "monitor")

	w, err := New(Config{
		Channel:       testChannel(),
		HubSocket:     hubPath,
		MonitorSocket: monPath,
	}, testLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case runErr := <-errCh:
		if !errors.Is(runErr, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", runErr)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}
