package monitor

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/perchbot/perch/internal/ipc"
	"github.com/perchbot/perch/internal/registry"
)

func writeFrame(t *testing.T, conn net.Conn, msg ipc.Message) {
	t.Helper()
	raw, err := ipc.Encode(msg)
	if err != nil {
		t.Fatalf("encode %s: %v", msg.MessageType(), err)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("write %s: %v", msg.MessageType(), err)
	}
}

func TestMonitorEndToEnd(t *testing.T) {
	workers := newMemWorkerStore()
	usage := &memUsageStore{}
	audit := &memAuditStore{}

	sock := filepath.Join(t.TempDir(), "monitor.sock")
	cfg := Config{
		SocketPath:       sock,
		QueueSize:        64,
		StaleTimeout:     300 * time.Millisecond,
		SweepInterval:    25 * time.Millisecond,
		OfflineRetention: time.Hour,
	}
	m, err := New(cfg, Stores{Workers: workers, Usage: usage, Audit: audit}, quietLogger())
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	waitFor(t, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, "socket to appear")

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial monitor: %v", err)
	}
	defer conn.Close()

	writeFrame(t, conn, &ipc.Register{Channel: "alpha", PID: 7, Features: map[string]bool{"chat": true}})
	rss := 33.0
	writeFrame(t, conn, &ipc.Heartbeat{Channel: "alpha", PID: 7, RSSMB: &rss})
	writeFrame(t, conn, usageFrame("gpt-test"))

	waitFor(t, func() bool {
		_, ok := workers.get("alpha")
		return ok && workers.sampleCount() == 1 && usage.count() == 1
	}, "telemetry to persist")

	reg, _ := workers.get("alpha")
	if reg.PID != 7 {
		t.Fatalf("pid = %d, want 7", reg.PID)
	}

	// A frame meant for the hub is ignored without disturbing the stream.
	writeFrame(t, conn, &ipc.Hello{Channel: "chan-alpha", ChannelID: "100", Topics: []string{"channel.chat.message"}})
	writeFrame(t, conn, usageFrame("gpt-after"))
	waitFor(t, func() bool { return usage.count() == 2 }, "frame after misdirected hello")

	// No more heartbeats: the sweep flips the worker to stale.
	waitFor(t, func() bool {
		reg, ok := workers.get("alpha")
		return ok && reg.Status == registry.WorkerStale
	}, "worker to go stale")

	writeFrame(t, conn, &ipc.Unregister{Channel: "alpha", PID: 7})
	waitFor(t, func() bool {
		reg, ok := workers.get("alpha")
		return ok && reg.Status == registry.WorkerOffline
	}, "worker to go offline")

	if n := m.TelemetryDropped(); n != 0 {
		t.Fatalf("dropped = %d, want 0", n)
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestNewRejectsBadRetentionCron(t *testing.T) {
	cfg := Config{SocketPath: filepath.Join(t.TempDir(), "m.sock"), RetentionCron: "not a schedule"}
	if _, err := New(cfg, Stores{Workers: newMemWorkerStore(), Usage: &memUsageStore{}, Audit: &memAuditStore{}}, quietLogger()); err == nil {
		t.Fatal("expected schedule validation error")
	}
}
