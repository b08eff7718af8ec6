package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perch.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
runDir: /tmp/perch-test
channels:
  - login: Streamer_One
    id: "100"
    topics: [stream.online, stream.online, channel.follow]
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Supervisor.HealthCheckInterval != 30*time.Second {
		t.Fatalf("healthCheckInterval = %v, want 30s", cfg.Supervisor.HealthCheckInterval)
	}
	if cfg.Supervisor.MaxCrashCount != 3 {
		t.Fatalf("maxCrashCount = %d, want 3", cfg.Supervisor.MaxCrashCount)
	}
	if cfg.Monitor.StaleTimeout != time.Minute {
		t.Fatalf("staleTimeout = %v, want 1m", cfg.Monitor.StaleTimeout)
	}
	if cfg.Monitor.QueueSize != 1000 {
		t.Fatalf("queueSize = %d, want 1000", cfg.Monitor.QueueSize)
	}
	if cfg.Monitor.RetentionDays != 7 {
		t.Fatalf("dataRetentionDays = %d, want 7", cfg.Monitor.RetentionDays)
	}
	if cfg.EventSub.ReqRatePerSec != 1.5 {
		t.Fatalf("reqRatePerSec = %v, want 1.5", cfg.EventSub.ReqRatePerSec)
	}
	if cfg.EventSub.WSBackoffBase != 2*time.Second || cfg.EventSub.WSBackoffMax != time.Minute {
		t.Fatalf("ws backoff = %v/%v, want 2s/1m", cfg.EventSub.WSBackoffBase, cfg.EventSub.WSBackoffMax)
	}
	if cfg.Sockets.Hub != filepath.Join("/tmp/perch-test", "hub.sock") {
		t.Fatalf("hub socket = %q", cfg.Sockets.Hub)
	}
	if cfg.Sockets.Monitor != filepath.Join("/tmp/perch-test", "monitor.sock") {
		t.Fatalf("monitor socket = %q", cfg.Sockets.Monitor)
	}
	if cfg.Database.MaxConns != 8 || cfg.Database.MinConns != 1 {
		t.Fatalf("database conns = %d/%d, want 8/1", cfg.Database.MaxConns, cfg.Database.MinConns)
	}
	if cfg.Telemetry.ServiceName != "perch" {
		t.Fatalf("serviceName = %q, want perch", cfg.Telemetry.ServiceName)
	}
}

func TestLoadNormalisesChannels(t *testing.T) {
	path := writeConfigFile(t, `
runDir: /tmp/perch-test
channels:
  - login: "  Streamer_One "
    id: " 100 "
    topics: ["channel.chat.message", "", "channel.chat.message"]
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := cfg.Channels[0]
	if ch.Login != "streamer_one" {
		t.Fatalf("login = %q, want streamer_one", ch.Login)
	}
	if ch.ID != "100" {
		t.Fatalf("id = %q, want 100", ch.ID)
	}
	if ch.Role != RoleBot {
		t.Fatalf("role = %q, want bot default", ch.Role)
	}
	if len(ch.Topics) != 1 || ch.Topics[0] != "channel.chat.message" {
		t.Fatalf("topics = %v, want deduplicated single entry", ch.Topics)
	}
}

func TestLoadParsesDurationsAndOverrides(t *testing.T) {
	path := writeConfigFile(t, `
runDir: /tmp/perch-test
supervisor:
  healthCheckInterval: 15s
  maxCrashCount: 5
  interStartDelay: 250ms
monitor:
  staleTimeout: 90s
  sweepInterval: 5s
  dataRetentionDays: 14
eventsub:
  wsUrl: wss://example.test/ws
  apiUrl: https://example.test/helix/
  reconcileInterval: 2m
  reqRatePerSec: 0.5
database:
  dsn: postgresql://db:5432/perch
  maxConns: 16
  runMigrations: true
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Supervisor.HealthCheckInterval != 15*time.Second {
		t.Fatalf("healthCheckInterval = %v, want 15s", cfg.Supervisor.HealthCheckInterval)
	}
	if cfg.Supervisor.MaxCrashCount != 5 {
		t.Fatalf("maxCrashCount = %d, want 5", cfg.Supervisor.MaxCrashCount)
	}
	if cfg.Supervisor.InterStartDelay != 250*time.Millisecond {
		t.Fatalf("interStartDelay = %v, want 250ms", cfg.Supervisor.InterStartDelay)
	}
	if cfg.Monitor.StaleTimeout != 90*time.Second {
		t.Fatalf("staleTimeout = %v, want 90s", cfg.Monitor.StaleTimeout)
	}
	if cfg.Monitor.RetentionDays != 14 {
		t.Fatalf("dataRetentionDays = %d, want 14", cfg.Monitor.RetentionDays)
	}
	if cfg.EventSub.APIURL != "https://example.test/helix" {
		t.Fatalf("apiUrl = %q, want trailing slash trimmed", cfg.EventSub.APIURL)
	}
	if cfg.EventSub.ReconcileInterval != 2*time.Minute {
		t.Fatalf("reconcileInterval = %v, want 2m", cfg.EventSub.ReconcileInterval)
	}
	if cfg.EventSub.ReqRatePerSec != 0.5 {
		t.Fatalf("reqRatePerSec = %v, want 0.5", cfg.EventSub.ReqRatePerSec)
	}
	if !cfg.Database.RunMigrations {
		t.Fatal("runMigrations should be true")
	}
	if cfg.Database.MaxConns != 16 {
		t.Fatalf("maxConns = %d, want 16", cfg.Database.MaxConns)
	}
}

func TestLoadRejectsDuplicateChannels(t *testing.T) {
	path := writeConfigFile(t, `
runDir: /tmp/perch-test
channels:
  - login: alpha
    id: "100"
  - login: Alpha
    id: "200"
`)

	if _, err := Load(context.Background(), path); err == nil {
		t.Fatal("expected duplicate login error")
	}
}

func TestLoadRejectsInvalidRole(t *testing.T) {
	path := writeConfigFile(t, `
runDir: /tmp/perch-test
channels:
  - login: alpha
    id: "100"
    role: admin
`)

	if _, err := Load(context.Background(), path); err == nil {
		t.Fatal("expected role validation error")
	}
}

func TestLoadRejectsChannelWithoutID(t *testing.T) {
	path := writeConfigFile(t, `
runDir: /tmp/perch-test
channels:
  - login: alpha
`)

	if _, err := Load(context.Background(), path); err == nil {
		t.Fatal("expected missing id error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, found, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if found {
		t.Fatal("found should be false for a missing file")
	}
	if cfg.RunDir != "/run/perch" {
		t.Fatalf("runDir = %q, want /run/perch", cfg.RunDir)
	}
	if cfg.Sockets.Hub != "/run/perch/hub.sock" {
		t.Fatalf("hub socket = %q", cfg.Sockets.Hub)
	}
}

func TestChannelLookup(t *testing.T) {
	cfg := Default()
	cfg.Channels = []ChannelConfig{{Login: "alpha", ID: "100", Role: RoleBot}}

	if _, ok := cfg.Channel("ALPHA"); !ok {
		t.Fatal("lookup should be case-insensitive")
	}
	if _, ok := cfg.Channel("missing"); ok {
		t.Fatal("lookup for unknown login should fail")
	}
}
