// Package config manages platform configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChannelRole distinguishes the account kind a channel runs under.
type ChannelRole string

const (
	// RoleBot marks a channel operated through the shared bot account.
	RoleBot ChannelRole = "bot"
	// RoleBroadcaster marks a channel operated through the broadcaster's own account.
	RoleBroadcaster ChannelRole = "broadcaster"
)

// ChannelConfig describes one tenant channel hosted by the platform.
type ChannelConfig struct {
	Login  string      `yaml:"login"`
	ID     string      `yaml:"id"`
	Role   ChannelRole `yaml:"role"`
	Topics []string    `yaml:"topics"`
}

// SocketsConfig holds the Unix socket paths shared between processes.
type SocketsConfig struct {
	Hub     string `yaml:"hub"`
	Monitor string `yaml:"monitor"`
}

// SupervisorConfig controls child process lifecycle management.
type SupervisorConfig struct {
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval"`
	MaxCrashCount       int           `yaml:"maxCrashCount"`
	CrashWindow         time.Duration `yaml:"crashWindow"`
	InterStartDelay     time.Duration `yaml:"interStartDelay"`
	StopTimeout         time.Duration `yaml:"stopTimeout"`
}

// MonitorConfig controls the telemetry sink sidecar.
type MonitorConfig struct {
	Enabled          bool          `yaml:"enabled"`
	StaleTimeout     time.Duration `yaml:"staleTimeout"`
	SweepInterval    time.Duration `yaml:"sweepInterval"`
	OfflineRetention time.Duration `yaml:"offlineRetention"`
	RetentionDays    int           `yaml:"dataRetentionDays"`
	RetentionCron    string        `yaml:"retentionCron"`
	QueueSize        int           `yaml:"queueSize"`
	ArchiveDir       string        `yaml:"archiveDir"`
}

// WorkerConfig controls per-channel worker behaviour.
type WorkerConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
}

// EventSubConfig tunes the hub's upstream session and reconciliation loop.
type EventSubConfig struct {
	WSURL                   string        `yaml:"wsUrl"`
	APIURL                  string        `yaml:"apiUrl"`
	ClientID                string        `yaml:"clientId"`
	BotUserID               string        `yaml:"botUserId"`
	ReconcileInterval       time.Duration `yaml:"reconcileInterval"`
	ReqRatePerSec           float64       `yaml:"reqRatePerSec"`
	ReqJitterMS             int           `yaml:"reqJitterMs"`
	WSBackoffBase           time.Duration `yaml:"wsBackoffBase"`
	WSBackoffMax            time.Duration `yaml:"wsBackoffMax"`
	MaxCostRetryAttempts    int           `yaml:"maxCostRetryAttempts"`
	SessionHandshakeTimeout time.Duration `yaml:"sessionHandshakeTimeout"`
	ErrorBurstThreshold     int           `yaml:"errorBurstThreshold"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	// MigrationsDir points at on-disk SQL migrations. Empty means the copy
	// embedded in the binary, so deployed hosts need no checkout.
	MigrationsDir string `yaml:"migrationsDir"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// PlatformConfig is the unified Perch configuration sourced from YAML. All
// binaries read the same file; each consumes the sections it needs.
type PlatformConfig struct {
	RunDir                  string           `yaml:"runDir"`
	BinDir                  string           `yaml:"binDir"`
	Channels                []ChannelConfig  `yaml:"channels"`
	Sockets                 SocketsConfig    `yaml:"sockets"`
	Supervisor              SupervisorConfig `yaml:"supervisor"`
	Monitor                 MonitorConfig    `yaml:"monitor"`
	Worker                  WorkerConfig     `yaml:"worker"`
	EventSub                EventSubConfig   `yaml:"eventsub"`
	CredentialStoreEndpoint string           `yaml:"credentialStoreEndpoint"`
	Database                DatabaseConfig   `yaml:"database"`
	Telemetry               TelemetryConfig  `yaml:"telemetry"`
}

// Load reads and validates a PlatformConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (PlatformConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return PlatformConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return PlatformConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg PlatformConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return PlatformConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.normalise(); err != nil {
		return PlatformConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return PlatformConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to built-in defaults when the
// file is absent. The second return reports whether the file was found.
func LoadOrDefault(ctx context.Context, configPath string) (PlatformConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), false, nil
		}
		return PlatformConfig{}, false, err
	}
	return cfg, true, nil
}

// Default returns the built-in configuration used when no file is present.
func Default() PlatformConfig {
	var cfg PlatformConfig
	cfg.applyDefaults()
	if err := cfg.normalise(); err != nil {
		// Defaults carry no channels, so normalise cannot fail.
		panic(fmt.Sprintf("config: default normalise: %v", err))
	}
	return cfg
}

func (c *PlatformConfig) applyDefaults() {
	if strings.TrimSpace(c.RunDir) == "" {
		c.RunDir = "/run/perch"
	}

	if c.Supervisor.HealthCheckInterval <= 0 {
		c.Supervisor.HealthCheckInterval = 30 * time.Second
	}
	if c.Supervisor.MaxCrashCount <= 0 {
		c.Supervisor.MaxCrashCount = 3
	}
	if c.Supervisor.CrashWindow <= 0 {
		c.Supervisor.CrashWindow = 10 * time.Minute
	}
	if c.Supervisor.InterStartDelay <= 0 {
		c.Supervisor.InterStartDelay = 500 * time.Millisecond
	}
	if c.Supervisor.StopTimeout <= 0 {
		c.Supervisor.StopTimeout = 10 * time.Second
	}

	if c.Monitor.StaleTimeout <= 0 {
		c.Monitor.StaleTimeout = 60 * time.Second
	}
	if c.Monitor.SweepInterval <= 0 {
		c.Monitor.SweepInterval = 10 * time.Second
	}
	if c.Monitor.OfflineRetention <= 0 {
		c.Monitor.OfflineRetention = 24 * time.Hour
	}
	if c.Monitor.RetentionDays <= 0 {
		c.Monitor.RetentionDays = 7
	}
	if strings.TrimSpace(c.Monitor.RetentionCron) == "" {
		c.Monitor.RetentionCron = "0 4 * * *"
	}
	if c.Monitor.QueueSize <= 0 {
		c.Monitor.QueueSize = 1000
	}

	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = 30 * time.Second
	}

	if strings.TrimSpace(c.EventSub.WSURL) == "" {
		c.EventSub.WSURL = "wss://eventsub.wss.twitch.tv/ws"
	}
	if strings.TrimSpace(c.EventSub.APIURL) == "" {
		c.EventSub.APIURL = "https://api.twitch.tv/helix"
	}
	if c.EventSub.ReconcileInterval <= 0 {
		c.EventSub.ReconcileInterval = time.Minute
	}
	if c.EventSub.ReqRatePerSec <= 0 {
		c.EventSub.ReqRatePerSec = 1.5
	}
	if c.EventSub.ReqJitterMS <= 0 {
		c.EventSub.ReqJitterMS = 300
	}
	if c.EventSub.WSBackoffBase <= 0 {
		c.EventSub.WSBackoffBase = 2 * time.Second
	}
	if c.EventSub.WSBackoffMax <= 0 {
		c.EventSub.WSBackoffMax = time.Minute
	}
	if c.EventSub.MaxCostRetryAttempts <= 0 {
		c.EventSub.MaxCostRetryAttempts = 3
	}
	if c.EventSub.SessionHandshakeTimeout <= 0 {
		c.EventSub.SessionHandshakeTimeout = 10 * time.Second
	}
	if c.EventSub.ErrorBurstThreshold <= 0 {
		c.EventSub.ErrorBurstThreshold = 5
	}

	if strings.TrimSpace(c.CredentialStoreEndpoint) == "" {
		c.CredentialStoreEndpoint = "http://127.0.0.1:9190"
	}

	c.Database.applyDefaults()

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "perch"
	}
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/perch"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
}

func (c *PlatformConfig) normalise() error {
	c.RunDir = filepath.Clean(strings.TrimSpace(c.RunDir))
	c.BinDir = strings.TrimSpace(c.BinDir)
	if c.BinDir != "" {
		c.BinDir = filepath.Clean(c.BinDir)
	}

	seenLogins := make(map[string]struct{}, len(c.Channels))
	seenIDs := make(map[string]struct{}, len(c.Channels))
	for i := range c.Channels {
		ch := &c.Channels[i]
		ch.Login = strings.ToLower(strings.TrimSpace(ch.Login))
		ch.ID = strings.TrimSpace(ch.ID)
		ch.Role = ChannelRole(strings.ToLower(strings.TrimSpace(string(ch.Role))))
		if ch.Role == "" {
			ch.Role = RoleBot
		}
		if ch.Login != "" {
			if _, dup := seenLogins[ch.Login]; dup {
				return fmt.Errorf("duplicate channel login %q", ch.Login)
			}
			seenLogins[ch.Login] = struct{}{}
		}
		if ch.ID != "" {
			if _, dup := seenIDs[ch.ID]; dup {
				return fmt.Errorf("duplicate channel id %q", ch.ID)
			}
			seenIDs[ch.ID] = struct{}{}
		}

		topics := make([]string, 0, len(ch.Topics))
		seenTopics := make(map[string]struct{}, len(ch.Topics))
		for _, topic := range ch.Topics {
			trimmed := strings.TrimSpace(topic)
			if trimmed == "" {
				continue
			}
			if _, dup := seenTopics[trimmed]; dup {
				continue
			}
			seenTopics[trimmed] = struct{}{}
			topics = append(topics, trimmed)
		}
		ch.Topics = topics
	}

	if strings.TrimSpace(c.Sockets.Hub) == "" {
		c.Sockets.Hub = filepath.Join(c.RunDir, "hub.sock")
	}
	if strings.TrimSpace(c.Sockets.Monitor) == "" {
		c.Sockets.Monitor = filepath.Join(c.RunDir, "monitor.sock")
	}
	c.Sockets.Hub = filepath.Clean(c.Sockets.Hub)
	c.Sockets.Monitor = filepath.Clean(c.Sockets.Monitor)

	c.Monitor.ArchiveDir = strings.TrimSpace(c.Monitor.ArchiveDir)
	c.EventSub.WSURL = strings.TrimSpace(c.EventSub.WSURL)
	c.EventSub.APIURL = strings.TrimRight(strings.TrimSpace(c.EventSub.APIURL), "/")
	c.EventSub.ClientID = strings.TrimSpace(c.EventSub.ClientID)
	c.EventSub.BotUserID = strings.TrimSpace(c.EventSub.BotUserID)
	c.CredentialStoreEndpoint = strings.TrimRight(strings.TrimSpace(c.CredentialStoreEndpoint), "/")
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	return nil
}

// Validate performs semantic validation on the configuration.
func (c PlatformConfig) Validate() error {
	if c.RunDir == "" {
		return fmt.Errorf("runDir required")
	}

	for _, ch := range c.Channels {
		if ch.Login == "" {
			return fmt.Errorf("channel login required")
		}
		if ch.ID == "" {
			return fmt.Errorf("channel %q: id required", ch.Login)
		}
		switch ch.Role {
		case RoleBot, RoleBroadcaster:
		default:
			return fmt.Errorf("channel %q: role must be one of bot, broadcaster", ch.Login)
		}
	}

	if c.Supervisor.HealthCheckInterval <= 0 {
		return fmt.Errorf("supervisor healthCheckInterval must be positive")
	}
	if c.Supervisor.MaxCrashCount <= 0 {
		return fmt.Errorf("supervisor maxCrashCount must be positive")
	}
	if c.Supervisor.StopTimeout <= 0 {
		return fmt.Errorf("supervisor stopTimeout must be positive")
	}

	if c.Monitor.StaleTimeout <= 0 {
		return fmt.Errorf("monitor staleTimeout must be positive")
	}
	if c.Monitor.SweepInterval <= 0 {
		return fmt.Errorf("monitor sweepInterval must be positive")
	}
	if c.Monitor.RetentionDays <= 0 {
		return fmt.Errorf("monitor dataRetentionDays must be positive")
	}
	if c.Monitor.QueueSize <= 0 {
		return fmt.Errorf("monitor queueSize must be positive")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeatInterval must be positive")
	}

	if c.EventSub.WSURL == "" {
		return fmt.Errorf("eventsub wsUrl required")
	}
	if c.EventSub.APIURL == "" {
		return fmt.Errorf("eventsub apiUrl required")
	}
	if c.EventSub.ReqRatePerSec <= 0 {
		return fmt.Errorf("eventsub reqRatePerSec must be positive")
	}
	if c.EventSub.WSBackoffBase <= 0 || c.EventSub.WSBackoffMax < c.EventSub.WSBackoffBase {
		return fmt.Errorf("eventsub backoff must satisfy 0 < wsBackoffBase <= wsBackoffMax")
	}

	if c.CredentialStoreEndpoint == "" {
		return fmt.Errorf("credentialStoreEndpoint required")
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	return nil
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be positive")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be non-negative")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must not exceed maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be positive")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be positive")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be positive")
	}
	return nil
}

// Channel returns the channel configuration for the given login.
func (c PlatformConfig) Channel(login string) (ChannelConfig, bool) {
	needle := strings.ToLower(strings.TrimSpace(login))
	for _, ch := range c.Channels {
		if ch.Login == needle {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open platform config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
