// Command perchd runs the perch supervisor: it boots the monitor sink, the
// EventSub hub, and one worker per configured channel, then keeps the tree
// alive until it is told to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	dbmigrations "github.com/perchbot/perch/db/migrations"
	"github.com/perchbot/perch/internal/config"
	"github.com/perchbot/perch/internal/credential"
	"github.com/perchbot/perch/internal/registry/migrations"
	"github.com/perchbot/perch/internal/registry/postgres"
	"github.com/perchbot/perch/internal/supervisor"
	"github.com/perchbot/perch/internal/telemetry"
)

const (
	defaultConfigPath        = "config/perch.yaml"
	perchdLoggerPrefix       = "perchd "
	poolShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, perchdLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	configPath := resolveConfigPath(cfgPathFlag)
	cfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: channels=%d, runDir=%s", len(cfg.Channels), cfg.RunDir)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	if cfg.Database.RunMigrations {
		if err := applyMigrations(ctx, cfg.Database, logger); err != nil {
			logger.Fatalf("apply migrations: %v", err)
		}
	}

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatalf("open registry: %v", err)
	}
	postgres.ObservePoolMetrics(pool, "perchd")
	reg := postgres.New(pool)

	creds := credential.NewHTTPSource(credential.HTTPSourceConfig{
		Endpoint: cfg.CredentialStoreEndpoint,
	})

	// Children load the same file; only forward the path when it exists so a
	// defaults-only run does not point them at a missing file.
	childConfigPath := ""
	if loadedFromFile {
		childConfigPath = configPath
	}

	sup, err := supervisor.New(supervisor.Config{
		RunDir:              cfg.RunDir,
		BinDir:              resolveBinDir(cfg.BinDir),
		ConfigPath:          childConfigPath,
		Channels:            cfg.Channels,
		Sockets:             cfg.Sockets,
		HealthCheckInterval: cfg.Supervisor.HealthCheckInterval,
		MaxCrashCount:       cfg.Supervisor.MaxCrashCount,
		CrashWindow:         cfg.Supervisor.CrashWindow,
		InterStartDelay:     cfg.Supervisor.InterStartDelay,
		StopTimeout:         cfg.Supervisor.StopTimeout,
		MonitorEnabled:      cfg.Monitor.Enabled,
		BotUserID:           cfg.EventSub.BotUserID,
	}, creds, reg.Audit, logger)
	if err != nil {
		logger.Fatalf("initialise supervisor: %v", err)
	}

	logger.Printf("starting supervision tree: workers=%d, monitor=%v", len(cfg.Channels), cfg.Monitor.Enabled)
	runErr := sup.Run(ctx)
	logger.Print("supervision tree stopped, cleaning up")

	performGracefulShutdown(logger, pool, telemetryProvider)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Fatalf("supervisor exited: %v", runErr)
	}
	logger.Print("perchd stopped")
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to platform configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// applyMigrations brings the registry schema up to date before anything
// touches the pool. An explicit migrationsDir wins over the embedded copy.
func applyMigrations(ctx context.Context, cfg config.DatabaseConfig, logger *log.Logger) error {
	if cfg.MigrationsDir != "" {
		return migrations.Apply(ctx, cfg.DSN, cfg.MigrationsDir, logger)
	}
	return migrations.ApplyFS(ctx, cfg.DSN, dbmigrations.Files, logger)
}

func performGracefulShutdown(logger *log.Logger, pool interface{ Close() }, provider *telemetry.Provider) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	shutdownStep("closing database pool", poolShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			pool.Close()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return stepCtx.Err()
		}
	})

	shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
		return provider.Shutdown(stepCtx)
	})
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

// resolveBinDir falls back to the directory holding the running executable so
// sibling binaries are found without any PATH setup. An empty result leaves
// resolution to PATH.
func resolveBinDir(configured string) string {
	if configured != "" {
		return configured
	}
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Dir(exe)
}
