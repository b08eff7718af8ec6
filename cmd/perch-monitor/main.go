// Command perch-monitor runs the telemetry sink: it accepts worker
// registrations, heartbeats, and usage reports over the monitor socket and
// lands them in the registry.
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

	"github.com/perchbot/perch/internal/config"
	"github.com/perchbot/perch/internal/monitor"
	"github.com/perchbot/perch/internal/registry/postgres"
	"github.com/perchbot/perch/internal/telemetry"
)

const (
	defaultConfigPath        = "config/perch.yaml"
	monitorLoggerPrefix      = "perch-monitor "
	poolShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, monitorLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	configPath := resolveConfigPath(cfgPathFlag)
	cfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}

	telemetryProvider, err := initTelemetry(ctx, logger, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatalf("open registry: %v", err)
	}
	postgres.ObservePoolMetrics(pool, "monitor")
	reg := postgres.New(pool)

	mon, err := monitor.New(monitor.Config{
		SocketPath:       cfg.Sockets.Monitor,
		QueueSize:        cfg.Monitor.QueueSize,
		StaleTimeout:     cfg.Monitor.StaleTimeout,
		SweepInterval:    cfg.Monitor.SweepInterval,
		OfflineRetention: cfg.Monitor.OfflineRetention,
		RetentionDays:    cfg.Monitor.RetentionDays,
		RetentionCron:    cfg.Monitor.RetentionCron,
		ArchiveDir:       cfg.Monitor.ArchiveDir,
	}, monitor.Stores{
		Workers: reg.Workers,
		Usage:   reg.Usage,
		Audit:   reg.Audit,
	}, logger)
	if err != nil {
		logger.Fatalf("initialise monitor: %v", err)
	}

	logger.Printf("monitor starting: socket=%s", cfg.Sockets.Monitor)
	runErr := mon.Run(ctx)

	performGracefulShutdown(logger, pool, telemetryProvider)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Fatalf("monitor exited: %v", runErr)
	}
	logger.Print("perch-monitor stopped")
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
