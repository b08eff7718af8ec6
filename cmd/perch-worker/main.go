// Command perch-worker runs one channel's bot runtime. The supervisor
// launches one of these per configured channel with -channel naming it.
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
	"github.com/perchbot/perch/internal/telemetry"
	"github.com/perchbot/perch/internal/worker"
)

const (
	defaultConfigPath        = "config/perch.yaml"
	workerLoggerPrefix       = "perch-worker "
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag, channelLogin := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, workerLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	if channelLogin == "" {
		logger.Fatal("-channel flag is required")
	}

	configPath := resolveConfigPath(cfgPathFlag)
	cfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}

	channel, ok := cfg.Channel(channelLogin)
	if !ok {
		logger.Fatalf("channel %q not present in configuration", channelLogin)
	}

	telemetryProvider, err := initTelemetry(ctx, logger, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	w, err := worker.New(worker.Config{
		Channel:           channel,
		HubSocket:         cfg.Sockets.Hub,
		MonitorSocket:     cfg.Sockets.Monitor,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Features:          map[string]bool{"events": true},
	}, logger)
	if err != nil {
		logger.Fatalf("initialise worker: %v", err)
	}

	logger.Printf("worker starting: channel=%s, topics=%d", channel.Login, len(channel.Topics))
	runErr := w.Run(ctx)
	if dropped := w.Dropped(); dropped > 0 {
		logger.Printf("worker dropped %d events over its lifetime", dropped)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer shutdownCancel()
	if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown telemetry: %v", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Fatalf("worker exited: %v", runErr)
	}
	logger.Print("perch-worker stopped")
}

func parseFlags() (cfgPath, channel string) {
	cfgFlag := flag.String("config", "", fmt.Sprintf("Path to platform configuration file (default: %s)", defaultConfigPath))
	channelFlag := flag.String("channel", "", "Login of the channel this worker serves")
	flag.Parse()
	return *cfgFlag, *channelFlag
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

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
