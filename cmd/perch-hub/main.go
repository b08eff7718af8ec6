// Command perch-hub runs the EventSub hub: one upstream WebSocket session,
// the subscription reconciler, and the fan-out socket workers subscribe on.
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
	"github.com/perchbot/perch/internal/credential"
	"github.com/perchbot/perch/internal/eventsub"
	"github.com/perchbot/perch/internal/registry/postgres"
	"github.com/perchbot/perch/internal/telemetry"
)

const (
	defaultConfigPath        = "config/perch.yaml"
	hubLoggerPrefix          = "perch-hub "
	poolShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, hubLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

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
	postgres.ObservePoolMetrics(pool, "hub")
	reg := postgres.New(pool)

	creds := credential.NewHTTPSource(credential.HTTPSourceConfig{
		Endpoint: cfg.CredentialStoreEndpoint,
	})

	hub := eventsub.NewHub(hubConfig(cfg, creds), eventsub.Stores{
		Subscriptions: reg.Subscriptions,
		HubState:      reg.HubState,
		Audit:         reg.Audit,
	}, creds, logger)

	logger.Printf("hub starting: socket=%s, upstream=%s", cfg.Sockets.Hub, cfg.EventSub.WSURL)
	runErr := hub.Run(ctx)

	performGracefulShutdown(logger, pool, telemetryProvider)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Fatalf("hub exited: %v", runErr)
	}
	logger.Print("perch-hub stopped")
}

// hubConfig maps the flat eventsub YAML section onto the hub's nested
// config. The single reqJitterMs knob becomes the jitter ceiling with the
// floor at half of it.
func hubConfig(cfg config.PlatformConfig, creds credential.Source) eventsub.HubConfig {
	es := cfg.EventSub

	var jitterMin, jitterMax time.Duration
	if es.ReqJitterMS > 0 {
		jitterMax = time.Duration(es.ReqJitterMS) * time.Millisecond
		jitterMin = jitterMax / 2
	}

	return eventsub.HubConfig{
		SocketPath: cfg.Sockets.Hub,
		API: eventsub.APIConfig{
			BaseURL:     es.APIURL,
			ClientID:    es.ClientID,
			BotUserID:   es.BotUserID,
			Credentials: creds,
		},
		Session: eventsub.SessionConfig{
			URL:              es.WSURL,
			HandshakeTimeout: es.SessionHandshakeTimeout,
			BackoffBase:      es.WSBackoffBase,
			BackoffMax:       es.WSBackoffMax,
			BurstThreshold:   float64(es.ErrorBurstThreshold),
		},
		Reconciler: eventsub.ReconcilerConfig{
			Interval:             es.ReconcileInterval,
			RequestRate:          es.ReqRatePerSec,
			JitterMin:            jitterMin,
			JitterMax:            jitterMax,
			MaxCostRetryAttempts: es.MaxCostRetryAttempts,
		},
	}
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
