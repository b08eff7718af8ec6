// Package monitor is the telemetry sink sidecar. Workers report lifecycle
// and LLM usage over a Unix socket; the monitor persists what it can keep up
// with and never makes a sender wait.
package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc"

	"github.com/perchbot/perch/internal/ipc"
	"github.com/perchbot/perch/internal/registry"
)

const shutdownTimeout = 2 * time.Second

// Config assembles the tunables for one monitor process.
type Config struct {
	// SocketPath is the Unix socket workers report to.
	SocketPath string
	// QueueSize bounds the telemetry queue between socket and writer.
	// Defaults to 1000.
	QueueSize int
	// StaleTimeout is how long a worker may go without a heartbeat before
	// the sweep marks it stale. Defaults to 60s.
	StaleTimeout time.Duration
	// SweepInterval is how often the stale sweep runs. Defaults to 10s.
	SweepInterval time.Duration
	// OfflineRetention is how long offline registrations linger before the
	// sweep removes them. Defaults to 24h.
	OfflineRetention time.Duration
	// RetentionDays bounds how long metric samples and usage records are
	// kept. Defaults to 7.
	RetentionDays int
	// RetentionCron schedules the prune job. Defaults to 04:00 daily.
	RetentionCron string
	// ArchiveDir, when set, receives pruned usage rows as compressed JSONL.
	ArchiveDir string
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.OfflineRetention <= 0 {
		c.OfflineRetention = 24 * time.Hour
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 7
	}
	if c.RetentionCron == "" {
		c.RetentionCron = "0 4 * * *"
	}
	return c
}

// Stores are the registry slices the monitor persists through.
type Stores struct {
	Workers registry.WorkerStore
	Usage   registry.UsageStore
	Audit   registry.AuditStore
}

// Monitor accepts telemetry frames from workers and lands them in the
// registry. Ingest is fire-and-forget: a slow database shows up as dropped
// frames, never as backpressure on workers.
type Monitor struct {
	cfg     Config
	logger  *log.Logger
	metrics *instruments

	writer    *writer
	sweeper   *sweeper
	retention *retention
	server    *ipc.Server
	cron      *cron.Cron
}

// New wires a monitor from its stores. The retention schedule is validated
// up front.
func New(cfg Config, stores Stores, logger *log.Logger) (*Monitor, error) {
	if logger == nil {
		logger = log.Default()
	}
	cfg = cfg.withDefaults()

	metrics := newInstruments()
	m := &Monitor{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
	m.writer = newWriter(cfg.QueueSize, stores.Workers, stores.Usage, metrics, logger)
	m.sweeper = newSweeper(cfg, stores.Workers, metrics, logger)
	m.retention = newRetention(cfg, stores, metrics, logger)
	m.server = ipc.NewServer("monitor", cfg.SocketPath, newSink(m.writer, metrics, logger), logger)

	m.cron = cron.New()
	if _, err := m.cron.AddFunc(cfg.RetentionCron, func() {
		m.retention.runOnce(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("monitor: retention schedule %q: %w", cfg.RetentionCron, err)
	}
	return m, nil
}

// Run serves until ctx is canceled, then flushes queued telemetry and closes
// the socket.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.server.Start(ctx); err != nil {
		return err
	}
	m.logger.Printf("monitor: listening on %s", m.server.Addr())
	m.cron.Start()

	var wg conc.WaitGroup
	wg.Go(func() { m.writer.run(ctx) })
	wg.Go(func() { m.sweeper.run(ctx) })
	wg.Wait()

	m.shutdown()
	return ctx.Err()
}

// TelemetryDropped reports how many frames have been discarded since start.
func (m *Monitor) TelemetryDropped() uint64 { return m.writer.Dropped() }

func (m *Monitor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
		m.logger.Printf("monitor: retention job still running at shutdown")
	}
	if err := m.server.Close(ctx); err != nil {
		m.logger.Printf("monitor: close socket: %v", err)
	}
	m.logger.Printf("monitor: stopped")
}
