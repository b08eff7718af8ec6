package monitor

import (
	"context"
	"log"
	"time"

	"github.com/perchbot/perch/internal/registry"
)

// sweeper periodically reclassifies quiet workers. Online workers whose last
// heartbeat is older than the stale timeout flip to stale; offline rows idle
// past the retention window are removed.
type sweeper struct {
	workers          registry.WorkerStore
	staleTimeout     time.Duration
	offlineRetention time.Duration
	interval         time.Duration
	metrics          *instruments
	logger           *log.Logger
}

func newSweeper(cfg Config, workers registry.WorkerStore, metrics *instruments, logger *log.Logger) *sweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &sweeper{
		workers:          workers,
		staleTimeout:     cfg.StaleTimeout,
		offlineRetention: cfg.OfflineRetention,
		interval:         cfg.SweepInterval,
		metrics:          metrics,
		logger:           logger,
	}
}

func (s *sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one pass. Both store calls are idempotent, so a missed or
// doubled tick is harmless.
func (s *sweeper) sweep(ctx context.Context) {
	now := time.Now().UTC()

	flipped, err := s.workers.MarkStale(ctx, now.Add(-s.staleTimeout))
	if err != nil {
		s.logger.Printf("monitor: stale sweep: %v", err)
	} else if flipped > 0 {
		s.metrics.addStaleWorkers(ctx, flipped)
		s.logger.Printf("monitor: %d workers marked stale", flipped)
	}

	removed, err := s.workers.DeleteOffline(ctx, now.Add(-s.offlineRetention))
	if err != nil {
		s.logger.Printf("monitor: offline cleanup: %v", err)
	} else if removed > 0 {
		s.logger.Printf("monitor: %d offline workers removed", removed)
	}
}
