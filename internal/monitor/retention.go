package monitor

import (
	"context"
	"log"
	"time"

	"github.com/perchbot/perch/internal/registry"
)

const retentionTimeout = 5 * time.Minute

// retention is the scheduled prune job. It trims worker metric samples and
// usage records past the retention window, archiving the pruned usage rows
// when an archive directory is configured.
type retention struct {
	days    int
	workers registry.WorkerStore
	usage   registry.UsageStore
	audit   registry.AuditStore
	archive *usageArchive
	metrics *instruments
	logger  *log.Logger
}

func newRetention(cfg Config, stores Stores, metrics *instruments, logger *log.Logger) *retention {
	if logger == nil {
		logger = log.Default()
	}
	return &retention{
		days:    cfg.RetentionDays,
		workers: stores.Workers,
		usage:   stores.Usage,
		audit:   stores.Audit,
		archive: newUsageArchive(cfg.ArchiveDir),
		metrics: metrics,
		logger:  logger,
	}
}

// runOnce executes one prune pass. Archive failures are logged and the prune
// still counts; losing an archive file must not wedge retention.
func (r *retention) runOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, retentionTimeout)
	defer cancel()

	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -r.days)

	var metricsPruned int64
	n, err := r.workers.PruneMetrics(ctx, cutoff)
	if err != nil {
		r.logger.Printf("monitor: prune worker metrics: %v", err)
	} else {
		metricsPruned = n
		r.metrics.addPrunedRows(ctx, "worker_metrics", n)
	}

	var usagePruned int
	rows, err := r.usage.PruneBefore(ctx, cutoff)
	if err != nil {
		r.logger.Printf("monitor: prune usage records: %v", err)
	} else {
		usagePruned = len(rows)
		r.metrics.addPrunedRows(ctx, "telemetry_llm_usage", int64(len(rows)))
		if r.archive != nil && len(rows) > 0 {
			if err := r.archive.Write(now, rows); err != nil {
				r.logger.Printf("monitor: archive usage records: %v", err)
			}
		}
	}

	if metricsPruned == 0 && usagePruned == 0 {
		return
	}
	r.logger.Printf("monitor: retention pruned %d metric samples, %d usage records", metricsPruned, usagePruned)
	if r.audit == nil {
		return
	}
	err = r.audit.Append(ctx, registry.AuditEvent{
		Kind:    registry.AuditRetentionPruned,
		Subject: "monitor",
		Detail: map[string]any{
			"worker_metrics":      metricsPruned,
			"telemetry_llm_usage": usagePruned,
			"cutoff":              cutoff.Format(time.RFC3339),
		},
	})
	if err != nil {
		r.logger.Printf("monitor: audit %s: %v", registry.AuditRetentionPruned, err)
	}
}
