package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perchbot/perch/internal/registry"
)

// WorkerStore persists worker registrations and their metric samples.
type WorkerStore struct {
	pool *pgxpool.Pool
}

// NewWorkerStore constructs a WorkerStore backed by the provided pool.
func NewWorkerStore(pool *pgxpool.Pool) *WorkerStore {
	return &WorkerStore{pool: pool}
}

const (
	workerUpsertSQL = `
INSERT INTO worker_registrations (channel, pid, features, registered_at, last_heartbeat, status)
VALUES ($1, $2, COALESCE($3::jsonb, '[]'::jsonb), NOW(), NOW(), $4)
ON CONFLICT (channel)
DO UPDATE SET pid = EXCLUDED.pid,
              features = EXCLUDED.features,
              registered_at = NOW(),
              last_heartbeat = NOW(),
              status = EXCLUDED.status;
`

	workerHeartbeatSQL = `
INSERT INTO worker_registrations (channel, pid, last_heartbeat, status)
VALUES ($1, $2, $3, 'online')
ON CONFLICT (channel)
DO UPDATE SET pid = EXCLUDED.pid,
              last_heartbeat = EXCLUDED.last_heartbeat,
              status = 'online';
`

	workerSetStatusSQL = `
UPDATE worker_registrations
SET status = $2
WHERE channel = $1;
`

	workerListSQL = `
SELECT channel, pid, features, registered_at, last_heartbeat, status
FROM worker_registrations
ORDER BY channel;
`

	workerMarkStaleSQL = `
UPDATE worker_registrations
SET status = 'stale'
WHERE status = 'online'
  AND last_heartbeat < $1;
`

	workerDeleteOfflineSQL = `
DELETE FROM worker_registrations
WHERE status = 'offline'
  AND last_heartbeat < $1;
`

	workerMetricInsertSQL = `
INSERT INTO worker_metrics (channel, pid, rss_mb, cpu_pct, sampled_at)
VALUES ($1, $2, $3, $4, $5);
`

	workerMetricPruneSQL = `
DELETE FROM worker_metrics
WHERE sampled_at < $1;
`
)

// UpsertRegistration records a fresh registration with status online.
func (s *WorkerStore) UpsertRegistration(ctx context.Context, reg registry.WorkerRegistration) error {
	if s.pool == nil {
		return fmt.Errorf("worker store: nil pool")
	}
	channel := strings.TrimSpace(reg.Channel)
	if channel == "" {
		return fmt.Errorf("worker store: channel required")
	}
	if reg.PID <= 0 {
		return fmt.Errorf("worker store: pid required")
	}
	features := append([]string(nil), reg.Features...)
	sort.Strings(features)
	encoded, err := encodeStrings(features)
	if err != nil {
		return fmt.Errorf("worker store: encode features: %w", err)
	}
	status := reg.Status
	if status == "" {
		status = registry.WorkerOnline
	}
	if _, err := s.pool.Exec(ctx, workerUpsertSQL, channel, reg.PID, encoded, string(status)); err != nil {
		return fmt.Errorf("worker store: upsert registration: %w", err)
	}
	return nil
}

// Heartbeat refreshes a worker's liveness, restoring it to online. A missing
// row is recreated so workers survive a monitor restart without
// re-registering.
func (s *WorkerStore) Heartbeat(ctx context.Context, channel string, pid int, at time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("worker store: nil pool")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return fmt.Errorf("worker store: channel required")
	}
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := s.pool.Exec(ctx, workerHeartbeatSQL, channel, pid, at); err != nil {
		return fmt.Errorf("worker store: heartbeat: %w", err)
	}
	return nil
}

// SetStatus overwrites a worker's status.
func (s *WorkerStore) SetStatus(ctx context.Context, channel string, status registry.WorkerStatus) error {
	if s.pool == nil {
		return fmt.Errorf("worker store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, workerSetStatusSQL, strings.TrimSpace(channel), string(status)); err != nil {
		return fmt.Errorf("worker store: set status: %w", err)
	}
	return nil
}

// List returns every registration.
func (s *WorkerStore) List(ctx context.Context) ([]registry.WorkerRegistration, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("worker store: nil pool")
	}
	rows, err := s.pool.Query(ctx, workerListSQL)
	if err != nil {
		return nil, fmt.Errorf("worker store: list: %w", err)
	}
	defer rows.Close()

	var regs []registry.WorkerRegistration
	for rows.Next() {
		var (
			reg      registry.WorkerRegistration
			features []byte
			status   string
		)
		if err := rows.Scan(&reg.Channel, &reg.PID, &features, &reg.RegisteredAt, &reg.LastHeartbeat, &status); err != nil {
			return nil, fmt.Errorf("worker store: scan registration: %w", err)
		}
		decoded, err := decodeStrings(features)
		if err != nil {
			return nil, fmt.Errorf("worker store: decode features: %w", err)
		}
		reg.Features = decoded
		reg.Status = registry.WorkerStatus(status)
		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worker store: iterate registrations: %w", err)
	}
	return regs, nil
}

// MarkStale flips online registrations with heartbeats older than the cutoff
// to stale. The flip is idempotent.
func (s *WorkerStore) MarkStale(ctx context.Context, olderThan time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("worker store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, workerMarkStaleSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("worker store: mark stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOffline removes offline registrations idle since the cutoff.
func (s *WorkerStore) DeleteOffline(ctx context.Context, olderThan time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("worker store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, workerDeleteOfflineSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("worker store: delete offline: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendMetric stores one resource sample.
func (s *WorkerStore) AppendMetric(ctx context.Context, sample registry.MetricSample) error {
	if s.pool == nil {
		return fmt.Errorf("worker store: nil pool")
	}
	channel := strings.TrimSpace(sample.Channel)
	if channel == "" {
		return fmt.Errorf("worker store: channel required")
	}
	sampledAt := sample.SampledAt
	if sampledAt.IsZero() {
		sampledAt = time.Now()
	}
	if _, err := s.pool.Exec(ctx, workerMetricInsertSQL, channel, sample.PID, sample.RSSMB, sample.CPUPct, sampledAt); err != nil {
		return fmt.Errorf("worker store: append metric: %w", err)
	}
	return nil
}

// PruneMetrics deletes samples older than the cutoff.
func (s *WorkerStore) PruneMetrics(ctx context.Context, before time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("worker store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, workerMetricPruneSQL, before)
	if err != nil {
		return 0, fmt.Errorf("worker store: prune metrics: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ registry.WorkerStore = (*WorkerStore)(nil)
