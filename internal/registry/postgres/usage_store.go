package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perchbot/perch/internal/registry"
)

// UsageStore persists LLM usage records.
type UsageStore struct {
	pool *pgxpool.Pool
}

// NewUsageStore constructs a UsageStore backed by the provided pool.
func NewUsageStore(pool *pgxpool.Pool) *UsageStore {
	return &UsageStore{pool: pool}
}

const (
	defaultUsageLimit = 256
	maxUsageLimit     = 4096
)

const (
	usageInsertSQL = `
INSERT INTO telemetry_llm_usage (ts, channel, model, feature, tokens_in, tokens_out, latency_ms, estimated_cost)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`

	usageListSinceSQL = `
SELECT ts, channel, model, feature, tokens_in, tokens_out, latency_ms, estimated_cost::text
FROM telemetry_llm_usage
WHERE ts >= $1
ORDER BY ts ASC
LIMIT $2;
`

	usagePruneSQL = `
DELETE FROM telemetry_llm_usage
WHERE ts < $1
RETURNING ts, channel, model, feature, tokens_in, tokens_out, latency_ms, estimated_cost::text;
`
)

// Append stores one usage record.
func (s *UsageStore) Append(ctx context.Context, rec registry.UsageRecord) error {
	if s.pool == nil {
		return fmt.Errorf("usage store: nil pool")
	}
	channel := strings.TrimSpace(rec.Channel)
	if channel == "" {
		return fmt.Errorf("usage store: channel required")
	}
	model := strings.TrimSpace(rec.Model)
	if model == "" {
		return fmt.Errorf("usage store: model required")
	}
	ts := rec.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	cost, err := numericFromDecimal(rec.EstimatedCost)
	if err != nil {
		return fmt.Errorf("usage store: %w", err)
	}
	if _, err := s.pool.Exec(ctx, usageInsertSQL,
		ts, channel, model, strings.TrimSpace(rec.Feature),
		rec.TokensIn, rec.TokensOut, rec.LatencyMS, cost,
	); err != nil {
		return fmt.Errorf("usage store: append: %w", err)
	}
	return nil
}

// ListSince returns records with ts at or after the given time, oldest first.
func (s *UsageStore) ListSince(ctx context.Context, since time.Time, limit int) ([]registry.UsageRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("usage store: nil pool")
	}
	if limit <= 0 {
		limit = defaultUsageLimit
	} else if limit > maxUsageLimit {
		limit = maxUsageLimit
	}
	rows, err := s.pool.Query(ctx, usageListSinceSQL, since, limit)
	if err != nil {
		return nil, fmt.Errorf("usage store: list since: %w", err)
	}
	defer rows.Close()

	var records []registry.UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage store: iterate: %w", err)
	}
	return records, nil
}

// PruneBefore deletes records older than the cutoff and returns the removed
// rows so callers can archive them.
func (s *UsageStore) PruneBefore(ctx context.Context, cutoff time.Time) ([]registry.UsageRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("usage store: nil pool")
	}
	rows, err := s.pool.Query(ctx, usagePruneSQL, cutoff)
	if err != nil {
		return nil, fmt.Errorf("usage store: prune: %w", err)
	}
	defer rows.Close()

	var pruned []registry.UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		pruned = append(pruned, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage store: iterate pruned: %w", err)
	}
	return pruned, nil
}

func scanUsage(row rowScanner) (registry.UsageRecord, error) {
	var (
		rec  registry.UsageRecord
		cost string
	)
	if err := row.Scan(
		&rec.TS,
		&rec.Channel,
		&rec.Model,
		&rec.Feature,
		&rec.TokensIn,
		&rec.TokensOut,
		&rec.LatencyMS,
		&cost,
	); err != nil {
		return registry.UsageRecord{}, fmt.Errorf("usage store: scan record: %w", err)
	}
	parsed, err := decimalFromString(cost)
	if err != nil {
		return registry.UsageRecord{}, fmt.Errorf("usage store: %w", err)
	}
	rec.EstimatedCost = parsed
	return rec, nil
}

var _ registry.UsageStore = (*UsageStore)(nil)
