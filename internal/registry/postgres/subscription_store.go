package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perchbot/perch/internal/registry"
)

// SubscriptionStore persists desired and active subscription rows.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewSubscriptionStore constructs a SubscriptionStore backed by the provided pool.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

const (
	defaultSubscriptionVersion   = "1"
	defaultSubscriptionTransport = "websocket"
)

const (
	desiredUpsertSQL = `
INSERT INTO desired_subscriptions (channel_id, topic, version, transport)
VALUES ($1, $2, $3, $4)
ON CONFLICT (channel_id, topic)
DO UPDATE SET version = EXCLUDED.version,
              transport = EXCLUDED.transport,
              updated_at = NOW();
`

	desiredDeleteSQL = `
DELETE FROM desired_subscriptions
WHERE channel_id = $1
  AND topic = $2;
`

	desiredListSQL = `
SELECT channel_id, topic, version, transport, created_at, updated_at
FROM desired_subscriptions
ORDER BY channel_id, topic;
`

	activeUpsertSQL = `
INSERT INTO active_subscriptions (upstream_id, channel_id, topic, status, cost)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (channel_id, topic)
DO UPDATE SET upstream_id = EXCLUDED.upstream_id,
              status = EXCLUDED.status,
              cost = EXCLUDED.cost,
              updated_at = NOW();
`

	activeDeleteSQL = `
DELETE FROM active_subscriptions
WHERE upstream_id = $1;
`

	activeMarkStatusSQL = `
UPDATE active_subscriptions
SET status = $2,
    updated_at = NOW()
WHERE upstream_id = $1;
`

	activeListSQL = `
SELECT upstream_id, channel_id, topic, status, cost, created_at, updated_at
FROM active_subscriptions
ORDER BY channel_id, topic;
`

	activeDeleteAllSQL = `
DELETE FROM active_subscriptions;
`
)

// UpsertDesired inserts or refreshes one desired row.
func (s *SubscriptionStore) UpsertDesired(ctx context.Context, sub registry.DesiredSubscription) error {
	if s.pool == nil {
		return fmt.Errorf("subscription store: nil pool")
	}
	channelID := strings.TrimSpace(sub.ChannelID)
	if channelID == "" {
		return fmt.Errorf("subscription store: channel id required")
	}
	topic := strings.TrimSpace(sub.Topic)
	if topic == "" {
		return fmt.Errorf("subscription store: topic required")
	}
	version := strings.TrimSpace(sub.Version)
	if version == "" {
		version = defaultSubscriptionVersion
	}
	transport := strings.TrimSpace(sub.Transport)
	if transport == "" {
		transport = defaultSubscriptionTransport
	}
	if _, err := s.pool.Exec(ctx, desiredUpsertSQL, channelID, topic, version, transport); err != nil {
		return fmt.Errorf("subscription store: upsert desired: %w", err)
	}
	return nil
}

// DeleteDesired removes one desired row. Missing rows are not an error.
func (s *SubscriptionStore) DeleteDesired(ctx context.Context, channelID, topic string) error {
	if s.pool == nil {
		return fmt.Errorf("subscription store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, desiredDeleteSQL, strings.TrimSpace(channelID), strings.TrimSpace(topic)); err != nil {
		return fmt.Errorf("subscription store: delete desired: %w", err)
	}
	return nil
}

// ListDesired returns every desired row.
func (s *SubscriptionStore) ListDesired(ctx context.Context) ([]registry.DesiredSubscription, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("subscription store: nil pool")
	}
	rows, err := s.pool.Query(ctx, desiredListSQL)
	if err != nil {
		return nil, fmt.Errorf("subscription store: list desired: %w", err)
	}
	defer rows.Close()
	return collectDesired(rows)
}

// UpsertActive inserts or refreshes one active row.
func (s *SubscriptionStore) UpsertActive(ctx context.Context, sub registry.ActiveSubscription) error {
	if s.pool == nil {
		return fmt.Errorf("subscription store: nil pool")
	}
	upstreamID := strings.TrimSpace(sub.UpstreamID)
	if upstreamID == "" {
		return fmt.Errorf("subscription store: upstream id required")
	}
	channelID := strings.TrimSpace(sub.ChannelID)
	if channelID == "" {
		return fmt.Errorf("subscription store: channel id required")
	}
	topic := strings.TrimSpace(sub.Topic)
	if topic == "" {
		return fmt.Errorf("subscription store: topic required")
	}
	if sub.Cost < 0 {
		return fmt.Errorf("subscription store: cost must be non-negative")
	}
	status := sub.Status
	if status == "" {
		status = registry.SubscriptionEnabled
	}
	if _, err := s.pool.Exec(ctx, activeUpsertSQL, upstreamID, channelID, topic, string(status), sub.Cost); err != nil {
		return fmt.Errorf("subscription store: upsert active: %w", err)
	}
	return nil
}

// DeleteActive removes the active row with the given upstream id.
func (s *SubscriptionStore) DeleteActive(ctx context.Context, upstreamID string) error {
	if s.pool == nil {
		return fmt.Errorf("subscription store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, activeDeleteSQL, strings.TrimSpace(upstreamID)); err != nil {
		return fmt.Errorf("subscription store: delete active: %w", err)
	}
	return nil
}

// MarkActiveStatus updates the status of one active row.
func (s *SubscriptionStore) MarkActiveStatus(ctx context.Context, upstreamID string, status registry.SubscriptionStatus) error {
	if s.pool == nil {
		return fmt.Errorf("subscription store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, activeMarkStatusSQL, strings.TrimSpace(upstreamID), string(status)); err != nil {
		return fmt.Errorf("subscription store: mark active status: %w", err)
	}
	return nil
}

// ListActive returns every active row.
func (s *SubscriptionStore) ListActive(ctx context.Context) ([]registry.ActiveSubscription, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("subscription store: nil pool")
	}
	rows, err := s.pool.Query(ctx, activeListSQL)
	if err != nil {
		return nil, fmt.Errorf("subscription store: list active: %w", err)
	}
	defer rows.Close()
	return collectActive(rows)
}

// Snapshot reads desired and active rows within one repeatable-read
// transaction so the reconciler diffs a consistent view.
func (s *SubscriptionStore) Snapshot(ctx context.Context) (registry.SubscriptionSnapshot, error) {
	if s.pool == nil {
		return registry.SubscriptionSnapshot{}, fmt.Errorf("subscription store: nil pool")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return registry.SubscriptionSnapshot{}, fmt.Errorf("subscription store: begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	desiredRows, err := tx.Query(ctx, desiredListSQL)
	if err != nil {
		return registry.SubscriptionSnapshot{}, fmt.Errorf("subscription store: snapshot desired: %w", err)
	}
	desired, err := collectDesired(desiredRows)
	if err != nil {
		return registry.SubscriptionSnapshot{}, err
	}

	activeRows, err := tx.Query(ctx, activeListSQL)
	if err != nil {
		return registry.SubscriptionSnapshot{}, fmt.Errorf("subscription store: snapshot active: %w", err)
	}
	active, err := collectActive(activeRows)
	if err != nil {
		return registry.SubscriptionSnapshot{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return registry.SubscriptionSnapshot{}, fmt.Errorf("subscription store: commit snapshot: %w", err)
	}
	return registry.SubscriptionSnapshot{Desired: desired, Active: active}, nil
}

// ReplaceActive swaps the entire active set for the given rows in one
// transaction, used when rehydrating from an upstream LIST.
func (s *SubscriptionStore) ReplaceActive(ctx context.Context, subs []registry.ActiveSubscription) error {
	if s.pool == nil {
		return fmt.Errorf("subscription store: nil pool")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("subscription store: begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, activeDeleteAllSQL); err != nil {
		return fmt.Errorf("subscription store: clear active: %w", err)
	}
	for _, sub := range subs {
		status := sub.Status
		if status == "" {
			status = registry.SubscriptionEnabled
		}
		if _, err := tx.Exec(ctx, activeUpsertSQL,
			strings.TrimSpace(sub.UpstreamID),
			strings.TrimSpace(sub.ChannelID),
			strings.TrimSpace(sub.Topic),
			string(status),
			sub.Cost,
		); err != nil {
			return fmt.Errorf("subscription store: replace active row: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("subscription store: commit replace: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collectDesired(rows pgx.Rows) ([]registry.DesiredSubscription, error) {
	defer rows.Close()
	var subs []registry.DesiredSubscription
	for rows.Next() {
		sub, err := scanDesired(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subscription store: iterate desired: %w", err)
	}
	return subs, nil
}

func collectActive(rows pgx.Rows) ([]registry.ActiveSubscription, error) {
	defer rows.Close()
	var subs []registry.ActiveSubscription
	for rows.Next() {
		sub, err := scanActive(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subscription store: iterate active: %w", err)
	}
	return subs, nil
}

func scanDesired(row rowScanner) (registry.DesiredSubscription, error) {
	var sub registry.DesiredSubscription
	if err := row.Scan(
		&sub.ChannelID,
		&sub.Topic,
		&sub.Version,
		&sub.Transport,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return registry.DesiredSubscription{}, fmt.Errorf("subscription store: scan desired: %w", err)
	}
	return sub, nil
}

func scanActive(row rowScanner) (registry.ActiveSubscription, error) {
	var (
		sub    registry.ActiveSubscription
		status string
	)
	if err := row.Scan(
		&sub.UpstreamID,
		&sub.ChannelID,
		&sub.Topic,
		&status,
		&sub.Cost,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return registry.ActiveSubscription{}, fmt.Errorf("subscription store: scan active: %w", err)
	}
	sub.Status = registry.SubscriptionStatus(status)
	return sub, nil
}

var _ registry.SubscriptionStore = (*SubscriptionStore)(nil)
