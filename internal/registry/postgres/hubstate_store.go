package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perchbot/perch/internal/registry"
)

// HubStateStore persists the hub's key-value operational state.
type HubStateStore struct {
	pool *pgxpool.Pool
}

// NewHubStateStore constructs a HubStateStore backed by the provided pool.
func NewHubStateStore(pool *pgxpool.Pool) *HubStateStore {
	return &HubStateStore{pool: pool}
}

const (
	hubStateGetSQL = `
SELECT value
FROM hub_state
WHERE key = $1;
`

	hubStateSetSQL = `
INSERT INTO hub_state (key, value)
VALUES ($1, $2)
ON CONFLICT (key)
DO UPDATE SET value = EXCLUDED.value,
              updated_at = NOW();
`

	hubStateAddSQL = `
INSERT INTO hub_state (key, value)
VALUES ($1, $2::bigint::text)
ON CONFLICT (key)
DO UPDATE SET value = ((hub_state.value)::bigint + EXCLUDED.value::bigint)::text,
              updated_at = NOW()
RETURNING value::bigint;
`
)

// Get returns the value for key. The boolean reports presence.
func (s *HubStateStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s.pool == nil {
		return "", false, fmt.Errorf("hub state store: nil pool")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, fmt.Errorf("hub state store: key required")
	}
	var value string
	err := s.pool.QueryRow(ctx, hubStateGetSQL, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("hub state store: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set writes the value for key, creating it when absent.
func (s *HubStateStore) Set(ctx context.Context, key, value string) error {
	if s.pool == nil {
		return fmt.Errorf("hub state store: nil pool")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("hub state store: key required")
	}
	if _, err := s.pool.Exec(ctx, hubStateSetSQL, key, value); err != nil {
		return fmt.Errorf("hub state store: set %s: %w", key, err)
	}
	return nil
}

// Add atomically increments a numeric value, creating it at delta when
// absent, and returns the new value. The key must hold a decimal integer.
func (s *HubStateStore) Add(ctx context.Context, key string, delta int64) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("hub state store: nil pool")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, fmt.Errorf("hub state store: key required")
	}
	var value int64
	if err := s.pool.QueryRow(ctx, hubStateAddSQL, key, delta).Scan(&value); err != nil {
		return 0, fmt.Errorf("hub state store: add %s: %w", key, err)
	}
	return value, nil
}

var _ registry.HubStateStore = (*HubStateStore)(nil)
