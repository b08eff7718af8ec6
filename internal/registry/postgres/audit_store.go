package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perchbot/perch/internal/registry"
)

// AuditStore persists the operator audit trail.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore constructs an AuditStore backed by the provided pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

const (
	defaultAuditLimit = 64
	maxAuditLimit     = 512
)

const (
	auditInsertSQL = `
INSERT INTO audit_log (id, kind, subject, detail, created_at)
VALUES ($1, $2, $3, COALESCE($4::jsonb, '{}'::jsonb), $5);
`

	auditListRecentSQL = `
SELECT id, kind, subject, detail, created_at
FROM audit_log
ORDER BY created_at DESC
LIMIT $1;
`
)

// Append stores one audit event. A missing id is generated.
func (s *AuditStore) Append(ctx context.Context, event registry.AuditEvent) error {
	if s.pool == nil {
		return fmt.Errorf("audit store: nil pool")
	}
	kind := strings.TrimSpace(event.Kind)
	if kind == "" {
		return fmt.Errorf("audit store: kind required")
	}
	id := strings.TrimSpace(event.ID)
	if id == "" {
		id = uuid.NewString()
	}
	detail, err := encodeJSON(event.Detail)
	if err != nil {
		return fmt.Errorf("audit store: encode detail: %w", err)
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := s.pool.Exec(ctx, auditInsertSQL, id, kind, strings.TrimSpace(event.Subject), detail, createdAt); err != nil {
		return fmt.Errorf("audit store: append: %w", err)
	}
	return nil
}

// ListRecent returns the newest events first.
func (s *AuditStore) ListRecent(ctx context.Context, limit int) ([]registry.AuditEvent, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("audit store: nil pool")
	}
	if limit <= 0 {
		limit = defaultAuditLimit
	} else if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	rows, err := s.pool.Query(ctx, auditListRecentSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("audit store: list recent: %w", err)
	}
	defer rows.Close()

	var events []registry.AuditEvent
	for rows.Next() {
		var (
			event  registry.AuditEvent
			detail []byte
		)
		if err := rows.Scan(&event.ID, &event.Kind, &event.Subject, &detail, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit store: scan event: %w", err)
		}
		decoded, err := decodeJSON(detail)
		if err != nil {
			return nil, fmt.Errorf("audit store: decode detail: %w", err)
		}
		event.Detail = decoded
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit store: iterate events: %w", err)
	}
	return events, nil
}

var _ registry.AuditStore = (*AuditStore)(nil)
