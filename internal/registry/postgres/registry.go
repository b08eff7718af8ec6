package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Registry bundles the PostgreSQL-backed stores behind one constructor so
// process mains wire a single dependency.
type Registry struct {
	Subscriptions *SubscriptionStore
	HubState      *HubStateStore
	Workers       *WorkerStore
	Usage         *UsageStore
	Audit         *AuditStore
}

// New constructs every registry store on the provided pool.
func New(pool *pgxpool.Pool) *Registry {
	return &Registry{
		Subscriptions: NewSubscriptionStore(pool),
		HubState:      NewHubStateStore(pool),
		Workers:       NewWorkerStore(pool),
		Usage:         NewUsageStore(pool),
		Audit:         NewAuditStore(pool),
	}
}
