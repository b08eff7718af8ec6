// Package registry defines the durable state shared by the platform
// processes: subscription intent and observation, hub session state, worker
// registrations, usage accounting, and the audit trail.
package registry

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the observed upstream state of an active subscription.
type SubscriptionStatus string

const (
	// SubscriptionEnabled means upstream confirmed delivery.
	SubscriptionEnabled SubscriptionStatus = "enabled"
	// SubscriptionPending means the create call was issued but not confirmed.
	SubscriptionPending SubscriptionStatus = "pending"
	// SubscriptionFailed means the create call failed terminally.
	SubscriptionFailed SubscriptionStatus = "failed"
	// SubscriptionRevoked means upstream revoked the subscription.
	SubscriptionRevoked SubscriptionStatus = "revoked"
)

// WorkerStatus is the liveness classification of a worker registration.
type WorkerStatus string

const (
	// WorkerOnline means a heartbeat arrived within the stale timeout.
	WorkerOnline WorkerStatus = "online"
	// WorkerStale means the last heartbeat is older than the stale timeout.
	WorkerStale WorkerStatus = "stale"
	// WorkerOffline means the worker unregistered or was retired.
	WorkerOffline WorkerStatus = "offline"
)

// Well-known hub_state keys.
const (
	HubKeyWSState           = "ws_state"
	HubKeyLastWSConnectTS   = "last_ws_connect_ts"
	HubKeyLastReconcileTS   = "last_reconcile_ts"
	HubKeyErrorBurstLevel   = "error_burst_level"
	HubKeyTotalEventsRouted = "total_events_routed"
	HubKeyWSReconnectCount  = "ws_reconnect_count"
)

// DesiredSubscription is the source of truth for what should exist upstream.
// Unique on (channel_id, topic).
type DesiredSubscription struct {
	ChannelID string
	Topic     string
	Version   string
	Transport string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActiveSubscription is the observed upstream state. Unique on
// (channel_id, topic); upstream_id is unique when present.
type ActiveSubscription struct {
	UpstreamID string
	ChannelID  string
	Topic      string
	Status     SubscriptionStatus
	Cost       int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Key returns the (channel_id, topic) identity of a desired row.
func (d DesiredSubscription) Key() SubscriptionKey {
	return SubscriptionKey{ChannelID: d.ChannelID, Topic: d.Topic}
}

// Key returns the (channel_id, topic) identity of an active row.
func (a ActiveSubscription) Key() SubscriptionKey {
	return SubscriptionKey{ChannelID: a.ChannelID, Topic: a.Topic}
}

// SubscriptionKey identifies a subscription independent of upstream state.
type SubscriptionKey struct {
	ChannelID string
	Topic     string
}

// SubscriptionSnapshot is a consistent view of desired and active rows, read
// within a single transaction.
type SubscriptionSnapshot struct {
	Desired []DesiredSubscription
	Active  []ActiveSubscription
}

// WorkerRegistration tracks one worker process known to the monitor.
type WorkerRegistration struct {
	Channel       string
	PID           int
	Features      []string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Status        WorkerStatus
}

// MetricSample is one optional resource sample attached to a heartbeat.
type MetricSample struct {
	Channel   string
	PID       int
	RSSMB     *float64
	CPUPct    *float64
	SampledAt time.Time
}

// UsageRecord is one LLM invocation reported for cost accounting.
type UsageRecord struct {
	TS            time.Time
	Channel       string
	Model         string
	Feature       string
	TokensIn      int64
	TokensOut     int64
	LatencyMS     int64
	EstimatedCost decimal.Decimal
}

// Audit event kinds recorded by the platform.
const (
	AuditSupervisorStart          = "supervisor.start"
	AuditSupervisorStop           = "supervisor.stop"
	AuditWorkerStart              = "worker.start"
	AuditWorkerStop               = "worker.stop"
	AuditWorkerCrash              = "worker.crash"
	AuditWorkerDisabled           = "worker.disabled"
	AuditHubSessionUp             = "hub.session.up"
	AuditHubSessionLost           = "hub.session.lost"
	AuditHubSessionMoved          = "hub.session.moved"
	AuditSubscriptionCreated      = "subscription.created"
	AuditSubscriptionDeleted      = "subscription.deleted"
	AuditSubscriptionRevoked      = "subscription.revoked"
	AuditSubscriptionFailed       = "subscription.create_failed"
	AuditSubscriptionDeleteFailed = "subscription.delete_failed"
	AuditRetryExhausted           = "subscription.retry_exhausted"
	AuditCredentialReauth         = "credential.reauth_required"
	AuditCommandExecuted          = "command.executed"
	AuditRetentionPruned          = "retention.pruned"
)

// AuditEvent is one operator-visible platform event.
type AuditEvent struct {
	ID        string
	Kind      string
	Subject   string
	Detail    map[string]any
	CreatedAt time.Time
}

// SubscriptionStore persists desired and active subscription rows.
type SubscriptionStore interface {
	UpsertDesired(ctx context.Context, sub DesiredSubscription) error
	DeleteDesired(ctx context.Context, channelID, topic string) error
	ListDesired(ctx context.Context) ([]DesiredSubscription, error)

	UpsertActive(ctx context.Context, sub ActiveSubscription) error
	DeleteActive(ctx context.Context, upstreamID string) error
	MarkActiveStatus(ctx context.Context, upstreamID string, status SubscriptionStatus) error
	ListActive(ctx context.Context) ([]ActiveSubscription, error)

	// Snapshot reads desired and active within one transaction so the
	// reconciler diffs a consistent view.
	Snapshot(ctx context.Context) (SubscriptionSnapshot, error)

	// ReplaceActive swaps the whole active set for the given rows, used when
	// rehydrating from an upstream LIST after a restart.
	ReplaceActive(ctx context.Context, subs []ActiveSubscription) error
}

// HubStateStore persists the hub's key-value operational state.
type HubStateStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Add atomically increments a numeric value, creating it at delta when
	// absent, and returns the new value.
	Add(ctx context.Context, key string, delta int64) (int64, error)
}

// WorkerStore persists worker registrations and their metric samples.
type WorkerStore interface {
	UpsertRegistration(ctx context.Context, reg WorkerRegistration) error
	Heartbeat(ctx context.Context, channel string, pid int, at time.Time) error
	SetStatus(ctx context.Context, channel string, status WorkerStatus) error
	List(ctx context.Context) ([]WorkerRegistration, error)

	// MarkStale flips online registrations whose heartbeat is older than the
	// cutoff to stale, returning how many rows changed.
	MarkStale(ctx context.Context, olderThan time.Time) (int64, error)
	// DeleteOffline removes offline registrations idle since the cutoff.
	DeleteOffline(ctx context.Context, olderThan time.Time) (int64, error)

	AppendMetric(ctx context.Context, sample MetricSample) error
	// PruneMetrics deletes samples older than the cutoff, returning the count.
	PruneMetrics(ctx context.Context, before time.Time) (int64, error)
}

// UsageStore persists LLM usage records.
type UsageStore interface {
	Append(ctx context.Context, rec UsageRecord) error
	ListSince(ctx context.Context, since time.Time, limit int) ([]UsageRecord, error)
	// PruneBefore deletes records older than the cutoff and returns the
	// removed rows so callers can archive them.
	PruneBefore(ctx context.Context, cutoff time.Time) ([]UsageRecord, error)
}

// AuditStore persists the operator audit trail.
type AuditStore interface {
	Append(ctx context.Context, event AuditEvent) error
	ListRecent(ctx context.Context, limit int) ([]AuditEvent, error)
}
