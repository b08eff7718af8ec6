package eventsub

import (
	"context"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/perchbot/perch/errs"
	"github.com/perchbot/perch/internal/credential"
	"github.com/perchbot/perch/internal/registry"
)

// SubscriptionAPI is the slice of the upstream client the reconciler drives.
type SubscriptionAPI interface {
	Create(ctx context.Context, topic, version, channelID, sessionID string) (CreatedSubscription, error)
	Delete(ctx context.Context, upstreamID string) error
	List(ctx context.Context) ([]RemoteSubscription, error)
}

var _ SubscriptionAPI = (*APIClient)(nil)

// ReconcilerConfig tunes the reconcile loop.
type ReconcilerConfig struct {
	// Interval is the periodic full-reconcile cadence. Defaults to 60s.
	Interval time.Duration
	// RequestRate caps upstream calls per second. Defaults to 1.5.
	RequestRate float64
	// RequestBurst is the limiter burst. Defaults to 1.
	RequestBurst int
	// JitterMin and JitterMax bound the extra per-request sleep after the
	// limiter grants a token. Defaults to 150ms and 300ms.
	JitterMin time.Duration
	JitterMax time.Duration
	// MaxCostRetryAttempts bounds cost-exceeded retries per item. Defaults
	// to 3.
	MaxCostRetryAttempts int
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.RequestRate <= 0 {
		c.RequestRate = 1.5
	}
	if c.RequestBurst <= 0 {
		c.RequestBurst = 1
	}
	if c.JitterMin <= 0 {
		c.JitterMin = 150 * time.Millisecond
	}
	if c.JitterMax <= 0 {
		c.JitterMax = 300 * time.Millisecond
	}
	if c.JitterMax < c.JitterMin {
		c.JitterMax = c.JitterMin
	}
	if c.MaxCostRetryAttempts <= 0 {
		c.MaxCostRetryAttempts = 3
	}
	return c
}

type reconcilerDeps struct {
	api      SubscriptionAPI
	subs     registry.SubscriptionStore
	state    registry.HubStateStore
	auditLog registry.AuditStore
	creds    credential.Source
	metrics  *instruments
	logger   *log.Logger
}

// reconciler converges the upstream subscription set onto the desired set.
// All mutation runs on the single Run goroutine; other goroutines only
// trigger it or flip flags under mu.
type reconciler struct {
	cfg     ReconcilerConfig
	deps    reconcilerDeps
	limiter *rate.Limiter
	retry   *costRetryQueue
	trigger chan struct{}

	mu            sync.Mutex
	session       string
	lastSeen      string
	forceRecreate bool
	needBootstrap bool

	// Touched only from the Run goroutine.
	reauthReported map[string]bool
	lastRetryDepth int64
}

func newReconciler(cfg ReconcilerConfig, deps reconcilerDeps) *reconciler {
	cfg = cfg.withDefaults()
	if deps.logger == nil {
		deps.logger = log.Default()
	}
	return &reconciler{
		cfg:            cfg,
		deps:           deps,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RequestRate), cfg.RequestBurst),
		retry:          newCostRetryQueue(cfg.MaxCostRetryAttempts),
		trigger:        make(chan struct{}, 1),
		needBootstrap:  true,
		reauthReported: make(map[string]bool),
	}
}

// Trigger requests a reconcile pass. Requests coalesce: at most one run is
// pending behind the one in flight.
func (r *reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// SessionUp records a live session. The first welcome after boot rehydrates
// the active set from upstream LIST; any later session id change forces
// recreation of every active row.
func (r *reconciler) SessionUp(sessionID string) {
	r.mu.Lock()
	if !r.needBootstrap && r.lastSeen != sessionID {
		r.forceRecreate = true
	}
	r.session = sessionID
	r.lastSeen = sessionID
	r.mu.Unlock()
	r.Trigger()
}

// SessionLost suspends creates until the next welcome. Deletes still run so
// the desired set keeps shrinking state while down.
func (r *reconciler) SessionLost() {
	r.mu.Lock()
	r.session = ""
	r.mu.Unlock()
}

// HandleRevocation drops the active row for a revoked subscription and
// schedules the reconcile that will recreate it while its desire remains.
func (r *reconciler) HandleRevocation(ctx context.Context, sub Subscription) {
	if err := r.deps.subs.DeleteActive(ctx, sub.ID); err != nil {
		r.deps.logger.Printf("hub reconcile: clear revoked row %s: %v", sub.ID, err)
	}
	r.audit(ctx, registry.AuditSubscriptionRevoked, sub.Condition.ChannelID(), map[string]any{
		"topic":       sub.Type,
		"upstream_id": sub.ID,
		"status":      sub.Status,
	})
	r.Trigger()
}

// Run drives periodic reconciles, on-demand triggers, and cost-retry drains
// until ctx ends.
func (r *reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	retryTimer := time.NewTimer(time.Hour)
	retryTimer.Stop()
	defer retryTimer.Stop()

	for {
		r.armRetryTimer(retryTimer)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.reconcile(ctx)
		case <-r.trigger:
			r.reconcile(ctx)
		case <-retryTimer.C:
			r.drainRetries(ctx)
		}
	}
}

// armRetryTimer points the timer at the next due cost retry. While the
// session is down the timer stays off; the post-welcome trigger re-arms it.
func (r *reconciler) armRetryTimer(t *time.Timer) {
	t.Stop()
	r.mu.Lock()
	live := r.session != ""
	r.mu.Unlock()
	if !live {
		return
	}
	due, ok := r.retry.NextDue()
	if !ok {
		return
	}
	wait := time.Until(due)
	if wait < 0 {
		wait = 0
	}
	t.Reset(wait)
}

type reconcilePlan struct {
	deletes []registry.ActiveSubscription
	creates []registry.DesiredSubscription
}

// buildPlan diffs one snapshot. Deletes cover actives that are unwanted,
// terminally failed, or force-recreated; creates cover desired rows with no
// live active and no pending cost retry.
func buildPlan(snap registry.SubscriptionSnapshot, force bool, pendingRetry map[registry.SubscriptionKey]bool) reconcilePlan {
	desired := make(map[registry.SubscriptionKey]struct{}, len(snap.Desired))
	for _, d := range snap.Desired {
		desired[d.Key()] = struct{}{}
	}

	var plan reconcilePlan
	live := make(map[registry.SubscriptionKey]struct{}, len(snap.Active))
	for _, a := range snap.Active {
		key := a.Key()
		_, want := desired[key]
		terminal := a.Status == registry.SubscriptionFailed || a.Status == registry.SubscriptionRevoked
		if force || !want || terminal {
			plan.deletes = append(plan.deletes, a)
			continue
		}
		live[key] = struct{}{}
	}
	for _, d := range snap.Desired {
		key := d.Key()
		if _, ok := live[key]; ok {
			continue
		}
		if pendingRetry[key] {
			continue
		}
		plan.creates = append(plan.creates, d)
	}
	return plan
}

func (r *reconciler) reconcile(ctx context.Context) {
	start := time.Now()

	r.mu.Lock()
	session := r.session
	force := r.forceRecreate
	bootstrap := r.needBootstrap
	r.mu.Unlock()

	if bootstrap && session != "" {
		if err := r.rehydrate(ctx); err != nil {
			r.deps.logger.Printf("hub reconcile: rehydrate: %v", err)
			r.deps.metrics.recordReconcile(ctx, "error", time.Since(start))
			return
		}
		r.mu.Lock()
		r.needBootstrap = false
		r.mu.Unlock()
	}

	snap, err := r.deps.subs.Snapshot(ctx)
	if err != nil {
		r.deps.logger.Printf("hub reconcile: snapshot: %v", err)
		r.deps.metrics.recordReconcile(ctx, "error", time.Since(start))
		return
	}
	plan := buildPlan(snap, force, r.retry.Pending())

	deleteFailed := r.runDeletes(ctx, plan.deletes)
	if force && len(deleteFailed) == 0 {
		// Only a fully executed recreate clears the flag; leftovers keep
		// the next pass deleting.
		r.mu.Lock()
		r.forceRecreate = false
		r.mu.Unlock()
	}

	outcome := "ok"
	created := 0
	if session == "" {
		if len(plan.creates) > 0 {
			r.deps.logger.Printf("hub reconcile: no session, deferring %d creates", len(plan.creates))
			outcome = "deferred"
		}
	} else {
		created = r.runCreates(ctx, session, plan.creates, deleteFailed)
	}
	if created > 0 || len(plan.deletes) > 0 {
		r.deps.logger.Printf("hub reconcile: %d created, %d deleted, %d delete failures",
			created, len(plan.deletes)-len(deleteFailed), len(deleteFailed))
	}

	r.noteRetryDepth(ctx)
	r.persistReconcileTS(ctx)
	r.deps.metrics.recordReconcile(ctx, outcome, time.Since(start))
}

// rehydrate replaces the active table with the upstream LIST, the source of
// truth after a hub restart.
func (r *reconciler) rehydrate(ctx context.Context) error {
	remotes, err := r.deps.api.List(ctx)
	if err != nil {
		return err
	}
	rows := make([]registry.ActiveSubscription, 0, len(remotes))
	for _, remote := range remotes {
		if remote.UpstreamID == "" || remote.ChannelID == "" {
			continue
		}
		status := registry.SubscriptionFailed
		if remote.Status == "enabled" {
			status = registry.SubscriptionEnabled
		}
		rows = append(rows, registry.ActiveSubscription{
			UpstreamID: remote.UpstreamID,
			ChannelID:  remote.ChannelID,
			Topic:      remote.Topic,
			Status:     status,
			Cost:       remote.Cost,
		})
	}
	if err := r.deps.subs.ReplaceActive(ctx, rows); err != nil {
		return err
	}
	r.deps.logger.Printf("hub reconcile: rehydrated %d active rows from upstream", len(rows))
	return nil
}

// runDeletes issues upstream deletes through the limiter and clears the
// matching rows. It returns the keys whose delete failed so their recreation
// is skipped this pass.
func (r *reconciler) runDeletes(ctx context.Context, rows []registry.ActiveSubscription) map[registry.SubscriptionKey]bool {
	failed := make(map[registry.SubscriptionKey]bool)
	for _, row := range rows {
		if err := r.throttle(ctx); err != nil {
			failed[row.Key()] = true
			continue
		}
		err := r.deps.api.Delete(ctx, row.UpstreamID)
		if err != nil && !errs.IsCode(err, errs.CodeNotFound) {
			failed[row.Key()] = true
			r.deps.logger.Printf("hub reconcile: delete %s/%s: %v", row.ChannelID, row.Topic, err)
			r.audit(ctx, registry.AuditSubscriptionDeleteFailed, row.ChannelID, map[string]any{
				"topic":       row.Topic,
				"upstream_id": row.UpstreamID,
				"error":       err.Error(),
			})
			continue
		}
		if err := r.deps.subs.DeleteActive(ctx, row.UpstreamID); err != nil {
			r.deps.logger.Printf("hub reconcile: clear active row %s: %v", row.UpstreamID, err)
		}
		r.audit(ctx, registry.AuditSubscriptionDeleted, row.ChannelID, map[string]any{
			"topic":       row.Topic,
			"upstream_id": row.UpstreamID,
		})
	}
	return failed
}

// runCreates issues upstream creates through the limiter. A channel whose
// token is rejected skips its remaining rows this pass.
func (r *reconciler) runCreates(ctx context.Context, session string, rows []registry.DesiredSubscription, skip map[registry.SubscriptionKey]bool) int {
	created := 0
	authSkipped := make(map[string]bool)
	for _, row := range rows {
		if skip[row.Key()] || authSkipped[row.ChannelID] {
			continue
		}
		switch r.createOne(ctx, session, row, authSkipped) {
		case createOK:
			created++
		case createCostExceeded:
			delay, queued := r.retry.Enqueue(row.Key(), row.Version)
			r.noteCostRetry(ctx, row, delay, queued)
		}
	}
	return created
}

// createOutcome classifies a single upstream create attempt.
type createOutcome int

const (
	createFailed createOutcome = iota
	createOK
	createCostExceeded
	createAuthDenied
)

// createOne attempts a single upstream create and settles its outcome, except
// cost scheduling, which the caller owns: fresh enqueues from a reconcile
// pass, attempt-preserving requeues from the retry drain.
func (r *reconciler) createOne(ctx context.Context, session string, row registry.DesiredSubscription, authSkipped map[string]bool) createOutcome {
	if err := r.throttle(ctx); err != nil {
		return createFailed
	}
	sub, err := r.deps.api.Create(ctx, row.Topic, row.Version, row.ChannelID, session)
	switch {
	case err == nil:
		delete(r.reauthReported, row.ChannelID)
		active := registry.ActiveSubscription{
			UpstreamID: sub.UpstreamID,
			ChannelID:  row.ChannelID,
			Topic:      row.Topic,
			Status:     registry.SubscriptionEnabled,
			Cost:       sub.Cost,
		}
		if err := r.deps.subs.UpsertActive(ctx, active); err != nil {
			r.deps.logger.Printf("hub reconcile: record active %s/%s: %v", row.ChannelID, row.Topic, err)
		}
		r.audit(ctx, registry.AuditSubscriptionCreated, row.ChannelID, map[string]any{
			"topic":       row.Topic,
			"upstream_id": sub.UpstreamID,
			"cost":        sub.Cost,
		})
		return createOK

	case errs.IsCode(err, errs.CodeCostExceeded):
		return createCostExceeded

	case errs.IsCode(err, errs.CodeAuth):
		authSkipped[row.ChannelID] = true
		r.reportReauth(ctx, row.ChannelID, err)
		return createAuthDenied

	default:
		r.deps.logger.Printf("hub reconcile: create %s/%s: %v", row.ChannelID, row.Topic, err)
		r.audit(ctx, registry.AuditSubscriptionFailed, row.ChannelID, map[string]any{
			"topic": row.Topic,
			"error": err.Error(),
		})
		return createFailed
	}
}

// noteCostRetry logs the scheduled retry, or audits exhaustion when the
// ladder dropped the item.
func (r *reconciler) noteCostRetry(ctx context.Context, row registry.DesiredSubscription, delay time.Duration, queued bool) {
	if queued {
		r.deps.logger.Printf("hub reconcile: cost exceeded for %s/%s, retry in %s", row.ChannelID, row.Topic, delay)
		return
	}
	r.deps.logger.Printf("hub reconcile: cost retries exhausted for %s/%s", row.ChannelID, row.Topic)
	r.audit(ctx, registry.AuditRetryExhausted, row.ChannelID, map[string]any{"topic": row.Topic})
}

// drainRetries attempts the due cost-retry items, still paced by the shared
// limiter. Items whose desire vanished are dropped; fresh cost rejections
// re-enter the ladder.
func (r *reconciler) drainRetries(ctx context.Context) {
	due := r.retry.Due()
	if len(due) == 0 {
		r.noteRetryDepth(ctx)
		return
	}

	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session == "" {
		r.noteRetryDepth(ctx)
		return
	}

	snap, err := r.deps.subs.Snapshot(ctx)
	if err != nil {
		r.deps.logger.Printf("hub reconcile: retry snapshot: %v", err)
		return
	}
	desired := make(map[registry.SubscriptionKey]registry.DesiredSubscription, len(snap.Desired))
	for _, d := range snap.Desired {
		desired[d.Key()] = d
	}
	active := make(map[registry.SubscriptionKey]struct{}, len(snap.Active))
	for _, a := range snap.Active {
		if a.Status == registry.SubscriptionEnabled || a.Status == registry.SubscriptionPending {
			active[a.Key()] = struct{}{}
		}
	}

	authSkipped := make(map[string]bool)
	for _, item := range due {
		row, want := desired[item.key]
		if !want {
			continue
		}
		if _, ok := active[item.key]; ok {
			continue
		}
		if authSkipped[row.ChannelID] {
			continue
		}
		switch r.createOne(ctx, session, row, authSkipped) {
		case createOK:
			r.retry.Succeed()
		case createCostExceeded:
			delay, queued := r.retry.Requeue(item)
			r.noteCostRetry(ctx, row, delay, queued)
		}
	}
	r.noteRetryDepth(ctx)
}

// throttle waits for a limiter token and then a random jitter slice.
func (r *reconciler) throttle(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	jitter := r.cfg.JitterMin
	if span := r.cfg.JitterMax - r.cfg.JitterMin; span > 0 {
		jitter += rand.N(span)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

func (r *reconciler) reportReauth(ctx context.Context, channelID string, cause error) {
	if r.reauthReported[channelID] {
		return
	}
	r.reauthReported[channelID] = true
	if r.deps.creds != nil {
		if err := r.deps.creds.ReportReauth(ctx, channelID, "eventsub create unauthorized"); err != nil {
			r.deps.logger.Printf("hub reconcile: report reauth %s: %v", channelID, err)
		}
	}
	r.audit(ctx, registry.AuditCredentialReauth, channelID, map[string]any{"error": cause.Error()})
	r.deps.logger.Printf("hub reconcile: channel %s requires re-auth, creates suspended", channelID)
}

func (r *reconciler) noteRetryDepth(ctx context.Context) {
	depth := int64(r.retry.Len())
	if depth != r.lastRetryDepth {
		r.deps.metrics.addCostRetryDepth(ctx, depth-r.lastRetryDepth)
		r.lastRetryDepth = depth
	}
}

func (r *reconciler) persistReconcileTS(ctx context.Context) {
	if r.deps.state == nil {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.deps.state.Set(ctx, registry.HubKeyLastReconcileTS, now); err != nil {
		r.deps.logger.Printf("hub reconcile: persist timestamp: %v", err)
	}
}

func (r *reconciler) audit(ctx context.Context, kind, subject string, detail map[string]any) {
	if r.deps.auditLog == nil {
		return
	}
	event := registry.AuditEvent{Kind: kind, Subject: subject, Detail: detail}
	if err := r.deps.auditLog.Append(ctx, event); err != nil {
		r.deps.logger.Printf("hub reconcile: audit %s: %v", kind, err)
	}
}
