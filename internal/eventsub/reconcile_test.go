package eventsub

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/perchbot/perch/errs"
	"github.com/perchbot/perch/internal/credential"
	"github.com/perchbot/perch/internal/registry"
)

// fakeAPI records upstream calls in order and serves scripted failures.
type fakeAPI struct {
	mu        sync.Mutex
	calls     []string
	createErr map[registry.SubscriptionKey][]error
	remote    []RemoteSubscription
	nextID    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{createErr: make(map[registry.SubscriptionKey][]error)}
}

func (f *fakeAPI) failCreate(key registry.SubscriptionKey, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr[key] = append(f.createErr[key], err)
}

func (f *fakeAPI) Create(_ context.Context, topic, _, channelID, sessionID string) (CreatedSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("CREATE %s/%s@%s", channelID, topic, sessionID))
	key := registry.SubscriptionKey{ChannelID: channelID, Topic: topic}
	if queue := f.createErr[key]; len(queue) > 0 {
		err := queue[0]
		f.createErr[key] = queue[1:]
		return CreatedSubscription{}, err
	}
	f.nextID++
	return CreatedSubscription{UpstreamID: fmt.Sprintf("up-%d", f.nextID), Status: "enabled", Cost: 1}, nil
}

func (f *fakeAPI) Delete(_ context.Context, upstreamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "DELETE "+upstreamID)
	return nil
}

func (f *fakeAPI) List(context.Context) ([]RemoteSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "LIST")
	return append([]RemoteSubscription(nil), f.remote...), nil
}

func (f *fakeAPI) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// memSubStore is an in-memory SubscriptionStore with deterministic ordering.
type memSubStore struct {
	mu      sync.Mutex
	desired map[registry.SubscriptionKey]registry.DesiredSubscription
	active  map[registry.SubscriptionKey]registry.ActiveSubscription
}

func newMemSubStore() *memSubStore {
	return &memSubStore{
		desired: make(map[registry.SubscriptionKey]registry.DesiredSubscription),
		active:  make(map[registry.SubscriptionKey]registry.ActiveSubscription),
	}
}

func (s *memSubStore) UpsertDesired(_ context.Context, sub registry.DesiredSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desired[sub.Key()] = sub
	return nil
}

func (s *memSubStore) DeleteDesired(_ context.Context, channelID, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.desired, registry.SubscriptionKey{ChannelID: channelID, Topic: topic})
	return nil
}

func (s *memSubStore) ListDesired(context.Context) ([]registry.DesiredSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desiredLocked(), nil
}

func (s *memSubStore) UpsertActive(_ context.Context, sub registry.ActiveSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[sub.Key()] = sub
	return nil
}

func (s *memSubStore) DeleteActive(_ context.Context, upstreamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, row := range s.active {
		if row.UpstreamID == upstreamID {
			delete(s.active, key)
		}
	}
	return nil
}

func (s *memSubStore) MarkActiveStatus(_ context.Context, upstreamID string, status registry.SubscriptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, row := range s.active {
		if row.UpstreamID == upstreamID {
			row.Status = status
			s.active[key] = row
		}
	}
	return nil
}

func (s *memSubStore) ListActive(context.Context) ([]registry.ActiveSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(), nil
}

func (s *memSubStore) Snapshot(context.Context) (registry.SubscriptionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return registry.SubscriptionSnapshot{Desired: s.desiredLocked(), Active: s.activeLocked()}, nil
}

func (s *memSubStore) ReplaceActive(_ context.Context, subs []registry.ActiveSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = make(map[registry.SubscriptionKey]registry.ActiveSubscription, len(subs))
	for _, sub := range subs {
		s.active[sub.Key()] = sub
	}
	return nil
}

func (s *memSubStore) desiredLocked() []registry.DesiredSubscription {
	out := make([]registry.DesiredSubscription, 0, len(s.desired))
	for _, d := range s.desired {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].Topic < out[j].Topic
	})
	return out
}

func (s *memSubStore) activeLocked() []registry.ActiveSubscription {
	out := make([]registry.ActiveSubscription, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].Topic < out[j].Topic
	})
	return out
}

var _ registry.SubscriptionStore = (*memSubStore)(nil)

// memAuditStore collects audit events in memory.
type memAuditStore struct {
	mu     sync.Mutex
	events []registry.AuditEvent
}

func (s *memAuditStore) Append(_ context.Context, event registry.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memAuditStore) ListRecent(_ context.Context, limit int) ([]registry.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	return append([]registry.AuditEvent(nil), s.events[len(s.events)-limit:]...), nil
}

func (s *memAuditStore) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

func countKind(kinds []string, kind string) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func newTestReconciler() (*reconciler, *fakeAPI, *memSubStore, *memAuditStore) {
	api := newFakeAPI()
	subs := newMemSubStore()
	audit := &memAuditStore{}
	cfg := ReconcilerConfig{
		Interval:     time.Hour,
		RequestRate:  500,
		RequestBurst: 50,
		JitterMin:    time.Millisecond,
		JitterMax:    2 * time.Millisecond,
	}
	r := newReconciler(cfg, reconcilerDeps{
		api:      api,
		subs:     subs,
		auditLog: audit,
		logger:   log.New(io.Discard, "", 0),
	})
	r.needBootstrap = false
	return r, api, subs, audit
}

func addDesired(t *testing.T, subs *memSubStore, channelID, topic string) {
	t.Helper()
	err := subs.UpsertDesired(context.Background(), registry.DesiredSubscription{
		ChannelID: channelID,
		Topic:     topic,
		Version:   "1",
		Transport: "websocket",
	})
	if err != nil {
		t.Fatalf("seed desired: %v", err)
	}
}

func addActive(t *testing.T, subs *memSubStore, upstreamID, channelID, topic string, status registry.SubscriptionStatus) {
	t.Helper()
	err := subs.UpsertActive(context.Background(), registry.ActiveSubscription{
		UpstreamID: upstreamID,
		ChannelID:  channelID,
		Topic:      topic,
		Status:     status,
		Cost:       1,
	})
	if err != nil {
		t.Fatalf("seed active: %v", err)
	}
}

func TestReconcileCreatesDesired(t *testing.T) {
	r, api, subs, audit := newTestReconciler()
	ctx := context.Background()
	addDesired(t, subs, "100", "stream.online")
	addDesired(t, subs, "200", "stream.online")
	addDesired(t, subs, "200", "stream.offline")

	r.SessionUp("S1")
	r.reconcile(ctx)

	want := []string{
		"CREATE 100/stream.online@S1",
		"CREATE 200/stream.offline@S1",
		"CREATE 200/stream.online@S1",
	}
	if got := api.callLog(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}

	active, _ := subs.ListActive(ctx)
	if len(active) != 3 {
		t.Fatalf("active rows = %d, want 3", len(active))
	}
	for _, row := range active {
		if row.Status != registry.SubscriptionEnabled || row.Cost != 1 {
			t.Fatalf("active row = %+v, want enabled cost 1", row)
		}
	}
	if got := countKind(audit.kinds(), registry.AuditSubscriptionCreated); got != 3 {
		t.Fatalf("created audits = %d, want 3", got)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	r, api, subs, _ := newTestReconciler()
	ctx := context.Background()
	addDesired(t, subs, "100", "stream.online")

	r.SessionUp("S1")
	r.reconcile(ctx)
	before := len(api.callLog())
	r.reconcile(ctx)
	if after := len(api.callLog()); after != before {
		t.Fatalf("converged reconcile issued %d extra calls", after-before)
	}
}

func TestReconcilePacesUpstreamCalls(t *testing.T) {
	api := newFakeAPI()
	subs := newMemSubStore()
	cfg := ReconcilerConfig{
		Interval:     time.Hour,
		RequestRate:  50,
		RequestBurst: 1,
		JitterMin:    time.Millisecond,
		JitterMax:    time.Millisecond,
	}
	r := newReconciler(cfg, reconcilerDeps{
		api:      api,
		subs:     subs,
		auditLog: &memAuditStore{},
		logger:   log.New(io.Discard, "", 0),
	})
	r.needBootstrap = false
	for i := 0; i < 6; i++ {
		addDesired(t, subs, fmt.Sprintf("%d", 100+i), "stream.online")
	}

	r.SessionUp("S1")
	start := time.Now()
	r.reconcile(context.Background())
	elapsed := time.Since(start)

	if got := len(api.callLog()); got != 6 {
		t.Fatalf("create calls = %d, want 6", got)
	}
	// Burst 1 at 50/s spreads six creates over at least five 20ms refills.
	if elapsed < 90*time.Millisecond {
		t.Fatalf("six creates finished in %v, want at least ~100ms of pacing", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("six creates took %v, far slower than the configured rate", elapsed)
	}
}

func TestReconcileDeletesUndesired(t *testing.T) {
	r, api, subs, audit := newTestReconciler()
	ctx := context.Background()
	addActive(t, subs, "up-9", "300", "stream.online", registry.SubscriptionEnabled)

	r.SessionUp("S1")
	r.reconcile(ctx)

	if got := api.callLog(); fmt.Sprint(got) != "[DELETE up-9]" {
		t.Fatalf("calls = %v, want one DELETE", got)
	}
	active, _ := subs.ListActive(ctx)
	if len(active) != 0 {
		t.Fatalf("active rows = %d, want 0", len(active))
	}
	if got := countKind(audit.kinds(), registry.AuditSubscriptionDeleted); got != 1 {
		t.Fatalf("deleted audits = %d, want 1", got)
	}
}

func TestReconcileRecreatesTerminalRows(t *testing.T) {
	r, api, subs, _ := newTestReconciler()
	ctx := context.Background()
	addDesired(t, subs, "100", "stream.online")
	addActive(t, subs, "up-1", "100", "stream.online", registry.SubscriptionFailed)

	r.SessionUp("S1")
	r.reconcile(ctx)

	want := []string{"DELETE up-1", "CREATE 100/stream.online@S1"}
	if got := api.callLog(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want delete then create", got)
	}
	active, _ := subs.ListActive(ctx)
	if len(active) != 1 || active[0].Status != registry.SubscriptionEnabled {
		t.Fatalf("active = %+v, want one enabled row", active)
	}
}

func TestReconcileSessionChangeRecreatesAll(t *testing.T) {
	r, api, subs, _ := newTestReconciler()
	ctx := context.Background()
	addDesired(t, subs, "100", "stream.online")
	addDesired(t, subs, "200", "stream.online")
	addDesired(t, subs, "300", "stream.online")

	r.SessionUp("S1")
	r.reconcile(ctx)
	if got := len(api.callLog()); got != 3 {
		t.Fatalf("setup calls = %d, want 3", got)
	}

	r.SessionUp("S2")
	r.reconcile(ctx)

	calls := api.callLog()[3:]
	if len(calls) != 6 {
		t.Fatalf("session change issued %d calls, want 6: %v", len(calls), calls)
	}
	for i, call := range calls[:3] {
		if !strings.HasPrefix(call, "DELETE ") {
			t.Fatalf("call %d = %q, want DELETE before any CREATE", i, call)
		}
	}
	for i, call := range calls[3:] {
		if !strings.HasSuffix(call, "@S2") || !strings.HasPrefix(call, "CREATE ") {
			t.Fatalf("call %d = %q, want CREATE bound to S2", i+3, call)
		}
	}
}

func TestReconcileCostExceededWaitsOnLadder(t *testing.T) {
	r, api, subs, _ := newTestReconciler()
	ctx := context.Background()
	key := registry.SubscriptionKey{ChannelID: "100", Topic: "stream.online"}
	addDesired(t, subs, "100", "stream.online")
	api.failCreate(key, errs.New("upstream", errs.CodeCostExceeded, errs.WithMessage("budget full")))

	r.SessionUp("S1")
	r.reconcile(ctx)

	if got := r.retry.Len(); got != 1 {
		t.Fatalf("retry queue length = %d, want 1", got)
	}
	if active, _ := subs.ListActive(ctx); len(active) != 0 {
		t.Fatalf("active rows = %d, want 0 while cost blocked", len(active))
	}

	// The pending item is excluded from ordinary passes.
	before := len(api.callLog())
	r.reconcile(ctx)
	if after := len(api.callLog()); after != before {
		t.Fatalf("pending retry re-attempted by a reconcile pass")
	}

	// Past the first rung the drain retries it through the same limiter.
	r.retry.now = func() time.Time { return time.Now().Add(31 * time.Second) }
	r.drainRetries(ctx)

	if got := r.retry.Len(); got != 0 {
		t.Fatalf("retry queue length after drain = %d, want 0", got)
	}
	active, _ := subs.ListActive(ctx)
	if len(active) != 1 || active[0].Status != registry.SubscriptionEnabled {
		t.Fatalf("active after drain = %+v, want one enabled row", active)
	}
}

func TestReconcileAuthFailureReportsReauth(t *testing.T) {
	r, api, subs, audit := newTestReconciler()
	ctx := context.Background()
	creds := credential.NewStaticSource(map[string]credential.Token{
		"100": {AccessToken: "tok"},
	})
	r.deps.creds = creds

	addDesired(t, subs, "100", "channel.chat.message")
	addDesired(t, subs, "100", "stream.online")
	key := registry.SubscriptionKey{ChannelID: "100", Topic: "channel.chat.message"}
	api.failCreate(key, errs.New("upstream", errs.CodeAuth, errs.WithMessage("token rejected")))

	r.SessionUp("S1")
	r.reconcile(ctx)

	// The first failure suspends the channel's remaining creates this pass.
	if got := api.callLog(); fmt.Sprint(got) != "[CREATE 100/channel.chat.message@S1]" {
		t.Fatalf("calls = %v, want a single create attempt", got)
	}
	reports := creds.Reports()
	if len(reports) != 1 || reports[0].UserID != "100" {
		t.Fatalf("reauth reports = %+v, want one for channel 100", reports)
	}
	if got := countKind(audit.kinds(), registry.AuditCredentialReauth); got != 1 {
		t.Fatalf("reauth audits = %d, want 1", got)
	}
}

func TestReconcileWithoutSessionDefersCreates(t *testing.T) {
	r, api, subs, _ := newTestReconciler()
	ctx := context.Background()
	addDesired(t, subs, "100", "stream.online")
	addActive(t, subs, "up-7", "400", "stream.online", registry.SubscriptionEnabled)

	r.reconcile(ctx)

	// Deletes still run while down; creates wait for a session.
	if got := api.callLog(); fmt.Sprint(got) != "[DELETE up-7]" {
		t.Fatalf("calls = %v, want only the delete", got)
	}
}

func TestReconcileRevocationRecreates(t *testing.T) {
	r, api, subs, audit := newTestReconciler()
	ctx := context.Background()
	addDesired(t, subs, "100", "stream.online")
	addActive(t, subs, "up-X", "100", "stream.online", registry.SubscriptionEnabled)
	r.SessionUp("S1")
	r.reconcile(ctx)
	if got := len(api.callLog()); got != 0 {
		t.Fatalf("converged setup issued %d calls", got)
	}

	r.HandleRevocation(ctx, Subscription{
		ID:        "up-X",
		Type:      "stream.online",
		Status:    "authorization_revoked",
		Condition: Condition{BroadcasterUserID: "100"},
	})

	if active, _ := subs.ListActive(ctx); len(active) != 0 {
		t.Fatalf("revoked row still present: %+v", active)
	}
	if got := countKind(audit.kinds(), registry.AuditSubscriptionRevoked); got != 1 {
		t.Fatalf("revoked audits = %d, want 1", got)
	}

	r.reconcile(ctx)
	if got := api.callLog(); fmt.Sprint(got) != "[CREATE 100/stream.online@S1]" {
		t.Fatalf("calls = %v, want the recreation", got)
	}
}

func TestReconcileBootstrapRehydrates(t *testing.T) {
	r, api, subs, _ := newTestReconciler()
	ctx := context.Background()
	r.needBootstrap = true

	addDesired(t, subs, "100", "stream.online")
	addActive(t, subs, "up-stale", "100", "stream.online", registry.SubscriptionEnabled)
	api.remote = []RemoteSubscription{
		{UpstreamID: "up-live", ChannelID: "100", Topic: "stream.online", Status: "enabled", Cost: 1},
	}

	r.SessionUp("S1")
	r.reconcile(ctx)

	if got := api.callLog(); fmt.Sprint(got) != "[LIST]" {
		t.Fatalf("calls = %v, want only LIST", got)
	}
	active, _ := subs.ListActive(ctx)
	if len(active) != 1 || active[0].UpstreamID != "up-live" {
		t.Fatalf("active after rehydrate = %+v, want the upstream row", active)
	}
}

func TestBuildPlanExclusions(t *testing.T) {
	snap := registry.SubscriptionSnapshot{
		Desired: []registry.DesiredSubscription{
			{ChannelID: "100", Topic: "a"},
			{ChannelID: "100", Topic: "b"},
			{ChannelID: "100", Topic: "c"},
		},
		Active: []registry.ActiveSubscription{
			{UpstreamID: "u1", ChannelID: "100", Topic: "a", Status: registry.SubscriptionEnabled},
			{UpstreamID: "u2", ChannelID: "100", Topic: "z", Status: registry.SubscriptionEnabled},
		},
	}
	pending := map[registry.SubscriptionKey]bool{
		{ChannelID: "100", Topic: "c"}: true,
	}

	plan := buildPlan(snap, false, pending)
	if len(plan.deletes) != 1 || plan.deletes[0].UpstreamID != "u2" {
		t.Fatalf("deletes = %+v, want only the undesired row", plan.deletes)
	}
	if len(plan.creates) != 1 || plan.creates[0].Topic != "b" {
		t.Fatalf("creates = %+v, want only topic b", plan.creates)
	}

	forced := buildPlan(snap, true, nil)
	if len(forced.deletes) != 2 {
		t.Fatalf("forced deletes = %d, want all actives", len(forced.deletes))
	}
	if len(forced.creates) != 3 {
		t.Fatalf("forced creates = %d, want all desired", len(forced.creates))
	}
}
