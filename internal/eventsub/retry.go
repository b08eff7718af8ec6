package eventsub

import (
	"sync"
	"time"

	"github.com/perchbot/perch/internal/registry"
)

// costRetryLadder staggers retries after upstream cost rejections. The rung
// pointer advances on every enqueue so a burst of failures spreads out
// instead of thundering back at once.
var costRetryLadder = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	240 * time.Second,
	300 * time.Second,
}

type retryItem struct {
	key      registry.SubscriptionKey
	version  string
	attempts int
	dueAt    time.Time
}

// costRetryQueue holds subscriptions waiting out a cost rejection. It is in
// memory only: entries lost on restart reappear through the next full
// reconcile, which re-evaluates desired against active from scratch.
type costRetryQueue struct {
	mu          sync.Mutex
	items       map[registry.SubscriptionKey]*retryItem
	rung        int
	maxAttempts int
	now         func() time.Time
}

func newCostRetryQueue(maxAttempts int) *costRetryQueue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &costRetryQueue{
		items:       make(map[registry.SubscriptionKey]*retryItem),
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Enqueue schedules a first retry for key at the current ladder rung and
// advances the rung. It returns the assigned delay, or false when the item
// has exhausted its attempts and was dropped instead.
func (q *costRetryQueue) Enqueue(key registry.SubscriptionKey, version string) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[key]
	if !ok {
		item = &retryItem{key: key, version: version}
	}
	return q.scheduleLocked(item)
}

// Requeue returns a drained item to the ladder with its attempt count intact,
// so repeated cost rejections still exhaust. It reports false when the item
// was dropped instead.
func (q *costRetryQueue) Requeue(item retryItem) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.scheduleLocked(&item)
}

func (q *costRetryQueue) scheduleLocked(item *retryItem) (time.Duration, bool) {
	item.attempts++
	if item.attempts > q.maxAttempts {
		delete(q.items, item.key)
		q.resetIfEmptyLocked()
		return 0, false
	}

	delay := costRetryLadder[q.rung]
	if q.rung < len(costRetryLadder)-1 {
		q.rung++
	}
	item.dueAt = q.now().Add(delay)
	q.items[item.key] = item
	return delay, true
}

// Due removes and returns every item whose delay has elapsed. A caller whose
// retry fails on cost again must hand the item back through Requeue; dropping
// it instead leaves recreation to the next full reconcile.
func (q *costRetryQueue) Due() []retryItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var due []retryItem
	for key, item := range q.items {
		if !item.dueAt.After(now) {
			due = append(due, *item)
			delete(q.items, key)
		}
	}
	q.resetIfEmptyLocked()
	return due
}

// Succeed resets the ladder after a retry lands.
func (q *costRetryQueue) Succeed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rung = 0
}

// NextDue reports the earliest pending deadline.
func (q *costRetryQueue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, item := range q.items {
		if !found || item.dueAt.Before(earliest) {
			earliest = item.dueAt
			found = true
		}
	}
	return earliest, found
}

// Len reports how many items are waiting.
func (q *costRetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns the keys currently waiting, due or not. Reconcile passes
// exclude them so retries stay on their ladder schedule.
func (q *costRetryQueue) Pending() map[registry.SubscriptionKey]bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[registry.SubscriptionKey]bool, len(q.items))
	for key := range q.items {
		out[key] = true
	}
	return out
}

func (q *costRetryQueue) resetIfEmptyLocked() {
	if len(q.items) == 0 {
		q.rung = 0
	}
}
