package eventsub

import (
	"testing"
	"time"

	"github.com/perchbot/perch/internal/registry"
)

func TestCostRetryLadderStaggersBurst(t *testing.T) {
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	queue := newCostRetryQueue(3)
	queue.now = func() time.Time { return clock }

	keyA := registry.SubscriptionKey{ChannelID: "100", Topic: "stream.online"}
	keyB := registry.SubscriptionKey{ChannelID: "200", Topic: "stream.online"}

	delayA, ok := queue.Enqueue(keyA, "1")
	if !ok || delayA != 30*time.Second {
		t.Fatalf("expected first enqueue at 30s, got %v ok=%v", delayA, ok)
	}
	delayB, ok := queue.Enqueue(keyB, "1")
	if !ok || delayB != 60*time.Second {
		t.Fatalf("expected second enqueue at 60s, got %v ok=%v", delayB, ok)
	}

	// Nothing due before the first rung elapses.
	if due := queue.Due(); len(due) != 0 {
		t.Fatalf("expected nothing due, got %d", len(due))
	}

	// At t=30s only the first item fires. Its retry fails again, so the
	// requeue escalates to the next rung: 120s.
	clock = clock.Add(30 * time.Second)
	due := queue.Due()
	if len(due) != 1 || due[0].key != keyA {
		t.Fatalf("expected keyA due, got %+v", due)
	}
	delayA, ok = queue.Requeue(due[0])
	if !ok || delayA != 120*time.Second {
		t.Fatalf("expected escalation to 120s, got %v ok=%v", delayA, ok)
	}
}

func TestCostRetrySucceedResetsLadder(t *testing.T) {
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	queue := newCostRetryQueue(3)
	queue.now = func() time.Time { return clock }

	keyA := registry.SubscriptionKey{ChannelID: "100", Topic: "stream.online"}
	keyB := registry.SubscriptionKey{ChannelID: "200", Topic: "stream.online"}

	queue.Enqueue(keyA, "1")
	queue.Enqueue(keyB, "1")
	queue.Succeed()

	keyC := registry.SubscriptionKey{ChannelID: "300", Topic: "stream.online"}
	delay, ok := queue.Enqueue(keyC, "1")
	if !ok || delay != 30*time.Second {
		t.Fatalf("expected ladder reset to 30s, got %v ok=%v", delay, ok)
	}
}

func TestCostRetryDropsAfterMaxAttempts(t *testing.T) {
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	queue := newCostRetryQueue(3)
	queue.now = func() time.Time { return clock }

	key := registry.SubscriptionKey{ChannelID: "100", Topic: "stream.online"}
	if _, ok := queue.Enqueue(key, "1"); !ok {
		t.Fatal("first attempt should enqueue")
	}
	for attempt := 2; attempt <= 3; attempt++ {
		clock = clock.Add(10 * time.Minute)
		due := queue.Due()
		if len(due) != 1 {
			t.Fatalf("attempt %d: expected one due item, got %d", attempt, len(due))
		}
		if _, ok := queue.Requeue(due[0]); !ok {
			t.Fatalf("attempt %d should requeue", attempt)
		}
	}

	clock = clock.Add(10 * time.Minute)
	due := queue.Due()
	if len(due) != 1 {
		t.Fatalf("expected one due item, got %d", len(due))
	}
	if _, ok := queue.Requeue(due[0]); ok {
		t.Fatal("fourth attempt should drop the item")
	}
	if queue.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", queue.Len())
	}
}

func TestCostRetryEmptyQueueResetsLadder(t *testing.T) {
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	queue := newCostRetryQueue(3)
	queue.now = func() time.Time { return clock }

	key := registry.SubscriptionKey{ChannelID: "100", Topic: "stream.online"}
	queue.Enqueue(key, "1")
	queue.Enqueue(registry.SubscriptionKey{ChannelID: "200", Topic: "stream.online"}, "1")

	clock = clock.Add(10 * time.Minute)
	queue.Due()

	delay, ok := queue.Enqueue(key, "1")
	if !ok || delay != 30*time.Second {
		t.Fatalf("expected rung back at 30s after drain, got %v ok=%v", delay, ok)
	}
}

func TestCostRetryNextDue(t *testing.T) {
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	queue := newCostRetryQueue(3)
	queue.now = func() time.Time { return clock }

	if _, found := queue.NextDue(); found {
		t.Fatal("expected no deadline on empty queue")
	}

	queue.Enqueue(registry.SubscriptionKey{ChannelID: "100", Topic: "stream.online"}, "1")
	queue.Enqueue(registry.SubscriptionKey{ChannelID: "200", Topic: "stream.online"}, "1")

	deadline, found := queue.NextDue()
	if !found {
		t.Fatal("expected a deadline")
	}
	if want := clock.Add(30 * time.Second); !deadline.Equal(want) {
		t.Fatalf("expected earliest deadline %v, got %v", want, deadline)
	}
}
