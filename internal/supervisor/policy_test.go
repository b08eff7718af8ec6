package supervisor

import (
	"testing"
	"time"
)

func TestRestartDelayDoubling(t *testing.T) {
	cases := []struct {
		k    int
		want time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
		{40, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := restartDelay(tc.k); got != tc.want {
			t.Errorf("restartDelay(%d) = %v, want %v", tc.k, got, tc.want)
		}
	}
}

func TestNoteCrashCountsConsecutive(t *testing.T) {
	p := restartPolicy{maxCrashes: 10, crashWindow: 10 * time.Minute}
	var rec crashRecord
	now := time.Now()

	p.noteCrash(&rec, now, 5*time.Second)
	p.noteCrash(&rec, now.Add(3*time.Second), 3*time.Second)
	if rec.consecutive != 2 {
		t.Fatalf("consecutive = %d, want 2", rec.consecutive)
	}
	if !rec.lastExit.Equal(now.Add(3 * time.Second)) {
		t.Fatalf("lastExit = %v", rec.lastExit)
	}
}

func TestNoteCrashResetsAfterHealthyRun(t *testing.T) {
	p := restartPolicy{maxCrashes: 10, crashWindow: 10 * time.Minute}
	rec := crashRecord{consecutive: 4}

	p.noteCrash(&rec, time.Now(), minHealthyRun+time.Second)
	if rec.consecutive != 1 {
		t.Fatalf("consecutive = %d, want 1 after healthy run", rec.consecutive)
	}
}

func TestNoteCrashDisablesAtBudget(t *testing.T) {
	p := restartPolicy{maxCrashes: 3, crashWindow: 10 * time.Minute}
	var rec crashRecord
	now := time.Now()

	if p.noteCrash(&rec, now, time.Second) {
		t.Fatal("first crash should not disable")
	}
	if p.noteCrash(&rec, now.Add(time.Minute), time.Second) {
		t.Fatal("second crash should not disable")
	}
	if !p.noteCrash(&rec, now.Add(2*time.Minute), time.Second) {
		t.Fatal("third crash within window should disable")
	}
	if !rec.disabled {
		t.Fatal("record should be disabled")
	}
}

func TestCrashWindowSlides(t *testing.T) {
	p := restartPolicy{maxCrashes: 3, crashWindow: 10 * time.Minute}
	var rec crashRecord
	now := time.Now()

	p.noteCrash(&rec, now, time.Second)
	p.noteCrash(&rec, now.Add(11*time.Minute), time.Second)
	if p.noteCrash(&rec, now.Add(12*time.Minute), time.Second) {
		t.Fatal("old crash left the window, budget not reached")
	}
	if len(rec.window) != 2 {
		t.Fatalf("window size = %d, want 2", len(rec.window))
	}
}

func TestEligibleHonoursBackoff(t *testing.T) {
	now := time.Now()
	rec := crashRecord{consecutive: 1, lastExit: now}

	if rec.eligible(now.Add(time.Second)) {
		t.Fatal("eligible before the 2s backoff elapsed")
	}
	if !rec.eligible(now.Add(2 * time.Second)) {
		t.Fatal("not eligible after the backoff elapsed")
	}

	rec.disabled = true
	if rec.eligible(now.Add(time.Hour)) {
		t.Fatal("disabled record must never be eligible")
	}
}

func TestEligibleBeforeFirstExit(t *testing.T) {
	var rec crashRecord
	if !rec.eligible(time.Now()) {
		t.Fatal("fresh record should be eligible")
	}
}

func TestResetClearsEverything(t *testing.T) {
	rec := crashRecord{
		consecutive: 5,
		window:      []time.Time{time.Now()},
		disabled:    true,
		lastExit:    time.Now(),
	}
	rec.reset()
	if rec.consecutive != 0 || rec.disabled || len(rec.window) != 0 || !rec.lastExit.IsZero() {
		t.Fatalf("reset left state: %+v", rec)
	}
}
