package supervisor

import "time"

const (
	backoffBase   = time.Second
	backoffMax    = 60 * time.Second
	minHealthyRun = 60 * time.Second
)

// crashRecord tracks one child's restart state. The consecutive counter
// drives backoff; the sliding window drives disablement.
type crashRecord struct {
	consecutive int
	window      []time.Time
	disabled    bool
	lastExit    time.Time
}

// restartPolicy decides when a crashed child may come back.
type restartPolicy struct {
	maxCrashes  int
	crashWindow time.Duration
}

// noteCrash records an exit. A run that lasted past the healthy threshold
// resets the consecutive counter before the new crash is counted. Reaching
// the window's crash budget disables the child; the report says so.
func (p restartPolicy) noteCrash(rec *crashRecord, exitAt time.Time, runDuration time.Duration) (disabled bool) {
	if runDuration >= minHealthyRun {
		rec.consecutive = 0
	}
	rec.consecutive++
	rec.lastExit = exitAt

	cutoff := exitAt.Add(-p.crashWindow)
	kept := rec.window[:0]
	for _, at := range rec.window {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	rec.window = append(kept, exitAt)

	if !rec.disabled && len(rec.window) >= p.maxCrashes {
		rec.disabled = true
		return true
	}
	return false
}

// restartDelay is the wait after the k-th consecutive crash.
func restartDelay(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	if k > 30 {
		return backoffMax
	}
	d := backoffBase << uint(k)
	if d > backoffMax {
		return backoffMax
	}
	return d
}

// eligible reports whether a crashed child has served its backoff.
func (rec *crashRecord) eligible(now time.Time) bool {
	if rec.disabled {
		return false
	}
	if rec.lastExit.IsZero() {
		return true
	}
	return now.Sub(rec.lastExit) >= restartDelay(rec.consecutive)
}

// reset clears all restart state, used when an operator starts the child
// explicitly.
func (rec *crashRecord) reset() {
	*rec = crashRecord{}
}
