package traffic

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Tracker keeps a sliding window of upstream call outcomes. The health check
// derives the upstream error rate from it.
type Tracker struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	maxAge       time.Duration
	successTimes []time.Time
	errorTimes   []time.Time
}

// NewTracker returns a Tracker that retains outcomes for maxAge.
func NewTracker(maxAge time.Duration) *Tracker {
	return NewTrackerWithClock(maxAge, clockwork.NewRealClock())
}

func NewTrackerWithClock(maxAge time.Duration, clock clockwork.Clock) *Tracker {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Tracker{clock: clock, maxAge: maxAge}
}

// RecordSuccess records a successful upstream call.
func (t *Tracker) RecordSuccess() {
	t.recordOutcome(&t.successTimes)
}

// RecordError records a failed upstream call (transport error, non-2xx, incomplete data).
func (t *Tracker) RecordError() {
	t.recordOutcome(&t.errorTimes)
}

func (t *Tracker) recordOutcome(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// ErrorRate returns (errorCount, totalCount) within the window.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	errCount := countInWindow(t.errorTimes, cutoff)
	return errCount, errCount + countInWindow(t.successTimes, cutoff)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
}

func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than maxAge. Must be called with mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.maxAge)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
}
