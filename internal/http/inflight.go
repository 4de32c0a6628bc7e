package http

import (
	"context"
	"sync/atomic"
	"time"
)

// InFlightTracker tracks the number of requests currently being served.
// Used during graceful shutdown to wait for in-flight requests to complete.
type InFlightTracker struct {
	count atomic.Int64
}

func (t *InFlightTracker) Increment() { t.count.Add(1) }

func (t *InFlightTracker) Decrement() { t.count.Add(-1) }

// Count returns the current in-flight count.
func (t *InFlightTracker) Count() int64 {
	return t.count.Load()
}

// WaitForZero blocks until the in-flight count reaches zero or ctx is cancelled.
// checkInterval is how often to re-check the count.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	if checkInterval <= 0 {
		checkInterval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		if t.Count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
