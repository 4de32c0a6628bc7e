package service

import (
	"context"
	"sync"
	"time"
)

// inFlightLoad is a single store query that concurrent cache misses wait on.
type inFlightLoad struct {
	done  chan struct{}
	value []byte
	err   error
}

// requestCoalescer collapses concurrent misses for the same cache key into one
// load. The load runs detached from the first caller's cancellation, bounded by timeout.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightLoad
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightLoad),
		timeout:  timeout,
	}
}

// GetOrDo joins the in-flight load for key or starts one with fn. shared is true
// when the caller received another caller's result.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func(context.Context) ([]byte, error)) (value []byte, shared bool, err error) {
	rc.mu.Lock()
	load, exists := rc.inFlight[key]
	if !exists {
		load = &inFlightLoad{done: make(chan struct{})}
		rc.inFlight[key] = load
	}
	rc.mu.Unlock()

	if !exists {
		go func() {
			loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
			defer cancel()
			load.value, load.err = fn(loadCtx)
			close(load.done)
			rc.cleanup(key, load)
		}()
	}

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-load.done:
		return load.value, exists, load.err
	case <-waitCtx.Done():
		return nil, exists, waitCtx.Err()
	}
}

// cleanup removes load unless key has since been forgotten and reloaded.
func (rc *requestCoalescer) cleanup(key string, load *inFlightLoad) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.inFlight[key] == load {
		delete(rc.inFlight, key)
	}
}

// forget detaches the in-flight load for key so later misses start a new one.
// Callers already waiting on the old load still receive its result.
func (rc *requestCoalescer) forget(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}
