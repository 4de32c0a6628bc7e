// Package degraded probes the upstream weather API while the service reports
// a degraded upstream, and clears the error window once the probe succeeds.
package degraded

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// ValidateFunc checks upstream reachability (client.ValidateAPIKey). Returns nil if recovered.
type ValidateFunc func(ctx context.Context) error

// Resetter clears recorded upstream outcomes (traffic.Tracker).
type Resetter interface {
	Reset()
}

// Recovery runs at most one Fibonacci backoff probe sequence at a time.
type Recovery struct {
	validate       ValidateFunc
	tracker        Resetter
	initial        time.Duration
	max            time.Duration
	attemptTimeout time.Duration
	clock          clockwork.Clock
	logger         *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewRecovery returns a Recovery probing with delays initial, 2×initial, 3×initial,
// 5×initial... up to max.
func NewRecovery(validate ValidateFunc, tracker Resetter, initial, max time.Duration, logger *zap.Logger) *Recovery {
	return NewRecoveryWithClock(validate, tracker, initial, max, logger, clockwork.NewRealClock())
}

func NewRecoveryWithClock(validate ValidateFunc, tracker Resetter, initial, max time.Duration, logger *zap.Logger, clock clockwork.Clock) *Recovery {
	return &Recovery{
		validate:       validate,
		tracker:        tracker,
		initial:        initial,
		max:            max,
		attemptTimeout: 10 * time.Second,
		clock:          clock,
		logger:         logger,
	}
}

// Start binds the probe loop to ctx. Notify is a no-op before Start and after ctx ends.
func (r *Recovery) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
}

// Notify starts a probe sequence unless one is already running. Non-blocking;
// safe to call from the health handler on every degraded response.
func (r *Recovery) Notify() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.running.Store(false)
		r.run(ctx)
	}()
}

// Running reports whether a probe sequence is in progress.
func (r *Recovery) Running() bool {
	return r.running.Load()
}

// Wait blocks until the current probe sequence has returned.
func (r *Recovery) Wait() {
	r.wg.Wait()
}

// run returns true once the upstream validated.
func (r *Recovery) run(ctx context.Context) bool {
	delays := fibDelays(r.initial, r.max)
	for i, d := range delays {
		select {
		case <-ctx.Done():
			return false
		case <-r.clock.After(d):
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		err := r.validate(attemptCtx)
		cancel()
		if err == nil {
			r.tracker.Reset()
			observability.UpstreamRecoveryAttemptsTotal.WithLabelValues("recovered").Inc()
			r.logger.Info("upstream recovered", zap.Int("attempt", i+1))
			return true
		}
		observability.UpstreamRecoveryAttemptsTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("upstream recovery probe failed", zap.Int("attempt", i+1), zap.Error(err))
	}
	observability.UpstreamRecoveryAttemptsTotal.WithLabelValues("exhausted").Inc()
	r.logger.Error("upstream recovery exhausted", zap.Int("attempts", len(delays)))
	return false
}

// fibDelays returns initial×(1, 2, 3, 5, 8, ...) while the delay stays within max.
func fibDelays(initial, max time.Duration) []time.Duration {
	if initial <= 0 || max < initial {
		return nil
	}
	var out []time.Duration
	for a, b := int64(1), int64(2); ; a, b = b, a+b {
		d := time.Duration(a) * initial
		if d > max {
			break
		}
		out = append(out, d)
	}
	return out
}
