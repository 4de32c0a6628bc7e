package lifecycle

import "sync/atomic"

// Phase is the process-wide serving state reported by /health.
type Phase int32

const (
	// PhaseStarting lasts until dependencies are open and the cache warm-up has run.
	PhaseStarting Phase = iota
	PhaseServing
	// PhaseShuttingDown is entered on SIGTERM/SIGINT; no new traffic should be routed here.
	PhaseShuttingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseServing:
		return "serving"
	case PhaseShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

var phase atomic.Int32

// SetPhase records the current phase.
func SetPhase(p Phase) {
	phase.Store(int32(p))
}

// CurrentPhase returns the current phase.
func CurrentPhase() Phase {
	return Phase(phase.Load())
}

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Clearing it returns the process to PhaseServing.
func SetShuttingDown(v bool) {
	if v {
		SetPhase(PhaseShuttingDown)
		return
	}
	SetPhase(PhaseServing)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return CurrentPhase() == PhaseShuttingDown
}

// IsServing reports whether startup has completed and shutdown has not begun.
func IsServing() bool {
	return CurrentPhase() == PhaseServing
}
