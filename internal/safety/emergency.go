// Package safety implements the session-level kill switch and the circuit
// breaker that flips it.
package safety

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/execution-engine/internal/metrics"
)

// EmergencyStop is the process-wide trading halt. Reads are lock-free; it is
// set by the circuit breaker or an operator and cleared only by an operator.
type EmergencyStop struct {
	active atomic.Bool

	mu     sync.Mutex
	reason string
	since  time.Time
}

// NewEmergencyStop returns a cleared stop.
func NewEmergencyStop() *EmergencyStop {
	return &EmergencyStop{}
}

// Activate sets the stop. It returns false if it was already set, in which
// case the original reason is kept.
func (e *EmergencyStop) Activate(reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active.CompareAndSwap(false, true) {
		return false
	}
	e.reason = reason
	e.since = time.Now()
	metrics.EmergencyStopActive.Set(1)
	return true
}

// Clear releases the stop. It returns false if it was not set.
func (e *EmergencyStop) Clear() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active.CompareAndSwap(true, false) {
		return false
	}
	e.reason = ""
	e.since = time.Time{}
	metrics.EmergencyStopActive.Set(0)
	return true
}

// Active reports whether trading is halted.
func (e *EmergencyStop) Active() bool {
	return e.active.Load()
}

// Reason returns why and since when the stop is set.
func (e *EmergencyStop) Reason() (string, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason, e.since
}
