// Package liveness detects whether the talon controller process is
// still alive, using two independent signals: a changing time-of-day
// field in shared memory, and a successful kill(pid, 0) probe.
package liveness

import (
	"container/ring"

	"golang.org/x/sys/unix"
)

// Monitor tracks the most recent controller time-of-day values and
// decides liveness from them plus a process probe.
type Monitor struct {
	capacity int
	r        *ring.Ring
	filled   int
}

// NewMonitor creates a Monitor whose ring buffer holds up to capacity
// recent time-of-day samples.
func NewMonitor(capacity int) *Monitor {
	if capacity < 2 {
		capacity = 2
	}
	return &Monitor{capacity: capacity, r: ring.New(capacity)}
}

// Observe pushes tod onto the ring buffer and reports whether the
// controller, identified by pid, is alive: the ring must contain at
// least two distinct values (the controller's clock is advancing) and
// kill(pid, 0) must succeed (the process still exists).
func (m *Monitor) Observe(pid int32, tod float64) bool {
	distinct := tod > 0 && m.hasDistinctValue(tod)

	m.r.Value = tod
	m.r = m.r.Next()
	if m.filled < m.capacity {
		m.filled++
	}

	if !distinct {
		return false
	}
	return probeProcess(pid)
}

// hasDistinctValue reports whether the ring already holds a value
// different from tod.
func (m *Monitor) hasDistinctValue(tod float64) bool {
	found := false
	m.r.Do(func(v interface{}) {
		if v == nil {
			return
		}
		if v.(float64) != tod {
			found = true
		}
	})
	return found
}

// Reset clears all recorded samples, used when the controller is
// observed to die so a stale ring doesn't falsely report liveness on the
// next initialize.
func (m *Monitor) Reset() {
	m.r = ring.New(m.capacity)
	m.filled = 0
}

func probeProcess(pid int32) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(int(pid), 0) == nil
}
