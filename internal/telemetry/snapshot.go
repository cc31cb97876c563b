// Package telemetry owns the daemon's live view of the controller: the
// polled Snapshot, the condition variables commands wait on, and the
// poller goroutine that keeps them in sync with shared memory.
package telemetry

import (
	"sync"
	"sync/atomic"

	"github.com/openobs/talond/internal/focus"
	"github.com/openobs/talond/internal/pointing"
)

// Site is the observatory location, captured once when the controller
// first comes alive.
type Site struct {
	LatitudeRad  float64
	LongitudeRad float64
	ElevationM   float64
}

// Snapshot is the daemon's most recently polled view of the controller,
// mutated only by the Poller while holding both condition locks.
type Snapshot struct {
	Pointing      pointing.State
	PointingIndex int32
	Focus         focus.State

	TelescopeFocusUm float64

	RAJ2000, DecJ2000     float64
	HAApparent, DecApparent, LST float64
	Alt, Az               float64

	AxesHomed bool

	// Alive is the poller's latest liveness verdict; the status
	// reporter keys its optional site block off it.
	Alive bool

	ControllerPid int32
	ControllerTOD float64

	Site Site

	// last* are the prior tick's values, kept to detect edges.
	lastPointingIndex  int32
	lastTelescopeFocus float64
	lastFocus          focus.State
}

// Gates bundles the daemon's control gates: a non-reentrant, try-only
// command mutex; a pointing and a focus condition pair, acquired in
// that order; and the force-stop flag.
//
// forceStopped is an atomic bool rather than a plain bool guarded by
// one of the condition mutexes: stop sets it with no lock held and
// clears it after acquiring the command mutex, while blocked commands
// observe it under whichever condition lock they hold when they wake. sync/atomic gives that cross-lock visibility directly
// instead of threading a third mutex through every wait.
type Gates struct {
	CommandMu sync.Mutex

	PointingMu   sync.Mutex
	PointingCond *sync.Cond

	FocusMu   sync.Mutex
	FocusCond *sync.Cond

	forceStopped atomic.Bool
}

// NewGates constructs a Gates with its condition variables wired to
// their mutexes.
func NewGates() *Gates {
	g := &Gates{}
	g.PointingCond = sync.NewCond(&g.PointingMu)
	g.FocusCond = sync.NewCond(&g.FocusMu)
	return g
}

// TryLockCommand attempts to acquire the command mutex without
// blocking. The command mutex is only ever tried, never waited on,
// except by Stop during its cleanup.
func (g *Gates) TryLockCommand() bool {
	return g.CommandMu.TryLock()
}

// UnlockCommand releases the command mutex.
func (g *Gates) UnlockCommand() {
	g.CommandMu.Unlock()
}

// SetForceStopped sets or clears the force-stop flag.
func (g *Gates) SetForceStopped(v bool) {
	g.forceStopped.Store(v)
}

// ForceStopped reports the current force-stop flag.
func (g *Gates) ForceStopped() bool {
	return g.forceStopped.Load()
}
