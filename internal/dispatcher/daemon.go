// Package dispatcher implements the daemon's command surface: access
// control, the non-blocking command mutex, pre-flight limit checks, and
// the generic "issue command, wait for terminal state or timeout"
// primitive that every motion operation is built from.
package dispatcher

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/armon/go-metrics"

	"github.com/openobs/talond/internal/config"
	"github.com/openobs/talond/internal/focus"
	"github.com/openobs/talond/internal/pointing"
	"github.com/openobs/talond/internal/telemetry"
)

// FIFOWriter is the narrow interface Daemon needs from internal/fifo,
// kept as an interface so tests can substitute a fake without real named
// pipes.
type FIFOWriter interface {
	Write(name, cmd string) error
}

// ControllerProcess is the narrow interface Daemon needs from
// internal/daemon (the controller-process supervisor), kept separate so
// the dispatcher does not itself know how to spawn or signal processes.
type ControllerProcess interface {
	Spawn(ctx context.Context, cfg *config.Config) error
	Signal(pid int32) error
}

// InterlockClient checks the external security interlock (full flavor
// only).
type InterlockClient interface {
	Check(ctx context.Context) (safe bool, err error)
}

// Offset is the accumulated differential pointing correction, mutated
// only under the command mutex.
type Offset struct {
	RADeg, DecDeg float64
}

// Daemon is the process-wide service instance: the single Config, the
// shared telemetry Snapshot/Gates owned by the Poller, and the
// collaborators used to reach the controller.
type Daemon struct {
	cfg *config.Config

	gates    *telemetry.Gates
	snapshot *telemetry.Snapshot

	fifo      FIFOWriter
	process   ControllerProcess
	interlock InterlockClient

	logger *log.Logger

	// offset is mutated only while the command mutex is held; offsetMu
	// additionally guards it so the status reporter can read a coherent
	// pair without touching the command mutex.
	offsetMu sync.Mutex
	offset   Offset
}

// New constructs a Daemon. gates and snapshot must be the same instances
// given to the telemetry.Poller.
func New(cfg *config.Config, gates *telemetry.Gates, snapshot *telemetry.Snapshot, fifoWriter FIFOWriter, process ControllerProcess, interlock InterlockClient, logger *log.Logger) *Daemon {
	return &Daemon{
		cfg:       cfg,
		gates:     gates,
		snapshot:  snapshot,
		fifo:      fifoWriter,
		process:   process,
		interlock: interlock,
		logger:    logger,
	}
}

// CheckAccess validates a caller identity against the configured
// control list. Every public operation except status and ping performs
// this check first.
func (d *Daemon) CheckAccess(callerID string) bool {
	for _, id := range d.cfg.ControlClients {
		if id == callerID {
			return true
		}
	}
	return false
}

// withCommand tries the command mutex (never waits), runs fn while
// held, and always releases it. If the mutex is already held another
// command is in flight, and fn is not run.
func (d *Daemon) withCommand(op string, fn func() ResultCode) ResultCode {
	defer metrics.MeasureSince([]string{"dispatcher", op}, time.Now())

	if !d.gates.TryLockCommand() {
		return Blocked
	}
	defer d.gates.UnlockCommand()
	return fn()
}

// pointingNow returns the live pointing state under the pointing lock;
// commands never read Snapshot.Pointing unlocked.
func (d *Daemon) pointingNow() pointing.State {
	d.gates.PointingMu.Lock()
	defer d.gates.PointingMu.Unlock()
	return d.snapshot.Pointing
}

func (d *Daemon) focusNow() focus.State {
	d.gates.FocusMu.Lock()
	defer d.gates.FocusMu.Unlock()
	return d.snapshot.Focus
}

// waitPointing blocks on the pointing condition until the poller
// observes a transition, then inspects the state: the declared
// intermediate re-arms the wait (a command in progress), anything else
// breaks it. It succeeds iff the broken-on state is the declared
// terminal, no force-stop is pending, and the controller has not died.
func (d *Daemon) waitPointing(intermediate, terminal pointing.State, hasIntermediate bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, d.gates.PointingCond.Broadcast)
	defer timer.Stop()

	d.gates.PointingMu.Lock()
	defer d.gates.PointingMu.Unlock()

	for {
		d.gates.PointingCond.Wait()
		if time.Now().After(deadline) {
			return false
		}
		observed := d.snapshot.Pointing
		if hasIntermediate && observed == intermediate {
			continue
		}
		return observed == terminal && observed != pointing.Absent && !d.gates.ForceStopped()
	}
}

func (d *Daemon) waitFocus(intermediate, terminal focus.State, hasIntermediate bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, d.gates.FocusCond.Broadcast)
	defer timer.Stop()

	d.gates.FocusMu.Lock()
	defer d.gates.FocusMu.Unlock()

	for {
		d.gates.FocusCond.Wait()
		if time.Now().After(deadline) {
			return false
		}
		observed := d.snapshot.Focus
		if hasIntermediate && observed == intermediate {
			continue
		}
		return observed == terminal && !d.gates.ForceStopped()
	}
}

// waitFocusTarget blocks on the focus condition while the focuser moves
// toward targetUm. Each "tick" lasts up to the focus timeout and is
// renewed whenever the focus microns change; the wait breaks on target
// reached within tolerance (success), force-stop (failure), or a full
// tick elapsing with no movement (failure).
func (d *Daemon) waitFocusTarget(targetUm float64) ResultCode {
	d.gates.FocusMu.Lock()
	defer d.gates.FocusMu.Unlock()

	for {
		tickDeadline := time.Now().Add(d.cfg.Timeouts.Focus)
		before := d.snapshot.TelescopeFocusUm

	tick:
		for {
			remaining := time.Until(tickDeadline)
			if remaining <= 0 {
				return Failed
			}
			timer := time.AfterFunc(remaining, d.gates.FocusCond.Broadcast)
			d.gates.FocusCond.Wait()
			timer.Stop()

			if d.gates.ForceStopped() {
				return Failed
			}
			after := d.snapshot.TelescopeFocusUm
			if diff := after - targetUm; diff < d.cfg.FocusToleranceUm && diff > -d.cfg.FocusToleranceUm {
				return Succeeded
			}
			if after != before {
				break tick
			}
		}
	}
}

func (d *Daemon) resetOffset() {
	d.offsetMu.Lock()
	d.offset = Offset{}
	d.offsetMu.Unlock()
}

func (d *Daemon) addOffset(deltaRADeg, deltaDecDeg float64) Offset {
	d.offsetMu.Lock()
	d.offset.RADeg += deltaRADeg
	d.offset.DecDeg += deltaDecDeg
	o := d.offset
	d.offsetMu.Unlock()
	return o
}

// OffsetNow returns the current accumulated offset for status reporting.
func (d *Daemon) OffsetNow() Offset {
	d.offsetMu.Lock()
	defer d.offsetMu.Unlock()
	return d.offset
}

func (d *Daemon) writeTel(cmd string) error {
	return d.fifo.Write("Tel.in", cmd)
}

func (d *Daemon) writeFocus(cmd string) error {
	return d.fifo.Write("Focus.in", cmd)
}

// checkLimits returns Succeeded if (haDeg, decDeg) lies within the
// configured soft limits, or the specific OutsideHALimits/
// OutsideDecLimits code otherwise. No Alt:, HA: or RA: command reaches
// a pipe unless this passes; park, home and limit commands are not
// checked.
func (d *Daemon) checkLimits(haDeg, decDeg float64) ResultCode {
	if !d.cfg.HASoftLimits.Within(haDeg) {
		return OutsideHALimits
	}
	if !d.cfg.DecSoftLimits.Within(decDeg) {
		return OutsideDecLimits
	}
	return Succeeded
}

// currentSiteLatitude is a small accessor used by the alt/az limit
// pre-check.
func (d *Daemon) currentSiteLatitude() float64 {
	d.gates.PointingMu.Lock()
	defer d.gates.PointingMu.Unlock()
	return d.snapshot.Site.LatitudeRad
}

func (d *Daemon) currentLST() float64 {
	d.gates.PointingMu.Lock()
	defer d.gates.PointingMu.Unlock()
	return d.snapshot.LST
}

func (d *Daemon) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}
