package dispatcher

import (
	"context"
	"fmt"

	"github.com/openobs/talond/internal/astro"
	"github.com/openobs/talond/internal/config"
	"github.com/openobs/talond/internal/focus"
	"github.com/openobs/talond/internal/pointing"
)

// Initialize spawns the controller and waits for it to start publishing
// telemetry.
func (d *Daemon) Initialize(ctx context.Context, callerID string) ResultCode {
	if !d.CheckAccess(callerID) {
		return InvalidControlIP
	}

	return d.withCommand("initialize", func() ResultCode {
		if d.pointingNow() != pointing.Absent {
			return TelescopeNotUninitialized
		}

		if d.cfg.Flavor == config.FlavorFull {
			safe, err := d.interlock.Check(ctx)
			if err != nil {
				d.logf("[ERR] dispatcher: interlock check: %v", err)
				return CannotCommunicateWithSecuritySystem
			}
			if !safe {
				return SecuritySystemTripped
			}
		}

		spawnCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeouts.Initialization)
		defer cancel()
		if err := d.process.Spawn(spawnCtx, d.cfg); err != nil {
			d.logf("[ERR] dispatcher: spawn controller: %v", err)
			return Failed
		}

		ok := waitForState(&d.gates.PointingMu, d.gates.PointingCond, d.cfg.Timeouts.Initialization, func() bool {
			return d.snapshot.Pointing != pointing.Absent
		})
		if !ok {
			return Failed
		}
		return Succeeded
	})
}

// Shutdown signals the controller and returns immediately; the Poller
// observes the resulting death on its own.
func (d *Daemon) Shutdown(callerID string) ResultCode {
	if !d.CheckAccess(callerID) {
		return InvalidControlIP
	}

	return d.withCommand("shutdown", func() ResultCode {
		if d.pointingNow() == pointing.Absent {
			return TelescopeNotInitialized
		}
		d.gates.PointingMu.Lock()
		pid := d.snapshot.ControllerPid
		d.gates.PointingMu.Unlock()
		if err := d.process.Signal(pid); err != nil {
			d.logf("[ERR] dispatcher: signal controller: %v", err)
			return Failed
		}
		return Succeeded
	})
}

// FindHomes homes the HA axis, then the Dec axis, then focus if
// present. Any failure propagates immediately.
func (d *Daemon) FindHomes(callerID string) ResultCode {
	if !d.CheckAccess(callerID) {
		return InvalidControlIP
	}

	return d.withCommand("find_homes", func() ResultCode {
		if d.pointingNow() == pointing.Absent {
			return TelescopeNotInitialized
		}

		if code := d.homeAxis("homeH"); code != Succeeded {
			return code
		}
		if code := d.homeAxis("homeD"); code != Succeeded {
			return code
		}
		if d.focusNow() != focus.Absent {
			if code := d.homeFocus(); code != Succeeded {
				return code
			}
		}
		return Succeeded
	})
}

func (d *Daemon) homeAxis(cmd string) ResultCode {
	if err := d.writeTel(cmd); err != nil {
		d.logf("[ERR] dispatcher: write %s: %v", cmd, err)
		return Failed
	}
	ok := d.waitPointing(pointing.Homing, pointing.Stopped, true, d.cfg.Timeouts.Homing)
	if !ok {
		return Failed
	}
	return Succeeded
}

func (d *Daemon) homeFocus() ResultCode {
	if err := d.writeFocus("home"); err != nil {
		d.logf("[ERR] dispatcher: write focus home: %v", err)
		return Failed
	}
	ok := d.waitFocus(focus.Homing, focus.Ready, true, d.cfg.Timeouts.Homing)
	if !ok {
		return Failed
	}
	return Succeeded
}

// FindLimits sequences a zenith slew, HA limits, zenith, Dec limits,
// zenith, then focus limits if present.
func (d *Daemon) FindLimits(callerID string) ResultCode {
	if !d.CheckAccess(callerID) {
		return InvalidControlIP
	}

	return d.withCommand("find_limits", func() ResultCode {
		if !d.snapshotAxesHomed() {
			return TelescopeNotHomed
		}

		if code := d.slewToZenith(); code != Succeeded {
			return code
		}
		if code := d.limitAxis("limitsH"); code != Succeeded {
			return code
		}
		if code := d.slewToZenith(); code != Succeeded {
			return code
		}
		if code := d.limitAxis("limitsD"); code != Succeeded {
			return code
		}
		if code := d.slewToZenith(); code != Succeeded {
			return code
		}
		if d.focusNow() != focus.Absent {
			if code := d.limitFocus(); code != Succeeded {
				return code
			}
		}
		return Succeeded
	})
}

func (d *Daemon) slewToZenith() ResultCode {
	haRad, decRad := astro.AltAzToHADec(halfPi, 0, d.currentSiteLatitude())
	if code := d.checkLimits(astro.RadToDeg(haRad), astro.RadToDeg(decRad)); code != Succeeded {
		return code
	}
	cmd := fmt.Sprintf("Alt: %s Az: %s", formatRad(halfPi), formatRad(0))
	return d.issueSlew(cmd)
}

func (d *Daemon) limitAxis(cmd string) ResultCode {
	if err := d.writeTel(cmd); err != nil {
		d.logf("[ERR] dispatcher: write %s: %v", cmd, err)
		return Failed
	}
	ok := d.waitPointing(pointing.Limiting, pointing.Stopped, true, d.cfg.Timeouts.Limit)
	if !ok {
		return Failed
	}
	return Succeeded
}

func (d *Daemon) limitFocus() ResultCode {
	if err := d.writeFocus("limits"); err != nil {
		d.logf("[ERR] dispatcher: write focus limits: %v", err)
		return Failed
	}
	ok := d.waitFocus(focus.Limiting, focus.Ready, true, d.cfg.Timeouts.Limit)
	if !ok {
		return Failed
	}
	return Succeeded
}

// issueSlew writes a raw Tel.in command, waits for Stopped, then resets
// the accumulated offset; every successful absolute move leaves the
// offset at zero.
func (d *Daemon) issueSlew(cmd string) ResultCode {
	if err := d.writeTel(cmd); err != nil {
		d.logf("[ERR] dispatcher: write %s: %v", cmd, err)
		return Failed
	}
	ok := d.waitPointing(pointing.Slewing, pointing.Stopped, true, d.cfg.Timeouts.Slew)
	if !ok {
		return Failed
	}
	if err := d.writeTel("xdelta(0,0)"); err != nil {
		d.logf("[WARN] dispatcher: reset offset: %v", err)
	}
	d.resetOffset()
	return Succeeded
}

func (d *Daemon) snapshotAxesHomed() bool {
	d.gates.PointingMu.Lock()
	defer d.gates.PointingMu.Unlock()
	return d.snapshot.AxesHomed
}

// SlewAltAz slews to a topocentric altitude/azimuth, after validating
// the equivalent HA/Dec against the configured soft limits.
func (d *Daemon) SlewAltAz(callerID string, altDeg, azDeg float64) ResultCode {
	if !d.CheckAccess(callerID) {
		return InvalidControlIP
	}

	return d.withCommand("slew_altaz", func() ResultCode {
		if !d.snapshotAxesHomed() {
			return TelescopeNotHomed
		}

		altRad, azRad := astro.DegToRad(altDeg), astro.DegToRad(azDeg)
		lat := d.currentSiteLatitude()
		haRad, decRad := astro.AltAzToHADec(altRad, azRad, lat)
		if code := d.checkLimits(astro.RadToDeg(haRad), astro.RadToDeg(decRad)); code != Succeeded {
			return code
		}

		cmd := fmt.Sprintf("Alt: %s Az: %s", formatRad(altRad), formatRad(azRad))
		return d.issueSlew(cmd)
	})
}

// SlewHADec slews to an hour-angle/declination directly.
func (d *Daemon) SlewHADec(callerID string, haDeg, decDeg float64) ResultCode {
	if !d.CheckAccess(callerID) {
		return InvalidControlIP
	}

	return d.withCommand("slew_hadec", func() ResultCode {
		if !d.snapshotAxesHomed() {
			return TelescopeNotHomed
		}
		if code := d.checkLimits(haDeg, decDeg); code != Succeeded {
			return code
		}

		cmd := fmt.Sprintf("HA: %s Dec: %s", formatRad(astro.DegToRad(haDeg)), formatRad(astro.DegToRad(decDeg)))
		return d.issueSlew(cmd)
	})
}

// SlewRADec slews to a J2000 right ascension/declination, converting to
// apparent HA via the live local sidereal time for the limit pre-check.
func (d *Daemon) SlewRADec(callerID string, raDeg, decDeg float64) ResultCode {
	if !d.CheckAccess(callerID) {
		return InvalidControlIP
	}

	return d.withCommand("slew_radec", func() ResultCode {
		if !d.snapshotAxesHomed() {
			return TelescopeNotHomed
		}
		if code := d.checkRADecLimits(raDeg, decDeg); code != Succeeded {
			return code
		}

		cmd := fmt.Sprintf("RA: %s Dec: %s", formatRad(astro.DegToRad(raDeg)), formatRad(astro.DegToRad(decDeg)))
		return d.issueSlew(cmd)
	})
}

func (d *Daemon) checkRADecLimits(raDeg, decDeg float64) ResultCode {
	lst := d.currentLST()
	haRad, decRad := astro.HADecFromRADec(astro.DegToRad(raDeg), astro.DegToRad(decDeg), lst)
	return d.checkLimits(astro.RadToDeg(haRad), astro.RadToDeg(decRad))
}

// TrackRADec slews to (ra, dec), then issues the tracking command and
// waits for Tracking via Hunting.
func (d *Daemon) TrackRADec(callerID string, raDeg, decDeg float64) ResultCode {
	if !d.CheckAccess(callerID) {
		return InvalidControlIP
	}

	return d.withCommand("track_radec", func() ResultCode {
		if !d.snapshotAxesHomed() {
			return TelescopeNotHomed
		}
		if code := d.checkRADecLimits(raDeg, decDeg); code != Succeeded {
			return code
		}

		slewCmd := fmt.Sprintf("RA: %s Dec: %s", formatRad(astro.DegToRad(raDeg)), formatRad(astro.DegToRad(decDeg)))
		if code := d.issueSlew(slewCmd); code != Succeeded {
			return code
		}

		trackCmd := fmt.Sprintf("RA: %s Dec: %s Epoch: 2000", formatRad(astro.DegToRad(raDeg)), formatRad(astro.DegToRad(decDeg)))
		if err := d.writeTel(trackCmd); err != nil {
			d.logf("[ERR] dispatcher: write track: %v", err)
			return Failed
		}
		ok := d.waitPointing(pointing.Hunting, pointing.Tracking, true, d.cfg.Timeouts.Slew)
		if !ok {
			return Failed
		}
		return Succeeded
	})
}

// OffsetRADec applies a differential correction, either by live xdelta
// while tracking/hunting, or by a one-shot slew to a recomputed target
// while stopped. Any other pointing state fails.
func (d *Daemon) OffsetRADec(callerID string, deltaRADeg, deltaDecDeg float64) ResultCode {
	if !d.CheckAccess(callerID) {
		return InvalidControlIP
	}

	return d.withCommand("offset_radec", func() ResultCode {
		if !d.snapshotAxesHomed() {
			return TelescopeNotHomed
		}

		switch d.pointingNow() {
		case pointing.Tracking, pointing.Hunting:
			cur := d.OffsetNow()
			newRA := cur.RADeg + deltaRADeg
			newDec := cur.DecDeg + deltaDecDeg
			cmd := fmt.Sprintf("xdelta(%s,%s)", formatDeg(newRA), formatDeg(newDec))
			if err := d.writeTel(cmd); err != nil {
				d.logf("[ERR] dispatcher: write xdelta: %v", err)
				return Failed
			}
			d.addOffset(deltaRADeg, deltaDecDeg)
			return Succeeded

		case pointing.Stopped:
			d.gates.PointingMu.Lock()
			curHA := d.snapshot.HAApparent
			curDec := d.snapshot.DecApparent
			d.gates.PointingMu.Unlock()

			targetHA := astro.RadToDeg(curHA) + deltaRADeg
			targetDec := astro.RadToDeg(curDec) + deltaDecDeg
			if code := d.checkLimits(targetHA, targetDec); code != Succeeded {
				return code
			}
			cmd := fmt.Sprintf("HA: %s Dec: %s", formatRad(astro.DegToRad(targetHA)), formatRad(astro.DegToRad(targetDec)))
			if code := d.issueSlew(cmd); code != Succeeded {
				return code
			}
			d.addOffset(deltaRADeg, deltaDecDeg)
			return Succeeded

		default:
			return Failed
		}
	})
}

// Park slews to a named, safe mechanical pose. Park poses are trusted
// configuration and are not soft-limit checked.
func (d *Daemon) Park(callerID, name string) ResultCode {
	if !d.CheckAccess(callerID) {
		return InvalidControlIP
	}

	return d.withCommand("park", func() ResultCode {
		if !d.snapshotAxesHomed() {
			return TelescopeNotHomed
		}

		pos, ok := d.cfg.ParkPositions[name]
		if !ok {
			d.logf("[WARN] dispatcher: unknown park position %q", name)
			return Failed
		}

		haEnc, decEnc := pos.HAEnc, pos.DecEnc
		if pos.HasAltAz && !pos.HasEncoder {
			lat := d.currentSiteLatitude()
			ha, dec := astro.AltAzToHADec(astro.DegToRad(pos.AltDeg), astro.DegToRad(pos.AzDeg), lat)
			haEnc, decEnc = astro.RadToDeg(ha), astro.RadToDeg(dec)
		}

		cmd := fmt.Sprintf("park %s %s", formatDeg(haEnc), formatDeg(decEnc))
		return d.issueSlew(cmd)
	})
}

// TelescopeFocus drives the focuser to within tolerance of target (full
// flavor only). A target already within tolerance succeeds without
// touching the pipes.
func (d *Daemon) TelescopeFocus(callerID string, targetUm float64) ResultCode {
	if !d.CheckAccess(callerID) {
		return InvalidControlIP
	}
	if d.cfg.Flavor != config.FlavorFull {
		return Failed
	}

	return d.withCommand("telescope_focus", func() ResultCode {
		if !d.snapshotAxesHomed() {
			return TelescopeNotHomed
		}
		if d.focusNow() == focus.Absent {
			return Failed
		}

		d.gates.FocusMu.Lock()
		current := d.snapshot.TelescopeFocusUm
		d.gates.FocusMu.Unlock()

		if diff := current - targetUm; diff < d.cfg.FocusToleranceUm && diff > -d.cfg.FocusToleranceUm {
			return Succeeded
		}

		delta := targetUm - current
		if err := d.writeFocus(formatDeg(delta)); err != nil {
			d.logf("[ERR] dispatcher: write focus delta: %v", err)
			return Failed
		}

		return d.waitFocusTarget(targetUm)
	})
}

// Stop bypasses the command mutex: it force-stops in-flight motion,
// then serializes with whichever command is in flight by acquiring the
// command mutex after issuing the stop. The next motion command cannot
// admit until the flag is cleared inside that critical section.
func (d *Daemon) Stop(callerID string) ResultCode {
	if !d.CheckAccess(callerID) {
		return InvalidControlIP
	}
	if d.pointingNow() == pointing.Absent {
		return TelescopeNotInitialized
	}

	d.gates.SetForceStopped(true)
	if err := d.writeTel("Stop"); err != nil {
		d.logf("[ERR] dispatcher: write Stop to Tel.in: %v", err)
	}
	if err := d.writeFocus("Stop"); err != nil {
		d.logf("[ERR] dispatcher: write Stop to Focus.in: %v", err)
	}

	d.gates.CommandMu.Lock()
	d.gates.SetForceStopped(false)
	d.gates.CommandMu.Unlock()

	return Succeeded
}

// Ping always succeeds immediately.
func (d *Daemon) Ping() ResultCode {
	return Succeeded
}

const halfPi = 1.5707963267948966

func formatRad(rad float64) string {
	return fmt.Sprintf("%.9f", rad)
}

func formatDeg(deg float64) string {
	return fmt.Sprintf("%.9f", deg)
}
