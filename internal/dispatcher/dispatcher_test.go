package dispatcher

import (
	"context"
	"errors"
	"io/ioutil"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openobs/talond/internal/config"
	"github.com/openobs/talond/internal/focus"
	"github.com/openobs/talond/internal/pointing"
	"github.com/openobs/talond/internal/telemetry"
)

const controlID = "10.0.0.5"

type fakeFIFO struct {
	mu      sync.Mutex
	writes  []string
	err     error
	onWrite func(name, cmd string)
}

func (f *fakeFIFO) Write(name, cmd string) error {
	f.mu.Lock()
	f.writes = append(f.writes, name+":"+cmd)
	err := f.err
	hook := f.onWrite
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(name, cmd)
	}
	return nil
}

func (f *fakeFIFO) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

type fakeProcess struct {
	mu       sync.Mutex
	spawned  int
	signaled []int32
	spawnErr error
	onSpawn  func()
}

func (p *fakeProcess) Spawn(ctx context.Context, cfg *config.Config) error {
	p.mu.Lock()
	p.spawned++
	hook := p.onSpawn
	err := p.spawnErr
	p.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook()
	}
	return nil
}

func (p *fakeProcess) Signal(pid int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signaled = append(p.signaled, pid)
	return nil
}

type fakeInterlock struct {
	safe bool
	err  error
}

func (i *fakeInterlock) Check(ctx context.Context) (bool, error) {
	return i.safe, i.err
}

type harness struct {
	cfg   *config.Config
	gates *telemetry.Gates
	snap  *telemetry.Snapshot
	fifo  *fakeFIFO
	proc  *fakeProcess
	ilock *fakeInterlock
	d     *Daemon
}

func newHarness(t *testing.T, flavor config.Flavor) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.ControlClients = []string{controlID}
	cfg.Flavor = flavor
	cfg.Interlock = config.Interlock{Addr: "127.0.0.1:1", Key: "safe"}
	cfg.Timeouts = config.Timeouts{
		Initialization: 500 * time.Millisecond,
		Slew:           500 * time.Millisecond,
		Focus:          500 * time.Millisecond,
		Homing:         500 * time.Millisecond,
		Limit:          500 * time.Millisecond,
		Cover:          500 * time.Millisecond,
		Ping:           500 * time.Millisecond,
	}
	cfg.ParkPositions = map[string]config.ParkPosition{
		"stow": {Description: "stow", HasEncoder: true, HAEnc: 12.5, DecEnc: -3.25},
	}

	h := &harness{
		cfg:   cfg,
		gates: telemetry.NewGates(),
		snap:  &telemetry.Snapshot{},
		fifo:  &fakeFIFO{},
		proc:  &fakeProcess{},
		ilock: &fakeInterlock{safe: true},
	}
	logger := log.New(ioutil.Discard, "", 0)
	h.d = New(cfg, h.gates, h.snap, h.fifo, h.proc, h.ilock, logger)
	return h
}

// setPointing mimics a poller tick that observed the given state.
func (h *harness) setPointing(s pointing.State) {
	h.gates.PointingMu.Lock()
	h.snap.Pointing = s
	h.gates.PointingMu.Unlock()
	h.gates.PointingCond.Broadcast()
}

func (h *harness) setHomed(alive bool) {
	h.gates.PointingMu.Lock()
	h.snap.AxesHomed = true
	h.snap.Alive = alive
	h.snap.Pointing = pointing.Stopped
	h.gates.PointingMu.Unlock()
}

func (h *harness) setFocus(s focus.State, um float64) {
	h.gates.FocusMu.Lock()
	h.snap.Focus = s
	h.snap.TelescopeFocusUm = um
	h.gates.FocusMu.Unlock()
	h.gates.FocusCond.Broadcast()
}

// driveMotions answers every Tel.in motion command with the given state
// sequence, settling on the last one, the way the controller would.
func (h *harness) driveMotions(states ...pointing.State) {
	h.fifo.mu.Lock()
	h.fifo.onWrite = func(name, cmd string) {
		if name != "Tel.in" || cmd == "Stop" || strings.HasPrefix(cmd, "xdelta") {
			return
		}
		go func() {
			for _, s := range states {
				time.Sleep(5 * time.Millisecond)
				h.setPointing(s)
			}
		}()
	}
	h.fifo.mu.Unlock()
}

func TestAccessDenied(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setHomed(true)

	code := h.d.SlewRADec("192.0.2.99", 10.0, 20.0)
	require.Equal(t, InvalidControlIP, code)
	require.Empty(t, h.fifo.list(), "no FIFO write on access denial")
}

func TestBlockedWhenCommandInFlight(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setHomed(true)

	require.True(t, h.gates.TryLockCommand())
	defer h.gates.UnlockCommand()

	require.Equal(t, Blocked, h.d.FindHomes(controlID))
	require.Equal(t, Blocked, h.d.SlewHADec(controlID, 0, 0))
}

func TestSlewHADecOutsideLimits(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setHomed(true)
	h.cfg.HASoftLimits = config.Limits{Min: -72, Max: 90}
	h.cfg.DecSoftLimits = config.Limits{Min: -30, Max: 85}

	require.Equal(t, OutsideHALimits, h.d.SlewHADec(controlID, -80, 0))
	require.Equal(t, OutsideDecLimits, h.d.SlewHADec(controlID, 0, 88))
	require.Empty(t, h.fifo.list(), "no FIFO write on limit rejection")
}

func TestSlewHADecSuccessResetsOffset(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setHomed(true)
	h.d.addOffset(0.5, -0.5)
	h.driveMotions(pointing.Slewing, pointing.Stopped)

	code := h.d.SlewHADec(controlID, 10, 20)
	require.Equal(t, Succeeded, code)

	writes := h.fifo.list()
	require.Len(t, writes, 2)
	require.True(t, strings.HasPrefix(writes[0], "Tel.in:HA: "))
	require.Equal(t, "Tel.in:xdelta(0,0)", writes[1])
	require.Equal(t, Offset{}, h.d.OffsetNow())
}

func TestSlewTimesOut(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setHomed(true)
	h.cfg.Timeouts.Slew = 50 * time.Millisecond
	// Controller never reacts: no state transitions, no broadcasts.

	code := h.d.SlewHADec(controlID, 10, 20)
	require.Equal(t, Failed, code)
}

func TestTrackRADec(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setHomed(true)
	h.snap.LST = 0

	// First motion command settles at Stopped, the tracking command at
	// Tracking via Hunting.
	var phase int
	h.fifo.mu.Lock()
	h.fifo.onWrite = func(name, cmd string) {
		if name != "Tel.in" || strings.HasPrefix(cmd, "xdelta") {
			return
		}
		p := phase
		phase++
		go func() {
			time.Sleep(5 * time.Millisecond)
			if p == 0 {
				h.setPointing(pointing.Slewing)
				time.Sleep(5 * time.Millisecond)
				h.setPointing(pointing.Stopped)
			} else {
				h.setPointing(pointing.Hunting)
				time.Sleep(5 * time.Millisecond)
				h.setPointing(pointing.Tracking)
			}
		}()
	}
	h.fifo.mu.Unlock()

	code := h.d.TrackRADec(controlID, 10, 20)
	require.Equal(t, Succeeded, code)

	writes := h.fifo.list()
	require.Len(t, writes, 3)
	require.True(t, strings.HasPrefix(writes[0], "Tel.in:RA: "))
	require.Equal(t, "Tel.in:xdelta(0,0)", writes[1])
	require.True(t, strings.HasSuffix(writes[2], "Epoch: 2000"))
}

func TestOffsetAccumulatesWhileTracking(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setHomed(true)
	h.setPointing(pointing.Tracking)

	require.Equal(t, Succeeded, h.d.OffsetRADec(controlID, 0.001, -0.002))
	require.Equal(t, Succeeded, h.d.OffsetRADec(controlID, 0.001, -0.002))

	writes := h.fifo.list()
	require.Len(t, writes, 2)
	require.Equal(t, "Tel.in:xdelta(0.001000000,-0.002000000)", writes[0])
	require.Equal(t, "Tel.in:xdelta(0.002000000,-0.004000000)", writes[1])

	offset := h.d.OffsetNow()
	require.InDelta(t, 0.002, offset.RADeg, 1e-12)
	require.InDelta(t, -0.004, offset.DecDeg, 1e-12)
}

func TestOffsetWhileStoppedSlews(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setHomed(true)
	h.snap.HAApparent = 0
	h.snap.DecApparent = 0
	h.driveMotions(pointing.Slewing, pointing.Stopped)

	require.Equal(t, Succeeded, h.d.OffsetRADec(controlID, 1.5, -2.5))

	writes := h.fifo.list()
	require.Len(t, writes, 2)
	require.True(t, strings.HasPrefix(writes[0], "Tel.in:HA: "))

	offset := h.d.OffsetNow()
	require.InDelta(t, 1.5, offset.RADeg, 1e-12)
	require.InDelta(t, -2.5, offset.DecDeg, 1e-12)
}

func TestOffsetWhileSlewingFails(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setHomed(true)
	h.setPointing(pointing.Slewing)

	require.Equal(t, Failed, h.d.OffsetRADec(controlID, 0.001, 0.001))
	require.Empty(t, h.fifo.list())
}

func TestStopPreemptsSlew(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setHomed(true)

	slewStarted := make(chan struct{})
	h.fifo.mu.Lock()
	h.fifo.onWrite = func(name, cmd string) {
		if strings.HasPrefix(cmd, "HA: ") {
			close(slewStarted)
		}
	}
	h.fifo.mu.Unlock()

	slewDone := make(chan ResultCode, 1)
	go func() {
		slewDone <- h.d.SlewHADec(controlID, 10, 20)
	}()

	select {
	case <-slewStarted:
	case <-time.After(time.Second):
		t.Fatal("slew never issued its command")
	}

	stopDone := make(chan ResultCode, 1)
	go func() {
		stopDone <- h.d.Stop(controlID)
	}()

	// The controller acts on the stop; the poller would observe Stopped.
	time.Sleep(20 * time.Millisecond)
	h.setPointing(pointing.Stopped)

	require.Equal(t, Failed, <-slewDone, "pre-empted slew fails")
	require.Equal(t, Succeeded, <-stopDone)

	writes := h.fifo.list()
	require.Contains(t, writes, "Tel.in:Stop")
	require.Contains(t, writes, "Focus.in:Stop")

	// After stop returns, the next motion admits with a clean slate.
	require.False(t, h.gates.ForceStopped())
	h.driveMotions(pointing.Slewing, pointing.Stopped)
	require.Equal(t, Succeeded, h.d.SlewHADec(controlID, 5, 5))
}

func TestInitializeLite(t *testing.T) {
	h := newHarness(t, config.FlavorLite)

	h.proc.onSpawn = func() {
		go func() {
			time.Sleep(10 * time.Millisecond)
			h.setPointing(pointing.Stopped)
		}()
	}

	require.Equal(t, Succeeded, h.d.Initialize(context.Background(), controlID))
	require.Equal(t, 1, h.proc.spawned)
}

func TestInitializeRequiresAbsent(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setPointing(pointing.Stopped)

	require.Equal(t, TelescopeNotUninitialized, h.d.Initialize(context.Background(), controlID))
	require.Equal(t, 0, h.proc.spawned)
}

func TestInitializeInterlockTripped(t *testing.T) {
	h := newHarness(t, config.FlavorFull)
	h.ilock.safe = false

	require.Equal(t, SecuritySystemTripped, h.d.Initialize(context.Background(), controlID))
	require.Equal(t, 0, h.proc.spawned)
}

func TestInitializeInterlockUnreachable(t *testing.T) {
	h := newHarness(t, config.FlavorFull)
	h.ilock.err = errors.New("connection refused")

	require.Equal(t, CannotCommunicateWithSecuritySystem,
		h.d.Initialize(context.Background(), controlID))
	require.Equal(t, 0, h.proc.spawned)
}

func TestInitializeTimesOut(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.cfg.Timeouts.Initialization = 50 * time.Millisecond

	require.Equal(t, Failed, h.d.Initialize(context.Background(), controlID))
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, config.FlavorLite)

	require.Equal(t, TelescopeNotInitialized, h.d.Shutdown(controlID))

	h.setPointing(pointing.Stopped)
	h.snap.ControllerPid = 4242
	require.Equal(t, Succeeded, h.d.Shutdown(controlID))
	require.Equal(t, []int32{4242}, h.proc.signaled)
}

func TestFindHomes(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setPointing(pointing.Stopped)

	h.fifo.mu.Lock()
	h.fifo.onWrite = func(name, cmd string) {
		if name != "Tel.in" {
			return
		}
		go func() {
			time.Sleep(5 * time.Millisecond)
			h.setPointing(pointing.Homing)
			time.Sleep(5 * time.Millisecond)
			h.setPointing(pointing.Stopped)
		}()
	}
	h.fifo.mu.Unlock()

	require.Equal(t, Succeeded, h.d.FindHomes(controlID))
	require.Equal(t, []string{"Tel.in:homeH", "Tel.in:homeD"}, h.fifo.list())
}

func TestFindHomesControllerDies(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setPointing(pointing.Stopped)

	h.fifo.mu.Lock()
	h.fifo.onWrite = func(name, cmd string) {
		// The controller dies mid-home; the poller observes Absent.
		go func() {
			time.Sleep(10 * time.Millisecond)
			h.setPointing(pointing.Absent)
		}()
	}
	h.fifo.mu.Unlock()

	require.Equal(t, Failed, h.d.FindHomes(controlID))
}

func TestFindHomesIncludesFocus(t *testing.T) {
	h := newHarness(t, config.FlavorFull)
	h.setPointing(pointing.Stopped)
	h.setFocus(focus.NotHomed, 0)

	h.fifo.mu.Lock()
	h.fifo.onWrite = func(name, cmd string) {
		if name == "Tel.in" {
			go func() {
				time.Sleep(5 * time.Millisecond)
				h.setPointing(pointing.Homing)
				time.Sleep(5 * time.Millisecond)
				h.setPointing(pointing.Stopped)
			}()
		} else {
			go func() {
				time.Sleep(5 * time.Millisecond)
				h.setFocus(focus.Homing, 0)
				time.Sleep(5 * time.Millisecond)
				h.setFocus(focus.Ready, 0)
			}()
		}
	}
	h.fifo.mu.Unlock()

	require.Equal(t, Succeeded, h.d.FindHomes(controlID))
	require.Equal(t, []string{"Tel.in:homeH", "Tel.in:homeD", "Focus.in:home"}, h.fifo.list())
}

func TestFindLimitsSequence(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setHomed(true)

	h.fifo.mu.Lock()
	h.fifo.onWrite = func(name, cmd string) {
		if name != "Tel.in" || strings.HasPrefix(cmd, "xdelta") {
			return
		}
		intermediate := pointing.Slewing
		if strings.HasPrefix(cmd, "limits") {
			intermediate = pointing.Limiting
		}
		go func() {
			time.Sleep(5 * time.Millisecond)
			h.setPointing(intermediate)
			time.Sleep(5 * time.Millisecond)
			h.setPointing(pointing.Stopped)
		}()
	}
	h.fifo.mu.Unlock()

	require.Equal(t, Succeeded, h.d.FindLimits(controlID))

	var motions []string
	for _, w := range h.fifo.list() {
		if strings.HasPrefix(w, "Tel.in:xdelta") {
			continue
		}
		motions = append(motions, w)
	}
	require.Len(t, motions, 5)
	require.True(t, strings.HasPrefix(motions[0], "Tel.in:Alt: "))
	require.Equal(t, "Tel.in:limitsH", motions[1])
	require.True(t, strings.HasPrefix(motions[2], "Tel.in:Alt: "))
	require.Equal(t, "Tel.in:limitsD", motions[3])
	require.True(t, strings.HasPrefix(motions[4], "Tel.in:Alt: "))
}

func TestParkKnownPose(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setHomed(true)
	h.driveMotions(pointing.Slewing, pointing.Stopped)

	require.Equal(t, Succeeded, h.d.Park(controlID, "stow"))

	writes := h.fifo.list()
	require.True(t, strings.HasPrefix(writes[0], "Tel.in:park 12.5"))
}

func TestParkUnknownPose(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setHomed(true)

	require.Equal(t, Failed, h.d.Park(controlID, "garage"))
	require.Empty(t, h.fifo.list())
}

func TestFocusWithinToleranceIsIdempotent(t *testing.T) {
	h := newHarness(t, config.FlavorFull)
	h.setHomed(true)
	h.cfg.FocusToleranceUm = 5.0
	h.setFocus(focus.Ready, 100.0)

	require.Equal(t, Succeeded, h.d.TelescopeFocus(controlID, 102.0))
	require.Empty(t, h.fifo.list(), "no FIFO write within tolerance")
}

func TestFocusMovesToTarget(t *testing.T) {
	h := newHarness(t, config.FlavorFull)
	h.setHomed(true)
	h.cfg.FocusToleranceUm = 5.0
	h.setFocus(focus.Ready, 100.0)

	h.fifo.mu.Lock()
	h.fifo.onWrite = func(name, cmd string) {
		if name != "Focus.in" {
			return
		}
		go func() {
			time.Sleep(5 * time.Millisecond)
			h.setFocus(focus.Ready, 150.0)
			time.Sleep(5 * time.Millisecond)
			h.setFocus(focus.Ready, 199.0)
		}()
	}
	h.fifo.mu.Unlock()

	require.Equal(t, Succeeded, h.d.TelescopeFocus(controlID, 200.0))
	writes := h.fifo.list()
	require.Len(t, writes, 1)
	require.True(t, strings.HasPrefix(writes[0], "Focus.in:100"))
}

func TestFocusStalledFails(t *testing.T) {
	h := newHarness(t, config.FlavorFull)
	h.setHomed(true)
	h.cfg.Timeouts.Focus = 50 * time.Millisecond
	h.setFocus(focus.Ready, 100.0)

	require.Equal(t, Failed, h.d.TelescopeFocus(controlID, 200.0))
}

func TestFocusOnLiteFlavorFails(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setHomed(true)

	require.Equal(t, Failed, h.d.TelescopeFocus(controlID, 100.0))
	require.Empty(t, h.fifo.list())
}

func TestPing(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	require.Equal(t, Succeeded, h.d.Ping())
}

func TestSlewRequiresHomed(t *testing.T) {
	h := newHarness(t, config.FlavorLite)
	h.setPointing(pointing.Stopped)

	require.Equal(t, TelescopeNotHomed, h.d.SlewRADec(controlID, 10, 20))
	require.Equal(t, TelescopeNotHomed, h.d.FindLimits(controlID))
	require.Equal(t, TelescopeNotHomed, h.d.Park(controlID, "stow"))
}
