package telemetry

import (
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/armon/go-metrics"

	"github.com/openobs/talond/internal/focus"
	"github.com/openobs/talond/internal/liveness"
	"github.com/openobs/talond/internal/pointing"
	"github.com/openobs/talond/internal/shm"
)

// SegmentReader is the narrow view of shm.Reader the poller needs,
// kept as an interface so tests can substitute a fake segment.
type SegmentReader interface {
	Read() (shm.Snapshot, error)
	Detach()
}

// Poller is the single long-lived task that keeps Snapshot in sync with
// the controller's shared memory. It owns the Reader and the liveness
// Monitor; callers only ever read the Snapshot and gates.
type Poller struct {
	reader  SegmentReader
	monitor *liveness.Monitor
	commDir string
	period  time.Duration
	logger  *log.Logger

	gates    *Gates
	snapshot *Snapshot

	alive bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPoller wires a Poller to its collaborators. gates and snapshot are
// shared with the dispatcher and must outlive the Poller.
func NewPoller(reader SegmentReader, monitor *liveness.Monitor, commDir string, period time.Duration, logger *log.Logger, gates *Gates, snapshot *Snapshot) *Poller {
	return &Poller{
		reader:   reader,
		monitor:  monitor,
		commDir:  commDir,
		period:   period,
		logger:   logger,
		gates:    gates,
		snapshot: snapshot,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the poll loop on a new goroutine until Stop is called.
func (p *Poller) Start() {
	go p.run()
}

// Stop signals the poll loop to exit and waits for it to do so.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick performs one poll cycle. Lock ordering is pointing, then focus,
// then the shared-memory mutex internal to reader.Read; every other
// path through the daemon acquires these in the same order.
func (p *Poller) tick() {
	defer metrics.MeasureSince([]string{"telemetry", "poll_tick"}, time.Now())

	p.gates.PointingMu.Lock()
	defer p.gates.PointingMu.Unlock()
	p.gates.FocusMu.Lock()
	defer p.gates.FocusMu.Unlock()

	snap, err := p.reader.Read()
	wasAlive := p.alive

	if err != nil {
		p.alive = false
	} else {
		p.snapshot.lastPointingIndex = p.snapshot.PointingIndex
		p.snapshot.lastTelescopeFocus = p.snapshot.TelescopeFocusUm
		p.snapshot.lastFocus = p.snapshot.Focus

		p.alive = p.monitor.Observe(snap.Pid, snap.TimeOfDayMJD) && snap.TimeOfDayMJD > 0
	}

	p.snapshot.Alive = p.alive
	if p.alive {
		p.applyLive(snap)
	}

	if wasAlive && !p.alive {
		p.handleDeath()
	}
	if !wasAlive && p.alive {
		p.captureSite(snap)
	}
}

func (p *Poller) applyLive(snap shm.Snapshot) {
	focusFlags := focus.State(0)
	focusPresent := snap.FocusFlags&focus.FlagPresent != 0
	if focusPresent {
		focusFlags = focus.Decode(snap.FocusFlags)
	} else {
		focusFlags = focus.Absent
	}

	p.snapshot.Pointing = pointing.State(snap.PointingState)
	p.snapshot.PointingIndex = snap.PointingIndex
	p.snapshot.Focus = focusFlags
	p.snapshot.TelescopeFocusUm = shm.FocusMicrons(snap)
	p.snapshot.RAJ2000 = snap.RAJ2000
	p.snapshot.DecJ2000 = snap.DecJ2000
	p.snapshot.HAApparent = snap.HAApparent
	p.snapshot.DecApparent = snap.DecApparent
	p.snapshot.LST = snap.LST
	p.snapshot.Alt = snap.Alt
	p.snapshot.Az = snap.Az
	p.snapshot.AxesHomed = shm.AxesHomed(snap, focusPresent)
	p.snapshot.ControllerPid = snap.Pid
	p.snapshot.ControllerTOD = snap.TimeOfDayMJD

	if p.snapshot.PointingIndex != p.snapshot.lastPointingIndex {
		p.gates.PointingCond.Broadcast()
	}
	if p.snapshot.TelescopeFocusUm != p.snapshot.lastTelescopeFocus || p.snapshot.Focus != p.snapshot.lastFocus {
		p.gates.FocusCond.Broadcast()
	}
}

// handleDeath is invoked, still holding both condition locks, the first
// tick after the controller is observed to have died: it resets all
// derived state and broadcasts so blocked commands wake with
// pointing=Absent.
func (p *Poller) handleDeath() {
	p.logger.Printf("[WARN] telemetry: controller no longer alive, resetting")

	killAuxiliaryProcesses(p.logger)
	cleanCommDir(p.commDir, p.logger)

	p.monitor.Reset()
	p.reader.Detach()

	p.snapshot.ControllerPid = 0
	p.snapshot.Pointing = pointing.Absent
	p.snapshot.Focus = focus.Absent
	p.gates.PointingCond.Broadcast()
	p.gates.FocusCond.Broadcast()
}

// captureSite records the observatory location the first tick the
// controller is observed alive after having been absent.
func (p *Poller) captureSite(snap shm.Snapshot) {
	p.snapshot.Site = Site{
		LatitudeRad:  snap.SiteLatitudeRad,
		LongitudeRad: snap.SiteLongitudeRad,
		ElevationM:   snap.SiteElevationM,
	}
}

// killAuxiliaryProcesses best-effort terminates the controller's
// auxiliary daemon tree.
func killAuxiliaryProcesses(logger *log.Logger) {
	if err := exec.Command("killall", "rund").Run(); err != nil {
		logger.Printf("[DEBUG] telemetry: killall rund: %v", err)
	}
}

// cleanCommDir best-effort removes every file under dir, ignoring
// individual failures so the sweep is idempotent on missing files.
func cleanCommDir(dir string, logger *log.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Printf("[DEBUG] telemetry: read comm dir %s: %v", dir, err)
		return
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			logger.Printf("[DEBUG] telemetry: remove %s: %v", path, err)
		}
	}
}
