// Package status projects the daemon's live snapshot into the
// structured record returned to clients. Reports never fail: every
// field that cannot be computed is simply absent.
package status

import (
	"errors"
	"log"
	"time"

	"github.com/openobs/talond/internal/config"
	"github.com/openobs/talond/internal/dispatcher"
	"github.com/openobs/talond/internal/focus"
	"github.com/openobs/talond/internal/pointing"
	"github.com/openobs/talond/internal/telemetry"
)

// ErrEphemerisUnavailable is returned by NotConfiguredEphemeris; the
// reporter treats it as "omit the separations", not as a failure.
var ErrEphemerisUnavailable = errors.New("status: ephemeris not configured")

// Ephemeris computes sun and moon angular separations from a target, in
// degrees, for an observatory site at a given instant. Coordinate-frame
// and ephemeris math is delegated to an external routine; talond only
// depends on this interface.
type Ephemeris interface {
	Separations(at time.Time, raRad, decRad float64, site telemetry.Site) (sunDeg, moonDeg float64, err error)
}

// NotConfiguredEphemeris is the default Ephemeris; it always reports
// ErrEphemerisUnavailable so the separations fields are omitted.
type NotConfiguredEphemeris struct{}

func (NotConfiguredEphemeris) Separations(time.Time, float64, float64, telemetry.Site) (float64, float64, error) {
	return 0, 0, ErrEphemerisUnavailable
}

// SiteBlock is the observatory location, present only while the
// controller is alive.
type SiteBlock struct {
	LatitudeRad  float64
	LongitudeRad float64
	ElevationM   float64
}

// HomedBlock carries the fields that only mean anything once the axes
// are homed.
type HomedBlock struct {
	RAJ2000Rad    float64
	DecJ2000Rad   float64
	OffsetRADeg   float64
	OffsetDecDeg  float64
	HAApparentRad float64
	AltRad        float64
	AzRad         float64
	SunSepDeg     *float64
	MoonSepDeg    *float64
}

// Report is the status record: the pointing state is always present,
// everything else appears only when currently valid.
type Report struct {
	PointingState int
	PointingLabel string

	Site *SiteBlock

	AxesHomed *bool
	LSTRad    *float64

	FocusState *int
	FocusLabel *string

	Homed *HomedBlock

	TelescopeFocusUm *float64
}

// Reporter builds Reports from the shared snapshot. It takes the
// condition locks in the global order (pointing, then focus) and never
// touches the command mutex, so status stays available while a motion
// command is in flight.
type Reporter struct {
	cfg       *config.Config
	gates     *telemetry.Gates
	snapshot  *telemetry.Snapshot
	daemon    *dispatcher.Daemon
	ephemeris Ephemeris
	logger    *log.Logger
}

// NewReporter wires a Reporter. ephemeris may be nil, in which case
// NotConfiguredEphemeris is used.
func NewReporter(cfg *config.Config, gates *telemetry.Gates, snapshot *telemetry.Snapshot, daemon *dispatcher.Daemon, ephemeris Ephemeris, logger *log.Logger) *Reporter {
	if ephemeris == nil {
		ephemeris = NotConfiguredEphemeris{}
	}
	return &Reporter{
		cfg:       cfg,
		gates:     gates,
		snapshot:  snapshot,
		daemon:    daemon,
		ephemeris: ephemeris,
		logger:    logger,
	}
}

// Report takes a coherent copy of the snapshot and projects it.
func (r *Reporter) Report() Report {
	r.gates.PointingMu.Lock()
	r.gates.FocusMu.Lock()
	snap := *r.snapshot
	r.gates.FocusMu.Unlock()
	r.gates.PointingMu.Unlock()

	rep := Report{
		PointingState: int(snap.Pointing),
		PointingLabel: snap.Pointing.String(),
	}

	if snap.Alive {
		rep.Site = &SiteBlock{
			LatitudeRad:  snap.Site.LatitudeRad,
			LongitudeRad: snap.Site.LongitudeRad,
			ElevationM:   snap.Site.ElevationM,
		}
	}

	if snap.Pointing != pointing.Absent {
		homed := snap.AxesHomed
		lst := snap.LST
		rep.AxesHomed = &homed
		rep.LSTRad = &lst
	}

	if r.cfg.Flavor == config.FlavorFull {
		fs := int(snap.Focus)
		fl := snap.Focus.String()
		rep.FocusState = &fs
		rep.FocusLabel = &fl
	}

	if snap.AxesHomed {
		offset := r.daemon.OffsetNow()
		block := &HomedBlock{
			RAJ2000Rad:    snap.RAJ2000,
			DecJ2000Rad:   snap.DecJ2000,
			OffsetRADeg:   offset.RADeg,
			OffsetDecDeg:  offset.DecDeg,
			HAApparentRad: snap.HAApparent,
			AltRad:        snap.Alt,
			AzRad:         snap.Az,
		}
		sun, moon, err := r.ephemeris.Separations(time.Now(), snap.RAJ2000, snap.DecJ2000, snap.Site)
		if err == nil {
			block.SunSepDeg = &sun
			block.MoonSepDeg = &moon
		} else if !errors.Is(err, ErrEphemerisUnavailable) {
			r.logger.Printf("[WARN] status: ephemeris: %v", err)
		}
		rep.Homed = block
	}

	if snap.Focus != focus.Absent {
		um := snap.TelescopeFocusUm
		rep.TelescopeFocusUm = &um
	}

	return rep
}
