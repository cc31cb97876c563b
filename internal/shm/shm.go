// Package shm attaches to the talon controller's SysV shared-memory
// telemetry segment and exposes typed field reads at fixed byte offsets.
package shm

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrControllerAbsent is returned when no shared-memory segment exists
// under the configured key - the controller has never started, or has
// been torn down.
var ErrControllerAbsent = errors.New("shm: controller shared memory absent")

// layout mirrors the controller's published struct, byte-for-byte. Field
// order and types are the controller's wire contract and must never
// change independently of it.
type layout struct {
	Pid          int32
	_            [4]byte // alignment pad to an 8-byte boundary before the first double
	TimeOfDayMJD float64

	PointingState int32
	PointingIndex int32

	RAJ2000  float64
	DecJ2000 float64

	HAApparent  float64
	DecApparent float64
	LST         float64

	Alt float64
	Az  float64

	RAFlags    uint16
	DecFlags   uint16
	FocusFlags uint16
	_          uint16 // pad

	FocusStepCount int32
	_              [4]byte
	FocusPosition  float64
	FocusDF        float64

	SiteLatitude  float64
	SiteLongitude float64
	SiteElevation float64
}

const segmentSize = unsafe.Sizeof(layout{})

// EarthRadiusMeters is the scale baked into the controller's elevation
// field, which is published in Earth-radii units.
const EarthRadiusMeters = 6378137.0

// Reader attaches to the controller's shared-memory segment on demand.
// It is stateless across calls beyond the attached address: every Read
// attaches first if not yet attached and re-reads from the segment,
// never caching field values. An existing attachment is reused without
// checking that the segment is still current; Detach drops it.
type Reader struct {
	key int

	mu      sync.Mutex
	attached bool
	addr     []byte
	shmid    int
}

// NewReader constructs a Reader for the given well-known SysV key. It
// does not attach until the first Read/Attach call.
func NewReader(key int) *Reader {
	return &Reader{key: key}
}

// Attach opens (without creating) the shared segment under the
// configured key. It is safe to call repeatedly; a live attachment is
// reused.
func (r *Reader) Attach() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attachLocked()
}

func (r *Reader) attachLocked() error {
	if r.attached {
		return nil
	}

	shmid, err := unix.SysvShmGet(r.key, int(segmentSize), 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return ErrControllerAbsent
		}
		return fmt.Errorf("shm: shmget: %w", err)
	}

	addr, err := unix.SysvShmAttach(shmid, 0, unix.SHM_RDONLY)
	if err != nil {
		return fmt.Errorf("shm: shmat: %w", err)
	}

	r.shmid = shmid
	r.addr = addr
	r.attached = true
	return nil
}

// Detach releases the attachment, if any. Subsequent reads will
// re-attach. Detach is best-effort: a new controller instance reusing
// the same key will be picked up on the next Attach/Read.
func (r *Reader) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.attached {
		return
	}
	_ = unix.SysvShmDetach(r.addr)
	r.attached = false
}

// Snapshot is a single, internally-consistent read of every telemetry
// field the daemon cares about.
type Snapshot struct {
	Pid           int32
	TimeOfDayMJD  float64
	PointingState int32
	PointingIndex int32

	RAJ2000  float64
	DecJ2000 float64

	HAApparent  float64
	DecApparent float64
	LST         float64

	Alt float64
	Az  float64

	RAFlags    uint16
	DecFlags   uint16
	FocusFlags uint16

	FocusStepCount int32
	FocusPosition  float64
	FocusDF        float64

	SiteLatitudeRad  float64
	SiteLongitudeRad float64
	SiteElevationM   float64
}

// Read takes one consistent snapshot of the segment under the access
// mutex, attaching first if necessary. The segment is untrusted input:
// NaNs in angle fields are clamped to zero before anything derives
// booleans from them.
func (r *Reader) Read() (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.attachLocked(); err != nil {
		return Snapshot{}, err
	}

	raw := (*layout)(unsafe.Pointer(&r.addr[0]))

	snap := Snapshot{
		Pid:              raw.Pid,
		TimeOfDayMJD:     raw.TimeOfDayMJD,
		PointingState:    raw.PointingState,
		PointingIndex:    raw.PointingIndex,
		RAJ2000:          clampNaN(raw.RAJ2000),
		DecJ2000:         clampNaN(raw.DecJ2000),
		HAApparent:       clampNaN(raw.HAApparent),
		DecApparent:      clampNaN(raw.DecApparent),
		LST:              clampNaN(raw.LST),
		Alt:              clampNaN(raw.Alt),
		Az:               clampNaN(raw.Az),
		RAFlags:          raw.RAFlags,
		DecFlags:         raw.DecFlags,
		FocusFlags:       raw.FocusFlags,
		FocusStepCount:   raw.FocusStepCount,
		FocusPosition:    clampNaN(raw.FocusPosition),
		FocusDF:          clampNaN(raw.FocusDF),
		SiteLatitudeRad:  clampNaN(raw.SiteLatitude),
		SiteLongitudeRad: clampNaN(raw.SiteLongitude),
		SiteElevationM:   clampNaN(raw.SiteElevation) * EarthRadiusMeters,
	}
	return snap, nil
}

func clampNaN(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// AxesHomed reports whether every mechanical axis has a valid reference
// position: both mount axes homed, and the focuser homed if present.
func AxesHomed(s Snapshot, focusPresent bool) bool {
	raHomed := s.RAFlags&0x200 != 0
	decHomed := s.DecFlags&0x200 != 0
	focusHomed := !focusPresent || s.FocusFlags&0x200 != 0
	return raHomed && decHomed && focusHomed
}

// FocusMicrons converts the focuser's step count and position into
// micrometres of travel using the controller's df constant.
func FocusMicrons(s Snapshot) float64 {
	if s.FocusDF == 0 {
		return 0
	}
	return float64(s.FocusStepCount) * s.FocusPosition / (2 * math.Pi * s.FocusDF)
}
