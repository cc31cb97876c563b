package shm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAttachAbsentController(t *testing.T) {
	// Nothing should exist under a random private key.
	r := NewReader(0x7a1d9c31)
	err := r.Attach()
	require.ErrorIs(t, err, ErrControllerAbsent)
}

func TestAxesHomed(t *testing.T) {
	cases := []struct {
		name         string
		ra, dec, foc uint16
		focusPresent bool
		want         bool
	}{
		{"all homed with focus", 0x200, 0x200, 0x201, true, true},
		{"all homed without focus", 0x200, 0x200, 0, false, true},
		{"ra not homed", 0, 0x200, 0x201, true, false},
		{"dec not homed", 0x200, 0, 0x201, true, false},
		{"focus present not homed", 0x200, 0x200, 0x01, true, false},
	}
	for _, tc := range cases {
		s := Snapshot{RAFlags: tc.ra, DecFlags: tc.dec, FocusFlags: tc.foc}
		require.Equal(t, tc.want, AxesHomed(s, tc.focusPresent), tc.name)
	}
}

func TestFocusMicrons(t *testing.T) {
	s := Snapshot{FocusStepCount: 200, FocusPosition: math.Pi, FocusDF: 50}
	want := 200 * math.Pi / (2 * math.Pi * 50)
	require.InDelta(t, want, FocusMicrons(s), 1e-12)

	// A zero df constant must not divide by zero.
	s.FocusDF = 0
	require.Equal(t, 0.0, FocusMicrons(s))
}

func TestClampNaN(t *testing.T) {
	require.Equal(t, 0.0, clampNaN(math.NaN()))
	require.Equal(t, 1.5, clampNaN(1.5))
}
