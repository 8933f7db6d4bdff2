package smudge

import (
	"math"
	"testing"
)

func TestRawConversionEndpoints(t *testing.T) {
	if v := rawToVolts(0); v != 0 {
		t.Errorf("rawToVolts(0) returns %v, want 0", v)
	}
	if v := rawToVolts(rawMax); v != fullScaleVolts {
		t.Errorf("rawToVolts(%d) returns %v, want %v", rawMax, v, fullScaleVolts)
	}
	if a := rawToAmps(0); a != -currentZero {
		t.Errorf("rawToAmps(0) returns %v, want %v", a, -currentZero)
	}
	if a := rawToAmps(rawMax); math.Abs(float64(a-currentZero)) > 1e-6 {
		t.Errorf("rawToAmps(%d) returns %v, want %v", rawMax, a, currentZero)
	}
	// midscale on the current path is the zero-current point, give or take one LSB
	if a := rawToAmps(0x8000); math.Abs(float64(a)) > 1e-4 {
		t.Errorf("rawToAmps(0x8000) returns %v, want about 0", a)
	}
}

func TestRawRoundTrip(t *testing.T) {
	for _, r := range []RawType{0, 1, 1000, 0x7fff, 0x8000, 0xfffe, rawMax} {
		if got := voltsToRaw(rawToVolts(r)); got != r {
			t.Errorf("voltsToRaw(rawToVolts(%d)) returns %d, want %d", r, got, r)
		}
		if got := ampsToRaw(rawToAmps(r)); got != r {
			t.Errorf("ampsToRaw(rawToAmps(%d)) returns %d, want %d", r, got, r)
		}
	}
}

func TestRawClamping(t *testing.T) {
	if got := voltsToRaw(-1); got != 0 {
		t.Errorf("voltsToRaw(-1) returns %d, want 0", got)
	}
	if got := voltsToRaw(fullScaleVolts + 1); got != rawMax {
		t.Errorf("voltsToRaw over range returns %d, want %d", got, rawMax)
	}
	if got := ampsToRaw(-1); got != 0 {
		t.Errorf("ampsToRaw(-1) returns %d, want 0", got)
	}
	if got := ampsToRaw(1); got != rawMax {
		t.Errorf("ampsToRaw(1) returns %d, want %d", got, rawMax)
	}
}

func TestFramePacking(t *testing.T) {
	in := []byte{0x34, 0x12, 0x78, 0x56, 0xbc, 0x9a, 0xf0, 0xde}
	av, ai, bv, bi := unpackInFrame(in)
	if av != 0x1234 || ai != 0x5678 || bv != 0x9abc || bi != 0xdef0 {
		t.Errorf("unpackInFrame returns %04x %04x %04x %04x, want 1234 5678 9abc def0",
			av, ai, bv, bi)
	}

	var out [outFrameBytes]byte
	packOutFrame(out[:], 0x1122, 0x3344)
	want := [outFrameBytes]byte{0x22, 0x11, 0x44, 0x33}
	if out != want {
		t.Errorf("packOutFrame produces % x, want % x", out, want)
	}
}
