package smudge

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// calFileText builds a calibration file from per-section pair text.
func calFileText(sections ...string) string {
	var b strings.Builder
	for _, s := range sections {
		b.WriteString("</>\n")
		b.WriteString(s)
		b.WriteString("<\\>\n")
	}
	return b.String()
}

const identitySection = "<0.0, 0.0>\n<1.0, 1.0>\n<-1.0, -1.0>\n"

func TestCalEntryApply(t *testing.T) {
	e := CalEntry{Offset: 0.5, GainPos: 2, GainNeg: 4}
	if got := e.apply(1.0); got != 1.0 {
		t.Errorf("apply(1.0) returns %v, want 1.0", got)
	}
	if got := e.apply(0.25); got != -1.0 {
		t.Errorf("apply(0.25) returns %v, want -1.0", got)
	}
	if got := e.apply(0.5); got != 0 {
		t.Errorf("apply at the offset returns %v, want 0", got)
	}
	// unapply inverts apply on both gain branches
	for _, v := range []float32{-2, -0.5, 0, 0.75, 3} {
		if got := e.apply(e.unapply(v)); math.Abs(float64(got-v)) > 1e-6 {
			t.Errorf("apply(unapply(%v)) returns %v, want %v", v, got, v)
		}
	}
}

func TestDefaultCalibrationIsIdentity(t *testing.T) {
	c := DefaultCalibration()
	require.NoError(t, c.Validate())
	for i := CalIndex(0); i < numCalEntries; i++ {
		for _, v := range []float32{-0.2, 0, 2.5, 5} {
			if got := c.Apply(i, v); got != v {
				t.Errorf("%v: Apply(%v) returns %v, want %v", i, v, got, v)
			}
		}
	}
}

func TestCalibrationFit(t *testing.T) {
	// section 0 measures raw = 0.5 + ref/2 above zero and raw = 0.5 + ref/4 below
	fitted := "<0.5, 0.0>\n<1.0, 1.0>\n<0.75, 0.5>\n<0.25, -1.0>\n<0.125, -1.5>\n"
	text := calFileText(fitted, identitySection, identitySection, identitySection,
		identitySection, identitySection, identitySection, identitySection)

	c, err := LoadCalibration(strings.NewReader(text))
	require.NoError(t, err)
	e := c.Entries[CalAMeasureV]
	assert.InDelta(t, 0.5, float64(e.Offset), 1e-6, "fitted offset")
	assert.InDelta(t, 2.0, float64(e.GainPos), 1e-6, "fitted positive gain")
	assert.InDelta(t, 4.0, float64(e.GainNeg), 1e-6, "fitted negative gain")

	id := c.Entries[CalAMeasureI]
	assert.InDelta(t, 0.0, float64(id.Offset), 1e-6, "identity offset")
	assert.InDelta(t, 1.0, float64(id.GainPos), 1e-6, "identity positive gain")
	assert.InDelta(t, 1.0, float64(id.GainNeg), 1e-6, "identity negative gain")
}

func TestCalibrationFitSparseSections(t *testing.T) {
	// an empty section and a positive-only section both keep unit gain where no
	// points constrain it
	posOnly := "<0.0, 0.0>\n<2.0, 1.0>\n"
	text := calFileText("", posOnly, identitySection, identitySection,
		identitySection, identitySection, identitySection, identitySection)
	c, err := LoadCalibration(strings.NewReader(text))
	require.NoError(t, err)

	empty := c.Entries[CalAMeasureV]
	assert.Equal(t, CalEntry{Offset: 0, GainPos: 1, GainNeg: 1}, empty, "empty section")

	po := c.Entries[CalAMeasureI]
	assert.InDelta(t, 0.5, float64(po.GainPos), 1e-6, "positive gain from points")
	assert.InDelta(t, 1.0, float64(po.GainNeg), 1e-6, "unconstrained negative gain")
}

func TestCalibrationFileErrors(t *testing.T) {
	s := identitySection
	cases := []struct {
		name string
		text string
	}{
		{"six sections", calFileText(s, s, s, s, s, s)},
		{"nine sections", calFileText(s, s, s, s, s, s, s, s, s)},
		{"open inside a section", "</>\n</>\n<\\>\n"},
		{"close without open", "<\\>\n"},
		{"unterminated section", "</>\n<0, 0>\n"},
		{"pair with one field", calFileText("<1.0>\n", s, s, s, s, s, s, s)},
		{"pair with a bad number", calFileText("<a, 1>\n", s, s, s, s, s, s, s)},
	}
	for _, c := range cases {
		if _, err := LoadCalibration(strings.NewReader(c.text)); err == nil {
			t.Errorf("LoadCalibration accepts a file with %s", c.name)
		}
	}
}

func TestCalibrationIgnoresLabels(t *testing.T) {
	// label and comment lines outside sections are not pairs
	text := "Channel A, measure V\n" + calFileText(identitySection, identitySection,
		identitySection, identitySection, identitySection, identitySection,
		identitySection, identitySection) + "\ntrailing note\n"
	_, err := LoadCalibration(strings.NewReader(text))
	require.NoError(t, err)
}

func TestCalibrationValidate(t *testing.T) {
	c := DefaultCalibration()
	c.Entries[CalAMeasureI].GainPos = 8
	err := c.Validate()
	require.Error(t, err, "gain above the plausible band")
	assert.Contains(t, err.Error(), "positive gain")

	c = DefaultCalibration()
	c.Entries[CalBSourceV].GainNeg = 0.1
	require.Error(t, c.Validate(), "gain below the plausible band")

	c = DefaultCalibration()
	c.Entries[CalBSourceI].Offset = float32(math.NaN())
	err = c.Validate()
	require.Error(t, err, "NaN offset")
	assert.Contains(t, err.Error(), "not finite")
}

func TestDeviceFormatRoundTrip(t *testing.T) {
	c := DefaultCalibration()
	c.Entries[CalAMeasureV] = CalEntry{Offset: 0.01, GainPos: 1.02, GainNeg: 0.98}
	c.Entries[CalBSourceI] = CalEntry{Offset: -0.003, GainPos: 0.97, GainNeg: 1.04}

	img := c.DeviceFormat()
	require.Len(t, img, calImageSize)
	parsed, err := ParseDeviceFormat(img)
	require.NoError(t, err)
	assert.Equal(t, c.Entries, parsed.Entries, "EEPROM round trip")

	// a never-written EEPROM (no magic word) decodes to the default table
	blank, err := ParseDeviceFormat(make([]byte, calImageSize))
	require.NoError(t, err)
	assert.Equal(t, DefaultCalibration().Entries, blank.Entries, "blank EEPROM")

	if _, err := ParseDeviceFormat(img[:calImageSize-1]); err == nil {
		t.Error("ParseDeviceFormat accepts a truncated image")
	}
}

func TestWriteToRefitsToSameTable(t *testing.T) {
	orig := DefaultCalibration()
	orig.Entries[CalAMeasureV] = CalEntry{Offset: 0.125, GainPos: 1.5, GainNeg: 0.75}
	orig.Entries[CalBMeasureI] = CalEntry{Offset: -0.25, GainPos: 0.5, GainNeg: 2.0}

	var buf bytes.Buffer
	_, err := orig.WriteTo(&buf)
	require.NoError(t, err)
	refit, err := LoadCalibration(&buf)
	require.NoError(t, err)

	for i := range orig.Entries {
		o, r := orig.Entries[i], refit.Entries[i]
		assert.InDelta(t, float64(o.Offset), float64(r.Offset), 2e-6, "offset of %v", CalIndex(i))
		assert.InDelta(t, float64(o.GainPos), float64(r.GainPos), 1e-4, "positive gain of %v", CalIndex(i))
		assert.InDelta(t, float64(o.GainNeg), float64(r.GainNeg), 1e-4, "negative gain of %v", CalIndex(i))
	}
}

func TestCalIndexString(t *testing.T) {
	if got := CalAMeasureV.String(); got != "Channel A, measure V" {
		t.Errorf("CalAMeasureV.String() returns %q", got)
	}
	if got := CalBSourceI.String(); got != "Channel B, source I" {
		t.Errorf("CalBSourceI.String() returns %q", got)
	}
	if got := CalIndex(99).String(); got != "calibration entry 99" {
		t.Errorf("out-of-range CalIndex prints %q", got)
	}
}
