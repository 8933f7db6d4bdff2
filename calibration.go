package smudge

// Calibration tables. Each device carries 8 entries, one per (channel, direction,
// quantity) combination, stored on the instrument's EEPROM and replaceable from a
// textual file of measured point pairs.

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// CalIndex identifies one of the 8 calibration entries. The order here is also the
// section order of the textual file and the entry order of the EEPROM image.
type CalIndex int

// The 8 calibration entries, channel A first, measurement before source paths.
const (
	CalAMeasureV CalIndex = iota
	CalAMeasureI
	CalASourceV
	CalASourceI
	CalBMeasureV
	CalBMeasureI
	CalBSourceV
	CalBSourceI
	numCalEntries
)

var calLabels = [numCalEntries]string{
	"Channel A, measure V",
	"Channel A, measure I",
	"Channel A, source V",
	"Channel A, source I",
	"Channel B, measure V",
	"Channel B, measure I",
	"Channel B, source V",
	"Channel B, source I",
}

func (i CalIndex) String() string {
	if i < 0 || i >= numCalEntries {
		return fmt.Sprintf("calibration entry %d", int(i))
	}
	return calLabels[i]
}

// CalEntry holds the correction for one signal path: reading = (raw − Offset) · gain,
// where gain is GainPos or GainNeg by the sign of (raw − Offset). Source paths apply
// the inverse before DAC conversion.
type CalEntry struct {
	Offset  float32
	GainPos float32
	GainNeg float32
}

func (e CalEntry) apply(u float32) float32 {
	u -= e.Offset
	if u < 0 {
		return u * e.GainNeg
	}
	return u * e.GainPos
}

func (e CalEntry) unapply(v float32) float32 {
	g := e.GainPos
	if v < 0 {
		g = e.GainNeg
	}
	if g != 0 {
		v /= g
	}
	return v + e.Offset
}

// Calibration is a complete 8-entry table.
type Calibration struct {
	Entries [numCalEntries]CalEntry
}

// DefaultCalibration returns the identity table: zero offsets, unit gains.
func DefaultCalibration() *Calibration {
	var c Calibration
	for i := range c.Entries {
		c.Entries[i] = CalEntry{Offset: 0, GainPos: 1, GainNeg: 1}
	}
	return &c
}

// Apply converts one uncalibrated reading to a calibrated one.
func (c *Calibration) Apply(i CalIndex, u float32) float32 {
	return c.Entries[i].apply(u)
}

// Unapply converts one desired output value to the uncalibrated value the DAC path
// must produce.
func (c *Calibration) Unapply(i CalIndex, v float32) float32 {
	return c.Entries[i].unapply(v)
}

// Gain bounds accepted by Validate. A correctly built instrument is within a few
// percent of unit gain; anything outside this band means a bad fit or a bad file.
const (
	minCalGain = 0.25
	maxCalGain = 4.0
)

// Validate checks that the table is complete and physically plausible.
func (c *Calibration) Validate() error {
	for i, e := range c.Entries {
		vals := [3]float32{e.Offset, e.GainPos, e.GainNeg}
		for _, v := range vals {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return fmt.Errorf("%s: coefficient %v is not finite", CalIndex(i), v)
			}
		}
		if e.GainPos < minCalGain || e.GainPos > maxCalGain {
			return fmt.Errorf("%s: positive gain %v outside [%v, %v]", CalIndex(i), e.GainPos, minCalGain, maxCalGain)
		}
		if e.GainNeg < minCalGain || e.GainNeg > maxCalGain {
			return fmt.Errorf("%s: negative gain %v outside [%v, %v]", CalIndex(i), e.GainNeg, minCalGain, maxCalGain)
		}
	}
	return nil
}

// The EEPROM image is the magic word then the 8 entries as (offset, gain+, gain−)
// float32 triples, all little-endian: 100 bytes total.
const (
	calMagic     = 0x01ee02dd
	calImageSize = 4 + 4*3*int(numCalEntries)
)

// DeviceFormat renders the table in the instrument's EEPROM layout.
func (c *Calibration) DeviceFormat() []byte {
	buf := make([]byte, calImageSize)
	binary.LittleEndian.PutUint32(buf[0:], calMagic)
	off := 4
	for _, e := range c.Entries {
		binary.LittleEndian.PutUint32(buf[off+0:], math.Float32bits(e.Offset))
		binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(e.GainPos))
		binary.LittleEndian.PutUint32(buf[off+8:], math.Float32bits(e.GainNeg))
		off += 12
	}
	return buf
}

// ParseDeviceFormat decodes an EEPROM image. An image without the magic word (a blank
// or never-calibrated EEPROM) yields the default table rather than an error.
func ParseDeviceFormat(buf []byte) (*Calibration, error) {
	if len(buf) < calImageSize {
		return nil, fmt.Errorf("calibration image has %d bytes, want %d", len(buf), calImageSize)
	}
	if binary.LittleEndian.Uint32(buf[0:]) != calMagic {
		return DefaultCalibration(), nil
	}
	var c Calibration
	off := 4
	for i := range c.Entries {
		c.Entries[i].Offset = math.Float32frombits(binary.LittleEndian.Uint32(buf[off+0:]))
		c.Entries[i].GainPos = math.Float32frombits(binary.LittleEndian.Uint32(buf[off+4:]))
		c.Entries[i].GainNeg = math.Float32frombits(binary.LittleEndian.Uint32(buf[off+8:]))
		off += 12
	}
	return &c, nil
}

// calPair is one measured (raw reading, reference value) point from the file.
type calPair struct {
	raw float64
	ref float64
}

// LoadCalibration parses the textual calibration format and fits a table from it.
// The format is 8 sections in CalIndex order; each section is opened by a `</>` line,
// holds `<raw, reference>` pairs one per line, and is closed by a `<\>` line. Lines
// outside sections (labels, comments, blanks) are ignored.
func LoadCalibration(r io.Reader) (*Calibration, error) {
	sections, err := splitCalSections(r)
	if err != nil {
		return nil, err
	}
	if len(sections) != int(numCalEntries) {
		return nil, fmt.Errorf("calibration file has %d sections, want %d", len(sections), numCalEntries)
	}
	c := DefaultCalibration()
	for i, pairs := range sections {
		c.Entries[i] = fitCalEntry(pairs)
	}
	return c, nil
}

// LoadCalibrationFile is LoadCalibration on a named file.
func LoadCalibrationFile(path string) (*Calibration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadCalibration(f)
}

func splitCalSections(r io.Reader) ([][]calPair, error) {
	var sections [][]calPair
	var current []calPair
	inSection := false
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "</>":
			if inSection {
				return nil, fmt.Errorf("line %d: section opened inside a section", lineno)
			}
			inSection = true
			current = nil

		case line == `<\>`:
			if !inSection {
				return nil, fmt.Errorf("line %d: section closed without being opened", lineno)
			}
			inSection = false
			sections = append(sections, current)

		case inSection && strings.HasPrefix(line, "<"):
			p, err := parseCalPair(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %v", lineno, err)
			}
			current = append(current, p)

		default:
			// label or comment line; ignored
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if inSection {
		return nil, fmt.Errorf("calibration file ends inside section %d", len(sections)+1)
	}
	return sections, nil
}

func parseCalPair(line string) (calPair, error) {
	body := strings.TrimSuffix(strings.TrimPrefix(line, "<"), ">")
	if body == line || !strings.HasSuffix(line, ">") {
		return calPair{}, fmt.Errorf("malformed pair %q", line)
	}
	fields := strings.Split(body, ",")
	if len(fields) != 2 {
		return calPair{}, fmt.Errorf("pair %q has %d fields, want 2", line, len(fields))
	}
	raw, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return calPair{}, fmt.Errorf("pair %q: %v", line, err)
	}
	ref, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return calPair{}, fmt.Errorf("pair %q: %v", line, err)
	}
	return calPair{raw: raw, ref: ref}, nil
}

// fitCalEntry turns one section's point pairs into coefficients. The offset is the
// mean raw reading over pairs whose reference is zero. Each gain is the least-squares
// slope, forced through the origin, of reference on (raw − offset) over that sign's
// points. A side with no points keeps unit gain; an empty section is the identity.
func fitCalEntry(pairs []calPair) CalEntry {
	e := CalEntry{Offset: 0, GainPos: 1, GainNeg: 1}
	if len(pairs) == 0 {
		return e
	}
	var zeros []float64
	for _, p := range pairs {
		if p.ref == 0 {
			zeros = append(zeros, p.raw)
		}
	}
	if len(zeros) > 0 {
		e.Offset = float32(stat.Mean(zeros, nil))
	}
	var xp, yp, xn, yn []float64
	for _, p := range pairs {
		x := p.raw - float64(e.Offset)
		switch {
		case p.ref > 0:
			xp = append(xp, x)
			yp = append(yp, p.ref)
		case p.ref < 0:
			xn = append(xn, x)
			yn = append(yn, p.ref)
		}
	}
	if len(xp) > 0 {
		_, beta := stat.LinearRegression(xp, yp, nil, true)
		e.GainPos = float32(beta)
	}
	if len(xn) > 0 {
		_, beta := stat.LinearRegression(xn, yn, nil, true)
		e.GainNeg = float32(beta)
	}
	return e
}

// WriteTo renders the table back in the textual format, one synthetic three-point
// section per entry (zero, +1 and −1 reference), so a displayed table refits to the
// same coefficients.
func (c *Calibration) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for i, e := range c.Entries {
		stepPos := saneStep(1.0 / float64(e.GainPos))
		stepNeg := saneStep(1.0 / float64(e.GainNeg))
		k, err := fmt.Fprintf(w, "# %s\n</>\n<%.6f, 0.000000>\n<%.6f, 1.000000>\n<%.6f, -1.000000>\n<\\>\n\n",
			CalIndex(i), e.Offset, float64(e.Offset)+stepPos, float64(e.Offset)-stepNeg)
		n += int64(k)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func saneStep(s float64) float64 {
	if math.IsInf(s, 0) || math.IsNaN(s) || s == 0 {
		return 1.0
	}
	return s
}
