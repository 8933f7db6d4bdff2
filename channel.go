package smudge

// Per-channel mode control and source-waveform synthesis. A Channel never touches the
// transport itself; it holds the requested state, and the Device worker turns that
// state into control requests and DAC words.

import (
	"fmt"
	"math"
)

// Mode is the operating mode of one channel. The constant values are the wire values
// of the set-mode control request.
type Mode int

// The channel modes. The split variants route the source and measure paths to
// separate pins; electrically they behave like their unsplit counterparts here.
const (
	HiZ Mode = iota
	SVMI
	SIMV
	HiZSplit
	SVMISplit
	SIMVSplit
)

func (m Mode) String() string {
	switch m {
	case HiZ:
		return "HI_Z"
	case SVMI:
		return "SVMI"
	case SIMV:
		return "SIMV"
	case HiZSplit:
		return "HI_Z_SPLIT"
	case SVMISplit:
		return "SVMI_SPLIT"
	case SIMVSplit:
		return "SIMV_SPLIT"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts a mode name as printed by Mode.String (case-sensitive).
func ParseMode(s string) (Mode, error) {
	for m := HiZ; m <= SIMVSplit; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return HiZ, fmt.Errorf("unknown channel mode %q", s)
}

// sourcing reports whether the mode drives the output DAC.
func (m Mode) sourcing() bool {
	switch m {
	case SVMI, SVMISplit, SIMV, SIMVSplit:
		return true
	}
	return false
}

// dacMidscale is the word a high-impedance channel sends so the inactive DAC rests at
// the center of its range.
const dacMidscale RawType = 0x8000

// Channel is one of the two source-measure channels of a Device. All mutable state is
// guarded by the owning device's lock.
type Channel struct {
	name string
	idx  int
	d    *Device

	mode Mode
	src  outputSpec
}

// Name returns "A" or "B".
func (ch *Channel) Name() string { return ch.name }

// Mode returns the channel's current operating mode.
func (ch *Channel) Mode() Mode {
	ch.d.stateLock.Lock()
	defer ch.d.stateLock.Unlock()
	return ch.mode
}

// SetMode changes the operating mode. It returns a StateError while the device is
// streaming and a DisconnectedError after removal. On an idle attached device the
// mode is pushed to the hardware immediately; it is also reasserted at stream start.
func (ch *Channel) SetMode(m Mode) error {
	if m < HiZ || m > SIMVSplit {
		return fmt.Errorf("unknown channel mode %d", int(m))
	}
	d := ch.d
	d.stateLock.Lock()
	if d.disconnected {
		d.stateLock.Unlock()
		return &DisconnectedError{Serial: d.serial}
	}
	if d.state != streamInactive {
		d.stateLock.Unlock()
		return stateErrorf("cannot set mode of channel %s while device %s is streaming", ch.name, d.serial)
	}
	ch.mode = m
	tr := d.tr
	d.stateLock.Unlock()

	if err := pushMode(tr, ch.idx, m); err != nil {
		return deviceErrorf(d.serial, "cannot set channel %s to %v: %v", ch.name, m, err)
	}
	return nil
}

// The output source: either a constant or one of the repeating waveforms,
// evaluated one value per output frame. next() runs under the device lock.
type waveKind int

const (
	waveConstant waveKind = iota
	waveSine
	waveTriangle
	waveSquare
	waveSawtooth
	waveStairstep
	waveArbitrary
)

const stairstepLevels = 10

type outputSpec struct {
	kind     waveKind
	constant float32
	mid, amp float32
	period   float64 // in samples
	phase    float64 // in samples
	duty     float64
	buf      []float32
	cyclic   bool
	n        uint64 // samples generated since stream start
}

func (o *outputSpec) reset() { o.n = 0 }

func (o *outputSpec) next() float32 {
	n := o.n
	o.n++
	switch o.kind {
	case waveConstant:
		return o.constant

	case waveArbitrary:
		if len(o.buf) == 0 {
			return 0
		}
		i := int(n)
		if o.cyclic {
			return o.buf[i%len(o.buf)]
		}
		if i >= len(o.buf) {
			return o.buf[len(o.buf)-1]
		}
		return o.buf[i]
	}

	frac := math.Mod((float64(n)-o.phase)/o.period, 1)
	if frac < 0 {
		frac++
	}
	switch o.kind {
	case waveSine:
		return o.mid + o.amp*float32(math.Sin(2*math.Pi*frac))
	case waveTriangle:
		return o.mid + o.amp*float32(1-4*math.Abs(frac-0.5))
	case waveSquare:
		if frac < o.duty {
			return o.mid + o.amp
		}
		return o.mid - o.amp
	case waveSawtooth:
		return o.mid + o.amp*float32(2*frac-1)
	case waveStairstep:
		level := math.Floor(frac * stairstepLevels)
		return o.mid + o.amp*float32(2*level/(stairstepLevels-1)-1)
	}
	return 0
}

func (ch *Channel) setSource(o outputSpec) {
	ch.d.stateLock.Lock()
	ch.src = o
	ch.src.reset()
	ch.d.stateLock.Unlock()
}

// Constant makes the channel source a fixed value (volts under SVMI, amps under SIMV).
// Source specs may be changed at any time, streaming or not; they only drive the
// output while the channel is in a source mode.
func (ch *Channel) Constant(v float32) {
	ch.setSource(outputSpec{kind: waveConstant, constant: v})
}

// Sine makes the channel source midpoint + amplitude·sin, with period and phase in
// samples.
func (ch *Channel) Sine(midpoint, amplitude float32, period, phase float64) {
	ch.setSource(outputSpec{kind: waveSine, mid: midpoint, amp: amplitude, period: period, phase: phase})
}

// Triangle makes the channel source a triangle wave, rising from its minimum at
// phase 0. Period and phase are in samples.
func (ch *Channel) Triangle(midpoint, amplitude float32, period, phase float64) {
	ch.setSource(outputSpec{kind: waveTriangle, mid: midpoint, amp: amplitude, period: period, phase: phase})
}

// Square makes the channel source a square wave that spends duty·period at the high
// level. Period and phase are in samples.
func (ch *Channel) Square(midpoint, amplitude float32, period, phase, duty float64) {
	ch.setSource(outputSpec{kind: waveSquare, mid: midpoint, amp: amplitude, period: period, phase: phase, duty: duty})
}

// Sawtooth makes the channel source a rising ramp repeating every period samples.
func (ch *Channel) Sawtooth(midpoint, amplitude float32, period, phase float64) {
	ch.setSource(outputSpec{kind: waveSawtooth, mid: midpoint, amp: amplitude, period: period, phase: phase})
}

// Stairstep is Sawtooth quantized to 10 levels.
func (ch *Channel) Stairstep(midpoint, amplitude float32, period, phase float64) {
	ch.setSource(outputSpec{kind: waveStairstep, mid: midpoint, amp: amplitude, period: period, phase: phase})
}

// Arbitrary makes the channel play back the given buffer, one value per sample. With
// repeat it loops forever; without, the last value holds.
func (ch *Channel) Arbitrary(buf []float32, repeat bool) {
	b := make([]float32, len(buf))
	copy(b, buf)
	ch.setSource(outputSpec{kind: waveArbitrary, buf: b, cyclic: repeat})
}

// calSourceIndex returns the calibration entry for this channel's active source path.
func (ch *Channel) calSourceIndex() CalIndex {
	base := CalIndex(ch.idx * 4)
	switch ch.mode {
	case SIMV, SIMVSplit:
		return base + CalASourceI
	default:
		return base + CalASourceV
	}
}

// dacWord converts the channel's next source value into a raw DAC word. The device
// lock must be held.
func (ch *Channel) dacWord(v float32) RawType {
	switch ch.mode {
	case SVMI, SVMISplit:
		return voltsToRaw(ch.d.cal.Unapply(ch.calSourceIndex(), v))
	case SIMV, SIMVSplit:
		return ampsToRaw(ch.d.cal.Unapply(ch.calSourceIndex(), v))
	}
	return dacMidscale
}
