package smudge

// The bulk wire format of the instrument. IN frames carry one simultaneous reading of
// all four measurement channels; OUT frames carry one DAC word per source channel.
// Transfers always move whole frames, 64 frames at a time.

import (
	"encoding/binary"

	"github.com/smudge-daq/smudge/usb"
)

// RawType holds one raw converter word, as it appears on the wire (little-endian).
type RawType uint16

const (
	inFrameBytes     = usb.InFrameBytes
	outFrameBytes    = usb.OutFrameBytes
	transferFrames   = 64 // frames per bulk transfer
	inTransferBytes  = transferFrames * inFrameBytes
	outTransferBytes = transferFrames * outFrameBytes
)

// Analog front-end scale factors. The voltage path spans [0, 5] V and the current
// path spans [-0.2, +0.2] A across the full 16-bit raw range.
const (
	fullScaleVolts = 5.0
	fullScaleAmps  = 0.4
	currentZero    = 0.2
	rawMax         = 65535
)

// Sample is one calibrated simultaneous reading of both channels.
type Sample struct {
	AVoltage float32
	ACurrent float32
	BVoltage float32
	BCurrent float32
}

// OutSample is one explicitly queued output value per channel, in the unit implied by
// each channel's mode (volts under SVMI, amps under SIMV, ignored under HiZ).
type OutSample struct {
	A float32
	B float32
}

func rawToVolts(r RawType) float32 {
	return float32(r) / rawMax * fullScaleVolts
}

func rawToAmps(r RawType) float32 {
	return float32(r)/rawMax*fullScaleAmps - currentZero
}

// voltsToRaw is the DAC inverse of rawToVolts, clamped to the raw range.
func voltsToRaw(v float32) RawType {
	f := v / fullScaleVolts * rawMax
	return clampRaw(f)
}

// ampsToRaw is the DAC inverse of rawToAmps, clamped to the raw range.
func ampsToRaw(a float32) RawType {
	f := (a + currentZero) / fullScaleAmps * rawMax
	return clampRaw(f)
}

func clampRaw(f float32) RawType {
	if f < 0 {
		return 0
	}
	if f > rawMax {
		return rawMax
	}
	return RawType(f + 0.5)
}

// unpackInFrame reads the 4 raw words of one IN frame. The slice must hold at least
// inFrameBytes.
func unpackInFrame(p []byte) (av, ai, bv, bi RawType) {
	av = RawType(binary.LittleEndian.Uint16(p[0:]))
	ai = RawType(binary.LittleEndian.Uint16(p[2:]))
	bv = RawType(binary.LittleEndian.Uint16(p[4:]))
	bi = RawType(binary.LittleEndian.Uint16(p[6:]))
	return
}

// packOutFrame writes the 2 raw words of one OUT frame. The slice must hold at least
// outFrameBytes.
func packOutFrame(p []byte, a, b RawType) {
	binary.LittleEndian.PutUint16(p[0:], uint16(a))
	binary.LittleEndian.PutUint16(p[2:], uint16(b))
}
