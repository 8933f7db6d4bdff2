package usb

// A hardware-free twin of the instrument, for tests and for running the engine with
// no bus access. A SimDevice paces its measurement data by wall-clock elapsed time at
// the nominal sample rate and synthesizes raw words from its mode and the DAC words
// most recently sent to it:
//
//	HI_Z:  voltage = a counter ramp that wraps at 2^16, current = midscale (~0 A)
//	SVMI:  voltage = last DAC word, current = midscale + a small load signature
//	SIMV:  current = last DAC word, voltage = midscale
//
// The counter advances once per frame and feeds both channels, so tests can verify
// ordering, alignment and loss from the data alone.

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Wire values of the set-mode request: 0 HI_Z, 1 SVMI, 2 SIMV; +3 for the split
// variants, which measure the same way here.
const (
	simModeHiZ  = 0
	simModeSVMI = 1
	simModeSIMV = 2
)

const simMidscale = 0x8000

type simHandle struct {
	serial  string
	vendor  uint16
	product uint16
}

func (h *simHandle) Serial() string            { return h.serial }
func (h *simHandle) Product() (uint16, uint16) { return h.vendor, h.product }

type simEvent struct {
	isAttach bool
	handle   *simHandle
	serial   string
}

// SimBus is the Bus implementation backed by SimDevices. Attach and detach events
// are delivered in order on a single dispatch goroutine, like a real bus's.
type SimBus struct {
	lock    sync.Mutex
	devices map[string]*SimDevice
	order   []string

	watching bool
	attach   func(Handle)
	detach   func(serial string)
	events   chan simEvent
	abort    chan struct{}
	dispatch sync.WaitGroup
}

// NewSimBus creates an empty simulated bus.
func NewSimBus() *SimBus {
	return &SimBus{
		devices: make(map[string]*SimDevice),
		events:  make(chan simEvent, 64),
		abort:   make(chan struct{}),
	}
}

// AddDevice plugs in a new simulated instrument with the normal USB identity and
// returns it for scripting.
func (b *SimBus) AddDevice(serial string) *SimDevice {
	return b.add(serial, VendorID, ProductID)
}

// AddBootloader plugs in a simulated instrument stuck in its bootloader.
func (b *SimBus) AddBootloader(serial string) *SimDevice {
	return b.add(serial, BootVendorID, BootProductID)
}

func (b *SimBus) add(serial string, vendor, product uint16) *SimDevice {
	d := &SimDevice{
		bus:       b,
		serial:    serial,
		vendor:    vendor,
		product:   product,
		fwVersion: "2.17",
		hwVersion: "F",
		rate:      100000,
		removed:   make(chan struct{}),
		lastRead:  time.Now(),
		failFlash: -1,
		eeprom:    defaultSimEEPROM(),
	}
	b.lock.Lock()
	b.devices[serial] = d
	b.order = append(b.order, serial)
	watching := b.watching
	b.lock.Unlock()
	if watching {
		b.events <- simEvent{isAttach: true, handle: d.handle()}
	}
	return d
}

// RemoveDevice unplugs a simulated instrument. All blocked transfers on it fail with
// ErrDeviceGone and a detach event is dispatched.
func (b *SimBus) RemoveDevice(serial string) {
	b.lock.Lock()
	d, ok := b.devices[serial]
	if ok {
		delete(b.devices, serial)
		b.removeFromOrder(serial)
	}
	watching := b.watching
	b.lock.Unlock()
	if !ok {
		return
	}
	d.kill()
	if watching {
		b.events <- simEvent{serial: serial}
	}
}

// bootDetach is RemoveDevice for a device rebooting itself after ReqBoot.
func (b *SimBus) bootDetach(serial string) {
	b.RemoveDevice(serial)
}

func (b *SimBus) removeFromOrder(serial string) {
	for i, s := range b.order {
		if s == serial {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// Enumerate lists the plugged-in simulated instruments in insertion order.
func (b *SimBus) Enumerate() ([]Handle, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	handles := make([]Handle, 0, len(b.order))
	for _, serial := range b.order {
		handles = append(handles, b.devices[serial].handle())
	}
	return handles, nil
}

// Open claims the simulated instrument behind h.
func (b *SimBus) Open(h Handle) (Transport, error) {
	b.lock.Lock()
	d, ok := b.devices[h.Serial()]
	b.lock.Unlock()
	if !ok {
		return nil, fmt.Errorf("cannot open device %s: %w", h.Serial(), ErrDeviceGone)
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.opened {
		return nil, fmt.Errorf("cannot open device %s: already open", h.Serial())
	}
	d.opened = true
	return &SimTransport{dev: d}, nil
}

// Watch starts the event dispatcher. Devices already plugged in form the baseline
// and are not reported.
func (b *SimBus) Watch(attach func(Handle), detach func(serial string)) error {
	b.lock.Lock()
	if b.watching {
		b.lock.Unlock()
		return fmt.Errorf("SimBus.Watch called twice")
	}
	b.watching = true
	b.attach = attach
	b.detach = detach
	b.lock.Unlock()

	b.dispatch.Add(1)
	go func() {
		defer b.dispatch.Done()
		for {
			select {
			case <-b.abort:
				return
			case ev := <-b.events:
				if ev.isAttach {
					attach(ev.handle)
				} else {
					detach(ev.serial)
				}
			}
		}
	}()
	return nil
}

// Close stops event dispatch.
func (b *SimBus) Close() error {
	select {
	case <-b.abort:
	default:
		close(b.abort)
	}
	b.dispatch.Wait()
	return nil
}

// SimDevice is one emulated instrument. Tests script it directly; the engine only
// sees it through its SimTransport.
type SimDevice struct {
	bus     *SimBus
	serial  string
	vendor  uint16
	product uint16

	fwVersion string
	hwVersion string

	lock     sync.Mutex
	opened   bool
	gone     bool
	removed  chan struct{}
	rate     float64
	lastRead time.Time
	counter  uint16
	modes    [2]uint16
	lastDAC  [2]uint16
	led      uint8
	overcur  bool
	eeprom   []byte

	flashed   []byte
	lastAck   uint16
	failFlash int // block index whose ack is forced bad; -1 for never

	inFaults []error // errors served by BulkIn before any data, oldest first
}

func (d *SimDevice) handle() *simHandle {
	return &simHandle{serial: d.serial, vendor: d.vendor, product: d.product}
}

// SetRate changes the simulated sample rate (samples per second per channel).
func (d *SimDevice) SetRate(rate float64) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.rate = rate
}

// FailBulkIn queues errors that the next BulkIn calls will return instead of data.
// Queue ErrTimeout to exercise transient-fault retry.
func (d *SimDevice) FailBulkIn(errs ...error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.inFaults = append(d.inFaults, errs...)
}

// FailFlashBlock forces a bad acknowledgment for the given block index.
func (d *SimDevice) FailFlashBlock(block int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.failFlash = block
}

// Flashed returns the image bytes programmed so far.
func (d *SimDevice) Flashed() []byte {
	d.lock.Lock()
	defer d.lock.Unlock()
	out := make([]byte, len(d.flashed))
	copy(out, d.flashed)
	return out
}

// LED returns the last LED word set by the engine.
func (d *SimDevice) LED() uint8 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.led
}

// SetOvercurrent scripts the overcurrent status flag.
func (d *SimDevice) SetOvercurrent(on bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.overcur = on
}

// EEPROM returns a copy of the calibration EEPROM contents.
func (d *SimDevice) EEPROM() []byte {
	d.lock.Lock()
	defer d.lock.Unlock()
	out := make([]byte, len(d.eeprom))
	copy(out, d.eeprom)
	return out
}

// kill marks the device as gone and wakes every blocked transfer.
func (d *SimDevice) kill() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.gone {
		return
	}
	d.gone = true
	close(d.removed)
}

// bulkIn blocks until elapsed wall-clock time affords at least one frame, then fills
// p with as many affordable frames as fit.
func (d *SimDevice) bulkIn(p []byte) (int, error) {
	maxFrames := len(p) / InFrameBytes
	if maxFrames == 0 {
		return 0, nil
	}
	for {
		d.lock.Lock()
		if d.gone {
			d.lock.Unlock()
			return 0, fmt.Errorf("bulk in: %w", ErrDeviceGone)
		}
		if len(d.inFaults) > 0 {
			err := d.inFaults[0]
			d.inFaults = d.inFaults[1:]
			d.lock.Unlock()
			return 0, fmt.Errorf("bulk in: %w", err)
		}
		now := time.Now()
		elapsed := now.Sub(d.lastRead)
		frames := int(elapsed.Seconds() * d.rate)
		if frames > maxFrames {
			frames = maxFrames
		}
		if frames > 0 {
			// Advance lastRead by the time the delivered frames represent, not to
			// now, so the fractional remainder carries into the next call.
			consumed := time.Duration(float64(frames) / d.rate * float64(time.Second))
			d.lastRead = d.lastRead.Add(consumed)
			n := d.fillFrames(p, frames)
			d.lock.Unlock()
			return n, nil
		}
		wait := time.Duration(float64(time.Second)/d.rate) - elapsed
		d.lock.Unlock()
		if wait < time.Microsecond {
			wait = time.Microsecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-d.removed:
			timer.Stop()
		}
	}
}

// fillFrames synthesizes raw words for n frames. Caller holds d.lock.
func (d *SimDevice) fillFrames(p []byte, n int) int {
	for i := 0; i < n; i++ {
		c := d.counter
		d.counter++
		frame := p[i*InFrameBytes:]
		for ch := 0; ch < 2; ch++ {
			var v, cur uint16
			switch d.modes[ch] % 3 {
			case simModeSVMI:
				v = d.lastDAC[ch]
				cur = loadSignature(v)
			case simModeSIMV:
				v = simMidscale
				cur = d.lastDAC[ch]
			default:
				v = c
				cur = simMidscale
			}
			binary.LittleEndian.PutUint16(frame[4*ch:], v)
			binary.LittleEndian.PutUint16(frame[4*ch+2:], cur)
		}
	}
	return n * InFrameBytes
}

// loadSignature gives the current word a small, deterministic dependence on the
// driven voltage, as a resistive load would.
func loadSignature(v uint16) uint16 {
	return uint16(int(simMidscale) + (int(v)-simMidscale)/64)
}

// bulkOut consumes whole OUT frames, remembering the most recent DAC words.
func (d *SimDevice) bulkOut(p []byte) (int, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.gone {
		return 0, fmt.Errorf("bulk out: %w", ErrDeviceGone)
	}
	n := len(p) / OutFrameBytes * OutFrameBytes
	for off := 0; off+OutFrameBytes <= n; off += OutFrameBytes {
		d.lastDAC[0] = binary.LittleEndian.Uint16(p[off:])
		d.lastDAC[1] = binary.LittleEndian.Uint16(p[off+2:])
	}
	return n, nil
}

func (d *SimDevice) controlIn(req uint8, val, idx uint16, p []byte) (int, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.gone {
		return 0, fmt.Errorf("control in: %w", ErrDeviceGone)
	}
	switch req {
	case ReqFirmwareVersion:
		return copy(p, d.fwVersion), nil
	case ReqHardwareVersion:
		return copy(p, d.hwVersion), nil
	case ReqReadCal:
		return copy(p, d.eeprom), nil
	case ReqOvercurrent:
		if len(p) < 1 {
			return 0, fmt.Errorf("control in: overcurrent needs a 1-byte buffer")
		}
		p[0] = 0
		if d.overcur {
			p[0] = 1
		}
		return 1, nil
	case ReqFlashStatus:
		if len(p) < 2 {
			return 0, fmt.Errorf("control in: flash status needs a 2-byte buffer")
		}
		binary.LittleEndian.PutUint16(p, d.lastAck)
		return 2, nil
	}
	return 0, fmt.Errorf("control in: request %#02x not understood", req)
}

func (d *SimDevice) controlOut(req uint8, val, idx uint16, p []byte) (int, error) {
	if req == ReqBoot {
		// The device reboots: it stops answering and drops off the bus. Runs
		// without d.lock held because the detach path takes the bus lock.
		d.bus.bootDetach(d.serial)
		return 0, nil
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.gone {
		return 0, fmt.Errorf("control out: %w", ErrDeviceGone)
	}
	switch req {
	case ReqSetMode:
		if val > 1 {
			return 0, fmt.Errorf("control out: set-mode channel %d out of range", val)
		}
		if idx > 5 {
			return 0, fmt.Errorf("control out: set-mode value %d out of range", idx)
		}
		d.modes[val] = idx
		return 0, nil
	case ReqSetLED:
		d.led = uint8(val)
		return 0, nil
	case ReqWriteCal:
		if len(p) != len(d.eeprom) {
			return 0, fmt.Errorf("control out: calibration image has %d bytes, want %d", len(p), len(d.eeprom))
		}
		copy(d.eeprom, p)
		return len(p), nil
	case ReqFlashBlock:
		if int(val) == d.failFlash {
			d.lastAck = 0xdead
			return len(p), nil
		}
		d.flashed = append(d.flashed, p...)
		d.lastAck = FlashAckOK
		return len(p), nil
	}
	return 0, fmt.Errorf("control out: request %#02x not understood", req)
}

// defaultSimEEPROM builds a factory EEPROM image: the magic word, then 8 identity
// (offset 0, gains 1) coefficient triples.
func defaultSimEEPROM() []byte {
	buf := make([]byte, 100)
	binary.LittleEndian.PutUint32(buf[0:], 0x01ee02dd)
	one := uint32(0x3f800000) // float32(1.0)
	off := 4
	for i := 0; i < 8; i++ {
		binary.LittleEndian.PutUint32(buf[off+0:], 0)
		binary.LittleEndian.PutUint32(buf[off+4:], one)
		binary.LittleEndian.PutUint32(buf[off+8:], one)
		off += 12
	}
	return buf
}

// SimTransport adapts one SimDevice to the Transport interface.
type SimTransport struct {
	dev *SimDevice
}

// Serial returns the device serial number string.
func (t *SimTransport) Serial() string { return t.dev.serial }

// BulkIn fills p with paced, synthesized measurement frames.
func (t *SimTransport) BulkIn(p []byte) (int, error) { return t.dev.bulkIn(p) }

// BulkOut hands DAC frames to the device.
func (t *SimTransport) BulkOut(p []byte) (int, error) { return t.dev.bulkOut(p) }

// ControlIn performs a vendor IN control request.
func (t *SimTransport) ControlIn(req uint8, val, idx uint16, p []byte) (int, error) {
	return t.dev.controlIn(req, val, idx, p)
}

// ControlOut performs a vendor OUT control request.
func (t *SimTransport) ControlOut(req uint8, val, idx uint16, p []byte) (int, error) {
	return t.dev.controlOut(req, val, idx, p)
}

// Close releases the claim so the device can be opened again.
func (t *SimTransport) Close() error {
	t.dev.lock.Lock()
	defer t.dev.lock.Unlock()
	t.dev.opened = false
	return nil
}
