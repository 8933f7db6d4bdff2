package smudge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smudge-daq/smudge/ringbuffer"
	"github.com/smudge-daq/smudge/usb"
)

// streamState is used to indicate the active/inactive/transition state of a device's
// acquisition stream.
type streamState int

// Names for the possible values of streamState
const (
	streamInactive streamState = iota // Device is not streaming
	streamStarting                    // Device is in transition to the streaming state
	streamActive                      // Device is actively streaming samples
	streamStopping                    // Device is in transition to the inactive state
)

// transferRetries bounds how many attempts one bulk transfer gets when the fault is
// transient. Non-transient faults end the stream on the first occurrence.
const transferRetries = 3

// Device is one attached instrument: its transport, its two channels, its sample
// queues and the worker goroutine that owns all bulk I/O. Every mutable field is
// guarded by stateLock; the worker is the only producer into inRing and the only
// consumer of outRing.
type Device struct {
	serial    string
	tr        usb.Transport
	chans     [2]*Channel
	fwVersion string
	hwVersion string

	stateLock      sync.Mutex // guards all fields below
	state          streamState
	cal            *Calibration
	sampleRate     float64
	ignoreFlow     bool
	inRing         *ringbuffer.Ring[Sample]
	outRing        *ringbuffer.Ring[OutSample]
	abortSelf      chan struct{} // closed to stop the worker and wake blocked callers
	dataAvail      chan struct{} // capacity 1; pulsed by the worker after each delivery
	spaceAvail     chan struct{} // capacity 1; pulsed after the worker drains output
	runDone        sync.WaitGroup
	disconnected   bool
	streamErr      error
	inOverflow     bool // worker side: currently inside an overflow episode
	flowErrPending bool // reader side: a DataflowError is owed to the next Read
	captureTarget  int  // frames this run should capture; 0 means continuous
	captured       int
	complete       bool
	delivered      uint64
	droppedIn      uint64
}

// newDevice wraps an opened transport, reading the device's versions and its
// calibration EEPROM.
func newDevice(tr usb.Transport, cfg SessionConfig) (*Device, error) {
	d := &Device{
		serial:     tr.Serial(),
		tr:         tr,
		sampleRate: cfg.SampleRate,
		ignoreFlow: cfg.IgnoreDataflow,
		inRing:     ringbuffer.New[Sample](cfg.QueueSize, cfg.dropPolicy()),
		outRing:    ringbuffer.New[OutSample](cfg.QueueSize, ringbuffer.DropNewest),
		dataAvail:  make(chan struct{}, 1),
		spaceAvail: make(chan struct{}, 1),
		cal:        DefaultCalibration(),
	}
	// A closed channel here means "no stream"; selects on it return immediately.
	d.abortSelf = make(chan struct{})
	close(d.abortSelf)
	d.chans[0] = &Channel{name: "A", idx: 0, d: d}
	d.chans[1] = &Channel{name: "B", idx: 1, d: d}

	buf := make([]byte, 32)
	if n, err := tr.ControlIn(usb.ReqFirmwareVersion, 0, 0, buf); err == nil {
		d.fwVersion = string(buf[:n])
	}
	if n, err := tr.ControlIn(usb.ReqHardwareVersion, 0, 0, buf); err == nil {
		d.hwVersion = string(buf[:n])
	}
	img := make([]byte, calImageSize)
	n, err := tr.ControlIn(usb.ReqReadCal, 0, 0, img)
	if err != nil {
		return nil, deviceErrorf(d.serial, "cannot read calibration EEPROM: %v", err)
	}
	cal, err := ParseDeviceFormat(img[:n])
	if err != nil {
		return nil, deviceErrorf(d.serial, "cannot parse calibration EEPROM: %v", err)
	}
	d.cal = cal
	return d, nil
}

// Serial returns the device serial number string.
func (d *Device) Serial() string { return d.serial }

// FirmwareVersion returns the firmware version string read at attach time.
func (d *Device) FirmwareVersion() string { return d.fwVersion }

// HardwareVersion returns the hardware revision string read at attach time.
func (d *Device) HardwareVersion() string { return d.hwVersion }

// ChannelA returns channel A.
func (d *Device) ChannelA() *Channel { return d.chans[0] }

// ChannelB returns channel B.
func (d *Device) ChannelB() *Channel { return d.chans[1] }

// Channels returns both channels, A first.
func (d *Device) Channels() []*Channel { return []*Channel{d.chans[0], d.chans[1]} }

// SampleRate returns the nominal per-channel sample rate in samples per second.
func (d *Device) SampleRate() float64 {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.sampleRate
}

// Streaming reports whether the device is acquiring, in a race-free fashion.
func (d *Device) Streaming() bool {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.state == streamActive || d.state == streamStarting
}

// Connected reports whether the device is still on the bus.
func (d *Device) Connected() bool {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return !d.disconnected
}

// Calibration returns a copy of the device's active calibration table.
func (d *Device) Calibration() Calibration {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return *d.cal
}

// SetIgnoreDataflow selects whether input overflow is silent (true) or reported
// through DataflowError (false, the default).
func (d *Device) SetIgnoreDataflow(on bool) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	d.ignoreFlow = on
}

// IgnoreDataflow returns the overflow reporting flag.
func (d *Device) IgnoreDataflow() bool {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.ignoreFlow
}

// SetDropPolicy selects which samples are lost when the input queue overflows:
// DropOldest (the default) favors the newest data.
func (d *Device) SetDropPolicy(p ringbuffer.DropPolicy) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	d.inRing.SetPolicy(p)
}

// DropPolicy returns the input queue's drop policy.
func (d *Device) DropPolicy() ringbuffer.DropPolicy {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.inRing.Policy()
}

// flowStats returns cumulative delivered and dropped sample counts.
func (d *Device) flowStats() (delivered, dropped uint64) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	return d.delivered, d.droppedIn
}

// pulse performs a non-blocking send on a capacity-1 notification channel.
func pulse(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
		// already closed
	default:
		close(c)
	}
}

// pushMode asserts one channel's mode on the hardware.
func pushMode(tr usb.Transport, channel int, m Mode) error {
	_, err := tr.ControlOut(usb.ReqSetMode, uint16(channel), uint16(m), nil)
	return err
}

// startStreaming transitions the device to streaming and launches the worker.
// nsamples > 0 makes the run stop itself after that many frames; 0 runs until
// stopped. Returns a StateError if a stream is already up.
func (d *Device) startStreaming(nsamples int) error {
	d.stateLock.Lock()
	if d.disconnected {
		d.stateLock.Unlock()
		return &DisconnectedError{Serial: d.serial}
	}
	if d.state != streamInactive {
		d.stateLock.Unlock()
		return stateErrorf("device %s is already streaming", d.serial)
	}
	d.state = streamStarting
	d.inRing.Reset()
	d.streamErr = nil
	d.complete = false
	d.inOverflow = false
	d.flowErrPending = false
	d.captured = 0
	d.captureTarget = nsamples
	d.abortSelf = make(chan struct{})
	for _, ch := range d.chans {
		ch.src.reset()
	}
	modes := [2]Mode{d.chans[0].mode, d.chans[1].mode}
	tr := d.tr
	d.stateLock.Unlock()

	// Assert both channel modes before the first frame moves.
	for i, m := range modes {
		if err := pushMode(tr, i, m); err != nil {
			d.stateLock.Lock()
			d.state = streamInactive
			gone := errors.Is(err, usb.ErrDeviceGone)
			if gone {
				d.disconnected = true
			}
			d.stateLock.Unlock()
			if gone {
				return &DisconnectedError{Serial: d.serial}
			}
			return deviceErrorf(d.serial, "cannot assert channel modes: %v", err)
		}
	}

	d.stateLock.Lock()
	if d.state != streamStarting {
		// a stop or a detach raced the start
		d.stateLock.Unlock()
		return stateErrorf("device %s streaming was aborted during start", d.serial)
	}
	d.state = streamActive
	d.runDone.Add(1)
	d.stateLock.Unlock()
	go d.runWorker()
	UpdateLogger.Printf("device %s: streaming started (target %d frames, 0 meaning continuous)", d.serial, nsamples)
	return nil
}

// stopStreaming halts the worker, waits for it, and discards unconsumed samples in
// both directions. Stopping an idle device is a no-op.
func (d *Device) stopStreaming() {
	d.stateLock.Lock()
	switch d.state {
	case streamInactive:
		d.stateLock.Unlock()
		return
	case streamStopping:
		d.stateLock.Unlock()
		d.runDone.Wait()
		return
	}
	d.state = streamStopping
	closeIfOpen(d.abortSelf)
	d.stateLock.Unlock()

	d.runDone.Wait()
	d.stateLock.Lock()
	d.state = streamInactive
	d.inRing.Reset()
	d.outRing.Reset()
	d.stateLock.Unlock()
	UpdateLogger.Printf("device %s: streaming stopped", d.serial)
}

// markDisconnected flags the device as off the bus and shakes every blocked caller
// loose. Called from the session's detach path; also by the worker when a transfer
// reports the device gone.
func (d *Device) markDisconnected() {
	d.stateLock.Lock()
	already := d.disconnected
	d.disconnected = true
	if d.state == streamActive || d.state == streamStarting {
		d.state = streamStopping
		closeIfOpen(d.abortSelf)
	}
	d.stateLock.Unlock()
	if already {
		return
	}
	d.runDone.Wait()
	d.stateLock.Lock()
	d.state = streamInactive
	d.stateLock.Unlock()
	pulse(d.dataAvail)
	pulse(d.spaceAvail)
}

// runWorker is the device's single transport-owning goroutine. Each cycle moves one
// transfer of DAC frames out and one transfer of measurement frames in.
func (d *Device) runWorker() {
	defer d.runDone.Done()
	inBuf := make([]byte, inTransferBytes)
	outBuf := make([]byte, outTransferBytes)
	outVals := make([]OutSample, transferFrames)

	for {
		select {
		case <-d.abortSelf:
			return
		default:
		}

		n := d.prepareOut(outBuf, outVals)
		if err := d.transferOut(outBuf[:n]); err != nil {
			d.failRun("bulk out", err)
			return
		}

		nread, err := d.transferIn(inBuf)
		if err != nil {
			d.failRun("bulk in", err)
			return
		}
		if d.deliver(inBuf[:nread]) {
			d.selfStop()
			return
		}
	}
}

// prepareOut fills one OUT transfer: queued output samples first, then values
// synthesized from each channel's source spec. Returns the byte count.
func (d *Device) prepareOut(buf []byte, vals []OutSample) int {
	d.stateLock.Lock()
	drained := d.outRing.Drain(vals)
	for i := drained; i < len(vals); i++ {
		vals[i] = OutSample{A: d.chans[0].src.next(), B: d.chans[1].src.next()}
	}
	for i := range vals {
		a := d.chans[0].dacWord(vals[i].A)
		b := d.chans[1].dacWord(vals[i].B)
		packOutFrame(buf[i*outFrameBytes:], a, b)
	}
	d.stateLock.Unlock()
	if drained > 0 {
		pulse(d.spaceAvail)
	}
	return len(vals) * outFrameBytes
}

// transferOut sends one OUT transfer, retrying transient faults.
func (d *Device) transferOut(p []byte) error {
	for attempt := 1; ; attempt++ {
		_, err := d.tr.BulkOut(p)
		if err == nil {
			return nil
		}
		if attempt >= transferRetries || !usb.IsTransient(err) {
			return err
		}
		ProblemLogger.Printf("device %s: retrying bulk out after transient fault: %v", d.serial, err)
	}
}

// transferIn receives one IN transfer, retrying transient faults.
func (d *Device) transferIn(p []byte) (int, error) {
	for attempt := 1; ; attempt++ {
		n, err := d.tr.BulkIn(p)
		if err == nil {
			return n, nil
		}
		if attempt >= transferRetries || !usb.IsTransient(err) {
			return n, err
		}
		ProblemLogger.Printf("device %s: retrying bulk in after transient fault: %v", d.serial, err)
	}
}

// deliver decodes one IN transfer into calibrated samples and queues them. Reports
// true when a finite run's capture target has been reached.
func (d *Device) deliver(p []byte) bool {
	nframes := len(p) / inFrameBytes
	if nframes == 0 {
		return false
	}
	d.stateLock.Lock()
	if d.captureTarget > 0 {
		if remaining := d.captureTarget - d.captured; nframes > remaining {
			nframes = remaining
		}
	}
	droppedBefore := d.inRing.Dropped()
	for i := 0; i < nframes; i++ {
		av, ai, bv, bi := unpackInFrame(p[i*inFrameBytes:])
		d.inRing.Push(Sample{
			AVoltage: d.cal.Apply(CalAMeasureV, rawToVolts(av)),
			ACurrent: d.cal.Apply(CalAMeasureI, rawToAmps(ai)),
			BVoltage: d.cal.Apply(CalBMeasureV, rawToVolts(bv)),
			BCurrent: d.cal.Apply(CalBMeasureI, rawToAmps(bi)),
		})
	}
	newDrops := d.inRing.Dropped() - droppedBefore
	d.droppedIn += newDrops
	if newDrops > 0 {
		if !d.ignoreFlow && !d.inOverflow {
			d.flowErrPending = true
		}
		d.inOverflow = true
	} else {
		d.inOverflow = false
	}
	d.captured += nframes
	d.delivered += uint64(nframes)
	done := d.captureTarget > 0 && d.captured >= d.captureTarget
	if done {
		d.complete = true
	}
	d.stateLock.Unlock()
	pulse(d.dataAvail)
	return done
}

// selfStop ends the run from inside the worker, after a finite run completes.
func (d *Device) selfStop() {
	d.stateLock.Lock()
	if d.state == streamActive {
		d.state = streamInactive
	}
	target := d.captureTarget
	closeIfOpen(d.abortSelf)
	d.stateLock.Unlock()
	pulse(d.dataAvail)
	UpdateLogger.Printf("device %s: finite run complete (%d frames)", d.serial, target)
}

// failRun ends the run from inside the worker on a transport fault.
func (d *Device) failRun(op string, err error) {
	d.stateLock.Lock()
	if errors.Is(err, usb.ErrDeviceGone) {
		d.disconnected = true
		d.streamErr = &DisconnectedError{Serial: d.serial}
	} else {
		d.streamErr = deviceErrorf(d.serial, "streaming failed during %s: %v", op, err)
	}
	if d.state == streamActive || d.state == streamStarting {
		d.state = streamInactive
	}
	closeIfOpen(d.abortSelf)
	d.stateLock.Unlock()
	pulse(d.dataAvail)
	pulse(d.spaceAvail)
	ProblemLogger.Printf("device %s: %s failed, stream abandoned: %v", d.serial, op, err)
}

// Read returns up to n samples, blocking while the device streams and fewer are
// queued. A negative timeout blocks indefinitely. Read returns short on timeout or
// when the stream ends (on an idle device it returns whatever is queued without
// blocking), with a DataflowError once per overflow episode when IgnoreDataflow is
// off, and with a DisconnectedError after removal. Multiple readers see disjoint,
// individually ordered slices.
func (d *Device) Read(n int, timeout time.Duration) ([]Sample, error) {
	if n < 0 {
		return nil, fmt.Errorf("cannot Read %d samples: count must be nonnegative", n)
	}
	out := make([]Sample, n)
	filled := 0
	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		d.stateLock.Lock()
		if d.flowErrPending {
			d.flowErrPending = false
			dropped := d.droppedIn
			d.stateLock.Unlock()
			return out[:filled], &DataflowError{Serial: d.serial, Dropped: dropped}
		}
		filled += d.inRing.Drain(out[filled:])
		if d.disconnected && filled < n && d.inRing.Len() == 0 {
			d.stateLock.Unlock()
			return out[:filled], &DisconnectedError{Serial: d.serial}
		}
		if d.streamErr != nil && filled < n && d.inRing.Len() == 0 {
			err := d.streamErr
			d.stateLock.Unlock()
			return out[:filled], err
		}
		streaming := d.state == streamActive || d.state == streamStarting
		abort := d.abortSelf
		d.stateLock.Unlock()

		if filled == n || !streaming {
			return out[:filled], nil
		}
		select {
		case <-d.dataAvail:
		case <-deadline:
			d.stateLock.Lock()
			filled += d.inRing.Drain(out[filled:])
			d.stateLock.Unlock()
			return out[:filled], nil
		case <-abort:
			// stream is ending; loop once more to drain the tail
		}
	}
}

// Write queues output samples for the source path, blocking while the queue is full
// and the device streams. It returns how many samples were accepted. Writing more
// than fits on an idle device returns a StateError rather than blocking forever;
// End() and removal unblock an in-flight Write.
func (d *Device) Write(samples []OutSample) (int, error) {
	written := 0
	for {
		d.stateLock.Lock()
		if d.disconnected {
			d.stateLock.Unlock()
			return written, &DisconnectedError{Serial: d.serial}
		}
		for written < len(samples) && d.outRing.Free() > 0 {
			d.outRing.Push(samples[written])
			written++
		}
		streaming := d.state == streamActive || d.state == streamStarting
		abort := d.abortSelf
		d.stateLock.Unlock()

		if written == len(samples) {
			return written, nil
		}
		if !streaming {
			return written, stateErrorf("device %s output queue is full and the device is not streaming", d.serial)
		}
		select {
		case <-d.spaceAvail:
		case <-abort:
			// stream is ending; loop re-checks and returns
		}
	}
}

// GetSamples starts a finite run for n samples if the device is idle, blocks for the
// data, and stops the run it started. On a device already streaming it just reads.
func (d *Device) GetSamples(n int) ([]Sample, error) {
	if n <= 0 {
		return nil, fmt.Errorf("cannot GetSamples(%d): count must be positive", n)
	}
	err := d.startStreaming(n)
	if err != nil {
		var se *StateError
		if !errors.As(err, &se) {
			return nil, err
		}
		// already streaming: share the running stream
	} else {
		defer d.stopStreaming()
	}

	out := make([]Sample, 0, n)
	for len(out) < n {
		got, rerr := d.Read(n-len(out), -1)
		out = append(out, got...)
		if rerr != nil {
			return out, rerr
		}
		if len(got) == 0 && !d.Streaming() {
			break
		}
	}
	return out, nil
}

// WriteCalibration fits a table from the named file and programs it into the
// device's EEPROM; an empty path programs the factory default table. The file is
// parsed and validated before anything touches the transport. Requires a
// non-streaming device.
func (d *Device) WriteCalibration(path string) error {
	cal := DefaultCalibration()
	if path != "" {
		c, err := LoadCalibrationFile(path)
		if err != nil {
			return deviceErrorf(d.serial, "cannot load calibration file: %v", err)
		}
		cal = c
	}
	if err := cal.Validate(); err != nil {
		return deviceErrorf(d.serial, "calibration rejected: %v", err)
	}

	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	if d.disconnected {
		return &DisconnectedError{Serial: d.serial}
	}
	if d.state != streamInactive {
		return stateErrorf("cannot write calibration while device %s is streaming", d.serial)
	}
	if _, err := d.tr.ControlOut(usb.ReqWriteCal, 0, 0, cal.DeviceFormat()); err != nil {
		return d.controlFault("cannot program calibration EEPROM", err)
	}
	d.cal = cal
	UpdateLogger.Printf("device %s: calibration written (%s)", d.serial, calSourceName(path))
	return nil
}

func calSourceName(path string) string {
	if path == "" {
		return "factory default"
	}
	return path
}

// ReadCalibration re-reads the calibration EEPROM from the device and replaces the
// cached table. Requires a non-streaming device.
func (d *Device) ReadCalibration() (Calibration, error) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	if d.disconnected {
		return Calibration{}, &DisconnectedError{Serial: d.serial}
	}
	if d.state != streamInactive {
		return Calibration{}, stateErrorf("cannot read calibration while device %s is streaming", d.serial)
	}
	img := make([]byte, calImageSize)
	n, err := d.tr.ControlIn(usb.ReqReadCal, 0, 0, img)
	if err != nil {
		return Calibration{}, d.controlFault("cannot read calibration EEPROM", err)
	}
	cal, err := ParseDeviceFormat(img[:n])
	if err != nil {
		return Calibration{}, deviceErrorf(d.serial, "cannot parse calibration EEPROM: %v", err)
	}
	d.cal = cal
	return *cal, nil
}

// SetLED sets the device's indicator LED bits.
func (d *Device) SetLED(bits uint8) error {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	if d.disconnected {
		return &DisconnectedError{Serial: d.serial}
	}
	if _, err := d.tr.ControlOut(usb.ReqSetLED, uint16(bits), 0, nil); err != nil {
		return d.controlFault("cannot set LED", err)
	}
	return nil
}

// Overcurrent reports whether the instrument's output stage flagged an overcurrent
// condition since the last query.
func (d *Device) Overcurrent() (bool, error) {
	d.stateLock.Lock()
	defer d.stateLock.Unlock()
	if d.disconnected {
		return false, &DisconnectedError{Serial: d.serial}
	}
	var buf [1]byte
	if _, err := d.tr.ControlIn(usb.ReqOvercurrent, 0, 0, buf[:]); err != nil {
		return false, d.controlFault("cannot query overcurrent status", err)
	}
	return buf[0] != 0, nil
}

// controlFault classifies a failed control transfer. Caller holds stateLock.
func (d *Device) controlFault(what string, err error) error {
	if errors.Is(err, usb.ErrDeviceGone) {
		d.disconnected = true
		return &DisconnectedError{Serial: d.serial}
	}
	return deviceErrorf(d.serial, "%s: %v", what, err)
}
