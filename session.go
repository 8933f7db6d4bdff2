package smudge

import (
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"

	"github.com/smudge-daq/smudge/internal/smudb"
	"github.com/smudge-daq/smudge/usb"
)

// Session owns the set of attached devices and the session-wide streaming state.
// It watches the bus for hotplug events, dispatches them to registered observers,
// and optionally publishes state updates and records activity to a database.
type Session struct {
	lock      sync.Mutex // guards all fields below
	cfg       SessionConfig
	bus       usb.Bus
	devices   map[string]*Device
	order     []string // serials in attach order
	attachObs []func(*Device)
	detachObs []func(serial string)
	streaming bool
	runID     string
	runmsg    *smudb.RunMessage
	closed    bool

	monitor   *Monitor
	db        *smudb.Connection
	dbAbort   chan struct{}
	activity  *smudb.ActivityMessage
	flowAbort chan struct{}
	flowDone  sync.WaitGroup
}

// NewSession opens a bus, performs an initial device scan, and starts watching for
// hotplug events. Pass a non-nil bus to inject one (tests use a SimBus); otherwise
// the config's Bus field selects it.
func NewSession(cfg SessionConfig, bus usb.Bus) (*Session, error) {
	cfg = cfg.withDefaults()
	if bus == nil {
		switch cfg.Bus {
		case "", "usb":
			bus = usb.NewGousbBus(cfg.PollPeriod)
		case "sim":
			bus = usb.NewSimBus()
		default:
			return nil, sessionErrorf("unknown bus kind %q", cfg.Bus)
		}
	}

	s := &Session{
		cfg:     cfg,
		bus:     bus,
		devices: make(map[string]*Device),
		dbAbort: make(chan struct{}),
	}
	hostname, _ := os.Hostname()
	s.activity = &smudb.ActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  hostname,
		Githash:   Build.Githash,
		Version:   Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     time.Now(),
	}
	if cfg.Database.Enable {
		s.db = smudb.Start(cfg.Database.Addr, s.activity, s.dbAbort)
	} else {
		s.db = smudb.Dummy()
	}
	if cfg.MonitorPort > 0 {
		m, err := RunMonitor(cfg.MonitorPort)
		if err != nil {
			bus.Close()
			return nil, sessionErrorf("cannot start monitor: %v", err)
		}
		s.monitor = m
	}

	if err := s.Scan(); err != nil {
		ProblemLogger.Printf("initial device scan failed: %v", err)
	}
	if err := bus.Watch(s.onAttach, s.onDetach); err != nil {
		s.monitor.Close()
		bus.Close()
		return nil, sessionErrorf("cannot watch bus for hotplug events: %v", err)
	}
	return s, nil
}

// SessionID returns the ULID identifying this session.
func (s *Session) SessionID() string { return s.activity.ID }

// Scan enumerates the bus and attaches any supported device not already known.
// Devices sitting in bootloader mode are noted but not attached.
func (s *Session) Scan() error {
	handles, err := s.bus.Enumerate()
	if err != nil {
		return sessionErrorf("cannot enumerate bus: %v", err)
	}
	for _, h := range handles {
		s.onAttach(h)
	}
	return nil
}

// OnAttach registers an observer called synchronously, in registration order, after
// a device joins the session. A panicking observer is logged and does not disturb
// the others.
func (s *Session) OnAttach(f func(*Device)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.attachObs = append(s.attachObs, f)
}

// OnDetach registers an observer called synchronously, in registration order, after
// a device is marked disconnected and before its transport closes.
func (s *Session) OnDetach(f func(serial string)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.detachObs = append(s.detachObs, f)
}

// Devices returns the attached devices in attach order.
func (s *Session) Devices() []*Device {
	s.lock.Lock()
	defer s.lock.Unlock()
	devs := make([]*Device, 0, len(s.order))
	for _, serial := range s.order {
		devs = append(devs, s.devices[serial])
	}
	return devs
}

// Device returns the attached device with the given serial, if any.
func (s *Session) Device(serial string) (*Device, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	d, ok := s.devices[serial]
	return d, ok
}

// Streaming reports whether a session-wide run is in progress.
func (s *Session) Streaming() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.streaming
}

// RunID returns the ULID of the current (or most recent) run.
func (s *Session) RunID() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.runID
}

// onAttach handles one device appearing on the bus, whether from Scan or from the
// bus watcher.
func (s *Session) onAttach(h usb.Handle) {
	if usb.IsBootloader(h) {
		UpdateLogger.Printf("device %s is in bootloader mode; awaiting firmware", h.Serial())
		return
	}
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	if _, known := s.devices[h.Serial()]; known {
		s.lock.Unlock()
		return
	}
	cfg := s.cfg
	s.lock.Unlock()

	tr, err := s.bus.Open(h)
	if err != nil {
		ProblemLogger.Printf("cannot open device %s: %v", h.Serial(), err)
		return
	}
	d, err := newDevice(tr, cfg)
	if err != nil {
		ProblemLogger.Printf("cannot initialize device %s: %v", h.Serial(), err)
		tr.Close()
		return
	}

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		tr.Close()
		return
	}
	if _, known := s.devices[d.serial]; known {
		// the watcher and an explicit Scan raced; keep the first
		s.lock.Unlock()
		tr.Close()
		return
	}
	s.devices[d.serial] = d
	s.order = append(s.order, d.serial)
	obs := append(([]func(*Device))(nil), s.attachObs...)
	s.lock.Unlock()

	UpdateLogger.Printf("device %s attached (firmware %s, hardware %s)", d.serial, d.fwVersion, d.hwVersion)
	UpdateLogger.Printf("device %s calibration: %s", d.serial, spew.Sdump(d.Calibration()))
	s.publishDevices()
	s.db.RecordHotplug(&smudb.HotplugMessage{
		Serial: d.serial, Event: "attach",
		Firmware: d.fwVersion, Hardware: d.hwVersion, When: time.Now(),
	})
	for _, f := range obs {
		notifyAttach(f, d)
	}
}

func notifyAttach(f func(*Device), d *Device) {
	defer func() {
		if r := recover(); r != nil {
			ProblemLogger.Printf("attach observer panicked for device %s: %v", d.serial, r)
		}
	}()
	f(d)
}

// onDetach handles one device leaving the bus: mark it disconnected (unblocking any
// reader or writer), notify observers, drop it from the set, close the transport.
func (s *Session) onDetach(serial string) {
	s.lock.Lock()
	d, known := s.devices[serial]
	if !known {
		s.lock.Unlock()
		return
	}
	obs := append(([]func(string))(nil), s.detachObs...)
	s.lock.Unlock()

	d.markDisconnected()
	for _, f := range obs {
		notifyDetach(f, serial)
	}

	s.lock.Lock()
	delete(s.devices, serial)
	for i, sn := range s.order {
		if sn == serial {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.lock.Unlock()

	d.tr.Close()
	UpdateLogger.Printf("device %s detached", serial)
	s.publishDevices()
	s.db.RecordHotplug(&smudb.HotplugMessage{Serial: serial, Event: "detach", When: time.Now()})
}

func notifyDetach(f func(string), serial string) {
	defer func() {
		if r := recover(); r != nil {
			ProblemLogger.Printf("detach observer panicked for device %s: %v", serial, r)
		}
	}()
	f(serial)
}

// Start begins streaming on every attached device. nsamples > 0 makes each device
// capture that many frames and stop; 0 streams until End. A session already
// streaming, or with no devices, returns a SessionError.
func (s *Session) Start(nsamples int) error {
	if nsamples < 0 {
		return sessionErrorf("cannot Start(%d): sample count must be nonnegative", nsamples)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.streaming {
		return sessionErrorf("the session is already streaming")
	}
	if len(s.order) == 0 {
		return sessionErrorf("no devices are attached")
	}

	devs := make([]*Device, 0, len(s.order))
	for _, serial := range s.order {
		devs = append(devs, s.devices[serial])
	}
	var started []*Device
	for _, d := range devs {
		if err := d.startStreaming(nsamples); err != nil {
			for _, u := range started {
				u.stopStreaming()
			}
			return sessionErrorf("cannot start device %s: %v", d.serial, err)
		}
		started = append(started, d)
	}

	s.streaming = true
	s.runID = ulid.Make().String()
	s.flowAbort = make(chan struct{})
	s.flowDone.Add(1)
	go s.runFlowLoop(devs, s.flowAbort)

	serials := make([]string, len(devs))
	for i, d := range devs {
		serials[i] = d.serial
	}
	s.monitor.Publish("STATUS", StatusUpdate{Running: true, RunID: s.runID, Nsamples: nsamples, Ndevices: len(devs)})
	s.runmsg = &smudb.RunMessage{
		ID:         s.runID,
		Continuous: nsamples == 0,
		Nsamples:   nsamples,
		SampleRate: s.cfg.SampleRate,
		Devices:    strings.Join(serials, ","),
		Start:      time.Now(),
	}
	s.db.RecordRun(s.runmsg)
	UpdateLogger.Printf("run %s started on %d devices", s.runID, len(devs))
	return nil
}

// End stops streaming on every device, discarding queued samples in both
// directions, and unblocks every in-flight Read and Write. Ending a session that
// is not streaming is a no-op.
func (s *Session) End() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.endLocked()
}

func (s *Session) endLocked() error {
	if !s.streaming {
		return nil
	}
	closeIfOpen(s.flowAbort)
	for _, serial := range s.order {
		s.devices[serial].stopStreaming()
	}
	s.flowDone.Wait()
	s.streaming = false
	s.monitor.Publish("STATUS", StatusUpdate{Running: false, RunID: s.runID, Ndevices: len(s.order)})
	if s.runmsg != nil {
		s.db.FinishRun(s.runmsg)
		s.runmsg = nil
	}
	UpdateLogger.Printf("run %s ended", s.runID)
	return nil
}

// Configure sets the nominal sample rate used by subsequent runs. Rejected while
// the session streams.
func (s *Session) Configure(sampleRate float64) error {
	if sampleRate <= 0 {
		return sessionErrorf("sample rate %v is not positive", sampleRate)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.streaming {
		return sessionErrorf("cannot configure the session while it is streaming")
	}
	s.cfg.SampleRate = sampleRate
	for _, serial := range s.order {
		d := s.devices[serial]
		d.stateLock.Lock()
		d.sampleRate = sampleRate
		d.stateLock.Unlock()
	}
	return nil
}

// runFlowLoop publishes per-device throughput once per second until aborted.
func (s *Session) runFlowLoop(devs []*Device, abort <-chan struct{}) {
	defer s.flowDone.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
			updates := make([]FlowUpdate, 0, len(devs))
			for _, d := range devs {
				delivered, dropped := d.flowStats()
				updates = append(updates, FlowUpdate{Serial: d.serial, Delivered: delivered, Dropped: dropped})
			}
			s.monitor.Publish("FLOW", updates)
		}
	}
}

// publishDevices pushes the current device roster to the monitor.
func (s *Session) publishDevices() {
	s.lock.Lock()
	updates := make([]DeviceUpdate, 0, len(s.order))
	for _, serial := range s.order {
		d := s.devices[serial]
		updates = append(updates, DeviceUpdate{
			Serial:    d.serial,
			Firmware:  d.fwVersion,
			Hardware:  d.hwVersion,
			Streaming: d.Streaming(),
		})
	}
	s.lock.Unlock()
	s.monitor.Publish("DEVICES", updates)
}

// Close ends any run, releases every device, and shuts down the bus watcher, the
// monitor, and the database recorder. The session is unusable afterward.
func (s *Session) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.endLocked()
	s.closed = true
	devs := make([]*Device, 0, len(s.order))
	for _, serial := range s.order {
		devs = append(devs, s.devices[serial])
	}
	s.devices = make(map[string]*Device)
	s.order = nil
	s.lock.Unlock()

	for _, d := range devs {
		d.markDisconnected()
		d.tr.Close()
	}
	err := s.bus.Close()
	s.monitor.Close()
	closeIfOpen(s.dbAbort)
	s.db.Wait()
	return err
}
