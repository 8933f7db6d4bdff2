package usb

// The real transport, driving instruments through libusb. Hotplug is a polling
// rescan: libusb's own hotplug callbacks are not exposed by gousb, and a 1 s poll is
// far faster than a human can replug hardware.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
)

type gousbHandle struct {
	serial  string
	vendor  uint16
	product uint16
	bus     int
	addr    int
}

func (h *gousbHandle) Serial() string            { return h.serial }
func (h *gousbHandle) Product() (uint16, uint16) { return h.vendor, h.product }

// GousbBus is the Bus implementation over real hardware.
type GousbBus struct {
	ctx        *gousb.Context
	pollPeriod time.Duration
	ioTimeout  time.Duration

	known    map[string]*gousbHandle // hotplug state, owned by the watch goroutine
	watching bool
	abort    chan struct{}
	watchers sync.WaitGroup
}

// NewGousbBus opens a libusb context. A pollPeriod of 0 means 1 second.
func NewGousbBus(pollPeriod time.Duration) *GousbBus {
	if pollPeriod <= 0 {
		pollPeriod = time.Second
	}
	return &GousbBus{
		ctx:        gousb.NewContext(),
		pollPeriod: pollPeriod,
		ioTimeout:  time.Second,
		known:      make(map[string]*gousbHandle),
		abort:      make(chan struct{}),
	}
}

// Enumerate lists the attached supported instruments.
func (b *GousbBus) Enumerate() ([]Handle, error) {
	hs, err := b.scan()
	if err != nil {
		return nil, err
	}
	out := make([]Handle, len(hs))
	for i, h := range hs {
		out[i] = h
	}
	return out, nil
}

// scan opens every supported device just long enough to read its serial number.
func (b *GousbBus) scan() ([]*gousbHandle, error) {
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return supported(uint16(desc.Vendor), uint16(desc.Product))
	})
	// OpenDevices can return both devices and an error when one device of several
	// is unopenable; keep what we got.
	var handles []*gousbHandle
	for _, dev := range devs {
		h := &gousbHandle{
			vendor:  uint16(dev.Desc.Vendor),
			product: uint16(dev.Desc.Product),
			bus:     dev.Desc.Bus,
			addr:    dev.Desc.Address,
		}
		if serial, serr := dev.SerialNumber(); serr == nil && serial != "" {
			h.serial = serial
		} else {
			h.serial = fallbackSerial(h.bus, h.addr)
		}
		handles = append(handles, h)
		dev.Close()
	}
	if len(handles) == 0 && err != nil {
		return nil, fmt.Errorf("cannot enumerate USB devices: %v", err)
	}
	return handles, nil
}

// Open claims the instrument behind h: kernel driver detached, interface 0 alt 0,
// both bulk endpoints prepared.
func (b *GousbBus) Open(h Handle) (Transport, error) {
	gh, ok := h.(*gousbHandle)
	if !ok {
		return nil, fmt.Errorf("handle %q does not belong to a GousbBus", h.Serial())
	}
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == gh.bus && desc.Address == gh.addr &&
			uint16(desc.Vendor) == gh.vendor && uint16(desc.Product) == gh.product
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, fmt.Errorf("cannot open device %s: %v", gh.serial, err)
		}
		return nil, fmt.Errorf("cannot open device %s: %w", gh.serial, ErrDeviceGone)
	}
	dev := devs[0]
	for _, extra := range devs[1:] {
		extra.Close()
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return nil, fmt.Errorf("cannot detach kernel driver from %s: %v", gh.serial, err)
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("cannot claim interface of %s: %v", gh.serial, err)
	}
	in, err := intf.InEndpoint(EndpointIn & 0x0f)
	if err != nil {
		done()
		dev.Close()
		return nil, fmt.Errorf("cannot open IN endpoint of %s: %v", gh.serial, err)
	}
	out, err := intf.OutEndpoint(EndpointOut & 0x0f)
	if err != nil {
		done()
		dev.Close()
		return nil, fmt.Errorf("cannot open OUT endpoint of %s: %v", gh.serial, err)
	}
	return &GousbTransport{
		serial:    gh.serial,
		dev:       dev,
		release:   done,
		in:        in,
		out:       out,
		ioTimeout: b.ioTimeout,
	}, nil
}

// Watch polls the bus and diffs the serial set against the last poll. The set at the
// time Watch is called forms the baseline and is not reported.
func (b *GousbBus) Watch(attach func(Handle), detach func(serial string)) error {
	if b.watching {
		return fmt.Errorf("GousbBus.Watch called twice")
	}
	b.watching = true
	if current, err := b.scan(); err == nil {
		for _, h := range current {
			b.known[h.serial] = h
		}
	}
	b.watchers.Add(1)
	go b.watchLoop(attach, detach)
	return nil
}

func (b *GousbBus) watchLoop(attach func(Handle), detach func(serial string)) {
	defer b.watchers.Done()
	ticker := time.NewTicker(b.pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-b.abort:
			return
		case <-ticker.C:
			current, err := b.scan()
			if err != nil {
				continue // enumeration hiccup; diff against the next poll instead
			}
			seen := make(map[string]bool, len(current))
			for _, h := range current {
				seen[h.serial] = true
				if _, ok := b.known[h.serial]; !ok {
					b.known[h.serial] = h
					attach(h)
				}
			}
			for serial := range b.known {
				if !seen[serial] {
					delete(b.known, serial)
					detach(serial)
				}
			}
		}
	}
}

// Close stops the watch goroutine and closes the libusb context.
func (b *GousbBus) Close() error {
	select {
	case <-b.abort:
	default:
		close(b.abort)
	}
	b.watchers.Wait()
	return b.ctx.Close()
}

// GousbTransport is one claimed instrument.
type GousbTransport struct {
	serial    string
	dev       *gousb.Device
	release   func()
	in        *gousb.InEndpoint
	out       *gousb.OutEndpoint
	ioTimeout time.Duration

	closeLock sync.Mutex
	closed    bool
}

// Serial returns the device serial number string.
func (t *GousbTransport) Serial() string { return t.serial }

// BulkIn fills p from the measurement endpoint.
func (t *GousbTransport) BulkIn(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.ioTimeout)
	defer cancel()
	n, err := t.in.ReadContext(ctx, p)
	return n, mapGousbError("bulk in", err)
}

// BulkOut sends p to the source endpoint.
func (t *GousbTransport) BulkOut(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.ioTimeout)
	defer cancel()
	n, err := t.out.WriteContext(ctx, p)
	return n, mapGousbError("bulk out", err)
}

// ControlIn performs a vendor IN control request.
func (t *GousbTransport) ControlIn(req uint8, val, idx uint16, p []byte) (int, error) {
	n, err := t.dev.Control(gousb.ControlVendor|gousb.ControlIn|gousb.ControlDevice, req, val, idx, p)
	return n, mapGousbError("control in", err)
}

// ControlOut performs a vendor OUT control request.
func (t *GousbTransport) ControlOut(req uint8, val, idx uint16, p []byte) (int, error) {
	n, err := t.dev.Control(gousb.ControlVendor|gousb.ControlOut|gousb.ControlDevice, req, val, idx, p)
	return n, mapGousbError("control out", err)
}

// Close releases the interface and the device. Safe to call twice.
func (t *GousbTransport) Close() error {
	t.closeLock.Lock()
	defer t.closeLock.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.release()
	return t.dev.Close()
}

// mapGousbError folds the several libusb spellings of "timed out" and "unplugged"
// into the package sentinels so callers can classify without importing gousb.
func mapGousbError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorTimeout),
		errors.Is(err, gousb.TransferTimedOut),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	case errors.Is(err, gousb.ErrorNoDevice),
		errors.Is(err, gousb.TransferNoDevice),
		errors.Is(err, gousb.ErrorNotFound):
		return fmt.Errorf("%s: %w", op, ErrDeviceGone)
	}
	return fmt.Errorf("%s: %v", op, err)
}
