// Package usb provides the transport layer between the engine and the two-channel
// source-measure instruments: device identity constants, the Transport and Bus
// interfaces, a real implementation over libusb (GousbBus), and a hardware-free
// twin (SimBus) for tests and offline use.
package usb

import (
	"errors"
	"fmt"
)

// USB identity of the supported instruments. A flashed, running instrument
// enumerates with the normal pair; an instrument waiting in its bootloader
// enumerates with the boot pair.
const (
	VendorID      = 0x0456
	ProductID     = 0xcee2
	BootVendorID  = 0x03eb
	BootProductID = 0x6124
)

// Bulk endpoint addresses. IN carries measurement frames, OUT carries DAC frames.
const (
	EndpointIn  = 0x81
	EndpointOut = 0x02
)

// Frame sizes on the bulk endpoints. An IN frame is 4 little-endian uint16 words
// (A voltage, A current, B voltage, B current); an OUT frame is 2 (A DAC, B DAC).
const (
	InFrameBytes  = 8
	OutFrameBytes = 4
)

// Vendor control requests understood by the instrument and its bootloader.
const (
	ReqFirmwareVersion = 0x00
	ReqReadCal         = 0x01
	ReqWriteCal        = 0x02
	ReqHardwareVersion = 0x04
	ReqSetLED          = 0x0d
	ReqOvercurrent     = 0x0e
	ReqFlashBlock      = 0x30
	ReqFlashStatus     = 0x31
	ReqBoot            = 0x32
	ReqSetMode         = 0x53
)

// FlashBlockSize is the number of image bytes carried by one ReqFlashBlock request.
const FlashBlockSize = 512

// FlashAckOK is the ReqFlashStatus reply meaning the last block was programmed.
const FlashAckOK uint16 = 0x0001

// ErrTimeout marks a transfer that timed out. Timeouts are the one transient fault;
// callers may retry them.
var ErrTimeout = errors.New("usb: transfer timed out")

// ErrDeviceGone marks any operation on a device that has left the bus.
var ErrDeviceGone = errors.New("usb: device is gone")

// IsTransient reports whether err is worth an immediate retry on the same transport.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Handle identifies one enumerated instrument before it is opened.
type Handle interface {
	// Serial returns the device serial number string.
	Serial() string
	// Product returns the (vendor, product) ID pair.
	Product() (uint16, uint16)
}

// IsBootloader reports whether h enumerated under the bootloader identity.
func IsBootloader(h Handle) bool {
	v, p := h.Product()
	return v == BootVendorID && p == BootProductID
}

// Transport is one opened instrument. All methods are safe to call from a single
// goroutine at a time; the engine's per-device worker is the only bulk caller.
// After the device leaves the bus every method returns an error wrapping
// ErrDeviceGone.
type Transport interface {
	// Serial returns the device serial number string.
	Serial() string
	// BulkIn fills p from the measurement endpoint, blocking until at least one
	// frame arrives or the transfer times out. Returns bytes read.
	BulkIn(p []byte) (int, error)
	// BulkOut sends p to the source endpoint. Returns bytes written.
	BulkOut(p []byte) (int, error)
	// ControlIn performs a vendor IN control request, filling p.
	ControlIn(req uint8, val, idx uint16, p []byte) (int, error)
	// ControlOut performs a vendor OUT control request, sending p.
	ControlOut(req uint8, val, idx uint16, p []byte) (int, error)
	// Close releases the device. Further calls return errors.
	Close() error
}

// Bus enumerates instruments and reports arrivals and departures.
type Bus interface {
	// Enumerate lists the currently attached instruments, bootloaders included.
	Enumerate() ([]Handle, error)
	// Open claims the instrument behind h for exclusive streaming use.
	Open(h Handle) (Transport, error)
	// Watch starts hotplug surveillance, invoking attach for every new handle and
	// detach with the serial of every departed one. The callbacks run on the bus's
	// watch goroutine. Watch may be called at most once.
	Watch(attach func(Handle), detach func(serial string)) error
	// Close stops watching and releases bus resources.
	Close() error
}

// supported reports whether the ID pair belongs to an instrument we drive.
func supported(vendor, product uint16) bool {
	if vendor == VendorID && product == ProductID {
		return true
	}
	return vendor == BootVendorID && product == BootProductID
}

// fallbackSerial names a device that carries no serial number string, which real
// bootloaders do not. Bus position keeps the name stable until re-enumeration.
func fallbackSerial(bus, addr int) string {
	return fmt.Sprintf("boot-%03d:%03d", bus, addr)
}
