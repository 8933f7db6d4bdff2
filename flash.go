package smudge

import (
	"encoding/binary"
	"os"

	"github.com/smudge-daq/smudge/usb"
)

// FlashFirmware writes a firmware image to the named devices, or to every attached
// device when no serials are given. Any active run is ended first. The image goes
// out in fixed-size blocks, each acknowledged by the device before the next is
// sent; the first bad or missing acknowledgment aborts with a SessionError and no
// further blocks are sent. Flashing is terminal: each device reboots into its new
// firmware, drops off the bus, and re-enumerates as a fresh attach.
func (s *Session) FlashFirmware(image []byte, serials ...string) error {
	if len(image) == 0 {
		return sessionErrorf("firmware image is empty")
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	var targets []*Device
	if len(serials) == 0 {
		for _, serial := range s.order {
			targets = append(targets, s.devices[serial])
		}
		if len(targets) == 0 {
			return sessionErrorf("no devices are attached")
		}
	} else {
		for _, serial := range serials {
			d, known := s.devices[serial]
			if !known {
				return sessionErrorf("device %s is not attached", serial)
			}
			targets = append(targets, d)
		}
	}

	if s.streaming {
		if err := s.endLocked(); err != nil {
			return err
		}
	}
	for _, d := range targets {
		if err := flashDevice(d, image); err != nil {
			return err
		}
	}
	return nil
}

// FlashFirmwareFile reads a firmware image from disk and flashes it.
func (s *Session) FlashFirmwareFile(path string, serials ...string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return sessionErrorf("cannot read firmware image: %v", err)
	}
	return s.FlashFirmware(image, serials...)
}

// flashDevice drives the block protocol against one device: send a block, poll the
// ack, repeat, then request a reboot into the new firmware.
func flashDevice(d *Device, image []byte) error {
	d.stopStreaming()
	d.stateLock.Lock()
	if d.disconnected {
		d.stateLock.Unlock()
		return &DisconnectedError{Serial: d.serial}
	}
	tr := d.tr
	d.stateLock.Unlock()

	nblocks := (len(image) + usb.FlashBlockSize - 1) / usb.FlashBlockSize
	for i := 0; i < nblocks; i++ {
		lo := i * usb.FlashBlockSize
		hi := lo + usb.FlashBlockSize
		if hi > len(image) {
			hi = len(image)
		}
		if _, err := tr.ControlOut(usb.ReqFlashBlock, uint16(i), 0, image[lo:hi]); err != nil {
			return sessionErrorf("flashing device %s: sending block %d of %d failed: %v", d.serial, i+1, nblocks, err)
		}
		var ack [2]byte
		if _, err := tr.ControlIn(usb.ReqFlashStatus, 0, 0, ack[:]); err != nil {
			return sessionErrorf("flashing device %s: no acknowledgment for block %d of %d: %v", d.serial, i+1, nblocks, err)
		}
		if status := binary.LittleEndian.Uint16(ack[:]); status != usb.FlashAckOK {
			return sessionErrorf("flashing device %s: block %d of %d rejected with status %#04x", d.serial, i+1, nblocks, status)
		}
	}

	if _, err := tr.ControlOut(usb.ReqBoot, 0, 0, nil); err != nil {
		return sessionErrorf("flashing device %s: reboot request failed: %v", d.serial, err)
	}
	UpdateLogger.Printf("device %s: wrote %d firmware bytes in %d blocks, device is rebooting", d.serial, len(image), nblocks)
	return nil
}
