package usb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

// openSim plugs in one device and claims it.
func openSim(t *testing.T) (*SimBus, *SimDevice, Transport) {
	t.Helper()
	bus := NewSimBus()
	sd := bus.AddDevice("sim-0001")
	handles, err := bus.Enumerate()
	if err != nil || len(handles) != 1 {
		t.Fatalf("Enumerate returns %d handles, err %v", len(handles), err)
	}
	tr, err := bus.Open(handles[0])
	if err != nil {
		t.Fatalf("Open returns %v", err)
	}
	t.Cleanup(func() {
		tr.Close()
		bus.Close()
	})
	return bus, sd, tr
}

func TestSimPacing(t *testing.T) {
	_, sd, tr := openSim(t)
	sd.SetRate(10000)

	// swallow whatever the setup time already afforded
	drain := make([]byte, 64*InFrameBytes)
	if _, err := tr.BulkIn(drain); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 100*InFrameBytes)
	start := time.Now()
	total := 0
	for total < 100 {
		n, err := tr.BulkIn(buf[total*InFrameBytes:])
		if err != nil {
			t.Fatalf("BulkIn returns %v", err)
		}
		if n%InFrameBytes != 0 {
			t.Fatalf("BulkIn returns %d bytes, want whole frames", n)
		}
		total += n / InFrameBytes
	}
	if elapsed := time.Since(start); elapsed < 9*time.Millisecond {
		t.Errorf("100 frames at 10 kS/s arrived in %v, want at least ~10 ms", elapsed)
	}

	c0 := binary.LittleEndian.Uint16(buf[0:])
	for i := 0; i < 100; i++ {
		frame := buf[i*InFrameBytes:]
		if v := binary.LittleEndian.Uint16(frame[0:]); v != c0+uint16(i) {
			t.Fatalf("frame %d: counter %d, want %d", i, v, c0+uint16(i))
		}
		if cur := binary.LittleEndian.Uint16(frame[2:]); cur != simMidscale {
			t.Fatalf("frame %d: HI_Z current %#04x, want %#04x", i, cur, simMidscale)
		}
		// both channels share the counter
		if v := binary.LittleEndian.Uint16(frame[4:]); v != c0+uint16(i) {
			t.Fatalf("frame %d: channel B counter %d, want %d", i, v, c0+uint16(i))
		}
	}
}

func TestSimModes(t *testing.T) {
	_, _, tr := openSim(t)

	if _, err := tr.ControlOut(ReqSetMode, 0, 1, nil); err != nil { // A to SVMI
		t.Fatal(err)
	}
	if _, err := tr.ControlOut(ReqSetMode, 1, 2, nil); err != nil { // B to SIMV
		t.Fatal(err)
	}
	out := make([]byte, OutFrameBytes)
	binary.LittleEndian.PutUint16(out[0:], 40000)
	binary.LittleEndian.PutUint16(out[2:], 20000)
	if _, err := tr.BulkOut(out); err != nil {
		t.Fatal(err)
	}

	frame := make([]byte, InFrameBytes)
	if _, err := tr.BulkIn(frame); err != nil {
		t.Fatal(err)
	}
	if v := binary.LittleEndian.Uint16(frame[0:]); v != 40000 {
		t.Errorf("SVMI voltage reads %d, want the driven 40000", v)
	}
	if cur := binary.LittleEndian.Uint16(frame[2:]); cur != loadSignature(40000) {
		t.Errorf("SVMI current reads %d, want the load signature %d", cur, loadSignature(40000))
	}
	if v := binary.LittleEndian.Uint16(frame[4:]); v != simMidscale {
		t.Errorf("SIMV voltage reads %d, want midscale", v)
	}
	if cur := binary.LittleEndian.Uint16(frame[6:]); cur != 20000 {
		t.Errorf("SIMV current reads %d, want the driven 20000", cur)
	}

	// out-of-range set-mode requests are refused
	if _, err := tr.ControlOut(ReqSetMode, 2, 0, nil); err == nil {
		t.Error("set-mode accepts channel 2")
	}
	if _, err := tr.ControlOut(ReqSetMode, 0, 6, nil); err == nil {
		t.Error("set-mode accepts mode 6")
	}
}

func TestSimRemoveUnblocksTransfers(t *testing.T) {
	bus, sd, tr := openSim(t)
	sd.SetRate(1) // one frame per second: the first read must block

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.RemoveDevice("sim-0001")
	}()
	start := time.Now()
	buf := make([]byte, InFrameBytes)
	_, err := tr.BulkIn(buf)
	if !errors.Is(err, ErrDeviceGone) {
		t.Errorf("BulkIn on a removed device returns %v, want ErrDeviceGone", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("BulkIn took %v to notice the removal", elapsed)
	}

	if _, err := tr.BulkOut(make([]byte, OutFrameBytes)); !errors.Is(err, ErrDeviceGone) {
		t.Errorf("BulkOut on a removed device returns %v, want ErrDeviceGone", err)
	}
	if _, err := tr.ControlIn(ReqFirmwareVersion, 0, 0, buf); !errors.Is(err, ErrDeviceGone) {
		t.Errorf("ControlIn on a removed device returns %v, want ErrDeviceGone", err)
	}
}

func TestSimSingleClaim(t *testing.T) {
	bus := NewSimBus()
	bus.AddDevice("sim-0001")
	defer bus.Close()
	handles, err := bus.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	tr, err := bus.Open(handles[0])
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Open(handles[0]); err == nil {
		t.Error("a claimed device can be opened twice")
	}
	tr.Close()
	tr, err = bus.Open(handles[0])
	if err != nil {
		t.Errorf("reopening after Close returns %v", err)
	}
	tr.Close()
}

func TestSimWatch(t *testing.T) {
	bus := NewSimBus()
	bus.AddDevice("base-0001") // present before Watch: baseline, not reported
	defer bus.Close()

	attached := make(chan string, 4)
	detached := make(chan string, 4)
	if err := bus.Watch(
		func(h Handle) { attached <- h.Serial() },
		func(serial string) { detached <- serial },
	); err != nil {
		t.Fatal(err)
	}

	bus.AddDevice("sim-0002")
	select {
	case s := <-attached:
		if s != "sim-0002" {
			t.Errorf("attach event for %q, want sim-0002", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no attach event")
	}

	bus.RemoveDevice("sim-0002")
	select {
	case s := <-detached:
		if s != "sim-0002" {
			t.Errorf("detach event for %q, want sim-0002", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no detach event")
	}

	select {
	case s := <-attached:
		t.Errorf("unexpected attach event for %q", s)
	default:
	}

	if err := bus.Watch(nil, nil); err == nil {
		t.Error("Watch may be called at most once")
	}
}

func TestSimBootloaderIdentity(t *testing.T) {
	bus := NewSimBus()
	bus.AddDevice("sim-0001")
	bus.AddBootloader("boot-0001")
	defer bus.Close()
	handles, err := bus.Enumerate()
	if err != nil || len(handles) != 2 {
		t.Fatalf("Enumerate returns %d handles, err %v", len(handles), err)
	}
	if IsBootloader(handles[0]) {
		t.Error("normal device identified as a bootloader")
	}
	if !IsBootloader(handles[1]) {
		t.Error("bootloader not identified")
	}
}

func TestSimControlRequests(t *testing.T) {
	_, sd, tr := openSim(t)

	buf := make([]byte, 32)
	n, err := tr.ControlIn(ReqFirmwareVersion, 0, 0, buf)
	if err != nil || string(buf[:n]) != "2.17" {
		t.Errorf("firmware version reads %q, err %v, want 2.17", buf[:n], err)
	}
	n, err = tr.ControlIn(ReqHardwareVersion, 0, 0, buf)
	if err != nil || string(buf[:n]) != "F" {
		t.Errorf("hardware version reads %q, err %v, want F", buf[:n], err)
	}

	img := make([]byte, 100)
	if n, err = tr.ControlIn(ReqReadCal, 0, 0, img); err != nil || n != 100 {
		t.Fatalf("calibration read returns %d bytes, err %v", n, err)
	}
	img[10] ^= 0xff
	if _, err = tr.ControlOut(ReqWriteCal, 0, 0, img); err != nil {
		t.Fatalf("calibration write returns %v", err)
	}
	if got := sd.EEPROM(); !bytes.Equal(got, img) {
		t.Error("EEPROM contents differ from the written image")
	}
	if _, err = tr.ControlOut(ReqWriteCal, 0, 0, img[:50]); err == nil {
		t.Error("a half-sized calibration image was accepted")
	}

	if _, err = tr.ControlOut(ReqSetLED, 0x3, 0, nil); err != nil {
		t.Fatal(err)
	}
	if got := sd.LED(); got != 0x3 {
		t.Errorf("LED word is %#x, want 0x3", got)
	}

	sd.SetOvercurrent(true)
	var oc [1]byte
	if _, err = tr.ControlIn(ReqOvercurrent, 0, 0, oc[:]); err != nil || oc[0] != 1 {
		t.Errorf("overcurrent reads %d, err %v, want 1", oc[0], err)
	}

	if _, err = tr.ControlIn(0x7f, 0, 0, buf); err == nil {
		t.Error("an unknown control request was accepted")
	}
}

func TestSimFlashScripting(t *testing.T) {
	bus, sd, tr := openSim(t)

	block := bytes.Repeat([]byte{0xee}, FlashBlockSize)
	if _, err := tr.ControlOut(ReqFlashBlock, 0, 0, block); err != nil {
		t.Fatal(err)
	}
	var ack [2]byte
	if _, err := tr.ControlIn(ReqFlashStatus, 0, 0, ack[:]); err != nil {
		t.Fatal(err)
	}
	if status := binary.LittleEndian.Uint16(ack[:]); status != FlashAckOK {
		t.Errorf("flash status %#04x, want %#04x", status, FlashAckOK)
	}
	if !bytes.Equal(sd.Flashed(), block) {
		t.Error("flashed bytes differ from the sent block")
	}

	sd.FailFlashBlock(1)
	if _, err := tr.ControlOut(ReqFlashBlock, 1, 0, block); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.ControlIn(ReqFlashStatus, 0, 0, ack[:]); err != nil {
		t.Fatal(err)
	}
	if status := binary.LittleEndian.Uint16(ack[:]); status == FlashAckOK {
		t.Error("scripted bad block still acknowledged OK")
	}
	if got := len(sd.Flashed()); got != FlashBlockSize {
		t.Errorf("flashed %d bytes after the bad block, want %d", got, FlashBlockSize)
	}

	// ReqBoot drops the device off the bus
	if _, err := tr.ControlOut(ReqBoot, 0, 0, nil); err != nil {
		t.Fatal(err)
	}
	handles, err := bus.Enumerate()
	if err != nil || len(handles) != 0 {
		t.Errorf("Enumerate after reboot returns %d handles, err %v, want none", len(handles), err)
	}
}
