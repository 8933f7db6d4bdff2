package smudge

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smudge-daq/smudge/usb"
)

// newSimSession builds a session over a simulated bus with ndev instruments
// already plugged in.
func newSimSession(t *testing.T, ndev int) (*Session, *usb.SimBus) {
	t.Helper()
	bus := usb.NewSimBus()
	for i := 0; i < ndev; i++ {
		bus.AddDevice(fmt.Sprintf("sim-%04d", i+1))
	}
	s, err := NewSession(DefaultSessionConfig(), bus)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, bus
}

func TestSessionDiscovery(t *testing.T) {
	bus := usb.NewSimBus()
	bus.AddDevice("sim-0001")
	bus.AddBootloader("boot-0001")
	bus.AddDevice("sim-0002")
	s, err := NewSession(DefaultSessionConfig(), bus)
	require.NoError(t, err)
	defer s.Close()

	devs := s.Devices()
	require.Len(t, devs, 2, "attached instruments")
	assert.Equal(t, "sim-0001", devs[0].Serial(), "attach order")
	assert.Equal(t, "sim-0002", devs[1].Serial(), "attach order")

	_, ok := s.Device("boot-0001")
	assert.False(t, ok, "a bootloader must not appear as a device")
	d, ok := s.Device("sim-0002")
	require.True(t, ok)
	assert.Equal(t, "2.17", d.FirmwareVersion())
}

func TestSessionScanDedup(t *testing.T) {
	s, _ := newSimSession(t, 2)
	require.NoError(t, s.Scan())
	assert.Len(t, s.Devices(), 2, "devices after a rescan")
}

func TestHotplugObservers(t *testing.T) {
	s, bus := newSimSession(t, 0)

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(events)
	}

	s.OnAttach(func(d *Device) {
		record("attach1 " + d.Serial())
		panic("observer misbehaves")
	})
	s.OnAttach(func(d *Device) { record("attach2 " + d.Serial()) })
	s.OnDetach(func(serial string) { record("detach " + serial) })

	bus.AddDevice("sim-0001")
	require.Eventually(t, func() bool { return count() >= 2 },
		2*time.Second, 5*time.Millisecond, "attach observers did not run")
	d, ok := s.Device("sim-0001")
	require.True(t, ok, "device registered after attach")
	assert.True(t, d.Connected())

	bus.RemoveDevice("sim-0001")
	require.Eventually(t, func() bool { return count() >= 3 },
		2*time.Second, 5*time.Millisecond, "detach observer did not run")

	mu.Lock()
	assert.Equal(t, []string{"attach1 sim-0001", "attach2 sim-0001", "detach sim-0001"},
		events, "observer order, with the panicking one isolated")
	mu.Unlock()

	_, ok = s.Device("sim-0001")
	assert.False(t, ok, "device still listed after detach")
	assert.False(t, d.Connected(), "stale handle still connected")
}

func TestSessionStartEnd(t *testing.T) {
	s, _ := newSimSession(t, 2)
	require.NoError(t, s.Start(0))
	assert.True(t, s.Streaming())
	assert.NotEmpty(t, s.RunID())

	err := s.Start(0)
	var se *SessionError
	require.ErrorAs(t, err, &se, "second Start")
	for _, d := range s.Devices() {
		assert.True(t, d.Streaming(), "device %s idle during a run", d.Serial())
	}

	require.NoError(t, s.End())
	assert.False(t, s.Streaming())
	for _, d := range s.Devices() {
		assert.False(t, d.Streaming(), "device %s still streaming after End", d.Serial())
	}
	require.NoError(t, s.End(), "End on an idle session")

	require.ErrorAs(t, s.Start(-1), &se, "negative sample count")

	s2, _ := newSimSession(t, 0)
	require.ErrorAs(t, s2.Start(0), &se, "Start with no devices")
}

func TestSessionConfigure(t *testing.T) {
	s, _ := newSimSession(t, 1)
	require.NoError(t, s.Configure(50000))
	assert.Equal(t, 50000.0, s.Devices()[0].SampleRate(), "rate pushed to the device")

	var se *SessionError
	require.ErrorAs(t, s.Configure(0), &se, "zero rate")
	require.ErrorAs(t, s.Configure(-5), &se, "negative rate")

	require.NoError(t, s.Start(0))
	require.ErrorAs(t, s.Configure(10000), &se, "Configure while streaming")
	require.NoError(t, s.End())
	require.NoError(t, s.Configure(10000))
}

func TestFiniteSessionRun(t *testing.T) {
	s, _ := newSimSession(t, 2)
	require.NoError(t, s.Start(400))
	for _, d := range s.Devices() {
		got, err := d.Read(400, 2*time.Second)
		require.NoError(t, err, "device %s", d.Serial())
		assert.Len(t, got, 400, "device %s finite capture", d.Serial())
	}
	require.Eventually(t, func() bool {
		for _, d := range s.Devices() {
			if d.Streaming() {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "finite runs did not stop themselves")
	require.NoError(t, s.End())
}

func TestDetachWhileSessionStreams(t *testing.T) {
	s, bus := newSimSession(t, 2)
	require.NoError(t, s.Start(0))

	bus.RemoveDevice("sim-0001")
	require.Eventually(t, func() bool {
		_, ok := s.Device("sim-0001")
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "detached device still listed")

	d2, ok := s.Device("sim-0002")
	require.True(t, ok)
	assert.True(t, d2.Streaming(), "surviving device must keep streaming")
	got, err := d2.Read(100, time.Second)
	require.NoError(t, err)
	assert.Len(t, got, 100)
	require.NoError(t, s.End())
}

func TestSessionIDs(t *testing.T) {
	s, _ := newSimSession(t, 1)
	assert.Len(t, s.SessionID(), 26, "session ULID")

	require.NoError(t, s.Start(0))
	r1 := s.RunID()
	require.NoError(t, s.End())
	require.NoError(t, s.Start(0))
	r2 := s.RunID()
	require.NoError(t, s.End())

	assert.Len(t, r1, 26, "run ULID")
	assert.NotEqual(t, r1, r2, "each run gets a fresh ID")
}

func TestSessionClose(t *testing.T) {
	s, _ := newSimSession(t, 1)
	d := s.Devices()[0]
	require.NoError(t, s.Start(0))

	require.NoError(t, s.Close())
	assert.False(t, s.Streaming())
	assert.Empty(t, s.Devices(), "devices after Close")
	assert.False(t, d.Connected(), "device handle after Close")
	require.NoError(t, s.Close(), "Close is idempotent")
}
