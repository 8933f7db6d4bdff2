package smudb

import (
	"testing"
	"time"
)

// No ClickHouse server is assumed anywhere in the suite, so these tests exercise
// the offline behavior: a Connection that never came up must swallow every
// message without blocking or panicking.

func TestDummyDiscardsEverything(t *testing.T) {
	db := Dummy()
	if db.IsConnected() {
		t.Error("a dummy connection claims to be connected")
	}
	// No handler goroutine exists, so these must return immediately.
	run := &RunMessage{ID: "r1", Continuous: true, Start: time.Now()}
	db.RecordRun(run)
	db.FinishRun(run)
	db.RecordHotplug(&HotplugMessage{Serial: "sim-0001", Event: "attach", When: time.Now()})
	db.RecordRun(nil)
	db.RecordHotplug(nil)
	db.Disconnect()

	var nildb *Connection
	if nildb.IsConnected() {
		t.Error("a nil connection claims to be connected")
	}
}

func TestStartWithoutServer(t *testing.T) {
	abort := make(chan struct{})
	defer close(abort)
	activity := &ActivityMessage{
		ID:       "activity-test",
		Hostname: "nowhere",
		Start:    time.Now(),
	}
	// Port 1 on loopback refuses immediately.
	db := Start("127.0.0.1:1", activity, abort)
	if db.IsConnected() {
		t.Fatal("connected to a server that cannot exist")
	}
	db.RecordRun(&RunMessage{ID: "r1"})
	db.FinishRun(&RunMessage{ID: "r1"})
	db.Wait()
}

func TestPingServerUnreachable(t *testing.T) {
	if err := PingServer("127.0.0.1:1"); err == nil {
		t.Error("PingServer succeeds against a closed port")
	}
}
