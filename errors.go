package smudge

// This file defines the error kinds that callers are expected to distinguish with
// errors.As. Transient transport faults never reach callers; the Device worker retries
// those internally.

import "fmt"

// SessionError indicates a fault of the whole engine: starting with no devices,
// double-starting, or a firmware flash that could not complete.
type SessionError struct {
	msg string
}

func (e *SessionError) Error() string { return e.msg }

func sessionErrorf(format string, args ...interface{}) *SessionError {
	return &SessionError{msg: fmt.Sprintf(format, args...)}
}

// DeviceError indicates a fault of one instrument: a rejected calibration table,
// a failed control transfer, or a protocol violation.
type DeviceError struct {
	Serial string
	msg    string
}

func (e *DeviceError) Error() string {
	if e.Serial == "" {
		return e.msg
	}
	return fmt.Sprintf("device %s: %s", e.Serial, e.msg)
}

func deviceErrorf(serial, format string, args ...interface{}) *DeviceError {
	return &DeviceError{Serial: serial, msg: fmt.Sprintf(format, args...)}
}

// StateError indicates an operation that is legal, just not now: changing a channel
// mode or writing calibration while the device is streaming.
type StateError struct {
	msg string
}

func (e *StateError) Error() string { return e.msg }

func stateErrorf(format string, args ...interface{}) *StateError {
	return &StateError{msg: fmt.Sprintf(format, args...)}
}

// DataflowError reports that the input ring overflowed and samples were dropped while
// Device.IgnoreDataflow was false. It is delivered at most once per overflow episode,
// on the read that follows the episode's start.
type DataflowError struct {
	Serial  string
	Dropped uint64 // cumulative samples dropped on this device when the error was raised
}

func (e *DataflowError) Error() string {
	return fmt.Sprintf("device %s: sample queue overflowed, %d samples dropped", e.Serial, e.Dropped)
}

// DisconnectedError reports use of a Device after its physical removal. Any operation
// on a removed device returns one.
type DisconnectedError struct {
	Serial string
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("device %s is disconnected", e.Serial)
}
