package smudge

// Contains the Monitor object, which publishes JSON-encoded messages
// giving the latest session state.

import (
	"encoding/json"
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries one message to be published on the monitor port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// DeviceUpdate describes one attached device in a DEVICES message.
type DeviceUpdate struct {
	Serial    string
	Firmware  string
	Hardware  string
	Streaming bool
}

// StatusUpdate is published as STATUS when a run starts or ends.
type StatusUpdate struct {
	Running  bool
	RunID    string
	Nsamples int
	Ndevices int
}

// FlowUpdate reports one device's cumulative sample counts in a FLOW message,
// published once per second while streaming.
type FlowUpdate struct {
	Serial    string
	Delivered uint64
	Dropped   uint64
}

// Monitor owns the PUB socket that external clients subscribe to for state
// updates. A nil *Monitor discards all updates, so embedders can leave it off.
type Monitor struct {
	messages chan ClientUpdate
	abort    chan struct{}
	done     sync.WaitGroup
}

// RunMonitor binds the monitor PUB socket and starts the goroutine that forwards
// queued updates to it.
func RunMonitor(port int) (*Monitor, error) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("cannot create monitor socket: %v", err)
	}
	hostname := fmt.Sprintf("tcp://*:%d", port)
	if err := pubSocket.Bind(hostname); err != nil {
		pubSocket.Close()
		return nil, fmt.Errorf("cannot bind monitor port %d: %v", port, err)
	}
	m := &Monitor{
		messages: make(chan ClientUpdate, 64),
		abort:    make(chan struct{}),
	}
	m.done.Add(1)
	go m.run(pubSocket)
	UpdateLogger.Printf("monitor publishing on port %d", port)
	return m, nil
}

func (m *Monitor) run(pubSocket *zmq.Socket) {
	defer m.done.Done()
	defer pubSocket.Close()
	for {
		select {
		case <-m.abort:
			return
		case update := <-m.messages:
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("cannot encode %s update: %v", update.tag, err)
				continue
			}
			if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
				ProblemLogger.Printf("cannot publish %s update: %v", update.tag, err)
			}
		}
	}
}

// Publish queues one update without blocking. Updates are dropped when the monitor
// is disabled or its queue is full; the monitor reports state, it is not a data path.
func (m *Monitor) Publish(tag string, state interface{}) {
	if m == nil {
		return
	}
	select {
	case m.messages <- ClientUpdate{tag: tag, state: state}:
	default:
	}
}

// Close stops the forwarding goroutine and releases the socket.
func (m *Monitor) Close() {
	if m == nil {
		return
	}
	closeIfOpen(m.abort)
	m.done.Wait()
}
