package software

import (
	"sync"

	"github.com/gogpu/collatz/internal/gpu"
)

// EventKind classifies a semaphore event.
type EventKind uint8

const (
	// DeviceWait is recorded when a queue's wait on a semaphore is satisfied.
	DeviceWait EventKind = iota
	// DeviceSignal is recorded when a queue signals a semaphore.
	DeviceSignal
	// HostWait is recorded when the host waits on a semaphore.
	HostWait
	// HostSignal is recorded when the host signals a semaphore.
	HostSignal
)

func (k EventKind) String() string {
	switch k {
	case DeviceWait:
		return "device-wait"
	case DeviceSignal:
		return "device-signal"
	case HostWait:
		return "host-wait"
	case HostSignal:
		return "host-signal"
	}
	return "unknown"
}

// Event is one semaphore operation.
type Event struct {
	Kind      EventKind
	Semaphore gpu.Semaphore
	Value     uint64
	// Queue is the queue that performed a device event.
	Queue gpu.Queue
}

// Trace records semaphore events in the order they happen.
// It is safe for concurrent use.
type Trace struct {
	mu     sync.Mutex
	events []Event
}

func (t *Trace) add(e Event) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
}

// Events returns a copy of every recorded event.
func (t *Trace) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// Values returns, in order, the values of events of the given kind on s.
func (t *Trace) Values(s gpu.Semaphore, kind EventKind) []uint64 {
	var out []uint64
	for _, e := range t.Events() {
		if e.Semaphore == s && e.Kind == kind {
			out = append(out, e.Value)
		}
	}
	return out
}
