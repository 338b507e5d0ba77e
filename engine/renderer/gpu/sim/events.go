package sim

import "fmt"

type EventKind uint8

const (
	EventSubmit EventKind = iota + 1
	EventFenceWait
	EventFenceSignal
	EventFenceReset
	EventAcquire
	EventPresent
	EventDestroy
	EventQueueWaitIdle
	EventDeviceWaitIdle
)

func (k EventKind) String() string {
	switch k {
	case EventSubmit:
		return "submit"
	case EventFenceWait:
		return "fence-wait"
	case EventFenceSignal:
		return "fence-signal"
	case EventFenceReset:
		return "fence-reset"
	case EventAcquire:
		return "acquire"
	case EventPresent:
		return "present"
	case EventDestroy:
		return "destroy"
	case EventQueueWaitIdle:
		return "queue-wait-idle"
	case EventDeviceWaitIdle:
		return "device-wait-idle"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is one entry of the device trace.
type Event struct {
	Seq    uint64
	Kind   EventKind
	Handle uint64
	// Object is the kind of a destroyed object.
	Object string
	// Submission is the sequence number of the submission a submit or fence
	// signal event belongs to.
	Submission uint64
	// Fence is the fence passed to a submit.
	Fence uint64
}

func (e Event) String() string {
	return fmt.Sprintf("#%d %s %d", e.Seq, e.Kind, e.Handle)
}

func (d *Device) record(e Event) {
	d.eventSeq++
	e.Seq = d.eventSeq
	d.events = append(d.events, e)
}

// Events returns a copy of the trace.
func (d *Device) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// EventsOf returns the trace entries of the given kinds.
func (d *Device) EventsOf(kinds ...EventKind) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Event
	for _, e := range d.events {
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// ClearEvents drops the trace recorded so far.
func (d *Device) ClearEvents() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = nil
}
