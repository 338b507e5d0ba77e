package core

import "sync"

// EventCode identifies the kind of an Event.
type EventCode int

const (
	// Shuts the orchestrator down on the next tick.
	EventQuit EventCode = iota + 1
	// Surface size changed. Width and Height carry the new framebuffer size.
	EventResized
	// A shader source changed on disk. Name carries the shader name.
	EventShaderChanged
)

type Event struct {
	Code   EventCode
	Width  uint32
	Height uint32
	Name   string
}

// Should return true if handled.
type EventHandler func(e Event) bool

// EventBus dispatches events to handlers registered per code. Fire is safe to
// call from callback goroutines such as a file watcher.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventCode][]registered
	nextID   int
}

type registered struct {
	id int
	fn EventHandler
}

func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventCode][]registered)}
}

// Register adds fn for code and returns a function that unregisters it.
func (b *EventBus) Register(code EventCode, fn EventHandler) (unregister func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[code] = append(b.handlers[code], registered{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[code]
		for i := range hs {
			if hs[i].id == id {
				b.handlers[code] = append(hs[:i], hs[i+1:]...)
				return
			}
		}
	}
}

// Fire passes e to the handlers of its code in registration order until one
// of them handles it.
func (b *EventBus) Fire(e Event) bool {
	b.mu.RLock()
	hs := append([]registered(nil), b.handlers[e.Code]...)
	b.mu.RUnlock()
	for _, h := range hs {
		if h.fn(e) {
			return true
		}
	}
	return false
}
