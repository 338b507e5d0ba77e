package engine

import (
	"sync"

	"github.com/spaghettifunk/vkframe/engine/core"
)

// HeadlessWindow is a Window without a surface. Resize and Close queue
// events that are fired on the next PollEvents, as a windowing system would.
type HeadlessWindow struct {
	bus *core.EventBus

	mu      sync.Mutex
	width   uint32
	height  uint32
	pending []core.Event
}

func NewHeadlessWindow(width, height uint32, bus *core.EventBus) *HeadlessWindow {
	return &HeadlessWindow{bus: bus, width: width, height: height}
}

func (w *HeadlessWindow) FramebufferSize() (uint32, uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.width, w.height
}

func (w *HeadlessWindow) Resize(width, height uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.width, w.height = width, height
	w.pending = append(w.pending, core.Event{Code: core.EventResized, Width: width, Height: height})
}

func (w *HeadlessWindow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, core.Event{Code: core.EventQuit})
}

func (w *HeadlessWindow) PollEvents() {
	w.mu.Lock()
	events := w.pending
	w.pending = nil
	w.mu.Unlock()
	for _, e := range events {
		w.bus.Fire(e)
	}
}
